// Command cli is a small front end over the pin manager library: import
// data, pin and unpin addresses, inspect pin status and export the
// protected blocks.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"

	"github.com/ipfs/go-cid"

	ouroborospin "github.com/i5heu/ouroboros-pin"
	"github.com/i5heu/ouroboros-pin/internal/config"
	"github.com/i5heu/ouroboros-pin/pkg/pintype"
)

func usage() {
	fmt.Fprintf(os.Stderr, `usage: cli [-config file] <command> [args]

commands:
  add <file>            import a file as a chunked DAG, print its root
  pin <cid>...          pin recursively
  pin-direct <cid>...   pin non-recursively
  unpin <cid>...        remove a recursive pin
  status <cid> [type]   show pin status (type: direct|recursive|indirect|all)
  ls                    list direct and recursive pins
  export <file>         write all protected blocks to a backup file
  restore <file>        restore blocks from a backup file
`)
	os.Exit(2)
}

func main() {
	configPath := flag.String("config", "config.yaml", "path to yaml config")
	flag.Usage = usage
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		usage()
	}

	conf := config.Config{Path: "./ouroboros-pin-data", MinimumFreeGB: 1, LogLevel: "info"}
	if loaded, err := config.Load(*configPath); err == nil {
		conf = loaded
	}

	level := slog.LevelInfo
	if conf.LogLevel == "debug" {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	op, err := ouroborospin.New(ouroborospin.Config{
		Paths:         []string{conf.Path},
		MinimumFreeGB: conf.MinimumFreeGB,
		Logger:        logger,
	})
	if err != nil {
		log.Fatalf("init: %v", err)
	}

	ctx := context.Background()
	if err := op.Start(ctx); err != nil {
		log.Fatalf("start: %v", err)
	}
	defer op.Close(ctx)

	if err := run(ctx, op, args); err != nil {
		log.Fatalf("%s: %v", args[0], err)
	}
}

func run(ctx context.Context, op *ouroborospin.OuroborosPin, args []string) error {
	switch args[0] {
	case "add":
		if len(args) != 2 {
			usage()
		}
		f, err := os.Open(args[1])
		if err != nil {
			return err
		}
		defer f.Close()
		root, err := op.ImportReader(ctx, f)
		if err != nil {
			return err
		}
		fmt.Println(root.String())
		return nil

	case "pin", "pin-direct":
		keys, err := parseCids(args[1:])
		if err != nil {
			return err
		}
		var added []cid.Cid
		if args[0] == "pin" {
			added, err = op.PinRecursive(ctx, keys...)
		} else {
			added, err = op.PinDirect(ctx, keys...)
		}
		if err != nil {
			return err
		}
		for _, c := range added {
			fmt.Printf("pinned %s\n", c)
		}
		if len(added) == 0 {
			fmt.Println("nothing new to pin")
		}
		return nil

	case "unpin":
		keys, err := parseCids(args[1:])
		if err != nil {
			return err
		}
		return op.Unpin(ctx, keys, true)

	case "status":
		if len(args) < 2 || len(args) > 3 {
			usage()
		}
		c, err := cid.Decode(args[1])
		if err != nil {
			return fmt.Errorf("parse cid %q: %w", args[1], err)
		}
		mode := pintype.All
		if len(args) == 3 {
			mode, err = pintype.Parse(args[2])
			if err != nil {
				return err
			}
		}
		status, err := op.IsPinnedWithType(ctx, c, mode)
		if err != nil {
			return err
		}
		fmt.Printf("%s: %s\n", c, status.Reason())
		return nil

	case "ls":
		direct, err := op.DirectKeys(ctx)
		if err != nil {
			return err
		}
		recursive, err := op.RecursiveKeys(ctx)
		if err != nil {
			return err
		}
		for _, c := range direct {
			fmt.Printf("%s direct\n", c)
		}
		for _, c := range recursive {
			fmt.Printf("%s recursive\n", c)
		}
		return nil

	case "export":
		if len(args) != 2 {
			usage()
		}
		f, err := os.Create(args[1])
		if err != nil {
			return err
		}
		defer f.Close()
		return op.Export(ctx, f)

	case "restore":
		if len(args) != 2 {
			usage()
		}
		f, err := os.Open(args[1])
		if err != nil {
			return err
		}
		defer f.Close()
		n, err := op.ImportBackup(ctx, f)
		if err != nil {
			return err
		}
		fmt.Printf("restored %d blocks\n", n)
		return nil
	}

	usage()
	return nil
}

func parseCids(raw []string) ([]cid.Cid, error) {
	if len(raw) == 0 {
		usage()
	}
	keys := make([]cid.Cid, 0, len(raw))
	for _, s := range raw {
		c, err := cid.Decode(s)
		if err != nil {
			return nil, fmt.Errorf("parse cid %q: %w", s, err)
		}
		keys = append(keys, c)
	}
	return keys, nil
}
