// Command clean removes images that cannot be decoded or are too small from the dataset folders.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/maricarminate/Cats-vs-Dogs/config"
	"github.com/maricarminate/Cats-vs-Dogs/data"
)

func main() {
	cfgFile := flag.String("config", "", "YAML configuration file")
	minSide := flag.Int("min-side", 0, "Minimum width and height in pixels, overrides the configuration")
	dryRun := flag.Bool("dry-run", false, "List the invalid images without deleting them")
	flag.Parse()

	cfg, err := config.Load(*cfgFile)
	if err != nil {
		log.Fatal(err)
	}
	if *minSide != 0 {
		cfg.MinImageSide = *minSide
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal(err)
	}

	if err := run(cfg, *dryRun); err != nil {
		log.Fatal(err)
	}
}

func run(cfg config.Config, dryRun bool) error {
	dm, err := data.New(cfg, os.Stdout)
	if err != nil {
		return err
	}
	defer dm.Destroy()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	_, err = dm.Clean(ctx, data.CleanOptions{
		Dirs:    data.ClassDirs(cfg),
		MinSide: cfg.MinImageSide,
		DryRun:  dryRun,
	})
	return err
}
