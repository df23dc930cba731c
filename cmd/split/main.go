// Command split moves a random share of every training class into the validation folder.
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
	trainDir := flag.String("train", "", "Training folder, overrides the configuration")
	validationDir := flag.String("validation", "", "Validation folder, overrides the configuration")
	fraction := flag.Float64("fraction", 0, "Share of each class moved to validation, overrides the configuration")
	seed := flag.Int64("seed", 0, "Shuffle seed, 0 is time based")
	flag.Parse()

	cfg, err := config.Load(*cfgFile)
	if err != nil {
		log.Fatal(err)
	}
	if *trainDir != "" {
		cfg.TrainDir = *trainDir
	}
	if *validationDir != "" {
		cfg.ValidationDir = *validationDir
	}
	if *fraction != 0 {
		cfg.ValidationFraction = *fraction
	}
	if *seed != 0 {
		cfg.Seed = *seed
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal(err)
	}

	if err := run(cfg); err != nil {
		log.Fatal(err)
	}
}

func run(cfg config.Config) error {
	dm, err := data.New(cfg, os.Stdout)
	if err != nil {
		return err
	}
	defer dm.Destroy()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	_, err = dm.Split(ctx, data.SplitOptions{
		TrainDir:      cfg.TrainDir,
		ValidationDir: cfg.ValidationDir,
		Classes:       cfg.Classes,
		Fraction:      cfg.ValidationFraction,
		Seed:          cfg.Seed,
	})
	return err
}
