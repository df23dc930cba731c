// Command train fits the cats vs dogs network on the train folder, saves it and plots the training curves.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/maricarminate/Cats-vs-Dogs/chart"
	"github.com/maricarminate/Cats-vs-Dogs/config"
	"github.com/maricarminate/Cats-vs-Dogs/dataset"
	"github.com/maricarminate/Cats-vs-Dogs/model"
	"github.com/pkg/errors"
)

const modelName = "cats-vs-dogs"

var rule = strings.Repeat("=", 70)

func main() {
	cfgFile := flag.String("config", "", "YAML configuration file")
	epochs := flag.Int("epochs", 0, "Training epochs, overrides the configuration")
	batch := flag.Int("batch", 0, "Batch size, overrides the configuration")
	size := flag.Int("size", 0, "Image side in pixels, overrides the configuration")
	workers := flag.Int("workers", 0, "Image loading goroutines, 0 uses every logical core")
	seed := flag.Int64("seed", 0, "Seed for weights, shuffling and augmentation, 0 is time based")
	modelFile := flag.String("model", "", "Output model file, overrides the configuration")
	plotFile := flag.String("plot", "", "Output chart file, overrides the configuration")
	flag.Parse()

	cfg, err := config.Load(*cfgFile)
	if err != nil {
		log.Fatal(err)
	}
	for _, o := range []struct {
		flag  int
		value *int
	}{
		{*epochs, &cfg.Epochs},
		{*batch, &cfg.BatchSize},
		{*size, &cfg.ImageSize},
		{*workers, &cfg.Workers},
	} {
		if o.flag != 0 {
			*o.value = o.flag
		}
	}
	if *seed != 0 {
		cfg.Seed = *seed
	}
	if *modelFile != "" {
		cfg.ModelFile = *modelFile
	}
	if *plotFile != "" {
		cfg.PlotFile = *plotFile
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal(err)
	}

	if err := run(cfg); err != nil {
		fmt.Printf("\nERROR: %s\n", err)
		os.Exit(1)
	}
}

func run(cfg config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fmt.Println("STARTING CATS VS DOGS CLASSIFIER")
	fmt.Println(rule)

	fmt.Println("\n[STEP 1/6] Loading configuration...")
	fmt.Println(cfg)
	fmt.Println("Configuration loaded!")

	fmt.Println("\n[STEP 2/6] Preparing data...")
	fmt.Printf("   Image size: %dx%d\n", cfg.ImageSize, cfg.ImageSize)
	fmt.Printf("   Batch size: %d\n", cfg.BatchSize)
	fmt.Printf("   Training epochs: %d\n", cfg.Epochs)

	train, validation, err := dataset.FromConfig(cfg)
	if err != nil {
		return err
	}
	fmt.Printf("\n   Loading from: %s\n", cfg.TrainDir)
	printFound(train)
	fmt.Printf("\n   Loading from: %s\n", cfg.ValidationDir)
	printFound(validation)
	fmt.Println("Data prepared!")
	fmt.Printf("   Classes found: %v\n", train.Classes)

	fmt.Println("\n[STEP 3/6] Creating neural network model...")
	net, err := model.New(model.DefaultLayers(cfg.Dropout), cfg.ImageSize, dataset.Channels, cfg.Seed)
	if err != nil {
		return err
	}
	defer net.Close()
	fmt.Println("Model created!")
	fmt.Println("\nModel architecture:")
	fmt.Println(model.FormatSummary(net.Summary()))

	fmt.Println("\n[STEP 4/6] STARTING TRAINING...")
	fmt.Println("This can take from 10 minutes to 1 hour depending on your computer")
	fmt.Println("You will see the progress of every epoch below:")

	trainer := &model.Trainer{Net: net, LearningRate: cfg.LearningRate}
	h, err := trainer.Fit(ctx, train, validation, cfg.Epochs, model.ConsoleCallback{Out: os.Stdout})
	if err != nil {
		return errors.Wrap(err, "training")
	}
	fmt.Println("\nTRAINING COMPLETED!")

	fmt.Println("\n[STEP 5/6] Saving model...")
	m := model.NewModel(modelName, net, train.Classes, h)
	m.Config.Description = fmt.Sprintf("trained on %d images from %s", train.Len(), cfg.TrainDir)
	if err := m.Save(cfg.ModelFile); err != nil {
		return err
	}
	fmt.Printf("Model saved as: %s\n", cfg.ModelFile)

	fmt.Println("\n[STEP 6/6] Generating result charts...")
	if err := chart.TrainingCurves(h, cfg.PlotFile); err != nil {
		return err
	}
	fmt.Printf("Chart saved as: %s\n", cfg.PlotFile)

	fmt.Printf("\n%s\nPROJECT COMPLETED SUCCESSFULLY!\n%s\n", rule, rule)

	final := h.FinalValAccuracy()
	fmt.Println("\nFINAL RESULT:")
	fmt.Printf("   Final accuracy: %.4f (%.2f%%)\n", final, final*100)
	fmt.Printf("   %s\n", model.Rating(final))

	fmt.Println("\nGENERATED FILES:")
	fmt.Printf("   %s (trained model)\n", cfg.ModelFile)
	fmt.Printf("   %s (charts)\n", cfg.PlotFile)

	fmt.Println("\nNEXT STEP:")
	fmt.Printf("   predict %s\n", filepath.Join(cfg.ValidationDir, train.Classes[0], "cat_001.jpg"))
	fmt.Println(rule)

	return nil
}

func printFound(it *dataset.Iterator) {
	fmt.Printf("   Found %d images belonging to %d classes.\n", it.Len(), len(it.Classes))
	for i, n := range it.Counts() {
		fmt.Printf("      %s: %d\n", it.Classes[i], n)
	}
}
