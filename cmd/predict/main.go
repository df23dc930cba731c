// Command predict classifies one image as cat or dog and saves a chart of the probabilities.
package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/maricarminate/Cats-vs-Dogs/chart"
	"github.com/maricarminate/Cats-vs-Dogs/config"
	"github.com/maricarminate/Cats-vs-Dogs/dataset"
	"github.com/maricarminate/Cats-vs-Dogs/inference"
)

var rule = strings.Repeat("=", 70)

func usage() {
	fmt.Println(rule)
	fmt.Println("ERROR: you need to give the path of the image!")
	fmt.Println(rule)
	fmt.Println("\nUSAGE:")
	fmt.Println("   predict [-model file] path/to/image.jpg")
	fmt.Println("\nEXAMPLES:")
	fmt.Println("   predict data/validation/cats/cat_001.jpg")
	fmt.Println("   predict my_photo.jpg")
	fmt.Println(`   predict C:\Users\Name\Desktop\cat.jpg`)
	fmt.Println(rule)
}

func main() {
	cfgFile := flag.String("config", "", "YAML configuration file")
	modelPath := flag.String("model", "", "Model file or saved model folder, overrides the configuration")
	output := flag.String("out", "", "Chart file, defaults to resultado_<image name>")
	flag.Parse()

	if flag.NArg() < 1 {
		usage()
		return
	}

	cfg, err := config.Load(*cfgFile)
	if err != nil {
		fmt.Printf("ERROR: %s\n", err)
		os.Exit(1)
	}
	if *modelPath != "" {
		cfg.ModelFile = *modelPath
	}

	if err := run(cfg.ModelFile, flag.Arg(0), *output); err != nil {
		os.Exit(1)
	}
}

func run(modelPath, imagePath, output string) error {
	fmt.Println(rule)
	fmt.Println("TESTING IMAGE WITH THE MODEL")
	fmt.Println(rule)

	fmt.Println("\nLoading model...")
	clf, err := inference.Open(modelPath)
	if err != nil {
		fmt.Printf("ERROR loading model: %s\n", err)
		fmt.Printf("Make sure the file '%s' exists!\n", modelPath)
		return err
	}
	defer clf.Close()
	fmt.Println("Model loaded!")

	fmt.Printf("\nLoading image: %s\n", imagePath)
	img, _, err := dataset.DecodeFile(imagePath)
	if err != nil {
		fmt.Printf("ERROR loading image: %s\n", err)
		return err
	}
	fmt.Println("Image loaded!")

	fmt.Println("\nPreprocessing image...")
	fmt.Println("Predicting...")
	pred, err := clf.Classify(img)
	if err != nil {
		fmt.Printf("ERROR predicting: %s\n", err)
		return err
	}

	fmt.Printf("\n%s\nPREDICTION RESULT\n%s\n", rule, rule)
	fmt.Printf("\n   Class: %s\n", strings.ToUpper(pred.Label))
	fmt.Printf("   Confidence: %.2f%%\n", pred.Confidence)
	fmt.Printf("   Certainty: %s\n", pred.Certainty())
	fmt.Printf("\n%s\n", rule)

	if output == "" {
		output = chart.OutputName(imagePath)
	}
	file, err := chart.Prediction(img, pred, output)
	if err != nil {
		fmt.Printf("ERROR saving chart: %s\n", err)
		return err
	}
	fmt.Printf("Result saved as: %s\n", file)

	return nil
}
