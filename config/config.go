// Package config holds the tunables shared by the command line tools.
package config

import (
	"fmt"
	"io/ioutil"
	"strings"

	"github.com/maricarminate/Cats-vs-Dogs/constants"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"
)

// Catalog optional sql catalog of dataset operations
type Catalog struct {
	Driver string `yaml:"driver"`
	Conn   string `yaml:"conn"`
	Table  string `yaml:"table"`
}

// Enabled reports whether a catalog connection is configured
func (c Catalog) Enabled() bool {
	return c.Driver != "" && c.Conn != ""
}

// Config settings for split, clean, train and predict
type Config struct {
	TrainDir           string   `yaml:"trainDir"`
	ValidationDir      string   `yaml:"validationDir"`
	Classes            []string `yaml:"classes"`
	ValidationFraction float64  `yaml:"validationFraction"`
	MinImageSide       int      `yaml:"minImageSide"`

	ImageSize    int     `yaml:"imageSize"`
	BatchSize    int     `yaml:"batchSize"`
	Epochs       int     `yaml:"epochs"`
	LearningRate float64 `yaml:"learningRate"`
	Dropout      float64 `yaml:"dropout"`
	Workers      int     `yaml:"workers"`
	Seed         int64   `yaml:"seed"`

	ModelFile string `yaml:"modelFile"`
	PlotFile  string `yaml:"plotFile"`

	Catalog Catalog `yaml:"catalog"`
}

// Default configuration built from the constants
func Default() Config {
	return Config{
		TrainDir:           constants.TrainPath,
		ValidationDir:      constants.ValidationPath,
		Classes:            append([]string(nil), constants.ClassDirs...),
		ValidationFraction: constants.ValidationFraction,
		MinImageSide:       constants.MinImageSide,
		ImageSize:          constants.ImageSize,
		BatchSize:          constants.BatchSize,
		Epochs:             constants.TrainEpochs,
		LearningRate:       constants.LearningRate,
		Dropout:            constants.DropoutRate,
		ModelFile:          constants.ModelFile,
		PlotFile:           constants.TrainingPlotFile,
		Catalog: Catalog{
			Table: constants.CatalogTable,
		},
	}
}

// Load overlays a yaml file on top of the defaults
func Load(file string) (Config, error) {
	c := Default()
	if file == "" {
		return c, nil
	}

	b, err := ioutil.ReadFile(file)
	if err != nil {
		return c, errors.Wrap(err, "read config")
	}
	if err := yaml.UnmarshalStrict(b, &c); err != nil {
		return c, errors.Wrapf(err, "parse config %s", file)
	}
	if c.Catalog.Table == "" {
		c.Catalog.Table = constants.CatalogTable
	}

	return c, c.Validate()
}

// Validate checks value ranges
func (c Config) Validate() error {
	switch {
	case c.TrainDir == "" || c.ValidationDir == "":
		return errors.New("train and validation directories must be set")
	case len(c.Classes) != 2:
		return errors.Errorf("binary classification needs 2 classes, got %d", len(c.Classes))
	case c.ValidationFraction <= 0 || c.ValidationFraction >= 1:
		return errors.Errorf("validation fraction must be in (0, 1), got %g", c.ValidationFraction)
	case c.MinImageSide < 1:
		return errors.Errorf("invalid minimum image side: %d", c.MinImageSide)
	case c.ImageSize < 1:
		return errors.Errorf("invalid image size: %d", c.ImageSize)
	case c.BatchSize < 1:
		return errors.Errorf("invalid batch size: %d", c.BatchSize)
	case c.Epochs < 1:
		return errors.Errorf("invalid number of epochs: %d", c.Epochs)
	case c.LearningRate <= 0:
		return errors.Errorf("invalid learning rate: %g", c.LearningRate)
	case c.Dropout < 0 || c.Dropout >= 1:
		return errors.Errorf("dropout must be in [0, 1), got %g", c.Dropout)
	case c.Workers < 0:
		return errors.Errorf("invalid worker count: %d", c.Workers)
	}
	return nil
}

func (c Config) String() string {
	str := []string{
		fmt.Sprintf("%-20s: %s", "train", c.TrainDir),
		fmt.Sprintf("%-20s: %s", "validation", c.ValidationDir),
		fmt.Sprintf("%-20s: %v", "classes", c.Classes),
		fmt.Sprintf("%-20s: %dx%d", "image size", c.ImageSize, c.ImageSize),
		fmt.Sprintf("%-20s: %d", "batch size", c.BatchSize),
		fmt.Sprintf("%-20s: %d", "epochs", c.Epochs),
		fmt.Sprintf("%-20s: %g", "learning rate", c.LearningRate),
		fmt.Sprintf("%-20s: %g", "dropout", c.Dropout),
	}
	return strings.Join(str, "\n")
}
