// Package inference classifies single images with a trained model and keeps the models served by the api.
package inference

import (
	"image"
	"os"
	"sync"

	"github.com/maricarminate/Cats-vs-Dogs/constants"
	"github.com/maricarminate/Cats-vs-Dogs/model"
	"github.com/pkg/errors"
)

// ModelInfo description of a loaded model
type ModelInfo struct {
	Name           string               `json:"model"`
	Path           string               `json:"path"`
	Backend        string               `json:"backend"`
	Type           string               `json:"type"`
	Classification string               `json:"classification"`
	InputShape     []int                `json:"inputShape"`
	Labels         []string             `json:"labels"`
	Description    string               `json:"description"`
	TrainingResult model.TrainingResult `json:"-"`
}

// Classifier binary image classifier
type Classifier interface {
	Classify(img image.Image) (Prediction, error)
	Info() ModelInfo
	Close() error
}

// Prediction result of classifying one image
type Prediction struct {
	// Probability output of the network, the probability of the second class (dog)
	Probability float32 `json:"probability"`
	Class       string  `json:"class"`
	Label       string  `json:"label"`
	// Confidence percentage of the chosen label
	Confidence float64 `json:"confidence"`
}

// DisplayLabel singular label shown for a class directory
func DisplayLabel(class string) string {
	switch class {
	case constants.CatsDir:
		return constants.CatLabel
	case constants.DogsDir:
		return constants.DogLabel
	}
	return class
}

// Classify thresholds a sigmoid output: the second label wins only when prob is above 0.5
func Classify(prob float32, labels []string) Prediction {
	if len(labels) != 2 {
		labels = constants.ClassDirs
	}

	p := Prediction{Probability: prob}
	if prob > constants.Threshold {
		p.Class = labels[1]
		p.Confidence = float64(prob) * 100
	} else {
		p.Class = labels[0]
		p.Confidence = (1 - float64(prob)) * 100
	}
	p.Label = DisplayLabel(p.Class)

	return p
}

// Probabilities percentage of the first and second class
func (p Prediction) Probabilities() (first, second float64) {
	return (1 - float64(p.Probability)) * 100, float64(p.Probability) * 100
}

// Certainty verbal grade of the confidence
func (p Prediction) Certainty() string {
	switch {
	case p.Confidence > 90:
		return "VERY HIGH"
	case p.Confidence > 70:
		return "HIGH"
	case p.Confidence > 50:
		return "MODERATE"
	}
	return "LOW (model is uncertain)"
}

// Opener loads the model stored at path
type Opener func(path string) (Classifier, error)

type backend struct {
	name  string
	match func(path string, fi os.FileInfo) bool
	open  Opener
}

var (
	backendsMu sync.Mutex
	backends   []backend
)

// Register adds a model backend. Open tries backends in registration order and uses the first that matches.
func Register(name string, match func(path string, fi os.FileInfo) bool, open Opener) {
	backendsMu.Lock()
	defer backendsMu.Unlock()

	backends = append(backends, backend{name: name, match: match, open: open})
}

// Backends names of the registered backends
func Backends() []string {
	backendsMu.Lock()
	defer backendsMu.Unlock()

	var names []string
	for _, b := range backends {
		names = append(names, b.name)
	}
	return names
}

// Open loads the model at path with the first matching backend
func Open(path string) (Classifier, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return nil, errors.Wrap(err, "model not found")
	}

	backendsMu.Lock()
	bs := append([]backend(nil), backends...)
	backendsMu.Unlock()

	for _, b := range bs {
		if b.match(path, fi) {
			c, err := b.open(path)
			if err != nil {
				return nil, errors.Wrapf(err, "open %s model", b.name)
			}
			return c, nil
		}
	}

	return nil, errors.Errorf("no backend can open model %s", path)
}
