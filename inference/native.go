package inference

import (
	"image"
	"os"

	"github.com/maricarminate/Cats-vs-Dogs/dataset"
	"github.com/maricarminate/Cats-vs-Dogs/model"
	"github.com/pkg/errors"
)

// NativeBackend name of the backend reading artifacts written by model.Save
const NativeBackend = "native"

func init() {
	Register(NativeBackend, func(path string, fi os.FileInfo) bool {
		return fi.Mode().IsRegular()
	}, func(path string) (Classifier, error) {
		m, err := model.Load(path)
		if err != nil {
			return nil, err
		}
		return NewNative(path, m), nil
	})
}

type nativeClassifier struct {
	path string
	m    *model.Model
}

// NewNative classifier over an in-memory model
func NewNative(path string, m *model.Model) Classifier {
	return &nativeClassifier{path: path, m: m}
}

// Classify resizes img to the network input, rescales it to [0, 1] and runs the network
func (c *nativeClassifier) Classify(img image.Image) (Prediction, error) {
	net := c.m.Net
	x := dataset.Pixels(dataset.Resize(img, net.ImageSize), nil)

	probs, err := net.Predict(x, 1)
	if err != nil {
		return Prediction{}, errors.Wrap(err, "predict")
	}

	return Classify(probs[0], c.m.Labels), nil
}

func (c *nativeClassifier) Info() ModelInfo {
	cfg := c.m.Config
	return ModelInfo{
		Name:           cfg.Name,
		Path:           c.path,
		Backend:        NativeBackend,
		Type:           cfg.Type,
		Classification: cfg.Classification,
		InputShape:     cfg.InputShape,
		Labels:         c.m.Labels,
		Description:    cfg.Description,
		TrainingResult: cfg.TrainingResult,
	}
}

func (c *nativeClassifier) Close() error {
	return c.m.Net.Close()
}
