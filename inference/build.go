package inference

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/maricarminate/Cats-vs-Dogs/config"
	"github.com/maricarminate/Cats-vs-Dogs/dataset"
	"github.com/maricarminate/Cats-vs-Dogs/model"
	"github.com/pkg/errors"
)

const (
	modelStatusBuild int32 = iota
	modelStatusRun
)

func statusName(status int32) string {
	switch status {
	case modelStatusBuild:
		return "build"
	case modelStatusRun:
		return "run"
	}
	return "unknown"
}

// BuildOptions overrides for a model created by the service
type BuildOptions struct {
	Epochs      int
	Description string
}

// CreateModel reserves name and trains a new model in the background on the training dataset.
// The model is saved under the models path and served once training completes.
func (s *Service) CreateModel(name string, opts BuildOptions) (map[string]interface{}, error) {
	if s.training == nil || s.modelsPath == "" {
		return nil, errors.New("model creation is not configured")
	}
	if err := os.MkdirAll(s.modelsPath, os.ModePerm); err != nil {
		return nil, err
	}

	cfg := *s.training
	if opts.Epochs > 0 {
		cfg.Epochs = opts.Epochs
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	modelPath := filepath.Join(s.modelsPath, fmt.Sprintf("%s-%s.keras", name, uuid.New().String()[:8]))
	m := &iModel{name: name, path: modelPath, status: modelStatusBuild}

	s.rwMutex.Lock()
	if err := s.addModel(m); err != nil {
		s.rwMutex.Unlock()
		return nil, err
	}
	s.rwMutex.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.build(m, cfg, opts.Description); err != nil {
			log.Printf("Fail to build model(%s): %s", m.name, err)
			s.rwMutex.Lock()
			if s.models[m.name] == m {
				delete(s.models, m.name)
			}
			s.rwMutex.Unlock()
		}
	}()

	return map[string]interface{}{
		"model":  name,
		"path":   modelPath,
		"epochs": cfg.Epochs,
		"status": statusName(modelStatusBuild),
	}, nil
}

func (s *Service) build(m *iModel, cfg config.Config, desc string) error {
	train, validation, err := dataset.FromConfig(cfg)
	if err != nil {
		return err
	}

	net, err := model.New(model.DefaultLayers(cfg.Dropout), cfg.ImageSize, dataset.Channels, cfg.Seed)
	if err != nil {
		return err
	}

	log.Printf("Build model(%s): %d training and %d validation images, %d epochs",
		m.name, train.Len(), validation.Len(), cfg.Epochs)
	trainer := &model.Trainer{Net: net, LearningRate: cfg.LearningRate}
	h, err := trainer.Fit(s.ctx, train, validation, cfg.Epochs, logCallback{model: m.name})
	if err != nil {
		net.Close()
		return err
	}

	trained := model.NewModel(m.name, net, train.Classes, h)
	trained.Config.Description = desc
	if err := trained.Save(m.path); err != nil {
		net.Close()
		return err
	}

	m.clf = NewNative(m.path, trained)
	// Setting status should always be last
	atomic.StoreInt32(&m.status, modelStatusRun)
	log.Printf("Model(%s) ready: %s, validation accuracy %.4f", m.name, m.path, h.FinalValAccuracy())

	return nil
}

// logCallback logs the metrics of every epoch of a background build
type logCallback struct {
	model string
}

func (c logCallback) EpochBegin(epoch, epochs int) {}

func (c logCallback) EpochEnd(epoch, epochs int, logs model.EpochLogs) {
	log.Printf("Model(%s) epoch %d/%d: loss %.4f, accuracy %.4f, val_loss %.4f, val_accuracy %.4f",
		c.model, epoch, epochs, logs.Loss, logs.Accuracy, logs.ValLoss, logs.ValAccuracy)
}
