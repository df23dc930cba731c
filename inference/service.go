package inference

import (
	"bytes"
	"context"
	"io/ioutil"
	"log"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/maricarminate/Cats-vs-Dogs/config"
	"github.com/maricarminate/Cats-vs-Dogs/constants"
	"github.com/maricarminate/Cats-vs-Dogs/dataset"
	"github.com/pkg/errors"
)

// Config models served by a Service
type Config struct {
	// DefaultModel path of the model served as constants.DefaultModelName
	DefaultModel string
	// ModelsPath optional directory whose entries are loaded under their own names.
	// Models created by the service are written there.
	ModelsPath string
	// Training dataset and hyper parameters of created models, nil disables CreateModel
	Training *config.Config
}

// Service keeps the loaded models and serialises their removal against running inferences
type Service struct {
	models     map[string]*iModel
	rwMutex    sync.RWMutex
	modelsPath string
	training   *config.Config

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type iModel struct {
	name     string
	path     string
	clf      Classifier
	status   int32
	refCount int32
}

// Result of one inference request
type Result struct {
	Format     string     `json:"format"`
	Width      int        `json:"width"`
	Height     int        `json:"height"`
	Prediction Prediction `json:"prediction"`
	Certainty  string     `json:"certainty"`
}

// New loads the configured models. A default model that cannot be opened is an error,
// entries of ModelsPath that cannot be opened are logged and skipped.
func New(c Config) (*Service, error) {
	s := &Service{
		models:     make(map[string]*iModel),
		modelsPath: c.ModelsPath,
		training:   c.Training,
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())

	if c.DefaultModel != "" {
		clf, err := Open(c.DefaultModel)
		if err != nil {
			s.cancel()
			return nil, err
		}
		if err := s.AddModel(constants.DefaultModelName, c.DefaultModel, clf); err != nil {
			clf.Close()
			s.cancel()
			return nil, err
		}
	}

	if c.ModelsPath != "" {
		entries, err := ioutil.ReadDir(c.ModelsPath)
		if err != nil && !os.IsNotExist(err) {
			s.Destroy()
			return nil, errors.Wrap(err, "read models path")
		}
		for _, e := range entries {
			modelPath := filepath.Join(c.ModelsPath, e.Name())
			clf, err := Open(modelPath)
			if err != nil {
				log.Printf("Fail to load model(%s): %s", modelPath, err)
				continue
			}
			name := clf.Info().Name
			if name == "" {
				name = e.Name()
			}
			if err := s.AddModel(name, modelPath, clf); err != nil {
				log.Print(err)
				clf.Close()
			}
		}
	}

	return s, nil
}

// AddModel serves clf under name
func (s *Service) AddModel(name, path string, clf Classifier) error {
	s.rwMutex.Lock()
	defer s.rwMutex.Unlock()

	return s.addModel(&iModel{name: name, path: path, clf: clf, status: modelStatusRun})
}

func (s *Service) addModel(newM *iModel) error {
	if newM.name == "" {
		return errors.New("empty model name")
	}
	for model, m := range s.models {
		if model == newM.name {
			return errors.Errorf("duplicated model: %s", newM.name)
		} else if newM.path != "" && m.path == newM.path {
			return errors.Errorf("duplicated model path: %s", newM.path)
		}
	}
	s.models[newM.name] = newM

	return nil
}

func (s *Service) getModel(model string) *iModel {
	if m, ok := s.models[model]; ok {
		atomic.AddInt32(&m.refCount, 1)
		return m
	}
	return nil
}

func (s *Service) putModel(m *iModel) {
	atomic.AddInt32(&m.refCount, -1)
}

// GetModels names of the served models, sorted
func (s *Service) GetModels() []string {
	s.rwMutex.RLock()
	defer s.rwMutex.RUnlock()

	models := make([]string, 0, len(s.models))
	for model := range s.models {
		models = append(models, model)
	}
	sort.Strings(models)

	return models
}

// GetModel information about a served model, nil when unknown.
// verbose adds the training history.
func (s *Service) GetModel(model string, verbose bool) map[string]interface{} {
	s.rwMutex.RLock()
	m := s.getModel(model)
	s.rwMutex.RUnlock()

	if m == nil {
		return nil
	}
	defer s.putModel(m)

	status := atomic.LoadInt32(&m.status)
	info := map[string]interface{}{
		"model":    m.name,
		"path":     m.path,
		"status":   statusName(status),
		"refCount": atomic.LoadInt32(&m.refCount) - 1,
	}
	if status != modelStatusRun {
		return info
	}

	mi := m.clf.Info()
	info["name"] = mi.Name
	info["backend"] = mi.Backend
	info["inputShape"] = mi.InputShape
	info["type"] = mi.Type
	info["classification"] = mi.Classification
	info["description"] = mi.Description
	info["labels"] = mi.Labels

	if verbose {
		tr := mi.TrainingResult
		info["trainingResult"] = map[string]interface{}{
			"epochs":             tr.Epochs,
			"trainLoss":          tr.History.Loss,
			"trainAccuracy":      tr.History.Accuracy,
			"validationLoss":     tr.History.ValLoss,
			"validationAccuracy": tr.History.ValAccuracy,
		}
	}

	return info
}

// Infer decodes an encoded image and classifies it with the named model
func (s *Service) Infer(model string, data []byte) (*Result, error) {
	s.rwMutex.RLock()
	m := s.getModel(model)
	s.rwMutex.RUnlock()

	if m == nil {
		return nil, errors.Errorf("no such model: %s", model)
	}
	defer s.putModel(m)

	if atomic.LoadInt32(&m.status) != modelStatusRun {
		return nil, errors.Errorf("not ready yet: %s", model)
	}

	img, format, err := dataset.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, errors.Wrap(err, "decode image")
	}

	pred, err := m.clf.Classify(img)
	if err != nil {
		return nil, err
	}

	b := img.Bounds()
	return &Result{
		Format:     format,
		Width:      b.Dx(),
		Height:     b.Dy(),
		Prediction: pred,
		Certainty:  pred.Certainty(),
	}, nil
}

// DeleteModel stops serving a model. The model files are left in place.
func (s *Service) DeleteModel(model string) error {
	s.rwMutex.Lock()
	defer s.rwMutex.Unlock()

	m, ok := s.models[model]
	if !ok {
		return errors.Errorf("no such model: %s", model)
	}
	if atomic.LoadInt32(&m.status) != modelStatusRun {
		return errors.Errorf("currently building: %s", m.name)
	}
	if n := atomic.LoadInt32(&m.refCount); n > 0 {
		return errors.Errorf("currently in use: %s (%d)", m.name, n)
	}

	delete(s.models, model)

	return m.clf.Close()
}

// Destroy stops the models being built and closes every model
func (s *Service) Destroy() {
	s.cancel()
	s.wg.Wait()

	s.rwMutex.Lock()
	defer s.rwMutex.Unlock()

	for name, m := range s.models {
		if m.clf == nil {
			delete(s.models, name)
			continue
		}
		if err := m.clf.Close(); err != nil {
			log.Printf("Fail to close model(%s): %s", name, err)
		}
		delete(s.models, name)
	}
}
