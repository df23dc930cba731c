package model

import (
	"archive/tar"
	"bufio"
	"bytes"
	"encoding/gob"
	"io"
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/ulikunitz/xz"
	"gopkg.in/yaml.v2"
	"gorgonia.org/tensor"
)

// Artifact entries
const (
	configEntry  = "config.yaml"
	labelsEntry  = "labels.txt"
	weightsEntry = "weights.gob"

	// ModelType type recorded in the artifact config
	ModelType = "sequential-cnn"
	// BinaryClass classification recorded in the artifact config
	BinaryClass = "binary"
)

// TrainingResult fit summary stored with the model
type TrainingResult struct {
	Epochs  int     `yaml:"epochs"`
	History History `yaml:",inline"`
}

// ModelConfig architecture and metadata of a saved model
type ModelConfig struct {
	Name           string         `yaml:"name"`
	Type           string         `yaml:"type"`
	Classification string         `yaml:"classification"`
	InputShape     []int          `yaml:"inputShape"`
	Layers         []Layer        `yaml:"layers"`
	LabelsFile     string         `yaml:"labelsFile"`
	WeightsFile    string         `yaml:"weightsFile"`
	TrainingResult TrainingResult `yaml:"trainingResult"`
	Description    string         `yaml:"description"`
	CreatedAt      string         `yaml:"createdAt"`
}

// Model trained network with its labels and metadata
type Model struct {
	Config ModelConfig
	Labels []string
	Net    *Network
}

// NewModel wraps a network and the label of each class index
func NewModel(name string, net *Network, labels []string, h History) *Model {
	return &Model{
		Config: ModelConfig{
			Name:           name,
			Type:           ModelType,
			Classification: BinaryClass,
			InputShape:     []int{net.ImageSize, net.ImageSize, net.Channels},
			Layers:         net.Layers,
			LabelsFile:     labelsEntry,
			WeightsFile:    weightsEntry,
			TrainingResult: TrainingResult{Epochs: h.Epochs(), History: h},
			CreatedAt:      time.Now().UTC().Format(time.RFC3339),
		},
		Labels: labels,
		Net:    net,
	}
}

// storedTensor gob form of one weight tensor
type storedTensor struct {
	Shape []int
	Data  []float32
}

// Save writes the model as an xz compressed tar of config, labels and weights.
// The file is written under a temporary name and renamed once complete.
func (m *Model) Save(file string) error {
	cfg, err := yaml.Marshal(m.Config)
	if err != nil {
		return errors.Wrap(err, "encode config")
	}

	var weights bytes.Buffer
	stored := make([]storedTensor, len(m.Net.Weights))
	for i, w := range m.Net.Weights {
		data, ok := w.Data().([]float32)
		if !ok {
			return errors.Errorf("weight %d has type %T", i, w.Data())
		}
		stored[i] = storedTensor{Shape: []int(w.Shape()), Data: data}
	}
	if err := gob.NewEncoder(&weights).Encode(stored); err != nil {
		return errors.Wrap(err, "encode weights")
	}

	tmp, err := ioutil.TempFile(filepath.Dir(file), "."+filepath.Base(file)+".*")
	if err != nil {
		return errors.Wrap(err, "create model file")
	}
	defer os.Remove(tmp.Name())

	if err := writeArchive(tmp, map[string][]byte{
		configEntry:  cfg,
		labelsEntry:  []byte(strings.Join(m.Labels, "\n") + "\n"),
		weightsEntry: weights.Bytes(),
	}); err != nil {
		tmp.Close()
		return errors.Wrap(err, "write model")
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "write model")
	}

	return errors.Wrap(os.Rename(tmp.Name(), file), "write model")
}

func writeArchive(w io.Writer, entries map[string][]byte) error {
	xw, err := xz.NewWriter(w)
	if err != nil {
		return err
	}
	tw := tar.NewWriter(xw)
	now := time.Now()
	for _, name := range []string{configEntry, labelsEntry, weightsEntry} {
		data := entries[name]
		if err := tw.WriteHeader(&tar.Header{
			Name:    name,
			Mode:    0644,
			Size:    int64(len(data)),
			ModTime: now,
		}); err != nil {
			return err
		}
		if _, err := tw.Write(data); err != nil {
			return err
		}
	}
	if err := tw.Close(); err != nil {
		return err
	}
	return xw.Close()
}

func readArchive(r io.Reader) (map[string][]byte, error) {
	xr, err := xz.NewReader(bufio.NewReader(r))
	if err != nil {
		return nil, err
	}
	entries := make(map[string][]byte)
	tr := tar.NewReader(xr)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if entries[hdr.Name], err = ioutil.ReadAll(tr); err != nil {
			return nil, err
		}
	}
	return entries, nil
}

// Load reads a model written by Save
func Load(file string) (*Model, error) {
	f, err := os.Open(file)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	entries, err := readArchive(f)
	if err != nil {
		return nil, errors.Wrapf(err, "read model %s", file)
	}

	var cfg ModelConfig
	cfgBytes, ok := entries[configEntry]
	if !ok {
		return nil, errors.Errorf("model %s has no %s", file, configEntry)
	}
	if err := yaml.Unmarshal(cfgBytes, &cfg); err != nil {
		return nil, errors.Wrap(err, "parse model config")
	}
	if len(cfg.InputShape) != 3 || cfg.InputShape[0] != cfg.InputShape[1] {
		return nil, errors.Errorf("unsupported input shape %v", cfg.InputShape)
	}

	labelsBytes, ok := entries[cfg.LabelsFile]
	if !ok {
		return nil, errors.Errorf("model %s has no labels file %q", file, cfg.LabelsFile)
	}
	var labels []string
	for _, line := range strings.Split(string(labelsBytes), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			labels = append(labels, line)
		}
	}

	weightsBytes, ok := entries[cfg.WeightsFile]
	if !ok {
		return nil, errors.Errorf("model %s has no weights file %q", file, cfg.WeightsFile)
	}
	var stored []storedTensor
	if err := gob.NewDecoder(bytes.NewReader(weightsBytes)).Decode(&stored); err != nil {
		return nil, errors.Wrap(err, "decode weights")
	}
	weights := make([]*tensor.Dense, len(stored))
	for i, s := range stored {
		size := 1
		for _, d := range s.Shape {
			size *= d
		}
		if size != len(s.Data) {
			return nil, errors.Errorf("weight %d: shape %v does not match %d values", i, s.Shape, len(s.Data))
		}
		weights[i] = tensor.New(tensor.WithShape(s.Shape...), tensor.WithBacking(s.Data))
	}

	net, err := FromWeights(cfg.Layers, cfg.InputShape[0], cfg.InputShape[2], weights)
	if err != nil {
		return nil, errors.Wrapf(err, "model %s", file)
	}

	return &Model{Config: cfg, Labels: labels, Net: net}, nil
}
