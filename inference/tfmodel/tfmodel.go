//go:build tensorflow
// +build tensorflow

// Package tfmodel serves keras models exported as TensorFlow SavedModels.
// Importing it registers the backend with the inference package.
package tfmodel

import (
	"bufio"
	"bytes"
	"image"
	"image/png"
	"io/ioutil"
	"os"
	"path/filepath"
	"sync"

	"github.com/maricarminate/Cats-vs-Dogs/constants"
	"github.com/maricarminate/Cats-vs-Dogs/inference"
	"github.com/maricarminate/Cats-vs-Dogs/model"
	"github.com/pkg/errors"
	tf "github.com/tensorflow/tensorflow/tensorflow/go"
	"github.com/tensorflow/tensorflow/tensorflow/go/op"
	"gopkg.in/yaml.v2"
)

// Backend name registered with the inference package
const Backend = "tensorflow"

const (
	configFile     = "config.yaml"
	savedModelFile = "saved_model.pb"
)

func init() {
	inference.Register(Backend, IsSavedModel, func(path string) (inference.Classifier, error) {
		return Load(path)
	})
}

// Config the config.yaml stored next to the saved model
type Config struct {
	Name                string               `yaml:"name"`
	Type                string               `yaml:"type"`
	Tags                []string             `yaml:"tags"`
	Classification      string               `yaml:"classification"`
	InputShape          []int32              `yaml:"inputShape"`
	InputOperationName  string               `yaml:"inputOperationName"`
	OutputOperationName string               `yaml:"outputOperationName"`
	LabelsFile          string               `yaml:"labelsFile"`
	TrainingResult      model.TrainingResult `yaml:"trainingResult"`
	Description         string               `yaml:"description"`
}

// IsSavedModel reports whether path is a directory holding a saved model and its config
func IsSavedModel(path string, fi os.FileInfo) bool {
	if !fi.IsDir() {
		return false
	}
	for _, name := range []string{configFile, savedModelFile} {
		if _, err := os.Stat(filepath.Join(path, name)); err != nil {
			return false
		}
	}
	return true
}

// Model loaded saved model with the graph that prepares its input
type Model struct {
	path   string
	cfg    Config
	labels []string

	tfModel *tf.SavedModel
	input   tf.Output
	output  tf.Output

	// normaliser decodes png bytes, rescales to [0, 1] and resizes to the input shape
	normGraph   *tf.Graph
	normSession *tf.Session
	normInput   tf.Output
	normOutput  tf.Output

	mu sync.Mutex
}

func readConfig(dir string) (Config, error) {
	var cfg Config

	cfgBytes, err := ioutil.ReadFile(filepath.Join(dir, configFile))
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(cfgBytes, &cfg); err != nil {
		return cfg, errors.Wrap(err, "parse model config")
	}
	if len(cfg.InputShape) < 2 {
		return cfg, errors.Errorf("invalid input shape %v", cfg.InputShape)
	}
	if cfg.InputOperationName == "" || cfg.OutputOperationName == "" {
		return cfg, errors.New("input and output operation names are required")
	}
	if cfg.Classification != "" && cfg.Classification != model.BinaryClass {
		return cfg, errors.Errorf("unsupported classification: %s", cfg.Classification)
	}
	if len(cfg.Tags) == 0 {
		cfg.Tags = []string{"serve"}
	}
	if cfg.LabelsFile == "" {
		cfg.LabelsFile = "labels.txt"
	}

	return cfg, nil
}

func readLabels(file string) ([]string, error) {
	fp, err := os.Open(file)
	if err != nil {
		return nil, err
	}
	defer fp.Close()

	var labels []string
	scanner := bufio.NewScanner(fp)
	for scanner.Scan() {
		if line := scanner.Text(); line != "" {
			labels = append(labels, line)
		}
	}
	return labels, scanner.Err()
}

// Load opens the saved model in dir
func Load(dir string) (*Model, error) {
	if os.Getenv(constants.FrameworkLogEnv) == "" {
		os.Setenv(constants.FrameworkLogEnv, constants.FrameworkLogLevel)
	}

	cfg, err := readConfig(dir)
	if err != nil {
		return nil, err
	}

	labels, err := readLabels(filepath.Join(dir, cfg.LabelsFile))
	if err != nil {
		return nil, errors.Wrap(err, "read labels")
	}
	if len(labels) != 2 {
		return nil, errors.Errorf("binary model needs 2 labels, found %d", len(labels))
	}

	tfModel, err := tf.LoadSavedModel(dir, cfg.Tags, nil)
	if err != nil {
		return nil, errors.Wrap(err, "load saved model")
	}

	m := &Model{path: dir, cfg: cfg, labels: labels, tfModel: tfModel}

	inOp := tfModel.Graph.Operation(cfg.InputOperationName)
	outOp := tfModel.Graph.Operation(cfg.OutputOperationName)
	if inOp == nil || outOp == nil {
		tfModel.Session.Close()
		return nil, errors.Errorf("operations %q / %q not found in graph", cfg.InputOperationName, cfg.OutputOperationName)
	}
	m.input, m.output = inOp.Output(0), outOp.Output(0)

	if err := m.buildNormaliser(); err != nil {
		tfModel.Session.Close()
		return nil, errors.Wrap(err, "build input graph")
	}

	return m, nil
}

func (m *Model) buildNormaliser() error {
	scope := op.NewScope()
	input := op.Placeholder(scope, tf.String)
	decode := op.DecodePng(scope, input, op.DecodePngChannels(3))

	// [0, 255] to [0, 1]
	norm := op.Div(scope,
		op.Cast(scope, decode, tf.Float),
		op.Const(scope.SubScope("scale"), float32(255)))

	output := op.ResizeBilinear(scope,
		op.ExpandDims(scope, norm, op.Const(scope.SubScope("batch"), int32(0))),
		op.Const(scope.SubScope("resize"), m.cfg.InputShape[:2]))

	graph, err := scope.Finalize()
	if err != nil {
		return err
	}
	session, err := tf.NewSession(graph, nil)
	if err != nil {
		return err
	}

	m.normGraph, m.normSession = graph, session
	m.normInput, m.normOutput = input, output
	return nil
}

func (m *Model) normInputImage(img image.Image) (*tf.Tensor, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, err
	}
	imageTensor, err := tf.NewTensor(buf.String())
	if err != nil {
		return nil, err
	}

	norms, err := m.normSession.Run(
		map[tf.Output]*tf.Tensor{m.normInput: imageTensor},
		[]tf.Output{m.normOutput},
		nil,
	)
	if err != nil {
		return nil, err
	}
	return norms[0], nil
}

// Classify runs the saved model on img
func (m *Model) Classify(img image.Image) (inference.Prediction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	input, err := m.normInputImage(img)
	if err != nil {
		return inference.Prediction{}, errors.Wrap(err, "prepare input")
	}

	results, err := m.tfModel.Session.Run(
		map[tf.Output]*tf.Tensor{m.input: input},
		[]tf.Output{m.output},
		nil,
	)
	if err != nil {
		return inference.Prediction{}, errors.Wrap(err, "run model")
	}

	probabilities, ok := results[0].Value().([][]float32)
	if !ok || len(probabilities) == 0 || len(probabilities[0]) == 0 {
		return inference.Prediction{}, errors.Errorf("unexpected model output %T", results[0].Value())
	}

	return inference.Classify(probabilities[0][0], m.labels), nil
}

// Info describes the saved model
func (m *Model) Info() inference.ModelInfo {
	shape := make([]int, len(m.cfg.InputShape))
	for i, d := range m.cfg.InputShape {
		shape[i] = int(d)
	}
	return inference.ModelInfo{
		Name:           m.cfg.Name,
		Path:           m.path,
		Backend:        Backend,
		Type:           m.cfg.Type,
		Classification: model.BinaryClass,
		InputShape:     shape,
		Labels:         m.labels,
		Description:    m.cfg.Description,
		TrainingResult: m.cfg.TrainingResult,
	}
}

// Close releases both sessions
func (m *Model) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	err := m.normSession.Close()
	if cerr := m.tfModel.Session.Close(); err == nil {
		err = cerr
	}
	return err
}
