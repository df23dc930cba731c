package model

import (
	"bytes"
	"context"
	"io"
	"io/ioutil"
	"math/rand"
	"path/filepath"
	"strings"
	"testing"

	"github.com/maricarminate/Cats-vs-Dogs/dataset"
	"gotest.tools/assert"
	"gorgonia.org/tensor"
)

// smallest input the default stack accepts
const testSize = 46

func TestSummarizeDefault(t *testing.T) {
	summary, err := Summarize(DefaultLayers(0.5), 150, 3)
	assert.NilError(t, err)
	assert.Equal(t, len(summary), 12)
	assert.Equal(t, TotalParams(summary), 3453121)

	assert.DeepEqual(t, summary[0].Output, []int{148, 148, 32})
	assert.DeepEqual(t, summary[7].Output, []int{7, 7, 128})
	assert.DeepEqual(t, summary[8].Output, []int{6272})
	assert.Equal(t, summary[2].Name, "conv2d_1")
	assert.Equal(t, summary[11].Params, 513)

	table := FormatSummary(summary)
	assert.Assert(t, strings.Contains(table, "Total params: 3453121"))
	assert.Assert(t, strings.Contains(table, "(None, 148, 148, 32)"))
}

func TestSummarizeRejects(t *testing.T) {
	_, err := Summarize(DefaultLayers(0.5), testSize-1, 3)
	assert.ErrorContains(t, err, "too small")

	_, err = Summarize(DefaultLayers(0.5), testSize, 3)
	assert.NilError(t, err)

	_, err = Summarize([]Layer{{Type: Dense, Units: 4}}, 10, 3)
	assert.ErrorContains(t, err, "flat input")

	_, err = Summarize([]Layer{{Type: "lstm"}}, 10, 3)
	assert.ErrorContains(t, err, "unknown layer type")

	_, err = Summarize(nil, 10, 3)
	assert.ErrorContains(t, err, "empty layer stack")
}

func TestNewWeights(t *testing.T) {
	net, err := New(DefaultLayers(0.5), testSize, 3, 7)
	assert.NilError(t, err)
	// kernel and bias for four conv2d and two dense layers
	assert.Equal(t, len(net.Weights), 12)
	assert.DeepEqual(t, []int(net.Weights[0].Shape()), []int{32, 3, 3, 3})
	assert.DeepEqual(t, []int(net.Weights[1].Shape()), []int{1, 32, 1, 1})
	assert.DeepEqual(t, []int(net.Weights[8].Shape()), []int{128, 512})
	assert.DeepEqual(t, []int(net.Weights[11].Shape()), []int{1, 1})

	total := 0
	for _, w := range net.Weights {
		total += w.Shape().TotalSize()
	}
	assert.Equal(t, total, TotalParams(net.Summary()))

	for _, v := range net.Weights[1].Data().([]float32) {
		assert.Equal(t, v, float32(0))
	}

	again, err := New(DefaultLayers(0.5), testSize, 3, 7)
	assert.NilError(t, err)
	assert.DeepEqual(t, again.Weights[0].Data(), net.Weights[0].Data())
}

func TestFromWeightsChecksShapes(t *testing.T) {
	net, err := New(DefaultLayers(0.5), testSize, 3, 1)
	assert.NilError(t, err)

	_, err = FromWeights(net.Layers, testSize, 3, net.Weights)
	assert.NilError(t, err)

	_, err = FromWeights(net.Layers, testSize, 3, net.Weights[:10])
	assert.ErrorContains(t, err, "missing weights")

	bad := append([]*tensor.Dense(nil), net.Weights...)
	bad[0] = tensor.New(tensor.WithShape(16, 3, 3, 3), tensor.WithBacking(make([]float32, 16*27)))
	_, err = FromWeights(net.Layers, testSize, 3, bad)
	assert.ErrorContains(t, err, "weight shapes")
}

func randomInput(rng *rand.Rand, n, size int) []float32 {
	x := make([]float32, n*3*size*size)
	for i := range x {
		x[i] = rng.Float32()
	}
	return x
}

func TestPredict(t *testing.T) {
	net, err := New(DefaultLayers(0.5), testSize, 3, 3)
	assert.NilError(t, err)
	defer net.Close()

	rng := rand.New(rand.NewSource(3))
	x := randomInput(rng, 2, testSize)
	probs, err := net.Predict(x, 2)
	assert.NilError(t, err)
	assert.Equal(t, len(probs), 2)
	for _, p := range probs {
		assert.Assert(t, p >= 0 && p <= 1, p)
	}

	// evaluation has no dropout so repeated runs agree
	again, err := net.Predict(x, 2)
	assert.NilError(t, err)
	assert.DeepEqual(t, again, probs)

	_, err = net.Predict(x[:10], 2)
	assert.ErrorContains(t, err, "expected")
}

// memorySource fixed batches held in memory
type memorySource struct {
	batches []*dataset.Batch
	pos     int
	resets  int
}

func newMemorySource(seed int64, batches, batchSize, n int) *memorySource {
	rng := rand.New(rand.NewSource(seed))
	src := &memorySource{}
	for i := 0; i < batches; i++ {
		b := &dataset.Batch{
			X: randomInput(rng, batchSize, testSize),
			Y: make([]float32, batchSize),
			N: batchSize,
		}
		for j := range b.Y {
			b.Y[j] = float32(j % 2)
		}
		src.batches = append(src.batches, b)
	}
	src.batches[batches-1].N = n
	return src
}

func (s *memorySource) Reset()       { s.pos = 0; s.resets++ }
func (s *memorySource) Batches() int { return len(s.batches) }

func (s *memorySource) Next(ctx context.Context) (*dataset.Batch, error) {
	if s.pos >= len(s.batches) {
		return nil, io.EOF
	}
	s.pos++
	return s.batches[s.pos-1], nil
}

type recordingCallback struct {
	begins, ends []int
	logs         []EpochLogs
}

func (r *recordingCallback) EpochBegin(epoch, epochs int) {
	r.begins = append(r.begins, epoch)
}

func (r *recordingCallback) EpochEnd(epoch, epochs int, logs EpochLogs) {
	r.ends = append(r.ends, epoch)
	r.logs = append(r.logs, logs)
}

func TestFit(t *testing.T) {
	net, err := New(DefaultLayers(0.5), testSize, 3, 11)
	assert.NilError(t, err)
	defer net.Close()
	before := append([]float32(nil), net.Weights[0].Data().([]float32)...)

	train := newMemorySource(1, 2, 4, 3)
	validation := newMemorySource(2, 1, 4, 4)
	cb := &recordingCallback{}

	tr := &Trainer{Net: net, LearningRate: 0.001}
	h, err := tr.Fit(context.Background(), train, validation, 2, cb)
	assert.NilError(t, err)

	assert.Equal(t, h.Epochs(), 2)
	assert.Equal(t, len(h.ValAccuracy), 2)
	assert.DeepEqual(t, cb.begins, []int{1, 2})
	assert.DeepEqual(t, cb.ends, []int{1, 2})
	assert.Equal(t, train.resets, 2)
	for _, logs := range cb.logs {
		assert.Assert(t, logs.Loss > 0)
		assert.Assert(t, logs.Accuracy >= 0 && logs.Accuracy <= 1)
		assert.Assert(t, logs.ValAccuracy >= 0 && logs.ValAccuracy <= 1)
	}
	assert.Equal(t, h.FinalValAccuracy(), h.ValAccuracy[1])

	changed := false
	for i, v := range net.Weights[0].Data().([]float32) {
		if v != before[i] {
			changed = true
			break
		}
	}
	assert.Assert(t, changed, "weights were not updated")
}

func TestFitCancelled(t *testing.T) {
	net, err := New(DefaultLayers(0.5), testSize, 3, 11)
	assert.NilError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	tr := &Trainer{Net: net, LearningRate: 0.001}
	_, err = tr.Fit(ctx, newMemorySource(1, 1, 2, 2), nil, 1, nil)
	assert.Equal(t, err, context.Canceled)

	_, err = tr.Fit(context.Background(), newMemorySource(1, 1, 2, 2), nil, 0, nil)
	assert.ErrorContains(t, err, "invalid number of epochs")
}

func TestMetrics(t *testing.T) {
	var m metrics
	m.add([]float32{0.9, 0.2, 0.6, 0.5}, []float32{1, 0, 0, 1})
	loss, acc := m.result()
	assert.Equal(t, acc, 0.5)
	assert.Assert(t, loss > 0)

	var empty metrics
	loss, acc = empty.result()
	assert.Equal(t, loss, 0.0)
	assert.Equal(t, acc, 0.0)
}

func TestArtifactRoundTrip(t *testing.T) {
	net, err := New(DefaultLayers(0.5), testSize, 3, 5)
	assert.NilError(t, err)
	h := History{
		Loss:        []float64{0.69, 0.61},
		Accuracy:    []float64{0.52, 0.66},
		ValLoss:     []float64{0.68, 0.64},
		ValAccuracy: []float64{0.55, 0.63},
	}
	m := NewModel("cats-vs-dogs", net, []string{"cats", "dogs"}, h)
	m.Config.Description = "test model"

	file := filepath.Join(t.TempDir(), "model.keras")
	assert.NilError(t, m.Save(file))

	loaded, err := Load(file)
	assert.NilError(t, err)
	assert.DeepEqual(t, loaded.Labels, []string{"cats", "dogs"})
	assert.Equal(t, loaded.Config.Classification, BinaryClass)
	assert.Equal(t, loaded.Config.Description, "test model")
	assert.DeepEqual(t, loaded.Config.InputShape, []int{testSize, testSize, 3})
	assert.Equal(t, loaded.Config.TrainingResult.Epochs, 2)
	assert.DeepEqual(t, loaded.Config.TrainingResult.History, h)
	assert.DeepEqual(t, loaded.Config.Layers, net.Layers)
	assert.Equal(t, len(loaded.Net.Weights), len(net.Weights))
	for i := range net.Weights {
		assert.DeepEqual(t, loaded.Net.Weights[i].Data(), net.Weights[i].Data())
	}

	x := randomInput(rand.New(rand.NewSource(5)), 1, testSize)
	want, err := net.Predict(x, 1)
	assert.NilError(t, err)
	got, err := loaded.Net.Predict(x, 1)
	assert.NilError(t, err)
	assert.DeepEqual(t, got, want)
}

func TestLoadRejectsGarbage(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.keras"))
	assert.Assert(t, err != nil)

	var buf bytes.Buffer
	assert.NilError(t, writeArchive(&buf, map[string][]byte{configEntry: []byte("inputShape: [1, 2]\n")}))
	file := filepath.Join(t.TempDir(), "bad.keras")
	assert.NilError(t, ioutil.WriteFile(file, buf.Bytes(), 0644))
	_, err = Load(file)
	assert.ErrorContains(t, err, "unsupported input shape")
}

func TestRating(t *testing.T) {
	assert.Assert(t, strings.HasPrefix(Rating(0.95), "EXCELLENT"))
	assert.Assert(t, strings.HasPrefix(Rating(0.90), "GOOD"))
	assert.Assert(t, strings.HasPrefix(Rating(0.80), "GOOD"))
	assert.Assert(t, strings.HasPrefix(Rating(0.70), "REASONABLE"))
	assert.Assert(t, strings.HasPrefix(Rating(0.60), "Low"))
}

func TestConsoleCallback(t *testing.T) {
	var buf bytes.Buffer
	cb := ConsoleCallback{Out: &buf}
	cb.EpochBegin(1, 10)
	cb.EpochEnd(1, 10, EpochLogs{Loss: 0.5, Accuracy: 0.75, ValLoss: 0.6, ValAccuracy: 0.7})
	out := buf.String()
	assert.Assert(t, strings.Contains(out, "EPOCH 1/10"))
	assert.Assert(t, strings.Contains(out, "Validation accuracy: 0.7000 (70.00%)"))
}
