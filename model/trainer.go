package model

import (
	"context"
	"fmt"
	"io"
	"math"
	"strings"
	"time"

	"github.com/maricarminate/Cats-vs-Dogs/dataset"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

const epsilon = 1e-7

// BatchSource supplies one epoch of batches per Reset
type BatchSource interface {
	Reset()
	Batches() int
	Next(ctx context.Context) (*dataset.Batch, error)
}

// EpochLogs metrics computed for one epoch
type EpochLogs struct {
	Loss        float64
	Accuracy    float64
	ValLoss     float64
	ValAccuracy float64
	Elapsed     time.Duration
}

// Callback is notified around every epoch
type Callback interface {
	EpochBegin(epoch, epochs int)
	EpochEnd(epoch, epochs int, logs EpochLogs)
}

// History per epoch metrics of a fit
type History struct {
	Loss        []float64 `yaml:"trainLoss"`
	Accuracy    []float64 `yaml:"trainAccuracy"`
	ValLoss     []float64 `yaml:"validationLoss"`
	ValAccuracy []float64 `yaml:"validationAccuracy"`
}

// Epochs number of completed epochs
func (h History) Epochs() int {
	return len(h.Loss)
}

func (h *History) add(logs EpochLogs) {
	h.Loss = append(h.Loss, logs.Loss)
	h.Accuracy = append(h.Accuracy, logs.Accuracy)
	h.ValLoss = append(h.ValLoss, logs.ValLoss)
	h.ValAccuracy = append(h.ValAccuracy, logs.ValAccuracy)
}

// FinalValAccuracy validation accuracy of the last epoch
func (h History) FinalValAccuracy() float64 {
	if len(h.ValAccuracy) == 0 {
		return 0
	}
	return h.ValAccuracy[len(h.ValAccuracy)-1]
}

// metrics running binary cross entropy and accuracy over samples
type metrics struct {
	losses  []float64
	correct []float64
}

func (m *metrics) add(probs, labels []float32) {
	for i, p := range probs {
		pc := math.Min(math.Max(float64(p), epsilon), 1-epsilon)
		y := float64(labels[i])
		m.losses = append(m.losses, -(y*math.Log(pc) + (1-y)*math.Log(1-pc)))
		hit := 0.0
		if (p > 0.5) == (labels[i] > 0.5) {
			hit = 1
		}
		m.correct = append(m.correct, hit)
	}
}

func (m *metrics) result() (loss, accuracy float64) {
	if len(m.losses) == 0 {
		return 0, 0
	}
	n := float64(len(m.losses))
	return floats.Sum(m.losses) / n, floats.Sum(m.correct) / n
}

// Trainer fits a network with the adam optimiser
type Trainer struct {
	Net          *Network
	LearningRate float64
}

// Fit trains for the given number of epochs, evaluating the validation source after each one.
// validation may be nil.
func (t *Trainer) Fit(ctx context.Context, train, validation BatchSource, epochs int, cb Callback) (History, error) {
	var h History
	if epochs < 1 {
		return h, errors.Errorf("invalid number of epochs: %d", epochs)
	}

	var (
		gr     *graph
		solver gorgonia.Solver
	)
	defer func() {
		if gr != nil {
			t.sync(gr)
			gr.vm.Close()
		}
	}()

	for epoch := 1; epoch <= epochs; epoch++ {
		if cb != nil {
			cb.EpochBegin(epoch, epochs)
		}
		start := time.Now()
		train.Reset()

		var m metrics
		for {
			if err := ctx.Err(); err != nil {
				return h, err
			}
			b, err := train.Next(ctx)
			if err == io.EOF {
				break
			}
			if err != nil {
				return h, errors.Wrapf(err, "epoch %d", epoch)
			}
			if gr == nil {
				if gr, err = t.Net.build(b.Size(), true); err != nil {
					return h, errors.Wrap(err, "build training graph")
				}
				solver = gorgonia.NewAdamSolver(gorgonia.WithLearnRate(t.LearningRate))
			}
			if b.Size() != gr.batch {
				return h, errors.Errorf("batch of %d, graph expects %d", b.Size(), gr.batch)
			}

			probs, err := gr.run(b.X, b.Y, nil)
			if err != nil {
				return h, errors.Wrapf(err, "epoch %d", epoch)
			}
			if err := solver.Step(gorgonia.NodesToValueGrads(gr.params)); err != nil {
				return h, errors.Wrap(err, "optimiser step")
			}
			gr.vm.Reset()
			m.add(probs[:b.N], b.Y[:b.N])
		}
		if gr == nil {
			return h, errors.New("training source is empty")
		}
		t.sync(gr)

		logs := EpochLogs{}
		logs.Loss, logs.Accuracy = m.result()
		if validation != nil {
			var err error
			if logs.ValLoss, logs.ValAccuracy, err = t.Net.Evaluate(ctx, validation); err != nil {
				return h, errors.Wrapf(err, "validate epoch %d", epoch)
			}
		}
		logs.Elapsed = time.Since(start)
		h.add(logs)
		if cb != nil {
			cb.EpochEnd(epoch, epochs, logs)
		}
	}

	return h, nil
}

// sync copies the trained parameter values back into the network weights
func (t *Trainer) sync(gr *graph) {
	for j, p := range gr.params {
		if d, ok := p.Value().(*tensor.Dense); ok && d != t.Net.Weights[j] {
			t.Net.Weights[j] = d
		}
	}
}

// Evaluate mean loss and accuracy of the network over one pass of src
func (n *Network) Evaluate(ctx context.Context, src BatchSource) (loss, accuracy float64, err error) {
	var m metrics
	src.Reset()
	for {
		if err := ctx.Err(); err != nil {
			return 0, 0, err
		}
		b, err := src.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			return 0, 0, err
		}
		probs, err := n.Predict(b.X, b.Size())
		if err != nil {
			return 0, 0, err
		}
		m.add(probs[:b.N], b.Y[:b.N])
	}
	loss, accuracy = m.result()
	return loss, accuracy, nil
}

// Rating verdict on a final validation accuracy
func Rating(accuracy float64) string {
	switch {
	case accuracy > 0.90:
		return "EXCELLENT! The model is very good!"
	case accuracy > 0.75:
		return "GOOD! Satisfactory result!"
	case accuracy > 0.60:
		return "REASONABLE. More data would help!"
	}
	return "Low accuracy. Try adding more images!"
}

// ConsoleCallback prints the per epoch metrics
type ConsoleCallback struct {
	Out io.Writer
}

// EpochBegin prints the epoch header
func (c ConsoleCallback) EpochBegin(epoch, epochs int) {
	rule := strings.Repeat("=", 70)
	fmt.Fprintf(c.Out, "\n%s\nEPOCH %d/%d\n%s\n", rule, epoch, epochs, rule)
}

// EpochEnd prints training and validation accuracy and loss
func (c ConsoleCallback) EpochEnd(epoch, epochs int, logs EpochLogs) {
	fmt.Fprintf(c.Out, "\nEpoch %d done in %s\n", epoch, logs.Elapsed.Round(10*time.Millisecond))
	fmt.Fprintf(c.Out, "   Train accuracy:      %.4f (%.2f%%)\n", logs.Accuracy, logs.Accuracy*100)
	fmt.Fprintf(c.Out, "   Validation accuracy: %.4f (%.2f%%)\n", logs.ValAccuracy, logs.ValAccuracy*100)
	fmt.Fprintf(c.Out, "   Train loss:          %.4f\n", logs.Loss)
	fmt.Fprintf(c.Out, "   Validation loss:     %.4f\n", logs.ValLoss)
}
