// Package model builds, trains and stores the convolutional cats vs dogs network.
package model

import (
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/pkg/errors"
	"gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// Float element type of every tensor in the network
var Float = tensor.Float32

// Network sequential layer stack and its weights.
// Weights holds a kernel and a bias tensor for every conv2d and dense layer, in layer order.
type Network struct {
	Layers    []Layer
	ImageSize int
	Channels  int
	Weights   []*tensor.Dense

	summary []LayerSummary

	mu        sync.Mutex
	predictor map[int]*graph
}

// paramShapes kernel and bias shapes for a layer with input shape in (h, w, c or units)
func paramShapes(l Layer, in []int) (kernel, bias tensor.Shape) {
	switch l.Type {
	case Conv2D:
		return tensor.Shape{l.Filters, in[2], l.Kernel, l.Kernel}, tensor.Shape{1, l.Filters, 1, 1}
	case Dense:
		return tensor.Shape{in[0], l.Units}, tensor.Shape{1, l.Units}
	}
	return nil, nil
}

// fans glorot fan in and fan out of a kernel shape
func fans(l Layer, kernel tensor.Shape) (in, out int) {
	if l.Type == Conv2D {
		field := kernel[2] * kernel[3]
		return kernel[1] * field, kernel[0] * field
	}
	return kernel[0], kernel[1]
}

// New builds a network with glorot uniform kernels and zero biases; seed 0 is time based
func New(layers []Layer, imageSize, channels int, seed int64) (*Network, error) {
	summary, err := Summarize(layers, imageSize, channels)
	if err != nil {
		return nil, err
	}
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	rng := rand.New(rand.NewSource(seed))

	var weights []*tensor.Dense
	for _, s := range summary {
		if !s.Layer.hasParams() {
			continue
		}
		kshape, bshape := paramShapes(s.Layer, s.Input)
		fanIn, fanOut := fans(s.Layer, kshape)
		limit := math.Sqrt(6 / float64(fanIn+fanOut))
		kdata := make([]float32, kshape.TotalSize())
		for i := range kdata {
			kdata[i] = float32(limit * (2*rng.Float64() - 1))
		}
		weights = append(weights,
			tensor.New(tensor.WithShape(kshape...), tensor.WithBacking(kdata)),
			tensor.New(tensor.WithShape(bshape...), tensor.WithBacking(make([]float32, bshape.TotalSize()))),
		)
	}

	return &Network{
		Layers:    layers,
		ImageSize: imageSize,
		Channels:  channels,
		Weights:   weights,
		summary:   summary,
	}, nil
}

// FromWeights rebuilds a network from stored weights, checking their shapes against the layers
func FromWeights(layers []Layer, imageSize, channels int, weights []*tensor.Dense) (*Network, error) {
	summary, err := Summarize(layers, imageSize, channels)
	if err != nil {
		return nil, err
	}
	j := 0
	for i, s := range summary {
		if !s.Layer.hasParams() {
			continue
		}
		kshape, bshape := paramShapes(s.Layer, s.Input)
		if j+1 >= len(weights) {
			return nil, errors.Errorf("missing weights for layer %d %s", i, s.Name)
		}
		if !weights[j].Shape().Eq(kshape) || !weights[j+1].Shape().Eq(bshape) {
			return nil, errors.Errorf("layer %d %s: weight shapes %v %v, expected %v %v",
				i, s.Name, weights[j].Shape(), weights[j+1].Shape(), kshape, bshape)
		}
		j += 2
	}
	if j != len(weights) {
		return nil, errors.Errorf("%d weight tensors for %d parameters", len(weights), j)
	}

	return &Network{
		Layers:    layers,
		ImageSize: imageSize,
		Channels:  channels,
		Weights:   weights,
		summary:   summary,
	}, nil
}

// Summary per layer output shapes and parameter counts
func (n *Network) Summary() []LayerSummary {
	return n.summary
}

// InputSize number of float32 values in one input image
func (n *Network) InputSize() int {
	return n.Channels * n.ImageSize * n.ImageSize
}

// graph compiled expression graph for a fixed batch size
type graph struct {
	g      *gorgonia.ExprGraph
	x, y   *gorgonia.Node
	out    *gorgonia.Node
	cost   *gorgonia.Node
	params gorgonia.Nodes
	batch  int

	outVal  gorgonia.Value
	costVal gorgonia.Value
	vm      gorgonia.VM
}

func activate(x *gorgonia.Node, activation string) (*gorgonia.Node, error) {
	switch activation {
	case ReLU:
		return gorgonia.Rectify(x)
	case Sigmoid:
		return gorgonia.Sigmoid(x)
	}
	return x, nil
}

// build constructs the forward pass. The training graph binds the network weights to its
// parameter nodes, applies dropout and adds the binary cross entropy cost.
func (n *Network) build(batch int, train bool) (*graph, error) {
	gr := &graph{g: gorgonia.NewGraph(), batch: batch}
	gr.x = gorgonia.NewTensor(gr.g, Float, 4,
		gorgonia.WithShape(batch, n.Channels, n.ImageSize, n.ImageSize), gorgonia.WithName("x"))

	for j, w := range n.Weights {
		opts := []gorgonia.NodeConsOpt{gorgonia.WithShape(w.Shape()...), gorgonia.WithName(fmt.Sprintf("w%d", j))}
		if train {
			opts = append(opts, gorgonia.WithValue(w))
		}
		gr.params = append(gr.params, gorgonia.NewTensor(gr.g, Float, w.Dims(), opts...))
	}

	var (
		h   = gr.x
		err error
		pi  int
	)
	for i, l := range n.Layers {
		switch l.Type {
		case Conv2D:
			w, b := gr.params[pi], gr.params[pi+1]
			pi += 2
			if h, err = gorgonia.Conv2d(h, w, tensor.Shape{l.Kernel, l.Kernel}, []int{0, 0}, []int{1, 1}, []int{1, 1}); err != nil {
				return nil, errors.Wrapf(err, "layer %d convolution", i)
			}
			if h, err = gorgonia.BroadcastAdd(h, b, nil, []byte{0, 2, 3}); err != nil {
				return nil, errors.Wrapf(err, "layer %d bias", i)
			}
		case MaxPool2D:
			if h, err = gorgonia.MaxPool2D(h, tensor.Shape{l.Pool, l.Pool}, []int{0, 0}, []int{l.Pool, l.Pool}); err != nil {
				return nil, errors.Wrapf(err, "layer %d max pooling", i)
			}
		case Flatten:
			s := h.Shape()
			if h, err = gorgonia.Reshape(h, tensor.Shape{s[0], s.TotalSize() / s[0]}); err != nil {
				return nil, errors.Wrapf(err, "layer %d flatten", i)
			}
		case Dropout:
			if train && l.Rate > 0 {
				if h, err = gorgonia.Dropout(h, l.Rate); err != nil {
					return nil, errors.Wrapf(err, "layer %d dropout", i)
				}
			}
		case Dense:
			w, b := gr.params[pi], gr.params[pi+1]
			pi += 2
			if h, err = gorgonia.Mul(h, w); err != nil {
				return nil, errors.Wrapf(err, "layer %d dense", i)
			}
			if h, err = gorgonia.BroadcastAdd(h, b, nil, []byte{0}); err != nil {
				return nil, errors.Wrapf(err, "layer %d bias", i)
			}
		}
		if h, err = activate(h, l.Activation); err != nil {
			return nil, errors.Wrapf(err, "layer %d activation", i)
		}
	}
	gr.out = h
	gorgonia.Read(gr.out, &gr.outVal)

	if !train {
		gr.vm = gorgonia.NewTapeMachine(gr.g)
		return gr, nil
	}

	gr.y = gorgonia.NewMatrix(gr.g, Float, gorgonia.WithShape(batch, 1), gorgonia.WithName("y"))
	if gr.cost, err = binaryCrossentropy(gr.out, gr.y); err != nil {
		return nil, errors.Wrap(err, "cost")
	}
	gorgonia.Read(gr.cost, &gr.costVal)
	if _, err = gorgonia.Grad(gr.cost, gr.params...); err != nil {
		return nil, errors.Wrap(err, "gradients")
	}
	gr.vm = gorgonia.NewTapeMachine(gr.g, gorgonia.BindDualValues(gr.params...))

	return gr, nil
}

// binaryCrossentropy mean of -(y log(p) + (1-y) log(1-p)), clipped by epsilon
func binaryCrossentropy(p, y *gorgonia.Node) (*gorgonia.Node, error) {
	one := gorgonia.NewConstant(float32(1), gorgonia.WithName("one"))
	eps := gorgonia.NewConstant(float32(epsilon), gorgonia.WithName("eps"))

	logP, err := gorgonia.Log(gorgonia.Must(gorgonia.Add(p, eps)))
	if err != nil {
		return nil, err
	}
	log1mP, err := gorgonia.Log(gorgonia.Must(gorgonia.Add(gorgonia.Must(gorgonia.Sub(one, p)), eps)))
	if err != nil {
		return nil, err
	}
	pos, err := gorgonia.HadamardProd(y, logP)
	if err != nil {
		return nil, err
	}
	neg, err := gorgonia.HadamardProd(gorgonia.Must(gorgonia.Sub(one, y)), log1mP)
	if err != nil {
		return nil, err
	}
	mean, err := gorgonia.Mean(gorgonia.Must(gorgonia.Add(pos, neg)))
	if err != nil {
		return nil, err
	}
	return gorgonia.Neg(mean)
}

// run feeds one batch through the graph and returns the output probabilities.
// The caller resets the machine once it has used the values.
func (gr *graph) run(x, y []float32, weights []*tensor.Dense) ([]float32, error) {
	xT := tensor.New(tensor.WithShape(gr.x.Shape()...), tensor.WithBacking(x))
	if err := gorgonia.Let(gr.x, xT); err != nil {
		return nil, errors.Wrap(err, "bind input")
	}
	if gr.y != nil {
		yT := tensor.New(tensor.WithShape(gr.batch, 1), tensor.WithBacking(y))
		if err := gorgonia.Let(gr.y, yT); err != nil {
			return nil, errors.Wrap(err, "bind labels")
		}
	}
	if weights != nil {
		for j, w := range weights {
			if err := gorgonia.Let(gr.params[j], w); err != nil {
				return nil, errors.Wrap(err, "bind weights")
			}
		}
	}
	if err := gr.vm.RunAll(); err != nil {
		return nil, errors.Wrap(err, "run graph")
	}

	probs, ok := gr.outVal.Data().([]float32)
	if !ok {
		return nil, errors.Errorf("unexpected output type %T", gr.outVal.Data())
	}
	return append([]float32(nil), probs...), nil
}

// Predict returns the sigmoid output for each of the n images packed in x
func (n *Network) Predict(x []float32, batch int) ([]float32, error) {
	if len(x) != batch*n.InputSize() {
		return nil, errors.Errorf("input has %d values, expected %d", len(x), batch*n.InputSize())
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	if n.predictor == nil {
		n.predictor = make(map[int]*graph)
	}
	gr, ok := n.predictor[batch]
	if !ok {
		var err error
		if gr, err = n.build(batch, false); err != nil {
			return nil, err
		}
		n.predictor[batch] = gr
	}
	defer gr.vm.Reset()

	return gr.run(x, nil, n.Weights)
}

// Close releases the compiled prediction graphs
func (n *Network) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	for batch, gr := range n.predictor {
		gr.vm.Close()
		delete(n.predictor, batch)
	}
	return nil
}
