package model

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// LayerType kind of network layer
type LayerType string

// Supported layers
const (
	Conv2D    LayerType = "conv2d"
	MaxPool2D LayerType = "max_pooling2d"
	Flatten   LayerType = "flatten"
	Dropout   LayerType = "dropout"
	Dense     LayerType = "dense"
)

// Activations
const (
	Linear  = "linear"
	ReLU    = "relu"
	Sigmoid = "sigmoid"
)

// Layer configuration of one layer in the sequential stack
type Layer struct {
	Type       LayerType `yaml:"type"`
	Filters    int       `yaml:"filters,omitempty"`
	Kernel     int       `yaml:"kernel,omitempty"`
	Pool       int       `yaml:"pool,omitempty"`
	Rate       float64   `yaml:"rate,omitempty"`
	Units      int       `yaml:"units,omitempty"`
	Activation string    `yaml:"activation,omitempty"`
}

func (l Layer) String() string {
	switch l.Type {
	case Conv2D:
		return fmt.Sprintf("Conv2D(%d, %dx%d, %s)", l.Filters, l.Kernel, l.Kernel, l.activation())
	case MaxPool2D:
		return fmt.Sprintf("MaxPooling2D(%d, %d)", l.Pool, l.Pool)
	case Flatten:
		return "Flatten"
	case Dropout:
		return fmt.Sprintf("Dropout(%g)", l.Rate)
	case Dense:
		return fmt.Sprintf("Dense(%d, %s)", l.Units, l.activation())
	}
	return string(l.Type)
}

func (l Layer) activation() string {
	if l.Activation == "" {
		return Linear
	}
	return l.Activation
}

// hasParams reports whether the layer carries a kernel and a bias
func (l Layer) hasParams() bool {
	return l.Type == Conv2D || l.Type == Dense
}

// DefaultLayers the fixed cats vs dogs stack: four conv/pool blocks, dropout and two dense layers
func DefaultLayers(dropout float64) []Layer {
	return []Layer{
		{Type: Conv2D, Filters: 32, Kernel: 3, Activation: ReLU},
		{Type: MaxPool2D, Pool: 2},
		{Type: Conv2D, Filters: 64, Kernel: 3, Activation: ReLU},
		{Type: MaxPool2D, Pool: 2},
		{Type: Conv2D, Filters: 128, Kernel: 3, Activation: ReLU},
		{Type: MaxPool2D, Pool: 2},
		{Type: Conv2D, Filters: 128, Kernel: 3, Activation: ReLU},
		{Type: MaxPool2D, Pool: 2},
		{Type: Flatten},
		{Type: Dropout, Rate: dropout},
		{Type: Dense, Units: 512, Activation: ReLU},
		{Type: Dense, Units: 1, Activation: Sigmoid},
	}
}

// LayerSummary output shape and parameter count of one layer.
// Output is (height, width, channels) for spatial layers and (units) once flat.
type LayerSummary struct {
	Name   string
	Layer  Layer
	Input  []int
	Output []int
	Params int
}

// Summarize walks the stack from a size x size x channels input and checks every layer fits
func Summarize(layers []Layer, size, channels int) ([]LayerSummary, error) {
	if len(layers) == 0 {
		return nil, errors.New("empty layer stack")
	}
	shape := []int{size, size, channels}
	counts := map[LayerType]int{}
	summary := make([]LayerSummary, 0, len(layers))

	for i, l := range layers {
		s := LayerSummary{Layer: l, Input: shape}
		s.Name = string(l.Type)
		if n := counts[l.Type]; n > 0 {
			s.Name = fmt.Sprintf("%s_%d", l.Type, n)
		}
		counts[l.Type]++

		switch l.Type {
		case Conv2D:
			if len(shape) != 3 {
				return nil, errors.Errorf("layer %d: %s needs a spatial input", i, l)
			}
			if l.Filters < 1 || l.Kernel < 1 {
				return nil, errors.Errorf("layer %d: invalid %s", i, l)
			}
			h, w := shape[0]-l.Kernel+1, shape[1]-l.Kernel+1
			if h < 1 || w < 1 {
				return nil, errors.Errorf("layer %d: input %dx%d too small for %s", i, shape[0], shape[1], l)
			}
			s.Params = (l.Kernel*l.Kernel*shape[2] + 1) * l.Filters
			shape = []int{h, w, l.Filters}
		case MaxPool2D:
			if len(shape) != 3 {
				return nil, errors.Errorf("layer %d: %s needs a spatial input", i, l)
			}
			if l.Pool < 1 {
				return nil, errors.Errorf("layer %d: invalid %s", i, l)
			}
			h, w := shape[0]/l.Pool, shape[1]/l.Pool
			if h < 1 || w < 1 {
				return nil, errors.Errorf("layer %d: input %dx%d too small for %s", i, shape[0], shape[1], l)
			}
			shape = []int{h, w, shape[2]}
		case Flatten:
			n := 1
			for _, d := range shape {
				n *= d
			}
			shape = []int{n}
		case Dropout:
			if l.Rate < 0 || l.Rate >= 1 {
				return nil, errors.Errorf("layer %d: invalid %s", i, l)
			}
		case Dense:
			if len(shape) != 1 {
				return nil, errors.Errorf("layer %d: %s needs a flat input", i, l)
			}
			if l.Units < 1 {
				return nil, errors.Errorf("layer %d: invalid %s", i, l)
			}
			s.Params = (shape[0] + 1) * l.Units
			shape = []int{l.Units}
		default:
			return nil, errors.Errorf("layer %d: unknown layer type %q", i, l.Type)
		}
		switch l.activation() {
		case Linear, ReLU, Sigmoid:
		default:
			return nil, errors.Errorf("layer %d: unknown activation %q", i, l.Activation)
		}

		s.Output = shape
		summary = append(summary, s)
	}

	return summary, nil
}

// TotalParams number of trainable parameters
func TotalParams(summary []LayerSummary) int {
	total := 0
	for _, s := range summary {
		total += s.Params
	}
	return total
}

func formatShape(shape []int) string {
	str := []string{"None"}
	for _, d := range shape {
		str = append(str, fmt.Sprint(d))
	}
	return "(" + strings.Join(str, ", ") + ")"
}

// FormatSummary renders the summary as a table
func FormatSummary(summary []LayerSummary) string {
	line := strings.Repeat("─", 70)
	str := []string{
		line,
		fmt.Sprintf(" %-30s %-24s %12s", "Layer (type)", "Output Shape", "Param #"),
		strings.Repeat("━", 70),
	}
	for _, s := range summary {
		name := fmt.Sprintf("%s (%s)", s.Name, s.Layer)
		str = append(str, fmt.Sprintf(" %-30s %-24s %12d", name, formatShape(s.Output), s.Params))
	}
	str = append(str,
		line,
		fmt.Sprintf(" Total params: %d", TotalParams(summary)),
		fmt.Sprintf(" Trainable params: %d", TotalParams(summary)),
		line,
	)
	return strings.Join(str, "\n")
}
