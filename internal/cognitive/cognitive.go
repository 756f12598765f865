// Package cognitive defines the reasoning-core and adapter contracts the
// training queue and weight-sync bridge work against.
package cognitive

import (
	"context"
	"fmt"
	"math"
)

// Tensor is a dense row-major matrix.
type Tensor struct {
	Rows int       `json:"rows"`
	Cols int       `json:"cols"`
	Data []float64 `json:"data"`
}

// NewTensor allocates a zeroed rows x cols tensor.
func NewTensor(rows, cols int) Tensor {
	return Tensor{Rows: rows, Cols: cols, Data: make([]float64, rows*cols)}
}

func (t Tensor) At(r, c int) float64     { return t.Data[r*t.Cols+c] }
func (t Tensor) Set(r, c int, v float64) { t.Data[r*t.Cols+c] = v }

// Clone returns a deep copy.
func (t Tensor) Clone() Tensor {
	d := make([]float64, len(t.Data))
	copy(d, t.Data)
	return Tensor{Rows: t.Rows, Cols: t.Cols, Data: d}
}

// Validate checks that Data matches the declared shape and holds only finite
// values.
func (t Tensor) Validate() error {
	if t.Rows < 0 || t.Cols < 0 || len(t.Data) != t.Rows*t.Cols {
		return fmt.Errorf("tensor shape %dx%d does not match %d values", t.Rows, t.Cols, len(t.Data))
	}
	for i, v := range t.Data {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("tensor value %d is not finite", i)
		}
	}
	return nil
}

// SameShape reports whether t and o have identical dimensions.
func (t Tensor) SameShape(o Tensor) bool { return t.Rows == o.Rows && t.Cols == o.Cols }

// ModuleWeights holds the named tensors of one adapter module.
type ModuleWeights map[string]Tensor

// Clone returns a deep copy.
func (m ModuleWeights) Clone() ModuleWeights {
	out := make(ModuleWeights, len(m))
	for k, t := range m {
		out[k] = t.Clone()
	}
	return out
}

// Weights is an adapter's full parameter set keyed by module name.
type Weights map[string]ModuleWeights

// Clone returns a deep copy.
func (w Weights) Clone() Weights {
	out := make(Weights, len(w))
	for k, m := range w {
		out[k] = m.Clone()
	}
	return out
}

// Adapter is a small trainable parameter set attached to a reasoning core.
// ImportWeights is all-or-nothing: on error no module is changed.
type Adapter interface {
	ID() string
	ExportWeights() Weights
	ImportWeights(w Weights) error
}

// Structure is the layer layout a core reports.
type Structure struct {
	LModules int `json:"l_modules"`
	HModules int `json:"h_modules"`
}

// Empty reports whether the core exposed no structural information.
func (s Structure) Empty() bool { return s.LModules <= 0 && s.HModules <= 0 }

// Layers lists every layer name in L then H order.
func (s Structure) Layers() []string {
	out := make([]string, 0, s.LModules+s.HModules)
	for i := 0; i < s.LModules; i++ {
		out = append(out, LModule(i))
	}
	for j := 0; j < s.HModules; j++ {
		out = append(out, HModule(j))
	}
	return out
}

// LModule names the i-th low-level layer.
func LModule(i int) string { return fmt.Sprintf("L_module_%d", i) }

// HModule names the j-th high-level layer.
func HModule(j int) string { return fmt.Sprintf("H_module_%d", j) }

// Core is a reasoning core whose activations steer adapter weights.
type Core interface {
	Structure(ctx context.Context) (Structure, error)
	Activation(ctx context.Context, layer string) (float64, error)
}

// FeedbackReceiver is implemented by cores that accept adapter feedback.
type FeedbackReceiver interface {
	Feedback(ctx context.Context, layer string, signal float64) error
}

// Sample is one training example.
type Sample struct {
	Input  string `json:"input"`
	Target string `json:"target,omitempty"`
}

// Dataset is the training material for one adapter, bound to a registry
// cluster.
type Dataset struct {
	ID          string   `json:"id"`
	ClusterID   string   `json:"clusterId,omitempty"`
	ErrorNodeID string   `json:"errorNodeId,omitempty"`
	ErrorType   string   `json:"errorType,omitempty"`
	Samples     []Sample `json:"samples"`
}
