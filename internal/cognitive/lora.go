package cognitive

import (
	"fmt"
	"math/rand/v2"
	"sort"
	"sync"
)

// Tensor names inside a LoRA module.
const (
	LoRAA       = "lora_a"
	LoRAB       = "lora_b"
	LoRAScaling = "scaling"
)

// LoRAConfig shapes a LoRAAdapter.
type LoRAConfig struct {
	Modules []string
	Rank    int
	InDim   int
	OutDim  int
	Alpha   float64
	Seed    uint64
}

// DefaultModules is the module set used when LoRAConfig.Modules is empty.
var DefaultModules = []string{"lora_0", "lora_1", "lora_2", "lora_3"}

// LoRAAdapter is an in-memory low-rank adapter. Each module holds an A
// (rank x in) and B (out x rank) matrix plus a 1x1 scaling tensor.
type LoRAAdapter struct {
	id string

	mu      sync.RWMutex
	modules Weights
}

// NewLoRAAdapter builds an adapter with small random A and zero B, so the
// adapter starts as an identity delta.
func NewLoRAAdapter(id string, cfg LoRAConfig) *LoRAAdapter {
	if len(cfg.Modules) == 0 {
		cfg.Modules = DefaultModules
	}
	if cfg.Rank <= 0 {
		cfg.Rank = 8
	}
	if cfg.InDim <= 0 {
		cfg.InDim = 16
	}
	if cfg.OutDim <= 0 {
		cfg.OutDim = 16
	}
	if cfg.Alpha == 0 {
		cfg.Alpha = float64(cfg.Rank)
	}
	rng := rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15))

	w := make(Weights, len(cfg.Modules))
	for _, name := range cfg.Modules {
		a := NewTensor(cfg.Rank, cfg.InDim)
		for i := range a.Data {
			a.Data[i] = (rng.Float64()*2 - 1) * 0.01
		}
		scaling := NewTensor(1, 1)
		scaling.Data[0] = cfg.Alpha / float64(cfg.Rank)
		w[name] = ModuleWeights{
			LoRAA:       a,
			LoRAB:       NewTensor(cfg.OutDim, cfg.Rank),
			LoRAScaling: scaling,
		}
	}
	return &LoRAAdapter{id: id, modules: w}
}

func (a *LoRAAdapter) ID() string { return a.id }

// Modules lists module names in sorted order.
func (a *LoRAAdapter) Modules() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]string, 0, len(a.modules))
	for k := range a.modules {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// ExportWeights returns a deep copy of every module.
func (a *LoRAAdapter) ExportWeights() Weights {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.modules.Clone()
}

// ImportWeights replaces the given modules. Every module must already exist
// and every tensor must keep its shape; otherwise nothing changes.
func (a *LoRAAdapter) ImportWeights(w Weights) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	for name, mod := range w {
		cur, ok := a.modules[name]
		if !ok {
			return fmt.Errorf("lora %s: unknown module %q", a.id, name)
		}
		for tn, t := range mod {
			old, ok := cur[tn]
			if !ok {
				return fmt.Errorf("lora %s: module %q has no tensor %q", a.id, name, tn)
			}
			if !old.SameShape(t) {
				return fmt.Errorf("lora %s: %s.%s shape %dx%d, want %dx%d",
					a.id, name, tn, t.Rows, t.Cols, old.Rows, old.Cols)
			}
			if err := t.Validate(); err != nil {
				return fmt.Errorf("lora %s: %s.%s: %w", a.id, name, tn, err)
			}
		}
	}
	for name, mod := range w {
		next := a.modules[name].Clone()
		for tn, t := range mod {
			next[tn] = t.Clone()
		}
		a.modules[name] = next
	}
	return nil
}
