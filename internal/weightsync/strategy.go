package weightsync

import (
	"fmt"
	"math"

	"github.com/nidhogg/knirv-skillnet/internal/cognitive"
)

// Strategy selects how a layer's influence is blended into a module.
type Strategy string

const (
	StrategyDirect     Strategy = "direct"
	StrategyProjection Strategy = "projection"
	StrategyAttention  Strategy = "attention"
)

// Valid reports whether s is a known strategy.
func (s Strategy) Valid() bool {
	switch s {
	case StrategyDirect, StrategyProjection, StrategyAttention:
		return true
	}
	return false
}

// LayerMapping binds one core layer to one adapter module.
type LayerMapping struct {
	CoreLayer          string   `json:"coreLayer"`
	AdapterModule      string   `json:"adapterModule"`
	Strategy           Strategy `json:"strategy"`
	AdaptationStrength float64  `json:"adaptationStrength"`
}

func (m LayerMapping) key() string { return m.CoreLayer + "->" + m.AdapterModule }

// Validate rejects mappings the bridge cannot apply.
func (m LayerMapping) Validate() error {
	switch {
	case m.CoreLayer == "":
		return fmt.Errorf("mapping: empty core layer")
	case m.AdapterModule == "":
		return fmt.Errorf("mapping: empty adapter module")
	case !m.Strategy.Valid():
		return fmt.Errorf("mapping %s: unknown strategy %q", m.key(), m.Strategy)
	case math.IsNaN(m.AdaptationStrength) || math.IsInf(m.AdaptationStrength, 0):
		return fmt.Errorf("mapping %s: adaptation strength not finite", m.key())
	}
	return nil
}

const (
	projectionStep  = 0.01
	projectionScale = 0.1
	attentionStep   = 0.1
)

// apply blends strength into mod in place. Every entry moves by at most
// maxChange.
func apply(s Strategy, mod cognitive.ModuleWeights, strength, maxChange float64) error {
	switch s {
	case StrategyDirect:
		for _, t := range mod {
			for i, v := range t.Data {
				t.Data[i] = v + clamp(v*strength, maxChange)
			}
		}
	case StrategyProjection:
		for name, t := range mod {
			if name == cognitive.LoRAScaling {
				for i, v := range t.Data {
					t.Data[i] = v + clamp(v*strength*projectionScale, maxChange)
				}
				continue
			}
			for i, v := range t.Data {
				t.Data[i] = v + clamp(strength*projectionStep*math.Sin(float64(i+1)), maxChange)
			}
		}
	case StrategyAttention:
		gate := math.Tanh(strength)
		for name, t := range mod {
			if name == cognitive.LoRAScaling {
				continue
			}
			sigma := math.Max(1, float64(t.Cols)/4)
			for r := 0; r < t.Rows; r++ {
				for c := 0; c < t.Cols; c++ {
					d := float64(r - c)
					window := math.Exp(-(d * d) / (2 * sigma * sigma))
					t.Set(r, c, t.At(r, c)+clamp(gate*window*attentionStep, maxChange))
				}
			}
		}
	default:
		return fmt.Errorf("unknown strategy %q", s)
	}
	return nil
}

func clamp(v, limit float64) float64 {
	if v > limit {
		return limit
	}
	if v < -limit {
		return -limit
	}
	return v
}

// Tanh is the default influence function.
func Tanh(activation float64) float64 { return math.Tanh(activation) }
