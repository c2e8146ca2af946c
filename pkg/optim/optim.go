package optim

import (
	"errors"
	"fmt"

	"github.com/chewxy/math32"
)

// Package optim updates model parameters from their accumulated gradients

var ErrStateMismatch = errors.New("optimizer state does not match parameters")

// Parameter is a trainable tensor of the model, and its accumulated gradient.
// Grad has the same length as Data.
type Parameter struct {
	Name string    `json:"name"`
	Data []float32 `json:"data"`
	Grad []float32 `json:"-"`
}

func NewParameter(name string, data []float32) *Parameter {
	return &Parameter{
		Name: name,
		Data: data,
		Grad: make([]float32, len(data)),
	}
}

// ParamGroup is a set of parameters that share hyperparameters
type ParamGroup struct {
	LR          float64
	WeightDecay float64
	Params      []*Parameter
}

// Optimizer applies a parameter update from the accumulated gradients
type Optimizer interface {
	ParamGroups() []*ParamGroup
	ZeroGrad()
	Step() error
	State() *State
	LoadState(s *State) error
}

// State is the serializable state of an optimizer, for checkpoints
type State struct {
	Type  string               `json:"type"`
	Steps int64                `json:"steps"`
	LR    []float64            `json:"lr"` // Per group
	Slots map[string][]float32 `json:"slots"`
}

// NumParameters returns the total number of scalar parameters
func NumParameters(params []*Parameter) int {
	n := 0
	for _, p := range params {
		n += len(p.Data)
	}
	return n
}

// GradNorm returns the global L2 norm of all gradients
func GradNorm(params []*Parameter) float32 {
	// Accumulate in float64, to avoid losing small gradients next to large ones
	sum := 0.0
	for _, p := range params {
		for _, g := range p.Grad {
			sum += float64(g) * float64(g)
		}
	}
	return math32.Sqrt(float32(sum))
}

// ClipGradNorm scales all gradients so that their global L2 norm is at most maxNorm.
// Returns the norm before clipping.
func ClipGradNorm(params []*Parameter, maxNorm float32) float32 {
	norm := GradNorm(params)
	if math32.IsNaN(norm) || math32.IsInf(norm, 0) {
		return norm
	}
	coef := maxNorm / (norm + 1e-6)
	if coef < 1 {
		for _, p := range params {
			for i := range p.Grad {
				p.Grad[i] *= coef
			}
		}
	}
	return norm
}

func zeroGrad(groups []*ParamGroup) {
	for _, g := range groups {
		for _, p := range g.Params {
			clear(p.Grad)
		}
	}
}

func groupLRs(groups []*ParamGroup) []float64 {
	lr := make([]float64, len(groups))
	for i, g := range groups {
		lr[i] = g.LR
	}
	return lr
}

func loadGroupLRs(groups []*ParamGroup, lr []float64) error {
	if len(lr) != len(groups) {
		return fmt.Errorf("%w: %v learning rates for %v groups", ErrStateMismatch, len(lr), len(groups))
	}
	for i, g := range groups {
		g.LR = lr[i]
	}
	return nil
}

// Lazily allocated per-parameter buffer, such as momentum
func slot(slots map[string][]float32, kind string, p *Parameter) []float32 {
	key := kind + "/" + p.Name
	s, ok := slots[key]
	if !ok || len(s) != len(p.Data) {
		s = make([]float32, len(p.Data))
		slots[key] = s
	}
	return s
}

func copySlots(src map[string][]float32) map[string][]float32 {
	dst := make(map[string][]float32, len(src))
	for k, v := range src {
		dst[k] = append([]float32(nil), v...)
	}
	return dst
}

func checkGrads(groups []*ParamGroup) error {
	for _, g := range groups {
		for _, p := range g.Params {
			if len(p.Grad) != len(p.Data) {
				return fmt.Errorf("parameter %v has %v gradients for %v values", p.Name, len(p.Grad), len(p.Data))
			}
		}
	}
	return nil
}
