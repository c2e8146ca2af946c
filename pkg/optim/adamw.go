package optim

import (
	"fmt"

	"github.com/chewxy/math32"
)

// AdamW is Adam with decoupled weight decay (Loshchilov & Hutter).
// This is the optimizer that DETR is trained with.
type AdamW struct {
	Groups []*ParamGroup
	Beta1  float64
	Beta2  float64
	Eps    float64
	steps  int64
	slots  map[string][]float32
}

func NewAdamW(groups []*ParamGroup) *AdamW {
	return &AdamW{
		Groups: groups,
		Beta1:  0.9,
		Beta2:  0.999,
		Eps:    1e-8,
		slots:  map[string][]float32{},
	}
}

func (o *AdamW) ParamGroups() []*ParamGroup {
	return o.Groups
}

func (o *AdamW) ZeroGrad() {
	zeroGrad(o.Groups)
}

func (o *AdamW) Step() error {
	if err := checkGrads(o.Groups); err != nil {
		return err
	}
	o.steps++
	b1 := float32(o.Beta1)
	b2 := float32(o.Beta2)
	eps := float32(o.Eps)
	bias1 := 1 - math32.Pow(b1, float32(o.steps))
	bias2 := 1 - math32.Pow(b2, float32(o.steps))
	for _, g := range o.Groups {
		lr := float32(g.LR)
		decay := 1 - lr*float32(g.WeightDecay)
		for _, p := range g.Params {
			m := slot(o.slots, "exp_avg", p)
			v := slot(o.slots, "exp_avg_sq", p)
			for i, grad := range p.Grad {
				p.Data[i] *= decay
				m[i] = b1*m[i] + (1-b1)*grad
				v[i] = b2*v[i] + (1-b2)*grad*grad
				mHat := m[i] / bias1
				vHat := max(v[i]/bias2, 0)
				p.Data[i] -= lr * mHat / (math32.Sqrt(vHat) + eps)
			}
		}
	}
	return nil
}

func (o *AdamW) State() *State {
	return &State{
		Type:  "AdamW",
		Steps: o.steps,
		LR:    groupLRs(o.Groups),
		Slots: copySlots(o.slots),
	}
}

func (o *AdamW) LoadState(s *State) error {
	if s.Type != "AdamW" {
		return fmt.Errorf("%w: state is for %v, not AdamW", ErrStateMismatch, s.Type)
	}
	if err := loadGroupLRs(o.Groups, s.LR); err != nil {
		return err
	}
	o.steps = s.Steps
	o.slots = copySlots(s.Slots)
	return nil
}
