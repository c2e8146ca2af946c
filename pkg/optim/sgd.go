package optim

import "fmt"

// SGD is stochastic gradient descent with optional momentum and L2 weight decay
type SGD struct {
	Groups   []*ParamGroup
	Momentum float64
	steps    int64
	slots    map[string][]float32
}

func NewSGD(groups []*ParamGroup, momentum float64) *SGD {
	return &SGD{
		Groups:   groups,
		Momentum: momentum,
		slots:    map[string][]float32{},
	}
}

func (o *SGD) ParamGroups() []*ParamGroup {
	return o.Groups
}

func (o *SGD) ZeroGrad() {
	zeroGrad(o.Groups)
}

func (o *SGD) Step() error {
	if err := checkGrads(o.Groups); err != nil {
		return err
	}
	for _, g := range o.Groups {
		lr := float32(g.LR)
		wd := float32(g.WeightDecay)
		mom := float32(o.Momentum)
		for _, p := range g.Params {
			var buf []float32
			if mom != 0 {
				buf = slot(o.slots, "momentum", p)
			}
			for i, grad := range p.Grad {
				d := grad + wd*p.Data[i]
				if buf != nil {
					if o.steps == 0 {
						buf[i] = d
					} else {
						buf[i] = mom*buf[i] + d
					}
					d = buf[i]
				}
				p.Data[i] -= lr * d
			}
		}
	}
	o.steps++
	return nil
}

func (o *SGD) State() *State {
	return &State{
		Type:  "SGD",
		Steps: o.steps,
		LR:    groupLRs(o.Groups),
		Slots: copySlots(o.slots),
	}
}

func (o *SGD) LoadState(s *State) error {
	if s.Type != "SGD" {
		return fmt.Errorf("%w: state is for %v, not SGD", ErrStateMismatch, s.Type)
	}
	if err := loadGroupLRs(o.Groups, s.LR); err != nil {
		return err
	}
	o.steps = s.Steps
	o.slots = copySlots(s.Slots)
	return nil
}
