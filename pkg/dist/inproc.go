package dist

import (
	"context"
	"sync"
)

// InProc is a member of a process group whose workers are goroutines inside one process
type InProc struct {
	rank int
	rv   *rendezvous
	once *sync.Once
}

// NewInProcGroup creates the members of an in-process group of the given size.
// Hand members[i] to the worker goroutine of rank i.
func NewInProcGroup(size int) []*InProc {
	rv := newRendezvous(size)
	once := &sync.Once{}
	members := make([]*InProc, size)
	for i := range members {
		members[i] = &InProc{
			rank: i,
			rv:   rv,
			once: once,
		}
	}
	return members
}

func (p *InProc) Rank() int {
	return p.rank
}

func (p *InProc) WorldSize() int {
	return p.rv.size
}

func (p *InProc) AllReduceSum(ctx context.Context, values []float64) error {
	r, err := p.rv.join(ctx, p.rank, opAllReduceSum, values, nil)
	if err != nil {
		return err
	}
	copy(values, r.sum)
	return nil
}

func (p *InProc) AllGather(ctx context.Context, payload []byte) ([][]byte, error) {
	r, err := p.rv.join(ctx, p.rank, opAllGather, nil, payload)
	if err != nil {
		return nil, err
	}
	return append([][]byte(nil), r.gathered...), nil
}

// Close shuts down the whole group. Workers blocked in a collective receive ErrClosed.
func (p *InProc) Close() error {
	p.once.Do(p.rv.close)
	return nil
}
