package dist

import (
	"context"
	"errors"
	"fmt"
)

// Package dist provides the collective operations that data-parallel workers use to agree
// on logged statistics. Every worker must call the same collectives, in the same order,
// the same number of times. A collective blocks until every worker has reached it.

var ErrClosed = errors.New("process group closed")
var ErrProtocol = errors.New("collective protocol violation")
var ErrWorkerLeft = errors.New("worker left the process group")

// ProcessGroup is the set of workers taking part in a distributed run
type ProcessGroup interface {
	Rank() int
	WorldSize() int

	// AllReduceSum replaces values with the element-wise sum of values over all workers.
	// len(values) must be the same on every worker.
	AllReduceSum(ctx context.Context, values []float64) error

	// AllGather returns the payload of every worker, indexed by rank
	AllGather(ctx context.Context, payload []byte) ([][]byte, error)

	Close() error
}

// IsMain is true for the worker that owns side effects such as checkpoints and log files
func IsMain(pg ProcessGroup) bool {
	return pg.Rank() == 0
}

// Local is the process group of a single-worker run. Every collective is an identity.
type Local struct{}

func (Local) Rank() int {
	return 0
}

func (Local) WorldSize() int {
	return 1
}

func (Local) AllReduceSum(ctx context.Context, values []float64) error {
	return nil
}

func (Local) AllGather(ctx context.Context, payload []byte) ([][]byte, error) {
	return [][]byte{payload}, nil
}

func (Local) Close() error {
	return nil
}

type opKind string

const (
	opAllReduceSum opKind = "allreduce_sum"
	opAllGather    opKind = "allgather"
)

// One collective, in which every rank participates exactly once
type round struct {
	op       opKind
	arrived  int
	seen     []bool
	sum      []float64
	gathered [][]byte
	err      error
	done     chan struct{}
}

// rendezvous matches up the calls of all ranks into rounds.
// It is shared by the in-process group and the websocket coordinator.
type rendezvous struct {
	size    int
	lock    chan struct{} // used as a mutex that can be abandoned via ctx
	current *round
	closed  bool
	failed  error // Set when a member leaves. Every later collective fails with it.
}

func newRendezvous(size int) *rendezvous {
	return &rendezvous{
		size: size,
		lock: make(chan struct{}, 1),
	}
}

// join contributes this rank's input to the current round, and waits for the round to complete
func (r *rendezvous) join(ctx context.Context, rank int, op opKind, values []float64, payload []byte) (*round, error) {
	select {
	case r.lock <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if r.closed {
		<-r.lock
		return nil, ErrClosed
	}
	if r.failed != nil {
		<-r.lock
		return nil, r.failed
	}
	if r.current == nil {
		r.current = &round{
			op:       op,
			seen:     make([]bool, r.size),
			gathered: make([][]byte, r.size),
			done:     make(chan struct{}),
		}
		if op == opAllReduceSum {
			r.current.sum = make([]float64, len(values))
		}
	}
	cur := r.current
	switch {
	case cur.err != nil:
	case cur.op != op:
		cur.err = fmt.Errorf("%w: rank %v called %v while others called %v", ErrProtocol, rank, op, cur.op)
	case cur.seen[rank]:
		cur.err = fmt.Errorf("%w: rank %v joined the same collective twice", ErrProtocol, rank)
	case op == opAllReduceSum && len(values) != len(cur.sum):
		cur.err = fmt.Errorf("%w: rank %v reduced %v values, expected %v", ErrProtocol, rank, len(values), len(cur.sum))
	default:
		for i, v := range values {
			cur.sum[i] += v
		}
		cur.gathered[rank] = payload
	}
	if !cur.seen[rank] {
		cur.seen[rank] = true
		cur.arrived++
	}
	if cur.arrived == r.size {
		close(cur.done)
		r.current = nil
	}
	<-r.lock

	select {
	case <-cur.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if cur.err != nil {
		return nil, cur.err
	}
	return cur, nil
}

func (r *rendezvous) close() {
	r.lock <- struct{}{}
	r.closed = true
	r.abortCurrent(ErrClosed)
	<-r.lock
}

// fail aborts the collective in flight, and every later one until reset is called
func (r *rendezvous) fail(err error) {
	r.lock <- struct{}{}
	if r.failed == nil {
		r.failed = err
	}
	r.abortCurrent(err)
	<-r.lock
}

func (r *rendezvous) reset() {
	r.lock <- struct{}{}
	r.failed = nil
	<-r.lock
}

// Caller must hold the lock
func (r *rendezvous) abortCurrent(err error) {
	if r.current != nil {
		r.current.err = err
		close(r.current.done)
		r.current = nil
	}
}
