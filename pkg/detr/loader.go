package detr

import (
	"context"
	"io"
)

// DataLoader produces the batches of one epoch. Next returns io.EOF after the last batch.
// A new pass over the data is started by Reset.
type DataLoader interface {
	Len() int // Number of batches in one pass
	Next(ctx context.Context) (*Batch, error)
	Reset() error
}

// SliceLoader is a DataLoader over batches that are already in memory
type SliceLoader struct {
	Batches []*Batch
	pos     int
}

func NewSliceLoader(batches ...*Batch) *SliceLoader {
	return &SliceLoader{Batches: batches}
}

func (l *SliceLoader) Len() int {
	return len(l.Batches)
}

func (l *SliceLoader) Next(ctx context.Context) (*Batch, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if l.pos >= len(l.Batches) {
		return nil, io.EOF
	}
	b := l.Batches[l.pos]
	l.pos++
	return b, nil
}

func (l *SliceLoader) Reset() error {
	l.pos = 0
	return nil
}
