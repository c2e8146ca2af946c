package engine

import (
	"github.com/cyclopcam/detrain/pkg/detr"
)

// WeightedSum is Σ d[k] * w[k] over the keys present in both d and w.
// Terms without a weight do not contribute.
func WeightedSum(d detr.LossDict, w detr.WeightDict) float64 {
	sum := 0.0
	for _, k := range d.Keys() {
		if weight, ok := w[k]; ok {
			sum += d.Value(k) * weight
		}
	}
	return sum
}

// ScaledView returns d[k] * w[k] for every k that has a weight, in the order of d
func ScaledView(d detr.LossDict, w detr.WeightDict) detr.LossDict {
	out := detr.LossDict{}
	for _, k := range d.Keys() {
		if weight, ok := w[k]; ok {
			out.Set(k, d.Value(k)*weight)
		}
	}
	return out
}

// UnscaledView returns every term of d under the name <k>_unscaled
func UnscaledView(d detr.LossDict) detr.LossDict {
	out := detr.LossDict{}
	for _, k := range d.Keys() {
		out.Set(detr.UnscaledKey(k), d.Value(k))
	}
	return out
}

// Reduced, scaled and unscaled loss terms of one batch, as they are logged
type loggedLoss struct {
	reduced  detr.LossDict
	scaled   detr.LossDict
	unscaled detr.LossDict
	total    float64 // Sum of scaled
}

func (l *loggedLoss) classError() (float64, error) {
	v, ok := l.reduced.Get(detr.ClassError)
	if !ok {
		return 0, ErrNoClassError
	}
	return v, nil
}
