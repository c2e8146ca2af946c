package detr

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

// Names of the loss terms produced by the set criterion
const (
	LossCE           = "loss_ce"
	LossBBox         = "loss_bbox"
	LossGIoU         = "loss_giou"
	CardinalityError = "cardinality_error"
	ClassError       = "class_error"
)

// Suffix appended to reduced loss terms when they are logged without their weight
const UnscaledSuffix = "_unscaled"

var ErrInvalidWeight = errors.New("invalid loss weight")

// AuxKey is the name of a loss term computed on the output of an intermediate decoder layer.
// AuxKey("loss_ce", 2) = "loss_ce_2"
func AuxKey(base string, layer int) string {
	return base + "_" + strconv.Itoa(layer)
}

// AuxTerms returns the names of every base term for every intermediate decoder layer,
// ordered by layer and then by the order of 'bases'.
func AuxTerms(numAuxLayers int, bases ...string) []string {
	keys := make([]string, 0, numAuxLayers*len(bases))
	for layer := 0; layer < numAuxLayers; layer++ {
		for _, b := range bases {
			keys = append(keys, AuxKey(b, layer))
		}
	}
	return keys
}

// UnscaledKey is the logging name of a reduced, unweighted term
func UnscaledKey(k string) string {
	return k + UnscaledSuffix
}

// LossDict is an ordered mapping from loss term name to its scalar value.
// Insertion order is preserved, so that logs and reductions are deterministic.
// The zero value is ready to use.
type LossDict struct {
	keys   []string
	values map[string]float64
}

// NewLossDict creates a LossDict from alternating key/value pairs
func NewLossDict(pairs ...any) LossDict {
	d := LossDict{}
	for i := 0; i+1 < len(pairs); i += 2 {
		var v float64
		switch x := pairs[i+1].(type) {
		case float64:
			v = x
		case float32:
			v = float64(x)
		case int:
			v = float64(x)
		default:
			panic(fmt.Sprintf("NewLossDict: unsupported value type %T", x))
		}
		d.Set(pairs[i].(string), v)
	}
	return d
}

// Set adds or replaces a term. New keys are appended to the order.
func (d *LossDict) Set(k string, v float64) {
	if d.values == nil {
		d.values = map[string]float64{}
	}
	if _, ok := d.values[k]; !ok {
		d.keys = append(d.keys, k)
	}
	d.values[k] = v
}

func (d LossDict) Get(k string) (float64, bool) {
	v, ok := d.values[k]
	return v, ok
}

// Value returns the term, or zero if absent
func (d LossDict) Value(k string) float64 {
	return d.values[k]
}

func (d LossDict) Has(k string) bool {
	_, ok := d.values[k]
	return ok
}

func (d LossDict) Len() int {
	return len(d.keys)
}

// Keys in insertion order. The caller must not modify the returned slice.
func (d LossDict) Keys() []string {
	return d.keys
}

// SortedKeys returns the keys in lexical order
func (d LossDict) SortedKeys() []string {
	k := append([]string(nil), d.keys...)
	sort.Strings(k)
	return k
}

func (d LossDict) Clone() LossDict {
	c := LossDict{
		keys:   append([]string(nil), d.keys...),
		values: make(map[string]float64, len(d.values)),
	}
	for k, v := range d.values {
		c.values[k] = v
	}
	return c
}

// Sum of all terms
func (d LossDict) Sum() float64 {
	s := 0.0
	for _, k := range d.keys {
		s += d.values[k]
	}
	return s
}

// AllFinite is true if no term is NaN or Inf
func (d LossDict) AllFinite() bool {
	for _, k := range d.keys {
		if !IsFinite(d.values[k]) {
			return false
		}
	}
	return true
}

// Map returns a plain map copy
func (d LossDict) Map() map[string]float64 {
	m := make(map[string]float64, len(d.values))
	for k, v := range d.values {
		m[k] = v
	}
	return m
}

func (d LossDict) String() string {
	b := strings.Builder{}
	b.WriteRune('{')
	for i, k := range d.keys {
		if i != 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "'%v': %v", k, d.values[k])
	}
	b.WriteRune('}')
	return b.String()
}

// WeightDict maps loss term names to their weight in the optimized objective.
// Terms that are not present contribute to logging only.
type WeightDict map[string]float64

// Validate rejects negative and non-finite weights
func (w WeightDict) Validate() error {
	for k, v := range w {
		if v < 0 || !IsFinite(v) {
			return fmt.Errorf("%w: '%v' = %v", ErrInvalidWeight, k, v)
		}
	}
	return nil
}

// WithAux returns a copy of w where every term is also weighted for each of the
// numAuxLayers intermediate decoder layers.
func (w WeightDict) WithAux(numAuxLayers int) WeightDict {
	out := WeightDict{}
	for k, v := range w {
		out[k] = v
	}
	for layer := 0; layer < numAuxLayers; layer++ {
		for k, v := range w {
			out[AuxKey(k, layer)] = v
		}
	}
	return out
}

func IsFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
