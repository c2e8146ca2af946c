package detr

import (
	"encoding/json"
	"math"
)

// Stats is a vector of evaluation statistics, such as the 12 COCO summary numbers.
// NaN and Inf have no JSON form, so they are written as null, and null reads back as NaN.
type Stats []float64

func (s Stats) MarshalJSON() ([]byte, error) {
	out := make([]*float64, len(s))
	for i := range s {
		if IsFinite(s[i]) {
			out[i] = &s[i]
		}
	}
	return json.Marshal(out)
}

func (s *Stats) UnmarshalJSON(b []byte) error {
	in := []*float64{}
	if err := json.Unmarshal(b, &in); err != nil {
		return err
	}
	*s = make(Stats, len(in))
	for i, v := range in {
		(*s)[i] = nullToNaN(v)
	}
	return nil
}

// JSONValue returns v, or nil if v is NaN or Inf
func JSONValue(v float64) any {
	if !IsFinite(v) {
		return nil
	}
	return v
}

func nullToNaN(v *float64) float64 {
	if v == nil {
		return math.NaN()
	}
	return *v
}

func finitePtr(v float64) *float64 {
	if !IsFinite(v) {
		return nil
	}
	return &v
}

type pqJSON struct {
	PQ *float64 `json:"pq"`
	SQ *float64 `json:"sq"`
	RQ *float64 `json:"rq"`
	N  int      `json:"n"`
}

// An empty category group has an undefined quality, which is written as null
func (p PQ) MarshalJSON() ([]byte, error) {
	return json.Marshal(pqJSON{
		PQ: finitePtr(p.PQ),
		SQ: finitePtr(p.SQ),
		RQ: finitePtr(p.RQ),
		N:  p.N,
	})
}

func (p *PQ) UnmarshalJSON(b []byte) error {
	j := pqJSON{}
	if err := json.Unmarshal(b, &j); err != nil {
		return err
	}
	*p = PQ{
		PQ: nullToNaN(j.PQ),
		SQ: nullToNaN(j.SQ),
		RQ: nullToNaN(j.RQ),
		N:  j.N,
	}
	return nil
}
