package metrics

import (
	"fmt"
	"sort"

	"github.com/bmharper/ringbuffer"
)

// Style selects what a meter shows when it is printed
type Style int

const (
	StyleMedianGlobal Style = iota // "median (global average)"
	StyleValue                     // latest value only
	StyleAvg                       // window average
)

// MeterConfig controls the window and formatting of a SmoothedValue
type MeterConfig struct {
	WindowSize int   // Number of recent values used for Median, Avg and Max
	Precision  int   // Decimal places when printed
	Style      Style // What to print
}

// DefaultMeterConfig is used for meters that are created implicitly by Update
func DefaultMeterConfig() MeterConfig {
	return MeterConfig{
		WindowSize: 20,
		Precision:  4,
		Style:      StyleMedianGlobal,
	}
}

// ValueMeterConfig shows only the latest value, for things like learning rate
func ValueMeterConfig(precision int) MeterConfig {
	return MeterConfig{
		WindowSize: 1,
		Precision:  precision,
		Style:      StyleValue,
	}
}

// SmoothedValue tracks a series of values, and provides smoothed values over a window
// as well as the average over the whole series.
// Total and Count cover the whole series, and are what gets synchronized between workers.
type SmoothedValue struct {
	Config MeterConfig
	Total  float64
	Count  int64
	window ringbuffer.RingP[float64]
}

func NewSmoothedValue(cfg MeterConfig) *SmoothedValue {
	if cfg.WindowSize < 1 {
		cfg.WindowSize = 1
	}
	return &SmoothedValue{
		Config: cfg,
		// RingP holds one less than its power-of-2 size, so it can be larger than the window
		window: ringbuffer.NewRingP[float64](nextPowerOf2(cfg.WindowSize + 1)),
	}
}

// Update records a value that represents n samples (n is usually 1)
func (s *SmoothedValue) Update(value float64, n int) {
	s.window.Add(value)
	s.Count += int64(n)
	s.Total += value * float64(n)
}

// Values in the window, oldest first
func (s *SmoothedValue) Window() []float64 {
	n := min(s.window.Len(), s.Config.WindowSize)
	first := s.window.Len() - n
	v := make([]float64, n)
	for i := 0; i < n; i++ {
		v[i] = s.window.Peek(first + i)
	}
	return v
}

// Median of the window. For an even count, this is the lower of the two middle values.
func (s *SmoothedValue) Median() float64 {
	v := s.Window()
	if len(v) == 0 {
		return 0
	}
	sort.Float64s(v)
	return v[(len(v)-1)/2]
}

// Avg is the mean of the window
func (s *SmoothedValue) Avg() float64 {
	v := s.Window()
	if len(v) == 0 {
		return 0
	}
	sum := 0.0
	for _, x := range v {
		sum += x
	}
	return sum / float64(len(v))
}

// GlobalAvg is the mean over every update, on every worker once synchronized
func (s *SmoothedValue) GlobalAvg() float64 {
	if s.Count == 0 {
		return 0
	}
	return s.Total / float64(s.Count)
}

// Max of the window
func (s *SmoothedValue) Max() float64 {
	v := s.Window()
	if len(v) == 0 {
		return 0
	}
	m := v[0]
	for _, x := range v[1:] {
		m = max(m, x)
	}
	return m
}

// Value is the most recent update
func (s *SmoothedValue) Value() float64 {
	if s.window.Len() == 0 {
		return 0
	}
	return s.window.Peek(s.window.Len() - 1)
}

func (s *SmoothedValue) String() string {
	p := s.Config.Precision
	switch s.Config.Style {
	case StyleValue:
		return fmt.Sprintf("%.*f", p, s.Value())
	case StyleAvg:
		return fmt.Sprintf("%.*f", p, s.Avg())
	}
	return fmt.Sprintf("%.*f (%.*f)", p, s.Median(), p, s.GlobalAvg())
}

func nextPowerOf2(n int) int {
	p := 1
	for p < n {
		p *= 2
	}
	return p
}
