package metrics

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/cyclopcam/detrain/pkg/detr"
	"github.com/cyclopcam/detrain/pkg/dist"
	"github.com/cyclopcam/logs"
)

// MetricLogger holds one SmoothedValue per logged quantity, for the duration of one
// training epoch or one evaluation pass. Create a new one for every pass.
type MetricLogger struct {
	Log       logs.Log
	Delimiter string
	meters    map[string]*SmoothedValue
	order     []string
}

func NewMetricLogger(log logs.Log) *MetricLogger {
	return &MetricLogger{
		Log:       log,
		Delimiter: "  ",
		meters:    map[string]*SmoothedValue{},
	}
}

// AddMeter registers a meter with a specific configuration.
// Registering an existing name replaces its meter.
func (m *MetricLogger) AddMeter(name string, cfg MeterConfig) *SmoothedValue {
	if _, ok := m.meters[name]; !ok {
		m.order = append(m.order, name)
	}
	sv := NewSmoothedValue(cfg)
	m.meters[name] = sv
	return sv
}

// Meter returns the named meter, or nil
func (m *MetricLogger) Meter(name string) *SmoothedValue {
	return m.meters[name]
}

// Names of all meters, in the order in which they were created
func (m *MetricLogger) Names() []string {
	return m.order
}

// Update appends a value to the named meter, creating the meter with the default configuration if necessary
func (m *MetricLogger) Update(name string, value float64) {
	sv := m.meters[name]
	if sv == nil {
		sv = m.AddMeter(name, DefaultMeterConfig())
	}
	sv.Update(value, 1)
}

// UpdateDict calls Update for every term in d, in order
func (m *MetricLogger) UpdateDict(d detr.LossDict) {
	for _, k := range d.Keys() {
		m.Update(k, d.Value(k))
	}
}

// GlobalAverages returns the global average of every meter
func (m *MetricLogger) GlobalAverages() map[string]float64 {
	avg := make(map[string]float64, len(m.meters))
	for name, sv := range m.meters {
		avg[name] = sv.GlobalAvg()
	}
	return avg
}

func (m *MetricLogger) String() string {
	parts := make([]string, 0, len(m.order))
	for _, name := range m.order {
		parts = append(parts, fmt.Sprintf("%v: %v", name, m.meters[name]))
	}
	return strings.Join(parts, m.Delimiter)
}

// SynchronizeBetweenProcesses sums the count and total of every meter over all workers,
// so that GlobalAvg reflects the whole run. The window is not synchronized.
// With a single worker this does nothing.
func (m *MetricLogger) SynchronizeBetweenProcesses(ctx context.Context, pg dist.ProcessGroup) error {
	if pg.WorldSize() < 2 {
		return nil
	}
	names := append([]string(nil), m.order...)
	sort.Strings(names)

	// All workers must have the same meters, or the reduced vectors would not line up
	all, err := pg.AllGather(ctx, []byte(strings.Join(names, "\n")))
	if err != nil {
		return fmt.Errorf("Failed to gather meter names: %w", err)
	}
	for rank, other := range all {
		if string(other) != string(all[0]) {
			return fmt.Errorf("%w: meters of rank %v differ from rank 0", dist.ErrProtocol, rank)
		}
	}

	values := make([]float64, 0, 2*len(names))
	for _, name := range names {
		sv := m.meters[name]
		values = append(values, float64(sv.Count), sv.Total)
	}
	if err := pg.AllReduceSum(ctx, values); err != nil {
		return fmt.Errorf("Failed to synchronize meters: %w", err)
	}
	for i, name := range names {
		sv := m.meters[name]
		sv.Count = int64(values[2*i])
		sv.Total = values[2*i+1]
	}
	return nil
}

// LogEvery wraps loader so that progress is logged after the first batch, every freq batches,
// and after the last batch. The log line shows the meters as they are at that moment,
// so the caller should update the meters before asking for the next batch.
func (m *MetricLogger) LogEvery(loader detr.DataLoader, freq int, header string) detr.DataLoader {
	if freq < 1 {
		freq = 1
	}
	return &progressLoader{
		inner:    loader,
		logger:   m,
		freq:     freq,
		header:   header,
		iterTime: NewSmoothedValue(MeterConfig{WindowSize: 20, Precision: 4, Style: StyleAvg}),
		dataTime: NewSmoothedValue(MeterConfig{WindowSize: 20, Precision: 4, Style: StyleAvg}),
	}
}

type progressLoader struct {
	inner    detr.DataLoader
	logger   *MetricLogger
	freq     int
	header   string
	i        int // Number of batches handed out
	start    time.Time
	last     time.Time
	iterTime *SmoothedValue
	dataTime *SmoothedValue
	finished bool
}

func (p *progressLoader) Len() int {
	return p.inner.Len()
}

func (p *progressLoader) Reset() error {
	p.i = 0
	p.finished = false
	return p.inner.Reset()
}

func (p *progressLoader) Next(ctx context.Context) (*detr.Batch, error) {
	now := time.Now()
	if p.i == 0 {
		p.start = now
		p.last = now
	} else {
		// The previous batch has been fully processed
		p.iterTime.Update(now.Sub(p.last).Seconds(), 1)
		p.last = now
		done := p.i - 1
		if done%p.freq == 0 || done == p.inner.Len()-1 {
			p.logProgress(done)
		}
	}

	b, err := p.inner.Next(ctx)
	p.dataTime.Update(time.Since(now).Seconds(), 1)
	if errors.Is(err, io.EOF) {
		if !p.finished {
			p.finished = true
			total := time.Since(p.start)
			perIt := 0.0
			if p.i > 0 {
				perIt = total.Seconds() / float64(p.i)
			}
			p.logger.Log.Infof("%v Total time: %v (%.4f s / it)", p.header, formatDuration(total), perIt)
		}
		return nil, err
	}
	if err != nil {
		return nil, err
	}
	p.i++
	return b, nil
}

func (p *progressLoader) logProgress(i int) {
	n := p.inner.Len()
	width := len(fmt.Sprint(n))
	eta := time.Duration(p.iterTime.GlobalAvg() * float64(n-i-1) * float64(time.Second))
	parts := []string{
		p.header,
		fmt.Sprintf("[%*d/%d]", width, i, n),
		"eta: " + formatDuration(eta),
	}
	if s := p.logger.String(); s != "" {
		parts = append(parts, s)
	}
	parts = append(parts,
		"time: "+p.iterTime.String(),
		"data: "+p.dataTime.String(),
	)
	p.logger.Log.Infof("%v", strings.Join(parts, p.logger.Delimiter))
}

// h:mm:ss
func formatDuration(d time.Duration) string {
	s := int64(d.Round(time.Second).Seconds())
	return fmt.Sprintf("%d:%02d:%02d", s/3600, (s/60)%60, s%60)
}
