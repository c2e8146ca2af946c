package metrics

import (
	"bytes"
	"context"
	"errors"
	"io"
	"regexp"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/cyclopcam/detrain/pkg/detr"
	"github.com/cyclopcam/detrain/pkg/dist"
	"github.com/cyclopcam/logs"
	"github.com/stretchr/testify/require"
)

func TestSmoothedValueGlobalAvg(t *testing.T) {
	sv := NewSmoothedValue(DefaultMeterConfig())
	for _, v := range []float64{1, 2, 3, 4} {
		sv.Update(v, 1)
	}
	require.Equal(t, 2.5, sv.GlobalAvg())
	require.Equal(t, 2.5, sv.Avg())
	require.Equal(t, 2.0, sv.Median())
	require.Equal(t, 4.0, sv.Max())
	require.Equal(t, 4.0, sv.Value())
	require.Equal(t, "2.0000 (2.5000)", sv.String())
}

func TestSmoothedValueWindow(t *testing.T) {
	sv := NewSmoothedValue(MeterConfig{WindowSize: 3, Precision: 2})
	for _, v := range []float64{10, 1, 2, 3, 100} {
		sv.Update(v, 1)
	}
	require.Equal(t, []float64{2, 3, 100}, sv.Window())
	require.Equal(t, 3.0, sv.Median())
	require.Equal(t, 35.0, sv.Avg())
	require.Equal(t, 100.0, sv.Max())
	require.Equal(t, 116.0/5, sv.GlobalAvg())

	one := NewSmoothedValue(ValueMeterConfig(6))
	one.Update(0.1, 1)
	one.Update(0.0001, 1)
	require.Equal(t, []float64{0.0001}, one.Window())
	require.Equal(t, 0.0001, one.Value())
	require.Equal(t, "0.000100", one.String())

	empty := NewSmoothedValue(DefaultMeterConfig())
	require.Equal(t, 0.0, empty.GlobalAvg())
	require.Equal(t, 0.0, empty.Median())
}

func TestSmoothedValueWindowSizes(t *testing.T) {
	for _, size := range []int{1, 2, 3, 4, 8, 20} {
		sv := NewSmoothedValue(MeterConfig{WindowSize: size, Precision: 2})
		for i := 0; i < 50; i++ {
			sv.Update(float64(i), 1)
		}
		w := sv.Window()
		require.Len(t, w, size, "window %v", size)
		require.Equal(t, 49.0, w[size-1])
		require.Equal(t, float64(50-size), w[0])
	}
}

func TestMetricLoggerUpdate(t *testing.T) {
	m := NewMetricLogger(logs.NewTestingLog(t))
	m.AddMeter("lr", ValueMeterConfig(6))
	m.Update("loss", 1)
	m.Update("loss", 3)
	m.Update("lr", 0.5)
	m.UpdateDict(detr.NewLossDict(detr.LossCE, 2.0, detr.LossBBox, 4.0))
	require.Equal(t, []string{"lr", "loss", detr.LossCE, detr.LossBBox}, m.Names())
	require.Equal(t, 20, m.Meter("loss").Config.WindowSize)
	avg := m.GlobalAverages()
	require.Equal(t, 2.0, avg["loss"])
	require.Equal(t, 0.5, avg["lr"])
	require.Equal(t, "lr: 0.500000  loss: 1.0000 (2.0000)  loss_ce: 2.0000 (2.0000)  loss_bbox: 4.0000 (4.0000)", m.String())
}

func TestSynchronizeSingleWorker(t *testing.T) {
	m := NewMetricLogger(logs.NewTestingLog(t))
	m.Update("loss", 1)
	m.Update("loss", 2)
	before := m.Meter("loss").GlobalAvg()
	require.NoError(t, m.SynchronizeBetweenProcesses(context.Background(), dist.Local{}))
	require.Equal(t, before, m.Meter("loss").GlobalAvg())
	require.Equal(t, int64(2), m.Meter("loss").Count)
}

func TestSynchronizeTwoWorkers(t *testing.T) {
	members := dist.NewInProcGroup(2)
	loggers := []*MetricLogger{NewMetricLogger(logs.NewTestingLog(t)), NewMetricLogger(logs.NewTestingLog(t))}
	loggers[0].Update("loss", 1)
	loggers[1].Update("loss", 2)
	loggers[1].Update("loss", 6)
	loggers[0].Update("class_error", 10)
	loggers[1].Update("class_error", 30)

	errs := make([]error, 2)
	wg := sync.WaitGroup{}
	for i := range members {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = loggers[i].SynchronizeBetweenProcesses(context.Background(), members[i])
		}(i)
	}
	wg.Wait()
	for i := range loggers {
		require.NoError(t, errs[i])
		require.Equal(t, 3.0, loggers[i].Meter("loss").GlobalAvg())
		require.Equal(t, 20.0, loggers[i].Meter("class_error").GlobalAvg())
	}
	// The window stays local
	require.Equal(t, 1.0, loggers[0].Meter("loss").Value())
}

func TestSynchronizeMismatchedMeters(t *testing.T) {
	members := dist.NewInProcGroup(2)
	loggers := []*MetricLogger{NewMetricLogger(logs.NewTestingLog(t)), NewMetricLogger(logs.NewTestingLog(t))}
	loggers[0].Update("loss", 1)
	loggers[1].Update("loss_ce", 1)
	errs := make([]error, 2)
	wg := sync.WaitGroup{}
	for i := range members {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = loggers[i].SynchronizeBetweenProcesses(context.Background(), members[i])
		}(i)
	}
	wg.Wait()
	require.ErrorIs(t, errs[0], dist.ErrProtocol)
	require.ErrorIs(t, errs[1], dist.ErrProtocol)
}

func TestLogEveryYieldsAllBatches(t *testing.T) {
	batches := make([]*detr.Batch, 25)
	for i := range batches {
		batches[i] = &detr.Batch{}
	}
	m := NewMetricLogger(logs.NewTestingLog(t))
	loader := m.LogEvery(detr.NewSliceLoader(batches...), 10, "Test:")
	require.Equal(t, 25, loader.Len())
	ctx := context.Background()
	n := 0
	for {
		b, err := loader.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		require.Same(t, batches[n], b)
		m.Update("loss", float64(n))
		n++
	}
	require.Equal(t, 25, n)

	require.NoError(t, loader.Reset())
	b, err := loader.Next(ctx)
	require.NoError(t, err)
	require.Same(t, batches[0], b)
}

func TestLogEveryIterations(t *testing.T) {
	batches := make([]*detr.Batch, 25)
	for i := range batches {
		batches[i] = &detr.Batch{}
	}
	out := &bytes.Buffer{}
	m := NewMetricLogger(&logs.Logger{Output: out})
	loader := m.LogEvery(detr.NewSliceLoader(batches...), 10, "Epoch: [3]")
	for {
		_, err := loader.Next(context.Background())
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		m.Update("loss", 1)
	}

	progress := regexp.MustCompile(`Epoch: \[3\]  \[ ?(\d+)/25\] eta: `)
	logged := []int{}
	for _, match := range progress.FindAllStringSubmatch(out.String(), -1) {
		i, err := strconv.Atoi(match[1])
		require.NoError(t, err)
		logged = append(logged, i)
	}
	require.Equal(t, []int{0, 10, 20, 24}, logged)
	require.Contains(t, out.String(), "Epoch: [3] Total time: ")
}

func TestFormatDuration(t *testing.T) {
	require.Equal(t, "0:00:00", formatDuration(0))
	require.Equal(t, "1:01:05", formatDuration(time.Hour+65*time.Second))
}
