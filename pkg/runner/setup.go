package runner

import (
	"context"
	"io"

	"github.com/cyclopcam/detrain/pkg/artifacts"
	"github.com/cyclopcam/detrain/pkg/config"
	"github.com/cyclopcam/detrain/pkg/dist"
	"github.com/cyclopcam/detrain/pkg/engine"
	"github.com/cyclopcam/detrain/pkg/statsdb"
	"github.com/cyclopcam/detrain/pkg/tensor"
	"github.com/cyclopcam/logs"
)

// Setup joins the process group described by cfg, and opens the stats DB and artifact store
// on the main worker. Call Close on the returned runner when the run is over.
func Setup(ctx context.Context, log logs.Log, cfg *config.Config, device tensor.Device, evaluators engine.EvaluatorFactory) (*Runner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	d := cfg.Distributed
	group, err := dist.Connect(ctx, d.CoordinatorURL, d.Rank, d.WorldSize)
	if err != nil {
		return nil, err
	}
	eng := engine.NewEngine(log, device, group, evaluators)
	eng.PrintFreq = cfg.PrintFreq

	r := NewRunner(log, cfg, eng, nil, nil)
	if !cfg.IsMain() {
		return r, nil
	}
	if cfg.StatsDB != "" {
		if r.Stats, err = statsdb.Open(log, cfg.StatsDB); err != nil {
			r.Close()
			return nil, err
		}
	}
	if cfg.OutputDir != "" || cfg.Storage.Root != "" || cfg.Storage.GCSBucket != "" {
		if r.Store, err = artifacts.Open(ctx, log, cfg.Storage, cfg.OutputDir); err != nil {
			r.Close()
			return nil, err
		}
	}
	return r, nil
}

// Close releases everything opened by Setup
func (r *Runner) Close() error {
	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if r.Stats != nil {
		keep(r.Stats.Close())
		r.Stats = nil
	}
	if c, ok := r.Store.(io.Closer); ok {
		keep(c.Close())
	}
	r.Store = nil
	keep(r.Engine.Group.Close())
	return firstErr
}
