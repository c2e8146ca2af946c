package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cyclopcam/detrain/pkg/artifacts"
	"github.com/cyclopcam/detrain/pkg/config"
	"github.com/cyclopcam/detrain/pkg/detr"
	"github.com/cyclopcam/detrain/pkg/dist"
	"github.com/cyclopcam/detrain/pkg/engine"
	"github.com/cyclopcam/detrain/pkg/optim"
	"github.com/cyclopcam/detrain/pkg/statsdb"
	"github.com/cyclopcam/logs"
)

// Package runner drives a complete training run: the epoch loop, learning rate schedule,
// checkpoints, the JSON log, persistent stats and evaluation artifacts.

// Learning rate is multiplied by this at every drop
const LRDropGamma = 0.1

// Evaluation vectors are kept permanently every this many epochs (eval/latest.json is always rewritten)
const EvalArchiveEvery = 50

// Components are the collaborators of a run, supplied by the program that hosts the model
type Components struct {
	Model          engine.Model
	Criterion      engine.Criterion
	PostProcessors engine.PostProcessors
	TrainLoader    detr.DataLoader
	ValLoader      detr.DataLoader
	Base           engine.Dataset  // Ground truth of ValLoader
	Optimizer      optim.Optimizer // If nil, one is built from the config
}

type Runner struct {
	Log    logs.Log
	Config *config.Config
	Engine *engine.Engine
	Stats  *statsdb.StatsDB  // Optional
	Store  artifacts.Storage // Optional

	runID int64
}

func NewRunner(log logs.Log, cfg *config.Config, eng *engine.Engine, stats *statsdb.StatsDB, store artifacts.Storage) *Runner {
	return &Runner{
		Log:    logs.NewPrefixLogger(log, "Runner"),
		Config: cfg,
		Engine: eng,
		Stats:  stats,
		Store:  store,
	}
}

// BuildOptimizer creates the optimizer described by cfg.
// Parameters whose name starts with "backbone." get the backbone learning rate.
func BuildOptimizer(cfg *config.Config, params []*optim.Parameter) optim.Optimizer {
	main := &optim.ParamGroup{LR: cfg.LR, WeightDecay: cfg.WeightDecay}
	backbone := &optim.ParamGroup{LR: cfg.LRBackbone, WeightDecay: cfg.WeightDecay}
	for _, p := range params {
		if strings.HasPrefix(p.Name, "backbone.") {
			backbone.Params = append(backbone.Params, p)
		} else {
			main.Params = append(main.Params, p)
		}
	}
	groups := []*optim.ParamGroup{main}
	if len(backbone.Params) != 0 {
		groups = append(groups, backbone)
	}
	if cfg.Optimizer == config.OptimizerSGD {
		return optim.NewSGD(groups, cfg.Momentum)
	}
	return optim.NewAdamW(groups)
}

func (r *Runner) isMain() bool {
	return dist.IsMain(r.Engine.Group)
}

// Run trains from the start epoch up to the configured number of epochs, evaluating after
// every epoch. If the config says EvalOnly, a single evaluation is run instead.
// A diverged loss aborts the run with an error matching engine.ErrDiverged.
func (r *Runner) Run(ctx context.Context, c *Components) error {
	cfg := r.Config
	if c.Optimizer == nil {
		c.Optimizer = BuildOptimizer(cfg, c.Model.Parameters())
	}
	scheduler := optim.NewStepLR(c.Optimizer, cfg.LRDrop, LRDropGamma)
	nParameters := optim.NumParameters(c.Model.Parameters())
	r.Log.Infof("Number of params: %v", nParameters)

	startEpoch := cfg.StartEpoch
	if cfg.Resume != "" {
		ckpt, err := LoadCheckpoint(cfg.Resume)
		if err != nil {
			return err
		}
		if err := ckpt.LoadInto(c.Model.Parameters()); err != nil {
			return err
		}
		if !cfg.EvalOnly && ckpt.Optimizer != nil {
			if err := c.Optimizer.LoadState(ckpt.Optimizer); err != nil {
				return err
			}
			scheduler.SetEpoch(ckpt.LRScheduler.LastEpoch)
			startEpoch = ckpt.Epoch + 1
		}
		r.Log.Infof("Resumed from %v (epoch %v)", cfg.Resume, ckpt.Epoch)
	}

	if r.Stats != nil && r.isMain() {
		run, err := r.Stats.CreateRun(cfg.RunName, cfg)
		if err != nil {
			return err
		}
		r.runID = run.ID
	}

	if cfg.EvalOnly {
		stats, _, err := r.Engine.Evaluate(ctx, c.Model, c.Criterion, c.PostProcessors, c.ValLoader, c.Base, cfg.OutputDir)
		if err != nil {
			return err
		}
		return r.saveEval(ctx, startEpoch, stats, "eval.json")
	}

	r.Log.Infof("Start training")
	start := time.Now()
	for epoch := startEpoch; epoch < cfg.Epochs; epoch++ {
		trainStats, err := r.Engine.TrainOneEpoch(ctx, c.Model, c.Criterion, c.TrainLoader, c.Optimizer, epoch, cfg.ClipMaxNorm)
		if err != nil {
			return err
		}
		scheduler.Step()

		if err := r.saveCheckpoints(epoch, c, scheduler); err != nil {
			return err
		}

		testStats, _, err := r.Engine.Evaluate(ctx, c.Model, c.Criterion, c.PostProcessors, c.ValLoader, c.Base, cfg.OutputDir)
		if err != nil {
			return err
		}

		if err := r.recordEpoch(ctx, epoch, nParameters, trainStats, testStats); err != nil {
			return err
		}
	}
	r.Log.Infof("Training time %v", time.Since(start).Truncate(time.Second))
	return nil
}

func (r *Runner) saveCheckpoints(epoch int, c *Components, scheduler *optim.StepLR) error {
	if r.Config.OutputDir == "" || !r.isMain() {
		return nil
	}
	ckpt := &Checkpoint{
		Epoch:     epoch,
		Model:     c.Model.Parameters(),
		Optimizer: c.Optimizer.State(),
		LRScheduler: SchedulerState{
			LastEpoch: scheduler.LastEpoch,
			StepSize:  scheduler.StepSize,
			Gamma:     scheduler.Gamma,
		},
		Config: r.Config,
	}
	for _, name := range checkpointNames(epoch, r.Config.LRDrop, r.Config.CheckpointEvery) {
		if err := ckpt.Save(filepath.Join(r.Config.OutputDir, name)); err != nil {
			return err
		}
	}
	return nil
}

// Append the epoch's stats to log.txt, the stats DB, and the artifact store
func (r *Runner) recordEpoch(ctx context.Context, epoch, nParameters int, trainStats map[string]float64, testStats *engine.EvalStats) error {
	if !r.isMain() {
		return nil
	}
	line := map[string]any{}
	for k, v := range trainStats {
		line["train_"+k] = detr.JSONValue(v)
	}
	for k, v := range testStats.Map() {
		if f, ok := v.(float64); ok {
			v = detr.JSONValue(f)
		}
		line["test_"+k] = v
	}
	line["epoch"] = epoch
	line["n_parameters"] = nParameters

	if r.Config.OutputDir != "" {
		if err := appendJSONLine(filepath.Join(r.Config.OutputDir, "log.txt"), line); err != nil {
			return err
		}
	}

	if r.Stats != nil {
		if err := r.Stats.AddEpochStats(r.runID, epoch, statsdb.PhaseTrain, trainStats); err != nil {
			return fmt.Errorf("Failed to save train stats: %w", err)
		}
		if err := r.Stats.AddEpochStats(r.runID, epoch, statsdb.PhaseTest, scalarStats(testStats)); err != nil {
			return fmt.Errorf("Failed to save test stats: %w", err)
		}
		for iouType, vec := range cocoVectors(testStats) {
			if err := r.Stats.AddEvalVector(r.runID, epoch, iouType, vec); err != nil {
				return fmt.Errorf("Failed to save %v eval vector: %w", iouType, err)
			}
		}
	}

	if err := r.saveEval(ctx, epoch, testStats, "latest.json"); err != nil {
		return err
	}
	if epoch%EvalArchiveEvery == 0 {
		return r.saveEval(ctx, epoch, testStats, fmt.Sprintf("%03d.json", epoch))
	}
	return nil
}

// EvalArtifact is the stored form of an evaluation
type EvalArtifact struct {
	Epoch     int                   `json:"epoch"`
	CocoEval  map[string]detr.Stats `json:"cocoEval"`
	Panoptic  *detr.PanopticSummary `json:"panoptic,omitempty"`
	CreatedAt time.Time             `json:"createdAt"`
}

func (r *Runner) saveEval(ctx context.Context, epoch int, stats *engine.EvalStats, name string) error {
	if r.Store == nil || !r.isMain() {
		return nil
	}
	a := &EvalArtifact{
		Epoch:     epoch,
		CocoEval:  cocoVectors(stats),
		CreatedAt: time.Now().UTC(),
	}
	if stats.PQAll != nil {
		a.Panoptic = &detr.PanopticSummary{All: *stats.PQAll, Things: *stats.PQTh, Stuff: *stats.PQSt}
	}
	if err := artifacts.WriteJSON(ctx, r.Store, "eval/"+name, a); err != nil {
		return fmt.Errorf("Failed to store evaluation: %w", err)
	}
	return nil
}

// The meter averages of an evaluation, plus panoptic quality flattened into PQ_all_pq etc
func scalarStats(s *engine.EvalStats) map[string]float64 {
	out := map[string]float64{}
	for k, v := range s.Meters {
		out[k] = v
	}
	add := func(prefix string, pq *detr.PQ) {
		if pq != nil {
			out[prefix+"_pq"] = pq.PQ
			out[prefix+"_sq"] = pq.SQ
			out[prefix+"_rq"] = pq.RQ
		}
	}
	add(engine.StatPQAll, s.PQAll)
	add(engine.StatPQThings, s.PQTh)
	add(engine.StatPQStuff, s.PQSt)
	return out
}

func cocoVectors(s *engine.EvalStats) map[string]detr.Stats {
	out := map[string]detr.Stats{}
	if s.CocoEvalBBox != nil {
		out[detr.IoUTypeBBox] = s.CocoEvalBBox
	}
	if s.CocoEvalMasks != nil {
		out[detr.IoUTypeSegm] = s.CocoEvalMasks
	}
	return out
}

func appendJSONLine(filename string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(filename, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("Failed to open %v: %w", filename, err)
	}
	_, err = f.Write(append(raw, '\n'))
	errClose := f.Close()
	if err != nil {
		return err
	}
	return errClose
}
