package runner

import (
	"bufio"
	"context"
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/cyclopcam/detrain/pkg/artifacts"
	"github.com/cyclopcam/detrain/pkg/config"
	"github.com/cyclopcam/detrain/pkg/detr"
	"github.com/cyclopcam/detrain/pkg/dist"
	"github.com/cyclopcam/detrain/pkg/engine"
	"github.com/cyclopcam/detrain/pkg/optim"
	"github.com/cyclopcam/detrain/pkg/statsdb"
	"github.com/cyclopcam/detrain/pkg/tensor"
	"github.com/cyclopcam/logs"
	"github.com/stretchr/testify/require"
)

type model struct {
	params    []*optim.Parameter
	backwards int
}

func newModel() *model {
	return &model{
		params: []*optim.Parameter{
			optim.NewParameter("transformer.w", []float32{0, 0}),
			optim.NewParameter("backbone.b", []float32{0}),
		},
	}
}

func (m *model) SetMode(mode engine.Mode) {}

func (m *model) Forward(ctx context.Context, samples *detr.NestedTensor) (*detr.Outputs, error) {
	b := samples.BatchSize()
	return &detr.Outputs{PredLogits: tensor.New(b, 2, 3), PredBoxes: tensor.New(b, 2, 4)}, nil
}

func (m *model) Backward(loss *engine.WeightedLoss) error {
	m.backwards++
	for _, p := range m.params {
		for i := range p.Grad {
			p.Grad[i] += 1
		}
	}
	return nil
}

func (m *model) Parameters() []*optim.Parameter {
	return m.params
}

type criterion struct {
	loss       float64
	classError float64
}

func (c *criterion) SetMode(mode engine.Mode) {}

func (c *criterion) WeightDict() detr.WeightDict {
	return detr.WeightDict{detr.LossCE: 1}
}

func (c *criterion) Loss(outputs *detr.Outputs, targets []*detr.Target) (detr.LossDict, error) {
	return detr.NewLossDict(detr.LossCE, c.loss, detr.ClassError, c.classError), nil
}

type coco struct{}

func (coco) Update(results map[int64]*detr.Result) error {
	return nil
}

func (coco) Synchronize(ctx context.Context, pg dist.ProcessGroup) error {
	return nil
}

func (coco) Accumulate() error {
	return nil
}

func (coco) Summarize() error {
	return nil
}

func (coco) Stats(iouType string) []float64 {
	return make([]float64, 12)
}

type factory struct{}

func (factory) NewCocoEvaluator(base engine.Dataset, iouTypes []string) (engine.CocoAccumulator, error) {
	return coco{}, nil
}

func (factory) NewPanopticEvaluator(annFile, annFolder, outputDir string) (engine.PanopticAccumulator, error) {
	panic("not configured")
}

type bbox struct{}

func (bbox) Process(outputs *detr.Outputs, origSizes [][2]int) ([]*detr.Result, error) {
	out := make([]*detr.Result, len(origSizes))
	for i := range out {
		out[i] = &detr.Result{Size: origSizes[i]}
	}
	return out, nil
}

type dataset struct{}

func (dataset) Name() string {
	return "val"
}

func makeBatch(id int64) *detr.Batch {
	return &detr.Batch{
		Samples: &detr.NestedTensor{Tensors: tensor.New(1, 3, 2, 2), Mask: tensor.New(1, 2, 2)},
		Targets: []*detr.Target{{
			Boxes:    tensor.New(0, 4),
			ImageID:  id,
			OrigSize: [2]int{2, 2},
			Size:     [2]int{2, 2},
		}},
	}
}

type fixture struct {
	cfg    *config.Config
	stats  *statsdb.StatsDB
	store  *artifacts.FS
	runner *Runner
}

func setup(t *testing.T, cfg *config.Config) *fixture {
	t.Helper()
	log := logs.NewTestingLog(t)
	dir := t.TempDir()
	if cfg.OutputDir == "" {
		cfg.OutputDir = dir
	}
	stats, err := statsdb.Open(log, filepath.Join(dir, "stats.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { stats.Close() })
	store, err := artifacts.NewFS(log, filepath.Join(dir, "artifacts"))
	require.NoError(t, err)
	eng := engine.NewEngine(log, nil, nil, factory{})
	return &fixture{
		cfg:    cfg,
		stats:  stats,
		store:  store,
		runner: NewRunner(log, cfg, eng, stats, store),
	}
}

func components(m *model, loss float64) *Components {
	return &Components{
		Model:          m,
		Criterion:      &criterion{loss: loss, classError: 25},
		PostProcessors: engine.PostProcessors{BBox: bbox{}},
		TrainLoader:    detr.NewSliceLoader(makeBatch(1), makeBatch(2)),
		ValLoader:      detr.NewSliceLoader(makeBatch(3)),
		Base:           dataset{},
	}
}

func readLogLines(t *testing.T, filename string) []map[string]any {
	f, err := os.Open(filename)
	require.NoError(t, err)
	defer f.Close()
	lines := []map[string]any{}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := map[string]any{}
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &line))
		lines = append(lines, line)
	}
	return lines
}

func TestCheckpointNames(t *testing.T) {
	require.Equal(t, []string{"checkpoint.json"}, checkpointNames(5, 200, 100))
	require.Equal(t, []string{"checkpoint.json", "checkpoint0199.json"}, checkpointNames(199, 200, 100))
	require.Equal(t, []string{"checkpoint.json", "checkpoint0099.json"}, checkpointNames(99, 200, 100))
	require.Equal(t, []string{"checkpoint.json"}, checkpointNames(99, 200, 0))
}

func TestBuildOptimizer(t *testing.T) {
	cfg := config.Default()
	opt := BuildOptimizer(cfg, newModel().Parameters())
	groups := opt.ParamGroups()
	require.Len(t, groups, 2)
	require.Equal(t, cfg.LR, groups[0].LR)
	require.Equal(t, "transformer.w", groups[0].Params[0].Name)
	require.Equal(t, cfg.LRBackbone, groups[1].LR)
	require.IsType(t, &optim.AdamW{}, opt)

	cfg.Optimizer = config.OptimizerSGD
	require.IsType(t, &optim.SGD{}, BuildOptimizer(cfg, newModel().Parameters()))
}

func TestRun(t *testing.T) {
	cfg := config.Default()
	cfg.Epochs = 2
	cfg.LRDrop = 1
	cfg.RunName = "unit"
	f := setup(t, cfg)
	m := newModel()
	require.NoError(t, f.runner.Run(context.Background(), components(m, 2)))
	require.Equal(t, 4, m.backwards)

	lines := readLogLines(t, filepath.Join(cfg.OutputDir, "log.txt"))
	require.Len(t, lines, 2)
	require.Equal(t, 1.0, lines[1]["epoch"])
	require.Equal(t, 3.0, lines[0]["n_parameters"])
	require.Equal(t, 2.0, lines[0]["train_loss"])
	require.Equal(t, 2.0, lines[0]["test_loss"])
	require.Equal(t, 25.0, lines[0]["test_class_error"])
	require.Len(t, lines[0]["test_coco_eval_bbox"], 12)
	require.InDelta(t, 1e-4, lines[0]["train_lr"], 1e-12)
	require.InDelta(t, 1e-5, lines[1]["train_lr"], 1e-12)

	for _, name := range []string{"checkpoint.json", "checkpoint0000.json", "checkpoint0001.json"} {
		_, err := os.Stat(filepath.Join(cfg.OutputDir, name))
		require.NoError(t, err, name)
	}

	ev := EvalArtifact{}
	require.NoError(t, artifacts.ReadJSON(context.Background(), f.store, "eval/latest.json", &ev))
	require.Equal(t, 1, ev.Epoch)
	require.Len(t, ev.CocoEval[detr.IoUTypeBBox], 12)
	require.NoError(t, artifacts.ReadJSON(context.Background(), f.store, "eval/000.json", &ev))
	require.Equal(t, 0, ev.Epoch)

	run, err := f.stats.RunByName("unit")
	require.NoError(t, err)
	best, err := f.stats.Best(run.ID, statsdb.PhaseTest, "loss", false)
	require.NoError(t, err)
	require.Equal(t, 2.0, best.Value)
	vecs, err := f.stats.EvalVectors(run.ID, detr.IoUTypeBBox)
	require.NoError(t, err)
	require.Len(t, vecs, 2)
}

func TestResume(t *testing.T) {
	cfg := config.Default()
	cfg.Epochs = 1
	first := setup(t, cfg)
	m := newModel()
	require.NoError(t, first.runner.Run(context.Background(), components(m, 1)))
	trained := append([]float32(nil), m.params[0].Data...)

	cfg2 := config.Default()
	cfg2.Epochs = 2
	cfg2.Resume = filepath.Join(cfg.OutputDir, "checkpoint.json")
	second := setup(t, cfg2)
	m2 := newModel()
	c := components(m2, 1)
	require.NoError(t, second.runner.Run(context.Background(), c))
	// Only epoch 1 was trained, starting from the weights of epoch 0
	require.Equal(t, 2, m2.backwards)
	require.NotEqual(t, trained, m2.params[0].Data)
	lines := readLogLines(t, filepath.Join(cfg2.OutputDir, "log.txt"))
	require.Len(t, lines, 1)
	require.Equal(t, 1.0, lines[0]["epoch"])

	ckpt, err := LoadCheckpoint(cfg2.Resume)
	require.NoError(t, err)
	bad := newModel()
	bad.params[0].Data = []float32{0}
	require.ErrorIs(t, ckpt.LoadInto(bad.Parameters()), ErrCheckpointMismatch)
}

func TestRunDiverges(t *testing.T) {
	cfg := config.Default()
	cfg.Epochs = 3
	f := setup(t, cfg)
	m := newModel()
	err := f.runner.Run(context.Background(), components(m, math.Inf(1)))
	require.ErrorIs(t, err, engine.ErrDiverged)
	require.Equal(t, 0, m.backwards)
	_, err = os.Stat(filepath.Join(cfg.OutputDir, "checkpoint.json"))
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestRunRecordsNonFiniteStats(t *testing.T) {
	cfg := config.Default()
	cfg.Epochs = 1
	cfg.RunName = "inf"
	f := setup(t, cfg)
	c := components(newModel(), 1)
	// class_error has no weight, so an infinite value does not stop training
	c.Criterion = &criterion{loss: 1, classError: math.Inf(1)}
	require.NoError(t, f.runner.Run(context.Background(), c))

	lines := readLogLines(t, filepath.Join(cfg.OutputDir, "log.txt"))
	require.Len(t, lines, 1)
	require.Contains(t, lines[0], "train_class_error")
	require.Nil(t, lines[0]["train_class_error"])
	require.Nil(t, lines[0]["test_class_error"])
	require.Equal(t, 1.0, lines[0]["train_loss"])

	run, err := f.stats.RunByName("inf")
	require.NoError(t, err)
	_, err = f.stats.Best(run.ID, statsdb.PhaseTest, "loss", false)
	require.NoError(t, err)
}

func TestEvalArtifactNonFinite(t *testing.T) {
	cfg := config.Default()
	f := setup(t, cfg)
	nan := math.NaN()
	stats := &engine.EvalStats{
		CocoEvalBBox: detr.Stats{0.5, nan},
		PQAll:        &detr.PQ{PQ: 40, SQ: 80, RQ: 50, N: 3},
		PQTh:         &detr.PQ{PQ: nan, SQ: nan, RQ: nan},
		PQSt:         &detr.PQ{PQ: 10, SQ: 20, RQ: 30, N: 1},
	}
	require.NoError(t, f.runner.saveEval(context.Background(), 7, stats, "latest.json"))
	ev := EvalArtifact{}
	require.NoError(t, artifacts.ReadJSON(context.Background(), f.store, "eval/latest.json", &ev))
	require.Equal(t, 7, ev.Epoch)
	require.Equal(t, 0.5, ev.CocoEval[detr.IoUTypeBBox][0])
	require.True(t, math.IsNaN(ev.CocoEval[detr.IoUTypeBBox][1]))
	require.Equal(t, 40.0, ev.Panoptic.All.PQ)
	require.True(t, math.IsNaN(ev.Panoptic.Things.SQ))
}

func TestEvalOnly(t *testing.T) {
	cfg := config.Default()
	cfg.EvalOnly = true
	f := setup(t, cfg)
	m := newModel()
	require.NoError(t, f.runner.Run(context.Background(), components(m, 1)))
	require.Equal(t, 0, m.backwards)
	ev := EvalArtifact{}
	require.NoError(t, artifacts.ReadJSON(context.Background(), f.store, "eval/eval.json", &ev))
	require.Len(t, ev.CocoEval[detr.IoUTypeBBox], 12)
}

func TestSetup(t *testing.T) {
	log := logs.NewTestingLog(t)
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Epochs = 1
	cfg.OutputDir = dir
	cfg.StatsDB = filepath.Join(dir, "stats.sqlite")
	r, err := Setup(context.Background(), log, cfg, nil, factory{})
	require.NoError(t, err)
	require.NotNil(t, r.Stats)
	require.IsType(t, &artifacts.FS{}, r.Store)
	require.Equal(t, dist.Local{}, r.Engine.Group)
	require.Equal(t, cfg.PrintFreq, r.Engine.PrintFreq)
	require.NoError(t, r.Run(context.Background(), components(newModel(), 1)))
	runs, err := r.Stats.ListRuns()
	require.NoError(t, err)
	require.Len(t, runs, 1)
	require.NoError(t, r.Close())

	// No coordinator is listening
	cfg2 := config.Default()
	cfg2.StatsDB = filepath.Join(dir, "other.sqlite")
	cfg2.Distributed = config.Distributed{WorldSize: 2, Rank: 1, CoordinatorURL: "http://127.0.0.1:1"}
	_, err = Setup(context.Background(), log, cfg2, nil, factory{})
	require.Error(t, err)

	cfg3 := config.Default()
	cfg3.Optimizer = "rmsprop"
	_, err = Setup(context.Background(), log, cfg3, nil, factory{})
	require.ErrorIs(t, err, config.ErrInvalidConfig)
}
