package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"

	"github.com/cyclopcam/detrain/pkg/detr"
	"github.com/cyclopcam/detrain/pkg/metrics"
)

// Keys of the evaluation statistics, in addition to the meter averages
const (
	StatCocoEvalBBox  = "coco_eval_bbox"
	StatCocoEvalMasks = "coco_eval_masks"
	StatPQAll         = "PQ_all"
	StatPQThings      = "PQ_th"
	StatPQStuff       = "PQ_st"
)

// Subdirectory of the output directory that receives panoptic PNGs
const PanopticEvalDir = "panoptic_eval"

var ErrNoEvaluators = errors.New("engine has no evaluator factory")

// EvalStats is the result of one evaluation pass.
// Fields that do not apply to the configured postprocessors are nil.
type EvalStats struct {
	Meters        map[string]float64
	CocoEvalBBox  detr.Stats
	CocoEvalMasks detr.Stats
	PQAll         *detr.PQ
	PQTh          *detr.PQ
	PQSt          *detr.PQ
}

// Map flattens the stats into a single dictionary, for logging
func (s *EvalStats) Map() map[string]any {
	m := map[string]any{}
	for k, v := range s.Meters {
		m[k] = v
	}
	if s.CocoEvalBBox != nil {
		m[StatCocoEvalBBox] = s.CocoEvalBBox
	}
	if s.CocoEvalMasks != nil {
		m[StatCocoEvalMasks] = s.CocoEvalMasks
	}
	if s.PQAll != nil {
		m[StatPQAll] = *s.PQAll
	}
	if s.PQTh != nil {
		m[StatPQThings] = *s.PQTh
	}
	if s.PQSt != nil {
		m[StatPQStuff] = *s.PQSt
	}
	return m
}

// Evaluate runs the model over every batch of loader without updating it, and scores
// the postprocessed predictions against base.
// Panoptic annotations are taken from loader if it is a PanopticDataset, otherwise from base.
// Panoptic PNGs are written under outputDir/panoptic_eval.
func (e *Engine) Evaluate(ctx context.Context, model Model, criterion Criterion, post PostProcessors, loader detr.DataLoader, base Dataset, outputDir string) (*EvalStats, CocoAccumulator, error) {
	if post.BBox == nil {
		return nil, nil, ErrNoBBoxPostProcessor
	}
	if e.Evaluators == nil {
		return nil, nil, ErrNoEvaluators
	}
	model.SetMode(ModeEval)
	criterion.SetMode(ModeEval)
	weights := criterion.WeightDict()
	if err := weights.Validate(); err != nil {
		return nil, nil, err
	}

	logger := metrics.NewMetricLogger(e.Log)
	logger.AddMeter(detr.ClassError, metrics.ValueMeterConfig(2))

	iouTypes := post.IoUTypes()
	coco, err := e.Evaluators.NewCocoEvaluator(base, iouTypes)
	if err != nil {
		return nil, nil, fmt.Errorf("Failed to create COCO evaluator: %w", err)
	}

	var panoptic PanopticAccumulator
	if post.Panoptic != nil {
		src := panopticSource(loader, base)
		if src == nil {
			return nil, nil, ErrNoPanopticSource
		}
		panoptic, err = e.Evaluators.NewPanopticEvaluator(src.AnnFile(), src.AnnFolder(), filepath.Join(outputDir, PanopticEvalDir))
		if err != nil {
			return nil, nil, fmt.Errorf("Failed to create panoptic evaluator: %w", err)
		}
	}

	if err := loader.Reset(); err != nil {
		return nil, nil, err
	}
	batches := logger.LogEvery(loader, e.printFreq(), "Test:")
	for {
		batch, err := batches.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		} else if err != nil {
			return nil, nil, err
		}
		if err := e.evalStep(ctx, model, criterion, &post, weights, logger, coco, panoptic, batch); err != nil {
			return nil, nil, err
		}
	}

	if err := logger.SynchronizeBetweenProcesses(ctx, e.Group); err != nil {
		return nil, nil, err
	}
	e.Log.Infof("Averaged stats: %v", logger)

	if err := coco.Synchronize(ctx, e.Group); err != nil {
		return nil, nil, fmt.Errorf("Failed to synchronize COCO evaluator: %w", err)
	}
	if panoptic != nil {
		if err := panoptic.Synchronize(ctx, e.Group); err != nil {
			return nil, nil, fmt.Errorf("Failed to synchronize panoptic evaluator: %w", err)
		}
	}

	if err := coco.Accumulate(); err != nil {
		return nil, nil, err
	}
	if err := coco.Summarize(); err != nil {
		return nil, nil, err
	}

	stats := &EvalStats{
		Meters: logger.GlobalAverages(),
	}
	if post.BBox != nil {
		stats.CocoEvalBBox = detr.Stats(coco.Stats(detr.IoUTypeBBox))
	}
	if post.Segm != nil {
		stats.CocoEvalMasks = detr.Stats(coco.Stats(detr.IoUTypeSegm))
	}
	if panoptic != nil {
		summary, err := panoptic.Summarize()
		if err != nil {
			return nil, nil, err
		}
		stats.PQAll = &summary.All
		stats.PQTh = &summary.Things
		stats.PQSt = &summary.Stuff
	}
	return stats, coco, nil
}

func (e *Engine) evalStep(ctx context.Context, model Model, criterion Criterion, post *PostProcessors, weights detr.WeightDict, logger *metrics.MetricLogger, coco CocoAccumulator, panoptic PanopticAccumulator, batch *detr.Batch) error {
	batch, err := batch.To(e.Device)
	if err != nil {
		return err
	}
	outputs, err := model.Forward(ctx, batch.Samples)
	if err != nil {
		return err
	}
	lossDict, err := criterion.Loss(outputs, batch.Targets)
	if err != nil {
		return err
	}
	logged, err := e.reduceForLogging(ctx, lossDict, weights)
	if err != nil {
		return err
	}
	classError, err := logged.classError()
	if err != nil {
		return err
	}
	logger.Update(MeterLoss, logged.total)
	logger.UpdateDict(logged.scaled)
	logger.UpdateDict(logged.unscaled)
	logger.Update(detr.ClassError, classError)

	origSizes := detr.OrigSizes(batch.Targets)
	sizes := detr.Sizes(batch.Targets)
	results, err := post.BBox.Process(outputs, origSizes)
	if err != nil {
		return fmt.Errorf("Failed to postprocess boxes: %w", err)
	}
	if post.Segm != nil {
		results, err = post.Segm.Process(results, outputs, origSizes, sizes)
		if err != nil {
			return fmt.Errorf("Failed to postprocess masks: %w", err)
		}
	}
	if len(results) != len(batch.Targets) {
		return fmt.Errorf("Postprocessor produced %v results for %v targets", len(results), len(batch.Targets))
	}
	byImage := make(map[int64]*detr.Result, len(results))
	for i, t := range batch.Targets {
		byImage[t.ImageID] = results[i]
	}
	if err := coco.Update(byImage); err != nil {
		return err
	}

	if post.Panoptic != nil {
		pan, err := post.Panoptic.Process(outputs, sizes, origSizes)
		if err != nil {
			return fmt.Errorf("Failed to postprocess panoptic: %w", err)
		}
		if len(pan) != len(batch.Targets) {
			return fmt.Errorf("Panoptic postprocessor produced %v results for %v targets", len(pan), len(batch.Targets))
		}
		for i, t := range batch.Targets {
			pan[i].ImageID = t.ImageID
			pan[i].FileName = detr.PanopticFileName(t.ImageID)
		}
		if err := panoptic.Update(pan); err != nil {
			return err
		}
	}
	return nil
}

func panopticSource(loader detr.DataLoader, base Dataset) PanopticDataset {
	if p, ok := loader.(PanopticDataset); ok {
		return p
	}
	if p, ok := base.(PanopticDataset); ok {
		return p
	}
	return nil
}
