package engine

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/cyclopcam/detrain/pkg/detr"
	"github.com/cyclopcam/detrain/pkg/dist"
	"github.com/cyclopcam/detrain/pkg/metrics"
	"github.com/cyclopcam/detrain/pkg/optim"
)

// Meter names, in addition to the names of the loss terms
const (
	MeterLoss = "loss"
	MeterLR   = "lr"
)

// TrainOneEpoch trains the model on every batch of loader, in the order produced by the loader.
// Gradients are clipped to a global L2 norm of maxNorm, unless maxNorm is zero.
// Returns the global average of every meter over the epoch, across all workers.
// If the loss diverges, a *DivergenceError is returned before the optimizer touches the parameters.
func (e *Engine) TrainOneEpoch(ctx context.Context, model Model, criterion Criterion, loader detr.DataLoader, optimizer optim.Optimizer, epoch int, maxNorm float64) (map[string]float64, error) {
	model.SetMode(ModeTrain)
	criterion.SetMode(ModeTrain)
	weights := criterion.WeightDict()
	if err := weights.Validate(); err != nil {
		return nil, err
	}

	logger := metrics.NewMetricLogger(e.Log)
	logger.AddMeter(MeterLR, metrics.ValueMeterConfig(6))
	logger.AddMeter(detr.ClassError, metrics.ValueMeterConfig(2))
	header := fmt.Sprintf("Epoch: [%v]", epoch)

	if err := loader.Reset(); err != nil {
		return nil, err
	}
	batches := logger.LogEvery(loader, e.printFreq(), header)
	for iter := 0; ; iter++ {
		batch, err := batches.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		} else if err != nil {
			return nil, err
		}
		if err := e.trainStep(ctx, model, criterion, optimizer, weights, logger, batch, epoch, iter, maxNorm); err != nil {
			return nil, err
		}
	}

	if err := logger.SynchronizeBetweenProcesses(ctx, e.Group); err != nil {
		return nil, err
	}
	e.Log.Infof("Averaged stats: %v", logger)
	return logger.GlobalAverages(), nil
}

func (e *Engine) trainStep(ctx context.Context, model Model, criterion Criterion, optimizer optim.Optimizer, weights detr.WeightDict, logger *metrics.MetricLogger, batch *detr.Batch, epoch, iter int, maxNorm float64) error {
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
	objective := &WeightedLoss{
		Value:   WeightedSum(lossDict, weights),
		Terms:   lossDict,
		Weights: weights,
	}

	logged, err := e.reduceForLogging(ctx, lossDict, weights)
	if err != nil {
		return err
	}

	// The reduced value is identical on every worker, so all workers stop together
	if !detr.IsFinite(logged.total) || !detr.IsFinite(objective.Value) {
		loss := logged.total
		if detr.IsFinite(loss) {
			loss = objective.Value
		}
		e.Log.Errorf("Loss is %v, stopping training", loss)
		e.Log.Errorf("%v", logged.reduced)
		return &DivergenceError{
			Epoch:     epoch,
			Iteration: iter,
			Loss:      loss,
			Reduced:   logged.reduced,
		}
	}

	classError, err := logged.classError()
	if err != nil {
		return err
	}

	optimizer.ZeroGrad()
	if err := model.Backward(objective); err != nil {
		return err
	}
	if maxNorm > 0 {
		optim.ClipGradNorm(model.Parameters(), float32(maxNorm))
	}
	if err := optimizer.Step(); err != nil {
		return err
	}

	logger.Update(MeterLoss, logged.total)
	logger.UpdateDict(logged.scaled)
	logger.UpdateDict(logged.unscaled)
	logger.Update(detr.ClassError, classError)
	logger.Update(MeterLR, optimizer.ParamGroups()[0].LR)
	return nil
}

// Average the loss terms over all workers, and produce the scaled and unscaled views that get logged
func (e *Engine) reduceForLogging(ctx context.Context, lossDict detr.LossDict, weights detr.WeightDict) (*loggedLoss, error) {
	reduced, err := dist.ReduceDict(ctx, e.Group, lossDict, true)
	if err != nil {
		return nil, err
	}
	scaled := ScaledView(reduced, weights)
	return &loggedLoss{
		reduced:  reduced,
		scaled:   scaled,
		unscaled: UnscaledView(reduced),
		total:    scaled.Sum(),
	}, nil
}

func (e *Engine) printFreq() int {
	if e.PrintFreq <= 0 {
		return DefaultPrintFreq
	}
	return e.PrintFreq
}
