package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/cyclopcam/detrain/pkg/detr"
	"github.com/cyclopcam/detrain/pkg/dist"
	"github.com/cyclopcam/detrain/pkg/optim"
	"github.com/cyclopcam/detrain/pkg/tensor"
	"github.com/cyclopcam/logs"
)

// Package engine contains the per-epoch training loop and the evaluation loop.
// The model, criterion, data and metric accumulators are collaborators, reached through
// the interfaces in this file.

// Default number of batches between progress lines
const DefaultPrintFreq = 10

var ErrDiverged = errors.New("loss is not finite")
var ErrNoBBoxPostProcessor = errors.New("evaluation requires a bbox postprocessor")
var ErrNoPanopticSource = errors.New("panoptic evaluation requires a dataset with panoptic annotations")
var ErrNoClassError = errors.New("criterion did not report class_error")

// Mode switches the behaviour of layers such as dropout and batchnorm
type Mode int

const (
	ModeTrain Mode = iota
	ModeEval       // Also disables gradient recording
)

func (m Mode) String() string {
	if m == ModeTrain {
		return "train"
	}
	return "eval"
}

// Model maps a batch of images to raw predictions
type Model interface {
	SetMode(mode Mode)
	Forward(ctx context.Context, samples *detr.NestedTensor) (*detr.Outputs, error)

	// Backward accumulates into Parameters().Grad the gradient of loss, with respect to
	// the most recent Forward.
	Backward(loss *WeightedLoss) error

	Parameters() []*optim.Parameter
}

// Criterion computes the named loss terms of a prediction against its targets
type Criterion interface {
	SetMode(mode Mode)
	WeightDict() detr.WeightDict
	Loss(outputs *detr.Outputs, targets []*detr.Target) (detr.LossDict, error)
}

// WeightedLoss is the optimized objective: the weighted sum of the weighted loss terms
type WeightedLoss struct {
	Value   float64
	Terms   detr.LossDict
	Weights detr.WeightDict
}

// Coefficient is the factor by which term k contributes to Value (0 if it is not weighted)
func (w *WeightedLoss) Coefficient(k string) float64 {
	if !w.Terms.Has(k) {
		return 0
	}
	return w.Weights[k]
}

// BBoxPostProcessor converts raw outputs into per-image detections, in pixels of the original image size
type BBoxPostProcessor interface {
	Process(outputs *detr.Outputs, origSizes [][2]int) ([]*detr.Result, error)
}

// SegmPostProcessor adds instance masks to the results of a BBoxPostProcessor
type SegmPostProcessor interface {
	Process(results []*detr.Result, outputs *detr.Outputs, origSizes, sizes [][2]int) ([]*detr.Result, error)
}

// PanopticPostProcessor converts raw outputs into panoptic segmentations
type PanopticPostProcessor interface {
	Process(outputs *detr.Outputs, sizes, origSizes [][2]int) ([]*detr.PanopticResult, error)
}

// PostProcessors is the set of result kinds that evaluation produces.
// BBox is required. Segm and Panoptic are optional.
// Which fields are set must be the same on every worker, because it decides
// which collectives the evaluation performs.
type PostProcessors struct {
	BBox     BBoxPostProcessor
	Segm     SegmPostProcessor
	Panoptic PanopticPostProcessor
}

// IoUTypes are the COCO evaluation types implied by the postprocessors, in the order segm, bbox
func (p *PostProcessors) IoUTypes() []string {
	types := []string{}
	if p.Segm != nil {
		types = append(types, detr.IoUTypeSegm)
	}
	if p.BBox != nil {
		types = append(types, detr.IoUTypeBBox)
	}
	return types
}

// Dataset is the ground truth that the COCO accumulator scores against
type Dataset interface {
	Name() string
}

// PanopticDataset is a dataset with panoptic annotations (a JSON file and a folder of PNGs)
type PanopticDataset interface {
	AnnFile() string
	AnnFolder() string
}

// CocoAccumulator collects detection results and computes COCO metrics
type CocoAccumulator interface {
	Update(results map[int64]*detr.Result) error
	Synchronize(ctx context.Context, pg dist.ProcessGroup) error
	Accumulate() error
	Summarize() error

	// Stats is the summary vector of an IoU type (12 values for COCO), after Summarize
	Stats(iouType string) []float64
}

// PanopticAccumulator collects panoptic results and computes panoptic quality
type PanopticAccumulator interface {
	Update(results []*detr.PanopticResult) error
	Synchronize(ctx context.Context, pg dist.ProcessGroup) error
	Summarize() (*detr.PanopticSummary, error)
}

// EvaluatorFactory creates the accumulators for one evaluation pass
type EvaluatorFactory interface {
	NewCocoEvaluator(base Dataset, iouTypes []string) (CocoAccumulator, error)
	NewPanopticEvaluator(annFile, annFolder, outputDir string) (PanopticAccumulator, error)
}

// DivergenceError is returned when the loss becomes NaN or infinite.
// Training must not continue after this.
type DivergenceError struct {
	Epoch     int
	Iteration int
	Loss      float64
	Reduced   detr.LossDict // The reduced loss terms of the offending batch
}

func (e *DivergenceError) Error() string {
	return fmt.Sprintf("Loss is %v at epoch %v iteration %v, stopping training", e.Loss, e.Epoch, e.Iteration)
}

func (e *DivergenceError) Is(target error) bool {
	return target == ErrDiverged
}

// Engine runs training epochs and evaluation passes on one worker
type Engine struct {
	Log        logs.Log
	Device     tensor.Device
	Group      dist.ProcessGroup
	Evaluators EvaluatorFactory
	PrintFreq  int
}

// NewEngine creates an engine. A nil device means the CPU, and a nil group means a single worker.
func NewEngine(log logs.Log, device tensor.Device, group dist.ProcessGroup, evaluators EvaluatorFactory) *Engine {
	if device == nil {
		device = tensor.CPU
	}
	if group == nil {
		group = dist.Local{}
	}
	return &Engine{
		Log:        log,
		Device:     device,
		Group:      group,
		Evaluators: evaluators,
		PrintFreq:  DefaultPrintFreq,
	}
}
