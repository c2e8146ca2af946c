package detr

import (
	"errors"
	"fmt"

	"github.com/cyclopcam/detrain/pkg/tensor"
)

// Package detr holds the data that flows between the training loop and its collaborators:
// batches, per-image targets, raw model outputs, loss terms and post-processed results.

var ErrInvalidTarget = errors.New("invalid target")

// NestedTensor is a padded batch of images, plus a mask that is true on padding pixels
type NestedTensor struct {
	Tensors *tensor.Tensor `json:"tensors"` // [B, C, H, W]
	Mask    *tensor.Tensor `json:"mask"`    // [B, H, W], 1 = padding
}

func (n *NestedTensor) BatchSize() int {
	return n.Tensors.Dim(0)
}

// To moves the images and mask onto dev
func (n *NestedTensor) To(dev tensor.Device) (*NestedTensor, error) {
	imgs, err := n.Tensors.To(dev)
	if err != nil {
		return nil, fmt.Errorf("Failed to transfer images to %v: %w", dev.Name(), err)
	}
	mask, err := n.Mask.To(dev)
	if err != nil {
		return nil, fmt.Errorf("Failed to transfer mask to %v: %w", dev.Name(), err)
	}
	return &NestedTensor{Tensors: imgs, Mask: mask}, nil
}

// Target is the ground truth annotation of a single image.
// Boxes are normalized to [0,1]. COCO boxes are [cx, cy, w, h]. The corner dialect
// uses 8 values per box: bottom-left, top-left, top-right, bottom-right (x,y pairs).
type Target struct {
	Boxes    *tensor.Tensor `json:"boxes"`     // [N, 4] or [N, 8]
	Labels   []int64        `json:"labels"`    // [N]
	ImageID  int64          `json:"image_id"`
	Area     *tensor.Tensor `json:"area"`      // [N]
	IsCrowd  []bool         `json:"iscrowd"`   // [N]
	OrigSize [2]int         `json:"orig_size"` // Height, Width of the original image
	Size     [2]int         `json:"size"`      // Height, Width after resize (before padding)
}

// NumBoxes returns the number of annotated objects
func (t *Target) NumBoxes() int {
	return len(t.Labels)
}

// BoxDim is 4 or 8, depending on the dataset dialect
func (t *Target) BoxDim() int {
	return t.Boxes.Dim(1)
}

// Validate checks that all per-box fields have the same length
func (t *Target) Validate() error {
	n := len(t.Labels)
	if t.Boxes == nil || t.Boxes.NumDims() != 2 {
		return fmt.Errorf("%w: image %v: boxes must be 2 dimensional", ErrInvalidTarget, t.ImageID)
	}
	if d := t.Boxes.Dim(1); d != 4 && d != 8 && n != 0 {
		return fmt.Errorf("%w: image %v: box dimension %v is neither 4 nor 8", ErrInvalidTarget, t.ImageID, d)
	}
	if t.Boxes.Dim(0) != n {
		return fmt.Errorf("%w: image %v: %v boxes but %v labels", ErrInvalidTarget, t.ImageID, t.Boxes.Dim(0), n)
	}
	if t.Area != nil && t.Area.Len() != n {
		return fmt.Errorf("%w: image %v: %v areas but %v labels", ErrInvalidTarget, t.ImageID, t.Area.Len(), n)
	}
	if t.IsCrowd != nil && len(t.IsCrowd) != n {
		return fmt.Errorf("%w: image %v: %v crowd flags but %v labels", ErrInvalidTarget, t.ImageID, len(t.IsCrowd), n)
	}
	return nil
}

// To returns a copy of the target with its tensors moved onto dev
func (t *Target) To(dev tensor.Device) (*Target, error) {
	c := *t
	var err error
	if c.Boxes, err = t.Boxes.To(dev); err != nil {
		return nil, err
	}
	if c.Area, err = t.Area.To(dev); err != nil {
		return nil, err
	}
	return &c, nil
}

// Batch is one item produced by a data loader
type Batch struct {
	Samples *NestedTensor `json:"samples"`
	Targets []*Target     `json:"targets"`
}

// To moves the samples and every target onto dev, validating the targets along the way
func (b *Batch) To(dev tensor.Device) (*Batch, error) {
	if b.Samples != nil && b.Samples.BatchSize() != len(b.Targets) {
		return nil, fmt.Errorf("%w: batch has %v images but %v targets", tensor.ErrShapeMismatch, b.Samples.BatchSize(), len(b.Targets))
	}
	out := &Batch{
		Targets: make([]*Target, len(b.Targets)),
	}
	if b.Samples != nil {
		s, err := b.Samples.To(dev)
		if err != nil {
			return nil, err
		}
		out.Samples = s
	}
	for i, t := range b.Targets {
		if err := t.Validate(); err != nil {
			return nil, err
		}
		moved, err := t.To(dev)
		if err != nil {
			return nil, fmt.Errorf("Failed to transfer target %v to %v: %w", t.ImageID, dev.Name(), err)
		}
		out.Targets[i] = moved
	}
	return out, nil
}

// OrigSizes returns the original (height, width) of every target
func OrigSizes(targets []*Target) [][2]int {
	s := make([][2]int, len(targets))
	for i, t := range targets {
		s[i] = t.OrigSize
	}
	return s
}

// Sizes returns the resized (height, width) of every target
func Sizes(targets []*Target) [][2]int {
	s := make([][2]int, len(targets))
	for i, t := range targets {
		s[i] = t.Size
	}
	return s
}

// AuxOutput is the prediction of one intermediate decoder layer
type AuxOutput struct {
	PredLogits *tensor.Tensor `json:"pred_logits"`
	PredBoxes  *tensor.Tensor `json:"pred_boxes"`
}

// Outputs is the raw prediction of the model for a batch
type Outputs struct {
	PredLogits *tensor.Tensor `json:"pred_logits"` // [B, NumQueries, NumClasses]
	PredBoxes  *tensor.Tensor `json:"pred_boxes"`  // [B, NumQueries, BoxDim]
	Aux        []AuxOutput    `json:"aux_outputs"` // One per decoder layer, excluding the last
}

func (o *Outputs) BatchSize() int {
	return o.PredLogits.Dim(0)
}

func (o *Outputs) NumQueries() int {
	return o.PredLogits.Dim(1)
}
