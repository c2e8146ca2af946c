package viz

import (
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/color"
	"os"

	"github.com/cyclopcam/detrain/pkg/detr"
	"github.com/cyclopcam/detrain/pkg/tensor"
)

// Package viz renders batches, ground truth and predictions to images, for a developer
// to inspect. Nothing here modifies its inputs.

var ErrBadImage = errors.New("image tensor must be [3, H, W] or [1, H, W]")

// Out-of-range corner coordinates are replaced with this before plotting
const ClampValue = 0.99

var (
	Blue   = color.RGBA{0x1f, 0x77, 0xb4, 0xff}
	Red    = color.RGBA{0xd6, 0x27, 0x28, 0xff}
	Orange = color.RGBA{0xff, 0x7f, 0x0e, 0xff}
	Green  = color.RGBA{0x2c, 0xa0, 0x2c, 0xff}
	Yellow = color.RGBA{0xff, 0xd7, 0x00, 0xff}
	White  = color.RGBA{0xff, 0xff, 0xff, 0xff}
)

// Palette for corner-dialect plots. At most len(Palette) entities are drawn per image.
var Palette = []color.RGBA{Blue, Red, Orange, Green, Yellow}

// Palette for COCO plots
var CocoPalette = []color.RGBA{Blue, Red, Green, Yellow, Orange, White}

// Sample is a stored batch, as consumed by the plot command
type Sample struct {
	Samples *detr.NestedTensor `json:"samples"`
	Targets []*detr.Target     `json:"targets"`
	Outputs *detr.Outputs      `json:"outputs,omitempty"`
}

func LoadSample(filename string) (*Sample, error) {
	raw, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("Error loading %v: %w", filename, err)
	}
	s := &Sample{}
	if err := json.Unmarshal(raw, s); err != nil {
		return nil, fmt.Errorf("Error loading as JSON %v: %w", filename, err)
	}
	if s.Samples == nil || s.Samples.Tensors == nil {
		return nil, fmt.Errorf("%v has no images", filename)
	}
	return s, nil
}

// ClampCorners returns a copy of coords where every value outside (0,1) is replaced with ClampValue
func ClampCorners(coords []float32) []float32 {
	out := make([]float32, len(coords))
	for i, v := range coords {
		if v >= 1 || v <= 0 {
			v = ClampValue
		}
		out[i] = v
	}
	return out
}

// toImage converts a [C, H, W] tensor to an image. If normalize is true, values are
// min-max scaled to [0,1] first. Values are then clipped to [0,1].
func toImage(t *tensor.Tensor, normalize bool) (*image.RGBA, error) {
	if t.NumDims() != 3 || (t.Dim(0) != 3 && t.Dim(0) != 1) {
		return nil, fmt.Errorf("%w: got %v", ErrBadImage, t.Shape)
	}
	c, h, w := t.Dim(0), t.Dim(1), t.Dim(2)
	lo, scale := float32(0), float32(1)
	if normalize {
		mn, mx := t.MinMax()
		lo = mn
		if mx > mn {
			scale = 1 / (mx - mn)
		}
	}
	toByte := func(v float32) uint8 {
		v = (v - lo) * scale
		v = min(max(v, 0), 1)
		return uint8(v*255 + 0.5)
	}
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	plane := h * w
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			i := y*w + x
			r := toByte(t.Data[i])
			g, b := r, r
			if c == 3 {
				g = toByte(t.Data[plane+i])
				b = toByte(t.Data[2*plane+i])
			}
			img.SetRGBA(x, y, color.RGBA{r, g, b, 0xff})
		}
	}
	return img, nil
}
