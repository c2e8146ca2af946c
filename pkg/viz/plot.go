package viz

import (
	"fmt"
	"image"
	"image/color"

	"github.com/cyclopcam/detrain/pkg/detr"
	"github.com/cyclopcam/detrain/pkg/tensor"
	"github.com/fogleman/gg"
)

const markerRadius = 3

func imageAt(samples *detr.NestedTensor, i int) (*tensor.Tensor, error) {
	if samples == nil || samples.Tensors == nil || i < 0 || i >= samples.BatchSize() {
		return nil, fmt.Errorf("Sample %v is out of range", i)
	}
	return samples.Tensors.Sub(i), nil
}

func drawDot(dc *gg.Context, x, y float64, c color.Color) {
	dc.SetColor(c)
	dc.DrawCircle(x, y, markerRadius)
	dc.Fill()
}

func drawPlus(dc *gg.Context, x, y float64, c color.Color) {
	dc.SetColor(c)
	dc.SetLineWidth(1.5)
	dc.DrawLine(x-markerRadius-1, y, x+markerRadius+1, y)
	dc.DrawLine(x, y-markerRadius-1, x, y+markerRadius+1)
	dc.Stroke()
}

// Draw the four corners of an 8-value box (bl, tl, tr, br as x,y pairs) in pixels of a w x h image
func drawCorners(dc *gg.Context, coords []float32, w, h float64, c color.Color) {
	for k := 0; k+1 < len(coords) && k < 8; k += 2 {
		drawDot(dc, float64(coords[k])*w, float64(coords[k+1])*h, c)
	}
}

// PlotTargets draws the ground truth corners of sample i over its image.
// If clamp is true, coordinates outside (0,1) are drawn at ClampValue.
func PlotTargets(samples *detr.NestedTensor, targets []*detr.Target, i int, clamp bool) (image.Image, error) {
	img, err := imageAt(samples, i)
	if err != nil {
		return nil, err
	}
	if i >= len(targets) {
		return nil, fmt.Errorf("Target %v is out of range", i)
	}
	rgb, err := toImage(img, false)
	if err != nil {
		return nil, err
	}
	h, w := float64(img.Dim(1)), float64(img.Dim(2))
	dc := gg.NewContextForRGBA(rgb)
	boxes := targets[i].Boxes
	for b := 0; b < boxes.Len() && b < len(Palette); b++ {
		coords := boxes.Row(b)
		if clamp {
			coords = ClampCorners(coords)
		}
		drawCorners(dc, coords, w, h, Palette[b])
	}
	return dc.Image(), nil
}

// PlotPrediction draws the predicted corners of every image in the batch.
// Only the first len(Palette) queries of each image are considered, and queries whose
// most likely class is noObjectClass are skipped.
// Returns one image per batch element, and the number of predictions drawn on each.
func PlotPrediction(samples *detr.NestedTensor, outputs *detr.Outputs, noObjectClass int) ([]image.Image, []int, error) {
	if outputs.BatchSize() != samples.BatchSize() {
		return nil, nil, fmt.Errorf("%w: %v images but %v predictions", tensor.ErrShapeMismatch, samples.BatchSize(), outputs.BatchSize())
	}
	images := []image.Image{}
	counts := []int{}
	for i := 0; i < samples.BatchSize(); i++ {
		img := samples.Tensors.Sub(i)
		rgb, err := toImage(img, false)
		if err != nil {
			return nil, nil, err
		}
		h, w := float64(img.Dim(1)), float64(img.Dim(2))
		dc := gg.NewContextForRGBA(rgb)
		logits := outputs.PredLogits.Sub(i)
		boxes := outputs.PredBoxes.Sub(i)
		n := 0
		for q := 0; q < logits.Len() && q < len(Palette); q++ {
			if tensor.ArgMax(logits.Row(q)) == noObjectClass {
				continue
			}
			n++
			drawCorners(dc, ClampCorners(boxes.Row(q)), w, h, Palette[q])
		}
		images = append(images, dc.Image())
		counts = append(counts, n)
	}
	return images, counts, nil
}

// PlotCocoSample draws the [cx, cy, w, h] ground truth boxes of sample i as '+' markers
// at their corners, labelled with the class name. The image is min-max normalized.
// Boxes are scaled by the target's Size, and the plot has the dimensions of the image tensor.
func PlotCocoSample(samples *detr.NestedTensor, targets []*detr.Target, i int) (image.Image, error) {
	img, err := imageAt(samples, i)
	if err != nil {
		return nil, err
	}
	if i >= len(targets) {
		return nil, fmt.Errorf("Target %v is out of range", i)
	}
	rgb, err := toImage(img, true)
	if err != nil {
		return nil, err
	}
	t := targets[i]
	if t.NumBoxes() != 0 && t.BoxDim() != 4 {
		return nil, fmt.Errorf("COCO boxes must have 4 values, not %v", t.BoxDim())
	}
	imgH, imgW := float64(t.Size[0]), float64(t.Size[1])
	dc := gg.NewContextForRGBA(rgb)

	labels := []label{}
	colors := []color.Color{}
	for b := 0; b < t.NumBoxes() && b < len(CocoPalette); b++ {
		row := t.Boxes.Row(b)
		box := detr.BoxFromCxCyWH(row[0], row[1], row[2], row[3]).Scale(float32(imgW), float32(imgH))
		c := CocoPalette[b]
		for _, p := range box.Corners() {
			drawPlus(dc, float64(p.X), float64(p.Y), c)
		}
		center := box.Center()
		text := detr.ClassName(t.Labels[b])
		tw, th := dc.MeasureString(text)
		labels = append(labels, label{text: text, x: float64(center.X), y: float64(center.Y), w: tw, h: th})
		colors = append(colors, c)
	}
	placeLabels(labels)
	for k, l := range labels {
		dc.SetColor(colors[k])
		dc.DrawStringAnchored(l.text, l.x, l.y, 0, 1)
	}

	dc.SetColor(White)
	dc.DrawStringAnchored(fmt.Sprintf("Original shape of %v", img.Shape), float64(img.Dim(2))/2, 2, 0.5, 1)
	return dc.Image(), nil
}

// SavePNG writes img to filename
func SavePNG(img image.Image, filename string) error {
	return gg.SavePNG(filename, img)
}
