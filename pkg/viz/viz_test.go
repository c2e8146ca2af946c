package viz

import (
	"image"
	"image/color"
	"os"
	"path/filepath"
	"testing"

	"github.com/cyclopcam/detrain/pkg/detr"
	"github.com/cyclopcam/detrain/pkg/tensor"
	"github.com/stretchr/testify/require"
)

func batchOf(n, h, w int) *detr.NestedTensor {
	return &detr.NestedTensor{
		Tensors: tensor.New(n, 3, h, w),
		Mask:    tensor.New(n, h, w),
	}
}

func pixel(img image.Image, x, y int) color.RGBA {
	return color.RGBAModel.Convert(img.At(x, y)).(color.RGBA)
}

func TestClampCorners(t *testing.T) {
	in := []float32{0.5, 1.2, -0.1, 0, 1, 0.25}
	out := ClampCorners(in)
	require.Equal(t, []float32{0.5, 0.99, 0.99, 0.99, 0.99, 0.25}, out)
	require.Equal(t, float32(1.2), in[1])
}

func TestPlotTargets(t *testing.T) {
	samples := batchOf(1, 20, 20)
	coords := []float32{0.5, 0.5, 0.25, 0.25, 1.5, 0.25, 0.75, 0.75}
	targets := []*detr.Target{{
		Boxes:  tensor.MustFromData(append([]float32(nil), coords...), 1, 8),
		Labels: []int64{1},
		Size:   [2]int{20, 20},
	}}
	img, err := PlotTargets(samples, targets, 0, true)
	require.NoError(t, err)
	require.Equal(t, 20, img.Bounds().Dx())
	require.Equal(t, Blue, pixel(img, 10, 10))
	require.Equal(t, Blue, pixel(img, 5, 5))
	require.Equal(t, coords, targets[0].Boxes.Data)
	// The input image is untouched
	lo, hi := samples.Tensors.MinMax()
	require.Equal(t, float32(0), lo)
	require.Equal(t, float32(0), hi)

	_, err = PlotTargets(samples, targets, 1, true)
	require.Error(t, err)
}

func TestPlotPrediction(t *testing.T) {
	samples := batchOf(1, 20, 20)
	// Query 0 predicts the no-object class (1), query 1 predicts class 0
	logits := tensor.MustFromData([]float32{0, 5, 1, 9, 0, 0}, 1, 2, 3)
	boxes := tensor.MustFromData([]float32{
		0.5, 0.5, 0.5, 0.5, 0.5, 0.5, 0.5, 0.5,
		0.25, 0.75, 0.25, 0.25, 0.75, 0.25, 0.75, 0.75,
	}, 1, 2, 8)
	outputs := &detr.Outputs{PredLogits: logits, PredBoxes: boxes}
	images, counts, err := PlotPrediction(samples, outputs, 1)
	require.NoError(t, err)
	require.Len(t, images, 1)
	require.Equal(t, []int{1}, counts)
	require.Equal(t, Red, pixel(images[0], 5, 15))
	require.Equal(t, uint8(0), pixel(images[0], 10, 10).R)

	_, _, err = PlotPrediction(batchOf(2, 4, 4), outputs, 1)
	require.ErrorIs(t, err, tensor.ErrShapeMismatch)
}

func TestPlotCocoSample(t *testing.T) {
	samples := batchOf(1, 40, 60)
	for i := range samples.Tensors.Data {
		samples.Tensors.Data[i] = float32(i%7) - 3
	}
	targets := []*detr.Target{{
		Boxes:  tensor.MustFromData([]float32{0.5, 0.5, 0.5, 0.5, 0.5, 0.5, 0.2, 0.2}, 2, 4),
		Labels: []int64{1, 3},
		Size:   [2]int{40, 60},
	}}
	img, err := PlotCocoSample(samples, targets, 0)
	require.NoError(t, err)
	require.Equal(t, 60, img.Bounds().Dx())
	require.Equal(t, 40, img.Bounds().Dy())

	fn := filepath.Join(t.TempDir(), "coco.png")
	require.NoError(t, SavePNG(img, fn))
	st, err := os.Stat(fn)
	require.NoError(t, err)
	require.Greater(t, st.Size(), int64(0))

	targets[0].Boxes = tensor.New(1, 8)
	targets[0].Labels = []int64{1}
	_, err = PlotCocoSample(samples, targets, 0)
	require.Error(t, err)
}

func TestPlaceLabels(t *testing.T) {
	labels := []label{
		{text: "a", x: 10, y: 10, w: 20, h: 10},
		{text: "b", x: 12, y: 12, w: 20, h: 10},
		{text: "c", x: 10, y: 10, w: 20, h: 10},
		{text: "d", x: 100, y: 100, w: 20, h: 10},
	}
	placeLabels(labels)
	for i := range labels {
		for j := 0; j < i; j++ {
			require.False(t, overlaps(&labels[i], &labels[j]), "%v overlaps %v", labels[i].text, labels[j].text)
		}
	}
	require.Equal(t, 10.0, labels[0].y)
	require.Equal(t, 100.0, labels[3].y)
}

func TestLoadSample(t *testing.T) {
	fn := filepath.Join(t.TempDir(), "sample.json")
	require.NoError(t, os.WriteFile(fn, []byte(`{"samples": {"tensors": {"shape": [1, 3, 2, 2], "data": [0,0,0,0,0,0,0,0,0,0,0,0]}}, "targets": []}`), 0644))
	s, err := LoadSample(fn)
	require.NoError(t, err)
	require.Equal(t, 1, s.Samples.BatchSize())

	require.NoError(t, os.WriteFile(fn, []byte(`{}`), 0644))
	_, err = LoadSample(fn)
	require.Error(t, err)
}
