package viz

import (
	flatbush "github.com/bmharper/flatbush-go"
)

// label is a piece of text anchored at its top-left corner, with a measured size
type label struct {
	text string
	x, y float64
	w, h float64
}

func (l *label) bounds() (int32, int32, int32, int32) {
	return int32(l.x), int32(l.y), int32(l.x + l.w), int32(l.y + l.h)
}

const maxLabelPasses = 8

// placeLabels moves labels down until none overlaps a label that comes before it.
// Each pass builds a spatial index of the current positions, and nudges every label that
// overlaps an earlier one to just below it.
func placeLabels(labels []label) {
	for pass := 0; pass < maxLabelPasses; pass++ {
		fb := flatbush.NewFlatbush[int32]()
		fb.Reserve(len(labels))
		for i := range labels {
			fb.Add(labels[i].bounds())
		}
		fb.Finish()

		moved := false
		for i := range labels {
			minX, minY, maxX, maxY := labels[i].bounds()
			for _, j := range fb.Search(minX, minY, maxX, maxY) {
				if j >= i || !overlaps(&labels[i], &labels[j]) {
					continue
				}
				labels[i].y = labels[j].y + labels[j].h + 1
				moved = true
				break
			}
		}
		if !moved {
			return
		}
	}
}

// Strict overlap. The spatial index also reports boxes that merely touch.
func overlaps(a, b *label) bool {
	return a.x < b.x+b.w && b.x < a.x+a.w && a.y < b.y+b.h && b.y < a.y+a.h
}
