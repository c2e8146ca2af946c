package detr

type Point struct {
	X float32 `json:"x"`
	Y float32 `json:"y"`
}

// Box is an axis aligned box in [x1, y1, x2, y2] form
type Box struct {
	X1 float32 `json:"x1"`
	Y1 float32 `json:"y1"`
	X2 float32 `json:"x2"`
	Y2 float32 `json:"y2"`
}

// BoxFromCxCyWH converts [cx, cy, w, h] into corner form
func BoxFromCxCyWH(cx, cy, w, h float32) Box {
	return Box{
		X1: cx - w/2,
		Y1: cy - h/2,
		X2: cx + w/2,
		Y2: cy + h/2,
	}
}

func (r Box) Center() Point {
	return Point{
		X: (r.X1 + r.X2) / 2,
		Y: (r.Y1 + r.Y2) / 2,
	}
}

// Scale multiplies x coordinates by sx and y coordinates by sy.
// Used to go from normalized [0,1] coordinates to pixels.
func (r Box) Scale(sx, sy float32) Box {
	return Box{
		X1: r.X1 * sx,
		Y1: r.Y1 * sy,
		X2: r.X2 * sx,
		Y2: r.Y2 * sy,
	}
}

// Corners returns bottom-left, top-left, top-right, bottom-right
func (r Box) Corners() [4]Point {
	return [4]Point{
		{r.X1, r.Y2},
		{r.X1, r.Y1},
		{r.X2, r.Y1},
		{r.X2, r.Y2},
	}
}
