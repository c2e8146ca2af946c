package detr

import "fmt"

// Result is the post-processed detection output for one image, in pixels of the original image
type Result struct {
	Scores []float32 `json:"scores"`
	Labels []int64   `json:"labels"`
	Boxes  []Box     `json:"boxes"`
	Masks  [][]uint8 `json:"masks,omitempty"` // Per detection, row-major binary mask at the original size. Filled in by the segm postprocessor.
	Size   [2]int    `json:"size"`            // Height, Width that Boxes and Masks refer to
}

// NumDetections returns the number of predicted objects
func (r *Result) NumDetections() int {
	return len(r.Scores)
}

// Segment is one segment of a panoptic prediction
type Segment struct {
	ID       int64 `json:"id"`
	IsThing  bool  `json:"isthing"`
	Category int64 `json:"category_id"`
	Area     int   `json:"area,omitempty"`
}

// PanopticResult is the panoptic segmentation of one image.
// ImageID and FileName are attached by the evaluation loop.
type PanopticResult struct {
	ImageID      int64     `json:"image_id"`
	FileName     string    `json:"file_name"`
	PNG          []byte    `json:"-"` // Encoded segment-id image
	SegmentsInfo []Segment `json:"segments_info"`
}

// PanopticFileName is the name under which the panoptic PNG of an image is written.
// PanopticFileName(17) = "000000000017.png"
func PanopticFileName(imageID int64) string {
	return fmt.Sprintf("%012d.png", imageID)
}

// IoU evaluation types understood by the COCO accumulator
const (
	IoUTypeSegm = "segm"
	IoUTypeBBox = "bbox"
)

// PQ is the panoptic quality summary for one category group (All, Things or Stuff)
type PQ struct {
	PQ float64 `json:"pq"`
	SQ float64 `json:"sq"`
	RQ float64 `json:"rq"`
	N  int     `json:"n"`
}

// PanopticSummary is produced by a panoptic accumulator
type PanopticSummary struct {
	All    PQ `json:"All"`
	Things PQ `json:"Things"`
	Stuff  PQ `json:"Stuff"`
}
