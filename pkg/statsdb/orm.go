package statsdb

import (
	"github.com/cyclopcam/detrain/pkg/config"
	"github.com/cyclopcam/detrain/pkg/detr"
	"github.com/cyclopcam/dbh"
)

// BaseModel is our base class for a GORM model.
// The default GORM Model uses int, but we prefer int64
type BaseModel struct {
	ID int64 `gorm:"primaryKey" json:"id"`
}

// Run is one invocation of the training program
type Run struct {
	BaseModel
	Name      string                        `json:"name"`
	CreatedAt dbh.IntTime                   `json:"createdAt"`
	Config    *dbh.JSONField[config.Config] `json:"config"`
}

// Phases of an epoch
const (
	PhaseTrain = "train"
	PhaseTest  = "test"
)

// EpochStat is the global average of one meter over one phase of an epoch
type EpochStat struct {
	RunID int64   `gorm:"primaryKey" json:"runID"`
	Epoch int     `gorm:"primaryKey" json:"epoch"`
	Phase string  `gorm:"primaryKey" json:"phase"`
	Key   string  `gorm:"primaryKey" json:"key"`
	Value float64 `json:"value"`
}

// EvalVector is the COCO summary vector of one IoU type, produced by an evaluation
type EvalVector struct {
	RunID   int64                      `gorm:"primaryKey" json:"runID"`
	Epoch   int                        `gorm:"primaryKey" json:"epoch"`
	IoUType string                     `gorm:"primaryKey;column:iou_type" json:"iouType"`
	Stats   *dbh.JSONField[detr.Stats] `json:"stats"`
}
