package statsdb

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/cyclopcam/detrain/pkg/config"
	"github.com/cyclopcam/detrain/pkg/detr"
	"github.com/cyclopcam/dbh"
	"github.com/cyclopcam/logs"
	"gorm.io/gorm"
)

var ErrNotFound = errors.New("not found")

// StatsDB keeps the per-epoch statistics of every training run, so that runs can be
// compared after the fact, and the best epoch of a run can be found.
type StatsDB struct {
	Log logs.Log
	DB  *gorm.DB
}

// Open or create a stats DB
func Open(log logs.Log, dbFilename string) (*StatsDB, error) {
	log = logs.NewPrefixLogger(log, "StatsDB")
	if err := os.MkdirAll(filepath.Dir(dbFilename), 0770); err != nil {
		return nil, fmt.Errorf("Failed to create stats DB directory: %w", err)
	}
	log.Infof("Opening stats DB at '%v'", dbFilename)
	db, err := dbh.OpenDB(log, dbh.MakeSqliteConfig(dbFilename), Migrations(log), 0)
	if err != nil {
		return nil, fmt.Errorf("Failed to open database %v: %w", dbFilename, err)
	}
	return &StatsDB{
		Log: log,
		DB:  db,
	}, nil
}

func (s *StatsDB) Close() error {
	raw, err := s.DB.DB()
	if err != nil {
		return err
	}
	return raw.Close()
}

// CreateRun records the start of a training run
func (s *StatsDB) CreateRun(name string, cfg *config.Config) (*Run, error) {
	run := &Run{
		Name:      name,
		CreatedAt: dbh.MakeIntTime(time.Now()),
	}
	if cfg != nil {
		run.Config = &dbh.JSONField[config.Config]{Data: *cfg}
	}
	if err := s.DB.Create(run).Error; err != nil {
		return nil, fmt.Errorf("Failed to create run %v: %w", name, err)
	}
	return run, nil
}

// ListRuns returns all runs, newest first
func (s *StatsDB) ListRuns() ([]Run, error) {
	runs := []Run{}
	if err := s.DB.Order("id DESC").Find(&runs).Error; err != nil {
		return nil, err
	}
	return runs, nil
}

// RunByName returns the most recent run with the given name
func (s *StatsDB) RunByName(name string) (*Run, error) {
	runs := []Run{}
	if err := s.DB.Where("name = ?", name).Order("id DESC").Limit(1).Find(&runs).Error; err != nil {
		return nil, err
	}
	if len(runs) == 0 {
		return nil, fmt.Errorf("%w: run '%v'", ErrNotFound, name)
	}
	return &runs[0], nil
}

// AddEpochStats stores the stats of one phase of an epoch, replacing any previous values.
// Non-finite values are skipped.
func (s *StatsDB) AddEpochStats(runID int64, epoch int, phase string, stats map[string]float64) error {
	keys := make([]string, 0, len(stats))
	for k, v := range stats {
		if !math.IsNaN(v) && !math.IsInf(v, 0) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	rows := make([]EpochStat, 0, len(keys))
	for _, k := range keys {
		rows = append(rows, EpochStat{RunID: runID, Epoch: epoch, Phase: phase, Key: k, Value: stats[k]})
	}
	return s.DB.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("run_id = ? AND epoch = ? AND phase = ?", runID, epoch, phase).Delete(&EpochStat{}).Error; err != nil {
			return err
		}
		if len(rows) == 0 {
			return nil
		}
		return tx.Create(&rows).Error
	})
}

// AddEvalVector stores the COCO summary vector of an IoU type
func (s *StatsDB) AddEvalVector(runID int64, epoch int, iouType string, stats detr.Stats) error {
	return s.DB.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("run_id = ? AND epoch = ? AND iou_type = ?", runID, epoch, iouType).Delete(&EvalVector{}).Error; err != nil {
			return err
		}
		return tx.Create(&EvalVector{
			RunID:   runID,
			Epoch:   epoch,
			IoUType: iouType,
			Stats:   &dbh.JSONField[detr.Stats]{Data: stats},
		}).Error
	})
}

// EpochStats returns every stat of a run, ordered by epoch, phase, key
func (s *StatsDB) EpochStats(runID int64) ([]EpochStat, error) {
	stats := []EpochStat{}
	if err := s.DB.Where("run_id = ?", runID).Order("epoch, phase, key").Find(&stats).Error; err != nil {
		return nil, err
	}
	return stats, nil
}

// EvalVectors returns the stored COCO summary vectors of a run, ordered by epoch
func (s *StatsDB) EvalVectors(runID int64, iouType string) ([]EvalVector, error) {
	vecs := []EvalVector{}
	if err := s.DB.Where("run_id = ? AND iou_type = ?", runID, iouType).Order("epoch").Find(&vecs).Error; err != nil {
		return nil, err
	}
	return vecs, nil
}

// Best returns the epoch with the lowest value of key in phase (or the highest, if higherIsBetter)
func (s *StatsDB) Best(runID int64, phase, key string, higherIsBetter bool) (*EpochStat, error) {
	order := "value ASC"
	if higherIsBetter {
		order = "value DESC"
	}
	stats := []EpochStat{}
	if err := s.DB.Where("run_id = ? AND phase = ? AND key = ?", runID, phase, key).Order(order).Order("epoch").Limit(1).Find(&stats).Error; err != nil {
		return nil, err
	}
	if len(stats) == 0 {
		return nil, fmt.Errorf("%w: %v/%v in run %v", ErrNotFound, phase, key, runID)
	}
	return &stats[0], nil
}
