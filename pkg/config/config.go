package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
)

var ErrInvalidConfig = errors.New("invalid config")

// Optimizer names
const (
	OptimizerAdamW = "adamw"
	OptimizerSGD   = "sgd"
)

type Distributed struct {
	WorldSize      int    `json:"worldSize"`      // Number of workers. 1 means no distributed training.
	Rank           int    `json:"rank"`           // Rank of this worker, 0 is the main worker
	CoordinatorURL string `json:"coordinatorURL"` // eg http://10.0.0.2:9400. Required when WorldSize > 1.
}

type Storage struct {
	Root      string `json:"root"`      // Filesystem root for artifacts. Ignored if GCSBucket is set.
	GCSBucket string `json:"gcsBucket"` // Google Cloud Storage bucket for artifacts
	GCSPrefix string `json:"gcsPrefix"` // Object name prefix inside the bucket
}

type Config struct {
	RunName         string      `json:"runName"`         // Friendly name of the run, stored in the stats DB
	Epochs          int         `json:"epochs"`          // Train until this epoch (exclusive)
	StartEpoch      int         `json:"startEpoch"`      // Overridden by the checkpoint when resuming
	LR              float64     `json:"lr"`              // Learning rate of the transformer
	LRBackbone      float64     `json:"lrBackbone"`      // Learning rate of parameters whose name starts with "backbone."
	LRDrop          int         `json:"lrDrop"`          // Divide the learning rate by 10 every LRDrop epochs
	WeightDecay     float64     `json:"weightDecay"`     // Decoupled weight decay (AdamW) or L2 penalty (SGD)
	Optimizer       string      `json:"optimizer"`       // adamw or sgd
	Momentum        float64     `json:"momentum"`        // SGD only
	ClipMaxNorm     float64     `json:"clipMaxNorm"`     // Gradient clipping max norm. 0 disables clipping.
	PrintFreq       int         `json:"printFreq"`       // Batches between progress lines
	OutputDir       string      `json:"outputDir"`       // Checkpoints, log.txt and panoptic PNGs. Empty means nothing is saved.
	StatsDB         string      `json:"statsDB"`         // Path to the SQLite stats database. Empty disables it.
	Resume          string      `json:"resume"`          // Checkpoint to resume from
	EvalOnly        bool        `json:"evalOnly"`        // Run a single evaluation and exit
	Storage         Storage     `json:"storage"`         // Where evaluation artifacts go
	Distributed     Distributed `json:"distributed"`     // Multi-worker settings
	CheckpointEvery int         `json:"checkpointEvery"` // Keep a numbered checkpoint every N epochs
}

// Default returns the configuration of the standard DETR schedule
func Default() *Config {
	return &Config{
		RunName:         "detr",
		Epochs:          300,
		LR:              1e-4,
		LRBackbone:      1e-5,
		LRDrop:          200,
		WeightDecay:     1e-4,
		Optimizer:       OptimizerAdamW,
		Momentum:        0.9,
		ClipMaxNorm:     0.1,
		PrintFreq:       10,
		CheckpointEvery: 100,
		Distributed: Distributed{
			WorldSize: 1,
		},
	}
}

// LoadConfig reads a JSON config file. Fields that are absent keep their default value.
func LoadConfig(filename string) (*Config, error) {
	if filename == "" {
		filename = "detrain.json"
	}
	raw, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("Error loading %v: %w", filename, err)
	}
	cfg := Default()
	if err := json.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("Error loading as JSON %v: %w", filename, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("Error in %v: %w", filename, err)
	}
	return cfg, nil
}

// Save writes the config as indented JSON
func (c *Config) Save(filename string) error {
	raw, err := json.MarshalIndent(c, "", "\t")
	if err != nil {
		return err
	}
	return os.WriteFile(filename, raw, 0644)
}

func (c *Config) Validate() error {
	switch {
	case c.Epochs < 0 || c.StartEpoch < 0:
		return fmt.Errorf("%w: epochs must not be negative", ErrInvalidConfig)
	case c.StartEpoch > c.Epochs:
		return fmt.Errorf("%w: startEpoch %v is after epochs %v", ErrInvalidConfig, c.StartEpoch, c.Epochs)
	case c.LR <= 0 || c.LRBackbone < 0:
		return fmt.Errorf("%w: learning rates must be positive", ErrInvalidConfig)
	case c.LRDrop <= 0:
		return fmt.Errorf("%w: lrDrop must be positive", ErrInvalidConfig)
	case c.WeightDecay < 0:
		return fmt.Errorf("%w: weightDecay must not be negative", ErrInvalidConfig)
	case c.ClipMaxNorm < 0:
		return fmt.Errorf("%w: clipMaxNorm must not be negative", ErrInvalidConfig)
	case c.Optimizer != OptimizerAdamW && c.Optimizer != OptimizerSGD:
		return fmt.Errorf("%w: unknown optimizer '%v'", ErrInvalidConfig, c.Optimizer)
	case c.CheckpointEvery < 0:
		return fmt.Errorf("%w: checkpointEvery must not be negative", ErrInvalidConfig)
	}
	d := c.Distributed
	if d.WorldSize < 1 {
		return fmt.Errorf("%w: worldSize must be at least 1", ErrInvalidConfig)
	}
	if d.Rank < 0 || d.Rank >= d.WorldSize {
		return fmt.Errorf("%w: rank %v is outside world of size %v", ErrInvalidConfig, d.Rank, d.WorldSize)
	}
	if d.WorldSize > 1 && d.CoordinatorURL == "" {
		return fmt.Errorf("%w: coordinatorURL is required for %v workers", ErrInvalidConfig, d.WorldSize)
	}
	return nil
}

// IsMain is true on the worker that writes checkpoints and logs
func (c *Config) IsMain() bool {
	return c.Distributed.Rank == 0
}
