package runner

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/cyclopcam/detrain/pkg/config"
	"github.com/cyclopcam/detrain/pkg/optim"
)

var ErrCheckpointMismatch = errors.New("checkpoint does not match model")

// SchedulerState is the serialized form of a StepLR
type SchedulerState struct {
	LastEpoch int     `json:"lastEpoch"`
	StepSize  int     `json:"stepSize"`
	Gamma     float64 `json:"gamma"`
}

// Checkpoint is everything needed to resume training after an epoch
type Checkpoint struct {
	Epoch       int                `json:"epoch"`
	Model       []*optim.Parameter `json:"model"`
	Optimizer   *optim.State       `json:"optimizer"`
	LRScheduler SchedulerState     `json:"lrScheduler"`
	Config      *config.Config     `json:"config"`
}

// Save writes the checkpoint to a temporary file, and renames it into place
func (c *Checkpoint) Save(filename string) error {
	raw, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("Failed to encode checkpoint: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(filename), 0755); err != nil {
		return err
	}
	tmp := filename + ".tmp"
	if err := os.WriteFile(tmp, raw, 0644); err != nil {
		return fmt.Errorf("Failed to write checkpoint %v: %w", tmp, err)
	}
	return os.Rename(tmp, filename)
}

func LoadCheckpoint(filename string) (*Checkpoint, error) {
	raw, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("Error loading checkpoint %v: %w", filename, err)
	}
	c := &Checkpoint{}
	if err := json.Unmarshal(raw, c); err != nil {
		return nil, fmt.Errorf("Error loading checkpoint as JSON %v: %w", filename, err)
	}
	return c, nil
}

// LoadInto copies the saved parameter values into params, matching them by name
func (c *Checkpoint) LoadInto(params []*optim.Parameter) error {
	saved := map[string]*optim.Parameter{}
	for _, p := range c.Model {
		saved[p.Name] = p
	}
	for _, p := range params {
		s, ok := saved[p.Name]
		if !ok {
			return fmt.Errorf("%w: parameter %v is missing", ErrCheckpointMismatch, p.Name)
		}
		if len(s.Data) != len(p.Data) {
			return fmt.Errorf("%w: parameter %v has %v values, expected %v", ErrCheckpointMismatch, p.Name, len(s.Data), len(p.Data))
		}
		copy(p.Data, s.Data)
	}
	return nil
}

// Checkpoint file names written after epoch. checkpoint.json is always rewritten.
// A numbered copy is kept before every learning rate drop, and every `every` epochs.
func checkpointNames(epoch, lrDrop, every int) []string {
	names := []string{"checkpoint.json"}
	next := epoch + 1
	if (lrDrop > 0 && next%lrDrop == 0) || (every > 0 && next%every == 0) {
		names = append(names, fmt.Sprintf("checkpoint%04d.json", epoch))
	}
	return names
}
