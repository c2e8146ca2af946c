package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	require.True(t, cfg.IsMain())
	require.Equal(t, 0.1, cfg.ClipMaxNorm)
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	fn := filepath.Join(dir, "run.json")
	require.NoError(t, os.WriteFile(fn, []byte(`{"epochs": 50, "lrDrop": 40, "storage": {"gcsBucket": "runs"}}`), 0644))

	cfg, err := LoadConfig(fn)
	require.NoError(t, err)
	require.Equal(t, 50, cfg.Epochs)
	require.Equal(t, 40, cfg.LRDrop)
	require.Equal(t, "runs", cfg.Storage.GCSBucket)
	// Untouched fields keep their defaults
	require.Equal(t, 1e-4, cfg.LR)
	require.Equal(t, OptimizerAdamW, cfg.Optimizer)

	cfg.RunName = "saved"
	saved := filepath.Join(dir, "saved.json")
	require.NoError(t, cfg.Save(saved))
	again, err := LoadConfig(saved)
	require.NoError(t, err)
	require.Equal(t, cfg, again)

	_, err = LoadConfig(filepath.Join(dir, "missing.json"))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	bad := []func(c *Config){
		func(c *Config) { c.ClipMaxNorm = -1 },
		func(c *Config) { c.LR = 0 },
		func(c *Config) { c.StartEpoch = c.Epochs + 1 },
		func(c *Config) { c.Optimizer = "lamb" },
		func(c *Config) { c.Distributed.Rank = 1 },
		func(c *Config) { c.Distributed.WorldSize = 2 },
	}
	for i, mutate := range bad {
		c := Default()
		mutate(c)
		require.ErrorIs(t, c.Validate(), ErrInvalidConfig, "case %v", i)
	}

	c := Default()
	c.Distributed = Distributed{WorldSize: 2, Rank: 1, CoordinatorURL: "http://localhost:9400"}
	require.NoError(t, c.Validate())
	require.False(t, c.IsMain())
}
