package artifacts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/cyclopcam/detrain/pkg/config"
	"github.com/cyclopcam/logs"
)

// Package artifacts stores the outputs of a training run (evaluation vectors, plots)
// in a blob store, either a local directory or a GCS bucket.

var ErrInvalidName = errors.New("invalid artifact name")

// Storage is an abstraction of a blob store
type Storage interface {
	// When finished, you must close the WriteCloser
	WriteFile(ctx context.Context, name string) (io.WriteCloser, error)

	// When finished, you must close File.Reader
	ReadFile(ctx context.Context, name string) (*File, error)

	DeleteFile(ctx context.Context, name string) error
}

// File is an element in blob storage
type File struct {
	Reader     io.ReadCloser
	ModifiedAt time.Time
	Size       int64
}

// Open creates the store described by cfg. A GCS bucket takes precedence over a filesystem root.
// If neither is set, artifacts go to <outputDir>/artifacts.
func Open(ctx context.Context, log logs.Log, cfg config.Storage, outputDir string) (Storage, error) {
	if cfg.GCSBucket != "" {
		return NewGCS(ctx, log, cfg.GCSBucket, cfg.GCSPrefix)
	}
	root := cfg.Root
	if root == "" {
		if outputDir == "" {
			return nil, fmt.Errorf("No artifact storage configured")
		}
		root = outputDir + "/artifacts"
	}
	return NewFS(log, root)
}

func validateName(name string) error {
	if name == "" || strings.Contains(name, "..") || strings.HasPrefix(name, "/") {
		return fmt.Errorf("%w: '%v'", ErrInvalidName, name)
	}
	return nil
}

func WriteFile(ctx context.Context, s Storage, name string, content io.Reader) error {
	f, err := s.WriteFile(ctx, name)
	if err != nil {
		return err
	}
	_, err = io.Copy(f, content)
	errClose := f.Close()
	if err != nil {
		return err
	}
	return errClose
}

func ReadFile(ctx context.Context, s Storage, name string) ([]byte, error) {
	f, err := s.ReadFile(ctx, name)
	if err != nil {
		return nil, err
	}
	defer f.Reader.Close()
	return io.ReadAll(f.Reader)
}

// WriteJSON stores v as indented JSON
func WriteJSON(ctx context.Context, s Storage, name string, v any) error {
	raw, err := json.MarshalIndent(v, "", "\t")
	if err != nil {
		return fmt.Errorf("Failed to encode %v: %w", name, err)
	}
	return WriteFile(ctx, s, name, bytes.NewReader(raw))
}

// ReadJSON decodes the artifact called name into v
func ReadJSON(ctx context.Context, s Storage, name string, v any) error {
	raw, err := ReadFile(ctx, s, name)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("Failed to decode %v: %w", name, err)
	}
	return nil
}
