package artifacts

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/cyclopcam/logs"
)

// FS keeps the artifacts of a run in a local directory tree.
// An artifact only appears under its name once its writer is closed, so a reader
// sees either the previous epoch's file or the complete new one.
type FS struct {
	Root string
	log  logs.Log
}

// NewFS creates root if necessary
func NewFS(log logs.Log, root string) (*FS, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(absRoot, 0755); err != nil {
		return nil, fmt.Errorf("Failed to create artifact directory %v: %w", absRoot, err)
	}
	log.Infof("Storing artifacts in %v", absRoot)
	return &FS{
		Root: absRoot,
		log:  log,
	}, nil
}

func (fs *FS) artifactPath(name string) (string, error) {
	if err := validateName(name); err != nil {
		return "", err
	}
	return filepath.Join(fs.Root, filepath.FromSlash(name)), nil
}

func (fs *FS) WriteFile(ctx context.Context, name string) (io.WriteCloser, error) {
	final, err := fs.artifactPath(name)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(final), 0755); err != nil {
		return nil, err
	}
	tmp, err := os.CreateTemp(filepath.Dir(final), "."+filepath.Base(final)+".*")
	if err != nil {
		return nil, err
	}
	return &pendingArtifact{File: tmp, final: final, name: name, log: fs.log}, nil
}

func (fs *FS) ReadFile(ctx context.Context, name string) (*File, error) {
	fullPath, err := fs.artifactPath(name)
	if err != nil {
		return nil, err
	}
	file, err := os.Open(fullPath)
	if err != nil {
		return nil, err
	}
	st, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, err
	}
	return &File{
		Reader:     file,
		ModifiedAt: st.ModTime(),
		Size:       st.Size(),
	}, nil
}

func (fs *FS) DeleteFile(ctx context.Context, name string) error {
	fullPath, err := fs.artifactPath(name)
	if err != nil {
		return err
	}
	fs.log.Infof("Removing artifact %v", name)
	return os.Remove(fullPath)
}

// pendingArtifact is a temp file that replaces the artifact when it is closed
type pendingArtifact struct {
	*os.File
	final string
	name  string
	log   logs.Log
}

func (p *pendingArtifact) Close() error {
	st, statErr := p.File.Stat()
	if err := p.File.Close(); err != nil {
		os.Remove(p.File.Name())
		return err
	}
	if err := os.Chmod(p.File.Name(), 0644); err != nil {
		os.Remove(p.File.Name())
		return err
	}
	if err := os.Rename(p.File.Name(), p.final); err != nil {
		os.Remove(p.File.Name())
		return err
	}
	if statErr == nil {
		p.log.Debugf("Saved artifact %v (%v bytes)", p.name, st.Size())
	}
	return nil
}
