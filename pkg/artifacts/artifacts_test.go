package artifacts

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/cyclopcam/detrain/pkg/config"
	"github.com/cyclopcam/logs"
	"github.com/stretchr/testify/require"
)

func TestFS(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	s, err := NewFS(logs.NewTestingLog(t), root)
	require.NoError(t, err)

	type evalVector struct {
		Epoch int       `json:"epoch"`
		BBox  []float64 `json:"bbox"`
	}
	in := evalVector{Epoch: 3, BBox: []float64{0.42, 0.61}}
	require.NoError(t, WriteJSON(ctx, s, "eval/3.json", &in))
	_, err = os.Stat(filepath.Join(root, "eval", "3.json"))
	require.NoError(t, err)

	out := evalVector{}
	require.NoError(t, ReadJSON(ctx, s, "eval/3.json", &out))
	require.Equal(t, in, out)

	f, err := s.ReadFile(ctx, "eval/3.json")
	require.NoError(t, err)
	require.Greater(t, f.Size, int64(0))
	f.Reader.Close()

	require.NoError(t, s.DeleteFile(ctx, "eval/3.json"))
	_, err = ReadFile(ctx, s, "eval/3.json")
	require.ErrorIs(t, err, os.ErrNotExist)

	_, err = s.WriteFile(ctx, "../escape.json")
	require.ErrorIs(t, err, ErrInvalidName)
}

func TestOpenFilesystem(t *testing.T) {
	ctx := context.Background()
	out := t.TempDir()
	s, err := Open(ctx, logs.NewTestingLog(t), config.Storage{}, out)
	require.NoError(t, err)
	require.Equal(t, filepath.Join(out, "artifacts"), s.(*FS).Root)

	_, err = Open(ctx, logs.NewTestingLog(t), config.Storage{}, "")
	require.Error(t, err)
}

func TestFSReplacesArtifactOnClose(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	s, err := NewFS(logs.NewTestingLog(t), root)
	require.NoError(t, err)

	require.NoError(t, WriteFile(ctx, s, "eval/latest.json", strings.NewReader(`{"epoch":1}`)))

	w, err := s.WriteFile(ctx, "eval/latest.json")
	require.NoError(t, err)
	_, err = w.Write([]byte(`{"epoch":2`))
	require.NoError(t, err)

	// Until the writer is closed, readers see the previous epoch's file
	raw, err := ReadFile(ctx, s, "eval/latest.json")
	require.NoError(t, err)
	require.Equal(t, `{"epoch":1}`, string(raw))

	_, err = w.Write([]byte(`}`))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	raw, err = ReadFile(ctx, s, "eval/latest.json")
	require.NoError(t, err)
	require.Equal(t, `{"epoch":2}`, string(raw))

	// No temp files are left behind
	entries, err := os.ReadDir(filepath.Join(root, "eval"))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "latest.json", entries[0].Name())
}
