package storage

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalFilePersister(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		path     string
		existing string
		relative bool
	}{
		{
			name: "file",
			path: "transcript.jsonl",
		},
		{
			name: "nested_dir",
			path: "runs/1/transcript.jsonl",
		},
		{
			name:     "relative_to_dir",
			path:     "runs/transcript.jsonl",
			relative: true,
		},
		{
			name:     "truncates",
			path:     "transcript.jsonl",
			existing: "a much longer transcript that must go away",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			dir := t.TempDir()
			p := filepath.Join(dir, tt.path)
			if tt.existing != "" {
				require.NoError(t, os.WriteFile(p, []byte(tt.existing), 0o600))
			}

			l := &LocalFilePersister{}
			target := p
			if tt.relative {
				l.Dir = dir
				target = tt.path
			}
			require.NoError(t, l.Persist(context.Background(), target, strings.NewReader("line\n")))

			bb, err := os.ReadFile(filepath.Clean(p))
			require.NoError(t, err)
			assert.Equal(t, "line\n", string(bb))
		})
	}
}

func TestLocalFilePersisterCancelled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p := filepath.Join(t.TempDir(), "transcript.jsonl")
	err := (&LocalFilePersister{}).Persist(ctx, p, strings.NewReader("x"))
	assert.ErrorIs(t, err, context.Canceled)
	_, err = os.Stat(p)
	assert.True(t, os.IsNotExist(err))
}
