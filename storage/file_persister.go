// Package storage records the messages crossing a transport and persists
// the resulting transcripts.
package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// FilePersister writes transcripts to their destination.
type FilePersister interface {
	Persist(ctx context.Context, path string, data io.Reader) error
}

// LocalFilePersister writes transcripts to the local disk.
type LocalFilePersister struct {
	// Dir is prepended to relative paths.
	Dir string
}

// Persist writes data to path, creating the missing directories and
// truncating an existing file.
func (l *LocalFilePersister) Persist(ctx context.Context, path string, data io.Reader) (err error) {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("persisting %q: %w", path, err)
	}
	if l.Dir != "" && !filepath.IsAbs(path) {
		path = filepath.Join(l.Dir, path)
	}
	cp := filepath.Clean(path)

	dir := filepath.Dir(cp)
	if err = os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating transcript directory %q: %w", dir, err)
	}

	f, err := os.OpenFile(cp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("creating transcript %q: %w", cp, err)
	}
	defer func() {
		// keep the first error.
		if cerr := f.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("closing transcript %q: %w", cp, cerr)
		}
	}()

	_, err = io.Copy(f, data)

	return
}
