package storage

import (
	"os"
	"path/filepath"
)

func readFile(path string) ([]Entry, error) {
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()
	return ReadTranscript(f)
}
