// Package content implements the sharded write-once store for extracted
// page text. Artifacts spread across the configured data directories by
// content key, one file per page, named by the key's hex form.
package content

import (
	"fmt"
	"os"
	"path/filepath"

	crawler "github.com/andrewkchan/crawler"
)

// Store writes content artifacts across a fixed set of data directories.
// The directory count is part of the crawl's identity: changing it re-homes
// every key, so it is validated against the existing layout at open.
type Store struct {
	dataDirs []string
}

// NewStore prepares a store over the given data directories, creating their
// content subdirectories if needed.
func NewStore(dataDirs []string) (*Store, error) {
	if len(dataDirs) == 0 {
		return nil, fmt.Errorf("no data directories configured")
	}
	for _, dir := range dataDirs {
		if err := os.MkdirAll(filepath.Join(dir, "content"), 0755); err != nil {
			return nil, fmt.Errorf("failed to create content directory under %v: %w", dir, err)
		}
	}
	return &Store{dataDirs: append([]string(nil), dataDirs...)}, nil
}

// PathFor returns where the artifact for key lives (whether or not it exists).
func (s *Store) PathFor(key crawler.ContentKey) string {
	dir := s.dataDirs[key.Shard(len(s.dataDirs))]
	return filepath.Join(dir, "content", key.Hex()+".txt")
}

// Put writes text under key. The artifact is write-once: if it already
// exists the write is skipped and existed is true. The write goes to a temp
// file in the same directory and renames into place, so a reader can never
// observe a partial artifact.
func (s *Store) Put(key crawler.ContentKey, text []byte) (path string, existed bool, err error) {
	path = s.PathFor(key)

	if _, serr := os.Stat(path); serr == nil {
		return path, true, nil
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".put-*")
	if err != nil {
		return "", false, fmt.Errorf("failed to create temp file in %v: %w", dir, err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(text); err != nil {
		tmp.Close()
		return "", false, fmt.Errorf("failed to write content %v: %w", key.Hex(), err)
	}
	if err := tmp.Close(); err != nil {
		return "", false, err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", false, fmt.Errorf("failed to commit content %v: %w", key.Hex(), err)
	}
	return path, false, nil
}

// Get reads the artifact for key. Mainly for the console and tests; the
// crawl itself never reads content back.
func (s *Store) Get(key crawler.ContentKey) ([]byte, error) {
	return os.ReadFile(s.PathFor(key))
}
