package coordinator

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/bits-and-blooms/bloom/v3"
)

// SeenSet is the crawl-wide URL dedup filter: a bloom filter over URL
// fingerprints. False positives lose a page (it is skipped as a duplicate);
// false negatives cannot happen, so a URL admitted twice is always caught.
//
// The mutex makes TestAndAdd atomic; two workers racing the same fingerprint
// see one insert and one duplicate.
type SeenSet struct {
	mutex  sync.Mutex
	filter *bloom.BloomFilter
}

// NewSeenSet sizes a fresh filter for the expected number of URLs at the
// given false positive rate.
func NewSeenSet(capacity uint, errorRate float64) *SeenSet {
	return &SeenSet{filter: bloom.NewWithEstimates(capacity, errorRate)}
}

// TestAndAdd inserts fp and reports whether it was already present.
func (s *SeenSet) TestAndAdd(fp uint64) bool {
	var key [8]byte
	binary.BigEndian.PutUint64(key[:], fp)
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.filter.TestAndAdd(key[:])
}

// Test reports whether fp is (probably) present without inserting it.
func (s *SeenSet) Test(fp uint64) bool {
	var key [8]byte
	binary.BigEndian.PutUint64(key[:], fp)
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.filter.Test(key[:])
}

// ApproximateCount estimates how many fingerprints have been inserted.
func (s *SeenSet) ApproximateCount() uint32 {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.filter.ApproximatedSize()
}

// Save checkpoints the filter to path atomically (write temp, rename).
func (s *SeenSet) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".seen-*")
	if err != nil {
		return fmt.Errorf("failed to create seen checkpoint temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	s.mutex.Lock()
	_, err = s.filter.WriteTo(tmp)
	s.mutex.Unlock()
	if err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write seen checkpoint: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// LoadSeenSet restores a checkpointed filter from path.
func LoadSeenSet(path string) (*SeenSet, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	filter := &bloom.BloomFilter{}
	if _, err := filter.ReadFrom(file); err != nil {
		return nil, fmt.Errorf("failed to read seen checkpoint %v: %w", path, err)
	}
	return &SeenSet{filter: filter}, nil
}
