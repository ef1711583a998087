// Package fabric owns the per-pod embedded KV stores. Each pod keeps its
// domain records, visited records and coordination metadata in its own bbolt
// file so pods never contend on a shared database.
package fabric

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	crawler "github.com/andrewkchan/crawler"
)

var (
	// Bucket names
	bucketDomains = []byte("domains")
	bucketVisited = []byte("visited")
	bucketMeta    = []byte("meta")
)

// DomainRecord is a pod's persistent state for one registrable domain.
type DomainRecord struct {
	Domain string `json:"domain"`

	// FrontierOffset is the byte offset into the domain's frontier file up
	// to which URLs have been consumed.
	FrontierOffset int64 `json:"frontier_offset"`

	// URLsAdded counts lines ever appended to the frontier file. Used for
	// queue size estimates only.
	URLsAdded int64 `json:"urls_added"`

	// LastScheduledFetch is when a fetcher last committed to fetching from
	// this domain. The politeness interval is measured from here.
	LastScheduledFetch time.Time `json:"last_scheduled_fetch,omitempty"`

	// Robots cache. A zero RobotsFetched means nothing is cached; a nil
	// RobotsBody with a nonzero RobotsFetched caches "no robots.txt".
	RobotsBody    []byte    `json:"robots_body,omitempty"`
	RobotsFetched time.Time `json:"robots_fetched,omitempty"`
	RobotsExpires time.Time `json:"robots_expires,omitempty"`

	ManuallyExcluded bool `json:"manually_excluded,omitempty"`
	Seeded           bool `json:"seeded,omitempty"`
}

// PodStore is one pod's bbolt-backed KV store. It implements
// crawler.VisitedStore.
type PodStore struct {
	db *bolt.DB
}

// OpenPodStore opens (creating if needed) the pod store at path.
func OpenPodStore(path string) (*PodStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create pod store directory: %w", err)
	}
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open pod store %v: %w", path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketDomains, bucketVisited, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &PodStore{db: db}, nil
}

// Close closes the underlying database.
func (s *PodStore) Close() error {
	return s.db.Close()
}

// GetDomain returns the record for domain, or nil if the pod has never seen
// it.
func (s *PodStore) GetDomain(domain string) (*DomainRecord, error) {
	var record *DomainRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketDomains).Get([]byte(domain))
		if data == nil {
			return nil
		}
		record = &DomainRecord{}
		return json.Unmarshal(data, record)
	})
	return record, err
}

// UpdateDomain applies mut to the domain's record inside a single write
// transaction. A missing record is created first, so mut always sees a record
// with Domain set.
func (s *PodStore) UpdateDomain(domain string, mut func(*DomainRecord) error) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDomains)
		record := &DomainRecord{Domain: domain}
		if data := b.Get([]byte(domain)); data != nil {
			if err := json.Unmarshal(data, record); err != nil {
				return err
			}
		}
		if err := mut(record); err != nil {
			return err
		}
		data, err := json.Marshal(record)
		if err != nil {
			return err
		}
		return b.Put([]byte(domain), data)
	})
}

// ForEachDomain iterates every domain record in the store.
func (s *PodStore) ForEachDomain(fn func(*DomainRecord) error) error {
	return s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDomains).ForEach(func(k, v []byte) error {
			record := &DomainRecord{}
			if err := json.Unmarshal(v, record); err != nil {
				return err
			}
			return fn(record)
		})
	})
}

func visitedKey(fp uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, fp)
	return key
}

// PutVisited upserts a visited record keyed by its URL fingerprint.
func (s *PodStore) PutVisited(record *crawler.VisitedRecord) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(record)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketVisited).Put(visitedKey(record.Fingerprint), data)
	})
}

// GetVisited returns the visited record for fp, or nil if the URL has not
// been crawled.
func (s *PodStore) GetVisited(fp uint64) (*crawler.VisitedRecord, error) {
	var record *crawler.VisitedRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketVisited).Get(visitedKey(fp))
		if data == nil {
			return nil
		}
		record = &crawler.VisitedRecord{}
		return json.Unmarshal(data, record)
	})
	return record, err
}

// ForEachVisited iterates every visited record. Used to rebuild the
// seen-approximator after a checkpoint is lost.
func (s *PodStore) ForEachVisited(fn func(*crawler.VisitedRecord) error) error {
	return s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketVisited).ForEach(func(k, v []byte) error {
			record := &crawler.VisitedRecord{}
			if err := json.Unmarshal(v, record); err != nil {
				return err
			}
			return fn(record)
		})
	})
}

// GetMeta returns the metadata value for key, or nil if unset.
func (s *PodStore) GetMeta(key string) ([]byte, error) {
	var value []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		if data := tx.Bucket(bucketMeta).Get([]byte(key)); data != nil {
			value = append([]byte(nil), data...)
		}
		return nil
	})
	return value, err
}

// PutMeta stores a metadata value under key.
func (s *PodStore) PutMeta(key string, value []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMeta).Put([]byte(key), value)
	})
}
