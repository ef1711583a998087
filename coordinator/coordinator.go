// Package coordinator hosts the small amount of truly global crawl state:
// the monotonic page and byte counters, the stop flag, and the seen-set
// checkpoint. All of it persists in the coordination pod's KV store so a
// restart resumes where the crawl left off.
package coordinator

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	crawler "github.com/andrewkchan/crawler"
	"github.com/andrewkchan/crawler/fabric"
)

// Meta keys in the coordination pod store.
const (
	metaPagesCrawled = "pages_crawled"
	metaBytesFetched = "bytes_fetched"
	metaStopReason   = "stop_reason"
)

// Coordinator implements crawler.Coordinator. Counters live in memory as
// atomics and checkpoint to the coordination pod on an interval, so the
// counts a restart resumes from may trail the truth by one interval at most.
type Coordinator struct {
	store        *fabric.PodStore
	seen         *SeenSet
	seenPath     string
	seenRestored bool
	log          zerolog.Logger

	pages atomic.Int64
	bytes atomic.Int64

	// intervalPages counts pages since the last checkpoint, for the crawl
	// rate readout. Not persisted.
	intervalPages atomic.Int64

	stopped    atomic.Bool
	reasonLock sync.Mutex
	stopReason string

	quit     chan struct{}
	quitOnce sync.Once
	running  bool
	loopDone chan struct{}
}

// New builds the coordinator over the coordination pod's store, restoring
// counters, the stop flag and the seen-set checkpoint if present. The seen
// checkpoint lives next to the pod's KV file.
func New(store *fabric.PodStore, kvPath string) (*Coordinator, error) {
	c := &Coordinator{
		store:    store,
		seenPath: filepath.Join(filepath.Dir(kvPath), "seen.bloom"),
		log:      crawler.ComponentLog("coordinator"),
		quit:     make(chan struct{}),
		loopDone: make(chan struct{}),
	}

	if v, err := store.GetMeta(metaPagesCrawled); err != nil {
		return nil, err
	} else if len(v) == 8 {
		c.pages.Store(int64(binary.BigEndian.Uint64(v)))
	}
	if v, err := store.GetMeta(metaBytesFetched); err != nil {
		return nil, err
	} else if len(v) == 8 {
		c.bytes.Store(int64(binary.BigEndian.Uint64(v)))
	}
	if v, err := store.GetMeta(metaStopReason); err != nil {
		return nil, err
	} else if v != nil {
		c.stopped.Store(true)
		c.stopReason = string(v)
	}

	seen, err := LoadSeenSet(c.seenPath)
	switch {
	case err == nil:
		c.seen = seen
		c.seenRestored = true
		c.log.Info().Str("path", c.seenPath).Msg("restored seen-set checkpoint")
	case os.IsNotExist(err):
		c.seen = NewSeenSet(crawler.Config.Coordinator.SeenCapacity, crawler.Config.Coordinator.SeenErrorRate)
	default:
		// A corrupt checkpoint is recoverable: start empty and let the
		// caller rebuild from the visited records.
		c.log.Warn().Err(err).Str("path", c.seenPath).Msg("seen-set checkpoint unreadable, starting empty")
		c.seen = NewSeenSet(crawler.Config.Coordinator.SeenCapacity, crawler.Config.Coordinator.SeenErrorRate)
	}
	return c, nil
}

// SeenRestored reports whether the seen-set came from a checkpoint. When it
// did not, the filter is empty and should be rebuilt with RebuildSeen before
// the crawl starts.
func (c *Coordinator) SeenRestored() bool { return c.seenRestored }

// Seen returns the crawl-wide dedup filter.
func (c *Coordinator) Seen() *SeenSet { return c.seen }

// RebuildSeen repopulates the filter from every pod's visited records. Used
// when the checkpoint is lost or suspect; the filter only grows, so
// rebuilding over a live filter is safe.
func (c *Coordinator) RebuildSeen(f *fabric.Fabric) error {
	var count int64
	for i := 0; i < f.NumPods(); i++ {
		err := f.Pod(i).ForEachVisited(func(rec *crawler.VisitedRecord) error {
			c.seen.TestAndAdd(rec.Fingerprint)
			count++
			return nil
		})
		if err != nil {
			return fmt.Errorf("rebuilding seen-set from pod %d: %w", i, err)
		}
	}
	c.log.Info().Int64("fingerprints", count).Msg("rebuilt seen-set from visited records")
	return nil
}

// RecordPage accounts one fetched page.
func (c *Coordinator) RecordPage(bytes int64) {
	c.pages.Add(1)
	c.bytes.Add(bytes)
	c.intervalPages.Add(1)
}

// PagesInInterval returns the pages crawled since the last checkpoint.
func (c *Coordinator) PagesInInterval() int64 { return c.intervalPages.Load() }

// PagesCrawled returns the monotonic crawled-page count.
func (c *Coordinator) PagesCrawled() int64 { return c.pages.Load() }

// BytesFetched returns the monotonic fetched-byte count.
func (c *Coordinator) BytesFetched() int64 { return c.bytes.Load() }

// Stopped reports whether the stop flag is raised.
func (c *Coordinator) Stopped() bool { return c.stopped.Load() }

// StopReason returns the reason recorded by the first Stop call, or "".
func (c *Coordinator) StopReason() string {
	c.reasonLock.Lock()
	defer c.reasonLock.Unlock()
	return c.stopReason
}

// Stop raises the stop flag. The first reason wins; later calls are no-ops.
// The flag is persisted immediately so a crash right after cannot resurrect
// the crawl.
func (c *Coordinator) Stop(reason string) {
	if c.stopped.Swap(true) {
		return
	}
	c.reasonLock.Lock()
	c.stopReason = reason
	c.reasonLock.Unlock()

	c.log.Info().Str("reason", reason).Msg("stop flag raised")
	if err := c.store.PutMeta(metaStopReason, []byte(reason)); err != nil {
		c.log.Error().Err(err).Msg("failed to persist stop flag")
	}
}

// Run starts the checkpoint loop and the stop-criteria watcher. maxPages and
// maxDuration of zero mean unlimited. Returns immediately; Close joins.
func (c *Coordinator) Run(maxPages int64, maxDuration time.Duration) {
	interval, err := time.ParseDuration(crawler.Config.Coordinator.CheckpointInterval)
	if err != nil {
		interval = 5 * time.Minute
	}
	start := time.Now()
	c.running = true

	go func() {
		defer close(c.loopDone)
		checkpointTicker := time.NewTicker(interval)
		criteriaTicker := time.NewTicker(time.Second)
		defer checkpointTicker.Stop()
		defer criteriaTicker.Stop()
		for {
			select {
			case <-c.quit:
				return
			case <-checkpointTicker.C:
				if err := c.Checkpoint(); err != nil {
					c.log.Error().Err(err).Msg("checkpoint failed")
				}
			case <-criteriaTicker.C:
				if maxPages > 0 && c.pages.Load() >= maxPages {
					c.Stop(fmt.Sprintf("max pages reached (%d)", maxPages))
				}
				if maxDuration > 0 && time.Since(start) >= maxDuration {
					c.Stop(fmt.Sprintf("max duration reached (%v)", maxDuration))
				}
			}
		}
	}()
}

// Checkpoint persists the counters and the seen-set.
func (c *Coordinator) Checkpoint() error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(c.pages.Load()))
	if err := c.store.PutMeta(metaPagesCrawled, append([]byte(nil), buf[:]...)); err != nil {
		return err
	}
	binary.BigEndian.PutUint64(buf[:], uint64(c.bytes.Load()))
	if err := c.store.PutMeta(metaBytesFetched, append([]byte(nil), buf[:]...)); err != nil {
		return err
	}
	if err := c.seen.Save(c.seenPath); err != nil {
		return err
	}
	interval := c.intervalPages.Swap(0)
	c.log.Debug().
		Int64("pages", c.pages.Load()).
		Int64("bytes", c.bytes.Load()).
		Int64("pages_in_interval", interval).
		Msg("checkpointed")
	return nil
}

// Close stops the background loop and writes a final checkpoint.
func (c *Coordinator) Close() error {
	c.quitOnce.Do(func() {
		close(c.quit)
	})
	if c.running {
		<-c.loopDone
	}
	return c.Checkpoint()
}
