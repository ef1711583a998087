// Package frontier implements the per-pod URL frontier: one append-only file
// of pending URLs per registrable domain, plus an in-memory queue of domains
// that have unread URLs and are past their politeness cooldown.
package frontier

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	crawler "github.com/andrewkchan/crawler"
	"github.com/andrewkchan/crawler/fabric"
)

// Deduper is the seen-approximator hook. TestAndAdd inserts the fingerprint
// and reports whether it was already present.
type Deduper interface {
	TestAndAdd(fp uint64) bool
}

// Frontier is one pod's URL frontier. It implements crawler.Frontier.
type Frontier struct {
	podID    int
	dir      string
	store    *fabric.PodStore
	dedup    Deduper
	queue    *readyQueue
	minDelay time.Duration
	log      zerolog.Logger

	retryAttempts int
	retryBackoff  time.Duration

	// unread approximates the URLs appended but not yet popped.
	unread atomic.Int64

	// appendMutex serializes appends per domain so a batch's lines land
	// contiguously and offsets stay consistent with the domain record.
	appendMutex sync.Mutex

	// claimed tracks domains handed out by Next and not yet released. A
	// claimed domain never re-enters the queue, which is what guarantees
	// at most one in-flight fetch per domain.
	claimMutex sync.Mutex
	claimed    map[string]bool
}

// New creates the frontier for pod podID, backed by its pod store, writing
// frontier files under dir/<podID>/.
func New(podID int, dir string, store *fabric.PodStore, dedup Deduper) (*Frontier, error) {
	podDir := filepath.Join(dir, strconv.Itoa(podID))
	if err := os.MkdirAll(podDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create frontier directory: %w", err)
	}
	minDelay, err := time.ParseDuration(crawler.Config.Politeness.MinDelay)
	if err != nil {
		return nil, fmt.Errorf("politeness.min_delay: %w", err)
	}
	retryBackoff, err := time.ParseDuration(crawler.Config.Fabric.StoreRetryBackoff)
	if err != nil {
		return nil, fmt.Errorf("fabric.store_retry_backoff: %w", err)
	}
	return &Frontier{
		podID:         podID,
		dir:           podDir,
		store:         store,
		dedup:         dedup,
		queue:         newReadyQueue(),
		minDelay:      minDelay,
		claimed:       make(map[string]bool),
		log:           crawler.PodLog("frontier", podID),
		retryAttempts: crawler.Config.Fabric.StoreRetryAttempts,
		retryBackoff:  retryBackoff,
	}, nil
}

// withRetry runs op, retrying failures with exponential backoff up to
// attempts extra tries.
func withRetry(attempts int, backoff time.Duration, op func() error) error {
	var err error
	for attempt := 0; attempt <= attempts; attempt++ {
		if attempt > 0 {
			time.Sleep(backoff << uint(attempt-1))
		}
		if err = op(); err == nil {
			return nil
		}
	}
	return err
}

func (f *Frontier) filePath(domain string) string {
	return filepath.Join(f.dir, domain+".frontier")
}

// encodeLine renders one frontier line. The separator is the last '|' on the
// line, so URLs containing '|' survive the round trip.
func encodeLine(u *crawler.URL) string {
	return u.String() + "|" + strconv.Itoa(u.Depth) + "\n"
}

func decodeLine(line string) (*crawler.URL, error) {
	sep := strings.LastIndexByte(line, '|')
	if sep < 0 {
		return nil, fmt.Errorf("frontier line has no separator: %q", line)
	}
	depth, err := strconv.Atoi(strings.TrimSpace(line[sep+1:]))
	if err != nil {
		return nil, fmt.Errorf("frontier line has bad depth: %q", line)
	}
	u, err := crawler.ParseURL(line[:sep])
	if err != nil {
		return nil, err
	}
	u.Depth = depth
	return u, nil
}

// Add admits a batch of URLs into this pod's frontier. Every URL is run
// through the seen-approximator; duplicates are dropped unless bypassSeen is
// set, in which case the fingerprint is still inserted but the URL is
// admitted regardless.
func (f *Frontier) Add(links []*crawler.URL, bypassSeen bool) (admitted, dropped int, err error) {
	return f.add(links, bypassSeen, false)
}

// AddSeeds admits seed URLs: the seen-approximator is bypassed and each
// receiving domain's record is stamped as seeded.
func (f *Frontier) AddSeeds(links []*crawler.URL) (admitted, dropped int, err error) {
	return f.add(links, true, true)
}

func (f *Frontier) add(links []*crawler.URL, bypassSeen, seeded bool) (admitted, dropped int, err error) {
	byDomain := make(map[string][]*crawler.URL)
	for _, link := range links {
		link.Normalize()
		alreadySeen := f.dedup.TestAndAdd(link.Fingerprint())
		if alreadySeen && !bypassSeen {
			dropped++
			continue
		}
		domain, derr := link.RegistrableDomain()
		if derr != nil {
			dropped++
			continue
		}
		byDomain[domain] = append(byDomain[domain], link)
	}

	for domain, batch := range byDomain {
		lastFetch, aerr := f.appendBatch(domain, batch, seeded)
		if aerr != nil {
			err = aerr
			dropped += len(batch)
			continue
		}
		admitted += len(batch)
		f.unread.Add(int64(len(batch)))
		// An idle domain that was fetched recently must not become eligible
		// before its politeness interval is up.
		eligible := time.Now()
		if next := lastFetch.Add(f.minDelay); next.After(eligible) {
			eligible = next
		}
		f.pushUnlessClaimed(domain, eligible)
	}
	return admitted, dropped, err
}

// appendBatch appends the batch to the domain's frontier file and bumps its
// record, returning the domain's last scheduled fetch time so the caller can
// schedule eligibility. The file write happens before the record update; a
// crash between the two leaves extra unaccounted lines, which only inflate
// the size estimate.
func (f *Frontier) appendBatch(domain string, batch []*crawler.URL, seeded bool) (time.Time, error) {
	f.appendMutex.Lock()
	defer f.appendMutex.Unlock()

	var file *os.File
	err := withRetry(f.retryAttempts, f.retryBackoff, func() error {
		var oerr error
		file, oerr = os.OpenFile(f.filePath(domain), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		return oerr
	})
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to open frontier file for %v: %w", domain, err)
	}
	defer file.Close()

	w := bufio.NewWriter(file)
	for _, link := range batch {
		if _, err := w.WriteString(encodeLine(link)); err != nil {
			return time.Time{}, fmt.Errorf("failed to append to frontier of %v: %w", domain, err)
		}
	}
	if err := w.Flush(); err != nil {
		return time.Time{}, fmt.Errorf("failed to flush frontier of %v: %w", domain, err)
	}

	// Mid-append write failures are not retried: re-running the append
	// could duplicate lines. A failed record update commits nothing, so
	// retrying it is safe.
	var lastFetch time.Time
	err = withRetry(f.retryAttempts, f.retryBackoff, func() error {
		return f.store.UpdateDomain(domain, func(rec *fabric.DomainRecord) error {
			rec.URLsAdded += int64(len(batch))
			if seeded {
				rec.Seeded = true
			}
			lastFetch = rec.LastScheduledFetch
			return nil
		})
	})
	return lastFetch, err
}

// Next blocks until a domain is eligible, claims it and returns its next
// unread URL. The claim holds until Release.
func (f *Frontier) Next(ctx context.Context) (*crawler.URL, string, error) {
	for {
		domain, err := f.queue.Pop(ctx)
		if err != nil {
			return nil, "", err
		}
		u, err := f.popURL(domain)
		if err != nil {
			f.log.Error().Err(err).Str("domain", domain).Msg("failed to pop url")
			// The claim is abandoned; the domain re-enters the queue on
			// the next Add.
			continue
		}
		if u == nil {
			// Nothing unread (raced with a partial write); domain goes
			// idle without a claim.
			continue
		}
		f.claimMutex.Lock()
		f.claimed[domain] = true
		f.claimMutex.Unlock()
		return u, domain, nil
	}
}

// pushUnlessClaimed queues the domain unless a fetcher currently holds it;
// the release path re-queues held domains itself.
func (f *Frontier) pushUnlessClaimed(domain string, eligibleAt time.Time) {
	f.claimMutex.Lock()
	held := f.claimed[domain]
	f.claimMutex.Unlock()
	if !held {
		f.queue.Push(domain, eligibleAt)
	}
}

// popURL reads the first complete unread line of the domain's frontier file
// and commits the advanced offset. Returns nil when no complete line is
// available.
func (f *Frontier) popURL(domain string) (*crawler.URL, error) {
	var popped *crawler.URL
	err := f.store.UpdateDomain(domain, func(rec *fabric.DomainRecord) error {
		file, err := os.Open(f.filePath(domain))
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		defer file.Close()

		if _, err := file.Seek(rec.FrontierOffset, io.SeekStart); err != nil {
			return err
		}
		line, err := bufio.NewReader(file).ReadString('\n')
		if err != nil {
			// EOF with a partial (or no) line: a writer is mid-append, or
			// the tail was cut by a crash. Skip until it completes.
			return nil
		}
		u, derr := decodeLine(strings.TrimRight(line, "\n"))
		rec.FrontierOffset += int64(len(line))
		if derr != nil {
			// A corrupt line is consumed and skipped, not retried forever.
			f.log.Warn().Err(derr).Str("domain", domain).Msg("skipping corrupt frontier line")
			return nil
		}
		popped = u
		return nil
	})
	if popped != nil {
		f.unread.Add(-1)
	}
	return popped, err
}

// Release returns a claimed domain. If it still has unread URLs it re-enters
// the queue after penalty; otherwise it goes idle until the next Add.
func (f *Frontier) Release(domain string, penalty time.Duration) {
	f.claimMutex.Lock()
	delete(f.claimed, domain)
	f.claimMutex.Unlock()

	unread, err := f.hasUnread(domain)
	if err != nil {
		f.log.Error().Err(err).Str("domain", domain).Msg("failed to check unread state on release")
		return
	}
	if unread {
		f.queue.Push(domain, time.Now().Add(penalty))
	}
}

func (f *Frontier) hasUnread(domain string) (bool, error) {
	rec, err := f.store.GetDomain(domain)
	if err != nil || rec == nil {
		return false, err
	}
	info, err := os.Stat(f.filePath(domain))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return info.Size() > rec.FrontierOffset, nil
}

// Count estimates the unread URLs across all domains of this pod.
func (f *Frontier) Count() int64 {
	return f.unread.Load()
}

// Resume rebuilds the ready queue and the unread estimate from the frontier
// directory and the persisted offsets. Call once before starting workers.
func (f *Frontier) Resume() error {
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return fmt.Errorf("failed to read frontier directory: %w", err)
	}

	var total int64
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".frontier") {
			continue
		}
		domain := strings.TrimSuffix(name, ".frontier")

		rec, err := f.store.GetDomain(domain)
		if err != nil {
			return err
		}
		var offset int64
		if rec != nil {
			offset = rec.FrontierOffset
		}

		unread, err := f.countUnread(domain, offset)
		if err != nil {
			f.log.Warn().Err(err).Str("domain", domain).Msg("failed to scan frontier file, skipping")
			continue
		}
		if unread > 0 {
			total += unread
			f.queue.Push(domain, time.Now())
		}
	}
	f.unread.Store(total)
	f.log.Info().Int64("unread", total).Int("ready_domains", f.queue.Len()).Msg("frontier resumed")
	return nil
}

// countUnread counts the complete lines after offset. A partial trailing
// line does not count.
func (f *Frontier) countUnread(domain string, offset int64) (int64, error) {
	file, err := os.Open(f.filePath(domain))
	if err != nil {
		return 0, err
	}
	defer file.Close()
	if _, err := file.Seek(offset, io.SeekStart); err != nil {
		return 0, err
	}

	var count int64
	reader := bufio.NewReader(file)
	for {
		_, err := reader.ReadString('\n')
		if err != nil {
			// The final fragment (if any) has no newline and is not a
			// complete URL.
			return count, nil
		}
		count++
	}
}
