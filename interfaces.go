package crawler

import (
	"context"
	"time"
)

// Frontier hands URLs to fetchers and admits newly discovered ones. Each pod
// owns exactly one Frontier; URLs whose domain hashes to another pod are
// routed to that pod's Frontier by the caller (see fabric routing in the
// frontier package).
type Frontier interface {
	// Add admits a batch of URLs. Each URL is canonicalized, checked
	// against the seen-approximator (unless bypassSeen, used for seed
	// ingestion and for requeueing an already-seen URL), appended to its
	// domain's frontier file, and the domain is made ready no earlier than
	// its politeness interval allows. Returns the number admitted and the number dropped as
	// duplicates.
	Add(links []*URL, bypassSeen bool) (admitted int, dropped int, err error)

	// Next blocks until a domain is eligible and returns one URL from it
	// along with its registrable domain. The domain is claimed until
	// Release is called: no other fetcher will receive a URL for it.
	Next(ctx context.Context) (u *URL, domain string, err error)

	// Release returns a claimed domain to the queue. penalty is how long
	// the domain must cool down before its next fetch; zero means the
	// domain is immediately eligible again (used when politeness rejected
	// the popped URL and no fetch happened). A domain with no unread URLs
	// goes idle instead.
	Release(domain string, penalty time.Duration)

	// Count estimates the number of unread URLs across all domains of this
	// pod. Exact counts are not required.
	Count() int64

	// Resume scans the frontier directory and rebuilds the ready-domains
	// queue from persisted offsets and file sizes.
	Resume() error
}

// Politeness decides whether a URL is permitted and when a domain is
// eligible for its next fetch.
type Politeness interface {
	// Allowed reports whether u may be fetched, consulting manual
	// exclusions, seeded-only mode and robots.txt. A non-empty reason is
	// returned when disallowed.
	Allowed(ctx context.Context, u *URL, domain string) (ok bool, reason string, err error)

	// CanFetchNow reports whether the domain's politeness interval has
	// elapsed since its last scheduled fetch. When it has not, wait is the
	// remaining cooldown.
	CanFetchNow(domain string) (ok bool, wait time.Duration, err error)

	// Delay returns max(robots crawl-delay, configured minimum delay) for
	// the domain.
	Delay(domain string) time.Duration

	// RecordFetchAttempt stamps the domain's last_scheduled_fetch_ts.
	RecordFetchAttempt(domain string) error
}

// TextExtractor turns a fetched body into visible text and outbound links.
// HTMLParser is the in-tree implementation; it is an interface so handlers
// for other content types can be plugged in.
type TextExtractor interface {
	Extract(body []byte, contentType string) (text []byte, links []*URL)
}

// ContentStore is the durable write-once store for extracted text.
type ContentStore interface {
	// Put writes text under the given key. Writing the same key twice is
	// success without a rewrite; a reader never observes a partial file.
	// Returns the final path of the artifact.
	Put(key ContentKey, text []byte) (path string, existed bool, err error)
}

// VisitedRecord is the authoritative record of a URL that has been fetched
// and (possibly) stored. It is keyed by the URL's 64-bit fingerprint and
// upserts are idempotent.
type VisitedRecord struct {
	Fingerprint uint64    `json:"fp"`
	URL         string    `json:"url"`
	Domain      string    `json:"dom"`
	Status      int       `json:"stat"`
	CrawlTime   time.Time `json:"time"`
	MimeType    string    `json:"mime,omitempty"`
	ContentHash string    `json:"content_hash,omitempty"`
	ContentPath string    `json:"content_path,omitempty"`
	FinalURL    string    `json:"final_url,omitempty"`
	FetchError  string    `json:"err,omitempty"`
	Truncated   bool      `json:"truncated,omitempty"`
}

// VisitedStore persists VisitedRecords.
type VisitedStore interface {
	PutVisited(v *VisitedRecord) error
	GetVisited(fp uint64) (*VisitedRecord, error)
}

// Coordinator exposes the process-wide counters, stop flag and
// seen-approximator hosted by the coordinator pod.
type Coordinator interface {
	// RecordPage accounts one fetched page of the given byte size.
	RecordPage(bytes int64)

	// Stopped reports whether the stop flag is set. Workers poll this at
	// every queue pop.
	Stopped() bool

	// Stop sets the stop flag with a human-readable reason. Idempotent.
	Stop(reason string)

	// PagesCrawled returns the monotonic crawled-page count.
	PagesCrawled() int64

	// BytesFetched returns the monotonic fetched-byte count.
	BytesFetched() int64
}
