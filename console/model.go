// Package console is the operator API: a small JSON service for watching a
// running crawl and feeding it URLs.
package console

import (
	"time"

	crawler "github.com/andrewkchan/crawler"
)

// StatusInfo is the crawl-wide snapshot served by /rest/status.
type StatusInfo struct {
	PagesCrawled int64  `json:"pages_crawled"`
	BytesFetched int64  `json:"bytes_fetched"`
	Stopped      bool   `json:"stopped"`
	StopReason   string `json:"stop_reason,omitempty"`

	// PagesInInterval counts pages since the last coordinator checkpoint.
	PagesInInterval int64 `json:"pages_in_interval"`

	// FrontierURLs estimates unread frontier URLs per pod, indexed by pod.
	FrontierURLs []int64 `json:"frontier_urls"`
}

// DomainInfo is the per-domain snapshot served by /rest/domain/{domain}.
type DomainInfo struct {
	Domain             string    `json:"domain"`
	Pod                int       `json:"pod"`
	URLsAdded          int64     `json:"urls_added"`
	FrontierOffset     int64     `json:"frontier_offset"`
	LastScheduledFetch time.Time `json:"last_scheduled_fetch,omitempty"`
}

// Model is the data access layer the console controllers run against. The
// wiring code installs a live implementation in DS; tests install fakes.
type Model interface {
	// Status snapshots the global counters and per-pod frontier sizes.
	Status() (*StatusInfo, error)

	// AddLinks admits URLs into the crawl as if they were seeds. Returns
	// the admitted and duplicate-dropped counts.
	AddLinks(links []string) (admitted int, dropped int, err error)

	// FindDomain returns the domain's record, or nil if unknown.
	FindDomain(domain string) (*DomainInfo, error)

	// FindVisited returns the visited record for a URL, or nil if the URL
	// has not been crawled.
	FindVisited(url string) (*crawler.VisitedRecord, error)
}

// DS is the Model all controllers use. Must be set before Run.
var DS Model
