// Package politeness decides whether and when a URL may be fetched: manual
// exclusions, seeded-only mode, robots.txt rules and the per-domain fetch
// spacing that keeps the crawler a good citizen.
package politeness

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"
	"github.com/temoto/robotstxt"

	crawler "github.com/andrewkchan/crawler"
	"github.com/andrewkchan/crawler/fabric"
)

// Rejection reasons returned by Allowed.
const (
	ReasonExcluded  = "excluded"
	ReasonNotSeeded = "not_seeded"
	ReasonRobots    = "robots"
)

// robotsEntry is a cached, parsed robots.txt group for one domain.
type robotsEntry struct {
	group     *robotstxt.Group
	fetchedAt time.Time
}

// Engine implements crawler.Politeness for one pod's domains.
type Engine struct {
	podID int
	store *fabric.PodStore
	log   zerolog.Logger

	// client fetches robots.txt files over the crawl's shared transport.
	client *http.Client

	robots *lru.Cache[string, *robotsEntry]
	ttl    time.Duration

	minDelay      time.Duration
	maxCrawlDelay time.Duration

	// flight serializes robots fetches per domain so a burst of URLs for a
	// new domain costs one robots GET, not hundreds.
	flightMutex sync.Mutex
	flight      map[string]*sync.Mutex

	// excluded holds manually excluded domains, loaded at startup.
	excludedMutex sync.RWMutex
	excluded      map[string]bool

	// seedDomains is non-nil in seeded-only mode; only these domains may
	// be fetched.
	seedMutex   sync.RWMutex
	seedDomains map[string]bool

	defaultGroup *robotstxt.Group
}

// NewEngine builds the politeness engine for pod podID. Robots fetches go
// through transport, the same one the fetchers use. Durations come from the
// loaded configuration.
func NewEngine(podID int, store *fabric.PodStore, transport http.RoundTripper) (*Engine, error) {
	minDelay, err := time.ParseDuration(crawler.Config.Politeness.MinDelay)
	if err != nil {
		return nil, fmt.Errorf("politeness.min_delay: %w", err)
	}
	httpTimeout, err := time.ParseDuration(crawler.Config.Fetcher.HTTPTimeout)
	if err != nil {
		return nil, fmt.Errorf("fetcher.http_timeout: %w", err)
	}
	maxCrawlDelay, err := time.ParseDuration(crawler.Config.Politeness.MaxCrawlDelay)
	if err != nil {
		return nil, fmt.Errorf("politeness.max_crawl_delay: %w", err)
	}
	ttl, err := time.ParseDuration(crawler.Config.Politeness.RobotsCacheTTL)
	if err != nil {
		return nil, fmt.Errorf("politeness.robots_cache_ttl: %w", err)
	}
	robots, err := lru.New[string, *robotsEntry](crawler.Config.Politeness.RobotsMemoryCacheEntries)
	if err != nil {
		return nil, err
	}

	allowAll, _ := robotstxt.FromBytes([]byte("User-agent: *\n"))

	e := &Engine{
		podID:         podID,
		store:         store,
		log:           crawler.PodLog("politeness", podID),
		client:        &http.Client{Transport: transport, Timeout: httpTimeout},
		robots:        robots,
		ttl:           ttl,
		minDelay:      minDelay,
		maxCrawlDelay: maxCrawlDelay,
		flight:        make(map[string]*sync.Mutex),
		excluded:      make(map[string]bool),
		defaultGroup:  allowAll.FindGroup(crawler.Config.Fetcher.UserAgent),
	}
	if path := crawler.Config.Politeness.ExclusionsFile; path != "" {
		if err := e.LoadManualExclusions(path); err != nil {
			return nil, err
		}
	}
	return e, nil
}

// LoadManualExclusions reads a file of registrable domains, one per line,
// that must never be fetched. Blank lines and #-comments are skipped.
func (e *Engine) LoadManualExclusions(path string) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open exclusions file: %w", err)
	}
	defer file.Close()

	count := 0
	e.excludedMutex.Lock()
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		e.excluded[strings.ToLower(line)] = true
		count++
	}
	err = scanner.Err()
	e.excludedMutex.Unlock()
	if err != nil {
		return fmt.Errorf("failed to read exclusions file: %w", err)
	}

	// Persist the flag on the records of the domains this pod owns, so the
	// exclusion is visible in the store even between runs.
	e.excludedMutex.RLock()
	defer e.excludedMutex.RUnlock()
	for domain := range e.excluded {
		if !e.owns(domain) {
			continue
		}
		uerr := e.store.UpdateDomain(domain, func(rec *fabric.DomainRecord) error {
			rec.ManuallyExcluded = true
			return nil
		})
		if uerr != nil {
			return uerr
		}
	}
	e.log.Info().Int("domains", count).Str("file", path).Msg("loaded manual exclusions")
	return nil
}

// SetSeedDomains switches the engine into seeded-only mode: any domain not
// in the given set is rejected. Domains owned by this pod get the seeded
// flag stamped on their records.
func (e *Engine) SetSeedDomains(domains []string) {
	set := make(map[string]bool, len(domains))
	for _, d := range domains {
		set[strings.ToLower(d)] = true
	}
	e.seedMutex.Lock()
	e.seedDomains = set
	e.seedMutex.Unlock()

	for domain := range set {
		if !e.owns(domain) {
			continue
		}
		err := e.store.UpdateDomain(domain, func(rec *fabric.DomainRecord) error {
			rec.Seeded = true
			return nil
		})
		if err != nil {
			e.log.Error().Err(err).Str("domain", domain).Msg("failed to stamp seeded flag")
		}
	}
}

// owns reports whether this pod owns the domain. With no pods configured
// (unit tests building an engine directly) everything is owned.
func (e *Engine) owns(domain string) bool {
	n := crawler.Config.NumPods()
	if n == 0 {
		return true
	}
	return crawler.PodOf(domain, n) == e.podID
}

// Allowed reports whether u may be fetched. The checks run cheapest first;
// robots.txt is consulted (and possibly fetched) only when the URL survives
// the in-memory filters.
func (e *Engine) Allowed(ctx context.Context, u *crawler.URL, domain string) (bool, string, error) {
	e.excludedMutex.RLock()
	excluded := e.excluded[domain]
	e.excludedMutex.RUnlock()
	if excluded {
		return false, ReasonExcluded, nil
	}

	e.seedMutex.RLock()
	seeds := e.seedDomains
	e.seedMutex.RUnlock()
	if seeds != nil && !seeds[domain] {
		return false, ReasonNotSeeded, nil
	}

	group := e.robotsGroup(ctx, u.Host, domain)
	if !group.Test(u.RequestURI()) {
		return false, ReasonRobots, nil
	}
	return true, "", nil
}

// CanFetchNow reports whether the domain's politeness interval has elapsed
// since the last scheduled fetch, and if not, how much cooldown remains.
func (e *Engine) CanFetchNow(domain string) (bool, time.Duration, error) {
	rec, err := e.store.GetDomain(domain)
	if err != nil {
		return false, 0, err
	}
	if rec == nil || rec.LastScheduledFetch.IsZero() {
		return true, 0, nil
	}
	wait := e.Delay(domain) - time.Since(rec.LastScheduledFetch)
	if wait <= 0 {
		return true, 0, nil
	}
	return false, wait, nil
}

// Delay returns the interval the domain must wait between fetches: the
// larger of the configured minimum and the robots crawl-delay, capped so a
// hostile robots.txt cannot park a domain forever.
func (e *Engine) Delay(domain string) time.Duration {
	delay := e.minDelay
	if entry, ok := e.robots.Get(domain); ok {
		if cd := entry.group.CrawlDelay; cd > delay {
			delay = cd
		}
	}
	if delay > e.maxCrawlDelay {
		delay = e.maxCrawlDelay
	}
	return delay
}

// RecordFetchAttempt stamps the domain's last scheduled fetch time. Called
// by a fetcher the moment it commits to fetching.
func (e *Engine) RecordFetchAttempt(domain string) error {
	return e.store.UpdateDomain(domain, func(rec *fabric.DomainRecord) error {
		rec.LastScheduledFetch = time.Now()
		return nil
	})
}

// robotsGroup returns the cached robots group for the domain. The lookup
// chain is memory LRU, then the pod store (TTL respected), then the network.
func (e *Engine) robotsGroup(ctx context.Context, host, domain string) *robotstxt.Group {
	if entry, ok := e.robots.Get(domain); ok && time.Since(entry.fetchedAt) < e.ttl {
		return entry.group
	}

	// Per-domain single flight. The winner fetches; the rest wait for the
	// cache to fill.
	e.flightMutex.Lock()
	mu, ok := e.flight[domain]
	if !ok {
		mu = &sync.Mutex{}
		e.flight[domain] = mu
	}
	e.flightMutex.Unlock()

	mu.Lock()
	defer mu.Unlock()

	if entry, ok := e.robots.Get(domain); ok && time.Since(entry.fetchedAt) < e.ttl {
		return entry.group
	}

	if rec, err := e.store.GetDomain(domain); err == nil && rec != nil &&
		!rec.RobotsFetched.IsZero() && time.Now().Before(rec.RobotsExpires) {
		group := e.parseRobots(rec.RobotsBody)
		e.robots.Add(domain, &robotsEntry{group: group, fetchedAt: rec.RobotsFetched})
		return group
	}

	group, body := e.fetchRobots(ctx, host)
	now := time.Now()
	e.robots.Add(domain, &robotsEntry{group: group, fetchedAt: now})
	err := e.store.UpdateDomain(domain, func(rec *fabric.DomainRecord) error {
		rec.RobotsBody = body
		rec.RobotsFetched = now
		rec.RobotsExpires = now.Add(e.ttl)
		return nil
	})
	if err != nil {
		e.log.Error().Err(err).Str("domain", domain).Msg("failed to persist robots verdict")
	}
	return group
}

// parseRobots turns a stored robots.txt body into a group for our agent. A
// nil body is the cached "no robots.txt" verdict.
func (e *Engine) parseRobots(body []byte) *robotstxt.Group {
	if body == nil {
		return e.defaultGroup
	}
	robots, err := robotstxt.FromBytes(body)
	if err != nil {
		return e.defaultGroup
	}
	group := robots.FindGroup(crawler.Config.Fetcher.UserAgent)
	if group.CrawlDelay > e.maxCrawlDelay {
		group.CrawlDelay = e.maxCrawlDelay
	}
	return group
}

// fetchRobots GETs the host's robots.txt over http, falling back to https.
// Any failure to obtain or parse one yields the allow-all default, cached
// like a real result so dead hosts are not hammered. body is non-nil only
// for a parsed 200 response and is what gets persisted to the pod store.
func (e *Engine) fetchRobots(ctx context.Context, host string) (*robotstxt.Group, []byte) {
	for _, scheme := range []string{"http", "https"} {
		robotsURL := &url.URL{Scheme: scheme, Host: host, Path: "/robots.txt"}
		req, err := http.NewRequestWithContext(ctx, "GET", robotsURL.String(), nil)
		if err != nil {
			continue
		}
		req.Header.Set("User-Agent", crawler.Config.Fetcher.UserAgent)

		resp, err := e.client.Do(req)
		if err != nil {
			e.log.Debug().Err(err).Str("url", robotsURL.String()).Msg("robots fetch failed")
			continue
		}
		body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		resp.Body.Close()
		if err != nil {
			continue
		}

		robots, err := robotstxt.FromStatusAndBytes(resp.StatusCode, body)
		if err != nil {
			e.log.Debug().Err(err).Str("host", host).Msg("error parsing robots.txt, assuming none")
			return e.defaultGroup, nil
		}
		group := robots.FindGroup(crawler.Config.Fetcher.UserAgent)
		if group.CrawlDelay > e.maxCrawlDelay {
			group.CrawlDelay = e.maxCrawlDelay
		}
		if resp.StatusCode == http.StatusOK {
			return group, body
		}
		return group, nil
	}
	return e.defaultGroup, nil
}
