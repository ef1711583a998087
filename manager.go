package crawler

import (
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/andrewkchan/crawler/dnscache"
	"github.com/andrewkchan/crawler/semaphore"
)

// PodUnit bundles the per-pod services the manager drives. The wiring code
// (see the cmd package) builds one per configured pod.
type PodUnit struct {
	Frontier   Frontier
	Politeness Politeness
	Visited    VisitedStore
}

// podRuntime is a PodUnit plus the pipeline state the manager attaches to it.
type podRuntime struct {
	id    int
	label string

	manager    *CrawlManager
	frontier   Frontier
	politeness Politeness
	visited    VisitedStore

	parseQueue chan *FetchResult
	parseGauge *semaphore.Gauge

	fetchers []*fetcher
	parsers  []*parser
}

// CrawlManager runs the whole fetch and parse pipeline across all pods.
//
// The calling code must create a CrawlManager, set Pods, Coordinator and
// Content, then call Start(). Start blocks until Stop is called or the
// coordinator's stop flag is raised.
type CrawlManager struct {
	// Pods holds one unit per configured pod, indexed by pod id.
	Pods []PodUnit

	// Coordinator must be set; it hosts the stop flag and global counters.
	Coordinator Coordinator

	// Content must be set; it is shared by all pods.
	Content ContentStore

	// Transport can be set to override the default network transport. Good
	// for faking remote servers in tests.
	Transport http.RoundTripper

	// NewExtractor can be set to override the extractor each parse worker
	// uses. Defaults to a fresh HTMLParser per worker.
	NewExtractor func() TextExtractor

	pods     []*podRuntime
	limiter  *rate.Limiter
	started  bool
	stopOnce sync.Once
	workWait sync.WaitGroup

	watchQuit chan struct{}
}

// Start spins up the fetch and parse workers for every pod and blocks until
// the crawl stops.
func (fm *CrawlManager) Start() error {
	log := ComponentLog("manager")

	if fm.started {
		return fmt.Errorf("manager was started twice")
	}
	fm.started = true
	if len(fm.Pods) == 0 {
		return fmt.Errorf("no pods configured")
	}
	if fm.Coordinator == nil {
		return fmt.Errorf("coordinator not set")
	}
	if fm.Content == nil {
		return fmt.Errorf("content store not set")
	}
	if fm.NewExtractor == nil {
		fm.NewExtractor = func() TextExtractor { return &HTMLParser{} }
	}
	if fm.Transport == nil {
		t, err := DefaultTransport()
		if err != nil {
			return fmt.Errorf("building default transport: %w", err)
		}
		fm.Transport = t
	}
	if qps := Config.Fetcher.MaxFetchesPerSecond; qps > 0 {
		fm.limiter = rate.NewLimiter(rate.Limit(qps), int(qps)+1)
	}
	fm.watchQuit = make(chan struct{})

	for i, unit := range fm.Pods {
		pod := &podRuntime{
			id:         i,
			label:      strconv.Itoa(i),
			manager:    fm,
			frontier:   unit.Frontier,
			politeness: unit.Politeness,
			visited:    unit.Visited,
			parseQueue: make(chan *FetchResult, Config.Parser.ParseQueueHardLimit),
			parseGauge: semaphore.New(),
		}
		fm.pods = append(fm.pods, pod)
	}

	log.Info().
		Int("pods", len(fm.pods)).
		Int("fetchers_per_pod", Config.Fetcher.FetchersPerPod).
		Int("parsers_per_pod", Config.Parser.ParsersPerPod).
		Msg("starting crawl")

	for _, pod := range fm.pods {
		pod := pod
		for i := 0; i < Config.Parser.ParsersPerPod; i++ {
			p := newParser(pod, i)
			pod.parsers = append(pod.parsers, p)
			fm.workWait.Add(1)
			go func() {
				defer fm.workWait.Done()
				pinWorker(pod.id, false)
				p.start()
			}()
		}
		for i := 0; i < Config.Fetcher.FetchersPerPod; i++ {
			f := newFetcher(pod, i)
			pod.fetchers = append(pod.fetchers, f)
			fm.workWait.Add(1)
			go func() {
				defer fm.workWait.Done()
				pinWorker(pod.id, true)
				f.start()
			}()
		}
	}

	go fm.watchForStop()
	go fm.pollFrontierSizes()

	fm.workWait.Wait()
	return nil
}

// Stop halts the pipeline: fetchers first, then the parse queues drain within
// the configured grace period. Safe to call more than once.
func (fm *CrawlManager) Stop() {
	fm.stopOnce.Do(fm.stop)
}

func (fm *CrawlManager) stop() {
	log := ComponentLog("manager")
	log.Info().Msg("stopping crawl")
	close(fm.watchQuit)

	var wg sync.WaitGroup
	for _, pod := range fm.pods {
		for _, f := range pod.fetchers {
			wg.Add(1)
			go func(f *fetcher) {
				defer wg.Done()
				f.stop()
			}(f)
		}
	}
	wg.Wait()

	// No fetcher is producing now; closing the queues lets the parsers
	// drain what is left and exit.
	for _, pod := range fm.pods {
		close(pod.parseQueue)
	}

	grace, err := time.ParseDuration(Config.Fetcher.GraceShutdownTimeout)
	if err != nil {
		grace = 10 * time.Second
	}
	drained := make(chan struct{})
	go func() {
		for _, pod := range fm.pods {
			for _, p := range pod.parsers {
				p.stop()
			}
		}
		close(drained)
	}()
	select {
	case <-drained:
		log.Info().Msg("parse queues drained")
	case <-time.After(grace):
		log.Warn().Dur("grace", grace).Msg("grace period elapsed with parse work remaining")
	}
}

// watchForStop polls the coordinator's stop flag and shuts the pipeline down
// when it is raised. Workers also poll the flag at every queue pop; this
// watcher exists so a stop raised while all workers are blocked still wins.
func (fm *CrawlManager) watchForStop() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-fm.watchQuit:
			return
		case <-ticker.C:
			if fm.Coordinator.Stopped() {
				fm.Stop()
				return
			}
		}
	}
}

// pollFrontierSizes keeps the frontier gauge fresh. Counts are estimates, so
// a slow poll is fine.
func (fm *CrawlManager) pollFrontierSizes() {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-fm.watchQuit:
			return
		case <-ticker.C:
			for _, pod := range fm.pods {
				frontierSize.WithLabelValues(pod.label).Set(float64(pod.frontier.Count()))
			}
		}
	}
}

// DefaultTransport builds the transport the fetchers and the robots fetcher
// share: a keep-alive pooled http.Transport dialing through the DNS
// resolution cache.
func DefaultTransport() (http.RoundTripper, error) {
	dial, err := dnscache.DialContext(nil, Config.Fetcher.MaxDNSCacheEntries)
	if err != nil {
		return nil, err
	}
	return &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		DialContext:         dial,
		MaxIdleConns:        512,
		MaxIdleConnsPerHost: 2,
		IdleConnTimeout:     30 * time.Second,
	}, nil
}
