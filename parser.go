package crawler

import (
	"time"

	"github.com/rs/zerolog"
)

// parser is a single parse worker. It drains its pod's parse queue, extracts
// text and links, stores content, upserts visited records and admits the
// discovered links into the owning pods' frontiers.
type parser struct {
	pod       *podRuntime
	extractor TextExtractor
	log       zerolog.Logger

	quit chan struct{}
	done chan struct{}

	retryAttempts int
	retryBackoff  time.Duration
}

func newParser(pod *podRuntime, id int) *parser {
	backoff, err := time.ParseDuration(Config.Fabric.StoreRetryBackoff)
	if err != nil {
		// Already validated by AssertConfigInvariants.
		panic(err)
	}
	return &parser{
		pod:           pod,
		extractor:     pod.manager.NewExtractor(),
		log:           PodLog("parser", pod.id).With().Int("worker", id).Logger(),
		quit:          make(chan struct{}),
		done:          make(chan struct{}),
		retryAttempts: Config.Fabric.StoreRetryAttempts,
		retryBackoff:  backoff,
	}
}

// start blocks until the parse queue closes, then drains and exits.
func (p *parser) start() {
	p.log.Debug().Msg("starting parser")
	for fr := range p.pod.parseQueue {
		p.handle(fr)
		p.pod.parseGauge.Done()
		parseQueueDepth.WithLabelValues(p.pod.label).Set(float64(p.pod.parseGauge.Level()))
	}
	p.log.Debug().Msg("stopping parser")
	p.done <- struct{}{}
}

// stop waits for the parser to finish draining. The manager closes the parse
// queue; stop just joins.
func (p *parser) stop() {
	<-p.done
}

// handle runs one fetch result to completion. The visited record is written
// only after the content artifact (if any) is durable, so a crash can lose a
// page's claim to have been crawled but never the reverse.
func (p *parser) handle(fr *FetchResult) {
	record := &VisitedRecord{
		Fingerprint: fr.URL.Fingerprint(),
		URL:         fr.URL.String(),
		Domain:      fr.Domain,
		Status:      fr.Status,
		CrawlTime:   fr.FetchTime,
		MimeType:    fr.MimeType,
		Truncated:   fr.Truncated,
	}
	if final := fr.FinalURL(); !final.Equal(fr.URL) {
		record.FinalURL = final.String()
	}

	if fr.FetchError != nil {
		if fr.Status == 0 {
			// No response was obtained, so there is nothing to record. The
			// URL stays eligible for a future crawl.
			p.log.Debug().Err(fr.FetchError).Str("url", record.URL).Msg("dropping failed fetch")
			return
		}
		record.FetchError = fr.FetchError.Error()
		p.putVisited(record)
		p.pod.manager.Coordinator.RecordPage(0)
		return
	}

	if fr.Status < 200 || fr.Status > 299 {
		p.putVisited(record)
		p.pod.manager.Coordinator.RecordPage(int64(len(fr.Body)))
		return
	}

	text, links := p.extractor.Extract(fr.Body, fr.MimeType)

	if len(text) > 0 {
		key := fr.URL.ContentKey()
		path, existed, err := p.putContent(key, text)
		if err != nil {
			// Without a durable artifact the visited record must not claim
			// this page. The URL stays eligible for a future crawl.
			p.log.Error().Err(err).Str("url", record.URL).Msg("content store write failed, dropping page")
			return
		}
		record.ContentHash = key.Hex()
		record.ContentPath = path
		if !existed {
			pagesStoredTotal.WithLabelValues(p.pod.label).Inc()
		}
	}

	p.putVisited(record)
	p.pod.manager.Coordinator.RecordPage(int64(len(fr.Body)))

	p.admitLinks(fr, links)
}

// putContent writes to the content store with bounded retry. Local disks
// wobble; a write that keeps failing is surfaced to the caller.
func (p *parser) putContent(key ContentKey, text []byte) (string, bool, error) {
	var path string
	var existed bool
	var err error
	for attempt := 0; attempt <= p.retryAttempts; attempt++ {
		if attempt > 0 {
			time.Sleep(p.retryBackoff << uint(attempt-1))
		}
		path, existed, err = p.pod.manager.Content.Put(key, text)
		if err == nil {
			return path, existed, nil
		}
	}
	return "", false, err
}

func (p *parser) putVisited(record *VisitedRecord) {
	var err error
	for attempt := 0; attempt <= p.retryAttempts; attempt++ {
		if attempt > 0 {
			time.Sleep(p.retryBackoff << uint(attempt-1))
		}
		if err = p.pod.visited.PutVisited(record); err == nil {
			return
		}
	}
	p.log.Error().Err(err).Str("url", record.URL).Msg("visited upsert failed")
}

// admitLinks resolves, normalizes and routes the page's outbound links to the
// frontiers of their owning pods.
func (p *parser) admitLinks(fr *FetchResult, links []*URL) {
	if len(links) == 0 {
		return
	}
	if max := Config.Parser.MaxLinksPerPage; max > 0 && len(links) > max {
		links = links[:max]
	}

	base := fr.FinalURL()
	depth := fr.URL.Depth + 1
	numPods := len(p.pod.manager.pods)
	batches := make(map[int][]*URL)
	for _, link := range links {
		link.MakeAbsolute(base)
		if link.Scheme != "http" && link.Scheme != "https" {
			continue
		}
		link.Normalize()
		link.Depth = depth
		domain, err := link.RegistrableDomain()
		if err != nil {
			continue
		}
		owner := PodOf(domain, numPods)
		batches[owner] = append(batches[owner], link)
	}

	for owner, batch := range batches {
		admitted, dropped, err := p.pod.manager.pods[owner].frontier.Add(batch, false)
		if err != nil {
			p.log.Error().Err(err).Int("owner", owner).Int("links", len(batch)).Msg("frontier add failed")
			continue
		}
		linksDiscoveredTotal.WithLabelValues(p.pod.label, "admitted").Add(float64(admitted))
		linksDiscoveredTotal.WithLabelValues(p.pod.label, "dropped").Add(float64(dropped))
	}
}
