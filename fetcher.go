package crawler

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// FetchResult carries everything a parser needs about one completed (or
// failed) fetch.
type FetchResult struct {
	// URL that was requested, in canonical form.
	URL *URL

	// Domain is the URL's registrable domain, already claimed and released
	// by the fetcher. Parsers use it only for record keeping.
	Domain string

	// Status is the final HTTP status, or 0 if no response was obtained.
	Status int

	// Body holds the response body, possibly truncated (see Truncated).
	// nil when FetchError is set.
	Body []byte

	// MimeType is the media type from the final response's Content-Type.
	MimeType string

	// RedirectedFrom lists the intermediate request URLs when the fetch was
	// redirected. The last entry furnished the response.
	RedirectedFrom []*URL

	// FetchError is set if the request failed after all retries. Non-2XX
	// statuses are not errors.
	FetchError error

	// FetchTime is when the final request began.
	FetchTime time.Time

	// Truncated is true if the body hit the configured size cap and was cut
	// off at that boundary.
	Truncated bool
}

// FinalURL returns the URL that furnished the response, accounting for
// redirects.
func (fr *FetchResult) FinalURL() *URL {
	if n := len(fr.RedirectedFrom); n > 0 {
		return fr.RedirectedFrom[n-1]
	}
	return fr.URL
}

// errTooManyRedirects is returned through the http.Client when a fetch
// exceeds the configured redirect budget.
var errTooManyRedirects = errors.New("stopped after too many redirects")

// fetcher is a single fetch worker. A pod runs Config.Fetcher.FetchersPerPod
// of these against its own frontier.
type fetcher struct {
	pod        *podRuntime
	httpclient *http.Client
	log        zerolog.Logger

	quit chan struct{}
	done chan struct{}

	httpTimeout  time.Duration
	maxRetries   int
	retryBackoff time.Duration
}

func newFetcher(pod *podRuntime, id int) *fetcher {
	timeout, err := time.ParseDuration(Config.Fetcher.HTTPTimeout)
	if err != nil {
		// Already validated by AssertConfigInvariants.
		panic(err)
	}

	f := &fetcher{
		pod:          pod,
		log:          PodLog("fetcher", pod.id).With().Int("worker", id).Logger(),
		quit:         make(chan struct{}),
		done:         make(chan struct{}),
		httpTimeout:  timeout,
		maxRetries:   Config.Fetcher.HTTPMaxRetries,
		retryBackoff: 500 * time.Millisecond,
	}
	f.httpclient = &http.Client{
		Transport: pod.manager.Transport,
		Timeout:   timeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) > Config.Fetcher.MaxRedirects {
				return errTooManyRedirects
			}
			return nil
		},
	}
	return f
}

// start blocks until the fetcher is told to quit.
func (f *fetcher) start() {
	f.log.Debug().Msg("starting fetcher")
	for f.crawlNext() {
		// Crawl until told to stop...
	}
	f.log.Debug().Msg("stopping fetcher")
	f.done <- struct{}{}
}

// stop signals a fetcher to stop and waits until completion.
func (f *fetcher) stop() {
	close(f.quit)
	<-f.done
}

// crawlNext claims one URL from the frontier and runs it through politeness
// and fetch. Returns false when the worker should exit.
func (f *fetcher) crawlNext() bool {
	select {
	case <-f.quit:
		return false
	default:
	}
	if f.pod.manager.Coordinator.Stopped() {
		return false
	}

	// Hold off while the parse queue is above its soft limit. Fetching
	// outruns parsing by design; this is where the pipeline equalizes.
	f.pod.parseGauge.WaitBelow(Config.Parser.ParseQueueSoftLimit)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		select {
		case <-f.quit:
			cancel()
		case <-ctx.Done():
		}
	}()
	link, domain, err := f.pod.frontier.Next(ctx)
	cancel()
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return false
		}
		f.log.Error().Err(err).Msg("frontier pop failed")
		time.Sleep(time.Second)
		return true
	}

	ok, reason, err := f.pod.politeness.Allowed(context.Background(), link, domain)
	if err != nil {
		f.log.Error().Err(err).Str("url", link.String()).Msg("politeness check failed")
		f.pod.frontier.Release(domain, time.Second)
		return true
	}
	if !ok {
		f.log.Debug().Str("url", link.String()).Str("reason", reason).Msg("not fetching")
		politenessRejects.WithLabelValues(f.pod.label, reason).Inc()
		// No fetch happened, so the domain owes no delay.
		f.pod.frontier.Release(domain, 0)
		return true
	}

	// The queue's eligibility time is advisory; the recorded last fetch is
	// authoritative. A domain revived by a fresh Add can come out of the
	// queue before its cooldown has elapsed.
	canFetch, wait, err := f.pod.politeness.CanFetchNow(domain)
	if err != nil {
		f.log.Error().Err(err).Str("domain", domain).Msg("cooldown check failed")
		f.pod.frontier.Release(domain, time.Second)
		return true
	}
	if !canFetch {
		// Not a rejection: put the URL back and cool the domain down for
		// the remainder of its interval.
		if _, _, aerr := f.pod.frontier.Add([]*URL{link}, true); aerr != nil {
			f.log.Error().Err(aerr).Str("url", link.String()).Msg("failed to requeue early url")
		}
		f.pod.frontier.Release(domain, wait)
		return true
	}

	if err := f.pod.politeness.RecordFetchAttempt(domain); err != nil {
		f.log.Error().Err(err).Str("domain", domain).Msg("failed to record fetch attempt")
	}

	if limiter := f.pod.manager.limiter; limiter != nil {
		if err := limiter.Wait(context.Background()); err != nil {
			f.pod.frontier.Release(domain, 0)
			return false
		}
	}

	fr := f.fetch(link)
	fr.Domain = domain

	fetchesTotal.WithLabelValues(f.pod.label, statusClass(fr.Status)).Inc()

	// The domain cools down for its full politeness interval before the
	// next fetch, whether or not this one succeeded.
	f.pod.frontier.Release(domain, f.pod.politeness.Delay(domain))

	// Hand off to the parsers. The channel capacity is the hard limit, so
	// this blocks rather than let the parse queue grow without bound.
	f.pod.parseGauge.Add()
	parseQueueDepth.WithLabelValues(f.pod.label).Set(float64(f.pod.parseGauge.Level()))
	select {
	case f.pod.parseQueue <- fr:
	case <-f.quit:
		f.pod.parseGauge.Done()
		return false
	}
	return true
}

// fetch performs the HTTP GET with retry on transient failures and reads the
// body up to the configured size cap.
func (f *fetcher) fetch(link *URL) *FetchResult {
	fr := &FetchResult{URL: link}

	var resp *http.Response
	for attempt := 0; ; attempt++ {
		fr.FetchTime = time.Now()
		fr.RedirectedFrom = nil

		start := time.Now()
		var err error
		resp, err = f.get(link, fr)
		fetchDuration.WithLabelValues(f.pod.label).Observe(time.Since(start).Seconds())

		if err != nil {
			fr.FetchError = err
			if attempt < f.maxRetries && retryableError(err) {
				f.sleepBackoff(attempt)
				continue
			}
			f.log.Debug().Err(err).Str("url", link.String()).Msg("fetch failed")
			return fr
		}

		fr.Status = resp.StatusCode
		if resp.StatusCode >= 500 && attempt < f.maxRetries {
			resp.Body.Close()
			f.sleepBackoff(attempt)
			continue
		}
		break
	}
	fr.FetchError = nil

	defer resp.Body.Close()
	body, truncated, err := readBody(resp.Body, Config.Fetcher.MaxContentSizeBytes)
	if err != nil {
		fr.FetchError = fmt.Errorf("reading body of %v: %w", link, err)
		return fr
	}
	fr.Body = body
	fr.Truncated = truncated
	fr.MimeType = mimeTypeOf(resp)
	fetchBytesTotal.WithLabelValues(f.pod.label).Add(float64(len(body)))
	f.log.Debug().Str("url", link.String()).Int("status", fr.Status).Int("bytes", len(body)).Msg("fetched")
	return fr
}

// get issues a single GET, capturing the redirect chain into fr.
func (f *fetcher) get(link *URL, fr *FetchResult) (*http.Response, error) {
	req, err := http.NewRequest("GET", link.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", Config.Fetcher.UserAgent)
	if Config.Fetcher.ContactEmail != "" {
		req.Header.Set("From", Config.Fetcher.ContactEmail)
	}

	client := *f.httpclient
	client.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		if len(via) > Config.Fetcher.MaxRedirects {
			return errTooManyRedirects
		}
		if u, perr := ParseURL(req.URL.String()); perr == nil {
			u.Normalize()
			fr.RedirectedFrom = append(fr.RedirectedFrom, u)
		}
		return nil
	}
	return client.Do(req)
}

func (f *fetcher) sleepBackoff(attempt int) {
	// Exponential backoff with jitter so retries across workers spread out.
	backoff := f.retryBackoff << uint(attempt)
	backoff += time.Duration(rand.Int63n(int64(backoff)))
	select {
	case <-time.After(backoff):
	case <-f.quit:
	}
}

// readBody reads up to cap bytes of the body. Oversized bodies are truncated
// at the cap rather than discarded; the caller records the truncation.
func readBody(r io.Reader, sizeCap int64) ([]byte, bool, error) {
	var buf bytes.Buffer
	n, err := buf.ReadFrom(io.LimitReader(r, sizeCap+1))
	if err != nil {
		return nil, false, err
	}
	if n > sizeCap {
		buf.Truncate(int(sizeCap))
		return buf.Bytes(), true, nil
	}
	return buf.Bytes(), false, nil
}

// retryableError reports whether a transport-level failure is worth a retry.
// DNS failures and timeouts are not; reset or dropped connections are.
func retryableError(err error) bool {
	if errors.Is(err, errTooManyRedirects) {
		return false
	}
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "EOF") ||
		strings.Contains(msg, "broken pipe")
}

func mimeTypeOf(resp *http.Response) string {
	ctype := resp.Header.Get("Content-Type")
	if ctype == "" {
		return ""
	}
	mediaType, _, err := mime.ParseMediaType(ctype)
	if err != nil {
		return ctype
	}
	return mediaType
}
