package crawler

import (
	"context"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
)

// mustParse is a helper to get a URL object from a string we know is a safe,
// already-canonical url.
func mustParse(ref string) *URL {
	u, err := ParseAndNormalizeURL(ref)
	if err != nil {
		panic("Failed to parse URL: " + ref)
	}
	return u
}

func response404() *http.Response {
	return &http.Response{
		Status:        "404",
		StatusCode:    404,
		Proto:         "HTTP/1.0",
		ProtoMajor:    1,
		ProtoMinor:    0,
		Header:        http.Header{"Content-Type": []string{"text/html"}},
		Body:          io.NopCloser(strings.NewReader("")),
		ContentLength: -1,
	}
}

func response307(link string) *http.Response {
	return &http.Response{
		Status:        "307",
		StatusCode:    307,
		Proto:         "HTTP/1.0",
		ProtoMajor:    1,
		ProtoMinor:    0,
		Header:        http.Header{"Location": []string{link}, "Content-Type": []string{"text/html"}},
		Body:          io.NopCloser(strings.NewReader("")),
		ContentLength: -1,
	}
}

func response200(body string) *http.Response {
	return &http.Response{
		Status:        "200 OK",
		StatusCode:    200,
		Proto:         "HTTP/1.0",
		ProtoMajor:    1,
		ProtoMinor:    0,
		Header:        http.Header{"Content-Type": []string{"text/html"}},
		Body:          io.NopCloser(strings.NewReader(body)),
		ContentLength: -1,
	}
}

// mapRoundTrip maps request urls --> http.Response. Unknown urls get a 404.
type mapRoundTrip struct {
	responses map[string]*http.Response
}

func (mrt *mapRoundTrip) RoundTrip(req *http.Request) (*http.Response, error) {
	res, resOk := mrt.responses[req.URL.String()]
	if !resOk {
		return response404(), nil
	}
	return res, nil
}

//
// In-memory fakes for the pipeline interfaces.
//

type memFrontier struct {
	mutex    sync.Mutex
	pending  []*URL
	added    []*URL
	releases map[string]time.Duration
}

func newMemFrontier(urls ...*URL) *memFrontier {
	return &memFrontier{pending: urls, releases: map[string]time.Duration{}}
}

func (f *memFrontier) Add(links []*URL, bypassSeen bool) (int, int, error) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.added = append(f.added, links...)
	return len(links), 0, nil
}

func (f *memFrontier) Next(ctx context.Context) (*URL, string, error) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	if len(f.pending) == 0 {
		f.mutex.Unlock()
		<-ctx.Done()
		f.mutex.Lock()
		return nil, "", ctx.Err()
	}
	u := f.pending[0]
	f.pending = f.pending[1:]
	domain, _ := u.RegistrableDomain()
	return u, domain, nil
}

func (f *memFrontier) Release(domain string, penalty time.Duration) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.releases[domain] = penalty
}

func (f *memFrontier) Count() int64 {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return int64(len(f.pending))
}

func (f *memFrontier) Resume() error { return nil }

type memPoliteness struct {
	mutex      sync.Mutex
	disallowed map[string]string
	attempts   map[string]int
	delay      time.Duration

	cooling        map[string]time.Duration // domains still in cooldown
	canFetchChecks map[string]int
}

func newMemPoliteness() *memPoliteness {
	return &memPoliteness{
		disallowed:     map[string]string{},
		attempts:       map[string]int{},
		delay:          time.Second,
		cooling:        map[string]time.Duration{},
		canFetchChecks: map[string]int{},
	}
}

func (p *memPoliteness) Allowed(ctx context.Context, u *URL, domain string) (bool, string, error) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	if reason, ok := p.disallowed[u.String()]; ok {
		return false, reason, nil
	}
	return true, "", nil
}

func (p *memPoliteness) CanFetchNow(domain string) (bool, time.Duration, error) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	p.canFetchChecks[domain]++
	if wait, ok := p.cooling[domain]; ok {
		return false, wait, nil
	}
	return true, 0, nil
}

func (p *memPoliteness) Delay(domain string) time.Duration { return p.delay }

func (p *memPoliteness) RecordFetchAttempt(domain string) error {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	p.attempts[domain]++
	return nil
}

type memContent struct {
	mutex   sync.Mutex
	puts    map[string][]byte
	failPut int // fail this many Put calls before succeeding
}

func newMemContent() *memContent {
	return &memContent{puts: map[string][]byte{}}
}

func (c *memContent) Put(key ContentKey, text []byte) (string, bool, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if c.failPut > 0 {
		c.failPut--
		return "", false, io.ErrUnexpectedEOF
	}
	hex := key.Hex()
	if _, ok := c.puts[hex]; ok {
		return "/content/" + hex + ".txt", true, nil
	}
	c.puts[hex] = append([]byte(nil), text...)
	return "/content/" + hex + ".txt", false, nil
}

type memVisited struct {
	mutex   sync.Mutex
	records map[uint64]*VisitedRecord
}

func newMemVisited() *memVisited {
	return &memVisited{records: map[uint64]*VisitedRecord{}}
}

func (v *memVisited) PutVisited(rec *VisitedRecord) error {
	v.mutex.Lock()
	defer v.mutex.Unlock()
	v.records[rec.Fingerprint] = rec
	return nil
}

func (v *memVisited) GetVisited(fp uint64) (*VisitedRecord, error) {
	v.mutex.Lock()
	defer v.mutex.Unlock()
	return v.records[fp], nil
}

type memCoordinator struct {
	mutex   sync.Mutex
	pages   int64
	bytes   int64
	stopped bool
	reason  string
}

func (c *memCoordinator) RecordPage(bytes int64) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.pages++
	c.bytes += bytes
}

func (c *memCoordinator) Stopped() bool {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.stopped
}

func (c *memCoordinator) Stop(reason string) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if !c.stopped {
		c.stopped = true
		c.reason = reason
	}
}

func (c *memCoordinator) PagesCrawled() int64 {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.pages
}

func (c *memCoordinator) BytesFetched() int64 {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.bytes
}
