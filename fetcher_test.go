package crawler

import (
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/andrewkchan/crawler/semaphore"
)

// testPod wires one podRuntime over in-memory fakes so fetchers and parsers
// can be driven synchronously.
type testPod struct {
	pod      *podRuntime
	frontier *memFrontier
	polite   *memPoliteness
	content  *memContent
	visited  *memVisited
	coord    *memCoordinator
}

func newTestPod(t *testing.T, transport http.RoundTripper, urls ...*URL) *testPod {
	t.Helper()
	tp := &testPod{
		frontier: newMemFrontier(urls...),
		polite:   newMemPoliteness(),
		content:  newMemContent(),
		visited:  newMemVisited(),
		coord:    &memCoordinator{},
	}
	fm := &CrawlManager{
		Coordinator:  tp.coord,
		Content:      tp.content,
		Transport:    transport,
		NewExtractor: func() TextExtractor { return &HTMLParser{} },
	}
	tp.pod = &podRuntime{
		id:         0,
		label:      "0",
		manager:    fm,
		frontier:   tp.frontier,
		politeness: tp.polite,
		visited:    tp.visited,
		parseQueue: make(chan *FetchResult, Config.Parser.ParseQueueHardLimit),
		parseGauge: semaphore.New(),
	}
	fm.pods = []*podRuntime{tp.pod}
	return tp
}

// popResult drains one FetchResult from the parse queue or fails the test.
func (tp *testPod) popResult(t *testing.T) *FetchResult {
	t.Helper()
	select {
	case fr := <-tp.pod.parseQueue:
		return fr
	case <-time.After(time.Second):
		t.Fatal("no fetch result reached the parse queue")
		return nil
	}
}

func TestFetchSuccess(t *testing.T) {
	defer SetDefaultConfig()
	link := mustParse("http://fetch.com/page.html")
	transport := &mapRoundTrip{responses: map[string]*http.Response{
		"http://fetch.com/page.html": response200("<html><body>hello</body></html>"),
	}}
	tp := newTestPod(t, transport, link)
	f := newFetcher(tp.pod, 0)

	if !f.crawlNext() {
		t.Fatal("crawlNext returned false on a live frontier")
	}

	fr := tp.popResult(t)
	if fr.Status != 200 {
		t.Errorf("status = %d, expected 200", fr.Status)
	}
	if !strings.Contains(string(fr.Body), "hello") {
		t.Errorf("body %q missing expected content", fr.Body)
	}
	if fr.Domain != "fetch.com" {
		t.Errorf("domain = %q, expected fetch.com", fr.Domain)
	}
	if tp.polite.attempts["fetch.com"] != 1 {
		t.Errorf("expected one recorded fetch attempt, got %d", tp.polite.attempts["fetch.com"])
	}
	if penalty, ok := tp.frontier.releases["fetch.com"]; !ok || penalty != tp.polite.delay {
		t.Errorf("expected release with politeness delay %v, got %v (present=%v)",
			tp.polite.delay, penalty, ok)
	}
}

func TestPolitenessRejectReleasesWithoutDelay(t *testing.T) {
	defer SetDefaultConfig()
	link := mustParse("http://blocked.com/secret.html")
	tp := newTestPod(t, &mapRoundTrip{responses: map[string]*http.Response{}}, link)
	tp.polite.disallowed[link.String()] = "robots"
	f := newFetcher(tp.pod, 0)

	if !f.crawlNext() {
		t.Fatal("crawlNext returned false")
	}

	if penalty, ok := tp.frontier.releases["blocked.com"]; !ok || penalty != 0 {
		t.Errorf("expected zero-penalty release after reject, got %v (present=%v)", penalty, ok)
	}
	if tp.polite.attempts["blocked.com"] != 0 {
		t.Errorf("a rejected URL must not consume a fetch slot")
	}
	select {
	case fr := <-tp.pod.parseQueue:
		t.Errorf("rejected URL reached the parse queue: %v", fr.URL)
	default:
	}
}

func TestCoolingDomainIsNotFetched(t *testing.T) {
	defer SetDefaultConfig()
	link := mustParse("http://cool.com/page")
	transport := &mapRoundTrip{responses: map[string]*http.Response{
		"http://cool.com/page": response200("<html>too soon</html>"),
	}}
	tp := newTestPod(t, transport, link)
	tp.polite.cooling["cool.com"] = 250 * time.Millisecond
	f := newFetcher(tp.pod, 0)

	if !f.crawlNext() {
		t.Fatal("crawlNext returned false")
	}

	if tp.polite.canFetchChecks["cool.com"] != 1 {
		t.Errorf("expected one cooldown check, got %d", tp.polite.canFetchChecks["cool.com"])
	}
	if tp.polite.attempts["cool.com"] != 0 {
		t.Error("a cooling domain must not consume a fetch slot")
	}
	select {
	case fr := <-tp.pod.parseQueue:
		t.Errorf("cooling domain was fetched: %v", fr.URL)
	default:
	}
	if penalty, ok := tp.frontier.releases["cool.com"]; !ok || penalty != 250*time.Millisecond {
		t.Errorf("expected release with the remaining cooldown, got %v (present=%v)", penalty, ok)
	}
	// The popped URL goes back into the frontier rather than being lost.
	if len(tp.frontier.added) != 1 || tp.frontier.added[0].String() != link.String() {
		t.Errorf("popped URL not requeued: %v", tp.frontier.added)
	}
}

func TestFetchFollowsRedirects(t *testing.T) {
	defer SetDefaultConfig()
	link := mustParse("http://redir.com/start")
	transport := &mapRoundTrip{responses: map[string]*http.Response{
		"http://redir.com/start": response307("http://redir.com/mid"),
		"http://redir.com/mid":   response307("http://redir.com/end"),
		"http://redir.com/end":   response200("<html>done</html>"),
	}}
	tp := newTestPod(t, transport, link)
	f := newFetcher(tp.pod, 0)

	if !f.crawlNext() {
		t.Fatal("crawlNext returned false")
	}
	fr := tp.popResult(t)
	if fr.Status != 200 {
		t.Fatalf("status = %d, expected 200 after redirects", fr.Status)
	}
	if len(fr.RedirectedFrom) != 2 {
		t.Fatalf("expected 2 recorded redirects, got %v", fr.RedirectedFrom)
	}
	if got := fr.FinalURL().String(); got != "http://redir.com/end" {
		t.Errorf("FinalURL = %q, expected the redirect target", got)
	}
}

func TestFetchRedirectBudget(t *testing.T) {
	defer SetDefaultConfig()
	Config.Fetcher.MaxRedirects = 2
	link := mustParse("http://loop.com/a")
	transport := &mapRoundTrip{responses: map[string]*http.Response{
		"http://loop.com/a": response307("http://loop.com/b"),
		"http://loop.com/b": response307("http://loop.com/c"),
		"http://loop.com/c": response307("http://loop.com/d"),
		"http://loop.com/d": response307("http://loop.com/a"),
	}}
	tp := newTestPod(t, transport, link)
	f := newFetcher(tp.pod, 0)

	if !f.crawlNext() {
		t.Fatal("crawlNext returned false")
	}
	fr := tp.popResult(t)
	if fr.FetchError == nil {
		t.Fatal("expected a fetch error after exceeding the redirect budget")
	}
}

func TestFetchTruncatesOversizedBody(t *testing.T) {
	defer SetDefaultConfig()
	Config.Fetcher.MaxContentSizeBytes = 64
	big := strings.Repeat("x", 500)
	link := mustParse("http://big.com/huge")
	transport := &mapRoundTrip{responses: map[string]*http.Response{
		"http://big.com/huge": response200(big),
	}}
	tp := newTestPod(t, transport, link)
	f := newFetcher(tp.pod, 0)

	if !f.crawlNext() {
		t.Fatal("crawlNext returned false")
	}
	fr := tp.popResult(t)
	if !fr.Truncated {
		t.Error("expected the result to be marked truncated")
	}
	if int64(len(fr.Body)) != 64 {
		t.Errorf("body length = %d, expected the 64 byte cap", len(fr.Body))
	}
}

// countingRoundTrip serves a scripted sequence of responses.
type countingRoundTrip struct {
	responses []*http.Response
	calls     int
}

func (c *countingRoundTrip) RoundTrip(req *http.Request) (*http.Response, error) {
	resp := c.responses[c.calls%len(c.responses)]
	c.calls++
	return resp, nil
}

func TestFetchRetriesServerErrors(t *testing.T) {
	defer SetDefaultConfig()
	link := mustParse("http://flaky.com/page")
	fail := response404()
	fail.StatusCode = 503
	fail.Status = "503"
	transport := &countingRoundTrip{responses: []*http.Response{
		fail,
		response200("<html>recovered</html>"),
	}}
	tp := newTestPod(t, transport, link)
	f := newFetcher(tp.pod, 0)
	f.retryBackoff = time.Millisecond

	if !f.crawlNext() {
		t.Fatal("crawlNext returned false")
	}
	fr := tp.popResult(t)
	if fr.Status != 200 {
		t.Errorf("status = %d, expected 200 after a retried 503", fr.Status)
	}
	if transport.calls != 2 {
		t.Errorf("expected 2 requests (one retry), got %d", transport.calls)
	}
}

func TestFetcherStopsWhenCoordinatorStops(t *testing.T) {
	defer SetDefaultConfig()
	tp := newTestPod(t, &mapRoundTrip{responses: map[string]*http.Response{}})
	tp.coord.Stop("test stop")
	f := newFetcher(tp.pod, 0)
	if f.crawlNext() {
		t.Error("crawlNext should return false once the stop flag is raised")
	}
}
