package frontier

import (
	"container/heap"
	"context"
	"sync"
	"time"

	crawler "github.com/andrewkchan/crawler"
)

// readyDomain is a heap entry. Domains order by eligibility time; ties break
// on the domain's fingerprint so the order is deterministic and no single
// domain consistently wins.
type readyDomain struct {
	domain     string
	eligibleAt time.Time
	fp         uint64
	index      int
}

type domainHeap []*readyDomain

func (h domainHeap) Len() int { return len(h) }
func (h domainHeap) Less(i, j int) bool {
	if !h[i].eligibleAt.Equal(h[j].eligibleAt) {
		return h[i].eligibleAt.Before(h[j].eligibleAt)
	}
	return h[i].fp < h[j].fp
}
func (h domainHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *domainHeap) Push(x interface{}) {
	entry := x.(*readyDomain)
	entry.index = len(*h)
	*h = append(*h, entry)
}
func (h *domainHeap) Pop() interface{} {
	old := *h
	n := len(old)
	entry := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return entry
}

// readyQueue is the blocking priority queue of domains with unread URLs.
// A popped domain is claimed by its caller and absent from the queue until
// pushed again.
type readyQueue struct {
	mutex sync.Mutex
	heap  domainHeap
	// queued tracks which domains are currently in the heap, so a burst of
	// Adds cannot enqueue a domain twice.
	queued map[string]bool
	wake   chan struct{}
}

func newReadyQueue() *readyQueue {
	return &readyQueue{
		queued: make(map[string]bool),
		wake:   make(chan struct{}, 1),
	}
}

// Push makes domain eligible at the given time. A domain already queued is
// left where it is.
func (q *readyQueue) Push(domain string, eligibleAt time.Time) {
	q.mutex.Lock()
	if q.queued[domain] {
		q.mutex.Unlock()
		return
	}
	q.queued[domain] = true
	heap.Push(&q.heap, &readyDomain{
		domain:     domain,
		eligibleAt: eligibleAt,
		fp:         crawler.Fingerprint(domain),
	})
	q.mutex.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Pop blocks until some domain is eligible and returns it, removing it from
// the queue. Returns ctx.Err() if the context ends first.
func (q *readyQueue) Pop(ctx context.Context) (string, error) {
	for {
		q.mutex.Lock()
		var wait time.Duration
		if len(q.heap) == 0 {
			wait = time.Minute
		} else {
			top := q.heap[0]
			now := time.Now()
			if !top.eligibleAt.After(now) {
				heap.Pop(&q.heap)
				delete(q.queued, top.domain)
				q.mutex.Unlock()
				return top.domain, nil
			}
			wait = top.eligibleAt.Sub(now)
		}
		q.mutex.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return "", ctx.Err()
		case <-q.wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// Len returns how many domains are queued.
func (q *readyQueue) Len() int {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	return len(q.heap)
}
