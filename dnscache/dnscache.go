/*
Package dnscache implements a DialContext function that caches DNS resolutions.

A crawl concentrates its connections on the domains it is currently fetching,
so a bounded LRU of recent resolutions removes most resolver round trips
without growing with the crawl.
*/
package dnscache

import (
	"context"
	"net"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// recordTTL is how long a cached resolution (or failure) is trusted before
// the next dial re-resolves the host.
const recordTTL = 5 * time.Minute

type dialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// DialContext wraps the given dial function with caching of DNS resolutions.
// When a hostname is found in the cache the provided dial is called with the
// resolved IP address instead of the hostname, so no lookup is performed.
// Resolution failures are cached too, so a dead host does not cost a resolver
// query on every URL.
//
// If wrappedDial is nil a default net.Dialer is used.
func DialContext(wrappedDial dialFunc, maxEntries int) (dialFunc, error) {
	if wrappedDial == nil {
		var d net.Dialer
		wrappedDial = d.DialContext
	}
	cache, err := newLRU(maxEntries)
	if err != nil {
		return nil, err
	}
	c := &dnsCache{
		wrappedDial: wrappedDial,
		cache:       cache,
	}
	return c.cachingDial, nil
}

func newLRU(maxEntries int) (*lru.Cache[string, hostRecord], error) {
	return lru.New[string, hostRecord](maxEntries)
}

type dnsCache struct {
	wrappedDial dialFunc
	cache       *lru.Cache[string, hostRecord]
	mu          sync.Mutex
}

type hostRecord struct {
	ipAddr    string
	failed    bool
	err       error
	lastQuery time.Time
}

func (c *dnsCache) cachingDial(ctx context.Context, network, addr string) (net.Conn, error) {
	key := network + addr
	c.mu.Lock()
	record, ok := c.cache.Get(key)
	c.mu.Unlock()

	if !ok || time.Since(record.lastQuery) > recordTTL {
		return c.cacheHost(ctx, network, addr)
	}
	if record.failed {
		return nil, record.err
	}
	return c.wrappedDial(ctx, network, record.ipAddr)
}

// cacheHost dials through to the resolver and caches the outcome, overwriting
// any entry that may have previously existed.
func (c *dnsCache) cacheHost(ctx context.Context, network, addr string) (net.Conn, error) {
	key := network + addr
	conn, err := c.wrappedDial(ctx, network, addr)
	queryTime := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		c.cache.Add(key, hostRecord{failed: true, err: err, lastQuery: queryTime})
		return nil, err
	}
	c.cache.Add(key, hostRecord{ipAddr: conn.RemoteAddr().String(), lastQuery: queryTime})
	return conn, nil
}

// get returns the record cached for network:address, if any. Used by tests.
func (c *dnsCache) get(network, addr string) (hostRecord, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cache.Get(network + addr)
}
