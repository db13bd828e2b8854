// Package certcache wraps certprobe with a keyed TTL cache so that the
// relatively expensive STARTTLS + certificate handshake is amortized across
// iterations rather than repeated every probe.
package certcache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nbari/dbpulse/internal/certprobe"
	"github.com/nbari/dbpulse/internal/tlsconf"
)

type entry struct {
	metadata *certprobe.Metadata
	storedAt time.Time
}

// Cache is a host:port → (Metadata, insertion time) map guarded by a
// reader/writer lock. A TTL of zero means "never cache": every Get is a
// miss.
type Cache struct {
	mu   sync.RWMutex
	data map[string]entry
	ttl  time.Duration
}

// New creates a cache with the given TTL.
func New(ttl time.Duration) *Cache {
	return &Cache{data: make(map[string]entry), ttl: ttl}
}

// Get returns cached metadata for key iff it is still within TTL.
func (c *Cache) Get(key string) (*certprobe.Metadata, bool) {
	if c.ttl <= 0 {
		return nil, false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.data[key]
	if !ok || time.Since(e.storedAt) >= c.ttl {
		return nil, false
	}
	return e.metadata, true
}

// Set stores metadata for key, stamped with the current time.
func (c *Cache) Set(key string, md *certprobe.Metadata) {
	if c.ttl <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = entry{metadata: md, storedAt: time.Now()}
}

// Cleanup evicts expired entries. Safe to call periodically.
func (c *Cache) Cleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, e := range c.data {
		if time.Since(e.storedAt) >= c.ttl {
			delete(c.data, k)
		}
	}
}

// GetCertMetadataCached returns certificate metadata for host:defaultPort,
// probing on cache miss and storing the result on success.
func GetCertMetadataCached(ctx context.Context, host string, defaultPort uint16, proto certprobe.Protocol, tls tlsconf.Config, cache *Cache) (*certprobe.Metadata, error) {
	key := fmt.Sprintf("%s:%d", host, defaultPort)

	if cached, ok := cache.Get(key); ok {
		return cached, nil
	}

	md, err := certprobe.Probe(ctx, host, defaultPort, proto, tls)
	if err != nil {
		return nil, err
	}
	cache.Set(key, md)
	return md, nil
}
