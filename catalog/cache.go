package catalog

import (
	"context"
	"sync"
	"time"
)

// =============================================================================
// CACHING CLIENT - Read-through TTL cache keyed by (customer, content)
// =============================================================================

// CachingClient wraps a Client with a short-lived read-through cache.
// Cache entries are not authoritative beyond their TTL; redeemability
// decisions re-fetch once an entry expires.
//
// Only successful lookups are cached. Not-found and upstream errors always
// go back to the remote API so a transient failure can't pin a bad answer.
type CachingClient struct {
	Inner Client
	TTL   time.Duration

	mu      sync.RWMutex
	entries map[cacheKey]cacheEntry

	// now is swappable for tests.
	now func() time.Time
}

type cacheKey struct {
	CustomerID string
	ContentKey string
}

type cacheEntry struct {
	metadata  ContentMetadata
	expiresAt time.Time
}

func NewCachingClient(inner Client, ttl time.Duration) *CachingClient {
	return &CachingClient{
		Inner:   inner,
		TTL:     ttl,
		entries: make(map[cacheKey]cacheEntry),
		now:     time.Now,
	}
}

func (c *CachingClient) GetContentMetadata(ctx context.Context, customerID, contentKey string) (*ContentMetadata, error) {
	k := cacheKey{CustomerID: customerID, ContentKey: contentKey}

	c.mu.RLock()
	entry, ok := c.entries[k]
	c.mu.RUnlock()
	if ok && c.now().Before(entry.expiresAt) {
		md := entry.metadata
		return &md, nil
	}

	md, err := c.Inner.GetContentMetadata(ctx, customerID, contentKey)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.entries[k] = cacheEntry{metadata: *md, expiresAt: c.now().Add(c.TTL)}
	c.mu.Unlock()

	return md, nil
}
