package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

// CachingVerifier remembers successful verifications for a short time, so that clients which
// reconnect in a loop do not hammer the identity provider. Failures are never cached.
type CachingVerifier struct {
	next  Verifier
	ttl   time.Duration
	cache *ttlcache.Cache[string, Identity]
	now   func() time.Time
}

func NewCachingVerifier(next Verifier, ttl time.Duration) *CachingVerifier {
	cache := ttlcache.New[string, Identity](
		ttlcache.WithTTL[string, Identity](ttl),
		ttlcache.WithDisableTouchOnHit[string, Identity](),
	)
	go cache.Start() // evicts expired items
	return &CachingVerifier{
		next:  next,
		ttl:   ttl,
		cache: cache,
		now:   time.Now,
	}
}

func cacheKey(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func (c *CachingVerifier) Verify(ctx context.Context, token string) (*Identity, error) {
	key := cacheKey(token)
	if item := c.cache.Get(key); item != nil {
		id := item.Value()
		if id.ExpiresAt.IsZero() || c.now().Before(id.ExpiresAt) {
			return &id, nil
		}
		c.cache.Delete(key)
	}
	id, err := c.next.Verify(ctx, token)
	if err != nil {
		return nil, err
	}
	ttl := c.ttl
	if !id.ExpiresAt.IsZero() {
		untilExpiry := id.ExpiresAt.Sub(c.now())
		if untilExpiry <= 0 {
			return id, nil
		}
		if untilExpiry < ttl {
			ttl = untilExpiry
		}
	}
	c.cache.Set(key, *id, ttl)
	return id, nil
}

// Len returns the number of cached identities.
func (c *CachingVerifier) Len() int {
	return c.cache.Len()
}

// Stop the background eviction goroutine.
func (c *CachingVerifier) Stop() {
	c.cache.Stop()
}
