package treasury

import (
	"time"

	"github.com/patrickmn/go-cache"
)

// Leaser hands out single-holder TTL leases. One lease per key at a time;
// the TTL bounds how long a crashed holder can block the next attempt.
type Leaser struct {
	c *cache.Cache
}

func NewLeaser() *Leaser {
	return &Leaser{c: cache.New(cache.NoExpiration, time.Minute)}
}

// Acquire takes the lease for key, reporting false when it is already held.
func (l *Leaser) Acquire(key string, ttl time.Duration) (*Lease, bool) {
	if err := l.c.Add(key, struct{}{}, ttl); err != nil {
		return nil, false
	}
	return &Lease{leaser: l, key: key}, true
}

// Lease is a held lease. Release is idempotent.
type Lease struct {
	leaser *Leaser
	key    string
}

func (l *Lease) Release() {
	l.leaser.c.Delete(l.key)
}
