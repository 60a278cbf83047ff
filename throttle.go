package ftpserver

import (
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// throttleRecord counts failed login attempts for one throttle key within the current
// lockout window.
type throttleRecord struct {
	mu          sync.Mutex
	failures    uint32
	lockedUntil time.Time
}

// loginThrottle tracks failed authentication attempts, keyed by IP,
// username, or both depending on Settings.FailedLoginsPolicy. Stale keys self-evict once
// their TTL elapses, so there is no separate janitor goroutine to manage.
type loginThrottle struct {
	policy    ThrottlePolicy
	threshold uint32
	lockout   time.Duration
	cache     *expirable.LRU[string, *throttleRecord]
}

// newLoginThrottle builds a throttle. lockout also bounds how long a key is retained: once
// a key hasn't been touched for 2x lockout, the LRU drops it on its own.
func newLoginThrottle(policy ThrottlePolicy, threshold uint32, lockout time.Duration) *loginThrottle {
	ttl := lockout * 2
	if ttl <= 0 {
		ttl = time.Minute
	}

	return &loginThrottle{
		policy:    policy,
		threshold: threshold,
		lockout:   lockout,
		cache:     expirable.NewLRU[string, *throttleRecord](4096, nil, ttl),
	}
}

func (t *loginThrottle) key(ip, username string) (string, bool) {
	switch t.policy {
	case ThrottleByIP:
		return "ip:" + ip, true
	case ThrottleByUser:
		return "user:" + username, true
	case ThrottleByIPAndUser:
		return "ip:" + ip + "|user:" + username, true
	default:
		return "", false
	}
}

// allow reports whether a login attempt for (ip, username) may proceed.
func (t *loginThrottle) allow(ip, username string) bool {
	key, enabled := t.key(ip, username)
	if !enabled {
		return true
	}

	rec, ok := t.cache.Get(key)
	if !ok {
		return true
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()

	return rec.lockedUntil.IsZero() || time.Now().After(rec.lockedUntil)
}

// recordFailure registers one failed attempt, locking the key out once the threshold
// is reached.
func (t *loginThrottle) recordFailure(ip, username string) {
	key, enabled := t.key(ip, username)
	if !enabled {
		return
	}

	rec, ok := t.cache.Get(key)
	if !ok {
		rec = &throttleRecord{}
	}

	rec.mu.Lock()
	rec.failures++

	if rec.failures >= t.threshold {
		rec.lockedUntil = time.Now().Add(t.lockout)
	}
	rec.mu.Unlock()

	t.cache.Add(key, rec)
}

// recordSuccess clears any accumulated failure count for (ip, username).
func (t *loginThrottle) recordSuccess(ip, username string) {
	key, enabled := t.key(ip, username)
	if !enabled {
		return
	}

	t.cache.Remove(key)
}
