// parlor/models/services.go
package models

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// --- Stateful Services ---

type RateLimiter struct {
	Mu       sync.RWMutex
	Limiters map[string]*rate.Limiter
	LastSeen map[string]time.Time
	every    time.Duration
	burst    int
	expire   time.Duration
}

// NewRateLimiter creates a per-key limiter pool and starts its pruner.
func NewRateLimiter(every time.Duration, burst int, prune, expire time.Duration) *RateLimiter {
	rl := &RateLimiter{
		Limiters: make(map[string]*rate.Limiter),
		LastSeen: make(map[string]time.Time),
		every:    every,
		burst:    burst,
		expire:   expire,
	}
	go rl.cleanup(prune)
	return rl
}

// GetLimiter retrieves or creates a rate limiter for a given IP address.
func (rl *RateLimiter) GetLimiter(ip string) *rate.Limiter {
	rl.Mu.Lock()
	defer rl.Mu.Unlock()
	limiter, exists := rl.Limiters[ip]
	if !exists {
		limiter = rate.NewLimiter(rate.Every(rl.every), rl.burst)
		rl.Limiters[ip] = limiter
	}
	rl.LastSeen[ip] = time.Now()
	return limiter
}

// cleanup periodically removes limiters that have not been seen recently.
func (rl *RateLimiter) cleanup(prune time.Duration) {
	for range time.Tick(prune) {
		rl.Mu.Lock()
		cutoff := time.Now().Add(-rl.expire)
		for ip, lastSeen := range rl.LastSeen {
			if lastSeen.Before(cutoff) {
				delete(rl.Limiters, ip)
				delete(rl.LastSeen, ip)
			}
		}
		rl.Mu.Unlock()
	}
}

// --- Session Store ---

// Session is an authenticated connection credential. Sessions are held in
// memory only: a restart logs everyone out, which matches presence being
// non-persistent.
type Session struct {
	Username  string
	IsAdmin   bool
	ExpiresAt time.Time
}

type SessionStore struct {
	Mu       sync.RWMutex
	Sessions map[string]Session
	ttl      time.Duration
}

func NewSessionStore(ttl time.Duration) *SessionStore {
	return &SessionStore{Sessions: make(map[string]Session), ttl: ttl}
}

// Create mints a new opaque session token for a user.
func (ss *SessionStore) Create(username string, isAdmin bool) string {
	token := uuid.New().String()
	ss.Mu.Lock()
	ss.Sessions[token] = Session{
		Username:  username,
		IsAdmin:   isAdmin,
		ExpiresAt: time.Now().Add(ss.ttl),
	}
	ss.Mu.Unlock()

	time.AfterFunc(ss.ttl, func() {
		ss.Mu.Lock()
		if s, ok := ss.Sessions[token]; ok && !s.ExpiresAt.After(time.Now()) {
			delete(ss.Sessions, token)
		}
		ss.Mu.Unlock()
	})
	return token
}

// Get resolves a token to its session, if still valid.
func (ss *SessionStore) Get(token string) (Session, bool) {
	ss.Mu.RLock()
	defer ss.Mu.RUnlock()
	s, ok := ss.Sessions[token]
	if !ok || s.ExpiresAt.Before(time.Now()) {
		return Session{}, false
	}
	return s, true
}

// Delete invalidates a token. Safe to call for unknown tokens.
func (ss *SessionStore) Delete(token string) {
	ss.Mu.Lock()
	delete(ss.Sessions, token)
	ss.Mu.Unlock()
}

// --- Traffic Counter ---

// TrafficCounter counts requests in a fixed window. The window resets
// lazily on access rather than from a background timer, so the counter has
// an explicit lifecycle and no ambient goroutine.
type TrafficCounter struct {
	Mu          sync.Mutex
	Window      time.Duration
	windowStart time.Time
	count       int
}

func NewTrafficCounter(window time.Duration) *TrafficCounter {
	return &TrafficCounter{Window: window, windowStart: time.Now()}
}

func (tc *TrafficCounter) roll(now time.Time) {
	if now.Sub(tc.windowStart) >= tc.Window {
		tc.windowStart = now
		tc.count = 0
	}
}

// Record registers one request against the current window.
func (tc *TrafficCounter) Record() {
	tc.Mu.Lock()
	defer tc.Mu.Unlock()
	tc.roll(time.Now())
	tc.count++
}

// Rate returns the request count of the current window.
func (tc *TrafficCounter) Rate() int {
	tc.Mu.Lock()
	defer tc.Mu.Unlock()
	tc.roll(time.Now())
	return tc.count
}

// --- Presence ---

// Presence tracks currently connected usernames. A user may hold several
// connections; they leave the set when the last one closes. Presence has no
// cross-field invariants with the log, so it stays outside the resource
// locks and is never persisted.
type Presence struct {
	Mu    sync.RWMutex
	Conns map[string]int
}

func NewPresence() *Presence {
	return &Presence{Conns: make(map[string]int)}
}

// Connect adds a connection for user and returns the updated set.
func (p *Presence) Connect(user string) []string {
	p.Mu.Lock()
	p.Conns[user]++
	p.Mu.Unlock()
	return p.Online()
}

// Disconnect removes a connection for user and returns the updated set.
func (p *Presence) Disconnect(user string) []string {
	p.Mu.Lock()
	if n := p.Conns[user]; n <= 1 {
		delete(p.Conns, user)
	} else {
		p.Conns[user] = n - 1
	}
	p.Mu.Unlock()
	return p.Online()
}

// Online returns the sorted set of connected usernames.
func (p *Presence) Online() []string {
	p.Mu.RLock()
	defer p.Mu.RUnlock()
	users := make([]string, 0, len(p.Conns))
	for u := range p.Conns {
		users = append(users, u)
	}
	sort.Strings(users)
	return users
}
