// Package ratelimit provides per-user, per-action token bucket admission
// control. Buckets are keyed by user, not by connection, so reconnecting
// never grants a fresh allowance.
package ratelimit

import (
	"sync"

	"golang.org/x/time/rate"

	"github.com/gridclaim/internal/config"
)

// Action classifies the kind of request being admitted
type Action string

const (
	ActionCellClaim  Action = "cell_claim"
	ActionAPIRequest Action = "api_request"
	ActionWSMessage  Action = "ws_message"
)

type bucketKey struct {
	userID string
	action Action
}

// Limiter gates requests with one token bucket per (user, action) pair.
type Limiter struct {
	mu      sync.Mutex
	buckets map[bucketKey]*rate.Limiter

	claimLimit rate.Limit
	apiLimit   rate.Limit
	wsLimit    rate.Limit
}

// New creates a Limiter from the configured refill rates.
func New(cfg *config.RateLimitConfig) *Limiter {
	return &Limiter{
		buckets:    make(map[bucketKey]*rate.Limiter),
		claimLimit: rate.Limit(cfg.CellClaimsPerSecond),
		apiLimit:   rate.Limit(cfg.APIRequestsPerMin / 60.0),
		wsLimit:    rate.Limit(cfg.WSMessagesPerSecond),
	}
}

// Admit reports whether the request may proceed. It never blocks: a denied
// request consumes no token and mutates no game state.
func (l *Limiter) Admit(userID string, action Action) bool {
	return l.bucket(userID, action).Allow()
}

func (l *Limiter) bucket(userID string, action Action) *rate.Limiter {
	key := bucketKey{userID: userID, action: action}

	l.mu.Lock()
	defer l.mu.Unlock()

	if b, ok := l.buckets[key]; ok {
		return b
	}

	var limit rate.Limit
	var burst int
	switch action {
	case ActionCellClaim:
		limit, burst = l.claimLimit, int(l.claimLimit)
	case ActionAPIRequest:
		// Burst sized to the per-minute allowance so short spikes pass.
		limit, burst = l.apiLimit, int(l.apiLimit*60)
	case ActionWSMessage:
		limit, burst = l.wsLimit, int(l.wsLimit)
	default:
		limit, burst = l.apiLimit, int(l.apiLimit*60)
	}
	if burst < 1 {
		burst = 1
	}

	b := rate.NewLimiter(limit, burst)
	l.buckets[key] = b
	return b
}

// Forget drops all buckets for a user. Only used by tests and admin
// tooling; normal disconnects intentionally keep buckets alive.
func (l *Limiter) Forget(userID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for key := range l.buckets {
		if key.userID == userID {
			delete(l.buckets, key)
		}
	}
}
