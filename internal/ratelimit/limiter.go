// Package ratelimit provides per-endpoint sliding-window admission for
// outbound HTTP. Endpoints are classified into budget groups; a 429 from
// upstream puts the endpoint into a penalty period honouring Retry-After.
package ratelimit

import (
	"context"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/snarg/callscribe/internal/metrics"
)

// Group is a rate budget class for a set of endpoints.
type Group string

const (
	GroupAuth   Group = "auth"
	GroupHeavy  Group = "heavy"
	GroupMedium Group = "medium"
	GroupLight  Group = "light"
)

type budget struct {
	limit   int
	window  time.Duration
	penalty time.Duration
}

var budgets = map[Group]budget{
	GroupAuth:   {limit: 5, window: time.Minute, penalty: time.Minute},
	GroupHeavy:  {limit: 10, window: time.Minute, penalty: time.Minute},
	GroupMedium: {limit: 40, window: time.Minute, penalty: time.Minute},
	GroupLight:  {limit: 50, window: time.Minute, penalty: time.Minute},
}

// Adaptive bounds: raises stop at the light budget, drops floor at the
// auth budget.
const (
	adaptiveCeil        = 50
	adaptiveFloor       = 5
	raiseAfterSuccesses = 100
	lowerAfterPenalties = 3
)

// windowSlack is added to the computed sleep so the oldest timestamp is
// strictly outside the window when the caller wakes.
const windowSlack = 100 * time.Millisecond

// Limiter admits requests per endpoint under a sliding-window budget.
// State is process-local. Safe for concurrent use; locks are
// per-endpoint.
type Limiter struct {
	classify func(endpoint string) Group
	log      zerolog.Logger
	now      func() time.Time

	mu        sync.Mutex
	endpoints map[string]*endpointState
}

type endpointState struct {
	mu     sync.Mutex
	group  Group
	limit  int // effective limit, moved by the adaptive rules
	window time.Duration

	stamps       []time.Time
	penaltyUntil time.Time
	successRun   int
	penaltyHits  int
}

// Options configures a Limiter.
type Options struct {
	// Classify maps an endpoint key to its budget group. Defaults to
	// GroupLight for unknown endpoints.
	Classify func(endpoint string) Group
	Log      zerolog.Logger
}

// New creates a limiter. The limiter never fails; Wait only sleeps, and
// returns early only on context cancellation.
func New(opts Options) *Limiter {
	classify := opts.Classify
	if classify == nil {
		classify = func(string) Group { return GroupLight }
	}
	return &Limiter{
		classify:  classify,
		log:       opts.Log.With().Str("component", "ratelimit").Logger(),
		now:       time.Now,
		endpoints: make(map[string]*endpointState),
	}
}

func (l *Limiter) state(endpoint string) *endpointState {
	l.mu.Lock()
	defer l.mu.Unlock()
	st, ok := l.endpoints[endpoint]
	if !ok {
		g := l.classify(endpoint)
		b, ok := budgets[g]
		if !ok {
			b = budgets[GroupLight]
			g = GroupLight
		}
		st = &endpointState{group: g, limit: b.limit, window: b.window}
		l.endpoints[endpoint] = st
	}
	return st
}

// Wait blocks until one request to endpoint may proceed under its budget.
// It returns the total time spent waiting. The only error returned is the
// context's, when cancelled mid-sleep.
func (l *Limiter) Wait(ctx context.Context, endpoint string) (time.Duration, error) {
	st := l.state(endpoint)
	var waited time.Duration

	for {
		st.mu.Lock()
		now := l.now()

		var sleep time.Duration
		if now.Before(st.penaltyUntil) {
			sleep = st.penaltyUntil.Sub(now)
		} else {
			st.prune(now)
			if len(st.stamps) < st.limit {
				st.stamps = append(st.stamps, now)
				st.mu.Unlock()
				if waited > 0 {
					metrics.RateLimitWaitSeconds.WithLabelValues(endpoint).Add(waited.Seconds())
				}
				return waited, nil
			}
			sleep = st.stamps[0].Add(st.window).Sub(now) + windowSlack
		}
		st.mu.Unlock()

		if waited == 0 {
			l.log.Debug().Str("endpoint", endpoint).Dur("sleep", sleep).Msg("rate limit wait")
		}

		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return waited, ctx.Err()
		case <-timer.C:
			waited += sleep
		}
	}
}

// prune drops timestamps older than the window. Caller holds st.mu.
func (st *endpointState) prune(now time.Time) {
	cutoff := now.Add(-st.window)
	i := sort.Search(len(st.stamps), func(i int) bool { return st.stamps[i].After(cutoff) })
	if i > 0 {
		st.stamps = append(st.stamps[:0], st.stamps[i:]...)
	}
}

// RecordResponse feeds a response back into the limiter. A 429 starts a
// penalty period on the endpoint; other statuses drive the adaptive
// limit.
func (l *Limiter) RecordResponse(endpoint string, status int, header http.Header) {
	st := l.state(endpoint)
	st.mu.Lock()
	defer st.mu.Unlock()
	now := l.now()

	if status == http.StatusTooManyRequests {
		until := now.Add(budgets[st.group].penalty)
		if ra := parseRetryAfter(header.Get("Retry-After"), now); !ra.IsZero() {
			until = ra
		}
		st.penaltyUntil = until
		st.successRun = 0
		st.penaltyHits++
		if st.penaltyHits >= lowerAfterPenalties {
			st.penaltyHits = 0
			if st.limit-2 >= adaptiveFloor {
				st.limit -= 2
			} else {
				st.limit = adaptiveFloor
			}
			l.log.Warn().Str("endpoint", endpoint).Int("limit", st.limit).Msg("repeated 429s, lowering effective limit")
		}
		l.log.Debug().Str("endpoint", endpoint).Time("until", until).Msg("penalty period started")
		return
	}

	if status >= 400 {
		st.successRun = 0
		return
	}

	st.successRun++
	if st.successRun >= raiseAfterSuccesses {
		st.successRun = 0
		if st.limit < adaptiveCeil {
			st.limit++
			l.log.Debug().Str("endpoint", endpoint).Int("limit", st.limit).Msg("raising effective limit")
		}
	}
}

// parseRetryAfter handles both the delta-seconds and HTTP-date forms.
// Returns the zero time when the header is absent or unparseable.
func parseRetryAfter(v string, now time.Time) time.Time {
	if v == "" {
		return time.Time{}
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			secs = 0
		}
		return now.Add(time.Duration(secs) * time.Second)
	}
	if t, err := http.ParseTime(v); err == nil {
		return t
	}
	return time.Time{}
}
