package ratelimit

import (
    "context"
    "fmt"
    "sort"
    "sync"
    "time"

    "pricefeed/internal/clock"
    "pricefeed/internal/provider"
)

// Policy bounds how often one provider may be called.
// - MaxRequests within any sliding Window (0 disables the cap)
// - MinInterval between two consecutive requests (0 disables the gap)
type Policy struct {
    Window      time.Duration `json:"window"`
    MaxRequests int           `json:"max_requests"`
    MinInterval time.Duration `json:"min_interval"`
}

// DefaultPolicy is conservative free-tier pacing.
func DefaultPolicy() Policy {
    return Policy{Window: time.Minute, MaxRequests: 8, MinInterval: time.Second}
}

// Health is the last known status of a provider.
type Health string

const (
    HealthUnknown     Health = "unknown"
    HealthOK          Health = "ok"
    HealthRateLimited Health = "rate_limited"
    HealthError       Health = "error"
)

// State is a point-in-time copy of one provider's counters.
type State struct {
    Policy              Policy    `json:"policy"`
    RequestsInWindow    int       `json:"requests_in_window"`
    WindowStart         time.Time `json:"window_start"`
    LastRequest         time.Time `json:"last_request"`
    ConsecutiveFailures int       `json:"consecutive_failures"`
    RateLimitedTotal    int       `json:"rate_limited_total"`
    Health              Health    `json:"health"`
    LastError           string    `json:"last_error,omitempty"`
}

type state struct {
    stamps   []time.Time // request times inside the current window, oldest first
    last     time.Time
    failures int
    limited  int
    health   Health
    lastErr  string
}

// Limiter gates requests per provider. Waiting happens outside the lock, so a
// saturated provider never delays callers of another one.
type Limiter struct {
    clock clock.Clock
    def   Policy

    // MaxWait caps how long Wait is willing to sleep for a single hint.
    // 0 means wait as long as the hint says.
    MaxWait time.Duration

    mu       sync.Mutex
    policies map[string]Policy
    states   map[string]*state
}

func New(c clock.Clock, def Policy) *Limiter {
    if c == nil { c = clock.Real{} }
    return &Limiter{
        clock:    c,
        def:      def,
        policies: make(map[string]Policy),
        states:   make(map[string]*state),
    }
}

// SetPolicy overrides the default policy for one provider.
func (l *Limiter) SetPolicy(name string, p Policy) {
    l.mu.Lock()
    l.policies[name] = p
    l.mu.Unlock()
}

// Policy returns the effective policy for a provider.
func (l *Limiter) Policy(name string) Policy {
    l.mu.Lock()
    defer l.mu.Unlock()
    return l.policyLocked(name)
}

func (l *Limiter) policyLocked(name string) Policy {
    if p, ok := l.policies[name]; ok { return p }
    return l.def
}

func (l *Limiter) stateLocked(name string) *state {
    s := l.states[name]
    if s == nil {
        s = &state{health: HealthUnknown}
        l.states[name] = s
    }
    return s
}

// Acquire reports whether a request to name may go out now. When it may, the
// request is counted. When it may not, wait is how long the caller should
// hold off before asking again.
func (l *Limiter) Acquire(name string) (ok bool, wait time.Duration) {
    l.mu.Lock()
    defer l.mu.Unlock()

    p := l.policyLocked(name)
    s := l.stateLocked(name)
    now := l.clock.Now()

    if p.Window > 0 {
        cut := now.Add(-p.Window)
        i := 0
        for ; i < len(s.stamps); i++ {
            if s.stamps[i].After(cut) { break }
        }
        if i > 0 { s.stamps = append(s.stamps[:0], s.stamps[i:]...) }
        if p.MaxRequests > 0 && len(s.stamps) >= p.MaxRequests {
            return false, s.stamps[0].Add(p.Window).Sub(now)
        }
    }
    if p.MinInterval > 0 && !s.last.IsZero() {
        if next := s.last.Add(p.MinInterval); now.Before(next) {
            return false, next.Sub(now)
        }
    }
    if p.Window > 0 { s.stamps = append(s.stamps, now) }
    s.last = now
    return true, 0
}

// Wait blocks until Acquire succeeds, honouring every wait hint. It returns
// the context error on cancellation, or ErrRateLimited when a hint exceeds
// MaxWait.
func (l *Limiter) Wait(ctx context.Context, name string) error {
    for {
        ok, wait := l.Acquire(name)
        if ok { return nil }
        if l.MaxWait > 0 && wait > l.MaxWait {
            return fmt.Errorf("%s: %w: local budget exhausted, next slot in %s", name, provider.ErrRateLimited, wait)
        }
        if err := l.clock.Sleep(ctx, wait); err != nil { return err }
    }
}

// RecordSuccess resets the provider's failure streak.
func (l *Limiter) RecordSuccess(name string) {
    l.mu.Lock()
    s := l.stateLocked(name)
    s.failures = 0
    s.health = HealthOK
    s.lastErr = ""
    l.mu.Unlock()
}

// RecordFailure counts one failed provider call.
func (l *Limiter) RecordFailure(name string, err error) {
    l.mu.Lock()
    s := l.stateLocked(name)
    s.failures++
    if provider.KindOf(err) == provider.KindRateLimited {
        s.limited++
        s.health = HealthRateLimited
    } else {
        s.health = HealthError
    }
    if err != nil { s.lastErr = err.Error() }
    l.mu.Unlock()
}

// State returns a copy of one provider's counters.
func (l *Limiter) State(name string) State {
    l.mu.Lock()
    defer l.mu.Unlock()
    return l.snapshotLocked(name)
}

// Snapshot returns State for every provider in names, plus any provider that
// has been seen, keyed by name.
func (l *Limiter) Snapshot(names ...string) map[string]State {
    l.mu.Lock()
    defer l.mu.Unlock()
    all := make(map[string]struct{}, len(names)+len(l.states))
    for _, n := range names { all[n] = struct{}{} }
    for n := range l.states { all[n] = struct{}{} }
    keys := make([]string, 0, len(all))
    for n := range all { keys = append(keys, n) }
    sort.Strings(keys)
    out := make(map[string]State, len(keys))
    for _, n := range keys { out[n] = l.snapshotLocked(n) }
    return out
}

func (l *Limiter) snapshotLocked(name string) State {
    p := l.policyLocked(name)
    st := State{Policy: p, Health: HealthUnknown}
    s, ok := l.states[name]
    if !ok { return st }
    now := l.clock.Now()
    for _, ts := range s.stamps {
        if p.Window <= 0 || ts.After(now.Add(-p.Window)) {
            if st.WindowStart.IsZero() { st.WindowStart = ts }
            st.RequestsInWindow++
        }
    }
    st.LastRequest = s.last
    st.ConsecutiveFailures = s.failures
    st.RateLimitedTotal = s.limited
    st.Health = s.health
    st.LastError = s.lastErr
    return st
}
