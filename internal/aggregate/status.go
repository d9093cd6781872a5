package aggregate

import (
    "context"
    "time"

    "pricefeed/internal/provider/cache"
    "pricefeed/internal/provider/ratelimit"
)

// ProviderStatus is one provider's limiter view, durations rendered as text.
type ProviderStatus struct {
    Name                string           `json:"name"`
    Role                string           `json:"role"`
    Window              string           `json:"window"`
    MaxRequests         int              `json:"max_requests"`
    MinInterval         string           `json:"min_interval"`
    RequestsInWindow    int              `json:"requests_in_window"`
    LastRequest         *time.Time       `json:"last_request,omitempty"`
    ConsecutiveFailures int              `json:"consecutive_failures"`
    RateLimitedTotal    int              `json:"rate_limited_total"`
    Health              ratelimit.Health `json:"health"`
    LastError           string           `json:"last_error,omitempty"`
}

// Canary is the result of a live probe for one symbol.
type Canary struct {
    Symbol         string `json:"symbol"`
    OK             bool   `json:"ok"`
    PrimaryWorking bool   `json:"primary_working"`
    Price          *Price `json:"price,omitempty"`
    Reason         Reason `json:"reason,omitempty"`
    Error          string `json:"error,omitempty"`
}

type Status struct {
    Primary             string                `json:"primary"`
    Backups             []string              `json:"backups"`
    Providers           []ProviderStatus      `json:"providers"`
    CacheTTLs           map[cache.Tier]string `json:"cache_ttls"`
    CacheSizes          map[cache.Tier]int    `json:"cache_sizes"`
    ConsecutiveFailures int64                 `json:"consecutive_failures"`
    FailureThreshold    int                   `json:"failure_threshold"`
    Degraded            bool                  `json:"degraded"`
    SupportedSymbols    int                   `json:"supported_symbols"`
    Canary              Canary                `json:"canary"`
    CheckedAt           time.Time             `json:"checked_at"`
}

// Status reports configuration, limiter state and a canary lookup. The
// canary runs first so the counters below reflect it. It goes through
// GetPrice and may be answered from cache; PrimaryWorking is only set for a
// live or Fresh record from the primary.
func (a *Aggregator) Status(ctx context.Context) Status {
    canary := Canary{Symbol: a.cfg.CanarySymbol}
    if p, err := a.GetPrice(ctx, a.cfg.CanarySymbol); err != nil {
        canary.Reason = ReasonOf(err)
        canary.Error = err.Error()
    } else {
        canary.OK = true
        canary.Price = &p
        canary.PrimaryWorking = p.Source == a.primary.Name() && (p.Origin == OriginLive || p.Origin == OriginFresh)
    }

    st := Status{
        Primary:             a.primary.Name(),
        ConsecutiveFailures: a.failures.Load(),
        FailureThreshold:    a.cfg.FailureThreshold,
        Degraded:            a.Degraded(),
        SupportedSymbols:    len(a.supported),
        Canary:              canary,
        CheckedAt:           a.clock.Now(),
    }

    names := make([]string, 0, len(a.backups)+1)
    for _, p := range a.providers() { names = append(names, p.Name()) }
    st.Backups = names[1:]
    snap := a.limiter.Snapshot(names...)
    for i, name := range names {
        s := snap[name]
        ps := ProviderStatus{
            Name:                name,
            Role:                "backup",
            Window:              s.Policy.Window.String(),
            MaxRequests:         s.Policy.MaxRequests,
            MinInterval:         s.Policy.MinInterval.String(),
            RequestsInWindow:    s.RequestsInWindow,
            ConsecutiveFailures: s.ConsecutiveFailures,
            RateLimitedTotal:    s.RateLimitedTotal,
            Health:              s.Health,
            LastError:           s.LastError,
        }
        if i == 0 { ps.Role = "primary" }
        if !s.LastRequest.IsZero() {
            lr := s.LastRequest
            ps.LastRequest = &lr
        }
        st.Providers = append(st.Providers, ps)
    }

    ttl := a.cache.TTLs()
    st.CacheTTLs = map[cache.Tier]string{
        cache.Fresh:    ttl.Fresh.String(),
        cache.Fallback: ttl.Fallback.String(),
        cache.Dynamic:  ttl.Dynamic.String(),
    }
    st.CacheSizes = a.cache.Sizes()
    return st
}
