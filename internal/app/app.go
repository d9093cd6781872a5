// Package app builds the price aggregator and its dependencies from config.
package app

import (
    "errors"
    "fmt"
    "strings"
    "time"

    "go.uber.org/zap"

    "pricefeed/internal/aggregate"
    "pricefeed/internal/clock"
    "pricefeed/internal/config"
    "pricefeed/internal/httpx"
    "pricefeed/internal/metrics"
    "pricefeed/internal/provider"
    "pricefeed/internal/provider/binance"
    "pricefeed/internal/provider/cache"
    "pricefeed/internal/provider/coincap"
    "pricefeed/internal/provider/coingecko"
    "pricefeed/internal/provider/ratelimit"
    "pricefeed/internal/symbols"
)

// App owns everything built for one process.
type App struct {
    Aggregator *aggregate.Aggregator
    Registry   *symbols.Registry
    Limiter    *ratelimit.Limiter
    Metrics    metrics.Recorder

    closers []func() error
}

// Option customises Build, mainly for tests.
type Option func(*options)

type options struct {
    clock clock.Clock
    http  httpx.HTTPClient
}

// WithClock replaces the real clock.
func WithClock(c clock.Clock) Option { return func(o *options) { o.clock = c } }

// WithHTTPClient replaces the pooled HTTP client shared by the adapters.
func WithHTTPClient(c httpx.HTTPClient) Option { return func(o *options) { o.http = c } }

// Build wires providers, limiter, cache, metrics and the aggregator. The first
// configured provider is the primary.
func Build(cfg config.Config, log *zap.Logger, opts ...Option) (*App, error) {
    if err := cfg.Validate(); err != nil { return nil, err }
    if log == nil { log = zap.NewNop() }
    o := options{clock: clock.Real{}}
    for _, opt := range opts { opt(&o) }

    a := &App{Metrics: metrics.Nop{}}
    if cfg.Metrics.StatsdAddr != "" {
        s, err := metrics.NewStatsd(cfg.Metrics.StatsdAddr, cfg.Metrics.Namespace)
        if err != nil { return nil, fmt.Errorf("metrics: %w", err) }
        a.Metrics = s
        a.closers = append(a.closers, s.Close)
    }

    a.Registry = registry(cfg)

    a.Limiter = ratelimit.New(o.clock, ratelimit.DefaultPolicy())
    a.Limiter.MaxWait = time.Duration(cfg.HTTP.MaxRateLimitWaitSec) * time.Second
    for _, p := range cfg.Providers {
        a.Limiter.SetPolicy(p.DisplayName(), ratelimit.Policy{
            Window:      p.Window(),
            MaxRequests: p.MaxRequests,
            MinInterval: p.MinInterval(),
        })
    }

    hc := o.http
    if hc == nil {
        c := httpx.New(httpx.Options{
            Timeout:        time.Duration(cfg.HTTP.TimeoutSec) * time.Second,
            ConnectTimeout: time.Duration(cfg.HTTP.ConnectTimeoutSec) * time.Second,
            MaxConns:       cfg.HTTP.MaxConns,
            MaxIdleConns:   cfg.HTTP.MaxIdleConns,
        })
        if cfg.HTTP.UserAgent != "" { c.UserAgent = cfg.HTTP.UserAgent }
        hc = c
    }
    req := &httpx.Requester{
        HTTP:     hc,
        Limiter:  a.Limiter,
        Clock:    o.clock,
        Attempts: cfg.HTTP.RetryAttempts,
        Backoff:  time.Duration(cfg.HTTP.RetryBackoffMs) * time.Millisecond,
    }

    provs := make([]provider.Provider, 0, len(cfg.Providers))
    for _, pc := range cfg.Providers {
        p, err := newProvider(pc, req, a.Registry)
        if err != nil { return nil, err }
        provs = append(provs, p)
    }

    ttl := cache.TTLs{
        Fresh:    time.Duration(cfg.Cache.FreshTTLSec) * time.Second,
        Fallback: time.Duration(cfg.Cache.FallbackTTLSec) * time.Second,
        Dynamic:  time.Duration(cfg.Cache.DynamicTTLSec) * time.Second,
    }
    agg, err := aggregate.New(provs[0], provs[1:],
        aggregate.WithRegistry(a.Registry),
        aggregate.WithCache(cache.New(o.clock, ttl)),
        aggregate.WithLimiter(a.Limiter),
        aggregate.WithClock(o.clock),
        aggregate.WithLogger(log.Named("aggregate")),
        aggregate.WithMetrics(a.Metrics),
        aggregate.WithConfig(aggregate.Config{
            FailureThreshold: cfg.Aggregator.FailureThreshold,
            BatchSize:        cfg.Aggregator.BatchSize,
            BatchConcurrency: cfg.Aggregator.BatchConcurrency,
            CanarySymbol:     cfg.Aggregator.CanarySymbol,
            FlightTimeout:    time.Duration(cfg.Aggregator.FlightTimeoutSec) * time.Second,
        }),
    )
    if err != nil { return nil, err }
    a.Aggregator = agg

    names := make([]string, 0, len(provs))
    for _, p := range provs { names = append(names, p.Name()) }
    log.Info("price aggregator ready",
        zap.String("primary", names[0]),
        zap.Strings("backups", names[1:]),
        zap.Int("symbols", len(agg.SupportedSymbols())),
        zap.Bool("metrics", cfg.Metrics.StatsdAddr != ""))
    return a, nil
}

// AddCloser registers fn to run on Close.
func (a *App) AddCloser(fn func() error) { a.closers = append(a.closers, fn) }

// Close releases the metrics client and anything added with AddCloser.
func (a *App) Close() error {
    var errs []error
    for _, c := range a.closers {
        if err := c(); err != nil { errs = append(errs, err) }
    }
    return errors.Join(errs...)
}

func newProvider(pc config.Provider, req *httpx.Requester, reg *symbols.Registry) (provider.Provider, error) {
    name := pc.DisplayName()
    switch pc.Type {
    case config.TypeCoinGecko:
        return coingecko.New(coingecko.Config{Name: name, BaseURL: pc.BaseURL, APIKey: pc.APIKey}, req, reg), nil
    case config.TypeBinance:
        return binance.New(binance.Config{Name: name, BaseURL: pc.BaseURL}, req, reg), nil
    case config.TypeCoinCap:
        return coincap.New(coincap.Config{Name: name, BaseURL: pc.BaseURL, APIKey: pc.APIKey}, req, reg), nil
    }
    return nil, fmt.Errorf("unknown provider type %q", pc.Type)
}

// registry merges configured mappings into the built-in set. A provider
// configured under a custom name inherits its type's mappings.
func registry(cfg config.Config) *symbols.Registry {
    extra := symbols.Mappings{}
    for p, m := range cfg.Symbols {
        extra[strings.ToLower(p)] = m
    }
    base := symbols.Default(extra)

    aliases := symbols.Mappings{}
    for _, p := range cfg.Providers {
        name := p.DisplayName()
        if name == p.Type { continue }
        m := make(map[string]string)
        for _, sym := range base.Supported() {
            if id, ok := base.Resolve(p.Type, sym); ok { m[sym] = id }
        }
        for c, s := range extra[strings.ToLower(name)] { m[c] = s }
        aliases[name] = m
    }
    if len(aliases) == 0 { return base }
    return symbols.Default(extra, aliases)
}
