package aggregate

import (
    "context"
    "errors"
    "fmt"
    "sort"
    "sync"
    "sync/atomic"
    "time"

    "go.uber.org/zap"
    "golang.org/x/sync/singleflight"

    "pricefeed/internal/clock"
    "pricefeed/internal/metrics"
    "pricefeed/internal/provider"
    "pricefeed/internal/provider/cache"
    "pricefeed/internal/provider/ratelimit"
    "pricefeed/internal/symbols"
)

// Origin says where a returned price came from.
type Origin string

const (
    OriginLive     Origin = "live"
    OriginFresh    Origin = Origin(cache.Fresh)
    OriginFallback Origin = Origin(cache.Fallback)
    OriginDynamic  Origin = Origin(cache.Dynamic)
)

// Price is a record plus its provenance.
type Price struct {
    provider.PriceRecord
    Origin Origin `json:"origin"`
}

type Config struct {
    // FailureThreshold is how many back-to-back primary failures are tolerated
    // before cached fallbacks are preferred over the primary. Negative disables
    // it; zero keeps the default.
    FailureThreshold int
    // BatchSize caps the symbols sent in one provider batch request.
    BatchSize int
    // BatchConcurrency caps concurrent batch requests to the primary.
    BatchConcurrency int
    // CanarySymbol is probed by Status.
    CanarySymbol string
    // FlightTimeout bounds a shared provider round-trip. It keeps running while
    // any caller still waits on it and is canceled when the last one leaves.
    FlightTimeout time.Duration
}

func DefaultConfig() Config {
    return Config{
        FailureThreshold: 5,
        BatchSize:        5,
        BatchConcurrency: 2,
        CanarySymbol:     "BTC",
        FlightTimeout:    2 * time.Minute,
    }
}

// Aggregator returns the best USD price the system can produce for a symbol:
// the Fresh cache, then the primary provider, then each backup in order, then
// the Fallback and Dynamic caches.
type Aggregator struct {
    primary  provider.Provider
    backups  []provider.Provider
    registry *symbols.Registry
    cache    *cache.Cache
    limiter  *ratelimit.Limiter
    clock    clock.Clock
    log      *zap.Logger
    metrics  metrics.Recorder
    cfg      Config

    supported map[string]struct{}
    failures  atomic.Int64
    flights   singleflight.Group

    mu       sync.Mutex
    inflight map[string]*flight
}

// flight is the context a shared round-trip runs on and the number of
// callers waiting for it.
type flight struct {
    ctx     context.Context
    cancel  context.CancelFunc
    waiters int
}

// Option is a configuration option for the Aggregator.
type Option func(*Aggregator)

// WithRegistry sets the symbol registry. It must be the registry the providers resolve with.
func WithRegistry(r *symbols.Registry) Option { return func(a *Aggregator) { a.registry = r } }

// WithCache sets the price cache.
func WithCache(c *cache.Cache) Option { return func(a *Aggregator) { a.cache = c } }

// WithLimiter sets the limiter used for per-provider failure accounting.
func WithLimiter(l *ratelimit.Limiter) Option { return func(a *Aggregator) { a.limiter = l } }

// WithClock sets the time source.
func WithClock(c clock.Clock) Option { return func(a *Aggregator) { a.clock = c } }

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option { return func(a *Aggregator) { a.log = l } }

// WithMetrics sets the metrics recorder.
func WithMetrics(m metrics.Recorder) Option { return func(a *Aggregator) { a.metrics = m } }

// WithConfig overrides the defaults; zero fields keep their default.
func WithConfig(cfg Config) Option {
    return func(a *Aggregator) {
        if cfg.FailureThreshold != 0 { a.cfg.FailureThreshold = cfg.FailureThreshold }
        if cfg.BatchSize > 0 { a.cfg.BatchSize = cfg.BatchSize }
        if cfg.BatchConcurrency > 0 { a.cfg.BatchConcurrency = cfg.BatchConcurrency }
        if cfg.CanarySymbol != "" { a.cfg.CanarySymbol = symbols.Normalize(cfg.CanarySymbol) }
        if cfg.FlightTimeout > 0 { a.cfg.FlightTimeout = cfg.FlightTimeout }
    }
}

// New creates an aggregator over a primary and at least one backup, tried in
// the given order.
func New(primary provider.Provider, backups []provider.Provider, opts ...Option) (*Aggregator, error) {
    if primary == nil { return nil, errors.New("aggregate: primary provider is required") }
    if len(backups) == 0 { return nil, errors.New("aggregate: at least one backup provider is required") }
    a := &Aggregator{primary: primary, backups: backups, cfg: DefaultConfig(), inflight: make(map[string]*flight)}
    for _, opt := range opts { opt(a) }
    if a.clock == nil { a.clock = clock.Real{} }
    if a.registry == nil { a.registry = symbols.Default() }
    if a.cache == nil { a.cache = cache.New(a.clock, cache.DefaultTTLs()) }
    if a.limiter == nil { a.limiter = ratelimit.New(a.clock, ratelimit.DefaultPolicy()) }
    if a.log == nil { a.log = zap.NewNop() }
    if a.metrics == nil { a.metrics = metrics.Nop{} }

    // A symbol is accepted when at least one configured provider lists it.
    a.supported = make(map[string]struct{})
    for _, sym := range a.registry.Supported() {
        for _, p := range a.providers() {
            if _, ok := a.registry.Resolve(p.Name(), sym); ok {
                a.supported[sym] = struct{}{}
                break
            }
        }
    }
    return a, nil
}

func (a *Aggregator) providers() []provider.Provider {
    return append([]provider.Provider{a.primary}, a.backups...)
}

// SupportedSymbols returns every canonical symbol some configured provider lists, sorted.
func (a *Aggregator) SupportedSymbols() []string {
    out := make([]string, 0, len(a.supported))
    for s := range a.supported { out = append(out, s) }
    sort.Strings(out)
    return out
}

// ConsecutiveFailures is the current primary failure streak.
func (a *Aggregator) ConsecutiveFailures() int64 { return a.failures.Load() }

// Degraded reports whether the primary failure streak is above the threshold.
func (a *Aggregator) Degraded() bool {
    return a.cfg.FailureThreshold > 0 && a.failures.Load() > int64(a.cfg.FailureThreshold)
}

// ClearCache drops symbol from every cache tier.
func (a *Aggregator) ClearCache(symbol string) { a.cache.Clear(symbols.Normalize(symbol)) }

// ClearAll empties every cache tier.
func (a *Aggregator) ClearAll() { a.cache.ClearAll() }

// GetPrice returns the best available price for symbol. The only errors are
// *Unavailable with reason unsupported_symbol, all_sources_failed or
// deadline_exceeded.
func (a *Aggregator) GetPrice(ctx context.Context, symbol string) (Price, error) {
    sym, err := a.check(symbol)
    if err != nil { return Price{}, err }
    if err := ctx.Err(); err != nil { return Price{}, a.fail(sym, ReasonDeadlineExceeded, err) }

    if rec, ok := a.cache.GetFresh(sym); ok {
        a.metrics.Incr("price.cache_hit", "tier:fresh")
        return Price{PriceRecord: rec, Origin: OriginFresh}, nil
    }

    degraded := a.Degraded()
    if degraded {
        if p, ok := a.fromFallbacks(sym); ok {
            a.log.Info("primary degraded, serving cached price",
                zap.String("symbol", sym), zap.String("origin", string(p.Origin)),
                zap.Int64("consecutive_failures", a.failures.Load()))
            return p, nil
        }
    }

    rec, err := a.live(ctx, "", sym, degraded)
    if err == nil { return Price{PriceRecord: rec, Origin: OriginLive}, nil }
    if ctxErr := ctx.Err(); ctxErr != nil { return Price{}, a.fail(sym, ReasonDeadlineExceeded, ctxErr) }

    if !degraded {
        if p, ok := a.fromFallbacks(sym); ok {
            a.log.Info("all providers failed, serving cached price",
                zap.String("symbol", sym), zap.String("origin", string(p.Origin)), zap.Error(err))
            return p, nil
        }
    }
    return Price{}, a.fail(sym, ReasonAllSourcesFailed, err)
}

// GetPriceForTrade returns a price fetched from a provider during this call.
// Every cache tier for symbol is cleared first and no cached fallback is used.
func (a *Aggregator) GetPriceForTrade(ctx context.Context, symbol string) (Price, error) {
    sym, err := a.check(symbol)
    if err != nil { return Price{}, err }
    if err := ctx.Err(); err != nil { return Price{}, a.fail(sym, ReasonDeadlineExceeded, err) }

    a.cache.Clear(sym)
    rec, err := a.live(ctx, "trade:", sym, false)
    if err == nil { return Price{PriceRecord: rec, Origin: OriginLive}, nil }
    if ctxErr := ctx.Err(); ctxErr != nil { return Price{}, a.fail(sym, ReasonDeadlineExceeded, ctxErr) }
    return Price{}, a.fail(sym, ReasonAllSourcesFailed, err)
}

func (a *Aggregator) check(symbol string) (string, error) {
    sym := symbols.Normalize(symbol)
    if _, ok := a.supported[sym]; !ok || !symbols.Valid(sym) {
        a.log.Debug("unsupported symbol", zap.String("symbol", symbol))
        return sym, a.fail(sym, ReasonUnsupportedSymbol, nil)
    }
    return sym, nil
}

func (a *Aggregator) fail(sym string, r Reason, cause error) error {
    a.metrics.Incr("price.unavailable", "reason:"+string(r))
    return unavailable(sym, r, cause)
}

func (a *Aggregator) fromFallbacks(sym string) (Price, bool) {
    if rec, ok := a.cache.GetFallback(sym); ok {
        a.metrics.Incr("price.cache_hit", "tier:fallback")
        return Price{PriceRecord: rec, Origin: OriginFallback}, true
    }
    if rec, ok := a.cache.GetDynamic(sym); ok {
        a.metrics.Incr("price.cache_hit", "tier:dynamic")
        return Price{PriceRecord: rec, Origin: OriginDynamic}, true
    }
    return Price{}, false
}

// live runs one provider round-trip for sym, shared by concurrent callers
// with the same key. The caller stops waiting when ctx is done; the
// round-trip is canceled once no caller waits for it.
func (a *Aggregator) live(ctx context.Context, prefix, sym string, skipPrimary bool) (provider.PriceRecord, error) {
    key := prefix + sym
    if skipPrimary { key += "|backups" }
    f := a.join(ctx, key)
    defer a.leave(key, f)
    ch := a.flights.DoChan(key, func() (any, error) {
        return a.fetchOne(f.ctx, sym, skipPrimary)
    })
    select {
    case <-ctx.Done():
        return provider.PriceRecord{}, ctx.Err()
    case res := <-ch:
        if res.Err != nil { return provider.PriceRecord{}, res.Err }
        return res.Val.(provider.PriceRecord), nil
    }
}

func (a *Aggregator) join(ctx context.Context, key string) *flight {
    a.mu.Lock()
    defer a.mu.Unlock()
    f, ok := a.inflight[key]
    if !ok {
        fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.FlightTimeout)
        f = &flight{ctx: fctx, cancel: cancel}
        a.inflight[key] = f
    }
    f.waiters++
    return f
}

// leave drops one waiter. The last one cancels the round-trip and forgets
// the key so the next caller starts a new one.
func (a *Aggregator) leave(key string, f *flight) {
    a.mu.Lock()
    defer a.mu.Unlock()
    f.waiters--
    if f.waiters > 0 { return }
    f.cancel()
    delete(a.inflight, key)
    a.flights.Forget(key)
}

// fetchOne tries the providers in order; the first success is cached and
// returned.
func (a *Aggregator) fetchOne(ctx context.Context, sym string, skipPrimary bool) (provider.PriceRecord, error) {
    var lastErr error
    for i, p := range a.providers() {
        primary := i == 0
        if primary && skipPrimary { continue }
        start := a.clock.Now()
        rec, err := p.FetchOne(ctx, sym)
        a.metrics.Timing("price.provider_latency", a.clock.Now().Sub(start), "provider:"+p.Name())
        if err == nil {
            a.cache.Put(rec)
            a.recordSuccess(p)
            return rec, nil
        }
        if ctxErr := ctx.Err(); ctxErr != nil { return provider.PriceRecord{}, ctxErr }
        lastErr = err
        if errors.Is(err, provider.ErrUnsupported) { continue }
        a.recordFailure(p, primary, sym, err)
    }
    if lastErr == nil { lastErr = fmt.Errorf("no eligible provider lists %s", sym) }
    return provider.PriceRecord{}, lastErr
}

func (a *Aggregator) recordSuccess(p provider.Provider) {
    a.limiter.RecordSuccess(p.Name())
    if prev := a.failures.Swap(0); a.cfg.FailureThreshold > 0 && prev > int64(a.cfg.FailureThreshold) {
        a.log.Info("provider success, leaving degraded mode", zap.String("provider", p.Name()), zap.Int64("streak", prev))
    }
}

func (a *Aggregator) recordFailure(p provider.Provider, primary bool, sym string, err error) {
    kind := provider.KindOf(err)
    a.limiter.RecordFailure(p.Name(), err)
    a.metrics.Incr("price.provider_error", "provider:"+p.Name(), "kind:"+string(kind))
    a.log.Warn("provider fetch failed",
        zap.String("provider", p.Name()), zap.String("symbol", sym),
        zap.String("kind", string(kind)), zap.Error(err))
    if !primary { return }
    if n := a.failures.Add(1); a.cfg.FailureThreshold > 0 && n == int64(a.cfg.FailureThreshold)+1 {
        a.log.Warn("primary failure threshold exceeded, preferring cached prices",
            zap.String("provider", p.Name()), zap.Int64("streak", n))
    }
}
