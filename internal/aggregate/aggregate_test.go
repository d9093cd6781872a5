package aggregate_test

import (
    "context"
    "errors"
    "fmt"
    "sync"
    "testing"
    "time"

    "github.com/shopspring/decimal"
    "github.com/stretchr/testify/require"
    "go.uber.org/mock/gomock"

    "pricefeed/internal/aggregate"
    "pricefeed/internal/clock"
    "pricefeed/internal/provider"
    "pricefeed/internal/provider/cache"
    "pricefeed/internal/provider/ratelimit"
    "pricefeed/internal/symbols"
)

var t0 = time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)

type rig struct {
    clk     *clock.Fake
    cache   *cache.Cache
    limiter *ratelimit.Limiter
    primary *MockProvider
    backup  *MockProvider
    agg     *aggregate.Aggregator
}

func testRegistry() *symbols.Registry {
    return symbols.New(symbols.Mappings{
        "primary": {
            "BTC": "bitcoin", "ETH": "ethereum", "SOL": "solana", "ADA": "cardano",
            "DOT": "polkadot", "LINK": "chainlink", "AVAX": "avalanche-2", "XRP": "ripple",
        },
        "backup": {
            "BTC": "BTCUSDT", "ETH": "ETHUSDT", "SOL": "SOLUSDT", "LINK": "LINKUSDT",
            "XMR": "XMRUSDT",
        },
        "unconfigured": {"GHOST": "ghost"},
    })
}

func newRig(t *testing.T, cfg *aggregate.Config) *rig {
    t.Helper()
    ctrl := gomock.NewController(t)
    r := &rig{clk: clock.NewFake(t0), primary: NewMockProvider(ctrl), backup: NewMockProvider(ctrl)}
    r.primary.EXPECT().Name().Return("primary").AnyTimes()
    r.backup.EXPECT().Name().Return("backup").AnyTimes()
    r.cache = cache.New(r.clk, cache.DefaultTTLs())
    r.limiter = ratelimit.New(r.clk, ratelimit.DefaultPolicy())

    opts := []aggregate.Option{
        aggregate.WithRegistry(testRegistry()),
        aggregate.WithCache(r.cache),
        aggregate.WithLimiter(r.limiter),
        aggregate.WithClock(r.clk),
    }
    if cfg != nil { opts = append(opts, aggregate.WithConfig(*cfg)) }
    agg, err := aggregate.New(r.primary, []provider.Provider{r.backup}, opts...)
    require.NoError(t, err)
    r.agg = agg
    return r
}

func rec(sym, src, price string, at time.Time) provider.PriceRecord {
    return provider.PriceRecord{
        Symbol:       sym,
        Price:        decimal.RequireFromString(price),
        ChangePct24h: decimal.NewNullDecimal(decimal.RequireFromString("1.5")),
        FetchedAt:    at,
        Source:       src,
    }
}

var errDown = fmt.Errorf("upstream: %w", provider.ErrTransient)

func TestNew_RequiresBackup(t *testing.T) {
    ctrl := gomock.NewController(t)
    p := NewMockProvider(ctrl)

    _, err := aggregate.New(p, nil)
    require.Error(t, err)

    _, err = aggregate.New(nil, []provider.Provider{p})
    require.Error(t, err)
}

func TestSupportedSymbols_OnlyConfiguredProviders(t *testing.T) {
    r := newRig(t, nil)

    got := r.agg.SupportedSymbols()

    require.Equal(t, []string{"ADA", "AVAX", "BTC", "DOT", "ETH", "LINK", "SOL", "XMR", "XRP"}, got)
}

func TestGetPrice_FreshHitSkipsProviders(t *testing.T) {
    r := newRig(t, nil)

    // Arrange: the primary answers exactly once
    r.primary.EXPECT().FetchOne(gomock.Any(), "BTC").Return(rec("BTC", "primary", "50000", t0), nil).Times(1)

    // Act
    first, err := r.agg.GetPrice(t.Context(), "btc")
    require.NoError(t, err)
    r.clk.Advance(time.Minute)
    second, err := r.agg.GetPrice(t.Context(), " BTC ")

    // Assert
    require.NoError(t, err)
    require.Equal(t, aggregate.OriginLive, first.Origin)
    require.Equal(t, aggregate.OriginFresh, second.Origin)
    require.True(t, second.Price.Equal(decimal.NewFromInt(50000)))
    require.Equal(t, "primary", second.Source)
}

func TestGetPrice_PrimaryFailsBackupServes(t *testing.T) {
    r := newRig(t, nil)

    r.primary.EXPECT().FetchOne(gomock.Any(), "ETH").Return(provider.PriceRecord{}, errDown)
    r.backup.EXPECT().FetchOne(gomock.Any(), "ETH").Return(rec("ETH", "backup", "3000", t0), nil)

    p, err := r.agg.GetPrice(t.Context(), "ETH")

    require.NoError(t, err)
    require.Equal(t, "backup", p.Source)
    require.Equal(t, aggregate.OriginLive, p.Origin)
    // any success resets the streak
    require.Equal(t, int64(0), r.agg.ConsecutiveFailures())
    require.Equal(t, ratelimit.HealthError, r.limiter.State("primary").Health)
    require.Equal(t, 1, r.limiter.State("primary").ConsecutiveFailures)
    require.Equal(t, ratelimit.HealthOK, r.limiter.State("backup").Health)
}

func TestGetPrice_RateLimitedPrimaryIsCounted(t *testing.T) {
    r := newRig(t, nil)

    r.primary.EXPECT().FetchOne(gomock.Any(), "SOL").Return(provider.PriceRecord{}, fmt.Errorf("primary: %w", provider.ErrRateLimited))
    r.backup.EXPECT().FetchOne(gomock.Any(), "SOL").Return(rec("SOL", "backup", "150", t0), nil)

    _, err := r.agg.GetPrice(t.Context(), "SOL")

    require.NoError(t, err)
    st := r.limiter.State("primary")
    require.Equal(t, 1, st.RateLimitedTotal)
    require.Equal(t, ratelimit.HealthRateLimited, st.Health)
}

func TestGetPrice_ProviderUnsupportedIsNotAFailure(t *testing.T) {
    r := newRig(t, nil)

    // XMR is only listed by the backup; the primary rejects it without I/O
    r.primary.EXPECT().FetchOne(gomock.Any(), "XMR").Return(provider.PriceRecord{}, fmt.Errorf("primary: %w", provider.ErrUnsupported)).AnyTimes()
    r.backup.EXPECT().FetchOne(gomock.Any(), "XMR").Return(rec("XMR", "backup", "160", t0), nil)

    p, err := r.agg.GetPrice(t.Context(), "XMR")

    require.NoError(t, err)
    require.Equal(t, "backup", p.Source)
    require.Equal(t, 0, r.limiter.State("primary").ConsecutiveFailures)
}

func TestGetPrice_AllFailServesFallbackTier(t *testing.T) {
    r := newRig(t, nil)

    r.primary.EXPECT().FetchOne(gomock.Any(), "BTC").Return(rec("BTC", "primary", "50000", t0), nil)
    _, err := r.agg.GetPrice(t.Context(), "BTC")
    require.NoError(t, err)

    // Fresh TTL is 5m; at 6m the record lives on in Fallback
    r.clk.Advance(6 * time.Minute)
    r.primary.EXPECT().FetchOne(gomock.Any(), "BTC").Return(provider.PriceRecord{}, errDown)
    r.backup.EXPECT().FetchOne(gomock.Any(), "BTC").Return(provider.PriceRecord{}, errDown)

    p, err := r.agg.GetPrice(t.Context(), "BTC")

    require.NoError(t, err)
    require.Equal(t, aggregate.OriginFallback, p.Origin)
    require.True(t, p.FetchedAt.Equal(t0))
    require.True(t, p.Price.Equal(decimal.NewFromInt(50000)))
}

func TestGetPrice_AllFailServesDynamicTier(t *testing.T) {
    r := newRig(t, nil)

    r.primary.EXPECT().FetchOne(gomock.Any(), "BTC").Return(rec("BTC", "primary", "50000", t0), nil)
    _, err := r.agg.GetPrice(t.Context(), "BTC")
    require.NoError(t, err)

    r.clk.Advance(20 * time.Minute)
    r.primary.EXPECT().FetchOne(gomock.Any(), "BTC").Return(provider.PriceRecord{}, errDown)
    r.backup.EXPECT().FetchOne(gomock.Any(), "BTC").Return(provider.PriceRecord{}, errDown)

    p, err := r.agg.GetPrice(t.Context(), "BTC")

    require.NoError(t, err)
    require.Equal(t, aggregate.OriginDynamic, p.Origin)
    require.True(t, p.FetchedAt.Equal(t0))
}

func TestGetPrice_AllFailNothingCached(t *testing.T) {
    r := newRig(t, nil)

    r.primary.EXPECT().FetchOne(gomock.Any(), "ETH").Return(provider.PriceRecord{}, errDown)
    r.backup.EXPECT().FetchOne(gomock.Any(), "ETH").Return(provider.PriceRecord{}, fmt.Errorf("backup: %w", provider.ErrPermanent))

    _, err := r.agg.GetPrice(t.Context(), "ETH")

    require.ErrorIs(t, err, aggregate.ErrAllSourcesFailed)
    require.Equal(t, aggregate.ReasonAllSourcesFailed, aggregate.ReasonOf(err))
    var u *aggregate.Unavailable
    require.ErrorAs(t, err, &u)
    require.Equal(t, "ETH", u.Symbol)
    require.ErrorIs(t, err, provider.ErrPermanent)
}

func TestGetPrice_UnsupportedSymbolMakesNoCalls(t *testing.T) {
    r := newRig(t, nil)

    for _, sym := range []string{"DOGE", "GHOST", "", "btc-usd", "TOOLONGSYMBOL"} {
        _, err := r.agg.GetPrice(t.Context(), sym)
        require.ErrorIs(t, err, aggregate.ErrUnsupportedSymbol, sym)
        require.Equal(t, aggregate.ReasonUnsupportedSymbol, aggregate.ReasonOf(err))
    }
}

func TestGetPrice_CanceledContext(t *testing.T) {
    r := newRig(t, nil)
    ctx, cancel := context.WithCancel(t.Context())
    cancel()

    _, err := r.agg.GetPrice(ctx, "BTC")

    require.ErrorIs(t, err, aggregate.ErrDeadlineExceeded)
}

func TestGetPrice_DeadlineWhileProviderBlocked(t *testing.T) {
    r := newRig(t, nil)

    release := make(chan struct{})
    done := make(chan struct{})
    r.primary.EXPECT().FetchOne(gomock.Any(), "BTC").DoAndReturn(func(ctx context.Context, _ string) (provider.PriceRecord, error) {
        defer close(done)
        <-release
        return rec("BTC", "primary", "50000", t0), nil
    })

    ctx, cancel := context.WithTimeout(t.Context(), 20*time.Millisecond)
    defer cancel()
    _, err := r.agg.GetPrice(ctx, "BTC")

    require.ErrorIs(t, err, aggregate.ErrDeadlineExceeded)

    // a result the provider still returns after the caller left is cached
    close(release)
    <-done
    require.Eventually(t, func() bool {
        _, ok := r.cache.GetFresh("BTC")
        return ok
    }, time.Second, 5*time.Millisecond)
    p, err := r.agg.GetPrice(t.Context(), "BTC")
    require.NoError(t, err)
    require.Equal(t, aggregate.OriginFresh, p.Origin)
}

func TestGetPrice_LastWaiterLeavingCancelsRoundTrip(t *testing.T) {
    r := newRig(t, nil)

    done := make(chan error, 1)
    r.primary.EXPECT().FetchOne(gomock.Any(), "ETH").DoAndReturn(func(ctx context.Context, _ string) (provider.PriceRecord, error) {
        <-ctx.Done()
        done <- ctx.Err()
        return provider.PriceRecord{}, ctx.Err()
    })

    ctx, cancel := context.WithTimeout(t.Context(), 20*time.Millisecond)
    defer cancel()
    _, err := r.agg.GetPrice(ctx, "ETH")
    require.ErrorIs(t, err, aggregate.ErrDeadlineExceeded)

    select {
    case err := <-done:
        require.ErrorIs(t, err, context.Canceled)
    case <-time.After(time.Second):
        t.Fatal("provider call kept running with no caller waiting")
    }
    // cancellation is not a provider failure and the backups are never tried
    require.Equal(t, 0, r.limiter.State("primary").ConsecutiveFailures)
    require.Equal(t, int64(0), r.agg.ConsecutiveFailures())
}

func TestGetPrice_SharedRoundTripOutlivesOneWaiter(t *testing.T) {
    r := newRig(t, nil)

    started := make(chan struct{})
    release := make(chan struct{})
    r.primary.EXPECT().FetchOne(gomock.Any(), "SOL").DoAndReturn(func(ctx context.Context, _ string) (provider.PriceRecord, error) {
        close(started)
        select {
        case <-release:
            return rec("SOL", "primary", "150", t0), nil
        case <-ctx.Done():
            return provider.PriceRecord{}, ctx.Err()
        }
    }).Times(1)

    patient := make(chan error, 1)
    go func() {
        _, err := r.agg.GetPrice(context.Background(), "SOL")
        patient <- err
    }()
    <-started

    ctx, cancel := context.WithTimeout(t.Context(), 20*time.Millisecond)
    defer cancel()
    _, err := r.agg.GetPrice(ctx, "SOL")
    require.ErrorIs(t, err, aggregate.ErrDeadlineExceeded)

    close(release)
    require.NoError(t, <-patient)
    _, ok := r.cache.GetFresh("SOL")
    require.True(t, ok)
}

func TestGetPrice_ConcurrentCallersShareOneFetch(t *testing.T) {
    r := newRig(t, nil)

    started := make(chan struct{})
    release := make(chan struct{})
    r.primary.EXPECT().FetchOne(gomock.Any(), "BTC").DoAndReturn(func(ctx context.Context, _ string) (provider.PriceRecord, error) {
        close(started)
        <-release
        return rec("BTC", "primary", "50000", t0), nil
    }).Times(1)

    const n = 8
    var wg sync.WaitGroup
    results := make([]aggregate.Price, n)
    errs := make([]error, n)
    for i := 0; i < n; i++ {
        wg.Add(1)
        go func(i int) {
            defer wg.Done()
            results[i], errs[i] = r.agg.GetPrice(context.Background(), "BTC")
        }(i)
    }
    <-started
    time.Sleep(50 * time.Millisecond)
    close(release)
    wg.Wait()

    for i := 0; i < n; i++ {
        require.NoError(t, errs[i])
        require.True(t, results[i].Price.Equal(decimal.NewFromInt(50000)))
    }
}

func TestGetPrice_DegradedModePrefersCache(t *testing.T) {
    r := newRig(t, &aggregate.Config{FailureThreshold: 2})

    r.cache.Put(rec("BTC", "primary", "50000", t0))
    r.clk.Advance(6 * time.Minute)

    // Arrange: three full failures push the streak past the threshold
    r.primary.EXPECT().FetchOne(gomock.Any(), "BTC").Return(provider.PriceRecord{}, errDown).Times(3)
    r.backup.EXPECT().FetchOne(gomock.Any(), "BTC").Return(provider.PriceRecord{}, errDown).Times(3)
    for i := 0; i < 3; i++ {
        p, err := r.agg.GetPrice(t.Context(), "BTC")
        require.NoError(t, err)
        require.Equal(t, aggregate.OriginFallback, p.Origin)
    }
    require.Equal(t, int64(3), r.agg.ConsecutiveFailures())
    require.True(t, r.agg.Degraded())

    // Act: no provider is consulted while a cached fallback exists
    p, err := r.agg.GetPrice(t.Context(), "BTC")

    // Assert
    require.NoError(t, err)
    require.Equal(t, aggregate.OriginFallback, p.Origin)
}

func TestGetPrice_DegradedModeSkipsPrimaryAndRecovers(t *testing.T) {
    r := newRig(t, &aggregate.Config{FailureThreshold: 1})

    r.primary.EXPECT().FetchOne(gomock.Any(), "ETH").Return(provider.PriceRecord{}, errDown).Times(2)
    r.backup.EXPECT().FetchOne(gomock.Any(), "ETH").Return(provider.PriceRecord{}, errDown).Times(2)
    for i := 0; i < 2; i++ {
        _, err := r.agg.GetPrice(t.Context(), "ETH")
        require.ErrorIs(t, err, aggregate.ErrAllSourcesFailed)
    }
    require.True(t, r.agg.Degraded())

    // nothing cached for SOL: only the backup is asked
    r.backup.EXPECT().FetchOne(gomock.Any(), "SOL").Return(rec("SOL", "backup", "150", t0), nil)

    p, err := r.agg.GetPrice(t.Context(), "SOL")

    require.NoError(t, err)
    require.Equal(t, "backup", p.Source)
    require.False(t, r.agg.Degraded())
}

func TestGetPriceForTrade_BypassesAndClearsCache(t *testing.T) {
    r := newRig(t, nil)

    r.cache.Put(rec("BTC", "primary", "49000", t0))
    r.primary.EXPECT().FetchOne(gomock.Any(), "BTC").Return(rec("BTC", "primary", "50000", t0.Add(time.Second)), nil)

    p, err := r.agg.GetPriceForTrade(t.Context(), "btc")

    require.NoError(t, err)
    require.Equal(t, aggregate.OriginLive, p.Origin)
    require.True(t, p.Price.Equal(decimal.NewFromInt(50000)))
}

func TestGetPriceForTrade_NeverServesCache(t *testing.T) {
    r := newRig(t, nil)

    r.cache.Put(rec("BTC", "primary", "49000", t0))
    r.primary.EXPECT().FetchOne(gomock.Any(), "BTC").Return(provider.PriceRecord{}, errDown)
    r.backup.EXPECT().FetchOne(gomock.Any(), "BTC").Return(provider.PriceRecord{}, errDown)

    _, err := r.agg.GetPriceForTrade(t.Context(), "BTC")

    require.ErrorIs(t, err, aggregate.ErrAllSourcesFailed)
    sizes := r.cache.Sizes()
    require.Zero(t, sizes[cache.Fresh])
    require.Zero(t, sizes[cache.Fallback])
    require.Zero(t, sizes[cache.Dynamic])
}

func TestGetPriceForTrade_IgnoresDegradedMode(t *testing.T) {
    r := newRig(t, &aggregate.Config{FailureThreshold: 1})

    r.primary.EXPECT().FetchOne(gomock.Any(), "ETH").Return(provider.PriceRecord{}, errDown).Times(2)
    r.backup.EXPECT().FetchOne(gomock.Any(), "ETH").Return(provider.PriceRecord{}, errDown).Times(2)
    for i := 0; i < 2; i++ {
        _, _ = r.agg.GetPrice(t.Context(), "ETH")
    }
    require.True(t, r.agg.Degraded())

    r.primary.EXPECT().FetchOne(gomock.Any(), "BTC").Return(rec("BTC", "primary", "50000", t0), nil)

    p, err := r.agg.GetPriceForTrade(t.Context(), "BTC")

    require.NoError(t, err)
    require.Equal(t, "primary", p.Source)
}

func TestClearCache(t *testing.T) {
    r := newRig(t, nil)
    r.cache.Put(rec("BTC", "primary", "50000", t0))
    r.cache.Put(rec("ETH", "primary", "3000", t0))

    r.agg.ClearCache("btc")
    _, okBTC := r.cache.GetFresh("BTC")
    _, okETH := r.cache.GetFresh("ETH")
    require.False(t, okBTC)
    require.True(t, okETH)

    r.agg.ClearAll()
    _, okETH = r.cache.GetFresh("ETH")
    require.False(t, okETH)
}

func TestUnavailable_ErrorText(t *testing.T) {
    err := &aggregate.Unavailable{Symbol: "BTC", Reason: aggregate.ReasonDeadlineExceeded, Cause: context.DeadlineExceeded}

    require.Contains(t, err.Error(), "deadline_exceeded")
    require.True(t, errors.Is(err, context.DeadlineExceeded))
    require.True(t, errors.Is(err, aggregate.ErrDeadlineExceeded))
    require.Equal(t, aggregate.Reason(""), aggregate.ReasonOf(nil))
}
