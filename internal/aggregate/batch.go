package aggregate

import (
    "context"
    "errors"
    "strings"
    "sync"

    "go.uber.org/zap"
    "golang.org/x/sync/errgroup"

    "pricefeed/internal/provider"
)

// Outcome is the per-symbol result of a batch lookup: exactly one of Price
// and Err is set.
type Outcome struct {
    Price *Price
    Err   error
}

// Reason returns "" for a successful outcome.
func (o Outcome) Reason() Reason { return ReasonOf(o.Err) }

// GetPrices looks up every symbol, keyed by its normalized form. Fresh cache
// hits are served directly; the remaining symbols go to the primary in
// batches, then one at a time to the backups, then to the cached fallbacks.
// One symbol failing never fails the others.
func (a *Aggregator) GetPrices(ctx context.Context, syms []string) map[string]Outcome {
    out := make(map[string]Outcome, len(syms))
    degraded := a.Degraded()

    var misses []string
    for _, s := range syms {
        sym, err := a.check(s)
        if _, dup := out[sym]; dup { continue }
        if err != nil {
            out[sym] = Outcome{Err: err}
            continue
        }
        if rec, ok := a.cache.GetFresh(sym); ok {
            a.metrics.Incr("price.cache_hit", "tier:fresh")
            out[sym] = Outcome{Price: &Price{PriceRecord: rec, Origin: OriginFresh}}
            continue
        }
        if degraded {
            if p, ok := a.fromFallbacks(sym); ok {
                out[sym] = Outcome{Price: &p}
                continue
            }
        }
        misses = append(misses, sym)
        out[sym] = Outcome{}
    }
    if len(misses) == 0 { return out }

    var fetched map[string]provider.PriceRecord
    if !degraded && ctx.Err() == nil { fetched = a.batchPrimary(ctx, misses) }

    for _, sym := range misses {
        if rec, ok := fetched[sym]; ok {
            out[sym] = Outcome{Price: &Price{PriceRecord: rec, Origin: OriginLive}}
            continue
        }
        if err := ctx.Err(); err != nil {
            out[sym] = Outcome{Err: a.fail(sym, ReasonDeadlineExceeded, err)}
            continue
        }
        rec, err := a.live(ctx, "", sym, true)
        if err == nil {
            out[sym] = Outcome{Price: &Price{PriceRecord: rec, Origin: OriginLive}}
            continue
        }
        if ctxErr := ctx.Err(); ctxErr != nil {
            out[sym] = Outcome{Err: a.fail(sym, ReasonDeadlineExceeded, ctxErr)}
            continue
        }
        if !degraded {
            if p, ok := a.fromFallbacks(sym); ok {
                out[sym] = Outcome{Price: &p}
                continue
            }
        }
        out[sym] = Outcome{Err: a.fail(sym, ReasonAllSourcesFailed, err)}
    }
    return out
}

// batchPrimary asks the primary for every symbol it lists, in chunks of
// BatchSize. Symbols missing from the result are left to the caller.
func (a *Aggregator) batchPrimary(ctx context.Context, syms []string) map[string]provider.PriceRecord {
    var listed []string
    for _, s := range syms {
        if _, ok := a.registry.Resolve(a.primary.Name(), s); ok { listed = append(listed, s) }
    }

    var (
        mu  sync.Mutex
        got = make(map[string]provider.PriceRecord, len(listed))
        g   errgroup.Group
    )
    g.SetLimit(a.cfg.BatchConcurrency)
    for _, chunk := range chunkStrings(listed, a.cfg.BatchSize) {
        g.Go(func() error {
            start := a.clock.Now()
            recs, err := a.primary.FetchMany(ctx, chunk)
            a.metrics.Timing("price.provider_latency", a.clock.Now().Sub(start), "provider:"+a.primary.Name())
            if err == nil && len(recs) == 0 { err = provider.ErrBadResponse }
            if err != nil {
                if ctx.Err() == nil && !errors.Is(err, provider.ErrUnsupported) {
                    a.recordFailure(a.primary, true, strings.Join(chunk, ","), err)
                }
                return nil
            }
            a.recordSuccess(a.primary)
            mu.Lock()
            defer mu.Unlock()
            for sym, rec := range recs {
                a.cache.Put(rec)
                got[sym] = rec
            }
            return nil
        })
    }
    _ = g.Wait()
    a.log.Debug("primary batch done", zap.Int("requested", len(listed)), zap.Int("received", len(got)))
    return got
}

func chunkStrings(in []string, n int) [][]string {
    if n <= 0 { n = len(in) }
    var out [][]string
    for i := 0; i < len(in); i += n {
        end := i + n
        if end > len(in) { end = len(in) }
        out = append(out, in[i:end])
    }
    return out
}
