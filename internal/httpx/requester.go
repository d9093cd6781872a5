package httpx

import (
    "context"
    "errors"
    "fmt"
    "io"
    "net/http"
    "time"

    "gopkg.in/matryer/try.v1"

    "pricefeed/internal/clock"
    "pricefeed/internal/provider"
    "pricefeed/internal/provider/ratelimit"
)

const maxBody = 4 << 20

// Requester performs GET requests on behalf of a provider adapter: every
// attempt passes the provider's rate limiter, transient failures are retried
// with exponential backoff, and the outcome is classified into the provider
// error kinds.
type Requester struct {
    HTTP    HTTPClient
    Limiter *ratelimit.Limiter
    Clock   clock.Clock

    // Attempts is the total number of tries for transient failures (default 3).
    Attempts int
    // Backoff is the sleep before the second attempt; it doubles after that (default 1s).
    Backoff time.Duration
}

func (r *Requester) attempts() int {
    n := r.Attempts
    if n <= 0 { n = 3 }
    if n > try.MaxRetries { n = try.MaxRetries }
    return n
}

// backoff returns the sleep before the given attempt (attempt >= 2).
func (r *Requester) backoff(attempt int) time.Duration {
    b := r.Backoff
    if b <= 0 { b = time.Second }
    return b << (attempt - 2)
}

// Get fetches rawURL for the named provider and returns the response body.
// Errors wrap provider.ErrTransient, ErrRateLimited or ErrPermanent, or are
// the context error.
func (r *Requester) Get(ctx context.Context, name, rawURL string, header http.Header) ([]byte, error) {
    c := r.Clock
    if c == nil { c = clock.Real{} }
    limit := r.attempts()

    var body []byte
    err := try.Do(func(attempt int) (bool, error) {
        if attempt > 1 {
            if err := c.Sleep(ctx, r.backoff(attempt)); err != nil { return false, err }
        }
        if r.Limiter != nil {
            if err := r.Limiter.Wait(ctx, name); err != nil { return false, err }
        }
        b, err := r.do(ctx, rawURL, header)
        if err == nil {
            body = b
            return false, nil
        }
        retry := attempt < limit && errors.Is(err, provider.ErrTransient) && ctx.Err() == nil
        return retry, err
    })
    if err != nil { return nil, fmt.Errorf("%s: %w", name, err) }
    return body, nil
}

func (r *Requester) do(ctx context.Context, rawURL string, header http.Header) ([]byte, error) {
    req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, http.NoBody)
    if err != nil { return nil, fmt.Errorf("%w: creating request: %v", provider.ErrPermanent, err) }
    for k, vs := range header {
        for _, v := range vs { req.Header.Add(k, v) }
    }
    if req.Header.Get("Accept") == "" { req.Header.Set("Accept", "application/json") }

    res, err := r.HTTP.Do(req)
    if err != nil {
        if ctxErr := ctx.Err(); ctxErr != nil { return nil, ctxErr }
        return nil, fmt.Errorf("%w: performing request: %v", provider.ErrTransient, err)
    }
    defer res.Body.Close()

    switch {
    case res.StatusCode >= 200 && res.StatusCode < 300:
        b, err := io.ReadAll(io.LimitReader(res.Body, maxBody))
        if err != nil {
            if ctxErr := ctx.Err(); ctxErr != nil { return nil, ctxErr }
            return nil, fmt.Errorf("%w: reading body: %v", provider.ErrTransient, err)
        }
        return b, nil
    case res.StatusCode == http.StatusTooManyRequests:
        return nil, fmt.Errorf("%w: GET %s -> %d", provider.ErrRateLimited, req.URL.Path, res.StatusCode)
    case res.StatusCode >= 500:
        return nil, fmt.Errorf("%w: GET %s -> %d", provider.ErrTransient, req.URL.Path, res.StatusCode)
    default:
        b, _ := io.ReadAll(io.LimitReader(res.Body, 2<<10))
        return nil, fmt.Errorf("%w: GET %s -> %d: %s", provider.ErrPermanent, req.URL.Path, res.StatusCode, string(b))
    }
}
