package main

import (
    "context"
    "encoding/json"
    "errors"
    "net/http"
    "os"
    "os/signal"
    "strings"
    "syscall"
    "time"

    "go.uber.org/zap"

    "pricefeed/internal/aggregate"
    "pricefeed/internal/app"
    "pricefeed/internal/config"
    "pricefeed/internal/logging"
)

// priceService is the slice of the aggregator the HTTP front uses.
type priceService interface {
    GetPrice(ctx context.Context, symbol string) (aggregate.Price, error)
    GetPriceForTrade(ctx context.Context, symbol string) (aggregate.Price, error)
    GetPrices(ctx context.Context, symbols []string) map[string]aggregate.Outcome
    SupportedSymbols() []string
    Status(ctx context.Context) aggregate.Status
    ClearCache(symbol string)
    ClearAll()
}

const maxSymbols = 1000

func main() {
    // Config
    cfg, err := config.Load(os.Getenv("CONFIG_FILE"))
    if err != nil {
        _, _ = os.Stderr.WriteString("config: " + err.Error() + "\n")
        os.Exit(1)
    }
    log, err := logging.New(cfg.Logging.Level, cfg.Logging.JSON)
    if err != nil {
        _, _ = os.Stderr.WriteString("logger: " + err.Error() + "\n")
        os.Exit(1)
    }
    defer func() { _ = log.Sync() }()

    for _, p := range cfg.Providers {
        if p.Type == config.TypeCoinGecko && p.APIKey == "" {
            log.Warn("coingecko api key not set; using the keyless public tier", zap.String("provider", p.DisplayName()))
        }
    }

    a, err := app.Build(cfg, log)
    if err != nil { log.Fatal("build", zap.Error(err)) }
    defer a.Close()

    h := &handler{svc: a.Aggregator, log: log.Named("http"), timeout: time.Duration(cfg.Server.RequestTimeoutSec) * time.Second}
    srv := &http.Server{
        Addr:              ":" + cfg.Server.Port,
        Handler:           chain(h.routes(), maxBodyBytes(1<<20), recoverer(log), gzipResponses, jsonAndCORS),
        ReadHeaderTimeout: 5 * time.Second,
        ReadTimeout:       15 * time.Second,
        WriteTimeout:      h.timeout + 10*time.Second,
        IdleTimeout:       60 * time.Second,
    }

    go func() {
        log.Info("server listening", zap.String("addr", srv.Addr))
        if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
            log.Fatal("server", zap.Error(err))
        }
    }()

    // graceful shutdown
    ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
    defer stop()
    <-ctx.Done()
    shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
    defer cancel()
    _ = srv.Shutdown(shutdownCtx)
}

type handler struct {
    svc     priceService
    log     *zap.Logger
    timeout time.Duration
}

func (h *handler) routes() http.Handler {
    mux := http.NewServeMux()
    mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
        w.WriteHeader(http.StatusOK)
        _, _ = w.Write([]byte("ok"))
    })
    mux.HandleFunc("/api/price", h.only(http.MethodGet, func(w http.ResponseWriter, r *http.Request) {
        h.handlePrice(w, r, h.svc.GetPrice)
    }))
    mux.HandleFunc("/api/price/trade", h.only(http.MethodGet, func(w http.ResponseWriter, r *http.Request) {
        h.handlePrice(w, r, h.svc.GetPriceForTrade)
    }))
    mux.HandleFunc("/api/prices", func(w http.ResponseWriter, r *http.Request) {
        switch r.Method {
        case http.MethodGet:
            h.handleGetPrices(w, r)
        case http.MethodPost:
            h.handlePostPrices(w, r)
        default:
            writeError(w, http.StatusMethodNotAllowed, "method not allowed")
        }
    })
    mux.HandleFunc("/api/symbols", h.only(http.MethodGet, func(w http.ResponseWriter, r *http.Request) {
        writeJSON(w, http.StatusOK, symbolsResponse{Symbols: h.svc.SupportedSymbols()})
    }))
    mux.HandleFunc("/api/status", h.only(http.MethodGet, func(w http.ResponseWriter, r *http.Request) {
        ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
        defer cancel()
        writeJSON(w, http.StatusOK, h.svc.Status(ctx))
    }))
    mux.HandleFunc("/api/cache", h.only(http.MethodDelete, func(w http.ResponseWriter, r *http.Request) {
        if sym := strings.TrimSpace(r.URL.Query().Get("symbol")); sym != "" {
            h.svc.ClearCache(sym)
        } else {
            h.svc.ClearAll()
        }
        h.log.Info("cache cleared", zap.String("symbol", r.URL.Query().Get("symbol")))
        w.WriteHeader(http.StatusNoContent)
    }))
    return mux
}

func (h *handler) only(method string, fn http.HandlerFunc) http.HandlerFunc {
    return func(w http.ResponseWriter, r *http.Request) {
        if r.Method != method {
            writeError(w, http.StatusMethodNotAllowed, "method not allowed")
            return
        }
        fn(w, r)
    }
}

type errorResponse struct {
    Symbol string           `json:"symbol,omitempty"`
    Reason aggregate.Reason `json:"reason,omitempty"`
    Error  string           `json:"error"`
}

type pricesResponse struct {
    Prices map[string]aggregate.Price `json:"prices"`
    Errors map[string]errorResponse   `json:"errors,omitempty"`
}

type symbolsResponse struct {
    Symbols []string `json:"symbols"`
}

func (h *handler) handlePrice(w http.ResponseWriter, r *http.Request, get func(context.Context, string) (aggregate.Price, error)) {
    sym := strings.TrimSpace(r.URL.Query().Get("symbol"))
    if sym == "" {
        writeError(w, http.StatusBadRequest, "missing symbol query param")
        return
    }
    ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
    defer cancel()
    p, err := get(ctx, sym)
    if err != nil {
        writeUnavailable(w, err)
        return
    }
    writeJSON(w, http.StatusOK, p)
}

func (h *handler) handleGetPrices(w http.ResponseWriter, r *http.Request) {
    q := r.URL.Query().Get("symbols")
    if strings.TrimSpace(q) == "" {
        writeError(w, http.StatusBadRequest, "missing symbols query param")
        return
    }
    h.writePrices(w, r.Context(), splitCSV(q))
}

type postBody struct {
    Symbols []string `json:"symbols"`
}

func (h *handler) handlePostPrices(w http.ResponseWriter, r *http.Request) {
    var b postBody
    dec := json.NewDecoder(r.Body)
    dec.DisallowUnknownFields()
    if err := dec.Decode(&b); err != nil {
        writeError(w, http.StatusBadRequest, "invalid JSON body")
        return
    }
    if len(b.Symbols) == 0 {
        writeError(w, http.StatusBadRequest, "symbols cannot be empty")
        return
    }
    h.writePrices(w, r.Context(), b.Symbols)
}

func (h *handler) writePrices(w http.ResponseWriter, rctx context.Context, syms []string) {
    if len(syms) > maxSymbols {
        writeError(w, http.StatusBadRequest, "too many symbols (max 1000)")
        return
    }
    ctx, cancel := context.WithTimeout(rctx, h.timeout)
    defer cancel()
    resp := pricesResponse{Prices: make(map[string]aggregate.Price, len(syms))}
    for sym, o := range h.svc.GetPrices(ctx, syms) {
        if o.Err != nil {
            if resp.Errors == nil { resp.Errors = make(map[string]errorResponse) }
            resp.Errors[sym] = errorResponse{Reason: o.Reason(), Error: o.Err.Error()}
            continue
        }
        resp.Prices[sym] = *o.Price
    }
    writeJSON(w, http.StatusOK, resp)
}

// statusFor maps an aggregator failure reason to an HTTP status.
func statusFor(r aggregate.Reason) int {
    switch r {
    case aggregate.ReasonUnsupportedSymbol:
        return http.StatusNotFound
    case aggregate.ReasonDeadlineExceeded:
        return http.StatusGatewayTimeout
    default:
        return http.StatusServiceUnavailable
    }
}

func writeUnavailable(w http.ResponseWriter, err error) {
    resp := errorResponse{Reason: aggregate.ReasonOf(err), Error: err.Error()}
    var u *aggregate.Unavailable
    if errors.As(err, &u) { resp.Symbol = u.Symbol }
    writeJSON(w, statusFor(resp.Reason), resp)
}

func writeError(w http.ResponseWriter, status int, msg string) {
    writeJSON(w, status, errorResponse{Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
    w.WriteHeader(status)
    enc := json.NewEncoder(w)
    enc.SetEscapeHTML(false)
    _ = enc.Encode(v)
}

func splitCSV(s string) []string {
    parts := strings.Split(s, ",")
    out := make([]string, 0, len(parts))
    for _, p := range parts {
        p = strings.TrimSpace(p)
        if p != "" { out = append(out, p) }
    }
    return out
}
