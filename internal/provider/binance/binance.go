package binance

import (
    "bytes"
    "context"
    "encoding/json"
    "fmt"
    "strings"

    "github.com/google/go-querystring/query"
    "github.com/shopspring/decimal"

    "pricefeed/internal/clock"
    "pricefeed/internal/httpx"
    "pricefeed/internal/provider"
    "pricefeed/internal/symbols"
)

type Config struct {
    Name    string // display and registry name, default: binance
    BaseURL string // default: https://api.binance.com
}

// Provider reads 24h tickers for USDT pairs. USDT is taken at par with USD.
type Provider struct {
    cfg   Config
    req   *httpx.Requester
    reg   *symbols.Registry
    clock clock.Clock
}

func New(cfg Config, r *httpx.Requester, reg *symbols.Registry) *Provider {
    if cfg.Name == "" { cfg.Name = symbols.Binance }
    if cfg.BaseURL == "" { cfg.BaseURL = "https://api.binance.com" }
    cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
    if reg == nil { reg = symbols.Default() }
    var c clock.Clock = clock.Real{}
    if r.Clock != nil { c = r.Clock }
    return &Provider{cfg: cfg, req: r, reg: reg, clock: c}
}

func (p *Provider) Name() string { return p.cfg.Name }

type tickerQuery struct {
    Symbol  string `url:"symbol,omitempty"`
    Symbols string `url:"symbols,omitempty"` // JSON array of pairs
}

type ticker struct {
    Symbol             string `json:"symbol"`
    LastPrice          string `json:"lastPrice"`
    PriceChange        string `json:"priceChange"`
    PriceChangePercent string `json:"priceChangePercent"`
}

func (p *Provider) FetchOne(ctx context.Context, symbol string) (provider.PriceRecord, error) {
    if _, ok := p.reg.Resolve(p.cfg.Name, symbol); !ok {
        return provider.PriceRecord{}, fmt.Errorf("%s: %w: %s", p.cfg.Name, provider.ErrUnsupported, symbol)
    }
    out, err := p.FetchMany(ctx, []string{symbol})
    if err != nil { return provider.PriceRecord{}, err }
    rec, ok := out[symbol]
    if !ok {
        return provider.PriceRecord{}, fmt.Errorf("%s: %w: missing or non-positive price for %s", p.cfg.Name, provider.ErrBadResponse, symbol)
    }
    return rec, nil
}

func (p *Provider) FetchMany(ctx context.Context, syms []string) (map[string]provider.PriceRecord, error) {
    byPair := make(map[string]string, len(syms))
    pairs := make([]string, 0, len(syms))
    for _, s := range syms {
        pair, ok := p.reg.Resolve(p.cfg.Name, s)
        if !ok { continue }
        if _, dup := byPair[pair]; dup { continue }
        byPair[pair] = s
        pairs = append(pairs, pair)
    }
    out := make(map[string]provider.PriceRecord, len(pairs))
    if len(pairs) == 0 { return out, nil }

    var tq tickerQuery
    if len(pairs) == 1 {
        tq.Symbol = pairs[0]
    } else {
        b, _ := json.Marshal(pairs)
        tq.Symbols = string(b)
    }
    q, err := query.Values(tq)
    if err != nil { return nil, fmt.Errorf("%s: %w: encoding query: %v", p.cfg.Name, provider.ErrPermanent, err) }
    u := fmt.Sprintf("%s/api/v3/ticker/24hr?%s", p.cfg.BaseURL, q.Encode())

    body, err := p.req.Get(ctx, p.cfg.Name, u, nil)
    if err != nil { return nil, err }
    now := p.clock.Now().UTC()

    // single symbol -> object, symbols=[...] -> array
    var tickers []ticker
    trimmed := bytes.TrimSpace(body)
    if len(trimmed) > 0 && trimmed[0] == '{' {
        var one ticker
        if err := json.Unmarshal(trimmed, &one); err != nil {
            return nil, fmt.Errorf("%s: %w: decoding ticker: %v", p.cfg.Name, provider.ErrBadResponse, err)
        }
        tickers = []ticker{one}
    } else if err := json.Unmarshal(trimmed, &tickers); err != nil {
        return nil, fmt.Errorf("%s: %w: decoding tickers: %v", p.cfg.Name, provider.ErrBadResponse, err)
    }

    for _, tk := range tickers {
        sym, ok := byPair[tk.Symbol]
        if !ok { continue }
        price, err := decimal.NewFromString(tk.LastPrice)
        if err != nil { continue }
        rec, err := provider.NewRecord(sym, p.cfg.Name, price,
            provider.ParseOptional(tk.PriceChange), provider.ParseOptional(tk.PriceChangePercent), now)
        if err != nil { continue }
        out[sym] = rec
    }
    return out, nil
}
