package coingecko

import (
    "context"
    "fmt"
    "net/http"
    "strings"

    "github.com/buger/jsonparser"
    "github.com/google/go-querystring/query"
    "github.com/shopspring/decimal"

    "pricefeed/internal/clock"
    "pricefeed/internal/httpx"
    "pricefeed/internal/provider"
    "pricefeed/internal/symbols"
)

type Config struct {
    Name    string // display and registry name, default: coingecko
    BaseURL string // default: https://api.coingecko.com
    // APIKey is the optional demo-plan key, sent as x-cg-demo-api-key.
    APIKey string
}

// Provider reads spot prices from the CoinGecko simple price endpoint.
// It supplies the 24h percent change only.
type Provider struct {
    cfg   Config
    req   *httpx.Requester
    reg   *symbols.Registry
    clock clock.Clock
}

func New(cfg Config, r *httpx.Requester, reg *symbols.Registry) *Provider {
    if cfg.Name == "" { cfg.Name = symbols.CoinGecko }
    if cfg.BaseURL == "" { cfg.BaseURL = "https://api.coingecko.com" }
    cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
    if reg == nil { reg = symbols.Default() }
    var c clock.Clock = clock.Real{}
    if r.Clock != nil { c = r.Clock }
    return &Provider{cfg: cfg, req: r, reg: reg, clock: c}
}

func (p *Provider) Name() string { return p.cfg.Name }

type simplePriceQuery struct {
    IDs              []string `url:"ids,comma"`
    VsCurrencies     string   `url:"vs_currencies"`
    Include24hChange bool     `url:"include_24hr_change"`
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
    // map requested symbols -> coin ids, keep unique ids for the query
    byID := make(map[string]string, len(syms))
    ids := make([]string, 0, len(syms))
    for _, s := range syms {
        id, ok := p.reg.Resolve(p.cfg.Name, s)
        if !ok { continue }
        if _, dup := byID[id]; dup { continue }
        byID[id] = s
        ids = append(ids, id)
    }
    out := make(map[string]provider.PriceRecord, len(ids))
    if len(ids) == 0 { return out, nil }

    q, err := query.Values(simplePriceQuery{IDs: ids, VsCurrencies: "usd", Include24hChange: true})
    if err != nil { return nil, fmt.Errorf("%s: %w: encoding query: %v", p.cfg.Name, provider.ErrPermanent, err) }
    u := fmt.Sprintf("%s/api/v3/simple/price?%s", p.cfg.BaseURL, q.Encode())

    header := http.Header{}
    if p.cfg.APIKey != "" { header.Set("x-cg-demo-api-key", p.cfg.APIKey) }

    body, err := p.req.Get(ctx, p.cfg.Name, u, header)
    if err != nil { return nil, err }
    now := p.clock.Now().UTC()

    // {"bitcoin":{"usd":50000,"usd_24h_change":1.25}, ...}
    err = jsonparser.ObjectEach(body, func(key []byte, value []byte, dt jsonparser.ValueType, _ int) error {
        sym, ok := byID[string(key)]
        if !ok || dt != jsonparser.Object { return nil }
        raw, t, _, err := jsonparser.Get(value, "usd")
        if err != nil || t != jsonparser.Number { return nil }
        price, err := decimal.NewFromString(string(raw))
        if err != nil { return nil }
        var pct decimal.NullDecimal
        if raw, t, _, err := jsonparser.Get(value, "usd_24h_change"); err == nil && t == jsonparser.Number {
            pct = provider.ParseOptional(string(raw))
        }
        rec, err := provider.NewRecord(sym, p.cfg.Name, price, decimal.NullDecimal{}, pct, now)
        if err != nil { return nil }
        out[sym] = rec
        return nil
    })
    if err != nil {
        return nil, fmt.Errorf("%s: %w: decoding simple price: %v", p.cfg.Name, provider.ErrBadResponse, err)
    }
    return out, nil
}
