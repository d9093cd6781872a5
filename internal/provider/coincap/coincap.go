package coincap

import (
    "context"
    "encoding/json"
    "fmt"
    "net/http"
    "strings"

    "github.com/google/go-querystring/query"
    "github.com/shopspring/decimal"

    "pricefeed/internal/clock"
    "pricefeed/internal/httpx"
    "pricefeed/internal/provider"
    "pricefeed/internal/symbols"
)

type Config struct {
    Name    string // display and registry name, default: coincap
    BaseURL string // default: https://api.coincap.io
    APIKey  string // optional; if set, sent as Bearer token
}

// Provider reads asset prices from CoinCap. It supplies the 24h percent
// change only.
type Provider struct {
    cfg   Config
    req   *httpx.Requester
    reg   *symbols.Registry
    clock clock.Clock
}

func New(cfg Config, r *httpx.Requester, reg *symbols.Registry) *Provider {
    if cfg.Name == "" { cfg.Name = symbols.CoinCap }
    if cfg.BaseURL == "" { cfg.BaseURL = "https://api.coincap.io" }
    cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
    if reg == nil { reg = symbols.Default() }
    var c clock.Clock = clock.Real{}
    if r.Clock != nil { c = r.Clock }
    return &Provider{cfg: cfg, req: r, reg: reg, clock: c}
}

func (p *Provider) Name() string { return p.cfg.Name }

type assetsQuery struct {
    IDs []string `url:"ids,comma"`
}

type assetsResponse struct {
    Data []asset `json:"data"`
}

type asset struct {
    ID                string  `json:"id"`
    PriceUsd          *string `json:"priceUsd"`
    ChangePercent24Hr *string `json:"changePercent24Hr"`
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

    q, err := query.Values(assetsQuery{IDs: ids})
    if err != nil { return nil, fmt.Errorf("%s: %w: encoding query: %v", p.cfg.Name, provider.ErrPermanent, err) }
    u := fmt.Sprintf("%s/v2/assets?%s", p.cfg.BaseURL, q.Encode())

    header := http.Header{}
    if p.cfg.APIKey != "" { header.Set("Authorization", "Bearer "+p.cfg.APIKey) }

    body, err := p.req.Get(ctx, p.cfg.Name, u, header)
    if err != nil { return nil, err }
    now := p.clock.Now().UTC()

    var api assetsResponse
    if err := json.Unmarshal(body, &api); err != nil {
        return nil, fmt.Errorf("%s: %w: decoding assets: %v", p.cfg.Name, provider.ErrBadResponse, err)
    }
    for _, a := range api.Data {
        sym, ok := byID[a.ID]
        if !ok || a.PriceUsd == nil { continue }
        price, err := decimal.NewFromString(*a.PriceUsd)
        if err != nil { continue }
        var pct decimal.NullDecimal
        if a.ChangePercent24Hr != nil { pct = provider.ParseOptional(*a.ChangePercent24Hr) }
        rec, err := provider.NewRecord(sym, p.cfg.Name, price, decimal.NullDecimal{}, pct, now)
        if err != nil { continue }
        out[sym] = rec
    }
    return out, nil
}
