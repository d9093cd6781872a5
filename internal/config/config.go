package config

import (
    "encoding/json"
    "errors"
    "fmt"
    "os"
    "path/filepath"
    "strings"
    "time"

    "gopkg.in/yaml.v3"
)

// Provider types understood by the wiring layer.
const (
    TypeCoinGecko = "coingecko"
    TypeBinance   = "binance"
    TypeCoinCap   = "coincap"
)

type Server struct {
    Port              string `json:"port" yaml:"port"`
    RequestTimeoutSec int    `json:"request_timeout_sec" yaml:"request_timeout_sec"`
}

// Provider is one upstream source. The first entry of Config.Providers is the
// primary, the rest are backups in order.
type Provider struct {
    Type                 string `json:"type" yaml:"type"`
    Name                 string `json:"name" yaml:"name"` // defaults to Type
    BaseURL              string `json:"base_url" yaml:"base_url"`
    APIKey               string `json:"api_key" yaml:"api_key"`
    WindowSec            int    `json:"window_sec" yaml:"window_sec"`
    MaxRequests          int    `json:"max_requests" yaml:"max_requests"`
    MinRequestIntervalMs int    `json:"min_request_interval_ms" yaml:"min_request_interval_ms"`
}

// DisplayName is Name, or Type when Name is empty.
func (p Provider) DisplayName() string {
    if p.Name != "" { return p.Name }
    return p.Type
}

func (p Provider) Window() time.Duration      { return time.Duration(p.WindowSec) * time.Second }
func (p Provider) MinInterval() time.Duration { return time.Duration(p.MinRequestIntervalMs) * time.Millisecond }

type Cache struct {
    FreshTTLSec    int `json:"fresh_ttl_sec" yaml:"fresh_ttl_sec"`
    FallbackTTLSec int `json:"fallback_ttl_sec" yaml:"fallback_ttl_sec"`
    DynamicTTLSec  int `json:"dynamic_ttl_sec" yaml:"dynamic_ttl_sec"`
}

type HTTP struct {
    TimeoutSec        int    `json:"timeout_sec" yaml:"timeout_sec"`
    ConnectTimeoutSec int    `json:"connect_timeout_sec" yaml:"connect_timeout_sec"`
    MaxConns          int    `json:"max_conns" yaml:"max_conns"`
    MaxIdleConns      int    `json:"max_idle_conns" yaml:"max_idle_conns"`
    UserAgent         string `json:"user_agent" yaml:"user_agent"`
    RetryAttempts     int    `json:"retry_attempts" yaml:"retry_attempts"`
    RetryBackoffMs    int    `json:"retry_backoff_ms" yaml:"retry_backoff_ms"`
    // MaxRateLimitWaitSec caps a single local rate-limit wait; 0 waits as long as needed.
    MaxRateLimitWaitSec int `json:"max_rate_limit_wait_sec" yaml:"max_rate_limit_wait_sec"`
}

type Aggregator struct {
    // FailureThreshold must be non-zero; a negative value disables degraded mode.
    FailureThreshold int    `json:"failure_threshold" yaml:"failure_threshold"`
    BatchSize        int    `json:"batch_size" yaml:"batch_size"`
    BatchConcurrency int    `json:"batch_concurrency" yaml:"batch_concurrency"`
    CanarySymbol     string `json:"canary_symbol" yaml:"canary_symbol"`
    FlightTimeoutSec int    `json:"flight_timeout_sec" yaml:"flight_timeout_sec"`
}

type Logging struct {
    Level string `json:"level" yaml:"level"`
    JSON  bool   `json:"json" yaml:"json"`
}

type Metrics struct {
    StatsdAddr string `json:"statsd_addr" yaml:"statsd_addr"` // empty disables metrics
    Namespace  string `json:"namespace" yaml:"namespace"`
}

type Config struct {
    Server     Server     `json:"server" yaml:"server"`
    Providers  []Provider `json:"providers" yaml:"providers"`
    Cache      Cache      `json:"cache" yaml:"cache"`
    HTTP       HTTP       `json:"http" yaml:"http"`
    Aggregator Aggregator `json:"aggregator" yaml:"aggregator"`
    Logging    Logging    `json:"logging" yaml:"logging"`
    Metrics    Metrics    `json:"metrics" yaml:"metrics"`
    // Symbols adds or overrides registry entries: provider -> canonical -> provider symbol.
    Symbols map[string]map[string]string `json:"symbols" yaml:"symbols"`
}

// DefaultProvider returns the stock settings for a provider type.
func DefaultProvider(typ string) Provider {
    p := Provider{Type: typ, WindowSec: 60, MaxRequests: 8, MinRequestIntervalMs: 1000}
    switch typ {
    case TypeCoinGecko:
        p.BaseURL = "https://api.coingecko.com"
    case TypeBinance:
        p.BaseURL = "https://api.binance.com"
    case TypeCoinCap:
        p.BaseURL = "https://api.coincap.io"
    }
    return p
}

func Default() Config {
    return Config{
        Server: Server{Port: "8080", RequestTimeoutSec: 10},
        Providers: []Provider{
            DefaultProvider(TypeCoinGecko),
            DefaultProvider(TypeBinance),
            DefaultProvider(TypeCoinCap),
        },
        Cache: Cache{FreshTTLSec: 300, FallbackTTLSec: 900, DynamicTTLSec: 86400},
        HTTP: HTTP{
            TimeoutSec:        30,
            ConnectTimeoutSec: 10,
            MaxConns:          10,
            MaxIdleConns:      5,
            RetryAttempts:     3,
            RetryBackoffMs:    1000,
        },
        Aggregator: Aggregator{
            FailureThreshold: 5,
            BatchSize:        5,
            BatchConcurrency: 2,
            CanarySymbol:     "BTC",
            FlightTimeoutSec: 120,
        },
        Logging: Logging{Level: "info"},
        Metrics: Metrics{Namespace: "pricefeed."},
    }
}

// Load reads JSON or YAML (by extension) config from path. If path is empty,
// config.json or config.yaml in the working directory is used when present;
// a missing file yields defaults. Environment variables override select
// fields, then the result is validated.
func Load(path string) (Config, error) {
    cfg := Default()
    if path == "" {
        for _, p := range []string{"config.json", "config.yaml", "config.yml"} {
            if _, err := os.Stat(p); err == nil { path = p; break }
        }
    }
    if path != "" {
        b, err := os.ReadFile(path)
        if err != nil && !errors.Is(err, os.ErrNotExist) {
            return cfg, fmt.Errorf("read config: %w", err)
        }
        if err == nil {
            // a providers list in the file replaces the default one
            defaults := cfg.Providers
            cfg.Providers = nil
            if err := decode(path, b, &cfg); err != nil {
                return cfg, fmt.Errorf("parse config: %w", err)
            }
            if len(cfg.Providers) == 0 { cfg.Providers = defaults }
        }
    }
    applyEnv(&cfg)
    fillProviderDefaults(&cfg)
    if err := cfg.Validate(); err != nil { return cfg, err }
    return cfg, nil
}

func decode(path string, b []byte, cfg *Config) error {
    switch strings.ToLower(filepath.Ext(path)) {
    case ".yaml", ".yml":
        return yaml.Unmarshal(b, cfg)
    default:
        return json.Unmarshal(b, cfg)
    }
}

// fillProviderDefaults completes partially specified provider entries.
func fillProviderDefaults(cfg *Config) {
    for i := range cfg.Providers {
        p := &cfg.Providers[i]
        p.Type = strings.ToLower(strings.TrimSpace(p.Type))
        p.Name = strings.ToLower(strings.TrimSpace(p.Name))
        d := DefaultProvider(p.Type)
        if p.BaseURL == "" { p.BaseURL = d.BaseURL }
        if p.WindowSec <= 0 { p.WindowSec = d.WindowSec }
        if p.MaxRequests <= 0 { p.MaxRequests = d.MaxRequests }
        if p.MinRequestIntervalMs < 0 { p.MinRequestIntervalMs = 0 }
    }
}

// Validate rejects configurations the aggregator cannot run with.
func (c Config) Validate() error {
    if len(c.Providers) < 2 {
        return fmt.Errorf("config: need a primary and at least one backup provider, got %d", len(c.Providers))
    }
    seen := make(map[string]bool, len(c.Providers))
    for _, p := range c.Providers {
        switch p.Type {
        case TypeCoinGecko, TypeBinance, TypeCoinCap:
        default:
            return fmt.Errorf("config: unknown provider type %q", p.Type)
        }
        if seen[p.DisplayName()] { return fmt.Errorf("config: duplicate provider name %q", p.DisplayName()) }
        seen[p.DisplayName()] = true
    }
    if c.Cache.FreshTTLSec <= 0 || c.Cache.FallbackTTLSec < c.Cache.FreshTTLSec || c.Cache.DynamicTTLSec < c.Cache.FallbackTTLSec {
        return fmt.Errorf("config: cache ttls must satisfy 0 < fresh <= fallback <= dynamic, got %d/%d/%d",
            c.Cache.FreshTTLSec, c.Cache.FallbackTTLSec, c.Cache.DynamicTTLSec)
    }
    if c.HTTP.RetryAttempts < 1 { return fmt.Errorf("config: retry_attempts must be >= 1") }
    if c.Aggregator.FailureThreshold == 0 {
        return fmt.Errorf("config: failure_threshold must be positive, or negative to disable degraded mode")
    }
    return nil
}

func applyEnv(cfg *Config) {
    if v := os.Getenv("PORT"); v != "" { cfg.Server.Port = v }
    envInt("REQUEST_TIMEOUT_SEC", 1, &cfg.Server.RequestTimeoutSec)

    if v := os.Getenv("PRICE_PROVIDERS"); v != "" { cfg.Providers = reorderProviders(cfg.Providers, splitCSV(v)) }
    for i := range cfg.Providers {
        p := &cfg.Providers[i]
        prefix := strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(p.DisplayName()), "-", "_"))
        if v := os.Getenv(prefix + "_API_KEY"); v != "" { p.APIKey = v }
        if v := os.Getenv(prefix + "_BASE_URL"); v != "" { p.BaseURL = v }
        envInt(prefix+"_MAX_REQUESTS", 1, &p.MaxRequests)
        envInt(prefix+"_WINDOW_SEC", 1, &p.WindowSec)
        envInt(prefix+"_MIN_INTERVAL_MS", 0, &p.MinRequestIntervalMs)
    }

    envInt("PRICE_FRESH_TTL_SEC", 1, &cfg.Cache.FreshTTLSec)
    envInt("PRICE_FALLBACK_TTL_SEC", 1, &cfg.Cache.FallbackTTLSec)
    envInt("PRICE_DYNAMIC_TTL_SEC", 1, &cfg.Cache.DynamicTTLSec)
    envInt("PRICE_FAILURE_THRESHOLD", -1, &cfg.Aggregator.FailureThreshold)
    envInt("PRICE_BATCH_SIZE", 1, &cfg.Aggregator.BatchSize)
    if v := os.Getenv("PRICE_CANARY_SYMBOL"); v != "" { cfg.Aggregator.CanarySymbol = v }

    envInt("HTTP_TIMEOUT_SEC", 1, &cfg.HTTP.TimeoutSec)
    envInt("HTTP_RETRY_ATTEMPTS", 1, &cfg.HTTP.RetryAttempts)
    envInt("HTTP_RETRY_BACKOFF_MS", 0, &cfg.HTTP.RetryBackoffMs)

    if v := os.Getenv("LOG_LEVEL"); v != "" { cfg.Logging.Level = v }
    if v := os.Getenv("LOG_JSON"); v != "" {
        switch strings.ToLower(v) {
        case "1", "true", "yes", "y": cfg.Logging.JSON = true
        case "0", "false", "no", "n": cfg.Logging.JSON = false
        }
    }
    if v := os.Getenv("STATSD_ADDR"); v != "" { cfg.Metrics.StatsdAddr = v }
}

// envInt sets *dst from the named variable when it parses to a value >= floor.
func envInt(name string, floor int, dst *int) {
    v := os.Getenv(name)
    if v == "" { return }
    var x int
    if _, err := fmt.Sscanf(v, "%d", &x); err == nil && x >= floor { *dst = x }
}

// reorderProviders keeps the named providers in the given order, reusing
// existing entries and adding defaults for unknown names.
func reorderProviders(cur []Provider, names []string) []Provider {
    out := make([]Provider, 0, len(names))
    for _, n := range names {
        n = strings.ToLower(n)
        found := false
        for _, p := range cur {
            if strings.ToLower(p.DisplayName()) == n { out = append(out, p); found = true; break }
        }
        if !found { out = append(out, DefaultProvider(n)) }
    }
    return out
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
