// Package symbols maps canonical tickers (BTC, ETH, ...) to the identifiers
// each upstream provider uses for them.
package symbols

import (
	"sort"
	"strings"
)

// Provider names. The order of providers is configuration; these are only
// the keys the built-in mappings are filed under.
const (
	CoinGecko = "coingecko"
	Binance   = "binance"
	CoinCap   = "coincap"
)

// Mappings is provider -> canonical symbol -> provider symbol.
type Mappings map[string]map[string]string

// Registry is read-only after construction.
type Registry struct {
	forward  map[string]map[string]string // provider -> canonical -> provider symbol
	known    map[string]struct{}
	sortedID []string
}

var builtin = Mappings{
	CoinGecko: {
		"BTC":   "bitcoin",
		"ETH":   "ethereum",
		"SOL":   "solana",
		"BNB":   "binancecoin",
		"XRP":   "ripple",
		"ADA":   "cardano",
		"DOGE":  "dogecoin",
		"DOT":   "polkadot",
		"AVAX":  "avalanche-2",
		"MATIC": "matic-network",
		"LINK":  "chainlink",
		"LTC":   "litecoin",
		"TRX":   "tron",
		"SHIB":  "shiba-inu",
		"ATOM":  "cosmos",
		"UNI":   "uniswap",
		"XLM":   "stellar",
		"BCH":   "bitcoin-cash",
		"NEAR":  "near",
		"APT":   "aptos",
	},
	Binance: {
		"BTC":  "BTCUSDT",
		"ETH":  "ETHUSDT",
		"SOL":  "SOLUSDT",
		"BNB":  "BNBUSDT",
		"XRP":  "XRPUSDT",
		"ADA":  "ADAUSDT",
		"DOGE": "DOGEUSDT",
		"DOT":  "DOTUSDT",
		"AVAX": "AVAXUSDT",
		"LINK": "LINKUSDT",
		"LTC":  "LTCUSDT",
		"TRX":  "TRXUSDT",
		"SHIB": "SHIBUSDT",
		"ATOM": "ATOMUSDT",
		"UNI":  "UNIUSDT",
		"XLM":  "XLMUSDT",
		"BCH":  "BCHUSDT",
		"NEAR": "NEARUSDT",
		"APT":  "APTUSDT",
	},
	CoinCap: {
		"BTC":  "bitcoin",
		"ETH":  "ethereum",
		"SOL":  "solana",
		"BNB":  "binance-coin",
		"XRP":  "xrp",
		"ADA":  "cardano",
		"DOGE": "dogecoin",
		"DOT":  "polkadot",
		"AVAX": "avalanche",
		"LINK": "chainlink",
		"LTC":  "litecoin",
		"TRX":  "tron",
		"SHIB": "shiba-inu",
		"ATOM": "cosmos",
		"UNI":  "uniswap",
		"XLM":  "stellar",
		"BCH":  "bitcoin-cash",
		"NEAR": "near-protocol",
		"APT":  "aptos",
	},
}

// Default returns the built-in registry merged with any extra mappings.
// Extra entries override built-in ones for the same provider and symbol.
func Default(extra ...Mappings) *Registry {
	merged := make(Mappings, len(builtin))
	for p, m := range builtin {
		merged[p] = make(map[string]string, len(m))
		for c, s := range m {
			merged[p][c] = s
		}
	}
	for _, e := range extra {
		for p, m := range e {
			p = strings.ToLower(strings.TrimSpace(p))
			if merged[p] == nil {
				merged[p] = make(map[string]string, len(m))
			}
			for c, s := range m {
				merged[p][c] = s
			}
		}
	}
	return New(merged)
}

// New builds a registry from m. Canonical keys are normalised to upper case;
// invalid canonical symbols and empty provider symbols are skipped.
func New(m Mappings) *Registry {
	r := &Registry{
		forward: make(map[string]map[string]string, len(m)),
		known:   make(map[string]struct{}),
	}
	for p, syms := range m {
		fwd := make(map[string]string, len(syms))
		for c, s := range syms {
			c = Normalize(c)
			s = strings.TrimSpace(s)
			if !Valid(c) || s == "" {
				continue
			}
			fwd[c] = s
			r.known[c] = struct{}{}
		}
		r.forward[p] = fwd
	}
	r.sortedID = make([]string, 0, len(r.known))
	for c := range r.known {
		r.sortedID = append(r.sortedID, c)
	}
	sort.Strings(r.sortedID)
	return r
}

// Resolve returns the provider's identifier for canonical, or false when the
// provider does not list it.
func (r *Registry) Resolve(provider, canonical string) (string, bool) {
	s, ok := r.forward[provider][canonical]
	return s, ok
}

// Supported returns the union of canonical symbols over all providers, sorted.
func (r *Registry) Supported() []string {
	return append([]string(nil), r.sortedID...)
}

// Normalize trims and upper-cases a user supplied symbol.
func Normalize(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}

// Valid reports whether s is a canonical symbol: 1-10 upper-case letters or digits.
func Valid(s string) bool {
	if len(s) == 0 || len(s) > 10 {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < 'A' || c > 'Z') && (c < '0' || c > '9') {
			return false
		}
	}
	return true
}
