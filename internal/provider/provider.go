package provider

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// PriceRecord is the normalized shape returned by all providers.
// Records are immutable once produced; a new fetch yields a new record.
type PriceRecord struct {
	Symbol       string              `json:"symbol"`
	Price        decimal.Decimal     `json:"price"`
	Change24h    decimal.NullDecimal `json:"change_24h"`
	ChangePct24h decimal.NullDecimal `json:"change_pct_24h"`
	FetchedAt    time.Time           `json:"fetched_at"`
	Source       string              `json:"source"`
}

// Age is the record's age at now.
func (r PriceRecord) Age(now time.Time) time.Duration { return now.Sub(r.FetchedAt) }

//go:generate mockgen -package=aggregate_test -destination=../aggregate/mock_provider_test.go -source=provider.go Provider

// Provider adapts one upstream price source.
//
// FetchOne returns ErrUnsupported (without any I/O) when the provider does not
// list the symbol. FetchMany is best-effort: the result may be a strict subset
// of the input.
type Provider interface {
	Name() string
	FetchOne(ctx context.Context, symbol string) (PriceRecord, error)
	FetchMany(ctx context.Context, symbols []string) (map[string]PriceRecord, error)
}

var (
	ErrUnsupported = errors.New("unsupported symbol")
	ErrTransient   = errors.New("transient network error")
	ErrRateLimited = errors.New("rate limited")
	ErrPermanent   = errors.New("permanent error")
	ErrBadResponse = errors.New("bad response")
)

// Kind is the machine-readable class of a provider error.
type Kind string

const (
	KindNone        Kind = ""
	KindUnsupported Kind = "unsupported_symbol"
	KindTransient   Kind = "transient_network"
	KindRateLimited Kind = "rate_limited"
	KindPermanent   Kind = "permanent"
	KindBadResponse Kind = "bad_response"
	KindCanceled    Kind = "canceled"
)

// KindOf classifies err. Unknown errors count as transient.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrUnsupported):
		return KindUnsupported
	case errors.Is(err, ErrRateLimited):
		return KindRateLimited
	case errors.Is(err, ErrBadResponse):
		return KindBadResponse
	case errors.Is(err, ErrPermanent):
		return KindPermanent
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return KindCanceled
	default:
		return KindTransient
	}
}

// NewRecord validates and stamps a record. Non-positive prices are rejected
// with ErrBadResponse.
func NewRecord(symbol, source string, price decimal.Decimal, change, pct decimal.NullDecimal, at time.Time) (PriceRecord, error) {
	if !price.IsPositive() {
		return PriceRecord{}, fmt.Errorf("%w: %s price %s from %s is not positive", ErrBadResponse, symbol, price, source)
	}
	return PriceRecord{
		Symbol:       symbol,
		Price:        price,
		Change24h:    change,
		ChangePct24h: pct,
		FetchedAt:    at,
		Source:       source,
	}, nil
}

// ParseOptional turns a raw upstream number into an optional decimal. Empty,
// "null" and unparseable values are absent.
func ParseOptional(raw string) decimal.NullDecimal {
	if raw == "" || raw == "null" {
		return decimal.NullDecimal{}
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.NullDecimal{}
	}
	return decimal.NewNullDecimal(d)
}
