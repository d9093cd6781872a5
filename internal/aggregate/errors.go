package aggregate

import (
    "errors"
    "fmt"
)

// Reason is the machine-readable cause of an unavailable price.
type Reason string

const (
    ReasonUnsupportedSymbol Reason = "unsupported_symbol"
    ReasonAllSourcesFailed  Reason = "all_sources_failed"
    ReasonDeadlineExceeded  Reason = "deadline_exceeded"
)

// Sentinels for errors.Is against an *Unavailable.
var (
    ErrUnsupportedSymbol = errors.New(string(ReasonUnsupportedSymbol))
    ErrAllSourcesFailed  = errors.New(string(ReasonAllSourcesFailed))
    ErrDeadlineExceeded  = errors.New(string(ReasonDeadlineExceeded))
)

// Unavailable is the only error the aggregator returns to callers.
type Unavailable struct {
    Symbol string
    Reason Reason
    // Cause is the last provider or context error seen, if any.
    Cause error
}

func (e *Unavailable) Error() string {
    if e.Cause != nil {
        return fmt.Sprintf("price unavailable for %q: %s: %v", e.Symbol, e.Reason, e.Cause)
    }
    return fmt.Sprintf("price unavailable for %q: %s", e.Symbol, e.Reason)
}

func (e *Unavailable) Unwrap() []error {
    out := []error{sentinel(e.Reason)}
    if e.Cause != nil { out = append(out, e.Cause) }
    return out
}

func sentinel(r Reason) error {
    switch r {
    case ReasonUnsupportedSymbol:
        return ErrUnsupportedSymbol
    case ReasonDeadlineExceeded:
        return ErrDeadlineExceeded
    default:
        return ErrAllSourcesFailed
    }
}

// ReasonOf extracts the reason from an aggregator error, "" for nil.
func ReasonOf(err error) Reason {
    if err == nil { return "" }
    var u *Unavailable
    if errors.As(err, &u) { return u.Reason }
    return ReasonAllSourcesFailed
}

func unavailable(symbol string, r Reason, cause error) *Unavailable {
    return &Unavailable{Symbol: symbol, Reason: r, Cause: cause}
}
