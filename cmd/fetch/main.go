package main

import (
    "context"
    "encoding/json"
    "fmt"
    "io"
    "os"
    "sort"
    "strings"
    "time"

    "github.com/dustin/go-humanize"
    "github.com/urfave/cli/v2"

    "pricefeed/internal/aggregate"
    "pricefeed/internal/app"
    "pricefeed/internal/config"
    "pricefeed/internal/logging"
    "pricefeed/internal/provider/cache"
)

func main() {
    cliApp := &cli.App{
        Name:  "fetch",
        Usage: "query crypto spot prices through the aggregator",
        Flags: []cli.Flag{
            &cli.StringFlag{Name: "config", Aliases: []string{"c"}, EnvVars: []string{"CONFIG_FILE"}, Usage: "path to config.json or config.yaml"},
            &cli.DurationFlag{Name: "timeout", Aliases: []string{"t"}, Value: 15 * time.Second, Usage: "deadline for the whole command"},
            &cli.BoolFlag{Name: "json", Usage: "print raw JSON"},
            &cli.StringFlag{Name: "log-level", Value: "warn", EnvVars: []string{"LOG_LEVEL"}},
        },
        Commands: []*cli.Command{
            {
                Name:      "price",
                Usage:     "best available price for one symbol",
                ArgsUsage: "SYMBOL",
                Action: func(c *cli.Context) error {
                    return runOne(c, func(agg *aggregate.Aggregator) func(context.Context, string) (aggregate.Price, error) { return agg.GetPrice })
                },
            },
            {
                Name:      "trade",
                Usage:     "live price for one symbol, never from cache",
                ArgsUsage: "SYMBOL",
                Action: func(c *cli.Context) error {
                    return runOne(c, func(agg *aggregate.Aggregator) func(context.Context, string) (aggregate.Price, error) { return agg.GetPriceForTrade })
                },
            },
            {
                Name:      "prices",
                Usage:     "prices for several symbols",
                ArgsUsage: "SYMBOL[,SYMBOL...] ...",
                Action:    runMany,
            },
            {
                Name:  "symbols",
                Usage: "list supported symbols",
                Action: func(c *cli.Context) error {
                    a, _, err := build(c)
                    if err != nil { return err }
                    defer a.Close()
                    syms := a.Aggregator.SupportedSymbols()
                    if c.Bool("json") { return printJSON(c.App.Writer, syms) }
                    fmt.Fprintln(c.App.Writer, strings.Join(syms, " "))
                    return nil
                },
            },
            {
                Name:  "status",
                Usage: "provider health, cache sizes and a canary lookup",
                Action: func(c *cli.Context) error {
                    a, ctx, err := build(c)
                    if err != nil { return err }
                    defer a.Close()
                    st := a.Aggregator.Status(ctx)
                    if c.Bool("json") { return printJSON(c.App.Writer, st) }
                    writeStatus(c.App.Writer, st, time.Now())
                    return nil
                },
            },
        },
    }
    if err := cliApp.Run(os.Args); err != nil {
        fmt.Fprintln(os.Stderr, err)
        os.Exit(1)
    }
}

// build loads config and wires the aggregator. The returned context carries
// the --timeout deadline and is released when the process exits.
func build(c *cli.Context) (*app.App, context.Context, error) {
    cfg, err := config.Load(c.String("config"))
    if err != nil { return nil, nil, cli.Exit(err.Error(), 2) }
    log, err := logging.New(c.String("log-level"), false)
    if err != nil { return nil, nil, err }
    a, err := app.Build(cfg, log)
    if err != nil { return nil, nil, cli.Exit(err.Error(), 2) }
    ctx, cancel := context.WithTimeout(c.Context, c.Duration("timeout"))
    a.AddCloser(func() error { cancel(); return log.Sync() })
    return a, ctx, nil
}

func runOne(c *cli.Context, pick func(*aggregate.Aggregator) func(context.Context, string) (aggregate.Price, error)) error {
    if c.NArg() != 1 { return cli.Exit("exactly one SYMBOL is required", 2) }
    a, ctx, err := build(c)
    if err != nil { return err }
    defer a.Close()

    p, err := pick(a.Aggregator)(ctx, c.Args().First())
    if err != nil { return cli.Exit(err.Error(), 1) }
    if c.Bool("json") { return printJSON(c.App.Writer, p) }
    fmt.Fprintln(c.App.Writer, formatPrice(p, time.Now()))
    return nil
}

func runMany(c *cli.Context) error {
    var syms []string
    for _, arg := range c.Args().Slice() { syms = append(syms, splitCSV(arg)...) }
    if len(syms) == 0 { return cli.Exit("at least one SYMBOL is required", 2) }
    a, ctx, err := build(c)
    if err != nil { return err }
    defer a.Close()

    out := a.Aggregator.GetPrices(ctx, syms)
    if c.Bool("json") {
        view := make(map[string]any, len(out))
        for s, o := range out {
            if o.Err != nil {
                view[s] = map[string]string{"reason": string(o.Reason()), "error": o.Err.Error()}
                continue
            }
            view[s] = o.Price
        }
        return printJSON(c.App.Writer, view)
    }
    keys := make([]string, 0, len(out))
    for s := range out { keys = append(keys, s) }
    sort.Strings(keys)
    now := time.Now()
    failed := 0
    for _, s := range keys {
        o := out[s]
        if o.Err != nil {
            failed++
            fmt.Fprintf(c.App.Writer, "%-6s unavailable (%s)\n", s, o.Reason())
            continue
        }
        fmt.Fprintln(c.App.Writer, formatPrice(*o.Price, now))
    }
    if failed == len(keys) { return cli.Exit("no prices available", 1) }
    return nil
}

func printJSON(w io.Writer, v any) error {
    enc := json.NewEncoder(w)
    enc.SetIndent("", "  ")
    return enc.Encode(v)
}

// formatPrice renders one line: symbol, price, 24h change, source, age.
func formatPrice(p aggregate.Price, now time.Time) string {
    px, _ := p.Price.Float64()
    line := fmt.Sprintf("%-6s $%s", p.Symbol, humanize.CommafWithDigits(px, 2))
    if p.ChangePct24h.Valid {
        pct, _ := p.ChangePct24h.Decimal.Float64()
        line += fmt.Sprintf("  %+.2f%%", pct)
    }
    if p.Change24h.Valid {
        abs, _ := p.Change24h.Decimal.Float64()
        line += fmt.Sprintf(" (%s)", signed(abs))
    }
    return line + fmt.Sprintf("  via %s [%s, %s]", p.Source, p.Origin, humanize.RelTime(p.FetchedAt, now, "old", "ahead"))
}

func signed(v float64) string {
    if v < 0 { return "-$" + humanize.CommafWithDigits(-v, 2) }
    return "+$" + humanize.CommafWithDigits(v, 2)
}

func writeStatus(w io.Writer, st aggregate.Status, now time.Time) {
    fmt.Fprintf(w, "primary: %s   backups: %s\n", st.Primary, strings.Join(st.Backups, ", "))
    fmt.Fprintf(w, "failures: %d/%d   degraded: %t   symbols: %d\n", st.ConsecutiveFailures, st.FailureThreshold, st.Degraded, st.SupportedSymbols)
    fmt.Fprintf(w, "cache: fresh=%d fallback=%d dynamic=%d\n", st.CacheSizes[cache.Fresh], st.CacheSizes[cache.Fallback], st.CacheSizes[cache.Dynamic])
    for _, p := range st.Providers {
        last := "never"
        if p.LastRequest != nil { last = humanize.RelTime(*p.LastRequest, now, "ago", "from now") }
        fmt.Fprintf(w, "  %-10s %-7s %-12s %d/%d per %s, 429s: %d, last request %s\n",
            p.Name, p.Role, p.Health, p.RequestsInWindow, p.MaxRequests, p.Window, p.RateLimitedTotal, last)
        if p.LastError != "" { fmt.Fprintf(w, "             last error: %s\n", p.LastError) }
    }
    if st.Canary.OK {
        fmt.Fprintf(w, "canary %s: ok, primary working: %t\n  %s\n", st.Canary.Symbol, st.Canary.PrimaryWorking, formatPrice(*st.Canary.Price, now))
        return
    }
    fmt.Fprintf(w, "canary %s: FAILED (%s)\n", st.Canary.Symbol, st.Canary.Reason)
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
