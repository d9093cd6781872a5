// Package metrics emits aggregator counters and timings.
package metrics

import (
	"time"

	"github.com/DataDog/datadog-go/v5/statsd"
)

// Recorder receives counters and timings. Tags are "key:value" strings.
type Recorder interface {
	Incr(name string, tags ...string)
	Timing(name string, d time.Duration, tags ...string)
}

// Nop discards everything.
type Nop struct{}

func (Nop) Incr(string, ...string)                  {}
func (Nop) Timing(string, time.Duration, ...string) {}

// Statsd forwards to a DogStatsD agent. Send errors are dropped: metrics must
// never fail a price request.
type Statsd struct {
	client statsd.ClientInterface
}

// NewStatsd dials addr (host:port) and prefixes every metric with namespace.
func NewStatsd(addr, namespace string) (*Statsd, error) {
	c, err := statsd.New(addr, statsd.WithNamespace(namespace))
	if err != nil {
		return nil, err
	}
	return &Statsd{client: c}, nil
}

func (s *Statsd) Incr(name string, tags ...string) {
	_ = s.client.Incr(name, tags, 1)
}

func (s *Statsd) Timing(name string, d time.Duration, tags ...string) {
	_ = s.client.Timing(name, d, tags, 1)
}

func (s *Statsd) Close() error { return s.client.Close() }
