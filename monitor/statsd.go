package monitor

import (
	"fmt"

	"github.com/DataDog/datadog-go/v5/statsd"
)

// StatsdClient is the subset of the DataDog statsd client the sink uses.
type StatsdClient interface {
	Count(name string, value int64, tags []string, rate float64) error
	Histogram(name string, value float64, tags []string, rate float64) error
}

// Statsd is a Monitor that forwards measurements to a DataDog statsd
// agent. Counters map to statsd counts and statistics to histograms.
// Send errors are dropped.
type Statsd struct {
	client StatsdClient
	tags   []string
}

var _ Monitor = (*Statsd)(nil)

// NewStatsd connects to the statsd agent at addr. Every metric name is
// prefixed with namespace.
func NewStatsd(addr, namespace string, tags ...string) (*Statsd, error) {
	client, err := statsd.New(addr, statsd.WithNamespace(namespace))
	if err != nil {
		return nil, fmt.Errorf("lattice: connect statsd: %w", err)
	}
	return &Statsd{client: client, tags: tags}, nil
}

// NewStatsdFromClient wraps an existing client.
func NewStatsdFromClient(client StatsdClient, tags ...string) *Statsd {
	return &Statsd{client: client, tags: tags}
}

func (s *Statsd) Count(name string, value float64) {
	_ = s.client.Count(name, int64(value), s.tags, 1)
}

func (s *Statsd) Measure(name string, value float64) {
	_ = s.client.Histogram(name, value, s.tags, 1)
}
