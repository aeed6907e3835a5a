package metrics

import (
	"time"

	statsd "github.com/smira/go-statsd"
)

// Statsd sends metrics to a StatsD agent over UDP.
type Statsd struct {
	client *statsd.Client
}

// NewStatsd returns a client for addr that tags every metric with nodeName.
func NewStatsd(nodeName string, addr string) *Statsd {
	clnt := statsd.NewClient(
		addr,
		statsd.MetricPrefix("apps.managedsp."),
		statsd.DefaultTags(statsd.StringTag("node", nodeName)),
	)
	return &Statsd{
		client: clnt,
	}
}

func (s *Statsd) Increment(metric string) {
	s.client.Incr(metric, 1)
}

func (s *Statsd) Duration(metric string, duration time.Duration) {
	s.client.PrecisionTiming(metric, duration)
}

func (s *Statsd) Gauge(metric string, value int) {
	s.client.Gauge(metric, int64(value))
}

func (s *Statsd) Close() error {
	return s.client.Close()
}
