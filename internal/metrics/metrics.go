// Package metrics reports placement and provisioning counters.
package metrics

import "time"

// Metric names emitted by the placement engine and the deployment service.
const (
	NearSaturation    = "placement.near_saturation"
	NoCapacity        = "placement.no_capacity"
	PortCollision     = "provision.port_collision"
	PortExhausted     = "provision.port_exhausted"
	Provisioned       = "provision.done"
	ProvisionDuration = "provision.duration"
	ServerLoadPrefix  = "placement.server_load."
)

// Metrics receives counters, timings and gauges.
type Metrics interface {
	Increment(string)
	Duration(string, time.Duration)
	Gauge(string, int)
}

// Nop discards every metric.
type Nop struct{}

func (Nop) Increment(string)               {}
func (Nop) Duration(string, time.Duration) {}
func (Nop) Gauge(string, int)              {}
