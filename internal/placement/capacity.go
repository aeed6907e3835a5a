package placement

import "github.com/koltyakov/managedsp/internal/domain"

// DefaultCapacityBase is the client ceiling of a dual-stack server. A
// single-stack server uses half the file descriptors per client and takes
// twice as many.
const DefaultCapacityBase = 200

// Capacity returns the client ceiling of s for the given dual-stack base.
func Capacity(s domain.Server, base int) int {
	if base <= 0 {
		base = DefaultCapacityBase
	}
	if s.HasIPv4() && s.HasIPv6() {
		return base
	}
	return base * 2
}

// Eligible reports whether a server with this load can take one more client.
func Eligible(load, capacity int) bool {
	return load < capacity
}

// NearSaturation reports whether load is above 90% of capacity.
func NearSaturation(load, capacity int) bool {
	return float64(load) > float64(capacity)*0.9
}
