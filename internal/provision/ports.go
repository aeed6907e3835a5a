package provision

import (
	"math/rand/v2"

	"github.com/koltyakov/managedsp/internal/domain"
)

// DefaultPortRetryLimit caps how many random ports are tried per server
// before provisioning gives up.
const DefaultPortRetryLimit = 64

// PortSource draws a candidate port.
type PortSource func() int

// RandomPort draws uniformly from [domain.MinPort, domain.MaxPort].
func RandomPort() int {
	return domain.MinPort + rand.IntN(domain.MaxPort-domain.MinPort+1)
}

// SequencePorts returns a source that yields ports in order and then repeats
// the last one. Used to replay collisions deterministically.
func SequencePorts(ports ...int) PortSource {
	i := 0
	return func() int {
		if len(ports) == 0 {
			return domain.MinPort
		}
		p := ports[i]
		if i < len(ports)-1 {
			i++
		}
		return p
	}
}
