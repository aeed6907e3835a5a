// Package domain defines the core data types shared across the placement
// engine, the provisioning allocator, the deployment service and the stores.
package domain

import (
	"strconv"
	"strings"
	"time"
)

// DefaultPool is the catch-all server pool searched when a federation's own
// pool has no eligible server.
const DefaultPool = "DEFAULT"

// Port range handed out to managed SP instances.
const (
	MinPort = 1050
	MaxPort = 65535
)

// Status is the stored lifecycle state of a managed deployment. Destruction is
// a hard delete and has no stored state.
type Status string

// Deployment status constants.
const (
	StatusUnprovisioned Status = "unprovisioned"
	StatusInactive      Status = "inactive"
	StatusActive        Status = "active"
)

// Valid reports whether s is a stored lifecycle state.
func (s Status) Valid() bool {
	switch s {
	case StatusUnprovisioned, StatusInactive, StatusActive:
		return true
	}
	return false
}

// Slot identifies which of the two bound servers a port belongs to.
type Slot string

const (
	SlotPrimary Slot = "primary"
	SlotBackup  Slot = "backup"
)

// Location is a WGS84 coordinate in degrees.
type Location struct {
	Lat float64
	Lon float64
}

// Server is one backend RADIUS instance that can host managed deployments.
type Server struct {
	ID       string
	Pool     string
	IP4      string
	IP6      string
	Location *Location // nil when the server has no known position
}

// HasIPv4 reports whether the server listens on IPv4.
func (s Server) HasIPv4() bool { return strings.TrimSpace(s.IP4) != "" }

// HasIPv6 reports whether the server listens on IPv6.
func (s Server) HasIPv6() bool { return strings.TrimSpace(s.IP6) != "" }

// ServerLoad pairs a [Server] with the number of deployments bound to it as
// primary or backup, read from committed state.
type ServerLoad struct {
	Server Server
	Load   int
}

// Assignment is the result of provisioning: two distinct servers, one port on
// each and the shared secret.
type Assignment struct {
	PrimaryServer string
	PrimaryPort   int
	BackupServer  string
	BackupPort    int
	Secret        string
}

// PortReservation claims one (server, port) pair for a deployment slot.
type PortReservation struct {
	ServerID     string
	Port         int
	DeploymentID int64
	Slot         Slot
}

// Deployment is one institution's managed service point.
type Deployment struct {
	ID            int64
	InstitutionID string
	Status        Status

	PrimaryServer string
	PrimaryPort   int
	BackupServer  string
	BackupPort    int
	Secret        string

	PrimaryHost4 string
	PrimaryHost6 string
	BackupHost4  string
	BackupHost6  string

	LastChange *time.Time
}

// Provisioned reports whether the deployment already carries an assignment.
func (d Deployment) Provisioned() bool {
	return d.Status != StatusUnprovisioned
}

// Assignment returns the server/port/secret binding of the deployment.
func (d Deployment) Assignment() Assignment {
	return Assignment{
		PrimaryServer: d.PrimaryServer,
		PrimaryPort:   d.PrimaryPort,
		BackupServer:  d.BackupServer,
		BackupPort:    d.BackupPort,
		Secret:        d.Secret,
	}
}

// Institution maps an institution to its home federation pool.
type Institution struct {
	ID         string
	Federation string
}

// Option is one key/value attribute attached to a deployment.
type Option struct {
	Name  string
	Lang  string
	Value string
	Row   int64
}

// FreshnessEvent tells downstream caches that a deployment changed. A nil
// LastChange means the deployment was destroyed.
type FreshnessEvent struct {
	DeploymentID int64      `json:"deployment_id"`
	LastChange   *time.Time `json:"last_change,omitempty"`
	Reason       string     `json:"reason"`
}

// ParseDeploymentID parses a raw managed SP identifier. Managed SP instances
// always have a positive numeric identifier.
func ParseDeploymentID(raw string) (int64, error) {
	raw = strings.TrimSpace(raw)
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, &DeploymentError{Op: "parse id " + strconv.Quote(raw), Err: ErrInvalidIdentifier}
	}
	return id, nil
}
