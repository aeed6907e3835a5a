package domain

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for well-known failure conditions that cross package
// boundaries.  Callers should use [errors.Is] to match these.
var (
	// ErrInvalidIdentifier indicates a non-numeric or unknown deployment id.
	ErrInvalidIdentifier = errors.New("invalid deployment identifier")

	// ErrDeploymentNotFound means no deployment row exists for the id.
	ErrDeploymentNotFound = fmt.Errorf("deployment not found: %w", ErrInvalidIdentifier)

	// ErrDeploymentExists is returned when a deployment id is reserved twice.
	ErrDeploymentExists = errors.New("deployment already exists")

	// ErrInstitutionNotFound means the institution registry has no entry.
	ErrInstitutionNotFound = errors.New("institution not found")

	// ErrNoCapacityAvailable is returned when neither the federation pool
	// nor the default pool has a server with spare capacity.
	ErrNoCapacityAvailable = errors.New("no server capacity available")

	// ErrPortAllocationExhausted is returned when the port retry cap is hit.
	ErrPortAllocationExhausted = errors.New("port allocation exhausted")

	// ErrNotProvisioned is returned by lifecycle operations that need an
	// assignment on a deployment that has none yet.
	ErrNotProvisioned = errors.New("deployment not provisioned")

	// ErrConflict signals a transient lock or serialization conflict in the
	// store. The operation can be retried.
	ErrConflict = errors.New("concurrent update conflict")
)

// NoCapacityError lists the pools that were searched without finding an
// eligible server.
type NoCapacityError struct {
	Pools []string
}

func (e *NoCapacityError) Error() string {
	if len(e.Pools) == 0 {
		return ErrNoCapacityAvailable.Error()
	}
	return fmt.Sprintf("%s: no managed SP server with spare capacity in pool(s) %s",
		ErrNoCapacityAvailable, strings.Join(e.Pools, ", "))
}

func (e *NoCapacityError) Unwrap() error {
	return ErrNoCapacityAvailable
}

// DeploymentError wraps an underlying error with deployment context.
type DeploymentError struct {
	DeploymentID int64
	Op           string
	Err          error
}

func (e *DeploymentError) Error() string {
	if e.DeploymentID != 0 {
		return fmt.Sprintf("deployment %d: %s: %v", e.DeploymentID, e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *DeploymentError) Unwrap() error {
	return e.Err
}
