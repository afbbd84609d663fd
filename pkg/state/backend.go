package state

import (
	"context"
	"time"
)

// Backend is the persistence interface the runtime consumes. Implementations
// must be safe for concurrent use; SaveState must replace the blob
// atomically against concurrent GetState calls.
type Backend interface {
	// GetState returns the last saved state for the stack, or (nil, nil)
	// when nothing has been saved yet.
	GetState(ctx context.Context, stack string) (*DeploymentState, error)

	// SaveState replaces the stack's state blob.
	SaveState(ctx context.Context, stack string, st *DeploymentState) error
}

// Locker is the optional advisory-lock extension. A backend without it
// means no locking.
type Locker interface {
	// AcquireLock tries to take the stack lock for holder. Returning
	// (false, nil) means another holder owns it.
	AcquireLock(ctx context.Context, stack, holder string, ttl time.Duration) (bool, error)

	// ReleaseLock releases the stack lock. Releasing an unheld lock is not
	// an error.
	ReleaseLock(ctx context.Context, stack string) error
}

// AuditLogger is the optional append-only audit log extension.
type AuditLogger interface {
	AppendAuditLog(ctx context.Context, stack string, entry AuditEntry) error

	// GetAuditLog returns up to limit entries, newest last. limit <= 0
	// means all.
	GetAuditLog(ctx context.Context, stack string, limit int) ([]AuditEntry, error)
}
