package repository

import "context"

// Store is the persistent store consumed by the orchestrators.
//
// Lock* methods take a row lock that is held until the surrounding Atomic
// call returns; outside Atomic they behave like plain reads. Update* methods
// are conditional on the status the caller last observed and return
// errors.ErrConflict when another writer got there first.
type Store interface {
	Transactions() TransactionRepository
	Sessions() SessionRepository
	Disputes() DisputeRepository
	Releases() ReleaseRepository
	Vault() VaultRepository
	Audit() AuditRepository

	// Atomic runs fn against repositories bound to one database transaction.
	// A non-nil error from fn rolls every write back. Nested calls join the
	// outer transaction.
	Atomic(ctx context.Context, fn func(ctx context.Context, s Store) error) error
}
