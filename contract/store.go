/*
store.go - Persistence interfaces for the contract aggregate

PURPOSE:
  Defines the boundary between the domain logic and the database.
  Different implementations can use SQLite, PostgreSQL, or in-memory storage.

KEY INTERFACES:
  Store:         Contract aggregate persistence with optimistic locking
  ReminderStore: Dedup markers for the reminder sweep

OPTIMISTIC LOCKING:
  Every contract carries a Revision. WithLock loads the aggregate, hands a
  copy to fn, and persists fn's changes only if the stored revision is
  still the one that was read:

    UPDATE contracts SET ..., revision = revision + 1
    WHERE id = ? AND revision = ?

  Zero rows affected means another writer won; the caller gets a
  *ConflictError and may retry the whole read-modify-write.

APPEND-ONLY PAYMENTS:
  Submitting a payment only appends a row (AppendPayment). It never bumps
  the contract revision, so customers submitting slips do not collide with
  staff verifying other payments. Payment decisions are written through
  WithLock together with the contract totals they change.

IMPLEMENTATIONS:
  - contract/store/memory.go: In-memory for tests and local runs
  - store/sqlstore/sqlstore.go: SQLite / PostgreSQL

SEE ALSO:
  - ledger/ledger.go: The main WithLock caller
  - reminder/sweeper.go: The ReminderStore caller
*/
package contract

import "context"

// =============================================================================
// STORE - Contract aggregate persistence
// =============================================================================

// LockFunc mutates the aggregate in place. Returning an error aborts the write.
type LockFunc func(agg *Aggregate) error

type Store interface {
	// Create persists the contract and its periods atomically.
	Create(ctx context.Context, agg *Aggregate) error

	// Get loads the contract with periods and payments.
	Get(ctx context.Context, id ContractID) (*Aggregate, error)

	// WithLock runs fn on a copy of the aggregate and persists the result
	// iff the revision did not change since the read. Returns the stored
	// aggregate (with the new revision) on success.
	WithLock(ctx context.Context, id ContractID, fn LockFunc) (*Aggregate, error)

	// AppendPayment inserts a new pending payment. Does not bump the revision.
	AppendPayment(ctx context.Context, p Payment) error

	// GetPayment loads a single payment.
	GetPayment(ctx context.Context, id PaymentID) (*Payment, error)

	// List returns contracts (without children) matching the filter,
	// ordered by next due date then id.
	List(ctx context.Context, filter Filter) ([]Contract, error)

	// Delete removes a contract and everything it owns.
	Delete(ctx context.Context, id ContractID) error
}

// Filter narrows List. Zero values mean "any".
type Filter struct {
	Statuses   []Status
	Kind       Kind
	CustomerID CustomerID
	DueFrom    *Date // inclusive bound on NextDueDate
	DueTo      *Date // inclusive bound on NextDueDate
	Limit      int
}

// Matches applies the filter in memory. SQL stores push it into WHERE.
func (f Filter) Matches(c *Contract) bool {
	if len(f.Statuses) > 0 {
		ok := false
		for _, s := range f.Statuses {
			if c.Status == s {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if f.Kind != "" && c.Kind != f.Kind {
		return false
	}
	if f.CustomerID != "" && c.CustomerID != f.CustomerID {
		return false
	}
	if f.DueFrom != nil || f.DueTo != nil {
		if c.NextDueDate == nil {
			return false
		}
		if f.DueFrom != nil && c.NextDueDate.Before(*f.DueFrom) {
			return false
		}
		if f.DueTo != nil && c.NextDueDate.After(*f.DueTo) {
			return false
		}
	}
	return true
}

// =============================================================================
// REMINDER STORE - Dedup markers keyed by (contract, due date)
// =============================================================================

type ReminderStore interface {
	// HasMarker reports whether a reminder for the bucket was already sent.
	HasMarker(ctx context.Context, id ContractID, dueDate Date) (bool, error)

	// PutMarker records a sent reminder. Returns ErrDuplicateReminder if the
	// bucket already has a marker.
	PutMarker(ctx context.Context, m ReminderMarker) error

	// Markers lists all markers for a contract, oldest first.
	Markers(ctx context.Context, id ContractID) ([]ReminderMarker, error)
}
