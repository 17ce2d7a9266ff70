package uow

import (
	"context"
	"database/sql"
	"time"

	"github.com/meridianware/lib-outbox/event"
)

// Tx is the transaction handle a unit of work runs over. *sql.Tx satisfies
// it; tests substitute fakes.
type Tx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	Commit() error
	Rollback() error
}

// Beginner starts transactions for units of work. Wrap a *sql.DB with
// DBBeginner.
type Beginner interface {
	BeginTx(ctx context.Context, opts *sql.TxOptions) (Tx, error)
}

// DBBeginner adapts *sql.DB to the Beginner interface.
type DBBeginner struct {
	DB *sql.DB
}

// BeginTx starts a database transaction.
func (beginner DBBeginner) BeginTx(ctx context.Context, opts *sql.TxOptions) (Tx, error) {
	return beginner.DB.BeginTx(ctx, opts)
}

// Auditable is implemented by entities carrying creation/modification
// stamps. The unit of work stamps tracked entities just before draining
// events, so every commit carries a consistent actor and timestamp.
type Auditable interface {
	StampCreated(actor string, at time.Time)
	StampModified(actor string, at time.Time)
}

// Audit is an embeddable Auditable implementation.
type Audit struct {
	CreatedBy  string     `json:"createdBy,omitempty"`
	CreatedAt  time.Time  `json:"createdAtUtc,omitempty"`
	ModifiedBy string     `json:"modifiedBy,omitempty"`
	ModifiedAt *time.Time `json:"modifiedAtUtc,omitempty"`
}

// StampCreated records who created the entity and when.
func (audit *Audit) StampCreated(actor string, at time.Time) {
	audit.CreatedBy = actor
	audit.CreatedAt = at.UTC()
}

// StampModified records who last modified the entity and when.
func (audit *Audit) StampModified(actor string, at time.Time) {
	modifiedAt := at.UTC()

	audit.ModifiedBy = actor
	audit.ModifiedAt = &modifiedAt
}

// Scope is the per-operation workspace handed to the Execute callback. The
// callback runs its statements through Tx and tracks the entities it
// creates or changes; the unit of work stamps them and drains their raised
// events before commit.
type Scope struct {
	tx       Tx
	created  []any
	modified []any
}

// Tx returns the transaction handle for SQL statements inside the scope.
func (scope *Scope) Tx() Tx {
	return scope.tx
}

// TrackNew registers freshly created entities.
func (scope *Scope) TrackNew(entities ...any) {
	scope.created = append(scope.created, entities...)
}

// TrackChanged registers modified entities.
func (scope *Scope) TrackChanged(entities ...any) {
	scope.modified = append(scope.modified, entities...)
}

func (scope *Scope) stampAudit(actor string, at time.Time) {
	for _, entity := range scope.created {
		if auditable, ok := entity.(Auditable); ok {
			auditable.StampCreated(actor, at)
		}
	}

	for _, entity := range scope.modified {
		if auditable, ok := entity.(Auditable); ok {
			auditable.StampModified(actor, at)
		}
	}
}

// raisers returns tracked entities that buffer domain events, in tracking
// order, created before modified.
func (scope *Scope) raisers() []event.Raiser {
	var raisers []event.Raiser

	for _, entity := range append(append([]any(nil), scope.created...), scope.modified...) {
		if raiser, ok := entity.(event.Raiser); ok {
			raisers = append(raisers, raiser)
		}
	}

	return raisers
}
