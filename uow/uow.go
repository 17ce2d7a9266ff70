package uow

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/meridianware/lib-outbox/internal/nilcheck"
	"github.com/meridianware/lib-outbox/log"
	"github.com/meridianware/lib-outbox/outbox"
)

var (
	ErrBeginnerRequired = errors.New("transaction beginner is required")
	ErrRecorderRequired = errors.New("outbox recorder is required")
	ErrCallbackRequired = errors.New("unit of work callback is required")
)

const systemActor = "system"

// ActorResolver extracts the acting principal from the request context for
// audit stamping.
type ActorResolver func(ctx context.Context) string

// Option mutates unit of work configuration at construction.
type Option func(*UnitOfWork)

// WithActorResolver sets how the audit actor is derived from context.
func WithActorResolver(resolver ActorResolver) Option {
	return func(unit *UnitOfWork) {
		if resolver != nil {
			unit.actor = resolver
		}
	}
}

// WithClock overrides the audit/event timestamp source.
func WithClock(clock func() time.Time) Option {
	return func(unit *UnitOfWork) {
		if clock != nil {
			unit.clock = clock
		}
	}
}

// WithTxOptions sets the sql.TxOptions used for every transaction.
func WithTxOptions(opts *sql.TxOptions) Option {
	return func(unit *UnitOfWork) {
		unit.txOptions = opts
	}
}

// WithAfterCommit registers a hook invoked after every successful commit,
// typically the dispatcher's post-commit flush. The hook runs outside the
// transaction; its outcome does not affect the already-committed operation.
func WithAfterCommit(hook func(ctx context.Context)) Option {
	return func(unit *UnitOfWork) {
		unit.afterCommit = hook
	}
}

// UnitOfWork is the single atomic boundary per business operation.
//
// Execute runs the callback inside a transaction, then in strict order:
// stamp audit metadata on tracked entities, drain their raised events into
// the outbox recorder, commit. Any failure rolls the whole operation back,
// so an outbox record can never exist without the mutation that raised it.
type UnitOfWork struct {
	beginner    Beginner
	recorder    *outbox.Recorder
	logger      log.Logger
	actor       ActorResolver
	clock       func() time.Time
	txOptions   *sql.TxOptions
	afterCommit func(ctx context.Context)
}

// New creates a unit of work over the given transaction beginner and
// outbox recorder.
func New(beginner Beginner, recorder *outbox.Recorder, logger log.Logger, opts ...Option) (*UnitOfWork, error) {
	if nilcheck.Interface(beginner) {
		return nil, ErrBeginnerRequired
	}

	if recorder == nil {
		return nil, ErrRecorderRequired
	}

	if nilcheck.Interface(logger) {
		logger = log.NewNop()
	}

	unit := &UnitOfWork{
		beginner: beginner,
		recorder: recorder,
		logger:   logger,
		actor:    func(context.Context) string { return systemActor },
		clock:    func() time.Time { return time.Now().UTC() },
	}

	for _, opt := range opts {
		if opt != nil {
			opt(unit)
		}
	}

	return unit, nil
}

// Execute runs one business operation atomically. The returned error is
// always a *Failure whose Code distinguishes concurrency conflicts,
// constraint violations and unexpected errors.
func (unit *UnitOfWork) Execute(ctx context.Context, fn func(ctx context.Context, scope *Scope) error) error {
	if ctx == nil {
		ctx = context.Background()
	}

	if fn == nil {
		return Classify(ErrCallbackRequired)
	}

	tx, err := unit.beginner.BeginTx(ctx, unit.txOptions)
	if err != nil {
		return Classify(fmt.Errorf("beginning transaction: %w", err))
	}

	scope := &Scope{tx: tx}

	if err := unit.run(ctx, scope, fn); err != nil {
		unit.rollback(ctx, tx)

		return Classify(err)
	}

	if err := tx.Commit(); err != nil {
		return Classify(fmt.Errorf("committing transaction: %w", err))
	}

	if unit.afterCommit != nil {
		unit.afterCommit(ctx)
	}

	return nil
}

func (unit *UnitOfWork) run(ctx context.Context, scope *Scope, fn func(ctx context.Context, scope *Scope) error) error {
	if err := fn(ctx, scope); err != nil {
		return err
	}

	now := unit.clock()
	scope.stampAudit(unit.actor(ctx), now)

	for _, raiser := range scope.raisers() {
		pending := raiser.PendingEvents()
		if len(pending) == 0 {
			continue
		}

		if err := unit.recorder.RecordAll(ctx, scope.tx, pending); err != nil {
			return err
		}

		raiser.ClearEvents()
	}

	return nil
}

func (unit *UnitOfWork) rollback(ctx context.Context, tx Tx) {
	if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		unit.logger.Log(ctx, log.LevelError, "unit of work rollback failed",
			log.String("error", outbox.SanitizeErrorMessage(err.Error())),
		)
	}
}
