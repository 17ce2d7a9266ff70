// Package uow provides the transactional unit of work: one atomic boundary
// per business operation that stamps audit metadata, drains raised domain
// events into the outbox and commits everything as a single transaction.
package uow
