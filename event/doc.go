// Package event defines the domain event contract consumed by the outbox
// recorder and the aggregate-side buffer that collects raised events until
// the unit of work drains them.
package event
