// Package outbox provides transactional outbox primitives: the delivery
// record model, the store contract, the recorder that captures domain
// events inside the caller's transaction, and the dispatcher that drains
// pending records to the broker.
package outbox
