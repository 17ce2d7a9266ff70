// Package postgres implements the outbox store on PostgreSQL. The client
// owns the connection pool and applies embedded schema migrations on
// connect; the repository issues hand-built parameterized statements.
package postgres
