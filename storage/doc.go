// Package storage defines the AccountStore contract and the Principal model.
//
// Implementations are provided in subpackages:
//   - storage/memory: In-memory store for development and testing
//   - storage/postgres: PostgreSQL store with embedded migrations
//   - storage/mock: Failure-injecting store for unit tests
//
// Stores return ErrPrincipalNotFound and ErrEmailTaken so callers can use
// errors.Is regardless of backend. Any other error is an infrastructure
// failure and must not be reported to clients as an authentication failure.
package storage
