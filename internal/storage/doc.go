// Package storage persists loops, the response ledger and the daemon's
// runtime state (pending timers, durable jobs, notifier dedup).
//
// Drivers:
//   - "sqlite": SQLite database file (modernc, pure Go). Default.
//   - "postgres": PostgreSQL through a pgx pool.
//   - "memory": process-local maps, for tests and dry runs.
package storage
