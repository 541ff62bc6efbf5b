// Package storage persists delivery records and per-channel cursors.
//
// Two drivers are available:
//   - "sqlite": a SQLite database (WAL, synchronous=FULL)
//   - "file":   a dependency-free journal + snapshot pair
//
// Every write returns only after it is durable, so a record acknowledged
// before a crash is visible after restart.
package storage
