// Package storage persists schedule entries and run history.
//
// Two drivers are available:
//   - "sqlite": a SQLite database file (modernc.org/sqlite, no cgo)
//   - "file": a JSON schedule file plus an append-only JSONL run log
package storage
