// Package storage persists scheduled tasks in SQLite.
//
// Writes are serialized through a single pooled connection; this is the
// store's documented single-writer contract. Concurrent reads are safe.
package storage
