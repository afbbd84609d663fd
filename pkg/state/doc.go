// Package state persists deployment lifecycles.
//
// A Backend stores one opaque state blob per stack plus, optionally, an
// advisory lock and an append-only audit log. The Machine serialises all
// lifecycle transitions through a per-stack mutex and keeps the in-memory
// per-resource states the scheduler consults.
//
// Three backends ship: MemoryBackend for tests and ephemeral runs,
// FileBackend for a local state directory, and S3Backend for shared remote
// state.
package state
