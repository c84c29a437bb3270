// Package storage persists curator's state as named JSON documents plus an
// append-only audit trail of operator actions.
//
// Each component owns its documents (queue state, scheduler state, quarantine
// events, library collections) and is the only writer for them. Two drivers:
//   - "file": one human-readable .json per document, audit as JSON Lines
//   - "sqlite": single database file (optional build tag)
package storage
