// Package storage provides the persistence boundary for the party directory.
//
// The boundary is a key-value contract keyed by party identifier:
//
//   - PartyStore: Load/Save/Delete plus LoadAll for startup recovery
//   - Badger-backed implementation for the directory daemon
//   - memory sub-package for tests and ephemeral deployments
//
// Records may optionally be encrypted at rest (ChaCha20-Poly1305 with an
// Argon2id-derived key).
package storage
