// Package state persists run history and cached phase outputs (platform
// handles, discovered addresses, resolved inventories) in a local SQLite
// database. The cache exists to make runs re-entrant: a later invocation can
// start at bootstrap or configure using what an earlier run already learned.
// The topology file, not this store, remains the source of truth for what
// should exist.
package state
