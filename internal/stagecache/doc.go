// Package stagecache persists pipeline stage closures in a SQLite database.
//
// One row in stage_entries describes a cached (brick, stage) pair; its
// encoded values live in stage_values. Saving an entry replaces both in a
// single transaction, so a reader sees either the previous closure or the new
// one. The schema is versioned; a database written by a different version
// must be cleared before use.
package stagecache
