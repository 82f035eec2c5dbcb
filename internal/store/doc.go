// Package store persists the per-hub message correspondence table.
//
// Each hub owns one SQLite database (<hub>.db) with a single table,
// messages, holding one row per logical message. The table has one
// nullable VARCHAR column per connected platform, named after the
// platform; a column holds the message's native id on that platform, or
// NULL while (or if) no mirror exists there.
//
// A row is created when a message is first observed (only the origin
// column set) and filled in as sibling sends complete, giving each
// logical message a monotonic lifecycle: origin recorded, partially
// mirrored, fully mirrored. Edits and deletes consult the row but never
// remove it; translations for a deleted message are harmless.
//
// The store is shared by every connector goroutine of its hub. SQLite is
// opened in WAL mode with a busy timeout, and every operation is a single
// autocommitted statement, so no external locking is needed.
package store
