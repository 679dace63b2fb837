// Package storage is the durable record of accounts, scheduled posts and
// diagnostic log entries, backed by SQLite.
//
// The store is the single source of truth for a post's state. The
// scheduler's in-memory timer table is a derived index: it must always be
// reconstructable from ListPending, which is what makes restarts safe.
//
// Status transitions go through CASStatus (compare-and-set against the
// expected prior status) so a cancel command racing a firing timer cannot
// produce two winners.
package storage
