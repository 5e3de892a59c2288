// Package storage is the SQLite persistence layer.
//
// One database file holds triggers, agents, habits, progress, contexts,
// scores, progression decisions, owner bootstrap flags and report dedup
// state. The pool uses a single connection so writers are serialized and
// every multi-row change is one statement or one transaction.
package storage
