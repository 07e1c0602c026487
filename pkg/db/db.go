// Package db is the C1 contract: ordered key-value trees with atomic
// multi-tree transactions, bidirectional range scans, and a post-commit
// change-notification channel. Everything above this package (tables,
// blocks) is written against these interfaces only; pkg/db/bolt.go is the
// sole concrete implementation, backed by bbolt.
package db

import "context"

// KV is the read side shared by Tree and TxTree.
type KV interface {
	// Get returns the value for key, or ok=false if absent.
	Get(key []byte) (value []byte, ok bool, err error)

	// Len returns an exact count of entries. May be slow on large trees.
	Len() (int, error)

	// FastLen returns an approximate count when the engine can answer
	// without a scan, or ok=false if it can't.
	FastLen() (count int64, ok bool)

	// Range scans [start, end) in ascending key order. If end is nil the
	// scan runs to the end of the tree. f returns (false, nil) to stop
	// early, or a non-nil error to abort the scan.
	Range(start, end []byte, f func(key, value []byte) (bool, error)) error

	// RangeReverse scans [start, end) in descending key order.
	RangeReverse(start, end []byte, f func(key, value []byte) (bool, error)) error
}

// Tree is a single named ordered table, usable outside a transaction.
type Tree interface {
	KV

	// Insert sets key to value and returns the prior value, if any.
	Insert(key, value []byte) (prior []byte, err error)

	// Remove deletes key and returns the prior value, if any.
	Remove(key []byte) (prior []byte, err error)
}

// TxTree is a Tree handle valid only within the Tx that produced it.
type TxTree interface {
	KV
	Insert(key, value []byte) (prior []byte, err error)
	Remove(key []byte) (prior []byte, err error)
}

// Tx is the handle passed to the function given to Db.Transaction. It can
// reach any number of trees, all committed or rolled back together.
type Tx interface {
	Tree(name string) (TxTree, error)
}

// Aborted is returned by a transaction function to abort the transaction
// without it being treated as an engine-level error. Transaction unwraps it
// and returns the wrapped error to the caller after rolling back.
type Aborted struct{ Err error }

func (a Aborted) Error() string { return a.Err.Error() }
func (a Aborted) Unwrap() error { return a.Err }

// Notification is delivered on a subscription channel after a commit that
// touched a matching key.
type Notification struct {
	Tree  string
	Key   []byte
	Value []byte // nil if the key was removed
}

// Db is the C1 contract consumed by the rest of the core.
type Db interface {
	// Tree opens (creating if needed) a named ordered tree.
	Tree(name string) (Tree, error)

	// Transaction runs f atomically across every tree touched through tx.
	// A single embedded-engine writer lock means there is no commit
	// conflict to retry against; f is always tried exactly once, but the
	// interface keeps the retry contract so callers never depend on that.
	Transaction(f func(tx Tx) (interface{}, error)) (interface{}, error)

	// Subscribe delivers a Notification for every post-commit write to
	// tree whose key has the given prefix. The returned cancel func must
	// be called to stop delivery and release the channel.
	Subscribe(ctx context.Context, tree string, keyPrefix []byte) (<-chan Notification, func())

	Close() error
}
