package block

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/stratastore/strata/pkg/db"
)

func openTestDb(t *testing.T) db.Db {
	t.Helper()
	bdb, err := db.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { bdb.Close() })
	return bdb
}

func TestIncrefDecrefTransitions(t *testing.T) {
	database := openTestDb(t)
	var h Hash
	h[0] = 1

	wasZero, err := database.Transaction(func(tx db.Tx) (interface{}, error) {
		return increfTx(tx, h)
	})
	require.NoError(t, err)
	require.True(t, wasZero.(bool))

	_, err = database.Transaction(func(tx db.Tx) (interface{}, error) {
		return increfTx(tx, h)
	})
	require.NoError(t, err)

	m := &Manager{rcTree: mustTree(t, database, rcTreeName)}
	count, err := m.refcount(h)
	require.NoError(t, err)
	require.Equal(t, uint64(2), count)

	dropped, err := database.Transaction(func(tx db.Tx) (interface{}, error) {
		return decrefTx(tx, h)
	})
	require.NoError(t, err)
	require.False(t, dropped.(bool))

	dropped, err = database.Transaction(func(tx db.Tx) (interface{}, error) {
		return decrefTx(tx, h)
	})
	require.NoError(t, err)
	require.True(t, dropped.(bool))

	count, err = m.refcount(h)
	require.NoError(t, err)
	require.Equal(t, uint64(0), count)
}

func TestDecrefBelowZeroErrors(t *testing.T) {
	database := openTestDb(t)
	var h Hash
	h[0] = 2
	_, err := database.Transaction(func(tx db.Tx) (interface{}, error) {
		return decrefTx(tx, h)
	})
	require.Error(t, err)
}

func TestDeletableSinceHonorsGraceDelay(t *testing.T) {
	database := openTestDb(t)
	var h Hash
	h[0] = 3
	m := &Manager{rcTree: mustTree(t, database, rcTreeName)}

	// No refcount row at all: immediately deletable (orphan scan case).
	deletable, err := m.deletableSince(h, time.Now())
	require.NoError(t, err)
	require.True(t, deletable)

	_, err = database.Transaction(func(tx db.Tx) (interface{}, error) {
		return increfTx(tx, h)
	})
	require.NoError(t, err)
	_, err = database.Transaction(func(tx db.Tx) (interface{}, error) {
		return decrefTx(tx, h)
	})
	require.NoError(t, err)

	deletable, err = m.deletableSince(h, time.Now())
	require.NoError(t, err)
	require.False(t, deletable, "must wait out BlockGCDelay")

	deletable, err = m.deletableSince(h, time.Now().Add(BlockGCDelay+time.Second))
	require.NoError(t, err)
	require.True(t, deletable)
}

func mustTree(t *testing.T, database db.Db, name string) db.Tree {
	t.Helper()
	tr, err := database.Tree(name)
	require.NoError(t, err)
	return tr
}
