package txn

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBeginAssignsMonotonicIDs(t *testing.T) {
	lm := NewLockManager()
	mgr := NewManager(lm)

	t1 := mgr.Begin(RepeatableRead, "s1")
	t2 := mgr.Begin(RepeatableRead, "s2")
	require.Equal(t, ID(1), t1.ID())
	require.Equal(t, ID(2), t2.ID())

	got, ok := mgr.GetTransaction(t1.ID())
	require.True(t, ok)
	require.Same(t, t1, got)
}

func TestCommitReleasesLocksAndRetiresTxn(t *testing.T) {
	lm := NewLockManager()
	mgr := NewManager(lm)
	tx := mgr.Begin(RepeatableRead, "s1")
	r := rid(1, 1)

	require.NoError(t, lm.LockExclusive(tx, r))
	mgr.Commit(tx)

	require.Equal(t, Committed, tx.State())
	_, ok := mgr.GetTransaction(tx.ID())
	require.False(t, ok)

	// Lock must be free for another transaction to take.
	other := mgr.Begin(RepeatableRead, "s2")
	require.NoError(t, lm.LockExclusive(other, r))
}

func TestAbortReleasesLocks(t *testing.T) {
	lm := NewLockManager()
	mgr := NewManager(lm)
	tx := mgr.Begin(RepeatableRead, "s1")
	r := rid(2, 2)

	require.NoError(t, lm.LockShared(tx, r))
	mgr.Abort(tx)

	require.Equal(t, Aborted, tx.State())
	other := mgr.Begin(RepeatableRead, "s2")
	require.NoError(t, lm.LockExclusive(other, r))
}
