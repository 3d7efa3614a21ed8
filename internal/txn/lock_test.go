package txn

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/minisql-go/minisql/internal/errkind"
	"github.com/minisql-go/minisql/internal/record"
	"github.com/minisql-go/minisql/internal/storage/page"
)

func rid(pageID int32, slot int32) record.RowID {
	return record.RowID{PageID: page.ID(pageID), Slot: uint32(slot)}
}

func TestLockSharedIsIdempotentForSameHolder(t *testing.T) {
	lm := NewLockManager()
	mgr := NewManager(lm)
	tx := mgr.Begin(RepeatableRead, "s1")
	r := rid(1, 1)

	require.NoError(t, lm.LockShared(tx, r))
	require.NoError(t, lm.LockShared(tx, r))
	require.True(t, tx.HoldsShared(r))
}

func TestLockSharedOnReadUncommittedAborts(t *testing.T) {
	lm := NewLockManager()
	mgr := NewManager(lm)
	tx := mgr.Begin(ReadUncommitted, "s1")

	err := lm.LockShared(tx, rid(1, 1))
	require.Error(t, err)
	var abortErr *errkind.AbortError
	require.True(t, errors.As(err, &abortErr))
	require.Equal(t, errkind.AbortSharedOnReadUncommitted, abortErr.Reason)
	require.Equal(t, Aborted, tx.State())
}

func TestLockOnShrinkingAborts(t *testing.T) {
	lm := NewLockManager()
	mgr := NewManager(lm)
	tx := mgr.Begin(RepeatableRead, "s1")
	r1, r2 := rid(1, 1), rid(1, 2)

	require.NoError(t, lm.LockExclusive(tx, r1))
	require.NoError(t, lm.Unlock(tx, r1))
	require.Equal(t, Shrinking, tx.State())

	err := lm.LockExclusive(tx, r2)
	require.Error(t, err)
	var abortErr *errkind.AbortError
	require.True(t, errors.As(err, &abortErr))
	require.Equal(t, errkind.AbortLockOnShrinking, abortErr.Reason)
}

func TestLockUpgrade(t *testing.T) {
	lm := NewLockManager()
	mgr := NewManager(lm)
	tx := mgr.Begin(RepeatableRead, "s1")
	r := rid(1, 1)

	require.NoError(t, lm.LockShared(tx, r))
	require.NoError(t, lm.LockUpgrade(tx, r))
	require.True(t, tx.HoldsExclusive(r))
	require.False(t, tx.HoldsShared(r))
}

func TestExclusiveBlocksSharedUntilReleased(t *testing.T) {
	lm := NewLockManager()
	mgr := NewManager(lm)
	writer := mgr.Begin(RepeatableRead, "w")
	reader := mgr.Begin(RepeatableRead, "r")
	r := rid(2, 0)

	require.NoError(t, lm.LockExclusive(writer, r))

	done := make(chan error, 1)
	go func() { done <- lm.LockShared(reader, r) }()

	select {
	case <-done:
		t.Fatal("reader should have blocked while writer holds exclusive lock")
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, lm.Unlock(writer, r))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("reader never acquired shared lock after writer released")
	}
}

func TestGetEdgeListSortedAndDeadlockVictim(t *testing.T) {
	lm := NewLockManager()

	// Build the waits-for graph directly from spec.md §8 scenario 6:
	// edges 0->1, 1->2, 2->5, 5->1, 2->4, 1->3, 3->6, 6->0.
	edges := []Edge{
		{0, 1}, {1, 2}, {2, 5}, {5, 1}, {2, 4}, {1, 3}, {3, 6}, {6, 0},
	}
	for _, e := range edges {
		if lm.waitsFor[e.From] == nil {
			lm.waitsFor[e.From] = make(map[ID]struct{})
		}
		lm.waitsFor[e.From][e.To] = struct{}{}
	}

	got := lm.GetEdgeList()
	require.Len(t, got, len(edges))
	for i := 1; i < len(got); i++ {
		require.True(t, got[i-1].From < got[i].From ||
			(got[i-1].From == got[i].From && got[i-1].To < got[i].To))
	}

	victim, found := lm.HasCycle()
	require.True(t, found)
	require.Equal(t, ID(5), victim)

	lm.RemoveEdge(5, 1)
	victim, found = lm.HasCycle()
	require.True(t, found)
	require.Equal(t, ID(6), victim)

	lm.RemoveEdge(6, 0)
	_, found = lm.HasCycle()
	require.False(t, found)
}

func TestUnlockReleasesSharedLocks(t *testing.T) {
	lm := NewLockManager()
	mgr := NewManager(lm)
	tx1 := mgr.Begin(RepeatableRead, "a")
	tx2 := mgr.Begin(RepeatableRead, "b")
	r := rid(3, 0)

	require.NoError(t, lm.LockShared(tx1, r))
	require.NoError(t, lm.LockShared(tx2, r))
	require.NoError(t, lm.Unlock(tx1, r))
	require.NoError(t, lm.Unlock(tx2, r))

	tx3 := mgr.Begin(RepeatableRead, "c")
	require.NoError(t, lm.LockExclusive(tx3, r))
	require.NoError(t, lm.Unlock(tx3, r))
}
