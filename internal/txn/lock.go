package txn

import (
	"sort"
	"sync"

	"github.com/minisql-go/minisql/internal/errkind"
	"github.com/minisql-go/minisql/internal/record"
)

// Mode is the lock mode requested/granted on a RowId.
type Mode int

const (
	Shared Mode = iota
	Exclusive
)

// request is one entry in a row's FIFO lock queue.
type request struct {
	txn     *Transaction
	mode    Mode // requested mode
	granted Mode // mode actually granted once woken
	waiting bool
}

// queue is the per-RowId lock table entry of spec.md §3: a FIFO list of
// requests plus shared-count/writer-active/upgrade-in-progress flags and a
// condition signal. Grounded in original_source's LockRequestQueue.
type queue struct {
	reqs        []*request
	cond        *sync.Cond
	isWriting   bool
	isUpgrading bool
	sharingCnt  int32
}

// LockManager implements record-level strict 2PL with isolation-aware
// relaxations and background deadlock detection, per spec.md §4.7.
// Grounded in original_source/src/include/concurrency/lock_manager.h.
type LockManager struct {
	mu    sync.Mutex
	table map[record.RowID]*queue

	// waitsFor is the deadlock-detector's graph: t1 -> {t2...} means t1 is
	// blocked on a lock held by each t2.
	waitsFor map[ID]map[ID]struct{}
}

// NewLockManager builds an empty lock manager.
func NewLockManager() *LockManager {
	return &LockManager{
		table:    make(map[record.RowID]*queue),
		waitsFor: make(map[ID]map[ID]struct{}),
	}
}

func (lm *LockManager) queueFor(rid record.RowID) *queue {
	q, ok := lm.table[rid]
	if !ok {
		q = &queue{}
		q.cond = sync.NewCond(&lm.mu)
		lm.table[rid] = q
	}
	return q
}

// holders returns the txn ids of every currently-granted request on q,
// excluding requester, for wiring waits-for edges.
func holders(q *queue, excludeTxn ID) []ID {
	var out []ID
	for _, r := range q.reqs {
		if !r.waiting && r.txn.id != excludeTxn {
			out = append(out, r.txn.id)
		}
	}
	return out
}

func (lm *LockManager) addWaitEdges(waiter ID, q *queue) {
	for _, h := range holders(q, waiter) {
		if lm.waitsFor[waiter] == nil {
			lm.waitsFor[waiter] = make(map[ID]struct{})
		}
		lm.waitsFor[waiter][h] = struct{}{}
	}
}

func (lm *LockManager) clearWaitEdges(txn ID) {
	delete(lm.waitsFor, txn)
}

// LockShared acquires a shared lock on rid for txn, per spec.md §4.7.
func (lm *LockManager) LockShared(t *Transaction, rid record.RowID) error {
	if t.IsolationLevel() == ReadUncommitted {
		t.setState(Aborted)
		return &errkind.AbortError{TxnID: uint64(t.id), Reason: errkind.AbortSharedOnReadUncommitted}
	}
	if t.State() == Shrinking {
		t.setState(Aborted)
		return &errkind.AbortError{TxnID: uint64(t.id), Reason: errkind.AbortLockOnShrinking}
	}
	if t.HoldsShared(rid) || t.HoldsExclusive(rid) {
		return nil // spec.md §9 Open Question 1: idempotent, no double-count
	}

	lm.mu.Lock()
	defer lm.mu.Unlock()

	q := lm.queueFor(rid)
	r := &request{txn: t, mode: Shared, waiting: true}
	q.reqs = append(q.reqs, r)

	for q.isWriting && t.State() != Aborted {
		lm.addWaitEdges(t.id, q)
		q.cond.Wait()
	}

	if t.State() == Aborted {
		lm.removeRequest(q, r)
		return &errkind.AbortError{TxnID: uint64(t.id), Reason: errkind.AbortDeadlock}
	}

	r.waiting = false
	r.granted = Shared
	q.sharingCnt++
	t.addShared(rid)
	lm.clearWaitEdges(t.id)
	return nil
}

// LockExclusive acquires an exclusive lock on rid for txn.
func (lm *LockManager) LockExclusive(t *Transaction, rid record.RowID) error {
	if t.State() == Shrinking {
		t.setState(Aborted)
		return &errkind.AbortError{TxnID: uint64(t.id), Reason: errkind.AbortLockOnShrinking}
	}
	if t.HoldsExclusive(rid) {
		return nil
	}

	lm.mu.Lock()
	defer lm.mu.Unlock()

	q := lm.queueFor(rid)
	r := &request{txn: t, mode: Exclusive, waiting: true}
	q.reqs = append(q.reqs, r)

	for (q.isWriting || q.sharingCnt > 0) && t.State() != Aborted {
		lm.addWaitEdges(t.id, q)
		q.cond.Wait()
	}

	if t.State() == Aborted {
		lm.removeRequest(q, r)
		return &errkind.AbortError{TxnID: uint64(t.id), Reason: errkind.AbortDeadlock}
	}

	r.waiting = false
	r.granted = Exclusive
	q.isWriting = true
	t.addExclusive(rid)
	lm.clearWaitEdges(t.id)
	return nil
}

// LockUpgrade upgrades an already-held shared lock to exclusive.
func (lm *LockManager) LockUpgrade(t *Transaction, rid record.RowID) error {
	if t.State() == Shrinking {
		t.setState(Aborted)
		return &errkind.AbortError{TxnID: uint64(t.id), Reason: errkind.AbortLockOnShrinking}
	}
	if t.HoldsExclusive(rid) {
		return nil // already exclusive: idempotent
	}

	lm.mu.Lock()
	defer lm.mu.Unlock()

	q := lm.queueFor(rid)
	if q.isUpgrading {
		t.setState(Aborted)
		return &errkind.AbortError{TxnID: uint64(t.id), Reason: errkind.AbortUpgradeConflict}
	}

	var r *request
	for _, cand := range q.reqs {
		if cand.txn.id == t.id && !cand.waiting {
			r = cand
			break
		}
	}
	if r == nil {
		return &errkind.AbortError{TxnID: uint64(t.id), Reason: errkind.AbortUpgradeConflict}
	}

	q.isUpgrading = true
	r.mode = Exclusive

	for (q.isWriting || q.sharingCnt > 1) && t.State() != Aborted {
		lm.addWaitEdges(t.id, q)
		q.cond.Wait()
	}

	if t.State() == Aborted {
		q.isUpgrading = false
		return &errkind.AbortError{TxnID: uint64(t.id), Reason: errkind.AbortDeadlock}
	}

	q.sharingCnt--
	q.isUpgrading = false
	q.isWriting = true
	r.granted = Exclusive
	t.moveSharedToExclusive(rid)
	lm.clearWaitEdges(t.id)
	return nil
}

// Unlock releases txn's lock on rid, per spec.md §4.7.
func (lm *LockManager) Unlock(t *Transaction, rid record.RowID) error {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	q, ok := lm.table[rid]
	if !ok {
		return nil
	}

	var released *request
	for _, r := range q.reqs {
		if r.txn.id == t.id && !r.waiting {
			released = r
			break
		}
	}
	if released == nil {
		return nil
	}
	lm.removeRequest(q, released)

	// spec.md §9 Open Question 2: decrement sharingCnt exactly when the
	// released request was granted in shared mode.
	if released.granted == Shared {
		if q.sharingCnt > 0 {
			q.sharingCnt--
		}
	} else {
		q.isWriting = false
	}

	if t.State() == Growing {
		// read-committed may release S locks early without leaving growing.
		if !(t.IsolationLevel() == ReadCommitted && released.granted == Shared) {
			t.setState(Shrinking)
		}
	}

	t.removeLock(rid)
	q.cond.Broadcast()
	return nil
}

func (lm *LockManager) removeRequest(q *queue, target *request) {
	for i, r := range q.reqs {
		if r == target {
			q.reqs = append(q.reqs[:i], q.reqs[i+1:]...)
			return
		}
	}
}

// ─── Deadlock detection ─────────────────────────────────────────────────

// Edge is a waits-for graph edge, exposed for testing (GetEdgeList).
type Edge struct {
	From ID
	To   ID
}

// RebuildWaitsForGraph rebuilds the waits-for graph from the lock table:
// for each ungranted request on a row, an edge from its txn to every
// granted holder of that row. Called by Scheduler on each detection tick.
func (lm *LockManager) RebuildWaitsForGraph() {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	lm.waitsFor = make(map[ID]map[ID]struct{})
	for _, q := range lm.table {
		for _, r := range q.reqs {
			if !r.waiting {
				continue
			}
			for _, h := range holders(q, r.txn.id) {
				if lm.waitsFor[r.txn.id] == nil {
					lm.waitsFor[r.txn.id] = make(map[ID]struct{})
				}
				lm.waitsFor[r.txn.id][h] = struct{}{}
			}
		}
	}
}

// GetEdgeList returns the current waits-for edges, sorted by (From, To),
// per spec.md §4.7 — for testing.
func (lm *LockManager) GetEdgeList() []Edge {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	return lm.edgeListLocked()
}

func (lm *LockManager) edgeListLocked() []Edge {
	var edges []Edge
	for from, tos := range lm.waitsFor {
		for to := range tos {
			edges = append(edges, Edge{From: from, To: to})
		}
	}
	sort.Slice(edges, func(i, j int) bool {
		if edges[i].From != edges[j].From {
			return edges[i].From < edges[j].From
		}
		return edges[i].To < edges[j].To
	})
	return edges
}

// HasCycle runs DFS always exploring the smallest txn_id first (spec.md
// §4.7: deterministic), returning the first cycle found and the youngest
// (largest) transaction id on it.
func (lm *LockManager) HasCycle() (victim ID, found bool) {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	nodes := lm.nodeSetLocked()
	visited := make(map[ID]bool)
	onPath := make(map[ID]bool)
	var path []ID

	var dfs func(ID) (ID, bool)
	dfs = func(n ID) (ID, bool) {
		visited[n] = true
		onPath[n] = true
		path = append(path, n)

		neighbors := lm.sortedNeighborsLocked(n)
		for _, m := range neighbors {
			if onPath[m] {
				// Found a cycle: the youngest (largest) id on the cycle
				// starting at m's position in path.
				cycleStart := indexOf(path, m)
				youngest := path[cycleStart]
				for _, id := range path[cycleStart:] {
					if id > youngest {
						youngest = id
					}
				}
				return youngest, true
			}
			if !visited[m] {
				if v, ok := dfs(m); ok {
					return v, true
				}
			}
		}

		onPath[n] = false
		path = path[:len(path)-1]
		return 0, false
	}

	for _, n := range nodes {
		if !visited[n] {
			if v, ok := dfs(n); ok {
				return v, true
			}
		}
	}
	return 0, false
}

func indexOf(path []ID, target ID) int {
	for i, v := range path {
		if v == target {
			return i
		}
	}
	return -1
}

func (lm *LockManager) nodeSetLocked() []ID {
	set := make(map[ID]struct{})
	for from, tos := range lm.waitsFor {
		set[from] = struct{}{}
		for to := range tos {
			set[to] = struct{}{}
		}
	}
	nodes := make([]ID, 0, len(set))
	for n := range set {
		nodes = append(nodes, n)
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i] < nodes[j] })
	return nodes
}

func (lm *LockManager) sortedNeighborsLocked(n ID) []ID {
	tos := lm.waitsFor[n]
	out := make([]ID, 0, len(tos))
	for to := range tos {
		out = append(out, to)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// RemoveEdge deletes a single waits-for edge, used by tests that probe
// incremental detection (the scheduler resolves a cycle with AbortVictim).
func (lm *LockManager) RemoveEdge(from, to ID) {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	if tos, ok := lm.waitsFor[from]; ok {
		delete(tos, to)
		if len(tos) == 0 {
			delete(lm.waitsFor, from)
		}
	}
}

// AbortVictim marks txn aborted, strips its outgoing waits-for edges, and
// wakes every queue it might be sleeping on so it observes the abort.
func (lm *LockManager) AbortVictim(t *Transaction) {
	lm.mu.Lock()
	delete(lm.waitsFor, t.id)
	t.setState(Aborted)
	for _, q := range lm.table {
		q.cond.Broadcast()
	}
	lm.mu.Unlock()
}
