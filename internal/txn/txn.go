// Package txn implements the concurrency layer of spec.md §4.7/§4.8:
// record-level strict two-phase locking with deadlock detection, plus the
// transaction manager that begins/commits/aborts transactions and releases
// their locks. New package — the teacher has no record-level lock manager
// (its storage/concurrency.go is an unrelated read/write worker-pool for
// parallel query execution, adapted separately into Scheduler). Grounded in
// original_source/src/include/concurrency/txn.h and lock_manager.h.
package txn

import (
	"sync"

	"github.com/minisql-go/minisql/internal/record"
)

// IsolationLevel mirrors original_source's IsolationLevel enum.
type IsolationLevel int

const (
	ReadUncommitted IsolationLevel = iota
	ReadCommitted
	RepeatableRead
)

// State is a transaction's position in the 2PL state machine:
// growing -> shrinking -> {committed, aborted}.
type State int

const (
	Growing State = iota
	Shrinking
	Committed
	Aborted
)

// ID is a monotonically increasing transaction identifier.
type ID uint64

// Transaction carries everything the lock manager and recovery manager need
// to track one unit of work. SessionID records the owning goroutine's
// conceptual session for diagnostics only (original_source's thread_id_);
// Go exposes no stable OS thread id, so correctness never depends on it.
type Transaction struct {
	mu sync.Mutex

	id        ID
	iso       IsolationLevel
	state     State
	sessionID string

	sharedSet    map[record.RowID]struct{}
	exclusiveSet map[record.RowID]struct{}
}

func newTransaction(id ID, iso IsolationLevel, sessionID string) *Transaction {
	return &Transaction{
		id:           id,
		iso:          iso,
		state:        Growing,
		sessionID:    sessionID,
		sharedSet:    make(map[record.RowID]struct{}),
		exclusiveSet: make(map[record.RowID]struct{}),
	}
}

func (t *Transaction) ID() ID                     { return t.id }
func (t *Transaction) IsolationLevel() IsolationLevel { return t.iso }
func (t *Transaction) SessionID() string          { return t.sessionID }

func (t *Transaction) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Transaction) setState(s State) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state = s
}

// HoldsShared/HoldsExclusive report whether the transaction's own lock sets
// already contain rid, used by LockManager to treat repeat lock_shared
// calls by the same holder as idempotent (spec.md §9 Open Question 1).
func (t *Transaction) HoldsShared(rid record.RowID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.sharedSet[rid]
	return ok
}

func (t *Transaction) HoldsExclusive(rid record.RowID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.exclusiveSet[rid]
	return ok
}

func (t *Transaction) addShared(rid record.RowID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sharedSet[rid] = struct{}{}
}

func (t *Transaction) addExclusive(rid record.RowID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.exclusiveSet[rid] = struct{}{}
}

func (t *Transaction) moveSharedToExclusive(rid record.RowID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.sharedSet, rid)
	t.exclusiveSet[rid] = struct{}{}
}

func (t *Transaction) removeLock(rid record.RowID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.sharedSet, rid)
	delete(t.exclusiveSet, rid)
}

// lockedRowIDs returns every RowID the transaction currently holds, in no
// particular order, for TxnManager to release on commit/abort.
func (t *Transaction) lockedRowIDs() []record.RowID {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]record.RowID, 0, len(t.sharedSet)+len(t.exclusiveSet))
	for rid := range t.sharedSet {
		out = append(out, rid)
	}
	for rid := range t.exclusiveSet {
		out = append(out, rid)
	}
	return out
}

// Manager assigns monotonically increasing transaction ids and provides a
// thread-safe registry, per spec.md §4.8. Grounded in original_source's
// TxnManager (shared-mutex GetTransaction).
type Manager struct {
	mu       sync.RWMutex
	nextID   ID
	active   map[ID]*Transaction
	lockMgr  *LockManager
}

// NewManager builds a transaction manager releasing locks through lockMgr
// on commit/abort.
func NewManager(lockMgr *LockManager) *Manager {
	return &Manager{active: make(map[ID]*Transaction), lockMgr: lockMgr}
}

// Begin assigns a fresh id (monotonically increasing) and registers the
// transaction. sessionID is a caller-supplied correlation id (e.g. a
// google/uuid session id from internal/engine), recorded for diagnostics.
func (m *Manager) Begin(iso IsolationLevel, sessionID string) *Transaction {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	t := newTransaction(m.nextID, iso, sessionID)
	m.active[t.id] = t
	return t
}

// GetTransaction looks up a transaction by id, thread-safely.
func (m *Manager) GetTransaction(id ID) (*Transaction, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.active[id]
	return t, ok
}

// Commit sets the transaction's final state and releases every lock it
// holds (S-set ∪ X-set), per spec.md §4.8.
func (m *Manager) Commit(t *Transaction) {
	t.setState(Committed)
	m.releaseAll(t)
}

// Abort sets the transaction's final state and releases every lock it holds.
func (m *Manager) Abort(t *Transaction) {
	t.setState(Aborted)
	m.releaseAll(t)
}

func (m *Manager) releaseAll(t *Transaction) {
	for _, rid := range t.lockedRowIDs() {
		m.lockMgr.Unlock(t, rid)
	}
	m.mu.Lock()
	delete(m.active, t.id)
	m.mu.Unlock()
}
