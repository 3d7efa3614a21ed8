package recovery

import (
	"log/slog"
	"sort"

	"github.com/pkg/errors"
)

// Store is the abstract key/value surface recovery replays log records
// against. internal/engine implements it over the table heap + catalog so
// recovery never needs to know about pages, schemas, or rows directly —
// grounded in original_source's KvDatabase abstraction used throughout
// recovery_manager.h.
type Store interface {
	Put(key, val []byte) error
	Delete(key []byte) error
	Get(key []byte) ([]byte, bool)
}

// CheckPoint is a snapshot recovery starts from: the LSN up to which the
// store already reflects every committed change, and the set of
// transactions still active as of that LSN (txn id -> its last LSN before
// the checkpoint). Grounded in recovery_manager.h's CheckPoint struct.
type CheckPoint struct {
	LSN        uint64
	ActiveTxns map[uint64]uint64
}

// NewCheckPoint builds an empty checkpoint at lsn.
func NewCheckPoint(lsn uint64) *CheckPoint {
	return &CheckPoint{LSN: lsn, ActiveTxns: make(map[uint64]uint64)}
}

// AddActiveTxn records that txnID's most recent log record before the
// checkpoint was at lastLSN.
func (c *CheckPoint) AddActiveTxn(txnID, lastLSN uint64) {
	c.ActiveTxns[txnID] = lastLSN
}

// Manager runs the redo/undo recovery procedure of spec.md §4.9.
type Manager struct {
	log   *Log
	store Store

	persistLSN uint64
	// active maps txn id -> its most recent LSN seen so far, mirroring
	// recovery_manager.h's unendedTxn: shrinks as txns commit or abort.
	active map[uint64]uint64

	byLSN map[uint64]*LogRecord
}

// NewManager builds a recovery manager over log, replaying into store.
func NewManager(log *Log, store Store) *Manager {
	return &Manager{store: store, log: log, active: make(map[uint64]uint64)}
}

// Init seeds the manager from a checkpoint, per recovery_manager.h's Init.
func (m *Manager) Init(cp *CheckPoint) {
	m.persistLSN = cp.LSN
	m.active = make(map[uint64]uint64, len(cp.ActiveTxns))
	for txn, lsn := range cp.ActiveTxns {
		m.active[txn] = lsn
	}
}

// Recover runs the full redo-then-undo procedure against the log.
func (m *Manager) Recover() error {
	recs, err := m.log.ReadAll()
	if err != nil {
		return errors.Wrap(err, "recovery: read log")
	}
	m.byLSN = make(map[uint64]*LogRecord, len(recs))
	for _, r := range recs {
		m.byLSN[r.LSN] = r
	}

	sort.Slice(recs, func(i, j int) bool { return recs[i].LSN < recs[j].LSN })

	if err := m.redoPhase(recs); err != nil {
		return err
	}
	return m.undoPhase()
}

// redoPhase walks every record with LSN > persistLSN forward, applying
// every operation, committed or not, and tracking which transactions never
// reached a terminal record (undoPhase rolls those back afterwards). Grounded in recovery_manager.h's RedoPhase, including
// the resolved Open Question: an Abort record triggers that transaction's
// undo chain immediately rather than waiting for the undo phase.
func (m *Manager) redoPhase(recs []*LogRecord) error {
	for _, r := range recs {
		if r.LSN <= m.persistLSN {
			continue
		}
		switch r.Type {
		case TypeCheckpoint:
			continue
		case TypeBegin:
			m.active[r.TxnID] = r.LSN
		case TypeCommit:
			m.active[r.TxnID] = r.LSN
			delete(m.active, r.TxnID)
		case TypeAbort:
			m.active[r.TxnID] = r.LSN
			if err := m.undoTxn(r.PrevLSN); err != nil {
				return err
			}
			delete(m.active, r.TxnID)
		case TypeInsert:
			m.active[r.TxnID] = r.LSN
			if _, exists := m.store.Get(r.Key); exists {
				slog.Warn("recovery: redo insert skipped, key already present", "lsn", r.LSN)
				continue
			}
			if err := m.store.Put(r.Key, r.Val); err != nil {
				return errors.Wrap(err, "recovery: redo insert")
			}
		case TypeDelete:
			m.active[r.TxnID] = r.LSN
			if _, exists := m.store.Get(r.Key); !exists {
				slog.Warn("recovery: redo delete skipped, key absent", "lsn", r.LSN)
				continue
			}
			if err := m.store.Delete(r.Key); err != nil {
				return errors.Wrap(err, "recovery: redo delete")
			}
		case TypeUpdate:
			m.active[r.TxnID] = r.LSN
			if err := m.store.Delete(r.Key); err != nil {
				slog.Warn("recovery: redo update old-key delete skipped", "lsn", r.LSN)
			}
			if err := m.store.Put(r.NewKey, r.NewVal); err != nil {
				return errors.Wrap(err, "recovery: redo update")
			}
		}
	}
	return nil
}

// undoPhase rolls back every transaction still active at end-of-log.
// Grounded in recovery_manager.h's UndoPhase.
func (m *Manager) undoPhase() error {
	txns := make([]uint64, 0, len(m.active))
	for txn := range m.active {
		txns = append(txns, txn)
	}
	sort.Slice(txns, func(i, j int) bool { return txns[i] < txns[j] })

	for _, txn := range txns {
		if err := m.undoTxn(m.active[txn]); err != nil {
			return err
		}
	}
	return nil
}

// undoTxn walks the prev-LSN chain backward from lastLSN to a Begin
// record, applying the inverse of each operation. Grounded in
// recovery_manager.h's UndoTxn; mismatches are logged and skipped rather
// than treated as fatal, per spec.md §7.
func (m *Manager) undoTxn(lastLSN uint64) error {
	lsn := lastLSN
	for lsn != NoLSN {
		r, ok := m.byLSN[lsn]
		if !ok {
			slog.Warn("recovery: undo chain references missing LSN", "lsn", lsn)
			return nil
		}
		switch r.Type {
		case TypeInsert:
			if _, exists := m.store.Get(r.Key); exists {
				if err := m.store.Delete(r.Key); err != nil {
					return errors.Wrap(err, "recovery: undo insert")
				}
			}
		case TypeDelete:
			if _, exists := m.store.Get(r.Key); !exists {
				if err := m.store.Put(r.Key, r.Val); err != nil {
					return errors.Wrap(err, "recovery: undo delete")
				}
			}
		case TypeUpdate:
			if err := m.store.Delete(r.NewKey); err != nil {
				slog.Warn("recovery: undo update new-key delete skipped", "lsn", lsn)
			}
			if err := m.store.Put(r.Key, r.Val); err != nil {
				return errors.Wrap(err, "recovery: undo update")
			}
		case TypeBegin:
			return nil
		}
		lsn = r.PrevLSN
	}
	return nil
}
