package engine

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/text/cases"

	"github.com/minisql-go/minisql/internal/catalog"
	"github.com/minisql-go/minisql/internal/errkind"
	"github.com/minisql-go/minisql/internal/record"
	"github.com/minisql-go/minisql/internal/recovery"
	"github.com/minisql-go/minisql/internal/storage/buffer"
	"github.com/minisql-go/minisql/internal/storage/diskmgr"
	"github.com/minisql-go/minisql/internal/storage/heap"
	"github.com/minisql-go/minisql/internal/storage/index"
	"github.com/minisql-go/minisql/internal/storage/page"
	"github.com/minisql-go/minisql/internal/txn"
)

var foldCaser = cases.Fold()

func fold(s string) string { return foldCaser.String(s) }

// catalogMetaPageID is the well-known page carrying the catalog's own
// meta page (spec.md's page.TypeCatalog doc: "logical page 0"): it is
// always the first page catalog.Create allocates, since
// nothing else claims a page before the catalog does on a fresh file.
const catalogMetaPageID = page.ID(0)

// Engine is the single collaborator every other part of the tree wires
// through: no singletons, no package-level state. It owns the disk
// manager, buffer pool, catalog, lock manager, transaction manager,
// background scheduler, and one write-ahead log per table. Grounded in
// the teacher's pager.PageBackend facade shape (open pager, begin a
// transaction, open catalog, commit) generalized from tinySQL's dynamic
// SQL engine to spec.md's fixed Column/Schema/Row model.
type Engine struct {
	mu   sync.RWMutex
	path string

	disk      *diskmgr.Manager
	pool      *buffer.Pool
	cat       *catalog.Catalog
	lockMgr   *txn.LockManager
	txnMgr    *txn.Manager
	scheduler *txn.Scheduler
	cfg       Config

	tables map[string]*tableHandle
}

// Open brings a database file online: creates it fresh if empty, else
// reopens the catalog and every table's heap/indexes and replays each
// table's write-ahead log.
func Open(path string, cfg Config) (*Engine, error) {
	disk, err := diskmgr.Open(path)
	if err != nil {
		return nil, err
	}

	pool := buffer.NewPool(disk, cfg.PoolSize, buffer.NewLRUReplacer(cfg.PoolSize))

	var cat *catalog.Catalog
	if disk.PageCount() == 0 {
		cat, err = catalog.Create(pool)
	} else {
		cat, err = catalog.Open(pool, catalogMetaPageID)
	}
	if err != nil {
		disk.Close()
		return nil, err
	}

	lockMgr := txn.NewLockManager()
	txnMgr := txn.NewManager(lockMgr)
	sched := txn.NewScheduler(lockMgr, txnMgr, cfg.ReadConcurrency)

	e := &Engine{
		path:      path,
		disk:      disk,
		pool:      pool,
		cat:       cat,
		lockMgr:   lockMgr,
		txnMgr:    txnMgr,
		scheduler: sched,
		cfg:       cfg,
		tables:    make(map[string]*tableHandle),
	}

	for _, name := range cat.ListTables() {
		if err := e.loadTable(name); err != nil {
			disk.Close()
			return nil, err
		}
	}

	if err := sched.StartDeadlockDetection(cfg.DeadlockDetectionIntervalCron); err != nil {
		return nil, err
	}
	if err := sched.StartCheckpointing(cfg.CheckpointIntervalCron, e.checkpoint); err != nil {
		return nil, err
	}
	sched.Start()

	return e, nil
}

func (e *Engine) logPath(tableName string) string {
	return e.path + "." + tableName + ".wal"
}

func (e *Engine) openIndexHandles(ti *catalog.TableInfo) (*indexHandle, []*indexHandle, error) {
	infos, err := e.cat.GetTableIndexes(ti.Name)
	if err != nil {
		return nil, nil, err
	}
	if len(infos) == 0 {
		return nil, nil, errors.Errorf("engine: table %q has no indexes; CreateTable always installs a primary index", ti.Name)
	}
	keySize := func(ii *catalog.IndexInfo) int {
		size := 0
		for _, ci := range ii.ColumnIdxs {
			size += fixedKeySize(ti.Schema.Columns[ci])
		}
		return size
	}
	// GetTableIndexes sorts by name; the primary index is the one
	// CreateTable registered first, i.e. the lowest index id.
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	pk := &indexHandle{info: infos[0], bt: index.Open(e.pool, infos[0].MetaPageID, keySize(infos[0]))}
	secondary := make([]*indexHandle, 0, len(infos)-1)
	for _, ii := range infos[1:] {
		secondary = append(secondary, &indexHandle{info: ii, bt: index.Open(e.pool, ii.MetaPageID, keySize(ii))})
	}
	return pk, secondary, nil
}

func (e *Engine) loadTable(name string) error {
	ti, err := e.cat.GetTable(name)
	if err != nil {
		return err
	}
	h := heap.OpenTableHeap(e.pool, &ti.Schema, ti.FirstPageID, ti.FSMPageID)
	pk, secondary, err := e.openIndexHandles(ti)
	if err != nil {
		return err
	}

	th := &tableHandle{info: ti, heap: h, pk: pk, secondary: secondary}
	th.store = newTableStore(h, pk.bt, &ti.Schema)

	log, err := recovery.Open(e.logPath(ti.Name))
	if err != nil {
		return err
	}
	th.log = log
	th.recMgr = recovery.NewManager(log, th.store)
	th.recMgr.Init(recovery.NewCheckPoint(recovery.NoLSN))
	if err := th.recMgr.Recover(); err != nil {
		return err
	}

	e.tables[fold(ti.Name)] = th
	return nil
}

// CreateTable defines a new table and installs its primary index (on the
// first column) up front: internal/recovery's Store adapter needs a key
// index to replay logical log records against, so every recoverable
// table carries one from birth rather than as an optional add-on.
func (e *Engine) CreateTable(name string, schema record.Schema) (*catalog.TableInfo, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if len(schema.Columns) == 0 {
		return nil, errors.New("engine: schema must declare at least one column")
	}

	h, err := heap.NewTableHeap(e.pool, &schema)
	if err != nil {
		return nil, err
	}
	ti, err := e.cat.CreateTable(name, schema, h.FirstPageID(), h.FSMRootPageID())
	if err != nil {
		return nil, err
	}

	pkCol := ti.Schema.Columns[0]
	pkBT, err := index.Create(e.pool, fixedKeySize(pkCol))
	if err != nil {
		return nil, err
	}
	pkInfo, err := e.cat.CreateIndex(name, name+"_pk", "bptree", []string{pkCol.Name}, pkBT.MetaPageID())
	if err != nil {
		return nil, err
	}

	th := &tableHandle{info: ti, heap: h, pk: &indexHandle{info: pkInfo, bt: pkBT}}
	th.store = newTableStore(h, pkBT, &ti.Schema)

	log, err := recovery.Create(e.logPath(ti.Name))
	if err != nil {
		return nil, err
	}
	th.log = log
	th.recMgr = recovery.NewManager(log, th.store)
	th.recMgr.Init(recovery.NewCheckPoint(recovery.NoLSN))

	e.tables[fold(ti.Name)] = th
	return ti, nil
}

// CreateIndex builds a secondary index over columns and backfills it from
// the table's current contents.
func (e *Engine) CreateIndex(tableName, indexName string, columns []string) (*catalog.IndexInfo, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	th, ok := e.tables[fold(tableName)]
	if !ok {
		return nil, errkind.ErrTableNotFound
	}

	colIdxs := make([]int, 0, len(columns))
	size := 0
	for _, c := range columns {
		ci, err := th.info.Schema.ColumnIndex(c)
		if err != nil {
			return nil, err
		}
		colIdxs = append(colIdxs, ci)
		size += fixedKeySize(th.info.Schema.Columns[ci])
	}

	bt, err := index.Create(e.pool, size)
	if err != nil {
		return nil, err
	}
	ii, err := e.cat.CreateIndex(th.info.Name, indexName, "bptree", columns, bt.MetaPageID())
	if err != nil {
		return nil, err
	}

	it := th.heap.Begin()
	for {
		rid, row, ok := it.Next()
		if !ok {
			break
		}
		key := encodeKey(&th.info.Schema, row, colIdxs)
		if _, err := bt.Insert(key, rowIDArray(rid)); err != nil {
			return nil, err
		}
	}

	th.secondary = append(th.secondary, &indexHandle{info: ii, bt: bt})
	return ii, nil
}

// DropIndex removes a secondary index. The primary index installed by
// CreateTable cannot be dropped, since internal/recovery's redo/undo
// depends on it.
func (e *Engine) DropIndex(tableName, indexName string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	th, ok := e.tables[fold(tableName)]
	if !ok {
		return errkind.ErrTableNotFound
	}
	if fold(indexName) == fold(th.pk.info.Name) {
		return errors.Errorf("engine: %q is the primary index of %q and cannot be dropped", indexName, tableName)
	}
	if err := e.cat.DropIndex(th.info.Name, indexName); err != nil {
		return err
	}
	for i, ih := range th.secondary {
		if fold(ih.info.Name) == fold(indexName) {
			th.secondary = append(th.secondary[:i], th.secondary[i+1:]...)
			break
		}
	}
	return nil
}

// DropTable removes a table and its indexes, closing its write-ahead log.
func (e *Engine) DropTable(name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	th, ok := e.tables[fold(name)]
	if !ok {
		return errkind.ErrTableNotFound
	}
	if err := e.cat.DropTable(name); err != nil {
		return err
	}
	th.log.Close()
	delete(e.tables, fold(name))
	return nil
}

// ListTables returns every table name, sorted.
func (e *Engine) ListTables() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.cat.ListTables()
}

// TableInfo returns the catalog entry for name.
func (e *Engine) TableInfo(name string) (*catalog.TableInfo, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.cat.GetTable(name)
}

// TableIndexes returns every index defined on name, sorted by name.
func (e *Engine) TableIndexes(name string) ([]*catalog.IndexInfo, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.cat.GetTableIndexes(name)
}

func (e *Engine) tableHandle(name string) (*tableHandle, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	th, ok := e.tables[fold(name)]
	if !ok {
		return nil, errkind.ErrTableNotFound
	}
	return th, nil
}

// checkpoint flushes every dirty page (heap, index, and catalog pages
// alike) then truncates every table's log, matching spec.md §4.9's
// checkpoint contract: a clean checkpoint needs no replay on reopen.
func (e *Engine) checkpoint() error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if err := e.pool.FlushAll(); err != nil {
		return err
	}
	for _, th := range e.tables {
		if err := th.log.Truncate(); err != nil {
			return err
		}
	}
	return nil
}

// Close stops background tasks, checkpoints, and closes every file.
func (e *Engine) Close() error {
	e.scheduler.Stop()
	if err := e.checkpoint(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, th := range e.tables {
		th.log.Close()
	}
	return e.disk.Close()
}

// Session is one client's unit of work: a transaction plus the session
// correlation id CLI/driver layers log against (spec.md §10), grounded in
// tuannm99-novasql's use of google/uuid for request/session ids.
type Session struct {
	ID  string
	txn *txn.Transaction

	began   map[string]bool
	lastLSN map[string]uint64
	undo    []func()
}

// Begin starts a new transaction at the given isolation level.
func (e *Engine) Begin(iso txn.IsolationLevel) *Session {
	t := e.txnMgr.Begin(iso, uuid.NewString())
	return &Session{
		ID:      uuid.NewString(),
		txn:     t,
		began:   make(map[string]bool),
		lastLSN: make(map[string]uint64),
	}
}

// Commit finalizes s's transaction, writes a commit record to every
// table log it touched (so a later crash redo stops treating it as
// active), and releases its locks.
func (e *Engine) Commit(s *Session) {
	e.logTerminal(s, recovery.TypeCommit)
	e.txnMgr.Commit(s.txn)
	s.undo = nil
}

// Abort unwinds every operation s performed, in reverse order, then
// releases its locks. This in-memory undo list is what actually restores
// state; the abort record it also writes exists so a crash mid-abort
// still resolves correctly under internal/recovery's end-of-log undo
// phase (spec.md §9 Open Question 3 only concerns recovery's own redo).
func (e *Engine) Abort(s *Session) {
	for i := len(s.undo) - 1; i >= 0; i-- {
		s.undo[i]()
	}
	s.undo = nil
	e.logTerminal(s, recovery.TypeAbort)
	e.txnMgr.Abort(s.txn)
}

func (e *Engine) logTerminal(s *Session, typ recovery.RecordType) {
	if len(s.began) == 0 {
		return
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	for name := range s.began {
		th, ok := e.tables[fold(name)]
		if !ok {
			continue
		}
		th.log.Append(&recovery.LogRecord{Type: typ, TxnID: uint64(s.txn.ID()), PrevLSN: s.lastLSN[name]})
	}
}

func (e *Engine) appendLog(s *Session, th *tableHandle, typ recovery.RecordType, key, val, newKey, newVal []byte) error {
	name := th.info.Name
	if !s.began[name] {
		if _, err := th.log.Append(&recovery.LogRecord{Type: recovery.TypeBegin, TxnID: uint64(s.txn.ID())}); err != nil {
			return err
		}
		s.began[name] = true
	}
	lsn, err := th.log.Append(&recovery.LogRecord{
		Type: typ, TxnID: uint64(s.txn.ID()), PrevLSN: s.lastLSN[name],
		Key: key, Val: val, NewKey: newKey, NewVal: newVal,
	})
	if err != nil {
		return err
	}
	s.lastLSN[name] = lsn
	return nil
}

// Insert appends row to tableName, acquiring an exclusive lock on the new
// row's RowID per spec.md §4.7 (a fresh row has no prior holders, so this
// lock request always succeeds or deadlocks against nothing).
func (e *Engine) Insert(s *Session, tableName string, row record.Row) (record.RowID, error) {
	th, err := e.tableHandle(tableName)
	if err != nil {
		return record.RowID{}, err
	}

	rid, err := th.heap.Insert(row)
	if err != nil {
		return record.RowID{}, err
	}
	if err := e.lockMgr.LockExclusive(s.txn, rid); err != nil {
		th.heap.MarkDelete(rid)
		th.heap.ApplyDelete(rid)
		return record.RowID{}, err
	}

	key := th.pkKey(row)
	if _, err := th.pk.bt.Insert(key, rowIDArray(rid)); err != nil {
		return record.RowID{}, err
	}
	for _, ih := range th.secondary {
		sk := encodeKey(&th.info.Schema, row, ih.info.ColumnIdxs)
		if _, err := ih.bt.Insert(sk, rowIDArray(rid)); err != nil {
			return record.RowID{}, err
		}
	}

	rowBytes, err := record.MarshalRow(&th.info.Schema, row)
	if err != nil {
		return record.RowID{}, err
	}
	if err := e.appendLog(s, th, recovery.TypeInsert, key, rowBytes, nil, nil); err != nil {
		return record.RowID{}, err
	}

	capturedRid := rid
	s.undo = append(s.undo, func() {
		th.pk.bt.Delete(key)
		for _, ih := range th.secondary {
			sk := encodeKey(&th.info.Schema, row, ih.info.ColumnIdxs)
			ih.bt.Delete(sk)
		}
		th.heap.MarkDelete(capturedRid)
		th.heap.ApplyDelete(capturedRid)
	})
	return rid, nil
}

// Select scans tableName's heap in physical order, applying filter (nil
// keeps every row). Shared locks follow spec.md §4.7/§5: skipped entirely
// under ReadUncommitted (dirty reads), held until commit under
// RepeatableRead, released immediately after each row under ReadCommitted.
// The scan itself runs under the scheduler's bounded reader pool (spec.md
// §5's read_concurrency), capping how many full-table scans run at once.
func (e *Engine) Select(s *Session, tableName string, filter func(record.Row) bool) ([]record.Row, error) {
	th, err := e.tableHandle(tableName)
	if err != nil {
		return nil, err
	}

	var out []record.Row
	err = e.scheduler.RunRead(context.Background(), func() error {
		it := th.heap.Begin()
		for {
			rid, row, ok := it.Next()
			if !ok {
				break
			}
			if s.txn.IsolationLevel() != txn.ReadUncommitted {
				if err := e.lockMgr.LockShared(s.txn, rid); err != nil {
					return err
				}
				if s.txn.IsolationLevel() == txn.ReadCommitted {
					e.lockMgr.Unlock(s.txn, rid)
				}
			}
			if filter == nil || filter(row) {
				out = append(out, row)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// SelectRows is Select plus each row's RowID, used by callers (the CLI's
// predicate-based update/delete) that must name a specific row rather than
// just read its contents.
func (e *Engine) SelectRows(s *Session, tableName string, filter func(record.Row) bool) ([]record.RowID, []record.Row, error) {
	th, err := e.tableHandle(tableName)
	if err != nil {
		return nil, nil, err
	}

	var rids []record.RowID
	var out []record.Row
	err = e.scheduler.RunRead(context.Background(), func() error {
		it := th.heap.Begin()
		for {
			rid, row, ok := it.Next()
			if !ok {
				break
			}
			if s.txn.IsolationLevel() != txn.ReadUncommitted {
				if err := e.lockMgr.LockShared(s.txn, rid); err != nil {
					return err
				}
				if s.txn.IsolationLevel() == txn.ReadCommitted {
					e.lockMgr.Unlock(s.txn, rid)
				}
			}
			if filter == nil || filter(row) {
				rids = append(rids, rid)
				out = append(out, row)
			}
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return rids, out, nil
}

// Update replaces the row at rid with newRow, maintaining every index and
// logging the change as one logical update record.
func (e *Engine) Update(s *Session, tableName string, rid record.RowID, newRow record.Row) error {
	th, err := e.tableHandle(tableName)
	if err != nil {
		return err
	}

	if err := e.acquireForWrite(s, rid); err != nil {
		return err
	}

	oldRow, ok := th.heap.Get(rid)
	if !ok {
		return errors.New("engine: row not found")
	}
	oldKey := th.pkKey(oldRow)
	newKey := th.pkKey(newRow)

	outcome, err := th.heap.Update(newRow, rid)
	if err != nil {
		return err
	}
	finalRid := rid
	if outcome == heap.UpdateInsufficientSpace {
		th.heap.MarkDelete(rid)
		th.heap.ApplyDelete(rid)
		finalRid, err = th.heap.Insert(newRow)
		if err != nil {
			return err
		}
	}
	relocated := finalRid != rid

	if relocated || string(oldKey) != string(newKey) {
		th.pk.bt.Delete(oldKey)
		if _, err := th.pk.bt.Insert(newKey, rowIDArray(finalRid)); err != nil {
			return err
		}
	}
	for _, ih := range th.secondary {
		oldSK := encodeKey(&th.info.Schema, oldRow, ih.info.ColumnIdxs)
		newSK := encodeKey(&th.info.Schema, newRow, ih.info.ColumnIdxs)
		if relocated || string(oldSK) != string(newSK) {
			ih.bt.Delete(oldSK)
			if _, err := ih.bt.Insert(newSK, rowIDArray(finalRid)); err != nil {
				return err
			}
		}
	}

	oldBytes, err := record.MarshalRow(&th.info.Schema, oldRow)
	if err != nil {
		return err
	}
	newBytes, err := record.MarshalRow(&th.info.Schema, newRow)
	if err != nil {
		return err
	}
	if err := e.appendLog(s, th, recovery.TypeUpdate, oldKey, oldBytes, newKey, newBytes); err != nil {
		return err
	}

	s.undo = append(s.undo, func() {
		th.heap.Update(oldRow, finalRid)
		if relocated || string(oldKey) != string(newKey) {
			th.pk.bt.Delete(newKey)
			th.pk.bt.Insert(oldKey, rowIDArray(finalRid))
		}
		for _, ih := range th.secondary {
			oldSK := encodeKey(&th.info.Schema, oldRow, ih.info.ColumnIdxs)
			newSK := encodeKey(&th.info.Schema, newRow, ih.info.ColumnIdxs)
			if relocated || string(oldSK) != string(newSK) {
				ih.bt.Delete(newSK)
				ih.bt.Insert(oldSK, rowIDArray(finalRid))
			}
		}
	})
	return nil
}

// Delete removes the row at rid, maintaining every index.
func (e *Engine) Delete(s *Session, tableName string, rid record.RowID) error {
	th, err := e.tableHandle(tableName)
	if err != nil {
		return err
	}
	if err := e.acquireForWrite(s, rid); err != nil {
		return err
	}

	row, ok := th.heap.Get(rid)
	if !ok {
		return errors.New("engine: row not found")
	}
	key := th.pkKey(row)
	rowBytes, err := record.MarshalRow(&th.info.Schema, row)
	if err != nil {
		return err
	}

	th.heap.MarkDelete(rid)
	th.heap.ApplyDelete(rid)
	th.pk.bt.Delete(key)
	for _, ih := range th.secondary {
		sk := encodeKey(&th.info.Schema, row, ih.info.ColumnIdxs)
		ih.bt.Delete(sk)
	}

	if err := e.appendLog(s, th, recovery.TypeDelete, key, rowBytes, nil, nil); err != nil {
		return err
	}

	s.undo = append(s.undo, func() {
		th.heap.RollbackDelete(rid)
		th.pk.bt.Insert(key, rowIDArray(rid))
		for _, ih := range th.secondary {
			sk := encodeKey(&th.info.Schema, row, ih.info.ColumnIdxs)
			ih.bt.Insert(sk, rowIDArray(rid))
		}
	})
	return nil
}

// acquireForWrite takes an exclusive lock on rid, upgrading from shared if
// s already holds one.
func (e *Engine) acquireForWrite(s *Session, rid record.RowID) error {
	if s.txn.HoldsExclusive(rid) {
		return nil
	}
	if s.txn.HoldsShared(rid) {
		return e.lockMgr.LockUpgrade(s.txn, rid)
	}
	return e.lockMgr.LockExclusive(s.txn, rid)
}
