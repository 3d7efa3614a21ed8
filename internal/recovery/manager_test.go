package recovery

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// memStore is a trivial in-memory Store for exercising Manager.Recover
// without depending on internal/engine.
type memStore struct {
	data map[string][]byte
}

func newMemStore() *memStore { return &memStore{data: make(map[string][]byte)} }

func (s *memStore) Put(key, val []byte) error {
	s.data[string(key)] = append([]byte(nil), val...)
	return nil
}

func (s *memStore) Delete(key []byte) error {
	delete(s.data, string(key))
	return nil
}

func (s *memStore) Get(key []byte) ([]byte, bool) {
	v, ok := s.data[string(key)]
	return v, ok
}

func val(n int) []byte { return []byte{byte(n), byte(n >> 8), byte(n >> 16), byte(n >> 24)} }

func appendRec(t *testing.T, log *Log, r *LogRecord) uint64 {
	t.Helper()
	lsn, err := log.Append(r)
	require.NoError(t, err)
	return lsn
}

// TestRecoverWorkedExample replays spec.md's literal recovery scenario:
// begin(T0), update(T0,A:2000->2050), delete(T0,B,1000), begin(T1),
// [checkpoint@lsn3, active={T0,T1}, data={A:2050}], insert(T1,C,600),
// commit(T1), update(T0,C:600->700), abort(T0), begin(T2),
// insert(T2,D,30000), update(T2,C:600->800).
// Expected after redo+undo: A=2000, B=1000, C=600, D absent.
// LSNs here start at 1, so the checkpoint at lsn3 falls right after
// delete(T0,B) and before begin(T1): only T0 is registered as active at
// it, and redo picks T1 up from its begin record.
func TestRecoverWorkedExample(t *testing.T) {
	dir := t.TempDir()
	log, err := Create(filepath.Join(dir, "log"))
	require.NoError(t, err)
	defer log.Close()

	const T0, T1, T2 = 0, 1, 2

	lsn1 := appendRec(t, log, &LogRecord{Type: TypeBegin, TxnID: T0, PrevLSN: NoLSN})
	lsn2 := appendRec(t, log, &LogRecord{Type: TypeUpdate, TxnID: T0, PrevLSN: lsn1,
		Key: []byte("A"), Val: val(2000), NewKey: []byte("A"), NewVal: val(2050)})
	lsn3 := appendRec(t, log, &LogRecord{Type: TypeDelete, TxnID: T0, PrevLSN: lsn2,
		Key: []byte("B"), Val: val(1000)})
	_ = appendRec(t, log, &LogRecord{Type: TypeBegin, TxnID: T1, PrevLSN: NoLSN})
	lsn5 := appendRec(t, log, &LogRecord{Type: TypeInsert, TxnID: T1, PrevLSN: NoLSN,
		Key: []byte("C"), Val: val(600)})
	appendRec(t, log, &LogRecord{Type: TypeCommit, TxnID: T1, PrevLSN: lsn5})
	lsn7 := appendRec(t, log, &LogRecord{Type: TypeUpdate, TxnID: T0, PrevLSN: lsn3,
		Key: []byte("C"), Val: val(600), NewKey: []byte("C"), NewVal: val(700)})
	appendRec(t, log, &LogRecord{Type: TypeAbort, TxnID: T0, PrevLSN: lsn7})
	lsn9 := appendRec(t, log, &LogRecord{Type: TypeBegin, TxnID: T2, PrevLSN: NoLSN})
	lsn10 := appendRec(t, log, &LogRecord{Type: TypeInsert, TxnID: T2, PrevLSN: lsn9,
		Key: []byte("D"), Val: val(30000)})
	appendRec(t, log, &LogRecord{Type: TypeUpdate, TxnID: T2, PrevLSN: lsn10,
		Key: []byte("C"), Val: val(600), NewKey: []byte("C"), NewVal: val(800)})

	store := newMemStore()
	require.NoError(t, store.Put([]byte("A"), val(2050)))

	mgr := NewManager(log, store)
	cp := NewCheckPoint(lsn3)
	cp.AddActiveTxn(T0, lsn3)
	mgr.Init(cp)

	require.NoError(t, mgr.Recover())

	a, ok := store.Get([]byte("A"))
	require.True(t, ok)
	require.Equal(t, val(2000), a)

	b, ok := store.Get([]byte("B"))
	require.True(t, ok)
	require.Equal(t, val(1000), b)

	c, ok := store.Get([]byte("C"))
	require.True(t, ok)
	require.Equal(t, val(600), c)

	_, ok = store.Get([]byte("D"))
	require.False(t, ok)
}

func TestLogAppendAndReadAll(t *testing.T) {
	dir := t.TempDir()
	log, err := Create(filepath.Join(dir, "log"))
	require.NoError(t, err)
	defer log.Close()

	lsn1 := appendRec(t, log, &LogRecord{Type: TypeBegin, TxnID: 7, PrevLSN: NoLSN})
	appendRec(t, log, &LogRecord{Type: TypeInsert, TxnID: 7, PrevLSN: lsn1,
		Key: []byte("k"), Val: []byte("v")})

	recs, err := log.ReadAll()
	require.NoError(t, err)
	require.Len(t, recs, 2)
	require.Equal(t, TypeBegin, recs[0].Type)
	require.Equal(t, TypeInsert, recs[1].Type)
	require.Equal(t, []byte("k"), recs[1].Key)
}

func TestLogTruncate(t *testing.T) {
	dir := t.TempDir()
	log, err := Create(filepath.Join(dir, "log"))
	require.NoError(t, err)
	defer log.Close()

	appendRec(t, log, &LogRecord{Type: TypeBegin, TxnID: 1, PrevLSN: NoLSN})
	require.NoError(t, log.Truncate())

	recs, err := log.ReadAll()
	require.NoError(t, err)
	require.Empty(t, recs)
}
