// Package catalog tracks every table and index in the database: names,
// first-page pointers, and schemas, persisted as a binary page-0 layout
// plus per-object metadata pages. Grounded in spec.md §4.6/§6 for the wire
// format (the teacher's pager.Catalog, JSON-encoded entries inside a
// B+Tree, has no equivalent fixed layout) and in
// original_source/src/catalog/catalog.cpp for the dual by-name/by-id map
// shape and the create/drop error paths.
package catalog

import (
	"sort"
	"sync"

	"golang.org/x/exp/slices"
	"golang.org/x/text/cases"

	"github.com/minisql-go/minisql/internal/errkind"
	"github.com/minisql-go/minisql/internal/record"
	"github.com/minisql-go/minisql/internal/storage/buffer"
	"github.com/minisql-go/minisql/internal/storage/page"
)

var foldCaser = cases.Fold()

func fold(name string) string { return foldCaser.String(name) }

// TableID and IndexID are catalog-assigned object identifiers, distinct
// from page.ID (a table/index may span many pages).
type TableID uint32
type IndexID uint32

// TableInfo is everything the catalog and engine need to operate on one
// table: its id, name, schema, and its table heap's first page.
type TableInfo struct {
	ID          TableID
	Name        string
	FirstPageID page.ID
	FSMPageID   page.ID
	Schema      record.Schema
}

// IndexInfo describes one bptree index over a table's columns.
type IndexInfo struct {
	ID          IndexID
	Name        string
	TableID     TableID
	TableName   string
	ColumnIdxs  []int
	MetaPageID  page.ID
}

// Catalog is the single source of truth for table/index existence and
// layout, kept consistent with the on-disk metadata pages in pool.
type Catalog struct {
	mu   sync.RWMutex
	pool *buffer.Pool

	nextTableID TableID
	nextIndexID IndexID

	tables     map[TableID]*TableInfo
	tableNames map[string]TableID // folded name -> id

	indexes     map[IndexID]*IndexInfo
	indexNames  map[string]map[string]IndexID // folded table name -> folded index name -> id
	tableIndexes map[TableID][]IndexID

	tableMetaPage map[TableID]page.ID
	indexMetaPage map[IndexID]page.ID

	metaPageID page.ID
}

// Create initializes a fresh, empty catalog backed by a new meta page.
func Create(pool *buffer.Pool) (*Catalog, error) {
	h, ok := pool.NewPage(page.TypeCatalog)
	if !ok {
		return nil, buffer.ErrBufferFull
	}
	c := newCatalog(pool, h.PageID)
	if err := c.flushMetaLocked(); err != nil {
		return nil, err
	}
	pool.Unpin(h.PageID, true)
	return c, nil
}

func newCatalog(pool *buffer.Pool, metaPageID page.ID) *Catalog {
	return &Catalog{
		pool:          pool,
		metaPageID:    metaPageID,
		tables:        make(map[TableID]*TableInfo),
		tableNames:    make(map[string]TableID),
		indexes:       make(map[IndexID]*IndexInfo),
		indexNames:    make(map[string]map[string]IndexID),
		tableIndexes:  make(map[TableID][]IndexID),
		tableMetaPage: make(map[TableID]page.ID),
		indexMetaPage: make(map[IndexID]page.ID),
	}
}

// Open reconstructs a catalog from an existing meta page, loading every
// table and index metadata page it points to.
func Open(pool *buffer.Pool, metaPageID page.ID) (*Catalog, error) {
	c := newCatalog(pool, metaPageID)

	h, ok := pool.Fetch(metaPageID)
	if !ok {
		return nil, buffer.ErrBufferFull
	}
	meta, err := unmarshalMeta(h.Buf)
	pool.Unpin(metaPageID, false)
	if err != nil {
		return nil, err
	}
	c.nextTableID = meta.nextTableID
	c.nextIndexID = meta.nextIndexID

	for tableID, pageID := range meta.tablePages {
		th, ok := pool.Fetch(pageID)
		if !ok {
			return nil, buffer.ErrBufferFull
		}
		ti, err := unmarshalTableMeta(th.Buf)
		pool.Unpin(pageID, false)
		if err != nil {
			return nil, err
		}
		ti.ID = tableID
		c.tables[tableID] = ti
		c.tableNames[fold(ti.Name)] = tableID
		c.tableMetaPage[tableID] = pageID
	}

	for indexID, pageID := range meta.indexPages {
		ih, ok := pool.Fetch(pageID)
		if !ok {
			return nil, buffer.ErrBufferFull
		}
		ii, err := unmarshalIndexMeta(ih.Buf)
		pool.Unpin(pageID, false)
		if err != nil {
			return nil, err
		}
		ii.ID = indexID
		ii.MetaPageID = pageID
		c.indexMetaPage[indexID] = pageID
		table, ok := c.tables[ii.TableID]
		if ok {
			ii.TableName = table.Name
		}
		c.indexes[indexID] = ii
		c.tableIndexes[ii.TableID] = append(c.tableIndexes[ii.TableID], indexID)
		if c.indexNames[fold(ii.TableName)] == nil {
			c.indexNames[fold(ii.TableName)] = make(map[string]IndexID)
		}
		c.indexNames[fold(ii.TableName)][fold(ii.Name)] = indexID
	}

	return c, nil
}

// MetaPageID returns the catalog's fixed meta page (page 0 by convention).
func (c *Catalog) MetaPageID() page.ID { return c.metaPageID }

// CreateTable registers a new table with the given schema, recording the
// caller-allocated first table-heap page and free-space-map root, and
// allocates a metadata page for it. Grounded in catalog.cpp's CreateTable
// duplicate-name check and id assignment order.
func (c *Catalog) CreateTable(name string, schema record.Schema, firstPageID, fsmPageID page.ID) (*TableInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := fold(name)
	if _, exists := c.tableNames[key]; exists {
		return nil, errkind.ErrDuplicateTable
	}

	c.nextTableID++
	id := c.nextTableID
	ti := &TableInfo{ID: id, Name: name, FirstPageID: firstPageID, FSMPageID: fsmPageID, Schema: schema}

	h, ok := c.pool.NewPage(page.TypeCatalog)
	if !ok {
		return nil, buffer.ErrBufferFull
	}
	marshalTableMeta(ti, h.Buf)
	c.pool.Unpin(h.PageID, true)

	c.tables[id] = ti
	c.tableNames[key] = id
	c.tableMetaPage[id] = h.PageID

	if err := c.flushMetaLocked(); err != nil {
		return nil, err
	}
	return ti, nil
}

// GetTable looks up a table by name.
func (c *Catalog) GetTable(name string) (*TableInfo, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	id, ok := c.tableNames[fold(name)]
	if !ok {
		return nil, errkind.ErrTableNotFound
	}
	return c.tables[id], nil
}

// GetTableByID looks up a table by its numeric id — supplemented from
// original_source, which keeps both a by-name and by-id path.
func (c *Catalog) GetTableByID(id TableID) (*TableInfo, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ti, ok := c.tables[id]
	if !ok {
		return nil, errkind.ErrTableNotFound
	}
	return ti, nil
}

// ListTables returns every table name, sorted, via golang.org/x/exp/slices.
func (c *Catalog) ListTables() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.tables))
	for _, ti := range c.tables {
		names = append(names, ti.Name)
	}
	slices.SortFunc(names, func(a, b string) int {
		switch {
		case a < b:
			return -1
		case a > b:
			return 1
		default:
			return 0
		}
	})
	return names
}

// DropTable removes a table and every index built on it.
func (c *Catalog) DropTable(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := fold(name)
	id, ok := c.tableNames[key]
	if !ok {
		return errkind.ErrTableNotFound
	}

	for _, idxID := range append([]IndexID(nil), c.tableIndexes[id]...) {
		idx := c.indexes[idxID]
		delete(c.indexNames[key], fold(idx.Name))
		delete(c.indexes, idxID)
		delete(c.indexMetaPage, idxID)
	}
	delete(c.tableIndexes, id)
	delete(c.tables, id)
	delete(c.tableNames, key)
	delete(c.tableMetaPage, id)

	return c.flushMetaLocked()
}

// CreateIndex registers a bptree index over the named columns of table.
// Only "bptree" is supported, matching catalog.cpp's CreateIndex check.
func (c *Catalog) CreateIndex(tableName, indexName, indexType string, columns []string, metaPageID page.ID) (*IndexInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if indexType != "bptree" {
		return nil, errkind.ErrUnsupportedIndex
	}

	tkey := fold(tableName)
	tableID, ok := c.tableNames[tkey]
	if !ok {
		return nil, errkind.ErrTableNotFound
	}
	ti := c.tables[tableID]

	if c.indexNames[tkey] == nil {
		c.indexNames[tkey] = make(map[string]IndexID)
	}
	ikey := fold(indexName)
	if _, exists := c.indexNames[tkey][ikey]; exists {
		return nil, errkind.ErrDuplicateIndex
	}

	idxs := make([]int, 0, len(columns))
	for _, col := range columns {
		i, err := ti.Schema.ColumnIndex(col)
		if err != nil {
			return nil, err
		}
		idxs = append(idxs, i)
	}

	c.nextIndexID++
	id := c.nextIndexID
	ii := &IndexInfo{
		ID: id, Name: indexName, TableID: tableID, TableName: ti.Name,
		ColumnIdxs: idxs, MetaPageID: metaPageID,
	}

	h, ok := c.pool.Fetch(metaPageID)
	if !ok {
		return nil, buffer.ErrBufferFull
	}
	marshalIndexMeta(ii, h.Buf)
	c.pool.Unpin(metaPageID, true)

	c.indexes[id] = ii
	c.indexNames[tkey][ikey] = id
	c.tableIndexes[tableID] = append(c.tableIndexes[tableID], id)
	c.indexMetaPage[id] = metaPageID

	if err := c.flushMetaLocked(); err != nil {
		return nil, err
	}
	return ii, nil
}

// GetIndex looks up an index by table and index name.
func (c *Catalog) GetIndex(tableName, indexName string) (*IndexInfo, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	byName, ok := c.indexNames[fold(tableName)]
	if !ok {
		return nil, errkind.ErrIndexNotFound
	}
	id, ok := byName[fold(indexName)]
	if !ok {
		return nil, errkind.ErrIndexNotFound
	}
	return c.indexes[id], nil
}

// GetTableIndexes returns every index built on table, sorted by name.
func (c *Catalog) GetTableIndexes(tableName string) ([]*IndexInfo, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	id, ok := c.tableNames[fold(tableName)]
	if !ok {
		return nil, errkind.ErrTableNotFound
	}
	out := make([]*IndexInfo, 0, len(c.tableIndexes[id]))
	for _, idxID := range c.tableIndexes[id] {
		out = append(out, c.indexes[idxID])
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// DropIndex removes a single named index.
func (c *Catalog) DropIndex(tableName, indexName string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	tkey := fold(tableName)
	byName, ok := c.indexNames[tkey]
	if !ok {
		return errkind.ErrIndexNotFound
	}
	ikey := fold(indexName)
	id, ok := byName[ikey]
	if !ok {
		return errkind.ErrIndexNotFound
	}

	idx := c.indexes[id]
	delete(byName, ikey)
	delete(c.indexes, id)
	delete(c.indexMetaPage, id)
	remaining := c.tableIndexes[idx.TableID][:0]
	for _, existing := range c.tableIndexes[idx.TableID] {
		if existing != id {
			remaining = append(remaining, existing)
		}
	}
	c.tableIndexes[idx.TableID] = remaining

	return c.flushMetaLocked()
}

// FlushMeta rewrites the catalog meta page from current in-memory state.
func (c *Catalog) FlushMeta() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.flushMetaLocked()
}
