package catalog

import (
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/minisql-go/minisql/internal/errkind"
	"github.com/minisql-go/minisql/internal/record"
	"github.com/minisql-go/minisql/internal/storage/page"
)

const metaMagic = "CAT1"
const tableMetaMagic = "TBM1"
const indexMetaMagic = "IXM1"

// catalogMeta is the decoded form of the catalog's page-0 layout: magic,
// next_table_id, next_index_id, table_count, index_count, then (table_id,
// page_id) and (index_id, page_id) pairs. The two next-id counters sit
// between the magic and the counts, so the counts are not at offset 4.
// Grounded in original_source's CatalogMeta::SerializeTo.
type catalogMeta struct {
	nextTableID TableID
	nextIndexID IndexID
	tablePages  map[TableID]page.ID
	indexPages  map[IndexID]page.ID
}

func marshalMeta(m *catalogMeta, buf []byte) {
	off := page.HeaderSize
	copy(buf[off:off+4], metaMagic)
	off += 4
	binary.LittleEndian.PutUint32(buf[off:], uint32(m.nextTableID))
	off += 4
	binary.LittleEndian.PutUint32(buf[off:], uint32(m.nextIndexID))
	off += 4
	binary.LittleEndian.PutUint32(buf[off:], uint32(len(m.tablePages)))
	off += 4
	binary.LittleEndian.PutUint32(buf[off:], uint32(len(m.indexPages)))
	off += 4

	for id, pid := range m.tablePages {
		binary.LittleEndian.PutUint32(buf[off:], uint32(id))
		off += 4
		binary.LittleEndian.PutUint32(buf[off:], uint32(pid))
		off += 4
	}
	for id, pid := range m.indexPages {
		binary.LittleEndian.PutUint32(buf[off:], uint32(id))
		off += 4
		binary.LittleEndian.PutUint32(buf[off:], uint32(pid))
		off += 4
	}
}

func unmarshalMeta(buf []byte) (*catalogMeta, error) {
	off := page.HeaderSize
	if string(buf[off:off+4]) != metaMagic {
		return nil, errkind.ErrCorrupt
	}
	off += 4
	m := &catalogMeta{tablePages: make(map[TableID]page.ID), indexPages: make(map[IndexID]page.ID)}
	m.nextTableID = TableID(binary.LittleEndian.Uint32(buf[off:]))
	off += 4
	m.nextIndexID = IndexID(binary.LittleEndian.Uint32(buf[off:]))
	off += 4
	tableCount := binary.LittleEndian.Uint32(buf[off:])
	off += 4
	indexCount := binary.LittleEndian.Uint32(buf[off:])
	off += 4

	for i := uint32(0); i < tableCount; i++ {
		id := TableID(binary.LittleEndian.Uint32(buf[off:]))
		off += 4
		pid := page.ID(binary.LittleEndian.Uint32(buf[off:]))
		off += 4
		m.tablePages[id] = pid
	}
	for i := uint32(0); i < indexCount; i++ {
		id := IndexID(binary.LittleEndian.Uint32(buf[off:]))
		off += 4
		pid := page.ID(binary.LittleEndian.Uint32(buf[off:]))
		off += 4
		m.indexPages[id] = pid
	}
	return m, nil
}

func (c *Catalog) flushMetaLocked() error {
	h, ok := c.pool.Fetch(c.metaPageID)
	if !ok {
		return errors.New("catalog: meta page not in buffer pool")
	}
	m := &catalogMeta{
		nextTableID: c.nextTableID,
		nextIndexID: c.nextIndexID,
		tablePages:  c.tableMetaPage,
		indexPages:  c.indexMetaPage,
	}
	page.MarshalHeader(&page.Header{Type: page.TypeCatalog, ID: c.metaPageID}, h.Buf)
	marshalMeta(m, h.Buf)
	c.pool.Unpin(c.metaPageID, true)
	return nil
}

// Table metadata page: magic, table_id, first_page_id, fsm_page_id,
// name_len, name bytes, then a marshaled Schema (internal/record's own
// MarshalSchema codec).
func marshalTableMeta(ti *TableInfo, buf []byte) {
	off := page.HeaderSize
	copy(buf[off:off+4], tableMetaMagic)
	off += 4
	binary.LittleEndian.PutUint32(buf[off:], uint32(ti.ID))
	off += 4
	binary.LittleEndian.PutUint32(buf[off:], uint32(ti.FirstPageID))
	off += 4
	binary.LittleEndian.PutUint32(buf[off:], uint32(ti.FSMPageID))
	off += 4
	binary.LittleEndian.PutUint32(buf[off:], uint32(len(ti.Name)))
	off += 4
	off += copy(buf[off:], ti.Name)
	copy(buf[off:], record.MarshalSchema(&ti.Schema))
}

func unmarshalTableMeta(buf []byte) (*TableInfo, error) {
	off := page.HeaderSize
	if string(buf[off:off+4]) != tableMetaMagic {
		return nil, errkind.ErrCorrupt
	}
	off += 4
	ti := &TableInfo{}
	ti.ID = TableID(binary.LittleEndian.Uint32(buf[off:]))
	off += 4
	ti.FirstPageID = page.ID(binary.LittleEndian.Uint32(buf[off:]))
	off += 4
	ti.FSMPageID = page.ID(binary.LittleEndian.Uint32(buf[off:]))
	off += 4
	nameLen := binary.LittleEndian.Uint32(buf[off:])
	off += 4
	ti.Name = string(buf[off : off+int(nameLen)])
	off += int(nameLen)
	schema, _, err := record.UnmarshalSchema(buf[off:])
	if err != nil {
		return nil, err
	}
	ti.Schema = *schema
	return ti, nil
}

// Index metadata page: magic, index_id, table_id, name_len, name bytes,
// column_count, column indices.
func marshalIndexMeta(ii *IndexInfo, buf []byte) {
	off := page.HeaderSize
	copy(buf[off:off+4], indexMetaMagic)
	off += 4
	binary.LittleEndian.PutUint32(buf[off:], uint32(ii.ID))
	off += 4
	binary.LittleEndian.PutUint32(buf[off:], uint32(ii.TableID))
	off += 4
	binary.LittleEndian.PutUint32(buf[off:], uint32(len(ii.Name)))
	off += 4
	off += copy(buf[off:], ii.Name)
	binary.LittleEndian.PutUint32(buf[off:], uint32(len(ii.ColumnIdxs)))
	off += 4
	for _, idx := range ii.ColumnIdxs {
		binary.LittleEndian.PutUint32(buf[off:], uint32(idx))
		off += 4
	}
}

func unmarshalIndexMeta(buf []byte) (*IndexInfo, error) {
	off := page.HeaderSize
	if string(buf[off:off+4]) != indexMetaMagic {
		return nil, errkind.ErrCorrupt
	}
	off += 4
	ii := &IndexInfo{}
	ii.ID = IndexID(binary.LittleEndian.Uint32(buf[off:]))
	off += 4
	ii.TableID = TableID(binary.LittleEndian.Uint32(buf[off:]))
	off += 4
	nameLen := binary.LittleEndian.Uint32(buf[off:])
	off += 4
	ii.Name = string(buf[off : off+int(nameLen)])
	off += int(nameLen)
	colCount := binary.LittleEndian.Uint32(buf[off:])
	off += 4
	ii.ColumnIdxs = make([]int, colCount)
	for i := uint32(0); i < colCount; i++ {
		ii.ColumnIdxs[i] = int(binary.LittleEndian.Uint32(buf[off:]))
		off += 4
	}
	return ii, nil
}
