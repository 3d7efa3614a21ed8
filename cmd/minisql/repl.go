package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/minisql-go/minisql/internal/catalog"
	"github.com/minisql-go/minisql/internal/engine"
	"github.com/minisql-go/minisql/internal/record"
	"github.com/minisql-go/minisql/internal/txn"
)

var errQuit = errors.New("quit")

// repl holds the one database an interactive session has open at a time
// (spec.md §6's `use database` command), plus the directory every
// database file lives under.
type repl struct {
	dataDir string
	cfg     engine.Config

	dbName string
	eng    *engine.Engine
}

func newREPL(dataDir string, cfg engine.Config) *repl {
	return &repl{dataDir: dataDir, cfg: cfg}
}

func (r *repl) dbPath(name string) string {
	return filepath.Join(r.dataDir, name+".db")
}

func (r *repl) closeDatabase() {
	if r.eng != nil {
		r.eng.Close()
		r.eng = nil
		r.dbName = ""
	}
}

func (r *repl) requireDatabase() (*engine.Engine, error) {
	if r.eng == nil {
		return nil, errors.New("no database selected (use `use database <name>;`)")
	}
	return r.eng, nil
}

// execute parses and runs one statement (the ';' has already been
// stripped). This is the entire "parser": a first-keyword dispatch plus
// small per-command tokenizers, deliberately not a SQL grammar (spec.md's
// Out-of-scope list excludes SQL parsing from the storage core).
func (r *repl) execute(stmt string) error {
	fields := tokenize(stmt)
	if len(fields) == 0 {
		return nil
	}
	kw := strings.ToLower(fields[0])

	switch kw {
	case "quit", "exit":
		return errQuit
	case "execfile":
		if len(fields) < 2 {
			return errors.New("usage: execfile <path>")
		}
		return r.execFile(fields[1])
	case "create":
		return r.create(fields[1:])
	case "use":
		return r.use(fields[1:])
	case "show":
		return r.show(fields[1:])
	case "drop":
		return r.drop(fields[1:])
	case "insert":
		return r.insert(fields[1:])
	case "select":
		return r.selectRows(fields[1:])
	case "update":
		return r.update(fields[1:])
	case "delete":
		return r.deleteRows(fields[1:])
	default:
		return fmt.Errorf("unrecognized command %q", fields[0])
	}
}

func (r *repl) execFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	for _, stmt := range strings.Split(string(data), ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" || strings.HasPrefix(stmt, "--") {
			continue
		}
		fmt.Println(r.promptLabel() + stmt + ";")
		if err := r.execute(stmt); err != nil {
			if err == errQuit {
				return err
			}
			fmt.Fprintln(os.Stderr, "ERR:", err)
		}
	}
	return nil
}

func (r *repl) promptLabel() string {
	if r.dbName != "" {
		return r.dbName + "> "
	}
	return "minisql> "
}

// ---- database/table/index DDL ----

func (r *repl) create(fields []string) error {
	if len(fields) == 0 {
		return errors.New("usage: create database|table|index ...")
	}
	switch strings.ToLower(fields[0]) {
	case "database":
		if len(fields) < 2 {
			return errors.New("usage: create database <name>")
		}
		name := fields[1]
		path := r.dbPath(name)
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("database %q already exists", name)
		}
		e, err := engine.Open(path, r.cfg)
		if err != nil {
			return err
		}
		e.Close()
		fmt.Printf("database %q created\n", name)
		return nil
	case "table":
		return r.createTable(fields[1:])
	case "index":
		return r.createIndex(fields[1:])
	}
	return fmt.Errorf("unrecognized create target %q", fields[0])
}

// createTable parses: create table NAME (col type[(len)] [null|notnull] [unique], ...)
func (r *repl) createTable(fields []string) error {
	eng, err := r.requireDatabase()
	if err != nil {
		return err
	}
	if len(fields) < 2 {
		return errors.New("usage: create table <name> (col type, ...)")
	}
	name := fields[0]
	colsRaw := strings.Join(fields[1:], " ")
	colsRaw = strings.TrimSpace(colsRaw)
	colsRaw = strings.TrimPrefix(colsRaw, "(")
	colsRaw = strings.TrimSuffix(colsRaw, ")")

	schema := record.Schema{}
	for i, part := range splitTopLevelCommas(colsRaw) {
		col, err := parseColumnDef(strings.TrimSpace(part))
		if err != nil {
			return err
		}
		col.TableIndex = uint32(i)
		schema.Columns = append(schema.Columns, col)
	}
	if len(schema.Columns) == 0 {
		return errors.New("create table: at least one column required")
	}

	if _, err := eng.CreateTable(name, schema); err != nil {
		return err
	}
	fmt.Printf("table %q created\n", name)
	return nil
}

func parseColumnDef(def string) (record.Column, error) {
	toks := strings.Fields(def)
	if len(toks) < 2 {
		return record.Column{}, fmt.Errorf("bad column definition %q", def)
	}
	col := record.Column{Name: toks[0], Nullable: true}

	typeTok := toks[1]
	length := uint32(0)
	if idx := strings.IndexByte(typeTok, '('); idx >= 0 {
		lenStr := strings.TrimSuffix(typeTok[idx+1:], ")")
		n, err := strconv.Atoi(lenStr)
		if err != nil {
			return record.Column{}, fmt.Errorf("bad char length in %q", typeTok)
		}
		length = uint32(n)
		typeTok = typeTok[:idx]
	}

	switch strings.ToLower(typeTok) {
	case "int", "integer":
		col.Type = record.ColInt
	case "float", "double":
		col.Type = record.ColFloat
	case "char", "varchar":
		col.Type = record.ColChar
		if length == 0 {
			length = 64
		}
		col.Length = length
	default:
		return record.Column{}, fmt.Errorf("unknown column type %q", typeTok)
	}

	for _, tok := range toks[2:] {
		switch strings.ToLower(tok) {
		case "null":
			col.Nullable = true
		case "notnull", "not_null":
			col.Nullable = false
		case "unique":
			col.Unique = true
		}
	}
	return col, nil
}

// createIndex parses: create index NAME on TABLE (col, ...)
func (r *repl) createIndex(fields []string) error {
	eng, err := r.requireDatabase()
	if err != nil {
		return err
	}
	if len(fields) < 4 || strings.ToLower(fields[1]) != "on" {
		return errors.New("usage: create index <name> on <table> (col, ...)")
	}
	indexName := fields[0]
	tableName := fields[2]
	colsRaw := strings.Join(fields[3:], " ")
	colsRaw = strings.TrimSpace(colsRaw)
	colsRaw = strings.TrimPrefix(colsRaw, "(")
	colsRaw = strings.TrimSuffix(colsRaw, ")")

	var cols []string
	for _, c := range splitTopLevelCommas(colsRaw) {
		cols = append(cols, strings.TrimSpace(c))
	}

	if _, err := eng.CreateIndex(tableName, indexName, cols); err != nil {
		return err
	}
	fmt.Printf("index %q created on %q\n", indexName, tableName)
	return nil
}

func (r *repl) use(fields []string) error {
	if len(fields) < 2 || strings.ToLower(fields[0]) != "database" {
		return errors.New("usage: use database <name>")
	}
	name := fields[1]
	path := r.dbPath(name)
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("database %q does not exist", name)
	}
	r.closeDatabase()
	e, err := engine.Open(path, r.cfg)
	if err != nil {
		return err
	}
	r.eng = e
	r.dbName = name
	fmt.Printf("using database %q\n", name)
	return nil
}

func (r *repl) show(fields []string) error {
	if len(fields) == 0 {
		return errors.New("usage: show database|databases|table|tables|index|indexes ...")
	}
	switch strings.ToLower(fields[0]) {
	case "databases", "database":
		entries, err := os.ReadDir(r.dataDir)
		if err != nil {
			return err
		}
		var names []string
		for _, e := range entries {
			if !e.IsDir() && strings.HasSuffix(e.Name(), ".db") {
				names = append(names, strings.TrimSuffix(e.Name(), ".db"))
			}
		}
		sort.Strings(names)
		for _, n := range names {
			fmt.Println(n)
		}
		return nil
	case "tables", "table":
		eng, err := r.requireDatabase()
		if err != nil {
			return err
		}
		names := eng.ListTables()
		sort.Strings(names)
		for _, n := range names {
			fmt.Println(n)
		}
		return nil
	case "indexes", "index":
		eng, err := r.requireDatabase()
		if err != nil {
			return err
		}
		if len(fields) < 2 {
			return errors.New("usage: show indexes <table>")
		}
		idxs, err := eng.TableIndexes(fields[1])
		if err != nil {
			return err
		}
		for _, ix := range idxs {
			fmt.Println(ix.Name)
		}
		return nil
	}
	return fmt.Errorf("unrecognized show target %q", fields[0])
}

func (r *repl) drop(fields []string) error {
	if len(fields) == 0 {
		return errors.New("usage: drop database|table|index ...")
	}
	switch strings.ToLower(fields[0]) {
	case "database":
		if len(fields) < 2 {
			return errors.New("usage: drop database <name>")
		}
		name := fields[1]
		if r.dbName == name {
			r.closeDatabase()
		}
		if err := os.Remove(r.dbPath(name)); err != nil {
			return err
		}
		fmt.Printf("database %q dropped\n", name)
		return nil
	case "table":
		eng, err := r.requireDatabase()
		if err != nil {
			return err
		}
		if len(fields) < 2 {
			return errors.New("usage: drop table <name>")
		}
		if err := eng.DropTable(fields[1]); err != nil {
			return err
		}
		fmt.Printf("table %q dropped\n", fields[1])
		return nil
	case "index":
		eng, err := r.requireDatabase()
		if err != nil {
			return err
		}
		if len(fields) < 3 {
			return errors.New("usage: drop index <table> <name>")
		}
		if err := eng.DropIndex(fields[1], fields[2]); err != nil {
			return err
		}
		fmt.Printf("index %q dropped\n", fields[2])
		return nil
	}
	return fmt.Errorf("unrecognized drop target %q", fields[0])
}

// ---- DML ----

// insert parses: insert into TABLE values (v1, v2, ...)
func (r *repl) insert(fields []string) error {
	eng, err := r.requireDatabase()
	if err != nil {
		return err
	}
	if len(fields) < 3 || strings.ToLower(fields[0]) != "into" || strings.ToLower(fields[2]) != "values" {
		return errors.New("usage: insert into <table> values (v1, v2, ...)")
	}
	tableName := fields[1]
	valuesFields := fields[3:]

	info, err := eng.TableInfo(tableName)
	if err != nil {
		return err
	}

	raw := strings.Join(valuesFields, " ")
	raw = strings.TrimSpace(raw)
	raw = strings.TrimPrefix(raw, "(")
	raw = strings.TrimSuffix(raw, ")")

	parts := splitTopLevelCommas(raw)
	if len(parts) != len(info.Schema.Columns) {
		return fmt.Errorf("insert: %d values for %d columns", len(parts), len(info.Schema.Columns))
	}
	row := record.Row{Fields: make([]record.Field, len(parts))}
	for i, p := range parts {
		f, err := parseLiteral(strings.TrimSpace(p), info.Schema.Columns[i])
		if err != nil {
			return err
		}
		row.Fields[i] = f
	}

	s := eng.Begin(r.isolation())
	rid, err := eng.Insert(s, tableName, row)
	if err != nil {
		eng.Abort(s)
		return err
	}
	eng.Commit(s)
	fmt.Printf("inserted (page=%d, slot=%d)\n", rid.PageID, rid.Slot)
	return nil
}

// selectRows parses: select from TABLE [where col op val]
func (r *repl) selectRows(fields []string) error {
	eng, err := r.requireDatabase()
	if err != nil {
		return err
	}
	if len(fields) < 2 || strings.ToLower(fields[0]) != "from" {
		return errors.New("usage: select from <table> [where col op val]")
	}
	tableName := fields[1]
	info, err := eng.TableInfo(tableName)
	if err != nil {
		return err
	}

	filter, err := r.whereFilter(info, fields[2:])
	if err != nil {
		return err
	}

	s := eng.Begin(r.isolation())
	rows, err := eng.Select(s, tableName, filter)
	if err != nil {
		eng.Abort(s)
		return err
	}
	eng.Commit(s)

	printHeader(info)
	for _, row := range rows {
		printRow(info, row)
	}
	fmt.Printf("(%d rows)\n", len(rows))
	return nil
}

// update parses: update TABLE set col=val[,col=val...] where col op val
func (r *repl) update(fields []string) error {
	eng, err := r.requireDatabase()
	if err != nil {
		return err
	}
	if len(fields) < 2 {
		return errors.New("usage: update <table> set col=val where col op val")
	}
	tableName := fields[0]
	if strings.ToLower(fields[1]) != "set" {
		return errors.New("usage: update <table> set col=val where col op val")
	}
	info, err := eng.TableInfo(tableName)
	if err != nil {
		return err
	}

	rest := fields[2:]
	whereIdx := indexOfKeyword(rest, "where")
	setFields := rest
	var whereClauseFields []string
	if whereIdx >= 0 {
		setFields = rest[:whereIdx]
		whereClauseFields = rest[whereIdx:] // keep the "where" keyword itself
	}

	assigns := splitTopLevelCommas(strings.Join(setFields, " "))
	updates := map[int]record.Field{}
	for _, a := range assigns {
		col, val, ok := strings.Cut(a, "=")
		if !ok {
			return fmt.Errorf("bad set clause %q", a)
		}
		idx, err := info.Schema.ColumnIndex(strings.TrimSpace(col))
		if err != nil {
			return err
		}
		f, err := parseLiteral(strings.TrimSpace(val), info.Schema.Columns[idx])
		if err != nil {
			return err
		}
		updates[idx] = f
	}

	filter, err := r.whereFilter(info, whereClauseFields)
	if err != nil {
		return err
	}

	s := eng.Begin(r.isolation())
	rids, rows, err := eng.SelectRows(s, tableName, filter)
	if err != nil {
		eng.Abort(s)
		return err
	}
	for i, rid := range rids {
		newRow := record.Row{Fields: append([]record.Field(nil), rows[i].Fields...)}
		for idx, f := range updates {
			newRow.Fields[idx] = f
		}
		if err := eng.Update(s, tableName, rid, newRow); err != nil {
			eng.Abort(s)
			return err
		}
	}
	eng.Commit(s)
	fmt.Printf("%d rows updated\n", len(rids))
	return nil
}

// deleteRows parses: delete from TABLE where col op val
func (r *repl) deleteRows(fields []string) error {
	eng, err := r.requireDatabase()
	if err != nil {
		return err
	}
	if len(fields) < 2 || strings.ToLower(fields[0]) != "from" {
		return errors.New("usage: delete from <table> where col op val")
	}
	tableName := fields[1]
	info, err := eng.TableInfo(tableName)
	if err != nil {
		return err
	}

	filter, err := r.whereFilter(info, fields[2:])
	if err != nil {
		return err
	}

	s := eng.Begin(r.isolation())
	rids, _, err := eng.SelectRows(s, tableName, filter)
	if err != nil {
		eng.Abort(s)
		return err
	}
	for _, rid := range rids {
		if err := eng.Delete(s, tableName, rid); err != nil {
			eng.Abort(s)
			return err
		}
	}
	eng.Commit(s)
	fmt.Printf("%d rows deleted\n", len(rids))
	return nil
}

func (r *repl) isolation() txn.IsolationLevel {
	switch strings.ToLower(r.cfg.DefaultIsolation) {
	case "read-uncommitted":
		return txn.ReadUncommitted
	case "read-committed":
		return txn.ReadCommitted
	default:
		return txn.RepeatableRead
	}
}

// whereFilter turns `where col op val` (op in {=, !=, <, <=, >, >=}) into a
// predicate over record.Row; an empty clause matches every row.
func (r *repl) whereFilter(info *catalog.TableInfo, fields []string) (func(record.Row) bool, error) {
	if len(fields) == 0 {
		return nil, nil
	}
	if strings.ToLower(fields[0]) != "where" {
		return nil, fmt.Errorf("expected \"where\", got %q", fields[0])
	}
	clause := strings.Join(fields[1:], " ")
	col, op, valStr, err := splitWhereClause(clause)
	if err != nil {
		return nil, err
	}
	idx, err := info.Schema.ColumnIndex(col)
	if err != nil {
		return nil, err
	}
	target, err := parseLiteral(valStr, info.Schema.Columns[idx])
	if err != nil {
		return nil, err
	}
	colType := info.Schema.Columns[idx].Type
	return func(row record.Row) bool {
		return compareField(row.Fields[idx], target, colType, op)
	}, nil
}
