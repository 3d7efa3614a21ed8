package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/minisql-go/minisql/internal/catalog"
	"github.com/minisql-go/minisql/internal/record"
)

// tokenize splits a statement on whitespace while keeping a parenthesized
// group (e.g. a column list or a values list) as one token and quoted
// strings intact, so downstream parsers can re-split it themselves.
func tokenize(stmt string) []string {
	var out []string
	var cur strings.Builder
	depth := 0
	inQuote := false
	flush := func() {
		if cur.Len() > 0 {
			out = append(out, cur.String())
			cur.Reset()
		}
	}
	for _, r := range stmt {
		switch {
		case inQuote:
			cur.WriteRune(r)
			if r == '\'' {
				inQuote = false
			}
		case r == '\'':
			inQuote = true
			cur.WriteRune(r)
		case r == '(':
			depth++
			cur.WriteRune(r)
		case r == ')':
			depth--
			cur.WriteRune(r)
		case r == ' ' || r == '\t' || r == '\n':
			if depth > 0 {
				cur.WriteRune(r)
			} else {
				flush()
			}
		default:
			cur.WriteRune(r)
		}
	}
	flush()
	return out
}

// splitTopLevelCommas splits a comma-separated list while respecting quoted
// strings, so "a, 'b,c'" yields ["a", " 'b,c'"]; elements are not
// trimmed.
func splitTopLevelCommas(s string) []string {
	var out []string
	var cur strings.Builder
	inQuote := false
	for _, r := range s {
		switch {
		case r == '\'':
			inQuote = !inQuote
			cur.WriteRune(r)
		case r == ',' && !inQuote:
			out = append(out, cur.String())
			cur.Reset()
		default:
			cur.WriteRune(r)
		}
	}
	if strings.TrimSpace(cur.String()) != "" || len(out) > 0 {
		out = append(out, cur.String())
	}
	return out
}

// parseLiteral turns one textual value into a record.Field matching col's
// type: "null" (case-insensitive) for a null field, a quoted string for
// ColChar, otherwise a decimal int/float literal.
func parseLiteral(s string, col record.Column) (record.Field, error) {
	s = strings.TrimSpace(s)
	if strings.EqualFold(s, "null") {
		if !col.Nullable {
			return record.Field{}, fmt.Errorf("column %q is not nullable", col.Name)
		}
		return record.Field{Null: true}, nil
	}
	switch col.Type {
	case record.ColInt:
		n, err := strconv.ParseInt(s, 10, 32)
		if err != nil {
			return record.Field{}, fmt.Errorf("column %q: %w", col.Name, err)
		}
		return record.Field{Int: int32(n)}, nil
	case record.ColFloat:
		f, err := strconv.ParseFloat(s, 32)
		if err != nil {
			return record.Field{}, fmt.Errorf("column %q: %w", col.Name, err)
		}
		return record.Field{Float: float32(f)}, nil
	case record.ColChar:
		s = strings.TrimSpace(s)
		if len(s) >= 2 && s[0] == '\'' && s[len(s)-1] == '\'' {
			s = s[1 : len(s)-1]
		}
		return record.Field{Char: s}, nil
	default:
		return record.Field{}, fmt.Errorf("column %q: unknown type", col.Name)
	}
}

// splitWhereClause parses "col op value" for op in {=, !=, <=, >=, <, >}.
func splitWhereClause(clause string) (col, op, val string, err error) {
	clause = strings.TrimSpace(clause)
	for _, candidate := range []string{"!=", "<=", ">=", "=", "<", ">"} {
		if idx := strings.Index(clause, candidate); idx >= 0 {
			col = strings.TrimSpace(clause[:idx])
			op = candidate
			val = strings.TrimSpace(clause[idx+len(candidate):])
			if col != "" && val != "" {
				return col, op, val, nil
			}
		}
	}
	return "", "", "", fmt.Errorf("bad where clause %q", clause)
}

// indexOfKeyword returns the index of the first field equal to kw
// (case-insensitive), or -1.
func indexOfKeyword(fields []string, kw string) int {
	for i, f := range fields {
		if strings.EqualFold(f, kw) {
			return i
		}
	}
	return -1
}

// compareField evaluates "field op target" under colType; op has already
// been validated by splitWhereClause.
func compareField(field, target record.Field, colType record.ColType, op string) bool {
	if field.Null || target.Null {
		return false
	}
	var cmp int
	switch colType {
	case record.ColChar:
		cmp = strings.Compare(field.Char, target.Char)
	case record.ColFloat:
		cmp = compareFloat(field.Float, target.Float)
	default:
		cmp = compareInt(field.Int, target.Int)
	}
	switch op {
	case "=":
		return cmp == 0
	case "!=":
		return cmp != 0
	case "<":
		return cmp < 0
	case "<=":
		return cmp <= 0
	case ">":
		return cmp > 0
	case ">=":
		return cmp >= 0
	default:
		return false
	}
}

func compareInt(a, b int32) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func compareFloat(a, b float32) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func printHeader(info *catalog.TableInfo) {
	names := make([]string, len(info.Schema.Columns))
	for i, c := range info.Schema.Columns {
		names[i] = c.Name
	}
	fmt.Println(strings.Join(names, " | "))
}

func printRow(info *catalog.TableInfo, row record.Row) {
	cells := make([]string, len(row.Fields))
	for i, f := range row.Fields {
		if f.Null {
			cells[i] = "NULL"
			continue
		}
		switch info.Schema.Columns[i].Type {
		case record.ColInt:
			cells[i] = strconv.Itoa(int(f.Int))
		case record.ColFloat:
			cells[i] = strconv.FormatFloat(float64(f.Float), 'g', -1, 32)
		case record.ColChar:
			cells[i] = f.Char
		}
	}
	fmt.Println(strings.Join(cells, " | "))
}
