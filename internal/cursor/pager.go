package cursor

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"unicode/utf8"

	"github.com/lherron/siteporter/internal/db"
	"github.com/lherron/siteporter/internal/domain"
)

// conventionalKeyColumns is the fixed fallback list consulted when a table
// declares no primary key and no auto-increment column. Order matters: the
// first present column wins, which can pick the wrong column for a table
// carrying, say, both a rowid key and an unrelated column named "id".
var conventionalKeyColumns = []string{
	"id", "ID", "option_id", "post_id", "comment_id", "term_id",
	"user_id", "meta_id", "umeta_id", "link_id",
}

// Pager pages rows out of one database.
type Pager struct {
	db *db.DB
}

// NewPager creates a pager over the given database.
func NewPager(database *db.DB) *Pager {
	return &Pager{db: database}
}

// DetectKey determines the paging key for a table, in order: a declared
// single-column primary key, an auto-increment column, then the first
// present conventional id-like column name. Returns ok=false when nothing
// matches, in which case paging degrades to offset mode.
func (p *Pager) DetectKey(table string) (string, bool, error) {
	cols, err := p.db.Columns(table)
	if err != nil {
		return "", false, err
	}

	var pkCols []string
	for _, c := range cols {
		if c.PrimaryKey {
			pkCols = append(pkCols, c.Name)
		}
	}
	if len(pkCols) == 1 {
		return pkCols[0], true, nil
	}

	if name, ok, err := p.db.HasAutoIncrement(table); err != nil {
		return "", false, err
	} else if ok {
		return name, true, nil
	}

	for _, candidate := range conventionalKeyColumns {
		for _, c := range cols {
			if c.Name == candidate {
				return c.Name, true, nil
			}
		}
	}

	return "", false, nil
}

// Start builds the initial cursor for a table, running key detection.
func (p *Pager) Start(table string) (*Cursor, error) {
	key, ok, err := p.DetectKey(table)
	if err != nil {
		return nil, err
	}
	if !ok {
		return &Cursor{Mode: ModeOffset}, nil
	}
	return &Cursor{Mode: ModeKeyset, KeyColumn: key}, nil
}

// Page returns up to batchSize rows after the cursor position, the advanced
// cursor, and a continuation heuristic: a full page means "probably more".
// Callers must keep paging until a short page is returned.
func (p *Pager) Page(table string, cur *Cursor, batchSize int) ([]domain.Row, *Cursor, bool, error) {
	if batchSize <= 0 {
		return nil, nil, false, fmt.Errorf("invalid batch size %d", batchSize)
	}

	var query string
	var args []interface{}
	switch cur.Mode {
	case ModeKeyset:
		key := db.QuoteIdent(cur.KeyColumn)
		if cur.LastKey == "" {
			query = fmt.Sprintf("SELECT * FROM %s ORDER BY %s ASC LIMIT ?", db.QuoteIdent(table), key)
			args = []interface{}{batchSize}
		} else {
			query = fmt.Sprintf("SELECT * FROM %s WHERE %s > ? ORDER BY %s ASC LIMIT ?", db.QuoteIdent(table), key, key)
			args = []interface{}{cur.LastKey, batchSize}
		}
	case ModeOffset:
		query = fmt.Sprintf("SELECT * FROM %s LIMIT ? OFFSET ?", db.QuoteIdent(table))
		args = []interface{}{batchSize, cur.Offset}
	default:
		return nil, nil, false, fmt.Errorf("invalid cursor mode %q", cur.Mode)
	}

	rows, err := p.db.Query(query, args...)
	if err != nil {
		return nil, nil, false, fmt.Errorf("failed to page %s: %w", table, err)
	}
	defer rows.Close()

	colNames, err := rows.Columns()
	if err != nil {
		return nil, nil, false, err
	}

	var out []domain.Row
	var lastKey string
	for rows.Next() {
		values := make([]interface{}, len(colNames))
		ptrs := make([]interface{}, len(colNames))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, nil, false, fmt.Errorf("failed to scan row from %s: %w", table, err)
		}

		row := make(domain.Row, len(colNames))
		for i, name := range colNames {
			row[name] = EncodeValue(values[i])
		}
		out = append(out, row)

		if cur.Mode == ModeKeyset {
			if v := row[cur.KeyColumn]; v.Value != nil && !v.Base64 {
				lastKey = *v.Value
			}
		}
	}
	if err := rows.Err(); err != nil {
		return nil, nil, false, err
	}

	next := *cur
	switch cur.Mode {
	case ModeKeyset:
		if lastKey != "" && lastKey != cur.LastKey {
			next.LastKey = lastKey
		} else if len(out) == batchSize {
			// A full page whose key never advances (binary or empty key
			// values) would be served forever.
			return nil, nil, false, fmt.Errorf("key column %s of %s yields no usable cursor value", cur.KeyColumn, table)
		}
	case ModeOffset:
		next.Offset += int64(len(out))
	}

	hasMore := len(out) == batchSize
	return out, &next, hasMore, nil
}

// EncodeValue converts one scanned column value to its wire form. The pager
// never interprets row contents: binary and non-UTF8 byte values travel
// base64-encoded with the marker set.
func EncodeValue(v interface{}) domain.ColumnValue {
	switch val := v.(type) {
	case nil:
		return domain.ColumnValue{}
	case int64:
		s := strconv.FormatInt(val, 10)
		return domain.ColumnValue{Value: &s}
	case float64:
		s := strconv.FormatFloat(val, 'g', -1, 64)
		return domain.ColumnValue{Value: &s}
	case bool:
		s := "0"
		if val {
			s = "1"
		}
		return domain.ColumnValue{Value: &s}
	case string:
		return domain.ColumnValue{Value: &val}
	case []byte:
		if utf8.Valid(val) {
			s := string(val)
			return domain.ColumnValue{Value: &s}
		}
		s := base64.StdEncoding.EncodeToString(val)
		return domain.ColumnValue{Value: &s, Base64: true}
	default:
		s := fmt.Sprintf("%v", val)
		return domain.ColumnValue{Value: &s}
	}
}

// DecodeValue converts a wire column value back to a driver-level value.
func DecodeValue(cv domain.ColumnValue) (interface{}, error) {
	if cv.Value == nil {
		return nil, nil
	}
	if cv.Base64 {
		raw, err := base64.StdEncoding.DecodeString(*cv.Value)
		if err != nil {
			return nil, fmt.Errorf("invalid base64 column value: %w", err)
		}
		return raw, nil
	}
	return *cv.Value, nil
}
