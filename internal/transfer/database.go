package transfer

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"

	"github.com/lherron/siteporter/internal/cursor"
	"github.com/lherron/siteporter/internal/db"
	"github.com/lherron/siteporter/internal/domain"
	"github.com/lherron/siteporter/internal/smartmerge"
)

// DatabaseTransfer replicates source tables into the destination.
type DatabaseTransfer struct {
	Source    Source
	Dest      *db.DB
	Merger    *smartmerge.Merger
	BatchSize int
}

// Run processes the session's table list from its current database cursor.
// The Smart-Merge snapshot runs only at the true start (no resumed
// progress); per-table preparation and schema creation are skipped when
// resuming mid-table. The cursor is persisted after every batch.
func (dt *DatabaseTransfer) Run(ctx context.Context, sess *domain.Session, ctl Control) error {
	cur := &sess.DatabaseCursor

	freshStart := cur.TableIndex == 0 && cur.LastKey == "" && cur.RowsOffset == 0 && !cur.SchemaApplied
	if freshStart && dt.Merger != nil {
		if err := dt.Merger.Snapshot(); err != nil {
			return fmt.Errorf("smart-merge snapshot failed: %w", err)
		}
	}

	for cur.TableIndex < len(sess.Tables) {
		if err := ctl.checkStop(); err != nil {
			return err
		}

		table := sess.Tables[cur.TableIndex]
		if err := dt.runTable(ctx, sess, table, ctl); err != nil {
			return err
		}

		// Reset per-table cursor fields before moving on.
		cur.TableIndex++
		cur.RowsOffset = 0
		cur.LastKey = ""
		cur.SchemaApplied = false
		if err := ctl.persist(); err != nil {
			return err
		}
	}
	return nil
}

func (dt *DatabaseTransfer) runTable(ctx context.Context, sess *domain.Session, table domain.Table, ctl Control) error {
	cur := &sess.DatabaseCursor

	if !cur.SchemaApplied {
		if err := dt.prepareTable(ctx, table); err != nil {
			return err
		}
		cur.SchemaApplied = true
		if err := ctl.persist(); err != nil {
			return err
		}
	}

	for {
		if err := ctl.checkStop(); err != nil {
			return err
		}

		batch, err := dt.Source.Rows(ctx, table.SourceName, cur.LastKey, dt.BatchSize)
		if err != nil {
			return fmt.Errorf("failed to fetch rows for %s: %w", table.SourceName, err)
		}
		if len(batch.Rows) > 0 {
			applied, err := dt.applyBatch(table.DestName, batch, &sess.Stats)
			if err != nil {
				return err
			}
			sess.Stats.RowsTransferred += int64(applied)
		}

		cur.LastKey = batch.NextCursor
		if err := ctl.persist(); err != nil {
			return err
		}
		if !batch.HasMore {
			return nil
		}
	}
}

// prepareTable runs the Smart-Merge plan action for the destination table
// and applies the source schema when the plan calls for recreation.
func (dt *DatabaseTransfer) prepareTable(ctx context.Context, table domain.Table) error {
	action := smartmerge.ActionDropCreate
	if dt.Merger != nil {
		var err error
		action, err = dt.Merger.Prepare(table.DestName)
		if err != nil {
			return err
		}
	} else if err := dt.Dest.DropTable(table.DestName); err != nil {
		return err
	}

	switch action {
	case smartmerge.ActionPreserveOperator, smartmerge.ActionPreserveOperatorAttrs, smartmerge.ActionSkip:
		// The table was trimmed or left alone, not dropped. Create it only
		// if the destination never had it.
		exists, err := dt.Dest.TableExists(table.DestName)
		if err != nil {
			return err
		}
		if exists {
			return nil
		}
	}

	schema, err := dt.Source.SchemaSQL(ctx, table.SourceName)
	if err != nil {
		return fmt.Errorf("failed to fetch schema for %s: %w", table.SourceName, err)
	}
	ddl := RewriteSchema(schema, table.SourceName, table.DestName)
	if _, err := dt.Dest.Exec(ddl); err != nil {
		return &domain.SchemaApplyError{Table: table.DestName, Err: err}
	}
	return nil
}

// applyBatch writes one row batch inside a single all-or-nothing
// transaction. A row that fails to decode is skipped while the rest of the
// batch proceeds; a transaction-level failure rolls the whole batch back
// and is retried once as a unit before surfacing. Skips are logged only
// from the attempt that commits, so the retry cannot double-count them.
func (dt *DatabaseTransfer) applyBatch(destTable string, batch *domain.RowBatch, stats *domain.Stats) (int, error) {
	applied, skipped, err := dt.tryApplyBatch(destTable, batch)
	if err != nil {
		stats.RetryCount++
		applied, skipped, err = dt.tryApplyBatch(destTable, batch)
		if err != nil {
			return 0, fmt.Errorf("batch apply failed for %s after retry: %w", destTable, err)
		}
	}
	for _, msg := range skipped {
		stats.LogError(destTable, msg)
	}
	return applied, nil
}

func (dt *DatabaseTransfer) tryApplyBatch(destTable string, batch *domain.RowBatch) (int, []string, error) {
	applied := 0
	var skipped []string
	err := dt.Dest.WithTx(func(tx *sql.Tx) error {
		for _, row := range batch.Rows {
			cols, args, err := decodeRow(row)
			if err != nil {
				skipped = append(skipped, (&domain.RowApplyError{Table: destTable, Key: rowKeyHint(row), Err: err}).Error())
				continue
			}

			placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", ")
			quoted := make([]string, len(cols))
			for i, c := range cols {
				quoted[i] = db.QuoteIdent(c)
			}
			query := fmt.Sprintf("INSERT OR REPLACE INTO %s (%s) VALUES (%s)",
				db.QuoteIdent(destTable), strings.Join(quoted, ", "), placeholders)
			if _, err := tx.Exec(query, args...); err != nil {
				return fmt.Errorf("insert into %s failed: %w", destTable, err)
			}
			applied++
		}
		return nil
	})
	if err != nil {
		return 0, nil, err
	}
	return applied, skipped, nil
}

// decodeRow converts a wire row into sorted column names and driver args.
func decodeRow(row domain.Row) ([]string, []interface{}, error) {
	cols := make([]string, 0, len(row))
	for col := range row {
		cols = append(cols, col)
	}
	sort.Strings(cols)

	args := make([]interface{}, 0, len(cols))
	for _, col := range cols {
		v, err := cursor.DecodeValue(row[col])
		if err != nil {
			return nil, nil, fmt.Errorf("column %s: %w", col, err)
		}
		args = append(args, v)
	}
	return cols, args, nil
}

// rowKeyHint extracts a best-effort identifier for error messages.
func rowKeyHint(row domain.Row) string {
	for _, name := range []string{"id", "ID", "option_id", "meta_id"} {
		if v, ok := row[name]; ok && v.Value != nil {
			return *v.Value
		}
	}
	return "?"
}
