// Package smartmerge implements the conflict policy that keeps a live
// destination operable through a migration: protected options and the
// acting operator's account are snapshotted before any table is touched,
// preserved while tables are replaced, and restored after bulk load.
//
// The ordering is load-bearing: snapshot-before-mutate,
// preserve-identity-during-mutate, restore-after-bulk-load. Reordering
// risks losing the ability to authenticate mid-migration.
package smartmerge

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/lherron/siteporter/internal/db"
	"github.com/lherron/siteporter/internal/domain"
)

// SnapshotTTL bounds how long an abandoned snapshot survives, so a dead
// session cannot leave destination identity data orphaned forever.
const SnapshotTTL = 12 * time.Hour

const snapshotTable = "siteporter_snapshot"

// Action is the per-table treatment in the drop/replace plan.
type Action string

const (
	// ActionPreserveOperator deletes every account row except the acting
	// operator's instead of dropping, keeping their session valid.
	ActionPreserveOperator Action = "preserve_operator"
	// ActionPreserveOperatorAttrs deletes every attribute row except those
	// belonging to the preserved operator.
	ActionPreserveOperatorAttrs Action = "preserve_operator_attrs"
	// ActionSkip leaves the table alone; row transfer overwrites it and the
	// restore pass fixes protected entries afterward.
	ActionSkip Action = "skip"
	// ActionDropCreate drops the table so the source schema recreates it.
	ActionDropCreate Action = "drop_create"
)

// DefaultProtected builds the protected-entity set for a destination with
// the given table prefix and acting operator login.
func DefaultProtected(prefix, operatorLogin string) domain.ProtectedEntities {
	return domain.ProtectedEntities{
		AccountsTable:       prefix + "users",
		AccountAttrsTable:   prefix + "usermeta",
		OptionsTable:        prefix + "options",
		ProtectedOptions:    []string{"siteurl", "home", "blogname", "admin_email"},
		OperatorIdentityKey: operatorLogin,
	}
}

// Classify returns the plan action for one destination table.
func Classify(table string, prot domain.ProtectedEntities) Action {
	switch table {
	case prot.AccountsTable:
		return ActionPreserveOperator
	case prot.AccountAttrsTable:
		return ActionPreserveOperatorAttrs
	case prot.OptionsTable:
		return ActionSkip
	default:
		return ActionDropCreate
	}
}

// Merger applies the smart-merge policy against one destination database.
type Merger struct {
	db   *db.DB
	prot domain.ProtectedEntities
}

// New creates a merger for the given destination and policy.
func New(database *db.DB, prot domain.ProtectedEntities) *Merger {
	return &Merger{db: database, prot: prot}
}

func (m *Merger) ensureSnapshotTable() error {
	_, err := m.db.Exec(`CREATE TABLE IF NOT EXISTS ` + snapshotTable + ` (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		name TEXT NOT NULL,
		payload TEXT NOT NULL,
		expires_at INTEGER NOT NULL
	)`)
	if err != nil {
		return fmt.Errorf("failed to create snapshot table: %w", err)
	}
	return nil
}

// Snapshot captures every protected option's current value and the acting
// operator's account row into durable transient storage. Runs once, before
// any table in the plan is touched, and never on resume.
func (m *Merger) Snapshot() error {
	if err := m.ensureSnapshotTable(); err != nil {
		return err
	}
	if err := m.PurgeExpired(); err != nil {
		return err
	}

	// A fresh destination may not have the protected tables yet; a table
	// that does not exist has nothing worth capturing.
	haveOptions, err := m.db.TableExists(m.prot.OptionsTable)
	if err != nil {
		return err
	}
	haveAccounts, err := m.db.TableExists(m.prot.AccountsTable)
	if err != nil {
		return err
	}
	expires := time.Now().Add(SnapshotTTL).Unix()

	return m.db.WithTx(func(tx *sql.Tx) error {
		// Re-running start-of-migration snapshotting replaces any previous
		// attempt's data wholesale.
		if _, err := tx.Exec(`DELETE FROM ` + snapshotTable); err != nil {
			return err
		}

		options := m.prot.ProtectedOptions
		if !haveOptions {
			options = nil
		}
		for _, name := range options {
			var value string
			err := tx.QueryRow(fmt.Sprintf(
				"SELECT option_value FROM %s WHERE option_name = ?",
				db.QuoteIdent(m.prot.OptionsTable)), name).Scan(&value)
			if err == sql.ErrNoRows {
				continue
			}
			if err != nil {
				return fmt.Errorf("failed to read protected option %s: %w", name, err)
			}
			payload, err := json.Marshal(value)
			if err != nil {
				return err
			}
			if _, err := tx.Exec(
				`INSERT INTO `+snapshotTable+` (id, kind, name, payload, expires_at) VALUES (?, 'option', ?, ?, ?)`,
				uuid.NewString(), name, string(payload), expires); err != nil {
				return fmt.Errorf("failed to snapshot option %s: %w", name, err)
			}
		}

		var row map[string]string
		if haveAccounts {
			row, err = m.operatorRow(tx)
			if err != nil {
				return err
			}
		}
		if row != nil {
			payload, err := json.Marshal(row)
			if err != nil {
				return err
			}
			if _, err := tx.Exec(
				`INSERT INTO `+snapshotTable+` (id, kind, name, payload, expires_at) VALUES (?, 'operator', ?, ?, ?)`,
				uuid.NewString(), m.prot.OperatorIdentityKey, string(payload), expires); err != nil {
				return fmt.Errorf("failed to snapshot operator account: %w", err)
			}
		}
		return nil
	})
}

// operatorRow reads the acting operator's full account row as a column map.
func (m *Merger) operatorRow(tx *sql.Tx) (map[string]string, error) {
	rows, err := tx.Query(fmt.Sprintf(
		"SELECT * FROM %s WHERE user_login = ?",
		db.QuoteIdent(m.prot.AccountsTable)), m.prot.OperatorIdentityKey)
	if err != nil {
		return nil, fmt.Errorf("failed to read operator account: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	values := make([]interface{}, len(cols))
	ptrs := make([]interface{}, len(cols))
	for i := range values {
		ptrs[i] = &values[i]
	}
	if err := rows.Scan(ptrs...); err != nil {
		return nil, err
	}

	row := make(map[string]string, len(cols))
	for i, col := range cols {
		switch v := values[i].(type) {
		case nil:
			// Absent keys re-insert as NULL.
		case []byte:
			row[col] = string(v)
		default:
			row[col] = fmt.Sprintf("%v", v)
		}
	}
	return row, nil
}

// Prepare applies the plan action to one destination table before its
// schema arrives from the source. Returns the action taken.
func (m *Merger) Prepare(table string) (Action, error) {
	action := Classify(table, m.prot)
	switch action {
	case ActionPreserveOperator:
		_, err := m.db.Exec(fmt.Sprintf(
			"DELETE FROM %s WHERE user_login != ?",
			db.QuoteIdent(table)), m.prot.OperatorIdentityKey)
		if err != nil {
			return action, fmt.Errorf("failed to trim accounts table: %w", err)
		}
	case ActionPreserveOperatorAttrs:
		_, err := m.db.Exec(fmt.Sprintf(
			"DELETE FROM %s WHERE user_id NOT IN (SELECT ID FROM %s WHERE user_login = ?)",
			db.QuoteIdent(table), db.QuoteIdent(m.prot.AccountsTable)), m.prot.OperatorIdentityKey)
		if err != nil {
			return action, fmt.Errorf("failed to trim account attributes: %w", err)
		}
	case ActionSkip:
	case ActionDropCreate:
		if err := m.db.DropTable(table); err != nil {
			return action, err
		}
	}
	return action, nil
}

type snapshotRow struct {
	kind    string
	name    string
	payload string
}

// Restore puts snapshotted protected options back (insert if missing,
// update if present), re-inserts the preserved operator account if row
// transfer clobbered it, and discards the snapshot. Runs after row
// transfer completes, before the migration is declared successful.
func (m *Merger) Restore() error {
	if err := m.ensureSnapshotTable(); err != nil {
		return err
	}

	var snaps []snapshotRow
	rows, err := m.db.Query(`SELECT kind, name, payload FROM `+snapshotTable+` WHERE expires_at > ?`, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to read snapshot: %w", err)
	}
	for rows.Next() {
		var s snapshotRow
		if err := rows.Scan(&s.kind, &s.name, &s.payload); err != nil {
			rows.Close()
			return err
		}
		snaps = append(snaps, s)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return err
	}
	rows.Close()

	// The accounts table may have been replaced with a different column
	// set; the operator row re-inserts only columns that still exist.
	accountCols, err := m.db.Columns(m.prot.AccountsTable)
	if err != nil {
		return err
	}
	accountColSet := make(map[string]bool, len(accountCols))
	for _, c := range accountCols {
		accountColSet[c.Name] = true
	}

	return m.db.WithTx(func(tx *sql.Tx) error {
		for _, s := range snaps {
			switch s.kind {
			case "option":
				var value string
				if err := json.Unmarshal([]byte(s.payload), &value); err != nil {
					return fmt.Errorf("corrupt option snapshot %s: %w", s.name, err)
				}
				if err := m.restoreOption(tx, s.name, value); err != nil {
					return err
				}
			case "operator":
				var row map[string]string
				if err := json.Unmarshal([]byte(s.payload), &row); err != nil {
					return fmt.Errorf("corrupt operator snapshot: %w", err)
				}
				if err := m.restoreOperator(tx, s.name, row, accountColSet); err != nil {
					return err
				}
			}
		}

		if _, err := tx.Exec(`DELETE FROM ` + snapshotTable); err != nil {
			return fmt.Errorf("failed to discard snapshot: %w", err)
		}
		return nil
	})
}

func (m *Merger) restoreOption(tx *sql.Tx, name, value string) error {
	res, err := tx.Exec(fmt.Sprintf(
		"UPDATE %s SET option_value = ? WHERE option_name = ?",
		db.QuoteIdent(m.prot.OptionsTable)), value, name)
	if err != nil {
		return fmt.Errorf("failed to restore option %s: %w", name, err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	_, err = tx.Exec(fmt.Sprintf(
		"INSERT INTO %s (option_name, option_value) VALUES (?, ?)",
		db.QuoteIdent(m.prot.OptionsTable)), name, value)
	if err != nil {
		return fmt.Errorf("failed to insert option %s: %w", name, err)
	}
	return nil
}

func (m *Merger) restoreOperator(tx *sql.Tx, login string, row map[string]string, colSet map[string]bool) error {
	var n int
	err := tx.QueryRow(fmt.Sprintf(
		"SELECT COUNT(*) FROM %s WHERE user_login = ?",
		db.QuoteIdent(m.prot.AccountsTable)), login).Scan(&n)
	if err != nil {
		return fmt.Errorf("failed to check operator account: %w", err)
	}
	if n > 0 {
		// A source account with the same login landed during row transfer.
		// Identity wins over content: put the pre-migration credentials
		// back so the operator's session keeps working.
		if pass, ok := row["user_pass"]; ok && colSet["user_pass"] {
			if _, err := tx.Exec(fmt.Sprintf(
				"UPDATE %s SET user_pass = ? WHERE user_login = ?",
				db.QuoteIdent(m.prot.AccountsTable)), pass, login); err != nil {
				return fmt.Errorf("failed to restore operator credentials: %w", err)
			}
		}
		return nil
	}

	cols := make([]string, 0, len(row))
	args := make([]interface{}, 0, len(row))
	placeholders := make([]string, 0, len(row))
	for col, val := range row {
		if !colSet[col] {
			continue
		}
		cols = append(cols, db.QuoteIdent(col))
		args = append(args, val)
		placeholders = append(placeholders, "?")
	}
	if len(cols) == 0 {
		return fmt.Errorf("operator account cannot be restored: no common columns")
	}
	// A transferred source row may occupy the operator's old primary key.
	// The operator takes the slot back; the source row loses.
	_, err = tx.Exec(fmt.Sprintf(
		"INSERT OR REPLACE INTO %s (%s) VALUES (%s)",
		db.QuoteIdent(m.prot.AccountsTable),
		strings.Join(cols, ", "), strings.Join(placeholders, ", ")), args...)
	if err != nil {
		return fmt.Errorf("failed to re-insert operator account: %w", err)
	}
	return nil
}

// PurgeExpired removes snapshot rows past their TTL.
func (m *Merger) PurgeExpired() error {
	_, err := m.db.Exec(`DELETE FROM `+snapshotTable+` WHERE expires_at <= ?`, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to purge expired snapshots: %w", err)
	}
	return nil
}
