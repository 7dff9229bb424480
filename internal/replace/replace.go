// Package replace performs the finalize-phase search-and-replace: it walks
// the URL-carrying tables, rewriting embedded source URLs to destination
// URLs inside plain and serialized column values.
package replace

import (
	"fmt"
	"sort"
	"strings"

	"github.com/lherron/siteporter/internal/cursor"
	"github.com/lherron/siteporter/internal/db"
	"github.com/lherron/siteporter/internal/serialize"
)

// urlTables is the fixed set of tables (named without prefix) known to
// carry user-facing URLs and content. Tables absent at the destination are
// skipped.
var urlTables = []string{
	"options", "postmeta", "commentmeta", "termmeta", "usermeta",
	"posts", "comments",
}

// BuildSubstitutions expands a source→destination URL pair into the full
// ordered substitution list: bare and trailing-slash forms in both http and
// https variants, sorted by descending search length so a longer URL that
// contains a shorter one as a prefix is matched first.
func BuildSubstitutions(sourceURL, destURL string) []serialize.Substitution {
	src := strings.TrimSuffix(sourceURL, "/")
	dst := strings.TrimSuffix(destURL, "/")

	var subs []serialize.Substitution
	seen := make(map[string]bool)
	add := func(search, replace string) {
		if search == "" || search == replace || seen[search] {
			return
		}
		seen[search] = true
		subs = append(subs, serialize.Substitution{Search: search, Replace: replace})
	}

	for _, variant := range schemeVariants(src) {
		add(variant+"/", dst+"/")
		add(variant, dst)
	}

	sort.SliceStable(subs, func(i, j int) bool {
		return len(subs[i].Search) > len(subs[j].Search)
	})
	return subs
}

// schemeVariants returns the url under both http and https schemes (plus
// the original spelling when it carries no scheme at all).
func schemeVariants(url string) []string {
	switch {
	case strings.HasPrefix(url, "http://"):
		bare := strings.TrimPrefix(url, "http://")
		return []string{"http://" + bare, "https://" + bare}
	case strings.HasPrefix(url, "https://"):
		bare := strings.TrimPrefix(url, "https://")
		return []string{"http://" + bare, "https://" + bare}
	default:
		return []string{"http://" + url, "https://" + url, url}
	}
}

// Stats aggregates one search-replace run.
type Stats struct {
	TablesProcessed int
	RowsProcessed   int64
	RowsChanged     int64
	Errors          []string
}

// Engine runs search-replace against one destination database.
type Engine struct {
	db        *db.DB
	prefix    string
	batchSize int
}

// NewEngine creates a search-replace engine. prefix is the destination
// table prefix; batchSize bounds rows held in memory per page.
func NewEngine(database *db.DB, prefix string, batchSize int) *Engine {
	if batchSize <= 0 {
		batchSize = 500
	}
	return &Engine{db: database, prefix: prefix, batchSize: batchSize}
}

// Run rewrites every text column of the URL-carrying tables using the
// given substitution list. Rows whose update fails are logged and skipped;
// the walk continues.
func (e *Engine) Run(subs []serialize.Substitution) (*Stats, error) {
	stats := &Stats{}
	pager := cursor.NewPager(e.db)

	for _, bare := range urlTables {
		table := e.prefix + bare
		exists, err := e.db.TableExists(table)
		if err != nil {
			return stats, err
		}
		if !exists {
			continue
		}

		if err := e.runTable(pager, table, subs, stats); err != nil {
			return stats, fmt.Errorf("search-replace failed on %s: %w", table, err)
		}
		stats.TablesProcessed++
	}
	return stats, nil
}

func (e *Engine) runTable(pager *cursor.Pager, table string, subs []serialize.Substitution, stats *Stats) error {
	textCols, err := e.db.TextColumns(table)
	if err != nil {
		return err
	}
	if len(textCols) == 0 {
		return nil
	}

	key, hasKey, err := pager.DetectKey(table)
	if err != nil {
		return err
	}
	if !hasKey {
		// Without a stable key there is no way to address the row being
		// rewritten; such tables never carry user content in practice.
		return nil
	}

	cur := &cursor.Cursor{Mode: cursor.ModeKeyset, KeyColumn: key}
	for {
		rows, next, hasMore, err := pager.Page(table, cur, e.batchSize)
		if err != nil {
			return err
		}

		for _, row := range rows {
			keyVal := row[key]
			if keyVal.Value == nil {
				continue
			}
			stats.RowsProcessed++

			set := make([]string, 0, len(textCols))
			args := make([]interface{}, 0, len(textCols)+1)
			for _, col := range textCols {
				cv, ok := row[col]
				if !ok || cv.Value == nil || cv.Base64 {
					continue
				}
				out, changed := serialize.Rewrite(*cv.Value, subs)
				if !changed {
					continue
				}
				set = append(set, db.QuoteIdent(col)+" = ?")
				args = append(args, out)
			}
			if len(set) == 0 {
				continue
			}
			args = append(args, *keyVal.Value)

			query := fmt.Sprintf("UPDATE %s SET %s WHERE %s = ?",
				db.QuoteIdent(table), strings.Join(set, ", "), db.QuoteIdent(key))
			if _, err := e.db.Exec(query, args...); err != nil {
				stats.Errors = append(stats.Errors, fmt.Sprintf("%s key %s: %v", table, *keyVal.Value, err))
				continue
			}
			stats.RowsChanged++
		}

		cur = next
		if !hasMore {
			break
		}
	}
	return nil
}

// FlushDerivedCaches removes option rows holding derived, regenerable
// values (transient caches) so the destination rebuilds them against the
// rewritten URLs.
func (e *Engine) FlushDerivedCaches() (int64, error) {
	table := e.prefix + "options"
	exists, err := e.db.TableExists(table)
	if err != nil || !exists {
		return 0, err
	}
	res, err := e.db.Exec(fmt.Sprintf(
		"DELETE FROM %s WHERE option_name LIKE '_transient_%%' OR option_name LIKE '_site_transient_%%'",
		db.QuoteIdent(table)))
	if err != nil {
		return 0, fmt.Errorf("failed to flush derived caches: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
