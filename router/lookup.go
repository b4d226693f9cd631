package router

import (
	"context"
	"database/sql"
	"regexp"

	"github.com/pkg/errors"
)

var identifier = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// LookupSource loads key to node id mappings for lookup rules.
type LookupSource interface {
	Load(ctx context.Context, lookup Lookup) (map[string][]string, error)
}

// SQLLookup reads lookup tables from a SQLite database.
type SQLLookup struct {
	db *sql.DB
}

// NewSQLLookup returns a lookup source over db.
func NewSQLLookup(db *sql.DB) *SQLLookup { return &SQLLookup{db: db} }

// Load implements LookupSource.
func (s *SQLLookup) Load(ctx context.Context, lookup Lookup) (map[string][]string, error) {
	for _, name := range []string{lookup.Table, lookup.KeyColumn, lookup.NodeColumn} {
		if !identifier.MatchString(name) {
			return nil, errors.Errorf("invalid lookup identifier %q", name)
		}
	}
	rows, err := s.db.QueryContext(ctx, `SELECT CAST(`+lookup.KeyColumn+` AS TEXT), `+lookup.NodeColumn+` FROM `+lookup.Table)
	if err != nil {
		return nil, errors.Wrapf(err, "query lookup %s", lookup.Table)
	}
	defer rows.Close()
	result := map[string][]string{}
	for rows.Next() {
		var key, node sql.NullString
		if err := rows.Scan(&key, &node); err != nil {
			return nil, errors.Wrap(err, "scan lookup")
		}
		if !key.Valid || !node.Valid {
			continue
		}
		result[key.String] = append(result[key.String], node.String)
	}
	return result, errors.Wrap(rows.Err(), "iterate lookup")
}

var _ LookupSource = (*SQLLookup)(nil)
