// Package streamquery turns the select statement declared for a stream into
// an explicit description of its source table and requested columns.
//
// Only the shape emitted by stream recorders is accepted:
//
//	SELECT "col", "col" AS "alias", ... FROM "table"
//
// Anything else (joins, filters, expressions, star) is rejected with
// ErrUnsupported.
package streamquery

import (
	"errors"
	"fmt"
	"strings"

	"github.com/lib/pq"
	pg_query "github.com/pganalyze/pg_query_go/v6"
)

var ErrUnsupported = errors.New("unsupported stream query")

// Column is a requested source column with its optional output alias.
type Column struct {
	Name  string `json:"name"`
	Alias string `json:"alias,omitempty"`
}

// Output is the column name as it appears in the output table.
func (c Column) Output() string {
	if c.Alias != "" {
		return c.Alias
	}
	return c.Name
}

// Query describes a stream's source.
type Query struct {
	Schema  string   `json:"schema,omitempty"`
	Table   string   `json:"table"`
	Columns []Column `json:"columns"`
}

// Parse extracts the source table and columns from sql.
func Parse(sql string) (*Query, error) {
	tree, err := pg_query.Parse(sql)
	if err != nil {
		return nil, fmt.Errorf("parse: %w", err)
	}
	if len(tree.GetStmts()) != 1 {
		return nil, fmt.Errorf("%w: expected one statement, got %d", ErrUnsupported, len(tree.GetStmts()))
	}
	sel := tree.GetStmts()[0].GetStmt().GetSelectStmt()
	if sel == nil {
		return nil, fmt.Errorf("%w: not a SELECT", ErrUnsupported)
	}
	if err := plainSelect(sel); err != nil {
		return nil, err
	}

	from := sel.GetFromClause()
	if len(from) != 1 || from[0].GetRangeVar() == nil {
		return nil, fmt.Errorf("%w: expected a single source table", ErrUnsupported)
	}
	rv := from[0].GetRangeVar()
	q := &Query{Schema: rv.GetSchemaname(), Table: rv.GetRelname()}

	for _, n := range sel.GetTargetList() {
		rt := n.GetResTarget()
		cr := rt.GetVal().GetColumnRef()
		if cr == nil || len(cr.GetFields()) == 0 {
			return nil, fmt.Errorf("%w: only plain column references are allowed", ErrUnsupported)
		}
		last := cr.GetFields()[len(cr.GetFields())-1]
		if last.GetAStar() != nil {
			return nil, fmt.Errorf("%w: * is not allowed", ErrUnsupported)
		}
		name := last.GetString_().GetSval()
		if name == "" {
			return nil, fmt.Errorf("%w: unnamed column", ErrUnsupported)
		}
		q.Columns = append(q.Columns, Column{Name: name, Alias: rt.GetName()})
	}
	if len(q.Columns) == 0 {
		return nil, fmt.Errorf("%w: no columns", ErrUnsupported)
	}
	return q, nil
}

func plainSelect(sel *pg_query.SelectStmt) error {
	switch {
	case sel.GetOp() != pg_query.SetOperation_SETOP_NONE:
		return fmt.Errorf("%w: set operations", ErrUnsupported)
	case sel.GetWithClause() != nil:
		return fmt.Errorf("%w: WITH", ErrUnsupported)
	case sel.GetWhereClause() != nil:
		return fmt.Errorf("%w: WHERE", ErrUnsupported)
	case len(sel.GetGroupClause()) > 0 || sel.GetHavingClause() != nil:
		return fmt.Errorf("%w: GROUP BY", ErrUnsupported)
	case len(sel.GetSortClause()) > 0:
		return fmt.Errorf("%w: ORDER BY", ErrUnsupported)
	case sel.GetLimitCount() != nil || sel.GetLimitOffset() != nil:
		return fmt.Errorf("%w: LIMIT/OFFSET", ErrUnsupported)
	case len(sel.GetDistinctClause()) > 0:
		return fmt.Errorf("%w: DISTINCT", ErrUnsupported)
	}
	return nil
}

// Aliases maps each requested source column to its output name.
func (q *Query) Aliases() map[string]string {
	out := make(map[string]string, len(q.Columns))
	for _, c := range q.Columns {
		out[c.Name] = c.Output()
	}
	return out
}

// Qualified returns schema.table, or just the table when no schema was given.
func (q *Query) Qualified() string {
	if q.Schema == "" {
		return q.Table
	}
	return q.Schema + "." + q.Table
}

// SQL renders the query in the canonical quoted form.
func (q *Query) SQL() string {
	cols := make([]string, len(q.Columns))
	for i, c := range q.Columns {
		cols[i] = pq.QuoteIdentifier(c.Name)
		if c.Alias != "" {
			cols[i] += " AS " + pq.QuoteIdentifier(c.Alias)
		}
	}
	from := pq.QuoteIdentifier(q.Table)
	if q.Schema != "" {
		from = pq.QuoteIdentifier(q.Schema) + "." + from
	}
	return "SELECT " + strings.Join(cols, ", ") + " FROM " + from
}
