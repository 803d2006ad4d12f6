package source

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
)

// SQLDialer opens database/sql handles through lib/pq.
type SQLDialer struct {
	MaxConns int
}

func (d *SQLDialer) Dial(ctx context.Context, uri string) (Conn, error) {
	db, err := sql.Open("postgres", uri)
	if err != nil {
		return nil, fmt.Errorf("DB open failed: %w", err)
	}
	if d.MaxConns > 0 {
		db.SetMaxOpenConns(d.MaxConns)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging PostgreSQL: %w", err)
	}
	return &SQLConn{db: db}, nil
}

// SQLConn implements Conn on a *sql.DB.
type SQLConn struct {
	db *sql.DB
}

func (c *SQLConn) TableExists(ctx context.Context, table string) (bool, error) {
	var ok bool
	if err := c.db.QueryRowContext(ctx, tableExistsSQL, regclass(table)).Scan(&ok); err != nil {
		return false, fmt.Errorf("checking table %s: %w", table, err)
	}
	return ok, nil
}

func (c *SQLConn) Columns(ctx context.Context, table string) ([]Column, error) {
	rows, err := c.db.QueryContext(ctx, columnsSQL, regclass(table))
	if err != nil {
		return nil, fmt.Errorf("reading columns of %s: %w", table, err)
	}
	defer rows.Close()

	var cols []Column
	for rows.Next() {
		var col Column
		if err := rows.Scan(&col.Name, &col.DataType); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		cols = append(cols, col)
	}
	return cols, rows.Err()
}

func (c *SQLConn) Fetch(ctx context.Context, query string, args ...any) ([]Row, error) {
	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("executing query: %w", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	var out []Row
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		for i, v := range values {
			if b, ok := v.([]byte); ok {
				values[i] = string(b)
			}
		}
		out = append(out, Row{Fields: cols, Values: values})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration: %w", err)
	}
	return out, nil
}

func (c *SQLConn) Close() error {
	return c.db.Close()
}
