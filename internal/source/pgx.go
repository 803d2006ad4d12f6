package source

import (
	"context"
	"database/sql/driver"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PgxDialer opens pgx connection pools.
type PgxDialer struct {
	MaxConns int32
}

func (d *PgxDialer) Dial(ctx context.Context, uri string) (Conn, error) {
	cfg, err := pgxpool.ParseConfig(uri)
	if err != nil {
		return nil, fmt.Errorf("parsing connection string: %w", err)
	}
	if d.MaxConns > 0 {
		cfg.MaxConns = d.MaxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connecting to PostgreSQL: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging PostgreSQL: %w", err)
	}
	return &PgxConn{pool: pool}, nil
}

// PgxConn implements Conn on a pgx pool.
type PgxConn struct {
	pool *pgxpool.Pool
}

func (c *PgxConn) TableExists(ctx context.Context, table string) (bool, error) {
	var ok bool
	if err := c.pool.QueryRow(ctx, tableExistsSQL, regclass(table)).Scan(&ok); err != nil {
		return false, fmt.Errorf("checking table %s: %w", table, err)
	}
	return ok, nil
}

func (c *PgxConn) Columns(ctx context.Context, table string) ([]Column, error) {
	rows, err := c.pool.Query(ctx, columnsSQL, regclass(table))
	if err != nil {
		return nil, fmt.Errorf("reading columns of %s: %w", table, err)
	}
	defer rows.Close()

	var cols []Column
	for rows.Next() {
		var col Column
		if err := rows.Scan(&col.Name, &col.DataType); err != nil {
			return nil, fmt.Errorf("scanning column: %w", err)
		}
		cols = append(cols, col)
	}
	return cols, rows.Err()
}

func (c *PgxConn) Fetch(ctx context.Context, sql string, args ...any) ([]Row, error) {
	rows, err := c.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("executing query: %w", err)
	}
	defer rows.Close()

	descs := rows.FieldDescriptions()
	fields := make([]string, len(descs))
	for i, d := range descs {
		fields[i] = d.Name
	}

	var out []Row
	for rows.Next() {
		vals, err := rows.Values()
		if err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}
		for i, v := range vals {
			vals[i] = normalize(v)
		}
		out = append(out, Row{Fields: fields, Values: vals})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating rows: %w", err)
	}
	return out, nil
}

func (c *PgxConn) Close() error {
	c.pool.Close()
	return nil
}

// normalize converts pgx-specific value types into plain Go values.
func normalize(v any) any {
	switch t := v.(type) {
	case pgtype.Numeric:
		f, err := t.Float64Value()
		if err != nil || !f.Valid {
			return nil
		}
		return f.Float64
	case pgtype.Time:
		if !t.Valid {
			return nil
		}
		us := t.Microseconds
		return fmt.Sprintf("%02d:%02d:%02d.%06d",
			us/3_600_000_000, us/60_000_000%60, us/1_000_000%60, us%1_000_000)
	case [16]byte:
		return uuid.UUID(t).String()
	case driver.Valuer:
		dv, err := t.Value()
		if err != nil {
			return nil
		}
		return dv
	default:
		return v
	}
}
