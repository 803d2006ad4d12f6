// Package source is the read side of an experiment database: opening a
// connection by URI, checking for tables, reading column metadata and
// fetching pages of rows.
package source

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
)

// Column is a live catalog entry for one table column.
type Column struct {
	Name     string
	DataType string
}

// Row is one fetched record. Fields and Values are parallel slices.
type Row struct {
	Fields []string
	Values []any
}

// Valid reports whether the row is a well-formed field/value record.
func (r Row) Valid() bool {
	return len(r.Fields) > 0 && len(r.Fields) == len(r.Values)
}

// Get returns the value of the named field.
func (r Row) Get(name string) (any, bool) {
	for i, f := range r.Fields {
		if f == name && i < len(r.Values) {
			return r.Values[i], true
		}
	}
	return nil, false
}

// Conn is an open connection to one experiment database.
type Conn interface {
	TableExists(ctx context.Context, table string) (bool, error)
	Columns(ctx context.Context, table string) ([]Column, error)
	Fetch(ctx context.Context, sql string, args ...any) ([]Row, error)
	Close() error
}

// Dialer opens connections by URI.
type Dialer interface {
	Dial(ctx context.Context, uri string) (Conn, error)
}

// Credentials are the parts of the connection URI shared by all experiments.
type Credentials struct {
	User     string
	Password string
	Host     string
	Port     int
	SSLMode  string
}

// URI builds the connection URI for database. Each experiment lives in its
// own database named after the experiment id.
func (c Credentials) URI(database string) string {
	host := c.Host
	if c.Port != 0 {
		host += ":" + strconv.Itoa(c.Port)
	}
	u := url.URL{
		Scheme: "postgres",
		Host:   host,
		Path:   "/" + database,
	}
	if c.User != "" {
		if c.Password != "" {
			u.User = url.UserPassword(c.User, c.Password)
		} else {
			u.User = url.User(c.User)
		}
	}
	if c.SSLMode != "" {
		q := url.Values{}
		q.Set("sslmode", c.SSLMode)
		u.RawQuery = q.Encode()
	}
	return u.String()
}

// NewDialer returns the dialer for the named driver: "pgx" or "pq".
func NewDialer(driver string) (Dialer, error) {
	switch driver {
	case "", "pgx":
		return &PgxDialer{MaxConns: 2}, nil
	case "pq", "postgres":
		return &SQLDialer{MaxConns: 2}, nil
	default:
		return nil, fmt.Errorf("unknown database driver %q", driver)
	}
}
