package source

import (
	"database/sql/driver"
	"errors"
	"io"
	"net"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
)

// SQLSTATE invalid_catalog_name: the database does not exist (yet).
const codeUnknownDatabase = "3D000"

// IsUnknownDatabase reports whether err says the target database does not exist.
func IsUnknownDatabase(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == codeUnknownDatabase
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code) == codeUnknownDatabase
	}
	return false
}

// IsConnLost reports whether err means the link to the server is gone, as
// opposed to a failure of the statement itself.
func IsConnLost(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// class 08: connection exception; 57P01..03: admin shutdown / crash
		return len(pgErr.Code) == 5 && (pgErr.Code[:2] == "08" || pgErr.Code[:3] == "57P")
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		code := string(pqErr.Code)
		return len(code) == 5 && (code[:2] == "08" || code[:3] == "57P")
	}
	var netErr *net.OpError
	return errors.As(err, &netErr) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, driver.ErrBadConn)
}
