package sink

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

var (
	// ErrTableExists is returned when registering a second table under a taken name.
	ErrTableExists = errors.New("table already registered")
	// ErrArity is returned when a row does not match the table schema width.
	ErrArity = errors.New("row does not match schema")
)

// Column is one typed output column.
type Column struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// Schema is the ordered column list of a table.
type Schema []Column

// Names returns the column names in order.
func (s Schema) Names() []string {
	out := make([]string, len(s))
	for i, c := range s {
		out[i] = c.Name
	}
	return out
}

// Index returns the position of the named column or -1.
func (s Schema) Index(name string) int {
	for i, c := range s {
		if c.Name == name {
			return i
		}
	}
	return -1
}

// Client receives rows appended to the tables it subscribes to.
type Client struct {
	// abstract over ws.Conn to avoid import cycles
	Send func(msgType string, payload any) error
}

// Update is pushed to subscribers whenever rows are appended.
type Update struct {
	Table string  `json:"table"`
	Rows  [][]any `json:"rows"`
}

// Table is an append-only in-memory table with a fixed schema.
type Table struct {
	ID     string
	Name   string
	Schema Schema

	mu      sync.RWMutex
	rows    [][]any
	clients map[*Client]struct{}
}

// NewTable creates an empty table with a fresh identity.
func NewTable(name string, schema Schema) *Table {
	return &Table{
		ID:      uuid.NewString(),
		Name:    name,
		Schema:  append(Schema(nil), schema...),
		clients: map[*Client]struct{}{},
	}
}

// AddRows appends rows. When cast is true every value is coerced to its
// column type first. Either all rows are appended or none are.
func (t *Table) AddRows(rows [][]any, cast bool) error {
	if len(rows) == 0 {
		return nil
	}
	batch := make([][]any, 0, len(rows))
	for i, r := range rows {
		if len(r) != len(t.Schema) {
			return fmt.Errorf("%s: row %d has %d values, want %d: %w", t.Name, i, len(r), len(t.Schema), ErrArity)
		}
		row := append([]any(nil), r...)
		if cast {
			for j, c := range t.Schema {
				v, err := Cast(row[j], c.Type)
				if err != nil {
					return fmt.Errorf("%s: row %d column %q: %w", t.Name, i, c.Name, err)
				}
				row[j] = v
			}
		}
		batch = append(batch, row)
	}

	t.mu.Lock()
	t.rows = append(t.rows, batch...)
	clients := make([]*Client, 0, len(t.clients))
	for cl := range t.clients {
		clients = append(clients, cl)
	}
	t.mu.Unlock()

	upd := Update{Table: t.Name, Rows: batch}
	for _, cl := range clients {
		_ = cl.Send("rows", upd)
	}
	return nil
}

// Rows returns a copy of up to limit rows starting at offset. A limit <= 0
// means all remaining rows.
func (t *Table) Rows(offset, limit int) [][]any {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if offset < 0 {
		offset = 0
	}
	if offset >= len(t.rows) {
		return [][]any{}
	}
	end := len(t.rows)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	out := make([][]any, end-offset)
	copy(out, t.rows[offset:end])
	return out
}

// Len returns the number of rows in the table.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.rows)
}

func (t *Table) Subscribe(cl *Client) {
	t.mu.Lock()
	t.clients[cl] = struct{}{}
	t.mu.Unlock()
}

func (t *Table) Unsubscribe(cl *Client) {
	t.mu.Lock()
	delete(t.clients, cl)
	t.mu.Unlock()
}

// Subscribers returns the number of attached clients.
func (t *Table) Subscribers() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.clients)
}
