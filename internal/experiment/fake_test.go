package experiment

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/zoravur/expstream/internal/config"
	"github.com/zoravur/expstream/internal/sink"
	"github.com/zoravur/expstream/internal/source"
)

const (
	waitTimeout = 5 * time.Second
	tick        = 10 * time.Millisecond
)

var errUnknownDB = &pgconn.PgError{Code: "3D000", Message: `database "exp1" does not exist`}

// fakeConn serves one source table and the metadata table from memory.
type fakeConn struct {
	mu       sync.Mutex
	tables   map[string][]source.Column
	data     []source.Row
	meta     []source.Row
	fetchErr error
	queries  []string
	closed   bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{tables: map[string][]source.Column{}}
}

func (f *fakeConn) addTable(name string, cols ...source.Column) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tables[name] = cols
}

func (f *fakeConn) addRows(rows ...source.Row) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data = append(f.data, rows...)
}

func (f *fakeConn) addMeta(rows ...source.Row) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.meta = append(f.meta, rows...)
}

func (f *fakeConn) setFetchErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetchErr = err
}

func (f *fakeConn) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeConn) fetched() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.queries...)
}

func (f *fakeConn) TableExists(_ context.Context, table string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.tables[table]
	return ok, nil
}

func (f *fakeConn) Columns(_ context.Context, table string) ([]source.Column, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tables[table], nil
}

var pageRe = regexp.MustCompile(`LIMIT (\d+) OFFSET (\d+)$`)

func (f *fakeConn) Fetch(_ context.Context, sql string, args ...any) ([]source.Row, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, sql)
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	if strings.Contains(sql, "oml_seq") {
		return page(f.meta, args[0].(int), int(args[1].(int64))), nil
	}
	m := pageRe.FindStringSubmatch(sql)
	if m == nil {
		return nil, fmt.Errorf("unexpected query %q", sql)
	}
	limit, _ := strconv.Atoi(m[1])
	offset, _ := strconv.Atoi(m[2])
	return page(f.data, limit, offset), nil
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func page(rows []source.Row, limit, offset int) []source.Row {
	if offset >= len(rows) {
		return nil
	}
	end := offset + limit
	if end > len(rows) {
		end = len(rows)
	}
	return append([]source.Row(nil), rows[offset:end]...)
}

// fakeDialer answers each Dial with the next scripted result. Once the
// script runs out every dial yields conn.
type fakeDialer struct {
	mu     sync.Mutex
	errs   []error
	conns  []*fakeConn
	uris   []string
	gate   chan struct{}
	dialed chan struct{}
}

func (d *fakeDialer) Dial(_ context.Context, uri string) (source.Conn, error) {
	d.mu.Lock()
	d.uris = append(d.uris, uri)
	gate, dialed := d.gate, d.dialed
	d.mu.Unlock()

	if dialed != nil {
		dialed <- struct{}{}
	}
	if gate != nil {
		<-gate
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.errs) > 0 {
		err := d.errs[0]
		d.errs = d.errs[1:]
		return nil, err
	}
	if len(d.conns) == 0 {
		return nil, errors.New("no more connections")
	}
	c := d.conns[0]
	if len(d.conns) > 1 {
		d.conns = d.conns[1:]
	}
	return c, nil
}

func (d *fakeDialer) uriList() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.uris...)
}

func (d *fakeDialer) dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.uris)
}

func row(fields []string, values ...any) source.Row {
	return source.Row{Fields: fields, Values: values}
}

func metaRow(domain, key, value string) source.Row {
	return row([]string{"domain", "key", "value"}, domain, key, value)
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Replication.ConnectInterval = time.Second
	cfg.Replication.SchemaInterval = time.Second
	cfg.Replication.FetchInterval = time.Second
	cfg.Replication.PageSize = 2
	cfg.Metadata.Interval = time.Second
	cfg.Metadata.PageSize = 100
	return cfg
}

type harness struct {
	clk    *testclock.Clock
	dialer *fakeDialer
	conn   *fakeConn
	exp    *Experiment
	graphs *sink.Table
	tables *sink.Registry
	c      *Connector
}

// newHarness builds a Connector whose first dial is scripted by errs.
func newHarness(t *testing.T, errs ...error) *harness {
	t.Helper()
	h := &harness{
		clk:    testclock.NewClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)),
		conn:   newFakeConn(),
		exp:    NewExperiment("exp1"),
		graphs: sink.NewTable("graphs_exp1", GraphTableSchema),
		tables: sink.NewRegistry(),
	}
	h.dialer = &fakeDialer{errs: errs, conns: []*fakeConn{h.conn}}
	h.c = NewConnector(h.exp, h.graphs, h.tables, testConfig(), h.dialer,
		WithClock(h.clk), WithLogger(zap.NewNop()))
	t.Cleanup(h.c.Disconnect)
	return h
}

func (h *harness) waitConnected(t *testing.T) {
	t.Helper()
	require.Eventually(t, h.c.IsConnected, waitTimeout, tick)
}

func (h *harness) pipelines() []*pipeline {
	h.c.mu.Lock()
	defer h.c.mu.Unlock()
	return append([]*pipeline(nil), h.c.pipelines...)
}

func (h *harness) hasTask(key taskKey) bool {
	h.c.mu.Lock()
	defer h.c.mu.Unlock()
	_, ok := h.c.tasks[key]
	return ok
}

func sensorGraph() *Graph {
	return &Graph{
		GraphName: "sensor",
		MStreams:  []Stream{{Name: "temp", SQL: `SELECT seq, reading AS celsius, gone FROM readings;`}},
		Options:   map[string]any{"type": "line_chart"},
	}
}
