package experiment

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/juju/clock"
	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/zoravur/expstream/internal/config"
	"github.com/zoravur/expstream/internal/poller"
	"github.com/zoravur/expstream/internal/sink"
	"github.com/zoravur/expstream/internal/source"
)

// Record is one row of the experiment controller's metadata table.
type Record struct {
	Domain string
	Key    string
	Value  string
}

// MetadataConsumer follows the metadata table of an experiment database.
// Records are appended to an output table; (sys, state) records update the
// experiment state. Once the experiment is complete and the table is drained
// the consumer stops for good.
type MetadataConsumer struct {
	exp   *Experiment
	table *sink.Table
	mc    config.MetadataConfig
	query string
	clk   clock.Clock
	log   *zap.Logger

	mu       sync.Mutex
	handle   *poller.Handle
	stopped  bool
	finished bool
	linkLost func(source.Conn)

	offset atomic.Int64
}

func NewMetadataConsumer(exp *Experiment, table *sink.Table, mc config.MetadataConfig, opts ...Option) *MetadataConsumer {
	o := buildOptions(opts)
	return &MetadataConsumer{
		exp:   exp,
		table: table,
		mc:    mc,
		query: fmt.Sprintf(`SELECT "domain", "key", "value" FROM %s ORDER BY "oml_seq" LIMIT $1 OFFSET $2`,
			pq.QuoteIdentifier(mc.Table)),
		clk: o.clock,
		log: o.log.With(zap.String("experiment", exp.ID), zap.String("component", "metadata")),
	}
}

// Start begins polling through conn. A running poll is replaced; the read
// position is kept.
func (m *MetadataConsumer) Start(conn source.Conn) {
	m.mu.Lock()
	if m.stopped || m.finished {
		m.mu.Unlock()
		return
	}
	old := m.handle
	m.handle = nil
	m.mu.Unlock()

	old.Stop()

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped || m.finished || m.handle != nil {
		return
	}
	m.handle = poller.Schedule(m.clk, m.mc.Interval,
		func(ctx context.Context) (poller.Result, error) { return m.poll(ctx, conn) },
		poller.WithName("metadata"),
		poller.WithLogger(m.log),
	)
}

// Stop cancels polling permanently and waits for a running poll to return.
func (m *MetadataConsumer) Stop() {
	m.mu.Lock()
	h := m.handle
	m.stopped = true
	m.mu.Unlock()
	h.Stop()
}

// onConnLost sets the function told about a connection that failed mid-poll.
// Polling through that connection stops until the next Start.
func (m *MetadataConsumer) onConnLost(fn func(source.Conn)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.linkLost = fn
}

// Finished reports whether the table was drained after completion.
func (m *MetadataConsumer) Finished() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.finished
}

// Offset is the number of metadata rows consumed so far.
func (m *MetadataConsumer) Offset() int64 {
	return m.offset.Load()
}

func (m *MetadataConsumer) poll(ctx context.Context, conn source.Conn) (poller.Result, error) {
	rows, err := conn.Fetch(ctx, m.query, m.mc.PageSize, m.offset.Load())
	if err != nil {
		if ctx.Err() != nil {
			return poller.Continue, nil
		}
		err = fmt.Errorf("reading %s: %w", m.mc.Table, err)
		if source.IsConnLost(err) {
			m.mu.Lock()
			lost := m.linkLost
			m.mu.Unlock()
			if lost != nil {
				lost(conn)
				return poller.Failed, err
			}
		}
		return poller.Continue, err
	}
	if len(rows) == 0 {
		if m.exp.Completed() {
			m.mu.Lock()
			m.finished = true
			m.mu.Unlock()
			m.log.Info("experiment completed, metadata drained", zap.Int64("rows", m.offset.Load()))
			return poller.Done, nil
		}
		return poller.Continue, nil
	}
	m.offset.Add(int64(len(rows)))

	batch := make([][]any, 0, len(rows))
	for _, r := range rows {
		rec := record(r)
		m.handleRecord(rec)
		batch = append(batch, []any{rec.Domain, rec.Key, rec.Value})
	}
	if err := m.table.AddRows(batch, false); err != nil {
		return poller.Continue, fmt.Errorf("appending metadata: %w", err)
	}
	return poller.Continue, nil
}

func (m *MetadataConsumer) handleRecord(rec Record) {
	if rec.Domain == "sys" && rec.Key == "state" {
		m.log.Debug("experiment state", zap.String("state", rec.Value))
		m.exp.SetState(rec.Value)
	}
}

func record(r source.Row) Record {
	return Record{
		Domain: text(r, "domain"),
		Key:    text(r, "key"),
		Value:  text(r, "value"),
	}
}

func text(r source.Row, field string) string {
	v, _ := r.Get(field)
	switch v := v.(type) {
	case nil:
		return ""
	case string:
		return v
	case []byte:
		return string(v)
	default:
		return fmt.Sprint(v)
	}
}
