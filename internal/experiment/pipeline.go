package experiment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/zoravur/expstream/internal/logutil"
	"github.com/zoravur/expstream/internal/poller"
	"github.com/zoravur/expstream/internal/sink"
	"github.com/zoravur/expstream/internal/source"
	"github.com/zoravur/expstream/pkg/streamquery"
)

// Pipeline states.
const (
	AwaitingSchema = "awaiting_schema"
	Replicating    = "replicating"
)

// pipeline carries one stream from its source table into an output table.
// resolve runs until the output table exists, then replicate takes over.
type pipeline struct {
	c      *Connector
	graph  GraphDescriptor
	stream Stream
	query  *streamquery.Query
	sql    string
	log    *zap.Logger

	mu    sync.Mutex
	state string
	table *sink.Table

	// owned by the replicator task
	offset atomic.Int64
	staged []source.Row
}

func newPipeline(c *Connector, g GraphDescriptor, s Stream) *pipeline {
	p := &pipeline{
		c:      c,
		graph:  g,
		stream: s,
		sql:    strings.TrimRight(strings.TrimSpace(s.SQL), ";"),
		state:  AwaitingSchema,
		log:    c.log.With(zap.String("graph", g.Name()), zap.String("stream", s.Name)),
	}
	q, err := streamquery.Parse(s.SQL)
	if err != nil {
		p.log.Warn("stream query not understood, stream will not be replicated",
			zap.String("sql", s.SQL), zap.Error(err))
		return p
	}
	p.query = q
	return p
}

func (p *pipeline) task(op string) taskKey {
	return taskKey{p: p, op: op}
}

// taskName labels the log lines of a task.
func (p *pipeline) taskName(op string) string {
	return op + ":" + p.graph.Name() + "/" + p.stream.Name
}

func (p *pipeline) tableName() string {
	return fmt.Sprintf("%s_%s_%s", p.graph.Name(), p.stream.Name, p.c.exp.ID)
}

func (p *pipeline) outputTable() *sink.Table {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.table
}

func (p *pipeline) status() PipelineStatus {
	p.mu.Lock()
	st := PipelineStatus{Graph: p.graph.Name(), Stream: p.stream.Name, State: p.state}
	if p.table != nil {
		st.Table = p.table.Name
	}
	p.mu.Unlock()
	st.Offset = p.offset.Load()
	return st
}

// resolve creates the output table once the source table exists.
func (p *pipeline) resolve(ctx context.Context) (poller.Result, error) {
	if p.outputTable() != nil {
		return poller.Done, nil
	}
	conn := p.c.liveConn()
	if conn == nil {
		return poller.Continue, nil
	}

	src := p.query.Qualified()
	ok, err := conn.TableExists(ctx, src)
	if err != nil {
		return poller.Continue, fmt.Errorf("checking for %s: %w", src, err)
	}
	if !ok {
		p.log.Debug("source table does not exist yet", zap.String("table", src))
		return poller.Continue, nil
	}
	cols, err := conn.Columns(ctx, src)
	if err != nil {
		return poller.Continue, fmt.Errorf("reading columns of %s: %w", src, err)
	}
	schema := outputSchema(p.query, cols)
	p.log.Debug("resolved stream schema", logutil.Values(
		zap.String("table", src),
		zap.Strings("columns", schema.Names()),
	))

	if ctx.Err() != nil {
		return poller.Continue, nil
	}
	out := sink.NewTable(p.tableName(), schema)
	if err := p.c.tables.Register(out); err != nil {
		if errors.Is(err, sink.ErrTableExists) {
			// another graph/stream pair maps to the same table name
			p.c.dropTask(p, opDescribe)
			return poller.Failed, err
		}
		return poller.Continue, err
	}
	opts, err := p.renderOptions(out)
	if err != nil {
		p.c.tables.Unregister(out.Name)
		return poller.Continue, err
	}
	if err := p.c.graphs.AddRows([][]any{{out.ID, opts}}, false); err != nil {
		p.c.tables.Unregister(out.Name)
		return poller.Continue, fmt.Errorf("announcing %s: %w", out.Name, err)
	}

	p.mu.Lock()
	p.table = out
	p.state = Replicating
	p.mu.Unlock()
	p.log.Info("stream table created", zap.String("table", out.Name), zap.String("id", out.ID))

	p.c.startReplication(p)
	return poller.Done, nil
}

// outputSchema keeps the requested columns that exist, in request order.
func outputSchema(q *streamquery.Query, cols []source.Column) sink.Schema {
	types := make(map[string]string, len(cols))
	for _, c := range cols {
		types[c.Name] = c.DataType
	}
	var schema sink.Schema
	for _, c := range q.Columns {
		dt, ok := types[c.Name]
		if !ok {
			continue
		}
		schema = append(schema, sink.Column{Name: c.Output(), Type: sink.TypeOf(dt)})
	}
	return schema
}

func (p *pipeline) renderOptions(out *sink.Table) (string, error) {
	opts := p.graph.RenderOptions()
	if opts == nil {
		opts = map[string]any{}
	}
	opts["data_sources"] = []map[string]any{{
		"name":            out.Name,
		"stream":          out.Name,
		"schema":          out.Schema,
		"update_interval": 1,
	}}
	b, err := json.Marshal(opts)
	if err != nil {
		return "", fmt.Errorf("render options: %w", err)
	}
	return string(b), nil
}

// replicate appends what the previous tick fetched, then fetches the next
// page. Rows are staged for one tick before they are appended.
func (p *pipeline) replicate(ctx context.Context) (poller.Result, error) {
	staged := p.staged
	p.staged = nil
	if len(staged) > 0 && p.c.IsConnected() {
		values := p.values(staged)
		if err := p.outputTable().AddRows(values, false); err != nil {
			return poller.Continue, fmt.Errorf("appending rows: %w", err)
		}
		p.offset.Add(int64(len(values)))
	}

	conn := p.c.liveConn()
	if conn == nil {
		return poller.Continue, nil
	}
	rows, err := conn.Fetch(ctx, pageSQL(p.sql, p.c.rc.PageSize, p.offset.Load()))
	if err != nil {
		if ctx.Err() != nil {
			return poller.Continue, nil
		}
		if source.IsConnLost(err) {
			p.c.connLost(conn)
		}
		return poller.Continue, fmt.Errorf("fetching rows: %w", err)
	}
	p.log.Debug("fetched rows", zap.Int("count", len(rows)), zap.Int64("offset", p.offset.Load()))
	p.staged = rows
	return poller.Continue, nil
}

// values converts rows into schema order and casts each value to its column
// type. Malformed rows are dropped; a value that cannot be cast becomes nil.
func (p *pipeline) values(rows []source.Row) [][]any {
	schema := p.outputTable().Schema
	out := make([][]any, 0, len(rows))
	for _, r := range rows {
		if !r.Valid() {
			p.log.Error("dropping malformed row",
				zap.Int("fields", len(r.Fields)), zap.Int("values", len(r.Values)))
			continue
		}
		vals := make([]any, len(schema))
		for i, col := range schema {
			raw, _ := r.Get(col.Name)
			v, err := sink.Cast(raw, col.Type)
			if err != nil {
				p.log.Error("value not castable, storing null",
					zap.String("column", col.Name), zap.String("type", col.Type), zap.Error(err))
				v = nil
			}
			vals[i] = v
		}
		out = append(out, vals)
	}
	return out
}

func pageSQL(sql string, limit int, offset int64) string {
	return fmt.Sprintf("%s LIMIT %d OFFSET %d", sql, limit, offset)
}
