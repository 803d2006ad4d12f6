package experiment

import (
	"context"
	"fmt"
	"sync"

	"github.com/juju/clock"
	"go.uber.org/zap"

	"github.com/zoravur/expstream/internal/config"
	"github.com/zoravur/expstream/internal/poller"
	"github.com/zoravur/expstream/internal/sink"
	"github.com/zoravur/expstream/internal/source"
)

// ConnState is the lifecycle state of a Connector.
type ConnState int

const (
	Disconnected ConnState = iota
	Connecting
	Connected
)

func (s ConnState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// taskKey identifies a periodic task of a Connector. Pipeline tasks are keyed
// by pipeline identity; the connect task has none.
type taskKey struct {
	p  *pipeline
	op string
}

const (
	opDescribe = "describe"
	opQuery    = "query"
)

var connectTask = taskKey{op: "connect"}

type graphEntry struct {
	descr     GraphDescriptor
	processed bool
}

// Connector owns the connection to one experiment database and every
// periodic task reading through it.
type Connector struct {
	exp    *Experiment
	graphs *sink.Table
	tables *sink.Registry
	creds  source.Credentials
	rc     config.ReplicationConfig
	dialer source.Dialer
	clk    clock.Clock
	log    *zap.Logger
	hooks  []func(source.Conn)

	mu        sync.Mutex
	state     ConnState
	conn      source.Conn
	closed    bool
	entries   []*graphEntry
	byName    map[string]*graphEntry
	pipelines []*pipeline
	tasks     map[taskKey]*poller.Handle
}

// NewConnector starts connecting to the experiment's database in the
// background. Resolved stream tables are registered in tables and announced
// in graphs.
func NewConnector(exp *Experiment, graphs *sink.Table, tables *sink.Registry, cfg *config.Config, dialer source.Dialer, opts ...Option) *Connector {
	o := buildOptions(opts)
	c := &Connector{
		exp:    exp,
		graphs: graphs,
		tables: tables,
		creds:  cfg.Database.Credentials(),
		rc:     cfg.Replication,
		dialer: dialer,
		clk:    o.clock,
		log:    o.log.With(zap.String("experiment", exp.ID)),
		hooks:  o.onConnected,
		byName: map[string]*graphEntry{},
		tasks:  map[taskKey]*poller.Handle{},
	}
	c.mu.Lock()
	c.scheduleConnectLocked()
	c.mu.Unlock()
	return c
}

// AddGraph registers a graph. Its streams start resolving right away when
// connected, otherwise once the connection comes up. A graph whose name is
// already registered is ignored.
func (c *Connector) AddGraph(d GraphDescriptor) {
	c.mu.Lock()
	if _, ok := c.byName[d.Name()]; ok {
		c.mu.Unlock()
		c.log.Debug("graph already registered", zap.String("graph", d.Name()))
		return
	}
	e := &graphEntry{descr: d}
	c.entries = append(c.entries, e)
	c.byName[d.Name()] = e
	now := c.state == Connected && !c.closed
	if now {
		e.processed = true
	}
	c.mu.Unlock()

	if now {
		c.initGraph(d)
	}
}

// Disconnect closes the connection and stops every task, waiting for running
// ones to return. No task runs after it returns and the connector never
// reconnects. It must not be called from inside a task.
func (c *Connector) Disconnect() {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.state = Disconnected
	c.closed = true
	tasks := c.tasks
	c.tasks = map[taskKey]*poller.Handle{}
	c.mu.Unlock()

	for _, h := range tasks {
		h.Stop()
	}
	if conn != nil {
		if err := conn.Close(); err != nil {
			c.log.Warn("closing connection", zap.Error(err))
		}
		c.log.Info("disconnected")
	}
}

func (c *Connector) IsConnected() bool {
	return c.State() == Connected
}

func (c *Connector) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// PipelineStatus describes one stream pipeline.
type PipelineStatus struct {
	Graph  string `json:"graph"`
	Stream string `json:"stream"`
	State  string `json:"state"`
	Table  string `json:"table,omitempty"`
	Offset int64  `json:"offset"`
}

// Pipelines lists every stream pipeline in registration order.
func (c *Connector) Pipelines() []PipelineStatus {
	c.mu.Lock()
	ps := append([]*pipeline(nil), c.pipelines...)
	c.mu.Unlock()

	out := make([]PipelineStatus, 0, len(ps))
	for _, p := range ps {
		out = append(out, p.status())
	}
	return out
}

// tableNames returns the names of all registered stream tables.
func (c *Connector) tableNames() []string {
	var names []string
	for _, st := range c.Pipelines() {
		if st.Table != "" {
			names = append(names, st.Table)
		}
	}
	return names
}

func (c *Connector) liveConn() source.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Connected {
		return nil
	}
	return c.conn
}

func (c *Connector) scheduleConnectLocked() {
	if c.closed {
		return
	}
	if _, ok := c.tasks[connectTask]; ok {
		return
	}
	c.state = Connecting
	c.tasks[connectTask] = poller.Schedule(c.clk, c.rc.ConnectInterval, c.connect,
		poller.Immediately(),
		poller.WithName(connectTask.op),
		poller.WithLogger(c.log),
	)
}

func (c *Connector) connect(ctx context.Context) (poller.Result, error) {
	conn, err := c.dialer.Dial(ctx, c.creds.URI(c.exp.ID))
	if err != nil {
		if ctx.Err() != nil {
			return poller.Continue, nil
		}
		if source.IsUnknownDatabase(err) {
			c.log.Debug("database does not exist yet", zap.String("host", c.creds.Host))
			return poller.Continue, nil
		}
		c.mu.Lock()
		delete(c.tasks, connectTask)
		if c.state == Connecting {
			c.state = Disconnected
		}
		c.mu.Unlock()
		return poller.Failed, fmt.Errorf("connecting to experiment database: %w", err)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = conn.Close()
		return poller.Done, nil
	}
	c.conn = conn
	c.state = Connected
	delete(c.tasks, connectTask)
	var pending []GraphDescriptor
	for _, e := range c.entries {
		if !e.processed {
			e.processed = true
			pending = append(pending, e.descr)
		}
	}
	c.mu.Unlock()

	c.log.Info("connected", zap.String("host", c.creds.Host), zap.Int("pending_graphs", len(pending)))
	for _, d := range pending {
		c.initGraph(d)
	}
	for _, fn := range c.hooks {
		fn(conn)
	}
	return poller.Done, nil
}

// connLost drops conn after a link failure and starts reconnecting. Only the
// first report for a given handle has an effect.
func (c *Connector) connLost(conn source.Conn) {
	c.mu.Lock()
	if c.closed || c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.scheduleConnectLocked()
	c.mu.Unlock()

	_ = conn.Close()
	c.log.Warn("lost connection to experiment database, reconnecting")
}

func (c *Connector) initGraph(d GraphDescriptor) {
	seen := map[string]bool{}
	for _, s := range d.Streams() {
		if seen[s.Name] {
			c.log.Warn("duplicate stream name, ignoring",
				zap.String("graph", d.Name()), zap.String("stream", s.Name))
			continue
		}
		seen[s.Name] = true

		p := newPipeline(c, d, s)
		c.mu.Lock()
		c.pipelines = append(c.pipelines, p)
		if p.query != nil && !c.closed {
			c.tasks[p.task(opDescribe)] = poller.Schedule(c.clk, c.rc.SchemaInterval, p.resolve,
				poller.WithName(p.taskName(opDescribe)),
				poller.WithLogger(p.log),
			)
		}
		c.mu.Unlock()
	}
}

// startReplication swaps the resolver of p for its replicator.
func (c *Connector) startReplication(p *pipeline) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tasks[p.task(opDescribe)].Cancel()
	delete(c.tasks, p.task(opDescribe))
	if c.closed {
		return
	}
	c.tasks[p.task(opQuery)] = poller.Schedule(c.clk, c.rc.FetchInterval, p.replicate,
		poller.WithName(p.taskName(opQuery)),
		poller.WithLogger(p.log),
	)
}

func (c *Connector) taskCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.tasks)
}

// dropTask forgets the task of p for op once it has given up on its own.
func (c *Connector) dropTask(p *pipeline, op string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tasks[p.task(op)].Cancel()
	delete(c.tasks, p.task(op))
}
