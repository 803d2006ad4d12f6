// Package experiment mirrors the tables of a running experiment's database
// into in-memory output tables.
//
// A Connector owns the database connection of one experiment and, per
// stream of every registered graph, a pipeline that first waits for the
// stream's source table to appear and then copies new rows page by page.
// A MetadataConsumer follows the experiment's metadata table and turns
// state records into experiment state changes. Engine ties the pieces
// together for every experiment a host is watching.
package experiment

import (
	"sync"

	"github.com/juju/clock"
	"go.uber.org/zap"

	"github.com/zoravur/expstream/internal/source"
)

// Experiment is a run whose measurements land in the database named after ID.
type Experiment struct {
	ID string

	mu        sync.RWMutex
	state     string
	completed bool
}

func NewExperiment(id string) *Experiment {
	return &Experiment{ID: id}
}

func (e *Experiment) State() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

// SetState records the latest reported state; last writer wins.
func (e *Experiment) SetState(s string) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()
}

func (e *Experiment) Completed() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.completed
}

// MarkCompleted flags that the experiment will produce no further data.
func (e *Experiment) MarkCompleted() {
	e.mu.Lock()
	e.completed = true
	e.mu.Unlock()
}

// Option configures Connector, MetadataConsumer and Engine.
type Option func(*options)

type options struct {
	clock       clock.Clock
	log         *zap.Logger
	onConnected []func(source.Conn)
}

func buildOptions(opts []Option) options {
	o := options{clock: clock.WallClock, log: zap.L()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithClock replaces the wall clock driving all periodic tasks.
func WithClock(clk clock.Clock) Option {
	return func(o *options) { o.clock = clk }
}

func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.log = l
		}
	}
}

// OnConnected registers fn to run with the raw connection after every
// successful connect.
func OnConnected(fn func(source.Conn)) Option {
	return func(o *options) { o.onConnected = append(o.onConnected, fn) }
}
