package experiment

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/zoravur/expstream/internal/config"
	"github.com/zoravur/expstream/internal/sink"
	"github.com/zoravur/expstream/internal/source"
)

var ErrUnknownExperiment = errors.New("unknown experiment")

// Run is everything the engine keeps for one watched experiment.
type Run struct {
	Experiment *Experiment
	Connector  *Connector
	Metadata   *MetadataConsumer
	Graphs     *sink.Table
	Events     *sink.Table
}

// Status is a point-in-time summary of a Run.
type Status struct {
	ID             string           `json:"id"`
	State          string           `json:"state"`
	Completed      bool             `json:"completed"`
	Connection     string           `json:"connection"`
	GraphTable     string           `json:"graph_table"`
	MetadataTable  string           `json:"metadata_table"`
	MetadataOffset int64            `json:"metadata_offset"`
	Pipelines      []PipelineStatus `json:"pipelines"`
}

func (r *Run) Status() Status {
	return Status{
		ID:             r.Experiment.ID,
		State:          r.Experiment.State(),
		Completed:      r.Experiment.Completed(),
		Connection:     r.Connector.State().String(),
		GraphTable:     r.Graphs.Name,
		MetadataTable:  r.Events.Name,
		MetadataOffset: r.Metadata.Offset(),
		Pipelines:      r.Connector.Pipelines(),
	}
}

// Engine watches experiments and publishes their tables into one registry.
type Engine struct {
	tables *sink.Registry
	cfg    *config.Config
	dialer source.Dialer
	opts   []Option
	log    *zap.Logger

	mu   sync.Mutex
	runs map[string]*Run
}

func NewEngine(tables *sink.Registry, cfg *config.Config, dialer source.Dialer, opts ...Option) *Engine {
	return &Engine{
		tables: tables,
		cfg:    cfg,
		dialer: dialer,
		opts:   opts,
		log:    buildOptions(opts).log,
		runs:   map[string]*Run{},
	}
}

// Start begins watching experiment id. Starting a watched experiment
// returns the existing run.
func (e *Engine) Start(id string) (*Run, error) {
	if id == "" {
		return nil, errors.New("experiment id is empty")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if r, ok := e.runs[id]; ok {
		return r, nil
	}

	graphs := sink.NewTable("graphs_"+id, GraphTableSchema)
	if err := e.tables.Register(graphs); err != nil {
		return nil, fmt.Errorf("graph table: %w", err)
	}
	events := sink.NewTable("ec_"+id, MetadataSchema)
	if err := e.tables.Register(events); err != nil {
		e.tables.Unregister(graphs.Name)
		return nil, fmt.Errorf("metadata table: %w", err)
	}

	exp := NewExperiment(id)
	md := NewMetadataConsumer(exp, events, e.cfg.Metadata, e.opts...)
	opts := append(append([]Option(nil), e.opts...), OnConnected(md.Start))
	r := &Run{
		Experiment: exp,
		Connector:  NewConnector(exp, graphs, e.tables, e.cfg, e.dialer, opts...),
		Metadata:   md,
		Graphs:     graphs,
		Events:     events,
	}
	md.onConnLost(r.Connector.connLost)
	e.runs[id] = r
	e.log.Info("watching experiment", zap.String("experiment", id))
	return r, nil
}

func (e *Engine) Get(id string) (*Run, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.runs[id]
	return r, ok
}

// IDs lists the watched experiments.
func (e *Engine) IDs() []string {
	e.mu.Lock()
	ids := make([]string, 0, len(e.runs))
	for id := range e.runs {
		ids = append(ids, id)
	}
	e.mu.Unlock()
	sort.Strings(ids)
	return ids
}

func (e *Engine) AddGraph(id string, d GraphDescriptor) error {
	r, ok := e.Get(id)
	if !ok {
		return fmt.Errorf("%s: %w", id, ErrUnknownExperiment)
	}
	r.Connector.AddGraph(d)
	return nil
}

// Complete marks the experiment as finished. Its metadata consumer stops
// once it has read everything.
func (e *Engine) Complete(id string) error {
	r, ok := e.Get(id)
	if !ok {
		return fmt.Errorf("%s: %w", id, ErrUnknownExperiment)
	}
	r.Experiment.MarkCompleted()
	return nil
}

// Stop stops watching id and removes its tables from the registry.
func (e *Engine) Stop(id string) error {
	e.mu.Lock()
	r, ok := e.runs[id]
	delete(e.runs, id)
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("%s: %w", id, ErrUnknownExperiment)
	}
	e.stopRun(r)
	return nil
}

// Close stops every run.
func (e *Engine) Close() {
	e.mu.Lock()
	runs := e.runs
	e.runs = map[string]*Run{}
	e.mu.Unlock()
	for _, r := range runs {
		e.stopRun(r)
	}
}

func (e *Engine) stopRun(r *Run) {
	r.Connector.Disconnect()
	r.Metadata.Stop()
	for _, name := range r.Connector.tableNames() {
		e.tables.Unregister(name)
	}
	e.tables.Unregister(r.Graphs.Name)
	e.tables.Unregister(r.Events.Name)
	e.log.Info("stopped watching experiment", zap.String("experiment", r.Experiment.ID))
}
