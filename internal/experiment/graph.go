package experiment

import "github.com/zoravur/expstream/internal/sink"

// Stream is one named stream of a graph and the query selecting its rows.
type Stream struct {
	Name string `json:"name"`
	SQL  string `json:"sql"`
}

// GraphDescriptor declares the streams behind one visualization.
type GraphDescriptor interface {
	Name() string
	Streams() []Stream
	RenderOptions() map[string]any
}

// Graph is the plain GraphDescriptor submitted by hosts.
type Graph struct {
	GraphName string         `json:"name"`
	MStreams  []Stream       `json:"mstreams"`
	Options   map[string]any `json:"render_options,omitempty"`
}

func (g *Graph) Name() string { return g.GraphName }

func (g *Graph) Streams() []Stream { return append([]Stream(nil), g.MStreams...) }

// RenderOptions returns a shallow copy so callers can add keys freely.
func (g *Graph) RenderOptions() map[string]any {
	out := make(map[string]any, len(g.Options)+1)
	for k, v := range g.Options {
		out[k] = v
	}
	return out
}

// GraphTableSchema is the schema of the per-experiment table announcing
// resolved stream tables to the UI.
var GraphTableSchema = sink.Schema{
	{Name: "table_id", Type: sink.TypeString},
	{Name: "render_options", Type: sink.TypeJSON},
}

// MetadataSchema is the schema of the per-experiment metadata table.
var MetadataSchema = sink.Schema{
	{Name: "domain", Type: sink.TypeString},
	{Name: "key", Type: sink.TypeString},
	{Name: "value", Type: sink.TypeString},
}
