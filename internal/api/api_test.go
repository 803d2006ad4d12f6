package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/zoravur/expstream/internal/config"
	"github.com/zoravur/expstream/internal/experiment"
	"github.com/zoravur/expstream/internal/sink"
	"github.com/zoravur/expstream/internal/source"
)

// missingDB behaves like a server on which no experiment database exists yet.
type missingDB struct{}

func (missingDB) Dial(context.Context, string) (source.Conn, error) {
	return nil, &pgconn.PgError{Code: "3D000"}
}

func newTestServer(t *testing.T) (http.Handler, *sink.Registry, *experiment.Engine) {
	t.Helper()
	reg := sink.NewRegistry()
	eng := experiment.NewEngine(reg, config.Default(), missingDB{}, experiment.WithLogger(zap.NewNop()))
	t.Cleanup(eng.Close)
	return SetupRoutes(reg, eng), reg, eng
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestTables(t *testing.T) {
	h, reg, _ := newTestServer(t)

	rec := do(t, h, http.MethodGet, "/api/tables", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())

	tbl := sink.NewTable("temps", sink.Schema{{Name: "v", Type: sink.TypeInteger}})
	require.NoError(t, reg.Register(tbl))
	require.NoError(t, tbl.AddRows([][]any{{1}, {2}, {3}}, true))

	list := decode[[]map[string]any](t, do(t, h, http.MethodGet, "/api/tables", ""))
	require.Len(t, list, 1)
	assert.Equal(t, "temps", list[0]["name"])
	assert.EqualValues(t, 3, list[0]["rows"])

	rec = do(t, h, http.MethodGet, "/api/tables/temps?offset=1&limit=1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode[map[string]any](t, rec)
	assert.Equal(t, tbl.ID, body["id"])
	assert.EqualValues(t, 3, body["total"])
	assert.Equal(t, []any{[]any{2.0}}, body["rows"])

	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodGet, "/api/tables/temps?offset=-1", "").Code)
	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodGet, "/api/tables/temps?limit=x", "").Code)
	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodGet, "/api/tables/nope", "").Code)
}

func TestExperimentLifecycle(t *testing.T) {
	h, reg, eng := newTestServer(t)

	rec := do(t, h, http.MethodPut, "/api/experiments/exp1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	st := decode[experiment.Status](t, rec)
	assert.Equal(t, "exp1", st.ID)
	assert.Equal(t, "graphs_exp1", st.GraphTable)
	assert.Equal(t, "ec_exp1", st.MetadataTable)
	_, ok := reg.Get("graphs_exp1")
	assert.True(t, ok)

	graph := `{"name":"sensor","mstreams":[{"name":"temp","sql":"SELECT seq FROM readings"}],"render_options":{"type":"line_chart"}}`
	assert.Equal(t, http.StatusAccepted, do(t, h, http.MethodPost, "/api/experiments/exp1/graphs", graph).Code)
	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodPost, "/api/experiments/exp1/graphs", `{"name":"x"}`).Code)
	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodPost, "/api/experiments/exp1/graphs", `nope`).Code)
	dup := `{"name":"twice","mstreams":[{"name":"s","sql":"SELECT a FROM t"},{"name":"s","sql":"SELECT b FROM t"}]}`
	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodPost, "/api/experiments/exp1/graphs", dup).Code)
	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodPost, "/api/experiments/exp9/graphs", graph).Code)

	assert.Equal(t, http.StatusNoContent, do(t, h, http.MethodPost, "/api/experiments/exp1/complete", "").Code)
	st = decode[experiment.Status](t, do(t, h, http.MethodGet, "/api/experiments/exp1", ""))
	assert.True(t, st.Completed)

	list := decode[[]experiment.Status](t, do(t, h, http.MethodGet, "/api/experiments", ""))
	require.Len(t, list, 1)

	assert.Equal(t, http.StatusNoContent, do(t, h, http.MethodDelete, "/api/experiments/exp1", "").Code)
	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodGet, "/api/experiments/exp1", "").Code)
	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodDelete, "/api/experiments/exp1", "").Code)
	assert.Empty(t, eng.IDs())
	assert.Empty(t, reg.Snapshot())
}

func TestRequestID(t *testing.T) {
	h, _, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/tables", nil)
	req.Header.Set("X-Request-ID", "abc")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, "abc", rec.Header().Get("X-Request-ID"))

	rec = do(t, h, http.MethodGet, "/api/tables", "")
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestWebSocketStreamsRows(t *testing.T) {
	h, reg, _ := newTestServer(t)
	srv := httptest.NewServer(h)
	defer srv.Close()

	tbl := sink.NewTable("temps", sink.Schema{{Name: "v", Type: sink.TypeInteger}})
	require.NoError(t, reg.Register(tbl))

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "subscribe", "table": "temps"}))
	var msg struct {
		Type string         `json:"type"`
		Data map[string]any `json:"data"`
	}
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "subscribed", msg.Type)
	assert.Equal(t, tbl.ID, msg.Data["id"])

	require.NoError(t, tbl.AddRows([][]any{{7}}, true))
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "rows", msg.Type)
	assert.Equal(t, "temps", msg.Data["table"])
	assert.Equal(t, []any{[]any{7.0}}, msg.Data["rows"])
}
