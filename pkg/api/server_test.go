package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tcmartin/flowstudio/pkg/config"
	"github.com/tcmartin/flowstudio/pkg/middleware"
	"github.com/tcmartin/flowstudio/pkg/registry"
	"github.com/tcmartin/flowstudio/pkg/runtime"
	"github.com/tcmartin/flowstudio/pkg/statusbus"
	"github.com/tcmartin/flowstudio/pkg/storage"
	"github.com/tcmartin/flowstudio/pkg/workflow"
)

type failingEngine struct{}

func (failingEngine) StartRun(ctx context.Context, req runtime.RunRequest) (runtime.Run, error) {
	return runtime.Run{}, fmt.Errorf("%w: engine unavailable", runtime.ErrEngine)
}

type testEnv struct {
	server *Server
	http   *httptest.Server
	bus    *statusbus.MemoryBus
	jwt    *middleware.JWTService
}

func newTestEnv(t *testing.T, engine runtime.Engine) *testEnv {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Auth.JWTSecret = "test-secret"
	cfg.Server.AllowedOrigins = []string{"*"}

	jwtService := middleware.NewJWTService(cfg.Auth.JWTSecret, 1)
	bus := statusbus.NewMemoryBus(16)
	reg := registry.NewWorkflowRegistry(storage.NewMemoryWorkflowStore(), registry.Options{})
	if engine == nil {
		engine = runtime.NewDetachedEngine()
	}

	server := NewServer(cfg, reg, engine, bus, jwtService)
	ts := httptest.NewServer(server.Handler())
	t.Cleanup(func() {
		server.Stop(context.Background())
		ts.Close()
		bus.Close()
	})
	return &testEnv{server: server, http: ts, bus: bus, jwt: jwtService}
}

func (e *testEnv) token(t *testing.T, companyID string) string {
	t.Helper()
	token, err := e.jwt.GenerateToken(companyID, "tester")
	require.NoError(t, err)
	return token
}

func (e *testEnv) do(t *testing.T, method, path, token string, body interface{}) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		switch b := body.(type) {
		case string:
			buf.WriteString(b)
		default:
			require.NoError(t, json.NewEncoder(&buf).Encode(b))
		}
	}
	req, err := http.NewRequest(method, e.http.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func supportWorkflow(t *testing.T) workflow.SaveRequest {
	t.Helper()
	g := workflow.NewSeededGraph()
	listen, err := workflow.NewNode("ask", workflow.KindListen, "Ask")
	require.NoError(t, err)
	require.NoError(t, g.AddNode(listen))
	require.NoError(t, g.UpdateNodeConfig("ask", map[string]any{"save_variable": "email"}))
	out, err := workflow.NewNode("out", workflow.KindResponse, "Reply")
	require.NoError(t, err)
	require.NoError(t, g.AddNode(out))
	_, err = g.AddEdge(workflow.Edge{ID: "e1", Source: "start", Target: "ask"})
	require.NoError(t, err)
	_, err = g.AddEdge(workflow.Edge{ID: "e2", Source: "ask", Target: "out"})
	require.NoError(t, err)
	return workflow.NewSaveRequest("Support", "support intake", g)
}

func (e *testEnv) create(t *testing.T, token string) workflow.Document {
	t.Helper()
	resp := e.do(t, http.MethodPost, "/api/v1/workflows", token, supportWorkflow(t))
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var doc workflow.Document
	decode(t, resp, &doc)
	return doc
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, nil)
	resp := env.do(t, http.MethodGet, "/api/v1/health", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]string
	decode(t, resp, &body)
	assert.Equal(t, "ok", body["status"])
}

func TestRequiresToken(t *testing.T) {
	env := newTestEnv(t, nil)

	resp := env.do(t, http.MethodGet, "/api/v1/workflows", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = env.do(t, http.MethodGet, "/api/v1/workflows", "not-a-token", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestWorkflowLifecycle(t *testing.T) {
	env := newTestEnv(t, nil)
	token := env.token(t, "acme")

	doc := env.create(t, token)
	assert.NotEmpty(t, doc.ID)
	assert.Equal(t, "Support", doc.Name)
	assert.Equal(t, 1, doc.Version)
	require.NotNil(t, doc.VisualSteps)
	assert.Len(t, doc.VisualSteps.Nodes, 3)

	resp := env.do(t, http.MethodGet, "/api/v1/workflows/"+doc.ID, token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var fetched workflow.Document
	decode(t, resp, &fetched)
	assert.Equal(t, doc.ID, fetched.ID)

	update := supportWorkflow(t)
	update.Name = "Support v2"
	resp = env.do(t, http.MethodPut, "/api/v1/workflows/"+doc.ID, token, update)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var updated workflow.Document
	decode(t, resp, &updated)
	assert.Equal(t, 2, updated.Version)
	assert.Equal(t, "Support v2", updated.Name)

	resp = env.do(t, http.MethodGet, "/api/v1/workflows/"+doc.ID+"/versions", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var versions []storage.VersionInfo
	decode(t, resp, &versions)
	assert.Len(t, versions, 2)

	resp = env.do(t, http.MethodGet, "/api/v1/workflows/"+doc.ID+"/versions/1", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var first workflow.Document
	decode(t, resp, &first)
	assert.Equal(t, "Support", first.Name)
	assert.Equal(t, 1, first.Version)

	resp = env.do(t, http.MethodGet, "/api/v1/workflows/"+doc.ID+"/versions/9", token, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = env.do(t, http.MethodPut, "/api/v1/workflows/"+doc.ID+"/active", token, ActiveRequest{IsActive: true})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var active workflow.Document
	decode(t, resp, &active)
	assert.True(t, active.IsActive)

	resp = env.do(t, http.MethodGet, "/api/v1/workflows", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list []storage.WorkflowMetadata
	decode(t, resp, &list)
	require.Len(t, list, 1)
	assert.Equal(t, doc.ID, list[0].ID)

	resp = env.do(t, http.MethodDelete, "/api/v1/workflows/"+doc.ID, token, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = env.do(t, http.MethodGet, "/api/v1/workflows/"+doc.ID, token, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCreateRejectsInvalidGraph(t *testing.T) {
	env := newTestEnv(t, nil)
	token := env.token(t, "acme")

	req := workflow.NewSaveRequest("Broken", "", workflow.NewSeededGraph())
	resp := env.do(t, http.MethodPost, "/api/v1/workflows", token, req)
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	var body ErrorResponse
	decode(t, resp, &body)
	assert.NotEmpty(t, body.Error)
	assert.Contains(t, workflow.Messages(body.Violations), "missing output node")

	resp = env.do(t, http.MethodGet, "/api/v1/workflows", token, nil)
	var list []storage.WorkflowMetadata
	decode(t, resp, &list)
	assert.Empty(t, list)
}

func TestCreateBadRequests(t *testing.T) {
	env := newTestEnv(t, nil)
	token := env.token(t, "acme")

	resp := env.do(t, http.MethodPost, "/api/v1/workflows", token, "{not json")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	unnamed := supportWorkflow(t)
	unnamed.Name = ""
	resp = env.do(t, http.MethodPost, "/api/v1/workflows", token, unnamed)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestValidateEndpoint(t *testing.T) {
	env := newTestEnv(t, nil)
	token := env.token(t, "acme")

	resp := env.do(t, http.MethodPost, "/api/v1/workflows/validate", token, supportWorkflow(t))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var ok ValidationResponse
	decode(t, resp, &ok)
	assert.True(t, ok.Valid)
	assert.NotNil(t, ok.Violations)
	assert.Empty(t, ok.Violations)

	broken := workflow.NewSaveRequest("Broken", "", workflow.NewSeededGraph())
	resp = env.do(t, http.MethodPost, "/api/v1/workflows/validate", token, broken)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var bad ValidationResponse
	decode(t, resp, &bad)
	assert.False(t, bad.Valid)
	assert.NotEmpty(t, bad.Violations)
}

func TestVariablesEndpoint(t *testing.T) {
	env := newTestEnv(t, nil)
	token := env.token(t, "acme")
	doc := env.create(t, token)

	resp := env.do(t, http.MethodGet, "/api/v1/workflows/"+doc.ID+"/nodes/out/variables", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var suggestions []workflow.Suggestion
	decode(t, resp, &suggestions)

	values := make([]string, 0, len(suggestions))
	for _, s := range suggestions {
		values = append(values, s.Value)
	}
	assert.Equal(t, []string{"{{start.output}}", "{{ask.output}}", "{{context.email}}"}, values)

	resp = env.do(t, http.MethodGet, "/api/v1/workflows/"+doc.ID+"/nodes/missing/variables", token, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCompanyIsolation(t *testing.T) {
	env := newTestEnv(t, nil)
	acme := env.token(t, "acme")
	globex := env.token(t, "globex")
	doc := env.create(t, acme)

	resp := env.do(t, http.MethodGet, "/api/v1/workflows/"+doc.ID, globex, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = env.do(t, http.MethodDelete, "/api/v1/workflows/"+doc.ID, globex, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = env.do(t, http.MethodGet, "/api/v1/workflows", globex, nil)
	var list []storage.WorkflowMetadata
	decode(t, resp, &list)
	assert.Empty(t, list)
}

func TestStartRun(t *testing.T) {
	env := newTestEnv(t, nil)
	token := env.token(t, "acme")
	doc := env.create(t, token)

	resp := env.do(t, http.MethodPost, "/api/v1/workflows/"+doc.ID+"/runs", token, nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var run runtime.Run
	decode(t, resp, &run)
	assert.NotEmpty(t, run.RunID)
	assert.NotEmpty(t, run.SessionID)
	assert.Equal(t, doc.ID, run.WorkflowID)

	resp = env.do(t, http.MethodPost, "/api/v1/workflows/"+doc.ID+"/runs", token, RunStartRequest{Version: 5})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = env.do(t, http.MethodPost, "/api/v1/workflows/missing/runs", token, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestStartRunEngineFailure(t *testing.T) {
	env := newTestEnv(t, failingEngine{})
	token := env.token(t, "acme")
	doc := env.create(t, token)

	resp := env.do(t, http.MethodPost, "/api/v1/workflows/"+doc.ID+"/runs", token, RunStartRequest{Version: 1})
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
}

func TestIngestEvents(t *testing.T) {
	env := newTestEnv(t, nil)
	token := env.token(t, "acme")

	sub, err := env.bus.Subscribe(context.Background(), "acme", "run-1")
	require.NoError(t, err)
	defer sub.Close()

	batch := `[
		{"type":"node_status","node_id":"start","status":"completed"},
		{"node_id":"ask","status":"running"},
		{"type":"session_reopened"}
	]`
	resp := env.do(t, http.MethodPost, "/api/v1/sessions/run-1/events", token, batch)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var body IngestResponse
	decode(t, resp, &body)
	assert.Equal(t, 3, body.Published)

	var got []runtime.Envelope
	for i := 0; i < 3; i++ {
		got = append(got, <-sub.Events())
	}
	assert.Equal(t, "start", got[0].NodeID)
	assert.Equal(t, "acme", got[0].CompanyID)
	assert.Equal(t, "run-1", got[0].SessionID)
	assert.Equal(t, runtime.EnvelopeNodeStatus, got[1].Type)
	assert.Equal(t, "ask", got[1].NodeID)
	assert.Equal(t, runtime.EnvelopeSessionReopened, got[2].Type)
	assert.False(t, got[2].Timestamp.IsZero())
}

func TestIngestRejectsMalformedEnvelopes(t *testing.T) {
	env := newTestEnv(t, nil)
	token := env.token(t, "acme")

	sub, err := env.bus.Subscribe(context.Background(), "acme", "run-1")
	require.NoError(t, err)
	defer sub.Close()

	tests := []struct {
		name string
		body string
	}{
		{"not json", `{oops`},
		{"missing type", `{"status":"running"}`},
		{"unknown status", `{"type":"node_status","node_id":"ask","status":"exploded"}`},
		{"missing node", `{"type":"node_status","status":"running"}`},
		{"bad entry in batch", `[{"node_id":"ask","status":"running"},{"node_id":"out","status":"nope"}]`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := env.do(t, http.MethodPost, "/api/v1/sessions/run-1/events", token, tt.body)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		})
	}

	select {
	case got := <-sub.Events():
		t.Fatalf("unexpected envelope published: %+v", got)
	default:
	}
}

func TestCORSPreflight(t *testing.T) {
	env := newTestEnv(t, nil)

	req, err := http.NewRequest(http.MethodOptions, env.http.URL+"/api/v1/workflows", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "https://console.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("Access-Control-Allow-Origin"))
}
