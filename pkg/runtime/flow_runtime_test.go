package runtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPEngineStartRun(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/runs", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))

		var req RunRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "wf-1", req.WorkflowID)
		assert.Equal(t, "acme", req.CompanyID)

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"run_id": "run-1"})
	}))
	defer server.Close()

	engine := NewHTTPEngine(server.URL+"/", "secret", time.Second)
	run, err := engine.StartRun(context.Background(), RunRequest{CompanyID: "acme", WorkflowID: "wf-1"})
	require.NoError(t, err)

	assert.Equal(t, "run-1", run.RunID)
	assert.Equal(t, "run-1", run.SessionID)
	assert.Equal(t, "wf-1", run.WorkflowID)
	assert.False(t, run.StartedAt.IsZero())
}

func TestHTTPEngineFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "workflow is disabled", http.StatusConflict)
	}))
	defer server.Close()

	engine := NewHTTPEngine(server.URL, "", 0)
	_, err := engine.StartRun(context.Background(), RunRequest{WorkflowID: "wf-1"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrEngine)
	assert.Contains(t, err.Error(), "workflow is disabled")
}

func TestDetachedEngine(t *testing.T) {
	engine := NewDetachedEngine()
	a, err := engine.StartRun(context.Background(), RunRequest{WorkflowID: "wf-1"})
	require.NoError(t, err)
	b, err := engine.StartRun(context.Background(), RunRequest{WorkflowID: "wf-1"})
	require.NoError(t, err)

	assert.NotEmpty(t, a.RunID)
	assert.Equal(t, a.RunID, a.SessionID)
	assert.NotEqual(t, a.RunID, b.RunID)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = engine.StartRun(ctx, RunRequest{WorkflowID: "wf-1"})
	assert.ErrorIs(t, err, context.Canceled)
}
