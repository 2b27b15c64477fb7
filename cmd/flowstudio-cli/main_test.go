package main

import (
	"bytes"
	"context"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tcmartin/flowstudio/pkg/api"
	"github.com/tcmartin/flowstudio/pkg/config"
	"github.com/tcmartin/flowstudio/pkg/middleware"
	"github.com/tcmartin/flowstudio/pkg/registry"
	"github.com/tcmartin/flowstudio/pkg/runtime"
	"github.com/tcmartin/flowstudio/pkg/statusbus"
	"github.com/tcmartin/flowstudio/pkg/storage"
)

const validYAML = `name: Intake
description: collects an email
visual_steps:
  nodes:
    - id: start
      type: start
      position: {x: 0, y: 0}
      data: {label: Start}
    - id: ask
      type: listen
      position: {x: 0, y: 120}
      data: {label: Ask, save_variable: email}
    - id: out
      type: response
      position: {x: 0, y: 240}
      data: {label: Reply}
  edges:
    - {id: e1, source: start, target: ask}
    - {id: e2, source: ask, target: out}
`

const brokenJSON = `{
  "name": "Broken",
  "visual_steps": {
    "nodes": [
      {"id": "start", "type": "start", "position": {"x": 0, "y": 0}, "data": {"label": "Start"}},
      {"id": "think", "type": "llm", "position": {"x": 0, "y": 100}, "data": {"label": "Think"}}
    ],
    "edges": [{"id": "e1", "source": "start", "target": "think"}]
  }
}`

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestValidateCommand(t *testing.T) {
	out, err := execute(t, "validate", writeFile(t, "intake.yaml", validYAML))
	require.NoError(t, err)
	assert.Contains(t, out, "valid (3 nodes, 2 edges)")

	out, err = execute(t, "validate", writeFile(t, "broken.json", brokenJSON))
	assert.Error(t, err)
	assert.Contains(t, out, "missing output node")
	assert.Contains(t, out, "Think node has no outgoing connection")

	_, err = execute(t, "validate", filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}

func TestVarsCommand(t *testing.T) {
	path := writeFile(t, "intake.yaml", validYAML)

	out, err := execute(t, "vars", path, "out")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 3)
	assert.Contains(t, lines[0], "{{start.output}}")
	assert.Contains(t, lines[1], "{{ask.output}}")
	assert.Contains(t, lines[2], "{{context.email}}")

	_, err = execute(t, "vars", path, "ghost")
	assert.Error(t, err)
}

func TestTokenCommand(t *testing.T) {
	out, err := execute(t, "token", "acme", "--secret", "s3cret")
	require.NoError(t, err)

	claims, err := middleware.NewJWTService("s3cret", 1).ValidateToken(strings.TrimSpace(out))
	require.NoError(t, err)
	assert.Equal(t, "acme", claims.CompanyID)

	t.Setenv("FLOWSTUDIO_JWT_SECRET", "")
	_, err = execute(t, "token", "acme")
	assert.Error(t, err)
}

func TestServerCommands(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Auth.JWTSecret = "cli-secret"
	bus := statusbus.NewMemoryBus(16)
	defer bus.Close()
	reg := registry.NewWorkflowRegistry(storage.NewMemoryWorkflowStore(), registry.Options{})
	server := api.NewServer(cfg, reg, runtime.NewDetachedEngine(), bus, middleware.NewJWTService(cfg.Auth.JWTSecret, 1))
	ts := httptest.NewServer(server.Handler())
	defer ts.Close()
	defer server.Stop(context.Background())

	token, err := execute(t, "token", "acme", "--secret", cfg.Auth.JWTSecret)
	require.NoError(t, err)
	flags := []string{"--server", ts.URL, "--token", strings.TrimSpace(token)}
	run := func(args ...string) (string, error) {
		return execute(t, append(args, flags...)...)
	}

	out, err := run("import", writeFile(t, "intake.yaml", validYAML))
	require.NoError(t, err)
	require.Contains(t, out, "Created workflow ")
	id := strings.Fields(strings.TrimPrefix(out, "Created workflow "))[0]

	out, err = run("list")
	require.NoError(t, err)
	assert.Contains(t, out, id)
	assert.Contains(t, out, "Intake")

	out, err = run("push", id, writeFile(t, "broken.json", brokenJSON))
	assert.Error(t, err)
	assert.Contains(t, out, "Workflow rejected")
	assert.Contains(t, out, "missing output node")

	out, err = run("push", id, writeFile(t, "intake.yaml", validYAML))
	require.NoError(t, err)
	assert.Contains(t, out, "version 2")

	out, err = run("export", id, "--yaml")
	require.NoError(t, err)
	assert.Contains(t, out, "name: Intake")
	assert.Contains(t, out, "save_variable: email")

	out, err = run("export", id, "--version", "1")
	require.NoError(t, err)
	assert.Contains(t, out, `"version": 1`)

	out, err = run("run", id)
	require.NoError(t, err)
	assert.Contains(t, out, "started (session ")

	_, err = run("export", "missing")
	assert.Error(t, err)
}

func TestCommandsRequireServer(t *testing.T) {
	t.Setenv("FLOWSTUDIO_SERVER", "")
	t.Setenv("FLOWSTUDIO_TOKEN", "")

	_, err := execute(t, "list")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server URL is required")

	_, err = execute(t, "list", "--server", "http://localhost:1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "token is required")
}

func TestMigrateCommand(t *testing.T) {
	mr := miniredis.RunT(t)
	t.Setenv("FLOWSTUDIO_STORAGE_TYPE", "memory")
	t.Setenv("FLOWSTUDIO_BUS_TYPE", "redis")
	t.Setenv("FLOWSTUDIO_REDIS_ADDR", mr.Addr())

	out, err := execute(t, "migrate")
	require.NoError(t, err)
	assert.Contains(t, out, "Storage migrated (memory)")
	assert.Contains(t, out, "Redis ready")

	mr.Close()
	_, err = execute(t, "migrate")
	assert.Error(t, err)
}
