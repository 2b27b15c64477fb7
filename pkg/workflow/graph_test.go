package workflow

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustNode(t *testing.T, id string, kind NodeKind, label string) Node {
	t.Helper()
	n, err := NewNode(id, kind, label)
	require.NoError(t, err)
	return n
}

func mustAdd(t *testing.T, g *Graph, id string, kind NodeKind) {
	t.Helper()
	require.NoError(t, g.AddNode(mustNode(t, id, kind, "")))
}

func mustConnect(t *testing.T, g *Graph, source, target, handle string) Edge {
	t.Helper()
	e, err := g.AddEdge(Edge{Source: source, Target: target, SourceHandle: handle})
	require.NoError(t, err)
	return e
}

func TestEveryKindHasConfig(t *testing.T) {
	for _, kind := range AllKinds() {
		cfg, err := NewConfig(kind)
		require.NoError(t, err, kind)
		assert.Equal(t, kind, cfg.Kind(), kind)

		parsed, err := ParseKind(string(kind))
		require.NoError(t, err)
		assert.Equal(t, kind, parsed)
	}

	_, err := NewConfig("teleport")
	assert.ErrorIs(t, err, ErrUnknownKind)
	_, err = ParseKind("teleport")
	assert.ErrorIs(t, err, ErrUnknownKind)
}

func TestKindPredicates(t *testing.T) {
	assert.True(t, KindStart.IsEntry())
	assert.True(t, KindTriggerTelegram.IsEntry())
	assert.True(t, KindTriggerTelegram.IsTrigger())
	assert.False(t, KindLLM.IsEntry())
	assert.True(t, KindResponse.IsTerminal())
	assert.True(t, KindForm.IsInputCollector())
	assert.False(t, KindLLM.IsInputCollector())
}

func TestAddNode(t *testing.T) {
	g := NewGraph()
	mustAdd(t, g, "a", KindLLM)

	err := g.AddNode(mustNode(t, "a", KindTool, ""))
	assert.ErrorIs(t, err, ErrDuplicateNode)

	err = g.AddNode(mustNode(t, "", KindTool, ""))
	assert.ErrorIs(t, err, ErrEmptyNodeID)

	err = g.AddNode(Node{ID: "b", Kind: KindTool, Config: &LLMConfig{}})
	assert.Error(t, err)

	require.NoError(t, g.AddNode(Node{ID: "c", Kind: KindListen}))
	n, ok := g.Node("c")
	require.True(t, ok)
	assert.IsType(t, &ListenConfig{}, n.Config)
	assert.Equal(t, 2, g.Len())
}

func TestRemoveNodeRemovesIncidentEdges(t *testing.T) {
	g := NewSeededGraph()
	mustAdd(t, g, "llm-1", KindLLM)
	mustAdd(t, g, "out", KindResponse)
	mustConnect(t, g, "start", "llm-1", "")
	kept := mustConnect(t, g, "start", "out", "")
	mustConnect(t, g, "llm-1", "out", "")

	g.RemoveNode("llm-1")

	assert.False(t, g.HasNode("llm-1"))
	assert.Equal(t, []Edge{kept}, g.Edges())
	n, ok := g.Node("out")
	require.True(t, ok)
	assert.Equal(t, "out", n.ID)

	g.RemoveNode("missing")
	assert.Equal(t, 2, g.Len())
}

func TestAddEdge(t *testing.T) {
	g := NewSeededGraph()
	mustAdd(t, g, "out", KindResponse)

	e := mustConnect(t, g, "start", "out", "")
	assert.NotEmpty(t, e.ID)

	_, err := g.AddEdge(Edge{Source: "start", Target: "nowhere"})
	assert.ErrorIs(t, err, ErrNodeNotFound)
	_, err = g.AddEdge(Edge{Source: "nowhere", Target: "out"})
	assert.ErrorIs(t, err, ErrNodeNotFound)

	named, err := g.AddEdge(Edge{ID: "e-1", Source: "out", Target: "start"})
	require.NoError(t, err)
	assert.Equal(t, "e-1", named.ID)

	g.RemoveEdge("e-1")
	g.RemoveEdge("unknown")
	assert.Len(t, g.Edges(), 1)
	assert.Len(t, g.Outgoing("start"), 1)
	assert.Empty(t, g.Outgoing("out"))
}

func TestUpdateNodeConfig(t *testing.T) {
	g := NewGraph()
	mustAdd(t, g, "p", KindPrompt)

	err := g.UpdateNodeConfig("p", map[string]any{
		"prompt":        "What is your name?",
		"save_variable": "name",
		"color":         "blue",
	})
	require.NoError(t, err)

	n, _ := g.Node("p")
	cfg := n.Config.(*PromptConfig)
	assert.Equal(t, "What is your name?", cfg.Prompt)
	assert.Equal(t, "name", cfg.SaveVariable)
	assert.JSONEq(t, `"blue"`, string(n.Extra["color"]))

	require.NoError(t, g.UpdateNodeConfig("p", map[string]any{"prompt": nil, "color": nil}))
	n, _ = g.Node("p")
	cfg = n.Config.(*PromptConfig)
	assert.Empty(t, cfg.Prompt)
	assert.Equal(t, "name", cfg.SaveVariable)
	assert.NotContains(t, n.Extra, "color")

	err = g.UpdateNodeConfig("p", map[string]any{"save_variable": 42})
	assert.ErrorIs(t, err, ErrInvalidPatch)

	assert.NoError(t, g.UpdateNodeConfig("missing", map[string]any{"prompt": "x"}))
}

func TestUpdateNodeConfigDoesNotLeakIntoCopies(t *testing.T) {
	g := NewGraph()
	mustAdd(t, g, "p", KindPrompt)
	before, _ := g.Node("p")

	require.NoError(t, g.UpdateNodeConfig("p", map[string]any{"prompt": "hi"}))

	assert.Empty(t, before.Config.(*PromptConfig).Prompt)
}

func TestCloneIsIndependent(t *testing.T) {
	g := NewSeededGraph()
	mustAdd(t, g, "c", KindCondition)
	require.NoError(t, g.UpdateNodeConfig("c", map[string]any{
		"conditions": []map[string]string{{"variable": "x", "operator": "eq", "value": "1"}},
	}))
	mustConnect(t, g, "start", "c", "")

	c := g.Clone()
	g.SetLabel("c", "Branch")
	g.RemoveEdgesForNode("start")
	original, _ := g.Node("c")
	original.Config.(*ConditionConfig).Conditions[0].Value = "2"

	cloned, ok := c.Node("c")
	require.True(t, ok)
	assert.Empty(t, cloned.Label)
	assert.Equal(t, "1", cloned.Config.(*ConditionConfig).Conditions[0].Value)
	assert.Len(t, c.Edges(), 1)
}

func TestSeededGraph(t *testing.T) {
	g := NewSeededGraph()
	entries := g.EntryNodes()
	require.Len(t, entries, 1)
	assert.Equal(t, DefaultStartNodeID, entries[0].ID)
	assert.Equal(t, KindStart, entries[0].Kind)
}

func TestNodeWireShape(t *testing.T) {
	raw := `{
		"id": "llm-1",
		"type": "llm",
		"position": {"x": 120.5, "y": -40},
		"selected": true,
		"data": {"label": "Summarize", "prompt": "Sum up {{context.topic}}", "model": "gpt-4o", "icon": "sparkles"}
	}`

	var n Node
	require.NoError(t, json.Unmarshal([]byte(raw), &n))
	assert.Equal(t, KindLLM, n.Kind)
	assert.Equal(t, "Summarize", n.Label)
	assert.Equal(t, Position{X: 120.5, Y: -40}, n.Position)
	cfg := n.Config.(*LLMConfig)
	assert.Equal(t, "gpt-4o", cfg.Model)
	assert.Contains(t, n.Extra, "icon")
	assert.Contains(t, n.Attrs, "selected")

	out, err := json.Marshal(n)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"id": "llm-1",
		"type": "llm",
		"position": {"x": 120.5, "y": -40},
		"selected": true,
		"data": {"label": "Summarize", "prompt": "Sum up {{context.topic}}", "model": "gpt-4o", "icon": "sparkles"}
	}`, string(out))
}

func TestNodeRejectsUnknownKind(t *testing.T) {
	var n Node
	err := json.Unmarshal([]byte(`{"id":"x","type":"teleport","data":{}}`), &n)
	assert.ErrorIs(t, err, ErrUnknownKind)
}

func TestUpdateNodeConfigLabel(t *testing.T) {
	g := NewGraph()
	mustAdd(t, g, "p", KindPrompt)

	require.NoError(t, g.UpdateNodeConfig("p", map[string]any{"label": "Ask name", "prompt": "Name?"}))
	n, _ := g.Node("p")
	assert.Equal(t, "Ask name", n.Label)
	assert.NotContains(t, n.Extra, "label")

	out, err := json.Marshal(n)
	require.NoError(t, err)
	assert.Contains(t, string(out), `"label":"Ask name"`)

	err = g.UpdateNodeConfig("p", map[string]any{"label": 7})
	assert.ErrorIs(t, err, ErrInvalidPatch)
	n, _ = g.Node("p")
	assert.Equal(t, "Ask name", n.Label)
}

func TestNodeRejectsNonStringLabel(t *testing.T) {
	var n Node
	err := json.Unmarshal([]byte(`{"id":"x","type":"llm","data":{"label":{"text":"hi"}}}`), &n)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid label")

	require.NoError(t, json.Unmarshal([]byte(`{"id":"x","type":"llm","data":{"label":null}}`), &n))
	assert.Empty(t, n.Label)
}

func TestEdgeWireShape(t *testing.T) {
	raw := `{"id":"e1","source":"s","target":"r","sourceHandle":"else","type":"smoothstep","animated":true,"data":{"note":"x"},"markerEnd":{"type":"arrow"}}`

	var e Edge
	require.NoError(t, json.Unmarshal([]byte(raw), &e))
	assert.Equal(t, "e1", e.ID)
	assert.Equal(t, HandleElse, e.SourceHandle)
	assert.Contains(t, e.Attrs, "animated")
	assert.NotContains(t, e.Attrs, "source")

	out, err := json.Marshal(e)
	require.NoError(t, err)
	assert.JSONEq(t, raw, string(out))

	plain, err := json.Marshal(Edge{ID: "e2", Source: "a", Target: "b"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"e2","source":"a","target":"b"}`, string(plain))
}

func TestEdgeAttrsAreCopied(t *testing.T) {
	g := NewSeededGraph()
	mustAdd(t, g, "out", KindResponse)
	_, err := g.AddEdge(Edge{Source: "start", Target: "out", Attrs: map[string]json.RawMessage{"type": json.RawMessage(`"step"`)}})
	require.NoError(t, err)

	c := g.Clone()
	g.Edges()[0].Attrs["type"][1] = 'X'
	c.edges[0].Attrs["type"] = json.RawMessage(`"bezier"`)

	assert.JSONEq(t, `"step"`, string(g.Edges()[0].Attrs["type"]))
}
