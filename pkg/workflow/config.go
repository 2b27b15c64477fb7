package workflow

import (
	"encoding/json"
	"fmt"
)

// NodeConfig is the kind-specific configuration payload of a node.
// Every kind has exactly one config type; NewConfig is the only place mapping kinds to types.
type NodeConfig interface {
	Kind() NodeKind
	sealed()
}

// StartConfig configures a manual start node
type StartConfig struct {
	Greeting string `json:"greeting,omitempty"`
}

// TriggerConfig configures a channel trigger
type TriggerConfig struct {
	kind      NodeKind
	ChannelID string `json:"channel_id,omitempty"`
	Keyword   string `json:"keyword,omitempty"`
}

// LLMConfig configures a model call
type LLMConfig struct {
	Prompt       string   `json:"prompt,omitempty"`
	SystemPrompt string   `json:"system_prompt,omitempty"`
	Model        string   `json:"model,omitempty"`
	Temperature  *float64 `json:"temperature,omitempty"`
	MaxTokens    int      `json:"max_tokens,omitempty"`
}

// ToolConfig configures a tool invocation
type ToolConfig struct {
	ToolID    string         `json:"tool_id,omitempty"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// Condition is one branch test of a condition node
type Condition struct {
	Variable string `json:"variable"`
	Operator string `json:"operator"`
	Value    string `json:"value"`
}

// ConditionConfig configures a branching node.
// Conditions holds the multi-condition form; when it is empty the inline
// Variable/Operator/Value triple is the legacy true/false form.
type ConditionConfig struct {
	Conditions []Condition `json:"conditions,omitempty"`
	Variable   string      `json:"variable,omitempty"`
	Operator   string      `json:"operator,omitempty"`
	Value      string      `json:"value,omitempty"`
}

// IsMultiCondition reports whether the node uses indexed handles plus else
func (c *ConditionConfig) IsMultiCondition() bool {
	return len(c.Conditions) > 0
}

// KnowledgeConfig configures a knowledge-base lookup
type KnowledgeConfig struct {
	KnowledgeBaseID string `json:"knowledge_base_id,omitempty"`
	Query           string `json:"query,omitempty"`
	TopK            int    `json:"top_k,omitempty"`
}

// CodeConfig configures a code execution step
type CodeConfig struct {
	Language string `json:"language,omitempty"`
	Source   string `json:"code,omitempty"`
}

// DataOperation is one step of a data manipulation node
type DataOperation struct {
	Op     string `json:"op"`
	Path   string `json:"path,omitempty"`
	Value  any    `json:"value,omitempty"`
	Target string `json:"target,omitempty"`
}

// DataManipulationConfig configures in-flow data reshaping
type DataManipulationConfig struct {
	Operations []DataOperation `json:"operations,omitempty"`
}

// HTTPRequestConfig configures an outbound HTTP call
type HTTPRequestConfig struct {
	Method  string            `json:"method,omitempty"`
	URL     string            `json:"url,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    string            `json:"body,omitempty"`
}

// ListenConfig waits for the next user message
type ListenConfig struct {
	SaveVariable string `json:"save_variable,omitempty"`
	Timeout      string `json:"timeout,omitempty"`
}

// PromptConfig asks the user a question and stores the answer
type PromptConfig struct {
	Prompt       string `json:"prompt,omitempty"`
	Model        string `json:"model,omitempty"`
	SaveVariable string `json:"save_variable,omitempty"`
}

// FormField is one input of a form node
type FormField struct {
	Name     string `json:"name"`
	Label    string `json:"label,omitempty"`
	Type     string `json:"type,omitempty"`
	Required bool   `json:"required,omitempty"`
}

// FormConfig collects structured input
type FormConfig struct {
	Fields       []FormField `json:"fields,omitempty"`
	SaveVariable string      `json:"save_variable,omitempty"`
}

// ResponseConfig sends the final message
type ResponseConfig struct {
	Message string `json:"message,omitempty"`
}

// IntentRouterConfig routes by classified intent
type IntentRouterConfig struct {
	Intents []string `json:"intents,omitempty"`
}

// EntityCollectorConfig extracts named entities from the conversation
type EntityCollectorConfig struct {
	Entities []string `json:"entities,omitempty"`
}

// CheckEntityConfig tests whether an entity has been collected
type CheckEntityConfig struct {
	Entity string `json:"entity,omitempty"`
}

// UpdateContextConfig writes a value into the conversation context
type UpdateContextConfig struct {
	Variable string `json:"variable,omitempty"`
	Value    string `json:"value,omitempty"`
}

// TagConversationConfig labels the conversation
type TagConversationConfig struct {
	Tags []string `json:"tags,omitempty"`
}

// AssignToAgentConfig hands the conversation to a human
type AssignToAgentConfig struct {
	AgentID string `json:"agent_id,omitempty"`
	TeamID  string `json:"team_id,omitempty"`
}

// SetStatusConfig changes the conversation status
type SetStatusConfig struct {
	Status string `json:"status,omitempty"`
}

func (*StartConfig) Kind() NodeKind            { return KindStart }
func (c *TriggerConfig) Kind() NodeKind        { return c.kind }
func (*LLMConfig) Kind() NodeKind              { return KindLLM }
func (*ToolConfig) Kind() NodeKind             { return KindTool }
func (*ConditionConfig) Kind() NodeKind        { return KindCondition }
func (*KnowledgeConfig) Kind() NodeKind        { return KindKnowledge }
func (*CodeConfig) Kind() NodeKind             { return KindCode }
func (*DataManipulationConfig) Kind() NodeKind { return KindDataManipulation }
func (*HTTPRequestConfig) Kind() NodeKind      { return KindHTTPRequest }
func (*ListenConfig) Kind() NodeKind           { return KindListen }
func (*PromptConfig) Kind() NodeKind           { return KindPrompt }
func (*FormConfig) Kind() NodeKind             { return KindForm }
func (*ResponseConfig) Kind() NodeKind         { return KindResponse }
func (*IntentRouterConfig) Kind() NodeKind     { return KindIntentRouter }
func (*EntityCollectorConfig) Kind() NodeKind  { return KindEntityCollector }
func (*CheckEntityConfig) Kind() NodeKind      { return KindCheckEntity }
func (*UpdateContextConfig) Kind() NodeKind    { return KindUpdateContext }
func (*TagConversationConfig) Kind() NodeKind  { return KindTagConversation }
func (*AssignToAgentConfig) Kind() NodeKind    { return KindAssignToAgent }
func (*SetStatusConfig) Kind() NodeKind        { return KindSetStatus }

func (*StartConfig) sealed()            {}
func (*TriggerConfig) sealed()          {}
func (*LLMConfig) sealed()              {}
func (*ToolConfig) sealed()             {}
func (*ConditionConfig) sealed()        {}
func (*KnowledgeConfig) sealed()        {}
func (*CodeConfig) sealed()             {}
func (*DataManipulationConfig) sealed() {}
func (*HTTPRequestConfig) sealed()      {}
func (*ListenConfig) sealed()           {}
func (*PromptConfig) sealed()           {}
func (*FormConfig) sealed()             {}
func (*ResponseConfig) sealed()         {}
func (*IntentRouterConfig) sealed()     {}
func (*EntityCollectorConfig) sealed()  {}
func (*CheckEntityConfig) sealed()      {}
func (*UpdateContextConfig) sealed()    {}
func (*TagConversationConfig) sealed()  {}
func (*AssignToAgentConfig) sealed()    {}
func (*SetStatusConfig) sealed()        {}

// NewConfig returns the zero configuration for a kind
func NewConfig(kind NodeKind) (NodeConfig, error) {
	switch kind {
	case KindStart:
		return &StartConfig{}, nil
	case KindTriggerWebsocket, KindTriggerWhatsApp, KindTriggerTelegram, KindTriggerInstagram:
		return &TriggerConfig{kind: kind}, nil
	case KindLLM:
		return &LLMConfig{}, nil
	case KindTool:
		return &ToolConfig{}, nil
	case KindCondition:
		return &ConditionConfig{}, nil
	case KindKnowledge:
		return &KnowledgeConfig{}, nil
	case KindCode:
		return &CodeConfig{}, nil
	case KindDataManipulation:
		return &DataManipulationConfig{}, nil
	case KindHTTPRequest:
		return &HTTPRequestConfig{}, nil
	case KindListen:
		return &ListenConfig{}, nil
	case KindPrompt:
		return &PromptConfig{}, nil
	case KindForm:
		return &FormConfig{}, nil
	case KindResponse:
		return &ResponseConfig{}, nil
	case KindIntentRouter:
		return &IntentRouterConfig{}, nil
	case KindEntityCollector:
		return &EntityCollectorConfig{}, nil
	case KindCheckEntity:
		return &CheckEntityConfig{}, nil
	case KindUpdateContext:
		return &UpdateContextConfig{}, nil
	case KindTagConversation:
		return &TagConversationConfig{}, nil
	case KindAssignToAgent:
		return &AssignToAgentConfig{}, nil
	case KindSetStatus:
		return &SetStatusConfig{}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
}

// SaveVariable returns the context variable an input-collecting node writes, if any
func SaveVariable(cfg NodeConfig) (string, bool) {
	switch c := cfg.(type) {
	case *ListenConfig:
		return c.SaveVariable, c.SaveVariable != ""
	case *PromptConfig:
		return c.SaveVariable, c.SaveVariable != ""
	case *FormConfig:
		return c.SaveVariable, c.SaveVariable != ""
	}
	return "", false
}

// decodeConfig builds a config of the given kind from raw JSON data
func decodeConfig(kind NodeKind, data []byte) (NodeConfig, error) {
	cfg, err := NewConfig(kind)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return cfg, nil
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid %s configuration: %w", kind, err)
	}
	return cfg, nil
}

// cloneConfig deep-copies a config through its JSON form
func cloneConfig(cfg NodeConfig) NodeConfig {
	data, err := json.Marshal(cfg)
	if err != nil {
		return cfg
	}
	out, err := decodeConfig(cfg.Kind(), data)
	if err != nil {
		return cfg
	}
	return out
}
