// Package workflow provides the visual workflow graph: typed nodes, handle-labelled edges,
// variable scope resolution for template authoring and structural validation.
package workflow

import (
	"fmt"
	"strings"
)

// NodeKind identifies the behaviour of a node
type NodeKind string

// Entry kinds
const (
	KindStart            NodeKind = "start"
	KindTriggerWebsocket NodeKind = "trigger_websocket"
	KindTriggerWhatsApp  NodeKind = "trigger_whatsapp"
	KindTriggerTelegram  NodeKind = "trigger_telegram"
	KindTriggerInstagram NodeKind = "trigger_instagram"
)

// Processing kinds
const (
	KindLLM              NodeKind = "llm"
	KindTool             NodeKind = "tool"
	KindCondition        NodeKind = "condition"
	KindKnowledge        NodeKind = "knowledge"
	KindCode             NodeKind = "code"
	KindDataManipulation NodeKind = "data_manipulation"
	KindHTTPRequest      NodeKind = "http_request"
)

// Input-collecting kinds
const (
	KindListen NodeKind = "listen"
	KindPrompt NodeKind = "prompt"
	KindForm   NodeKind = "form"
)

// KindResponse is the terminal kind
const KindResponse NodeKind = "response"

// Chat-management kinds
const (
	KindIntentRouter    NodeKind = "intent_router"
	KindEntityCollector NodeKind = "entity_collector"
	KindCheckEntity     NodeKind = "check_entity"
	KindUpdateContext   NodeKind = "update_context"
	KindTagConversation NodeKind = "tag_conversation"
	KindAssignToAgent   NodeKind = "assign_to_agent"
	KindSetStatus       NodeKind = "set_status"
)

const triggerPrefix = "trigger_"

var allKinds = []NodeKind{
	KindStart,
	KindTriggerWebsocket,
	KindTriggerWhatsApp,
	KindTriggerTelegram,
	KindTriggerInstagram,
	KindLLM,
	KindTool,
	KindCondition,
	KindKnowledge,
	KindCode,
	KindDataManipulation,
	KindHTTPRequest,
	KindListen,
	KindPrompt,
	KindForm,
	KindResponse,
	KindIntentRouter,
	KindEntityCollector,
	KindCheckEntity,
	KindUpdateContext,
	KindTagConversation,
	KindAssignToAgent,
	KindSetStatus,
}

// AllKinds returns every node kind the editor knows about
func AllKinds() []NodeKind {
	kinds := make([]NodeKind, len(allKinds))
	copy(kinds, allKinds)
	return kinds
}

// ParseKind converts a wire string into a NodeKind
func ParseKind(s string) (NodeKind, error) {
	for _, k := range allKinds {
		if string(k) == s {
			return k, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownKind, s)
}

// IsTrigger reports whether the kind is a channel trigger
func (k NodeKind) IsTrigger() bool {
	return strings.HasPrefix(string(k), triggerPrefix)
}

// IsEntry reports whether a node of this kind may begin a run
func (k NodeKind) IsEntry() bool {
	return k == KindStart || k.IsTrigger()
}

// IsTerminal reports whether the kind ends a conversation path
func (k NodeKind) IsTerminal() bool {
	return k == KindResponse
}

// IsInputCollector reports whether the kind can store a value into the conversation context
func (k NodeKind) IsInputCollector() bool {
	switch k {
	case KindListen, KindPrompt, KindForm:
		return true
	}
	return false
}

func (k NodeKind) String() string {
	return string(k)
}
