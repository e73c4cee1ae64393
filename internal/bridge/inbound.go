package bridge

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"

	"github.com/mtzanidakis/opsbridge/internal/ledger"
)

// Payload is one classified callback from the agent runtime.
type Payload interface {
	payload()
}

// Source tells which callback shape announced a tool call.
type Source int

const (
	SourceHook Source = iota
	SourceMessage
	SourceStream
)

func (s Source) String() string {
	switch s {
	case SourceMessage:
		return "message"
	case SourceStream:
		return "stream"
	}
	return "hook"
}

type ReasoningDelta struct {
	Text  string
	Agent string
}

type ToolAnnouncement struct {
	ID     string
	Tool   string
	Input  map[string]any
	Agent  string
	Source Source
}

type ToolResult struct {
	ID      string
	Status  ledger.Status
	Content []string
	Agent   string
}

type BlockKind int

const (
	BlockText BlockKind = iota
	BlockToolUse
	BlockToolResult
)

type Block struct {
	Kind    BlockKind
	Text    string
	ToolUse *ToolAnnouncement
	Result  *ToolResult
}

type StructuredMessage struct {
	Role   string
	Blocks []Block
	Agent  string
}

// UsageReport carries cumulative token counts.
type UsageReport struct {
	InputTokens  int64
	OutputTokens int64
}

type Completion struct {
	Report string
}

type Unrecognized struct {
	Keys []string
}

func (ReasoningDelta) payload()    {}
func (ToolAnnouncement) payload()  {}
func (ToolResult) payload()        {}
func (StructuredMessage) payload() {}
func (UsageReport) payload()       {}
func (Completion) payload()        {}
func (Unrecognized) payload()      {}

// Classify maps one raw callback onto a Payload. It is the only place the
// bridge inspects raw callback keys.
func Classify(raw map[string]any) Payload {
	agent := agentName(raw)

	if m, ok := raw["tool_invocation"].(map[string]any); ok {
		if ann, ok := toolUse(m); ok {
			ann.Source = SourceHook
			ann.Agent = firstNonEmpty(agentName(m), agent)
			return ann
		}
	}

	for _, key := range []string{"toolResult", "tool_result"} {
		if m, ok := raw[key].(map[string]any); ok {
			if res, ok := toolResult(m); ok {
				res.Agent = agent
				return res
			}
		}
	}

	if m, ok := raw["message"].(map[string]any); ok {
		return structuredMessage(m, agent)
	}

	for _, key := range []string{"data", "reasoningText"} {
		if text, ok := raw[key].(string); ok && text != "" {
			return ReasoningDelta{Text: text, Agent: agent}
		}
	}

	if m, ok := raw["current_tool_use"].(map[string]any); ok {
		if ann, ok := toolUse(m); ok {
			ann.Source = SourceStream
			ann.Agent = agent
			return ann
		}
	}

	if u, ok := usage(raw); ok {
		return u
	}

	if c, ok := completion(raw); ok {
		return c
	}

	keys := make([]string, 0, len(raw))
	for k := range raw {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return Unrecognized{Keys: keys}
}

func structuredMessage(m map[string]any, agent string) StructuredMessage {
	msg := StructuredMessage{Agent: agent}
	msg.Role, _ = m["role"].(string)

	content, _ := m["content"].([]any)
	for _, item := range content {
		block, ok := item.(map[string]any)
		if !ok {
			continue
		}
		if text, ok := block["text"].(string); ok {
			msg.Blocks = append(msg.Blocks, Block{Kind: BlockText, Text: text})
			continue
		}
		if tu, ok := block["toolUse"].(map[string]any); ok {
			if ann, ok := toolUse(tu); ok {
				ann.Source = SourceMessage
				ann.Agent = agent
				msg.Blocks = append(msg.Blocks, Block{Kind: BlockToolUse, ToolUse: &ann})
			}
			continue
		}
		if tr, ok := block["toolResult"].(map[string]any); ok {
			if res, ok := toolResult(tr); ok {
				res.Agent = agent
				msg.Blocks = append(msg.Blocks, Block{Kind: BlockToolResult, Result: &res})
			}
		}
	}
	return msg
}

func toolUse(m map[string]any) (ToolAnnouncement, bool) {
	id := stringField(m, "toolUseId", "tool_use_id", "id")
	if id == "" {
		return ToolAnnouncement{}, false
	}
	ann := ToolAnnouncement{ID: id, Tool: stringField(m, "name", "tool_name")}
	switch in := m["input"].(type) {
	case map[string]any:
		ann.Input = in
	case string:
		// Streaming runtimes send the raw argument text before it parses.
		if in != "" {
			ann.Input = map[string]any{"input": in}
		}
	}
	return ann, true
}

func toolResult(m map[string]any) (ToolResult, bool) {
	id := stringField(m, "toolUseId", "tool_use_id", "id")
	if id == "" {
		return ToolResult{}, false
	}
	res := ToolResult{ID: id, Status: ledger.StatusSuccess}
	if s, _ := m["status"].(string); strings.EqualFold(s, "error") {
		res.Status = ledger.StatusError
	}

	switch content := m["content"].(type) {
	case string:
		res.Content = append(res.Content, content)
	case []any:
		for _, item := range content {
			switch c := item.(type) {
			case string:
				res.Content = append(res.Content, c)
			case map[string]any:
				if text, ok := c["text"].(string); ok {
					res.Content = append(res.Content, text)
				} else if j, ok := c["json"]; ok {
					data, err := json.Marshal(j)
					if err == nil {
						res.Content = append(res.Content, string(data))
					}
				}
			}
		}
	}
	return res, true
}

func usage(raw map[string]any) (UsageReport, bool) {
	var m map[string]any
	if u, ok := raw["usage"].(map[string]any); ok {
		m = u
	} else if elm, ok := raw["event_loop_metrics"].(map[string]any); ok {
		m, _ = elm["accumulated_usage"].(map[string]any)
		if m == nil {
			m = elm
		}
	}
	if m == nil {
		return UsageReport{}, false
	}
	in, okIn := number(m, "inputTokens", "input_tokens")
	out, okOut := number(m, "outputTokens", "output_tokens")
	if !okIn && !okOut {
		return UsageReport{}, false
	}
	return UsageReport{InputTokens: in, OutputTokens: out}, true
}

func completion(raw map[string]any) (Completion, bool) {
	if done, ok := raw["complete"].(bool); ok && done {
		return Completion{Report: stringField(raw, "report", "result")}, true
	}
	if _, ok := raw["result"]; ok {
		switch r := raw["result"].(type) {
		case string:
			return Completion{Report: r}, true
		case nil:
			return Completion{}, true
		default:
			return Completion{Report: fmt.Sprint(r)}, true
		}
	}
	return Completion{}, false
}

func agentName(m map[string]any) string {
	if s := stringField(m, "agent_name"); s != "" {
		return s
	}
	switch a := m["agent"].(type) {
	case string:
		return a
	case map[string]any:
		return stringField(a, "name")
	}
	return ""
}

func stringField(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if s, ok := m[k].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

func number(m map[string]any, keys ...string) (int64, bool) {
	for _, k := range keys {
		switch v := m[k].(type) {
		case float64:
			return int64(v), true
		case int:
			return int64(v), true
		case int64:
			return v, true
		case json.Number:
			n, err := v.Int64()
			return n, err == nil
		}
	}
	return 0, false
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
