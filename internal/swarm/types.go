package swarm

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Tool names used by the agent runtime for delegation and handoffs.
const (
	ToolSwarm          = "swarm"
	ToolHandoffToAgent = "handoff_to_agent"
	ToolHandoffToUser  = "handoff_to_user"
)

var (
	ErrNoMembers = errors.New("swarm request has no members")
	ErrNoTask    = errors.New("swarm request has no task")
)

// Member is one named agent of a delegated sub-team.
type Member struct {
	Name   string   `json:"name"`
	Prompt string   `json:"system_prompt,omitempty"`
	Model  string   `json:"model,omitempty"`
	Tools  []string `json:"tools,omitempty"`
}

// Request is the input of a delegation tool call.
type Request struct {
	Task          string   `json:"task"`
	Agents        []Member `json:"agents"`
	MaxHandoffs   int      `json:"max_handoffs,omitempty"`
	MaxIterations int      `json:"max_iterations,omitempty"`
}

// ParseRequest decodes delegation input. Members may be given as plain
// names or as objects; members without a name get a positional one.
func ParseRequest(input map[string]any) (Request, error) {
	var req Request

	task, _ := input["task"].(string)
	req.Task = strings.TrimSpace(task)
	req.MaxHandoffs = intField(input, "max_handoffs")
	req.MaxIterations = intField(input, "max_iterations")

	raw, _ := input["agents"].([]any)
	if raw == nil {
		if typed, ok := input["agents"].([]map[string]any); ok {
			for _, m := range typed {
				raw = append(raw, m)
			}
		}
	}

	seen := make(map[string]bool)
	for i, item := range raw {
		var m Member
		switch v := item.(type) {
		case string:
			m.Name = v
		case map[string]any:
			data, err := json.Marshal(v)
			if err != nil {
				return Request{}, fmt.Errorf("encode member %d: %w", i, err)
			}
			if err := json.Unmarshal(data, &m); err != nil {
				return Request{}, fmt.Errorf("decode member %d: %w", i, err)
			}
		default:
			continue
		}
		m.Name = strings.TrimSpace(m.Name)
		if m.Name == "" {
			m.Name = fmt.Sprintf("agent_%d", i+1)
		}
		if seen[m.Name] {
			return Request{}, fmt.Errorf("duplicate member %q", m.Name)
		}
		seen[m.Name] = true
		req.Agents = append(req.Agents, m)
	}

	if len(req.Agents) == 0 {
		return Request{}, ErrNoMembers
	}
	if req.Task == "" {
		return Request{}, ErrNoTask
	}
	return req, nil
}

func intField(m map[string]any, key string) int {
	switch v := m[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case int64:
		return int(v)
	case json.Number:
		n, _ := v.Int64()
		return int(n)
	}
	return 0
}
