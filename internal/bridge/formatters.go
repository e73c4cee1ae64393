package bridge

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mtzanidakis/opsbridge/internal/swarm"
)

const summaryLimit = 200

// formatter renders a one-line summary of a tool's arguments.
type formatter func(args map[string]any) string

var formatters = map[string]formatter{
	"shell":                  formatShell,
	"http_request":           formatHTTP,
	"mem0_memory":            formatMemory,
	"memory":                 formatMemory,
	"editor":                 formatEditor,
	"file_write":             formatEditor,
	"python_repl":            formatPython,
	swarm.ToolSwarm:          formatSwarm,
	swarm.ToolHandoffToUser:  formatHandoffToUser,
	swarm.ToolHandoffToAgent: formatHandoffToAgent,
}

// memoryTools persist findings through the memory backend.
var memoryTools = map[string]bool{
	"mem0_memory": true,
	"memory":      true,
}

func summarize(tool string, args map[string]any) string {
	f, ok := formatters[tool]
	if !ok {
		f = formatDefault
	}
	return truncate(oneLine(f(args)), summaryLimit)
}

func formatShell(args map[string]any) string {
	switch c := args["command"].(type) {
	case string:
		return c
	case []any:
		cmds := make([]string, 0, len(c))
		for _, item := range c {
			switch v := item.(type) {
			case string:
				cmds = append(cmds, v)
			case map[string]any:
				if s, ok := v["command"].(string); ok {
					cmds = append(cmds, s)
				}
			}
		}
		return strings.Join(cmds, " && ")
	}
	return formatDefault(args)
}

func formatHTTP(args map[string]any) string {
	method := strings.ToUpper(stringField(args, "method"))
	if method == "" {
		method = "GET"
	}
	return method + " " + stringField(args, "url")
}

func formatMemory(args map[string]any) string {
	action := stringField(args, "action")
	switch action {
	case "store", "record", "add":
		return fmt.Sprintf("%s: %s", action, stringField(args, "content"))
	case "retrieve", "search":
		return fmt.Sprintf("%s: %s", action, stringField(args, "query"))
	case "":
		return formatDefault(args)
	}
	return action
}

func formatEditor(args map[string]any) string {
	path := stringField(args, "path", "file_path")
	if cmd := stringField(args, "command"); cmd != "" {
		return cmd + " " + path
	}
	return "write " + path
}

func formatPython(args map[string]any) string {
	code := strings.TrimSpace(stringField(args, "code"))
	lines := strings.Split(code, "\n")
	if len(lines) > 1 {
		return fmt.Sprintf("%s (%d lines)", lines[0], len(lines))
	}
	return code
}

func formatSwarm(args map[string]any) string {
	req, err := swarm.ParseRequest(args)
	if err != nil {
		return formatDefault(args)
	}
	names := make([]string, len(req.Agents))
	for i, a := range req.Agents {
		names[i] = a.Name
	}
	return fmt.Sprintf("%d agents [%s]: %s", len(names), strings.Join(names, ", "), req.Task)
}

func formatHandoffToUser(args map[string]any) string {
	return stringField(args, "message")
}

func formatHandoffToAgent(args map[string]any) string {
	return fmt.Sprintf("-> %s: %s", handoffTarget(args), stringField(args, "message"))
}

func handoffTarget(args map[string]any) string {
	return stringField(args, "agent_name", "handoff_to", "agent")
}

func formatDefault(args map[string]any) string {
	if len(args) == 0 {
		return ""
	}
	data, err := json.Marshal(args)
	if err != nil {
		return fmt.Sprint(args)
	}
	return string(data)
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max-3]) + "..."
}
