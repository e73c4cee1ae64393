package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/nats-io/nats.go"
)

type ipcRequest struct {
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload,omitempty"`
}

type ipcResponse struct {
	OK         bool        `json:"ok,omitempty"`
	Error      string      `json:"error,omitempty"`
	ID         string      `json:"id,omitempty"`
	Operation  *operation  `json:"operation,omitempty"`
	Operations []operation `json:"operations,omitempty"`
}

type operation struct {
	ID          string `json:"id"`
	Target      string `json:"target"`
	Status      string `json:"status"`
	StopReason  string `json:"stop_reason,omitempty"`
	Steps       int    `json:"steps"`
	MaxSteps    int    `json:"max_steps"`
	ActiveAgent string `json:"active_agent,omitempty"`
}

func request(natsURL, topic string, body any) (*ipcResponse, error) {
	conn, err := nats.Connect(natsURL)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	defer conn.Close()

	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	msg, err := conn.Request(topic, data, 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("ipc request: %w", err)
	}

	var resp ipcResponse
	if err := json.Unmarshal(msg.Data, &resp); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	return &resp, nil
}

func sendIPC(natsURL, opID, reqType string, payload map[string]any) (*ipcResponse, error) {
	return request(natsURL, fmt.Sprintf("host.ipc.%s", opID), ipcRequest{Type: reqType, Payload: payload})
}

func parseArgs(args []string) map[string]string {
	result := make(map[string]string)
	for i := 0; i < len(args); i++ {
		if len(args[i]) > 2 && args[i][:2] == "--" && i+1 < len(args) {
			result[args[i][2:]] = args[i+1]
			i++
		}
	}
	return result
}

func usage() {
	fmt.Fprintln(os.Stderr, "Usage:")
	fmt.Fprintln(os.Stderr, `  opctl start --target "..." [--objective "..."] [--max-steps N]`)
	fmt.Fprintln(os.Stderr, "  opctl list")
	fmt.Fprintln(os.Stderr, `  opctl status --op "..."`)
	fmt.Fprintln(os.Stderr, `  opctl stop --op "..." [--reason "..."]`)
	os.Exit(1)
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}

func check(resp *ipcResponse, err error) *ipcResponse {
	if err != nil {
		fatal("%v", err)
	}
	if resp.Error != "" {
		fatal("%s", resp.Error)
	}
	return resp
}

func printOperation(op operation) {
	fmt.Printf("  %s  %-9s  %d/%d steps  %s", op.ID, op.Status, op.Steps, op.MaxSteps, op.Target)
	if op.ActiveAgent != "" {
		fmt.Printf("  agent=%s", op.ActiveAgent)
	}
	if op.StopReason != "" {
		fmt.Printf("  reason=%s", op.StopReason)
	}
	fmt.Println()
}

func main() {
	natsURL := os.Getenv("NATS_URL")
	if natsURL == "" {
		natsURL = "nats://localhost:4222"
	}

	if len(os.Args) < 2 {
		usage()
	}

	command := os.Args[1]
	args := parseArgs(os.Args[2:])
	opID := args["op"]
	if opID == "" {
		opID = os.Getenv("OPERATION_ID")
	}

	switch command {
	case "start":
		if args["target"] == "" {
			fatal("--target is required")
		}
		body := map[string]any{"target": args["target"], "objective": args["objective"]}
		if v := args["max-steps"]; v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n <= 0 {
				fatal("--max-steps must be a positive integer")
			}
			body["max_steps"] = n
		}
		resp := check(request(natsURL, "ops.start", body))
		fmt.Printf("Operation started: %s\n", resp.ID)

	case "list":
		resp := check(sendIPC(natsURL, "all", "list", nil))
		if len(resp.Operations) == 0 {
			fmt.Println("No running operations.")
			return
		}
		for _, op := range resp.Operations {
			printOperation(op)
		}

	case "status":
		if opID == "" {
			fatal("--op is required")
		}
		resp := check(sendIPC(natsURL, opID, "status", nil))
		if resp.Operation != nil {
			printOperation(*resp.Operation)
		}

	case "stop":
		if opID == "" {
			fatal("--op is required")
		}
		var payload map[string]any
		if reason := args["reason"]; reason != "" {
			payload = map[string]any{"reason": reason}
		}
		check(sendIPC(natsURL, opID, "stop", payload))
		fmt.Println("Stop requested.")

	default:
		fatal("unknown command: %s", command)
	}
}
