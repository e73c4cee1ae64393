package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/mtzanidakis/opsbridge/internal/bridge"
	"github.com/mtzanidakis/opsbridge/internal/protocol"
)

func readEvents(t *testing.T, out *bytes.Buffer) []protocol.Event {
	t.Helper()
	var events []protocol.Event
	sc := protocol.NewScanner(out)
	for sc.Scan() {
		e := sc.Event()
		if e.Type() == protocol.TypeBatch {
			events = append(events, e.SubEvents()...)
			continue
		}
		events = append(events, e)
	}
	if err := sc.Err(); err != nil {
		t.Fatalf("scan output: %v", err)
	}
	return events
}

func countType(events []protocol.Event, typ protocol.EventType) int {
	n := 0
	for _, e := range events {
		if e.Type() == typ {
			n++
		}
	}
	return n
}

func TestReplayStopsAtStepLimit(t *testing.T) {
	in := strings.Join([]string{
		`{"tool_invocation":{"toolUseId":"t1","name":"shell","input":{"command":"id"}}}`,
		`{"tool_invocation":{"toolUseId":"t2","name":"shell","input":{"command":"whoami"}}}`,
		`{"complete":true,"report":"never reached"}`,
	}, "\n")

	var out bytes.Buffer
	res, err := replay(strings.NewReader(in), &out, replayOptions{OperationID: "op1", Target: "10.0.0.1", MaxSteps: 1})
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if !res.Halted() || res.Reason != bridge.ReasonStepLimit {
		t.Fatalf("expected step_limit halt, got %+v", res)
	}

	events := readEvents(t, &out)
	if len(events) == 0 || events[0].Type() != protocol.TypeOperationStart {
		t.Fatalf("expected operation_start first, got %v", events)
	}
	if last := events[len(events)-1]; last.Type() != protocol.TypeTermination {
		t.Errorf("expected termination last, got %s", last.Type())
	}
	if n := countType(events, protocol.TypeStepHeader); n != 1 {
		t.Errorf("expected 1 step header, got %d", n)
	}
	if n := countType(events, protocol.TypeAssessmentComplete); n != 0 {
		t.Errorf("expected no completion after halt, got %d", n)
	}
}

func TestReplayEnvelopeDedupAndCompletion(t *testing.T) {
	in := strings.Join([]string{
		`{"id":"cb1","payload":{"tool_invocation":{"toolUseId":"t1","name":"shell","input":{"command":"nmap 10.0.0.1"}}}}`,
		`{"id":"cb1","payload":{"tool_invocation":{"toolUseId":"t1","name":"shell","input":{"command":"nmap 10.0.0.1"}}}}`,
		`{"id":"cb2","payload":{"toolResult":{"toolUseId":"t1","status":"success","content":[{"text":"22/tcp open"}]}}}`,
		`{"id":"cb3","payload":{"complete":true,"report":"SSH exposed"}}`,
	}, "\n")

	var out bytes.Buffer
	res, err := replay(strings.NewReader(in), &out, replayOptions{OperationID: "op2", MaxSteps: 10})
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if res.Reason != bridge.ReasonComplete {
		t.Fatalf("expected complete, got %+v", res)
	}

	events := readEvents(t, &out)
	if n := countType(events, protocol.TypeToolStart); n != 1 {
		t.Errorf("expected 1 tool_start, got %d", n)
	}
	if n := countType(events, protocol.TypeReportContent); n != 1 {
		t.Errorf("expected 1 report_content, got %d", n)
	}
	if last := events[len(events)-1]; last.Type() != protocol.TypeAssessmentComplete {
		t.Errorf("expected assessment_complete last, got %s", last.Type())
	}
}

func TestReplaySkipsMalformedAndReportsUsage(t *testing.T) {
	in := strings.Join([]string{
		`not json`,
		``,
		`{"usage":{"inputTokens":10,"outputTokens":5}}`,
	}, "\n")

	var out bytes.Buffer
	res, err := replay(strings.NewReader(in), &out, replayOptions{MaxSteps: 5})
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if res.Halted() {
		t.Fatalf("expected operation to keep running, got %+v", res)
	}

	events := readEvents(t, &out)
	last := events[len(events)-1]
	if last.Type() != protocol.TypeMetricsUpdate {
		t.Fatalf("expected final metrics_update, got %s", last.Type())
	}
	m, _ := last["metrics"].(map[string]any)
	if m["input_tokens"] != float64(10) || m["total_tokens"] != float64(15) {
		t.Errorf("unexpected metrics %v", m)
	}
	if events[0].String("operation_id") == "" {
		t.Error("expected a generated operation id")
	}
}
