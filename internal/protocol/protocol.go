// Package protocol implements the line-oriented wire format consumed by the
// presentation layer. Each record is a single line holding a start sentinel,
// a compact JSON object and an end sentinel.
package protocol

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
)

const (
	StartSentinel = "__OPS_EVENT__"
	EndSentinel   = "__OPS_EVENT_END__"
)

// EventType discriminates records on the wire. Consumers must ignore types
// they do not know.
type EventType string

const (
	TypeOperationStart     EventType = "operation_start"
	TypeStepHeader         EventType = "step_header"
	TypeReasoning          EventType = "reasoning"
	TypeToolStart          EventType = "tool_start"
	TypeOutput             EventType = "output"
	TypeToolEnd            EventType = "tool_end"
	TypeMetricsUpdate      EventType = "metrics_update"
	TypeBatch              EventType = "batch"
	TypeError              EventType = "error"
	TypeUserHandoff        EventType = "user_handoff"
	TypeReportContent      EventType = "report_content"
	TypeAssessmentComplete EventType = "assessment_complete"
	TypeTermination        EventType = "termination"
	TypeSwarmStart         EventType = "swarm_start"
	TypeSwarmHandoff       EventType = "swarm_handoff"
	TypeSwarmComplete      EventType = "swarm_complete"
)

var critical = map[EventType]bool{
	TypeError:              true,
	TypeUserHandoff:        true,
	TypeStepHeader:         true,
	TypeReportContent:      true,
	TypeAssessmentComplete: true,
	TypeTermination:        true,
}

// IsCritical reports whether events of type t bypass batching.
func IsCritical(t EventType) bool {
	return critical[t]
}

// ErrNoRecord is returned by Decode when the line carries no sentinel pair.
var ErrNoRecord = errors.New("protocol: no event record in line")

// Event is an open JSON object. Well-known keys are "type", "id" and
// "timestamp"; producers add whatever else the event kind needs.
type Event map[string]any

// New builds an event of type t with the given fields.
func New(t EventType, fields map[string]any) Event {
	e := make(Event, len(fields)+1)
	for k, v := range fields {
		e[k] = v
	}
	e["type"] = string(t)
	return e
}

func (e Event) Type() EventType {
	switch v := e["type"].(type) {
	case string:
		return EventType(v)
	case EventType:
		return v
	}
	return ""
}

func (e Event) ID() string {
	s, _ := e["id"].(string)
	return s
}

func (e Event) Timestamp() string {
	s, _ := e["timestamp"].(string)
	return s
}

// String returns the value of key as a string, or "" if absent.
func (e Event) String(key string) string {
	s, _ := e[key].(string)
	return s
}

// SubEvents returns the coalesced events of a batch record in order.
func (e Event) SubEvents() []Event {
	switch v := e["events"].(type) {
	case []Event:
		return v
	case []any:
		out := make([]Event, 0, len(v))
		for _, item := range v {
			switch m := item.(type) {
			case Event:
				out = append(out, m)
			case map[string]any:
				out = append(out, Event(m))
			}
		}
		return out
	}
	return nil
}

// Clone returns a shallow copy of the event.
func (e Event) Clone() Event {
	c := make(Event, len(e))
	for k, v := range e {
		c[k] = v
	}
	return c
}

// Marshal returns the compact JSON payload of e without sentinels.
func Marshal(e Event) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(e); err != nil {
		return nil, fmt.Errorf("marshal event: %w", err)
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// Encode serializes e into a single wire record terminated by a newline.
func Encode(e Event) ([]byte, error) {
	payload, err := Marshal(e)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(StartSentinel)+len(payload)+len(EndSentinel)+1)
	out = append(out, StartSentinel...)
	out = append(out, payload...)
	out = append(out, EndSentinel...)
	out = append(out, '\n')
	return out, nil
}

// Decode extracts the event from a wire record. Text around the sentinels
// is ignored so records can be recovered from mixed log output.
func Decode(line []byte) (Event, error) {
	s := string(line)
	start := strings.Index(s, StartSentinel)
	if start < 0 {
		return nil, ErrNoRecord
	}
	s = s[start+len(StartSentinel):]
	end := strings.LastIndex(s, EndSentinel)
	if end < 0 {
		return nil, ErrNoRecord
	}
	var e Event
	if err := json.Unmarshal([]byte(s[:end]), &e); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}
	return e, nil
}

// Scanner reads consecutive wire records from a stream, skipping lines that
// carry no record.
type Scanner struct {
	sc    *bufio.Scanner
	event Event
	err   error
}

func NewScanner(r io.Reader) *Scanner {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	return &Scanner{sc: sc}
}

func (s *Scanner) Scan() bool {
	for s.sc.Scan() {
		e, err := Decode(s.sc.Bytes())
		if errors.Is(err, ErrNoRecord) {
			continue
		}
		if err != nil {
			s.err = err
			return false
		}
		s.event = e
		return true
	}
	s.err = s.sc.Err()
	return false
}

func (s *Scanner) Event() Event { return s.event }

func (s *Scanner) Err() error { return s.err }
