// Package toolinput merges successive tool-argument fragments streamed by the
// agent runtime into a complete argument object.
//
// Arguments typically arrive as an empty object, then as a single-key wrapper
// holding a partial JSON string, then as the same wrapper holding complete
// JSON. Only the Empty/Partial to Complete transition should trigger work
// that depends on the arguments.
package toolinput

import (
	"encoding/json"
	"strings"

	"github.com/kaptinlin/jsonrepair"
)

type State int

const (
	Empty State = iota
	Partial
	Complete
)

func (s State) String() string {
	switch s {
	case Partial:
		return "partial"
	case Complete:
		return "complete"
	}
	return "empty"
}

// Result is the reconstruction of an invocation's input so far. For Partial
// results Input holds the wrapper exactly as received.
type Result struct {
	State State
	Input map[string]any
}

// Reconstruct folds fragment into prev. An empty fragment carries no data and
// leaves prev untouched.
func Reconstruct(prev Result, fragment map[string]any) Result {
	if len(fragment) == 0 {
		return prev
	}

	raw, ok := wrappedJSON(fragment)
	if !ok {
		return Result{State: Complete, Input: fragment}
	}

	var parsed any
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		// Keep the wrapper: later fragments extend it.
		return Result{State: Partial, Input: fragment}
	}
	if obj, ok := parsed.(map[string]any); ok {
		return Result{State: Complete, Input: obj}
	}
	// Valid JSON that is not an object is an ordinary argument value.
	return Result{State: Complete, Input: fragment}
}

// Transitioned reports whether next is the first complete state after prev.
func Transitioned(prev, next Result) bool {
	return prev.State != Complete && next.State == Complete
}

// Preview returns a best-effort object for a result that never completed.
// Complete results are returned as is; partial wrappers are repaired when
// possible, otherwise the wrapper itself is returned.
func (r Result) Preview() map[string]any {
	if r.State != Partial {
		return r.Input
	}
	raw, ok := wrappedJSON(r.Input)
	if !ok {
		return r.Input
	}
	repaired, err := jsonrepair.JSONRepair(raw)
	if err != nil {
		return r.Input
	}
	var parsed map[string]any
	if err := json.Unmarshal([]byte(repaired), &parsed); err != nil || parsed == nil {
		return r.Input
	}
	return parsed
}

// wrappedJSON returns the string value of a single-key wrapper when that
// value looks like a JSON document. Plain strings such as a shell command are
// regular arguments, not wrapped JSON.
func wrappedJSON(m map[string]any) (string, bool) {
	if len(m) != 1 {
		return "", false
	}
	for _, v := range m {
		s, ok := v.(string)
		if !ok {
			return "", false
		}
		trimmed := strings.TrimSpace(s)
		if trimmed == "" || (trimmed[0] != '{' && trimmed[0] != '[') {
			return "", false
		}
		return trimmed, true
	}
	return "", false
}
