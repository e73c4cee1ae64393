// Package swarm tracks a delegated sub-team while it runs and decides which
// member owns each tool call when the runtime does not say.
package swarm

import (
	"regexp"
	"slices"
	"strings"
)

// DefaultMaxIterations bounds cross-member steps when neither the request
// nor configuration sets a ceiling.
const DefaultMaxIterations = 20

// State exists only while a delegation is active. It is owned by one bridge
// and is not safe for concurrent use.
type State struct {
	InvocationID  string
	Task          string
	Members       []string
	MaxIterations int

	tools  map[string][]string
	owners map[string][]string
	active string
	hints  []hint
}

type hint struct {
	member string
	re     *regexp.Regexp
}

// Start builds swarm state from a delegation tool call. maxIterations is
// the configured ceiling; a request may lower it but never raise it.
func Start(invocationID string, input map[string]any, maxIterations int) (*State, error) {
	req, err := ParseRequest(input)
	if err != nil {
		return nil, err
	}
	if maxIterations <= 0 {
		maxIterations = DefaultMaxIterations
	}
	if req.MaxIterations > 0 && req.MaxIterations < maxIterations {
		maxIterations = req.MaxIterations
	}

	s := &State{
		InvocationID:  invocationID,
		Task:          req.Task,
		MaxIterations: maxIterations,
		tools:         make(map[string][]string, len(req.Agents)),
		owners:        make(map[string][]string),
	}
	for _, m := range req.Agents {
		s.Members = append(s.Members, m.Name)
		s.tools[m.Name] = m.Tools
		for _, t := range m.Tools {
			if !slices.Contains(s.owners[t], m.Name) {
				s.owners[t] = append(s.owners[t], m.Name)
			}
		}
		name := regexp.QuoteMeta(m.Name)
		s.hints = append(s.hints, hint{
			member: m.Name,
			re:     regexp.MustCompile(`(?i)(\bI am (the )?` + name + `\b|\bas (the )?` + name + `\b|\b` + name + ` here\b|^\s*\[?` + name + `\]?:)`),
		})
	}
	return s, nil
}

// Active returns the member currently believed to be running, or "" when
// none has been inferred yet.
func (s *State) Active() string { return s.active }

func (s *State) Has(member string) bool {
	return slices.Contains(s.Members, member)
}

// Tools returns the declared tool set of member.
func (s *State) Tools(member string) []string { return s.tools[member] }

// Attribute resolves the owner of a call to tool. Priority: an explicit
// identity naming a member, then declared tool ownership, then whoever was
// last active, then the first declared member. changed reports whether the
// active member moved.
func (s *State) Attribute(tool, explicit string) (member string, changed bool) {
	prev := s.active
	member = s.resolve(tool, explicit)
	s.active = member
	return member, member != prev
}

func (s *State) resolve(tool, explicit string) string {
	if explicit != "" && s.Has(explicit) {
		return explicit
	}

	switch owners := s.owners[tool]; len(owners) {
	case 0:
	case 1:
		return owners[0]
	default:
		if slices.Contains(owners, s.active) {
			return s.active
		}
		return owners[0]
	}

	if s.active != "" {
		return s.active
	}
	return s.Members[0]
}

// Handoff switches the active member on an explicit handoff. Unknown
// targets are ignored.
func (s *State) Handoff(target string) (prev string, ok bool) {
	target = strings.TrimSpace(target)
	if !s.Has(target) {
		return s.active, false
	}
	prev = s.active
	s.active = target
	return prev, true
}

// HintFromText looks for a member introducing itself in reasoning text. It
// only applies while no member has been inferred by other means.
func (s *State) HintFromText(text string) (string, bool) {
	if s.active != "" || text == "" {
		return "", false
	}
	for _, h := range s.hints {
		if h.re.MatchString(text) {
			s.active = h.member
			return h.member, true
		}
	}
	return "", false
}
