package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/mtzanidakis/opsbridge/internal/runner"
	"github.com/mtzanidakis/opsbridge/internal/scheduler"
	"github.com/mtzanidakis/opsbridge/internal/store"
)

const (
	defaultListLimit = 50
	maxListLimit     = 1000
)

func (s *Server) registerAPI(mux *http.ServeMux) {
	// Operations
	mux.HandleFunc("GET /api/operations", s.listOperations)
	mux.HandleFunc("GET /api/operations/{id}", s.getOperation)
	mux.HandleFunc("GET /api/operations/{id}/events", s.listEvents)
	mux.HandleFunc("GET /api/operations/{id}/evidence", s.listEvidence)
	mux.HandleFunc("POST /api/operations/{id}/stop", s.stopOperation)

	// Scheduled assessments
	mux.HandleFunc("GET /api/schedules", s.listSchedules)

	// System
	mux.HandleFunc("GET /api/status", s.getStatus)
}

func (s *Server) listOperations(w http.ResponseWriter, r *http.Request) {
	ops, err := s.store.ListOperations(queryInt(r, "limit", defaultListLimit))
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	out := make([]map[string]any, 0, len(ops))
	for _, op := range ops {
		out = append(out, s.operationToAPI(&op))
	}
	jsonResponse(w, out)
}

func (s *Server) getOperation(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	op, err := s.store.GetOperation(id)
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if op == nil {
		jsonError(w, "operation not found", http.StatusNotFound)
		return
	}

	entry := s.operationToAPI(op)
	if n, err := s.store.CountEvents(id); err == nil {
		entry["event_count"] = n
	}
	if n, err := s.store.CountEvidence(id); err == nil {
		entry["evidence_count"] = n
	}
	jsonResponse(w, entry)
}

func (s *Server) listEvents(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	after, _ := strconv.ParseInt(r.URL.Query().Get("after"), 10, 64)

	records, err := s.store.ListEvents(id, after, queryInt(r, "limit", 500))
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if records == nil {
		records = []store.EventRecord{}
	}
	jsonResponse(w, records)
}

func (s *Server) listEvidence(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	category := r.URL.Query().Get("category")

	var (
		items []store.Evidence
		err   error
	)
	if q := r.URL.Query().Get("q"); q != "" {
		items, err = s.store.SearchEvidence(id, q, category)
	} else {
		items, err = s.store.ListEvidence(id, category)
	}
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if items == nil {
		items = []store.Evidence{}
	}
	jsonResponse(w, items)
}

func (s *Server) stopOperation(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var body struct {
		Reason string `json:"reason"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			jsonError(w, "invalid request body", http.StatusBadRequest)
			return
		}
	}

	if err := s.ops.Stop(id, body.Reason); err != nil {
		if errors.Is(err, runner.ErrUnknownOperation) {
			jsonError(w, "operation not running", http.StatusNotFound)
			return
		}
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]string{"status": "stopping"})
}

func (s *Server) listSchedules(w http.ResponseWriter, r *http.Request) {
	entries := []scheduler.Entry{}
	if s.schedules != nil {
		entries = s.schedules.Entries()
	}
	jsonResponse(w, entries)
}

func (s *Server) getStatus(w http.ResponseWriter, r *http.Request) {
	running := s.ops.List()

	natsStatus := "disabled"
	if s.nats != nil {
		natsStatus = "ok"
	}

	status := map[string]any{
		"status":             "ok",
		"running_operations": len(running),
		"operations":         running,
		"uptime":             formatUptime(time.Since(s.startedAt)),
		"nats":               natsStatus,
		"timestamp":          time.Now().UTC(),
		"version":            s.version,
	}

	jsonResponse(w, status)
}

// operationToAPI merges the persisted row with live session state.
func (s *Server) operationToAPI(op *store.Operation) map[string]any {
	entry := map[string]any{
		"id":            op.ID,
		"target":        op.Target,
		"objective":     op.Objective,
		"status":        op.Status,
		"max_steps":     op.MaxSteps,
		"steps":         op.Steps,
		"input_tokens":  op.InputTokens,
		"output_tokens": op.OutputTokens,
		"started_at":    op.StartedAt,
	}
	if op.StopReason != "" {
		entry["stop_reason"] = op.StopReason
	}
	if op.EndedAt != nil {
		entry["ended_at"] = op.EndedAt
	}
	if live, ok := s.ops.Status(op.ID); ok {
		entry["steps"] = live.Steps
		entry["last_active"] = live.LastActive
		if live.ActiveAgent != "" {
			entry["active_agent"] = live.ActiveAgent
		}
	}
	return entry
}

func queryInt(r *http.Request, key string, def int) int {
	n, err := strconv.Atoi(r.URL.Query().Get(key))
	if err != nil || n <= 0 {
		return def
	}
	return min(n, maxListLimit)
}

func formatUptime(d time.Duration) string {
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	mins := int(d.Minutes()) % 60
	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm", days, hours, mins)
	}
	if hours > 0 {
		return fmt.Sprintf("%dh %dm", hours, mins)
	}
	return fmt.Sprintf("%dm", mins)
}

func jsonResponse(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func jsonError(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
