package store

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/mtzanidakis/opsbridge/internal/protocol"
)

// EventRecord is one persisted protocol event. Batches are stored as their
// sub-events so the log reads the same whether or not batching occurred.
type EventRecord struct {
	Seq         int64           `json:"seq"`
	OperationID string          `json:"operation_id"`
	EventID     string          `json:"event_id"`
	Type        string          `json:"type"`
	Payload     json.RawMessage `json:"payload"`
	CreatedAt   time.Time       `json:"created_at"`
}

func (r EventRecord) Event() (protocol.Event, error) {
	var e protocol.Event
	if err := json.Unmarshal(r.Payload, &e); err != nil {
		return nil, fmt.Errorf("decode event %d: %w", r.Seq, err)
	}
	return e, nil
}

func (s *Store) AppendEvent(opID string, e protocol.Event) error {
	events := []protocol.Event{e}
	if e.Type() == protocol.TypeBatch {
		events = e.SubEvents()
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	for _, ev := range events {
		payload, err := protocol.Marshal(ev)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(`
			INSERT INTO events (operation_id, event_id, type, payload)
			VALUES (?, ?, ?, ?)`,
			opID, ev.ID(), string(ev.Type()), string(payload)); err != nil {
			return fmt.Errorf("append event: %w", err)
		}
	}
	return tx.Commit()
}

// ListEvents returns events with seq greater than after, oldest first.
func (s *Store) ListEvents(opID string, after int64, limit int) ([]EventRecord, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.db.Query(`
		SELECT seq, operation_id, event_id, type, payload, created_at
		FROM events
		WHERE operation_id = ? AND seq > ?
		ORDER BY seq
		LIMIT ?`, opID, after, limit)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var records []EventRecord
	for rows.Next() {
		var r EventRecord
		var payload string
		if err := rows.Scan(&r.Seq, &r.OperationID, &r.EventID, &r.Type, &payload, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		r.Payload = json.RawMessage(payload)
		records = append(records, r)
	}
	return records, rows.Err()
}

// EachEvent pages through the whole event log of an operation.
func (s *Store) EachEvent(opID string, fn func(EventRecord) error) error {
	var after int64
	for {
		page, err := s.ListEvents(opID, after, 500)
		if err != nil {
			return err
		}
		for _, r := range page {
			if err := fn(r); err != nil {
				return err
			}
			after = r.Seq
		}
		if len(page) < 500 {
			return nil
		}
	}
}

func (s *Store) CountEvents(opID string) (int, error) {
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM events WHERE operation_id = ?`, opID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count events: %w", err)
	}
	return n, nil
}

// EventLog is an event sink that appends to the store.
type EventLog struct {
	store *Store
	opID  string
}

func (s *Store) EventLog(opID string) *EventLog {
	return &EventLog{store: s, opID: opID}
}

func (l *EventLog) Write(e protocol.Event) error {
	return l.store.AppendEvent(l.opID, e)
}

func (l *EventLog) Close() error { return nil }
