package store

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mtzanidakis/opsbridge/internal/vault"
)

type Evidence struct {
	ID          string         `json:"id"`
	OperationID string         `json:"operation_id"`
	Category    string         `json:"category"`
	Content     string         `json:"content"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	Sealed      bool           `json:"sealed"`
	CreatedAt   time.Time      `json:"created_at"`
}

// RecordEvidence stores one finding. Content is sealed when a vault is
// configured.
func (s *Store) RecordEvidence(opID, category, content string, metadata map[string]any) error {
	var meta *string
	if len(metadata) > 0 {
		data, err := json.Marshal(metadata)
		if err != nil {
			return fmt.Errorf("marshal metadata: %w", err)
		}
		m := string(data)
		meta = &m
	}

	blob := []byte(content)
	var nonce []byte
	if s.vault != nil {
		sealed, err := s.vault.Seal(blob, []byte(opID))
		if err != nil {
			return fmt.Errorf("seal evidence: %w", err)
		}
		blob, nonce = sealed.Ciphertext, sealed.Nonce
	}

	_, err := s.db.Exec(`
		INSERT INTO evidence (id, operation_id, category, content, nonce, metadata)
		VALUES (?, ?, ?, ?, ?, ?)`,
		uuid.New().String(), opID, category, blob, nonce, meta)
	if err != nil {
		return fmt.Errorf("record evidence: %w", err)
	}
	return nil
}

// ListEvidence returns an operation's evidence, optionally filtered by
// category, oldest first.
func (s *Store) ListEvidence(opID, category string) ([]Evidence, error) {
	query := `SELECT id, operation_id, category, content, nonce, metadata, created_at
		FROM evidence WHERE operation_id = ?`
	args := []any{opID}
	if category != "" {
		query += ` AND category = ?`
		args = append(args, category)
	}
	query += ` ORDER BY created_at, rowid`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list evidence: %w", err)
	}
	defer rows.Close()

	var out []Evidence
	for rows.Next() {
		var ev Evidence
		var content, nonce []byte
		var meta *string
		if err := rows.Scan(&ev.ID, &ev.OperationID, &ev.Category, &content, &nonce, &meta, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan evidence: %w", err)
		}
		if len(nonce) > 0 {
			if s.vault == nil {
				return nil, fmt.Errorf("evidence %s is sealed: %w", ev.ID, vault.ErrNoKey)
			}
			content, err = s.vault.Open(vault.Sealed{Ciphertext: content, Nonce: nonce}, []byte(opID))
			if err != nil {
				return nil, fmt.Errorf("open evidence %s: %w", ev.ID, err)
			}
			ev.Sealed = true
		}
		ev.Content = string(content)
		if meta != nil {
			if err := json.Unmarshal([]byte(*meta), &ev.Metadata); err != nil {
				return nil, fmt.Errorf("decode evidence metadata: %w", err)
			}
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// SearchEvidence matches query case-insensitively against content. Sealed
// content cannot be searched in SQL, so matching happens after opening.
func (s *Store) SearchEvidence(opID, query, category string) ([]Evidence, error) {
	all, err := s.ListEvidence(opID, category)
	if err != nil {
		return nil, err
	}
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return all, nil
	}
	var out []Evidence
	for _, ev := range all {
		if strings.Contains(strings.ToLower(ev.Content), q) {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (s *Store) CountEvidence(opID string) (int, error) {
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM evidence WHERE operation_id = ?`, opID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count evidence: %w", err)
	}
	return n, nil
}
