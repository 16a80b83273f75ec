package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lazypower/recall/internal/concept"
)

// maxJournalConcepts caps how many concept names a journal row keeps.
// The engine sees the full event; the journal is an audit trail.
const maxJournalConcepts = 64

// JournalEntry is one ingested observation as recorded in the journal.
type JournalEntry struct {
	ID          int64               `json:"id"`
	Concepts    []string            `json:"concepts"`
	Confidences concept.Confidences `json:"confidences"`
	Salience    map[string]float64  `json:"salience,omitempty"`
	ObservedAt  time.Time           `json:"observed_at"`
	CreatedAt   time.Time           `json:"created_at"`
}

// AddObservation journals an ingested event and trims the journal to the
// newest keep rows. keep <= 0 disables trimming.
func (db *DB) AddObservation(ctx context.Context, ev concept.Observation, keep int) error {
	names := ev.Concepts
	if len(names) > maxJournalConcepts {
		names = names[:maxJournalConcepts]
	}
	conceptsJSON, err := json.Marshal(names)
	if err != nil {
		return fmt.Errorf("encode concepts: %w", err)
	}
	confJSON, err := json.Marshal(ev.Confidences)
	if err != nil {
		return fmt.Errorf("encode confidences: %w", err)
	}
	var salJSON []byte
	if len(ev.Salience) > 0 {
		if salJSON, err = json.Marshal(ev.Salience); err != nil {
			return fmt.Errorf("encode salience: %w", err)
		}
	}

	now := time.Now()
	observed := ev.Timestamp
	if observed.IsZero() {
		observed = now
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin journal: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO observations (concepts, confidences, salience, observed_at, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, string(conceptsJSON), string(confJSON), nullableString(salJSON), observed.UnixNano(), now.UnixNano()); err != nil {
		return fmt.Errorf("add observation: %w", err)
	}

	if keep > 0 {
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM observations WHERE id <= (SELECT MAX(id) FROM observations) - ?
		`, keep); err != nil {
			return fmt.Errorf("trim journal: %w", err)
		}
	}
	return tx.Commit()
}

// RecentObservations returns the most recently journaled events, newest first.
func (db *DB) RecentObservations(ctx context.Context, limit int) ([]JournalEntry, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, concepts, confidences, salience, observed_at, created_at
		FROM observations ORDER BY created_at DESC, id DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("get recent observations: %w", err)
	}
	defer rows.Close()

	var out []JournalEntry
	for rows.Next() {
		var (
			e                   JournalEntry
			names, conf         string
			sal                 *string
			observed, createdAt int64
		)
		if err := rows.Scan(&e.ID, &names, &conf, &sal, &observed, &createdAt); err != nil {
			return nil, fmt.Errorf("scan observation: %w", err)
		}
		if err := json.Unmarshal([]byte(names), &e.Concepts); err != nil {
			return nil, fmt.Errorf("decode concepts of observation %d: %w", e.ID, err)
		}
		if conf != "" {
			if err := json.Unmarshal([]byte(conf), &e.Confidences); err != nil {
				return nil, fmt.Errorf("decode confidences of observation %d: %w", e.ID, err)
			}
		}
		if sal != nil {
			if err := json.Unmarshal([]byte(*sal), &e.Salience); err != nil {
				return nil, fmt.Errorf("decode salience of observation %d: %w", e.ID, err)
			}
		}
		e.ObservedAt = time.Unix(0, observed).UTC()
		e.CreatedAt = time.Unix(0, createdAt).UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}

// CountObservations returns the number of journaled events.
func (db *DB) CountObservations(ctx context.Context) (int, error) {
	var count int
	err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM observations").Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count observations: %w", err)
	}
	return count, nil
}

func nullableString(b []byte) any {
	if b == nil {
		return nil
	}
	return string(b)
}
