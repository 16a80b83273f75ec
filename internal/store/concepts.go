package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lazypower/recall/internal/concept"
)

// SaveSnapshot replaces the stored graph with snap in a single transaction.
// A failed save leaves the previous snapshot intact.
func (db *DB) SaveSnapshot(ctx context.Context, snap *concept.Snapshot) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin save: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM concept_edges"); err != nil {
		return fmt.Errorf("clear edges: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM concepts"); err != nil {
		return fmt.Errorf("clear concepts: %w", err)
	}

	nodeStmt, err := tx.PrepareContext(ctx, `
		INSERT INTO concepts (id, name, name_key, memory_score, decay_rate, attention, audio, intent,
			last_seen, next_review, last_reminded, observed_usage)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("prepare concept insert: %w", err)
	}
	defer nodeStmt.Close()

	for _, n := range snap.Nodes {
		conf := n.Resolved()
		var reminded sql.NullInt64
		if n.LastReminded != nil {
			reminded = sql.NullInt64{Int64: n.LastReminded.UnixNano(), Valid: true}
		}
		if _, err := nodeStmt.ExecContext(ctx,
			string(n.ID), n.Name, concept.NormalizeName(n.Name),
			n.MemoryScore, n.DecayRate, conf.Attention, conf.Audio, conf.Intent,
			n.LastSeen.UnixNano(), n.NextReview.UnixNano(), reminded, int64(n.ObservedUsage),
		); err != nil {
			return fmt.Errorf("insert concept %s: %w", n.Name, err)
		}
	}

	edgeStmt, err := tx.PrepareContext(ctx, `
		INSERT INTO concept_edges (a, b, weight, last_updated) VALUES (?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("prepare edge insert: %w", err)
	}
	defer edgeStmt.Close()

	for _, e := range snap.Edges {
		key := concept.KeyOf(e.A, e.B)
		if _, err := edgeStmt.ExecContext(ctx,
			string(key.A), string(key.B), e.Weight, e.LastUpdated.UnixNano(),
		); err != nil {
			return fmt.Errorf("insert edge %s-%s: %w", key.A, key.B, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit save: %w", err)
	}
	return nil
}

// LoadSnapshot reads the stored graph. An empty database yields an empty
// snapshot, not an error.
func (db *DB) LoadSnapshot(ctx context.Context) (*concept.Snapshot, error) {
	snap := &concept.Snapshot{}

	rows, err := db.QueryContext(ctx, `
		SELECT id, name, memory_score, decay_rate, attention, audio, intent,
			last_seen, next_review, last_reminded, observed_usage
		FROM concepts ORDER BY name
	`)
	if err != nil {
		return nil, fmt.Errorf("query concepts: %w", err)
	}
	for rows.Next() {
		var (
			rec               concept.NodeRecord
			conf              concept.Resolved
			id                string
			lastSeen, nextRev int64
			reminded          sql.NullInt64
			usage             int64
		)
		if err := rows.Scan(&id, &rec.Name, &rec.MemoryScore, &rec.DecayRate,
			&conf.Attention, &conf.Audio, &conf.Intent,
			&lastSeen, &nextRev, &reminded, &usage); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan concept: %w", err)
		}
		rec.ID = concept.ID(id)
		rec.LastSeen = time.Unix(0, lastSeen).UTC()
		rec.NextReview = time.Unix(0, nextRev).UTC()
		if reminded.Valid {
			t := time.Unix(0, reminded.Int64).UTC()
			rec.LastReminded = &t
		}
		rec.ObservedUsage = uint64(usage)
		rec.Confidences = &conf
		snap.Nodes = append(snap.Nodes, rec)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	rows, err = db.QueryContext(ctx, `
		SELECT a, b, weight, last_updated FROM concept_edges ORDER BY weight DESC, a, b
	`)
	if err != nil {
		return nil, fmt.Errorf("query edges: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			rec     concept.EdgeRecord
			a, b    string
			updated int64
		)
		if err := rows.Scan(&a, &b, &rec.Weight, &updated); err != nil {
			return nil, fmt.Errorf("scan edge: %w", err)
		}
		rec.A, rec.B = concept.ID(a), concept.ID(b)
		rec.LastUpdated = time.Unix(0, updated).UTC()
		snap.Edges = append(snap.Edges, rec)
	}
	return snap, rows.Err()
}

// CountConcepts returns the number of stored concepts.
func (db *DB) CountConcepts(ctx context.Context) (int, error) {
	var count int
	err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM concepts").Scan(&count)
	return count, err
}
