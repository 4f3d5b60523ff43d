// Package pgstore persists terminal call records to PostgreSQL. It mirrors
// the JSONL history interface so deployments can query call history with SQL
// while the append-only log remains the source of truth on disk.
package pgstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/openclaw/voicebridge/internal/call"
)

// Schema is the SQL DDL for the call_records table. Execute it via
// [Store.Migrate] or apply it manually during deployment.
const Schema = `
CREATE TABLE IF NOT EXISTS call_records (
    call_id          TEXT PRIMARY KEY,
    provider_call_id TEXT NOT NULL DEFAULT '',
    from_number      TEXT NOT NULL DEFAULT '',
    to_number        TEXT NOT NULL DEFAULT '',
    direction        TEXT NOT NULL DEFAULT '',
    state            TEXT NOT NULL,
    end_reason       TEXT NOT NULL DEFAULT '',
    started_at       BIGINT NOT NULL,
    ended_at         BIGINT NOT NULL DEFAULT 0,
    transcript       JSONB NOT NULL DEFAULT '[]',
    metadata         JSONB NOT NULL DEFAULT '{}',
    dtmf             TEXT NOT NULL DEFAULT '',
    created_at       TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_call_records_ended ON call_records(ended_at DESC);
`

// DB is the database interface used by [Store]. Both *pgxpool.Pool and
// *pgx.Conn satisfy it.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Store is a [call.Store] backed by PostgreSQL. Structured sub-fields
// (transcript, metadata) are serialised as JSONB.
type Store struct {
	db      DB
	timeout time.Duration
}

var _ call.Store = (*Store)(nil)

// New creates a store on the given connection or pool. The caller is
// responsible for calling [Store.Migrate] before issuing queries.
func New(db DB) *Store {
	return &Store{db: db, timeout: 10 * time.Second}
}

// Migrate executes the [Schema] DDL, creating the call_records table and
// index if they do not already exist.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("pgstore: migrate: %w", err)
	}
	return nil
}

// Append upserts one terminal record. Redelivered terminal events overwrite
// with identical data, keeping the write idempotent.
func (s *Store) Append(rec call.Record) error {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	transcriptJSON, err := json.Marshal(emptyTranscript(rec.Transcript))
	if err != nil {
		return fmt.Errorf("pgstore: marshal transcript: %w", err)
	}
	metadataJSON, err := json.Marshal(rec.Metadata)
	if err != nil {
		return fmt.Errorf("pgstore: marshal metadata: %w", err)
	}

	const query = `
		INSERT INTO call_records (
			call_id, provider_call_id, from_number, to_number, direction,
			state, end_reason, started_at, ended_at, transcript, metadata, dtmf
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		ON CONFLICT (call_id) DO UPDATE SET
			state = EXCLUDED.state,
			end_reason = EXCLUDED.end_reason,
			ended_at = EXCLUDED.ended_at,
			transcript = EXCLUDED.transcript`

	_, err = s.db.Exec(ctx, query,
		rec.CallID, rec.ProviderCallID, rec.From, rec.To, rec.Direction,
		string(rec.State), rec.EndReason, rec.StartedAt, rec.EndedAt,
		transcriptJSON, metadataJSON, rec.DTMF,
	)
	if err != nil {
		return fmt.Errorf("pgstore: append: %w", err)
	}
	return nil
}

// Last returns up to limit records, newest first by ended_at falling back to
// started_at.
func (s *Store) Last(limit int) ([]call.Record, error) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	const query = `
		SELECT call_id, provider_call_id, from_number, to_number, direction,
		       state, end_reason, started_at, ended_at, transcript, metadata, dtmf
		FROM call_records
		ORDER BY GREATEST(ended_at, started_at) DESC
		LIMIT $1`

	rows, err := s.db.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("pgstore: query history: %w", err)
	}
	defer rows.Close()

	var records []call.Record
	for rows.Next() {
		var (
			rec            call.Record
			state          string
			transcriptJSON []byte
			metadataJSON   []byte
		)
		if err := rows.Scan(
			&rec.CallID, &rec.ProviderCallID, &rec.From, &rec.To, &rec.Direction,
			&state, &rec.EndReason, &rec.StartedAt, &rec.EndedAt,
			&transcriptJSON, &metadataJSON, &rec.DTMF,
		); err != nil {
			return nil, fmt.Errorf("pgstore: scan record: %w", err)
		}
		rec.State = call.State(state)
		if err := json.Unmarshal(transcriptJSON, &rec.Transcript); err != nil {
			return nil, fmt.Errorf("pgstore: decode transcript: %w", err)
		}
		if err := json.Unmarshal(metadataJSON, &rec.Metadata); err != nil {
			return nil, fmt.Errorf("pgstore: decode metadata: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("pgstore: iterate history: %w", err)
	}
	return records, nil
}

// emptyTranscript normalises nil to an empty slice so JSONB stores [] rather
// than null.
func emptyTranscript(t []call.TranscriptEntry) []call.TranscriptEntry {
	if t == nil {
		return []call.TranscriptEntry{}
	}
	return t
}
