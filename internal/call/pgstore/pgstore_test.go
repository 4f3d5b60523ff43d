package pgstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/openclaw/voicebridge/internal/call"
)

// ---------------------------------------------------------------------------
// Test helpers — mock DB types
// ---------------------------------------------------------------------------

// mockRows implements pgx.Rows for testing.
type mockRows struct {
	data    [][]any
	idx     int
	err     error
	closed  bool
	scanErr error
}

func (r *mockRows) Close()                                       { r.closed = true }
func (r *mockRows) Err() error                                   { return r.err }
func (r *mockRows) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (r *mockRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *mockRows) RawValues() [][]byte                          { return nil }
func (r *mockRows) Conn() *pgx.Conn                              { return nil }

func (r *mockRows) Next() bool {
	if r.idx >= len(r.data) {
		return false
	}
	r.idx++
	return true
}

func (r *mockRows) Scan(dest ...any) error {
	if r.scanErr != nil {
		return r.scanErr
	}
	row := r.data[r.idx-1]
	if len(dest) != len(row) {
		return fmt.Errorf("scan: expected %d columns, got %d destinations", len(row), len(dest))
	}
	for i, v := range row {
		switch d := dest[i].(type) {
		case *string:
			*d = v.(string)
		case *[]byte:
			*d = v.([]byte)
		case *int64:
			*d = v.(int64)
		default:
			return fmt.Errorf("scan: unsupported type at index %d: %T", i, dest[i])
		}
	}
	return nil
}

func (r *mockRows) Values() ([]any, error) { return nil, nil }

// mockDB implements the DB interface for testing.
type mockDB struct {
	queryRowFunc func(ctx context.Context, sql string, args ...any) pgx.Row
	queryFunc    func(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	execFunc     func(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func (m *mockDB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	if m.queryRowFunc != nil {
		return m.queryRowFunc(ctx, sql, args...)
	}
	return nil
}

func (m *mockDB) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	if m.queryFunc != nil {
		return m.queryFunc(ctx, sql, args...)
	}
	return &mockRows{}, nil
}

func (m *mockDB) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	if m.execFunc != nil {
		return m.execFunc(ctx, sql, args...)
	}
	return pgconn.CommandTag{}, nil
}

// ---------------------------------------------------------------------------
// Migrate tests
// ---------------------------------------------------------------------------

func TestStore_Migrate(t *testing.T) {
	t.Parallel()

	t.Run("success", func(t *testing.T) {
		t.Parallel()
		db := &mockDB{
			execFunc: func(_ context.Context, sql string, _ ...any) (pgconn.CommandTag, error) {
				if !strings.Contains(sql, "CREATE TABLE") {
					t.Errorf("Migrate SQL should contain CREATE TABLE, got: %s", sql)
				}
				return pgconn.CommandTag{}, nil
			},
		}
		store := New(db)
		if err := store.Migrate(context.Background()); err != nil {
			t.Fatalf("Migrate() unexpected error: %v", err)
		}
	})

	t.Run("error", func(t *testing.T) {
		t.Parallel()
		db := &mockDB{
			execFunc: func(_ context.Context, _ string, _ ...any) (pgconn.CommandTag, error) {
				return pgconn.CommandTag{}, errors.New("connection refused")
			},
		}
		store := New(db)
		err := store.Migrate(context.Background())
		if err == nil {
			t.Fatal("Migrate() expected error, got nil")
		}
		if !strings.Contains(err.Error(), "pgstore: migrate:") {
			t.Errorf("error = %q, want prefix 'pgstore: migrate:'", err.Error())
		}
	})
}

// ---------------------------------------------------------------------------
// Append tests
// ---------------------------------------------------------------------------

func TestStore_Append(t *testing.T) {
	t.Parallel()

	t.Run("success", func(t *testing.T) {
		t.Parallel()

		var capturedSQL string
		var capturedArgs []any
		db := &mockDB{
			execFunc: func(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
				capturedSQL = sql
				capturedArgs = args
				return pgconn.CommandTag{}, nil
			},
		}

		store := New(db)
		rec := call.Record{
			CallID:         "call-1",
			ProviderCallID: "CA123",
			From:           "+15550001111",
			To:             "+15550002222",
			Direction:      "outbound",
			State:          call.StateHangupUser,
			EndReason:      "hangup-user",
			StartedAt:      1000,
			EndedAt:        65000,
			Transcript: []call.TranscriptEntry{
				{Speaker: call.SpeakerBot, Text: "Здравствуйте", Timestamp: 1100},
			},
			DTMF: "1",
		}
		if err := store.Append(rec); err != nil {
			t.Fatalf("Append() unexpected error: %v", err)
		}

		if !strings.Contains(capturedSQL, "INSERT INTO call_records") {
			t.Errorf("SQL should contain INSERT, got: %s", capturedSQL)
		}
		if !strings.Contains(capturedSQL, "ON CONFLICT (call_id)") {
			t.Errorf("SQL should upsert on call_id, got: %s", capturedSQL)
		}
		if len(capturedArgs) != 12 {
			t.Fatalf("expected 12 args, got %d", len(capturedArgs))
		}
		if capturedArgs[0] != "call-1" {
			t.Errorf("first arg = %v, want 'call-1'", capturedArgs[0])
		}
		if capturedArgs[5] != "hangup-user" {
			t.Errorf("state arg = %v, want 'hangup-user'", capturedArgs[5])
		}
		transcriptJSON, ok := capturedArgs[9].([]byte)
		if !ok || !strings.Contains(string(transcriptJSON), "Здравствуйте") {
			t.Errorf("transcript arg = %v, want JSON with transcript text", capturedArgs[9])
		}
	})

	t.Run("nil transcript stores empty array", func(t *testing.T) {
		t.Parallel()

		var capturedArgs []any
		db := &mockDB{
			execFunc: func(_ context.Context, _ string, args ...any) (pgconn.CommandTag, error) {
				capturedArgs = args
				return pgconn.CommandTag{}, nil
			},
		}
		store := New(db)
		if err := store.Append(call.Record{CallID: "c", State: call.StateCompleted}); err != nil {
			t.Fatalf("Append() unexpected error: %v", err)
		}
		if got := string(capturedArgs[9].([]byte)); got != "[]" {
			t.Errorf("transcript JSON = %q, want '[]'", got)
		}
	})

	t.Run("db error", func(t *testing.T) {
		t.Parallel()
		db := &mockDB{
			execFunc: func(_ context.Context, _ string, _ ...any) (pgconn.CommandTag, error) {
				return pgconn.CommandTag{}, errors.New("disk full")
			},
		}
		store := New(db)
		err := store.Append(call.Record{CallID: "x", State: call.StateFailed})
		if err == nil {
			t.Fatal("Append() expected error, got nil")
		}
		if !strings.Contains(err.Error(), "pgstore: append:") {
			t.Errorf("error = %q, want prefix 'pgstore: append:'", err.Error())
		}
	})
}

// ---------------------------------------------------------------------------
// Last tests
// ---------------------------------------------------------------------------

func TestStore_Last(t *testing.T) {
	t.Parallel()

	makeRow := func(id, state string, started, ended int64) []any {
		return []any{
			id,           // call_id
			"CA-" + id,   // provider_call_id
			"+1555",      // from_number
			"+1666",      // to_number
			"outbound",   // direction
			state,        // state
			state,        // end_reason
			started,      // started_at
			ended,        // ended_at
			[]byte(`[{"speaker":"bot","text":"привет","timestamp":1}]`), // transcript
			[]byte(`{"mode":"notify"}`),                                 // metadata
			"", // dtmf
		}
	}

	t.Run("success", func(t *testing.T) {
		t.Parallel()
		db := &mockDB{
			queryFunc: func(_ context.Context, sql string, args ...any) (pgx.Rows, error) {
				if !strings.Contains(sql, "ORDER BY GREATEST(ended_at, started_at) DESC") {
					t.Errorf("Last SQL should order newest first, got: %s", sql)
				}
				if len(args) != 1 || args[0] != 5 {
					t.Errorf("args = %v, want [5]", args)
				}
				return &mockRows{
					data: [][]any{
						makeRow("c2", "completed", 300, 400),
						makeRow("c1", "hangup-user", 100, 200),
					},
				}, nil
			},
		}

		store := New(db)
		got, err := store.Last(5)
		if err != nil {
			t.Fatalf("Last() unexpected error: %v", err)
		}
		if len(got) != 2 {
			t.Fatalf("Last() returned %d records, want 2", len(got))
		}
		if got[0].CallID != "c2" || got[1].CallID != "c1" {
			t.Errorf("order = [%s %s], want [c2 c1]", got[0].CallID, got[1].CallID)
		}
		if got[0].State != call.StateCompleted {
			t.Errorf("state = %q, want completed", got[0].State)
		}
		if len(got[1].Transcript) != 1 || got[1].Transcript[0].Text != "привет" {
			t.Errorf("transcript did not decode: %+v", got[1].Transcript)
		}
		if got[0].Metadata.Mode != call.ModeNotify {
			t.Errorf("metadata mode = %q, want notify", got[0].Metadata.Mode)
		}
	})

	t.Run("empty result", func(t *testing.T) {
		t.Parallel()
		db := &mockDB{
			queryFunc: func(_ context.Context, _ string, _ ...any) (pgx.Rows, error) {
				return &mockRows{}, nil
			},
		}
		store := New(db)
		got, err := store.Last(10)
		if err != nil {
			t.Fatalf("Last() unexpected error: %v", err)
		}
		if got != nil {
			t.Errorf("Last() = %v, want nil for empty result", got)
		}
	})

	t.Run("query error", func(t *testing.T) {
		t.Parallel()
		db := &mockDB{
			queryFunc: func(_ context.Context, _ string, _ ...any) (pgx.Rows, error) {
				return nil, errors.New("connection reset")
			},
		}
		store := New(db)
		_, err := store.Last(1)
		if err == nil {
			t.Fatal("Last() expected error, got nil")
		}
		if !strings.Contains(err.Error(), "pgstore: query history:") {
			t.Errorf("error = %q, want prefix 'pgstore: query history:'", err.Error())
		}
	})

	t.Run("rows error after iteration", func(t *testing.T) {
		t.Parallel()
		db := &mockDB{
			queryFunc: func(_ context.Context, _ string, _ ...any) (pgx.Rows, error) {
				return &mockRows{err: errors.New("stream interrupted")}, nil
			},
		}
		store := New(db)
		_, err := store.Last(1)
		if err == nil {
			t.Fatal("Last() expected error from rows.Err()")
		}
		if !strings.Contains(err.Error(), "pgstore: iterate history:") {
			t.Errorf("error = %q, want prefix 'pgstore: iterate history:'", err.Error())
		}
	})

	t.Run("bad transcript json", func(t *testing.T) {
		t.Parallel()
		row := makeRow("c1", "completed", 1, 2)
		row[9] = []byte(`{not json`)
		db := &mockDB{
			queryFunc: func(_ context.Context, _ string, _ ...any) (pgx.Rows, error) {
				return &mockRows{data: [][]any{row}}, nil
			},
		}
		store := New(db)
		_, err := store.Last(1)
		if err == nil {
			t.Fatal("Last() expected decode error")
		}
		if !strings.Contains(err.Error(), "pgstore: decode transcript:") {
			t.Errorf("error = %q, want decode transcript error", err.Error())
		}
	})
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func TestEmptyTranscript(t *testing.T) {
	t.Parallel()

	t.Run("nil returns empty", func(t *testing.T) {
		t.Parallel()
		result := emptyTranscript(nil)
		if result == nil || len(result) != 0 {
			t.Errorf("emptyTranscript(nil) = %v, want []", result)
		}
	})

	t.Run("non-nil passes through", func(t *testing.T) {
		t.Parallel()
		input := []call.TranscriptEntry{{Speaker: call.SpeakerBot, Text: "x"}}
		result := emptyTranscript(input)
		if len(result) != 1 {
			t.Errorf("emptyTranscript(input) len = %d, want 1", len(result))
		}
	})
}
