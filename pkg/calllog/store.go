package calllog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/vikashloomba/mcp-broker-go/pkg/broker"
)

const schema = `
CREATE TABLE IF NOT EXISTS calls (
	id          TEXT PRIMARY KEY,
	server_id   TEXT NOT NULL,
	kind        TEXT NOT NULL,
	name        TEXT NOT NULL,
	arguments   TEXT,
	success     INTEGER NOT NULL,
	error       TEXT,
	duration_ns INTEGER NOT NULL,
	called_at   INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_calls_called_at ON calls(called_at);
CREATE TABLE IF NOT EXISTS transitions (
	seq       INTEGER PRIMARY KEY AUTOINCREMENT,
	server_id TEXT NOT NULL,
	kind      TEXT NOT NULL,
	status    TEXT NOT NULL,
	error     TEXT,
	at        INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_transitions_server ON transitions(server_id, seq);
`

// Store persists call records and lifecycle transitions in SQLite. Writes
// that fail are logged and dropped; auditing never fails a routed call.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open creates or opens the audit database at path.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("calllog: create dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("calllog: open: %w", err)
	}
	// SQLite serializes writers anyway; one connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("calllog: %s: %w", pragma, err)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("calllog: init schema: %w", err)
	}
	return &Store{db: db, logger: logger}, nil
}

// Close releases the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// LogCall implements broker.CallLogger.
func (s *Store) LogCall(ctx context.Context, rec broker.CallRecord) {
	var args sql.NullString
	if len(rec.Arguments) > 0 {
		raw, err := json.Marshal(rec.Arguments)
		if err != nil {
			s.logger.Warn("calllog: encode arguments", "id", rec.ID, "error", err)
		} else {
			args = sql.NullString{String: string(raw), Valid: true}
		}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO calls (id, server_id, kind, name, arguments, success, error, duration_ns, called_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, rec.ID, rec.ServerID, string(rec.Kind), rec.Name, args, rec.Success, nullString(rec.Error),
		int64(rec.Duration), rec.Timestamp.UnixNano())
	if err != nil {
		s.logger.Warn("calllog: insert call", "id", rec.ID, "server", rec.ServerID, "error", err)
	}
}

// HandleEvent implements broker.EventSink.
func (s *Store) HandleEvent(e broker.Event) {
	at := e.Time
	if at.IsZero() {
		at = time.Now()
	}
	_, err := s.db.Exec(`
		INSERT INTO transitions (server_id, kind, status, error, at)
		VALUES (?, ?, ?, ?, ?)
	`, e.ServerID, string(e.Kind), string(e.Status), nullString(e.Error), at.UnixNano())
	if err != nil {
		s.logger.Warn("calllog: insert transition", "server", e.ServerID, "error", err)
	}
}

// Recent returns up to limit call records, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]broker.CallRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, server_id, kind, name, arguments, success, error, duration_ns, called_at
		FROM calls ORDER BY called_at DESC, rowid DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("calllog: query calls: %w", err)
	}
	defer rows.Close()

	var out []broker.CallRecord
	for rows.Next() {
		var (
			rec        broker.CallRecord
			kind       string
			args, msg  sql.NullString
			durationNs int64
			calledAt   int64
		)
		if err := rows.Scan(&rec.ID, &rec.ServerID, &kind, &rec.Name, &args, &rec.Success, &msg, &durationNs, &calledAt); err != nil {
			return nil, fmt.Errorf("calllog: scan call: %w", err)
		}
		rec.Kind = broker.CallKind(kind)
		rec.Error = msg.String
		rec.Duration = time.Duration(durationNs)
		rec.Timestamp = time.Unix(0, calledAt)
		if args.Valid {
			if err := json.Unmarshal([]byte(args.String), &rec.Arguments); err != nil {
				return nil, fmt.Errorf("calllog: decode arguments of %s: %w", rec.ID, err)
			}
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Transitions returns up to limit lifecycle events for serverID in the order
// they happened. An empty serverID selects every backend.
func (s *Store) Transitions(ctx context.Context, serverID string, limit int) ([]broker.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT server_id, kind, status, error, at FROM (
			SELECT seq, server_id, kind, status, error, at FROM transitions
			WHERE ? = '' OR server_id = ?
			ORDER BY seq DESC LIMIT ?
		) ORDER BY seq ASC
	`, serverID, serverID, limit)
	if err != nil {
		return nil, fmt.Errorf("calllog: query transitions: %w", err)
	}
	defer rows.Close()

	var out []broker.Event
	for rows.Next() {
		var (
			e            broker.Event
			kind, status string
			msg          sql.NullString
			at           int64
		)
		if err := rows.Scan(&e.ServerID, &kind, &status, &msg, &at); err != nil {
			return nil, fmt.Errorf("calllog: scan transition: %w", err)
		}
		e.Kind = broker.EventKind(kind)
		e.Status = broker.Status(status)
		e.Error = msg.String
		e.Time = time.Unix(0, at)
		out = append(out, e)
	}
	return out, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
