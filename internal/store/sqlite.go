package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

const DefaultSQLitePoolSize = 4

// timeLayout matches SQLite's CURRENT_TIMESTAMP text so rows written by the
// account service and by this process sort and compare the same way.
const timeLayout = "2006-01-02 15:04:05.000000"

const schema = `
CREATE TABLE IF NOT EXISTS users (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	username TEXT UNIQUE NOT NULL,
	email TEXT UNIQUE,
	password_hash TEXT NOT NULL DEFAULT '',
	first_name TEXT NOT NULL DEFAULT '',
	last_name TEXT NOT NULL DEFAULT '',
	age INTEGER NOT NULL,
	gender TEXT NOT NULL,
	bio TEXT,
	interests TEXT,
	location_lat REAL DEFAULT 55.7558,
	location_lng REAL DEFAULT 37.6173,
	is_online BOOLEAN DEFAULT FALSE,
	last_seen DATETIME DEFAULT CURRENT_TIMESTAMP,
	created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
	updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS match_sessions (
	id TEXT PRIMARY KEY,
	user1_id INTEGER NOT NULL,
	user2_id INTEGER NOT NULL,
	room_id TEXT UNIQUE NOT NULL,
	started_at DATETIME DEFAULT CURRENT_TIMESTAMP,
	user1_approval BOOLEAN,
	user2_approval BOOLEAN,
	is_matched BOOLEAN DEFAULT FALSE,
	ended_at DATETIME,
	FOREIGN KEY (user1_id) REFERENCES users (id),
	FOREIGN KEY (user2_id) REFERENCES users (id)
);

CREATE TABLE IF NOT EXISTS connections (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	user1_id INTEGER NOT NULL,
	user2_id INTEGER NOT NULL,
	matched_at DATETIME DEFAULT CURRENT_TIMESTAMP,
	is_active BOOLEAN DEFAULT TRUE,
	FOREIGN KEY (user1_id) REFERENCES users (id),
	FOREIGN KEY (user2_id) REFERENCES users (id)
);

CREATE INDEX IF NOT EXISTS idx_match_sessions_open ON match_sessions(ended_at);
`

type SQLiteConfig struct {
	// Path is the database file. The parent directory must exist.
	Path string

	// PoolSize defaults to DefaultSQLitePoolSize. SQLite serializes writers
	// regardless, extra connections only help concurrent readers.
	PoolSize int

	Logger *slog.Logger
}

// SQLite implements ProfileStore, SessionStore and StatsSource on a WAL-mode
// SQLite database.
type SQLite struct {
	pool   *sqlitex.Pool
	logger *slog.Logger
	path   string
}

var (
	_ ProfileStore = (*SQLite)(nil)
	_ SessionStore = (*SQLite)(nil)
	_ StatsSource  = (*SQLite)(nil)
)

func OpenSQLite(cfg SQLiteConfig) (*SQLite, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("sqlite store: Path is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = DefaultSQLitePoolSize
	}

	pool, err := sqlitex.NewPool(cfg.Path, sqlitex.PoolOptions{
		PoolSize:    poolSize,
		PrepareConn: prepareConn,
	})
	if err != nil {
		return nil, fmt.Errorf("sqlite store: opening %s: %w", cfg.Path, err)
	}

	s := &SQLite{pool: pool, logger: logger, path: cfg.Path}

	// Take one connection up front so schema errors surface at startup
	// rather than on the first websocket message.
	conn, err := pool.Take(context.Background())
	if err != nil {
		_ = pool.Close()
		return nil, fmt.Errorf("sqlite store: %w", err)
	}
	pool.Put(conn)

	logger.Info("sqlite store opened", "path", cfg.Path, "pool_size", poolSize)
	return s, nil
}

func prepareConn(conn *sqlite.Conn) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA temp_store=MEMORY",
	}
	for _, pragma := range pragmas {
		if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
			return fmt.Errorf("sqlite store: %s: %w", pragma, err)
		}
	}
	if err := sqlitex.ExecuteScript(conn, schema, nil); err != nil {
		return fmt.Errorf("sqlite store: schema: %w", err)
	}
	return nil
}

func (s *SQLite) Close() error {
	if err := s.pool.Close(); err != nil {
		s.logger.Error("sqlite store close error", "path", s.path, "err", err)
		return fmt.Errorf("sqlite store: closing %s: %w", s.path, err)
	}
	s.logger.Info("sqlite store closed", "path", s.path)
	return nil
}

func (s *SQLite) withConn(ctx context.Context, op string, fn func(conn *sqlite.Conn) error) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("sqlite store: %s: %w", op, err)
	}
	defer s.pool.Put(conn)
	if err := fn(conn); err != nil {
		return fmt.Errorf("sqlite store: %s: %w", op, err)
	}
	return nil
}

// PutParticipant inserts or replaces the matchable part of a profile. The
// account service owns the rest of the row; this exists for seeding and
// tests.
func (s *SQLite) PutParticipant(ctx context.Context, p Participant) error {
	return s.withConn(ctx, "put participant", func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `INSERT INTO users (id, username, age, gender, location_lat, location_lng)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				age = excluded.age,
				gender = excluded.gender,
				location_lat = excluded.location_lat,
				location_lng = excluded.location_lng,
				updated_at = CURRENT_TIMESTAMP`,
			&sqlitex.ExecOptions{
				Args: []any{p.ID, fmt.Sprintf("user%d", p.ID), int64(p.Age), string(p.Gender), p.Lat, p.Lng},
			})
	})
}

func (s *SQLite) GetParticipant(ctx context.Context, id int64) (Participant, error) {
	var (
		p     Participant
		found bool
	)
	err := s.withConn(ctx, "get participant", func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn,
			`SELECT id, gender, age, location_lat, location_lng FROM users WHERE id = ?`,
			&sqlitex.ExecOptions{
				Args: []any{id},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					found = true
					p.ID = stmt.ColumnInt64(0)
					p.Gender = Gender(stmt.ColumnText(1))
					p.Age = stmt.ColumnInt(2)
					p.Lat = DefaultLat
					if stmt.ColumnType(3) != sqlite.TypeNull {
						p.Lat = stmt.ColumnFloat(3)
					}
					p.Lng = DefaultLng
					if stmt.ColumnType(4) != sqlite.TypeNull {
						p.Lng = stmt.ColumnFloat(4)
					}
					return nil
				},
			})
	})
	if err != nil {
		return Participant{}, err
	}
	if !found {
		return Participant{}, fmt.Errorf("participant %d: %w", id, ErrNotFound)
	}
	return p, nil
}

func (s *SQLite) SetOnlineStatus(ctx context.Context, id int64, online bool) error {
	return s.withConn(ctx, "set online status", func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn,
			`UPDATE users SET is_online = ?, last_seen = CURRENT_TIMESTAMP WHERE id = ?`,
			&sqlitex.ExecOptions{Args: []any{boolInt(online), id}})
	})
}

func (s *SQLite) CreateSession(ctx context.Context, rec SessionRecord) error {
	return s.withConn(ctx, "create session", func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn,
			`INSERT INTO match_sessions (id, user1_id, user2_id, room_id, started_at) VALUES (?, ?, ?, ?, ?)`,
			&sqlitex.ExecOptions{
				Args: []any{rec.ID, rec.User1ID, rec.User2ID, rec.RoomID, formatTime(rec.StartedAt)},
			})
	})
}

func (s *SQLite) GetSessionByRoom(ctx context.Context, roomID string) (SessionRecord, error) {
	var (
		rec   SessionRecord
		found bool
	)
	err := s.withConn(ctx, "get session by room", func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn,
			`SELECT id, user1_id, user2_id, room_id, started_at, user1_approval, user2_approval, is_matched, ended_at
			FROM match_sessions WHERE room_id = ?`,
			&sqlitex.ExecOptions{
				Args: []any{roomID},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					found = true
					var err error
					rec, err = scanSession(stmt)
					return err
				},
			})
	})
	if err != nil {
		return SessionRecord{}, err
	}
	if !found {
		return SessionRecord{}, fmt.Errorf("room %s: %w", roomID, ErrNotFound)
	}
	return rec, nil
}

func scanSession(stmt *sqlite.Stmt) (SessionRecord, error) {
	rec := SessionRecord{
		ID:      stmt.ColumnText(0),
		User1ID: stmt.ColumnInt64(1),
		User2ID: stmt.ColumnInt64(2),
		RoomID:  stmt.ColumnText(3),
		Matched: stmt.ColumnInt64(7) != 0,
	}
	started, err := parseTime(stmt.ColumnText(4))
	if err != nil {
		return SessionRecord{}, fmt.Errorf("started_at: %w", err)
	}
	rec.StartedAt = started
	rec.User1Approval = nullableBool(stmt, 5)
	rec.User2Approval = nullableBool(stmt, 6)
	if stmt.ColumnType(8) != sqlite.TypeNull {
		ended, err := parseTime(stmt.ColumnText(8))
		if err != nil {
			return SessionRecord{}, fmt.Errorf("ended_at: %w", err)
		}
		rec.EndedAt = &ended
	}
	return rec, nil
}

func (s *SQLite) SetApproval(ctx context.Context, sessionID string, participantID int64, approved bool) error {
	return s.withConn(ctx, "set approval", func(conn *sqlite.Conn) (err error) {
		endTransaction, err := sqlitex.ImmediateTransaction(conn)
		if err != nil {
			return err
		}
		defer endTransaction(&err)

		var user1, user2 int64
		found := false
		err = sqlitex.Execute(conn, `SELECT user1_id, user2_id FROM match_sessions WHERE id = ?`,
			&sqlitex.ExecOptions{
				Args: []any{sessionID},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					found = true
					user1 = stmt.ColumnInt64(0)
					user2 = stmt.ColumnInt64(1)
					return nil
				},
			})
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
		}

		var query string
		switch participantID {
		case user1:
			query = `UPDATE match_sessions SET user1_approval = ? WHERE id = ?`
		case user2:
			query = `UPDATE match_sessions SET user2_approval = ? WHERE id = ?`
		default:
			return fmt.Errorf("participant %d not in session %s: %w", participantID, sessionID, ErrNotFound)
		}
		return sqlitex.Execute(conn, query, &sqlitex.ExecOptions{Args: []any{boolInt(approved), sessionID}})
	})
}

func (s *SQLite) CompleteSession(ctx context.Context, sessionID string, matched bool, endedAt time.Time) error {
	return s.withConn(ctx, "complete session", func(conn *sqlite.Conn) error {
		err := sqlitex.Execute(conn,
			`UPDATE match_sessions SET ended_at = ?, is_matched = ? WHERE id = ?`,
			&sqlitex.ExecOptions{Args: []any{formatTime(endedAt), boolInt(matched), sessionID}})
		if err != nil {
			return err
		}
		if conn.Changes() == 0 {
			return fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
		}
		return nil
	})
}

func (s *SQLite) CreateConnection(ctx context.Context, a, b int64, at time.Time) error {
	lo, hi := CanonicalPair(a, b)
	return s.withConn(ctx, "create connection", func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn,
			`INSERT INTO connections (user1_id, user2_id, matched_at) VALUES (?, ?, ?)`,
			&sqlitex.ExecOptions{Args: []any{lo, hi, formatTime(at)}})
	})
}

func (s *SQLite) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	err := s.withConn(ctx, "stats", func(conn *sqlite.Conn) error {
		counts := []struct {
			query string
			dst   *int64
		}{
			{`SELECT COUNT(*) FROM users`, &st.TotalUsers},
			{`SELECT COUNT(*) FROM users WHERE is_online = TRUE`, &st.OnlineUsers},
			{`SELECT COUNT(*) FROM connections`, &st.TotalMatches},
			{`SELECT COUNT(*) FROM match_sessions WHERE ended_at IS NULL`, &st.ActiveSessions},
		}
		for _, c := range counts {
			dst := c.dst
			err := sqlitex.Execute(conn, c.query, &sqlitex.ExecOptions{
				ResultFunc: func(stmt *sqlite.Stmt) error {
					*dst = stmt.ColumnInt64(0)
					return nil
				},
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	return st, err
}

func boolInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}

func nullableBool(stmt *sqlite.Stmt, col int) *bool {
	if stmt.ColumnType(col) == sqlite.TypeNull {
		return nil
	}
	v := stmt.ColumnInt64(col) != 0
	return &v
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(raw string) (time.Time, error) {
	t, err := time.ParseInLocation("2006-01-02 15:04:05", raw, time.UTC)
	if err != nil {
		return time.Time{}, err
	}
	return t, nil
}
