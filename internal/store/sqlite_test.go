package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

func openTestSQLite(t *testing.T) *SQLite {
	t.Helper()
	s, err := OpenSQLite(SQLiteConfig{
		Path:     filepath.Join(t.TempDir(), "matchmaker.db"),
		PoolSize: 2,
	})
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestOpenSQLite_RequiresPath(t *testing.T) {
	if _, err := OpenSQLite(SQLiteConfig{}); err == nil {
		t.Fatalf("OpenSQLite with empty path: expected error")
	}
}

func TestSQLite_ParticipantRoundTripAndOnline(t *testing.T) {
	ctx := context.Background()
	s := openTestSQLite(t)

	want := Participant{ID: 7, Gender: GenderFemale, Age: 27, Lat: 1.5, Lng: -2.25}
	if err := s.PutParticipant(ctx, want); err != nil {
		t.Fatalf("PutParticipant: %v", err)
	}
	got, err := s.GetParticipant(ctx, 7)
	if err != nil {
		t.Fatalf("GetParticipant: %v", err)
	}
	if got != want {
		t.Fatalf("GetParticipant=%+v, want %+v", got, want)
	}

	if _, err := s.GetParticipant(ctx, 8); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetParticipant(missing) err=%v, want ErrNotFound", err)
	}

	if err := s.SetOnlineStatus(ctx, 7, true); err != nil {
		t.Fatalf("SetOnlineStatus: %v", err)
	}
	st, err := s.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if st.TotalUsers != 1 || st.OnlineUsers != 1 {
		t.Fatalf("Stats=%+v, want 1 total and 1 online", st)
	}

	if err := s.SetOnlineStatus(ctx, 7, false); err != nil {
		t.Fatalf("SetOnlineStatus(false): %v", err)
	}
	st, err = s.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if st.OnlineUsers != 0 {
		t.Fatalf("OnlineUsers=%d, want 0", st.OnlineUsers)
	}
}

func TestSQLite_SessionLifecycle(t *testing.T) {
	ctx := context.Background()
	s := openTestSQLite(t)

	started := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	rec := SessionRecord{ID: "sess-1", User1ID: 10, User2ID: 3, RoomID: "room-1", StartedAt: started}
	if err := s.CreateSession(ctx, rec); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	got, err := s.GetSessionByRoom(ctx, "room-1")
	if err != nil {
		t.Fatalf("GetSessionByRoom: %v", err)
	}
	if !got.Open() {
		t.Fatalf("new session should be open")
	}
	if got.User1Approval != nil || got.User2Approval != nil {
		t.Fatalf("approvals=%v/%v, want both undecided", got.User1Approval, got.User2Approval)
	}
	if !got.StartedAt.Equal(started) {
		t.Fatalf("StartedAt=%v, want %v", got.StartedAt, started)
	}

	if err := s.SetApproval(ctx, "sess-1", 3, true); err != nil {
		t.Fatalf("SetApproval: %v", err)
	}
	if err := s.SetApproval(ctx, "sess-1", 99, true); !errors.Is(err, ErrNotFound) {
		t.Fatalf("SetApproval(stranger) err=%v, want ErrNotFound", err)
	}

	st, err := s.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if st.ActiveSessions != 1 {
		t.Fatalf("ActiveSessions=%d, want 1", st.ActiveSessions)
	}

	ended := started.Add(30 * time.Second)
	if err := s.CompleteSession(ctx, "sess-1", true, ended); err != nil {
		t.Fatalf("CompleteSession: %v", err)
	}
	if err := s.CreateConnection(ctx, 10, 3, ended); err != nil {
		t.Fatalf("CreateConnection: %v", err)
	}

	got, err = s.GetSessionByRoom(ctx, "room-1")
	if err != nil {
		t.Fatalf("GetSessionByRoom: %v", err)
	}
	if got.Open() || !got.Matched {
		t.Fatalf("session=%+v, want ended and matched", got)
	}
	if got.User2Approval == nil || !*got.User2Approval {
		t.Fatalf("User2Approval=%v, want true", got.User2Approval)
	}
	if got.User1Approval != nil {
		t.Fatalf("User1Approval=%v, want undecided", *got.User1Approval)
	}

	var pair [2]int64
	err = s.withConn(ctx, "read connection", func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `SELECT user1_id, user2_id FROM connections`, &sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				pair = [2]int64{stmt.ColumnInt64(0), stmt.ColumnInt64(1)}
				return nil
			},
		})
	})
	if err != nil {
		t.Fatalf("read connection: %v", err)
	}
	if pair != [2]int64{3, 10} {
		t.Fatalf("connection=%v, want lower id first (3,10)", pair)
	}

	st, err = s.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if st.ActiveSessions != 0 || st.TotalMatches != 1 {
		t.Fatalf("Stats=%+v, want 0 active and 1 match", st)
	}
}

func TestSQLite_CompleteUnknownSession(t *testing.T) {
	s := openTestSQLite(t)
	err := s.CompleteSession(context.Background(), "nope", false, time.Now())
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("CompleteSession err=%v, want ErrNotFound", err)
	}
}

func TestSQLite_DuplicateRoomRejected(t *testing.T) {
	ctx := context.Background()
	s := openTestSQLite(t)

	if err := s.CreateSession(ctx, SessionRecord{ID: "a", User1ID: 1, User2ID: 2, RoomID: "r", StartedAt: time.Now()}); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if err := s.CreateSession(ctx, SessionRecord{ID: "b", User1ID: 3, User2ID: 4, RoomID: "r", StartedAt: time.Now()}); err == nil {
		t.Fatalf("CreateSession with duplicate room: expected error")
	}
}
