package matchmaker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/wilsonzlin/aero/proxy/videochat-matchmaker/internal/clock"
	"github.com/wilsonzlin/aero/proxy/videochat-matchmaker/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/videochat-matchmaker/internal/protocol"
	"github.com/wilsonzlin/aero/proxy/videochat-matchmaker/internal/store"
)

type recordingChannel struct {
	mu      sync.Mutex
	sent    []protocol.Outbound
	sendErr error
	closed  bool
}

func (c *recordingChannel) Send(msg protocol.Outbound) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	c.sent = append(c.sent, msg)
	return nil
}

func (c *recordingChannel) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

func (c *recordingChannel) types() []protocol.Type {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]protocol.Type, len(c.sent))
	for i, m := range c.sent {
		out[i] = m.Type
	}
	return out
}

func (c *recordingChannel) last() protocol.Outbound {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.sent) == 0 {
		return protocol.Outbound{}
	}
	return c.sent[len(c.sent)-1]
}

func (c *recordingChannel) count(typ protocol.Type) int {
	n := 0
	for _, t := range c.types() {
		if t == typ {
			n++
		}
	}
	return n
}

func (c *recordingChannel) reset() {
	c.mu.Lock()
	c.sent = nil
	c.mu.Unlock()
}

type harness struct {
	t     *testing.T
	e     *Engine
	mem   *store.Memory
	clock *clock.Manual
	chans map[int64]*recordingChannel
}

func newHarness(t *testing.T, mutate func(*Config)) *harness {
	t.Helper()
	mem := store.NewMemory()
	mc := clock.NewManual(time.Unix(1_700_000_000, 0).UTC())
	var seq int
	cfg := Config{
		Profiles:       mem,
		Sessions:       mem,
		Clock:          mc,
		DecisionWindow: 60 * time.Second,
		NewID: func() string {
			seq++
			return fmt.Sprintf("id-%d", seq)
		},
	}
	if mutate != nil {
		mutate(&cfg)
	}
	e, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return &harness{t: t, e: e, mem: mem, clock: mc, chans: make(map[int64]*recordingChannel)}
}

func (h *harness) join(id int64, gender store.Gender, age int) *recordingChannel {
	h.mem.PutParticipant(store.Participant{ID: id, Gender: gender, Age: age, Lat: store.DefaultLat, Lng: store.DefaultLng})
	ch := &recordingChannel{}
	h.chans[id] = ch
	h.e.Connect(id, ch)
	return ch
}

// pair connects a male 1 and a female 2, matches them and returns the room.
func (h *harness) pair() (a, b *recordingChannel, room string) {
	h.t.Helper()
	a = h.join(1, store.GenderMale, 25)
	b = h.join(2, store.GenderFemale, 27)
	ctx := context.Background()
	h.e.StartSearch(ctx, 1)
	h.e.StartSearch(ctx, 2)

	found := a.last()
	if found.Type != protocol.TypeMatchFound || found.PartnerID != 2 {
		h.t.Fatalf("participant 1 last=%+v, want match_found with partner 2", found)
	}
	foundB := b.last()
	if foundB.Type != protocol.TypeMatchFound || foundB.PartnerID != 1 || foundB.RoomID != found.RoomID {
		h.t.Fatalf("participant 2 last=%+v, want match_found with partner 1 in %s", foundB, found.RoomID)
	}
	return a, b, found.RoomID
}

func (h *harness) record(room string) store.SessionRecord {
	h.t.Helper()
	rec, err := h.mem.GetSessionByRoom(context.Background(), room)
	if err != nil {
		h.t.Fatalf("GetSessionByRoom(%s): %v", room, err)
	}
	return rec
}

func TestNew_RequiresStores(t *testing.T) {
	if _, err := New(Config{Sessions: store.NewMemory()}); err == nil {
		t.Fatalf("expected error without profiles")
	}
	if _, err := New(Config{Profiles: store.NewMemory()}); err == nil {
		t.Fatalf("expected error without sessions")
	}
}

func TestStartSearch_WaitsWithoutPartner(t *testing.T) {
	h := newHarness(t, nil)
	a := h.join(1, store.GenderMale, 25)
	h.e.StartSearch(context.Background(), 1)

	got := a.types()
	if len(got) != 2 || got[0] != protocol.TypeSearchStarted || got[1] != protocol.TypeSearching {
		t.Fatalf("sent=%v, want [search_started searching]", got)
	}
	if st := h.e.LiveStats(); st.WaitingUsers != 1 {
		t.Fatalf("WaitingUsers=%d, want 1", st.WaitingUsers)
	}
	if !h.mem.Online(1) {
		t.Fatalf("participant 1 not marked online")
	}
}

func TestStartSearch_UnknownProfileIsDropped(t *testing.T) {
	h := newHarness(t, nil)
	ch := &recordingChannel{}
	h.e.Connect(99, ch)
	h.e.StartSearch(context.Background(), 99)

	if got := ch.types(); len(got) != 0 {
		t.Fatalf("sent=%v, want nothing", got)
	}
	if got := h.e.Metrics().Get(metrics.SearchNoProfile); got != 1 {
		t.Fatalf("search_no_profile=%d, want 1", got)
	}
}

func TestStartSearch_SameGenderNeverMatches(t *testing.T) {
	h := newHarness(t, nil)
	h.join(1, store.GenderMale, 25)
	b := h.join(2, store.GenderMale, 25)
	h.e.StartSearch(context.Background(), 1)
	h.e.StartSearch(context.Background(), 2)

	if b.count(protocol.TypeMatchFound) != 0 {
		t.Fatalf("same gender matched")
	}
	if st := h.e.LiveStats(); st.WaitingUsers != 2 {
		t.Fatalf("WaitingUsers=%d, want 2", st.WaitingUsers)
	}
}

func TestMutualMatch(t *testing.T) {
	h := newHarness(t, nil)
	a, b, room := h.pair()
	ctx := context.Background()

	st := h.e.LiveStats()
	if st.WaitingUsers != 0 || st.PendingSessions != 1 || st.ArmedDeadlines != 1 {
		t.Fatalf("stats=%+v, want 0 waiting, 1 pending, 1 deadline", st)
	}

	h.e.Approve(ctx, 1, room)
	if a.count(protocol.TypeMatchSuccess) != 0 {
		t.Fatalf("match_success after a single approval")
	}
	h.e.Approve(ctx, 1, room)
	h.e.Approve(ctx, 2, room)

	if a.count(protocol.TypeMatchSuccess) != 1 || b.count(protocol.TypeMatchSuccess) != 1 {
		t.Fatalf("match_success counts=%d/%d, want 1/1", a.count(protocol.TypeMatchSuccess), b.count(protocol.TypeMatchSuccess))
	}
	if got := a.last().RoomID; got != room {
		t.Fatalf("match_success room=%q, want %q", got, room)
	}

	conns := h.mem.Connections()
	if len(conns) != 1 || conns[0].User1ID != 1 || conns[0].User2ID != 2 {
		t.Fatalf("connections=%+v, want one (1,2)", conns)
	}
	rec := h.record(room)
	if !rec.Matched || rec.Open() {
		t.Fatalf("record=%+v, want matched and closed", rec)
	}
	if rec.User1Approval == nil || !*rec.User1Approval || rec.User2Approval == nil || !*rec.User2Approval {
		t.Fatalf("approvals not persisted: %+v", rec)
	}

	st = h.e.LiveStats()
	if st.MatchedRooms != 1 || st.PendingSessions != 0 || st.ArmedDeadlines != 0 {
		t.Fatalf("stats=%+v, want 1 matched room and no deadline", st)
	}

	// The deadline must not fire after a mutual match.
	h.clock.Advance(2 * time.Minute)
	if a.count(protocol.TypeTimeExpired) != 0 {
		t.Fatalf("time_expired after mutual match")
	}

	// The room stays valid for signaling.
	if !h.e.Relay(1, protocol.SignalOffer, 0, false, json.RawMessage(`{"sdp":"x"}`)) {
		t.Fatalf("relay to partner after mutual match failed")
	}
	got := b.last()
	if got.Type != protocol.TypeOffer || got.FromUserID != 1 || string(got.Offer) != `{"sdp":"x"}` {
		t.Fatalf("relayed=%+v", got)
	}
}

func TestReject_IsFinal(t *testing.T) {
	h := newHarness(t, nil)
	a, b, room := h.pair()
	ctx := context.Background()

	h.e.Approve(ctx, 2, room)
	h.e.Reject(ctx, 1, room)
	h.e.Approve(ctx, 1, room)

	rej := b.last()
	if rej.Type != protocol.TypeMatchRejected || rej.RoomID != room || rej.Reason != "" {
		t.Fatalf("participant 2 last=%+v, want match_rejected", rej)
	}
	if a.count(protocol.TypeMatchRejected) != 0 {
		t.Fatalf("rejecting participant was notified")
	}
	if a.count(protocol.TypeMatchSuccess)+b.count(protocol.TypeMatchSuccess) != 0 {
		t.Fatalf("match_success after reject")
	}
	if len(h.mem.Connections()) != 0 {
		t.Fatalf("connection recorded after reject")
	}
	rec := h.record(room)
	if rec.Matched || rec.Open() {
		t.Fatalf("record=%+v, want unmatched and closed", rec)
	}
	if st := h.e.LiveStats(); st.PendingSessions != 0 || st.ArmedDeadlines != 0 {
		t.Fatalf("stats=%+v, want nothing pending", st)
	}

	// Both may search again, and find each other again.
	a.reset()
	h.e.StartSearch(ctx, 1)
	h.e.StartSearch(ctx, 2)
	if a.count(protocol.TypeMatchFound) != 1 {
		t.Fatalf("re-search sent=%v, want a new match_found", a.types())
	}
	if a.last().RoomID == room {
		t.Fatalf("new match reused room %s", room)
	}
}

func TestExpire_OnceAndLateApprovalIgnored(t *testing.T) {
	h := newHarness(t, nil)
	a, b, room := h.pair()
	ctx := context.Background()

	h.e.Approve(ctx, 1, room)
	h.clock.Advance(59 * time.Second)
	if a.count(protocol.TypeTimeExpired) != 0 {
		t.Fatalf("expired early")
	}
	h.clock.Advance(time.Second)
	h.clock.Advance(time.Minute)

	if a.count(protocol.TypeTimeExpired) != 1 || b.count(protocol.TypeTimeExpired) != 1 {
		t.Fatalf("time_expired counts=%d/%d, want 1/1", a.count(protocol.TypeTimeExpired), b.count(protocol.TypeTimeExpired))
	}

	h.e.Approve(ctx, 2, room)
	if a.count(protocol.TypeMatchSuccess)+b.count(protocol.TypeMatchSuccess) != 0 {
		t.Fatalf("late approval produced a match")
	}
	rec := h.record(room)
	if rec.Matched || rec.Open() {
		t.Fatalf("record=%+v, want unmatched and closed", rec)
	}
	if !rec.EndedAt.Equal(h.clock.Now().Add(-time.Minute)) {
		t.Fatalf("EndedAt=%v, want the deadline", rec.EndedAt)
	}
	if got := h.e.Metrics().Get(metrics.MatchExpired); got != 1 {
		t.Fatalf("expired metric=%d, want 1", got)
	}
}

func TestDisconnect_AbandonsPendingSession(t *testing.T) {
	h := newHarness(t, nil)
	a, b, room := h.pair()

	h.e.Disconnect(1, a)

	got := b.last()
	if got.Type != protocol.TypeMatchRejected || got.Reason != protocol.ReasonPartnerDisconnected || got.RoomID != room {
		t.Fatalf("survivor last=%+v, want match_rejected partner_disconnected", got)
	}
	if h.mem.Online(1) {
		t.Fatalf("participant 1 still online")
	}
	rec := h.record(room)
	if rec.Matched || rec.Open() {
		t.Fatalf("record=%+v, want unmatched and closed", rec)
	}
	if st := h.e.LiveStats(); st.PendingSessions != 0 || st.ArmedDeadlines != 0 || st.ActiveConnections != 1 {
		t.Fatalf("stats=%+v", st)
	}
}

func TestDisconnect_RemovesFromPool(t *testing.T) {
	h := newHarness(t, nil)
	a := h.join(1, store.GenderMale, 25)
	h.e.StartSearch(context.Background(), 1)
	h.e.Disconnect(1, a)

	b := h.join(2, store.GenderFemale, 25)
	h.e.StartSearch(context.Background(), 2)
	if b.count(protocol.TypeMatchFound) != 0 {
		t.Fatalf("matched with a disconnected participant")
	}
}

func TestDisconnect_StaleChannelKeepsState(t *testing.T) {
	h := newHarness(t, nil)
	old := h.join(1, store.GenderMale, 25)
	h.e.StartSearch(context.Background(), 1)

	cur := &recordingChannel{}
	h.e.Connect(1, cur)
	if !old.closed {
		t.Fatalf("replaced channel not closed")
	}
	h.e.Disconnect(1, old)

	if st := h.e.LiveStats(); st.WaitingUsers != 1 || st.ActiveConnections != 1 {
		t.Fatalf("stats=%+v, want participant still waiting and connected", st)
	}
	h.join(2, store.GenderFemale, 25)
	h.e.StartSearch(context.Background(), 2)
	if cur.count(protocol.TypeMatchFound) != 1 {
		t.Fatalf("new channel sent=%v, want match_found", cur.types())
	}
}

func TestDeliveryFailure_ReleasesParticipant(t *testing.T) {
	h := newHarness(t, nil)
	a, b, room := h.pair()

	a.mu.Lock()
	a.sendErr = errors.New("broken pipe")
	a.mu.Unlock()

	h.e.Relay(2, protocol.SignalCandidate, 0, false, json.RawMessage(`{"candidate":"c"}`))

	got := b.last()
	if got.Type != protocol.TypeMatchRejected || got.Reason != protocol.ReasonPartnerDisconnected || got.RoomID != room {
		t.Fatalf("survivor last=%+v, want match_rejected partner_disconnected", got)
	}
	if !a.closed {
		t.Fatalf("failed channel not closed")
	}
	if got := h.e.Metrics().Get(metrics.DeliveryFailed); got != 1 {
		t.Fatalf("delivery_failed=%d, want 1", got)
	}
}

func TestStartSearch_IgnoredWhilePending(t *testing.T) {
	h := newHarness(t, nil)
	a, _, _ := h.pair()
	a.reset()

	h.e.StartSearch(context.Background(), 1)
	if got := a.types(); len(got) != 0 {
		t.Fatalf("sent=%v, want nothing", got)
	}
	if st := h.e.LiveStats(); st.WaitingUsers != 0 || st.PendingSessions != 1 {
		t.Fatalf("stats=%+v", st)
	}
}

func TestStopSearch(t *testing.T) {
	h := newHarness(t, nil)
	a := h.join(1, store.GenderMale, 25)
	h.e.StartSearch(context.Background(), 1)
	h.e.StopSearch(1)

	if got := a.last().Type; got != protocol.TypeSearchStopped {
		t.Fatalf("last=%q, want search_stopped", got)
	}
	if st := h.e.LiveStats(); st.WaitingUsers != 0 {
		t.Fatalf("WaitingUsers=%d, want 0", st.WaitingUsers)
	}
}

func TestRelay_Targeting(t *testing.T) {
	h := newHarness(t, nil)
	_, b, _ := h.pair()
	c := h.join(3, store.GenderFemale, 25)
	payload := json.RawMessage(`{"type":"answer"}`)

	if h.e.Relay(1, protocol.SignalAnswer, 3, true, payload) {
		t.Fatalf("relay to a non-partner target succeeded")
	}
	if len(c.types()) != 0 {
		t.Fatalf("non-partner received %v", c.types())
	}
	if !h.e.Relay(1, protocol.SignalAnswer, 2, true, payload) {
		t.Fatalf("relay to the partner as explicit target failed")
	}
	if got := b.last(); got.Type != protocol.TypeAnswer || got.FromUserID != 1 {
		t.Fatalf("partner last=%+v", got)
	}
	if h.e.Relay(3, protocol.SignalOffer, 0, false, payload) {
		t.Fatalf("relay without a partner succeeded")
	}
	if got := h.e.Metrics().Get(metrics.SignalDropped); got != 2 {
		t.Fatalf("signal_dropped=%d, want 2", got)
	}
}

func TestRelay_AnyTarget(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.RelayAnyTarget = true })
	h.join(1, store.GenderMale, 25)
	c := h.join(3, store.GenderFemale, 25)

	if !h.e.Relay(1, protocol.SignalCandidate, 3, true, json.RawMessage(`{}`)) {
		t.Fatalf("relay with RelayAnyTarget failed")
	}
	if got := c.last(); got.Type != protocol.TypeCandidate || got.FromUserID != 1 {
		t.Fatalf("last=%+v, want webrtc_candidate from 1", got)
	}
	if h.e.Relay(1, protocol.SignalCandidate, 4, true, json.RawMessage(`{}`)) {
		t.Fatalf("relay to an unconnected target succeeded")
	}
}

func TestOrphanRecovery(t *testing.T) {
	h := newHarness(t, nil)
	h.join(1, store.GenderMale, 25)
	b := h.join(2, store.GenderFemale, 25)
	ctx := context.Background()

	if err := h.mem.CreateSession(ctx, store.SessionRecord{
		ID: "old-session", User1ID: 1, User2ID: 2, RoomID: "old-room", StartedAt: h.clock.Now(),
	}); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	h.e.Approve(ctx, 1, "old-room")

	got := b.last()
	if got.Type != protocol.TypeTimeExpired || got.RoomID != "old-room" {
		t.Fatalf("counterpart last=%+v, want time_expired", got)
	}
	if rec := h.record("old-room"); rec.Open() || rec.Matched {
		t.Fatalf("record=%+v, want closed unmatched", rec)
	}

	// A second decision on the now closed room is dropped.
	b.reset()
	h.e.Reject(ctx, 1, "old-room")
	h.e.Approve(ctx, 1, "no-such-room")
	if len(b.types()) != 0 {
		t.Fatalf("sent=%v, want nothing", b.types())
	}
	if got := h.e.Metrics().Get(metrics.OrphanRecovered); got != 1 {
		t.Fatalf("orphan metric=%d, want 1", got)
	}
}

func TestDecision_NonParticipantIgnored(t *testing.T) {
	h := newHarness(t, nil)
	a, b, room := h.pair()
	h.join(3, store.GenderFemale, 25)

	h.e.Reject(context.Background(), 3, room)
	if a.count(protocol.TypeMatchRejected)+b.count(protocol.TypeMatchRejected) != 0 {
		t.Fatalf("outsider ended the session")
	}
	if st := h.e.LiveStats(); st.PendingSessions != 1 {
		t.Fatalf("PendingSessions=%d, want 1", st.PendingSessions)
	}
}

func TestHandle_Dispatch(t *testing.T) {
	h := newHarness(t, nil)
	a := h.join(1, store.GenderMale, 25)
	ctx := context.Background()

	if !h.e.Handle(ctx, 1, protocol.Inbound{Type: protocol.TypeStartSearch}) {
		t.Fatalf("start_search not handled")
	}
	if h.e.Handle(ctx, 1, protocol.Inbound{Type: "dance"}) {
		t.Fatalf("unknown type reported as handled")
	}
	if got := h.e.Metrics().Get(metrics.WSUnknownType); got != 1 {
		t.Fatalf("unknown type metric=%d, want 1", got)
	}
	if a.count(protocol.TypeSearchStarted) != 1 {
		t.Fatalf("sent=%v", a.types())
	}
}

func TestMutualMatch_SearchingAgainEndsRoom(t *testing.T) {
	h := newHarness(t, nil)
	_, _, room := h.pair()
	ctx := context.Background()
	h.e.Approve(ctx, 1, room)
	h.e.Approve(ctx, 2, room)

	h.e.StartSearch(ctx, 1)
	if h.e.Relay(2, protocol.SignalOffer, 0, false, json.RawMessage(`{}`)) {
		t.Fatalf("relay still routed after partner searched again")
	}
	if st := h.e.LiveStats(); st.MatchedRooms != 0 || st.WaitingUsers != 1 {
		t.Fatalf("stats=%+v", st)
	}
}

func TestConcurrentSearch_EachParticipantMatchedOnce(t *testing.T) {
	h := newHarness(t, func(c *Config) {
		var mu sync.Mutex
		n := 0
		c.NewID = func() string {
			mu.Lock()
			defer mu.Unlock()
			n++
			return fmt.Sprintf("id-%d", n)
		}
	})
	const n = 100
	for i := int64(1); i <= n; i++ {
		g := store.GenderMale
		if i%2 == 0 {
			g = store.GenderFemale
		}
		h.join(i, g, 30)
	}

	var wg sync.WaitGroup
	for i := int64(1); i <= n; i++ {
		wg.Add(1)
		go func(id int64) {
			defer wg.Done()
			h.e.StartSearch(context.Background(), id)
		}(i)
	}
	wg.Wait()

	partners := make(map[int64]int64)
	for id, ch := range h.chans {
		if got := ch.count(protocol.TypeMatchFound); got > 1 {
			t.Fatalf("participant %d matched %d times", id, got)
		}
		for _, msg := range ch.sent {
			if msg.Type == protocol.TypeMatchFound {
				partners[id] = msg.PartnerID
			}
		}
	}
	for id, partner := range partners {
		if partners[partner] != id {
			t.Fatalf("participant %d paired with %d, who paired with %d", id, partner, partners[partner])
		}
	}
	st := h.e.LiveStats()
	if st.WaitingUsers+2*st.PendingSessions != n {
		t.Fatalf("stats=%+v, want every participant waiting or pending", st)
	}
}

func TestDeadlineRacesApproval(t *testing.T) {
	for i := 0; i < 100; i++ {
		mem := store.NewMemory()
		e, err := New(Config{Profiles: mem, Sessions: mem, DecisionWindow: time.Millisecond})
		if err != nil {
			t.Fatalf("New: %v", err)
		}
		mem.PutParticipant(store.Participant{ID: 1, Gender: store.GenderMale, Age: 30})
		mem.PutParticipant(store.Participant{ID: 2, Gender: store.GenderFemale, Age: 30})
		a, b := &recordingChannel{}, &recordingChannel{}
		e.Connect(1, a)
		e.Connect(2, b)
		e.StartSearch(context.Background(), 1)
		e.StartSearch(context.Background(), 2)
		room := a.last().RoomID

		e.Approve(context.Background(), 1, room)
		e.Approve(context.Background(), 2, room)

		deadline := time.Now().Add(time.Second)
		for a.count(protocol.TypeMatchSuccess)+a.count(protocol.TypeTimeExpired) == 0 && time.Now().Before(deadline) {
			time.Sleep(time.Millisecond)
		}
		success := a.count(protocol.TypeMatchSuccess)
		expired := a.count(protocol.TypeTimeExpired)
		if success+expired != 1 {
			t.Fatalf("iteration %d: success=%d expired=%d, want exactly one outcome", i, success, expired)
		}
		conns := len(mem.Connections())
		if conns != success {
			t.Fatalf("iteration %d: connections=%d, want %d", i, conns, success)
		}
		e.Close()
	}
}

// gatedSessions holds the first call to method until release is closed.
type gatedSessions struct {
	*store.Memory
	method  string
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func gateSessions(method string) *gatedSessions {
	return &gatedSessions{method: method, entered: make(chan struct{}), release: make(chan struct{})}
}

func (g *gatedSessions) install(c *Config) {
	g.Memory = c.Sessions.(*store.Memory)
	c.Sessions = g
}

func (g *gatedSessions) hold(method string) {
	if method != g.method {
		return
	}
	g.once.Do(func() {
		close(g.entered)
		<-g.release
	})
}

func (g *gatedSessions) CreateSession(ctx context.Context, rec store.SessionRecord) error {
	g.hold("CreateSession")
	return g.Memory.CreateSession(ctx, rec)
}

func (g *gatedSessions) CompleteSession(ctx context.Context, id string, matched bool, endedAt time.Time) error {
	g.hold("CompleteSession")
	return g.Memory.CompleteSession(ctx, id, matched, endedAt)
}

func waitClosed(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatalf("timeout waiting for %s", what)
	}
}

func TestLateApprovalWhileRejectIsPersisting(t *testing.T) {
	gate := gateSessions("CompleteSession")
	h := newHarness(t, gate.install)
	a, b, room := h.pair()
	ctx := context.Background()

	done := make(chan struct{})
	go func() {
		h.e.Reject(ctx, 1, room)
		close(done)
	}()
	waitClosed(t, gate.entered, "reject to reach the store")

	h.e.Approve(ctx, 2, room)
	close(gate.release)
	waitClosed(t, done, "reject to finish")

	if n := a.count(protocol.TypeTimeExpired) + b.count(protocol.TypeTimeExpired); n != 0 {
		t.Fatalf("time_expired sent %d times, want 0", n)
	}
	if n := b.count(protocol.TypeMatchRejected); n != 1 {
		t.Fatalf("match_rejected to partner=%d, want 1", n)
	}
	if got := h.e.Metrics().Get(metrics.OrphanRecovered); got != 0 {
		t.Fatalf("orphan metric=%d, want 0", got)
	}
	if rec := h.record(room); rec.Open() || rec.Matched {
		t.Fatalf("record=%+v, want closed unmatched", rec)
	}
}

func TestLateApprovalWhileExpiryIsPersisting(t *testing.T) {
	gate := gateSessions("CompleteSession")
	h := newHarness(t, gate.install)
	a, b, room := h.pair()
	ctx := context.Background()

	done := make(chan struct{})
	go func() {
		h.clock.Advance(time.Minute)
		close(done)
	}()
	waitClosed(t, gate.entered, "expiry to reach the store")

	h.e.Approve(ctx, 1, room)
	h.e.Approve(ctx, 2, room)
	close(gate.release)
	waitClosed(t, done, "expiry to finish")

	if na, nb := a.count(protocol.TypeTimeExpired), b.count(protocol.TypeTimeExpired); na != 1 || nb != 1 {
		t.Fatalf("time_expired counts=%d/%d, want 1/1", na, nb)
	}
	if a.count(protocol.TypeMatchSuccess)+b.count(protocol.TypeMatchSuccess) != 0 {
		t.Fatalf("approval after expiry produced a match")
	}
	if got := h.e.Metrics().Get(metrics.OrphanRecovered); got != 0 {
		t.Fatalf("orphan metric=%d, want 0", got)
	}
}

func TestDeadlineStartsAfterSessionIsStored(t *testing.T) {
	gate := gateSessions("CreateSession")
	h := newHarness(t, gate.install)
	a := h.join(1, store.GenderMale, 25)
	h.join(2, store.GenderFemale, 27)
	ctx := context.Background()
	h.e.StartSearch(ctx, 1)

	done := make(chan struct{})
	go func() {
		h.e.StartSearch(ctx, 2)
		close(done)
	}()
	waitClosed(t, gate.entered, "session create to reach the store")

	// Time passing while the row is written does not count against the window.
	h.clock.Advance(2 * time.Minute)
	close(gate.release)
	waitClosed(t, done, "start_search to finish")

	room := a.last().RoomID
	if a.count(protocol.TypeTimeExpired) != 0 {
		t.Fatalf("expired before the session was stored")
	}
	if rec := h.record(room); !rec.Open() {
		t.Fatalf("record=%+v, want open", rec)
	}

	h.clock.Advance(time.Minute)
	if a.count(protocol.TypeTimeExpired) != 1 {
		t.Fatalf("sent=%v, want one time_expired", a.types())
	}
	if rec := h.record(room); rec.Open() {
		t.Fatalf("record=%+v, want closed by the deadline", rec)
	}
	if got := h.e.Metrics().Get(metrics.PersistFailed); got != 0 {
		t.Fatalf("persist failures=%d, want 0", got)
	}
}

func TestAbandonWhileSessionIsStored(t *testing.T) {
	gate := gateSessions("CreateSession")
	h := newHarness(t, gate.install)
	a := h.join(1, store.GenderMale, 25)
	h.join(2, store.GenderFemale, 27)
	ctx := context.Background()
	h.e.StartSearch(ctx, 1)

	searched := make(chan struct{})
	go func() {
		h.e.StartSearch(ctx, 2)
		close(searched)
	}()
	waitClosed(t, gate.entered, "session create to reach the store")

	left := make(chan struct{})
	go func() {
		h.e.Disconnect(1, a)
		close(left)
	}()
	close(gate.release)
	waitClosed(t, searched, "start_search to finish")
	waitClosed(t, left, "disconnect to finish")

	if got := h.e.Metrics().Get(metrics.PersistFailed); got != 0 {
		t.Fatalf("persist failures=%d, want 0", got)
	}
	if st := h.e.LiveStats(); st.PendingSessions != 0 || st.ArmedDeadlines != 0 {
		t.Fatalf("stats=%+v, want nothing pending", st)
	}
}
