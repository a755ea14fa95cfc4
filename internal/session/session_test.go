package session

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/Web3AdvisoryHub/DormLitApp-sub001/internal/auth"
	"github.com/Web3AdvisoryHub/DormLitApp-sub001/internal/registry"
	"github.com/Web3AdvisoryHub/DormLitApp-sub001/pkg/events"
)

// fakeAuth はトークン→ユーザーIDの固定マップで検証するProviderです
type fakeAuth struct{ tokens map[string]string }

func (f *fakeAuth) Verify(token string) (string, error) {
	if uid, ok := f.tokens[token]; ok {
		return uid, nil
	}
	return "", auth.ErrInvalidToken
}

// fakeDirectory はディレクトリ呼び出しを記録します
type fakeDirectory struct {
	mu    sync.Mutex
	calls []string
}

func (f *fakeDirectory) record(s string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, s)
}

func (f *fakeDirectory) Join(ctx context.Context, roomId, userId string) error {
	f.record("join:" + roomId + ":" + userId)
	return nil
}

func (f *fakeDirectory) Leave(ctx context.Context, roomId, userId string) error {
	f.record("leave:" + roomId + ":" + userId)
	return nil
}

func (f *fakeDirectory) SetMood(ctx context.Context, roomId, userId, mood string) error {
	f.record("mood:" + roomId + ":" + userId + ":" + mood)
	return nil
}

func (f *fakeDirectory) has(call string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.calls {
		if c == call {
			return true
		}
	}
	return false
}

// recorderOutbox はテスト用の送信口です
type recorderOutbox struct {
	mu   sync.Mutex
	envs []events.Envelope
}

func (o *recorderOutbox) TrySend(env events.Envelope) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.envs = append(o.envs, env)
	return true
}

func (o *recorderOutbox) byType(t string) []events.Envelope {
	o.mu.Lock()
	defer o.mu.Unlock()
	var out []events.Envelope
	for _, e := range o.envs {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

type fixture struct {
	reg *registry.Registry
	dir *fakeDirectory
	ap  *fakeAuth
}

func newFixture() *fixture {
	return &fixture{
		reg: registry.New(),
		dir: &fakeDirectory{},
		ap:  &fakeAuth{tokens: map[string]string{"tok-u1": "u1", "tok-u2": "u2"}},
	}
}

func (f *fixture) session(connId string) (*Session, *recorderOutbox) {
	out := &recorderOutbox{}
	return New(connId, f.reg, f.dir, f.ap, out), out
}

func (f *fixture) authed(t *testing.T, connId, token string) (*Session, *recorderOutbox) {
	t.Helper()
	s, out := f.session(connId)
	if err := s.HandleMessage(context.Background(), events.Envelope{
		Type:    events.TypeAuth,
		Payload: events.AuthPayload{Token: token},
	}); err != nil {
		t.Fatalf("auth: %v", err)
	}
	return s, out
}

func TestFirstMessageMustBeAuth(t *testing.T) {
	f := newFixture()
	s, _ := f.session("c1")
	err := s.HandleMessage(context.Background(), events.Envelope{
		Type:    events.TypeJoinRoom,
		Payload: events.JoinPayload{RoomId: "lounge"},
	})
	if !errors.Is(err, ErrAuthFailed) {
		t.Fatalf("err = %v, want ErrAuthFailed", err)
	}
}

func TestAuthWithBadTokenIsFatal(t *testing.T) {
	f := newFixture()
	s, _ := f.session("c1")
	err := s.HandleMessage(context.Background(), events.Envelope{
		Type:    events.TypeAuth,
		Payload: events.AuthPayload{Token: "bogus"},
	})
	if !errors.Is(err, ErrAuthFailed) {
		t.Fatalf("err = %v, want ErrAuthFailed", err)
	}
	if s.State() != StateConnected {
		t.Fatalf("state = %v, want StateConnected", s.State())
	}
}

func TestAuthBindsIdentity(t *testing.T) {
	f := newFixture()
	s, out := f.authed(t, "c1", "tok-u1")

	if s.State() != StateAuthenticated {
		t.Fatalf("state = %v, want StateAuthenticated", s.State())
	}
	if s.UserId() != "u1" {
		t.Fatalf("userId = %q, want u1", s.UserId())
	}
	if got := out.byType(events.TypeAuthOK); len(got) != 1 {
		t.Fatalf("auth_ok replies = %d, want 1", len(got))
	}
}

func TestDuplicateAuthIgnored(t *testing.T) {
	f := newFixture()
	s, _ := f.authed(t, "c1", "tok-u1")
	if err := s.HandleMessage(context.Background(), events.Envelope{
		Type:    events.TypeAuth,
		Payload: events.AuthPayload{Token: "tok-u2"},
	}); err != nil {
		t.Fatalf("duplicate auth: %v", err)
	}
	if s.UserId() != "u1" {
		t.Fatalf("identity rebound to %q", s.UserId())
	}
}

func TestJoinThenEmitFansOut(t *testing.T) {
	f := newFixture()
	a, aOut := f.authed(t, "ca", "tok-u1")
	b, bOut := f.authed(t, "cb", "tok-u2")
	ctx := context.Background()

	a.HandleMessage(ctx, events.Envelope{Type: events.TypeJoinRoom, Payload: events.JoinPayload{RoomId: "lounge"}})
	b.HandleMessage(ctx, events.Envelope{Type: events.TypeJoinRoom, Payload: events.JoinPayload{RoomId: "lounge"}})

	if a.State() != StateInRoom || a.RoomId() != "lounge" {
		t.Fatalf("a state = %v room = %q", a.State(), a.RoomId())
	}
	if got := aOut.byType(events.TypeUserJoined); len(got) != 1 {
		t.Fatalf("a received %d user_joined, want 1", len(got))
	}

	// Bがムードを発行するとAに届き、Bには戻らない
	b.HandleMessage(ctx, events.Envelope{
		Type:    events.TypeMoodUpdate,
		Payload: events.MoodUpdate{Stamp: events.Stamp{RoomId: "lounge"}, Mood: "euphoria"},
	})

	moods := aOut.byType(events.TypeMoodUpdate)
	if len(moods) != 1 {
		t.Fatalf("a received %d mood updates, want 1", len(moods))
	}
	mood, ok := moods[0].Payload.(events.MoodUpdate)
	if !ok {
		t.Fatalf("payload type = %T", moods[0].Payload)
	}
	if mood.UserId != "u2" || mood.Mood != "euphoria" {
		t.Fatalf("mood = %+v", mood)
	}
	if mood.ServerTs == 0 || mood.EventId == "" {
		t.Fatalf("mood not stamped by server: %+v", mood)
	}
	if got := bOut.byType(events.TypeMoodUpdate); len(got) != 0 {
		t.Fatal("emitter received an echo of its own mood")
	}
	if !f.dir.has("mood:lounge:u2:euphoria") {
		t.Fatal("mood not mirrored to directory")
	}
}

// クライアント申告のタイムスタンプと送信者IDは信用しない
func TestEmitIgnoresClientStamp(t *testing.T) {
	f := newFixture()
	a, aOut := f.authed(t, "ca", "tok-u1")
	b, _ := f.authed(t, "cb", "tok-u2")
	ctx := context.Background()

	a.HandleMessage(ctx, events.Envelope{Type: events.TypeJoinRoom, Payload: events.JoinPayload{RoomId: "lounge"}})
	b.HandleMessage(ctx, events.Envelope{Type: events.TypeJoinRoom, Payload: events.JoinPayload{RoomId: "lounge"}})

	b.HandleMessage(ctx, events.Envelope{
		Type: events.TypeCoinTransaction,
		Payload: events.CoinTransaction{
			Stamp:  events.Stamp{RoomId: "lounge", UserId: "u1", ServerTs: 42, EventId: "forged"},
			Amount: 100,
		},
	})

	txs := aOut.byType(events.TypeCoinTransaction)
	if len(txs) != 1 {
		t.Fatalf("a received %d transactions, want 1", len(txs))
	}
	tx := txs[0].Payload.(events.CoinTransaction)
	if tx.UserId != "u2" {
		t.Fatalf("tx.UserId = %q, want u2 (server-bound identity)", tx.UserId)
	}
	if tx.ServerTs == 42 || tx.EventId == "forged" {
		t.Fatalf("client stamp was trusted: %+v", tx)
	}
	if tx.Amount != 100 {
		t.Fatalf("tx.Amount = %d, want 100", tx.Amount)
	}
}

func TestEmitRoomMismatchRejected(t *testing.T) {
	f := newFixture()
	a, _ := f.authed(t, "ca", "tok-u1")
	b, bOut := f.authed(t, "cb", "tok-u2")
	ctx := context.Background()

	a.HandleMessage(ctx, events.Envelope{Type: events.TypeJoinRoom, Payload: events.JoinPayload{RoomId: "room1"}})
	b.HandleMessage(ctx, events.Envelope{Type: events.TypeJoinRoom, Payload: events.JoinPayload{RoomId: "room2"}})

	// Aはroom1に居ながらroom2を申告してもroom2には届かない
	a.HandleMessage(ctx, events.Envelope{
		Type:    events.TypeRoomInteraction,
		Payload: events.RoomInteraction{Stamp: events.Stamp{RoomId: "room2"}, InteractionType: "wave"},
	})

	if got := bOut.byType(events.TypeRoomInteraction); len(got) != 0 {
		t.Fatal("event injected into a room the sender has not joined")
	}
}

func TestEmitWhileNotInRoomDropped(t *testing.T) {
	f := newFixture()
	s, _ := f.authed(t, "c1", "tok-u1")
	if err := s.HandleMessage(context.Background(), events.Envelope{
		Type:    events.TypeMoodUpdate,
		Payload: events.MoodUpdate{Mood: "calm"},
	}); err != nil {
		t.Fatalf("emit outside a room should not be fatal: %v", err)
	}
}

func TestJoinSwitchesRooms(t *testing.T) {
	f := newFixture()
	s, _ := f.authed(t, "c1", "tok-u1")
	ctx := context.Background()

	s.HandleMessage(ctx, events.Envelope{Type: events.TypeJoinRoom, Payload: events.JoinPayload{RoomId: "room1"}})
	s.HandleMessage(ctx, events.Envelope{Type: events.TypeJoinRoom, Payload: events.JoinPayload{RoomId: "room2"}})

	if f.reg.RoomExists("room1") {
		t.Fatal("room1 still exists after its only member moved")
	}
	got := f.reg.MembersOf("room2")
	if len(got) != 1 || got[0] != "u1" {
		t.Fatalf("MembersOf(room2) = %v, want [u1]", got)
	}
	if !f.dir.has("leave:room1:u1") || !f.dir.has("join:room2:u1") {
		t.Fatalf("directory mirror missing implicit move: %v", f.dir.calls)
	}
}

func TestLeaveReturnsToAuthenticated(t *testing.T) {
	f := newFixture()
	s, _ := f.authed(t, "c1", "tok-u1")
	ctx := context.Background()

	s.HandleMessage(ctx, events.Envelope{Type: events.TypeJoinRoom, Payload: events.JoinPayload{RoomId: "lounge"}})
	s.HandleMessage(ctx, events.Envelope{Type: events.TypeLeaveRoom, Payload: events.LeavePayload{RoomId: "lounge"}})

	if s.State() != StateAuthenticated || s.RoomId() != "" {
		t.Fatalf("state = %v room = %q after leave", s.State(), s.RoomId())
	}
	if f.reg.RoomExists("lounge") {
		t.Fatal("empty room not deleted after leave")
	}
}

func TestLeaveWrongRoomTolerated(t *testing.T) {
	f := newFixture()
	s, _ := f.authed(t, "c1", "tok-u1")
	ctx := context.Background()

	s.HandleMessage(ctx, events.Envelope{Type: events.TypeJoinRoom, Payload: events.JoinPayload{RoomId: "lounge"}})
	if err := s.HandleMessage(ctx, events.Envelope{Type: events.TypeLeaveRoom, Payload: events.LeavePayload{RoomId: "other"}}); err != nil {
		t.Fatalf("leave for wrong room should not be fatal: %v", err)
	}
	// 参加中のルームは影響を受けない
	if s.RoomId() != "lounge" {
		t.Fatalf("roomId = %q, want lounge", s.RoomId())
	}
}

func TestClosePerformsImplicitLeave(t *testing.T) {
	f := newFixture()
	a, _ := f.authed(t, "ca", "tok-u1")
	b, bOut := f.authed(t, "cb", "tok-u2")
	ctx := context.Background()

	a.HandleMessage(ctx, events.Envelope{Type: events.TypeJoinRoom, Payload: events.JoinPayload{RoomId: "lounge"}})
	b.HandleMessage(ctx, events.Envelope{Type: events.TypeJoinRoom, Payload: events.JoinPayload{RoomId: "lounge"}})

	// Aが明示的なleaveなしに切断する
	a.Close(ctx)

	lefts := bOut.byType(events.TypeUserLeft)
	if len(lefts) != 1 {
		t.Fatalf("b received %d user_left, want 1", len(lefts))
	}
	p := lefts[0].Payload.(events.PresencePayload)
	if p.UserId != "u1" {
		t.Fatalf("user_left.UserId = %q, want u1", p.UserId)
	}
	for _, id := range f.reg.MembersOf("lounge") {
		if id == "u1" {
			t.Fatal("u1 still listed after disconnect")
		}
	}
	if !f.dir.has("leave:lounge:u1") {
		t.Fatal("disconnect not mirrored to directory")
	}
}

func TestPingAnsweredWithPong(t *testing.T) {
	f := newFixture()
	s, out := f.authed(t, "c1", "tok-u1")
	s.HandleMessage(context.Background(), events.Envelope{Type: events.TypePing})
	if got := out.byType(events.TypePong); len(got) != 1 {
		t.Fatalf("pong replies = %d, want 1", len(got))
	}
}

func TestUnknownTypeIgnored(t *testing.T) {
	f := newFixture()
	s, _ := f.authed(t, "c1", "tok-u1")
	if err := s.HandleMessage(context.Background(), events.Envelope{Type: "teleport"}); err != nil {
		t.Fatalf("unknown type should not be fatal: %v", err)
	}
}
