package service

import (
	"context"
	"testing"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/rs/zerolog"

	"github.com/codesync/codesync/model"
	"github.com/codesync/codesync/relay"
	store "github.com/codesync/codesync/storage/memory"
)

type testEnv struct {
	svc      *Service
	registry *store.MemStore
}

func newTestEnv() *testEnv {
	logger := zerolog.Nop()
	registry := store.NewMemStore()
	return &testEnv{
		registry: registry,
		svc: NewService(Config{
			Registry: registry,
			Relay:    relay.New(&logger),
			Logger:   &logger,
		}),
	}
}

type testSession struct {
	connID string
	wire   model.Wire
	events <-chan model.Event
}

// open mimics the websocket transport: it opens a service session and drains
// the wire's TX so fan-out never blocks.
func (env *testEnv) open(ctx context.Context, connID string) *testSession {
	wire := model.NewWire()
	out := make(chan model.Event, 32)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case ev := <-wire.TX:
				out <- ev
			}
		}
	}()
	env.svc.OpenSession(ctx, connID, wire)
	return &testSession{connID: connID, wire: wire, events: out}
}

// emit feeds an inbound event with the transport-stamped src.
func (ts *testSession) emit(t *testing.T, ev model.Event) {
	t.Helper()
	ev.SRC = ts.connID
	select {
	case ts.wire.RX <- ev:
	case <-time.After(2 * time.Second):
		t.Fatal("service did not consume inbound event")
	}
}

func (ts *testSession) join(t *testing.T, roomID, name string) {
	t.Helper()
	ts.emit(t, model.MustEvent(model.TypeJoin, model.JoinPayload{RoomID: roomID, DisplayName: name}))
}

func mustEvent(t *testing.T, ch <-chan model.Event, typ string) model.Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-ch:
			if ev.Type == typ {
				return ev
			}
		case <-deadline:
			t.Fatalf("expected %s event not received", typ)
		}
	}
}

func mustNoEvent(t *testing.T, ch <-chan model.Event, typ string) {
	t.Helper()
	timeout := time.After(100 * time.Millisecond)
	for {
		select {
		case ev := <-ch:
			if ev.Type == typ {
				t.Fatalf("unexpected %s event: %s", typ, spew.Sdump(ev))
			}
		case <-timeout:
			return
		}
	}
}

func decodeJoined(t *testing.T, ev model.Event) model.JoinedPayload {
	t.Helper()
	var p model.JoinedPayload
	if err := ev.Decode(&p); err != nil {
		t.Fatalf("decode joined: %v", err)
	}
	return p
}

func TestHelloDeliversIdentity(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	env := newTestEnv()

	alice := env.open(ctx, "conn-a")
	hello := mustEvent(t, alice.events, model.TypeHello)

	var p model.HelloPayload
	if err := hello.Decode(&p); err != nil {
		t.Fatalf("decode hello: %v", err)
	}
	if p.ConnectionID != "conn-a" {
		t.Fatalf("expected conn-a, got %q", p.ConnectionID)
	}
}

func TestJoinBroadcastsRosterToEveryone(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	env := newTestEnv()

	alice := env.open(ctx, "conn-a")
	alice.join(t, "r1", "Alice")

	p := decodeJoined(t, mustEvent(t, alice.events, model.TypeJoined))
	if len(p.Members) != 1 || p.DisplayName != "Alice" || p.ConnectionID != "conn-a" {
		t.Fatalf("unexpected joined payload: %s", spew.Sdump(p))
	}

	bob := env.open(ctx, "conn-b")
	bob.join(t, "r1", "Bob")

	// Both the existing member and the newcomer see the full two-member roster.
	for _, sess := range []*testSession{alice, bob} {
		p = decodeJoined(t, mustEvent(t, sess.events, model.TypeJoined))
		if len(p.Members) != 2 || p.DisplayName != "Bob" || p.ConnectionID != "conn-b" {
			t.Fatalf("unexpected joined payload for %s: %s", sess.connID, spew.Sdump(p))
		}
	}
}

func TestDisconnectNotifiesRemainingMembers(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	env := newTestEnv()

	alice := env.open(ctx, "conn-a")
	alice.join(t, "r1", "Alice")
	bob := env.open(ctx, "conn-b")
	bob.join(t, "r1", "Bob")
	mustEvent(t, bob.events, model.TypeJoined)

	env.svc.CloseSession(ctx, "conn-a")

	ev := mustEvent(t, bob.events, model.TypeDisconnected)
	var p model.DisconnectedPayload
	if err := ev.Decode(&p); err != nil {
		t.Fatalf("decode disconnected: %v", err)
	}
	if p.ConnectionID != "conn-a" || p.DisplayName != "Alice" {
		t.Fatalf("unexpected disconnected payload: %s", spew.Sdump(p))
	}

	members := env.registry.Members("r1")
	if len(members) != 1 || members[0].DisplayName != "Bob" {
		t.Fatalf("unexpected roster after disconnect: %s", spew.Sdump(members))
	}

	env.svc.CloseSession(ctx, "conn-b")
	if env.registry.Rooms() != 0 {
		t.Fatalf("expected empty room to be collected, rooms=%d", env.registry.Rooms())
	}
}

func TestCloseBeforeJoinIsSilent(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	env := newTestEnv()

	alice := env.open(ctx, "conn-a")
	alice.join(t, "r1", "Alice")

	bob := env.open(ctx, "conn-b")
	mustEvent(t, bob.events, model.TypeHello)

	// Bob closes before completing a join; Alice hears nothing.
	env.svc.CloseSession(ctx, "conn-b")
	mustNoEvent(t, alice.events, model.TypeDisconnected)
}

func TestCodeChangeFansOutExcludingSender(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	env := newTestEnv()

	alice := env.open(ctx, "conn-a")
	alice.join(t, "r1", "Alice")
	bob := env.open(ctx, "conn-b")
	bob.join(t, "r1", "Bob")

	alice.emit(t, model.MustEvent(model.TypeCodeChange, model.CodeChangePayload{RoomID: "r1", Text: "x = 1"}))

	ev := mustEvent(t, bob.events, model.TypeCodeChange)
	var p model.CodeChangePayload
	if err := ev.Decode(&p); err != nil {
		t.Fatalf("decode code change: %v", err)
	}
	if p.Text != "x = 1" {
		t.Fatalf("expected verbatim relay, got %q", p.Text)
	}
	mustNoEvent(t, alice.events, model.TypeCodeChange)
}

func TestChatFansOutExcludingSender(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	env := newTestEnv()

	alice := env.open(ctx, "conn-a")
	alice.join(t, "r1", "Alice")
	bob := env.open(ctx, "conn-b")
	bob.join(t, "r1", "Bob")

	alice.emit(t, model.MustEvent(model.TypeChat, model.ChatPayload{SenderName: "Alice", Text: "hi"}))

	ev := mustEvent(t, bob.events, model.TypeChat)
	var p model.ChatPayload
	if err := ev.Decode(&p); err != nil {
		t.Fatalf("decode chat: %v", err)
	}
	if p.SenderName != "Alice" || p.Text != "hi" {
		t.Fatalf("unexpected chat payload: %s", spew.Sdump(p))
	}
	mustNoEvent(t, alice.events, model.TypeChat)
}

func TestSyncCodeReachesOnlyTarget(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	env := newTestEnv()

	alice := env.open(ctx, "conn-a")
	alice.join(t, "r1", "Alice")
	bob := env.open(ctx, "conn-b")
	bob.join(t, "r1", "Bob")
	carol := env.open(ctx, "conn-c")
	carol.join(t, "r1", "Carol")

	alice.emit(t, model.MustEvent(model.TypeSyncCode, model.SyncCodePayload{Text: "shared", ConnectionID: "conn-c"}))

	ev := mustEvent(t, carol.events, model.TypeSyncCode)
	var p model.SyncCodePayload
	if err := ev.Decode(&p); err != nil {
		t.Fatalf("decode sync: %v", err)
	}
	if p.Text != "shared" {
		t.Fatalf("expected shared text, got %q", p.Text)
	}
	mustNoEvent(t, bob.events, model.TypeSyncCode)
}

func TestSyncCodeToVanishedTargetIsDropped(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	env := newTestEnv()

	alice := env.open(ctx, "conn-a")
	alice.join(t, "r1", "Alice")

	// Target already disconnected; nothing happens, no retry.
	alice.emit(t, model.MustEvent(model.TypeSyncCode, model.SyncCodePayload{Text: "shared", ConnectionID: "conn-gone"}))
	mustNoEvent(t, alice.events, model.TypeSyncCode)
}

func TestRejoinLeavesPriorRoom(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	env := newTestEnv()

	alice := env.open(ctx, "conn-a")
	alice.join(t, "r1", "Alice")
	bob := env.open(ctx, "conn-b")
	bob.join(t, "r1", "Bob")
	mustEvent(t, bob.events, model.TypeJoined)

	// Alice moves to r2; Bob learns she left r1.
	alice.join(t, "r2", "Alice")

	ev := mustEvent(t, bob.events, model.TypeDisconnected)
	var p model.DisconnectedPayload
	if err := ev.Decode(&p); err != nil {
		t.Fatalf("decode disconnected: %v", err)
	}
	if p.ConnectionID != "conn-a" {
		t.Fatalf("expected conn-a to leave, got %q", p.ConnectionID)
	}

	if got := len(env.registry.Members("r1")); got != 1 {
		t.Fatalf("expected 1 member left in r1, got %d", got)
	}
	if got := len(env.registry.Members("r2")); got != 1 {
		t.Fatalf("expected 1 member in r2, got %d", got)
	}

	// Events from Alice now route to r2, not r1.
	alice.emit(t, model.MustEvent(model.TypeChat, model.ChatPayload{SenderName: "Alice", Text: "anyone here?"}))
	mustNoEvent(t, bob.events, model.TypeChat)
}

func TestEventBeforeJoinIsDropped(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	env := newTestEnv()

	alice := env.open(ctx, "conn-a")
	alice.join(t, "r1", "Alice")

	bob := env.open(ctx, "conn-b")
	bob.emit(t, model.MustEvent(model.TypeChat, model.ChatPayload{SenderName: "Bob", Text: "early"}))

	mustNoEvent(t, alice.events, model.TypeChat)
}
