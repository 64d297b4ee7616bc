package websocket_test

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/codesync/codesync/client"
	"github.com/codesync/codesync/relay"
	wsserver "github.com/codesync/codesync/server/websocket"
	"github.com/codesync/codesync/service"
	"github.com/codesync/codesync/storage/memory"
)

// startServer wires the full server side and exposes it over httptest.
func startServer(t *testing.T) (wsURL string, store *memory.MemStore) {
	t.Helper()
	logger := zerolog.Nop()

	store = memory.NewMemStore()
	svc := service.NewService(service.Config{
		Registry: store,
		Relay:    relay.New(&logger),
		Logger:   &logger,
	})
	srv := wsserver.NewServer(wsserver.Config{
		Logger:         &logger,
		SessionService: svc,
	})

	ts := httptest.NewServer(srv.Handler)
	t.Cleanup(ts.Close)

	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws", store
}

type participant struct {
	session *client.Session
	buffer  *client.Buffer
	chats   chan client.ChatMessage
}

func connect(t *testing.T, wsURL string) *participant {
	t.Helper()
	logger := zerolog.Nop()

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	conn, err := client.Dial(ctx, wsURL, &logger)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}

	p := &participant{
		buffer: client.NewBuffer(),
		chats:  make(chan client.ChatMessage, 8),
	}
	p.session = client.NewSession(client.Config{
		Transport: conn,
		Buffer:    p.buffer,
		Logger:    &logger,
		Callbacks: client.Callbacks{
			OnChat: func(msg client.ChatMessage) { p.chats <- msg },
		},
	})
	p.buffer.OnChange(p.session.HandleLocalEdit)
	go func() { _ = p.session.Run(ctx) }()
	return p
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func join(t *testing.T, p *participant, roomID, name string) {
	t.Helper()
	p.session.Join(roomID, name)
	waitFor(t, name+" joined", func() bool {
		return p.session.State() == client.StateJoined
	})
}

func TestJoinPropagatesRoster(t *testing.T) {
	wsURL, store := startServer(t)

	alice := connect(t, wsURL)
	join(t, alice, "roster-room", "Alice")

	bob := connect(t, wsURL)
	join(t, bob, "roster-room", "Bob")

	waitFor(t, "both rosters settled", func() bool {
		return len(alice.session.Members()) == 2 && len(bob.session.Members()) == 2
	})
	if got := len(store.Members("roster-room")); got != 2 {
		t.Fatalf("expected 2 registered members, got %d", got)
	}
}

func TestCodeChangePropagates(t *testing.T) {
	wsURL, _ := startServer(t)

	alice := connect(t, wsURL)
	join(t, alice, "edit-room", "Alice")
	bob := connect(t, wsURL)
	join(t, bob, "edit-room", "Bob")
	waitFor(t, "rosters settled", func() bool {
		return len(alice.session.Members()) == 2
	})

	alice.session.Edit("package main")

	waitFor(t, "edit reached bob", func() bool {
		return bob.session.Text() == "package main"
	})
	if got := alice.session.Text(); got != "package main" {
		t.Fatalf("sender buffer changed unexpectedly: %q", got)
	}
}

func TestLateJoinerReceivesBuffer(t *testing.T) {
	wsURL, _ := startServer(t)

	alice := connect(t, wsURL)
	join(t, alice, "sync-room", "Alice")
	alice.session.Edit("established content")
	if got := alice.session.Text(); got != "established content" {
		t.Fatalf("local edit not applied: %q", got)
	}

	bob := connect(t, wsURL)
	join(t, bob, "sync-room", "Bob")

	waitFor(t, "late joiner synced", func() bool {
		return bob.session.Text() == "established content"
	})
}

func TestChatReachesPeersOnly(t *testing.T) {
	wsURL, _ := startServer(t)

	alice := connect(t, wsURL)
	join(t, alice, "chat-room", "Alice")
	bob := connect(t, wsURL)
	join(t, bob, "chat-room", "Bob")
	waitFor(t, "rosters settled", func() bool {
		return len(alice.session.Members()) == 2
	})

	alice.session.SendChat("hello bob")

	// Sender sees it once, from the optimistic local append.
	msg := <-alice.chats
	if msg.SenderName != "Alice" || msg.Text != "hello bob" {
		t.Fatalf("unexpected local chat entry: %+v", msg)
	}

	select {
	case msg := <-bob.chats:
		if msg.SenderName != "Alice" || msg.Text != "hello bob" {
			t.Fatalf("unexpected relayed chat: %+v", msg)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("chat did not reach peer")
	}

	select {
	case msg := <-alice.chats:
		t.Fatalf("sender received echoed chat: %+v", msg)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestLeaveShrinksPeerRoster(t *testing.T) {
	wsURL, store := startServer(t)

	alice := connect(t, wsURL)
	join(t, alice, "leave-room", "Alice")
	bob := connect(t, wsURL)
	join(t, bob, "leave-room", "Bob")
	waitFor(t, "rosters settled", func() bool {
		return len(alice.session.Members()) == 2
	})

	bob.session.Leave()

	waitFor(t, "roster shrank", func() bool {
		return len(alice.session.Members()) == 1
	})
	waitFor(t, "registry evicted", func() bool {
		return len(store.Members("leave-room")) == 1
	})
}
