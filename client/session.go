// Package client implements the participant side of a room: a single-loop
// session state machine that keeps the local roster, buffer and chat history
// in step with relayed events.
package client

import (
	"context"
	"errors"
	"strings"

	"github.com/rs/zerolog"

	"github.com/codesync/codesync/model"
)

var (
	ErrConnectionLost = errors.New("connection lost")
)

// State of the session with respect to room membership.
type State int

const (
	StateDisconnected State = iota
	StateJoining
	StateJoined
)

// TextBuffer is the opaque editor component. SetText replaces the whole
// content; implementations are expected to raise their change event from
// SetText the same way they do for user edits.
type TextBuffer interface {
	SetText(text string)
	Text() string
}

// Transport is a persistent, bidirectional, message-oriented channel to the
// relay. Events is closed when the connection drops or is closed locally.
type Transport interface {
	Send(ev model.Event) error
	Events() <-chan model.Event
	Close() error
}

// ChatMessage is one entry of the local chat history.
type ChatMessage struct {
	SenderName string
	Text       string
}

// Callbacks surface session activity to the embedding frontend. All callbacks
// run on the session loop; nil callbacks are skipped.
type Callbacks struct {
	OnRosterChange func(members []model.Member)
	OnPeerJoined   func(displayName string)
	OnPeerLeft     func(displayName string)
	OnChat         func(msg ChatMessage)
	OnError        func(err error)
}

type Config struct {
	Transport Transport
	Buffer    TextBuffer
	Logger    *zerolog.Logger
	Callbacks Callbacks
}

// Session drives the local view of one room membership. All state lives on
// the Run loop; public methods hand work to it through the commands channel,
// so no session state is ever mutated concurrently.
type Session struct {
	transport Transport
	buffer    TextBuffer
	logger    zerolog.Logger
	cb        Callbacks

	commands chan func()

	state       State
	connID      string
	roomID      string
	displayName string
	members     []model.Member
	chat        []ChatMessage

	// synced latches once buffer content is authoritative locally, either
	// through the first sync_code reply or a local edit. Further sync_code
	// events are ignored: first reply wins.
	synced bool
	// applyingRemote marks buffer mutations caused by relayed events so the
	// change path does not echo them back out.
	applyingRemote bool
	leaving        bool
}

func NewSession(cfg Config) *Session {
	return &Session{
		transport: cfg.Transport,
		buffer:    cfg.Buffer,
		logger:    cfg.Logger.With().Str("component", "session").Logger(),
		cb:        cfg.Callbacks,
		commands:  make(chan func(), 64),
	}
}

// Run processes transport events and posted commands until the transport
// closes or ctx is canceled. It returns ErrConnectionLost when the transport
// drops without a local Leave.
func (s *Session) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			_ = s.transport.Close()
			return ctx.Err()
		case cmd := <-s.commands:
			cmd()
		case ev, ok := <-s.transport.Events():
			if !ok {
				s.state = StateDisconnected
				s.members = nil
				if s.leaving {
					return nil
				}
				if s.cb.OnError != nil {
					s.cb.OnError(ErrConnectionLost)
				}
				return ErrConnectionLost
			}
			s.handle(ev)
		}
	}
}

// Join requests admission to a room. Joining while already joined is a fresh
// join; the relay leaves the prior room first.
func (s *Session) Join(roomID, displayName string) {
	s.do(func() {
		s.state = StateJoining
		s.roomID = roomID
		s.displayName = displayName
		s.synced = false
		s.send(model.MustEvent(model.TypeJoin, model.JoinPayload{
			RoomID:      roomID,
			DisplayName: displayName,
		}))
	})
}

// HandleLocalEdit is the buffer component's change sink. Edits caused by
// applying a relayed change are suppressed so they are not re-emitted.
func (s *Session) HandleLocalEdit(text string) {
	if s.applyingRemote {
		return
	}
	s.do(func() {
		s.synced = true
		if s.state != StateJoined {
			return
		}
		s.send(model.MustEvent(model.TypeCodeChange, model.CodeChangePayload{
			RoomID: s.roomID,
			Text:   text,
		}))
	})
}

// SendChat appends the message to the local history immediately and emits it.
// Empty and whitespace-only messages are not sent.
func (s *Session) SendChat(text string) {
	if strings.TrimSpace(text) == "" {
		return
	}
	s.do(func() {
		msg := ChatMessage{SenderName: s.displayName, Text: text}
		s.chat = append(s.chat, msg)
		if s.cb.OnChat != nil {
			s.cb.OnChat(msg)
		}
		s.send(model.MustEvent(model.TypeChat, model.ChatPayload{
			SenderName: msg.SenderName,
			Text:       msg.Text,
		}))
	})
}

// Edit replaces the buffer content as a user edit, on the session loop.
// Frontends that drive the buffer from their own goroutine use this instead
// of calling SetText directly.
func (s *Session) Edit(text string) {
	s.do(func() {
		s.buffer.SetText(text)
	})
}

// Text returns the current buffer content.
func (s *Session) Text() string {
	var text string
	s.wait(func() { text = s.buffer.Text() })
	return text
}

// Leave closes the transport. The relay observes the close and evicts.
func (s *Session) Leave() {
	s.do(func() {
		s.leaving = true
		_ = s.transport.Close()
	})
}

// State reports the current membership state.
func (s *Session) State() State {
	var st State
	s.wait(func() { st = s.state })
	return st
}

// ConnectionID reports the server-assigned identity, empty before hello.
func (s *Session) ConnectionID() string {
	var id string
	s.wait(func() { id = s.connID })
	return id
}

// Members returns the local roster snapshot.
func (s *Session) Members() []model.Member {
	var out []model.Member
	s.wait(func() {
		out = make([]model.Member, len(s.members))
		copy(out, s.members)
	})
	return out
}

// Chat returns the local chat history snapshot.
func (s *Session) Chat() []ChatMessage {
	var out []ChatMessage
	s.wait(func() {
		out = make([]ChatMessage, len(s.chat))
		copy(out, s.chat)
	})
	return out
}

func (s *Session) do(cmd func()) {
	s.commands <- cmd
}

func (s *Session) wait(cmd func()) {
	done := make(chan struct{})
	s.commands <- func() {
		cmd()
		close(done)
	}
	<-done
}

func (s *Session) handle(ev model.Event) {
	switch ev.Type {
	case model.TypeHello:
		s.handleHello(ev)
	case model.TypeJoined:
		s.handleJoined(ev)
	case model.TypeDisconnected:
		s.handleDisconnected(ev)
	case model.TypeCodeChange:
		s.handleCodeChange(ev)
	case model.TypeSyncCode:
		s.handleSyncCode(ev)
	case model.TypeChat:
		s.handleChat(ev)
	default:
		s.logger.Warn().Str("type", ev.Type).Msg("unknown event type")
	}
}

func (s *Session) handleHello(ev model.Event) {
	var p model.HelloPayload
	if err := s.decode(ev, &p); err != nil {
		return
	}
	s.connID = p.ConnectionID
}

func (s *Session) handleJoined(ev model.Event) {
	var p model.JoinedPayload
	if err := s.decode(ev, &p); err != nil {
		return
	}

	s.members = p.Members
	if s.cb.OnRosterChange != nil {
		s.cb.OnRosterChange(s.rosterCopy())
	}

	if p.ConnectionID == s.connID {
		// Own admission: no join notification for ourselves.
		s.state = StateJoined
		return
	}

	if s.cb.OnPeerJoined != nil {
		s.cb.OnPeerJoined(p.DisplayName)
	}

	// Offer the newcomer our buffer. Every existing member replies and the
	// newcomer keeps whichever transfer arrives first.
	if s.state == StateJoined {
		s.send(model.MustEvent(model.TypeSyncCode, model.SyncCodePayload{
			Text:         s.buffer.Text(),
			ConnectionID: p.ConnectionID,
		}))
	}
}

func (s *Session) handleDisconnected(ev model.Event) {
	var p model.DisconnectedPayload
	if err := s.decode(ev, &p); err != nil {
		return
	}

	kept := s.members[:0]
	for _, m := range s.members {
		if m.ConnectionID != p.ConnectionID {
			kept = append(kept, m)
		}
	}
	s.members = kept

	if s.cb.OnRosterChange != nil {
		s.cb.OnRosterChange(s.rosterCopy())
	}
	if s.cb.OnPeerLeft != nil {
		s.cb.OnPeerLeft(p.DisplayName)
	}
}

func (s *Session) handleCodeChange(ev model.Event) {
	var p model.CodeChangePayload
	if err := s.decode(ev, &p); err != nil {
		return
	}
	s.applyRemote(p.Text)
	s.synced = true
}

func (s *Session) handleSyncCode(ev model.Event) {
	if s.synced {
		return
	}
	var p model.SyncCodePayload
	if err := s.decode(ev, &p); err != nil {
		return
	}
	s.applyRemote(p.Text)
	s.synced = true
}

func (s *Session) handleChat(ev model.Event) {
	var p model.ChatPayload
	if err := s.decode(ev, &p); err != nil {
		return
	}
	msg := ChatMessage{SenderName: p.SenderName, Text: p.Text}
	s.chat = append(s.chat, msg)
	if s.cb.OnChat != nil {
		s.cb.OnChat(msg)
	}
}

// rosterCopy is the loop-internal roster copy handed to callbacks.
func (s *Session) rosterCopy() []model.Member {
	out := make([]model.Member, len(s.members))
	copy(out, s.members)
	return out
}

func (s *Session) applyRemote(text string) {
	s.applyingRemote = true
	s.buffer.SetText(text)
	s.applyingRemote = false
}

func (s *Session) send(ev model.Event) {
	if err := s.transport.Send(ev); err != nil {
		s.logger.Error().Err(err).Str("type", ev.Type).Msg("send failed")
		if s.cb.OnError != nil {
			s.cb.OnError(err)
		}
	}
}

func (s *Session) decode(ev model.Event, v any) error {
	err := ev.Decode(v)
	if err != nil {
		s.logger.Warn().Err(err).Str("type", ev.Type).Msg("bad payload")
	}
	return err
}
