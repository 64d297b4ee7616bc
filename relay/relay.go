// Package relay is the fan-out plane: it keeps the outbound wire of every
// connected session, grouped by room, and forwards events between them.
// Rooms are isolated; a slow or dead endpoint in one room never affects
// delivery in another.
package relay

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/codesync/codesync/model"
)

const defaultFwdTimeout = time.Second

type Relay struct {
	logger zerolog.Logger
	mx     *sync.RWMutex
	rooms  map[string]map[string]model.Wire
}

func New(logger *zerolog.Logger) *Relay {
	return &Relay{
		logger: logger.With().Str("component", "relay").Logger(),
		mx:     &sync.RWMutex{},
		rooms:  make(map[string]map[string]model.Wire),
	}
}

// Connect attaches a session's wire to a room.
func (rl *Relay) Connect(roomID, connID string, wire model.Wire) {
	rl.mx.Lock()
	room, ok := rl.rooms[roomID]
	if !ok {
		room = make(map[string]model.Wire)
		rl.rooms[roomID] = room
	}
	room[connID] = wire
	rooms, conns := rl.countLocked()
	rl.mx.Unlock()

	setRooms(rooms)
	setConnections(conns)
	rl.logger.Debug().
		Str("roomID", roomID).
		Str("connID", connID).
		Msg("endpoint connected")
}

// Disconnect detaches a session's wire from a room.
func (rl *Relay) Disconnect(roomID, connID string) {
	rl.mx.Lock()
	if room, ok := rl.rooms[roomID]; ok {
		delete(room, connID)
		if len(room) == 0 {
			delete(rl.rooms, roomID)
		}
	}
	rooms, conns := rl.countLocked()
	rl.mx.Unlock()

	setRooms(rooms)
	setConnections(conns)
	rl.logger.Debug().
		Str("roomID", roomID).
		Str("connID", connID).
		Msg("endpoint disconnected")
}

// Broadcast delivers the event to every member of the room.
func (rl *Relay) Broadcast(ctx context.Context, roomID string, ev model.Event) {
	rl.fanOut(ctx, roomID, "", ev)
}

// BroadcastExcept delivers the event to every member of the room other than
// src. This is the sender-excluded fan-out used for code changes and chat.
func (rl *Relay) BroadcastExcept(ctx context.Context, roomID, src string, ev model.Event) {
	rl.fanOut(ctx, roomID, src, ev)
}

// Send delivers the event to a single member of the room. A vanished target
// (already disconnected) is dropped silently; no retry is attempted.
func (rl *Relay) Send(ctx context.Context, roomID, dst string, ev model.Event) bool {
	rl.mx.RLock()
	wire, ok := rl.rooms[roomID][dst]
	rl.mx.RUnlock()

	if !ok {
		addDropped(1)
		rl.logger.Debug().
			Str("roomID", roomID).
			Str("type", ev.Type).
			Str("dst", dst).
			Msg("cannot forward, dst not found")
		return false
	}

	ev.DST = dst
	sent, _ := rl.push(ctx, ev, wire.TX)
	if sent {
		addDelivered(1)
	} else {
		addDropped(1)
	}
	return sent
}

func (rl *Relay) fanOut(ctx context.Context, roomID, src string, ev model.Event) {
	rl.mx.RLock()
	room := rl.rooms[roomID]
	targets := make(map[string]model.Wire, len(room))
	for connID, wire := range room {
		if connID != src {
			targets[connID] = wire
		}
	}
	rl.mx.RUnlock()

	var delivered, dropped int
	for connID, wire := range targets {
		sent, canceled := rl.push(ctx, ev, wire.TX)
		if canceled {
			break
		}
		if sent {
			delivered++
		} else {
			dropped++
			rl.logger.Debug().
				Str("roomID", roomID).
				Str("type", ev.Type).
				Str("dst", connID).
				Msg("fan-out target dropped")
		}
	}
	addDelivered(delivered)
	addDropped(dropped)

	if delivered == 0 {
		rl.logger.Debug().
			Str("roomID", roomID).
			Str("type", ev.Type).
			Str("src", ev.SRC).
			Msg("fan-out did not reach anyone")
	}
}

func (rl *Relay) push(ctx context.Context, ev model.Event, tx chan<- model.Event) (bool, bool) {
	var sent, canceled bool
	tCh := time.NewTimer(defaultFwdTimeout)
	select {
	case <-ctx.Done():
		canceled = true
	case <-tCh.C:
		rl.logger.Error().Str("dst", ev.DST).Str("type", ev.Type).Msg("dead endpoint")
	case tx <- ev:
		sent = true
	}
	tCh.Stop()
	return sent, canceled
}

func (rl *Relay) countLocked() (rooms, conns int) {
	rooms = len(rl.rooms)
	for _, room := range rl.rooms {
		conns += len(room)
	}
	return rooms, conns
}
