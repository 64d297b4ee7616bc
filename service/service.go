// Package service implements presence and event routing for room sessions.
// Each websocket session hands its wire to the service, which admits and
// evicts connections through the registry and routes events through the
// relay. A session's events are consumed by a single loop, so membership is
// never mutated concurrently for the same connection.
package service

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/codesync/codesync/model"
)

type (
	// Registry is the authoritative membership store.
	Registry interface {
		Admit(roomID, connID, displayName string) []model.Member
		Evict(connID string) (roomID, displayName string, ok bool)
		Members(roomID string) []model.Member
	}

	// Relay is the fan-out plane.
	Relay interface {
		Connect(roomID, connID string, wire model.Wire)
		Disconnect(roomID, connID string)
		Broadcast(ctx context.Context, roomID string, ev model.Event)
		BroadcastExcept(ctx context.Context, roomID, src string, ev model.Event)
		Send(ctx context.Context, roomID, dst string, ev model.Event) bool
	}

	Service struct {
		registry Registry
		relay    Relay
		logger   zerolog.Logger
	}

	Config struct {
		Registry Registry
		Relay    Relay
		Logger   *zerolog.Logger
	}
)

func NewService(cfg Config) *Service {
	return &Service{
		registry: cfg.Registry,
		relay:    cfg.Relay,
		logger:   cfg.Logger.With().Str("component", "service").Logger(),
	}
}

// OpenSession starts consuming the session's inbound events. The dispatch
// loop first announces the connection-scoped identity to the client, then
// runs until ctx is canceled.
func (svc *Service) OpenSession(ctx context.Context, connID string, wire model.Wire) {
	svc.logger.Debug().Str("connID", connID).Msg("session opened")
	go svc.dispatch(ctx, connID, wire)
}

// CloseSession evicts the connection and notifies the remaining members of
// its room. Eviction of a connection that never completed a join is silent.
func (svc *Service) CloseSession(ctx context.Context, connID string) {
	roomID, displayName, ok := svc.registry.Evict(connID)
	if !ok {
		svc.logger.Debug().Str("connID", connID).Msg("closed before joining, nothing to evict")
		return
	}
	svc.relay.Disconnect(roomID, connID)

	ev := model.MustEvent(model.TypeDisconnected, model.DisconnectedPayload{
		ConnectionID: connID,
		DisplayName:  displayName,
	})
	ev.SRC = connID
	svc.relay.BroadcastExcept(ctx, roomID, connID, ev)

	svc.logger.Debug().
		Str("connID", connID).
		Str("roomID", roomID).
		Str("displayName", displayName).
		Msg("session closed")
}

func (svc *Service) dispatch(ctx context.Context, connID string, wire model.Wire) {
	hello := model.MustEvent(model.TypeHello, model.HelloPayload{ConnectionID: connID})
	select {
	case wire.TX <- hello:
	case <-ctx.Done():
		return
	}

	var roomID string // room this session is currently joined to
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-wire.RX:
			if ev.SRC != connID {
				// The transport stamps SRC; anything else is a bug.
				svc.logger.Error().
					Str("connID", connID).
					Str("src", ev.SRC).
					Msg("event with foreign src")
				continue
			}
			roomID = svc.route(ctx, connID, roomID, wire, ev)
		}
	}
}

func (svc *Service) route(ctx context.Context, connID, roomID string, wire model.Wire, ev model.Event) string {
	switch ev.Type {
	case model.TypeJoin:
		return svc.handleJoin(ctx, connID, roomID, wire, ev)
	case model.TypeCodeChange:
		svc.handleFanOut(ctx, connID, roomID, ev)
	case model.TypeChat:
		svc.handleFanOut(ctx, connID, roomID, ev)
	case model.TypeSyncCode:
		svc.handleSyncCode(ctx, connID, roomID, ev)
	default:
		svc.logger.Warn().
			Str("connID", connID).
			Str("type", ev.Type).
			Msg("unknown inbound event type")
	}
	return roomID
}

// handleJoin admits the connection and broadcasts the post-admission roster
// to every member of the room, the admitted connection included, so the
// newcomer immediately learns the full roster. A join while already joined
// elsewhere leaves the prior room first.
func (svc *Service) handleJoin(ctx context.Context, connID, roomID string, wire model.Wire, ev model.Event) string {
	var p model.JoinPayload
	if err := ev.Decode(&p); err != nil {
		svc.logger.Warn().Err(err).Str("connID", connID).Msg("bad join payload")
		return roomID
	}
	if p.RoomID == "" {
		svc.logger.Warn().Str("connID", connID).Msg("join without room id")
		return roomID
	}

	if roomID != "" && roomID != p.RoomID {
		// At most one room per connection: leave the old room first and let
		// its remaining members know.
		if oldRoom, oldName, ok := svc.registry.Evict(connID); ok {
			svc.relay.Disconnect(oldRoom, connID)
			left := model.MustEvent(model.TypeDisconnected, model.DisconnectedPayload{
				ConnectionID: connID,
				DisplayName:  oldName,
			})
			left.SRC = connID
			svc.relay.BroadcastExcept(ctx, oldRoom, connID, left)
		}
	}

	members := svc.registry.Admit(p.RoomID, connID, p.DisplayName)
	svc.relay.Connect(p.RoomID, connID, wire)

	joined := model.MustEvent(model.TypeJoined, model.JoinedPayload{
		Members:      members,
		DisplayName:  p.DisplayName,
		ConnectionID: connID,
	})
	joined.SRC = connID
	svc.relay.Broadcast(ctx, p.RoomID, joined)

	svc.logger.Debug().
		Str("connID", connID).
		Str("roomID", p.RoomID).
		Str("displayName", p.DisplayName).
		Int("members", len(members)).
		Msg("joined room")
	return p.RoomID
}

// handleFanOut forwards the event verbatim to all other members of the
// sender's room. Code changes carry no ordering guarantee beyond transport
// order; the last relayed write wins at each receiver.
func (svc *Service) handleFanOut(ctx context.Context, connID, roomID string, ev model.Event) {
	if roomID == "" {
		svc.logger.Debug().
			Str("connID", connID).
			Str("type", ev.Type).
			Msg("event before join, dropped")
		return
	}
	svc.relay.BroadcastExcept(ctx, roomID, connID, ev)
}

// handleSyncCode forwards the late-joiner state transfer to its single
// target. A target that already disconnected is dropped without retry.
func (svc *Service) handleSyncCode(ctx context.Context, connID, roomID string, ev model.Event) {
	if roomID == "" {
		svc.logger.Debug().Str("connID", connID).Msg("sync before join, dropped")
		return
	}

	dst := ev.DST
	if dst == "" {
		var p model.SyncCodePayload
		if err := ev.Decode(&p); err != nil {
			svc.logger.Warn().Err(err).Str("connID", connID).Msg("bad sync payload")
			return
		}
		dst = p.ConnectionID
	}
	if dst == "" {
		svc.logger.Warn().Str("connID", connID).Msg("sync without target")
		return
	}
	svc.relay.Send(ctx, roomID, dst, ev)
}
