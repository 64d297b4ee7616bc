// Package memory holds the authoritative in-process room membership store.
package memory

import (
	"sync"

	"github.com/codesync/codesync/model"
)

// MemStore maps room ids to member sets. It is the sole source of truth for
// membership; access is serialized so snapshots never observe a partial admit.
type MemStore struct {
	mx     *sync.Mutex
	rooms  map[string]map[string]model.Member
	byConn map[string]string // connection id -> room id it currently occupies
}

func NewMemStore() *MemStore {
	return &MemStore{
		mx:     &sync.Mutex{},
		rooms:  make(map[string]map[string]model.Member),
		byConn: make(map[string]string),
	}
}

// Admit inserts the connection into the room's member set, creating the room
// if absent, and returns the roster snapshot taken after admission.
// The insert is keyed by connection id, so re-admitting is idempotent. A
// connection occupies at most one room: admitting into a different room
// evicts it from the previous one first.
func (ms *MemStore) Admit(roomID, connID, displayName string) []model.Member {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	if prev, ok := ms.byConn[connID]; ok && prev != roomID {
		ms.evictLocked(prev, connID)
	}

	members, ok := ms.rooms[roomID]
	if !ok {
		members = make(map[string]model.Member)
		ms.rooms[roomID] = members
	}
	members[connID] = model.Member{ConnectionID: connID, DisplayName: displayName}
	ms.byConn[connID] = roomID

	return snapshot(members)
}

// Evict removes the connection from whatever room holds it and reports the
// vacated room and display name. ok is false when the connection was never
// admitted (closed before completing a join).
func (ms *MemStore) Evict(connID string) (roomID, displayName string, ok bool) {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	roomID, ok = ms.byConn[connID]
	if !ok {
		return "", "", false
	}
	displayName = ms.rooms[roomID][connID].DisplayName
	ms.evictLocked(roomID, connID)
	return roomID, displayName, true
}

// Members returns a point-in-time roster snapshot. Unknown rooms yield nil.
func (ms *MemStore) Members(roomID string) []model.Member {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	members, ok := ms.rooms[roomID]
	if !ok {
		return nil
	}
	return snapshot(members)
}

// Rooms reports the number of rooms with at least one member.
func (ms *MemStore) Rooms() int {
	ms.mx.Lock()
	defer ms.mx.Unlock()
	return len(ms.rooms)
}

func (ms *MemStore) evictLocked(roomID, connID string) {
	members, ok := ms.rooms[roomID]
	if !ok {
		return
	}
	delete(members, connID)
	delete(ms.byConn, connID)
	if len(members) == 0 {
		// No retained empty rooms.
		delete(ms.rooms, roomID)
	}
}

func snapshot(members map[string]model.Member) []model.Member {
	out := make([]model.Member, 0, len(members))
	for _, m := range members {
		out = append(out, m)
	}
	return out
}
