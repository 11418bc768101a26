package server

import (
	"sync"

	"go.uber.org/zap"
)

// RoomMember is a live connection attached to a vault's room. Send must not
// block: a member that cannot accept a frame reports an error and is dropped
// from the room.
type RoomMember interface {
	Send(frame interface{}) error
}

// RoomRegistry maps vault identifiers to the set of live sessions attached
// to them. Rooms come and go as a side effect of Join and Leave.
type RoomRegistry struct {
	mu     sync.RWMutex
	rooms  map[string]map[RoomMember]struct{}
	logger *zap.Logger
}

// NewRoomRegistry constructs an empty registry.
func NewRoomRegistry(logger *zap.Logger) *RoomRegistry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RoomRegistry{
		rooms:  make(map[string]map[RoomMember]struct{}),
		logger: logger,
	}
}

// Join adds the member to the vault's room, creating the room if absent.
func (r *RoomRegistry) Join(vaultID string, member RoomMember) {
	r.mu.Lock()
	defer r.mu.Unlock()
	room, ok := r.rooms[vaultID]
	if !ok {
		room = make(map[RoomMember]struct{})
		r.rooms[vaultID] = room
	}
	room[member] = struct{}{}
}

// Leave removes the member from the vault's room, destroying the room when
// it empties.
func (r *RoomRegistry) Leave(vaultID string, member RoomMember) {
	r.mu.Lock()
	defer r.mu.Unlock()
	room, ok := r.rooms[vaultID]
	if !ok {
		return
	}
	delete(room, member)
	if len(room) == 0 {
		delete(r.rooms, vaultID)
	}
}

// Broadcast delivers the frame to every member of the vault's room,
// including the originator. Delivery is fire-and-forget per member: a
// member that fails to accept the frame is removed from the room.
func (r *RoomRegistry) Broadcast(vaultID string, frame interface{}) {
	r.mu.RLock()
	room := r.rooms[vaultID]
	members := make([]RoomMember, 0, len(room))
	for member := range room {
		members = append(members, member)
	}
	r.mu.RUnlock()

	for _, member := range members {
		if err := member.Send(frame); err != nil {
			r.logger.Warn("dropping unresponsive room member",
				zap.String("vault_id", vaultID),
				zap.Error(err))
			r.Leave(vaultID, member)
		}
	}
}

func (r *RoomRegistry) roomSize(vaultID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms[vaultID])
}
