package events

import (
	"sort"
	"sync"
)

// Hub tracks which connections have joined which rooms.
type Hub struct {
	mu    sync.RWMutex
	rooms map[string]map[*Conn]struct{}
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{rooms: make(map[string]map[*Conn]struct{})}
}

// Join adds c to the room.
func (h *Hub) Join(roomID string, c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	members, ok := h.rooms[roomID]
	if !ok {
		members = make(map[*Conn]struct{})
		h.rooms[roomID] = members
	}
	members[c] = struct{}{}
}

// Leave removes c from the room.
func (h *Hub) Leave(roomID string, c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leave(roomID, c)
}

// LeaveAll removes c from every room.
func (h *Hub) LeaveAll(c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for roomID := range h.rooms {
		h.leave(roomID, c)
	}
}

func (h *Hub) leave(roomID string, c *Conn) {
	members, ok := h.rooms[roomID]
	if !ok {
		return
	}
	delete(members, c)
	if len(members) == 0 {
		delete(h.rooms, roomID)
	}
}

// Broadcast sends an event to every member of the room except skip, which
// may be nil.
func (h *Hub) Broadcast(roomID, event string, payload any, skip *Conn) {
	h.mu.RLock()
	targets := make([]*Conn, 0, len(h.rooms[roomID]))
	for c := range h.rooms[roomID] {
		if c != skip {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range targets {
		c.Send(event, payload)
	}
}

// Members returns the connection ids in the room, sorted.
func (h *Hub) Members(roomID string) []string {
	h.mu.RLock()
	ids := make([]string, 0, len(h.rooms[roomID]))
	for c := range h.rooms[roomID] {
		ids = append(ids, c.ID())
	}
	h.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// RoomCount returns how many rooms have at least one member.
func (h *Hub) RoomCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms)
}
