package room

import (
	"log/slog"
	"sync"
)

// Registry is the process-wide map of race id to Room. Rooms are created on
// first use and deleted once their last connection is gone, bounding memory
// to the set of races with live viewers.
type Registry struct {
	mu    sync.Mutex
	rooms map[string]*Room
	log   *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		rooms: make(map[string]*Room),
		log:   slog.With("component", "room-registry"),
	}
}

// Room returns the race's room, creating it if needed.
func (g *Registry) Room(raceID string) *Room {
	g.mu.Lock()
	defer g.mu.Unlock()
	r, ok := g.rooms[raceID]
	if !ok {
		r = newRoom(raceID, func() { g.reap(raceID) })
		g.rooms[raceID] = r
		g.log.Debug("room created", "race_id", raceID)
	}
	return r
}

// Peek returns the race's room without creating one.
func (g *Registry) Peek(raceID string) (*Room, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	r, ok := g.rooms[raceID]
	return r, ok
}

// CloseRoom deletes the room and closes every socket with the given close
// code. Clients reconnect on their own.
func (g *Registry) CloseRoom(raceID string, code int, reason string) {
	g.mu.Lock()
	r, ok := g.rooms[raceID]
	if ok {
		delete(g.rooms, raceID)
	}
	g.mu.Unlock()
	if !ok {
		return
	}
	r.closeAll(code, reason)
	g.log.Info("room closed", "race_id", raceID, "code", code)
}

// CloseAll shuts every room down; used on server shutdown.
func (g *Registry) CloseAll(code int, reason string) {
	g.mu.Lock()
	rooms := make([]*Room, 0, len(g.rooms))
	for _, r := range g.rooms {
		rooms = append(rooms, r)
	}
	g.rooms = make(map[string]*Room)
	g.mu.Unlock()
	for _, r := range rooms {
		r.closeAll(code, reason)
	}
}

// reap deletes the room if it is still empty.
func (g *Registry) reap(raceID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	r, ok := g.rooms[raceID]
	if !ok {
		return
	}
	r.mu.Lock()
	empty := r.emptyLocked()
	r.mu.Unlock()
	if empty {
		delete(g.rooms, raceID)
		g.log.Debug("room reaped", "race_id", raceID)
	}
}
