// Package room keeps the in-memory registry of live connections per race and
// provides the broadcast primitives. A room guards its two collections with
// one mutex; broadcasts snapshot the collections first so concurrent connect
// and disconnect cannot corrupt iteration, then send without holding any lock.
package room

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/speedfog/racing/internal/metrics"
)

// ErrDuplicateConnection is returned when a second mod connection arrives for
// a participant that already has a live one.
var ErrDuplicateConnection = errors.New("room: participant already connected")

// Room holds the live connections of one race.
type Room struct {
	raceID string

	mu         sync.Mutex
	mods       map[string]*Conn // participant id -> connection
	spectators []*Conn

	// seqMu serializes broadcast sequences: no other broadcast of the same
	// race can interleave between steps of one sequence. Never held across
	// DB I/O.
	seqMu sync.Mutex

	onEmpty func()
	log     *slog.Logger
}

func newRoom(raceID string, onEmpty func()) *Room {
	return &Room{
		raceID:  raceID,
		mods:    make(map[string]*Conn),
		onEmpty: onEmpty,
		log:     slog.With("component", "room", "race_id", raceID),
	}
}

// ConnectMod registers a mod connection for a participant. At most one live
// connection per participant is allowed.
func (r *Room) ConnectMod(participantID string, c *Conn) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.mods[participantID]; exists {
		return ErrDuplicateConnection
	}
	c.ParticipantID = participantID
	r.mods[participantID] = c
	return nil
}

// DisconnectMod removes the participant's connection if it is still the given
// one; a replacement registered after a reconnect is left alone.
func (r *Room) DisconnectMod(participantID string, c *Conn) {
	r.mu.Lock()
	if cur, ok := r.mods[participantID]; ok && cur == c {
		delete(r.mods, participantID)
	}
	empty := r.emptyLocked()
	r.mu.Unlock()
	if empty && r.onEmpty != nil {
		r.onEmpty()
	}
}

// ConnectSpectator appends a spectator connection. Duplicates are permitted.
func (r *Room) ConnectSpectator(c *Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.spectators = append(r.spectators, c)
}

// DisconnectSpectator removes one occurrence of the connection.
func (r *Room) DisconnectSpectator(c *Conn) {
	r.mu.Lock()
	for i, s := range r.spectators {
		if s == c {
			r.spectators = append(r.spectators[:i], r.spectators[i+1:]...)
			break
		}
	}
	empty := r.emptyLocked()
	r.mu.Unlock()
	if empty && r.onEmpty != nil {
		r.onEmpty()
	}
}

func (r *Room) emptyLocked() bool {
	return len(r.mods) == 0 && len(r.spectators) == 0
}

// SpectatorCount returns the current number of spectator connections.
func (r *Room) SpectatorCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.spectators)
}

// HasMod reports whether the participant has a live connection.
func (r *Room) HasMod(participantID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.mods[participantID]
	return ok
}

func (r *Room) snapshotMods() map[string]*Conn {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]*Conn, len(r.mods))
	for id, c := range r.mods {
		out[id] = c
	}
	return out
}

func (r *Room) snapshotSpectators() []*Conn {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Conn, len(r.spectators))
	copy(out, r.spectators)
	return out
}

// Sequence runs fn under the room's broadcast lock so its steps are emitted
// atomically with respect to other broadcasts of the same race.
func (r *Room) Sequence(fn func(b *Broadcast)) {
	r.seqMu.Lock()
	defer r.seqMu.Unlock()
	fn(&Broadcast{room: r})
}

// ToMods broadcasts a payload to every mod connection as a single sequence.
func (r *Room) ToMods(msgType string, payload any) {
	r.Sequence(func(b *Broadcast) { b.ToMods(msgType, payload) })
}

// ToSpectators broadcasts per-viewer payloads to every spectator as a single
// sequence.
func (r *Room) ToSpectators(msgType string, build func(c *Conn) any) {
	r.Sequence(func(b *Broadcast) { b.ToSpectators(msgType, build) })
}

// ToMod unicasts a payload to one participant's connection.
func (r *Room) ToMod(participantID, msgType string, payload any) {
	r.Sequence(func(b *Broadcast) { b.ToMod(participantID, msgType, payload) })
}

// Broadcast is the handle passed to Sequence callbacks. Its methods send
// without re-acquiring the sequence lock.
type Broadcast struct {
	room *Room
}

// ToMods sends the payload to every mod connection concurrently. Connections
// whose send fails are removed after the sweep completes.
func (b *Broadcast) ToMods(msgType string, payload any) {
	mods := b.room.snapshotMods()
	if len(mods) == 0 {
		return
	}
	metrics.BroadcastsTotal.WithLabelValues(msgType).Inc()

	var (
		wg     sync.WaitGroup
		failMu sync.Mutex
		failed []*Conn
	)
	for id, c := range mods {
		wg.Add(1)
		go func(id string, c *Conn) {
			defer wg.Done()
			if err := c.Send(payload); err != nil {
				b.room.log.Warn("mod send failed", "participant_id", id, "error", err)
				failMu.Lock()
				failed = append(failed, c)
				failMu.Unlock()
			}
		}(id, c)
	}
	wg.Wait()
	b.room.dropFailed(failed)
}

// ToSpectators sends one payload per viewer, built by the callback: graph
// visibility and locale differ per spectator. A nil payload skips the viewer.
func (b *Broadcast) ToSpectators(msgType string, build func(c *Conn) any) {
	specs := b.room.snapshotSpectators()
	if len(specs) == 0 {
		return
	}
	metrics.BroadcastsTotal.WithLabelValues(msgType).Inc()

	var (
		wg     sync.WaitGroup
		failMu sync.Mutex
		failed []*Conn
	)
	for _, c := range specs {
		wg.Add(1)
		go func(c *Conn) {
			defer wg.Done()
			payload := build(c)
			if payload == nil {
				return
			}
			if err := c.Send(payload); err != nil {
				b.room.log.Warn("spectator send failed", "error", err)
				failMu.Lock()
				failed = append(failed, c)
				failMu.Unlock()
			}
		}(c)
	}
	wg.Wait()
	b.room.dropFailed(failed)
}

// ToMod unicasts to a single participant's connection.
func (b *Broadcast) ToMod(participantID, msgType string, payload any) {
	b.room.mu.Lock()
	c, ok := b.room.mods[participantID]
	b.room.mu.Unlock()
	if !ok {
		return
	}
	metrics.BroadcastsTotal.WithLabelValues(msgType).Inc()
	if err := c.Send(payload); err != nil {
		b.room.log.Warn("mod unicast failed", "participant_id", participantID, "error", err)
		b.room.dropFailed([]*Conn{c})
	}
}

// dropFailed removes and closes connections whose sends failed.
func (r *Room) dropFailed(failed []*Conn) {
	if len(failed) == 0 {
		return
	}
	r.mu.Lock()
	for _, c := range failed {
		switch c.Kind {
		case KindMod:
			if cur, ok := r.mods[c.ParticipantID]; ok && cur == c {
				delete(r.mods, c.ParticipantID)
			}
		case KindSpectator:
			for i, s := range r.spectators {
				if s == c {
					r.spectators = append(r.spectators[:i], r.spectators[i+1:]...)
					break
				}
			}
		}
	}
	empty := r.emptyLocked()
	r.mu.Unlock()

	for _, c := range failed {
		c.Close(CloseNormal, "send failed")
	}
	if empty && r.onEmpty != nil {
		r.onEmpty()
	}
}

// closeAll closes every connection with the given code and empties the room.
func (r *Room) closeAll(code int, reason string) {
	r.mu.Lock()
	conns := make([]*Conn, 0, len(r.mods)+len(r.spectators))
	for _, c := range r.mods {
		conns = append(conns, c)
	}
	conns = append(conns, r.spectators...)
	r.mods = make(map[string]*Conn)
	r.spectators = nil
	r.mu.Unlock()

	for _, c := range conns {
		c.Close(code, reason)
	}
}
