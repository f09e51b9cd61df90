// Package race orchestrates race status transitions and the broadcast
// sequences they emit. Every transition goes through the store's optimistic
// version check; a lost transition produces no broadcast, which is what keeps
// finish sequences from duplicating under concurrency.
package race

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/speedfog/racing/internal/domain"
	"github.com/speedfog/racing/internal/metrics"
	"github.com/speedfog/racing/internal/notify"
	"github.com/speedfog/racing/internal/protocol"
	"github.com/speedfog/racing/internal/room"
	"github.com/speedfog/racing/internal/store"
)

// Controller drives race lifecycle transitions.
type Controller struct {
	store  store.Store
	rooms  *room.Registry
	notify notify.Publisher
	log    *slog.Logger
}

// NewController wires the controller to its collaborators.
func NewController(st store.Store, rooms *room.Registry, pub notify.Publisher) *Controller {
	if pub == nil {
		pub = notify.Nop{}
	}
	return &Controller{
		store:  st,
		rooms:  rooms,
		notify: pub,
		log:    slog.With("component", "race-controller"),
	}
}

// field is the detached snapshot a broadcast sequence works from.
type field struct {
	race         domain.Race
	seed         domain.Seed
	graph        *domain.Graph
	participants []domain.Participant
}

func (c *Controller) loadField(ctx context.Context, race domain.Race) (*field, error) {
	seed, err := c.store.GetSeed(ctx, race.SeedID)
	if err != nil {
		return nil, fmt.Errorf("load seed: %w", err)
	}
	graph, err := domain.ParseGraph(seed.GraphJSON)
	if err != nil {
		return nil, fmt.Errorf("parse graph: %w", err)
	}
	participants, err := c.store.ListParticipants(ctx, race.ID)
	if err != nil {
		return nil, fmt.Errorf("list participants: %w", err)
	}
	return &field{race: race, seed: seed, graph: graph, participants: participants}, nil
}

// Viewer builds the gating identity of a spectator connection.
func viewerOf(conn *room.Conn) protocol.Viewer {
	return protocol.Viewer{
		UserID:    conn.UserID,
		Anonymous: conn.Anonymous,
		Role:      domain.Role(conn.Role),
		Locale:    conn.Locale,
	}
}

// Start moves a race from SETUP to RUNNING and emits the start sequence:
// race_start to all mods, a zone_update per mod for the start node, the status
// change to everyone, then a per-viewer race_state to each spectator.
func (c *Controller) Start(ctx context.Context, raceID string) error {
	race, err := c.store.GetRace(ctx, raceID)
	if err != nil {
		return err
	}
	started, err := c.store.TransitionRace(ctx, raceID,
		[]domain.RaceStatus{domain.RaceSetup}, domain.RaceRunning, race.Version,
		func(r *domain.Race) {
			now := time.Now().UTC()
			r.StartedAt = &now
		})
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			metrics.ConflictsTotal.Inc()
		}
		return err
	}

	f, err := c.loadField(ctx, started)
	if err != nil {
		return err
	}
	rm := c.rooms.Room(raceID)
	rm.Sequence(func(b *room.Broadcast) {
		b.ToMods(protocol.TypeRaceStart, protocol.RaceStart{Type: protocol.TypeRaceStart})
		if zu, ok := protocol.NewZoneUpdate(f.graph, f.graph.StartNode, nil); ok {
			for _, p := range f.participants {
				b.ToMod(p.ID, protocol.TypeZoneUpdate, zu)
			}
		}
		change := protocol.NewRaceStatusChange(started)
		b.ToMods(protocol.TypeRaceStatusChange, change)
		b.ToSpectators(protocol.TypeRaceStatusChange, func(*room.Conn) any { return change })
		b.ToSpectators(protocol.TypeRaceState, func(conn *room.Conn) any {
			return protocol.NewRaceState(f.race, f.seed, f.graph, f.participants, viewerOf(conn))
		})
	})

	c.notify.Publish(ctx, "race.started", map[string]any{"race_id": raceID, "name": started.Name})
	c.log.Info("race started", "race_id", raceID)
	return nil
}

// AutoFinishCheck finishes the race when no active participant remains. It is
// called after every terminal participant transition, in a transaction of its
// own. A concurrent caller losing the optimistic check is a silent no-op: the
// winner already broadcast.
func (c *Controller) AutoFinishCheck(ctx context.Context, raceID string) error {
	race, applied, err := c.store.FinishRaceIfAllDone(ctx, raceID)
	if err != nil {
		return err
	}
	if !applied {
		return nil
	}
	return c.broadcastFinish(ctx, race)
}

// ForceFinish is the organizer's manual finish. A lost optimistic check is
// surfaced as a conflict.
func (c *Controller) ForceFinish(ctx context.Context, raceID string) error {
	race, err := c.store.GetRace(ctx, raceID)
	if err != nil {
		return err
	}
	finished, err := c.store.TransitionRace(ctx, raceID,
		[]domain.RaceStatus{domain.RaceRunning}, domain.RaceFinished, race.Version, nil)
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			metrics.ConflictsTotal.Inc()
		}
		return err
	}
	return c.broadcastFinish(ctx, finished)
}

// broadcastFinish emits the finish sequence: race_state per spectator with
// zone histories attached, the status change to everyone, a final
// leaderboard, then the external notification.
func (c *Controller) broadcastFinish(ctx context.Context, race domain.Race) error {
	f, err := c.loadField(ctx, race)
	if err != nil {
		return err
	}
	rm := c.rooms.Room(race.ID)
	rm.Sequence(func(b *room.Broadcast) {
		b.ToSpectators(protocol.TypeRaceState, func(conn *room.Conn) any {
			return protocol.NewRaceState(f.race, f.seed, f.graph, f.participants, viewerOf(conn))
		})
		change := protocol.NewRaceStatusChange(race)
		b.ToMods(protocol.TypeRaceStatusChange, change)
		b.ToSpectators(protocol.TypeRaceStatusChange, func(*room.Conn) any { return change })
		board := protocol.NewLeaderboard(f.graph, f.participants)
		b.ToMods(protocol.TypeLeaderboard, board)
		b.ToSpectators(protocol.TypeLeaderboard, func(*room.Conn) any { return board })
	})

	c.notify.Publish(ctx, "race.finished", map[string]any{"race_id": race.ID, "name": race.Name})
	c.log.Info("race finished", "race_id", race.ID)
	return nil
}

// Reset closes the room, then returns the race to SETUP and every participant
// to the registered default in one transaction. seeds_released_at survives.
// Mods reconnect on their own.
func (c *Controller) Reset(ctx context.Context, raceID string) error {
	c.rooms.CloseRoom(raceID, room.CloseNormal, "race reset")

	race, err := c.store.GetRace(ctx, raceID)
	if err != nil {
		return err
	}
	if _, err := c.store.ResetRace(ctx, raceID, race.Version); err != nil {
		if errors.Is(err, store.ErrConflict) {
			metrics.ConflictsTotal.Inc()
		}
		return err
	}
	c.notify.Publish(ctx, "race.reset", map[string]any{"race_id": raceID, "name": race.Name})
	c.log.Info("race reset", "race_id", raceID)
	return nil
}

// BroadcastLeaderboard recomputes the board and fans it out to mods and
// spectators. Called by session handlers after participant mutations.
func (c *Controller) BroadcastLeaderboard(ctx context.Context, raceID string) error {
	race, err := c.store.GetRace(ctx, raceID)
	if err != nil {
		return err
	}
	f, err := c.loadField(ctx, race)
	if err != nil {
		return err
	}
	rm, ok := c.rooms.Peek(raceID)
	if !ok {
		return nil
	}
	board := protocol.NewLeaderboard(f.graph, f.participants)
	rm.Sequence(func(b *room.Broadcast) {
		b.ToMods(protocol.TypeLeaderboard, board)
		b.ToSpectators(protocol.TypeLeaderboard, func(*room.Conn) any { return board })
	})
	return nil
}
