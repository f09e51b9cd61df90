// Package monitor runs the background sweep that abandons stalled
// participants: racers whose in-game time stopped moving, and registered
// entrants that never started playing after the race went live.
package monitor

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/speedfog/racing/internal/domain"
	"github.com/speedfog/racing/internal/metrics"
	"github.com/speedfog/racing/internal/race"
	"github.com/speedfog/racing/internal/store"
)

// errUntouched aborts an update that turned out not to apply.
var errUntouched = errors.New("monitor: participant untouched")

// Monitor sweeps running races on a fixed schedule.
type Monitor struct {
	store      store.Store
	ctrl       *race.Controller
	inactivity time.Duration
	noShow     time.Duration
	log        *slog.Logger
}

// New creates a monitor. Zero durations fall back to the 15 minute defaults.
func New(st store.Store, ctrl *race.Controller, inactivity, noShow time.Duration) *Monitor {
	if inactivity <= 0 {
		inactivity = 15 * time.Minute
	}
	if noShow <= 0 {
		noShow = 15 * time.Minute
	}
	return &Monitor{
		store:      st,
		ctrl:       ctrl,
		inactivity: inactivity,
		noShow:     noShow,
		log:        slog.With("component", "monitor"),
	}
}

// Schedule registers the sweep with the cron runner, once per minute.
func (m *Monitor) Schedule(c *cron.Cron) error {
	_, err := c.AddFunc("@every 1m", func() {
		ctx, cancel := context.WithTimeout(context.Background(), 45*time.Second)
		defer cancel()
		m.Sweep(ctx)
	})
	return err
}

// Sweep walks every running race and abandons stalled participants. Each
// abandon commits on its own; a failure on one participant does not stop the
// sweep.
func (m *Monitor) Sweep(ctx context.Context) {
	races, err := m.store.ListRacesByStatus(ctx, domain.RaceRunning)
	if err != nil {
		m.log.Warn("list running races failed", "error", err)
		return
	}
	now := time.Now().UTC()
	for _, r := range races {
		m.sweepRace(ctx, r, now)
	}
}

func (m *Monitor) sweepRace(ctx context.Context, r domain.Race, now time.Time) {
	participants, err := m.store.ListParticipants(ctx, r.ID)
	if err != nil {
		m.log.Warn("list participants failed", "race_id", r.ID, "error", err)
		return
	}

	abandoned := 0
	for _, p := range participants {
		reason := m.stallReason(r, p, now)
		if reason == "" {
			continue
		}
		_, err := m.store.UpdateParticipant(ctx, p.ID, func(cur *domain.Participant) error {
			// Re-check against the committed row: the participant may have
			// progressed or finished since the snapshot.
			if m.stallReason(r, *cur, now) == "" {
				return errUntouched
			}
			cur.Status = domain.ParticipantAbandoned
			return nil
		})
		if errors.Is(err, errUntouched) {
			continue
		}
		if err != nil {
			m.log.Warn("abandon failed", "participant_id", p.ID, "error", err)
			continue
		}
		metrics.MonitorAbandonsTotal.WithLabelValues(reason).Inc()
		m.log.Info("participant abandoned", "race_id", r.ID, "participant_id", p.ID, "reason", reason)
		abandoned++
	}

	if abandoned > 0 {
		if err := m.ctrl.BroadcastLeaderboard(ctx, r.ID); err != nil {
			m.log.Warn("leaderboard broadcast failed", "race_id", r.ID, "error", err)
		}
		if err := m.ctrl.AutoFinishCheck(ctx, r.ID); err != nil {
			m.log.Warn("auto-finish check failed", "race_id", r.ID, "error", err)
		}
	}
}

// stallReason classifies a participant as stalled, returning the metric reason
// label or "" when the participant is healthy.
func (m *Monitor) stallReason(r domain.Race, p domain.Participant, now time.Time) string {
	switch p.Status {
	case domain.ParticipantPlaying:
		last := r.StartedAt
		if p.LastIGTChangeAt != nil {
			last = p.LastIGTChangeAt
		}
		if last != nil && now.Sub(*last) >= m.inactivity {
			return "inactivity"
		}
	case domain.ParticipantRegistered, domain.ParticipantReady:
		if r.StartedAt != nil && now.Sub(*r.StartedAt) >= m.noShow {
			return "no_show"
		}
	}
	return ""
}
