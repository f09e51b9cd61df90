package protocol

import (
	"github.com/speedfog/racing/internal/domain"
	"github.com/speedfog/racing/internal/leaderboard"
)

// Viewer identifies a spectator for per-viewer payload gating.
type Viewer struct {
	UserID    string
	Anonymous bool
	Role      domain.Role
	Locale    string
}

// IsParticipant reports whether the viewer races in the given field.
func (v Viewer) IsParticipant(participants []domain.Participant) bool {
	if v.Anonymous {
		return false
	}
	for _, p := range participants {
		if p.UserID == v.UserID {
			return true
		}
	}
	return false
}

// CanSeeGraph applies the DAG access rule: after the finish everyone may see
// the layout, during the run everyone except the racers, and in setup only
// non-participating organizers and casters.
func CanSeeGraph(race domain.Race, participants []domain.Participant, v Viewer) bool {
	isParticipant := v.IsParticipant(participants)
	switch race.Status {
	case domain.RaceFinished:
		return true
	case domain.RaceRunning:
		return !isParticipant
	default:
		if v.Anonymous || isParticipant {
			return false
		}
		return isOrganizerOrCaster(race, v)
	}
}

func isOrganizerOrCaster(race domain.Race, v Viewer) bool {
	if v.UserID == race.OrganizerID {
		return true
	}
	if v.Role == domain.RoleAdmin || v.Role == domain.RoleOrganizer {
		return true
	}
	if casters, ok := race.Config["casters"].([]any); ok {
		for _, c := range casters {
			if id, ok := c.(string); ok && id == v.UserID {
				return true
			}
		}
	}
	return false
}

// HistoryMode selects which participants carry their zone history on the wire.
type HistoryMode int

const (
	// HistoryNone omits zone history from every participant; race snapshots
	// built before the race finished use it.
	HistoryNone HistoryMode = iota
	// HistoryFinished attaches history to finished participants only;
	// leaderboard payloads use it.
	HistoryFinished
	// HistoryAll attaches history to everyone; post-finish snapshots use it.
	HistoryAll
)

// Players sorts the field, computes gaps and maps it onto wire payloads.
func Players(g *domain.Graph, participants []domain.Participant, mode HistoryMode) []Player {
	sorted := leaderboard.Sort(participants)
	var gaps map[string]*int64
	if g != nil {
		gaps = leaderboard.Gaps(g, sorted)
	}
	out := make([]Player, 0, len(sorted))
	for _, p := range sorted {
		pl := Player{
			ID:           p.ID,
			UserID:       p.UserID,
			DisplayName:  p.DisplayName,
			Status:       string(p.Status),
			CurrentZone:  p.CurrentZone,
			CurrentLayer: p.CurrentLayer,
			IGTMs:        p.IGTMs,
			DeathCount:   p.DeathCount,
			ColorIndex:   p.ColorIndex,
			FinishedAt:   msPtr(p.FinishedAt),
		}
		if gaps != nil {
			pl.GapMs = gaps[p.ID]
		}
		if mode == HistoryAll || (mode == HistoryFinished && p.Status == domain.ParticipantFinished) {
			pl.ZoneHistory = p.ZoneHistory
		}
		out = append(out, pl)
	}
	return out
}

// NewLeaderboard builds a leaderboard_update for the race's field.
func NewLeaderboard(g *domain.Graph, participants []domain.Participant) LeaderboardUpdate {
	return LeaderboardUpdate{
		Type:         TypeLeaderboard,
		Participants: Players(g, participants, HistoryFinished),
	}
}

// NewPlayerUpdate builds a player_update for one participant.
func NewPlayerUpdate(p domain.Participant) PlayerUpdate {
	return PlayerUpdate{
		Type: TypePlayerUpdate,
		Player: Player{
			ID:           p.ID,
			UserID:       p.UserID,
			DisplayName:  p.DisplayName,
			Status:       string(p.Status),
			CurrentZone:  p.CurrentZone,
			CurrentLayer: p.CurrentLayer,
			IGTMs:        p.IGTMs,
			DeathCount:   p.DeathCount,
			ColorIndex:   p.ColorIndex,
			FinishedAt:   msPtr(p.FinishedAt),
		},
	}
}

// NewZoneUpdate builds the unicast zone snapshot for a mod: the node it is in
// and its exits, with destinations hidden until discovered.
func NewZoneUpdate(g *domain.Graph, nodeID string, history []domain.ZoneVisit) (ZoneUpdate, bool) {
	node, ok := g.Node(nodeID)
	if !ok {
		return ZoneUpdate{}, false
	}
	visited := make(map[string]bool, len(history))
	for _, v := range history {
		visited[v.NodeID] = true
	}
	exits := make([]Exit, 0)
	for _, e := range g.Exits(nodeID) {
		exit := Exit{Text: e.Text, Discovered: visited[e.To]}
		if exit.Discovered {
			if to, ok := g.Node(e.To); ok {
				exit.ToName = to.Name
			}
		}
		exits = append(exits, exit)
	}
	return ZoneUpdate{
		Type:        TypeZoneUpdate,
		NodeID:      node.ID,
		DisplayName: node.Name,
		Tier:        node.Tier,
		Exits:       exits,
	}, true
}

// NewRaceState builds the per-viewer race snapshot. The full graph is
// attached only when the viewer passes the DAG access rule; per-participant
// zone history is attached only once the race is finished.
func NewRaceState(race domain.Race, seed domain.Seed, g *domain.Graph, participants []domain.Participant, v Viewer) RaceState {
	histories := HistoryNone
	if race.Status == domain.RaceFinished {
		histories = HistoryAll
	}
	state := RaceState{
		Type: TypeRaceState,
		Race: NewRaceInfo(race),
		Seed: SeedMeta{
			TotalNodes:  g.TotalNodes(),
			TotalPaths:  g.TotalPaths(),
			TotalLayers: g.TotalLayers,
		},
		Participants: Players(g, participants, histories),
	}
	if CanSeeGraph(race, participants, v) {
		state.Graph = seed.GraphJSON
	}
	return state
}

// NewAuthOK builds the mod's post-auth snapshot.
func NewAuthOK(p domain.Participant, race domain.Race, g *domain.Graph, participants []domain.Participant) AuthOK {
	return AuthOK{
		Type:          TypeAuthOK,
		ParticipantID: p.ID,
		Race:          NewRaceInfo(race),
		Seed: SeedInfo{
			TotalLayers: g.TotalLayers,
			EventIDs:    g.EventIDs(),
			FinishEvent: g.FinishEvent,
			SpawnItems:  g.SpawnItems,
		},
		Participants: Players(g, participants, HistoryFinished),
	}
}

// NewRaceStatusChange builds a status transition notice.
func NewRaceStatusChange(race domain.Race) RaceStatusChange {
	return RaceStatusChange{
		Type:      TypeRaceStatusChange,
		Status:    string(race.Status),
		StartedAt: msPtr(race.StartedAt),
	}
}
