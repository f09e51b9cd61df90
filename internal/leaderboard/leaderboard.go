// Package leaderboard sorts a race's participants and computes the per-layer
// time gaps against the current leader. It works on detached participant
// snapshots and never touches the store.
package leaderboard

import (
	"sort"

	"github.com/speedfog/racing/internal/domain"
)

// statusRank orders participant groups on the board.
func statusRank(s domain.ParticipantStatus) int {
	switch s {
	case domain.ParticipantFinished:
		return 0
	case domain.ParticipantPlaying:
		return 1
	case domain.ParticipantReady:
		return 2
	case domain.ParticipantRegistered:
		return 3
	case domain.ParticipantAbandoned:
		return 4
	}
	return 5
}

// Sort returns the participants in display order: finishers by time, then
// players by depth and time, then ready and registered in arrival order,
// abandoned last by depth and time. The sort is stable.
func Sort(ps []domain.Participant) []domain.Participant {
	out := make([]domain.Participant, len(ps))
	copy(out, ps)
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		ra, rb := statusRank(a.Status), statusRank(b.Status)
		if ra != rb {
			return ra < rb
		}
		switch a.Status {
		case domain.ParticipantFinished:
			return a.IGTMs < b.IGTMs
		case domain.ParticipantPlaying, domain.ParticipantAbandoned:
			if a.CurrentLayer != b.CurrentLayer {
				return a.CurrentLayer > b.CurrentLayer
			}
			return a.IGTMs < b.IGTMs
		default:
			return a.ArrivalOrder < b.ArrivalOrder
		}
	})
	return out
}

// LeaderSplits walks the leader's zone history and records the earliest
// igt_ms at which each layer was first reached. Entries whose node is not in
// the graph are skipped.
func LeaderSplits(g *domain.Graph, leader domain.Participant) map[int]int64 {
	splits := make(map[int]int64)
	for _, visit := range leader.ZoneHistory {
		node, ok := g.Node(visit.NodeID)
		if !ok {
			continue
		}
		if _, seen := splits[node.Layer]; !seen {
			splits[node.Layer] = visit.IGTMs
		}
	}
	return splits
}

// layerEntryIGT returns the igt at which the participant first reached its
// current layer, derived from its own history.
func layerEntryIGT(g *domain.Graph, p domain.Participant) (int64, bool) {
	for _, visit := range p.ZoneHistory {
		node, ok := g.Node(visit.NodeID)
		if !ok {
			continue
		}
		if node.Layer >= p.CurrentLayer {
			return visit.IGTMs, true
		}
	}
	return 0, false
}

// Gaps computes each participant's gap to the leader of an already sorted
// board. A nil entry means no gap is shown. Negative gaps (ahead of the
// leader's pace on the same layer) are allowed.
func Gaps(g *domain.Graph, sorted []domain.Participant) map[string]*int64 {
	gaps := make(map[string]*int64, len(sorted))
	for _, p := range sorted {
		gaps[p.ID] = nil
	}
	if len(sorted) == 0 {
		return gaps
	}
	leader := sorted[0]
	splits := LeaderSplits(g, leader)

	for _, p := range sorted {
		if p.ID == leader.ID {
			continue
		}
		switch p.Status {
		case domain.ParticipantFinished:
			d := p.IGTMs - leader.IGTMs
			gaps[p.ID] = &d
		case domain.ParticipantPlaying:
			nextSplit, haveNext := splits[p.CurrentLayer+1]
			if !haveNext {
				continue
			}
			if p.IGTMs <= nextSplit {
				// Within the leader's budget for this layer: compare entries.
				curSplit, haveCur := splits[p.CurrentLayer]
				entry, haveEntry := layerEntryIGT(g, p)
				if !haveCur || !haveEntry {
					continue
				}
				d := entry - curSplit
				gaps[p.ID] = &d
			} else {
				d := p.IGTMs - nextSplit
				gaps[p.ID] = &d
			}
		}
	}
	return gaps
}
