// Package resolve turns raw game-client observations into seed graph nodes.
// Two inputs exist: event flags fired by fog-gate traversals (authoritative)
// and zone queries sent as positional hints (best effort). Both resolvers are
// stateless and pure; callers decide what to persist.
package resolve

import (
	"github.com/speedfog/racing/internal/domain"
)

// ZoneQuery is the positional hint a mod sends when it cannot name its node.
type ZoneQuery struct {
	GraceEntityID *int64     `json:"grace_entity_id,omitempty"`
	MapID         *int64     `json:"map_id,omitempty"`
	Position      []float64  `json:"position,omitempty"`
	PlayRegionID  *int64     `json:"play_region_id,omitempty"`
}

// Zone resolves a query to a graph node id using a three-strategy cascade:
// grace lookup, map lookup narrowed by submap and visited history, then
// nothing. history is the participant's zone history; a player cannot occupy
// an unvisited node when no fog-gate event fired, so it breaks ties.
func Zone(g *domain.Graph, history []domain.ZoneVisit, q ZoneQuery) (string, bool) {
	if q.GraceEntityID != nil {
		if node, ok := byGrace(g, *q.GraceEntityID); ok {
			return node, true
		}
	}
	if q.MapID != nil {
		if node, ok := byMap(g, history, q); ok {
			return node, true
		}
	}
	return "", false
}

func byGrace(g *domain.Graph, graceID int64) (string, bool) {
	zone, ok := graceZone[graceID]
	if !ok {
		return "", false
	}
	nodes := g.NodesWithZone(zone)
	if len(nodes) != 1 {
		return "", false
	}
	return nodes[0], true
}

func byMap(g *domain.Graph, history []domain.ZoneVisit, q ZoneQuery) (string, bool) {
	zones, ok := mapZones[*q.MapID]
	if !ok {
		return "", false
	}
	if q.PlayRegionID != nil {
		if sub, ok := submapZone[*q.MapID]; ok {
			if zone, ok := sub[*q.PlayRegionID]; ok {
				zones = []int{zone}
			}
		}
	}

	var candidates []string
	seen := map[string]bool{}
	for _, zone := range zones {
		for _, node := range g.NodesWithZone(zone) {
			if !seen[node] {
				seen[node] = true
				candidates = append(candidates, node)
			}
		}
	}
	switch len(candidates) {
	case 0:
		return "", false
	case 1:
		return candidates[0], true
	}

	// Still ambiguous: restrict to nodes the player has already visited.
	visited := map[string]bool{}
	for _, v := range history {
		visited[v.NodeID] = true
	}
	var inHistory []string
	for _, node := range candidates {
		if visited[node] {
			inHistory = append(inHistory, node)
		}
	}
	if len(inHistory) == 1 {
		return inHistory[0], true
	}
	return "", false
}

// FlagKind classifies an event flag against a seed graph.
type FlagKind int

const (
	// FlagUnknown is a flag outside the seed's event map; logged, no state change.
	FlagUnknown FlagKind = iota
	// FlagFinish is the seed's finish event.
	FlagFinish
	// FlagNode maps to a graph node traversal.
	FlagNode
)

// Flag resolves an event flag id against the seed's event map.
func Flag(g *domain.Graph, flagID int64) (FlagKind, string) {
	if flagID == g.FinishEvent {
		return FlagFinish, ""
	}
	if node, ok := g.EventMap[flagID]; ok {
		return FlagNode, node
	}
	return FlagUnknown, ""
}
