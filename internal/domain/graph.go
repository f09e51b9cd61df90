package domain

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
)

// GraphNode is one zone in the seed's DAG.
type GraphNode struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Layer  int    `json:"layer"`
	Type   string `json:"type"`
	Tier   int    `json:"tier"`
	Zones  []int  `json:"zones"`
}

// GraphEdge is a fog-gate traversal between two nodes.
type GraphEdge struct {
	From string `json:"from"`
	To   string `json:"to"`
	Text string `json:"text"`
}

// Graph is the parsed form of a seed's graph_json. Nodes are indexed by id;
// the event map translates game event flags to node ids.
type Graph struct {
	nodes       map[string]GraphNode
	nodeOrder   []string
	Edges       []GraphEdge
	EventMap    map[int64]string
	FinishEvent int64
	TotalLayers int
	StartNode   string
	SpawnItems  json.RawMessage
}

type rawGraph struct {
	Nodes       []GraphNode       `json:"nodes"`
	Edges       []GraphEdge       `json:"edges"`
	EventMap    map[string]string `json:"event_map"`
	FinishEvent int64             `json:"finish_event"`
	TotalLayers int               `json:"total_layers"`
	StartNode   string            `json:"start_node"`
	SpawnItems  json.RawMessage   `json:"spawn_items,omitempty"`
}

// ParseGraph decodes a seed's graph_json. Event map keys arrive as JSON
// strings and are converted to integer flag ids here.
func ParseGraph(raw []byte) (*Graph, error) {
	var rg rawGraph
	if err := json.Unmarshal(raw, &rg); err != nil {
		return nil, fmt.Errorf("decode graph: %w", err)
	}
	if len(rg.Nodes) == 0 {
		return nil, fmt.Errorf("graph has no nodes")
	}

	g := &Graph{
		nodes:       make(map[string]GraphNode, len(rg.Nodes)),
		nodeOrder:   make([]string, 0, len(rg.Nodes)),
		Edges:       rg.Edges,
		EventMap:    make(map[int64]string, len(rg.EventMap)),
		FinishEvent: rg.FinishEvent,
		TotalLayers: rg.TotalLayers,
		StartNode:   rg.StartNode,
		SpawnItems:  rg.SpawnItems,
	}
	for _, n := range rg.Nodes {
		g.nodes[n.ID] = n
		g.nodeOrder = append(g.nodeOrder, n.ID)
	}
	for k, nodeID := range rg.EventMap {
		flag, err := strconv.ParseInt(k, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("event_map key %q: %w", k, err)
		}
		if _, ok := g.nodes[nodeID]; !ok {
			return nil, fmt.Errorf("event_map flag %s targets unknown node %q", k, nodeID)
		}
		g.EventMap[flag] = nodeID
	}

	if g.StartNode == "" {
		// Older graphs omit start_node; the unique layer-0 node is the start.
		for _, id := range g.nodeOrder {
			if g.nodes[id].Layer == 0 {
				g.StartNode = id
				break
			}
		}
	}
	if _, ok := g.nodes[g.StartNode]; !ok {
		return nil, fmt.Errorf("graph start node %q not found", g.StartNode)
	}
	return g, nil
}

// Node looks up a node by id.
func (g *Graph) Node(id string) (GraphNode, bool) {
	n, ok := g.nodes[id]
	return n, ok
}

// TotalNodes returns the node count.
func (g *Graph) TotalNodes() int { return len(g.nodes) }

// TotalPaths returns the edge count.
func (g *Graph) TotalPaths() int { return len(g.Edges) }

// EventIDs returns the flag ids the mod should poll, sorted ascending and
// including the finish event.
func (g *Graph) EventIDs() []int64 {
	ids := make([]int64, 0, len(g.EventMap)+1)
	for flag := range g.EventMap {
		ids = append(ids, flag)
	}
	ids = append(ids, g.FinishEvent)
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Exits returns the outgoing edges of a node.
func (g *Graph) Exits(nodeID string) []GraphEdge {
	var out []GraphEdge
	for _, e := range g.Edges {
		if e.From == nodeID {
			out = append(out, e)
		}
	}
	return out
}

// NodesWithZone returns the ids of nodes whose zones array contains zoneID,
// in graph order.
func (g *Graph) NodesWithZone(zoneID int) []string {
	var out []string
	for _, id := range g.nodeOrder {
		for _, z := range g.nodes[id].Zones {
			if z == zoneID {
				out = append(out, id)
				break
			}
		}
	}
	return out
}
