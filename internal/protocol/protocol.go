// Package protocol defines the JSON wire messages of both WebSocket endpoints
// and the builders that turn detached store snapshots into payloads. Every
// message carries a "type" discriminator; times are integer milliseconds and
// ids are opaque strings.
package protocol

import (
	"encoding/json"
	"time"

	"github.com/speedfog/racing/internal/domain"
	"github.com/speedfog/racing/internal/resolve"
)

// Message type discriminators.
const (
	TypeAuth             = "auth"
	TypeReady            = "ready"
	TypeStatusUpdate     = "status_update"
	TypeEventFlag        = "event_flag"
	TypeZoneQuery        = "zone_query"
	TypePong             = "pong"
	TypePing             = "ping"
	TypeAuthOK           = "auth_ok"
	TypeAuthError        = "auth_error"
	TypeError            = "error"
	TypeRaceStart        = "race_start"
	TypeRaceStatusChange = "race_status_change"
	TypeRaceState        = "race_state"
	TypeLeaderboard      = "leaderboard_update"
	TypeZoneUpdate       = "zone_update"
	TypePlayerUpdate     = "player_update"
	TypeSpectatorCount   = "spectator_count"
)

// Inbound is the envelope for every client-to-server message. Fields beyond
// Type are populated per message kind.
type Inbound struct {
	Type       string `json:"type"`
	ModToken   string `json:"mod_token,omitempty"`
	Token      string `json:"token,omitempty"`
	IGTMs      *int64 `json:"igt_ms,omitempty"`
	DeathCount *int   `json:"death_count,omitempty"`
	FlagID     *int64 `json:"flag_id,omitempty"`
	resolve.ZoneQuery
}

// RaceInfo is the race header included in snapshots.
type RaceInfo struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Status    string `json:"status"`
	StartedAt *int64 `json:"started_at,omitempty"`
}

// SeedInfo is the seed header sent to mods on auth.
type SeedInfo struct {
	TotalLayers int             `json:"total_layers"`
	EventIDs    []int64         `json:"event_ids"`
	FinishEvent int64           `json:"finish_event"`
	SpawnItems  json.RawMessage `json:"spawn_items,omitempty"`
}

// SeedMeta is the always-visible seed metadata for spectators.
type SeedMeta struct {
	TotalNodes  int `json:"total_nodes"`
	TotalPaths  int `json:"total_paths"`
	TotalLayers int `json:"total_layers"`
}

// Player is one participant as seen on the wire.
type Player struct {
	ID           string             `json:"id"`
	UserID       string             `json:"user_id"`
	DisplayName  string             `json:"display_name"`
	Status       string             `json:"status"`
	CurrentZone  string             `json:"current_zone,omitempty"`
	CurrentLayer int                `json:"current_layer"`
	IGTMs        int64              `json:"igt_ms"`
	DeathCount   int                `json:"death_count"`
	GapMs        *int64             `json:"gap_ms,omitempty"`
	ColorIndex   int                `json:"color_index"`
	FinishedAt   *int64             `json:"finished_at,omitempty"`
	ZoneHistory  []domain.ZoneVisit `json:"zone_history,omitempty"`
}

// Exit is one outgoing fog gate of a zone. The destination name is revealed
// only once the player has discovered the node behind it.
type Exit struct {
	Text       string `json:"text"`
	ToName     string `json:"to_name,omitempty"`
	Discovered bool   `json:"discovered"`
}

// Outbound messages.

type AuthOK struct {
	Type          string   `json:"type"`
	ParticipantID string   `json:"participant_id"`
	Race          RaceInfo `json:"race"`
	Seed          SeedInfo `json:"seed"`
	Participants  []Player `json:"participants"`
}

type AuthError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type ErrorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type RaceStart struct {
	Type string `json:"type"`
}

type RaceStatusChange struct {
	Type      string `json:"type"`
	Status    string `json:"status"`
	StartedAt *int64 `json:"started_at,omitempty"`
}

type LeaderboardUpdate struct {
	Type         string   `json:"type"`
	Participants []Player `json:"participants"`
}

type ZoneUpdate struct {
	Type        string `json:"type"`
	NodeID      string `json:"node_id"`
	DisplayName string `json:"display_name"`
	Tier        int    `json:"tier"`
	Exits       []Exit `json:"exits"`
}

type PlayerUpdate struct {
	Type   string `json:"type"`
	Player Player `json:"player"`
}

type SpectatorCount struct {
	Type  string `json:"type"`
	Count int    `json:"count"`
}

type RaceState struct {
	Type         string          `json:"type"`
	Race         RaceInfo        `json:"race"`
	Seed         SeedMeta        `json:"seed"`
	Graph        json.RawMessage `json:"graph,omitempty"`
	Participants []Player        `json:"participants"`
}

// NewError builds an in-loop rejection reply.
func NewError(msg string) ErrorMessage {
	return ErrorMessage{Type: TypeError, Message: msg}
}

// NewAuthError builds an auth-phase rejection reply.
func NewAuthError(msg string) AuthError {
	return AuthError{Type: TypeAuthError, Message: msg}
}

func msPtr(t *time.Time) *int64 {
	if t == nil {
		return nil
	}
	ms := t.UnixMilli()
	return &ms
}

// NewRaceInfo builds the race header.
func NewRaceInfo(r domain.Race) RaceInfo {
	return RaceInfo{
		ID:        r.ID,
		Name:      r.Name,
		Status:    string(r.Status),
		StartedAt: msPtr(r.StartedAt),
	}
}
