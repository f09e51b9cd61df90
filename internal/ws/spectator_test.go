package ws

import (
	"context"
	"net/http"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/speedfog/racing/internal/domain"
)

// Spectator tests send a first message (pong or auth) right after dialing:
// any inbound message short-circuits the optional-auth grace window, so the
// tests never wait it out.

func TestSpectatorAnonymousGetsStateWithoutGraph(t *testing.T) {
	f := newFixture(t, 1)
	client := f.dialRaw("/ws/race/" + f.raceID)
	send(t, client, map[string]any{"type": "pong"})

	state := next(t, client)
	require.Equal(t, "race_state", state["type"])
	raceInfo := state["race"].(map[string]any)
	assert.Equal(t, "SETUP", raceInfo["status"])
	assert.NotContains(t, state, "graph", "anonymous viewers never see the layout in setup")

	seed := state["seed"].(map[string]any)
	assert.Equal(t, float64(3), seed["total_nodes"])
	assert.Equal(t, float64(2), seed["total_paths"])

	count := next(t, client)
	assert.Equal(t, "spectator_count", count["type"])
	assert.Equal(t, float64(1), count["count"])
}

func TestSpectatorUnknownRaceRejected(t *testing.T) {
	f := newFixture(t, 1)
	_, resp, err := websocket.DefaultDialer.Dial(f.wsURL("/ws/race/no-such-race"), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestSpectatorOrganizerSeesGraphInSetup(t *testing.T) {
	f := newFixture(t, 1)
	require.NoError(t, f.store.CreateUser(context.Background(), domain.User{
		ID: "org-1", Username: "organizer", APIToken: "api-tok", Role: domain.RoleUser,
	}))

	client := f.dialRaw("/ws/race/" + f.raceID)
	send(t, client, map[string]any{"type": "auth", "token": "api-tok"})

	state := next(t, client)
	require.Equal(t, "race_state", state["type"])
	assert.Contains(t, state, "graph", "the organizer may inspect the layout before the start")
}

func TestSpectatorParticipantBlindDuringRun(t *testing.T) {
	f := newFixture(t, 1)
	require.NoError(t, f.store.CreateUser(context.Background(), domain.User{
		ID: "u0", Username: "runner", APIToken: "runner-tok", Role: domain.RoleUser,
	}))
	require.NoError(t, f.ctrl.Start(context.Background(), f.raceID))

	client := f.dialRaw("/ws/race/" + f.raceID)
	send(t, client, map[string]any{"type": "auth", "token": "runner-tok"})
	state := next(t, client)
	require.Equal(t, "race_state", state["type"])
	assert.NotContains(t, state, "graph", "a racer must not see the layout mid-run")
}

func TestSpectatorAnonymousSeesGraphDuringRun(t *testing.T) {
	f := newFixture(t, 1)
	require.NoError(t, f.ctrl.Start(context.Background(), f.raceID))

	client := f.dialRaw("/ws/race/" + f.raceID)
	send(t, client, map[string]any{"type": "pong"})
	state := next(t, client)
	require.Equal(t, "race_state", state["type"])
	assert.Contains(t, state, "graph")
}

func TestSpectatorInvalidTokenFallsBackToAnonymous(t *testing.T) {
	f := newFixture(t, 1)
	client := f.dialRaw("/ws/race/" + f.raceID)
	send(t, client, map[string]any{"type": "auth", "token": "nope"})

	reply := next(t, client)
	assert.Equal(t, "auth_error", reply["type"])
	state := next(t, client)
	assert.Equal(t, "race_state", state["type"], "spectating never requires an account")
}

func TestSpectatorCountBroadcastOnJoinAndLeave(t *testing.T) {
	f := newFixture(t, 1)
	first := f.dialRaw("/ws/race/" + f.raceID)
	send(t, first, map[string]any{"type": "pong"})
	next(t, first) // race_state
	count := next(t, first)
	require.Equal(t, "spectator_count", count["type"])
	require.Equal(t, float64(1), count["count"])

	second := f.dialRaw("/ws/race/" + f.raceID)
	send(t, second, map[string]any{"type": "pong"})
	next(t, second) // race_state

	count = next(t, first)
	assert.Equal(t, "spectator_count", count["type"])
	assert.Equal(t, float64(2), count["count"])

	require.NoError(t, second.Close())
	count = next(t, first)
	assert.Equal(t, "spectator_count", count["type"])
	assert.Equal(t, float64(1), count["count"])
}

func TestSpectatorReceivesPlayerUpdateOnRevisit(t *testing.T) {
	f := newFixture(t, 1)
	mod := f.dialMod("tok-0")
	f.startRace(mod)
	send(t, mod, map[string]any{"type": "status_update", "igt_ms": 1000, "death_count": 0})
	next(t, mod)
	send(t, mod, map[string]any{"type": "event_flag", "flag_id": 100, "igt_ms": 2000})
	next(t, mod)
	next(t, mod)

	spec := f.dialRaw("/ws/race/" + f.raceID)
	send(t, spec, map[string]any{"type": "pong"})
	next(t, spec) // race_state
	next(t, spec) // spectator_count

	// Revisit: spectators get a targeted player_update instead of a board.
	send(t, mod, map[string]any{"type": "event_flag", "flag_id": 300, "igt_ms": 3000})
	update := next(t, spec)
	require.Equal(t, "player_update", update["type"])
	player := update["player"].(map[string]any)
	assert.Equal(t, "p0", player["id"])
	assert.Equal(t, "start", player["current_zone"])
}
