package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/speedfog/racing/internal/domain"
	"github.com/speedfog/racing/internal/race"
	"github.com/speedfog/racing/internal/room"
	"github.com/speedfog/racing/internal/store"
)

// testGraph is the fixture seed: start -> mid -> end, with a flag back to the
// start so revisits can be exercised. Zone 1100 on the start node matches the
// grace lookup table entry for grace 1051360950.
const testGraph = `{
	"nodes": [
		{"id": "start", "name": "First Step", "layer": 0, "tier": 0, "zones": [1100]},
		{"id": "mid", "name": "Castle Gate", "layer": 1, "tier": 2, "zones": [1101]},
		{"id": "end", "name": "Throne Room", "layer": 2, "tier": 4, "zones": [1200]}
	],
	"edges": [
		{"from": "start", "to": "mid", "text": "Beyond the mist"},
		{"from": "mid", "to": "end", "text": "Up the stairs"}
	],
	"event_map": {"100": "mid", "200": "end", "300": "start"},
	"finish_event": 999,
	"total_layers": 3,
	"start_node": "start"
}`

type fixture struct {
	t      *testing.T
	store  *store.Memory
	rooms  *room.Registry
	ctrl   *race.Controller
	srv    *httptest.Server
	raceID string
}

func newFixture(t *testing.T, participants int) *fixture {
	t.Helper()
	st := store.NewMemory()
	ctx := context.Background()

	require.NoError(t, st.CreateSeed(ctx, domain.Seed{
		ID: "seed-1", Pool: "test", GraphJSON: []byte(testGraph), Status: domain.SeedConsumed,
	}))
	require.NoError(t, st.CreateRace(ctx, domain.Race{
		ID: "race-1", Name: "Test Race", OrganizerID: "org-1",
		SeedID: "seed-1", Status: domain.RaceSetup,
	}))
	for i := 0; i < participants; i++ {
		require.NoError(t, st.CreateParticipant(ctx, domain.Participant{
			ID:           fmt.Sprintf("p%d", i),
			RaceID:       "race-1",
			UserID:       fmt.Sprintf("u%d", i),
			DisplayName:  fmt.Sprintf("Runner %d", i),
			ModToken:     fmt.Sprintf("tok-%d", i),
			Status:       domain.ParticipantRegistered,
			ArrivalOrder: i + 1,
			ColorIndex:   i,
		}))
	}

	rooms := room.NewRegistry()
	ctrl := race.NewController(st, rooms, nil)

	r := mux.NewRouter()
	r.Handle("/ws/mod/{race_id}", NewModHandler(st, rooms, ctrl))
	r.Handle("/ws/race/{race_id}", NewSpectatorHandler(st, rooms))
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	return &fixture{t: t, store: st, rooms: rooms, ctrl: ctrl, srv: srv, raceID: "race-1"}
}

func (f *fixture) wsURL(path string) string {
	return "ws" + strings.TrimPrefix(f.srv.URL, "http") + path
}

func (f *fixture) dialRaw(path string) *websocket.Conn {
	f.t.Helper()
	client, _, err := websocket.DefaultDialer.Dial(f.wsURL(path), nil)
	require.NoError(f.t, err)
	f.t.Cleanup(func() { client.Close() })
	return client
}

// dialMod connects and authenticates a mod, consuming the auth_ok and the
// connect-time leaderboard broadcast.
func (f *fixture) dialMod(token string) *websocket.Conn {
	f.t.Helper()
	client := f.dialRaw("/ws/mod/" + f.raceID)
	send(f.t, client, map[string]any{"type": "auth", "mod_token": token})
	authOK := next(f.t, client)
	require.Equal(f.t, "auth_ok", authOK["type"])
	board := next(f.t, client)
	require.Equal(f.t, "leaderboard_update", board["type"])
	return client
}

func send(t *testing.T, client *websocket.Conn, v any) {
	t.Helper()
	require.NoError(t, client.WriteJSON(v))
}

// next reads the next message, skipping heartbeats.
func next(t *testing.T, client *websocket.Conn) map[string]any {
	t.Helper()
	for {
		client.SetReadDeadline(time.Now().Add(3 * time.Second))
		_, raw, err := client.ReadMessage()
		require.NoError(t, err)
		var msg map[string]any
		require.NoError(t, json.Unmarshal(raw, &msg))
		if msg["type"] == "ping" {
			continue
		}
		return msg
	}
}

// expectClose asserts the next read fails with the given close code.
func expectClose(t *testing.T, client *websocket.Conn, code int) {
	t.Helper()
	for {
		client.SetReadDeadline(time.Now().Add(6 * time.Second))
		_, _, err := client.ReadMessage()
		if err == nil {
			continue // drain whatever was queued before the close
		}
		var closeErr *websocket.CloseError
		require.ErrorAs(t, err, &closeErr)
		assert.Equal(t, code, closeErr.Code)
		return
	}
}

func players(t *testing.T, board map[string]any) map[string]map[string]any {
	t.Helper()
	raw, ok := board["participants"].([]any)
	require.True(t, ok, "message %v has no participants", board["type"])
	out := make(map[string]map[string]any, len(raw))
	for _, entry := range raw {
		p := entry.(map[string]any)
		out[p["id"].(string)] = p
	}
	return out
}

func TestModAuthHandshake(t *testing.T) {
	f := newFixture(t, 2)
	client := f.dialRaw("/ws/mod/" + f.raceID)
	send(t, client, map[string]any{"type": "auth", "mod_token": "tok-0"})

	authOK := next(t, client)
	assert.Equal(t, "auth_ok", authOK["type"])
	assert.Equal(t, "p0", authOK["participant_id"])

	seed := authOK["seed"].(map[string]any)
	assert.Equal(t, float64(3), seed["total_layers"])
	assert.Equal(t, float64(999), seed["finish_event"])
	assert.Equal(t, []any{float64(100), float64(200), float64(300), float64(999)}, seed["event_ids"])

	board := next(t, client)
	assert.Equal(t, "leaderboard_update", board["type"])
	assert.Len(t, players(t, board), 2)
}

func TestModAuthInvalidToken(t *testing.T) {
	f := newFixture(t, 1)
	client := f.dialRaw("/ws/mod/" + f.raceID)
	send(t, client, map[string]any{"type": "auth", "mod_token": "wrong"})

	reply := next(t, client)
	assert.Equal(t, "auth_error", reply["type"])
	expectClose(t, client, room.CloseAuthFailed)
}

func TestModAuthRejectsNonAuthFirstMessage(t *testing.T) {
	f := newFixture(t, 1)
	client := f.dialRaw("/ws/mod/" + f.raceID)
	send(t, client, map[string]any{"type": "ready"})

	reply := next(t, client)
	assert.Equal(t, "auth_error", reply["type"])
	expectClose(t, client, room.CloseAuthFailed)
}

func TestModAuthRejectsDuplicateConnection(t *testing.T) {
	f := newFixture(t, 1)
	f.dialMod("tok-0")

	second := f.dialRaw("/ws/mod/" + f.raceID)
	send(t, second, map[string]any{"type": "auth", "mod_token": "tok-0"})
	reply := next(t, second)
	assert.Equal(t, "auth_error", reply["type"])
	expectClose(t, second, room.CloseAuthFailed)
}

func TestModAuthRejectsFinishedRace(t *testing.T) {
	f := newFixture(t, 1)
	_, err := f.store.TransitionRace(context.Background(), f.raceID,
		[]domain.RaceStatus{domain.RaceSetup}, domain.RaceFinished, 0, nil)
	require.NoError(t, err)

	client := f.dialRaw("/ws/mod/" + f.raceID)
	send(t, client, map[string]any{"type": "auth", "mod_token": "tok-0"})
	reply := next(t, client)
	assert.Equal(t, "auth_error", reply["type"])
	expectClose(t, client, room.CloseAuthFailed)
}

func TestReadyMovesParticipantOnBoard(t *testing.T) {
	f := newFixture(t, 2)
	client := f.dialMod("tok-0")

	send(t, client, map[string]any{"type": "ready"})
	board := next(t, client)
	require.Equal(t, "leaderboard_update", board["type"])
	assert.Equal(t, "READY", players(t, board)["p0"]["status"])
}

func TestStatusUpdateRejectedOutsideRunning(t *testing.T) {
	f := newFixture(t, 1)
	client := f.dialMod("tok-0")

	send(t, client, map[string]any{"type": "status_update", "igt_ms": 1000, "death_count": 0})
	reply := next(t, client)
	assert.Equal(t, "error", reply["type"])
	assert.Equal(t, "Race not running", reply["message"])
}

func TestRaceStartSequence(t *testing.T) {
	f := newFixture(t, 1)
	client := f.dialMod("tok-0")
	send(t, client, map[string]any{"type": "ready"})
	next(t, client) // leaderboard after ready

	require.NoError(t, f.ctrl.Start(context.Background(), f.raceID))

	assert.Equal(t, "race_start", next(t, client)["type"])

	zone := next(t, client)
	assert.Equal(t, "zone_update", zone["type"])
	assert.Equal(t, "start", zone["node_id"])
	assert.Equal(t, "First Step", zone["display_name"])

	change := next(t, client)
	assert.Equal(t, "race_status_change", change["type"])
	assert.Equal(t, "RUNNING", change["status"])
	assert.NotNil(t, change["started_at"])
}

// startRace drives the fixture's race into RUNNING and drains the start
// sequence from the client.
func (f *fixture) startRace(client *websocket.Conn) {
	f.t.Helper()
	send(f.t, client, map[string]any{"type": "ready"})
	next(f.t, client)
	require.NoError(f.t, f.ctrl.Start(context.Background(), f.raceID))
	for _, want := range []string{"race_start", "zone_update", "race_status_change"} {
		msg := next(f.t, client)
		require.Equal(f.t, want, msg["type"])
	}
}

func TestStatusUpdateStartsTheRun(t *testing.T) {
	f := newFixture(t, 1)
	client := f.dialMod("tok-0")
	f.startRace(client)

	send(t, client, map[string]any{"type": "status_update", "igt_ms": 1500, "death_count": 0})
	board := next(t, client)
	require.Equal(t, "leaderboard_update", board["type"])

	p := players(t, board)["p0"]
	assert.Equal(t, "PLAYING", p["status"])
	assert.Equal(t, "start", p["current_zone"])
	assert.Equal(t, float64(1500), p["igt_ms"])
}

func TestEventFlagTraversal(t *testing.T) {
	f := newFixture(t, 1)
	client := f.dialMod("tok-0")
	f.startRace(client)

	send(t, client, map[string]any{"type": "status_update", "igt_ms": 1000, "death_count": 0})
	next(t, client) // leaderboard

	send(t, client, map[string]any{"type": "event_flag", "flag_id": 100, "igt_ms": 2500})

	board := next(t, client)
	require.Equal(t, "leaderboard_update", board["type"])
	p := players(t, board)["p0"]
	assert.Equal(t, "mid", p["current_zone"])
	assert.Equal(t, float64(1), p["current_layer"])

	zone := next(t, client)
	require.Equal(t, "zone_update", zone["type"])
	assert.Equal(t, "mid", zone["node_id"])

	// The exit back to the unexplored throne room hides its destination.
	exits := zone["exits"].([]any)
	require.Len(t, exits, 1)
	exit := exits[0].(map[string]any)
	assert.Equal(t, "Up the stairs", exit["text"])
	assert.Equal(t, false, exit["discovered"])
	assert.NotContains(t, exit, "to_name")
}

func TestEventFlagBeforeFirstStatusUpdateStartsTheRun(t *testing.T) {
	f := newFixture(t, 1)
	client := f.dialMod("tok-0")
	f.startRace(client)

	// No status_update yet: the flag itself is the first gameplay report.
	send(t, client, map[string]any{"type": "event_flag", "flag_id": 100, "igt_ms": 2000})

	board := next(t, client)
	require.Equal(t, "leaderboard_update", board["type"])
	p := players(t, board)["p0"]
	assert.Equal(t, "PLAYING", p["status"])
	assert.Equal(t, "mid", p["current_zone"])

	zone := next(t, client)
	require.Equal(t, "zone_update", zone["type"])
	assert.Equal(t, "mid", zone["node_id"])

	stored, err := f.store.GetParticipant(context.Background(), "p0")
	require.NoError(t, err)
	require.Len(t, stored.ZoneHistory, 2)
	assert.Equal(t, "start", stored.ZoneHistory[0].NodeID)
	assert.Zero(t, stored.ZoneHistory[0].IGTMs)
	assert.Equal(t, "mid", stored.ZoneHistory[1].NodeID)
	assert.Equal(t, int64(2000), stored.ZoneHistory[1].IGTMs)
}

func TestFinishFlagBeforeFirstStatusUpdateSeedsHistory(t *testing.T) {
	f := newFixture(t, 1)
	client := f.dialMod("tok-0")
	f.startRace(client)

	send(t, client, map[string]any{"type": "event_flag", "flag_id": 999, "igt_ms": 60000})
	board := next(t, client)
	require.Equal(t, "leaderboard_update", board["type"])
	assert.Equal(t, "FINISHED", players(t, board)["p0"]["status"])

	stored, err := f.store.GetParticipant(context.Background(), "p0")
	require.NoError(t, err)
	require.Len(t, stored.ZoneHistory, 1)
	assert.Equal(t, "start", stored.ZoneHistory[0].NodeID)
	assert.Zero(t, stored.ZoneHistory[0].IGTMs)
	assert.Equal(t, int64(60000), stored.IGTMs)
}

func TestEventFlagRevisitSkipsLeaderboard(t *testing.T) {
	f := newFixture(t, 1)
	client := f.dialMod("tok-0")
	f.startRace(client)

	send(t, client, map[string]any{"type": "status_update", "igt_ms": 1000, "death_count": 0})
	next(t, client)
	send(t, client, map[string]any{"type": "event_flag", "flag_id": 100, "igt_ms": 2000})
	next(t, client) // leaderboard
	next(t, client) // zone_update mid

	// Back through the fog gate into the start zone: already in history.
	send(t, client, map[string]any{"type": "event_flag", "flag_id": 300, "igt_ms": 3000})
	zone := next(t, client)
	assert.Equal(t, "zone_update", zone["type"], "a revisit unicasts only")
	assert.Equal(t, "start", zone["node_id"])

	// The revisited exit now reveals its destination.
	exits := zone["exits"].([]any)
	found := false
	for _, e := range exits {
		exit := e.(map[string]any)
		if exit["to_name"] == "Castle Gate" {
			found = true
			assert.Equal(t, true, exit["discovered"])
		}
	}
	assert.True(t, found)

	// The layer high watermark survives going backwards.
	p, err := f.store.GetParticipant(context.Background(), "p0")
	require.NoError(t, err)
	assert.Equal(t, 1, p.CurrentLayer)
	assert.Equal(t, "start", p.CurrentZone)
}

func TestFinishFlagEndsSoloRace(t *testing.T) {
	f := newFixture(t, 1)
	client := f.dialMod("tok-0")
	f.startRace(client)

	send(t, client, map[string]any{"type": "status_update", "igt_ms": 1000, "death_count": 0})
	next(t, client)

	send(t, client, map[string]any{"type": "event_flag", "flag_id": 999, "igt_ms": 60000})

	board := next(t, client)
	require.Equal(t, "leaderboard_update", board["type"])
	p := players(t, board)["p0"]
	assert.Equal(t, "FINISHED", p["status"])
	assert.Equal(t, float64(3), p["current_layer"])
	assert.Equal(t, float64(60000), p["igt_ms"])
	assert.NotNil(t, p["finished_at"])

	// The last finisher triggers the race finish sequence.
	change := next(t, client)
	assert.Equal(t, "race_status_change", change["type"])
	assert.Equal(t, "FINISHED", change["status"])
	final := next(t, client)
	assert.Equal(t, "leaderboard_update", final["type"])

	race, err := f.store.GetRace(context.Background(), f.raceID)
	require.NoError(t, err)
	assert.Equal(t, domain.RaceFinished, race.Status)
}

func TestFinishFlagDoesNotEndRaceWithActiveRunners(t *testing.T) {
	f := newFixture(t, 2)
	client := f.dialMod("tok-0")
	f.startRace(client)

	send(t, client, map[string]any{"type": "status_update", "igt_ms": 1000, "death_count": 0})
	next(t, client)
	send(t, client, map[string]any{"type": "event_flag", "flag_id": 999, "igt_ms": 50000})
	next(t, client) // leaderboard with the finish

	race, err := f.store.GetRace(context.Background(), f.raceID)
	require.NoError(t, err)
	assert.Equal(t, domain.RaceRunning, race.Status, "p1 never finished")
}

func TestDeathAttributedToCurrentZone(t *testing.T) {
	f := newFixture(t, 1)
	client := f.dialMod("tok-0")
	f.startRace(client)

	send(t, client, map[string]any{"type": "status_update", "igt_ms": 1000, "death_count": 0})
	next(t, client)
	send(t, client, map[string]any{"type": "event_flag", "flag_id": 100, "igt_ms": 2000})
	next(t, client)
	next(t, client)

	send(t, client, map[string]any{"type": "status_update", "igt_ms": 5000, "death_count": 2})

	p, err := f.store.GetParticipant(context.Background(), "p0")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		p, err = f.store.GetParticipant(context.Background(), "p0")
		return err == nil && p.DeathCount == 2
	}, 2*time.Second, 10*time.Millisecond)

	require.Len(t, p.ZoneHistory, 2)
	assert.Equal(t, "mid", p.ZoneHistory[1].NodeID)
	assert.Equal(t, 2, p.ZoneHistory[1].Deaths)
	assert.Zero(t, p.ZoneHistory[0].Deaths)
}

func TestTerminalParticipantDropsGameplayMessages(t *testing.T) {
	f := newFixture(t, 2)
	client := f.dialMod("tok-0")
	f.startRace(client)

	send(t, client, map[string]any{"type": "status_update", "igt_ms": 1000, "death_count": 0})
	next(t, client)
	send(t, client, map[string]any{"type": "event_flag", "flag_id": 999, "igt_ms": 40000})
	next(t, client) // leaderboard with the finish

	// A late status report from the finished client changes nothing.
	send(t, client, map[string]any{"type": "status_update", "igt_ms": 99999, "death_count": 50})

	require.Never(t, func() bool {
		p, err := f.store.GetParticipant(context.Background(), "p0")
		return err != nil || p.IGTMs != 40000 || p.DeathCount != 0
	}, 300*time.Millisecond, 50*time.Millisecond)
}

func TestZoneQueryRelocatesWithoutHistory(t *testing.T) {
	f := newFixture(t, 1)
	client := f.dialMod("tok-0")
	f.startRace(client)

	send(t, client, map[string]any{"type": "status_update", "igt_ms": 1000, "death_count": 0})
	next(t, client)
	send(t, client, map[string]any{"type": "event_flag", "flag_id": 100, "igt_ms": 2000})
	next(t, client)
	next(t, client)

	// Grace 1051360950 sits in zone 1100: uniquely the start node.
	send(t, client, map[string]any{"type": "zone_query", "grace_entity_id": 1051360950})
	zone := next(t, client)
	assert.Equal(t, "zone_update", zone["type"])
	assert.Equal(t, "start", zone["node_id"])

	p, err := f.store.GetParticipant(context.Background(), "p0")
	require.NoError(t, err)
	assert.Equal(t, "start", p.CurrentZone)
	assert.Len(t, p.ZoneHistory, 2, "a positional hint never extends history")
	assert.Equal(t, 1, p.CurrentLayer)
}

func TestUnknownMessageTypeGetsErrorReply(t *testing.T) {
	f := newFixture(t, 1)
	client := f.dialMod("tok-0")

	send(t, client, map[string]any{"type": "bogus"})
	reply := next(t, client)
	assert.Equal(t, "error", reply["type"])
}

func TestReconnectMidRaceGetsZoneUpdate(t *testing.T) {
	f := newFixture(t, 1)
	client := f.dialMod("tok-0")
	f.startRace(client)
	send(t, client, map[string]any{"type": "status_update", "igt_ms": 1000, "death_count": 0})
	next(t, client)
	send(t, client, map[string]any{"type": "event_flag", "flag_id": 100, "igt_ms": 2000})
	next(t, client)
	next(t, client)

	require.NoError(t, client.Close())
	require.Eventually(t, func() bool {
		rm, ok := f.rooms.Peek(f.raceID)
		return !ok || !rm.HasMod("p0")
	}, 2*time.Second, 10*time.Millisecond)

	again := f.dialRaw("/ws/mod/" + f.raceID)
	send(t, again, map[string]any{"type": "auth", "mod_token": "tok-0"})
	require.Equal(t, "auth_ok", next(t, again)["type"])

	zone := next(t, again)
	assert.Equal(t, "zone_update", zone["type"])
	assert.Equal(t, "mid", zone["node_id"])
}
