package race

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/speedfog/racing/internal/domain"
	"github.com/speedfog/racing/internal/room"
	"github.com/speedfog/racing/internal/store"
)

const ctrlGraph = `{
	"nodes": [{"id": "start", "name": "Start", "layer": 0}],
	"finish_event": 999,
	"total_layers": 1,
	"start_node": "start"
}`

func controllerFixture(t *testing.T) (*Controller, *store.Memory) {
	t.Helper()
	st := store.NewMemory()
	ctx := context.Background()
	require.NoError(t, st.CreateSeed(ctx, domain.Seed{
		ID: "seed-1", Pool: "test", GraphJSON: []byte(ctrlGraph), Status: domain.SeedConsumed,
	}))
	require.NoError(t, st.CreateRace(ctx, domain.Race{
		ID: "race-1", Name: "Ctrl Race", OrganizerID: "org", SeedID: "seed-1", Status: domain.RaceSetup,
	}))
	return NewController(st, room.NewRegistry(), nil), st
}

func TestStartTransitionsAndStamps(t *testing.T) {
	ctrl, st := controllerFixture(t)
	ctx := context.Background()

	require.NoError(t, ctrl.Start(ctx, "race-1"))

	race, err := st.GetRace(ctx, "race-1")
	require.NoError(t, err)
	assert.Equal(t, domain.RaceRunning, race.Status)
	assert.NotNil(t, race.StartedAt)
}

func TestStartTwiceConflicts(t *testing.T) {
	ctrl, _ := controllerFixture(t)
	ctx := context.Background()

	require.NoError(t, ctrl.Start(ctx, "race-1"))
	assert.ErrorIs(t, ctrl.Start(ctx, "race-1"), store.ErrConflict)
}

func TestConcurrentStartAdmitsOne(t *testing.T) {
	ctrl, _ := controllerFixture(t)
	ctx := context.Background()

	const racers = 8
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := ctrl.Start(ctx, "race-1"); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}

func TestAutoFinishNoOpWhileRunnersActive(t *testing.T) {
	ctrl, st := controllerFixture(t)
	ctx := context.Background()
	require.NoError(t, st.CreateParticipant(ctx, domain.Participant{
		ID: "p1", RaceID: "race-1", Status: domain.ParticipantPlaying,
	}))
	require.NoError(t, ctrl.Start(ctx, "race-1"))

	require.NoError(t, ctrl.AutoFinishCheck(ctx, "race-1"))

	race, err := st.GetRace(ctx, "race-1")
	require.NoError(t, err)
	assert.Equal(t, domain.RaceRunning, race.Status)
}

func TestAutoFinishAppliesWhenAllTerminal(t *testing.T) {
	ctrl, st := controllerFixture(t)
	ctx := context.Background()
	require.NoError(t, st.CreateParticipant(ctx, domain.Participant{
		ID: "p1", RaceID: "race-1", Status: domain.ParticipantFinished,
	}))
	require.NoError(t, st.CreateParticipant(ctx, domain.Participant{
		ID: "p2", RaceID: "race-1", Status: domain.ParticipantAbandoned,
	}))
	require.NoError(t, ctrl.Start(ctx, "race-1"))

	require.NoError(t, ctrl.AutoFinishCheck(ctx, "race-1"))

	race, err := st.GetRace(ctx, "race-1")
	require.NoError(t, err)
	assert.Equal(t, domain.RaceFinished, race.Status)

	// A losing concurrent caller is a silent no-op, never an error.
	require.NoError(t, ctrl.AutoFinishCheck(ctx, "race-1"))
}

func TestConcurrentAutoFinishIsSilentForLosers(t *testing.T) {
	ctrl, st := controllerFixture(t)
	ctx := context.Background()
	require.NoError(t, st.CreateParticipant(ctx, domain.Participant{
		ID: "p1", RaceID: "race-1", Status: domain.ParticipantFinished,
	}))
	require.NoError(t, ctrl.Start(ctx, "race-1"))

	const callers = 8
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, ctrl.AutoFinishCheck(ctx, "race-1"))
		}()
	}
	wg.Wait()

	race, err := st.GetRace(ctx, "race-1")
	require.NoError(t, err)
	assert.Equal(t, domain.RaceFinished, race.Status)
}

func TestForceFinishRequiresRunning(t *testing.T) {
	ctrl, st := controllerFixture(t)
	ctx := context.Background()

	assert.ErrorIs(t, ctrl.ForceFinish(ctx, "race-1"), store.ErrConflict)

	require.NoError(t, ctrl.Start(ctx, "race-1"))
	require.NoError(t, ctrl.ForceFinish(ctx, "race-1"))

	race, err := st.GetRace(ctx, "race-1")
	require.NoError(t, err)
	assert.Equal(t, domain.RaceFinished, race.Status)
}

func TestResetReturnsToSetup(t *testing.T) {
	ctrl, st := controllerFixture(t)
	ctx := context.Background()
	require.NoError(t, st.CreateParticipant(ctx, domain.Participant{
		ID: "p1", RaceID: "race-1", ModToken: "tok", Status: domain.ParticipantPlaying,
		CurrentZone: "start", IGTMs: 5000,
	}))
	require.NoError(t, ctrl.Start(ctx, "race-1"))

	require.NoError(t, ctrl.Reset(ctx, "race-1"))

	race, err := st.GetRace(ctx, "race-1")
	require.NoError(t, err)
	assert.Equal(t, domain.RaceSetup, race.Status)
	assert.Nil(t, race.StartedAt)

	p, err := st.GetParticipant(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, domain.ParticipantRegistered, p.Status)
	assert.Zero(t, p.IGTMs)
	assert.Equal(t, "tok", p.ModToken)
}

func TestResetRejectedInSetup(t *testing.T) {
	ctrl, _ := controllerFixture(t)
	assert.ErrorIs(t, ctrl.Reset(context.Background(), "race-1"), store.ErrConflict)
}

func TestBroadcastLeaderboardWithoutRoomIsNoOp(t *testing.T) {
	ctrl, _ := controllerFixture(t)
	assert.NoError(t, ctrl.BroadcastLeaderboard(context.Background(), "race-1"))
}
