package leaderboard

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/speedfog/racing/internal/domain"
)

const boardGraph = `{
	"nodes": [
		{"id": "l0", "name": "Start", "layer": 0},
		{"id": "l1", "name": "Mid", "layer": 1},
		{"id": "l1b", "name": "Mid B", "layer": 1},
		{"id": "l2", "name": "Deep", "layer": 2},
		{"id": "l3", "name": "Final", "layer": 3}
	],
	"finish_event": 79999,
	"total_layers": 4,
	"start_node": "l0"
}`

func mustGraph(t *testing.T) *domain.Graph {
	t.Helper()
	g, err := domain.ParseGraph([]byte(boardGraph))
	require.NoError(t, err)
	return g
}

func TestSortOrdersStatusGroups(t *testing.T) {
	ps := []domain.Participant{
		{ID: "abandoned", Status: domain.ParticipantAbandoned, CurrentLayer: 2, IGTMs: 50},
		{ID: "registered", Status: domain.ParticipantRegistered, ArrivalOrder: 1},
		{ID: "playing-deep", Status: domain.ParticipantPlaying, CurrentLayer: 2, IGTMs: 900},
		{ID: "finished-slow", Status: domain.ParticipantFinished, IGTMs: 2000},
		{ID: "ready", Status: domain.ParticipantReady, ArrivalOrder: 0},
		{ID: "finished-fast", Status: domain.ParticipantFinished, IGTMs: 1000},
		{ID: "playing-shallow", Status: domain.ParticipantPlaying, CurrentLayer: 1, IGTMs: 100},
	}
	sorted := Sort(ps)

	ids := make([]string, len(sorted))
	for i, p := range sorted {
		ids[i] = p.ID
	}
	assert.Equal(t, []string{
		"finished-fast", "finished-slow",
		"playing-deep", "playing-shallow",
		"ready", "registered",
		"abandoned",
	}, ids)
}

func TestSortPlayingTieBreaksOnIGT(t *testing.T) {
	ps := []domain.Participant{
		{ID: "slower", Status: domain.ParticipantPlaying, CurrentLayer: 1, IGTMs: 500},
		{ID: "faster", Status: domain.ParticipantPlaying, CurrentLayer: 1, IGTMs: 200},
	}
	sorted := Sort(ps)
	assert.Equal(t, "faster", sorted[0].ID)
}

func TestSortDoesNotMutateInput(t *testing.T) {
	ps := []domain.Participant{
		{ID: "b", Status: domain.ParticipantFinished, IGTMs: 2},
		{ID: "a", Status: domain.ParticipantFinished, IGTMs: 1},
	}
	Sort(ps)
	assert.Equal(t, "b", ps[0].ID)
}

func leaderFixture() domain.Participant {
	return domain.Participant{
		ID:     "leader",
		Status: domain.ParticipantFinished,
		IGTMs:  100_000,
		ZoneHistory: []domain.ZoneVisit{
			{NodeID: "l0", IGTMs: 0},
			{NodeID: "l1", IGTMs: 30_000},
			{NodeID: "l2", IGTMs: 60_000},
			{NodeID: "l3", IGTMs: 90_000},
		},
	}
}

func TestLeaderSplitsTakeEarliestVisitPerLayer(t *testing.T) {
	g := mustGraph(t)
	leader := leaderFixture()
	leader.ZoneHistory = append(leader.ZoneHistory, domain.ZoneVisit{NodeID: "l1b", IGTMs: 95_000})

	splits := LeaderSplits(g, leader)
	assert.Equal(t, int64(0), splits[0])
	assert.Equal(t, int64(30_000), splits[1])
	assert.Equal(t, int64(60_000), splits[2])
	assert.Equal(t, int64(90_000), splits[3])
}

func TestGapsFinishedComparesFinalTimes(t *testing.T) {
	g := mustGraph(t)
	sorted := []domain.Participant{
		leaderFixture(),
		{ID: "second", Status: domain.ParticipantFinished, IGTMs: 110_000},
	}
	gaps := Gaps(g, sorted)

	assert.Nil(t, gaps["leader"])
	require.NotNil(t, gaps["second"])
	assert.Equal(t, int64(10_000), *gaps["second"])
}

func TestGapsPlayingWithinBudgetComparesLayerEntries(t *testing.T) {
	g := mustGraph(t)
	chaser := domain.Participant{
		ID:           "chaser",
		Status:       domain.ParticipantPlaying,
		CurrentLayer: 1,
		IGTMs:        40_000, // leader reached layer 2 at 60 000: still in budget
		ZoneHistory: []domain.ZoneVisit{
			{NodeID: "l0", IGTMs: 0},
			{NodeID: "l1", IGTMs: 35_000},
		},
	}
	gaps := Gaps(g, []domain.Participant{leaderFixture(), chaser})

	require.NotNil(t, gaps["chaser"])
	assert.Equal(t, int64(5_000), *gaps["chaser"]) // 35 000 - 30 000
}

func TestGapsPlayingOverBudgetFallsBehindNextSplit(t *testing.T) {
	g := mustGraph(t)
	straggler := domain.Participant{
		ID:           "straggler",
		Status:       domain.ParticipantPlaying,
		CurrentLayer: 1,
		IGTMs:        75_000, // leader was already on layer 2 by 60 000
		ZoneHistory: []domain.ZoneVisit{
			{NodeID: "l0", IGTMs: 0},
			{NodeID: "l1", IGTMs: 70_000},
		},
	}
	gaps := Gaps(g, []domain.Participant{leaderFixture(), straggler})

	require.NotNil(t, gaps["straggler"])
	assert.Equal(t, int64(15_000), *gaps["straggler"]) // 75 000 - 60 000
}

func TestGapsNilWhenLeaderNeverReachedNextLayer(t *testing.T) {
	g := mustGraph(t)
	leader := leaderFixture()
	leader.Status = domain.ParticipantPlaying
	leader.CurrentLayer = 3
	peer := domain.Participant{
		ID:           "peer",
		Status:       domain.ParticipantPlaying,
		CurrentLayer: 3, // leader has no layer-4 split
		IGTMs:        95_000,
		ZoneHistory:  leader.ZoneHistory,
	}
	gaps := Gaps(g, []domain.Participant{leader, peer})
	assert.Nil(t, gaps["peer"])
}

func TestGapsSkipsNonRunners(t *testing.T) {
	g := mustGraph(t)
	sorted := []domain.Participant{
		leaderFixture(),
		{ID: "waiting", Status: domain.ParticipantReady},
		{ID: "gone", Status: domain.ParticipantAbandoned, CurrentLayer: 1, IGTMs: 50_000},
	}
	gaps := Gaps(g, sorted)
	assert.Nil(t, gaps["waiting"])
	assert.Nil(t, gaps["gone"])
}

func TestGapsEmptyBoard(t *testing.T) {
	g := mustGraph(t)
	assert.Empty(t, Gaps(g, nil))
}
