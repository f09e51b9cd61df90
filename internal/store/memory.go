package store

import (
	"context"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/speedfog/racing/internal/domain"
)

// Memory is an in-process Store used by tests and local development. A single
// mutex stands in for the database transaction: every method mutates under it,
// which gives the same atomicity the SQL store gets from its transactions.
type Memory struct {
	mu           sync.Mutex
	users        map[string]domain.User
	races        map[string]domain.Race
	participants map[string]domain.Participant
	seeds        map[string]domain.Seed
	invites      map[string]domain.Invite
	rnd          *rand.Rand
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		users:        make(map[string]domain.User),
		races:        make(map[string]domain.Race),
		participants: make(map[string]domain.Participant),
		seeds:        make(map[string]domain.Seed),
		invites:      make(map[string]domain.Invite),
		rnd:          rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

var _ Store = (*Memory)(nil)

func (m *Memory) CreateUser(_ context.Context, u domain.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[u.ID] = u
	return nil
}

func (m *Memory) GetUser(_ context.Context, id string) (domain.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return domain.User{}, ErrNotFound
	}
	return u, nil
}

func (m *Memory) GetUserByAPIToken(_ context.Context, token string) (domain.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if token == "" {
		return domain.User{}, ErrNotFound
	}
	for _, u := range m.users {
		if u.APIToken == token {
			return u, nil
		}
	}
	return domain.User{}, ErrNotFound
}

func (m *Memory) RotateAPIToken(_ context.Context, userID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return "", ErrNotFound
	}
	u.APIToken = uuid.New().String()
	m.users[userID] = u
	return u.APIToken, nil
}

func (m *Memory) CreateRace(_ context.Context, r domain.Race) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r.Status == "" {
		r.Status = domain.RaceSetup
	}
	m.races[r.ID] = r.Clone()
	return nil
}

func (m *Memory) GetRace(_ context.Context, id string) (domain.Race, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.raceLocked(id)
}

func (m *Memory) raceLocked(id string) (domain.Race, error) {
	r, ok := m.races[id]
	if !ok {
		return domain.Race{}, ErrNotFound
	}
	return r.Clone(), nil
}

func (m *Memory) ListRacesByStatus(_ context.Context, status domain.RaceStatus) ([]domain.Race, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Race
	for _, r := range m.races {
		if r.Status == status {
			out = append(out, r.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) TransitionRace(_ context.Context, id string, allowedFrom []domain.RaceStatus, to domain.RaceStatus, version int, mutate func(*domain.Race)) (domain.Race, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.races[id]
	if !ok {
		return domain.Race{}, ErrNotFound
	}
	if !statusIn(r.Status, allowedFrom) || r.Version != version {
		return domain.Race{}, ErrConflict
	}
	next := r.Clone()
	next.Status = to
	next.Version = version + 1
	if mutate != nil {
		mutate(&next)
	}
	m.races[id] = next
	return next.Clone(), nil
}

func (m *Memory) ResetRace(_ context.Context, id string, version int) (domain.Race, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.races[id]
	if !ok {
		return domain.Race{}, ErrNotFound
	}
	allowed := []domain.RaceStatus{domain.RaceRunning, domain.RaceFinished}
	if !statusIn(r.Status, allowed) || r.Version != version {
		return domain.Race{}, ErrConflict
	}
	next := r.Clone()
	next.Status = domain.RaceSetup
	next.Version = version + 1
	next.StartedAt = nil // seeds_released_at survives the reset
	m.races[id] = next

	for pid, p := range m.participants {
		if p.RaceID != id {
			continue
		}
		cp := p.Clone()
		cp.ResetProgress()
		m.participants[pid] = cp
	}
	return next.Clone(), nil
}

func (m *Memory) FinishRaceIfAllDone(_ context.Context, id string) (domain.Race, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.races[id]
	if !ok {
		return domain.Race{}, false, ErrNotFound
	}
	if r.Status != domain.RaceRunning {
		// A concurrent finisher already won; silent no-op.
		return r.Clone(), false, nil
	}
	for _, p := range m.participants {
		if p.RaceID == id && !p.Status.Terminal() {
			return r.Clone(), false, nil
		}
	}
	next := r.Clone()
	next.Status = domain.RaceFinished
	next.Version = r.Version + 1
	m.races[id] = next
	return next.Clone(), true, nil
}

func (m *Memory) CreateParticipant(_ context.Context, p domain.Participant) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p.Status == "" {
		p.Status = domain.ParticipantRegistered
	}
	m.participants[p.ID] = p.Clone()
	return nil
}

func (m *Memory) GetParticipant(_ context.Context, id string) (domain.Participant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.participants[id]
	if !ok {
		return domain.Participant{}, ErrNotFound
	}
	return p.Clone(), nil
}

func (m *Memory) GetParticipantByModToken(_ context.Context, raceID, token string) (domain.Participant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if token == "" {
		return domain.Participant{}, ErrNotFound
	}
	for _, p := range m.participants {
		if p.RaceID == raceID && p.ModToken == token {
			return p.Clone(), nil
		}
	}
	return domain.Participant{}, ErrNotFound
}

func (m *Memory) ListParticipants(_ context.Context, raceID string) ([]domain.Participant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Participant
	for _, p := range m.participants {
		if p.RaceID == raceID {
			out = append(out, p.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ArrivalOrder < out[j].ArrivalOrder })
	return out, nil
}

func (m *Memory) UpdateParticipant(_ context.Context, id string, mutate func(*domain.Participant) error) (domain.Participant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.participants[id]
	if !ok {
		return domain.Participant{}, ErrNotFound
	}
	next := p.Clone()
	if err := mutate(&next); err != nil {
		return domain.Participant{}, err
	}
	m.participants[id] = next
	return next.Clone(), nil
}

func (m *Memory) CreateSeed(_ context.Context, s domain.Seed) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s.Status == "" {
		s.Status = domain.SeedAvailable
	}
	m.seeds[s.ID] = s
	return nil
}

func (m *Memory) GetSeed(_ context.Context, id string) (domain.Seed, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.seeds[id]
	if !ok {
		return domain.Seed{}, ErrNotFound
	}
	return s, nil
}

// pickSeedLocked selects uniformly at random among AVAILABLE seeds of a pool.
func (m *Memory) pickSeedLocked(pool, excludeID string) (domain.Seed, bool) {
	var candidates []string
	for id, s := range m.seeds {
		if s.Pool == pool && s.Status == domain.SeedAvailable && id != excludeID {
			candidates = append(candidates, id)
		}
	}
	if len(candidates) == 0 {
		return domain.Seed{}, false
	}
	sort.Strings(candidates)
	return m.seeds[candidates[m.rnd.Intn(len(candidates))]], true
}

func (m *Memory) AssignSeed(_ context.Context, raceID, pool string) (domain.Seed, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.races[raceID]
	if !ok {
		return domain.Seed{}, ErrNotFound
	}
	s, ok := m.pickSeedLocked(pool, "")
	if !ok {
		return domain.Seed{}, ErrNoSeedAvailable
	}
	s.Status = domain.SeedConsumed
	m.seeds[s.ID] = s
	r.SeedID = s.ID
	r.Version++
	m.races[raceID] = r
	return s, nil
}

func (m *Memory) RerollSeed(_ context.Context, raceID string) (domain.Seed, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.races[raceID]
	if !ok {
		return domain.Seed{}, ErrNotFound
	}
	if r.Status != domain.RaceSetup || r.SeedsReleasedAt != nil {
		return domain.Seed{}, ErrInvalidState
	}
	next, ok := m.pickSeedLocked(rPool(m.seeds, r.SeedID), r.SeedID)
	if !ok {
		return domain.Seed{}, ErrNoSeedAvailable
	}
	if cur, exists := m.seeds[r.SeedID]; exists && cur.Status != domain.SeedDiscarded {
		cur.Status = domain.SeedAvailable
		m.seeds[cur.ID] = cur
	}
	next.Status = domain.SeedConsumed
	m.seeds[next.ID] = next
	r.SeedID = next.ID
	r.Version++
	m.races[raceID] = r
	return next, nil
}

// rPool returns the pool of the seed with the given id.
func rPool(seeds map[string]domain.Seed, seedID string) string {
	if s, ok := seeds[seedID]; ok {
		return s.Pool
	}
	return ""
}

func (m *Memory) ReleaseSeeds(_ context.Context, raceID string) (domain.Race, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.races[raceID]
	if !ok {
		return domain.Race{}, ErrNotFound
	}
	if r.SeedsReleasedAt == nil {
		now := time.Now().UTC()
		r.SeedsReleasedAt = &now
		r.Version++
		m.races[raceID] = r
	}
	return r.Clone(), nil
}

func (m *Memory) DiscardPool(_ context.Context, pool string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, s := range m.seeds {
		if s.Pool == pool && s.Status != domain.SeedDiscarded {
			s.Status = domain.SeedDiscarded
			m.seeds[id] = s
			n++
		}
	}
	return n, nil
}

func (m *Memory) CreateInvite(_ context.Context, inv domain.Invite) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.invites[inv.ID] = inv
	return nil
}

func (m *Memory) GetInvite(_ context.Context, id string) (domain.Invite, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inv, ok := m.invites[id]
	if !ok {
		return domain.Invite{}, ErrNotFound
	}
	return inv, nil
}

func (m *Memory) AcceptInvite(_ context.Context, inviteID, userID string) (domain.Participant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inv, ok := m.invites[inviteID]
	if !ok {
		return domain.Participant{}, ErrNotFound
	}
	u, ok := m.users[userID]
	if !ok {
		return domain.Participant{}, ErrNotFound
	}
	order := 0
	for _, p := range m.participants {
		if p.RaceID == inv.RaceID && p.ArrivalOrder > order {
			order = p.ArrivalOrder
		}
	}
	p := domain.Participant{
		ID:           uuid.New().String(),
		RaceID:       inv.RaceID,
		UserID:       userID,
		DisplayName:  u.DisplayName,
		ModToken:     uuid.New().String(),
		Status:       domain.ParticipantRegistered,
		ColorIndex:   order % colorPalette,
		ArrivalOrder: order + 1,
	}
	m.participants[p.ID] = p
	delete(m.invites, inviteID)
	return p.Clone(), nil
}

// colorPalette is the number of distinct overlay colors.
const colorPalette = 8

func (m *Memory) Ping(context.Context) error { return nil }

func (m *Memory) Close() error { return nil }
