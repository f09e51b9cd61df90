// Package store is the durable state layer of the racing core. It hands out
// detached entity snapshots: everything returned is a deep copy that stays
// valid after the transaction that produced it has committed, so callers can
// broadcast without another round-trip.
//
// Race status changes go through versioned transitions: the UPDATE carries
// `status IN allowed AND version = v` and the caller learns about a lost race
// as ErrConflict. Retries are the caller's responsibility.
package store

import (
	"context"
	"errors"

	"github.com/speedfog/racing/internal/domain"
)

var (
	// ErrNotFound is returned when an entity does not exist.
	ErrNotFound = errors.New("store: not found")
	// ErrConflict is returned when an optimistic transition loses the race.
	ErrConflict = errors.New("store: conflict")
	// ErrNoSeedAvailable is returned when a pool has no AVAILABLE seed left.
	ErrNoSeedAvailable = errors.New("store: no seed available in pool")
	// ErrInvalidState is returned when an operation is attempted outside its
	// allowed lifecycle window (e.g. reroll after seeds were released).
	ErrInvalidState = errors.New("store: invalid state for operation")
)

// Store is implemented by the Postgres store and the in-memory store. Every
// method is atomic: composite operations run inside one transaction.
type Store interface {
	// Users.
	CreateUser(ctx context.Context, u domain.User) error
	GetUser(ctx context.Context, id string) (domain.User, error)
	GetUserByAPIToken(ctx context.Context, token string) (domain.User, error)
	RotateAPIToken(ctx context.Context, userID string) (string, error)

	// Races.
	CreateRace(ctx context.Context, r domain.Race) error
	GetRace(ctx context.Context, id string) (domain.Race, error)
	ListRacesByStatus(ctx context.Context, status domain.RaceStatus) ([]domain.Race, error)
	// TransitionRace applies `status IN allowedFrom AND version = version`
	// atomically, bumping the version and running mutate on the row before it
	// is written back. Returns ErrConflict when the guard fails.
	TransitionRace(ctx context.Context, id string, allowedFrom []domain.RaceStatus, to domain.RaceStatus, version int, mutate func(*domain.Race)) (domain.Race, error)
	// ResetRace moves a RUNNING or FINISHED race back to SETUP and resets all
	// of its participants to the freshly registered default, in one
	// transaction. seeds_released_at is preserved.
	ResetRace(ctx context.Context, id string, version int) (domain.Race, error)
	// FinishRaceIfAllDone transitions RUNNING -> FINISHED when no participant
	// is left in a non-terminal state. applied is false both when participants
	// are still active and when a concurrent caller won the transition.
	FinishRaceIfAllDone(ctx context.Context, id string) (race domain.Race, applied bool, err error)

	// Participants.
	CreateParticipant(ctx context.Context, p domain.Participant) error
	GetParticipant(ctx context.Context, id string) (domain.Participant, error)
	GetParticipantByModToken(ctx context.Context, raceID, token string) (domain.Participant, error)
	ListParticipants(ctx context.Context, raceID string) ([]domain.Participant, error)
	// UpdateParticipant loads the row, applies mutate and writes it back in
	// one transaction. A non-nil error from mutate aborts without writing.
	UpdateParticipant(ctx context.Context, id string, mutate func(*domain.Participant) error) (domain.Participant, error)

	// Seeds.
	CreateSeed(ctx context.Context, s domain.Seed) error
	GetSeed(ctx context.Context, id string) (domain.Seed, error)
	// AssignSeed picks a random AVAILABLE seed from the pool, marks it
	// CONSUMED and points the race at it.
	AssignSeed(ctx context.Context, raceID, pool string) (domain.Seed, error)
	// RerollSeed swaps the race's seed for another AVAILABLE one from the same
	// pool. Valid only while the race is in SETUP and seeds were not released.
	// The previous seed returns to AVAILABLE unless it is DISCARDED; a
	// DISCARDED seed never does (pool retirement is terminal).
	RerollSeed(ctx context.Context, raceID string) (domain.Seed, error)
	// ReleaseSeeds stamps seeds_released_at; the seed itself stays CONSUMED.
	ReleaseSeeds(ctx context.Context, raceID string) (domain.Race, error)
	// DiscardPool retires every AVAILABLE and CONSUMED seed of a pool in a
	// single statement and returns the number of seeds retired.
	DiscardPool(ctx context.Context, pool string) (int, error)

	// Invites.
	CreateInvite(ctx context.Context, inv domain.Invite) error
	GetInvite(ctx context.Context, id string) (domain.Invite, error)
	// AcceptInvite consumes the invite and creates a participant for userID
	// with a fresh mod token and the next arrival order, in one transaction.
	AcceptInvite(ctx context.Context, inviteID, userID string) (domain.Participant, error)

	Ping(ctx context.Context) error
	Close() error
}

// statusIn reports whether s is one of allowed.
func statusIn(s domain.RaceStatus, allowed []domain.RaceStatus) bool {
	for _, a := range allowed {
		if s == a {
			return true
		}
	}
	return false
}
