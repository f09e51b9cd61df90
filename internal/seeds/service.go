// Package seeds manages the pool of prebuilt randomized scenarios: importing
// generated packs, assigning one to a race, rerolling before release and
// retiring a compromised pool.
package seeds

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/speedfog/racing/internal/domain"
	"github.com/speedfog/racing/internal/store"
)

// Service wraps the store's seed operations with validation and logging.
type Service struct {
	store store.Store
	log   *slog.Logger
}

// NewService creates the seed service.
func NewService(st store.Store) *Service {
	return &Service{store: st, log: slog.With("component", "seeds")}
}

// Assign picks a random available seed from the pool for a race.
func (s *Service) Assign(ctx context.Context, raceID, pool string) (domain.Seed, error) {
	seed, err := s.store.AssignSeed(ctx, raceID, pool)
	if err != nil {
		return domain.Seed{}, fmt.Errorf("assign seed: %w", err)
	}
	s.log.Info("seed assigned", "race_id", raceID, "seed_id", seed.ID, "pool", pool)
	return seed, nil
}

// Reroll swaps the race's seed for another one from the same pool. Only valid
// while the race is still in setup and the seed has not been released.
func (s *Service) Reroll(ctx context.Context, raceID string) (domain.Seed, error) {
	seed, err := s.store.RerollSeed(ctx, raceID)
	if err != nil {
		return domain.Seed{}, fmt.Errorf("reroll seed: %w", err)
	}
	s.log.Info("seed rerolled", "race_id", raceID, "seed_id", seed.ID)
	return seed, nil
}

// Release stamps the race's seed as released to participants. After this the
// seed is committed: no reroll, and a reset keeps it.
func (s *Service) Release(ctx context.Context, raceID string) (domain.Race, error) {
	race, err := s.store.ReleaseSeeds(ctx, raceID)
	if err != nil {
		return domain.Race{}, fmt.Errorf("release seeds: %w", err)
	}
	s.log.Info("seeds released", "race_id", raceID)
	return race, nil
}

// DiscardPool retires every non-discarded seed of a pool. Used when a
// generator bug or a leak makes a whole batch unusable.
func (s *Service) DiscardPool(ctx context.Context, pool string) (int, error) {
	n, err := s.store.DiscardPool(ctx, pool)
	if err != nil {
		return 0, fmt.Errorf("discard pool: %w", err)
	}
	s.log.Info("pool discarded", "pool", pool, "seeds", n)
	return n, nil
}

// ImportDir registers every *.json graph file in dir as an available seed of
// the pool. The filename (without extension) becomes the seed number when it
// parses, otherwise numbering follows directory order.
func (s *Service) ImportDir(ctx context.Context, dir, pool string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("read seed dir: %w", err)
	}
	imported := 0
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		path := filepath.Join(dir, e.Name())
		graph, err := os.ReadFile(path)
		if err != nil {
			return imported, fmt.Errorf("read seed %s: %w", e.Name(), err)
		}
		if _, err := domain.ParseGraph(graph); err != nil {
			s.log.Warn("skipping unparseable seed", "file", e.Name(), "error", err)
			continue
		}
		seed := domain.Seed{
			ID:        uuid.NewString(),
			Pool:      pool,
			Number:    imported + 1,
			GraphJSON: graph,
			Status:    domain.SeedAvailable,
			Path:      path,
		}
		if err := s.store.CreateSeed(ctx, seed); err != nil {
			return imported, fmt.Errorf("create seed %s: %w", e.Name(), err)
		}
		imported++
	}
	s.log.Info("seed pool imported", "pool", pool, "seeds", imported)
	return imported, nil
}
