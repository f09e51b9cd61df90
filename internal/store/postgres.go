package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/speedfog/racing/internal/domain"
)

// Postgres implements Store on database/sql with the pq driver.
//
// Expected tables: users, races, participants, seeds, invites. zone_history,
// graph_json and config are JSONB columns; everything else is scalar. Schema
// management lives outside this repository.
type Postgres struct {
	db *sql.DB
}

// NewPostgres wraps an open connection pool.
func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

// OpenPostgres opens and pings a pool for the given DSN.
func OpenPostgres(ctx context.Context, dsn string, maxOpen, maxIdle int) (*Postgres, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if maxOpen > 0 {
		db.SetMaxOpenConns(maxOpen)
	}
	if maxIdle > 0 {
		db.SetMaxIdleConns(maxIdle)
	}
	db.SetConnMaxIdleTime(5 * time.Minute)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Postgres{db: db}, nil
}

var _ Store = (*Postgres)(nil)

// withTx runs fn inside a transaction; rollback after commit is a no-op.
func (s *Postgres) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// ---- users ----

const userCols = "id, username, display_name, avatar_url, api_token, role, locale"

func scanUser(row interface{ Scan(...any) error }) (domain.User, error) {
	var u domain.User
	err := row.Scan(&u.ID, &u.Username, &u.DisplayName, &u.AvatarURL, &u.APIToken, &u.Role, &u.Locale)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.User{}, ErrNotFound
	}
	if err != nil {
		return domain.User{}, fmt.Errorf("scan user: %w", err)
	}
	return u, nil
}

func (s *Postgres) CreateUser(ctx context.Context, u domain.User) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (`+userCols+`) VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		u.ID, u.Username, u.DisplayName, u.AvatarURL, u.APIToken, u.Role, u.Locale)
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

func (s *Postgres) GetUser(ctx context.Context, id string) (domain.User, error) {
	return scanUser(s.db.QueryRowContext(ctx,
		`SELECT `+userCols+` FROM users WHERE id = $1`, id))
}

func (s *Postgres) GetUserByAPIToken(ctx context.Context, token string) (domain.User, error) {
	if token == "" {
		return domain.User{}, ErrNotFound
	}
	return scanUser(s.db.QueryRowContext(ctx,
		`SELECT `+userCols+` FROM users WHERE api_token = $1`, token))
}

func (s *Postgres) RotateAPIToken(ctx context.Context, userID string) (string, error) {
	token := uuid.New().String()
	res, err := s.db.ExecContext(ctx,
		`UPDATE users SET api_token = $2 WHERE id = $1`, userID, token)
	if err != nil {
		return "", fmt.Errorf("rotate api token: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return "", ErrNotFound
	}
	return token, nil
}

// ---- races ----

const raceCols = "id, name, organizer_id, seed_id, status, version, started_at, seeds_released_at, public, scheduled_at, config"

func scanRace(row interface{ Scan(...any) error }) (domain.Race, error) {
	var (
		r         domain.Race
		seedID    sql.NullString
		configRaw []byte
	)
	err := row.Scan(&r.ID, &r.Name, &r.OrganizerID, &seedID, &r.Status, &r.Version,
		&r.StartedAt, &r.SeedsReleasedAt, &r.Public, &r.ScheduledAt, &configRaw)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Race{}, ErrNotFound
	}
	if err != nil {
		return domain.Race{}, fmt.Errorf("scan race: %w", err)
	}
	r.SeedID = seedID.String
	if len(configRaw) > 0 {
		if err := json.Unmarshal(configRaw, &r.Config); err != nil {
			return domain.Race{}, fmt.Errorf("decode race config: %w", err)
		}
	}
	return r, nil
}

func raceArgs(r domain.Race) ([]any, error) {
	configRaw, err := json.Marshal(r.Config)
	if err != nil {
		return nil, fmt.Errorf("encode race config: %w", err)
	}
	var seedID any
	if r.SeedID != "" {
		seedID = r.SeedID
	}
	return []any{r.ID, r.Name, r.OrganizerID, seedID, r.Status, r.Version,
		r.StartedAt, r.SeedsReleasedAt, r.Public, r.ScheduledAt, configRaw}, nil
}

func (s *Postgres) CreateRace(ctx context.Context, r domain.Race) error {
	if r.Status == "" {
		r.Status = domain.RaceSetup
	}
	args, err := raceArgs(r)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO races (`+raceCols+`) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`, args...)
	if err != nil {
		return fmt.Errorf("insert race: %w", err)
	}
	return nil
}

func (s *Postgres) GetRace(ctx context.Context, id string) (domain.Race, error) {
	return scanRace(s.db.QueryRowContext(ctx,
		`SELECT `+raceCols+` FROM races WHERE id = $1`, id))
}

func (s *Postgres) ListRacesByStatus(ctx context.Context, status domain.RaceStatus) ([]domain.Race, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+raceCols+` FROM races WHERE status = $1 ORDER BY id`, status)
	if err != nil {
		return nil, fmt.Errorf("list races: %w", err)
	}
	defer rows.Close()
	var out []domain.Race
	for rows.Next() {
		r, err := scanRace(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Postgres) TransitionRace(ctx context.Context, id string, allowedFrom []domain.RaceStatus, to domain.RaceStatus, version int, mutate func(*domain.Race)) (domain.Race, error) {
	var out domain.Race
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		r, err := scanRace(tx.QueryRowContext(ctx,
			`SELECT `+raceCols+` FROM races WHERE id = $1 FOR UPDATE`, id))
		if err != nil {
			return err
		}
		if !statusIn(r.Status, allowedFrom) || r.Version != version {
			return ErrConflict
		}
		r.Status = to
		r.Version = version + 1
		if mutate != nil {
			mutate(&r)
		}
		if err := updateRaceTx(ctx, tx, r, version); err != nil {
			return err
		}
		out = r
		return nil
	})
	return out, err
}

// updateRaceTx writes all race fields, guarded by the version the row held
// before the bump. Zero affected rows means the optimistic check failed.
func updateRaceTx(ctx context.Context, tx *sql.Tx, r domain.Race, priorVersion int) error {
	args, err := raceArgs(r)
	if err != nil {
		return err
	}
	args = append(args, priorVersion)
	res, err := tx.ExecContext(ctx,
		`UPDATE races SET name=$2, organizer_id=$3, seed_id=$4, status=$5, version=$6,
		        started_at=$7, seeds_released_at=$8, public=$9, scheduled_at=$10, config=$11
		 WHERE id=$1 AND version=$12`, args...)
	if err != nil {
		return fmt.Errorf("update race: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrConflict
	}
	return nil
}

func (s *Postgres) ResetRace(ctx context.Context, id string, version int) (domain.Race, error) {
	var out domain.Race
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE races SET status=$2, version=version+1, started_at=NULL
			 WHERE id=$1 AND status = ANY($3) AND version=$4`,
			id, domain.RaceSetup,
			pq.Array([]string{string(domain.RaceRunning), string(domain.RaceFinished)}),
			version)
		if err != nil {
			return fmt.Errorf("reset race: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			if _, err := scanRace(tx.QueryRowContext(ctx, `SELECT `+raceCols+` FROM races WHERE id=$1`, id)); errors.Is(err, ErrNotFound) {
				return ErrNotFound
			}
			return ErrConflict
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE participants SET status=$2, current_zone=NULL, current_layer=0,
			        zone_history=NULL, igt_ms=0, death_count=0, finished_at=NULL,
			        last_igt_change_at=NULL
			 WHERE race_id=$1`, id, domain.ParticipantRegistered); err != nil {
			return fmt.Errorf("reset participants: %w", err)
		}
		r, err := scanRace(tx.QueryRowContext(ctx, `SELECT `+raceCols+` FROM races WHERE id=$1`, id))
		if err != nil {
			return err
		}
		out = r
		return nil
	})
	return out, err
}

func (s *Postgres) FinishRaceIfAllDone(ctx context.Context, id string) (domain.Race, bool, error) {
	var (
		out     domain.Race
		applied bool
	)
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		r, err := scanRace(tx.QueryRowContext(ctx,
			`SELECT `+raceCols+` FROM races WHERE id = $1 FOR UPDATE`, id))
		if err != nil {
			return err
		}
		out = r
		if r.Status != domain.RaceRunning {
			return nil // a concurrent finisher already won
		}
		var active int
		err = tx.QueryRowContext(ctx,
			`SELECT count(*) FROM participants WHERE race_id=$1 AND status NOT IN ($2,$3)`,
			id, domain.ParticipantFinished, domain.ParticipantAbandoned).Scan(&active)
		if err != nil {
			return fmt.Errorf("count active participants: %w", err)
		}
		if active > 0 {
			return nil
		}
		res, err := tx.ExecContext(ctx,
			`UPDATE races SET status=$2, version=version+1 WHERE id=$1 AND status=$3 AND version=$4`,
			id, domain.RaceFinished, domain.RaceRunning, r.Version)
		if err != nil {
			return fmt.Errorf("finish race: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil
		}
		out.Status = domain.RaceFinished
		out.Version = r.Version + 1
		applied = true
		return nil
	})
	return out, applied, err
}

// ---- participants ----

const participantCols = "id, race_id, user_id, display_name, mod_token, status, current_zone, current_layer, zone_history, igt_ms, death_count, finished_at, last_igt_change_at, color_index, arrival_order"

func scanParticipant(row interface{ Scan(...any) error }) (domain.Participant, error) {
	var (
		p       domain.Participant
		zone    sql.NullString
		history []byte
	)
	err := row.Scan(&p.ID, &p.RaceID, &p.UserID, &p.DisplayName, &p.ModToken, &p.Status,
		&zone, &p.CurrentLayer, &history, &p.IGTMs, &p.DeathCount,
		&p.FinishedAt, &p.LastIGTChangeAt, &p.ColorIndex, &p.ArrivalOrder)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Participant{}, ErrNotFound
	}
	if err != nil {
		return domain.Participant{}, fmt.Errorf("scan participant: %w", err)
	}
	p.CurrentZone = zone.String
	if len(history) > 0 {
		if err := json.Unmarshal(history, &p.ZoneHistory); err != nil {
			return domain.Participant{}, fmt.Errorf("decode zone history: %w", err)
		}
	}
	return p, nil
}

func participantArgs(p domain.Participant) ([]any, error) {
	var history any
	if p.ZoneHistory != nil {
		raw, err := json.Marshal(p.ZoneHistory)
		if err != nil {
			return nil, fmt.Errorf("encode zone history: %w", err)
		}
		history = raw
	}
	var zone any
	if p.CurrentZone != "" {
		zone = p.CurrentZone
	}
	return []any{p.ID, p.RaceID, p.UserID, p.DisplayName, p.ModToken, p.Status,
		zone, p.CurrentLayer, history, p.IGTMs, p.DeathCount,
		p.FinishedAt, p.LastIGTChangeAt, p.ColorIndex, p.ArrivalOrder}, nil
}

func (s *Postgres) CreateParticipant(ctx context.Context, p domain.Participant) error {
	if p.Status == "" {
		p.Status = domain.ParticipantRegistered
	}
	args, err := participantArgs(p)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO participants (`+participantCols+`)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`, args...)
	if err != nil {
		return fmt.Errorf("insert participant: %w", err)
	}
	return nil
}

func (s *Postgres) GetParticipant(ctx context.Context, id string) (domain.Participant, error) {
	return scanParticipant(s.db.QueryRowContext(ctx,
		`SELECT `+participantCols+` FROM participants WHERE id = $1`, id))
}

func (s *Postgres) GetParticipantByModToken(ctx context.Context, raceID, token string) (domain.Participant, error) {
	if token == "" {
		return domain.Participant{}, ErrNotFound
	}
	return scanParticipant(s.db.QueryRowContext(ctx,
		`SELECT `+participantCols+` FROM participants WHERE race_id = $1 AND mod_token = $2`,
		raceID, token))
}

func (s *Postgres) ListParticipants(ctx context.Context, raceID string) ([]domain.Participant, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+participantCols+` FROM participants WHERE race_id = $1 ORDER BY arrival_order`, raceID)
	if err != nil {
		return nil, fmt.Errorf("list participants: %w", err)
	}
	defer rows.Close()
	var out []domain.Participant
	for rows.Next() {
		p, err := scanParticipant(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Postgres) UpdateParticipant(ctx context.Context, id string, mutate func(*domain.Participant) error) (domain.Participant, error) {
	var out domain.Participant
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		p, err := scanParticipant(tx.QueryRowContext(ctx,
			`SELECT `+participantCols+` FROM participants WHERE id = $1 FOR UPDATE`, id))
		if err != nil {
			return err
		}
		if err := mutate(&p); err != nil {
			return err
		}
		args, err := participantArgs(p)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE participants SET race_id=$2, user_id=$3, display_name=$4, mod_token=$5,
			        status=$6, current_zone=$7, current_layer=$8, zone_history=$9,
			        igt_ms=$10, death_count=$11, finished_at=$12, last_igt_change_at=$13,
			        color_index=$14, arrival_order=$15
			 WHERE id=$1`, args...); err != nil {
			return fmt.Errorf("update participant: %w", err)
		}
		out = p
		return nil
	})
	return out, err
}

// ---- seeds ----

const seedCols = "id, pool, number, graph_json, status, path"

func scanSeed(row interface{ Scan(...any) error }) (domain.Seed, error) {
	var s domain.Seed
	err := row.Scan(&s.ID, &s.Pool, &s.Number, &s.GraphJSON, &s.Status, &s.Path)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Seed{}, ErrNotFound
	}
	if err != nil {
		return domain.Seed{}, fmt.Errorf("scan seed: %w", err)
	}
	return s, nil
}

func (s *Postgres) CreateSeed(ctx context.Context, sd domain.Seed) error {
	if sd.Status == "" {
		sd.Status = domain.SeedAvailable
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO seeds (`+seedCols+`) VALUES ($1,$2,$3,$4,$5,$6)`,
		sd.ID, sd.Pool, sd.Number, sd.GraphJSON, sd.Status, sd.Path)
	if err != nil {
		return fmt.Errorf("insert seed: %w", err)
	}
	return nil
}

func (s *Postgres) GetSeed(ctx context.Context, id string) (domain.Seed, error) {
	return scanSeed(s.db.QueryRowContext(ctx,
		`SELECT `+seedCols+` FROM seeds WHERE id = $1`, id))
}

// pickSeedTx locks a random AVAILABLE seed of the pool.
func pickSeedTx(ctx context.Context, tx *sql.Tx, pool, excludeID string) (domain.Seed, error) {
	sd, err := scanSeed(tx.QueryRowContext(ctx,
		`SELECT `+seedCols+` FROM seeds
		 WHERE pool = $1 AND status = $2 AND id <> $3
		 ORDER BY random() LIMIT 1 FOR UPDATE`,
		pool, domain.SeedAvailable, excludeID))
	if errors.Is(err, ErrNotFound) {
		return domain.Seed{}, ErrNoSeedAvailable
	}
	return sd, err
}

func (s *Postgres) AssignSeed(ctx context.Context, raceID, pool string) (domain.Seed, error) {
	var out domain.Seed
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		sd, err := pickSeedTx(ctx, tx, pool, "")
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE seeds SET status=$2 WHERE id=$1`, sd.ID, domain.SeedConsumed); err != nil {
			return fmt.Errorf("consume seed: %w", err)
		}
		res, err := tx.ExecContext(ctx,
			`UPDATE races SET seed_id=$2, version=version+1 WHERE id=$1`, raceID, sd.ID)
		if err != nil {
			return fmt.Errorf("assign seed to race: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		sd.Status = domain.SeedConsumed
		out = sd
		return nil
	})
	return out, err
}

func (s *Postgres) RerollSeed(ctx context.Context, raceID string) (domain.Seed, error) {
	var out domain.Seed
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		r, err := scanRace(tx.QueryRowContext(ctx,
			`SELECT `+raceCols+` FROM races WHERE id = $1 FOR UPDATE`, raceID))
		if err != nil {
			return err
		}
		if r.Status != domain.RaceSetup || r.SeedsReleasedAt != nil {
			return ErrInvalidState
		}
		cur, err := scanSeed(tx.QueryRowContext(ctx,
			`SELECT `+seedCols+` FROM seeds WHERE id = $1 FOR UPDATE`, r.SeedID))
		if err != nil {
			return err
		}
		next, err := pickSeedTx(ctx, tx, cur.Pool, cur.ID)
		if err != nil {
			return err
		}
		// A DISCARDED seed never returns to the pool.
		if cur.Status != domain.SeedDiscarded {
			if _, err := tx.ExecContext(ctx,
				`UPDATE seeds SET status=$2 WHERE id=$1`, cur.ID, domain.SeedAvailable); err != nil {
				return fmt.Errorf("release seed: %w", err)
			}
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE seeds SET status=$2 WHERE id=$1`, next.ID, domain.SeedConsumed); err != nil {
			return fmt.Errorf("consume seed: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE races SET seed_id=$2, version=version+1 WHERE id=$1`, raceID, next.ID); err != nil {
			return fmt.Errorf("assign seed to race: %w", err)
		}
		next.Status = domain.SeedConsumed
		out = next
		return nil
	})
	return out, err
}

func (s *Postgres) ReleaseSeeds(ctx context.Context, raceID string) (domain.Race, error) {
	var out domain.Race
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`UPDATE races SET seeds_released_at = now(), version=version+1
			 WHERE id=$1 AND seeds_released_at IS NULL`, raceID); err != nil {
			return fmt.Errorf("release seeds: %w", err)
		}
		r, err := scanRace(tx.QueryRowContext(ctx,
			`SELECT `+raceCols+` FROM races WHERE id = $1`, raceID))
		if err != nil {
			return err
		}
		out = r
		return nil
	})
	return out, err
}

func (s *Postgres) DiscardPool(ctx context.Context, pool string) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE seeds SET status=$2 WHERE pool=$1 AND status = ANY($3)`,
		pool, domain.SeedDiscarded,
		pq.Array([]string{string(domain.SeedAvailable), string(domain.SeedConsumed)}))
	if err != nil {
		return 0, fmt.Errorf("discard pool: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// ---- invites ----

func (s *Postgres) CreateInvite(ctx context.Context, inv domain.Invite) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO invites (id, race_id, username, caster, created_at) VALUES ($1,$2,$3,$4,$5)`,
		inv.ID, inv.RaceID, inv.Username, inv.Caster, inv.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert invite: %w", err)
	}
	return nil
}

func (s *Postgres) GetInvite(ctx context.Context, id string) (domain.Invite, error) {
	var inv domain.Invite
	err := s.db.QueryRowContext(ctx,
		`SELECT id, race_id, username, caster, created_at FROM invites WHERE id = $1`, id).
		Scan(&inv.ID, &inv.RaceID, &inv.Username, &inv.Caster, &inv.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Invite{}, ErrNotFound
	}
	if err != nil {
		return domain.Invite{}, fmt.Errorf("scan invite: %w", err)
	}
	return inv, nil
}

func (s *Postgres) AcceptInvite(ctx context.Context, inviteID, userID string) (domain.Participant, error) {
	var out domain.Participant
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var raceID string
		err := tx.QueryRowContext(ctx,
			`DELETE FROM invites WHERE id = $1 RETURNING race_id`, inviteID).Scan(&raceID)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("consume invite: %w", err)
		}
		u, err := scanUser(tx.QueryRowContext(ctx,
			`SELECT `+userCols+` FROM users WHERE id = $1`, userID))
		if err != nil {
			return err
		}
		var order int
		if err := tx.QueryRowContext(ctx,
			`SELECT coalesce(max(arrival_order), 0) FROM participants WHERE race_id = $1`,
			raceID).Scan(&order); err != nil {
			return fmt.Errorf("next arrival order: %w", err)
		}
		p := domain.Participant{
			ID:           uuid.New().String(),
			RaceID:       raceID,
			UserID:       userID,
			DisplayName:  u.DisplayName,
			ModToken:     uuid.New().String(),
			Status:       domain.ParticipantRegistered,
			ColorIndex:   order % colorPalette,
			ArrivalOrder: order + 1,
		}
		args, err := participantArgs(p)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO participants (`+participantCols+`)
			 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`, args...); err != nil {
			return fmt.Errorf("insert participant: %w", err)
		}
		out = p
		return nil
	})
	return out, err
}

func (s *Postgres) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Postgres) Close() error {
	return s.db.Close()
}
