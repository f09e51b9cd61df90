// Package domain holds the entities of the racing core: users, races,
// participants, seeds and invites, plus the seed graph model. All structs are
// plain values so the store can hand out detached snapshots that remain valid
// after the originating transaction has committed.
package domain

import "time"

// RaceStatus is the lifecycle state of a race.
type RaceStatus string

const (
	RaceSetup    RaceStatus = "SETUP"
	RaceRunning  RaceStatus = "RUNNING"
	RaceFinished RaceStatus = "FINISHED"
)

// ParticipantStatus is the lifecycle state of a participant within a race.
type ParticipantStatus string

const (
	ParticipantRegistered ParticipantStatus = "REGISTERED"
	ParticipantReady      ParticipantStatus = "READY"
	ParticipantPlaying    ParticipantStatus = "PLAYING"
	ParticipantFinished   ParticipantStatus = "FINISHED"
	ParticipantAbandoned  ParticipantStatus = "ABANDONED"
)

// Terminal reports whether the status is sticky: once a participant is
// FINISHED or ABANDONED, gameplay messages no longer mutate it.
func (s ParticipantStatus) Terminal() bool {
	return s == ParticipantFinished || s == ParticipantAbandoned
}

// SeedStatus is the lifecycle state of a prebuilt seed.
type SeedStatus string

const (
	SeedAvailable SeedStatus = "AVAILABLE"
	SeedConsumed  SeedStatus = "CONSUMED"
	SeedDiscarded SeedStatus = "DISCARDED"
)

// Role is a user's platform role.
type Role string

const (
	RoleUser      Role = "user"
	RoleOrganizer Role = "organizer"
	RoleAdmin     Role = "admin"
)

// User is an identity imported from the external OAuth provider.
type User struct {
	ID          string
	Username    string
	DisplayName string
	AvatarURL   string
	APIToken    string
	Role        Role
	Locale      string
}

// Race is one coordination unit: a set of participants running the same seed.
type Race struct {
	ID              string
	Name            string
	OrganizerID     string
	SeedID          string
	Status          RaceStatus
	Version         int
	StartedAt       *time.Time
	SeedsReleasedAt *time.Time
	Public          bool
	ScheduledAt     *time.Time
	Config          map[string]any
}

// ZoneVisit is one entry of a participant's zone history. The same node may
// appear multiple times; Deaths counts deaths attributed while in that visit.
type ZoneVisit struct {
	NodeID string `json:"node_id"`
	IGTMs  int64  `json:"igt_ms"`
	Deaths int    `json:"deaths,omitempty"`
}

// Participant is a user registered for one race.
type Participant struct {
	ID              string
	RaceID          string
	UserID          string
	DisplayName     string
	ModToken        string
	Status          ParticipantStatus
	CurrentZone     string
	CurrentLayer    int
	ZoneHistory     []ZoneVisit
	IGTMs           int64
	DeathCount      int
	FinishedAt      *time.Time
	LastIGTChangeAt *time.Time
	ColorIndex      int
	ArrivalOrder    int
}

// Clone returns a deep copy safe to hold past the originating transaction.
func (p Participant) Clone() Participant {
	out := p
	if p.ZoneHistory != nil {
		out.ZoneHistory = make([]ZoneVisit, len(p.ZoneHistory))
		copy(out.ZoneHistory, p.ZoneHistory)
	}
	if p.FinishedAt != nil {
		t := *p.FinishedAt
		out.FinishedAt = &t
	}
	if p.LastIGTChangeAt != nil {
		t := *p.LastIGTChangeAt
		out.LastIGTChangeAt = &t
	}
	return out
}

// ResetProgress returns the participant to its freshly registered default.
// Identity, token, color and arrival order survive a race reset.
func (p *Participant) ResetProgress() {
	p.Status = ParticipantRegistered
	p.CurrentZone = ""
	p.CurrentLayer = 0
	p.ZoneHistory = nil
	p.IGTMs = 0
	p.DeathCount = 0
	p.FinishedAt = nil
	p.LastIGTChangeAt = nil
}

// Seed is a prebuilt randomized scenario. GraphJSON carries the zone DAG; the
// binary pack on disk is opaque to the core.
type Seed struct {
	ID        string
	Pool      string
	Number    int
	GraphJSON []byte
	Status    SeedStatus
	Path      string
}

// Invite is a pending invitation by external username; accepting it yields a
// participant.
type Invite struct {
	ID        string
	RaceID    string
	Username  string
	Caster    bool
	CreatedAt time.Time
}

// Clone returns a deep copy of the race.
func (r Race) Clone() Race {
	out := r
	if r.StartedAt != nil {
		t := *r.StartedAt
		out.StartedAt = &t
	}
	if r.SeedsReleasedAt != nil {
		t := *r.SeedsReleasedAt
		out.SeedsReleasedAt = &t
	}
	if r.ScheduledAt != nil {
		t := *r.ScheduledAt
		out.ScheduledAt = &t
	}
	if r.Config != nil {
		cfg := make(map[string]any, len(r.Config))
		for k, v := range r.Config {
			cfg[k] = v
		}
		out.Config = cfg
	}
	return out
}
