package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/speedfog/racing/internal/domain"
	"github.com/speedfog/racing/internal/store"
)

type authedHandler func(w http.ResponseWriter, r *http.Request, user domain.User)

// requireUser resolves the Bearer API token to a user.
func (s *Server) requireUser(next authedHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if token == "" || token == r.Header.Get("Authorization") {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		user, err := s.store.GetUserByAPIToken(r.Context(), token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		next(w, r, user)
	}
}

// requireOrganizer additionally checks that the user may control the race in
// the path: its organizer, or a platform admin.
func (s *Server) requireOrganizer(next authedHandler) http.HandlerFunc {
	return s.requireUser(func(w http.ResponseWriter, r *http.Request, user domain.User) {
		race, err := s.store.GetRace(r.Context(), mux.Vars(r)["id"])
		if err != nil {
			s.writeStoreError(w, err)
			return
		}
		if race.OrganizerID != user.ID && user.Role != domain.RoleAdmin {
			writeError(w, http.StatusForbidden, "not the race organizer")
			return
		}
		next(w, r, user)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeStoreError maps store sentinels onto HTTP statuses.
func (s *Server) writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, store.ErrConflict):
		writeError(w, http.StatusConflict, "conflicting concurrent update, retry")
	case errors.Is(err, store.ErrInvalidState):
		writeError(w, http.StatusUnprocessableEntity, "operation not allowed in current state")
	case errors.Is(err, store.ErrNoSeedAvailable):
		writeError(w, http.StatusConflict, "no seed available in pool")
	default:
		s.log.Error("request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

type createRaceRequest struct {
	Name        string         `json:"name"`
	Pool        string         `json:"pool"`
	Public      bool           `json:"public"`
	ScheduledAt *time.Time     `json:"scheduled_at,omitempty"`
	Config      map[string]any `json:"config,omitempty"`
}

type raceResponse struct {
	ID              string     `json:"id"`
	Name            string     `json:"name"`
	Status          string     `json:"status"`
	OrganizerID     string     `json:"organizer_id"`
	SeedID          string     `json:"seed_id"`
	Public          bool       `json:"public"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	SeedsReleasedAt *time.Time `json:"seeds_released_at,omitempty"`
	ScheduledAt     *time.Time `json:"scheduled_at,omitempty"`
	Participants    int        `json:"participants"`
	Spectators      int        `json:"spectators"`
}

func (s *Server) raceResponse(r *http.Request, race domain.Race) raceResponse {
	resp := raceResponse{
		ID:              race.ID,
		Name:            race.Name,
		Status:          string(race.Status),
		OrganizerID:     race.OrganizerID,
		SeedID:          race.SeedID,
		Public:          race.Public,
		StartedAt:       race.StartedAt,
		SeedsReleasedAt: race.SeedsReleasedAt,
		ScheduledAt:     race.ScheduledAt,
	}
	if participants, err := s.store.ListParticipants(r.Context(), race.ID); err == nil {
		resp.Participants = len(participants)
	}
	if rm, ok := s.rooms.Peek(race.ID); ok {
		resp.Spectators = rm.SpectatorCount()
	}
	return resp
}

func (s *Server) handleCreateRace(w http.ResponseWriter, r *http.Request, user domain.User) {
	var req createRaceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	if req.Pool == "" {
		req.Pool = "default"
	}

	race := domain.Race{
		ID:          uuid.NewString(),
		Name:        req.Name,
		OrganizerID: user.ID,
		Status:      domain.RaceSetup,
		Public:      req.Public,
		ScheduledAt: req.ScheduledAt,
		Config:      req.Config,
	}
	if err := s.store.CreateRace(r.Context(), race); err != nil {
		s.writeStoreError(w, err)
		return
	}
	seed, err := s.seeds.Assign(r.Context(), race.ID, req.Pool)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	race.SeedID = seed.ID
	s.log.Info("race created", "race_id", race.ID, "organizer_id", user.ID)
	writeJSON(w, http.StatusCreated, s.raceResponse(r, race))
}

func (s *Server) handleGetRace(w http.ResponseWriter, r *http.Request) {
	race, err := s.store.GetRace(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.raceResponse(r, race))
}

func (s *Server) handleStartRace(w http.ResponseWriter, r *http.Request, _ domain.User) {
	raceID := mux.Vars(r)["id"]
	if err := s.ctrl.Start(r.Context(), raceID); err != nil {
		s.writeStoreError(w, err)
		return
	}
	race, err := s.store.GetRace(r.Context(), raceID)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.raceResponse(r, race))
}

func (s *Server) handleResetRace(w http.ResponseWriter, r *http.Request, _ domain.User) {
	raceID := mux.Vars(r)["id"]
	if err := s.ctrl.Reset(r.Context(), raceID); err != nil {
		s.writeStoreError(w, err)
		return
	}
	race, err := s.store.GetRace(r.Context(), raceID)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.raceResponse(r, race))
}

func (s *Server) handleFinishRace(w http.ResponseWriter, r *http.Request, _ domain.User) {
	raceID := mux.Vars(r)["id"]
	if err := s.ctrl.ForceFinish(r.Context(), raceID); err != nil {
		s.writeStoreError(w, err)
		return
	}
	race, err := s.store.GetRace(r.Context(), raceID)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.raceResponse(r, race))
}

func (s *Server) handleRerollSeed(w http.ResponseWriter, r *http.Request, _ domain.User) {
	seed, err := s.seeds.Reroll(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"seed_id": seed.ID,
		"pool":    seed.Pool,
		"number":  seed.Number,
	})
}

func (s *Server) handleReleaseSeeds(w http.ResponseWriter, r *http.Request, _ domain.User) {
	race, err := s.seeds.Release(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.raceResponse(r, race))
}

func (s *Server) handleAcceptInvite(w http.ResponseWriter, r *http.Request, user domain.User) {
	p, err := s.store.AcceptInvite(r.Context(), mux.Vars(r)["id"], user.ID)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.log.Info("invite accepted", "race_id", p.RaceID, "user_id", user.ID)
	writeJSON(w, http.StatusOK, map[string]any{
		"participant_id": p.ID,
		"race_id":        p.RaceID,
		"mod_token":      p.ModToken,
		"color_index":    p.ColorIndex,
	})
}

func (s *Server) handleRotateToken(w http.ResponseWriter, r *http.Request, user domain.User) {
	token, err := s.store.RotateAPIToken(r.Context(), user.ID)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"api_token": token})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
