// Package api exposes the REST surface and mounts the two WebSocket
// endpoints. Organizer endpoints authenticate with a Bearer API token;
// spectating and the health probe are open.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/speedfog/racing/internal/metrics"
	"github.com/speedfog/racing/internal/race"
	"github.com/speedfog/racing/internal/room"
	"github.com/speedfog/racing/internal/seeds"
	"github.com/speedfog/racing/internal/store"
	"github.com/speedfog/racing/internal/ws"
)

// Server is the HTTP front of the racing core.
type Server struct {
	store store.Store
	ctrl  *race.Controller
	seeds *seeds.Service
	rooms *room.Registry
	log   *slog.Logger

	httpSrv *http.Server
}

// NewServer wires the router. An empty allowOrigins list permits any origin.
func NewServer(port string, allowOrigins []string, st store.Store, ctrl *race.Controller, sv *seeds.Service, rooms *room.Registry) *Server {
	s := &Server{
		store: st,
		ctrl:  ctrl,
		seeds: sv,
		rooms: rooms,
		log:   slog.With("component", "api"),
	}

	r := mux.NewRouter()
	r.Use(corsMiddleware(allowOrigins))

	// WebSocket endpoints.
	r.Handle("/ws/mod/{race_id}", ws.NewModHandler(st, rooms, ctrl))
	r.Handle("/ws/race/{race_id}", ws.NewSpectatorHandler(st, rooms))

	// Organizer control plane.
	r.HandleFunc("/api/races", s.requireUser(s.handleCreateRace)).Methods("POST", "OPTIONS")
	r.HandleFunc("/api/races/{id}", s.handleGetRace).Methods("GET", "OPTIONS")
	r.HandleFunc("/api/races/{id}/start", s.requireOrganizer(s.handleStartRace)).Methods("POST", "OPTIONS")
	r.HandleFunc("/api/races/{id}/reset", s.requireOrganizer(s.handleResetRace)).Methods("POST", "OPTIONS")
	r.HandleFunc("/api/races/{id}/finish", s.requireOrganizer(s.handleFinishRace)).Methods("POST", "OPTIONS")
	r.HandleFunc("/api/races/{id}/seed/reroll", s.requireOrganizer(s.handleRerollSeed)).Methods("POST", "OPTIONS")
	r.HandleFunc("/api/races/{id}/seed/release", s.requireOrganizer(s.handleReleaseSeeds)).Methods("POST", "OPTIONS")

	// Participation and account.
	r.HandleFunc("/api/invites/{id}/accept", s.requireUser(s.handleAcceptInvite)).Methods("POST", "OPTIONS")
	r.HandleFunc("/api/users/token/rotate", s.requireUser(s.handleRotateToken)).Methods("POST", "OPTIONS")

	// Operational surface.
	r.HandleFunc("/healthz", s.handleHealthz).Methods("GET")
	r.Handle("/metrics", metrics.Handler()).Methods("GET")

	s.httpSrv = &http.Server{
		Addr:        ":" + port,
		Handler:     r,
		ReadTimeout: 10 * time.Second,
		IdleTimeout: 120 * time.Second,
	}
	return s
}

// Run blocks serving HTTP until the listener closes.
func (s *Server) Run() error {
	s.log.Info("listening", "addr", s.httpSrv.Addr)
	return s.httpSrv.ListenAndServe()
}

// Shutdown drains in-flight requests, then closes every live room.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.httpSrv.Shutdown(ctx)
	s.rooms.CloseAll(room.CloseNormal, "server shutting down")
	return err
}

// corsMiddleware echoes the request origin when it is on the allow list, or
// "*" when no list is configured.
func corsMiddleware(allowOrigins []string) mux.MiddlewareFunc {
	allowed := make(map[string]bool, len(allowOrigins))
	for _, o := range allowOrigins {
		allowed[o] = true
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := "*"
			if len(allowed) > 0 {
				origin = ""
				if o := r.Header.Get("Origin"); allowed[o] {
					origin = o
				}
			}
			if origin != "" {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			}
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusOK)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
