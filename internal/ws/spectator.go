package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/speedfog/racing/internal/domain"
	"github.com/speedfog/racing/internal/protocol"
	"github.com/speedfog/racing/internal/room"
	"github.com/speedfog/racing/internal/store"
)

// SpectatorHandler serves /ws/race/{race_id}. Auth is optional: a viewer
// that sends an auth message within the grace window (or later) is upgraded
// from anonymous, everyone else watches with the anonymous gating rules.
type SpectatorHandler struct {
	store store.Store
	rooms *room.Registry
	log   *slog.Logger
}

// NewSpectatorHandler wires the spectator endpoint.
func NewSpectatorHandler(st store.Store, rooms *room.Registry) *SpectatorHandler {
	return &SpectatorHandler{
		store: st,
		rooms: rooms,
		log:   slog.With("component", "ws-spectator"),
	}
}

func (h *SpectatorHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	raceID := mux.Vars(r)["race_id"]
	if _, err := h.store.GetRace(r.Context(), raceID); err != nil {
		http.Error(w, "race not found", http.StatusNotFound)
		return
	}

	wsConn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("upgrade failed", "race_id", raceID, "error", err)
		return
	}
	conn := room.NewConn(room.KindSpectator, wsConn)
	conn.Anonymous = true
	if loc := r.URL.Query().Get("locale"); loc != "" {
		conn.Locale = loc
	}

	// A dedicated reader goroutine feeds the message channel: the grace-window
	// select below cannot share the socket's read loop with a deadline, because
	// a timed-out read poisons the gorilla connection.
	msgs := make(chan []byte, 4)
	go func() {
		defer close(msgs)
		for {
			raw, err := conn.ReadMessage()
			if err != nil {
				return
			}
			select {
			case msgs <- raw:
			case <-conn.Done():
				return
			}
		}
	}()

	// Optional auth: wait briefly for the first message before registering.
	timer := time.NewTimer(spectatorAuthWait)
	select {
	case raw, ok := <-msgs:
		timer.Stop()
		if !ok {
			conn.Close(room.CloseNormal, "")
			return
		}
		h.maybeAuth(r.Context(), conn, raw)
	case <-timer.C:
	}

	rm := h.rooms.Room(raceID)
	if err := h.sendState(r.Context(), raceID, conn); err != nil {
		conn.Close(room.CloseNormal, "")
		return
	}
	rm.ConnectSpectator(conn)
	h.broadcastCount(rm)
	h.log.Info("spectator connected", "race_id", raceID, "anonymous", conn.Anonymous)

	defer func() {
		conn.Close(room.CloseNormal, "")
		rm.DisconnectSpectator(conn)
		h.broadcastCount(rm)
	}()

	for raw := range msgs {
		var msg protocol.Inbound
		if err := json.Unmarshal(raw, &msg); err != nil {
			conn.Send(protocol.NewError("malformed message"))
			continue
		}
		switch msg.Type {
		case protocol.TypeAuth:
			// Late auth upgrades the viewer and refreshes its snapshot.
			if h.maybeAuth(r.Context(), conn, raw) {
				if err := h.sendState(r.Context(), raceID, conn); err != nil {
					return
				}
			}
		case protocol.TypePong:
		default:
			conn.Send(protocol.NewError("unknown message type"))
		}
	}
}

// maybeAuth applies an auth message to the connection. An invalid token leaves
// the viewer anonymous; spectating never requires an account.
func (h *SpectatorHandler) maybeAuth(ctx context.Context, conn *room.Conn, raw []byte) bool {
	var msg protocol.Inbound
	if err := json.Unmarshal(raw, &msg); err != nil || msg.Type != protocol.TypeAuth {
		return false
	}
	if msg.Token == "" {
		return false
	}
	user, err := h.store.GetUserByAPIToken(ctx, msg.Token)
	if err != nil {
		conn.Send(protocol.NewAuthError("invalid token"))
		return false
	}
	conn.UserID = user.ID
	conn.Role = string(user.Role)
	conn.Anonymous = false
	return true
}

// sendState unicasts the per-viewer race snapshot.
func (h *SpectatorHandler) sendState(ctx context.Context, raceID string, conn *room.Conn) error {
	rc, err := h.store.GetRace(ctx, raceID)
	if err != nil {
		return err
	}
	seed, err := h.store.GetSeed(ctx, rc.SeedID)
	if err != nil {
		return err
	}
	graph, err := domain.ParseGraph(seed.GraphJSON)
	if err != nil {
		return err
	}
	participants, err := h.store.ListParticipants(ctx, raceID)
	if err != nil {
		return err
	}
	viewer := protocol.Viewer{
		UserID:    conn.UserID,
		Anonymous: conn.Anonymous,
		Role:      domain.Role(conn.Role),
		Locale:    conn.Locale,
	}
	return conn.Send(protocol.NewRaceState(rc, seed, graph, participants, viewer))
}

// broadcastCount fans the spectator count out to every spectator.
func (h *SpectatorHandler) broadcastCount(rm *room.Room) {
	count := protocol.SpectatorCount{Type: protocol.TypeSpectatorCount, Count: rm.SpectatorCount()}
	rm.ToSpectators(protocol.TypeSpectatorCount, func(*room.Conn) any { return count })
}
