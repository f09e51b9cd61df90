// Package ws implements the two WebSocket endpoints: the game-mod session
// driver and the spectator session driver. Each connection is served by its
// own read loop; all writes go through the connection's write pump.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/speedfog/racing/internal/domain"
	"github.com/speedfog/racing/internal/protocol"
	"github.com/speedfog/racing/internal/race"
	"github.com/speedfog/racing/internal/resolve"
	"github.com/speedfog/racing/internal/room"
	"github.com/speedfog/racing/internal/store"
)

const (
	// modAuthTimeout bounds the wait for the first (auth) message of a mod.
	modAuthTimeout = 5 * time.Second
	// spectatorAuthWait is the grace period for a spectator's optional auth.
	spectatorAuthWait = 2 * time.Second
	// boardThrottle coalesces status_update leaderboard broadcasts.
	boardThrottle = time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Mods and overlays connect from game processes and local frontends;
	// origin enforcement happens at the proxy layer.
	CheckOrigin: func(*http.Request) bool { return true },
}

// errDropMessage aborts a participant update without writing anything;
// used for gameplay messages that hit a terminal participant (silent drop).
var errDropMessage = errors.New("ws: message dropped")

// ModHandler serves /ws/mod/{race_id}.
type ModHandler struct {
	store store.Store
	rooms *room.Registry
	ctrl  *race.Controller
	log   *slog.Logger
}

// NewModHandler wires the mod endpoint.
func NewModHandler(st store.Store, rooms *room.Registry, ctrl *race.Controller) *ModHandler {
	return &ModHandler{
		store: st,
		rooms: rooms,
		ctrl:  ctrl,
		log:   slog.With("component", "ws-mod"),
	}
}

// modSession is the per-connection state of an authenticated mod.
type modSession struct {
	h             *ModHandler
	conn          *room.Conn
	rm            *room.Room
	raceID        string
	participantID string
	graph         *domain.Graph
	lastBoard     time.Time
}

func (h *ModHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	raceID := mux.Vars(r)["race_id"]
	wsConn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("upgrade failed", "race_id", raceID, "error", err)
		return
	}
	conn := room.NewConn(room.KindMod, wsConn)

	sess, err := h.authenticate(r.Context(), raceID, conn)
	if err != nil {
		return
	}
	defer func() {
		// Heartbeat stops with the connection, before the room forgets it.
		conn.Close(room.CloseNormal, "")
		sess.rm.DisconnectMod(sess.participantID, conn)
	}()

	sess.run(r.Context())
}

// authenticate drives the auth phase: the first inbound message must be an
// auth within 5 s, the token must match a participant of this race, the race
// must not be finished, and the participant must not already be connected.
// On failure the socket is closed with 4001 or 4003 and an error is returned.
func (h *ModHandler) authenticate(ctx context.Context, raceID string, conn *room.Conn) (*modSession, error) {
	conn.SetReadDeadline(time.Now().Add(modAuthTimeout))
	raw, err := conn.ReadMessage()
	if err != nil {
		conn.Close(room.CloseAuthTimeout, "auth timeout")
		return nil, err
	}

	var msg protocol.Inbound
	if err := json.Unmarshal(raw, &msg); err != nil || msg.Type != protocol.TypeAuth {
		conn.Send(protocol.NewAuthError("expected auth message"))
		conn.Close(room.CloseAuthFailed, "auth failed")
		return nil, errors.New("ws: first message was not auth")
	}

	p, err := h.store.GetParticipantByModToken(ctx, raceID, msg.ModToken)
	if err != nil {
		conn.Send(protocol.NewAuthError("invalid token"))
		conn.Close(room.CloseAuthFailed, "auth failed")
		return nil, err
	}
	rc, err := h.store.GetRace(ctx, raceID)
	if err != nil {
		conn.Send(protocol.NewAuthError("race not found"))
		conn.Close(room.CloseAuthFailed, "auth failed")
		return nil, err
	}
	if rc.Status == domain.RaceFinished {
		conn.Send(protocol.NewAuthError("race already finished"))
		conn.Close(room.CloseAuthFailed, "race finished")
		return nil, errors.New("ws: race finished")
	}

	seed, err := h.store.GetSeed(ctx, rc.SeedID)
	if err != nil {
		conn.Send(protocol.NewAuthError("seed unavailable"))
		conn.Close(room.CloseAuthFailed, "auth failed")
		return nil, err
	}
	graph, err := domain.ParseGraph(seed.GraphJSON)
	if err != nil {
		conn.Send(protocol.NewAuthError("seed unavailable"))
		conn.Close(room.CloseAuthFailed, "auth failed")
		return nil, err
	}

	rm := h.rooms.Room(raceID)
	if err := rm.ConnectMod(p.ID, conn); err != nil {
		conn.Send(protocol.NewAuthError("participant already connected"))
		conn.Close(room.CloseAuthFailed, "duplicate connection")
		return nil, err
	}
	conn.SetReadDeadline(time.Time{})

	participants, err := h.store.ListParticipants(ctx, raceID)
	if err != nil {
		rm.DisconnectMod(p.ID, conn)
		conn.Close(room.CloseAuthFailed, "auth failed")
		return nil, err
	}
	if err := conn.Send(protocol.NewAuthOK(p, rc, graph, participants)); err != nil {
		rm.DisconnectMod(p.ID, conn)
		conn.Close(room.CloseNormal, "")
		return nil, err
	}

	sess := &modSession{
		h:             h,
		conn:          conn,
		rm:            rm,
		raceID:        raceID,
		participantID: p.ID,
		graph:         graph,
	}

	// Reconnect mid-race: tell the mod where it is before anything else.
	if rc.Status == domain.RaceRunning && p.CurrentZone != "" {
		sess.unicastZone(p)
	}
	if err := h.ctrl.BroadcastLeaderboard(ctx, raceID); err != nil {
		h.log.Warn("leaderboard broadcast failed", "race_id", raceID, "error", err)
	}
	h.log.Info("mod connected", "race_id", raceID, "participant_id", p.ID)
	return sess, nil
}

// run is the session's read loop; it processes messages in receive order and
// unwinds on TCP disconnect.
func (s *modSession) run(ctx context.Context) {
	for {
		raw, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.h.log.Warn("read failed", "participant_id", s.participantID, "error", err)
			}
			return
		}
		var msg protocol.Inbound
		if err := json.Unmarshal(raw, &msg); err != nil {
			s.conn.Send(protocol.NewError("malformed message"))
			continue
		}
		switch msg.Type {
		case protocol.TypeReady:
			s.handleReady(ctx)
		case protocol.TypeStatusUpdate:
			s.handleStatusUpdate(ctx, msg)
		case protocol.TypeEventFlag:
			s.handleEventFlag(ctx, msg)
		case protocol.TypeZoneQuery:
			s.handleZoneQuery(ctx, msg)
		case protocol.TypePong:
			// Heartbeat reply; nothing to do.
		default:
			s.conn.Send(protocol.NewError("unknown message type"))
		}
	}
}

// raceRunning loads the race and reports whether gameplay messages may be
// processed right now.
func (s *modSession) raceRunning(ctx context.Context) (bool, error) {
	rc, err := s.h.store.GetRace(ctx, s.raceID)
	if err != nil {
		return false, err
	}
	return rc.Status == domain.RaceRunning, nil
}

func (s *modSession) handleReady(ctx context.Context) {
	_, err := s.h.store.UpdateParticipant(ctx, s.participantID, func(p *domain.Participant) error {
		if p.Status != domain.ParticipantRegistered {
			return errDropMessage // already past REGISTERED
		}
		p.Status = domain.ParticipantReady
		return nil
	})
	if errors.Is(err, errDropMessage) {
		return
	}
	if err != nil {
		s.h.log.Warn("ready failed", "participant_id", s.participantID, "error", err)
		return
	}
	s.broadcastBoard(ctx)
}

func (s *modSession) handleStatusUpdate(ctx context.Context, msg protocol.Inbound) {
	running, err := s.raceRunning(ctx)
	if err != nil {
		s.h.log.Warn("race lookup failed", "race_id", s.raceID, "error", err)
		return
	}
	if !running {
		s.conn.Send(protocol.NewError("Race not running"))
		return
	}

	_, err = s.h.store.UpdateParticipant(ctx, s.participantID, func(p *domain.Participant) error {
		if p.Status.Terminal() {
			return errDropMessage
		}
		now := time.Now().UTC()
		if p.Status == domain.ParticipantReady {
			// First gameplay report: the run begins at the start node.
			p.Status = domain.ParticipantPlaying
			p.CurrentZone = s.graph.StartNode
			p.ZoneHistory = append(p.ZoneHistory, domain.ZoneVisit{NodeID: s.graph.StartNode, IGTMs: 0})
			p.LastIGTChangeAt = &now
		}
		if msg.IGTMs != nil {
			if *msg.IGTMs != p.IGTMs {
				p.LastIGTChangeAt = &now
			}
			p.IGTMs = *msg.IGTMs
		}
		if msg.DeathCount != nil && *msg.DeathCount > p.DeathCount {
			delta := *msg.DeathCount - p.DeathCount
			// Attribute to the most recent visit of the current zone.
			for i := len(p.ZoneHistory) - 1; i >= 0; i-- {
				if p.ZoneHistory[i].NodeID == p.CurrentZone {
					p.ZoneHistory[i].Deaths += delta
					break
				}
			}
			p.DeathCount = *msg.DeathCount
		}
		return nil
	})
	if errors.Is(err, errDropMessage) {
		return
	}
	if err != nil {
		s.h.log.Warn("status update failed", "participant_id", s.participantID, "error", err)
		return
	}

	if time.Since(s.lastBoard) >= boardThrottle {
		s.lastBoard = time.Now()
		s.broadcastBoard(ctx)
	}
}

func (s *modSession) handleEventFlag(ctx context.Context, msg protocol.Inbound) {
	if msg.FlagID == nil {
		s.conn.Send(protocol.NewError("event_flag requires flag_id"))
		return
	}
	running, err := s.raceRunning(ctx)
	if err != nil || !running {
		return
	}

	kind, nodeID := resolve.Flag(s.graph, *msg.FlagID)
	switch kind {
	case resolve.FlagUnknown:
		s.h.log.Warn("unknown event flag", "race_id", s.raceID, "flag_id", *msg.FlagID)
	case resolve.FlagFinish:
		s.handleFinish(ctx, msg)
	case resolve.FlagNode:
		s.handleTraversal(ctx, msg, nodeID)
	}
}

func (s *modSession) handleFinish(ctx context.Context, msg protocol.Inbound) {
	_, err := s.h.store.UpdateParticipant(ctx, s.participantID, func(p *domain.Participant) error {
		if p.Status.Terminal() {
			return errDropMessage
		}
		now := time.Now().UTC()
		if p.Status == domain.ParticipantReady {
			// The finish flag may be the first gameplay report; the run still
			// began at the start node.
			p.CurrentZone = s.graph.StartNode
			p.ZoneHistory = append(p.ZoneHistory, domain.ZoneVisit{NodeID: s.graph.StartNode, IGTMs: 0})
		}
		if msg.IGTMs != nil {
			if *msg.IGTMs != p.IGTMs {
				p.LastIGTChangeAt = &now
			}
			p.IGTMs = *msg.IGTMs
		}
		p.CurrentLayer = s.graph.TotalLayers
		p.FinishedAt = &now
		p.Status = domain.ParticipantFinished
		return nil
	})
	if errors.Is(err, errDropMessage) {
		return
	}
	if err != nil {
		s.h.log.Warn("finish failed", "participant_id", s.participantID, "error", err)
		return
	}

	s.broadcastBoard(ctx)
	// The race transition runs in its own transaction after the participant
	// commit; a concurrent finisher losing the check stays silent.
	if err := s.h.ctrl.AutoFinishCheck(ctx, s.raceID); err != nil {
		s.h.log.Warn("auto-finish check failed", "race_id", s.raceID, "error", err)
	}
}

func (s *modSession) handleTraversal(ctx context.Context, msg protocol.Inbound, nodeID string) {
	node, ok := s.graph.Node(nodeID)
	if !ok {
		s.h.log.Warn("event flag targets unknown node", "race_id", s.raceID, "node_id", nodeID)
		return
	}
	var revisit bool
	p, err := s.h.store.UpdateParticipant(ctx, s.participantID, func(p *domain.Participant) error {
		if p.Status.Terminal() {
			return errDropMessage
		}
		now := time.Now().UTC()
		if p.Status == domain.ParticipantReady {
			// A flag may be the first gameplay report; the run still began at
			// the start node.
			p.Status = domain.ParticipantPlaying
			p.CurrentZone = s.graph.StartNode
			p.ZoneHistory = append(p.ZoneHistory, domain.ZoneVisit{NodeID: s.graph.StartNode, IGTMs: 0})
			p.LastIGTChangeAt = &now
		}
		for _, v := range p.ZoneHistory {
			if v.NodeID == nodeID {
				revisit = true
				break
			}
		}
		if msg.IGTMs != nil {
			if *msg.IGTMs != p.IGTMs {
				p.LastIGTChangeAt = &now
			}
			p.IGTMs = *msg.IGTMs
		}
		p.ZoneHistory = append(p.ZoneHistory, domain.ZoneVisit{NodeID: nodeID, IGTMs: p.IGTMs})
		p.CurrentZone = nodeID
		if node.Layer > p.CurrentLayer {
			// High watermark: the layer never decreases.
			p.CurrentLayer = node.Layer
		}
		return nil
	})
	if errors.Is(err, errDropMessage) {
		return
	}
	if err != nil {
		s.h.log.Warn("traversal failed", "participant_id", s.participantID, "error", err)
		return
	}

	if revisit {
		s.unicastZone(p)
		s.spectatorPlayerUpdate(p)
	} else {
		s.broadcastBoard(ctx)
		s.unicastZone(p)
	}
}

func (s *modSession) handleZoneQuery(ctx context.Context, msg protocol.Inbound) {
	running, err := s.raceRunning(ctx)
	if err != nil || !running {
		return
	}
	p, err := s.h.store.UpdateParticipant(ctx, s.participantID, func(p *domain.Participant) error {
		if p.Status.Terminal() {
			return errDropMessage
		}
		nodeID, ok := resolve.Zone(s.graph, p.ZoneHistory, msg.ZoneQuery)
		if !ok {
			return errDropMessage // no resolution, no state change
		}
		// A hint only relocates the player; history and layer stay untouched.
		p.CurrentZone = nodeID
		return nil
	})
	if errors.Is(err, errDropMessage) {
		return
	}
	if err != nil {
		s.h.log.Warn("zone query failed", "participant_id", s.participantID, "error", err)
		return
	}
	s.unicastZone(p)
	s.spectatorPlayerUpdate(p)
}

func (s *modSession) unicastZone(p domain.Participant) {
	if zu, ok := protocol.NewZoneUpdate(s.graph, p.CurrentZone, p.ZoneHistory); ok {
		s.conn.Send(zu)
	}
}

func (s *modSession) spectatorPlayerUpdate(p domain.Participant) {
	pu := protocol.NewPlayerUpdate(p)
	s.rm.ToSpectators(protocol.TypePlayerUpdate, func(*room.Conn) any { return pu })
}

func (s *modSession) broadcastBoard(ctx context.Context) {
	if err := s.h.ctrl.BroadcastLeaderboard(ctx, s.raceID); err != nil {
		s.h.log.Warn("leaderboard broadcast failed", "race_id", s.raceID, "error", err)
	}
}
