package httpapi

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/carebridge/triage/internal/apperr"
	"github.com/carebridge/triage/internal/bus"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Cross-origin policy matches the HTTP surface.
	CheckOrigin: func(r *http.Request) bool { return true },
}

const wsWriteWait = 10 * time.Second

// handleWS joins the caller to the case event room. PHWs authenticate with
// their bearer session; specialists present their escalation token as a query
// parameter.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	caseID := mux.Vars(r)["id"]

	role, err := s.wsRole(r, caseID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if _, err := s.store.GetCase(r.Context(), caseID); err != nil {
		s.writeError(w, r, err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	sub := s.bus.Subscribe(caseID, role)
	log.Info().Str("case_id", caseID).Str("role", string(role)).Msg("event subscriber connected")

	go s.wsRead(conn, caseID, sub)
	s.wsWrite(conn, caseID, sub)
}

// wsRole derives the subscriber role from the presented credential.
func (s *Server) wsRole(r *http.Request, caseID string) (bus.Role, error) {
	if presented := r.URL.Query().Get("token"); presented != "" {
		c, err := s.resolveToken(r, presented)
		if err != nil {
			return "", err
		}
		if c.ID != caseID {
			return "", apperr.TokenInvalid("escalation token invalid or expired")
		}
		return bus.RoleSpecialist, nil
	}

	claims, err := s.parseBearer(r)
	if err != nil {
		return "", err
	}
	if claims.Role != rolePHW && claims.Role != roleAdmin {
		return "", apperr.New(apperr.KindForbidden, "insufficient role")
	}
	return bus.RolePHW, nil
}

// wsRead discards inbound frames; the channel is server-push only. Reading
// keeps pong handling alive and detects the peer going away.
func (s *Server) wsRead(conn *websocket.Conn, caseID string, sub *bus.Subscriber) {
	defer s.bus.Unsubscribe(caseID, sub)
	conn.SetReadLimit(1024)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// wsWrite pumps room events to the peer and emits the idle keepalive.
func (s *Server) wsWrite(conn *websocket.Conn, caseID string, sub *bus.Subscriber) {
	ticker := time.NewTicker(s.cfg.Bus.PingInterval)
	defer func() {
		ticker.Stop()
		s.bus.Unsubscribe(caseID, sub)
		conn.Close()
	}()

	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				// Dropped by the bus (slow consumer) or unsubscribed.
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "subscriber dropped"),
					time.Now().Add(wsWriteWait))
				return
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
			// Keepalive only fires after a quiet interval.
			ticker.Reset(s.cfg.Bus.PingInterval)
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(bus.Event{
				Type:      bus.EventPing,
				CaseID:    caseID,
				Timestamp: time.Now().UTC(),
			}); err != nil {
				return
			}
		}
	}
}
