package httpapi

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/engine"
	"github.com/example/ride-dispatch/internal/observability"
)

const maxMessageBytes = 64 << 10

var errRateLimited = errors.New("too many requests")

var upgrader = websocket.Upgrader{
	CheckOrigin: func(*http.Request) bool { return true },
}

// handleWS serves the submission intake. Each text frame is one ride
// request; the connection then receives every push for the requests it
// submitted until it closes.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("ws_upgrade_failed", "error", err)
		return
	}
	sess := dispatch.NewWSSession(uuid.NewString(), conn)
	observability.Connections.Inc()
	log := s.logger.With("conn_id", sess.ID())
	log.Info("ws_connected", "remote_addr", remoteIP(r))

	defer func() {
		for _, requestID := range s.Registry.Unregister(sess) {
			s.Engine.Streams().Stop(requestID)
		}
		observability.Connections.Dec()
		_ = sess.Close()
		log.Info("ws_disconnected")
	}()

	conn.SetReadLimit(maxMessageBytes)
	limiter := rate.NewLimiter(s.SubmitLimit, s.SubmitBurst)
	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Warn("ws_read_failed", "error", err)
			}
			return
		}
		if kind != websocket.TextMessage && kind != websocket.BinaryMessage {
			continue
		}
		if !limiter.Allow() {
			_ = sess.Send(dispatch.NewErrorMessage(errRateLimited))
			continue
		}
		sub, err := engine.ParseSubmission(data)
		if err != nil {
			log.Info("submission_rejected", "error", err)
			_ = sess.Send(dispatch.NewErrorMessage(err))
			continue
		}
		req, err := s.Engine.Submit(r.Context(), sub)
		if err != nil {
			log.Error("submission_failed", "error", err)
			_ = sess.Send(dispatch.NewErrorMessage(errors.New("could not store request")))
			continue
		}
		s.Registry.Register(req.ID, sess)
		if err := sess.Send(dispatch.NewAck(req.ID)); err != nil {
			log.Warn("ack_failed", "request_id", req.ID, "error", err)
			return
		}
	}
}
