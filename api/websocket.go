package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/beer-garden/beer-garden/model"
	"github.com/beer-garden/beer-garden/token"
)

const (
	socketSendBuffer   = 256
	socketWriteTimeout = 10 * time.Second
	socketAuthDeadline = 30 * time.Second
	socketPingInterval = 30 * time.Second
)

// socketCommand is the client-to-server message shape. UPDATE_TOKEN
// authenticates the connection in-band since browsers cannot attach an
// Authorization header to a websocket handshake.
type socketCommand struct {
	Name    string `json:"name"`
	Payload string `json:"payload,omitempty"`
}

// eventSocket streams bus events to the client as serialized JSON.
func (s *Server) eventSocket(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.socketOriginCheck(),
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the failure response.
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	claims := claimsFrom(r.Context())
	if s.cfg.Get().Auth.Enabled && claims == nil {
		claims, err = s.socketHandshake(conn)
		if err != nil {
			msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "authorization required")
			_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(socketWriteTimeout))
			return
		}
	}

	send := make(chan model.Event, socketSendBuffer)
	unsubscribe := s.bus.Subscribe(func(event model.Event) {
		if !s.socketVisible(claims, event) {
			return
		}
		select {
		case send <- event:
		default:
			// Slow consumers lose events rather than stalling the bus.
		}
	})
	defer unsubscribe()

	done := make(chan struct{})
	go s.socketReader(conn, done)

	ping := time.NewTicker(socketPingInterval)
	defer ping.Stop()

	for {
		select {
		case event := <-send:
			conn.SetWriteDeadline(time.Now().Add(socketWriteTimeout))
			if err := conn.WriteJSON(event); err != nil {
				return
			}
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(socketWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

// socketHandshake waits for an UPDATE_TOKEN command carrying a valid
// access token.
func (s *Server) socketHandshake(conn *websocket.Conn) (*token.Claims, error) {
	conn.SetReadDeadline(time.Now().Add(socketAuthDeadline))
	defer conn.SetReadDeadline(time.Time{})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		var cmd socketCommand
		if err := json.Unmarshal(data, &cmd); err != nil || cmd.Name != "UPDATE_TOKEN" {
			continue
		}
		return s.tokens.Verify(context.Background(), cmd.Payload)
	}
}

// socketReader drains client frames so pings are answered and close
// frames are noticed.
func (s *Server) socketReader(conn *websocket.Conn, done chan<- struct{}) {
	defer close(done)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// socketVisible applies the event filters: USER_UPDATED never leaves the
// process, and principal payloads are restricted to admins.
func (s *Server) socketVisible(claims *token.Claims, event model.Event) bool {
	if event.Name == model.EventUserUpdated {
		return false
	}
	switch event.PayloadType {
	case "user", "token":
		if !s.cfg.Get().Auth.Enabled {
			return true
		}
		return claims != nil && hasRole(claims, "admin")
	}
	return true
}

func hasRole(claims *token.Claims, role string) bool {
	for _, r := range claims.Roles {
		if r == role {
			return true
		}
	}
	return false
}

func (s *Server) socketOriginCheck() func(*http.Request) bool {
	origins := s.cfg.Get().HTTP.CORSOrigins
	if len(origins) == 0 {
		return nil // same-origin default
	}
	allowed := make(map[string]bool, len(origins))
	allowAll := false
	for _, o := range origins {
		if o == "*" {
			allowAll = true
		}
		allowed[o] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || allowAll || allowed[origin]
	}
}
