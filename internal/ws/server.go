package ws

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

type tokenResolver interface {
	GetUserID(token string) (string, error)
}

type Server struct {
	auth     tokenResolver
	hub      *Hub
	upgrader *websocket.Upgrader
}

func NewServer(auth tokenResolver, hub *Hub) *Server {
	return &Server{
		auth: auth,
		hub:  hub,
		upgrader: &websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // Allow all origins for now
			},
		},
	}
}

// HandleConnections authenticates the request and serves one persistent
// connection until it closes.
func (s *Server) HandleConnections(w http.ResponseWriter, r *http.Request) {
	userID, err := s.auth.GetUserID(RequestToken(r))
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("error upgrading to websocket", "error", err)
		return
	}

	connID := uuid.NewString()
	slog.Debug("connection opened", "conn_id", connID, "user_id", userID)

	if err := NewConnection(s.hub, conn, connID, userID).Handle(r.Context()); err != nil {
		slog.Debug("connection closed", "conn_id", connID, "user_id", userID, "error", err)
	}
}

// RequestToken extracts the access token from the Authorization header,
// the token query parameter or the token cookie, in that order.
func RequestToken(r *http.Request) string {
	if token := r.Header.Get("Authorization"); token != "" {
		return strings.TrimPrefix(token, "Bearer ")
	}
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}
	if c, err := r.Cookie("token"); err == nil {
		return c.Value
	}
	return ""
}
