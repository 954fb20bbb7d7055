package http

import (
	"context"
	"log"
	"net/http"
	"sync"

	"vestnik/internal/api"
	"vestnik/internal/auth"
	"vestnik/internal/chat"
	"vestnik/internal/storage"
	"vestnik/internal/ws"
)

type APIServer struct {
	server *http.Server
	wg     sync.WaitGroup
}

func NewAPIServer(authService *auth.AuthService, hub *ws.Hub, chats *chat.Service, store *storage.BboltStorage, addr string) *APIServer {
	server := ws.NewServer(authService, hub)
	apiHandlers := api.New(authService, chats, store)

	mux := http.NewServeMux()

	// REST endpoints
	mux.HandleFunc("GET /api/me", apiHandlers.RequireAuth(apiHandlers.MeHandler))
	mux.HandleFunc("GET /api/chats", apiHandlers.RequireAuth(apiHandlers.ChatsHandler))
	mux.HandleFunc("GET /api/chats/user/{id}", apiHandlers.RequireAuth(apiHandlers.UserInfoHandler))
	mux.HandleFunc("DELETE /api/chats/{id}", apiHandlers.RequireAuth(apiHandlers.DeleteChatHandler))
	mux.HandleFunc("POST /api/notifications/readMessages", apiHandlers.RequireAuth(apiHandlers.ReadMessagesHandler))
	mux.HandleFunc("POST /api/notifications/readNotifications", apiHandlers.RequireAuth(apiHandlers.ReadNotificationsHandler))
	mux.HandleFunc("POST /api/follow/{id}", apiHandlers.RequireAuth(apiHandlers.FollowHandler))
	mux.HandleFunc("DELETE /api/follow/{id}", apiHandlers.RequireAuth(apiHandlers.UnfollowHandler))
	mux.HandleFunc("POST /api/push/subscribe", apiHandlers.RequireAuth(apiHandlers.SubscribePushHandler))

	// WebSocket endpoint
	mux.HandleFunc("/api/chat", server.HandleConnections)

	if addr == "" {
		addr = ":8080"
	}

	return &APIServer{
		server: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
	}
}

func (s *APIServer) Start() error {
	log.Printf("Server started on %s", s.server.Addr)
	s.wg.Add(1)
	defer s.wg.Done()

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *APIServer) Shutdown(ctx context.Context) error {
	defer s.wg.Wait()
	return s.server.Shutdown(ctx)
}
