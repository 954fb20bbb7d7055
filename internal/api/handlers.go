package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"vestnik/internal/chat"
	"vestnik/internal/models"
	"vestnik/internal/storage"
	"vestnik/internal/ws"
)

type tokenResolver interface {
	GetUserID(token string) (string, error)
}

type apiStore interface {
	GetUser(id string) (models.User, error)
	Unread(userID string) (messages, notifications int, err error)
	ResetUnread(userID string, counter storage.Counter) error
	Follow(followerID, followeeID string) error
	Unfollow(followerID, followeeID string) error
	ListFollowing(followerID string) ([]string, error)
	AddPushSubscription(userID string, sub models.PushSubscription) error
}

type ctxKey struct{}

type API struct {
	auth  tokenResolver
	chats *chat.Service
	store apiStore
}

func New(auth tokenResolver, chats *chat.Service, store apiStore) *API {
	return &API{auth: auth, chats: chats, store: store}
}

// RequireAuth resolves the request token and passes the user id on in the
// request context.
func (a *API) RequireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, err := a.auth.GetUserID(ws.RequestToken(r))
		if err != nil {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, userID)))
	}
}

func userID(r *http.Request) string {
	id, _ := r.Context().Value(ctxKey{}).(string)
	return id
}

func (a *API) MeHandler(w http.ResponseWriter, r *http.Request) {
	id := userID(r)
	user, err := a.store.GetUser(id)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			http.Error(w, "User not found", http.StatusNotFound)
			return
		}
		http.Error(w, "Failed to load user", http.StatusInternalServerError)
		return
	}

	following, err := a.store.ListFollowing(id)
	if err != nil {
		http.Error(w, "Failed to load following", http.StatusInternalServerError)
		return
	}

	messages, notifications, err := a.store.Unread(id)
	if err != nil {
		http.Error(w, "Failed to load unread counters", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, models.Me{
		User:                user,
		Following:           following,
		UnreadMessages:      messages,
		UnreadNotifications: notifications,
	})
}

func (a *API) ChatsHandler(w http.ResponseWriter, r *http.Request) {
	conversations, err := a.chats.List(userID(r))
	if err != nil {
		log.Printf("failed to list chats: %v", err)
		http.Error(w, "Failed to list chats", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, conversations)
}

// UserInfoHandler returns the display metadata of the user in the path.
func (a *API) UserInfoHandler(w http.ResponseWriter, r *http.Request) {
	user, err := a.store.GetUser(r.PathValue("id"))
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			http.Error(w, "User not found", http.StatusNotFound)
			return
		}
		http.Error(w, "Failed to load user", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, models.Profile{
		UserName:      user.UserName,
		ProfilePicURL: user.ProfilePicURL,
	})
}

func (a *API) DeleteChatHandler(w http.ResponseWriter, r *http.Request) {
	if err := a.chats.Remove(userID(r), r.PathValue("id")); err != nil {
		if errors.Is(err, chat.ErrNoChat) {
			http.Error(w, "No chat found", http.StatusNotFound)
			return
		}
		log.Printf("failed to delete chat: %v", err)
		http.Error(w, "Failed to delete chat", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, models.APIResponse{Success: true})
}

func (a *API) ReadMessagesHandler(w http.ResponseWriter, r *http.Request) {
	a.resetUnread(w, r, storage.CounterMessages)
}

func (a *API) ReadNotificationsHandler(w http.ResponseWriter, r *http.Request) {
	a.resetUnread(w, r, storage.CounterNotifications)
}

func (a *API) resetUnread(w http.ResponseWriter, r *http.Request, counter storage.Counter) {
	if err := a.store.ResetUnread(userID(r), counter); err != nil {
		log.Printf("failed to reset unread counter: %v", err)
		http.Error(w, "Failed to mark as read", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, models.APIResponse{Success: true})
}

func (a *API) FollowHandler(w http.ResponseWriter, r *http.Request) {
	followee := r.PathValue("id")
	if followee == userID(r) {
		http.Error(w, "Cannot follow yourself", http.StatusBadRequest)
		return
	}
	if err := a.store.Follow(userID(r), followee); err != nil {
		if errors.Is(err, models.ErrNotFound) {
			http.Error(w, "User not found", http.StatusNotFound)
			return
		}
		log.Printf("failed to follow: %v", err)
		http.Error(w, "Failed to follow", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, models.APIResponse{Success: true})
}

func (a *API) UnfollowHandler(w http.ResponseWriter, r *http.Request) {
	if err := a.store.Unfollow(userID(r), r.PathValue("id")); err != nil {
		log.Printf("failed to unfollow: %v", err)
		http.Error(w, "Failed to unfollow", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, models.APIResponse{Success: true})
}

func (a *API) SubscribePushHandler(w http.ResponseWriter, r *http.Request) {
	var sub models.PushSubscription
	if err := json.NewDecoder(r.Body).Decode(&sub); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if sub.Endpoint == "" || sub.Keys.Auth == "" || sub.Keys.P256dh == "" {
		http.Error(w, "Endpoint and keys are required", http.StatusBadRequest)
		return
	}
	if err := a.store.AddPushSubscription(userID(r), sub); err != nil {
		log.Printf("failed to store push subscription: %v", err)
		http.Error(w, "Failed to subscribe", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, models.APIResponse{Success: true})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("failed to encode response: %v", err)
	}
}
