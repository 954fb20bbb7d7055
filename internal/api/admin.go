package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"vestnik/internal/content"
	"vestnik/internal/models"

	"github.com/google/uuid"
)

type tokenIssuer interface {
	IssueToken(userID string) (string, error)
}

type adminStore interface {
	UpsertUser(user models.User) error
	FindUserByName(userName string) (models.User, error)
	CreatePost(post models.Post) error
}

type AdminHandler struct {
	auth  tokenIssuer
	store adminStore
}

func NewAdminHandler(auth tokenIssuer, store adminStore) *AdminHandler {
	return &AdminHandler{auth: auth, store: store}
}

type AddUserRequest struct {
	Username        string `json:"username"`
	DisplayName     string `json:"displayName,omitempty"`
	ProfilePicURL   string `json:"profilePicUrl,omitempty"`
	NewMessagePopup bool   `json:"newMessagePopup,omitempty"`
}

type AddUserResponse struct {
	Success  bool   `json:"success"`
	Message  string `json:"message,omitempty"`
	UserID   string `json:"userId,omitempty"`
	Username string `json:"username,omitempty"`
	Token    string `json:"token,omitempty"`
}

func (h *AdminHandler) AddUserHandler(w http.ResponseWriter, r *http.Request) {
	var req AddUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if err := content.ValidateUsername(req.Username); err != nil {
		writeJSON(w, http.StatusBadRequest, AddUserResponse{Message: err.Error()})
		return
	}

	if _, err := h.store.FindUserByName(req.Username); err == nil {
		writeJSON(w, http.StatusConflict, AddUserResponse{Message: "Username already taken"})
		return
	} else if !errors.Is(err, models.ErrNotFound) {
		http.Error(w, "Failed to look up user", http.StatusInternalServerError)
		return
	}

	displayName := content.Sanitize(req.DisplayName)
	if displayName == "" {
		displayName = req.Username
	}

	user := models.User{
		ID:              uuid.NewString(),
		UserName:        req.Username,
		DisplayName:     displayName,
		ProfilePicURL:   req.ProfilePicURL,
		NewMessagePopup: req.NewMessagePopup,
	}
	if err := h.store.UpsertUser(user); err != nil {
		writeJSON(w, http.StatusInternalServerError, AddUserResponse{
			Message: fmt.Sprintf("Failed to create user: %v", err),
		})
		return
	}

	token, err := h.auth.IssueToken(user.ID)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, AddUserResponse{
			Message: fmt.Sprintf("Failed to issue token: %v", err),
		})
		return
	}

	writeJSON(w, http.StatusOK, AddUserResponse{
		Success:  true,
		UserID:   user.ID,
		Username: user.UserName,
		Token:    token,
	})
}

type CreatePostRequest struct {
	UserID string `json:"userId"`
}

type CreatePostResponse struct {
	models.APIResponse
	PostID string `json:"postId,omitempty"`
}

// CreatePostHandler creates an empty post owned by a user so that it can be liked.
func (h *AdminHandler) CreatePostHandler(w http.ResponseWriter, r *http.Request) {
	var req CreatePostRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	post := models.Post{ID: uuid.NewString(), UserID: req.UserID}
	if err := h.store.CreatePost(post); err != nil {
		if errors.Is(err, models.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, CreatePostResponse{
				APIResponse: models.APIResponse{Message: "User not found"},
			})
			return
		}
		writeJSON(w, http.StatusInternalServerError, CreatePostResponse{
			APIResponse: models.APIResponse{Message: fmt.Sprintf("Failed to create post: %v", err)},
		})
		return
	}

	writeJSON(w, http.StatusOK, CreatePostResponse{
		APIResponse: models.APIResponse{Success: true},
		PostID:      post.ID,
	})
}
