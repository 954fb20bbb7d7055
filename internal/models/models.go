package models

import (
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("not found")
)

// User represents a user in the system.
type User struct {
	ID              string `json:"_id"`
	UserName        string `json:"username"`
	DisplayName     string `json:"displayName,omitempty"`
	ProfilePicURL   string `json:"profilePicUrl"`
	NewMessagePopup bool   `json:"newMessagePopup"`
}

// Profile is the display metadata of a user, as returned by the profile lookup.
type Profile struct {
	UserName      string `json:"username"`
	ProfilePicURL string `json:"profilePicUrl"`
}

// Me is the viewer's own account state, fetched once per session.
type Me struct {
	User                User     `json:"user"`
	Following           []string `json:"following"`
	UnreadMessages      int      `json:"unreadMessages"`
	UnreadNotifications int      `json:"unreadNotifications"`
}

// Conversation is the per-counterpart thread summary shown in the chat list.
// An empty LastMessage means no message has been sent yet.
type Conversation struct {
	MessagesWith  string    `json:"messagesWith"`
	UserName      string    `json:"username"`
	ProfilePicURL string    `json:"profilePicUrl"`
	LastMessage   string    `json:"lastMessage"`
	Date          time.Time `json:"date"`
}

// Message is a direct message. ID is empty until the server persists it.
type Message struct {
	ID       string    `json:"_id,omitempty"`
	Sender   string    `json:"sender"`
	Receiver string    `json:"receiver"`
	Msg      string    `json:"msg"`
	Date     time.Time `json:"date"`
	Deleted  bool      `json:"deleted,omitempty"`
}

// Counterpart returns the id of the participant that is not viewerID.
func (m Message) Counterpart(viewerID string) string {
	if m.Sender == viewerID {
		return m.Receiver
	}
	return m.Sender
}

// Post is the subject of a like notification.
type Post struct {
	ID     string   `json:"_id"`
	UserID string   `json:"user"`
	Likes  []string `json:"likes,omitempty"`
}

// PushSubscription is a browser web-push endpoint registered by a user.
type PushSubscription struct {
	Endpoint string `json:"endpoint"`
	Keys     struct {
		Auth   string `json:"auth"`
		P256dh string `json:"p256dh"`
	} `json:"keys"`
}

type APIResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}
