package models

import (
	"encoding/json"
	"fmt"
)

// EventType names a frame on the persistent connection.
type EventType string

const (
	// client -> server
	EventJoin         EventType = "join"
	EventJoinChat     EventType = "joinChat"
	EventLoadMessages EventType = "loadMessages"
	EventSendNewMsg   EventType = "sendNewMsg"
	EventDeleteMsg    EventType = "deleteMsg"
	EventLikePost     EventType = "likePost"

	// server -> client
	EventConnectedUsers          EventType = "connectedUsers"
	EventMessagesLoaded          EventType = "messagesLoaded"
	EventNoChatFound             EventType = "noChatFound"
	EventMsgSent                 EventType = "msgSent"
	EventNewMsgReceived          EventType = "newMsgReceived"
	EventMsgDeleted              EventType = "msgDeleted"
	EventNewNotificationReceived EventType = "newNotificationReceived"

	// EventRequestFailed answers a loadMessages, sendNewMsg or deleteMsg
	// the server rejected.
	EventRequestFailed EventType = "requestFailed"
)

// Envelope is a single frame: an event name and its JSON payload.
type Envelope struct {
	Event EventType       `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// NewEnvelope encodes payload as the data of an event frame.
// A nil payload produces an empty object.
func NewEnvelope(event EventType, payload any) (Envelope, error) {
	if payload == nil {
		return Envelope{Event: event, Data: json.RawMessage("{}")}, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("failed to encode %s payload: %w", event, err)
	}
	return Envelope{Event: event, Data: data}, nil
}

// Decode unmarshals the envelope data into v.
func (e Envelope) Decode(v any) error {
	if len(e.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("malformed %s payload: %w", e.Event, err)
	}
	return nil
}

type JoinPayload struct {
	UserID string `json:"userId"`
}

// ConnectedUser is one entry of a presence snapshot.
type ConnectedUser struct {
	UserID        string `json:"userId"`
	UserName      string `json:"username,omitempty"`
	ProfilePicURL string `json:"profilePicUrl,omitempty"`
}

// ConnectedUsersPayload is a full presence snapshot; it supersedes every earlier one.
type ConnectedUsersPayload struct {
	Users []ConnectedUser `json:"users"`
}

type LoadMessagesPayload struct {
	UserID       string `json:"userId"`
	MessagesWith string `json:"messagesWith"`
}

// Thread is an existing conversation history together with the counterpart's metadata.
type Thread struct {
	Messages     []Message `json:"messages"`
	MessagesWith User      `json:"messagesWith"`
}

// NoChatFoundPayload names the counterpart of the open that found no thread.
type NoChatFoundPayload struct {
	MessagesWith string `json:"messagesWith,omitempty"`
}

type MessagesLoadedPayload struct {
	Chat Thread `json:"chat"`
}

type SendNewMsgPayload struct {
	UserID          string `json:"userId"`
	MsgSendToUserID string `json:"msgSendToUserId"`
	Msg             string `json:"msg"`
}

// NewMsgPayload carries a persisted message, both for msgSent and newMsgReceived.
type NewMsgPayload struct {
	NewMsg Message `json:"newMsg"`
}

type DeleteMsgPayload struct {
	UserID       string `json:"userId"`
	MessagesWith string `json:"messagesWith"`
	MessageID    string `json:"messageId"`
}

// MsgDeletedPayload acknowledges a deleteMsg.
type MsgDeletedPayload struct {
	MessagesWith string `json:"messagesWith,omitempty"`
	MessageID    string `json:"messageId,omitempty"`
}

// RequestFailedPayload carries the ids of the rejected request so the client
// can retire it.
type RequestFailedPayload struct {
	Request      EventType `json:"request"`
	MessagesWith string    `json:"messagesWith,omitempty"`
	MessageID    string    `json:"messageId,omitempty"`
	Error        string    `json:"error"`
}

type LikePostPayload struct {
	UserID string `json:"userId"`
	PostID string `json:"postId"`
}

// NotificationPayload is a social-action notification. UserID is the actor.
type NotificationPayload struct {
	UserID        string `json:"userId"`
	UserName      string `json:"username"`
	ProfilePicURL string `json:"profilePicUrl"`
	PostID        string `json:"postId"`
	Like          bool   `json:"like"`
}
