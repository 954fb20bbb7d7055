package client

import (
	"fmt"

	"vestnik/internal/models"
)

type EffectKind int

const (
	// EffectBadge: unread counters changed.
	EffectBadge EffectKind = iota
	EffectPresence
	EffectChatList
	// EffectHistory: the open conversation or its messages changed.
	EffectHistory
	// EffectScroll: scroll the open conversation to its newest message.
	EffectScroll
	EffectToast
	EffectToastDismiss
	EffectMessagePopup
	// EffectSound: play the new message cue for SenderName.
	EffectSound
	// EffectAlert: a user-visible failure, in Err.
	EffectAlert
	EffectConnected
	// EffectDisconnected: the connection failed or dropped. Err is nil after
	// an explicit Disconnect.
	EffectDisconnected
)

var effectNames = map[EffectKind]string{
	EffectBadge:        "badge",
	EffectPresence:     "presence",
	EffectChatList:     "chat-list",
	EffectHistory:      "history",
	EffectScroll:       "scroll",
	EffectToast:        "toast",
	EffectToastDismiss: "toast-dismiss",
	EffectMessagePopup: "message-popup",
	EffectSound:        "sound",
	EffectAlert:        "alert",
	EffectConnected:    "connected",
	EffectDisconnected: "disconnected",
}

func (k EffectKind) String() string {
	if name, ok := effectNames[k]; ok {
		return name
	}
	return fmt.Sprintf("EffectKind(%d)", int(k))
}

// Effect is a user-facing consequence of an event. Only the fields that
// belong to Kind are set.
type Effect struct {
	Kind EffectKind

	UnreadMessages      int
	UnreadNotifications int

	Notification models.NotificationPayload
	Popup        MessagePopup
	SenderName   string

	Err error
}
