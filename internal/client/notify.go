package client

import (
	"time"

	"vestnik/internal/models"
)

const (
	NotificationDwell = 5 * time.Second

	RouteMessages      = "/messages"
	RouteNotifications = "/notifications"
)

// Scheduler runs fn once after d and returns a function that cancels it.
type Scheduler func(d time.Duration, fn func()) (cancel func())

// AfterFunc is a Scheduler backed by time.AfterFunc.
func AfterFunc(d time.Duration, fn func()) func() {
	t := time.AfterFunc(d, fn)
	return func() { t.Stop() }
}

// MessagePopup is the quick-reply popup for a message received outside the
// messages view.
type MessagePopup struct {
	Message    models.Message
	SenderName string
}

// NotificationDispatcher owns the two popup slots: the toast for social
// notifications from followed users, and the message popup.
//
// The toast slot holds one notification. A newer one replaces it and each
// shown notification is dismissed after NotificationDwell. Dismissal timers
// carry the generation they were armed for, so a stale timer never hides a
// newer notification.
type NotificationDispatcher struct {
	following    map[string]struct{}
	route        string
	popupEnabled bool

	schedule   Scheduler
	onDismiss  func()
	current    *models.NotificationPayload
	generation uint64
	cancel     func()

	popup *MessagePopup
}

// NewNotificationDispatcher creates a dispatcher. onDismiss, if set, runs
// whenever the toast times out.
func NewNotificationDispatcher(schedule Scheduler, onDismiss func()) *NotificationDispatcher {
	if schedule == nil {
		schedule = AfterFunc
	}
	return &NotificationDispatcher{
		following: make(map[string]struct{}),
		schedule:  schedule,
		onDismiss: onDismiss,
	}
}

func (d *NotificationDispatcher) SetFollowing(ids []string) {
	d.following = make(map[string]struct{}, len(ids))
	for _, id := range ids {
		d.following[id] = struct{}{}
	}
}

// SetRoute records the viewer's current route. Entering the messages view
// closes the message popup.
func (d *NotificationDispatcher) SetRoute(route string) {
	d.route = route
	if route == RouteMessages {
		d.popup = nil
	}
}

// SetPopupEnabled is the viewer's newMessagePopup preference.
func (d *NotificationDispatcher) SetPopupEnabled(enabled bool) {
	d.popupEnabled = enabled
}

// OnNotification shows n if its actor is followed and reports whether it did.
func (d *NotificationDispatcher) OnNotification(n models.NotificationPayload) bool {
	if _, ok := d.following[n.UserID]; !ok {
		return false
	}

	if d.cancel != nil {
		d.cancel()
	}
	d.generation++
	gen := d.generation
	d.current = &n
	d.cancel = d.schedule(NotificationDwell, func() { d.expire(gen) })
	return true
}

func (d *NotificationDispatcher) expire(gen uint64) {
	if gen != d.generation || d.current == nil {
		return
	}
	d.current = nil
	d.cancel = nil
	if d.onDismiss != nil {
		d.onDismiss()
	}
}

// Current returns the visible notification, if any.
func (d *NotificationDispatcher) Current() (models.NotificationPayload, bool) {
	if d.current == nil {
		return models.NotificationPayload{}, false
	}
	return *d.current, true
}

// OnNewMessage opens the message popup unless the viewer is in the messages
// view or has popups disabled, and reports whether it did.
func (d *NotificationDispatcher) OnNewMessage(msg models.Message, senderName string) bool {
	if d.route == RouteMessages || !d.popupEnabled {
		return false
	}
	d.popup = &MessagePopup{Message: msg, SenderName: senderName}
	return true
}

func (d *NotificationDispatcher) MessagePopup() (MessagePopup, bool) {
	if d.popup == nil {
		return MessagePopup{}, false
	}
	return *d.popup, true
}

func (d *NotificationDispatcher) CloseMessagePopup() {
	d.popup = nil
}

// Stop cancels the pending dismissal timer.
func (d *NotificationDispatcher) Stop() {
	if d.cancel != nil {
		d.cancel()
		d.cancel = nil
	}
}
