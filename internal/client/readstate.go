package client

// ReadKind names one of the two unread counters.
type ReadKind int

const (
	ReadMessages ReadKind = iota
	ReadNotifications
)

func (k ReadKind) String() string {
	if k == ReadMessages {
		return "messages"
	}
	return "notifications"
}

func (k ReadKind) route() string {
	if k == ReadMessages {
		return RouteMessages
	}
	return RouteNotifications
}

// ReadStateTracker keeps the unread message and notification counters.
// A counter grows only while its view is not active and drops to zero when
// the view becomes active. The methods return the kinds the caller must
// mark read on the server; marking is fire and forget.
type ReadStateTracker struct {
	route         string
	messages      int
	notifications int
}

// NewReadStateTracker seeds the counters with the server's values.
func NewReadStateTracker(messages, notifications int) *ReadStateTracker {
	return &ReadStateTracker{messages: messages, notifications: notifications}
}

// Navigate moves the viewer to route. Entering a view resets its counter and
// marks it read; leaving a view marks it read once more.
func (r *ReadStateTracker) Navigate(route string) []ReadKind {
	prev := r.route
	r.route = route

	var marks []ReadKind
	for _, k := range []ReadKind{ReadMessages, ReadNotifications} {
		switch {
		case route == k.route():
			r.reset(k)
			marks = append(marks, k)
		case prev == k.route():
			marks = append(marks, k)
		}
	}
	return marks
}

// OnMessageArrived counts a message unless the messages view is active and
// reports whether it did.
func (r *ReadStateTracker) OnMessageArrived() bool {
	if r.route == RouteMessages {
		return false
	}
	r.messages++
	return true
}

// OnNotificationArrived counts a notification unless the notifications view
// is active and reports whether it did.
func (r *ReadStateTracker) OnNotificationArrived() bool {
	if r.route == RouteNotifications {
		return false
	}
	r.notifications++
	return true
}

// Flush returns the kinds to mark read on teardown: those whose view is active.
func (r *ReadStateTracker) Flush() []ReadKind {
	for _, k := range []ReadKind{ReadMessages, ReadNotifications} {
		if r.route == k.route() {
			return []ReadKind{k}
		}
	}
	return nil
}

func (r *ReadStateTracker) Counts() (messages, notifications int) {
	return r.messages, r.notifications
}

func (r *ReadStateTracker) Route() string {
	return r.route
}

func (r *ReadStateTracker) reset(k ReadKind) {
	if k == ReadMessages {
		r.messages = 0
	} else {
		r.notifications = 0
	}
}
