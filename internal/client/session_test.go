package client

import (
	"context"
	"errors"
	"testing"
	"time"

	"vestnik/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type harness struct {
	s      *Session
	api    *fakeAPI
	dialer *fakeDialer
	conn   *fakeConn
	cancel context.CancelFunc
}

func newAPI() *fakeAPI {
	return &fakeAPI{
		me: models.Me{
			User:      models.User{ID: "me", UserName: "me", NewMessagePopup: true},
			Following: []string{"bob", "carol"},
		},
		chats: []models.Conversation{conv("a", "1", 5), conv("b", "2", 3), conv("c", "3", 1)},
		profiles: map[string]models.Profile{
			"sam":  {UserName: "sam", ProfilePicURL: "s.png"},
			"nina": {UserName: "nina"},
		},
	}
}

func startSession(t *testing.T, api *fakeAPI, opts ...func(*Config)) *harness {
	t.Helper()

	d := &fakeDialer{}
	cfg := Config{Token: "tok", Dialer: d, API: api, Route: "/"}
	for _, opt := range opts {
		opt(&cfg)
	}

	ctx, cancel := context.WithCancel(context.Background())
	h := &harness{s: NewSession(cfg), api: api, dialer: d, cancel: cancel}
	go func() { _ = h.s.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-h.s.Done()
	})

	h.eventually(t, func(s Snapshot) bool { return s.Connected })
	h.conn = d.last()
	h.conn.expect(t, models.EventJoin, nil)
	h.conn.expect(t, models.EventJoinChat, nil)
	return h
}

func (h *harness) eventually(t *testing.T, cond func(Snapshot) bool) Snapshot {
	t.Helper()
	var snap Snapshot
	require.Eventually(t, func() bool {
		s, err := h.s.Snapshot()
		if err != nil || !cond(s) {
			return false
		}
		snap = s
		return true
	}, time.Second, 5*time.Millisecond)
	return snap
}

func (h *harness) snapshot(t *testing.T) Snapshot {
	t.Helper()
	snap, err := h.s.Snapshot()
	require.NoError(t, err)
	return snap
}

func (h *harness) waitEffect(t *testing.T, kind EffectKind) Effect {
	t.Helper()
	deadline := time.After(time.Second)
	for {
		select {
		case e := <-h.s.Effects():
			if e.Kind == kind {
				return e
			}
		case <-deadline:
			t.Fatalf("no %s effect", kind)
			return Effect{}
		}
	}
}

func (h *harness) receive(t *testing.T, msg models.Message) {
	t.Helper()
	h.conn.push(t, models.EventNewMsgReceived, models.NewMsgPayload{NewMsg: msg})
}

// open opens counterpartID and answers with its existing thread.
func (h *harness) open(t *testing.T, counterpartID string, msgs ...models.Message) {
	t.Helper()
	require.NoError(t, h.s.Open(counterpartID))
	h.conn.expect(t, models.EventLoadMessages, nil)
	h.conn.push(t, models.EventMessagesLoaded, loaded(counterpartID, msgs...))
	h.eventually(t, func(s Snapshot) bool {
		return s.OpenID == counterpartID && len(s.History) == len(msgs)
	})
}

func chatIDs(convs []models.Conversation) []string {
	out := []string{}
	for _, c := range convs {
		out = append(out, c.MessagesWith)
	}
	return out
}

func countChats(convs []models.Conversation, id string) int {
	n := 0
	for _, c := range convs {
		if c.MessagesWith == id {
			n++
		}
	}
	return n
}

func TestSession_Bootstrap(t *testing.T) {
	api := newAPI()
	api.me.UnreadMessages = 3
	api.me.UnreadNotifications = 1
	h := startSession(t, api)

	snap := h.snapshot(t)
	assert.Equal(t, "me", snap.User.ID)
	assert.Equal(t, []string{"a", "b", "c"}, chatIDs(snap.Chats))
	assert.Equal(t, 3, snap.UnreadMessages)
	assert.Equal(t, 1, snap.UnreadNotifications)
	assert.Equal(t, "/", snap.Route)
	assert.Equal(t, []string{"tok"}, h.dialer.tokens)

	h.waitEffect(t, EffectConnected)
}

func TestSession_BootstrapFailure(t *testing.T) {
	api := newAPI()
	api.meErr = errors.New("unavailable")
	s := NewSession(Config{Token: "tok", Dialer: &fakeDialer{}, API: api})

	err := s.Run(context.Background())
	assert.ErrorContains(t, err, "unavailable")
	assert.ErrorIs(t, s.Navigate("/"), ErrSessionClosed)
}

func TestSession_PresenceOnlyFollowed(t *testing.T) {
	h := startSession(t, newAPI())

	h.conn.push(t, models.EventConnectedUsers, snapshot("bob", "eve", "carol"))
	snap := h.eventually(t, func(s Snapshot) bool { return len(s.Online) > 0 })
	for _, u := range snap.Online {
		assert.NotEqual(t, "eve", u.UserID)
	}
	assert.Len(t, snap.Online, 2)

	h.conn.push(t, models.EventConnectedUsers, snapshot("eve"))
	h.eventually(t, func(s Snapshot) bool { return len(s.Online) == 0 })
}

func TestSession_IncomingMovesToHead(t *testing.T) {
	h := startSession(t, newAPI())

	h.receive(t, msgFrom("c", "now", 10))
	snap := h.eventually(t, func(s Snapshot) bool { return s.Chats[0].MessagesWith == "c" })
	assert.Equal(t, []string{"c", "a", "b"}, chatIDs(snap.Chats))
	assert.Equal(t, "now", snap.Chats[0].LastMessage)
	assert.Equal(t, at(10), snap.Chats[0].Date)
}

func TestSession_NoDuplicateConversationsUnderLookupRace(t *testing.T) {
	api := newAPI()
	api.lookupGate = make(chan struct{})
	h := startSession(t, api)

	h.receive(t, msgFrom("sam", "one", 10))
	h.receive(t, msgFrom("sam", "two", 11))
	h.receive(t, msgFrom("sam", "three", 12))

	snap := h.eventually(t, func(s Snapshot) bool { return s.UnreadMessages == 3 })
	assert.Zero(t, countChats(snap.Chats, "sam"), "absent until the lookup resolves")

	close(api.lookupGate)
	snap = h.eventually(t, func(s Snapshot) bool { return countChats(s.Chats, "sam") > 0 })
	assert.Equal(t, 1, countChats(snap.Chats, "sam"))
	assert.Equal(t, "sam", snap.Chats[0].MessagesWith)
	assert.Equal(t, "three", snap.Chats[0].LastMessage)
	assert.Equal(t, "sam", snap.Chats[0].UserName)

	h.receive(t, msgFrom("sam", "four", 13))
	snap = h.eventually(t, func(s Snapshot) bool { return s.Chats[0].LastMessage == "four" })
	assert.Equal(t, 1, countChats(snap.Chats, "sam"))
	assert.Len(t, snap.Chats, 4)
}

func TestSession_FailedLookupRetriedByLaterMessage(t *testing.T) {
	api := newAPI()
	h := startSession(t, api)

	h.receive(t, msgFrom("ghost", "boo", 10))
	h.eventually(t, func(s Snapshot) bool { return s.UnreadMessages == 1 })
	require.Eventually(t, func() bool {
		pending := true
		_ = h.s.call(func() error {
			pending = h.s.chats.Pending("ghost")
			return nil
		})
		return !pending
	}, time.Second, 5*time.Millisecond)
	assert.Zero(t, countChats(h.snapshot(t).Chats, "ghost"))

	api.mu.Lock()
	api.profiles["ghost"] = models.Profile{UserName: "ghost"}
	api.mu.Unlock()

	h.receive(t, msgFrom("ghost", "boo again", 11))
	snap := h.eventually(t, func(s Snapshot) bool { return countChats(s.Chats, "ghost") == 1 })
	assert.Equal(t, "boo again", snap.Chats[0].LastMessage)
}

func TestSession_DeleteChat(t *testing.T) {
	tests := []struct {
		name    string
		ack     bool
		wantErr bool
	}{
		{name: "lastMessage empty removes locally", ack: false},
		{name: "lastMessage hi surfaces error", ack: true, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := newAPI()
			api.deleteErr = &StatusError{Code: 500}
			h := startSession(t, api)

			require.NoError(t, h.s.Open("nina"))
			h.conn.expect(t, models.EventLoadMessages, nil)
			h.conn.push(t, models.EventNoChatFound, models.NoChatFoundPayload{MessagesWith: "nina"})
			snap := h.eventually(t, func(s Snapshot) bool { return countChats(s.Chats, "nina") == 1 })
			assert.Equal(t, "nina", snap.Chats[0].MessagesWith)
			assert.Empty(t, snap.Chats[0].LastMessage)
			assert.Equal(t, "nina", snap.Counterpart.UserName)

			require.NoError(t, h.s.Send("nina", "hi"))
			h.conn.expect(t, models.EventSendNewMsg, nil)
			if tt.ack {
				h.conn.push(t, models.EventMsgSent, models.NewMsgPayload{NewMsg: models.Message{
					ID: "m1", Sender: "me", Receiver: "nina", Msg: "hi", Date: at(20),
				}})
				h.eventually(t, func(s Snapshot) bool { return s.Chats[0].LastMessage == "hi" })
			}

			err := h.s.DeleteChat("nina")
			snap = h.snapshot(t)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrDeleteChat)
				assert.Equal(t, 1, countChats(snap.Chats, "nina"))
				assert.Equal(t, "nina", snap.OpenID)
				alert := h.waitEffect(t, EffectAlert)
				assert.ErrorIs(t, alert.Err, ErrDeleteChat)
			} else {
				assert.NoError(t, err)
				assert.Zero(t, countChats(snap.Chats, "nina"))
				assert.Empty(t, snap.OpenID)
			}
			assert.Equal(t, []string{"nina"}, api.deleted)
		})
	}
}

func TestSession_UnreadMessagesResetOnNavigate(t *testing.T) {
	api := newAPI()
	h := startSession(t, api)

	h.receive(t, msgFrom("a", "ping", 10))
	h.eventually(t, func(s Snapshot) bool { return s.UnreadMessages == 1 })
	for badge := h.waitEffect(t, EffectBadge); badge.UnreadMessages != 1; {
		badge = h.waitEffect(t, EffectBadge)
	}

	require.NoError(t, h.s.Navigate(RouteMessages))
	assert.Zero(t, h.snapshot(t).UnreadMessages)
	require.Eventually(t, func() bool { return api.markCount(ReadMessages) == 1 }, time.Second, 5*time.Millisecond)

	// Not counted while the view is active.
	h.receive(t, msgFrom("a", "pong", 11))
	h.eventually(t, func(s Snapshot) bool { return s.Chats[0].LastMessage == "pong" })
	assert.Zero(t, h.snapshot(t).UnreadMessages)
}

func TestSession_NotificationDwell(t *testing.T) {
	sched := &fakeScheduler{}
	h := startSession(t, newAPI(), func(c *Config) { c.Schedule = sched.schedule })

	h.conn.push(t, models.EventNewNotificationReceived, like("bob", "p1"))
	h.eventually(t, func(s Snapshot) bool { return s.Toast != nil && s.Toast.UserID == "bob" })
	h.conn.push(t, models.EventNewNotificationReceived, like("carol", "p2"))
	h.eventually(t, func(s Snapshot) bool { return s.Toast != nil && s.Toast.UserID == "carol" })
	require.Equal(t, 2, sched.armed())

	sched.fire(0)
	snap := h.snapshot(t)
	require.NotNil(t, snap.Toast)
	assert.Equal(t, "carol", snap.Toast.UserID)

	sched.fire(1)
	assert.Nil(t, h.snapshot(t).Toast)
	h.waitEffect(t, EffectToastDismiss)

	// Not followed: counted, never shown.
	h.conn.push(t, models.EventNewNotificationReceived, like("eve", "p3"))
	snap = h.eventually(t, func(s Snapshot) bool { return s.UnreadNotifications == 3 })
	assert.Nil(t, snap.Toast)
	assert.Equal(t, 2, sched.armed())
}

func TestSession_SendAppendsOnceOnAck(t *testing.T) {
	h := startSession(t, newAPI())
	h.open(t, "b", msgFrom("b", "1", 1))

	require.NoError(t, h.s.Send("b", "hello"))
	var req models.SendNewMsgPayload
	h.conn.expect(t, models.EventSendNewMsg, &req)
	assert.Equal(t, models.SendNewMsgPayload{UserID: "me", MsgSendToUserID: "b", Msg: "hello"}, req)
	assert.Len(t, h.snapshot(t).History, 1)

	h.conn.push(t, models.EventMsgSent, models.NewMsgPayload{NewMsg: models.Message{
		ID: "m2", Sender: "me", Receiver: "b", Msg: "hello", Date: at(20),
	}})
	snap := h.eventually(t, func(s Snapshot) bool { return len(s.History) == 2 })
	assert.Equal(t, []string{"b1", "m2"}, ids(snap.History))
	assert.Equal(t, []string{"a", "b", "c"}, chatIDs(snap.Chats))

	time.Sleep(20 * time.Millisecond)
	assert.Len(t, h.snapshot(t).History, 2)

	assert.ErrorIs(t, h.s.Send("b", " "), ErrEmptyMessage)
}

func TestSession_ReceiveIntoOpenConversation(t *testing.T) {
	h := startSession(t, newAPI())
	h.open(t, "b", msgFrom("b", "1", 1))

	h.receive(t, msgFrom("b", "2", 10))
	snap := h.eventually(t, func(s Snapshot) bool { return len(s.History) == 2 })
	assert.Equal(t, []string{"b1", "b2"}, ids(snap.History))
	// Open conversations are updated in place.
	assert.Equal(t, []string{"a", "b", "c"}, chatIDs(snap.Chats))
	assert.Equal(t, "2", snap.Chats[1].LastMessage)
	h.waitEffect(t, EffectScroll)
}

func TestSession_DeleteMessage(t *testing.T) {
	h := startSession(t, newAPI())
	h.open(t, "b", msgFrom("b", "1", 1), msgFrom("b", "2", 2))

	require.NoError(t, h.s.DeleteMessage("b1"))
	var req models.DeleteMsgPayload
	h.conn.expect(t, models.EventDeleteMsg, &req)
	assert.Equal(t, "b", req.MessagesWith)
	assert.Len(t, h.snapshot(t).History, 2)

	h.conn.push(t, models.EventMsgDeleted, models.MsgDeletedPayload{MessagesWith: "b", MessageID: "b1"})
	snap := h.eventually(t, func(s Snapshot) bool { return len(s.History) == 1 })
	assert.Equal(t, []string{"b2"}, ids(snap.History))
}

func TestSession_RejectedDeleteThenValidDelete(t *testing.T) {
	h := startSession(t, newAPI())
	h.open(t, "b", msgFrom("b", "1", 1), msgFrom("b", "2", 2))

	// Ids outside the history never reach the server.
	assert.ErrorIs(t, h.s.DeleteMessage("gone"), ErrMessageNotFound)

	require.NoError(t, h.s.DeleteMessage("b1"))
	h.conn.expect(t, models.EventDeleteMsg, nil)
	assert.ErrorIs(t, h.s.DeleteMessage("b1"), ErrDeletePending)
	require.NoError(t, h.s.DeleteMessage("b2"))
	h.conn.expect(t, models.EventDeleteMsg, nil)

	h.conn.push(t, models.EventRequestFailed, models.RequestFailedPayload{
		Request: models.EventDeleteMsg, MessagesWith: "b", MessageID: "b1", Error: "message not found",
	})
	h.conn.push(t, models.EventMsgDeleted, models.MsgDeletedPayload{MessagesWith: "b", MessageID: "b2"})

	alert := h.waitEffect(t, EffectAlert)
	assert.ErrorIs(t, alert.Err, ErrRequestFailed)
	snap := h.eventually(t, func(s Snapshot) bool { return len(s.History) == 1 })
	assert.Equal(t, []string{"b1"}, ids(snap.History))
}

func TestSession_LoadFailureAlerts(t *testing.T) {
	h := startSession(t, newAPI())

	require.NoError(t, h.s.Open("b"))
	h.conn.expect(t, models.EventLoadMessages, nil)
	h.conn.push(t, models.EventRequestFailed, models.RequestFailedPayload{
		Request: models.EventLoadMessages, MessagesWith: "b", Error: "internal error",
	})
	alert := h.waitEffect(t, EffectAlert)
	assert.ErrorIs(t, alert.Err, ErrRequestFailed)
	assert.ErrorContains(t, alert.Err, "internal error")

	// The next open is matched to its own answer.
	h.open(t, "c", msgFrom("c", "1", 1))
	assert.Equal(t, []string{"c1"}, ids(h.snapshot(t).History))
}

func TestSession_MalformedMessageFramesDropped(t *testing.T) {
	api := newAPI()
	h := startSession(t, api)

	h.conn.in <- models.Envelope{Event: models.EventNewMsgReceived, Data: []byte(`{}`)}
	h.conn.in <- models.Envelope{Event: models.EventNewMsgReceived, Data: []byte(`{"newMsg":{}}`)}
	h.conn.in <- models.Envelope{Event: models.EventMsgSent, Data: []byte(`{"newMsg":{}}`)}
	h.receive(t, msgFrom("a", "real", 10))

	snap := h.eventually(t, func(s Snapshot) bool { return s.UnreadMessages > 0 })
	assert.Equal(t, 1, snap.UnreadMessages)
	assert.Equal(t, []string{"a", "b", "c"}, chatIDs(snap.Chats))
	assert.Equal(t, "real", snap.Chats[0].LastMessage)
	assert.Zero(t, api.lookups.Load())
}

func TestSession_ReplyFromPopup(t *testing.T) {
	h := startSession(t, newAPI())

	h.receive(t, msgFrom("a", "yo", 10))
	h.waitEffect(t, EffectMessagePopup)
	snap := h.snapshot(t)
	require.NotNil(t, snap.Popup)

	// Replying does not open the conversation.
	require.NoError(t, h.s.Send(snap.Popup.Message.Sender, "hey"))
	require.NoError(t, h.s.CloseMessagePopup())
	var req models.SendNewMsgPayload
	h.conn.expect(t, models.EventSendNewMsg, &req)
	assert.Equal(t, models.SendNewMsgPayload{UserID: "me", MsgSendToUserID: "a", Msg: "hey"}, req)

	h.conn.push(t, models.EventMsgSent, models.NewMsgPayload{NewMsg: models.Message{
		ID: "m1", Sender: "me", Receiver: "a", Msg: "hey", Date: at(11),
	}})
	snap = h.eventually(t, func(s Snapshot) bool { return s.Chats[0].LastMessage == "hey" })
	assert.Nil(t, snap.Popup)
	assert.Empty(t, snap.OpenID)
	assert.Empty(t, snap.History)
}

func TestSession_MessagePopup(t *testing.T) {
	h := startSession(t, newAPI())

	h.receive(t, msgFrom("a", "yo", 10))
	popup := h.waitEffect(t, EffectMessagePopup)
	assert.Equal(t, "a", popup.Popup.SenderName)
	assert.Equal(t, "yo", popup.Popup.Message.Msg)
	sound := h.waitEffect(t, EffectSound)
	assert.Equal(t, "a", sound.SenderName)
	require.NotNil(t, h.snapshot(t).Popup)

	require.NoError(t, h.s.Navigate(RouteMessages))
	assert.Nil(t, h.snapshot(t).Popup)

	h.receive(t, msgFrom("b", "in view", 11))
	sound = h.waitEffect(t, EffectSound)
	assert.Equal(t, "b", sound.SenderName)
	assert.Nil(t, h.snapshot(t).Popup)
}

func TestSession_PopupDisabled(t *testing.T) {
	api := newAPI()
	api.me.User.NewMessagePopup = false
	h := startSession(t, api)

	h.receive(t, msgFrom("a", "yo", 10))
	h.waitEffect(t, EffectSound)
	assert.Nil(t, h.snapshot(t).Popup)
}

func TestSession_Disconnect(t *testing.T) {
	h := startSession(t, newAPI())

	require.NoError(t, h.s.Disconnect())
	e := h.waitEffect(t, EffectDisconnected)
	assert.NoError(t, e.Err)
	h.eventually(t, func(s Snapshot) bool { return !s.Connected })
	assert.ErrorIs(t, h.s.Send("a", "hi"), ErrNotConnected)
	assert.ErrorIs(t, h.s.Like("p1"), ErrNotConnected)

	require.NoError(t, h.s.Connect())
	h.eventually(t, func(s Snapshot) bool { return s.Connected })
	assert.Equal(t, 2, h.dialer.dials())
	conn := h.dialer.last()
	conn.expect(t, models.EventJoin, nil)
	conn.expect(t, models.EventJoinChat, nil)
}

func TestSession_DropFlushesReadState(t *testing.T) {
	api := newAPI()
	h := startSession(t, api, func(c *Config) { c.Route = RouteMessages })
	require.Eventually(t, func() bool { return api.markCount(ReadMessages) == 1 }, time.Second, 5*time.Millisecond)

	h.conn.Close()
	e := h.waitEffect(t, EffectDisconnected)
	assert.Error(t, e.Err)
	require.Eventually(t, func() bool { return api.markCount(ReadMessages) == 2 }, time.Second, 5*time.Millisecond)

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, h.dialer.dials())
	assert.False(t, h.snapshot(t).Connected)
}

func TestSession_Teardown(t *testing.T) {
	api := newAPI()
	h := startSession(t, api, func(c *Config) { c.Route = RouteNotifications })
	require.Eventually(t, func() bool { return api.markCount(ReadNotifications) == 1 }, time.Second, 5*time.Millisecond)

	h.cancel()
	<-h.s.Done()

	assert.Zero(t, h.s.bus.Len())
	assert.True(t, h.conn.isClosed())
	assert.Equal(t, 2, api.markCount(ReadNotifications))
	_, err := h.s.Snapshot()
	assert.ErrorIs(t, err, ErrSessionClosed)
}

func TestSession_FollowAndLike(t *testing.T) {
	api := newAPI()
	h := startSession(t, api)

	h.conn.push(t, models.EventConnectedUsers, snapshot("eve"))
	require.NoError(t, h.s.Follow("eve"))
	h.conn.push(t, models.EventConnectedUsers, snapshot("eve"))
	snap := h.eventually(t, func(s Snapshot) bool { return len(s.Online) == 1 })
	assert.Equal(t, "eve", snap.Online[0].UserID)

	require.NoError(t, h.s.Unfollow("eve"))
	assert.Empty(t, h.snapshot(t).Online)

	require.NoError(t, h.s.Like("p1"))
	var req models.LikePostPayload
	h.conn.expect(t, models.EventLikePost, &req)
	assert.Equal(t, models.LikePostPayload{UserID: "me", PostID: "p1"}, req)
}

func TestSession_MalformedFrameDropped(t *testing.T) {
	h := startSession(t, newAPI())

	h.conn.in <- models.Envelope{Event: models.EventConnectedUsers, Data: []byte(`"nope"`)}
	h.conn.in <- models.Envelope{Event: "somethingNew"}
	h.conn.push(t, models.EventConnectedUsers, snapshot("bob"))
	h.eventually(t, func(s Snapshot) bool { return len(s.Online) == 1 })
}
