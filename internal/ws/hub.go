package ws

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"vestnik/internal/chat"
	"vestnik/internal/content"
	"vestnik/internal/models"
	"vestnik/internal/storage"
)

const (
	outboxSize  = 100
	pushTimeout = 10 * time.Second
)

type hubStore interface {
	GetUser(id string) (models.User, error)
	IncrementUnread(userID string, counter storage.Counter) error
	LikePost(postID, userID string) (models.Post, error)
}

type notifier interface {
	Notify(ctx context.Context, userID string, env models.Envelope) (int, error)
}

type peer struct {
	userID  string
	ch      chan models.Envelope
	joined  bool
	evicted atomic.Bool
}

// Hub routes frames between connections. Every connection gets its own
// outbound channel; presence is announced with full connectedUsers snapshots
// whenever the set of joined users changes.
type Hub struct {
	chats    *chat.Service
	store    hubStore
	notifier notifier

	// connID -> peer
	peers map[string]*peer

	// userID -> profile of users with at least one joined connection
	online map[string]models.ConnectedUser

	mu sync.RWMutex
}

func NewHub(chats *chat.Service, store hubStore, notifier notifier) *Hub {
	return &Hub{
		chats:    chats,
		store:    store,
		notifier: notifier,
		peers:    make(map[string]*peer),
		online:   make(map[string]models.ConnectedUser),
	}
}

// Join registers a connection and returns its outbound channel. The user is
// not announced as online until the connection sends join or joinChat.
func (h *Hub) Join(connID, userID string) chan models.Envelope {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch := make(chan models.Envelope, outboxSize)
	h.peers[connID] = &peer{userID: userID, ch: ch}
	return ch
}

// Leave unregisters a connection and closes its channel.
func (h *Hub) Leave(connID string) {
	h.mu.Lock()
	p, ok := h.peers[connID]
	if !ok {
		h.mu.Unlock()
		return
	}
	delete(h.peers, connID)
	close(p.ch)

	changed := false
	if p.joined && !h.userJoinedLocked(p.userID) {
		delete(h.online, p.userID)
		changed = true
	}
	h.mu.Unlock()

	if changed {
		h.broadcastPresence()
	}
}

// Dispatch handles one frame received from connID.
func (h *Hub) Dispatch(connID string, env models.Envelope) {
	h.mu.RLock()
	p, ok := h.peers[connID]
	h.mu.RUnlock()
	if !ok {
		return
	}

	var err error
	switch env.Event {
	case models.EventJoin, models.EventJoinChat:
		err = h.handleJoin(connID, p.userID, env)
	case models.EventLoadMessages:
		err = h.handleLoadMessages(connID, p.userID, env)
	case models.EventSendNewMsg:
		err = h.handleSendNewMsg(connID, p.userID, env)
	case models.EventDeleteMsg:
		err = h.handleDeleteMsg(connID, p.userID, env)
	case models.EventLikePost:
		err = h.handleLikePost(p.userID, env)
	default:
		slog.Warn("dropping unknown event", "conn_id", connID, "event", env.Event)
		return
	}

	if err != nil {
		slog.Warn("event rejected", "conn_id", connID, "user_id", p.userID, "event", env.Event, "error", err)
		if env.Event == models.EventLoadMessages || env.Event == models.EventSendNewMsg || env.Event == models.EventDeleteMsg {
			h.reject(connID, env, err)
		}
	}
}

// reject answers a failed request so the client can retire the matching
// pending entry. Clients correlate on the echoed ids.
func (h *Hub) reject(connID string, env models.Envelope, cause error) {
	var ids struct {
		MessagesWith    string `json:"messagesWith"`
		MsgSendToUserID string `json:"msgSendToUserId"`
		MessageID       string `json:"messageId"`
	}
	_ = env.Decode(&ids)
	if ids.MessagesWith == "" {
		ids.MessagesWith = ids.MsgSendToUserID
	}

	if err := h.sendTo(connID, models.EventRequestFailed, models.RequestFailedPayload{
		Request:      env.Event,
		MessagesWith: ids.MessagesWith,
		MessageID:    ids.MessageID,
		Error:        publicError(cause),
	}); err != nil {
		slog.Error("failed to encode rejection", "conn_id", connID, "error", err)
	}
}

var publicErrors = []error{
	chat.ErrNoChat,
	chat.ErrMessageNotFound,
	chat.ErrSelfMessage,
	chat.ErrUnknownUser,
	content.ErrEmptyMessage,
	content.ErrMessageTooLong,
	errUserMismatch,
}

// publicError hides storage failures from clients.
func publicError(err error) string {
	for _, known := range publicErrors {
		if errors.Is(err, known) {
			return known.Error()
		}
	}
	return "internal error"
}

// Online returns the ids of users with at least one joined connection.
func (h *Hub) Online() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	ids := make([]string, 0, len(h.online))
	for id := range h.online {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

var errUserMismatch = errors.New("payload user does not match connection user")

func (h *Hub) handleJoin(connID, userID string, env models.Envelope) error {
	var payload models.JoinPayload
	if err := env.Decode(&payload); err != nil {
		return err
	}
	if payload.UserID != userID {
		return errUserMismatch
	}

	user, err := h.store.GetUser(userID)
	if err != nil {
		return err
	}

	h.mu.Lock()
	p, ok := h.peers[connID]
	if !ok {
		h.mu.Unlock()
		return nil
	}
	p.joined = true
	h.online[userID] = models.ConnectedUser{
		UserID:        user.ID,
		UserName:      user.UserName,
		ProfilePicURL: user.ProfilePicURL,
	}
	h.mu.Unlock()

	// The snapshot is always re-sent so a new connection gets one even if
	// the user was already online elsewhere.
	h.broadcastPresence()
	return nil
}

func (h *Hub) handleLoadMessages(connID, userID string, env models.Envelope) error {
	var payload models.LoadMessagesPayload
	if err := env.Decode(&payload); err != nil {
		return err
	}
	if payload.UserID != userID {
		return errUserMismatch
	}

	thread, err := h.chats.Load(userID, payload.MessagesWith)
	if errors.Is(err, chat.ErrNoChat) {
		return h.sendTo(connID, models.EventNoChatFound, models.NoChatFoundPayload{MessagesWith: payload.MessagesWith})
	}
	if err != nil {
		return err
	}
	return h.sendTo(connID, models.EventMessagesLoaded, models.MessagesLoadedPayload{Chat: thread})
}

func (h *Hub) handleSendNewMsg(connID, userID string, env models.Envelope) error {
	var payload models.SendNewMsgPayload
	if err := env.Decode(&payload); err != nil {
		return err
	}
	if payload.UserID != userID {
		return errUserMismatch
	}

	msg, err := h.chats.Send(userID, payload.MsgSendToUserID, payload.Msg)
	if err != nil {
		return err
	}

	if err := h.sendTo(connID, models.EventMsgSent, models.NewMsgPayload{NewMsg: msg}); err != nil {
		return err
	}

	// The sender already has its ack; later failures must not reject it.
	if err := h.store.IncrementUnread(msg.Receiver, storage.CounterMessages); err != nil {
		slog.Error("failed to mark message unread", "user_id", msg.Receiver, "error", err)
	}
	if err := h.deliver(msg.Receiver, models.EventNewMsgReceived, models.NewMsgPayload{NewMsg: msg}); err != nil {
		slog.Error("failed to deliver message", "user_id", msg.Receiver, "error", err)
	}
	return nil
}

func (h *Hub) handleDeleteMsg(connID, userID string, env models.Envelope) error {
	var payload models.DeleteMsgPayload
	if err := env.Decode(&payload); err != nil {
		return err
	}
	if payload.UserID != userID {
		return errUserMismatch
	}

	if err := h.chats.Delete(userID, payload.MessagesWith, payload.MessageID); err != nil {
		return err
	}
	return h.sendTo(connID, models.EventMsgDeleted, models.MsgDeletedPayload{
		MessagesWith: payload.MessagesWith,
		MessageID:    payload.MessageID,
	})
}

func (h *Hub) handleLikePost(userID string, env models.Envelope) error {
	var payload models.LikePostPayload
	if err := env.Decode(&payload); err != nil {
		return err
	}
	if payload.UserID != userID {
		return errUserMismatch
	}

	post, err := h.store.LikePost(payload.PostID, userID)
	if err != nil {
		return err
	}
	if post.UserID == userID {
		return nil
	}

	liker, err := h.store.GetUser(userID)
	if err != nil {
		return err
	}

	if err := h.store.IncrementUnread(post.UserID, storage.CounterNotifications); err != nil {
		slog.Error("failed to mark notification unread", "user_id", post.UserID, "error", err)
	}
	return h.deliver(post.UserID, models.EventNewNotificationReceived, models.NotificationPayload{
		UserID:        liker.ID,
		UserName:      liker.UserName,
		ProfilePicURL: liker.ProfilePicURL,
		PostID:        post.ID,
		Like:          true,
	})
}

// deliver sends an event to every connection of userID, or through web push
// when the user has none.
func (h *Hub) deliver(userID string, event models.EventType, payload any) error {
	env, err := models.NewEnvelope(event, payload)
	if err != nil {
		return err
	}

	h.mu.RLock()
	delivered := 0
	for connID, p := range h.peers {
		if p.userID == userID {
			h.enqueue(connID, p, env)
			delivered++
		}
	}
	h.mu.RUnlock()

	if delivered == 0 && h.notifier != nil {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), pushTimeout)
			defer cancel()
			if _, err := h.notifier.Notify(ctx, userID, env); err != nil {
				slog.Warn("push delivery failed", "user_id", userID, "event", event, "error", err)
			}
		}()
	}
	return nil
}

func (h *Hub) sendTo(connID string, event models.EventType, payload any) error {
	env, err := models.NewEnvelope(event, payload)
	if err != nil {
		return err
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	if p, ok := h.peers[connID]; ok {
		h.enqueue(connID, p, env)
	}
	return nil
}

func (h *Hub) broadcastPresence() {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for connID, p := range h.peers {
		if !p.joined {
			continue
		}
		users := make([]models.ConnectedUser, 0, len(h.online))
		for id, u := range h.online {
			if id != p.userID {
				users = append(users, u)
			}
		}
		sort.Slice(users, func(i, j int) bool { return users[i].UserID < users[j].UserID })

		env, err := models.NewEnvelope(models.EventConnectedUsers, models.ConnectedUsersPayload{Users: users})
		if err != nil {
			slog.Error("failed to encode presence snapshot", "error", err)
			return
		}
		h.enqueue(connID, p, env)
	}
}

// enqueue must be called with h.mu held. A connection whose outbox is full
// is evicted: a dropped ack would leave its client matching later acks to
// the wrong requests, so it is made to reconnect and resync instead.
func (h *Hub) enqueue(connID string, p *peer, env models.Envelope) {
	select {
	case p.ch <- env:
	default:
		if !p.evicted.CompareAndSwap(false, true) {
			return
		}
		slog.Warn("outbox full, evicting connection", "conn_id", connID, "event", env.Event)
		go h.Leave(connID)
	}
}

func (h *Hub) userJoinedLocked(userID string) bool {
	for _, p := range h.peers {
		if p.userID == userID && p.joined {
			return true
		}
	}
	return false
}
