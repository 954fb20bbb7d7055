package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"vestnik/internal/models"

	"github.com/c-pro/geche"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

var (
	ErrSessionClosed = errors.New("session closed")
	ErrRequestFailed = errors.New("request failed")
)

const (
	DefaultProfileTTL    = 5 * time.Minute
	DefaultRemoteTimeout = 10 * time.Second

	mailboxSize = 256
	effectsSize = 256
)

// API is the REST side of the server used by a session. *RESTClient implements it.
type API interface {
	Me(ctx context.Context) (models.Me, error)
	Chats(ctx context.Context) ([]models.Conversation, error)
	UserInfo(ctx context.Context, userID string) (models.Profile, error)
	DeleteChat(ctx context.Context, counterpartID string) error
	MarkRead(ctx context.Context, kind ReadKind) error
	Follow(ctx context.Context, userID string) error
	Unfollow(ctx context.Context, userID string) error
}

type Config struct {
	Token  string
	Dialer Dialer
	API    API

	// Route is the view the session starts in.
	Route string

	ProfileTTL    time.Duration
	RemoteTimeout time.Duration

	// Schedule arms the toast dismissal timer. Defaults to time.AfterFunc.
	Schedule Scheduler
	Now      func() time.Time
}

// Snapshot is a copy of the session state.
type Snapshot struct {
	User        models.User
	Connected   bool
	Route       string
	Online      []models.ConnectedUser
	Chats       []models.Conversation
	OpenID      string
	Counterpart models.User
	History     []models.Message

	UnreadMessages      int
	UnreadNotifications int

	Toast *models.NotificationPayload
	Popup *MessagePopup
}

// Session is the client state engine of one logged in user.
//
// All state lives on the goroutine running Run. Public methods and the
// completions of asynchronous work (frames, REST calls, profile lookups,
// timers) are closures posted to its mailbox, so handlers never run
// concurrently with each other.
type Session struct {
	cfg Config

	mailbox chan func()
	effects chan Effect
	done    chan struct{}

	// owned by the Run goroutine
	ctx           context.Context
	user          models.User
	following     []string
	bus           *Bus
	conns         *ConnectionManager
	handle        *Handle
	presence      *PresenceTracker
	chats         *ChatListStore
	messages      *MessageChannel
	notifications *NotificationDispatcher
	reads         *ReadStateTracker
	unsubs        []func()

	lookups  singleflight.Group
	profiles geche.Geche[string, models.Profile]
}

func NewSession(cfg Config) *Session {
	if cfg.ProfileTTL <= 0 {
		cfg.ProfileTTL = DefaultProfileTTL
	}
	if cfg.RemoteTimeout <= 0 {
		cfg.RemoteTimeout = DefaultRemoteTimeout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Session{
		cfg:     cfg,
		mailbox: make(chan func(), mailboxSize),
		effects: make(chan Effect, effectsSize),
		done:    make(chan struct{}),
		bus:     NewBus(),
	}
}

// Effects delivers the user-facing effects of the session.
func (s *Session) Effects() <-chan Effect {
	return s.effects
}

// Done is closed when Run has returned.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Run loads the viewer's state, connects and processes events until ctx is
// cancelled. On the way out every subscription is dropped, the connection is
// closed and the active view is marked read.
func (s *Session) Run(ctx context.Context) error {
	defer close(s.done)

	var (
		me    models.Me
		convs []models.Conversation
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		me, err = s.cfg.API.Me(gctx)
		return err
	})
	g.Go(func() error {
		var err error
		convs, err = s.cfg.API.Chats(gctx)
		return err
	})
	if err := g.Wait(); err != nil {
		return fmt.Errorf("failed to load session: %w", err)
	}

	s.init(ctx, me, convs)
	defer s.teardown()

	s.connect()

	for {
		select {
		case fn := <-s.mailbox:
			fn()
		case <-ctx.Done():
			return nil
		}
	}
}

func (s *Session) init(ctx context.Context, me models.Me, convs []models.Conversation) {
	s.ctx = ctx
	s.user = me.User
	s.following = slices.Clone(me.Following)
	s.profiles = geche.NewMapTTLCache[string, models.Profile](ctx, s.cfg.ProfileTTL, time.Minute)

	s.presence = NewPresenceTracker(s.following)
	s.chats = NewChatListStore()
	s.chats.LoadInitial(convs)
	s.messages = NewMessageChannel(me.User.ID)
	s.notifications = NewNotificationDispatcher(s.schedule, func() {
		s.emit(Effect{Kind: EffectToastDismiss})
	})
	s.notifications.SetFollowing(s.following)
	s.notifications.SetPopupEnabled(me.User.NewMessagePopup)
	s.reads = NewReadStateTracker(me.UnreadMessages, me.UnreadNotifications)
	s.conns = NewConnectionManager(s.cfg.Dialer, me.User.ID)

	s.unsubs = append(s.unsubs,
		s.bus.Subscribe(models.EventConnectedUsers, s.onConnectedUsers),
		s.bus.Subscribe(models.EventMessagesLoaded, s.onMessagesLoaded),
		s.bus.Subscribe(models.EventNoChatFound, s.onNoChatFound),
		s.bus.Subscribe(models.EventMsgSent, s.onMsgSent),
		s.bus.Subscribe(models.EventNewMsgReceived, s.onNewMsgReceived),
		s.bus.Subscribe(models.EventMsgDeleted, s.onMsgDeleted),
		s.bus.Subscribe(models.EventRequestFailed, s.onRequestFailed),
		s.bus.Subscribe(models.EventNewNotificationReceived, s.onNotification),
		s.conns.OnLifecycle(func(l Lifecycle, h *Handle) {
			s.post(func() { s.onLifecycle(l, h) })
		}),
	)

	if s.cfg.Route != "" {
		s.navigate(s.cfg.Route)
	}
	s.emitBadge()
	s.emit(Effect{Kind: EffectChatList})
}

func (s *Session) teardown() {
	for _, unsub := range s.unsubs {
		unsub()
	}
	s.unsubs = nil
	s.notifications.Stop()

	h := s.handle
	s.handle = nil
	s.conns.Disconnect(h)

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.RemoteTimeout)
	defer cancel()
	for _, kind := range s.reads.Flush() {
		if err := s.cfg.API.MarkRead(ctx, kind); err != nil {
			slog.Warn("failed to mark read on exit", "kind", kind, "error", err)
		}
	}
}

// Connect dials the server unless a connection is live.
func (s *Session) Connect() error {
	return s.call(func() error {
		s.connect()
		return nil
	})
}

// Disconnect closes the live connection, if any.
func (s *Session) Disconnect() error {
	return s.call(func() error {
		s.conns.Disconnect(s.handle)
		return nil
	})
}

// Open makes counterpartID the open conversation and loads its history.
func (s *Session) Open(counterpartID string) error {
	return s.call(func() error {
		if err := s.messages.Open(s.sender(), counterpartID); err != nil {
			return err
		}
		s.chats.SetOpen(counterpartID)
		s.emit(Effect{Kind: EffectHistory})
		return nil
	})
}

// CloseConversation closes the open conversation.
func (s *Session) CloseConversation() error {
	return s.call(func() error {
		s.messages.Close()
		s.chats.SetOpen("")
		s.emit(Effect{Kind: EffectHistory})
		return nil
	})
}

// Send sends body to counterpartID. The message shows up once acknowledged.
func (s *Session) Send(counterpartID, body string) error {
	return s.call(func() error {
		return s.messages.Send(s.sender(), counterpartID, body)
	})
}

// DeleteMessage deletes a message of the open conversation once the server
// acknowledges it.
func (s *Session) DeleteMessage(messageID string) error {
	return s.call(func() error {
		return s.messages.Delete(s.sender(), messageID)
	})
}

// DeleteChat deletes the conversation with counterpartID on the server and
// then locally. It returns an error wrapping ErrDeleteChat when the server
// refuses and the conversation is not empty.
func (s *Session) DeleteChat(counterpartID string) error {
	return s.remote(
		func(ctx context.Context) error { return s.cfg.API.DeleteChat(ctx, counterpartID) },
		func(remoteErr error) error {
			if err := s.chats.Remove(counterpartID, remoteErr); err != nil {
				s.emit(Effect{Kind: EffectAlert, Err: err})
				return err
			}
			if remoteErr != nil {
				slog.Debug("removed empty conversation despite remote failure",
					"counterpart_id", counterpartID, "error", remoteErr)
			}
			if s.messages.OpenID() == counterpartID {
				s.messages.Close()
				s.emit(Effect{Kind: EffectHistory})
			}
			s.emit(Effect{Kind: EffectChatList})
			return nil
		},
	)
}

// Navigate moves the viewer to route.
func (s *Session) Navigate(route string) error {
	return s.call(func() error {
		s.navigate(route)
		return nil
	})
}

// Like likes a post. The post owner is notified by the server.
func (s *Session) Like(postID string) error {
	return s.call(func() error {
		conn := s.sender()
		if conn == nil {
			return ErrNotConnected
		}
		return conn.Send(models.EventLikePost, models.LikePostPayload{UserID: s.user.ID, PostID: postID})
	})
}

func (s *Session) Follow(userID string) error {
	return s.remote(
		func(ctx context.Context) error { return s.cfg.API.Follow(ctx, userID) },
		func(err error) error {
			if err != nil {
				return err
			}
			if !slices.Contains(s.following, userID) {
				s.following = append(s.following, userID)
			}
			s.setFollowing()
			return nil
		},
	)
}

func (s *Session) Unfollow(userID string) error {
	return s.remote(
		func(ctx context.Context) error { return s.cfg.API.Unfollow(ctx, userID) },
		func(err error) error {
			if err != nil {
				return err
			}
			s.following = slices.DeleteFunc(s.following, func(id string) bool { return id == userID })
			s.setFollowing()
			return nil
		},
	)
}

func (s *Session) CloseMessagePopup() error {
	return s.call(func() error {
		s.notifications.CloseMessagePopup()
		return nil
	})
}

// Snapshot returns a copy of the current state.
func (s *Session) Snapshot() (Snapshot, error) {
	var snap Snapshot
	err := s.call(func() error {
		snap = Snapshot{
			User:        s.user,
			Connected:   s.handle != nil,
			Route:       s.reads.Route(),
			Online:      s.presence.Online(),
			Chats:       s.chats.List(),
			OpenID:      s.messages.OpenID(),
			Counterpart: s.messages.Counterpart(),
			History:     s.messages.History(),
		}
		snap.UnreadMessages, snap.UnreadNotifications = s.reads.Counts()
		if n, ok := s.notifications.Current(); ok {
			snap.Toast = &n
		}
		if p, ok := s.notifications.MessagePopup(); ok {
			snap.Popup = &p
		}
		return nil
	})
	return snap, err
}

func (s *Session) connect() {
	ctx := s.ctx
	go func() {
		h, err := s.conns.Connect(ctx, s.cfg.Token)
		s.post(func() {
			if err != nil {
				slog.Warn("failed to connect", "error", err)
				s.emit(Effect{Kind: EffectDisconnected, Err: err})
				return
			}
			s.attach(h)
		})
	}()
}

func (s *Session) attach(h *Handle) {
	if h == s.handle {
		return
	}
	if h.State() == StateClosed {
		s.emit(Effect{Kind: EffectDisconnected, Err: h.Err()})
		return
	}
	if s.handle != nil {
		s.conns.Disconnect(s.handle)
	}
	s.handle = h
	s.messages.ResetPending()
	s.emit(Effect{Kind: EffectConnected})

	go func() {
		for env := range h.Events() {
			if !s.post(func() {
				if s.handle == h {
					s.bus.Publish(env)
				}
			}) {
				return
			}
		}
	}()
}

func (s *Session) onLifecycle(l Lifecycle, h *Handle) {
	switch l {
	case LifecycleConnected:
		s.attach(h)
	case LifecycleDisconnected:
		if h != s.handle {
			return
		}
		s.handle = nil
		s.messages.ResetPending()
		for _, kind := range s.reads.Flush() {
			s.markRead(kind)
		}
		s.emit(Effect{Kind: EffectDisconnected, Err: h.Err()})
	}
}

func (s *Session) onConnectedUsers(env models.Envelope) {
	var p models.ConnectedUsersPayload
	if err := env.Decode(&p); err != nil {
		dropFrame(env, err)
		return
	}
	s.presence.Apply(p)
	s.emit(Effect{Kind: EffectPresence})
}

func (s *Session) onMessagesLoaded(env models.Envelope) {
	var p models.MessagesLoadedPayload
	if err := env.Decode(&p); err != nil {
		dropFrame(env, err)
		return
	}
	if s.messages.OnMessagesLoaded(p) {
		s.emit(Effect{Kind: EffectHistory})
		s.emit(Effect{Kind: EffectScroll})
	}
}

func (s *Session) onNoChatFound(env models.Envelope) {
	var p models.NoChatFoundPayload
	if err := env.Decode(&p); err != nil {
		dropFrame(env, err)
		return
	}
	id, ok := s.messages.OnNoChatFound(p.MessagesWith)
	if !ok {
		return
	}
	s.emit(Effect{Kind: EffectHistory})

	s.lookupProfile(id, func(p models.Profile, err error) {
		if err != nil {
			slog.Warn("profile lookup failed", "user_id", id, "error", err)
			return
		}
		if s.messages.OpenID() != id {
			return
		}
		s.messages.SetCounterpart(models.User{ID: id, UserName: p.UserName, ProfilePicURL: p.ProfilePicURL})
		if s.chats.EnsureConversation(id, p, s.cfg.Now()) {
			s.emit(Effect{Kind: EffectChatList})
		}
	})
}

func (s *Session) onMsgSent(env models.Envelope) {
	var p models.NewMsgPayload
	if err := env.Decode(&p); err != nil {
		dropFrame(env, err)
		return
	}
	msg := p.NewMsg
	if msg.ID == "" || msg.Receiver == "" {
		dropFrame(env, errMalformedMessage)
		return
	}

	if s.messages.OnSent(msg) {
		s.emit(Effect{Kind: EffectHistory})
		s.emit(Effect{Kind: EffectScroll})
	}
	if !s.chats.UpsertOnOutgoingSend(msg.Receiver, msg) {
		slog.Debug("acknowledgment for unlisted conversation", "counterpart_id", msg.Receiver)
		return
	}
	s.emit(Effect{Kind: EffectChatList})
}

func (s *Session) onNewMsgReceived(env models.Envelope) {
	var p models.NewMsgPayload
	if err := env.Decode(&p); err != nil {
		dropFrame(env, err)
		return
	}
	msg := p.NewMsg
	if msg.ID == "" || msg.Sender == "" {
		dropFrame(env, errMalformedMessage)
		return
	}

	if s.reads.OnMessageArrived() {
		s.emitBadge()
	}
	if s.messages.Receive(msg) {
		s.emit(Effect{Kind: EffectHistory})
		s.emit(Effect{Kind: EffectScroll})
	}

	switch s.chats.UpsertOnIncoming(msg) {
	case IncomingOpen, IncomingMoved:
		s.emit(Effect{Kind: EffectChatList})
	case IncomingLookup:
		sender := msg.Sender
		s.lookupProfile(sender, func(p models.Profile, err error) {
			if err != nil {
				slog.Warn("profile lookup failed", "user_id", sender, "error", err)
				s.chats.FailLookup(sender)
				return
			}
			if s.chats.ResolveLookup(sender, p) {
				s.emit(Effect{Kind: EffectChatList})
			}
		})
	}

	s.alertNewMessage(msg)
}

func (s *Session) onMsgDeleted(env models.Envelope) {
	var p models.MsgDeletedPayload
	if err := env.Decode(&p); err != nil {
		dropFrame(env, err)
		return
	}
	if _, ok := s.messages.OnDeleted(p); ok {
		s.emit(Effect{Kind: EffectHistory})
	}
}

func (s *Session) onRequestFailed(env models.Envelope) {
	var p models.RequestFailedPayload
	if err := env.Decode(&p); err != nil {
		dropFrame(env, err)
		return
	}

	switch p.Request {
	case models.EventDeleteMsg:
		s.messages.OnDeleteFailed(p.MessageID)
	case models.EventLoadMessages:
		s.messages.OnLoadFailed(p.MessagesWith)
	}
	s.emit(Effect{Kind: EffectAlert, Err: fmt.Errorf("%w: %s: %s", ErrRequestFailed, p.Request, p.Error)})
}

func (s *Session) onNotification(env models.Envelope) {
	var n models.NotificationPayload
	if err := env.Decode(&n); err != nil {
		dropFrame(env, err)
		return
	}
	if s.reads.OnNotificationArrived() {
		s.emitBadge()
	}
	if s.notifications.OnNotification(n) {
		s.emit(Effect{Kind: EffectToast, Notification: n})
	}
}

func (s *Session) alertNewMessage(msg models.Message) {
	if c, ok := s.chats.Get(msg.Sender); ok {
		s.notifyMessage(msg, c.UserName)
		return
	}
	s.lookupProfile(msg.Sender, func(p models.Profile, err error) {
		if err != nil {
			return
		}
		s.notifyMessage(msg, p.UserName)
	})
}

func (s *Session) notifyMessage(msg models.Message, senderName string) {
	if s.notifications.OnNewMessage(msg, senderName) {
		popup, _ := s.notifications.MessagePopup()
		s.emit(Effect{Kind: EffectMessagePopup, Popup: popup})
	}
	s.emit(Effect{Kind: EffectSound, SenderName: senderName})
}

func (s *Session) navigate(route string) {
	s.notifications.SetRoute(route)
	for _, kind := range s.reads.Navigate(route) {
		s.markRead(kind)
	}
	s.emitBadge()
}

func (s *Session) setFollowing() {
	s.presence.SetFollowing(s.following)
	s.notifications.SetFollowing(s.following)
	s.emit(Effect{Kind: EffectPresence})
}

// lookupProfile resolves a user's display metadata and runs cb on the
// session goroutine. Concurrent lookups of the same user share one request.
func (s *Session) lookupProfile(userID string, cb func(models.Profile, error)) {
	if p, err := s.profiles.Get(userID); err == nil {
		cb(p, nil)
		return
	}

	ctx := s.ctx
	go func() {
		v, err, _ := s.lookups.Do(userID, func() (any, error) {
			ctx, cancel := context.WithTimeout(ctx, s.cfg.RemoteTimeout)
			defer cancel()
			return s.cfg.API.UserInfo(ctx, userID)
		})

		var p models.Profile
		if err == nil {
			p = v.(models.Profile)
			s.profiles.Set(userID, p)
		}
		s.post(func() { cb(p, err) })
	}()
}

func (s *Session) markRead(kind ReadKind) {
	ctx := s.ctx
	go func() {
		ctx, cancel := context.WithTimeout(ctx, s.cfg.RemoteTimeout)
		defer cancel()
		if err := s.cfg.API.MarkRead(ctx, kind); err != nil {
			slog.Warn("failed to mark read", "kind", kind, "error", err)
		}
	}()
}

func (s *Session) schedule(d time.Duration, fn func()) func() {
	post := func() { s.post(fn) }
	if s.cfg.Schedule != nil {
		return s.cfg.Schedule(d, post)
	}
	return AfterFunc(d, post)
}

// sender returns the live handle as a Sender, or a nil interface.
func (s *Session) sender() Sender {
	if s.handle == nil {
		return nil
	}
	return s.handle
}

func (s *Session) post(fn func()) bool {
	select {
	case s.mailbox <- fn:
		return true
	case <-s.done:
		return false
	}
}

// call runs fn on the session goroutine and waits for its result.
func (s *Session) call(fn func() error) error {
	res := make(chan error, 1)
	if !s.post(func() { res <- fn() }) {
		return ErrSessionClosed
	}
	return s.wait(res)
}

// remote runs work off the session goroutine, then hands its error to
// apply on the session goroutine and waits for apply's result.
func (s *Session) remote(work func(ctx context.Context) error, apply func(error) error) error {
	res := make(chan error, 1)
	err := s.call(func() error {
		ctx := s.ctx
		go func() {
			ctx, cancel := context.WithTimeout(ctx, s.cfg.RemoteTimeout)
			defer cancel()
			werr := work(ctx)
			if !s.post(func() { res <- apply(werr) }) {
				res <- ErrSessionClosed
			}
		}()
		return nil
	})
	if err != nil {
		return err
	}
	return s.wait(res)
}

func (s *Session) wait(res chan error) error {
	select {
	case err := <-res:
		return err
	case <-s.done:
		select {
		case err := <-res:
			return err
		default:
			return ErrSessionClosed
		}
	}
}

func (s *Session) emitBadge() {
	m, n := s.reads.Counts()
	s.emit(Effect{Kind: EffectBadge, UnreadMessages: m, UnreadNotifications: n})
}

func (s *Session) emit(e Effect) {
	select {
	case s.effects <- e:
	default:
		slog.Warn("effects buffer full, dropping effect", "kind", e.Kind)
	}
}

var errMalformedMessage = errors.New("message without id or counterpart")

func dropFrame(env models.Envelope, err error) {
	slog.Warn("dropping frame", "event", env.Event, "error", err)
}
