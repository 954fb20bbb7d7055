package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"

	"vestnik/internal/models"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/singleflight"
)

var ErrNotConnected = errors.New("not connected to server")

// State is the lifecycle state of a connection handle.
type State int32

const (
	StateUnconnected State = iota
	StateConnected
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUnconnected:
		return "unconnected"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// Lifecycle is the signal emitted when a handle connects or goes away.
type Lifecycle int

const (
	LifecycleConnected Lifecycle = iota
	LifecycleDisconnected
)

func (l Lifecycle) String() string {
	if l == LifecycleConnected {
		return "connected"
	}
	return "disconnected"
}

// Conn is the transport under a Handle. *websocket.Conn satisfies it.
type Conn interface {
	ReadJSON(v any) error
	WriteJSON(v any) error
	Close() error
}

type Dialer interface {
	Dial(ctx context.Context, token string) (Conn, error)
}

// WebsocketDialer dials the server's websocket endpoint, passing the token
// in the Authorization header.
type WebsocketDialer struct {
	URL    string
	Dialer *websocket.Dialer
}

func (d WebsocketDialer) Dial(ctx context.Context, token string) (Conn, error) {
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	conn, resp, err := dialer.DialContext(ctx, d.URL, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("failed to connect to server: %w (status %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("failed to connect to server: %w", err)
	}
	return conn, nil
}

const eventBuffer = 64

// Handle is one live connection. It is created by ConnectionManager.Connect
// and ends in StateClosed, either through Disconnect or when the transport
// fails. A closed handle is never reused.
type Handle struct {
	conn   Conn
	state  atomic.Int32
	events chan models.Envelope
	done   chan struct{}

	writeMu   sync.Mutex
	closeOnce sync.Once
	err       error
}

func newHandle(conn Conn) *Handle {
	return &Handle{
		conn:   conn,
		events: make(chan models.Envelope, eventBuffer),
		done:   make(chan struct{}),
	}
}

func (h *Handle) State() State {
	return State(h.state.Load())
}

// Send writes one frame. It fails with ErrNotConnected unless the handle
// is connected.
func (h *Handle) Send(event models.EventType, payload any) error {
	if h.State() != StateConnected {
		return ErrNotConnected
	}

	env, err := models.NewEnvelope(event, payload)
	if err != nil {
		return err
	}

	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	if err := h.conn.WriteJSON(env); err != nil {
		h.close(fmt.Errorf("failed to send %s: %w", event, err))
		return err
	}
	return nil
}

// Events returns the frames read from the server. The channel is closed
// once the handle is closed and the reader has stopped.
func (h *Handle) Events() <-chan models.Envelope {
	return h.events
}

// Done is closed when the handle reaches StateClosed.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Err returns the transport error that closed the handle, or nil if it is
// still open or was closed by Disconnect.
func (h *Handle) Err() error {
	select {
	case <-h.done:
		return h.err
	default:
		return nil
	}
}

func (h *Handle) close(err error) {
	h.closeOnce.Do(func() {
		h.state.Store(int32(StateClosed))
		h.err = err
		close(h.done)
		_ = h.conn.Close()
	})
}

func (h *Handle) readLoop() {
	defer close(h.events)

	for {
		var env models.Envelope
		if err := h.conn.ReadJSON(&env); err != nil {
			select {
			case <-h.done:
			default:
				if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					slog.Warn("connection lost", "error", err)
				}
				h.close(err)
			}
			return
		}

		select {
		case h.events <- env:
		case <-h.done:
			return
		}
	}
}

// ConnectionManager owns the single connection of a session.
type ConnectionManager struct {
	dialer Dialer
	userID string

	// concurrent Connect calls share one dial; mu is never held across it
	dials singleflight.Group

	mu        sync.Mutex
	handle    *Handle
	nextSub   int
	listeners map[int]func(Lifecycle, *Handle)
}

func NewConnectionManager(dialer Dialer, userID string) *ConnectionManager {
	return &ConnectionManager{
		dialer:    dialer,
		userID:    userID,
		listeners: make(map[int]func(Lifecycle, *Handle)),
	}
}

// Connect dials the server and announces the user with join and joinChat.
// While a handle is live it is returned as is and nothing is dialed.
// There is no automatic reconnect: after a drop the caller has to Connect again.
func (m *ConnectionManager) Connect(ctx context.Context, token string) (*Handle, error) {
	if h := m.Current(); h != nil {
		return h, nil
	}

	v, err, _ := m.dials.Do("connect", func() (any, error) {
		if h := m.Current(); h != nil {
			return h, nil
		}
		return m.dial(ctx, token)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Handle), nil
}

func (m *ConnectionManager) dial(ctx context.Context, token string) (*Handle, error) {
	conn, err := m.dialer.Dial(ctx, token)
	if err != nil {
		return nil, err
	}

	h := newHandle(conn)
	h.state.Store(int32(StateConnected))

	join := models.JoinPayload{UserID: m.userID}
	for _, event := range []models.EventType{models.EventJoin, models.EventJoinChat} {
		if err := h.Send(event, join); err != nil {
			h.close(err)
			return nil, fmt.Errorf("failed to announce presence: %w", err)
		}
	}

	m.mu.Lock()
	m.handle = h
	m.mu.Unlock()

	go h.readLoop()
	go m.watch(h)

	m.emit(LifecycleConnected, h)
	return h, nil
}

// Disconnect closes h. It is safe to call on nil, on a closed handle or more than once.
func (m *ConnectionManager) Disconnect(h *Handle) {
	if h == nil {
		return
	}
	h.close(nil)
}

// Current returns the live handle or nil.
func (m *ConnectionManager) Current() *Handle {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.handle != nil && m.handle.State() == StateConnected {
		return m.handle
	}
	return nil
}

// OnLifecycle registers fn for lifecycle signals. Listeners run on the
// manager's goroutines and must not block.
func (m *ConnectionManager) OnLifecycle(fn func(Lifecycle, *Handle)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextSub++
	id := m.nextSub
	m.listeners[id] = fn
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.listeners, id)
	}
}

func (m *ConnectionManager) watch(h *Handle) {
	<-h.Done()

	m.mu.Lock()
	if m.handle == h {
		m.handle = nil
	}
	m.mu.Unlock()

	slog.Debug("connection closed", "user_id", m.userID, "error", h.Err())
	m.emit(LifecycleDisconnected, h)
}

func (m *ConnectionManager) emit(l Lifecycle, h *Handle) {
	m.mu.Lock()
	fns := make([]func(Lifecycle, *Handle), 0, len(m.listeners))
	for _, fn := range m.listeners {
		fns = append(fns, fn)
	}
	m.mu.Unlock()

	for _, fn := range fns {
		fn(l, h)
	}
}
