package client

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"vestnik/internal/models"

	"github.com/stretchr/testify/require"
)

var errConnClosed = errors.New("use of closed network connection")

// fakeConn is the client end of a connection; the test plays the server
// through in and out.
type fakeConn struct {
	in        chan models.Envelope
	out       chan models.Envelope
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:     make(chan models.Envelope, 64),
		out:    make(chan models.Envelope, 64),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) ReadJSON(v any) error {
	select {
	case env := <-c.in:
		*v.(*models.Envelope) = env
		return nil
	case <-c.closed:
		return errConnClosed
	}
}

func (c *fakeConn) WriteJSON(v any) error {
	select {
	case <-c.closed:
		return errConnClosed
	default:
	}
	c.out <- v.(models.Envelope)
	return nil
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// push plays a server frame.
func (c *fakeConn) push(t *testing.T, event models.EventType, payload any) {
	t.Helper()
	env, err := models.NewEnvelope(event, payload)
	require.NoError(t, err)
	c.in <- env
}

// expect reads the next client frame and checks its event.
func (c *fakeConn) expect(t *testing.T, event models.EventType, payload any) {
	t.Helper()
	select {
	case env := <-c.out:
		require.Equal(t, event, env.Event)
		if payload != nil {
			require.NoError(t, env.Decode(payload))
		}
	case <-time.After(time.Second):
		t.Fatalf("no %s frame sent", event)
	}
}

type fakeDialer struct {
	mu     sync.Mutex
	conns  []*fakeConn
	tokens []string
	err    error
}

func (d *fakeDialer) Dial(_ context.Context, token string) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.tokens = append(d.tokens, token)
	if d.err != nil {
		return nil, d.err
	}
	c := newFakeConn()
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *fakeDialer) dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.tokens)
}

func (d *fakeDialer) last() *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

// recordingSender captures frames sent by components under test.
type recordingSender struct {
	frames []models.Envelope
	err    error
}

func (r *recordingSender) Send(event models.EventType, payload any) error {
	if r.err != nil {
		return r.err
	}
	env, err := models.NewEnvelope(event, payload)
	if err != nil {
		return err
	}
	r.frames = append(r.frames, env)
	return nil
}

// fakeScheduler keeps armed timers until the test fires them.
type fakeScheduler struct {
	mu        sync.Mutex
	fns       []func()
	durations []time.Duration
	cancelled []bool
}

func (f *fakeScheduler) schedule(d time.Duration, fn func()) func() {
	f.mu.Lock()
	defer f.mu.Unlock()

	i := len(f.fns)
	f.fns = append(f.fns, fn)
	f.durations = append(f.durations, d)
	f.cancelled = append(f.cancelled, false)
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.cancelled[i] = true
	}
}

// fire runs timer i even if it was cancelled, as a timer that already
// fired before Stop would.
func (f *fakeScheduler) fire(i int) {
	f.mu.Lock()
	fn := f.fns[i]
	f.mu.Unlock()
	fn()
}

func (f *fakeScheduler) armed() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.fns)
}

type fakeAPI struct {
	mu        sync.Mutex
	me        models.Me
	meErr     error
	chats     []models.Conversation
	profiles  map[string]models.Profile
	deleteErr error
	deleted   []string
	follows   []string
	marks     []ReadKind

	// when set, UserInfo blocks until it is closed
	lookupGate chan struct{}
	lookups    atomic.Int32
}

func (a *fakeAPI) Me(context.Context) (models.Me, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.me, a.meErr
}

func (a *fakeAPI) Chats(context.Context) ([]models.Conversation, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]models.Conversation(nil), a.chats...), nil
}

func (a *fakeAPI) UserInfo(ctx context.Context, userID string) (models.Profile, error) {
	a.lookups.Add(1)
	if a.lookupGate != nil {
		select {
		case <-a.lookupGate:
		case <-ctx.Done():
			return models.Profile{}, ctx.Err()
		}
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	p, ok := a.profiles[userID]
	if !ok {
		return models.Profile{}, &StatusError{Code: 404, Message: "user not found"}
	}
	return p, nil
}

func (a *fakeAPI) DeleteChat(_ context.Context, counterpartID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.deleted = append(a.deleted, counterpartID)
	return a.deleteErr
}

func (a *fakeAPI) MarkRead(_ context.Context, kind ReadKind) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.marks = append(a.marks, kind)
	return nil
}

func (a *fakeAPI) Follow(_ context.Context, userID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.follows = append(a.follows, userID)
	return nil
}

func (a *fakeAPI) Unfollow(_ context.Context, userID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.follows = append(a.follows, "-"+userID)
	return nil
}

func (a *fakeAPI) markCount(kind ReadKind) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, k := range a.marks {
		if k == kind {
			n++
		}
	}
	return n
}

func at(sec int64) time.Time {
	return time.Unix(sec, 0).UTC()
}
