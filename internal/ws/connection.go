package ws

import (
	"context"
	"errors"
	"sync"

	"vestnik/internal/models"
)

type wsConnection interface {
	Close() error
	WriteJSON(v interface{}) error
	ReadJSON(v interface{}) error
}

type messageHub interface {
	Join(connID, userID string) chan models.Envelope
	Leave(connID string)
	Dispatch(connID string, env models.Envelope)
}

type Connection struct {
	ws         wsConnection
	hub        messageHub
	connID     string
	userID     string
	fromClient chan models.Envelope
	fromServer chan models.Envelope
	errorCh    chan error
}

func NewConnection(
	hub messageHub,
	ws wsConnection,
	connID string,
	userID string,
) *Connection {
	return &Connection{
		ws:         ws,
		hub:        hub,
		connID:     connID,
		userID:     userID,
		fromClient: make(chan models.Envelope),
		fromServer: hub.Join(connID, userID),
		errorCh:    make(chan error, 2),
	}
}

// Handle pumps frames in both directions until the client goes away,
// a write fails or ctx is cancelled.
func (c *Connection) Handle(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer func() {
		close(c.errorCh)
		c.hub.Leave(c.connID)
	}()

	var wg sync.WaitGroup
	wg.Go(func() {
		c.errorCh <- c.pumpMessages(ctx)
		cancel()
	})

	wg.Go(func() {
		c.errorCh <- c.mainLoop(ctx)
		cancel()
	})

	var err error
	select {
	case err = <-c.errorCh:
	case <-ctx.Done():
	}
	_ = c.ws.Close()
	wg.Wait()

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	return nil
}

func (c *Connection) pumpMessages(ctx context.Context) error {
	for {
		var env models.Envelope
		if err := c.ws.ReadJSON(&env); err != nil {
			return err
		}
		select {
		case c.fromClient <- env:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Connection) mainLoop(ctx context.Context) error {
	for {
		select {
		case env := <-c.fromClient:
			c.hub.Dispatch(c.connID, env)
		case env, ok := <-c.fromServer:
			if !ok {
				return nil
			}
			if err := c.ws.WriteJSON(env); err != nil {
				return err
			}
		case <-ctx.Done():
			return nil
		}
	}
}
