package client

import (
	"errors"
	"slices"
	"strings"

	"vestnik/internal/models"
)

var (
	ErrNoOpenConversation = errors.New("no open conversation")
	ErrEmptyMessage       = errors.New("message is empty")
	ErrMessageNotFound    = errors.New("message not in the open conversation")
	ErrDeletePending      = errors.New("message is already being deleted")
)

// Sender writes one frame to the server. *Handle satisfies it.
type Sender interface {
	Send(event models.EventType, payload any) error
}

type pendingDelete struct {
	counterpartID string
	messageID     string
}

// MessageChannel is the history of the open conversation and the
// send/receive/delete protocol around it. History only grows by appending
// acknowledged or received messages, and shrinks only on delete
// acknowledgments.
//
// Acknowledgments and rejections echo the counterpart or message id of
// their request and are matched on it. The server answers every request in
// order, so an open answered by id also retires the opens sent before it.
type MessageChannel struct {
	userID      string
	openID      string
	counterpart models.User
	history     []models.Message

	pendingOpens   []string
	pendingDeletes []pendingDelete
}

func NewMessageChannel(userID string) *MessageChannel {
	return &MessageChannel{userID: userID}
}

// Open makes counterpartID the open conversation and requests its history.
func (c *MessageChannel) Open(conn Sender, counterpartID string) error {
	if conn == nil {
		return ErrNotConnected
	}
	if err := conn.Send(models.EventLoadMessages, models.LoadMessagesPayload{
		UserID:       c.userID,
		MessagesWith: counterpartID,
	}); err != nil {
		return err
	}

	c.openID = counterpartID
	c.counterpart = models.User{ID: counterpartID}
	c.history = nil
	c.pendingOpens = append(c.pendingOpens, counterpartID)
	return nil
}

// OnMessagesLoaded replaces the history with an existing thread. Answers to
// superseded opens are consumed and dropped.
func (c *MessageChannel) OnMessagesLoaded(p models.MessagesLoadedPayload) bool {
	id := p.Chat.MessagesWith.ID
	for i, pending := range c.pendingOpens {
		if pending == id {
			c.pendingOpens = c.pendingOpens[i+1:]
			break
		}
	}
	if id == "" || id != c.openID {
		return false
	}

	c.counterpart = p.Chat.MessagesWith
	c.history = append([]models.Message(nil), p.Chat.Messages...)
	return true
}

// OnNoChatFound answers the open of counterpartID, or the oldest outstanding
// open when the server did not name one. It returns the counterpart that has
// no thread and whether that conversation is still open; the caller resolves
// its profile out of band.
func (c *MessageChannel) OnNoChatFound(counterpartID string) (string, bool) {
	id, ok := c.consumeOpen(counterpartID)
	if !ok || id != c.openID {
		return id, false
	}

	c.history = nil
	return id, true
}

// OnLoadFailed retires the open of counterpartID the server could not
// answer. It reports whether that conversation is still open.
func (c *MessageChannel) OnLoadFailed(counterpartID string) bool {
	id, ok := c.consumeOpen(counterpartID)
	return ok && id != "" && id == c.openID
}

func (c *MessageChannel) consumeOpen(counterpartID string) (string, bool) {
	if counterpartID == "" {
		if len(c.pendingOpens) == 0 {
			return "", false
		}
		id := c.pendingOpens[0]
		c.pendingOpens = c.pendingOpens[1:]
		return id, true
	}
	for i, pending := range c.pendingOpens {
		if pending == counterpartID {
			c.pendingOpens = c.pendingOpens[i+1:]
			return pending, true
		}
	}
	return counterpartID, false
}

// SetCounterpart records the open counterpart's metadata resolved after noChatFound.
func (c *MessageChannel) SetCounterpart(u models.User) {
	if u.ID == c.openID {
		c.counterpart = u
	}
}

// Send sends body to counterpartID. Nothing is appended until the server
// acknowledges with msgSent.
func (c *MessageChannel) Send(conn Sender, counterpartID, body string) error {
	if strings.TrimSpace(body) == "" {
		return ErrEmptyMessage
	}
	if counterpartID == "" {
		return ErrNoOpenConversation
	}
	if conn == nil {
		return ErrNotConnected
	}
	return conn.Send(models.EventSendNewMsg, models.SendNewMsgPayload{
		UserID:          c.userID,
		MsgSendToUserID: counterpartID,
		Msg:             body,
	})
}

// OnSent appends the acknowledged message if its conversation is open.
func (c *MessageChannel) OnSent(msg models.Message) bool {
	if msg.Receiver != c.openID || c.openID == "" {
		return false
	}
	c.history = append(c.history, msg)
	return true
}

// Receive appends msg if it comes from the open conversation.
func (c *MessageChannel) Receive(msg models.Message) bool {
	if msg.Sender != c.openID || c.openID == "" {
		return false
	}
	c.history = append(c.history, msg)
	return true
}

// Delete asks the server to delete a message of the open conversation.
// The message stays in history until the acknowledgment.
func (c *MessageChannel) Delete(conn Sender, messageID string) error {
	if c.openID == "" {
		return ErrNoOpenConversation
	}
	if !slices.ContainsFunc(c.history, func(m models.Message) bool { return m.ID == messageID }) {
		return ErrMessageNotFound
	}
	if c.deleteIndex(messageID) >= 0 {
		return ErrDeletePending
	}
	if conn == nil {
		return ErrNotConnected
	}
	if err := conn.Send(models.EventDeleteMsg, models.DeleteMsgPayload{
		UserID:       c.userID,
		MessagesWith: c.openID,
		MessageID:    messageID,
	}); err != nil {
		return err
	}
	c.pendingDeletes = append(c.pendingDeletes, pendingDelete{counterpartID: c.openID, messageID: messageID})
	return nil
}

// OnDeleted handles a delete acknowledgment and returns the deleted message
// id. An acknowledgment without an id answers the oldest outstanding delete.
// History changes only if that conversation is still open.
func (c *MessageChannel) OnDeleted(p models.MsgDeletedPayload) (string, bool) {
	i := 0
	if p.MessageID != "" {
		i = c.deleteIndex(p.MessageID)
	}
	if i < 0 || len(c.pendingDeletes) == 0 {
		return p.MessageID, false
	}
	d := c.pendingDeletes[i]
	c.pendingDeletes = slices.Delete(c.pendingDeletes, i, i+1)
	if d.counterpartID != c.openID {
		return d.messageID, false
	}

	for i, m := range c.history {
		if m.ID == d.messageID {
			c.history = append(c.history[:i:i], c.history[i+1:]...)
			return d.messageID, true
		}
	}
	return d.messageID, false
}

// OnDeleteFailed retires a delete the server rejected. The message stays.
func (c *MessageChannel) OnDeleteFailed(messageID string) bool {
	i := c.deleteIndex(messageID)
	if i < 0 {
		return false
	}
	c.pendingDeletes = slices.Delete(c.pendingDeletes, i, i+1)
	return true
}

func (c *MessageChannel) deleteIndex(messageID string) int {
	return slices.IndexFunc(c.pendingDeletes, func(d pendingDelete) bool { return d.messageID == messageID })
}

// History returns a copy of the open conversation's messages, oldest first.
func (c *MessageChannel) History() []models.Message {
	return append([]models.Message(nil), c.history...)
}

func (c *MessageChannel) OpenID() string {
	return c.openID
}

func (c *MessageChannel) Counterpart() models.User {
	return c.counterpart
}

// Close clears the open conversation. Outstanding acknowledgments are still
// consumed when they arrive.
func (c *MessageChannel) Close() {
	c.openID = ""
	c.counterpart = models.User{}
	c.history = nil
}

// ResetPending forgets every outstanding request. Answers to requests sent
// on a dropped connection never arrive.
func (c *MessageChannel) ResetPending() {
	c.pendingOpens = nil
	c.pendingDeletes = nil
}
