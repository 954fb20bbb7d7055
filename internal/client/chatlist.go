package client

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"vestnik/internal/models"
)

var ErrDeleteChat = errors.New("error deleting chat")

// IncomingCase tells which path UpsertOnIncoming took.
type IncomingCase int

const (
	// IncomingOpen: the sender's conversation is open; summary updated in place.
	IncomingOpen IncomingCase = iota
	// IncomingMoved: the sender's conversation moved to the head of the list.
	IncomingMoved
	// IncomingLookup: unknown sender; the caller must look up the profile and
	// call ResolveLookup or FailLookup.
	IncomingLookup
	// IncomingPending: unknown sender with a lookup already in flight; the
	// message is buffered until it resolves.
	IncomingPending
)

func (c IncomingCase) String() string {
	switch c {
	case IncomingOpen:
		return "open"
	case IncomingMoved:
		return "moved"
	case IncomingLookup:
		return "lookup"
	case IncomingPending:
		return "pending"
	}
	return fmt.Sprintf("IncomingCase(%d)", int(c))
}

// ChatListStore is the list of conversations, most recent activity first.
// Conversations are keyed by counterpart id and there is at most one per id.
// Positions change only on incoming messages, never on viewing.
type ChatListStore struct {
	convs  []models.Conversation
	openID string

	// sender id -> messages received while the sender's profile is being looked up
	pending map[string][]models.Message
}

func NewChatListStore() *ChatListStore {
	return &ChatListStore{pending: make(map[string][]models.Message)}
}

// LoadInitial replaces the list with convs sorted by recency. Duplicate
// counterparts keep their most recent entry.
func (s *ChatListStore) LoadInitial(convs []models.Conversation) {
	sorted := append([]models.Conversation(nil), convs...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Date.After(sorted[j].Date) })

	seen := make(map[string]struct{}, len(sorted))
	s.convs = s.convs[:0]
	for _, c := range sorted {
		if _, ok := seen[c.MessagesWith]; ok {
			continue
		}
		seen[c.MessagesWith] = struct{}{}
		s.convs = append(s.convs, c)
	}
}

// SetOpen marks counterpartID as the open conversation. Empty means none.
func (s *ChatListStore) SetOpen(counterpartID string) {
	s.openID = counterpartID
}

func (s *ChatListStore) OpenID() string {
	return s.openID
}

// UpsertOnOutgoingSend records the viewer's acknowledged message in place.
// It reports false, changing nothing, when the counterpart is not listed.
func (s *ChatListStore) UpsertOnOutgoingSend(counterpartID string, msg models.Message) bool {
	_, ok := s.update(counterpartID, withMessage(msg))
	return ok
}

// UpsertOnIncoming records a message from another user.
func (s *ChatListStore) UpsertOnIncoming(msg models.Message) IncomingCase {
	sender := msg.Sender
	i := s.index(sender)

	switch {
	case i >= 0 && sender == s.openID:
		s.update(sender, withMessage(msg))
		return IncomingOpen
	case i >= 0:
		s.update(sender, withMessage(msg))
		s.moveToHead(s.index(sender))
		return IncomingMoved
	}

	if _, inFlight := s.pending[sender]; inFlight {
		s.pending[sender] = append(s.pending[sender], msg)
		return IncomingPending
	}
	s.pending[sender] = []models.Message{msg}
	return IncomingLookup
}

// ResolveLookup completes an IncomingLookup with the sender's profile. The
// conversation is inserted at the head unless it appeared meanwhile, in
// which case it is updated and moved instead. It reports whether anything
// changed.
func (s *ChatListStore) ResolveLookup(senderID string, profile models.Profile) bool {
	msgs, ok := s.pending[senderID]
	delete(s.pending, senderID)
	if !ok || len(msgs) == 0 {
		return false
	}
	last := msgs[len(msgs)-1]

	if i := s.index(senderID); i >= 0 {
		s.update(senderID, withMessage(last))
		if senderID != s.openID {
			s.moveToHead(s.index(senderID))
		}
		return true
	}

	s.insertHead(models.Conversation{
		MessagesWith:  senderID,
		UserName:      profile.UserName,
		ProfilePicURL: profile.ProfilePicURL,
		LastMessage:   last.Msg,
		Date:          last.Date,
	})
	return true
}

// FailLookup drops the messages buffered for senderID. The conversation stays
// absent until a later message starts a new lookup.
func (s *ChatListStore) FailLookup(senderID string) {
	delete(s.pending, senderID)
}

// Pending reports whether a lookup for senderID is in flight.
func (s *ChatListStore) Pending(senderID string) bool {
	_, ok := s.pending[senderID]
	return ok
}

// EnsureConversation synthesizes an empty conversation at the head for a
// counterpart without a thread. It reports false if one already exists.
func (s *ChatListStore) EnsureConversation(counterpartID string, profile models.Profile, at time.Time) bool {
	if s.index(counterpartID) >= 0 {
		return false
	}
	s.insertHead(models.Conversation{
		MessagesWith:  counterpartID,
		UserName:      profile.UserName,
		ProfilePicURL: profile.ProfilePicURL,
		Date:          at,
	})
	return true
}

// Remove drops a conversation after the remote delete returned remoteErr.
// A failed remote delete still removes a conversation nothing was sent in;
// otherwise the list is left unchanged and an ErrDeleteChat is returned.
func (s *ChatListStore) Remove(counterpartID string, remoteErr error) error {
	i := s.index(counterpartID)
	if i < 0 {
		return nil
	}
	if remoteErr != nil && s.convs[i].LastMessage != "" {
		return fmt.Errorf("%w: %w", ErrDeleteChat, remoteErr)
	}

	s.convs = append(s.convs[:i], s.convs[i+1:]...)
	if s.openID == counterpartID {
		s.openID = ""
	}
	return nil
}

// List returns a copy of the conversations in display order.
func (s *ChatListStore) List() []models.Conversation {
	return append([]models.Conversation(nil), s.convs...)
}

func (s *ChatListStore) Get(counterpartID string) (models.Conversation, bool) {
	if i := s.index(counterpartID); i >= 0 {
		return s.convs[i], true
	}
	return models.Conversation{}, false
}

func (s *ChatListStore) Len() int {
	return len(s.convs)
}

// update replaces the conversation keyed by counterpartID with fn's result.
func (s *ChatListStore) update(counterpartID string, fn func(models.Conversation) models.Conversation) (models.Conversation, bool) {
	i := s.index(counterpartID)
	if i < 0 {
		return models.Conversation{}, false
	}
	c := fn(s.convs[i])
	s.convs[i] = c
	return c, true
}

func withMessage(msg models.Message) func(models.Conversation) models.Conversation {
	return func(c models.Conversation) models.Conversation {
		c.LastMessage = msg.Msg
		c.Date = msg.Date
		return c
	}
}

func (s *ChatListStore) index(counterpartID string) int {
	for i, c := range s.convs {
		if c.MessagesWith == counterpartID {
			return i
		}
	}
	return -1
}

func (s *ChatListStore) moveToHead(i int) {
	if i <= 0 {
		return
	}
	c := s.convs[i]
	copy(s.convs[1:i+1], s.convs[:i])
	s.convs[0] = c
}

func (s *ChatListStore) insertHead(c models.Conversation) {
	s.convs = append(s.convs, models.Conversation{})
	copy(s.convs[1:], s.convs)
	s.convs[0] = c
}
