package chat

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"vestnik/internal/content"
	"vestnik/internal/models"

	"github.com/google/uuid"
)

var (
	ErrNoChat          = errors.New("no chat found")
	ErrMessageNotFound = errors.New("message not found")
	ErrSelfMessage     = errors.New("cannot message yourself")
	ErrUnknownUser     = errors.New("unknown user")
)

type Store interface {
	GetUser(id string) (models.User, error)
	AppendMessage(ownerID, counterpartID string, message models.Message) error
	ListMessages(ownerID, counterpartID string, limit int) ([]models.Message, error)
	SoftDeleteMessage(ownerID, counterpartID, messageID string) error
	ListThreads(ownerID string) ([]models.Conversation, error)
	DeleteThread(ownerID, counterpartID string) error
}

type Config struct {
	Store        Store
	HistoryLimit int
	Now          func() time.Time
}

// Service keeps per-user views of direct-message threads. A sent message is
// stored in both participants' views; deleting a message or a whole thread
// only affects the requester's view.
type Service struct {
	store        Store
	historyLimit int
	now          func() time.Time

	// serializes sends so message dates are strictly increasing
	mux  sync.Mutex
	last time.Time
}

func New(config Config) *Service {
	now := config.Now
	if now == nil {
		now = time.Now
	}
	return &Service{
		store:        config.Store,
		historyLimit: config.HistoryLimit,
		now:          now,
	}
}

// Load returns userID's history with counterpartID, or ErrNoChat when there is none.
func (s *Service) Load(userID, counterpartID string) (models.Thread, error) {
	counterpart, err := s.store.GetUser(counterpartID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return models.Thread{}, ErrNoChat
		}
		return models.Thread{}, err
	}

	messages, err := s.store.ListMessages(userID, counterpartID, s.historyLimit)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return models.Thread{}, ErrNoChat
		}
		return models.Thread{}, fmt.Errorf("failed to load messages: %w", err)
	}

	return models.Thread{
		Messages:     messages,
		MessagesWith: counterpart,
	}, nil
}

// Send persists a message from senderID to receiverID in both views and returns it.
func (s *Service) Send(senderID, receiverID, body string) (models.Message, error) {
	if senderID == receiverID {
		return models.Message{}, ErrSelfMessage
	}
	msg, err := content.MessageBody(body)
	if err != nil {
		return models.Message{}, err
	}
	if _, err := s.store.GetUser(receiverID); err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return models.Message{}, ErrUnknownUser
		}
		return models.Message{}, err
	}

	s.mux.Lock()
	defer s.mux.Unlock()

	date := s.now().UTC().Truncate(time.Millisecond)
	if !date.After(s.last) {
		date = s.last.Add(time.Millisecond)
	}
	s.last = date

	message := models.Message{
		ID:       uuid.NewString(),
		Sender:   senderID,
		Receiver: receiverID,
		Msg:      msg,
		Date:     date,
	}

	if err := s.store.AppendMessage(senderID, receiverID, message); err != nil {
		return models.Message{}, fmt.Errorf("failed to store sent message: %w", err)
	}
	if err := s.store.AppendMessage(receiverID, senderID, message); err != nil {
		return models.Message{}, fmt.Errorf("failed to store received message: %w", err)
	}

	return message, nil
}

// Delete removes a message from userID's view of the thread with counterpartID.
func (s *Service) Delete(userID, counterpartID, messageID string) error {
	if err := s.store.SoftDeleteMessage(userID, counterpartID, messageID); err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return ErrMessageNotFound
		}
		return err
	}
	return nil
}

// List returns userID's conversations, most recently active first.
func (s *Service) List(userID string) ([]models.Conversation, error) {
	threads, err := s.store.ListThreads(userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list threads: %w", err)
	}

	conversations := make([]models.Conversation, 0, len(threads))
	for _, t := range threads {
		counterpart, err := s.store.GetUser(t.MessagesWith)
		if err != nil {
			slog.Warn("skipping thread with unknown counterpart", "user_id", userID, "messages_with", t.MessagesWith, "error", err)
			continue
		}
		t.UserName = counterpart.UserName
		t.ProfilePicURL = counterpart.ProfilePicURL
		conversations = append(conversations, t)
	}

	sort.SliceStable(conversations, func(i, j int) bool {
		return conversations[i].Date.After(conversations[j].Date)
	})

	return conversations, nil
}

// Remove deletes userID's view of the thread with counterpartID.
func (s *Service) Remove(userID, counterpartID string) error {
	if err := s.store.DeleteThread(userID, counterpartID); err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return ErrNoChat
		}
		return err
	}
	return nil
}
