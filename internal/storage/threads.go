package storage

import (
	"errors"
	"fmt"
	"time"

	"vestnik/internal/models"

	"go.etcd.io/bbolt"
)

// Every user owns a view of each thread they take part in:
// threads/<ownerID>/<counterpartID>/<seq> -> DBMessage.

// AppendMessage appends a message to ownerID's view of the thread with counterpartID,
// creating the thread if needed.
func (s *BboltStorage) AppendMessage(ownerID, counterpartID string, message models.Message) error {
	if ownerID == "" || counterpartID == "" {
		return errors.New("message missing thread owner or counterpart")
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		owner, err := tx.Bucket(bucketThreads).CreateBucketIfNotExists([]byte(ownerID))
		if err != nil {
			return fmt.Errorf("failed to create owner bucket: %w", err)
		}
		thread, err := owner.CreateBucketIfNotExists([]byte(counterpartID))
		if err != nil {
			return fmt.Errorf("failed to create thread bucket: %w", err)
		}
		seq, err := thread.NextSequence()
		if err != nil {
			return fmt.Errorf("failed to allocate message sequence: %w", err)
		}
		dbMessage := &DBMessage{
			Seq:       seq,
			ID:        message.ID,
			Sender:    message.Sender,
			Receiver:  message.Receiver,
			Content:   message.Msg,
			Timestamp: message.Date.UnixMilli(),
			Deleted:   message.Deleted,
		}
		if err := putRecord(thread, dbMessage); err != nil {
			return fmt.Errorf("failed to put message: %w", err)
		}
		return nil
	})
}

// ListMessages returns up to limit of the newest non-deleted messages of a thread, oldest first.
// It returns models.ErrNotFound when the thread does not exist in ownerID's view.
func (s *BboltStorage) ListMessages(ownerID, counterpartID string, limit int) ([]models.Message, error) {
	var messages []models.Message
	err := s.db.View(func(tx *bbolt.Tx) error {
		thread := threadBucket(tx, ownerID, counterpartID)
		if thread == nil {
			return models.ErrNotFound
		}
		c := thread.Cursor()
		for k, v := c.Last(); k != nil && (limit <= 0 || len(messages) < limit); k, v = c.Prev() {
			var dbMsg DBMessage
			if err := dbMsg.UnmarshalBinary(v); err != nil {
				return err
			}
			if dbMsg.Deleted {
				continue
			}
			messages = append(messages, dbMsg.toModel())
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	if messages == nil {
		messages = []models.Message{}
	}
	return messages, nil
}

// SoftDeleteMessage flags a message in ownerID's view of a thread as deleted.
func (s *BboltStorage) SoftDeleteMessage(ownerID, counterpartID, messageID string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		thread := threadBucket(tx, ownerID, counterpartID)
		if thread == nil {
			return models.ErrNotFound
		}
		c := thread.Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			var dbMsg DBMessage
			if err := dbMsg.UnmarshalBinary(v); err != nil {
				return err
			}
			if dbMsg.ID != messageID {
				continue
			}
			if dbMsg.Deleted {
				return fmt.Errorf("message %s: %w", messageID, models.ErrNotFound)
			}
			dbMsg.Deleted = true
			return putRecord(thread, &dbMsg)
		}
		return fmt.Errorf("message %s: %w", messageID, models.ErrNotFound)
	})
}

// ListThreads returns a summary of every thread in ownerID's view. Only MessagesWith,
// LastMessage and Date are filled. LastMessage is the newest non-deleted message body.
func (s *BboltStorage) ListThreads(ownerID string) ([]models.Conversation, error) {
	conversations := []models.Conversation{}
	err := s.db.View(func(tx *bbolt.Tx) error {
		owner := tx.Bucket(bucketThreads).Bucket([]byte(ownerID))
		if owner == nil {
			return nil
		}
		return owner.ForEach(func(k, v []byte) error {
			if v != nil {
				return nil
			}
			thread := owner.Bucket(k)
			conv := models.Conversation{MessagesWith: string(k)}
			c := thread.Cursor()
			for mk, mv := c.Last(); mk != nil; mk, mv = c.Prev() {
				var dbMsg DBMessage
				if err := dbMsg.UnmarshalBinary(mv); err != nil {
					return err
				}
				if conv.Date.IsZero() {
					conv.Date = time.UnixMilli(dbMsg.Timestamp).UTC()
				}
				if !dbMsg.Deleted {
					conv.LastMessage = dbMsg.Content
					break
				}
			}
			conversations = append(conversations, conv)
			return nil
		})
	})
	return conversations, err
}

// DeleteThread removes ownerID's view of the thread with counterpartID.
func (s *BboltStorage) DeleteThread(ownerID, counterpartID string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		owner := tx.Bucket(bucketThreads).Bucket([]byte(ownerID))
		if owner == nil || owner.Bucket([]byte(counterpartID)) == nil {
			return models.ErrNotFound
		}
		return owner.DeleteBucket([]byte(counterpartID))
	})
}

func threadBucket(tx *bbolt.Tx, ownerID, counterpartID string) *bbolt.Bucket {
	owner := tx.Bucket(bucketThreads).Bucket([]byte(ownerID))
	if owner == nil {
		return nil
	}
	return owner.Bucket([]byte(counterpartID))
}

func (m *DBMessage) toModel() models.Message {
	return models.Message{
		ID:       m.ID,
		Sender:   m.Sender,
		Receiver: m.Receiver,
		Msg:      m.Content,
		Date:     time.UnixMilli(m.Timestamp).UTC(),
		Deleted:  m.Deleted,
	}
}
