package storage

import (
	"errors"
	"fmt"
	"time"

	"vestnik/internal/models"

	"go.etcd.io/bbolt"
)

var (
	bucketUsers   = []byte("users")
	bucketFollows = []byte("follows")
	bucketThreads = []byte("threads")
	bucketTokens  = []byte("tokens")
	bucketPosts   = []byte("posts")
	bucketPush    = []byte("push")
)

var (
	ErrAlreadyLiked = errors.New("post liked before")
)

// Counter selects one of a user's unread counters.
type Counter int

const (
	CounterMessages Counter = iota
	CounterNotifications
)

type BboltStorage struct {
	db *bbolt.DB
}

func NewBboltStorage(path string) (*BboltStorage, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bbolt db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketUsers, bucketFollows, bucketThreads, bucketTokens, bucketPosts, bucketPush} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}

	return &BboltStorage{db: db}, nil
}

func (s *BboltStorage) Close() error {
	return s.db.Close()
}

// UpsertUser stores a new or updated user profile. Unread counters are preserved.
func (s *BboltStorage) UpsertUser(user models.User) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketUsers)
		dbUser := &DBUser{}
		if data := b.Get([]byte(user.ID)); data != nil {
			if err := dbUser.UnmarshalBinary(data); err != nil {
				return fmt.Errorf("failed to unmarshal user %s: %w", user.ID, err)
			}
		}
		dbUser.ID = user.ID
		dbUser.UserName = user.UserName
		dbUser.DisplayName = user.DisplayName
		dbUser.ProfilePicURL = user.ProfilePicURL
		dbUser.NewMessagePopup = user.NewMessagePopup
		return putRecord(b, dbUser)
	})
}

func (s *BboltStorage) GetUser(id string) (models.User, error) {
	var dbUser DBUser
	err := s.db.View(func(tx *bbolt.Tx) error {
		return getUser(tx, id, &dbUser)
	})
	if err != nil {
		return models.User{}, err
	}
	return dbUser.toModel(), nil
}

// FindUserByName returns the user with the given username.
func (s *BboltStorage) FindUserByName(userName string) (models.User, error) {
	var found *DBUser
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketUsers).ForEach(func(k, v []byte) error {
			var dbUser DBUser
			if err := dbUser.UnmarshalBinary(v); err != nil {
				return err
			}
			if dbUser.UserName == userName {
				found = &dbUser
			}
			return nil
		})
	})
	if err != nil {
		return models.User{}, err
	}
	if found == nil {
		return models.User{}, models.ErrNotFound
	}
	return found.toModel(), nil
}

// Unread returns the user's unread message and notification counters.
func (s *BboltStorage) Unread(userID string) (messages, notifications int, err error) {
	var dbUser DBUser
	err = s.db.View(func(tx *bbolt.Tx) error {
		return getUser(tx, userID, &dbUser)
	})
	return dbUser.UnreadMessages, dbUser.UnreadNotifications, err
}

// IncrementUnread raises one unread counter by one.
func (s *BboltStorage) IncrementUnread(userID string, counter Counter) error {
	return s.updateUser(userID, func(u *DBUser) {
		switch counter {
		case CounterMessages:
			u.UnreadMessages++
		case CounterNotifications:
			u.UnreadNotifications++
		}
	})
}

// ResetUnread sets one unread counter to zero.
func (s *BboltStorage) ResetUnread(userID string, counter Counter) error {
	return s.updateUser(userID, func(u *DBUser) {
		switch counter {
		case CounterMessages:
			u.UnreadMessages = 0
		case CounterNotifications:
			u.UnreadNotifications = 0
		}
	})
}

func (s *BboltStorage) updateUser(userID string, update func(u *DBUser)) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		var dbUser DBUser
		if err := getUser(tx, userID, &dbUser); err != nil {
			return err
		}
		update(&dbUser)
		return putRecord(tx.Bucket(bucketUsers), &dbUser)
	})
}

// Follow records that follower follows followee.
func (s *BboltStorage) Follow(followerID, followeeID string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		if err := getUser(tx, followeeID, &DBUser{}); err != nil {
			return err
		}
		b, err := tx.Bucket(bucketFollows).CreateBucketIfNotExists([]byte(followerID))
		if err != nil {
			return fmt.Errorf("failed to create follows bucket: %w", err)
		}
		return b.Put([]byte(followeeID), []byte{})
	})
}

func (s *BboltStorage) Unfollow(followerID, followeeID string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketFollows).Bucket([]byte(followerID))
		if b == nil {
			return nil
		}
		return b.Delete([]byte(followeeID))
	})
}

// ListFollowing returns the ids of the users followerID follows.
func (s *BboltStorage) ListFollowing(followerID string) ([]string, error) {
	following := []string{}
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketFollows).Bucket([]byte(followerID))
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, _ []byte) error {
			following = append(following, string(k))
			return nil
		})
	})
	return following, err
}

func (s *BboltStorage) UpsertToken(userID, tokenHash string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return putRecord(tx.Bucket(bucketTokens), &DBToken{
			UserID:    userID,
			TokenHash: tokenHash,
			CreatedAt: time.Now().Unix(),
		})
	})
}

func (s *BboltStorage) DeleteToken(tokenHash string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketTokens).Delete([]byte(tokenHash))
	})
}

// GetTokenUser returns the owner of a token hash.
func (s *BboltStorage) GetTokenUser(tokenHash string) (string, error) {
	var dbToken DBToken
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketTokens).Get([]byte(tokenHash))
		if data == nil {
			return models.ErrNotFound
		}
		return dbToken.UnmarshalBinary(data)
	})
	return dbToken.UserID, err
}

func getUser(tx *bbolt.Tx, id string, dbUser *DBUser) error {
	data := tx.Bucket(bucketUsers).Get([]byte(id))
	if data == nil {
		return fmt.Errorf("user %s: %w", id, models.ErrNotFound)
	}
	return dbUser.UnmarshalBinary(data)
}

func putRecord(b *bbolt.Bucket, record Storeable) error {
	data, err := record.MarshalBinary()
	if err != nil {
		return err
	}
	return b.Put(record.Key(), data)
}

func (u *DBUser) toModel() models.User {
	return models.User{
		ID:              u.ID,
		UserName:        u.UserName,
		DisplayName:     u.DisplayName,
		ProfilePicURL:   u.ProfilePicURL,
		NewMessagePopup: u.NewMessagePopup,
	}
}
