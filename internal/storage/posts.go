package storage

import (
	"fmt"
	"slices"

	"vestnik/internal/models"

	"go.etcd.io/bbolt"
)

func (s *BboltStorage) CreatePost(post models.Post) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		if err := getUser(tx, post.UserID, &DBUser{}); err != nil {
			return err
		}
		return putRecord(tx.Bucket(bucketPosts), &DBPost{
			ID:     post.ID,
			UserID: post.UserID,
			Likes:  post.Likes,
		})
	})
}

// LikePost records a like by userID and returns the updated post.
// A second like by the same user returns ErrAlreadyLiked.
func (s *BboltStorage) LikePost(postID, userID string) (models.Post, error) {
	var dbPost DBPost
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketPosts)
		data := b.Get([]byte(postID))
		if data == nil {
			return fmt.Errorf("post %s: %w", postID, models.ErrNotFound)
		}
		if err := dbPost.UnmarshalBinary(data); err != nil {
			return err
		}
		if slices.Contains(dbPost.Likes, userID) {
			return ErrAlreadyLiked
		}
		dbPost.Likes = append(dbPost.Likes, userID)
		return putRecord(b, &dbPost)
	})
	if err != nil {
		return models.Post{}, err
	}
	return models.Post{ID: dbPost.ID, UserID: dbPost.UserID, Likes: dbPost.Likes}, nil
}

// AddPushSubscription stores a web-push endpoint for userID, replacing one with the same endpoint.
func (s *BboltStorage) AddPushSubscription(userID string, sub models.PushSubscription) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.Bucket(bucketPush).CreateBucketIfNotExists([]byte(userID))
		if err != nil {
			return fmt.Errorf("failed to create push bucket: %w", err)
		}
		return putRecord(b, &DBPushSubscription{
			Endpoint: sub.Endpoint,
			Auth:     sub.Keys.Auth,
			P256dh:   sub.Keys.P256dh,
		})
	})
}

func (s *BboltStorage) ListPushSubscriptions(userID string) ([]models.PushSubscription, error) {
	var subs []models.PushSubscription
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketPush).Bucket([]byte(userID))
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			var dbSub DBPushSubscription
			if err := dbSub.UnmarshalBinary(v); err != nil {
				return err
			}
			var sub models.PushSubscription
			sub.Endpoint = dbSub.Endpoint
			sub.Keys.Auth = dbSub.Auth
			sub.Keys.P256dh = dbSub.P256dh
			subs = append(subs, sub)
			return nil
		})
	})
	return subs, err
}

func (s *BboltStorage) DeletePushSubscription(userID, endpoint string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketPush).Bucket([]byte(userID))
		if b == nil {
			return nil
		}
		return b.Delete([]byte(endpoint))
	})
}
