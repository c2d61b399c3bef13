package services

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/purposechat/purposechat/internal/models"
	bolt "go.etcd.io/bbolt"
)

// BoltDB implements the gateway's Store interface using a BoltDB backend for
// persistent storage of sessions and messages. Sessions live in one bucket;
// each session owns a message bucket whose zero-padded sequence keys keep the
// turns in insertion order.
type BoltDB struct {
	db *bolt.DB
}

const sessionsBucket = "sessions"

// NewBoltDB creates a BoltDB instance with the specified file path. The
// database file is created with 0600 permissions if it doesn't exist.
func NewBoltDB(path string) (BoltDB, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return BoltDB{}, fmt.Errorf("failed to open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(sessionsBucket))
		return err
	})

	return BoltDB{db: db}, err
}

// Close closes the underlying database.
func (b BoltDB) Close() error {
	return b.db.Close()
}

func messageBucketName(sessionID string) []byte {
	return []byte(fmt.Sprintf("session-%s-messages", sessionID))
}

// Sessions retrieves all stored sessions, most recently active first.
func (b BoltDB) Sessions(context.Context) ([]models.Session, error) {
	var sessions []models.Session
	err := b.db.View(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(sessionsBucket))
		if bkt == nil {
			return nil
		}

		return bkt.ForEach(func(_, v []byte) error {
			var session models.Session
			if err := json.Unmarshal(v, &session); err != nil {
				return fmt.Errorf("failed to unmarshal session: %w", err)
			}
			sessions = append(sessions, session)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	slices.SortFunc(sessions, func(a, b models.Session) int {
		return b.LastActivity.Compare(a.LastActivity)
	})
	return sessions, nil
}

// CreateSession stores a new session and creates its message bucket,
// returning the assigned durable id.
func (b BoltDB) CreateSession(_ context.Context, session models.Session) (string, error) {
	if session.ID == "" {
		session.ID = uuid.New().String()
	}
	if session.LastActivity.IsZero() {
		session.LastActivity = time.Now()
	}

	err := b.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(sessionsBucket))
		if bkt == nil {
			return fmt.Errorf("sessions bucket is missing")
		}

		if _, err := tx.CreateBucketIfNotExists(messageBucketName(session.ID)); err != nil {
			return fmt.Errorf("failed to create message bucket: %w", err)
		}

		v, err := json.Marshal(session)
		if err != nil {
			return fmt.Errorf("failed to marshal session: %w", err)
		}

		return bkt.Put([]byte(session.ID), v)
	})

	return session.ID, err
}

// Session retrieves a single session by id.
func (b BoltDB) Session(_ context.Context, sessionID string) (models.Session, error) {
	var session models.Session
	err := b.db.View(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(sessionsBucket))
		if bkt == nil {
			return fmt.Errorf("sessions bucket is missing")
		}
		v := bkt.Get([]byte(sessionID))
		if v == nil {
			return fmt.Errorf("session %s not found", sessionID)
		}
		return json.Unmarshal(v, &session)
	})
	return session, err
}

// UpdateSession overwrites an existing session record. Updating an unknown
// session is silently ignored.
func (b BoltDB) UpdateSession(_ context.Context, session models.Session) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(sessionsBucket))
		if bkt == nil {
			return nil
		}

		if bkt.Get([]byte(session.ID)) == nil {
			return nil
		}

		v, err := json.Marshal(session)
		if err != nil {
			return fmt.Errorf("failed to marshal session: %w", err)
		}

		return bkt.Put([]byte(session.ID), v)
	})
}

// DeleteSession removes a session and its message bucket.
func (b BoltDB) DeleteSession(_ context.Context, sessionID string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(sessionsBucket))
		if bkt == nil {
			return nil
		}
		if err := bkt.Delete([]byte(sessionID)); err != nil {
			return err
		}
		err := tx.DeleteBucket(messageBucketName(sessionID))
		if err != nil && err != bolt.ErrBucketNotFound {
			return err
		}
		return nil
	})
}

// Messages retrieves all messages of a session in insertion order.
func (b BoltDB) Messages(_ context.Context, sessionID string) ([]models.Message, error) {
	var messages []models.Message
	err := b.db.View(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(messageBucketName(sessionID))
		if bkt == nil {
			return nil
		}

		return bkt.ForEach(func(_, v []byte) error {
			var message models.Message
			if err := json.Unmarshal(v, &message); err != nil {
				return fmt.Errorf("failed to unmarshal message: %w", err)
			}
			messages = append(messages, message)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return messages, nil
}

// AddMessage stores a new message in the session's bucket. The assigned id
// combines a zero-padded sequence number with a random suffix, so ids are
// durable and keys keep insertion order.
func (b BoltDB) AddMessage(_ context.Context, sessionID string, message models.Message) (string, error) {
	var newID string
	err := b.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(messageBucketName(sessionID))
		if bkt == nil {
			return fmt.Errorf("message bucket for session %s is missing", sessionID)
		}

		seq, err := bkt.NextSequence()
		if err != nil {
			return fmt.Errorf("failed to get next sequence: %w", err)
		}
		newID = fmt.Sprintf("%08d-%s", seq, uuid.New().String())
		message.ID = newID
		if message.Timestamp.IsZero() {
			message.Timestamp = time.Now()
		}

		v, err := json.Marshal(message)
		if err != nil {
			return fmt.Errorf("failed to marshal message: %w", err)
		}

		return bkt.Put([]byte(newID), v)
	})

	return newID, err
}

// UpdateMessage overwrites an existing message in the session's bucket.
func (b BoltDB) UpdateMessage(_ context.Context, sessionID string, message models.Message) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(messageBucketName(sessionID))
		if bkt == nil {
			return nil
		}

		if bkt.Get([]byte(message.ID)) == nil {
			return fmt.Errorf("message %s not found", message.ID)
		}

		v, err := json.Marshal(message)
		if err != nil {
			return fmt.Errorf("failed to marshal message: %w", err)
		}

		return bkt.Put([]byte(message.ID), v)
	})
}
