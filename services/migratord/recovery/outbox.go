package recovery

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketAlerts = []byte("alerts")
	bucketAcked  = []byte("acked")

	// ErrAlertNotFound is returned when acknowledging an unknown alert.
	ErrAlertNotFound = errors.New("recovery: alert not found")
)

// Outbox persists alerts in a Bolt file until an operator acknowledges them.
// It survives restarts so overdue draws are never forgotten.
type Outbox struct {
	db *bolt.DB
}

// OutboxEntry is a stored alert.
type OutboxEntry struct {
	Alert   Alert      `json:"alert"`
	AckedAt *time.Time `json:"ackedAt,omitempty"`
	AckNote string     `json:"ackNote,omitempty"`
}

// OpenOutbox opens (and migrates) the Bolt-backed outbox at path.
func OpenOutbox(path string, options *bolt.Options) (*Outbox, error) {
	if options == nil {
		options = &bolt.Options{Timeout: time.Second}
	} else if options.Timeout == 0 {
		options.Timeout = time.Second
	}
	db, err := bolt.Open(path, 0o600, options)
	if err != nil {
		return nil, err
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketAlerts, bucketAcked} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Outbox{db: db}, nil
}

// Close releases the underlying Bolt database handle.
func (o *Outbox) Close() error {
	if o == nil || o.db == nil {
		return nil
	}
	return o.db.Close()
}

// Report stores the alert unless one with the same ID already exists, open or
// acknowledged.
func (o *Outbox) Report(_ context.Context, alert Alert) error {
	return o.db.Update(func(tx *bolt.Tx) error {
		id := []byte(alert.ID)
		if tx.Bucket(bucketAlerts).Get(id) != nil || tx.Bucket(bucketAcked).Get(id) != nil {
			return nil
		}
		encoded, err := json.Marshal(OutboxEntry{Alert: alert})
		if err != nil {
			return err
		}
		return tx.Bucket(bucketAlerts).Put(id, encoded)
	})
}

// Open returns every unacknowledged alert ordered by ID.
func (o *Outbox) Open() ([]OutboxEntry, error) {
	var out []OutboxEntry
	err := o.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketAlerts).ForEach(func(_, v []byte) error {
			var entry OutboxEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				return err
			}
			out = append(out, entry)
			return nil
		})
	})
	return out, err
}

// Ack moves an alert to the acknowledged bucket.
func (o *Outbox) Ack(id, note string, at time.Time) error {
	return o.db.Update(func(tx *bolt.Tx) error {
		open := tx.Bucket(bucketAlerts)
		raw := open.Get([]byte(id))
		if raw == nil {
			return ErrAlertNotFound
		}
		var entry OutboxEntry
		if err := json.Unmarshal(raw, &entry); err != nil {
			return err
		}
		ackedAt := at.UTC()
		entry.AckedAt = &ackedAt
		entry.AckNote = note
		encoded, err := json.Marshal(entry)
		if err != nil {
			return err
		}
		if err := tx.Bucket(bucketAcked).Put([]byte(id), encoded); err != nil {
			return err
		}
		return open.Delete([]byte(id))
	})
}
