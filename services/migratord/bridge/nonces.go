package bridge

import (
	"encoding/binary"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
)

const (
	maxSeenNonces      = 100_000
	noncePruneInterval = time.Minute
)

var bucketNonces = []byte("webhook_nonces")

// NonceStore remembers webhook nonces for the replay window.
type NonceStore interface {
	// Remember records nonce as seen at now. It returns ErrReplayedNonce when
	// the nonce was already seen after cutoff.
	Remember(nonce string, now, cutoff time.Time) error
}

type memoryNonces struct {
	mu   sync.Mutex
	seen map[string]time.Time
}

func newMemoryNonces() *memoryNonces {
	return &memoryNonces{seen: make(map[string]time.Time)}
}

func (m *memoryNonces) Remember(nonce string, now, cutoff time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.seen) >= maxSeenNonces {
		for n, at := range m.seen {
			if at.Before(cutoff) {
				delete(m.seen, n)
			}
		}
	}
	if at, ok := m.seen[nonce]; ok && !at.Before(cutoff) {
		return ErrReplayedNonce
	}
	m.seen[nonce] = now
	return nil
}

// BoltNonces keeps the replay window in a Bolt file.
type BoltNonces struct {
	db *bolt.DB

	mu        sync.Mutex
	lastPrune time.Time
}

// OpenNonceStore opens the Bolt-backed nonce store at path.
func OpenNonceStore(path string, options *bolt.Options) (*BoltNonces, error) {
	if options == nil {
		options = &bolt.Options{Timeout: time.Second}
	}
	db, err := bolt.Open(path, 0o600, options)
	if err != nil {
		return nil, err
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketNonces)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &BoltNonces{db: db}, nil
}

// Close releases the Bolt handle.
func (b *BoltNonces) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	return b.db.Close()
}

// Remember implements NonceStore.
func (b *BoltNonces) Remember(nonce string, now, cutoff time.Time) error {
	prune := b.shouldPrune(now)
	return b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketNonces)
		if prune {
			if err := pruneBefore(bucket, cutoff); err != nil {
				return err
			}
		}
		key := []byte(nonce)
		if raw := bucket.Get(key); len(raw) == 8 && !decodeUnixNano(raw).Before(cutoff) {
			return ErrReplayedNonce
		}
		return bucket.Put(key, encodeUnixNano(now))
	})
}

func (b *BoltNonces) shouldPrune(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if now.Sub(b.lastPrune) < noncePruneInterval {
		return false
	}
	b.lastPrune = now
	return true
}

func pruneBefore(bucket *bolt.Bucket, cutoff time.Time) error {
	var stale [][]byte
	c := bucket.Cursor()
	for k, v := c.First(); k != nil; k, v = c.Next() {
		if len(v) != 8 || decodeUnixNano(v).Before(cutoff) {
			stale = append(stale, append([]byte(nil), k...))
		}
	}
	for _, k := range stale {
		if err := bucket.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

func encodeUnixNano(t time.Time) []byte {
	out := make([]byte, 8)
	binary.BigEndian.PutUint64(out, uint64(t.UnixNano()))
	return out
}

func decodeUnixNano(raw []byte) time.Time {
	return time.Unix(0, int64(binary.BigEndian.Uint64(raw)))
}
