package tabsync

import (
	"encoding/json"
	"strings"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
)

const (
	boltBucketName  = "tabsync"
	boltSnapshotKey = "state"
	boltOpenTimeout = 5 * time.Second
)

// BoltStateBackend persists the snapshot in a bbolt file under one
// well-known key. Suits a single long-lived coordinator process that wants
// durable local state without an external service.
type BoltStateBackend struct {
	path string

	initOnce sync.Once
	initErr  error
	db       *bolt.DB
}

func NewBoltStateBackend(path string) (*BoltStateBackend, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	return &BoltStateBackend{path: path}, nil
}

func (b *BoltStateBackend) Load() (*StateSnapshot, error) {
	if b == nil {
		return nil, nil
	}
	if err := b.ensureReady(); err != nil {
		return nil, err
	}
	var payload []byte
	err := b.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(boltBucketName))
		if bucket == nil {
			return nil
		}
		if value := bucket.Get([]byte(boltSnapshotKey)); value != nil {
			payload = append([]byte(nil), value...)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if payload == nil {
		return nil, nil
	}
	var snapshot StateSnapshot
	if err := json.Unmarshal(payload, &snapshot); err != nil {
		return nil, err
	}
	if snapshot.Records == nil {
		snapshot.Records = map[string]Record{}
	}
	return &snapshot, nil
}

func (b *BoltStateBackend) Save(state *StateSnapshot) error {
	if b == nil || state == nil {
		return nil
	}
	if err := b.ensureReady(); err != nil {
		return err
	}
	payload, err := json.Marshal(state)
	if err != nil {
		return err
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		bucket, err := tx.CreateBucketIfNotExists([]byte(boltBucketName))
		if err != nil {
			return err
		}
		return bucket.Put([]byte(boltSnapshotKey), payload)
	})
}

func (b *BoltStateBackend) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	return b.db.Close()
}

func (b *BoltStateBackend) ensureReady() error {
	if b == nil {
		return ErrInvalidInput
	}
	b.initOnce.Do(func() {
		db, err := bolt.Open(b.path, 0o600, &bolt.Options{Timeout: boltOpenTimeout})
		if err != nil {
			b.initErr = err
			return
		}
		b.db = db
	})
	return b.initErr
}
