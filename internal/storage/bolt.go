package storage

import (
	"context"
	"encoding/json"
	"fmt"

	bolt "go.etcd.io/bbolt"
)

var documentsBucket = []byte("documents")

type boltDoc struct {
	Content string `json:"content"`
	Version int    `json:"version"`
}

// BoltStore persists documents in a single-file embedded bbolt database, for
// single-node deployments that don't want to run Postgres.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (or creates) the database file at path.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(documentsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("ensure documents bucket: %w", err)
	}
	return &BoltStore{db: db}, nil
}

func (b *BoltStore) LoadInitialContent(ctx context.Context, docID string) (string, error) {
	var content string
	err := b.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(documentsBucket).Get([]byte(docID))
		if raw == nil {
			return ErrNotFound
		}
		var d boltDoc
		if err := json.Unmarshal(raw, &d); err != nil {
			return fmt.Errorf("decode %s: %w", docID, err)
		}
		content = d.Content
		return nil
	})
	return content, err
}

func (b *BoltStore) Persist(ctx context.Context, docID string, content string, version int) error {
	raw, err := json.Marshal(boltDoc{Content: content, Version: version})
	if err != nil {
		return err
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(documentsBucket).Put([]byte(docID), raw)
	})
}

// Close closes the database file.
func (b *BoltStore) Close() error {
	return b.db.Close()
}
