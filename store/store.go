// Package store persists ACME accounts and issued certificates in a small
// key-value database.
package store

import (
	"errors"
	"fmt"

	"github.com/cockroachdb/pebble"
)

// KV is the minimal durable contract the stores need. Get returns (nil, nil)
// when the key is absent.
type KV interface {
	Get(key string) ([]byte, error)
	Set(key string, value []byte) error
}

// Pebble is a KV backed by a cockroachdb/pebble database on disk.
type Pebble struct {
	db *pebble.DB
}

// OpenPebble opens (or creates) the database under dir.
func OpenPebble(dir string) (*Pebble, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open pebble at %s: %w", dir, err)
	}
	return &Pebble{db: db}, nil
}

func (p *Pebble) Get(key string) ([]byte, error) {
	val, closer, err := p.db.Get([]byte(key))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("pebble get %s: %w", key, err)
	}
	out := make([]byte, len(val))
	copy(out, val)
	if err := closer.Close(); err != nil {
		return nil, fmt.Errorf("pebble get %s: %w", key, err)
	}
	return out, nil
}

// Set writes synchronously. Certificate material must survive a crash right
// after issuance.
func (p *Pebble) Set(key string, value []byte) error {
	if err := p.db.Set([]byte(key), value, pebble.Sync); err != nil {
		return fmt.Errorf("pebble set %s: %w", key, err)
	}
	return nil
}

func (p *Pebble) Close() error {
	return p.db.Close()
}
