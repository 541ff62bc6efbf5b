// Package dedup answers "was this content already posted to that chat?".
//
// Callers that check and then record must hold the key lock in between,
// so that two tasks relaying the same content to the same destination
// cannot both observe "not delivered".
package dedup

import (
	"context"
	"fmt"
	"sync"
	"time"

	"tgrelay/internal/content"
	"tgrelay/internal/storage"
)

type Store struct {
	st storage.Store

	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

func New(st storage.Store) *Store {
	return &Store{st: st, locks: map[string]*keyLock{}}
}

func lockKey(dest string, fp content.Fingerprint) string {
	return dest + "\x00" + string(fp)
}

// Lock serializes work on one (fingerprint, destination) pair. Unrelated
// keys never wait on each other. The returned func releases the lock.
func (s *Store) Lock(fp content.Fingerprint, dest string) func() {
	k := lockKey(dest, fp)

	s.mu.Lock()
	l := s.locks[k]
	if l == nil {
		l = &keyLock{}
		s.locks[k] = l
	}
	l.refs++
	s.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		s.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(s.locks, k)
		}
		s.mu.Unlock()
	}
}

func (s *Store) Has(ctx context.Context, fp content.Fingerprint, dest string) (bool, error) {
	ok, err := s.st.HasDelivery(ctx, string(fp), dest)
	if err != nil {
		return false, fmt.Errorf("dedup lookup: %w", err)
	}
	return ok, nil
}

// Record stores every fingerprint for dest in one durable write. It
// returns only after the write is acknowledged by storage.
func (s *Store) Record(ctx context.Context, dest string, it content.Item, at time.Time, fps ...content.Fingerprint) error {
	seen := make(map[content.Fingerprint]struct{}, len(fps))
	ds := make([]storage.Delivery, 0, len(fps))
	for _, fp := range fps {
		if fp == "" {
			continue
		}
		if _, dup := seen[fp]; dup {
			continue
		}
		seen[fp] = struct{}{}
		ds = append(ds, storage.Delivery{
			Fingerprint: string(fp),
			Destination: dest,
			Channel:     it.Channel,
			MessageID:   it.MessageID,
			At:          at,
		})
	}
	if err := s.st.PutDeliveries(ctx, ds); err != nil {
		return fmt.Errorf("dedup record: %w", err)
	}
	return nil
}

// Prune drops records older than retention. A zero retention keeps
// everything.
func (s *Store) Prune(ctx context.Context, retention time.Duration, now time.Time) (int64, error) {
	if retention <= 0 {
		return 0, nil
	}
	n, err := s.st.PruneDeliveries(ctx, now.Add(-retention))
	if err != nil {
		return 0, fmt.Errorf("dedup prune: %w", err)
	}
	return n, nil
}
