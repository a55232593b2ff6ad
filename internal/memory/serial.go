package memory

import (
	"context"
	"sync"
)

// SerialStore serializes Append per conversant so concurrent deliveries cannot
// interleave one conversation's history. Reads pass through unlocked.
type SerialStore struct {
	Store

	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

// NewSerialStore wraps store.
func NewSerialStore(store Store) *SerialStore {
	return &SerialStore{Store: store, locks: make(map[string]*keyLock)}
}

func (s *SerialStore) Append(ctx context.Context, rec Record) error {
	l := s.acquire(rec.ConversantID)
	defer s.release(rec.ConversantID, l)
	return s.Store.Append(ctx, rec)
}

func (s *SerialStore) acquire(key string) *keyLock {
	s.mu.Lock()
	l, ok := s.locks[key]
	if !ok {
		l = &keyLock{}
		s.locks[key] = l
	}
	l.refs++
	s.mu.Unlock()

	l.mu.Lock()
	return l
}

// release drops the entry once no writer holds or waits on it.
func (s *SerialStore) release(key string, l *keyLock) {
	l.mu.Unlock()

	s.mu.Lock()
	l.refs--
	if l.refs == 0 {
		delete(s.locks, key)
	}
	s.mu.Unlock()
}
