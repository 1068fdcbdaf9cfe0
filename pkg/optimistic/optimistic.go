// Package optimistic tracks client-side state changes applied before
// server confirmation. Each registered transaction carries the snapshot
// to restore and the callbacks to fire when the sync engine settles the
// corresponding operation. Entries live in memory only; a process
// restart drops them, which is safe because the host re-renders from
// its durable model state.
package optimistic

import (
	"sync"

	"go.uber.org/zap"
)

// RollbackFunc restores the host state captured in the original
// snapshot. Must be idempotent: the engine may re-emit on retry
// boundaries.
type RollbackFunc func(original interface{})

// Entry is one pending optimistic transaction.
type Entry struct {
	Token     string
	Original  interface{}
	OnSuccess func()
	OnError   func(message string)
	Rollback  RollbackFunc
}

// Store is the in-memory registry of pending optimistic transactions.
// Safe for concurrent use.
type Store struct {
	mu      sync.Mutex
	entries map[string]*Entry
	logger  *zap.Logger
}

// NewStore creates an empty store. A nil logger is replaced with a
// no-op logger.
func NewStore(logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{entries: make(map[string]*Entry), logger: logger}
}

// Register adds an entry under token, replacing any previous entry with
// the same token. Tokens are opaque; hosts typically use the pending
// operation id.
func (s *Store) Register(token string, original interface{}, rollback RollbackFunc, onSuccess func(), onError func(string)) {
	s.mu.Lock()
	s.entries[token] = &Entry{
		Token:     token,
		Original:  original,
		OnSuccess: onSuccess,
		OnError:   onError,
		Rollback:  rollback,
	}
	s.mu.Unlock()
}

// Commit removes the entry and fires its success callback. Unknown
// tokens are ignored so commit stays idempotent.
func (s *Store) Commit(token string) {
	s.mu.Lock()
	entry, ok := s.entries[token]
	if ok {
		delete(s.entries, token)
	}
	s.mu.Unlock()

	if ok && entry.OnSuccess != nil {
		entry.OnSuccess()
	}
}

// Rollback restores the entry's snapshot, fires its error callback, and
// removes it. Unknown tokens are ignored.
func (s *Store) Rollback(token, message string) {
	s.mu.Lock()
	entry, ok := s.entries[token]
	if ok {
		delete(s.entries, token)
	}
	s.mu.Unlock()

	if !ok {
		return
	}
	s.logger.Debug("rolling back optimistic transaction",
		zap.String("token", token), zap.String("error", message))
	if entry.Rollback != nil {
		entry.Rollback(entry.Original)
	}
	if entry.OnError != nil {
		entry.OnError(message)
	}
}

// RollbackAll rolls back every pending entry; the engine calls it on
// shutdown.
func (s *Store) RollbackAll(message string) {
	s.mu.Lock()
	entries := make([]*Entry, 0, len(s.entries))
	for _, e := range s.entries {
		entries = append(entries, e)
	}
	s.entries = make(map[string]*Entry)
	s.mu.Unlock()

	for _, entry := range entries {
		if entry.Rollback != nil {
			entry.Rollback(entry.Original)
		}
		if entry.OnError != nil {
			entry.OnError(message)
		}
	}
}

// Len returns the number of pending entries.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
