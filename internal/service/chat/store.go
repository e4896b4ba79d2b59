package chat

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/zhouzirui/kisan-chat/backend/internal/model/chat"
)

// Store holds one ordered message log per session.
type Store interface {
	// Append adds msg to the end of the session log, creating it if absent.
	Append(ctx context.Context, sessionID string, msg chat.Message) error
	// Get returns a copy of the session log; empty when the session is unknown.
	Get(ctx context.Context, sessionID string) ([]chat.Message, error)
	// Prune drops messages from the front until the log fits the cap.
	Prune(ctx context.Context, sessionID string) error
	// Delete removes the session. Unknown sessions are not an error.
	Delete(ctx context.Context, sessionID string) error
}

// pinner is implemented by stores that drop sessions on their own. A pinned
// session is never evicted until every pin is released.
type pinner interface {
	Pin(sessionID string) (unpin func())
}

type memoryEntry struct {
	sessionID  string
	messages   []chat.Message
	lastAccess time.Time
}

// MemoryStore keeps conversations in process memory. The number of sessions
// is bounded; the least recently used one is dropped when a new session would
// exceed the bound.
type MemoryStore struct {
	mu          sync.Mutex
	maxSessions int
	maxMessages int
	entries     map[string]*list.Element
	recency     *list.List // front is most recently used
	pins        map[string]int
	now         func() time.Time
	onEvict     func(n int)
}

// NewMemoryStore bootstraps an in-memory store bounded to maxSessions
// conversations of at most maxMessages turns each.
func NewMemoryStore(maxSessions, maxMessages int) *MemoryStore {
	if maxSessions < 1 {
		maxSessions = 1
	}
	if maxMessages < 1 {
		maxMessages = chat.MaxConversationMessages
	}
	return &MemoryStore{
		maxSessions: maxSessions,
		maxMessages: maxMessages,
		entries:     make(map[string]*list.Element),
		recency:     list.New(),
		pins:        make(map[string]int),
		now:         time.Now,
	}
}

// OnEvict registers a callback invoked with the number of sessions dropped by
// the LRU bound or by EvictIdle.
func (s *MemoryStore) OnEvict(fn func(n int)) {
	s.mu.Lock()
	s.onEvict = fn
	s.mu.Unlock()
}

// Append implements Store.
func (s *MemoryStore) Append(_ context.Context, sessionID string, msg chat.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry := s.touch(sessionID, true)
	entry.messages = append(entry.messages, msg)
	return nil
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, sessionID string) ([]chat.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry := s.touch(sessionID, false)
	if entry == nil {
		return []chat.Message{}, nil
	}
	return chat.CloneMessages(entry.messages), nil
}

// Prune implements Store.
func (s *MemoryStore) Prune(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	elem, ok := s.entries[sessionID]
	if !ok {
		return nil
	}
	entry := elem.Value.(*memoryEntry)
	if overflow := len(entry.messages) - s.maxMessages; overflow > 0 {
		entry.messages = append([]chat.Message(nil), entry.messages[overflow:]...)
	}
	return nil
}

// Delete implements Store.
func (s *MemoryStore) Delete(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if elem, ok := s.entries[sessionID]; ok {
		s.recency.Remove(elem)
		delete(s.entries, sessionID)
	}
	return nil
}

// Pin keeps the session out of LRU and idle eviction until unpin is called.
// Pins nest.
func (s *MemoryStore) Pin(sessionID string) func() {
	s.mu.Lock()
	s.pins[sessionID]++
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			if s.pins[sessionID] <= 1 {
				delete(s.pins, sessionID)
				return
			}
			s.pins[sessionID]--
		})
	}
}

// Len reports how many sessions are held.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// EvictIdle drops sessions not accessed within olderThan and returns how many
// were removed.
func (s *MemoryStore) EvictIdle(olderThan time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().Add(-olderThan)
	evicted := 0
	for elem := s.recency.Back(); elem != nil; {
		entry := elem.Value.(*memoryEntry)
		if entry.lastAccess.After(cutoff) {
			break
		}
		prev := elem.Prev()
		if s.pins[entry.sessionID] > 0 {
			elem = prev
			continue
		}
		s.recency.Remove(elem)
		delete(s.entries, entry.sessionID)
		evicted++
		elem = prev
	}
	s.notifyEvicted(evicted)
	return evicted
}

// touch marks the session as used and returns it; with create it is added
// when missing, evicting the least recently used session if the bound is hit.
func (s *MemoryStore) touch(sessionID string, create bool) *memoryEntry {
	now := s.now()
	if elem, ok := s.entries[sessionID]; ok {
		entry := elem.Value.(*memoryEntry)
		entry.lastAccess = now
		s.recency.MoveToFront(elem)
		return entry
	}
	if !create {
		return nil
	}

	evicted := 0
	for len(s.entries) >= s.maxSessions {
		oldest := s.oldestUnpinned()
		if oldest == nil {
			// Every held session is mid-turn; exceed the bound until one is released.
			break
		}
		s.recency.Remove(oldest)
		delete(s.entries, oldest.Value.(*memoryEntry).sessionID)
		evicted++
	}
	s.notifyEvicted(evicted)

	entry := &memoryEntry{
		sessionID:  sessionID,
		messages:   make([]chat.Message, 0, 8),
		lastAccess: now,
	}
	s.entries[sessionID] = s.recency.PushFront(entry)
	return entry
}

func (s *MemoryStore) oldestUnpinned() *list.Element {
	for elem := s.recency.Back(); elem != nil; elem = elem.Prev() {
		if s.pins[elem.Value.(*memoryEntry).sessionID] == 0 {
			return elem
		}
	}
	return nil
}

func (s *MemoryStore) notifyEvicted(n int) {
	if n > 0 && s.onEvict != nil {
		s.onEvict(n)
	}
}
