// Package history keeps finished conversations on the local machine so they
// can be listed and reopened later.
package history

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/zhouzirui/kisan-chat/backend/internal/model/chat"
)

const (
	// Key is the single key all records are stored under.
	Key = "farmer_chat_history"
	// MaxRecords bounds the saved list; the oldest records fall off the end.
	MaxRecords = 20

	previewRunes    = 50
	fallbackPreview = "Chat session"
)

// Record is one saved conversation.
type Record struct {
	Timestamp time.Time      `json:"timestamp"`
	Preview   string         `json:"preview"`
	Messages  []chat.Message `json:"messages"`
}

// Store reads and writes the saved conversation list, newest first.
type Store struct {
	mu  sync.Mutex
	kv  KV
	now func() time.Time
}

// NewStore wraps kv.
func NewStore(kv KV) *Store {
	return &Store{kv: kv, now: time.Now}
}

// LoadAll returns every saved record. Missing or unreadable data yields an
// empty list.
func (s *Store) LoadAll() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked()
}

func (s *Store) loadLocked() []Record {
	raw, ok, err := s.kv.Get(Key)
	if err != nil {
		log.Printf("[history] failed to read %s: %v", Key, err)
		return []Record{}
	}
	if !ok || len(raw) == 0 {
		return []Record{}
	}

	var records []Record
	if err := json.Unmarshal(raw, &records); err != nil {
		log.Printf("[history] ignoring corrupt %s: %v", Key, err)
		return []Record{}
	}
	if records == nil {
		return []Record{}
	}
	return records
}

// SaveCurrent prepends messages as a new record. An empty log is ignored.
func (s *Store) SaveCurrent(messages []chat.Message) error {
	if len(messages) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	record := Record{
		Timestamp: s.now().UTC(),
		Preview:   Preview(messages),
		Messages:  chat.CloneMessages(messages),
	}
	records := append([]Record{record}, s.loadLocked()...)
	if len(records) > MaxRecords {
		records = records[:MaxRecords]
	}

	data, err := json.Marshal(records)
	if err != nil {
		return fmt.Errorf("encode history: %w", err)
	}
	if err := s.kv.Put(Key, data); err != nil {
		return fmt.Errorf("write history: %w", err)
	}
	return nil
}

// ClearAll removes every saved record.
func (s *Store) ClearAll() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.kv.Delete(Key); err != nil {
		return fmt.Errorf("clear history: %w", err)
	}
	return nil
}

// LoadOne returns the record at index, newest first.
func (s *Store) LoadOne(index int) (Record, bool) {
	records := s.LoadAll()
	if index < 0 || index >= len(records) {
		return Record{}, false
	}
	return records[index], true
}

// Preview is the first user message cut to 50 characters, or a generic
// label when the log has no user turn.
func Preview(messages []chat.Message) string {
	for _, msg := range messages {
		if msg.Role != chat.RoleUser {
			continue
		}
		runes := []rune(msg.Content)
		if len(runes) > previewRunes {
			return string(runes[:previewRunes]) + "..."
		}
		return msg.Content
	}
	return fallbackPreview
}
