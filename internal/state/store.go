package state

import (
	"sort"
	"sync"

	"github.com/brentschooley/ipm-ux/internal/domain"
)

// Change describes the store after a mutation.
type Change struct {
	Count     int  // messages now in the store
	LastIndex int  // index of the newest message, -1 when empty
	Added     int  // messages inserted by this mutation
	Appended  bool // the newest message is one inserted by this mutation
	Reloaded  bool // contents were replaced by ClearAndLoad
}

// Store holds the messages of the active channel, unique by domain.Message.Key
// and sorted ascending by timestamp. Messages with equal timestamps keep
// arrival order.
type Store struct {
	mu       sync.RWMutex
	messages []domain.Message
	keys     map[string]struct{}
	onChange func(Change)
}

// New creates an empty store. onChange may be nil and set later with SetOnChange.
func New(onChange func(Change)) *Store {
	return &Store{
		keys:     make(map[string]struct{}),
		onChange: onChange,
	}
}

func (s *Store) SetOnChange(f func(Change)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onChange = f
}

// Merge inserts msgs, skipping any whose key is already present.
// Notifies only when something was inserted.
func (s *Store) Merge(msgs ...domain.Message) {
	s.mu.Lock()
	lastKey := s.lastKeyLocked()
	added := s.insertLocked(msgs)
	change := s.changeLocked(added, lastKey)
	notify := s.onChange
	s.mu.Unlock()

	if added > 0 && notify != nil {
		notify(change)
	}
}

// AppendLive applies a single pushed message.
func (s *Store) AppendLive(msg domain.Message) {
	s.Merge(msg)
}

// ClearAndLoad replaces the contents with history.
func (s *Store) ClearAndLoad(history []domain.Message) {
	s.mu.Lock()
	s.messages = nil
	s.keys = make(map[string]struct{}, len(history))
	added := s.insertLocked(history)
	change := s.changeLocked(added, "")
	change.Reloaded = true
	notify := s.onChange
	s.mu.Unlock()

	if notify != nil {
		notify(change)
	}
}

// Snapshot returns a copy of the ordered messages.
func (s *Store) Snapshot() []domain.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Message, len(s.messages))
	copy(out, s.messages)
	return out
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.messages)
}

func (s *Store) insertLocked(msgs []domain.Message) int {
	added := 0
	for _, msg := range msgs {
		key := msg.Key()
		if _, ok := s.keys[key]; ok {
			continue
		}
		s.keys[key] = struct{}{}

		// First position strictly after every message with ts <= msg.Timestamp.
		i := sort.Search(len(s.messages), func(i int) bool {
			return s.messages[i].Timestamp.After(msg.Timestamp)
		})
		s.messages = append(s.messages, domain.Message{})
		copy(s.messages[i+1:], s.messages[i:])
		s.messages[i] = msg
		added++
	}
	return added
}

func (s *Store) lastKeyLocked() string {
	if len(s.messages) == 0 {
		return ""
	}
	return s.messages[len(s.messages)-1].Key()
}

func (s *Store) changeLocked(added int, prevLastKey string) Change {
	c := Change{
		Count:     len(s.messages),
		LastIndex: len(s.messages) - 1,
		Added:     added,
	}
	if added > 0 {
		c.Appended = s.lastKeyLocked() != prevLastKey
	}
	return c
}
