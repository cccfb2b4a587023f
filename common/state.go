package common

import (
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

// ChatState is one conversation's configuration and persisted progress:
// the resume cursor and the ids whose downloads failed last run.
type ChatState struct {
	ID            int64   `mapstructure:"chat_id" json:"chat_id"`
	Title         string  `mapstructure:"title,omitempty" json:"title,omitempty"`
	Enabled       *bool   `mapstructure:"enabled" json:"enabled,omitempty"`
	Order         int     `mapstructure:"order" json:"order,omitempty"`
	LastMessageID int64   `mapstructure:"last_read_message_id" json:"last_read_message_id"`
	IDsToRetry    []int64 `mapstructure:"ids_to_retry,omitempty" json:"ids_to_retry,omitempty"`
}

// IsEnabled reports whether the conversation takes part in a run. A chat
// with no explicit setting is enabled.
func (c ChatState) IsEnabled() bool { return c.Enabled == nil || *c.Enabled }

// ChatStateStore persists chat progress back to the configuration file, so
// an interrupted run resumes where it stopped. Writes go through the same
// viper instance the config was loaded with.
type ChatStateStore struct {
	mu     sync.Mutex
	v      *viper.Viper
	states []ChatState
}

// NewChatStateStore wraps the loaded chat list for persistence.
func NewChatStateStore(v *viper.Viper, chats []ChatState) *ChatStateStore {
	states := make([]ChatState, len(chats))
	copy(states, chats)
	return &ChatStateStore{v: v, states: states}
}

// Get returns a copy of one conversation's state.
func (s *ChatStateStore) Get(chatID int64) (ChatState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, st := range s.states {
		if st.ID == chatID {
			return st, true
		}
	}
	return ChatState{}, false
}

// All returns a copy of every configured conversation's state, sorted by
// the order field; chats sharing an order keep their config positions.
func (s *ChatStateStore) All() []ChatState {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ChatState, len(s.states))
	copy(out, s.states)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Order < out[j].Order })
	return out
}

// SetCursor advances a conversation's resume cursor and persists it. The
// cursor only moves forward; a smaller value is ignored unless reset is
// intended via ResetCursor.
func (s *ChatStateStore) SetCursor(chatID, lastMessageID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.locate(chatID)
	if lastMessageID <= st.LastMessageID {
		return nil
	}
	st.LastMessageID = lastMessageID
	return s.flushLocked()
}

// ResetCursor zeroes a conversation's cursor, forcing the next run to
// start from the beginning of its history.
func (s *ChatStateStore) ResetCursor(chatID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.locate(chatID)
	if st.LastMessageID == 0 && len(st.IDsToRetry) == 0 {
		return nil
	}
	log.Warn().Int64("chat_id", chatID).Msg("Resetting chat cursor to re-import from the start")
	st.LastMessageID = 0
	st.IDsToRetry = nil
	return s.flushLocked()
}

// SetRetryIDs replaces a conversation's pending retry list, deduplicated
// and sorted, and persists it.
func (s *ChatStateStore) SetRetryIDs(chatID int64, ids []int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.locate(chatID)

	seen := make(map[int64]bool, len(ids))
	dedup := make([]int64, 0, len(ids))
	for _, id := range ids {
		if id == 0 || seen[id] {
			continue
		}
		seen[id] = true
		dedup = append(dedup, id)
	}
	sort.Slice(dedup, func(i, j int) bool { return dedup[i] < dedup[j] })
	st.IDsToRetry = dedup
	return s.flushLocked()
}

// SetTitle records the resolved conversation title.
func (s *ChatStateStore) SetTitle(chatID int64, title string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.locate(chatID)
	if title == "" || st.Title == title {
		return nil
	}
	st.Title = title
	return s.flushLocked()
}

func (s *ChatStateStore) locate(chatID int64) *ChatState {
	for i := range s.states {
		if s.states[i].ID == chatID {
			return &s.states[i]
		}
	}
	s.states = append(s.states, ChatState{ID: chatID})
	return &s.states[len(s.states)-1]
}

func (s *ChatStateStore) flushLocked() error {
	if s.v == nil {
		return nil
	}
	serialized := make([]map[string]any, 0, len(s.states))
	for _, st := range s.states {
		entry := map[string]any{
			"chat_id":              st.ID,
			"last_read_message_id": st.LastMessageID,
		}
		if st.Title != "" {
			entry["title"] = st.Title
		}
		if st.Enabled != nil {
			entry["enabled"] = *st.Enabled
		}
		if st.Order != 0 {
			entry["order"] = st.Order
		}
		if len(st.IDsToRetry) > 0 {
			entry["ids_to_retry"] = st.IDsToRetry
		}
		serialized = append(serialized, entry)
	}
	s.v.Set("chats", serialized)
	if err := s.v.WriteConfig(); err != nil {
		return fmt.Errorf("failed to persist chat state: %w", err)
	}
	return nil
}
