package reliability

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/tidyhome/courier/contracts"
)

// AbandonedStore keeps messages that reached terminal failure
type AbandonedStore interface {
	Store(ctx context.Context, message AbandonedMessage) error
	Get(ctx context.Context, id string) (*AbandonedMessage, error)
	List(ctx context.Context, filter AbandonedFilter) ([]AbandonedMessage, error)
	Delete(ctx context.Context, id string) error
}

// AbandonedMessage represents a message that was never delivered
type AbandonedMessage struct {
	ID          string
	Payload     contracts.Payload
	Attempts    int
	Reason      string
	LastError   string
	EnqueuedAt  time.Time
	AbandonedAt time.Time
}

// AbandonedFilter filters abandoned messages
type AbandonedFilter struct {
	ConversationID string
	StartTime      time.Time
	EndTime        time.Time
	MaxResults     int
}

// InMemoryAbandonedStore provides a simple in-memory abandoned store
type InMemoryAbandonedStore struct {
	mu       sync.RWMutex
	messages map[string]AbandonedMessage
}

// NewInMemoryAbandonedStore creates a new in-memory abandoned store
func NewInMemoryAbandonedStore() *InMemoryAbandonedStore {
	return &InMemoryAbandonedStore{
		messages: make(map[string]AbandonedMessage),
	}
}

// Store implements AbandonedStore
func (s *InMemoryAbandonedStore) Store(_ context.Context, message AbandonedMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[message.ID] = message
	return nil
}

// Get implements AbandonedStore
func (s *InMemoryAbandonedStore) Get(_ context.Context, id string) (*AbandonedMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	msg, ok := s.messages[id]
	if !ok {
		return nil, ErrAbandonedNotFound
	}
	return &msg, nil
}

// List implements AbandonedStore. Results are ordered by abandonment time.
func (s *InMemoryAbandonedStore) List(_ context.Context, filter AbandonedFilter) ([]AbandonedMessage, error) {
	s.mu.RLock()
	var results []AbandonedMessage
	for _, msg := range s.messages {
		if filter.ConversationID != "" && msg.Payload.ConversationID != filter.ConversationID {
			continue
		}
		if !filter.StartTime.IsZero() && msg.AbandonedAt.Before(filter.StartTime) {
			continue
		}
		if !filter.EndTime.IsZero() && msg.AbandonedAt.After(filter.EndTime) {
			continue
		}
		results = append(results, msg)
	}
	s.mu.RUnlock()

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].AbandonedAt.Before(results[j].AbandonedAt)
	})

	if filter.MaxResults > 0 && len(results) > filter.MaxResults {
		results = results[:filter.MaxResults]
	}

	return results, nil
}

// Delete implements AbandonedStore
func (s *InMemoryAbandonedStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.messages, id)
	return nil
}

// MarshalJSON marshals an abandoned message with RFC 3339 timestamps
func (m AbandonedMessage) MarshalJSON() ([]byte, error) {
	type Alias AbandonedMessage
	return json.Marshal(&struct {
		Alias
		EnqueuedAt  string `json:"enqueuedAt"`
		AbandonedAt string `json:"abandonedAt"`
	}{
		Alias:       Alias(m),
		EnqueuedAt:  m.EnqueuedAt.UTC().Format(time.RFC3339),
		AbandonedAt: m.AbandonedAt.UTC().Format(time.RFC3339),
	})
}
