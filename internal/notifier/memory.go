package notifier

import (
	"context"
	"sync"

	"github.com/Henrry-Ojeda/gym-app/internal/models"
	"github.com/charmbracelet/log"
)

const defaultBuffer = 64

// Memory fans events out to in-process subscribers. A subscriber whose buffer
// is full misses the event.
type Memory struct {
	mu     sync.RWMutex
	subs   map[*memorySubscription]struct{}
	buffer int
}

func NewMemory(buffer int) *Memory {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	return &Memory{
		subs:   make(map[*memorySubscription]struct{}),
		buffer: buffer,
	}
}

func (m *Memory) Publish(_ context.Context, event models.ChangeEvent) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for sub := range m.subs {
		if !sub.filter.Matches(event) {
			continue
		}
		select {
		case sub.events <- event:
		default:
			log.Warn("dropping change event for slow subscriber",
				"event_id", event.ID, "conversation_id", event.ConversationID)
		}
	}
	return nil
}

func (m *Memory) Subscribe(ctx context.Context, filter Filter) (Subscription, error) {
	sub := &memorySubscription{
		owner:  m,
		filter: filter,
		events: make(chan models.ChangeEvent, m.buffer),
		done:   make(chan struct{}),
	}

	m.mu.Lock()
	m.subs[sub] = struct{}{}
	m.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			_ = sub.Close()
		case <-sub.done:
		}
	}()

	return sub, nil
}

// Subscribers reports the number of open subscriptions.
func (m *Memory) Subscribers() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.subs)
}

type memorySubscription struct {
	owner  *Memory
	filter Filter
	events chan models.ChangeEvent
	done   chan struct{}
	once   sync.Once
}

func (s *memorySubscription) Events() <-chan models.ChangeEvent {
	return s.events
}

func (s *memorySubscription) Close() error {
	s.once.Do(func() {
		s.owner.mu.Lock()
		delete(s.owner.subs, s)
		close(s.events)
		s.owner.mu.Unlock()
		close(s.done)
	})
	return nil
}
