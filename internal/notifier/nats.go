package notifier

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/Henrry-Ojeda/gym-app/internal/models"
	"github.com/charmbracelet/log"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

const subjectPrefix = "chat.events"

// NATS publishes change events to a JetStream stream, one subject per
// conversation. Subscriptions use ephemeral ordered consumers that start at
// the newest message, so late subscribers see no replay.
type NATS struct {
	nc     *nats.Conn
	js     jetstream.JetStream
	stream string
	buffer int
}

func NewNATS(ctx context.Context, url string, stream string) (*NATS, error) {
	nc, err := nats.Connect(url, nats.Name("gym-app-chat"))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create jetstream context: %w", err)
	}

	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:        stream,
		Description: "Chat change events",
		Subjects:    []string{subjectPrefix + ".>"},
		MaxAge:      24 * time.Hour,
		Storage:     jetstream.FileStorage,
		Duplicates:  2 * time.Minute,
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to ensure stream %q: %w", stream, err)
	}
	log.Info("jetstream stream ready", "stream", stream)

	return &NATS{nc: nc, js: js, stream: stream, buffer: defaultBuffer}, nil
}

func (n *NATS) Publish(ctx context.Context, event models.ChangeEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal change event: %w", err)
	}

	subject := conversationSubject(event.ConversationID)
	if _, err := n.js.Publish(ctx, subject, data, jetstream.WithMsgID(event.ID)); err != nil {
		return fmt.Errorf("failed to publish change event to %q: %w", subject, err)
	}
	return nil
}

func (n *NATS) Subscribe(ctx context.Context, filter Filter) (Subscription, error) {
	subject := subjectPrefix + ".*"
	if filter.ConversationID != 0 {
		subject = conversationSubject(filter.ConversationID)
	}

	consumer, err := n.js.OrderedConsumer(ctx, n.stream, jetstream.OrderedConsumerConfig{
		FilterSubjects: []string{subject},
		DeliverPolicy:  jetstream.DeliverNewPolicy,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer for %q: %w", subject, err)
	}

	sub := &natsSubscription{events: make(chan models.ChangeEvent, n.buffer)}
	consumeCtx, err := consumer.Consume(func(msg jetstream.Msg) {
		var event models.ChangeEvent
		if err := json.Unmarshal(msg.Data(), &event); err != nil {
			log.Warn("discarding malformed change event", "subject", msg.Subject(), "err", err)
			return
		}
		sub.deliver(event)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to consume %q: %w", subject, err)
	}
	sub.consume = consumeCtx

	go func() {
		select {
		case <-ctx.Done():
			_ = sub.Close()
		case <-consumeCtx.Closed():
		}
	}()

	return sub, nil
}

func (n *NATS) Close() {
	if n.nc != nil {
		n.nc.Close()
	}
}

func conversationSubject(conversationID int64) string {
	return subjectPrefix + "." + strconv.FormatInt(conversationID, 10)
}

type natsSubscription struct {
	mu      sync.Mutex
	closed  bool
	events  chan models.ChangeEvent
	consume jetstream.ConsumeContext
}

func (s *natsSubscription) Events() <-chan models.ChangeEvent {
	return s.events
}

func (s *natsSubscription) deliver(event models.ChangeEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.events <- event:
	default:
		log.Warn("dropping change event for slow subscriber", "event_id", event.ID)
	}
}

func (s *natsSubscription) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.events)
	s.mu.Unlock()

	if s.consume != nil {
		s.consume.Stop()
	}
	return nil
}
