package chatclient

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/Henrry-Ojeda/gym-app/internal/models"
	"github.com/charmbracelet/log"
	"github.com/google/uuid"
)

type State string

const (
	StateLoading     State = "LOADING"
	StateSynced      State = "SYNCED"
	StateSending     State = "SENDING"
	StateClosed      State = "CLOSED"
	StateUnavailable State = "UNAVAILABLE"
)

const DefaultSendTimeout = 15 * time.Second

type Options struct {
	// SendTimeout bounds each Append; zero means DefaultSendTimeout.
	SendTimeout time.Duration
	// Badges, when set, reports this conversation as open while the
	// session is live.
	Badges *BadgeBoard
	// OnChange receives a snapshot after every change. It runs on the
	// goroutine that made the change and must not call Close.
	OnChange func(Snapshot)
}

// Entry is one rendered message. Optimistic entries have a TempID and a zero
// ID until the backend confirms them.
type Entry struct {
	Message
	TempID string `json:"temp_id,omitempty"`
}

func (e Entry) Optimistic() bool {
	return e.TempID != ""
}

type Snapshot struct {
	State        State
	Conversation Conversation
	Entries      []Entry
	Draft        string
	LastError    error
}

type pendingEntry struct {
	tempID  string
	message Message
	// echo is the stored message once its own INSERT event arrived ahead
	// of the Append response.
	echo *Message
}

// Session is the live view of one conversation for one viewer.
type Session struct {
	store      Store
	subscriber Subscriber
	viewer     Identity
	opts       Options

	// conversationID is fixed at Open; conversation itself is guarded by mu.
	conversationID int64

	mu           sync.Mutex
	state        State
	conversation Conversation
	confirmed    map[int64]Message
	pending      []*pendingEntry
	sending      int
	draft        string
	lastErr      error

	feed   Feed
	cancel context.CancelFunc
	done   chan struct{}
}

func newSession(backend Backend, opts Options) *Session {
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = DefaultSendTimeout
	}
	return &Session{
		store:      backend,
		subscriber: backend,
		viewer:     backend.Viewer(),
		opts:       opts,
		state:      StateLoading,
		confirmed:  make(map[int64]Message),
	}
}

// Dial finds or creates the conversation with counterpartID and opens it.
// When no channel can be established the session is returned in
// StateUnavailable with a nil error.
func Dial(ctx context.Context, backend Backend, counterpartID int64, opts Options) (*Session, error) {
	conversation, err := backend.FindOrCreate(ctx, counterpartID)
	return dialed(ctx, backend, conversation, err, opts)
}

// DialOperator is Dial for a client reaching staff. A zero operatorID lets
// the backend choose.
func DialOperator(ctx context.Context, backend Backend, operatorID int64, opts Options) (*Session, error) {
	conversation, err := backend.ContactOperator(ctx, operatorID)
	return dialed(ctx, backend, conversation, err, opts)
}

func dialed(ctx context.Context, backend Backend, conversation *Conversation, err error, opts Options) (*Session, error) {
	if errors.Is(err, ErrChannelUnavailable) {
		s := newSession(backend, opts)
		s.state = StateUnavailable
		s.lastErr = ErrChannelUnavailable
		s.notify()
		return s, nil
	}
	if err != nil {
		return nil, err
	}
	return Open(ctx, backend, *conversation, opts)
}

// Open subscribes to the conversation, loads its messages, marks what the
// counterpart sent as read and starts following change events.
func Open(ctx context.Context, backend Backend, conversation Conversation, opts Options) (*Session, error) {
	s := newSession(backend, opts)
	s.conversation = conversation
	s.conversationID = conversation.ID

	// The feed lives until Close, not until ctx ends. Subscribing before
	// listing leaves no window where an insert is in neither the list nor
	// the feed.
	loopCtx, cancel := context.WithCancel(context.Background())
	feed, err := s.subscriber.Subscribe(loopCtx, conversation.ID)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("subscribe conversation %d: %w", conversation.ID, err)
	}

	messages, err := s.store.ListByConversation(ctx, conversation.ID)
	if err != nil {
		cancel()
		_ = feed.Close()
		return nil, fmt.Errorf("list conversation %d: %w", conversation.ID, err)
	}

	s.mu.Lock()
	for _, message := range messages {
		s.mergeLocked(message)
	}
	unread := s.unreadFromOthersLocked()
	s.mu.Unlock()

	if len(unread) > 0 {
		s.markRead(ctx, unread)
	}

	s.mu.Lock()
	s.feed = feed
	s.cancel = cancel
	s.done = make(chan struct{})
	s.state = StateSynced
	s.mu.Unlock()

	if s.opts.Badges != nil {
		s.opts.Badges.SetOpen(conversation.ID, true)
	}

	go s.run(loopCtx, feed)
	s.notify()
	return s, nil
}

func (s *Session) run(ctx context.Context, feed Feed) {
	defer close(s.done)

	events := feed.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				if ctx.Err() == nil {
					log.Warn("chat session feed ended", "conversation_id", s.conversationID)
				}
				return
			}
			s.HandleEvent(ctx, event)
		}
	}
}

// HandleEvent applies one change event. Duplicates and events for other
// conversations are ignored, so callers may replay freely.
func (s *Session) HandleEvent(ctx context.Context, event ChangeEvent) {
	s.mu.Lock()
	if s.state == StateClosed || s.state == StateUnavailable || event.ConversationID != s.conversationID {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	switch event.Entity {
	case models.EntityMessage:
		if event.Message == nil {
			return
		}
		if event.Type == models.EventUpdate {
			s.applyUpdate(ctx, *event.Message)
			return
		}
		s.applyInsert(ctx, *event.Message)
	case models.EntityConversation:
		if event.Conversation != nil {
			s.applySummary(*event.Conversation)
		}
	}
}

func (s *Session) applyInsert(ctx context.Context, message Message) {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	if _, known := s.confirmed[message.ID]; !known && message.SenderID == s.viewer.ID && message.ClientTempID != "" {
		s.bindEchoLocked(message)
	}
	stored := s.mergeLocked(message)
	needsRead := stored.SenderID != s.viewer.ID && !stored.IsRead
	s.mu.Unlock()

	if needsRead {
		s.markRead(ctx, []int64{stored.ID})
	}
	s.notify()
}

func (s *Session) applyUpdate(ctx context.Context, message Message) {
	s.mu.Lock()
	_, known := s.confirmed[message.ID]
	if known {
		s.mergeLocked(message)
	}
	s.mu.Unlock()

	if !known {
		// The insert was missed; the update carries the full row.
		s.applyInsert(ctx, message)
		return
	}
	s.notify()
}

func (s *Session) applySummary(conversation Conversation) {
	s.mu.Lock()
	if conversation.UpdatedAt.Before(s.conversation.UpdatedAt) {
		s.mu.Unlock()
		return
	}
	s.conversation = conversation
	s.mu.Unlock()
	s.notify()
}

// mergeLocked stores message, keeping is_read monotonic.
func (s *Session) mergeLocked(message Message) Message {
	if existing, ok := s.confirmed[message.ID]; ok {
		existing.IsRead = existing.IsRead || message.IsRead
		s.confirmed[message.ID] = existing
		return existing
	}
	s.confirmed[message.ID] = message
	return message
}

// bindEchoLocked retires the optimistic entry the echo was sent from, so the
// two render once. Messages from the viewer's other devices carry temp ids
// this session never issued and stay unbound.
func (s *Session) bindEchoLocked(message Message) {
	for _, p := range s.pending {
		if p.echo == nil && p.tempID == message.ClientTempID {
			echo := message
			p.echo = &echo
			return
		}
	}
}

func (s *Session) unreadFromOthersLocked() []int64 {
	var ids []int64
	for id, message := range s.confirmed {
		if message.SenderID != s.viewer.ID && !message.IsRead {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// markRead asks the backend to flip ids and applies only the ones it
// reports as changed.
func (s *Session) markRead(ctx context.Context, ids []int64) {
	changed, err := s.store.MarkRead(ctx, ids)
	if err != nil {
		log.Warn("chat session mark read failed", "conversation_id", s.conversationID, "count", len(ids), "err", err)
		return
	}
	if len(changed) < len(ids) {
		log.Debug("chat session mark read partially applied", "conversation_id", s.conversationID, "requested", len(ids), "changed", len(changed))
	}

	s.mu.Lock()
	for _, id := range changed {
		if message, ok := s.confirmed[id]; ok {
			message.IsRead = true
			s.confirmed[id] = message
		}
	}
	s.mu.Unlock()
}

// Send validates text, shows it optimistically and appends it. On failure the
// optimistic entry is dropped, the draft restored and LastError set; nothing
// is retried.
func (s *Session) Send(ctx context.Context, text string) (*Message, error) {
	body, err := validateBody(text)

	s.mu.Lock()
	switch s.state {
	case StateClosed:
		s.mu.Unlock()
		return nil, ErrClosed
	case StateUnavailable:
		s.mu.Unlock()
		return nil, ErrChannelUnavailable
	}
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}

	conversationID := s.conversationID
	tempID := uuid.NewString()
	p := &pendingEntry{
		tempID: tempID,
		message: Message{
			ConversationID: conversationID,
			SenderID:       s.viewer.ID,
			Body:           body,
			CreatedAt:      time.Now().UTC(),
			ClientTempID:   tempID,
		},
	}
	s.pending = append(s.pending, p)
	s.draft = ""
	s.sending++
	s.state = StateSending
	s.mu.Unlock()
	s.notify()

	sendCtx, cancel := context.WithTimeout(ctx, s.opts.SendTimeout)
	message, err := s.store.Append(sendCtx, conversationID, body, tempID)
	if err != nil && errors.Is(sendCtx.Err(), context.DeadlineExceeded) {
		err = fmt.Errorf("%w: %w", ErrSendTimeout, err)
	}
	cancel()

	s.mu.Lock()
	s.removePendingLocked(p)
	if s.state == StateClosed {
		s.mu.Unlock()
		return message, err
	}
	s.sending--
	if s.sending == 0 {
		s.state = StateSynced
	}

	if err != nil && p.echo != nil {
		// The echo proves the row was stored; the error came after.
		message, err = p.echo, nil
	}
	if err != nil {
		if s.draft == "" {
			s.draft = text
		} else {
			s.draft = text + "\n" + s.draft
		}
		s.lastErr = err
		s.mu.Unlock()
		s.notify()
		return nil, err
	}
	s.mergeLocked(*message)
	// Staff outside the conversation rely on the summary written by Append.
	participant := s.conversation.HasParticipant(s.viewer.ID)
	s.mu.Unlock()

	if participant {
		if err := s.store.UpdateSummary(ctx, conversationID, message.Body, message.CreatedAt); err != nil {
			log.Warn("chat session summary update failed", "conversation_id", conversationID, "err", err)
		}
	}
	s.notify()
	return message, nil
}

func (s *Session) removePendingLocked(target *pendingEntry) {
	for i, p := range s.pending {
		if p == target {
			s.pending = append(s.pending[:i], s.pending[i+1:]...)
			return
		}
	}
}

// Close stops following events. Later Sends fail with ErrClosed.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return nil
	}
	previous := s.state
	s.state = StateClosed
	feed, cancel, done := s.feed, s.cancel, s.done
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	var err error
	if feed != nil {
		err = feed.Close()
	}
	if done != nil {
		<-done
	}
	if s.opts.Badges != nil && previous != StateUnavailable && previous != StateLoading {
		s.opts.Badges.SetOpen(s.conversationID, false)
	}
	s.notify()
	return err
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) Conversation() Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conversation
}

// Entries returns the display list: confirmed messages by creation time,
// then optimistic ones in the order they were sent.
func (s *Session) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.entriesLocked()
}

func (s *Session) entriesLocked() []Entry {
	entries := make([]Entry, 0, len(s.confirmed)+len(s.pending))
	for _, message := range s.confirmed {
		entries = append(entries, Entry{Message: message})
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Before(entries[j].Message)
	})
	for _, p := range s.pending {
		if p.echo == nil {
			entries = append(entries, Entry{Message: p.message, TempID: p.tempID})
		}
	}
	return entries
}

func (s *Session) Draft() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.draft
}

func (s *Session) SetDraft(text string) {
	s.mu.Lock()
	s.draft = text
	s.mu.Unlock()
}

func (s *Session) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

func (s *Session) DismissError() {
	s.mu.Lock()
	if s.state != StateUnavailable {
		s.lastErr = nil
	}
	s.mu.Unlock()
}

func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		State:        s.state,
		Conversation: s.conversation,
		Entries:      s.entriesLocked(),
		Draft:        s.draft,
		LastError:    s.lastErr,
	}
}

func (s *Session) notify() {
	if s.opts.OnChange != nil {
		s.opts.OnChange(s.Snapshot())
	}
}

func validateBody(text string) (string, error) {
	body := strings.TrimSpace(text)
	if body == "" {
		return "", ErrValidation
	}
	if utf8.RuneCountInString(body) > models.MaxMessageLength {
		return "", ErrValidation
	}
	return body, nil
}
