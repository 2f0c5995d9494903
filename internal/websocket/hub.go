package chatws

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/Henrry-Ojeda/gym-app/internal/models"
	"github.com/Henrry-Ojeda/gym-app/internal/notifier"
	"github.com/Henrry-Ojeda/gym-app/internal/services"
	"github.com/charmbracelet/log"
	websocket "github.com/gofiber/contrib/websocket"
)

const appendTimeout = 15 * time.Second

var ErrHubStopped = errors.New("chat hub stopped")

// Hub fans change events from the notifier out to connected websocket
// clients. Participants see their own conversations, operators see all.
type Hub struct {
	events     notifier.Notifier
	isOperator models.OperatorPredicate
	clients    map[*Client]struct{}
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
}

type Client struct {
	hub            *Hub
	conn           *websocket.Conn
	identity       models.Identity
	conversationID int64

	mu     sync.Mutex
	closed bool
	send   chan []byte
}

type appender interface {
	Append(ctx context.Context, conversationID int64, sender models.Identity, body string, clientTempID string) (*models.Message, error)
}

// Frame is a non-event message pushed to a client.
type Frame struct {
	Type    string          `json:"type"`
	Error   string          `json:"error,omitempty"`
	Message *models.Message `json:"message,omitempty"`
}

type incomingFrame struct {
	Type           string `json:"type"`
	ConversationID int64  `json:"conversation_id"`
	Body           string `json:"body"`
	ClientTempID   string `json:"client_temp_id"`
}

func NewHub(events notifier.Notifier, isOperator models.OperatorPredicate) *Hub {
	if isOperator == nil {
		isOperator = models.NewOperatorPredicate()
	}
	return &Hub{
		events:     events,
		isOperator: isOperator,
		clients:    make(map[*Client]struct{}),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
	}
}

// NewClient binds a connection to the viewer. A non-zero conversationID
// narrows the stream to one conversation.
func NewClient(hub *Hub, conn *websocket.Conn, identity models.Identity, conversationID int64) *Client {
	return &Client{
		hub:            hub,
		conn:           conn,
		identity:       identity,
		conversationID: conversationID,
		send:           make(chan []byte, 32),
	}
}

// Run subscribes to every conversation and routes events until ctx ends or
// the subscription closes.
func (h *Hub) Run(ctx context.Context) error {
	defer close(h.done)

	sub, err := h.events.Subscribe(ctx, notifier.Filter{})
	if err != nil {
		return err
	}
	defer func() {
		_ = sub.Close()
		for client := range h.clients {
			delete(h.clients, client)
			client.close()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case client := <-h.register:
			h.clients[client] = struct{}{}
		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				client.close()
			}
		case event, ok := <-sub.Events():
			if !ok {
				return ErrHubStopped
			}
			h.deliver(event)
		}
	}
}

func (h *Hub) Register(client *Client) error {
	select {
	case h.register <- client:
		return nil
	case <-h.done:
		return ErrHubStopped
	}
}

func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

func (h *Hub) deliver(event models.ChangeEvent) {
	var payload []byte
	for client := range h.clients {
		if !client.wants(event) {
			continue
		}
		if payload == nil {
			encoded, err := json.Marshal(event)
			if err != nil {
				log.Error("chat hub encode event", "event_id", event.ID, "err", err)
				return
			}
			payload = encoded
		}

		if !client.push(payload) {
			log.Warn("chat hub dropping slow client", "user_id", client.identity.ID)
			delete(h.clients, client)
			client.close()
		}
	}
}

func (c *Client) wants(event models.ChangeEvent) bool {
	if c.conversationID != 0 && c.conversationID != event.ConversationID {
		return false
	}
	return event.Involves(c.identity.ID) || c.hub.isOperator(c.identity)
}

// ReadPump appends inbound "message" frames on behalf of the client. The
// stored message reaches every viewer, the sender included, through the
// notifier.
func (c *Client) ReadPump(service appender) {
	defer func() {
		c.hub.Unregister(c)
		_ = c.conn.Close()
	}()

	for {
		_, payload, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		c.handleFrame(service, payload)
	}
}

func (c *Client) handleFrame(service appender, payload []byte) {
	var incoming incomingFrame
	if err := json.Unmarshal(payload, &incoming); err != nil {
		c.writeFrame(Frame{Type: "error", Error: "invalid message payload"})
		return
	}
	if incoming.Type != "message" {
		c.writeFrame(Frame{Type: "error", Error: "unsupported message type"})
		return
	}

	conversationID := incoming.ConversationID
	if conversationID == 0 {
		conversationID = c.conversationID
	}
	if conversationID <= 0 {
		c.writeFrame(Frame{Type: "error", Error: "invalid conversation id"})
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), appendTimeout)
	defer cancel()

	message, err := service.Append(ctx, conversationID, c.identity, incoming.Body, incoming.ClientTempID)
	if err != nil {
		c.writeFrame(Frame{Type: "error", Error: frameError(err)})
		return
	}
	c.writeFrame(Frame{Type: "sent", Message: message})
}

func (c *Client) WritePump() {
	defer func() {
		_ = c.conn.Close()
	}()

	for payload := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			return
		}
	}
}

func (c *Client) writeFrame(frame Frame) {
	payload, err := json.Marshal(frame)
	if err != nil {
		return
	}
	if !c.push(payload) {
		go c.hub.Unregister(c)
	}
}

// push queues payload without blocking. It reports false when the buffer is
// full; a closed client silently discards.
func (c *Client) push(payload []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return true
	}
	select {
	case c.send <- payload:
		return true
	default:
		return false
	}
}

func (c *Client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

func frameError(err error) string {
	switch {
	case errors.Is(err, services.ErrValidation):
		return "message body is empty or too long"
	case errors.Is(err, services.ErrForbidden):
		return "forbidden"
	case errors.Is(err, services.ErrNotFound):
		return "conversation not found"
	default:
		return "failed to send message"
	}
}
