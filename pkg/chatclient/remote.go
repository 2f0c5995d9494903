package chatclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/Henrry-Ojeda/gym-app/internal/models"
	"github.com/gorilla/websocket"
)

// Remote is a Backend speaking to the chat API over HTTP, with change events
// streamed over a websocket.
type Remote struct {
	baseURL    *url.URL
	token      string
	viewer     Identity
	httpClient *http.Client
	dialer     *websocket.Dialer
	buffer     int
}

type RemoteOption func(*Remote)

func WithHTTPClient(client *http.Client) RemoteOption {
	return func(r *Remote) {
		r.httpClient = client
	}
}

func WithDialer(dialer *websocket.Dialer) RemoteOption {
	return func(r *Remote) {
		r.dialer = dialer
	}
}

// NewRemote targets the API at baseURL (for example http://localhost:8080)
// with the viewer's bearer token.
func NewRemote(baseURL string, token string, viewer Identity, opts ...RemoteOption) (*Remote, error) {
	parsed, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("unsupported base url scheme %q", parsed.Scheme)
	}

	r := &Remote{
		baseURL:    parsed,
		token:      token,
		viewer:     viewer,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		dialer:     websocket.DefaultDialer,
		buffer:     64,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

func (r *Remote) Viewer() Identity {
	return r.viewer
}

func (r *Remote) FindOrCreate(ctx context.Context, counterpartID int64) (*Conversation, error) {
	var out struct {
		Conversation *Conversation `json:"conversation"`
	}
	err := r.do(ctx, http.MethodPost, "/api/v1/conversations", map[string]int64{"counterpart_id": counterpartID}, &out)
	if err != nil {
		return nil, err
	}
	return out.Conversation, nil
}

// ContactOperator uses the same endpoint as FindOrCreate; the API routes
// non-operator viewers to staff.
func (r *Remote) ContactOperator(ctx context.Context, operatorID int64) (*Conversation, error) {
	return r.FindOrCreate(ctx, operatorID)
}

func (r *Remote) ListByConversation(ctx context.Context, conversationID int64) ([]Message, error) {
	var out struct {
		Messages []Message `json:"messages"`
	}
	if err := r.do(ctx, http.MethodGet, conversationPath(conversationID, "messages"), nil, &out); err != nil {
		return nil, err
	}
	return out.Messages, nil
}

func (r *Remote) Append(ctx context.Context, conversationID int64, body string, tempID string) (*Message, error) {
	payload := map[string]string{"body": body, "client_temp_id": tempID}
	var out struct {
		Message *Message `json:"message"`
	}
	err := r.do(ctx, http.MethodPost, conversationPath(conversationID, "messages"), payload, &out)
	if err != nil {
		return nil, err
	}
	return out.Message, nil
}

func (r *Remote) MarkRead(ctx context.Context, messageIDs []int64) ([]int64, error) {
	var out struct {
		MessageIDs []int64 `json:"message_ids"`
	}
	err := r.do(ctx, http.MethodPost, "/api/v1/messages/read", map[string][]int64{"message_ids": messageIDs}, &out)
	if err != nil {
		return nil, err
	}
	return out.MessageIDs, nil
}

func (r *Remote) UpdateSummary(ctx context.Context, conversationID int64, lastMessage string, at time.Time) error {
	payload := struct {
		LastMessage string    `json:"last_message"`
		UpdatedAt   time.Time `json:"updated_at"`
	}{LastMessage: lastMessage, UpdatedAt: at}
	return r.do(ctx, http.MethodPut, conversationPath(conversationID, "summary"), payload, nil)
}

func (r *Remote) CountUnread(ctx context.Context, conversationID int64) (int, error) {
	var out UnreadBadge
	if err := r.do(ctx, http.MethodGet, conversationPath(conversationID, "unread"), nil, &out); err != nil {
		return 0, err
	}
	return out.UnreadCount, nil
}

func (r *Remote) Badges(ctx context.Context) ([]UnreadBadge, error) {
	var out struct {
		Unread []UnreadBadge `json:"unread"`
	}
	if err := r.do(ctx, http.MethodGet, "/api/v1/unread", nil, &out); err != nil {
		return nil, err
	}
	return out.Unread, nil
}

func (r *Remote) Subscribe(ctx context.Context, conversationID int64) (Feed, error) {
	target := *r.baseURL
	switch target.Scheme {
	case "https":
		target.Scheme = "wss"
	default:
		target.Scheme = "ws"
	}
	target.Path += "/api/v1/ws"
	query := url.Values{"token": {r.token}}
	if conversationID != 0 {
		query.Set("conversation_id", strconv.FormatInt(conversationID, 10))
	}
	target.RawQuery = query.Encode()

	conn, resp, err := r.dialer.DialContext(ctx, target.String(), nil)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			return nil, decodeAPIError(resp)
		}
		return nil, fmt.Errorf("dial change feed: %w", err)
	}

	feed := &remoteFeed{
		conn:   conn,
		events: make(chan ChangeEvent, r.buffer),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go feed.read()
	return feed, nil
}

func (r *Remote) do(ctx context.Context, method string, path string, in any, out any) error {
	var body io.Reader
	if in != nil {
		encoded, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, r.baseURL.String()+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+r.token)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusMultipleChoices {
		return decodeAPIError(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

func decodeAPIError(resp *http.Response) error {
	apiErr := &APIError{Status: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
	var payload struct {
		Error string `json:"error"`
		Code  string `json:"code"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&payload); err == nil {
		if payload.Error != "" {
			apiErr.Message = payload.Error
		}
		apiErr.Code = payload.Code
	}
	return apiErr
}

func conversationPath(conversationID int64, suffix string) string {
	return "/api/v1/conversations/" + strconv.FormatInt(conversationID, 10) + "/" + suffix
}

type remoteFeed struct {
	conn   *websocket.Conn
	events chan ChangeEvent
	stop   chan struct{}
	done   chan struct{}
	once   sync.Once
}

func (f *remoteFeed) read() {
	defer close(f.done)
	defer close(f.events)

	for {
		_, payload, err := f.conn.ReadMessage()
		if err != nil {
			return
		}

		var head struct {
			Type models.EventType `json:"type"`
		}
		if err := json.Unmarshal(payload, &head); err != nil {
			continue
		}
		if head.Type != models.EventInsert && head.Type != models.EventUpdate {
			continue
		}

		var event ChangeEvent
		if err := json.Unmarshal(payload, &event); err != nil {
			continue
		}
		select {
		case f.events <- event:
		case <-f.stop:
			return
		}
	}
}

func (f *remoteFeed) Events() <-chan ChangeEvent {
	return f.events
}

func (f *remoteFeed) Close() error {
	var err error
	f.once.Do(func() {
		close(f.stop)
		_ = f.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		err = f.conn.Close()
		<-f.done
		if errors.Is(err, net.ErrClosed) {
			err = nil
		}
	})
	return err
}

var _ Backend = (*Remote)(nil)
