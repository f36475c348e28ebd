package voice

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const (
	defaultConnectTimeout = 15 * time.Second
	closeGrace            = 2 * time.Second
)

// ServiceError is an error reported by the voice service itself.
type ServiceError struct {
	Message string
}

func (e *ServiceError) Error() string {
	if e.Message == "" {
		return "voice service error"
	}
	return "voice service: " + e.Message
}

type clientFrame struct {
	Type        string `json:"type"`
	AssistantID string `json:"assistantId,omitempty"`
}

type serverFrame struct {
	Type    string `json:"type"`
	Message string `json:"message,omitempty"`
}

// WSClient talks to the voice service over a websocket. One call at a time.
type WSClient struct {
	apiKey  string
	baseURL string
	dialer  *websocket.Dialer

	mu       sync.Mutex
	handlers handlers
	sess     *wsSession
	starting bool
}

type wsSession struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	stopped atomic.Bool
	done    chan struct{}
}

func NewWSClient(apiKey, baseURL string) *WSClient {
	return &WSClient{
		apiKey:  apiKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		dialer:  websocket.DefaultDialer,
	}
}

func (c *WSClient) On(ev Event, fn Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers.add(ev, fn)
}

func (c *WSClient) Start(ctx context.Context, assistantID string) error {
	if c.apiKey == "" {
		return fmt.Errorf("voice: api key is required")
	}
	if strings.TrimSpace(assistantID) == "" {
		return fmt.Errorf("voice: assistant id is required")
	}
	// The slot is held from here until the session is installed or the
	// start fails, so a second Start cannot dial in parallel.
	c.mu.Lock()
	if c.sess != nil || c.starting {
		c.mu.Unlock()
		return ErrAlreadyStarted
	}
	c.starting = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.starting = false
		c.mu.Unlock()
	}()

	headers := make(http.Header)
	headers.Set("Authorization", "Bearer "+c.apiKey)

	dialCtx := ctx
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, defaultConnectTimeout)
		defer cancel()
	}

	conn, resp, err := c.dialer.DialContext(dialCtx, c.baseURL, headers)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("voice dial (status %d): %w", resp.StatusCode, err)
		}
		return fmt.Errorf("voice dial: %w", err)
	}

	if err := conn.WriteJSON(clientFrame{Type: "start", AssistantID: assistantID}); err != nil {
		_ = conn.Close()
		return fmt.Errorf("send start: %w", err)
	}

	// The first frame tells us whether the service accepted the call.
	deadline, _ := dialCtx.Deadline()
	_ = conn.SetReadDeadline(deadline)
	first, err := readFrame(conn)
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("read start reply: %w", err)
	}
	_ = conn.SetReadDeadline(time.Time{})
	if Event(first.Type) == EventError {
		_ = conn.Close()
		return &ServiceError{Message: first.Message}
	}

	sess := &wsSession{conn: conn, done: make(chan struct{})}
	c.mu.Lock()
	c.sess = sess
	c.mu.Unlock()

	go c.readLoop(sess, first)
	return nil
}

func (c *WSClient) Stop(ctx context.Context) error {
	c.mu.Lock()
	sess := c.sess
	c.sess = nil
	c.mu.Unlock()
	if sess == nil {
		return ErrNotStarted
	}

	sess.stopped.Store(true)
	sess.writeMu.Lock()
	werr := sess.conn.WriteJSON(clientFrame{Type: "stop"})
	_ = sess.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(closeGrace))
	sess.writeMu.Unlock()

	select {
	case <-sess.done:
	case <-ctx.Done():
		_ = sess.conn.Close()
		<-sess.done
		return ctx.Err()
	case <-time.After(closeGrace):
	}
	_ = sess.conn.Close()
	<-sess.done
	if werr != nil {
		return fmt.Errorf("send stop: %w", werr)
	}
	return nil
}

func (c *WSClient) readLoop(sess *wsSession, first serverFrame) {
	defer close(sess.done)
	defer c.detach(sess)

	if !c.deliver(sess, first) {
		return
	}
	for {
		f, err := readFrame(sess.conn)
		if err != nil {
			if sess.stopped.Load() {
				return
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.dispatch(sess, Message{Type: EventCallEnd})
				return
			}
			c.dispatch(sess, Message{Type: EventError, Err: err})
			return
		}
		if !c.deliver(sess, f) {
			return
		}
	}
}

// deliver maps a frame to a Message and dispatches it. It reports false
// once the call is over.
func (c *WSClient) deliver(sess *wsSession, f serverFrame) bool {
	switch ev := Event(f.Type); ev {
	case EventCallStart, EventSpeechStart, EventSpeechEnd:
		c.dispatch(sess, Message{Type: ev})
	case EventCallEnd:
		c.dispatch(sess, Message{Type: ev})
		return false
	case EventError:
		c.dispatch(sess, Message{Type: ev, Err: &ServiceError{Message: f.Message}})
		return false
	}
	return true
}

func (c *WSClient) dispatch(sess *wsSession, msg Message) {
	if sess.stopped.Load() {
		return
	}
	c.mu.Lock()
	fns := c.handlers.get(msg.Type)
	c.mu.Unlock()
	for _, fn := range fns {
		fn(msg)
	}
}

func (c *WSClient) detach(sess *wsSession) {
	c.mu.Lock()
	if c.sess == sess {
		c.sess = nil
	}
	c.mu.Unlock()
	_ = sess.conn.Close()
}

func readFrame(conn *websocket.Conn) (serverFrame, error) {
	var f serverFrame
	mt, data, err := conn.ReadMessage()
	if err != nil {
		return f, err
	}
	if mt != websocket.TextMessage {
		return f, nil
	}
	if err := json.Unmarshal(data, &f); err != nil {
		return f, fmt.Errorf("decode frame: %w", err)
	}
	return f, nil
}
