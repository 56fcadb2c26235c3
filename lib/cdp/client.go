package cdp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
)

const (
	maxFrameSize   = 100 * 1024 * 1024 // screenshots ride base64-encoded inside JSON
	defaultTimeout = 30 * time.Second
)

// EventHandler receives CDP events as they arrive. It runs on the read
// loop goroutine: handlers that issue further Calls must do so from a
// separate goroutine or the read loop deadlocks waiting on itself.
type EventHandler func(Message)

// Client is a CDP connection to a browser endpoint. Commands are
// correlated by id; events are fanned to the registered handler.
type Client struct {
	logger  *slog.Logger
	onEvent EventHandler

	msgID   atomic.Int64
	stopCh  chan struct{}
	done    chan struct{}
	closeMu sync.Once

	mu      sync.Mutex
	conn    *websocket.Conn
	pending map[int64]chan Message
}

// Dial connects to a browser CDP websocket URL and starts the read loop.
func Dial(ctx context.Context, wsURL string, logger *slog.Logger, onEvent EventHandler) (*Client, error) {
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(dialCtx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial cdp: %w", err)
	}
	conn.SetReadLimit(maxFrameSize)

	c := &Client{
		logger:  logger,
		onEvent: onEvent,
		stopCh:  make(chan struct{}),
		done:    make(chan struct{}),
		conn:    conn,
		pending: make(map[int64]chan Message),
	}
	go c.readLoop(ctx)
	return c, nil
}

// Close shuts the connection down and unblocks in-flight Calls.
func (c *Client) Close() {
	c.closeMu.Do(func() {
		close(c.stopCh)
		c.mu.Lock()
		if c.conn != nil {
			_ = c.conn.Close(websocket.StatusNormalClosure, "client closing")
			c.conn = nil
		}
		c.mu.Unlock()
	})
}

// Done is closed once the read loop has exited, whether by Close or by
// the browser dropping the connection.
func (c *Client) Done() <-chan struct{} { return c.done }

// Call sends a command and waits for its response. An empty sessionID
// targets the browser-level session.
func (c *Client) Call(ctx context.Context, sessionID, method string, params any) (json.RawMessage, error) {
	id := c.msgID.Add(1)

	var paramsRaw json.RawMessage
	if params != nil {
		var err error
		paramsRaw, err = json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal params: %w", err)
		}
	}

	data, err := json.Marshal(Message{ID: id, Method: method, Params: paramsRaw, SessionID: sessionID})
	if err != nil {
		return nil, fmt.Errorf("marshal cdp message: %w", err)
	}

	resultCh := make(chan Message, 1)
	c.mu.Lock()
	c.pending[id] = resultCh
	conn := c.conn
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if conn == nil {
		return nil, fmt.Errorf("cdp connection closed")
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		return nil, fmt.Errorf("write cdp: %w", err)
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case msg := <-resultCh:
		if msg.Error != nil {
			return nil, fmt.Errorf("%s: %w", method, msg.Error)
		}
		return msg.Result, nil
	case <-time.After(defaultTimeout):
		return nil, fmt.Errorf("cdp call timed out: %s", method)
	case <-c.stopCh:
		return nil, fmt.Errorf("cdp client stopped")
	}
}

func (c *Client) readLoop(ctx context.Context) {
	defer close(c.done)
	for {
		select {
		case <-c.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn == nil {
			return
		}

		_, data, err := conn.Read(ctx)
		if err != nil {
			select {
			case <-c.stopCh:
			case <-ctx.Done():
			default:
				c.logger.Debug("cdp read error", "err", err)
			}
			return
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.logger.Debug("cdp unmarshal error", "err", err)
			continue
		}

		if msg.IsResponse() {
			c.mu.Lock()
			ch, ok := c.pending[msg.ID]
			c.mu.Unlock()
			if ok {
				ch <- msg
			}
			continue
		}

		if msg.IsEvent() && c.onEvent != nil {
			c.onEvent(msg)
		}
	}
}
