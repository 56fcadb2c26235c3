package relay

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/chromebridge/relay/lib/cdp"
	"github.com/chromebridge/relay/lib/logger"
)

// cdpClient is one connected DevTools client. All outbound traffic goes
// through the mailbox so a slow socket never blocks the extension read
// loop or other clients.
type cdpClient struct {
	id   string
	conn *websocket.Conn
	out  chan []byte

	mu         sync.Mutex
	autoAttach bool
	discover   bool

	closeOnce sync.Once
}

func newCdpClient(conn *websocket.Conn) *cdpClient {
	return &cdpClient{
		id:   uuid.NewString(),
		conn: conn,
		out:  make(chan []byte, clientQueueSize),
	}
}

// enqueue queues a frame without blocking. False means the mailbox is
// full and the caller should drop the client.
func (c *cdpClient) enqueue(data []byte) bool {
	select {
	case c.out <- data:
		return true
	default:
		return false
	}
}

func (c *cdpClient) close(code websocket.StatusCode, reason string) {
	c.closeOnce.Do(func() {
		c.conn.Close(code, reason)
	})
}

func (c *cdpClient) setAutoAttach(v bool) {
	c.mu.Lock()
	c.autoAttach = v
	c.mu.Unlock()
}

func (c *cdpClient) setDiscover(v bool) {
	c.mu.Lock()
	c.discover = v
	c.mu.Unlock()
}

// handleCdpWS owns a /cdp upgrade for its lifetime: one writer goroutine
// drains the mailbox while this goroutine reads commands.
func (s *Server) handleCdpWS(w http.ResponseWriter, req *http.Request) {
	log := logger.FromContext(req.Context())
	if !isLoopbackAddr(req.RemoteAddr) {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}
	if !originAllowed(req.Header.Get("Origin")) {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}
	if !s.ExtensionConnected() {
		http.Error(w, errNoExtension.Error(), http.StatusServiceUnavailable)
		return
	}

	conn, err := websocket.Accept(w, req, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		log.Error("cdp upgrade failed", "err", err)
		return
	}
	conn.SetReadLimit(maxFrameSize)

	client := newCdpClient(conn)
	if err := s.registerClient(client); err != nil {
		conn.Close(websocket.StatusGoingAway, err.Error())
		return
	}
	ctx, log := logger.With(req.Context(), "client_id", client.id)
	log.Info("cdp client connected", "remote", req.RemoteAddr)

	go s.writeLoop(ctx, client, log)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			log.Info("cdp client closed", "err", err)
			break
		}
		var cmd cdp.Message
		if err := json.Unmarshal(data, &cmd); err != nil {
			log.Debug("ignoring unparseable cdp frame", "err", err)
			continue
		}
		// Commands need an integer id and a method; everything else is
		// dropped without closing the socket.
		if cmd.ID == 0 || cmd.Method == "" {
			continue
		}
		// Dispatch concurrently: a forwarded command awaiting the
		// extension must not hold up the next command on this socket.
		go s.handleCommand(ctx, client, cmd)
	}

	s.removeClient(client, websocket.StatusNormalClosure, "")
}

func (s *Server) writeLoop(ctx context.Context, c *cdpClient, log *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case data := <-c.out:
			if err := c.conn.Write(ctx, websocket.MessageText, data); err != nil {
				log.Debug("cdp client write failed", "err", err)
				s.removeClient(c, websocket.StatusNormalClosure, "")
				return
			}
		}
	}
}
