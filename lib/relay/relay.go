// Package relay bridges a browser extension speaking the forwardCDPCommand
// protocol to any number of DevTools (CDP) clients. The extension dials
// /extension, clients dial /cdp, and the relay routes commands, answers a
// small set of Target/Browser methods from its own registry, and fans
// extension events out to every client.
//
// The relay is loopback-only. It keeps no state on disk beyond the
// screenshot directory.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/chromebridge/relay/lib/cdp"
	"github.com/chromebridge/relay/lib/extproto"
	"github.com/chromebridge/relay/lib/screenshot"
)

const (
	// maxFrameSize accommodates screenshots riding base64-encoded inside
	// JSON frames.
	maxFrameSize = 100 * 1024 * 1024

	// clientQueueSize bounds each CDP client's outbound mailbox. A client
	// that falls this far behind is closed rather than buffered further.
	clientQueueSize = 256

	pingInterval = 5 * time.Second

	defaultForwardTimeout = 30 * time.Second
	defaultOpenURLTimeout = 60 * time.Second
)

// Config carries the knobs the relay needs beyond its HTTP listener,
// which the caller owns.
type Config struct {
	// AdvertiseAddr is the host:port clients should dial, used to build
	// webSocketDebuggerUrl values in discovery payloads.
	AdvertiseAddr string
	// ForwardTimeout bounds each forwarded CDP call.
	ForwardTimeout time.Duration
	// OpenURLTimeout bounds the openAndAttach round-trip, which includes
	// waiting for the page to finish loading.
	OpenURLTimeout time.Duration
	// ScreenshotDir is served under /screenshots/.
	ScreenshotDir string
}

// Server is the relay core. Mount Routes on an HTTP server to expose it.
type Server struct {
	logger         *slog.Logger
	advertiseAddr  string
	forwardTimeout time.Duration
	openURLTimeout time.Duration
	pingEvery      time.Duration
	shots          *screenshot.Store

	registry *targetRegistry

	// Pending calls to the extension, keyed by the relay-minted id.
	extMsgID  atomic.Int64
	pendingMu sync.Mutex
	pending   map[int64]chan extproto.Message

	mu        sync.RWMutex
	closed    bool
	extBusy   bool // an /extension upgrade is in flight
	extension *extensionLink
	clients   map[string]*cdpClient
}

func New(cfg Config, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		return nil, errors.New("logger is required")
	}
	if cfg.AdvertiseAddr == "" {
		cfg.AdvertiseAddr = "127.0.0.1:18792"
	}
	if cfg.ForwardTimeout <= 0 {
		cfg.ForwardTimeout = defaultForwardTimeout
	}
	if cfg.OpenURLTimeout <= 0 {
		cfg.OpenURLTimeout = defaultOpenURLTimeout
	}
	if cfg.ScreenshotDir == "" {
		cfg.ScreenshotDir = "screenshots"
	}
	return &Server{
		logger:         logger,
		advertiseAddr:  cfg.AdvertiseAddr,
		forwardTimeout: cfg.ForwardTimeout,
		openURLTimeout: cfg.OpenURLTimeout,
		pingEvery:      pingInterval,
		shots:          screenshot.New(cfg.ScreenshotDir),
		registry:       newTargetRegistry(),
		pending:        make(map[int64]chan extproto.Message),
		clients:        make(map[string]*cdpClient),
	}, nil
}

// Screenshots exposes the store so an embedding process can save captures
// that /screenshots/ will serve.
func (s *Server) Screenshots() *screenshot.Store { return s.shots }

// ExtensionConnected reports whether an extension link is up.
func (s *Server) ExtensionConnected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.extension != nil
}

// Targets returns the attached targets in attach order.
func (s *Server) Targets() []*ConnectedTarget { return s.registry.list() }

// Shutdown closes the extension link with a normal-closure code and every
// CDP client with going-away, then refuses new peers. The caller shuts
// down the HTTP listener itself.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	link := s.extension
	s.extension = nil
	clients := make([]*cdpClient, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	s.clients = make(map[string]*cdpClient)
	s.mu.Unlock()

	if link != nil {
		link.markGone()
		link.conn.Close(websocket.StatusNormalClosure, errRelayShuttingDown.Error())
	}
	s.registry.clear()
	for _, c := range clients {
		c.close(websocket.StatusGoingAway, errRelayShuttingDown.Error())
	}
	return nil
}

func (s *Server) currentExtension() *extensionLink {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.extension
}

// wsDebuggerURL is what discovery payloads advertise for /cdp.
func (s *Server) wsDebuggerURL() string {
	return "ws://" + s.advertiseAddr + "/cdp"
}

func (s *Server) registerClient(c *cdpClient) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errRelayShuttingDown
	}
	s.clients[c.id] = c
	return nil
}

func (s *Server) removeClient(c *cdpClient, code websocket.StatusCode, reason string) {
	s.mu.Lock()
	if s.clients[c.id] == c {
		delete(s.clients, c.id)
	}
	s.mu.Unlock()
	c.close(code, reason)
}

func (s *Server) snapshotClients() []*cdpClient {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*cdpClient, 0, len(s.clients))
	for _, c := range s.clients {
		out = append(out, c)
	}
	return out
}

// send marshals a frame for one client and queues it on the client's
// mailbox. Response-then-events ordering holds because callers enqueue
// from a single goroutine per command.
func (s *Server) send(c *cdpClient, msg cdp.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		s.logger.Error("failed to marshal cdp frame", "err", err)
		return
	}
	s.deliver(c, data)
}

// broadcast frames the event once and fans it out to every client.
func (s *Server) broadcast(msg cdp.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		s.logger.Error("failed to marshal cdp event", "err", err)
		return
	}
	for _, c := range s.snapshotClients() {
		s.deliver(c, data)
	}
}

func (s *Server) deliver(c *cdpClient, data []byte) {
	if c.enqueue(data) {
		return
	}
	s.logger.Warn("cdp client send queue full, dropping client", "client_id", c.id)
	s.removeClient(c, websocket.StatusPolicyViolation, "send queue overflow")
}
