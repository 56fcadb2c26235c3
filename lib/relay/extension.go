package relay

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/chromebridge/relay/lib/cdp"
	"github.com/chromebridge/relay/lib/extproto"
	"github.com/chromebridge/relay/lib/logger"
)

// extensionLink is the single duplex connection to the extension-side
// agent. Writes are serialised; gone closes once when the link dies so
// in-flight calls can bail out.
type extensionLink struct {
	conn    *websocket.Conn
	writeMu sync.Mutex

	gone     chan struct{}
	goneOnce sync.Once
}

func (l *extensionLink) send(ctx context.Context, msg extproto.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	return l.conn.Write(ctx, websocket.MessageText, data)
}

func (l *extensionLink) markGone() {
	l.goneOnce.Do(func() { close(l.gone) })
}

// handleExtensionWS owns the /extension upgrade. Exactly one extension may
// be connected; a second upgrade gets 409 rather than stealing the slot.
func (s *Server) handleExtensionWS(w http.ResponseWriter, req *http.Request) {
	log := logger.FromContext(req.Context())
	if !isLoopbackAddr(req.RemoteAddr) {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}
	if !originAllowed(req.Header.Get("Origin")) {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		http.Error(w, errRelayShuttingDown.Error(), http.StatusServiceUnavailable)
		return
	}
	if s.extension != nil || s.extBusy {
		s.mu.Unlock()
		log.Warn("rejecting second extension connection", "remote", req.RemoteAddr)
		http.Error(w, "Extension already connected", http.StatusConflict)
		return
	}
	s.extBusy = true
	s.mu.Unlock()

	// Origin was checked above; the library's own check would refuse
	// chrome-extension:// schemes.
	conn, err := websocket.Accept(w, req, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		s.mu.Lock()
		s.extBusy = false
		s.mu.Unlock()
		log.Error("extension upgrade failed", "err", err)
		return
	}
	conn.SetReadLimit(maxFrameSize)

	link := &extensionLink{conn: conn, gone: make(chan struct{})}
	s.mu.Lock()
	s.extension = link
	s.extBusy = false
	s.mu.Unlock()
	log.Info("extension connected", "remote", req.RemoteAddr)

	ctx := req.Context()
	go s.pingLoop(ctx, link)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			log.Info("extension link closed", "err", err)
			break
		}
		s.handleExtensionMessage(data, log)
	}

	s.teardownExtension(link, log)
}

// pingLoop keeps intermediaries from idling the link out. Pongs are not
// tracked; a dead link surfaces as a read error.
func (s *Server) pingLoop(ctx context.Context, link *extensionLink) {
	ticker := time.NewTicker(s.pingEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := link.send(ctx, extproto.NewPing()); err != nil {
				return
			}
		case <-link.gone:
			return
		case <-ctx.Done():
			return
		}
	}
}

// teardownExtension drops everything that depended on the link: pending
// calls fail, the registry empties, and every CDP client is closed so it
// reconnects against fresh state.
func (s *Server) teardownExtension(link *extensionLink, log *slog.Logger) {
	s.mu.Lock()
	if s.extension != link {
		// Shutdown already detached this link.
		s.mu.Unlock()
		link.markGone()
		return
	}
	s.extension = nil
	clients := make([]*cdpClient, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	s.clients = make(map[string]*cdpClient)
	s.mu.Unlock()

	link.markGone()
	log.Info("extension disconnected, dropping state",
		"targets", len(s.registry.list()), "clients", len(clients))
	s.registry.clear()
	for _, c := range clients {
		c.close(websocket.StatusInternalError, errExtensionGone.Error())
	}
}

func (s *Server) handleExtensionMessage(data []byte, log *slog.Logger) {
	var msg extproto.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		log.Debug("ignoring unparseable extension frame", "err", err)
		return
	}

	if msg.IsResponse() {
		s.pendingMu.Lock()
		ch := s.pending[msg.ID]
		delete(s.pending, msg.ID)
		s.pendingMu.Unlock()
		if ch != nil {
			ch <- msg
		}
		return
	}

	switch msg.Method {
	case extproto.MethodPong:
	case extproto.MethodForwardEvent:
		var ev extproto.CommandParams
		if err := json.Unmarshal(msg.Params, &ev); err != nil {
			log.Debug("ignoring malformed forwardCDPEvent", "err", err)
			return
		}
		s.routeExtensionEvent(ev)
	default:
		// Operational frames the agent may emit; nothing to do.
	}
}

// routeExtensionEvent maintains the registry on Target lifecycle events
// and fans everything out to the CDP clients.
func (s *Server) routeExtensionEvent(ev extproto.CommandParams) {
	switch ev.Method {
	case "Target.attachedToTarget":
		s.handleTargetAttached(ev.Params)
	case "Target.detachedFromTarget":
		s.handleTargetDetached(ev.Params)
	case "Target.targetInfoChanged":
		s.handleTargetInfoChanged(ev)
	default:
		s.broadcast(cdp.Message{Method: ev.Method, Params: ev.Params, SessionID: ev.SessionID})
	}
}

func (s *Server) handleTargetAttached(params json.RawMessage) {
	var p cdp.AttachedToTargetParams
	if err := json.Unmarshal(params, &p); err != nil {
		return
	}
	if p.SessionID == "" || p.TargetInfo.TargetID == "" {
		return
	}
	// Only page targets are tracked or announced.
	if p.TargetInfo.Type != "" && p.TargetInfo.Type != "page" {
		return
	}

	info := p.TargetInfo
	if info.Type == "" {
		info.Type = "page"
	}
	if info.BrowserContextID == "" {
		info.BrowserContextID = "default"
	}
	info.Attached = true

	target := &ConnectedTarget{SessionID: p.SessionID, TargetID: info.TargetID, TargetInfo: &info}
	if oldTargetID, swapped := s.registry.upsert(target); swapped {
		// The browser swapped the target under a live session; tell
		// clients the old target is gone before announcing the new one.
		s.broadcast(cdp.Message{
			Method: "Target.detachedFromTarget",
			Params: rawJSON(cdp.DetachedFromTargetParams{SessionID: p.SessionID, TargetID: oldTargetID}),
		})
	}

	// Browser-level event: no top-level sessionId.
	s.broadcast(cdp.Message{
		Method: "Target.attachedToTarget",
		Params: rawJSON(cdp.AttachedToTargetParams{
			SessionID:          p.SessionID,
			TargetInfo:         *target.TargetInfo,
			WaitingForDebugger: false,
		}),
	})
}

func (s *Server) handleTargetDetached(params json.RawMessage) {
	var p cdp.DetachedFromTargetParams
	if err := json.Unmarshal(params, &p); err != nil || p.SessionID == "" {
		return
	}
	s.registry.remove(p.SessionID)
	s.broadcast(cdp.Message{Method: "Target.detachedFromTarget", Params: params})
}

func (s *Server) handleTargetInfoChanged(ev extproto.CommandParams) {
	var p cdp.TargetInfoChangedParams
	if err := json.Unmarshal(ev.Params, &p); err == nil {
		s.registry.merge(&p.TargetInfo)
	}
	s.broadcast(cdp.Message{Method: ev.Method, Params: ev.Params, SessionID: ev.SessionID})
}

// callExtension correlates one request/response pair over the link. The
// pending entry is removed on every exit path, so a late response after a
// timeout is dropped on the floor.
func (s *Server) callExtension(ctx context.Context, link *extensionLink, msg extproto.Message, timeout time.Duration) (json.RawMessage, error) {
	ch := make(chan extproto.Message, 1)
	s.pendingMu.Lock()
	s.pending[msg.ID] = ch
	s.pendingMu.Unlock()
	defer func() {
		s.pendingMu.Lock()
		delete(s.pending, msg.ID)
		s.pendingMu.Unlock()
	}()

	if err := link.send(ctx, msg); err != nil {
		return nil, err
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case resp := <-ch:
		if resp.Error != "" {
			return nil, errors.New(resp.Error)
		}
		return resp.Result, nil
	case <-time.After(timeout):
		return nil, errUpstreamTimeout
	case <-link.gone:
		return nil, errExtensionGone
	}
}

func rawJSON(v any) json.RawMessage {
	data, _ := json.Marshal(v)
	return data
}
