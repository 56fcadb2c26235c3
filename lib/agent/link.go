package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/chromebridge/relay/lib/extproto"
)

// relayLink is the agent's side of the /extension socket. Writes are
// serialised; per-command goroutines respond through it concurrently.
type relayLink struct {
	logger  *slog.Logger
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (l *relayLink) send(msg extproto.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal relay frame: %w", err)
	}

	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	writeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return l.conn.Write(writeCtx, websocket.MessageText, data)
}

// emitEvent forwards a CDP event upstream. Delivery is best-effort: a
// dead link is torn down by the read loop, not here.
func (l *relayLink) emitEvent(method, sessionID string, params any) {
	var raw json.RawMessage
	switch v := params.(type) {
	case nil:
	case json.RawMessage:
		raw = v
	default:
		raw = rawJSON(v)
	}
	if err := l.send(extproto.NewForwardEvent(method, sessionID, raw)); err != nil {
		l.logger.Debug("emit event failed", "method", method, "err", err)
	}
}

// linkLoop reads relay frames until the socket closes. Commands run in
// their own goroutines so a slow debugger call never delays the next
// frame.
func (a *Agent) linkLoop(ctx context.Context, link *relayLink) error {
	for {
		_, data, err := link.conn.Read(ctx)
		if err != nil {
			return fmt.Errorf("relay link closed: %w", err)
		}

		var msg extproto.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			a.logger.Debug("dropping malformed relay frame", "err", err)
			continue
		}

		switch msg.Method {
		case extproto.MethodPing:
			if err := link.send(extproto.NewPong()); err != nil {
				a.logger.Debug("pong failed", "err", err)
			}
		case extproto.MethodForwardCommand:
			go a.handleForwardCommand(ctx, link, msg)
		case extproto.MethodOpenAndAttach:
			go a.handleOpenAndAttach(ctx, link, msg)
		default:
			// Frames a newer relay may add; nothing to do.
		}
	}
}

func (a *Agent) handleForwardCommand(ctx context.Context, link *relayLink, msg extproto.Message) {
	var cmd extproto.CommandParams
	if err := json.Unmarshal(msg.Params, &cmd); err != nil {
		a.respond(link, msg.ID, nil, fmt.Errorf("invalid forwardCDPCommand params"))
		return
	}
	res, err := a.executeCommand(ctx, cmd)
	a.respond(link, msg.ID, res, err)
}

func (a *Agent) handleOpenAndAttach(ctx context.Context, link *relayLink, msg extproto.Message) {
	var params extproto.OpenAndAttachParams
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		a.respond(link, msg.ID, nil, fmt.Errorf("invalid openAndAttach params"))
		return
	}
	res, err := a.openAndAttach(ctx, params)
	a.respond(link, msg.ID, res, err)
}

// respond answers one relay request. Every id the relay sends gets
// exactly one response; errors travel as their bare message text.
func (a *Agent) respond(link *relayLink, id int64, res json.RawMessage, err error) {
	if id == 0 {
		return
	}
	var msg extproto.Message
	switch {
	case err != nil:
		msg = extproto.NewError(id, err.Error())
	case len(res) == 0:
		msg = extproto.NewResult(id, json.RawMessage("{}"))
	default:
		msg = extproto.NewResult(id, res)
	}
	if sendErr := link.send(msg); sendErr != nil {
		a.logger.Debug("response send failed", "id", id, "err", sendErr)
	}
}
