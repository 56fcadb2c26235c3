package relay

import (
	"context"
	"encoding/json"

	"github.com/samber/lo"

	"github.com/chromebridge/relay/lib/cdp"
	"github.com/chromebridge/relay/lib/extproto"
)

var emptyResult = json.RawMessage("{}")

// handleCommand answers a client command either from the relay's own
// state or by forwarding to the extension. It runs in its own goroutine
// per command; the response and any replay events for the originating
// client are enqueued from here, which keeps them ordered.
func (s *Server) handleCommand(ctx context.Context, c *cdpClient, cmd cdp.Message) {
	var (
		result     json.RawMessage
		cmdErr     error
		postEvents []cdp.Message
	)

	switch cmd.Method {
	case "Browser.getVersion":
		result = rawJSON(map[string]string{
			"protocolVersion": "1.3",
			"product":         "Chrome/ChromeBridge-Relay",
			"revision":        "0",
			"userAgent":       "ChromeBridge-Relay",
			"jsVersion":       "V8",
		})

	case "Browser.setDownloadBehavior":
		result = emptyResult

	case "Target.setAutoAttach":
		c.setAutoAttach(true)
		result = emptyResult
		// Browser-level call only: replay current targets to this client
		// so it sees tabs attached before it arrived.
		if cmd.SessionID == "" {
			postEvents = s.replayAttached()
		}

	case "Target.setDiscoverTargets":
		var p struct {
			Discover bool `json:"discover"`
		}
		if len(cmd.Params) > 0 {
			_ = json.Unmarshal(cmd.Params, &p)
		}
		c.setDiscover(p.Discover)
		result = emptyResult
		if p.Discover {
			postEvents = s.replayCreated()
		}

	case "Target.getTargets":
		infos := lo.Map(s.registry.list(), func(t *ConnectedTarget, _ int) *cdp.TargetInfo {
			return t.TargetInfo
		})
		result = rawJSON(map[string]any{"targetInfos": infos})

	case "Target.getTargetInfo":
		result, cmdErr = s.getTargetInfo(cmd)

	case "Target.attachToTarget":
		result, postEvents, cmdErr = s.attachToTarget(cmd)

	default:
		result, cmdErr = s.forwardToExtension(ctx, cmd)
		if cmdErr == nil && len(result) == 0 {
			result = emptyResult
		}
	}

	resp := cdp.Message{ID: cmd.ID, SessionID: cmd.SessionID}
	if cmdErr != nil {
		resp.Error = &cdp.Error{Message: cmdErr.Error()}
	} else {
		resp.Result = result
	}

	// Response first, replay events after; DevTools clients rely on
	// seeing the command settle before the attach/create notifications.
	s.send(c, resp)
	for _, ev := range postEvents {
		s.send(c, ev)
	}
}

func (s *Server) replayAttached() []cdp.Message {
	targets := s.registry.list()
	events := make([]cdp.Message, 0, len(targets))
	for _, t := range targets {
		events = append(events, cdp.Message{
			Method: "Target.attachedToTarget",
			Params: rawJSON(cdp.AttachedToTargetParams{
				SessionID:          t.SessionID,
				TargetInfo:         *t.TargetInfo,
				WaitingForDebugger: false,
			}),
		})
	}
	return events
}

func (s *Server) replayCreated() []cdp.Message {
	targets := s.registry.list()
	events := make([]cdp.Message, 0, len(targets))
	for _, t := range targets {
		events = append(events, cdp.Message{
			Method: "Target.targetCreated",
			Params: rawJSON(cdp.TargetCreatedParams{TargetInfo: *t.TargetInfo}),
		})
	}
	return events
}

// getTargetInfo resolves by explicit targetId, then the command's
// sessionId, then the oldest attached target.
func (s *Server) getTargetInfo(cmd cdp.Message) (json.RawMessage, error) {
	var p struct {
		TargetID string `json:"targetId"`
	}
	if len(cmd.Params) > 0 {
		_ = json.Unmarshal(cmd.Params, &p)
	}

	var target *ConnectedTarget
	if p.TargetID != "" {
		target, _ = s.registry.byTargetID(p.TargetID)
	}
	if target == nil && cmd.SessionID != "" {
		target, _ = s.registry.bySessionID(cmd.SessionID)
	}
	if target == nil {
		target, _ = s.registry.first()
	}
	if target == nil {
		return nil, errTargetNotFound
	}
	return rawJSON(map[string]any{"targetInfo": target.TargetInfo}), nil
}

// attachToTarget answers from the registry without an extension round
// trip; the tab is already debugged, so "attaching" just hands out the
// existing session id plus a scoped attach event.
func (s *Server) attachToTarget(cmd cdp.Message) (json.RawMessage, []cdp.Message, error) {
	var p struct {
		TargetID string `json:"targetId"`
	}
	if len(cmd.Params) > 0 {
		_ = json.Unmarshal(cmd.Params, &p)
	}
	if p.TargetID == "" {
		return nil, nil, errTargetIDRequired
	}
	target, ok := s.registry.byTargetID(p.TargetID)
	if !ok {
		return nil, nil, errTargetNotFound
	}

	attach := cdp.Message{
		Method: "Target.attachedToTarget",
		Params: rawJSON(cdp.AttachedToTargetParams{
			SessionID:          target.SessionID,
			TargetInfo:         *target.TargetInfo,
			WaitingForDebugger: false,
		}),
	}
	return rawJSON(map[string]string{"sessionId": target.SessionID}), []cdp.Message{attach}, nil
}

func (s *Server) forwardToExtension(ctx context.Context, cmd cdp.Message) (json.RawMessage, error) {
	link := s.currentExtension()
	if link == nil {
		return nil, errNoExtension
	}
	id := s.extMsgID.Add(1)
	msg := extproto.NewForwardCommand(id, cmd.Method, cmd.SessionID, cmd.Params)
	return s.callExtension(ctx, link, msg, s.forwardTimeout)
}
