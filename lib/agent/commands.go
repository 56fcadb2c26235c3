package agent

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/chromebridge/relay/lib/extproto"
)

// executeCommand runs one forwarded CDP command against the browser.
// Target.createTarget/closeTarget/activateTarget are handled with
// browser-level calls; everything else goes to the debugger session the
// command resolves to.
func (a *Agent) executeCommand(ctx context.Context, cmd extproto.CommandParams) (json.RawMessage, error) {
	switch cmd.Method {
	case "Target.createTarget":
		return a.createTarget(ctx, cmd.Params)
	case "Target.closeTarget":
		return a.closeTarget(ctx, cmd)
	case "Target.activateTarget":
		return a.activateTarget(ctx, cmd)
	}

	session, err := a.resolveSession(cmd.SessionID, targetIDFromParams(cmd.Params))
	if err != nil {
		return nil, err
	}
	if cmd.Method == "Runtime.enable" {
		return a.runtimeEnable(ctx, session, cmd.Params)
	}
	return a.browserCall(ctx, session, cmd.Method, cmd.Params)
}

// runtimeEnable disables first so the browser replays
// executionContextCreated for contexts an earlier client already
// enabled. The settle sleep runs after the disable round-trip returns.
func (a *Agent) runtimeEnable(ctx context.Context, session string, params json.RawMessage) (json.RawMessage, error) {
	if _, err := a.browserCall(ctx, session, "Runtime.disable", nil); err != nil {
		a.logger.Debug("runtime disable before enable failed", "err", err)
	}
	select {
	case <-time.After(runtimeEnableSettle):
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return a.browserCall(ctx, session, "Runtime.enable", params)
}

// createTarget opens a tab, waits a beat for the browser to surface the
// target, attaches it, and answers with the target id the way Chrome's
// own createTarget does.
func (a *Agent) createTarget(ctx context.Context, params json.RawMessage) (json.RawMessage, error) {
	var p struct {
		URL string `json:"url"`
	}
	if len(params) > 0 {
		_ = json.Unmarshal(params, &p)
	}
	if p.URL == "" {
		p.URL = "about:blank"
	}

	res, err := a.browserCall(ctx, "", "Target.createTarget", map[string]string{"url": p.URL})
	if err != nil {
		return nil, err
	}
	var created struct {
		TargetID string `json:"targetId"`
	}
	if err := json.Unmarshal(res, &created); err != nil || created.TargetID == "" {
		return nil, errors.New("browser did not return a targetId")
	}

	a.markPendingOpen(created.TargetID)
	defer a.clearPendingOpen(created.TargetID)

	select {
	case <-time.After(createTargetSettle):
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	t := a.ensureTab(created.TargetID, p.URL)
	if _, err := a.attachTab(ctx, t.id, false); err != nil {
		return nil, err
	}
	return rawJSON(map[string]string{"targetId": created.TargetID}), nil
}

// closeTarget closes the tab the command resolves to. The browser tears
// the tab down; the detach and destroy events that follow clear the
// binding and notify upstream.
func (a *Agent) closeTarget(ctx context.Context, cmd extproto.CommandParams) (json.RawMessage, error) {
	targetID, err := a.resolveTargetID(cmd.SessionID, targetIDFromParams(cmd.Params))
	if err != nil {
		return nil, err
	}
	res, err := a.browserCall(ctx, "", "Target.closeTarget", map[string]string{"targetId": targetID})
	if err != nil {
		return nil, err
	}
	// Some browser versions answer with an empty object; treat a
	// missing success field as closed.
	success := true
	var closed struct {
		Success *bool `json:"success"`
	}
	if err := json.Unmarshal(res, &closed); err == nil && closed.Success != nil {
		success = *closed.Success
	}
	return rawJSON(map[string]bool{"success": success}), nil
}

// activateTarget focuses the tab. No debugger involvement; the result
// is always empty.
func (a *Agent) activateTarget(ctx context.Context, cmd extproto.CommandParams) (json.RawMessage, error) {
	targetID, err := a.resolveTargetID(cmd.SessionID, targetIDFromParams(cmd.Params))
	if err != nil {
		return nil, err
	}
	if _, err := a.browserCall(ctx, "", "Target.activateTarget", map[string]string{"targetId": targetID}); err != nil {
		return nil, err
	}
	return json.RawMessage("{}"), nil
}

func targetIDFromParams(params json.RawMessage) string {
	if len(params) == 0 {
		return ""
	}
	var p struct {
		TargetID string `json:"targetId"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return ""
	}
	return p.TargetID
}
