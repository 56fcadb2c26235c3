package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/chromebridge/relay/lib/extproto"
)

// openAndAttach creates a tab at the URL, waits for the document to
// finish loading, then runs the attach procedure. The target is marked
// pending-open for the whole flow so whitelist auto-attach stays away
// from it.
func (a *Agent) openAndAttach(ctx context.Context, p extproto.OpenAndAttachParams) (json.RawMessage, error) {
	if p.URL == "" {
		return nil, errURLRequired
	}
	u, err := url.Parse(p.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, errSchemeNotAllowed
	}

	res, err := a.browserCall(ctx, "", "Target.createTarget", map[string]any{
		"url":        p.URL,
		"background": !p.Activate,
	})
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

	if err := a.waitForTabLoad(ctx, created.TargetID); err != nil {
		return nil, err
	}

	t := a.ensureTab(created.TargetID, p.URL)
	attach, err := a.attachTab(ctx, t.id, false)
	if err != nil {
		return nil, err
	}

	if p.Activate {
		if _, err := a.browserCall(ctx, "", "Target.activateTarget", map[string]string{"targetId": attach.targetID}); err != nil {
			a.logger.Debug("activate after open failed", "target", attach.targetID, "err", err)
		}
	}

	return rawJSON(extproto.OpenAndAttachResult{
		TabID:     t.id,
		SessionID: attach.sessionID,
		TargetID:  attach.targetID,
		URL:       attach.url,
	}), nil
}

// waitForTabLoad polls document.readyState through a throwaway probe
// session until the page reports complete. The probe keeps the real
// attach (and its upstream attachedToTarget event) out of the picture
// until the tab is usable.
func (a *Agent) waitForTabLoad(ctx context.Context, targetID string) error {
	res, err := a.browserCall(ctx, "", "Target.attachToTarget", map[string]any{
		"targetId": targetID,
		"flatten":  true,
	})
	if err != nil {
		return fmt.Errorf("probe attach: %w", err)
	}
	var attached struct {
		SessionID string `json:"sessionId"`
	}
	if err := json.Unmarshal(res, &attached); err != nil || attached.SessionID == "" {
		return errors.New("probe attach returned no session")
	}
	probe := attached.SessionID
	defer func() {
		_, _ = a.browserCall(ctx, "", "Target.detachFromTarget", map[string]string{"sessionId": probe})
	}()

	deadline := time.Now().Add(a.loadTimeout)
	ticker := time.NewTicker(a.loadPollEvery)
	defer ticker.Stop()

	for {
		state, err := a.readyState(ctx, probe)
		if err == nil && state == "complete" {
			return nil
		}
		if err != nil {
			a.logger.Debug("readyState poll failed", "target", targetID, "err", err)
		}
		if time.Now().After(deadline) {
			return errLoadTimeout
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (a *Agent) readyState(ctx context.Context, session string) (string, error) {
	res, err := a.browserCall(ctx, session, "Runtime.evaluate", map[string]any{
		"expression":    "document.readyState",
		"returnByValue": true,
	})
	if err != nil {
		return "", err
	}
	var eval struct {
		Result struct {
			Value string `json:"value"`
		} `json:"result"`
	}
	if err := json.Unmarshal(res, &eval); err != nil {
		return "", err
	}
	return eval.Result.Value, nil
}
