package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/chromebridge/relay/lib/cdp"
)

type tabState int

const (
	tabUnattached tabState = iota
	tabConnecting // attach in flight; blocks a second attach on the same tab
	tabConnected
)

// tab is one page target the agent knows about. The integer id stands
// in for a browser tab id and is stable for the target's lifetime; the
// debugger binding fields are populated only while state is connected.
type tab struct {
	id       int
	targetID string
	url      string
	title    string

	state          tabState
	relaySession   string // cb-tab-<N>, what CDP clients see
	browserSession string // the browser's session for our attachment
	seq            int64  // attach order; lowest connected tab is "first"
}

type attachResult struct {
	sessionID string
	targetID  string
	url       string
}

// ensureTab returns the tab tracking targetID, minting one if the
// discovery event has not arrived yet.
func (a *Agent) ensureTab(targetID, url string) *tab {
	a.mu.Lock()
	defer a.mu.Unlock()
	if id, ok := a.byTarget[targetID]; ok {
		return a.tabs[id]
	}
	t := &tab{
		id:       int(a.tabSeq.Add(1)),
		targetID: targetID,
		url:      url,
	}
	a.tabs[t.id] = t
	a.byTarget[targetID] = t.id
	return t
}

// attachTab runs the attach procedure: debugger attach, best-effort
// Page.enable, target-info fetch, session mint, then the upstream
// attachedToTarget event. A tab mid-attach refuses a second attach.
func (a *Agent) attachTab(ctx context.Context, tabID int, skipAttachedEvent bool) (attachResult, error) {
	a.mu.Lock()
	t, ok := a.tabs[tabID]
	if !ok {
		a.mu.Unlock()
		return attachResult{}, fmt.Errorf("no tab %d", tabID)
	}
	switch t.state {
	case tabConnecting:
		a.mu.Unlock()
		return attachResult{}, errAttachInProgress
	case tabConnected:
		a.mu.Unlock()
		return attachResult{}, fmt.Errorf("tab %d already attached", tabID)
	}
	t.state = tabConnecting
	targetID := t.targetID
	a.mu.Unlock()

	fail := func(err error) (attachResult, error) {
		a.mu.Lock()
		if t.state == tabConnecting {
			t.state = tabUnattached
		}
		a.mu.Unlock()
		return attachResult{}, err
	}

	res, err := a.browserCall(ctx, "", "Target.attachToTarget", map[string]any{
		"targetId": targetID,
		"flatten":  true,
	})
	if err != nil {
		return fail(err)
	}
	var attached struct {
		SessionID string `json:"sessionId"`
	}
	if err := json.Unmarshal(res, &attached); err != nil || attached.SessionID == "" {
		return fail(errors.New("browser returned no debugger session"))
	}
	browserSession := attached.SessionID

	if _, err := a.browserCall(ctx, browserSession, "Page.enable", nil); err != nil {
		a.logger.Debug("page enable failed", "tab", tabID, "err", err)
	}

	var info cdp.TargetInfo
	if infoRes, err := a.browserCall(ctx, browserSession, "Target.getTargetInfo", nil); err == nil {
		var wrapper struct {
			TargetInfo cdp.TargetInfo `json:"targetInfo"`
		}
		if err := json.Unmarshal(infoRes, &wrapper); err == nil {
			info = wrapper.TargetInfo
		}
	}
	if info.TargetID == "" {
		_, _ = a.browserCall(ctx, "", "Target.detachFromTarget", map[string]string{"sessionId": browserSession})
		return fail(errNoTargetID)
	}

	seq := a.sessionSeq.Add(1)
	relaySession := fmt.Sprintf("cb-tab-%d", seq)

	a.mu.Lock()
	t.state = tabConnected
	t.relaySession = relaySession
	t.browserSession = browserSession
	if t.targetID != info.TargetID {
		delete(a.byTarget, t.targetID)
		a.byTarget[info.TargetID] = t.id
		t.targetID = info.TargetID
	}
	t.url = info.URL
	t.title = info.Title
	t.seq = seq
	a.primary[relaySession] = t.id
	link := a.link
	a.mu.Unlock()

	if !skipAttachedEvent && link != nil {
		info.Attached = true
		link.emitEvent("Target.attachedToTarget", "", cdp.AttachedToTargetParams{
			SessionID:          relaySession,
			TargetInfo:         info,
			WaitingForDebugger: false,
		})
	}
	a.logger.Info("tab attached", "tab", tabID, "session", relaySession, "target", info.TargetID)
	return attachResult{sessionID: relaySession, targetID: info.TargetID, url: info.URL}, nil
}

// detachTab tears down a binding: upstream detachedFromTarget first,
// then the browser-side detach (best-effort, the session may already
// be gone).
func (a *Agent) detachTab(ctx context.Context, tabID int, reason string) {
	a.mu.Lock()
	t, ok := a.tabs[tabID]
	if !ok || t.state != tabConnected {
		a.mu.Unlock()
		return
	}
	relaySession, browserSession, targetID := t.relaySession, t.browserSession, t.targetID
	a.clearBindingLocked(t)
	link := a.link
	a.mu.Unlock()

	if link != nil {
		link.emitEvent("Target.detachedFromTarget", "", cdp.DetachedFromTargetParams{
			SessionID: relaySession,
			TargetID:  targetID,
		})
	}
	_, _ = a.browserCall(ctx, "", "Target.detachFromTarget", map[string]string{"sessionId": browserSession})
	a.logger.Info("tab detached", "tab", tabID, "session", relaySession, "reason", reason)
}

// clearBindingLocked drops the binding and every session index entry
// rooted at the tab. Caller holds a.mu.
func (a *Agent) clearBindingLocked(t *tab) {
	delete(a.primary, t.relaySession)
	for child, tabID := range a.children {
		if tabID == t.id {
			delete(a.children, child)
		}
	}
	t.state = tabUnattached
	t.relaySession = ""
	t.browserSession = ""
}

// resolveSession picks the debugger session a forwarded command should
// execute on: relay session, then child session, then explicit
// targetId, then the first attached tab.
func (a *Agent) resolveSession(sessionID, targetID string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if sessionID != "" {
		if tabID, ok := a.primary[sessionID]; ok {
			return a.tabs[tabID].browserSession, nil
		}
		// Child sessions are addressed directly; the browser routes
		// them itself.
		if _, ok := a.children[sessionID]; ok {
			return sessionID, nil
		}
	}
	if targetID != "" {
		if tabID, ok := a.byTarget[targetID]; ok {
			if t := a.tabs[tabID]; t.state == tabConnected {
				return t.browserSession, nil
			}
		}
	}
	if first := a.firstAttachedLocked(); first != nil {
		return first.browserSession, nil
	}
	return "", errNoAttachedTab
}

// resolveTargetID maps a close/activate request to a concrete browser
// target: the explicit targetId wins, else the session's tab, else the
// first attached tab.
func (a *Agent) resolveTargetID(sessionID, targetID string) (string, error) {
	if targetID != "" {
		return targetID, nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	if sessionID != "" {
		if tabID, ok := a.primary[sessionID]; ok {
			return a.tabs[tabID].targetID, nil
		}
		if tabID, ok := a.children[sessionID]; ok {
			return a.tabs[tabID].targetID, nil
		}
	}
	if first := a.firstAttachedLocked(); first != nil {
		return first.targetID, nil
	}
	return "", errNoAttachedTab
}

// firstAttachedLocked returns the oldest connected binding. Caller
// holds a.mu.
func (a *Agent) firstAttachedLocked() *tab {
	var first *tab
	for _, t := range a.tabs {
		if t.state != tabConnected {
			continue
		}
		if first == nil || t.seq < first.seq {
			first = t
		}
	}
	return first
}

func (a *Agent) markPendingOpen(targetID string) {
	a.mu.Lock()
	a.pendingOpen[targetID] = struct{}{}
	a.mu.Unlock()
}

func (a *Agent) clearPendingOpen(targetID string) {
	a.mu.Lock()
	delete(a.pendingOpen, targetID)
	a.mu.Unlock()
}
