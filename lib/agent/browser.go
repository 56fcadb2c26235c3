package agent

import (
	"encoding/json"
	"net/url"

	"github.com/chromebridge/relay/lib/cdp"
)

// onBrowserEvent demultiplexes frames from the browser connection.
// Session-scoped events belong to attached tabs and flow upstream;
// browser-level Target events maintain the tab table. Runs on the cdp
// read loop, so anything that issues calls hops to a goroutine.
func (a *Agent) onBrowserEvent(msg cdp.Message) {
	if msg.SessionID != "" {
		a.routeSessionEvent(msg)
		return
	}

	switch msg.Method {
	case "Target.targetCreated":
		var p cdp.TargetCreatedParams
		if err := json.Unmarshal(msg.Params, &p); err == nil {
			a.handleTargetCreated(p.TargetInfo)
		}
	case "Target.targetInfoChanged":
		var p cdp.TargetInfoChangedParams
		if err := json.Unmarshal(msg.Params, &p); err == nil {
			a.handleTargetInfoChanged(p.TargetInfo)
		}
	case "Target.targetDestroyed":
		var p cdp.TargetDestroyedParams
		if err := json.Unmarshal(msg.Params, &p); err == nil {
			a.handleTargetDestroyed(p.TargetID)
		}
	case "Target.detachedFromTarget":
		var p cdp.DetachedFromTargetParams
		if err := json.Unmarshal(msg.Params, &p); err == nil {
			a.handleBrowserDetach(p)
		}
	default:
		// Browser-level echoes of our own attaches and other noise.
	}
}

// routeSessionEvent forwards a debugger event upstream under the tab's
// relay session. Child attach/detach events also maintain the child
// index. Events from sessions we do not track (load probes, leftovers
// from an older link) are dropped.
func (a *Agent) routeSessionEvent(msg cdp.Message) {
	a.mu.Lock()
	link := a.link
	var (
		boundTab  *tab
		childOnly bool
	)
	for _, t := range a.tabs {
		if t.state == tabConnected && t.browserSession == msg.SessionID {
			boundTab = t
			break
		}
	}
	if boundTab == nil {
		_, childOnly = a.children[msg.SessionID]
	}
	var relaySession string
	var tabID int
	if boundTab != nil {
		relaySession = boundTab.relaySession
		tabID = boundTab.id
	}
	a.mu.Unlock()

	switch {
	case boundTab != nil:
		switch msg.Method {
		case "Target.attachedToTarget":
			var p cdp.AttachedToTargetParams
			if err := json.Unmarshal(msg.Params, &p); err == nil && p.SessionID != "" {
				a.mu.Lock()
				a.children[p.SessionID] = tabID
				a.mu.Unlock()
			}
		case "Target.detachedFromTarget":
			var p cdp.DetachedFromTargetParams
			if err := json.Unmarshal(msg.Params, &p); err == nil && p.SessionID != "" {
				a.mu.Lock()
				delete(a.children, p.SessionID)
				a.mu.Unlock()
			}
		}
		if link != nil {
			link.emitEvent(msg.Method, relaySession, msg.Params)
		}
	case childOnly:
		if link != nil {
			link.emitEvent(msg.Method, msg.SessionID, msg.Params)
		}
	}
}

func (a *Agent) handleTargetCreated(info cdp.TargetInfo) {
	if info.Type != "page" {
		return
	}
	t := a.ensureTab(info.TargetID, info.URL)
	a.mu.Lock()
	t.url = info.URL
	t.title = info.Title
	a.mu.Unlock()
	a.maybeAutoAttach(t.id, info.TargetID, info.URL)
}

func (a *Agent) handleTargetInfoChanged(info cdp.TargetInfo) {
	if info.Type != "page" {
		return
	}
	a.mu.Lock()
	tabID, known := a.byTarget[info.TargetID]
	var (
		connected    bool
		relaySession string
	)
	if known {
		t := a.tabs[tabID]
		t.url = info.URL
		t.title = info.Title
		connected = t.state == tabConnected
		relaySession = t.relaySession
	}
	link := a.link
	a.mu.Unlock()

	if !known {
		tabID = a.ensureTab(info.TargetID, info.URL).id
	}
	if connected {
		if link != nil {
			link.emitEvent("Target.targetInfoChanged", relaySession, cdp.TargetInfoChangedParams{TargetInfo: info})
		}
		return
	}
	a.maybeAutoAttach(tabID, info.TargetID, info.URL)
}

func (a *Agent) handleTargetDestroyed(targetID string) {
	a.mu.Lock()
	tabID, ok := a.byTarget[targetID]
	if !ok {
		a.mu.Unlock()
		return
	}
	t := a.tabs[tabID]
	var relaySession string
	connected := t.state == tabConnected
	if connected {
		relaySession = t.relaySession
		a.clearBindingLocked(t)
	}
	delete(a.byTarget, targetID)
	delete(a.tabs, tabID)
	link := a.link
	a.mu.Unlock()

	// The browser usually announces the detach first; this covers a
	// destroy that arrived without one.
	if connected && link != nil {
		link.emitEvent("Target.detachedFromTarget", "", cdp.DetachedFromTargetParams{
			SessionID: relaySession,
			TargetID:  targetID,
		})
	}
}

// handleBrowserDetach reacts to the browser ending one of our debugger
// sessions (tab closed, DevTools took over).
func (a *Agent) handleBrowserDetach(p cdp.DetachedFromTargetParams) {
	a.mu.Lock()
	if _, ok := a.children[p.SessionID]; ok {
		delete(a.children, p.SessionID)
		link := a.link
		a.mu.Unlock()
		if link != nil {
			link.emitEvent("Target.detachedFromTarget", "", p)
		}
		return
	}
	for _, t := range a.tabs {
		if t.state == tabConnected && t.browserSession == p.SessionID {
			relaySession, targetID := t.relaySession, t.targetID
			a.clearBindingLocked(t)
			link := a.link
			a.mu.Unlock()
			if link != nil {
				link.emitEvent("Target.detachedFromTarget", "", cdp.DetachedFromTargetParams{
					SessionID: relaySession,
					TargetID:  targetID,
				})
			}
			a.logger.Info("browser detached tab", "tab", t.id, "session", relaySession)
			return
		}
	}
	a.mu.Unlock()
}

// maybeAutoAttach attaches tabs whose host matches the whitelist. The
// attach waits for the page to finish loading first, and pending-open
// state is re-checked after the wait so an openAndAttach in flight for
// the same target wins the race.
func (a *Agent) maybeAutoAttach(tabID int, targetID, rawURL string) {
	if a.whitelist == nil {
		return
	}
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return
	}
	if !a.whitelist.Match(u.Hostname()) {
		return
	}

	a.mu.Lock()
	t, ok := a.tabs[tabID]
	busy := !ok || t.state != tabUnattached
	_, pending := a.pendingOpen[targetID]
	ctx := a.runCtx
	a.mu.Unlock()
	if busy || pending || ctx == nil {
		return
	}

	go func() {
		if err := a.waitForTabLoad(ctx, targetID); err != nil {
			a.logger.Debug("auto attach load wait failed", "tab", tabID, "err", err)
			return
		}
		a.mu.Lock()
		t, ok := a.tabs[tabID]
		busy := !ok || t.state != tabUnattached
		_, pending := a.pendingOpen[targetID]
		a.mu.Unlock()
		if busy || pending {
			return
		}
		if _, err := a.attachTab(ctx, tabID, false); err != nil {
			a.logger.Debug("auto attach failed", "tab", tabID, "err", err)
			return
		}
		a.logger.Info("auto attached whitelisted tab", "tab", tabID, "url", rawURL)
	}()
}
