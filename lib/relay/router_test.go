package relay

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/chromebridge/relay/lib/cdp"
)

func TestBrowserGetVersionServedLocally(t *testing.T) {
	_, ts := newTestRelay(t, Config{})
	ext := dialExtension(t, ts)
	client := dialCdp(t, ts)

	resp := client.call("Browser.getVersion", "", nil)
	require.Nil(t, resp.Error)

	var result struct {
		ProtocolVersion string `json:"protocolVersion"`
		Product         string `json:"product"`
	}
	require.NoError(t, json.Unmarshal(resp.Result, &result))
	require.Equal(t, "1.3", result.ProtocolVersion)
	require.Equal(t, "Chrome/ChromeBridge-Relay", result.Product)

	// Never forwarded.
	require.Empty(t, ext.recordedCommands())
}

func TestBrowserSetDownloadBehaviorServedLocally(t *testing.T) {
	_, ts := newTestRelay(t, Config{})
	ext := dialExtension(t, ts)
	client := dialCdp(t, ts)

	resp := client.call("Browser.setDownloadBehavior", "", map[string]string{"behavior": "deny"})
	require.Nil(t, resp.Error)
	require.JSONEq(t, "{}", string(resp.Result))
	require.Empty(t, ext.recordedCommands())
}

func TestForwardedCommandRoundTrip(t *testing.T) {
	_, ts := newTestRelay(t, Config{})
	ext := dialExtension(t, ts)
	ext.setHandler(func(string, string, json.RawMessage) (any, string, bool) {
		return map[string]string{"frameId": "F1"}, "", true
	})
	client := dialCdp(t, ts)

	resp := client.call("Page.navigate", "cb-tab-1", map[string]string{"url": "https://example.com"})
	require.Nil(t, resp.Error)
	require.Equal(t, "cb-tab-1", resp.SessionID)
	require.JSONEq(t, `{"frameId":"F1"}`, string(resp.Result))

	// Method, session, and params reach the extension verbatim.
	cmds := ext.recordedCommands()
	require.Len(t, cmds, 1)
	require.Equal(t, "Page.navigate", cmds[0].Method)
	require.Equal(t, "cb-tab-1", cmds[0].SessionID)
	require.JSONEq(t, `{"url":"https://example.com"}`, string(cmds[0].Params))

	// A second forward gets a strictly larger extension-link id.
	resp = client.call("Page.reload", "cb-tab-1", nil)
	require.Nil(t, resp.Error)

	ids := ext.recordedIDs()
	require.Len(t, ids, 2)
	require.Greater(t, ids[1], ids[0])
}

func TestForwardedErrorPropagated(t *testing.T) {
	_, ts := newTestRelay(t, Config{})
	ext := dialExtension(t, ts)
	ext.setHandler(func(string, string, json.RawMessage) (any, string, bool) {
		return nil, "Cannot find context with specified id", true
	})
	client := dialCdp(t, ts)

	resp := client.call("Runtime.evaluate", "cb-tab-1", map[string]string{"expression": "1"})
	require.NotNil(t, resp.Error)
	require.Equal(t, "Cannot find context with specified id", resp.Error.Message)
}

func TestForwardTimeout(t *testing.T) {
	_, ts := newTestRelay(t, Config{ForwardTimeout: 100 * time.Millisecond})
	ext := dialExtension(t, ts)
	ext.setHandler(func(string, string, json.RawMessage) (any, string, bool) {
		return nil, "", false // never answer
	})
	client := dialCdp(t, ts)

	resp := client.call("Page.navigate", "", map[string]string{"url": "https://example.com"})
	require.NotNil(t, resp.Error)
	require.Equal(t, "extension request timeout", resp.Error.Message)
}

func TestCommandsDispatchConcurrently(t *testing.T) {
	_, ts := newTestRelay(t, Config{})
	ext := dialExtension(t, ts)
	block := make(chan struct{})
	ext.setHandler(func(method, _ string, _ json.RawMessage) (any, string, bool) {
		if method == "Page.slow" {
			<-block
		}
		return map[string]any{}, "", true
	})
	client := dialCdp(t, ts)

	slowID := client.send("Page.slow", "", nil)
	// The slow in-flight forward must not delay a local command.
	fast := client.call("Browser.getVersion", "", nil)
	require.Nil(t, fast.Error)

	close(block)
	slow := client.expectResponse(slowID)
	require.Nil(t, slow.Error)
}

func TestSetAutoAttachReplaysInAttachOrder(t *testing.T) {
	srv, ts := newTestRelay(t, Config{})
	ext := dialExtension(t, ts)
	ext.attachTarget("cb-tab-1", "T1", "https://one.example")
	ext.attachTarget("cb-tab-2", "T2", "https://two.example")
	waitForCondition(t, 5*time.Second, func() bool { return len(srv.Targets()) == 2 })

	client := dialCdp(t, ts)
	id := client.send("Target.setAutoAttach", "", map[string]any{
		"autoAttach":             true,
		"waitForDebuggerOnStart": false,
		"flatten":                true,
	})

	// Response settles before the replayed events arrive.
	first := client.nextFrame()
	require.Equal(t, id, first.ID)
	require.Nil(t, first.Error)

	for i, want := range []struct{ session, target string }{
		{"cb-tab-1", "T1"},
		{"cb-tab-2", "T2"},
	} {
		ev := client.nextFrame()
		require.Equal(t, "Target.attachedToTarget", ev.Method, "event %d", i)
		var p cdp.AttachedToTargetParams
		require.NoError(t, json.Unmarshal(ev.Params, &p))
		require.Equal(t, want.session, p.SessionID)
		require.Equal(t, want.target, p.TargetInfo.TargetID)
		require.True(t, p.TargetInfo.Attached)
		require.False(t, p.WaitingForDebugger)
	}
}

func TestSetAutoAttachWithSessionDoesNotReplay(t *testing.T) {
	srv, ts := newTestRelay(t, Config{})
	ext := dialExtension(t, ts)
	ext.attachTarget("cb-tab-1", "T1", "https://one.example")
	waitForCondition(t, 5*time.Second, func() bool { return len(srv.Targets()) == 1 })

	client := dialCdp(t, ts)
	// Drain the live attach broadcast if this client connected in time to
	// see it; none is expected here since attach happened before connect.
	id := client.send("Target.setAutoAttach", "cb-tab-1", map[string]any{"autoAttach": true})
	resp := client.nextFrame()
	require.Equal(t, id, resp.ID)

	// Immediately probing proves no replay frames were queued in between.
	probeID := client.send("Browser.getVersion", "", nil)
	probe := client.nextFrame()
	require.Equal(t, probeID, probe.ID)
}

func TestSetDiscoverTargetsReplay(t *testing.T) {
	srv, ts := newTestRelay(t, Config{})
	ext := dialExtension(t, ts)
	ext.attachTarget("cb-tab-1", "T1", "https://one.example")
	waitForCondition(t, 5*time.Second, func() bool { return len(srv.Targets()) == 1 })

	client := dialCdp(t, ts)

	// discover:false replays nothing.
	id := client.send("Target.setDiscoverTargets", "", map[string]bool{"discover": false})
	resp := client.nextFrame()
	require.Equal(t, id, resp.ID)
	probeID := client.send("Browser.getVersion", "", nil)
	probe := client.nextFrame()
	require.Equal(t, probeID, probe.ID)

	// discover:true replays one targetCreated per registry entry.
	id = client.send("Target.setDiscoverTargets", "", map[string]bool{"discover": true})
	resp = client.nextFrame()
	require.Equal(t, id, resp.ID)
	require.Nil(t, resp.Error)

	ev := client.nextFrame()
	require.Equal(t, "Target.targetCreated", ev.Method)
	var p cdp.TargetCreatedParams
	require.NoError(t, json.Unmarshal(ev.Params, &p))
	require.Equal(t, "T1", p.TargetInfo.TargetID)
}

func TestReplayGoesOnlyToOriginatingClient(t *testing.T) {
	srv, ts := newTestRelay(t, Config{})
	ext := dialExtension(t, ts)
	ext.attachTarget("cb-tab-1", "T1", "https://one.example")
	waitForCondition(t, 5*time.Second, func() bool { return len(srv.Targets()) == 1 })

	caller := dialCdp(t, ts)
	bystander := dialCdp(t, ts)

	resp := caller.call("Target.setAutoAttach", "", map[string]any{"autoAttach": true})
	require.Nil(t, resp.Error)
	caller.expectEvent("Target.attachedToTarget")

	// The bystander's next frame is its own probe response, not a replay.
	probeID := bystander.send("Browser.getVersion", "", nil)
	probe := bystander.nextFrame()
	require.Equal(t, probeID, probe.ID)
}

func TestGetTargets(t *testing.T) {
	srv, ts := newTestRelay(t, Config{})
	ext := dialExtension(t, ts)
	ext.attachTarget("cb-tab-1", "T1", "https://one.example")
	ext.attachTarget("cb-tab-2", "T2", "https://two.example")
	waitForCondition(t, 5*time.Second, func() bool { return len(srv.Targets()) == 2 })

	client := dialCdp(t, ts)
	resp := client.call("Target.getTargets", "", nil)
	require.Nil(t, resp.Error)

	var result struct {
		TargetInfos []cdp.TargetInfo `json:"targetInfos"`
	}
	require.NoError(t, json.Unmarshal(resp.Result, &result))
	require.Len(t, result.TargetInfos, 2)
	require.Equal(t, "T1", result.TargetInfos[0].TargetID)
	require.Equal(t, "T2", result.TargetInfos[1].TargetID)
	for _, info := range result.TargetInfos {
		require.True(t, info.Attached)
		require.Equal(t, "page", info.Type)
	}
}

func TestGetTargetInfoResolutionOrder(t *testing.T) {
	srv, ts := newTestRelay(t, Config{})
	ext := dialExtension(t, ts)
	ext.attachTarget("cb-tab-1", "T1", "https://one.example")
	ext.attachTarget("cb-tab-2", "T2", "https://two.example")
	waitForCondition(t, 5*time.Second, func() bool { return len(srv.Targets()) == 2 })

	client := dialCdp(t, ts)

	targetOf := func(resp cdp.Message) string {
		t.Helper()
		require.Nil(t, resp.Error)
		var result struct {
			TargetInfo cdp.TargetInfo `json:"targetInfo"`
		}
		require.NoError(t, json.Unmarshal(resp.Result, &result))
		return result.TargetInfo.TargetID
	}

	// Explicit targetId wins.
	require.Equal(t, "T2", targetOf(client.call("Target.getTargetInfo", "cb-tab-1", map[string]string{"targetId": "T2"})))
	// Then the command's session.
	require.Equal(t, "T2", targetOf(client.call("Target.getTargetInfo", "cb-tab-2", nil)))
	// Unknown targetId falls back to the session.
	require.Equal(t, "T2", targetOf(client.call("Target.getTargetInfo", "cb-tab-2", map[string]string{"targetId": "nope"})))
	// Then the oldest attached target.
	require.Equal(t, "T1", targetOf(client.call("Target.getTargetInfo", "", nil)))
}

func TestGetTargetInfoEmptyRegistry(t *testing.T) {
	_, ts := newTestRelay(t, Config{})
	dialExtension(t, ts)
	client := dialCdp(t, ts)

	resp := client.call("Target.getTargetInfo", "", nil)
	require.NotNil(t, resp.Error)
	require.Equal(t, "target not found", resp.Error.Message)
}

func TestAttachToTarget(t *testing.T) {
	srv, ts := newTestRelay(t, Config{})
	ext := dialExtension(t, ts)
	ext.attachTarget("cb-tab-1", "T1", "https://one.example")
	waitForCondition(t, 5*time.Second, func() bool { return len(srv.Targets()) == 1 })

	client := dialCdp(t, ts)
	bystander := dialCdp(t, ts)

	id := client.send("Target.attachToTarget", "", map[string]any{"targetId": "T1", "flatten": true})
	resp := client.nextFrame()
	require.Equal(t, id, resp.ID)
	require.Nil(t, resp.Error)
	require.JSONEq(t, `{"sessionId":"cb-tab-1"}`, string(resp.Result))

	// Scoped attach event follows the response, to this client only.
	ev := client.nextFrame()
	require.Equal(t, "Target.attachedToTarget", ev.Method)
	var p cdp.AttachedToTargetParams
	require.NoError(t, json.Unmarshal(ev.Params, &p))
	require.Equal(t, "cb-tab-1", p.SessionID)

	probeID := bystander.send("Browser.getVersion", "", nil)
	probe := bystander.nextFrame()
	require.Equal(t, probeID, probe.ID)

	// No extension round-trip happened for any of this.
	require.Empty(t, ext.recordedCommands())
}

func TestAttachToTargetErrors(t *testing.T) {
	_, ts := newTestRelay(t, Config{})
	dialExtension(t, ts)
	client := dialCdp(t, ts)

	resp := client.call("Target.attachToTarget", "", map[string]string{"targetId": "missing"})
	require.NotNil(t, resp.Error)
	require.Equal(t, "target not found", resp.Error.Message)

	resp = client.call("Target.attachToTarget", "", map[string]bool{"flatten": true})
	require.NotNil(t, resp.Error)
	require.Equal(t, "targetId required", resp.Error.Message)
}

func TestSessionSwapEmitsSyntheticDetach(t *testing.T) {
	srv, ts := newTestRelay(t, Config{})
	ext := dialExtension(t, ts)
	client := dialCdp(t, ts)

	ext.attachTarget("cb-tab-1", "T1", "https://one.example")
	first := client.expectEvent("Target.attachedToTarget")
	var attach cdp.AttachedToTargetParams
	require.NoError(t, json.Unmarshal(first.Params, &attach))
	require.Equal(t, "T1", attach.TargetInfo.TargetID)

	// Same session reappears with a different target id.
	ext.attachTarget("cb-tab-1", "T2", "https://two.example")

	detach := client.expectEvent("Target.detachedFromTarget")
	var dp cdp.DetachedFromTargetParams
	require.NoError(t, json.Unmarshal(detach.Params, &dp))
	require.Equal(t, "cb-tab-1", dp.SessionID)
	require.Equal(t, "T1", dp.TargetID)

	second := client.expectEvent("Target.attachedToTarget")
	require.NoError(t, json.Unmarshal(second.Params, &attach))
	require.Equal(t, "T2", attach.TargetInfo.TargetID)

	targets := srv.Targets()
	require.Len(t, targets, 1)
	require.Equal(t, "T2", targets[0].TargetID)
}

func TestTargetInfoChangedMergesRegistry(t *testing.T) {
	srv, ts := newTestRelay(t, Config{})
	ext := dialExtension(t, ts)
	client := dialCdp(t, ts)

	ext.attachTarget("cb-tab-1", "T1", "https://one.example")
	client.expectEvent("Target.attachedToTarget")

	ext.emitEvent("Target.targetInfoChanged", "cb-tab-1", cdp.TargetInfoChangedParams{
		TargetInfo: cdp.TargetInfo{
			TargetID: "T1",
			Type:     "page",
			Title:    "After navigation",
			URL:      "https://one.example/next",
			Attached: true,
		},
	})

	ev := client.expectEvent("Target.targetInfoChanged")
	require.Equal(t, "cb-tab-1", ev.SessionID)

	waitForCondition(t, 5*time.Second, func() bool {
		targets := srv.Targets()
		return len(targets) == 1 && targets[0].TargetInfo.Title == "After navigation"
	})
	require.Equal(t, "https://one.example/next", srv.Targets()[0].TargetInfo.URL)
}

func TestDetachedFromTargetRemovesAndPropagates(t *testing.T) {
	srv, ts := newTestRelay(t, Config{})
	ext := dialExtension(t, ts)
	client := dialCdp(t, ts)

	ext.attachTarget("cb-tab-1", "T1", "https://one.example")
	client.expectEvent("Target.attachedToTarget")

	ext.emitEvent("Target.detachedFromTarget", "", cdp.DetachedFromTargetParams{
		SessionID: "cb-tab-1",
		TargetID:  "T1",
	})

	ev := client.expectEvent("Target.detachedFromTarget")
	var p cdp.DetachedFromTargetParams
	require.NoError(t, json.Unmarshal(ev.Params, &p))
	require.Equal(t, "cb-tab-1", p.SessionID)

	waitForCondition(t, 5*time.Second, func() bool { return len(srv.Targets()) == 0 })
}

func TestNonPageTargetsIgnored(t *testing.T) {
	srv, ts := newTestRelay(t, Config{})
	ext := dialExtension(t, ts)
	client := dialCdp(t, ts)

	ext.emitEvent("Target.attachedToTarget", "", cdp.AttachedToTargetParams{
		SessionID:  "worker-session",
		TargetInfo: cdp.TargetInfo{TargetID: "W1", Type: "service_worker", URL: "https://one.example/sw.js"},
	})
	// A page attach right after proves the worker was neither stored nor
	// broadcast: the first attach event the client sees is the page.
	ext.attachTarget("cb-tab-1", "T1", "https://one.example")

	ev := client.expectEvent("Target.attachedToTarget")
	var p cdp.AttachedToTargetParams
	require.NoError(t, json.Unmarshal(ev.Params, &p))
	require.Equal(t, "T1", p.TargetInfo.TargetID)

	targets := srv.Targets()
	require.Len(t, targets, 1)
	require.Equal(t, "T1", targets[0].TargetID)
}

func TestEventsBroadcastToAllClients(t *testing.T) {
	_, ts := newTestRelay(t, Config{})
	ext := dialExtension(t, ts)

	a := dialCdp(t, ts)
	b := dialCdp(t, ts)

	ext.emitEvent("Page.frameNavigated", "cb-tab-1", map[string]any{
		"frame": map[string]string{"id": "F1", "url": "https://one.example"},
	})

	for _, client := range []*cdpTestClient{a, b} {
		ev := client.expectEvent("Page.frameNavigated")
		require.Equal(t, "cb-tab-1", ev.SessionID)
		require.Contains(t, string(ev.Params), "F1")
	}
}
