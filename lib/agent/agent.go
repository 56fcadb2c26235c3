// Package agent drives a browser's DevTools endpoint on behalf of a
// ChromeBridge relay. It dials the relay's /extension socket, executes
// the forwardCDPCommand/openAndAttach requests the relay sends, and
// streams debugger events from attached tabs back up. One agent serves
// one browser and one relay; both connections are re-established
// together whenever either drops.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	retry "github.com/avast/retry-go/v5"
	"github.com/coder/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/chromebridge/relay/lib/cdp"
	"github.com/chromebridge/relay/lib/whitelist"
)

const (
	maxFrameSize = 100 * 1024 * 1024 // screenshots ride base64-encoded inside JSON

	// The relay's origin gate admits extension origins only; the agent
	// presents a fixed one.
	agentOrigin = "chrome-extension://chromebridge-agent"

	preflightTimeout = 2 * time.Second
	dialTimeout      = 10 * time.Second

	defaultLoadTimeout    = 30 * time.Second
	defaultLoadPollEvery  = 100 * time.Millisecond
	defaultReconnectDelay = 2 * time.Second

	// Runtime.enable is re-issued after a disable; the settle interval
	// lets the browser flush context-destroyed events so the fresh
	// enable replays every live context.
	runtimeEnableSettle = 50 * time.Millisecond

	// Target.createTarget returns before the browser has fully surfaced
	// the new target; attaching immediately races its setup.
	createTargetSettle = 100 * time.Millisecond
)

// Config carries the agent's endpoints and policy knobs. Zero values
// take defaults.
type Config struct {
	RelayURL   string // relay HTTP base, default http://127.0.0.1:18792
	BrowserURL string // browser debug HTTP base, default http://127.0.0.1:9222

	// Whitelist enables auto-attach for page targets whose host matches
	// one of its suffixes. Nil disables the behavior.
	Whitelist *whitelist.List

	LoadTimeout    time.Duration // openAndAttach load wait, default 30s
	LoadPollEvery  time.Duration // openAndAttach poll interval, default 100ms
	ReconnectDelay time.Duration // pause between link sessions, default 2s
}

// Agent owns the browser debugger on behalf of the relay: tab bindings,
// session bookkeeping, and command execution.
type Agent struct {
	logger     *slog.Logger
	relayURL   string
	browserURL string
	whitelist  *whitelist.List

	loadTimeout    time.Duration
	loadPollEvery  time.Duration
	reconnectDelay time.Duration

	// cb-tab-<N> ids are strictly increasing for the life of the
	// process, across relay reconnects.
	sessionSeq atomic.Int64
	tabSeq     atomic.Int64

	mu          sync.Mutex
	runCtx      context.Context
	browser     *cdp.Client
	link        *relayLink
	tabs        map[int]*tab
	byTarget    map[string]int      // browser target id -> tab id
	primary     map[string]int      // relay session id -> tab id
	children    map[string]int      // child debugger session id -> tab id
	pendingOpen map[string]struct{} // target ids mid-openAndAttach; auto-attach skips them
}

// New builds an Agent. The logger is required.
func New(cfg Config, logger *slog.Logger) (*Agent, error) {
	if logger == nil {
		return nil, errors.New("logger is required")
	}
	if cfg.RelayURL == "" {
		cfg.RelayURL = "http://127.0.0.1:18792"
	}
	if cfg.BrowserURL == "" {
		cfg.BrowserURL = "http://127.0.0.1:9222"
	}
	if cfg.LoadTimeout <= 0 {
		cfg.LoadTimeout = defaultLoadTimeout
	}
	if cfg.LoadPollEvery <= 0 {
		cfg.LoadPollEvery = defaultLoadPollEvery
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = defaultReconnectDelay
	}

	return &Agent{
		logger:         logger,
		relayURL:       strings.TrimRight(cfg.RelayURL, "/"),
		browserURL:     strings.TrimRight(cfg.BrowserURL, "/"),
		whitelist:      cfg.Whitelist,
		loadTimeout:    cfg.LoadTimeout,
		loadPollEvery:  cfg.LoadPollEvery,
		reconnectDelay: cfg.ReconnectDelay,
		tabs:           make(map[int]*tab),
		byTarget:       make(map[string]int),
		primary:        make(map[string]int),
		children:       make(map[string]int),
		pendingOpen:    make(map[string]struct{}),
	}, nil
}

// Run serves relay sessions until the context is cancelled. Each
// session dials the browser and the relay, serves until either side
// drops, then tears both down and reconnects.
func (a *Agent) Run(ctx context.Context) error {
	a.mu.Lock()
	a.runCtx = ctx
	a.mu.Unlock()

	for {
		err := a.runSession(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			a.logger.Warn("relay session ended", "err", err)
		}
		select {
		case <-time.After(a.reconnectDelay):
		case <-ctx.Done():
			return nil
		}
	}
}

// runSession connects (retrying until both endpoints answer) and then
// serves until the link or the browser connection closes.
func (a *Agent) runSession(ctx context.Context) error {
	var (
		link    *relayLink
		browser *cdp.Client
	)
	err := retry.New(
		retry.Attempts(0), // until the context ends
		retry.Delay(a.reconnectDelay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
	).Do(func() error {
		var err error
		link, browser, err = a.connect(ctx)
		if err != nil {
			a.logger.Debug("connect attempt failed", "err", err)
		}
		return err
	})
	if err != nil {
		return err
	}
	defer a.reset(link, browser)

	return a.serve(ctx, link, browser)
}

// connect brings up the browser side first so forwarded commands can
// execute the moment the relay learns the extension peer is present.
func (a *Agent) connect(ctx context.Context) (*relayLink, *cdp.Client, error) {
	if err := a.preflight(ctx); err != nil {
		return nil, nil, err
	}

	browserWS, err := cdp.DiscoverWebSocketURL(ctx, a.browserURL)
	if err != nil {
		return nil, nil, fmt.Errorf("discover browser: %w", err)
	}
	browser, err := cdp.Dial(ctx, browserWS, a.logger, a.onBrowserEvent)
	if err != nil {
		return nil, nil, fmt.Errorf("dial browser: %w", err)
	}
	// Discovery notifies targetCreated for every existing target, which
	// seeds the tab table.
	if _, err := browser.Call(ctx, "", "Target.setDiscoverTargets", map[string]bool{"discover": true}); err != nil {
		browser.Close()
		return nil, nil, fmt.Errorf("enable target discovery: %w", err)
	}

	link, err := a.dialRelay(ctx)
	if err != nil {
		browser.Close()
		return nil, nil, err
	}

	a.mu.Lock()
	a.browser = browser
	a.link = link
	a.mu.Unlock()

	a.logger.Info("connected", "relay", a.relayURL, "browser", browserWS)
	return link, browser, nil
}

// preflight checks the relay answers HTTP before dialing the socket, so
// a relay mid-restart fails fast into the retry loop. The deadline is
// advisory; failure just means "not up yet".
func (a *Agent) preflight(ctx context.Context) error {
	reqCtx, cancel := context.WithTimeout(ctx, preflightTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodHead, a.relayURL+"/", nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("relay not reachable: %w", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("relay preflight returned %d", resp.StatusCode)
	}
	return nil
}

func (a *Agent) dialRelay(ctx context.Context) (*relayLink, error) {
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	conn, resp, err := websocket.Dial(dialCtx, relayWSURL(a.relayURL), &websocket.DialOptions{
		HTTPHeader: http.Header{"Origin": []string{agentOrigin}},
	})
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusConflict {
			return nil, errors.New("another extension peer is already connected")
		}
		return nil, fmt.Errorf("dial relay: %w", err)
	}
	conn.SetReadLimit(maxFrameSize)
	return &relayLink{logger: a.logger, conn: conn}, nil
}

// serve pumps the relay link until it closes and watches the browser
// connection alongside; either side dropping ends the session.
func (a *Agent) serve(ctx context.Context, link *relayLink, browser *cdp.Client) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.linkLoop(gctx, link)
	})
	g.Go(func() error {
		select {
		case <-browser.Done():
			return errors.New("browser connection closed")
		case <-gctx.Done():
			return nil
		}
	})
	return g.Wait()
}

// reset tears down one session's state. Closing the browser connection
// detaches every debugger session created through it, so the browser is
// left clean for the next session.
func (a *Agent) reset(link *relayLink, browser *cdp.Client) {
	a.mu.Lock()
	a.link = nil
	a.browser = nil
	a.tabs = make(map[int]*tab)
	a.byTarget = make(map[string]int)
	a.primary = make(map[string]int)
	a.children = make(map[string]int)
	a.pendingOpen = make(map[string]struct{})
	a.mu.Unlock()

	if link != nil {
		_ = link.conn.Close(websocket.StatusNormalClosure, "agent closing")
	}
	if browser != nil {
		browser.Close()
	}
}

// browserCall snapshots the current browser client and unwraps CDP
// errors so the browser's message travels upstream verbatim.
func (a *Agent) browserCall(ctx context.Context, sessionID, method string, params any) (json.RawMessage, error) {
	a.mu.Lock()
	browser := a.browser
	a.mu.Unlock()
	if browser == nil {
		return nil, errors.New("browser not connected")
	}

	if raw, ok := params.(json.RawMessage); ok && len(raw) == 0 {
		params = nil
	}
	res, err := browser.Call(ctx, sessionID, method, params)
	if err != nil {
		var cdpErr *cdp.Error
		if errors.As(err, &cdpErr) {
			return nil, errors.New(cdpErr.Message)
		}
		return nil, err
	}
	return res, nil
}

func (a *Agent) currentLink() *relayLink {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.link
}

func relayWSURL(base string) string {
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + "/extension"
}

func rawJSON(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		// Only reachable with unmarshalable inputs, which these
		// call sites never produce.
		return nil
	}
	return data
}
