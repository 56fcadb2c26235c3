package cdp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

// VersionInfo is the payload a browser serves at /json/version.
type VersionInfo struct {
	Browser              string `json:"Browser"`
	ProtocolVersion      string `json:"Protocol-Version"`
	WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
}

// DiscoverWebSocketURL resolves the browser-level CDP websocket URL from
// a browser's HTTP debug endpoint (e.g. http://127.0.0.1:9222).
func DiscoverWebSocketURL(ctx context.Context, httpBase string) (string, error) {
	base := strings.TrimRight(httpBase, "/")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/json/version", nil)
	if err != nil {
		return "", err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("query %s/json/version: %w", base, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("browser version endpoint returned %d", resp.StatusCode)
	}

	var info VersionInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return "", fmt.Errorf("decode version payload: %w", err)
	}
	if info.WebSocketDebuggerURL == "" {
		return "", fmt.Errorf("browser did not advertise a webSocketDebuggerUrl")
	}
	return info.WebSocketDebuggerURL, nil
}
