// Package cdp carries the Chrome DevTools Protocol frame types shared by
// the relay and the agent, plus a websocket client for talking to a
// browser's own CDP endpoint.
package cdp

import "encoding/json"

// Message is a single CDP frame. Exactly one of the three shapes is
// populated: command (ID+Method), response (ID+Result|Error), event
// (Method, no ID).
type Message struct {
	ID        int64           `json:"id,omitempty"`
	Method    string          `json:"method,omitempty"`
	Params    json.RawMessage `json:"params,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     *Error          `json:"error,omitempty"`
	SessionID string          `json:"sessionId,omitempty"`
}

// Error is the error object carried on a CDP response. It implements
// error so callers can recover the browser's message verbatim with
// errors.As.
type Error struct {
	Code    int    `json:"code,omitempty"`
	Message string `json:"message"`
}

func (e *Error) Error() string { return e.Message }

// IsResponse reports whether the frame answers a command.
func (m *Message) IsResponse() bool { return m.ID != 0 && m.Method == "" }

// IsEvent reports whether the frame is an unsolicited notification.
func (m *Message) IsEvent() bool { return m.ID == 0 && m.Method != "" }

// TargetInfo mirrors the CDP Target.TargetInfo structure for the fields
// the relay tracks.
type TargetInfo struct {
	TargetID         string `json:"targetId"`
	Type             string `json:"type"`
	Title            string `json:"title"`
	URL              string `json:"url"`
	Attached         bool   `json:"attached"`
	BrowserContextID string `json:"browserContextId,omitempty"`
}

// Target domain event payloads the relay and agent care about.

type AttachedToTargetParams struct {
	SessionID          string     `json:"sessionId"`
	TargetInfo         TargetInfo `json:"targetInfo"`
	WaitingForDebugger bool       `json:"waitingForDebugger"`
}

type DetachedFromTargetParams struct {
	SessionID string `json:"sessionId"`
	TargetID  string `json:"targetId,omitempty"`
}

type TargetInfoChangedParams struct {
	TargetInfo TargetInfo `json:"targetInfo"`
}

type TargetCreatedParams struct {
	TargetInfo TargetInfo `json:"targetInfo"`
}

type TargetDestroyedParams struct {
	TargetID string `json:"targetId"`
}
