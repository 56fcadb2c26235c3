// Package extproto defines the JSON frames exchanged between the relay
// and the extension-side agent over the /extension link.
package extproto

import "encoding/json"

// Relay -> agent methods.
const (
	MethodForwardCommand = "forwardCDPCommand"
	MethodOpenAndAttach  = "openAndAttach"
	MethodPing           = "ping"
)

// Agent -> relay methods.
const (
	MethodForwardEvent = "forwardCDPEvent"
	MethodPong         = "pong"
)

// Message is one frame in either direction. Requests carry ID+Method,
// responses carry ID plus Result or Error, notifications carry Method
// only. A non-empty Error takes precedence over any Result.
type Message struct {
	ID     int64           `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// IsResponse reports whether the frame answers a relay request.
func (m *Message) IsResponse() bool { return m.ID > 0 && m.Method == "" }

// CommandParams is the payload of a forwardCDPCommand request and of a
// forwardCDPEvent notification: a CDP method addressed to (or emitted
// by) a relay session.
type CommandParams struct {
	Method    string          `json:"method"`
	SessionID string          `json:"sessionId,omitempty"`
	Params    json.RawMessage `json:"params,omitempty"`
}

// OpenAndAttachParams asks the agent to open a tab, wait for it to
// load, and attach the debugger.
type OpenAndAttachParams struct {
	URL      string `json:"url"`
	Activate bool   `json:"activate"`
}

// OpenAndAttachResult is the agent's answer to openAndAttach.
type OpenAndAttachResult struct {
	TabID     int    `json:"tabId"`
	SessionID string `json:"sessionId"`
	TargetID  string `json:"targetId"`
	URL       string `json:"url"`
}

// Frame constructors. Marshal errors are impossible for these shapes, so
// the constructors swallow them.

func NewPing() Message { return Message{Method: MethodPing} }

func NewPong() Message { return Message{Method: MethodPong} }

func NewForwardCommand(id int64, method, sessionID string, params json.RawMessage) Message {
	p, _ := json.Marshal(CommandParams{Method: method, SessionID: sessionID, Params: params})
	return Message{ID: id, Method: MethodForwardCommand, Params: p}
}

func NewOpenAndAttach(id int64, url string, activate bool) Message {
	p, _ := json.Marshal(OpenAndAttachParams{URL: url, Activate: activate})
	return Message{ID: id, Method: MethodOpenAndAttach, Params: p}
}

func NewForwardEvent(method, sessionID string, params json.RawMessage) Message {
	p, _ := json.Marshal(CommandParams{Method: method, SessionID: sessionID, Params: params})
	return Message{Method: MethodForwardEvent, Params: p}
}

func NewResult(id int64, result any) Message {
	raw, _ := json.Marshal(result)
	return Message{ID: id, Result: raw}
}

func NewError(id int64, errMsg string) Message {
	return Message{ID: id, Error: errMsg}
}
