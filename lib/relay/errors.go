package relay

import "errors"

// Wire-visible error messages. CDP clients receive these inside
// {error:{message}} frames; the HTTP surface reuses them in error JSON.
// Changing them breaks orchestrators that match on the text.
var (
	errNoExtension       = errors.New("Extension not connected")
	errUpstreamTimeout   = errors.New("extension request timeout")
	errExtensionGone     = errors.New("extension disconnected")
	errTargetNotFound    = errors.New("target not found")
	errTargetIDRequired  = errors.New("targetId required")
	errURLRequired       = errors.New("url required")
	errSchemeNotAllowed  = errors.New("Only http and https URLs are allowed")
	errRelayShuttingDown = errors.New("relay shutting down")
)
