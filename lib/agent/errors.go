package agent

import "errors"

// Wire-visible error strings the agent reports back over the relay
// link. Changing them breaks callers that match on the text.
var (
	errNoAttachedTab    = errors.New("No attached tab")
	errAttachInProgress = errors.New("attach already in progress")
	errNoTargetID       = errors.New("no target id for tab")
	errLoadTimeout      = errors.New("tab load timeout")
	errURLRequired      = errors.New("url required")
	errSchemeNotAllowed = errors.New("Only http and https URLs are allowed")
)
