package domain

import "strings"

// DebugTarget describes a browser page exposed by a remote-debugging endpoint.
// It is always replaced as a whole, never merged field by field.
type DebugTarget struct {
	ID                   string `json:"id"`
	Title                string `json:"title"`
	URL                  string `json:"url"`
	Type                 string `json:"type"`
	DevtoolsFrontendURL  string `json:"devtoolsFrontendUrl"`
	WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
}

// internalSchemes are browser-chrome and devtools pages that never get surfaced
var internalSchemes = []string{
	"chrome:",
	"chrome-untrusted:",
	"chrome-extension:",
	"chrome-search:",
	"devtools:",
	"edge:",
	"brave:",
}

// IsInternalURL reports whether u belongs to the browser's own UI
func IsInternalURL(u string) bool {
	lower := strings.ToLower(strings.TrimSpace(u))
	for _, scheme := range internalSchemes {
		if strings.HasPrefix(lower, scheme) {
			return true
		}
	}
	return false
}

// Surfaceable reports whether the target may be shown as the live view
func (t DebugTarget) Surfaceable() bool {
	return t.Type == "page" && !IsInternalURL(t.URL)
}
