package live

import (
	"context"
	"fmt"
	"strings"
)

const (
	CodeValidation         = "VALIDATION"
	CodeTabNotFound        = "TAB_NOT_FOUND"
	CodeCDPUnavailable     = "CDP_UNAVAILABLE"
	CodeUnsupported        = "UNSUPPORTED"
	CodeCheckpointNotFound = "CHECKPOINT_NOT_FOUND"
)

// CodedError is a typed error used for stable API mapping.
type CodedError struct {
	Code    string
	Message string
	Cause   error
}

func (e *CodedError) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
}

func (e *CodedError) Unwrap() error { return e.Cause }

// NewError builds a CodedError.
func NewError(code, msg string, cause error) error {
	return &CodedError{Code: code, Message: msg, Cause: cause}
}

// Tab is a live browser tab as reported by the host. ID changes on every
// browser restart.
type Tab struct {
	ID        string `json:"id"`
	WindowID  string `json:"window_id"`
	Index     int    `json:"index"`
	URL       string `json:"url"`
	Title     string `json:"title,omitempty"`
	Pinned    bool   `json:"pinned,omitempty"`
	Incognito bool   `json:"incognito,omitempty"`
	Active    bool   `json:"active,omitempty"`
}

// Window is a live browser window with its tabs in strip order.
type Window struct {
	ID      string   `json:"id"`
	Focused bool     `json:"focused,omitempty"`
	TabIDs  []string `json:"tab_ids"`
}

// Detail is what the in-page agent reports back for a tab.
type Detail struct {
	Referrer      string `json:"referrer"`
	HistoryLength int    `json:"historyLength"`
	SessionGUID   string `json:"sessionGuid,omitempty"`
}

// DetailHandler receives asynchronous detail responses.
type DetailHandler func(tabID string, d Detail)

// Provider is the live-session collaborator.
type Provider interface {
	// Tabs enumerates every live tab, optionally limited to one window.
	Tabs(ctx context.Context, windowID string) ([]Tab, error)
	Tab(ctx context.Context, id string) (Tab, error)
	Windows(ctx context.Context) ([]Window, error)
	// RequestDetail asks the tab's in-page agent for extra detail. It returns
	// false when no channel to the tab exists yet; the caller retries later.
	// A true result means the response, if any, arrives through the
	// DetailHandler.
	RequestDetail(ctx context.Context, id string) bool
	MoveTab(ctx context.Context, id, windowID string, index int) error
}

var unscriptablePrefixes = []string{
	"chrome://",
	"chrome-extension://",
	"chrome-search://",
	"chrome-devtools://",
	"devtools://",
	"edge://",
	"about:",
	"view-source:",
	"data:",
	"javascript:",
	"https://chrome.google.com/webstore",
	"https://chromewebstore.google.com/",
}

// Scriptable reports whether a page at url can host the detail agent.
func Scriptable(url string) bool {
	lower := strings.ToLower(url)
	if lower == "" {
		return false
	}
	for _, p := range unscriptablePrefixes {
		if strings.HasPrefix(lower, p) {
			return false
		}
	}
	return true
}
