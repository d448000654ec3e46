package live

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/chromedp/cdproto/target"
	"github.com/google/uuid"
)

// TopologyEvent reports a tab appearing, disappearing or navigating.
type TopologyEvent struct {
	Kind  string `json:"kind"`
	TabID string `json:"tab_id"`
	URL   string `json:"url,omitempty"`
}

const (
	TopologyCreated   = "created"
	TopologyDestroyed = "destroyed"
	TopologyChanged   = "changed"
)

// Client is the CDP-backed Provider.
type Client struct {
	cdpURL      string
	evalTimeout time.Duration

	mu       sync.Mutex
	cdp      *rawCDP
	chrome   *browserConn
	sessions *SessionRegistry
	onDetail DetailHandler
	onChange func(TopologyEvent)
	unsubs   []func()
}

var _ Provider = (*Client)(nil)

func NewClient(cdpURL string, evalTimeout time.Duration) *Client {
	return &Client{
		cdpURL:      cdpURL,
		evalTimeout: evalTimeout,
		sessions:    NewSessionRegistry(),
	}
}

// OnDetail installs the handler for asynchronous detail responses.
func (c *Client) OnDetail(h DetailHandler) {
	c.mu.Lock()
	c.onDetail = h
	c.mu.Unlock()
}

// OnTopologyChange installs the handler for target lifecycle events.
func (c *Client) OnTopologyChange(fn func(TopologyEvent)) {
	c.mu.Lock()
	c.onChange = fn
	c.mu.Unlock()
}

func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cdpURL == "" {
		return NewError(CodeCDPUnavailable, "missing CDP URL", nil)
	}
	slog.Info("live connect start", "cdp_url", c.cdpURL)
	c.cleanupLocked()

	r := newRawCDP(c.cdpURL)
	if err := r.connect(ctx); err != nil {
		return NewError(CodeCDPUnavailable, "connect to CDP failed", err)
	}
	if err := r.setDiscoverTargets(ctx); err != nil {
		r.close()
		return NewError(CodeCDPUnavailable, "enable target discovery failed", err)
	}
	bc, err := dialBrowser(ctx, r.wsURL)
	if err != nil {
		r.close()
		return NewError(CodeCDPUnavailable, "browser connection failed", err)
	}
	info, err := bc.probe(ctx)
	if err != nil {
		bc.close()
		r.close()
		return NewError(CodeCDPUnavailable, "browser probe failed", err)
	}
	c.cdp = r
	c.chrome = bc
	c.unsubs = []func(){
		r.registerEventHandler("Target.targetCreated", c.handleTargetCreated),
		r.registerEventHandler("Target.targetDestroyed", c.handleTargetDestroyed),
		r.registerEventHandler("Target.targetInfoChanged", c.handleTargetInfoChanged),
		r.registerEventHandler("Target.detachedFromTarget", c.handleDetached),
	}
	slog.Info("live connect ok", "product", info.Product, "pages", info.Pages)
	return nil
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cleanupLocked()
	return nil
}

func (c *Client) cleanupLocked() {
	for _, unsub := range c.unsubs {
		unsub()
	}
	c.unsubs = nil
	if c.chrome != nil {
		c.chrome.close()
		c.chrome = nil
	}
	if c.cdp == nil {
		return
	}
	for id, sessionID := range c.sessions.Drain() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		if err := c.cdp.detachFromTarget(ctx, sessionID); err != nil {
			slog.Debug("live detach cleanup failed", "target_id", id, "error", err)
		}
		cancel()
	}
	c.cdp.close()
	c.cdp = nil
}

func (c *Client) conn() (*rawCDP, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cdp == nil {
		return nil, NewError(CodeCDPUnavailable, "not connected", nil)
	}
	return c.cdp, nil
}

func (c *Client) chromeConn() (*browserConn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.chrome == nil {
		return nil, NewError(CodeCDPUnavailable, "not connected", nil)
	}
	return c.chrome, nil
}

// Tabs enumerates page targets. The strip index is the target's offset among
// its window's pages in Target.getTargets order; pinned state is not exposed
// over CDP and is always false.
func (c *Client) Tabs(ctx context.Context, windowID string) ([]Tab, error) {
	bc, err := c.chromeConn()
	if err != nil {
		return nil, err
	}
	infos, err := bc.targets(ctx)
	if err != nil {
		return nil, NewError(CodeCDPUnavailable, "list targets failed", err)
	}
	incognito, err := bc.incognitoContexts(ctx)
	if err != nil {
		slog.Debug("live incognito context lookup failed", "error", err)
	}

	counts := make(map[string]int)
	tabs := make([]Tab, 0, len(infos))
	for _, info := range infos {
		if info == nil || info.Type != "page" {
			continue
		}
		wid, err := bc.windowForTarget(ctx, info.TargetID)
		if err != nil {
			slog.Debug("live window lookup failed", "target_id", info.TargetID, "error", err)
			continue
		}
		w := strconv.FormatInt(int64(wid), 10)
		tab := Tab{
			ID:        string(info.TargetID),
			WindowID:  w,
			Index:     counts[w],
			URL:       info.URL,
			Title:     info.Title,
			Incognito: incognito[info.BrowserContextID],
		}
		counts[w]++
		if windowID != "" && w != windowID {
			continue
		}
		tabs = append(tabs, tab)
	}
	return tabs, nil
}

func (c *Client) Tab(ctx context.Context, id string) (Tab, error) {
	tabs, err := c.Tabs(ctx, "")
	if err != nil {
		return Tab{}, err
	}
	for _, t := range tabs {
		if t.ID == id {
			return t, nil
		}
	}
	return Tab{}, NewError(CodeTabNotFound, "tab "+id+" not found", nil)
}

func (c *Client) Windows(ctx context.Context) ([]Window, error) {
	tabs, err := c.Tabs(ctx, "")
	if err != nil {
		return nil, err
	}
	return GroupWindows(tabs), nil
}

// GroupWindows folds tabs into windows ordered by window id, tabs by index.
func GroupWindows(tabs []Tab) []Window {
	byID := make(map[string]*Window)
	var order []string
	sorted := append([]Tab(nil), tabs...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Index < sorted[j].Index })
	for _, t := range sorted {
		w, ok := byID[t.WindowID]
		if !ok {
			w = &Window{ID: t.WindowID}
			byID[t.WindowID] = w
			order = append(order, t.WindowID)
		}
		w.TabIDs = append(w.TabIDs, t.ID)
		if t.Active {
			w.Focused = true
		}
	}
	sort.Strings(order)
	out := make([]Window, 0, len(order))
	for _, id := range order {
		out = append(out, *byID[id])
	}
	return out
}

func (c *Client) RequestDetail(ctx context.Context, id string) bool {
	_ = ctx
	r, err := c.conn()
	if err != nil {
		return false
	}
	tid := target.ID(id)
	sessionID, ok := c.sessions.Session(tid)
	if !ok {
		if c.sessions.BeginAttach(tid) {
			go c.attach(r, tid)
		}
		return false
	}
	go c.fetchDetail(r, tid, sessionID)
	return true
}

// MoveTab is not available over CDP; the tab strip cannot be reordered.
func (c *Client) MoveTab(ctx context.Context, id, windowID string, index int) error {
	return NewError(CodeUnsupported, "CDP cannot reorder tabs", nil)
}

func (c *Client) attach(r *rawCDP, id target.ID) {
	ctx, cancel := context.WithTimeout(context.Background(), c.evalTimeout)
	defer cancel()
	sessionID, err := r.attachToTarget(ctx, id)
	if err != nil {
		c.sessions.AbortAttach(id)
		slog.Debug("live attach failed", "target_id", id, "error", err)
		return
	}
	c.sessions.Register(id, sessionID)
	slog.Debug("live attached", "target_id", id, "session_id", sessionID)
}

func (c *Client) fetchDetail(r *rawCDP, id target.ID, sessionID string) {
	ctx, cancel := context.WithTimeout(context.Background(), c.evalTimeout)
	defer cancel()
	out, err := r.evaluate(ctx, sessionID, detailScript(uuid.NewString()))
	if err != nil {
		c.sessions.Remove(id)
		slog.Debug("live detail query failed", "target_id", id, "error", err)
		return
	}
	var d Detail
	if err := json.Unmarshal([]byte(out), &d); err != nil {
		slog.Debug("live detail decode failed", "target_id", id, "error", err)
		return
	}
	c.mu.Lock()
	h := c.onDetail
	c.mu.Unlock()
	if h != nil {
		h(string(id), d)
	}
}

// detailScript reports referrer, history length and a per-tab GUID kept in
// sessionStorage, which survives reloads and session restore.
func detailScript(fallbackGUID string) string {
	return `(() => {
  const key = '__sidewise_guid';
  let guid = '';
  try {
    guid = sessionStorage.getItem(key) || '';
    if (!guid) {
      guid = ` + strconv.Quote(fallbackGUID) + `;
      sessionStorage.setItem(key, guid);
    }
  } catch (e) {}
  return JSON.stringify({referrer: document.referrer, historyLength: history.length, sessionGuid: guid});
})()`
}

func (c *Client) notify(ev TopologyEvent) {
	c.mu.Lock()
	fn := c.onChange
	c.mu.Unlock()
	if fn != nil {
		fn(ev)
	}
}

func (c *Client) handleTargetCreated(_ string, params json.RawMessage) {
	var ev target.EventTargetCreated
	if err := json.Unmarshal(params, &ev); err != nil || ev.TargetInfo == nil || ev.TargetInfo.Type != "page" {
		return
	}
	c.notify(TopologyEvent{Kind: TopologyCreated, TabID: string(ev.TargetInfo.TargetID), URL: ev.TargetInfo.URL})
}

func (c *Client) handleTargetDestroyed(_ string, params json.RawMessage) {
	var ev target.EventTargetDestroyed
	if err := json.Unmarshal(params, &ev); err != nil {
		return
	}
	c.sessions.Remove(ev.TargetID)
	c.notify(TopologyEvent{Kind: TopologyDestroyed, TabID: string(ev.TargetID)})
}

func (c *Client) handleTargetInfoChanged(_ string, params json.RawMessage) {
	var ev target.EventTargetInfoChanged
	if err := json.Unmarshal(params, &ev); err != nil || ev.TargetInfo == nil || ev.TargetInfo.Type != "page" {
		return
	}
	c.notify(TopologyEvent{Kind: TopologyChanged, TabID: string(ev.TargetInfo.TargetID), URL: ev.TargetInfo.URL})
}

func (c *Client) handleDetached(_ string, params json.RawMessage) {
	var ev struct {
		TargetID target.ID `json:"targetId"`
	}
	if err := json.Unmarshal(params, &ev); err != nil || ev.TargetID == "" {
		return
	}
	c.sessions.Remove(ev.TargetID)
}
