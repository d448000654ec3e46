package engine

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"strconv"

	"github.com/makfc/sidewise/internal/live"
	"github.com/makfc/sidewise/internal/loop"
	"github.com/makfc/sidewise/internal/match"
	"github.com/makfc/sidewise/internal/tree"
)

// Run is one association run over the live tabs that were unbound when it
// started.
type Run struct {
	ID       int      `json:"id"`
	Total    int      `json:"total"`
	Resolved int      `json:"resolved"`
	Pending  []string `json:"pending"`
}

type detailRequest struct {
	runID        int
	metadataOnly bool
}

// Coordinator drives association runs. Only one run is active at a time.
type Coordinator struct {
	e        *Engine
	stubborn *StubbornTracker

	runs      map[int]*Run
	active    int
	nextRunID int
	requested map[string]detailRequest
}

func newCoordinator(e *Engine, stubborn *StubbornTracker) *Coordinator {
	return &Coordinator{
		e:         e,
		stubborn:  stubborn,
		runs:      make(map[int]*Run),
		requested: make(map[string]detailRequest),
	}
}

func (c *Coordinator) Stubborn() *StubbornTracker { return c.stubborn }

// Active reports the number of runs in progress, 0 or 1.
func (c *Coordinator) Active() int { return c.active }

// Runs returns copies of the active runs.
func (c *Coordinator) Runs() []Run {
	out := make([]Run, 0, len(c.runs))
	for _, r := range c.runs {
		cp := *r
		cp.Pending = slices.Clone(r.Pending)
		out = append(out, cp)
	}
	slices.SortFunc(out, func(a, b Run) int { return a.ID - b.ID })
	return out
}

func runTimer(id int) string { return "association-run:" + strconv.Itoa(id) }

func (c *Coordinator) expectDetail(tabID string, runID int, metadataOnly bool) {
	c.requested[tabID] = detailRequest{runID: runID, metadataOnly: metadataOnly}
}

// Start enumerates live tabs, binds whatever fastMatch can, and queues the
// rest for detail. It is a no-op while another run is active.
func (c *Coordinator) Start(ctx context.Context) {
	if c.active > 0 {
		slog.Debug("association run already active")
		return
	}
	e := c.e
	e.repairStructure(&Report{})

	tabs, err := e.live.Tabs(ctx, "")
	if err != nil {
		slog.Warn("association run enumerate failed", "error", err)
		return
	}

	c.stubborn.Prune(tabIDs(tabs))

	c.nextRunID++
	run := &Run{ID: c.nextRunID}
	c.runs[run.ID] = run
	c.active++

	for _, tab := range tabs {
		if e.isControlSurface(tab) {
			continue
		}
		if tab.URL == "" {
			slog.Debug("tab has no url yet", "tab_id", tab.ID)
			continue
		}
		if n := e.store.PageByLiveID(tab.ID); n != nil && !n.Hibernated {
			continue
		}
		run.Total++
		if e.fastMatch(ctx, tab, true) {
			run.Resolved++
			continue
		}
		if !live.Scriptable(tab.URL) {
			e.fallbackAssociate(ctx, tab)
			run.Resolved++
			continue
		}
		c.expectDetail(tab.ID, run.ID, false)
		if !e.live.RequestDetail(ctx, tab.ID) {
			slog.Debug("detail channel not ready", "tab_id", tab.ID)
		}
		run.Pending = append(run.Pending, tab.ID)
	}

	slog.Info("association run started", "run_id", run.ID, "total", run.Total, "resolved", run.Resolved, "pending", len(run.Pending))
	if len(run.Pending) == 0 {
		c.End(ctx, run.ID)
		return
	}
	id := run.ID
	e.sched.Every(runTimer(id), e.cfg.TickInterval, func(ctx context.Context) {
		c.Tick(ctx, id)
	})
}

// Tick counts every still-pending tab as stubborn once more, force-binds the
// ones that reached the threshold, then ends the run and starts a fresh one
// so tabs opened mid-run are covered.
func (c *Coordinator) Tick(ctx context.Context, runID int) {
	run := c.runs[runID]
	if run == nil {
		return
	}
	e := c.e
	for _, id := range slices.Clone(run.Pending) {
		if n := e.store.PageByLiveID(id); n != nil && !n.Hibernated {
			c.resolve(run, id)
			continue
		}
		if c.stubborn.Increment(id) < c.stubborn.Threshold() {
			continue
		}
		c.resolve(run, id)
		delete(c.requested, id)
		tab, err := e.live.Tab(ctx, id)
		if err != nil {
			slog.Debug("stubborn tab vanished", "tab_id", id, "error", err)
			continue
		}
		slog.Info("stubborn tab escalated", "tab_id", id, "run_id", runID, "threshold", c.stubborn.Threshold())
		e.fallbackAssociate(ctx, tab)
	}
	c.End(ctx, runID)
	c.Start(ctx)
}

func (c *Coordinator) resolve(run *Run, tabID string) {
	if i := slices.Index(run.Pending, tabID); i >= 0 {
		run.Pending = slices.Delete(run.Pending, i, i+1)
		run.Resolved++
	}
	c.stubborn.Clear(tabID)
}

// End tears the run down and schedules a reconcile.
func (c *Coordinator) End(ctx context.Context, runID int) {
	run := c.runs[runID]
	if run == nil {
		return
	}
	e := c.e
	if err := e.sched.Cancel(runTimer(runID)); err != nil && !errors.Is(err, loop.ErrTimerNotFound) {
		slog.Warn("association run timer cancel failed", "run_id", runID, "error", err)
	}
	delete(c.runs, runID)
	if c.active > 0 {
		c.active--
	}
	e.store.RebuildIndexes()
	e.reconciler.Schedule(e.cfg.ReconcileDelay)
	slog.Info("association run ended", "run_id", runID, "total", run.Total, "resolved", run.Resolved, "pending", len(run.Pending))
}

// OnDetailReceived handles a detail response. Responses that arrive after
// their run ended are still applied.
func (c *Coordinator) OnDetailReceived(ctx context.Context, tabID string, d live.Detail) {
	req, requested := c.requested[tabID]
	delete(c.requested, tabID)
	if run := c.runs[req.runID]; run != nil {
		c.resolve(run, tabID)
	} else {
		c.stubborn.Clear(tabID)
	}

	e := c.e
	existing := e.store.PageByLiveID(tabID)
	if existing != nil && existing.Hibernated {
		existing = nil
	}
	if req.metadataOnly || (!requested && existing != nil) {
		if existing != nil {
			e.storeDetail(existing, d)
		}
		return
	}

	tab, err := e.live.Tab(ctx, tabID)
	if err != nil {
		slog.Debug("detail for vanished tab", "tab_id", tabID, "error", err)
		return
	}
	if e.isControlSurface(tab) {
		return
	}

	node := e.findRestorable(tab, d, existing)
	switch {
	case node == nil && existing != nil:
		e.storeDetail(existing, d)
	case node == nil:
		e.createFreshNode(ctx, tab, &d)
	default:
		e.restoreBinding(ctx, tab, node, &d)
		if existing != nil && existing != node {
			slog.Info("merging duplicate node", "from", existing.ID, "into", node.ID)
			e.mergeNodes(existing, node)
		}
	}
	e.reconciler.Schedule(e.cfg.ReconcileDelay)
}

// findRestorable looks for the node a tab should be restored onto: archived
// by session GUID first, then a hibernated node carrying the GUID, then a
// fuzzy match.
func (e *Engine) findRestorable(tab live.Tab, d live.Detail, exclude *tree.Node) *tree.Node {
	if d.SessionGUID != "" {
		if n := e.store.Archived(d.SessionGUID); n != nil && e.store.Unarchive(n) {
			e.store.Add(n, tree.Append, e.ensureWindow(tab.WindowID))
			slog.Info("restoring archived node", "node", n.ID, "tab_id", tab.ID)
			return n
		}
		if n := e.store.Find(nil, func(n *tree.Node) bool {
			return n.IsPage() && n.Hibernated && n != exclude && n.SessionGUID == d.SessionGUID
		}); n != nil {
			return n
		}
	}
	return e.matcher.Find(match.Criteria{
		URL:                 &tab.URL,
		Referrer:            &d.Referrer,
		HistoryLength:       &d.HistoryLength,
		Pinned:              &tab.Pinned,
		Incognito:           &tab.Incognito,
		Hibernated:          true,
		Restorable:          true,
		RealOrRestorableTop: true,
		Exclude:             exclude,
	})
}

func (e *Engine) storeDetail(n *tree.Node, d live.Detail) {
	p := tree.Patch{Referrer: &d.Referrer, HistoryLength: &d.HistoryLength}
	if d.SessionGUID != "" {
		p.SessionGUID = &d.SessionGUID
	}
	e.store.Update(n, p)
}

// fastMatch binds tab to a hibernated page equal on url, index, incognito
// and pinned state when the choice is unambiguous, or when the tab can never
// answer a detail query so no better signal will come.
func (e *Engine) fastMatch(ctx context.Context, tab live.Tab, mustBeRestorable bool) bool {
	cands := e.matcher.FindAll(match.Criteria{
		URL:        &tab.URL,
		Index:      &tab.Index,
		Pinned:     &tab.Pinned,
		Incognito:  &tab.Incognito,
		Hibernated: true,
		Restorable: mustBeRestorable,
	})
	scriptable := live.Scriptable(tab.URL)
	if len(cands) == 0 || (len(cands) > 1 && scriptable) {
		return false
	}
	node := cands[0]
	slog.Debug("fast match", "tab_id", tab.ID, "node", node.ID, "candidates", len(cands))
	e.restoreBinding(ctx, tab, node, nil)
	if scriptable {
		e.coord.expectDetail(tab.ID, 0, true)
		e.live.RequestDetail(ctx, tab.ID)
	}
	return true
}

// fallbackAssociate binds tab using only url, index, pinned and incognito.
// Without a candidate a fresh node is created.
func (e *Engine) fallbackAssociate(ctx context.Context, tab live.Tab) {
	c := match.Criteria{
		URL:                 &tab.URL,
		Index:               &tab.Index,
		Pinned:              &tab.Pinned,
		Incognito:           &tab.Incognito,
		Hibernated:          true,
		Restorable:          true,
		RealOrRestorableTop: true,
	}
	node := e.matcher.Find(c)
	if node == nil {
		c.Index = nil
		node = e.matcher.Find(c)
	}
	if node == nil {
		e.createFreshNode(ctx, tab, nil)
		return
	}
	e.restoreBinding(ctx, tab, node, nil)
}

// createFreshNode adds a page for a tab nothing could be matched to.
func (e *Engine) createFreshNode(ctx context.Context, tab live.Tab, d *live.Detail) *tree.Node {
	n := &tree.Node{
		Kind:        tree.KindPage,
		LiveID:      tab.ID,
		ContainerID: tab.WindowID,
		Index:       tab.Index,
		URL:         tab.URL,
		Title:       tab.Title,
		Pinned:      tab.Pinned,
		Incognito:   tab.Incognito,
	}
	if d != nil {
		n.Referrer = d.Referrer
		n.HistoryLength = d.HistoryLength
		n.SessionGUID = d.SessionGUID
	}
	win := e.ensureWindow(tab.WindowID)
	ref, rel := e.merger.slot(n, win)
	if ref == nil {
		ref, rel = win, tree.Append
	}
	e.store.Add(n, rel, ref)
	if tab.Active && e.settings.Bool(SettingFocusRestoredTabs, true) {
		e.store.SetFocused(n)
	}
	slog.Info("created node for tab", "tab_id", tab.ID, "node", n.ID, "window_id", tab.WindowID)
	e.record("create", n, tab.ID, tab.WindowID)
	return n
}

// ensureWindow returns the window node bound to windowID, adding one if none
// exists.
func (e *Engine) ensureWindow(windowID string) *tree.Node {
	if w := e.store.WindowByLiveID(windowID); w != nil {
		return w
	}
	w := e.store.Add(&tree.Node{Kind: tree.KindWindow, LiveID: windowID}, tree.Append, nil)
	slog.Debug("created window node", "window_id", windowID, "node", w.ID)
	return w
}
