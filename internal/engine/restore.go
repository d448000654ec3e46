package engine

import (
	"context"
	"log/slog"

	"github.com/makfc/sidewise/internal/live"
	"github.com/makfc/sidewise/internal/match"
	"github.com/makfc/sidewise/internal/tree"
)

// restoreBinding rebinds node to tab's volatile ids. When node's window is
// still hibernated and node is the only page with its identity, the window
// is bound to tab's live window too.
func (e *Engine) restoreBinding(ctx context.Context, tab live.Tab, node *tree.Node, d *live.Detail) {
	p := tree.Patch{
		LiveID:      &tab.ID,
		ContainerID: &tab.WindowID,
		Index:       &tab.Index,
		Pinned:      &tab.Pinned,
		Hibernated:  tree.Ptr(false),
		Restorable:  tree.Ptr(false),
	}
	if tab.Title != "" {
		p.Title = &tab.Title
	}
	if d != nil {
		p.Referrer = &d.Referrer
		p.HistoryLength = &d.HistoryLength
		if d.SessionGUID != "" {
			p.SessionGUID = &d.SessionGUID
		}
	}
	e.store.Update(node, p)
	if tab.Active && e.settings.Bool(SettingFocusRestoredTabs, true) {
		e.store.SetFocused(node)
	}
	slog.Info("restored node", "node", node.ID, "tab_id", tab.ID, "window_id", tab.WindowID)
	e.record("restore", node, tab.ID, tab.WindowID)

	top := node.TopWindow()
	if top == nil || !top.Hibernated || !e.uniqueIdentity(node) {
		return
	}
	e.bindWindow(top, tab.WindowID)
}

// uniqueIdentity reports whether no other page shares n's url, title,
// referrer, history length, pinned and incognito state.
func (e *Engine) uniqueIdentity(n *tree.Node) bool {
	key := match.KeyOf(n)
	dup := e.store.Find(nil, func(o *tree.Node) bool {
		return o != n && o.IsPage() && o.Title == n.Title && match.KeyOf(o) == key
	})
	return dup == nil
}

// bindWindow binds win to a live window id and expands it. A different node
// already bound to that id is merged into win. It reports whether a merge
// happened.
func (e *Engine) bindWindow(win *tree.Node, liveID string) bool {
	existing := e.store.WindowByLiveID(liveID)
	e.store.Update(win, tree.Patch{
		LiveID:     &liveID,
		Hibernated: tree.Ptr(false),
		Restorable: tree.Ptr(false),
	})
	e.store.SetCollapsed(win, false)
	slog.Info("window bound", "node", win.ID, "window_id", liveID)
	e.record("bind-window", win, "", liveID)
	if existing == nil || existing == win {
		return false
	}
	e.mergeNodes(existing, win)
	return true
}

// mergeNodes folds from into into. Windows keep live order through the
// WindowMerger; pages append their children.
func (e *Engine) mergeNodes(from, into *tree.Node) {
	if from == nil || into == nil || from == into {
		return
	}
	if from.IsWindow() && into.IsWindow() {
		res := e.merger.Merge(from, into)
		if res.Misses > 0 {
			slog.Debug("window merge adjacency miss", "from", from.ID, "into", into.ID, "misses", res.Misses)
		}
	} else {
		e.store.Merge(from, into)
	}
	e.record("merge", into, "", "")
}
