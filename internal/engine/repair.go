package engine

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sort"

	"github.com/makfc/sidewise/internal/live"
	"github.com/makfc/sidewise/internal/match"
	"github.com/makfc/sidewise/internal/tree"
)

// repairStructure moves windows nested below the top level up to the root and
// puts pages sitting directly under the root into a window: their live
// window when bound, a synthesized placeholder otherwise.
func (e *Engine) repairStructure(rep *Report) {
	root := e.store.Root()
	for _, w := range e.store.Filter(nil, func(n *tree.Node) bool { return n.IsWindow() && n.Parent() != root }) {
		slog.Info("moving nested window to top level", "node", w.ID)
		if e.store.Move(w, tree.Append, root, false) {
			rep.Moves++
		}
	}

	var placeholder *tree.Node
	for _, n := range root.Children() {
		if !n.IsPage() {
			continue
		}
		var dest *tree.Node
		if n.Bound() && n.ContainerID != "" {
			dest = e.ensureWindow(n.ContainerID)
		} else {
			if placeholder == nil {
				placeholder = e.store.Add(&tree.Node{
					Kind:        tree.KindWindow,
					Placeholder: true,
					Hibernated:  true,
					Restorable:  n.Restorable,
				}, tree.Before, n)
				slog.Info("synthesized placeholder window", "node", placeholder.ID)
			}
			dest = placeholder
		}
		slog.Info("moving stray page into window", "node", n.ID, "window", dest.ID)
		if e.store.Move(n, tree.Append, dest, false) {
			rep.Moves++
		}
	}
}

// repositionMisplaced moves bound pages under the window node bound to their
// recorded live window. Children that belong where they are stay behind.
func (e *Engine) repositionMisplaced(rep *Report) {
	wrong := func(n *tree.Node) bool {
		return n.IsPage() && n.Bound() && n.ContainerID != "" && topLive(n) != n.ContainerID
	}
	for _, n := range e.store.Filter(nil, wrong) {
		if !wrong(n) {
			continue
		}
		kids := n.Children()
		for i := len(kids) - 1; i >= 0; i-- {
			if e.store.Move(kids[i], tree.After, n, false) {
				rep.Moves++
			}
		}
		win := e.ensureWindow(n.ContainerID)
		ref, rel := e.merger.slot(n, win)
		if ref == nil {
			ref, rel = win, tree.Append
		}
		slog.Debug("repositioning page", "node", n.ID, "window_id", n.ContainerID)
		if e.store.Move(n, rel, ref, false) {
			rep.Moves++
		}
	}
}

func (e *Engine) deleteEmptyWindows(rep *Report) {
	for _, w := range e.store.Windows() {
		if w.IsWindow() && w.ChildCount() == 0 {
			slog.Debug("removing empty window", "node", w.ID)
			e.store.Remove(w, false)
			rep.Removals++
		}
	}
}

// fixPinnedOrder moves pinned top-level pages ahead of the first unpinned one
// in each window.
func (e *Engine) fixPinnedOrder(rep *Report) {
	for _, w := range e.store.Windows() {
		var anchor *tree.Node
		for _, c := range w.Children() {
			if !c.IsPage() {
				continue
			}
			if !c.Pinned {
				if anchor == nil {
					anchor = c
				}
				continue
			}
			if anchor != nil && e.store.Move(c, tree.Before, anchor, false) {
				rep.Moves++
			}
		}
	}
}

// fixSameKeyOrder rebinds indistinguishable pages in a window so that their
// live indexes increase in tree order.
func (e *Engine) fixSameKeyOrder(rep *Report) {
	for _, w := range e.store.Windows() {
		if !w.Bound() {
			continue
		}
		groups := make(map[match.Key][]*tree.Node)
		var order []match.Key
		e.store.Walk(w, func(n *tree.Node) bool {
			if !n.IsPage() || !n.Bound() || n.ContainerID != w.LiveID {
				return true
			}
			k := match.KeyOf(n)
			if _, ok := groups[k]; !ok {
				order = append(order, k)
			}
			groups[k] = append(groups[k], n)
			return true
		})
		for _, k := range order {
			group := groups[k]
			if len(group) < 2 {
				continue
			}
			type binding struct {
				live  string
				index int
			}
			bindings := make([]binding, len(group))
			for i, n := range group {
				bindings[i] = binding{n.LiveID, n.Index}
			}
			sort.SliceStable(bindings, func(i, j int) bool { return bindings[i].index < bindings[j].index })
			for i, n := range group {
				b := bindings[i]
				if n.LiveID == b.live {
					continue
				}
				slog.Debug("reordering same-key binding", "node", n.ID, "tab_id", b.live, "index", b.index)
				e.store.Update(n, tree.Patch{LiveID: &b.live, Index: &b.index})
				rep.Swaps++
			}
		}
	}
}

// conformOrder moves host tabs so each live window's tab order follows the
// tree's order. It returns the number of host moves made.
func (e *Engine) conformOrder(ctx context.Context, tabs []live.Tab) int {
	byWindow := make(map[string][]live.Tab)
	for _, t := range tabs {
		byWindow[t.WindowID] = append(byWindow[t.WindowID], t)
	}
	moves := 0
	for _, w := range e.store.Windows() {
		if !w.Bound() || len(byWindow[w.LiveID]) == 0 {
			continue
		}
		windowTabs := byWindow[w.LiveID]
		sort.SliceStable(windowTabs, func(i, j int) bool { return windowTabs[i].Index < windowTabs[j].Index })
		order := make([]string, len(windowTabs))
		member := make(map[string]bool)
		for i, t := range windowTabs {
			order[i] = t.ID
		}
		var desired []string
		e.store.Walk(w, func(n *tree.Node) bool {
			if n.IsPage() && n.Bound() && !member[n.LiveID] && slices.Contains(order, n.LiveID) {
				desired = append(desired, n.LiveID)
				member[n.LiveID] = true
			}
			return true
		})

		for i, id := range desired {
			var slots []int
			for pos, o := range order {
				if member[o] {
					slots = append(slots, pos)
				}
			}
			target := slots[i]
			if order[target] == id {
				continue
			}
			err := e.live.MoveTab(ctx, id, w.LiveID, target)
			if err != nil {
				var coded *live.CodedError
				if errors.As(err, &coded) && coded.Code == live.CodeUnsupported {
					slog.Debug("host tab move unsupported", "error", err)
					return moves
				}
				slog.Warn("host tab move failed", "tab_id", id, "window_id", w.LiveID, "index", target, "error", err)
				continue
			}
			from := slices.Index(order, id)
			order = slices.Delete(order, from, from+1)
			order = slices.Insert(order, target, id)
			moves++
		}
	}
	return moves
}

// purgeStalePlaceholders removes hibernated placeholder windows with nothing
// bound or restorable left inside.
func (e *Engine) purgeStalePlaceholders(rep *Report) {
	for _, w := range e.store.Windows() {
		if !w.IsWindow() || !w.Placeholder || !w.Hibernated {
			continue
		}
		if e.store.Find(w, func(n *tree.Node) bool { return n.Bound() || n.Restorable }) != nil {
			continue
		}
		slog.Info("purging stale placeholder window", "node", w.ID)
		desc := e.store.Filter(w, func(*tree.Node) bool { return true })
		for i := len(desc) - 1; i >= 0; i-- {
			e.store.Remove(desc[i], false)
		}
		e.store.Remove(w, false)
		rep.Removals++
	}
}
