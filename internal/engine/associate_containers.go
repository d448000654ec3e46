package engine

import (
	"log/slog"
	"sort"

	"github.com/makfc/sidewise/internal/live"
	"github.com/makfc/sidewise/internal/tree"
)

const indexBonus = 0.00001

type windowPairing struct {
	win    *tree.Node
	liveID string
	score  float64
	seq    int
}

// associateWindows binds restorable window nodes to live windows by how many
// of their bound descendants sit in each live window. Stringent mode also
// requires the live window's tab count to equal the node's bound descendant
// count. Pairings are taken greedily by descending score; when a live window
// already has its own node the pairing merges it, or is skipped if merging is
// not allowed.
func (e *Engine) associateWindows(p *pass, stringent, allowMerge bool) {
	liveCount := make(map[string]int)
	for _, t := range p.tabs {
		liveCount[t.WindowID]++
	}

	var pairs []windowPairing
	for _, win := range e.store.Windows() {
		if !win.IsWindow() || !win.Hibernated || !win.Restorable {
			continue
		}
		scores := make(map[string]float64)
		var liveOrder []string
		bound := 0
		e.store.Walk(win, func(n *tree.Node) bool {
			if !n.IsPage() || !n.Bound() {
				return true
			}
			tab, ok := p.byID[n.LiveID]
			if !ok {
				return true
			}
			bound++
			if _, seen := scores[tab.WindowID]; !seen {
				liveOrder = append(liveOrder, tab.WindowID)
			}
			scores[tab.WindowID] += 1
			if n.Index == tab.Index {
				scores[tab.WindowID] += indexBonus
			}
			return true
		})
		for _, liveID := range liveOrder {
			if stringent && liveCount[liveID] != bound {
				continue
			}
			pairs = append(pairs, windowPairing{win: win, liveID: liveID, score: scores[liveID], seq: len(pairs)})
		}
	}

	sort.SliceStable(pairs, func(i, j int) bool {
		if pairs[i].score != pairs[j].score {
			return pairs[i].score > pairs[j].score
		}
		return pairs[i].seq < pairs[j].seq
	})

	usedWin := make(map[*tree.Node]bool)
	usedLive := make(map[string]bool)
	for _, pr := range pairs {
		if usedWin[pr.win] || usedLive[pr.liveID] {
			continue
		}
		if existing := e.store.WindowByLiveID(pr.liveID); existing != nil && existing != pr.win && !allowMerge {
			continue
		}
		usedWin[pr.win] = true
		usedLive[pr.liveID] = true
		slog.Debug("window association", "node", pr.win.ID, "window_id", pr.liveID, "score", pr.score, "stringent", stringent)
		if e.bindWindow(pr.win, pr.liveID) {
			p.report.Merges++
		}
		p.report.WindowBindings++
	}
}

// refreshContainers records each bound page's current live window and index.
// Pages whose tab is gone are archived; windows whose live window is gone are
// hibernated.
func (e *Engine) refreshContainers(p *pass) {
	liveWindows := make(map[string]bool)
	for _, t := range p.tabs {
		liveWindows[t.WindowID] = true
	}
	for _, n := range e.store.Filter(nil, func(n *tree.Node) bool { return n.Bound() }) {
		if n.IsWindow() {
			if !liveWindows[n.LiveID] {
				e.store.Update(n, tree.Patch{LiveID: tree.Ptr(""), Hibernated: tree.Ptr(true)})
			}
			continue
		}
		tab, ok := p.byID[n.LiveID]
		if !ok {
			slog.Info("bound tab vanished", "node", n.ID, "tab_id", n.LiveID)
			e.store.Remove(n, true)
			p.report.Removals++
			continue
		}
		e.store.Update(n, tree.Patch{ContainerID: &tab.WindowID, Index: &tab.Index, Pinned: &tab.Pinned})
	}
}

func tabIDs(tabs []live.Tab) map[string]bool {
	out := make(map[string]bool, len(tabs))
	for _, t := range tabs {
		out[t.ID] = true
	}
	return out
}

func tabsByID(tabs []live.Tab) map[string]live.Tab {
	out := make(map[string]live.Tab, len(tabs))
	for _, t := range tabs {
		out[t.ID] = t
	}
	return out
}
