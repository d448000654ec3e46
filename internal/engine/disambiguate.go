package engine

import (
	"log/slog"

	"github.com/makfc/sidewise/internal/match"
	"github.com/makfc/sidewise/internal/tree"
)

// Disambiguator swaps live bindings between pages that share a fuzzy key but
// sit under the wrong live window.
type Disambiguator struct {
	store Store
}

// DisambiguateResult totals one Run.
type DisambiguateResult struct {
	Swaps      int
	Unresolved int
	Rounds     int
}

// Run repeats swap rounds while the previous round swapped something, at
// most rounds times.
func (d *Disambiguator) Run(rounds int) DisambiguateResult {
	var res DisambiguateResult
	d.run(rounds, &res)
	return res
}

func (d *Disambiguator) run(rounds int, res *DisambiguateResult) {
	if rounds <= 0 {
		return
	}
	res.Rounds++
	swaps, unresolved := d.round()
	res.Swaps += swaps
	res.Unresolved = unresolved
	if swaps > 0 {
		d.run(rounds-1, res)
	}
}

// misplaced reports whether a bound page's recorded window differs from the
// live window it sits under.
func misplaced(n *tree.Node) bool {
	return n.IsPage() && n.Bound() && n.ContainerID != "" && topLive(n) != "" && n.ContainerID != topLive(n)
}

func (d *Disambiguator) round() (swaps, unresolved int) {
	groups := make(map[match.Key][]*tree.Node)
	var order []match.Key
	d.store.Walk(nil, func(n *tree.Node) bool {
		if !misplaced(n) {
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
		for _, n := range group {
			if !misplaced(n) {
				continue
			}
			partner := swapPartner(n, group)
			if partner == nil {
				slog.Warn("disambiguation found no swap partner", "node", n.ID, "container_id", n.ContainerID, "parent_window", topLive(n))
				unresolved++
				continue
			}
			d.swap(n, partner)
			swaps++
		}
	}
	return swaps, unresolved
}

// swapPartner picks, in priority order: a reciprocal partner at the same
// index, any reciprocal partner, a one-sided partner at the same index, any
// one-sided partner. One-sided means the partner belongs where n sits.
func swapPartner(n *tree.Node, group []*tree.Node) *tree.Node {
	here := topLive(n)
	tiers := []func(o *tree.Node) bool{
		func(o *tree.Node) bool { return topLive(o) == n.ContainerID && o.Index == n.Index },
		func(o *tree.Node) bool { return topLive(o) == n.ContainerID },
		func(o *tree.Node) bool { return o.Index == n.Index },
		func(o *tree.Node) bool { return true },
	}
	for _, ok := range tiers {
		for _, o := range group {
			if o == n || !misplaced(o) || o.ContainerID != here {
				continue
			}
			if ok(o) {
				return o
			}
		}
	}
	return nil
}

// swap exchanges live id, recorded window and index between a and b.
func (d *Disambiguator) swap(a, b *tree.Node) {
	aLive, aContainer, aIndex := a.LiveID, a.ContainerID, a.Index
	bLive, bContainer, bIndex := b.LiveID, b.ContainerID, b.Index
	d.store.Update(a, tree.Patch{LiveID: &bLive, ContainerID: &bContainer, Index: &bIndex})
	d.store.Update(b, tree.Patch{LiveID: &aLive, ContainerID: &aContainer, Index: &aIndex})
	slog.Info("disambiguation swap", "a", a.ID, "b", b.ID, "a_tab", bLive, "b_tab", aLive)
}
