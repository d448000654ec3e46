package engine

import (
	"github.com/makfc/sidewise/internal/tree"
)

// WindowMerger moves one window's children into another by live index
// adjacency.
type WindowMerger struct {
	store Store
}

// MergeResult counts placed children and those placed without any neighbor.
type MergeResult struct {
	Moved  int
	Misses int
}

// Merge moves src's children into dest and removes src. Each child goes to
// the front when its index is 0, before a destination page with index+1,
// after (or into) one with index-1, after the previously placed child, or at
// the end as an adjacency miss.
func (m *WindowMerger) Merge(src, dest *tree.Node) MergeResult {
	var res MergeResult
	if src == nil || dest == nil || src == dest {
		return res
	}
	var prev *tree.Node
	for _, child := range src.Children() {
		ref, rel := m.slot(child, dest)
		if ref == nil {
			if prev != nil {
				ref, rel = prev, tree.After
			} else {
				ref, rel = dest, tree.Append
				res.Misses++
			}
		}
		m.store.Move(child, rel, ref, true)
		prev = child
		res.Moved++
	}
	m.store.Remove(src, false)
	return res
}

// slot finds where child belongs in dest. A nil ref means no neighbor.
func (m *WindowMerger) slot(child, dest *tree.Node) (*tree.Node, tree.Relation) {
	if child.Index == 0 {
		return dest, tree.Prepend
	}
	var before, after *tree.Node
	m.store.Walk(dest, func(n *tree.Node) bool {
		if !n.IsPage() || child.Contains(n) {
			return true
		}
		if before == nil && n.Index == child.Index+1 {
			before = n
		}
		if n.Index == child.Index-1 {
			after = n
		}
		return true
	})
	switch {
	case before != nil:
		return before, tree.Before
	case after != nil && after.ChildCount() > 0:
		return after, tree.Prepend
	case after != nil:
		return after, tree.After
	}
	return nil, tree.Append
}
