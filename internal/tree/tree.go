package tree

import (
	"log/slog"
	"slices"
	"strconv"
)

// Relation positions a node relative to a target in Add and Move.
type Relation int

const (
	Before Relation = iota
	After
	Prepend
	Append
)

func (r Relation) String() string {
	switch r {
	case Before:
		return "before"
	case After:
		return "after"
	case Prepend:
		return "prepend"
	default:
		return "append"
	}
}

// Op names a change notification.
type Op string

const (
	OpAdd    Op = "add"
	OpRemove Op = "remove"
	OpUpdate Op = "update"
	OpMove   Op = "move"
	OpMerge  Op = "merge"
)

// Change is delivered to OnChange listeners after every mutation.
type Change struct {
	Op     Op     `json:"op"`
	NodeID string `json:"node_id"`
	Kind   string `json:"kind"`
	LiveID string `json:"live_id,omitempty"`
}

const maxArchived = 200

type positionKey struct {
	container string
	index     int
}

// Tree is the persisted window/page hierarchy plus its derived indexes. It is
// not safe for concurrent use; callers serialize access through the event loop.
type Tree struct {
	root          *Node
	byID          map[string]*Node
	pagesByLive   map[string]*Node
	windowsByLive map[string]*Node
	byContainer   map[string][]*Node
	byPosition    map[positionKey][]*Node
	archive       []*Node
	nextID        int
	listeners     []func(Change)
}

// New returns an empty tree holding only the root.
func New() *Tree {
	t := &Tree{root: &Node{ID: "root", Kind: KindRoot}}
	t.resetIndexes()
	return t
}

func (t *Tree) resetIndexes() {
	t.byID = map[string]*Node{t.root.ID: t.root}
	t.pagesByLive = make(map[string]*Node)
	t.windowsByLive = make(map[string]*Node)
	t.byContainer = make(map[string][]*Node)
	t.byPosition = make(map[positionKey][]*Node)
}

func (t *Tree) Root() *Node { return t.root }

// OnChange registers a listener for mutation notifications.
func (t *Tree) OnChange(fn func(Change)) {
	t.listeners = append(t.listeners, fn)
}

func (t *Tree) emit(op Op, n *Node) {
	if len(t.listeners) == 0 {
		return
	}
	c := Change{Op: op, NodeID: n.ID, Kind: n.Kind.String(), LiveID: n.LiveID}
	for _, fn := range t.listeners {
		fn(c)
	}
}

func (t *Tree) Get(id string) *Node { return t.byID[id] }

// Len counts nodes excluding the root.
func (t *Tree) Len() int { return len(t.byID) - 1 }

func (t *Tree) PageByLiveID(id string) *Node {
	if id == "" {
		return nil
	}
	return t.pagesByLive[id]
}

func (t *Tree) WindowByLiveID(id string) *Node {
	if id == "" {
		return nil
	}
	return t.windowsByLive[id]
}

// PagesInContainer returns pages whose recorded container id is containerID.
func (t *Tree) PagesInContainer(containerID string) []*Node {
	return slices.Clone(t.byContainer[containerID])
}

// PagesAtPosition returns pages recorded at (containerID, index).
func (t *Tree) PagesAtPosition(containerID string, index int) []*Node {
	return slices.Clone(t.byPosition[positionKey{containerID, index}])
}

// Windows returns the root's children.
func (t *Tree) Windows() []*Node { return t.root.Children() }

func (t *Tree) newID(k Kind) string {
	t.nextID++
	prefix := "p"
	if k == KindWindow {
		prefix = "w"
	}
	return prefix + strconv.Itoa(t.nextID)
}

// Add attaches n (and any children it already carries) relative to target.
// A nil target appends to the root. An empty ID is assigned.
func (t *Tree) Add(n *Node, rel Relation, target *Node) *Node {
	if target == nil {
		target, rel = t.root, Append
	}
	if n.ID == "" {
		n.ID = t.newID(n.Kind)
	}
	t.attach(n, rel, target)
	t.register(n)
	t.emit(OpAdd, n)
	return n
}

func (t *Tree) register(n *Node) {
	t.byID[n.ID] = n
	t.index(n)
	for _, c := range n.children {
		c.parent = n
		t.register(c)
	}
}

func (t *Tree) attach(n *Node, rel Relation, target *Node) {
	var parent *Node
	pos := 0
	switch rel {
	case Before, After:
		parent = target.parent
		if parent == nil {
			parent, rel = t.root, Append
			pos = len(parent.children)
			break
		}
		pos = target.Position()
		if rel == After {
			pos++
		}
	case Prepend:
		parent = target
	default:
		parent = target
		pos = len(target.children)
	}
	parent.children = slices.Insert(parent.children, pos, n)
	n.parent = parent
}

func (t *Tree) detach(n *Node) {
	p := n.parent
	if p == nil {
		return
	}
	if i := n.Position(); i >= 0 {
		p.children = slices.Delete(p.children, i, i+1)
	}
	n.parent = nil
}

// Move relocates n relative to target. It reports whether the node's parent
// or sibling position actually changed. suppress skips the change
// notification.
func (t *Tree) Move(n *Node, rel Relation, target *Node, suppress bool) bool {
	if n == nil || target == nil || n == t.root || n == target || n.Contains(target) {
		slog.Warn("tree move rejected", "node", n.String(), "target", target.String(), "relation", rel.String())
		return false
	}
	if (rel == Before || rel == After) && target == t.root {
		return false
	}
	oldParent, oldPos := n.parent, n.Position()
	t.detach(n)
	t.attach(n, rel, target)
	if n.parent == oldParent && n.Position() == oldPos {
		return false
	}
	if !suppress {
		t.emit(OpMove, n)
	}
	return true
}

// Remove deletes n, promoting its children into its place. With archive set
// the node is kept in the recently-closed registry for session GUID lookups.
func (t *Tree) Remove(n *Node, archive bool) {
	if n == nil || n == t.root || t.byID[n.ID] != n {
		return
	}
	for _, c := range n.Children() {
		t.detach(c)
		t.attach(c, Before, n)
	}
	t.detach(n)
	t.unindex(n)
	delete(t.byID, n.ID)
	t.emit(OpRemove, n)
	if archive {
		n.children = nil
		n.Hibernated = true
		n.Focused = false
		n.LiveID = ""
		t.archive = append(t.archive, n)
		if len(t.archive) > maxArchived {
			t.archive = t.archive[len(t.archive)-maxArchived:]
		}
	}
}

// Archived returns the most recently archived page carrying guid.
func (t *Tree) Archived(guid string) *Node {
	if guid == "" {
		return nil
	}
	for i := len(t.archive) - 1; i >= 0; i-- {
		if t.archive[i].SessionGUID == guid {
			return t.archive[i]
		}
	}
	return nil
}

// Unarchive drops n from the recently-closed registry and makes it restorable
// again so it can be re-added. It reports false when n was not archived.
func (t *Tree) Unarchive(n *Node) bool {
	i := slices.Index(t.archive, n)
	if n == nil || i < 0 {
		return false
	}
	t.archive = slices.Delete(t.archive, i, i+1)
	n.Restorable = true
	return true
}

func (t *Tree) ArchiveLen() int { return len(t.archive) }

// Merge appends from's children to into and removes from.
func (t *Tree) Merge(from, into *Node) {
	if from == nil || into == nil || from == into || from.Contains(into) {
		return
	}
	for _, c := range from.Children() {
		t.Move(c, Append, into, true)
	}
	t.Remove(from, false)
	t.emit(OpMerge, into)
}

// Update applies a partial patch and reindexes n. Restorable never goes from
// false back to true here; see HibernateAll.
func (t *Tree) Update(n *Node, p Patch) bool {
	if n == nil {
		return false
	}
	t.unindex(n)
	changed := false
	set := func(dst *string, v *string) {
		if v != nil && *dst != *v {
			*dst, changed = *v, true
		}
	}
	setInt := func(dst *int, v *int) {
		if v != nil && *dst != *v {
			*dst, changed = *v, true
		}
	}
	setBool := func(dst *bool, v *bool) {
		if v != nil && *dst != *v {
			*dst, changed = *v, true
		}
	}
	set(&n.LiveID, p.LiveID)
	set(&n.ContainerID, p.ContainerID)
	setInt(&n.Index, p.Index)
	setBool(&n.Hibernated, p.Hibernated)
	if p.Restorable != nil && *p.Restorable && !n.Restorable {
		slog.Warn("tree update refused restorable revert", "node", n.ID)
	} else {
		setBool(&n.Restorable, p.Restorable)
	}
	setBool(&n.Focused, p.Focused)
	set(&n.URL, p.URL)
	set(&n.Title, p.Title)
	set(&n.Referrer, p.Referrer)
	setInt(&n.HistoryLength, p.HistoryLength)
	setBool(&n.Pinned, p.Pinned)
	setBool(&n.Incognito, p.Incognito)
	set(&n.SessionGUID, p.SessionGUID)
	setBool(&n.Collapsed, p.Collapsed)
	setBool(&n.Placeholder, p.Placeholder)
	t.index(n)
	if changed {
		t.emit(OpUpdate, n)
	}
	return changed
}

// SetCollapsed is the expand/collapse setter.
func (t *Tree) SetCollapsed(n *Node, collapsed bool) bool {
	return t.Update(n, Patch{Collapsed: &collapsed})
}

// SetFocused marks n as the only focused node.
func (t *Tree) SetFocused(n *Node) {
	t.Walk(nil, func(o *Node) bool {
		if o.Focused && o != n {
			t.Update(o, Patch{Focused: Ptr(false)})
		}
		return true
	})
	if n != nil {
		t.Update(n, Patch{Focused: Ptr(true)})
	}
}

func (t *Tree) index(n *Node) {
	switch n.Kind {
	case KindPage:
		if n.LiveID != "" {
			t.pagesByLive[n.LiveID] = n
		}
		if n.ContainerID != "" {
			t.byContainer[n.ContainerID] = append(t.byContainer[n.ContainerID], n)
			k := positionKey{n.ContainerID, n.Index}
			t.byPosition[k] = append(t.byPosition[k], n)
		}
	case KindWindow:
		if n.LiveID != "" {
			t.windowsByLive[n.LiveID] = n
		}
	}
}

func (t *Tree) unindex(n *Node) {
	same := func(o *Node) bool { return o == n }
	switch n.Kind {
	case KindPage:
		if t.pagesByLive[n.LiveID] == n {
			delete(t.pagesByLive, n.LiveID)
		}
		if n.ContainerID != "" {
			t.byContainer[n.ContainerID] = slices.DeleteFunc(t.byContainer[n.ContainerID], same)
			k := positionKey{n.ContainerID, n.Index}
			t.byPosition[k] = slices.DeleteFunc(t.byPosition[k], same)
		}
	case KindWindow:
		if t.windowsByLive[n.LiveID] == n {
			delete(t.windowsByLive, n.LiveID)
		}
	}
}

// RebuildIndexes recomputes parent pointers and every derived index from the
// child lists.
func (t *Tree) RebuildIndexes() {
	t.resetIndexes()
	var visit func(p *Node)
	visit = func(p *Node) {
		for _, c := range p.children {
			c.parent = p
			t.byID[c.ID] = c
			t.index(c)
			visit(c)
		}
	}
	visit(t.root)
}

// HibernateAll marks every window and page as unbound and restorable. It is
// called once when a previous session's tree is loaded.
func (t *Tree) HibernateAll() {
	t.Walk(nil, func(n *Node) bool {
		n.Hibernated = true
		n.Restorable = true
		n.LiveID = ""
		n.Focused = false
		return true
	})
	t.RebuildIndexes()
}
