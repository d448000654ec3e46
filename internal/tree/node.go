package tree

import "fmt"

// Kind discriminates the node variants stored in a Tree.
type Kind int

const (
	KindRoot Kind = iota
	KindWindow
	KindPage
)

func (k Kind) String() string {
	switch k {
	case KindRoot:
		return "root"
	case KindWindow:
		return "window"
	case KindPage:
		return "page"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Node is a persisted window or page. Page-only and window-only fields are
// ignored for the other kind.
type Node struct {
	ID         string `json:"id"`
	Kind       Kind   `json:"kind"`
	LiveID     string `json:"live_id,omitempty"`
	Hibernated bool   `json:"hibernated"`
	Restorable bool   `json:"restorable"`
	Index      int    `json:"index"`
	Focused    bool   `json:"focused,omitempty"`

	// Page fields.
	URL           string `json:"url,omitempty"`
	Title         string `json:"title,omitempty"`
	Referrer      string `json:"referrer,omitempty"`
	HistoryLength int    `json:"history_length,omitempty"`
	Pinned        bool   `json:"pinned,omitempty"`
	Incognito     bool   `json:"incognito,omitempty"`
	ContainerID   string `json:"container_id,omitempty"`
	SessionGUID   string `json:"session_guid,omitempty"`

	// Window fields.
	Collapsed   bool `json:"collapsed,omitempty"`
	Placeholder bool `json:"placeholder,omitempty"`

	parent   *Node
	children []*Node
}

func (n *Node) IsPage() bool   { return n != nil && n.Kind == KindPage }
func (n *Node) IsWindow() bool { return n != nil && n.Kind == KindWindow }
func (n *Node) IsRoot() bool   { return n != nil && n.Kind == KindRoot }

// Parent returns the node's parent, nil for the root or detached nodes.
func (n *Node) Parent() *Node { return n.parent }

// Children returns a copy of the child list so callers may move nodes while
// iterating.
func (n *Node) Children() []*Node {
	out := make([]*Node, len(n.children))
	copy(out, n.children)
	return out
}

func (n *Node) ChildCount() int { return len(n.children) }

// Clone returns a detached copy of the node's fields.
func (n *Node) Clone() Node {
	c := *n
	c.parent, c.children = nil, nil
	return c
}

func (n *Node) FirstChild() *Node {
	if len(n.children) == 0 {
		return nil
	}
	return n.children[0]
}

// TopWindow returns the nearest window ancestor, or the node itself when it is
// a window.
func (n *Node) TopWindow() *Node {
	for cur := n; cur != nil; cur = cur.parent {
		if cur.Kind == KindWindow {
			return cur
		}
	}
	return nil
}

// Bound reports whether a page or window currently owns a live id.
func (n *Node) Bound() bool { return !n.Hibernated && n.LiveID != "" }

// Position is the node's offset among its siblings, -1 when detached.
func (n *Node) Position() int {
	if n.parent == nil {
		return -1
	}
	for i, c := range n.parent.children {
		if c == n {
			return i
		}
	}
	return -1
}

// Contains reports whether other is n or one of its descendants.
func (n *Node) Contains(other *Node) bool {
	for cur := other; cur != nil; cur = cur.parent {
		if cur == n {
			return true
		}
	}
	return false
}

func (n *Node) String() string {
	if n == nil {
		return "<nil>"
	}
	if n.Kind == KindPage {
		return fmt.Sprintf("%s[%s live=%s idx=%d %s]", n.Kind, n.ID, n.LiveID, n.Index, n.URL)
	}
	return fmt.Sprintf("%s[%s live=%s]", n.Kind, n.ID, n.LiveID)
}

// Patch is a partial attribute update. Nil fields are left untouched.
type Patch struct {
	LiveID        *string
	ContainerID   *string
	Index         *int
	Hibernated    *bool
	Restorable    *bool
	Focused       *bool
	URL           *string
	Title         *string
	Referrer      *string
	HistoryLength *int
	Pinned        *bool
	Incognito     *bool
	SessionGUID   *string
	Collapsed     *bool
	Placeholder   *bool
}

// Ptr returns a pointer to v; used to build Patch values inline.
func Ptr[T any](v T) *T { return &v }
