package match

import (
	"github.com/makfc/sidewise/internal/tree"
)

// Criteria selects candidate pages. Nil pointers and false flags are not
// checked.
type Criteria struct {
	URL           *string
	Referrer      *string
	HistoryLength *int
	Pinned        *bool
	Incognito     *bool
	Index         *int

	// Hibernated requires the candidate to have no live binding.
	Hibernated bool
	// Restorable requires the candidate to still be eligible for rebinding.
	Restorable bool
	// RealOrRestorableTop requires the candidate's window to be live or
	// restorable.
	RealOrRestorableTop bool

	Exclude *tree.Node
}

// Key is the fuzzy key used to group pages that cannot be told apart.
type Key struct {
	URL           string
	Referrer      string
	HistoryLength int
	Pinned        bool
	Incognito     bool
}

// KeyOf computes n's fuzzy key with URL and referrer normalized.
func KeyOf(n *tree.Node) Key {
	ref := NormalizeReferrer(n.Referrer)
	if n.Pinned {
		ref = ""
	}
	return Key{
		URL:           NormalizeURL(n.URL),
		Referrer:      ref,
		HistoryLength: n.HistoryLength,
		Pinned:        n.Pinned,
		Incognito:     n.Incognito,
	}
}

// Source is the part of the tree store the matcher scans.
type Source interface {
	Filter(scope *tree.Node, pred func(*tree.Node) bool) []*tree.Node
}

// Matcher runs Criteria against a tree.
type Matcher struct {
	tree Source
}

func New(t Source) *Matcher {
	return &Matcher{tree: t}
}

// FindAll returns every page satisfying c, in tree order.
func (m *Matcher) FindAll(c Criteria) []*tree.Node {
	return m.tree.Filter(nil, func(n *tree.Node) bool { return c.Matches(n) })
}

// Find returns nil when nothing matches, the only candidate when one does, and
// the first candidate in tree order otherwise.
func (m *Matcher) Find(c Criteria) *tree.Node {
	all := m.FindAll(c)
	if len(all) == 0 {
		return nil
	}
	return all[0]
}

// Matches applies every supplied criterion to n.
func (c Criteria) Matches(n *tree.Node) bool {
	if !n.IsPage() || n == c.Exclude {
		return false
	}
	if c.Hibernated && !n.Hibernated {
		return false
	}
	if c.Restorable && !n.Restorable {
		return false
	}
	if c.URL != nil && !SameURL(*c.URL, n.URL) {
		return false
	}
	if c.Pinned != nil && *c.Pinned != n.Pinned {
		return false
	}
	if c.Incognito != nil && *c.Incognito != n.Incognito {
		return false
	}
	if c.Index != nil && *c.Index != n.Index {
		return false
	}
	if c.HistoryLength != nil && *c.HistoryLength != n.HistoryLength {
		return false
	}
	if c.Referrer != nil {
		pinned := c.Pinned != nil && *c.Pinned
		if !SameReferrer(*c.Referrer, pinned, n.Referrer, n.Pinned) {
			return false
		}
	}
	if c.RealOrRestorableTop {
		top := n.TopWindow()
		if top == nil || (top.Hibernated && !top.Restorable) {
			return false
		}
	}
	return true
}
