package tree

// Walk visits scope's descendants in depth-first pre-order. A nil scope walks
// the whole tree. Returning false from fn stops the walk.
func (t *Tree) Walk(scope *Node, fn func(*Node) bool) {
	if scope == nil {
		scope = t.root
	}
	var visit func(p *Node) bool
	visit = func(p *Node) bool {
		for _, c := range p.Children() {
			if !fn(c) {
				return false
			}
			if !visit(c) {
				return false
			}
		}
		return true
	}
	visit(scope)
}

// Filter returns scope's descendants matching pred, in tree order.
func (t *Tree) Filter(scope *Node, pred func(*Node) bool) []*Node {
	var out []*Node
	t.Walk(scope, func(n *Node) bool {
		if pred(n) {
			out = append(out, n)
		}
		return true
	})
	return out
}

// Find returns the first descendant of scope matching pred.
func (t *Tree) Find(scope *Node, pred func(*Node) bool) *Node {
	var found *Node
	t.Walk(scope, func(n *Node) bool {
		if pred(n) {
			found = n
			return false
		}
		return true
	})
	return found
}

// Pages returns every page under scope in tree order.
func (t *Tree) Pages(scope *Node) []*Node {
	return t.Filter(scope, (*Node).IsPage)
}

// Reduce folds fn over scope's descendants in tree order.
func Reduce[T any](t *Tree, scope *Node, init T, fn func(T, *Node) T) T {
	acc := init
	t.Walk(scope, func(n *Node) bool {
		acc = fn(acc, n)
		return true
	})
	return acc
}

// GroupBy buckets every node for which key reports ok. Bucket order follows
// tree order.
func GroupBy[K comparable](t *Tree, scope *Node, key func(*Node) (K, bool)) map[K][]*Node {
	out := make(map[K][]*Node)
	t.Walk(scope, func(n *Node) bool {
		if k, ok := key(n); ok {
			out[k] = append(out[k], n)
		}
		return true
	})
	return out
}
