package tree

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// Dump is the serializable form of a Tree used for checkpoints.
type Dump struct {
	NextID   int        `json:"next_id"`
	Windows  []DumpNode `json:"windows"`
	Archived []Node     `json:"archived,omitempty"`
}

// DumpNode is a node with its subtree inlined.
type DumpNode struct {
	Node
	Children []DumpNode `json:"children,omitempty"`
}

// Snapshot captures the tree for serialization.
func (t *Tree) Snapshot() Dump {
	d := Dump{NextID: t.nextID}
	for _, w := range t.root.children {
		d.Windows = append(d.Windows, dumpNode(w))
	}
	for _, a := range t.archive {
		d.Archived = append(d.Archived, *a)
	}
	return d
}

func dumpNode(n *Node) DumpNode {
	out := DumpNode{Node: *n}
	out.Node.parent, out.Node.children = nil, nil
	for _, c := range n.children {
		out.Children = append(out.Children, dumpNode(c))
	}
	return out
}

// MarshalJSON lets a Tree be written directly by encoders.
func (t *Tree) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.Snapshot())
}

// Load rebuilds a Tree from a Dump.
func Load(d Dump) (*Tree, error) {
	t := New()
	t.nextID = d.NextID
	seen := map[string]bool{t.root.ID: true}
	var build func(dn DumpNode, parent *Node) error
	build = func(dn DumpNode, parent *Node) error {
		if dn.ID == "" {
			return fmt.Errorf("tree load: node without id under %s", parent.ID)
		}
		if seen[dn.ID] {
			return fmt.Errorf("tree load: duplicate node id %s", dn.ID)
		}
		seen[dn.ID] = true
		n := dn.Node
		n.parent, n.children = parent, nil
		node := &n
		parent.children = append(parent.children, node)
		for _, c := range dn.Children {
			if err := build(c, node); err != nil {
				return err
			}
		}
		return nil
	}
	for _, w := range d.Windows {
		if err := build(w, t.root); err != nil {
			return nil, err
		}
	}
	for i := range d.Archived {
		a := d.Archived[i]
		t.archive = append(t.archive, &a)
	}
	t.RebuildIndexes()
	bump := func(id string) {
		if len(id) < 2 {
			return
		}
		if v, err := strconv.Atoi(id[1:]); err == nil && v > t.nextID {
			t.nextID = v
		}
	}
	for id := range t.byID {
		bump(id)
	}
	for _, a := range t.archive {
		bump(a.ID)
	}
	return t, nil
}
