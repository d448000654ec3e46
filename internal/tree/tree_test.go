package tree

import (
	"encoding/json"
	"testing"
)

func buildTree(t *testing.T) (*Tree, *Node, []*Node) {
	t.Helper()
	tr := New()
	w := tr.Add(&Node{Kind: KindWindow, LiveID: "10"}, Append, nil)
	var pages []*Node
	for i, u := range []string{"https://a.test/", "https://b.test/", "https://c.test/"} {
		p := tr.Add(&Node{Kind: KindPage, LiveID: string(rune('A' + i)), URL: u, ContainerID: "10", Index: i}, Append, w)
		pages = append(pages, p)
	}
	return tr, w, pages
}

func ids(nodes []*Node) []string {
	out := make([]string, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, n.ID)
	}
	return out
}

func TestAddAssignsStableIDs(t *testing.T) {
	tr, w, pages := buildTree(t)
	if w.ID != "w1" {
		t.Fatalf("window id = %q; want w1", w.ID)
	}
	if got := ids(pages); got[0] != "p2" || got[2] != "p4" {
		t.Fatalf("page ids = %v; want p2..p4", got)
	}
	tr.Remove(pages[2], false)
	n := tr.Add(&Node{Kind: KindPage}, Append, w)
	if n.ID != "p5" {
		t.Fatalf("id after remove = %q; want p5 (ids are never reused)", n.ID)
	}
}

func TestLiveIndexesFollowUpdates(t *testing.T) {
	tr, _, pages := buildTree(t)
	if got := tr.PageByLiveID("A"); got != pages[0] {
		t.Fatalf("PageByLiveID(A) = %v; want %v", got, pages[0])
	}

	// Swap live ids the way disambiguation does.
	tr.Update(pages[0], Patch{LiveID: Ptr("B")})
	tr.Update(pages[1], Patch{LiveID: Ptr("A")})

	if got := tr.PageByLiveID("A"); got != pages[1] {
		t.Fatalf("PageByLiveID(A) after swap = %v; want %v", got, pages[1])
	}
	if got := tr.PageByLiveID("B"); got != pages[0] {
		t.Fatalf("PageByLiveID(B) after swap = %v; want %v", got, pages[0])
	}
	if got := tr.PagesAtPosition("10", 1); len(got) != 1 || got[0] != pages[1] {
		t.Fatalf("PagesAtPosition(10, 1) = %v; want [%v]", got, pages[1])
	}
}

func TestUpdateRefusesRestorableRevert(t *testing.T) {
	tr := New()
	n := tr.Add(&Node{Kind: KindPage, Restorable: false}, Append, nil)
	if tr.Update(n, Patch{Restorable: Ptr(true)}) {
		t.Fatalf("Update() = true; want false for restorable false->true")
	}
	if n.Restorable {
		t.Fatalf("Restorable = true; want false")
	}
}

func TestMoveReportsOnlyRealChanges(t *testing.T) {
	tr, w, pages := buildTree(t)

	if tr.Move(pages[1], After, pages[0], false) {
		t.Fatalf("Move() to current slot = true; want false")
	}
	if !tr.Move(pages[2], Prepend, w, false) {
		t.Fatalf("Move() prepend = false; want true")
	}
	if got := ids(w.Children()); got[0] != pages[2].ID {
		t.Fatalf("children = %v; want %s first", got, pages[2].ID)
	}
	if tr.Move(w, Append, pages[0], false) {
		t.Fatalf("Move() into own subtree = true; want false")
	}
}

func TestRemovePromotesChildrenAndArchives(t *testing.T) {
	tr, w, pages := buildTree(t)
	child := tr.Add(&Node{Kind: KindPage, URL: "https://child.test/"}, Append, pages[0])
	pages[0].SessionGUID = "guid-1"

	tr.Remove(pages[0], true)

	if got := ids(w.Children()); len(got) != 3 || got[0] != child.ID {
		t.Fatalf("children = %v; want promoted child first", got)
	}
	if tr.PageByLiveID("A") != nil {
		t.Fatalf("PageByLiveID(A) still set after remove")
	}
	a := tr.Archived("guid-1")
	if a == nil || a.ID != pages[0].ID || !a.Hibernated || a.LiveID != "" {
		t.Fatalf("Archived(guid-1) = %v; want hibernated archived %s", a, pages[0].ID)
	}
	tr.Unarchive(a)
	if tr.ArchiveLen() != 0 {
		t.Fatalf("ArchiveLen() = %d; want 0", tr.ArchiveLen())
	}
}

func TestUnarchiveRestoresEligibility(t *testing.T) {
	tr, _, pages := buildTree(t)
	closed := pages[1]
	closed.SessionGUID = "guid-2"
	tr.Remove(closed, true)

	if tr.Unarchive(pages[0]) {
		t.Fatalf("Unarchive(live node) = true; want false")
	}
	if tr.ArchiveLen() != 1 {
		t.Fatalf("ArchiveLen() = %d; want 1", tr.ArchiveLen())
	}
	a := tr.Archived("guid-2")
	if a == nil || a.Restorable {
		t.Fatalf("Archived(guid-2) = %v; want non-restorable archived node", a)
	}
	if !tr.Unarchive(a) || !a.Restorable {
		t.Fatalf("Unarchive() restorable = %v; want true", a.Restorable)
	}
	if tr.Unarchive(a) {
		t.Fatalf("second Unarchive() = true; want false")
	}
}

func TestMergeMovesChildren(t *testing.T) {
	tr, w, _ := buildTree(t)
	other := tr.Add(&Node{Kind: KindWindow, LiveID: "20"}, Append, nil)
	extra := tr.Add(&Node{Kind: KindPage}, Append, other)

	tr.Merge(other, w)

	if tr.Get(other.ID) != nil {
		t.Fatalf("merged window still present")
	}
	if extra.Parent() != w {
		t.Fatalf("extra parent = %v; want %v", extra.Parent(), w)
	}
	if tr.WindowByLiveID("20") != nil {
		t.Fatalf("WindowByLiveID(20) still set after merge")
	}
}

func TestQueries(t *testing.T) {
	tr, w, pages := buildTree(t)
	got := tr.Filter(w, func(n *Node) bool { return n.Index >= 1 })
	if len(got) != 2 || got[0] != pages[1] {
		t.Fatalf("Filter() = %v; want pages 1..2", got)
	}
	sum := Reduce(tr, nil, 0, func(acc int, n *Node) int { return acc + n.Index })
	if sum != 3 {
		t.Fatalf("Reduce() = %d; want 3", sum)
	}
	groups := GroupBy(tr, nil, func(n *Node) (string, bool) { return n.ContainerID, n.IsPage() })
	if len(groups["10"]) != 3 {
		t.Fatalf("GroupBy()[10] = %d nodes; want 3", len(groups["10"]))
	}
}

func TestSnapshotRoundTripKeepsStructure(t *testing.T) {
	tr, _, pages := buildTree(t)
	tr.Add(&Node{Kind: KindPage, URL: "https://nested.test/"}, Append, pages[1])

	data, err := json.Marshal(tr)
	if err != nil {
		t.Fatalf("json.Marshal() failed: %v", err)
	}
	var d Dump
	if err := json.Unmarshal(data, &d); err != nil {
		t.Fatalf("json.Unmarshal() failed: %v", err)
	}
	loaded, err := Load(d)
	if err != nil {
		t.Fatalf("Load() = %v; want nil", err)
	}
	nested := loaded.Find(nil, func(n *Node) bool { return n.URL == "https://nested.test/" })
	if nested == nil || nested.Parent().ID != pages[1].ID {
		t.Fatalf("nested parent = %v; want %s", nested, pages[1].ID)
	}
	if n := loaded.Add(&Node{Kind: KindPage}, Append, nil); n.ID != "p6" {
		t.Fatalf("next id after load = %q; want p6", n.ID)
	}
}

func TestHibernateAllClearsLiveBindings(t *testing.T) {
	tr, w, pages := buildTree(t)
	tr.HibernateAll()
	if tr.PageByLiveID("A") != nil || tr.WindowByLiveID("10") != nil {
		t.Fatalf("live indexes not cleared")
	}
	if !w.Hibernated || !w.Restorable || !pages[0].Hibernated || !pages[0].Restorable {
		t.Fatalf("nodes not hibernated+restorable")
	}
}

func TestChangeNotifications(t *testing.T) {
	tr := New()
	var got []Op
	tr.OnChange(func(c Change) { got = append(got, c.Op) })
	w := tr.Add(&Node{Kind: KindWindow}, Append, nil)
	tr.SetCollapsed(w, true)
	tr.Remove(w, false)
	if len(got) != 3 || got[0] != OpAdd || got[1] != OpUpdate || got[2] != OpRemove {
		t.Fatalf("changes = %v; want [add update remove]", got)
	}
}
