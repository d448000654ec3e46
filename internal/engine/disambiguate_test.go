package engine

import (
	"testing"

	"github.com/makfc/sidewise/internal/tree"
)

func TestDisambiguatorReciprocalSwap(t *testing.T) {
	tr := tree.New()
	w1 := boundWindow(tr, "1")
	w2 := boundWindow(tr, "2")
	a := boundPage(tr, w1, "https://dup.example/", "tab-in-2", "2", 0)
	b := boundPage(tr, w2, "https://dup.example/", "tab-in-1", "1", 0)
	d := &Disambiguator{store: tr}

	res := d.Run(3)

	if res.Swaps != 1 || res.Unresolved != 0 {
		t.Fatalf("Run() = %+v; want one swap", res)
	}
	if a.LiveID != "tab-in-1" || a.ContainerID != "1" || b.LiveID != "tab-in-2" || b.ContainerID != "2" {
		t.Fatalf("after swap a=%s/%s b=%s/%s", a.LiveID, a.ContainerID, b.LiveID, b.ContainerID)
	}
	if tr.PageByLiveID("tab-in-1") != a || tr.PageByLiveID("tab-in-2") != b {
		t.Fatal("live index not updated by swap")
	}

	if again := d.Run(3); again.Swaps != 0 || again.Rounds != 1 {
		t.Fatalf("second Run() = %+v; want no swaps in one round", again)
	}
}

func TestDisambiguatorPrefersSameIndexPartner(t *testing.T) {
	tr := tree.New()
	w1 := boundWindow(tr, "1")
	w2 := boundWindow(tr, "2")
	n := boundPage(tr, w1, "https://dup.example/", "x", "2", 1)
	far := boundPage(tr, w2, "https://dup.example/", "y", "1", 0)
	near := boundPage(tr, w2, "https://dup.example/", "z", "1", 1)
	d := &Disambiguator{store: tr}

	d.Run(1)

	if n.LiveID != "z" || near.LiveID != "x" {
		t.Fatalf("n=%s near=%s; want exchange with same-index partner", n.LiveID, near.LiveID)
	}
	if far.LiveID != "y" {
		t.Fatalf("far partner changed to %s", far.LiveID)
	}
}

func TestDisambiguatorConvergesOnCycle(t *testing.T) {
	tr := tree.New()
	w1 := boundWindow(tr, "1")
	w2 := boundWindow(tr, "2")
	w3 := boundWindow(tr, "3")
	pages := []*tree.Node{
		boundPage(tr, w1, "https://dup.example/", "t2", "2", 0),
		boundPage(tr, w2, "https://dup.example/", "t3", "3", 0),
		boundPage(tr, w3, "https://dup.example/", "t1", "1", 0),
	}
	d := &Disambiguator{store: tr}

	res := d.Run(3)

	if res.Rounds > 3 {
		t.Fatalf("Rounds = %d; want at most 3", res.Rounds)
	}
	for _, p := range pages {
		if misplaced(p) {
			t.Fatalf("page %s still misplaced: container %s under %s", p.ID, p.ContainerID, topLive(p))
		}
	}
}

func TestDisambiguatorLogsResidueWithoutPartner(t *testing.T) {
	buf := captureLogs(t)
	tr := tree.New()
	w1 := boundWindow(tr, "1")
	boundPage(tr, w1, "https://dup.example/", "a", "3", 0)
	boundPage(tr, w1, "https://dup.example/", "b", "3", 1)
	d := &Disambiguator{store: tr}

	res := d.Run(3)

	if res.Swaps != 0 || res.Unresolved != 2 || res.Rounds != 1 {
		t.Fatalf("Run() = %+v; want 2 unresolved, no swaps, one round", res)
	}
	if buf.Len() == 0 {
		t.Fatal("expected unresolved cases to be logged")
	}
}

func TestDisambiguatorIgnoresDistinctKeys(t *testing.T) {
	tr := tree.New()
	w1 := boundWindow(tr, "1")
	w2 := boundWindow(tr, "2")
	boundPage(tr, w1, "https://a.example/", "a", "2", 0)
	boundPage(tr, w2, "https://b.example/", "b", "1", 0)
	d := &Disambiguator{store: tr}

	if res := d.Run(3); res.Swaps != 0 || res.Unresolved != 0 {
		t.Fatalf("Run() = %+v; want nothing to do", res)
	}
}
