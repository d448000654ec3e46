package engine

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/makfc/sidewise/internal/live"
	"github.com/makfc/sidewise/internal/tree"
)

func captureLogs(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	oldLogger := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})))
	t.Cleanup(func() {
		slog.SetDefault(oldLogger)
	})
	return &buf
}

func TestStubbornTrackerThreshold(t *testing.T) {
	s := NewStubbornTracker(5*time.Second, 500*time.Millisecond)
	if s.Threshold() != 10 {
		t.Fatalf("Threshold() = %d; want 10", s.Threshold())
	}
	if got := NewStubbornTracker(time.Second, 3*time.Second).Threshold(); got != 1 {
		t.Fatalf("Threshold() with budget below interval = %d; want 1", got)
	}

	for i := 1; i < 10; i++ {
		if s.Increment("t") != i || s.Exceeded("t") {
			t.Fatalf("after %d increments Exceeded() = true", i)
		}
	}
	s.Increment("t")
	if !s.Exceeded("t") {
		t.Fatal("Exceeded() = false at threshold")
	}
	s.Clear("t")
	if s.Len() != 0 || s.Exceeded("t") {
		t.Fatalf("after Clear() Len() = %d", s.Len())
	}
}

func TestStubbornTabEscalatesExactlyAtThreshold(t *testing.T) {
	ctx := context.Background()
	tr := tree.New()
	fl := newFakeLive(tab("t", "1", 0, "https://slow.example/"))
	e, sched := newTestEngine(tr, fl)

	e.StartRun(ctx)
	if e.Coordinator().Active() != 1 {
		t.Fatalf("Active() = %d; want 1", e.Coordinator().Active())
	}
	threshold := e.Coordinator().Stubborn().Threshold()
	if threshold != 3 {
		t.Fatalf("Threshold() = %d; want 3", threshold)
	}

	for i := 1; i < threshold; i++ {
		sched.tick(t, ctx)
		if tr.PageByLiveID("t") != nil {
			t.Fatalf("tab bound after %d ticks; want binding at tick %d", i, threshold)
		}
	}
	sched.tick(t, ctx)
	n := tr.PageByLiveID("t")
	if n == nil {
		t.Fatalf("tab not bound after %d ticks", threshold)
	}
	if n.Parent().LiveID != "1" {
		t.Fatalf("fresh node parent = %v; want window bound to 1", n.Parent())
	}
	if name := sched.runTimerName(); name != "" {
		t.Fatalf("run timer %q still armed after escalation", name)
	}
	if e.Coordinator().Stubborn().Len() != 0 {
		t.Fatalf("stubborn table = %v; want empty", e.Coordinator().Stubborn().Counts())
	}
	if e.Coordinator().Active() != 0 {
		t.Fatalf("Active() = %d; want 0", e.Coordinator().Active())
	}
}

func TestStartIsSingleFlight(t *testing.T) {
	ctx := context.Background()
	fl := newFakeLive(tab("t", "1", 0, "https://slow.example/"))
	e, _ := newTestEngine(tree.New(), fl)

	e.StartRun(ctx)
	e.StartRun(ctx)

	if runs := e.Coordinator().Runs(); len(runs) != 1 || runs[0].Total != 1 {
		t.Fatalf("Runs() = %+v; want one run with one tab", runs)
	}
	if fl.requested("t") != 1 {
		t.Fatalf("detail requests = %d; want 1", fl.requested("t"))
	}
}

func TestEndWithoutTimerIsBenign(t *testing.T) {
	buf := captureLogs(t)
	ctx := context.Background()
	e, sched := newTestEngine(tree.New(), newFakeLive())

	e.StartRun(ctx)

	if e.Coordinator().Active() != 0 {
		t.Fatalf("Active() = %d; want 0 for an empty run", e.Coordinator().Active())
	}
	if strings.Contains(buf.String(), "timer cancel failed") {
		t.Fatalf("missing timer was reported: %q", buf.String())
	}
	if !sched.pending(reconcileTimer) {
		t.Fatal("ending a run did not schedule a reconcile")
	}
}

func TestFastMatchRestoresDuplicatesByIndex(t *testing.T) {
	ctx := context.Background()
	tr := tree.New()
	w := hibernatedWindow(tr)
	p0 := hibernatedPage(tr, w, "https://dup.example/", 0)
	p1 := hibernatedPage(tr, w, "https://dup.example/", 1)
	fl := newFakeLive(
		tab("a", "10", 0, "https://dup.example/"),
		tab("b", "10", 1, "https://dup.example/"),
	)
	e, _ := newTestEngine(tr, fl)

	e.StartRun(ctx)

	if p0.LiveID != "a" || p1.LiveID != "b" {
		t.Fatalf("bindings = %s:%s %s:%s; want p0:a p1:b", p0.ID, p0.LiveID, p1.ID, p1.LiveID)
	}
	if p0.Hibernated || p0.Restorable {
		t.Fatalf("restored node still hibernated=%v restorable=%v", p0.Hibernated, p0.Restorable)
	}
	if fl.requested("a") != 1 {
		t.Fatalf("metadata detail requests for a = %d; want 1", fl.requested("a"))
	}

	first := e.Reconciler().Run(ctx)
	if first == nil {
		t.Fatal("Run() = nil")
	}
	if w.LiveID != "10" || w.Hibernated {
		t.Fatalf("window = %v; want bound to 10", w)
	}
	if p0.LiveID != "a" || p1.LiveID != "b" {
		t.Fatalf("after reconcile bindings = %s %s; want a b", p0.LiveID, p1.LiveID)
	}

	second := e.Reconciler().Run(ctx)
	if second.Changes() != 0 {
		t.Fatalf("second Run() changes = %+v; want none", *second)
	}
}

func TestContainerIdentityInference(t *testing.T) {
	ctx := context.Background()
	tr := tree.New()
	w := hibernatedWindow(tr)
	w.Collapsed = true
	p := hibernatedPage(tr, w, "https://unique.example/", 0)
	other := boundWindow(tr, "77")
	q := boundPage(tr, other, "https://other.example/", "q", "77", 1)
	fl := newFakeLive(
		tab("t", "77", 0, "https://unique.example/"),
		tab("q", "77", 1, "https://other.example/"),
	)
	e, _ := newTestEngine(tr, fl)

	e.StartRun(ctx)

	if p.LiveID != "t" {
		t.Fatalf("page LiveID = %q; want t", p.LiveID)
	}
	if w.LiveID != "77" || w.Hibernated || w.Collapsed {
		t.Fatalf("window = %+v; want bound to 77 and expanded", *w)
	}
	if tr.Get(other.ID) != nil {
		t.Fatal("already-live window 77 was not merged")
	}
	if got := childIDs(w); len(got) != 2 || got[0] != p.ID || got[1] != q.ID {
		t.Fatalf("window children = %v; want [%s %s]", got, p.ID, q.ID)
	}
	if tr.WindowByLiveID("77") != w {
		t.Fatal("window index does not point at the inferred window")
	}
}

func TestNonScriptableTabBindsWithoutDetail(t *testing.T) {
	ctx := context.Background()
	tr := tree.New()
	w1 := hibernatedWindow(tr)
	first := hibernatedPage(tr, w1, "chrome://settings/", 0)
	w2 := hibernatedWindow(tr)
	hibernatedPage(tr, w2, "chrome://settings/", 0)
	fl := newFakeLive(
		tab("s", "1", 0, "chrome://settings/"),
		tab("h", "1", 1, "chrome://history/"),
	)
	e, sched := newTestEngine(tr, fl)

	e.StartRun(ctx)

	if first.LiveID != "s" {
		t.Fatalf("first candidate LiveID = %q; want s", first.LiveID)
	}
	fresh := tr.PageByLiveID("h")
	if fresh == nil || fresh.URL != "chrome://history/" {
		t.Fatalf("unmatched internal page = %v; want a fresh node", fresh)
	}
	if len(fl.requests) != 0 {
		t.Fatalf("detail requests = %v; want none", fl.requests)
	}
	if sched.runTimerName() != "" {
		t.Fatal("run armed a tick timer with nothing pending")
	}
}

func TestControlSurfaceIsSkipped(t *testing.T) {
	ctx := context.Background()
	tr := tree.New()
	fl := newFakeLive(tab("c", "1", 0, "chrome-extension://abc/sidebar.html"))
	e, _ := newTestEngine(tr, fl)

	e.StartRun(ctx)

	if tr.PageByLiveID("c") != nil || tr.Len() != 0 {
		t.Fatalf("control surface got a node; tree has %d nodes", tr.Len())
	}
}

func TestDetailResponseRestoresFuzzyMatch(t *testing.T) {
	ctx := context.Background()
	tr := tree.New()
	w1 := hibernatedWindow(tr)
	n1 := hibernatedPage(tr, w1, "https://same.example/", 0)
	n1.Referrer = "https://one.example/from"
	w2 := hibernatedWindow(tr)
	n2 := hibernatedPage(tr, w2, "https://same.example/", 0)
	n2.Referrer = "https://two.example/from"
	fl := newFakeLive(tab("t", "5", 0, "https://same.example/"))
	fl.ready["t"] = true
	e, _ := newTestEngine(tr, fl)

	e.StartRun(ctx)
	if tr.PageByLiveID("t") != nil {
		t.Fatal("ambiguous scriptable tab was fast-matched")
	}

	e.OnDetail(ctx, "t", live.Detail{Referrer: "https://two.example/from", SessionGUID: "g-1"})

	if n2.LiveID != "t" || n1.LiveID != "" {
		t.Fatalf("bindings n1=%q n2=%q; want n2 bound", n1.LiveID, n2.LiveID)
	}
	if n2.SessionGUID != "g-1" {
		t.Fatalf("SessionGUID = %q; want g-1", n2.SessionGUID)
	}
	if w2.LiveID != "5" {
		t.Fatalf("window LiveID = %q; want 5 inferred from unique page", w2.LiveID)
	}
	runs := e.Coordinator().Runs()
	if len(runs) != 1 || len(runs[0].Pending) != 0 || runs[0].Resolved != 1 {
		t.Fatalf("Runs() = %+v; want the tab resolved", runs)
	}
}

func TestDetailWithoutMatchCreatesFreshNode(t *testing.T) {
	ctx := context.Background()
	tr := tree.New()
	fl := newFakeLive(
		tab("x", "3", 0, "https://x.example/"),
		tab("t", "3", 1, "https://new.example/"),
	)
	fl.tabs[1].Active = true
	fl.ready["t"] = true
	e, _ := newTestEngine(tr, fl)

	e.OnDetail(ctx, "t", live.Detail{Referrer: "https://ref.example/a", HistoryLength: 2})

	n := tr.PageByLiveID("t")
	if n == nil {
		t.Fatal("no node created")
	}
	if n.Referrer != "https://ref.example/a" || n.HistoryLength != 2 || !n.Focused {
		t.Fatalf("fresh node = %+v", *n)
	}
	if n.Parent() != tr.WindowByLiveID("3") {
		t.Fatalf("fresh node parent = %v; want window 3", n.Parent())
	}
}

func TestDetailRestoresArchivedNodeBySessionGUID(t *testing.T) {
	ctx := context.Background()
	tr := tree.New()
	w := boundWindow(tr, "1")
	p := boundPage(tr, w, "https://keep.example/", "t1", "1", 0)
	p.SessionGUID = "guid-1"
	boundPage(tr, w, "https://stay.example/", "t0", "1", 1)
	fl := newFakeLive(tab("t2", "1", 0, "https://keep.example/"))
	e, _ := newTestEngine(tr, fl)

	e.TabRemoved(ctx, "t1")
	if tr.Get(p.ID) != nil || tr.ArchiveLen() != 1 {
		t.Fatalf("closed tab node not archived; archive len = %d", tr.ArchiveLen())
	}

	e.OnDetail(ctx, "t2", live.Detail{SessionGUID: "guid-1"})

	if got := tr.PageByLiveID("t2"); got != p {
		t.Fatalf("PageByLiveID(t2) = %v; want archived node %s", got, p.ID)
	}
	if tr.ArchiveLen() != 0 || p.Parent() != w {
		t.Fatalf("archive len = %d, parent = %v", tr.ArchiveLen(), p.Parent())
	}
}

func TestAssociateExistingMergesIntoRestorableNode(t *testing.T) {
	ctx := context.Background()
	tr := tree.New()
	live1 := boundWindow(tr, "1")
	fresh := boundPage(tr, live1, "https://start.example/", "t", "1", 0)
	old := hibernatedWindow(tr)
	m := hibernatedPage(tr, old, "https://restored.example/", 0)
	m.Title = "Restored"
	fl := newFakeLive(tab("t", "1", 0, "https://restored.example/"))
	fl.ready["t"] = true
	e, _ := newTestEngine(tr, fl)

	e.OnTopology(ctx, live.TopologyEvent{Kind: live.TopologyChanged, TabID: "t", URL: "https://restored.example/"})
	if fresh.URL != "https://restored.example/" {
		t.Fatalf("URL = %q; want navigation recorded", fresh.URL)
	}
	e.OnDetail(ctx, "t", live.Detail{})

	if tr.PageByLiveID("t") != m {
		t.Fatalf("PageByLiveID(t) = %v; want %s", tr.PageByLiveID("t"), m.ID)
	}
	if tr.Get(fresh.ID) != nil {
		t.Fatal("duplicate node was not merged away")
	}
	if tr.WindowByLiveID("1") != old || tr.Get(live1.ID) != nil {
		t.Fatal("restorable window did not absorb live window 1")
	}
}

func TestMetadataDetailDoesNotRebind(t *testing.T) {
	ctx := context.Background()
	tr := tree.New()
	w := hibernatedWindow(tr)
	p := hibernatedPage(tr, w, "https://meta.example/", 0)
	other := hibernatedPage(tr, w, "https://meta.example/", 4)
	other.Referrer = "https://ref.example/x"
	fl := newFakeLive(tab("t", "1", 0, "https://meta.example/"))
	fl.ready["t"] = true
	e, _ := newTestEngine(tr, fl)

	e.StartRun(ctx)
	e.OnDetail(ctx, "t", live.Detail{Referrer: "https://ref.example/x", HistoryLength: 1})

	if tr.PageByLiveID("t") != p || !other.Hibernated {
		t.Fatal("metadata response moved the binding")
	}
	if p.Referrer != "https://ref.example/x" || p.HistoryLength != 1 {
		t.Fatalf("metadata not stored: %+v", *p)
	}
}

func TestAssociateExistingGivesUpAfterRetries(t *testing.T) {
	buf := captureLogs(t)
	ctx := context.Background()
	fl := newFakeLive(tab("t", "1", 0, "https://x.example/"))
	e, sched := newTestEngine(tree.New(), fl)

	e.AssociateExisting(ctx, "t")
	for sched.fire(ctx, "associate:t") {
	}

	if fl.requested("t") != 3 {
		t.Fatalf("detail requests = %d; want 3", fl.requested("t"))
	}
	if !strings.Contains(buf.String(), "associate existing abandoned") {
		t.Fatalf("expected abandonment error log, got %q", buf.String())
	}
}

func TestTopologyCreatedSchedulesRun(t *testing.T) {
	ctx := context.Background()
	tr := tree.New()
	fl := newFakeLive(tab("n", "1", 0, "about:blank"))
	e, sched := newTestEngine(tr, fl)

	e.OnTopology(ctx, live.TopologyEvent{Kind: live.TopologyCreated, TabID: "n"})
	if tr.PageByLiveID("n") != nil {
		t.Fatal("run started before the debounce fired")
	}
	sched.fire(ctx, "topology-run")

	if tr.PageByLiveID("n") == nil {
		t.Fatal("new tab was not associated")
	}
}

func TestStartSkipsTabsWithoutURL(t *testing.T) {
	ctx := context.Background()
	tr := tree.New()
	w := hibernatedWindow(tr)
	mail := hibernatedPage(tr, w, "https://mail.example/inbox", 0)
	fl := newFakeLive(tab("blank", "1", 0, ""))
	e, sched := newTestEngine(tr, fl)

	e.StartRun(ctx)

	if mail.LiveID != "" || !mail.Hibernated {
		t.Fatalf("mail node LiveID = %q hibernated = %v; want untouched", mail.LiveID, mail.Hibernated)
	}
	if got := tr.PageByLiveID("blank"); got != nil {
		t.Fatalf("PageByLiveID(blank) = %v; want unbound until it navigates", got)
	}
	if e.Coordinator().Active() != 0 {
		t.Fatalf("Active() = %d; want 0", e.Coordinator().Active())
	}

	fl.tabs[0].URL = "https://mail.example/inbox"
	e.OnTopology(ctx, live.TopologyEvent{Kind: live.TopologyChanged, TabID: "blank", URL: fl.tabs[0].URL})
	if !sched.fire(ctx, "topology-run") {
		t.Fatal("navigation of an unbound tab did not schedule a run")
	}
	if mail.LiveID != "blank" {
		t.Fatalf("mail node LiveID = %q; want blank after navigation", mail.LiveID)
	}
}

func TestStartPrunesStubbornCountsOfClosedTabs(t *testing.T) {
	ctx := context.Background()
	fl := newFakeLive(tab("gone", "1", 0, "https://slow.example/"))
	e, sched := newTestEngine(tree.New(), fl)

	e.StartRun(ctx)
	sched.tick(t, ctx)
	if got := e.Coordinator().Stubborn().Counts()["gone"]; got != 1 {
		t.Fatalf("stubborn count = %d; want 1", got)
	}

	fl.tabs = nil
	sched.tick(t, ctx)

	if n := e.Coordinator().Stubborn().Len(); n != 0 {
		t.Fatalf("stubborn table = %v; want empty after tab closed", e.Coordinator().Stubborn().Counts())
	}
	if e.Coordinator().Active() != 0 {
		t.Fatalf("Active() = %d; want 0", e.Coordinator().Active())
	}
}
