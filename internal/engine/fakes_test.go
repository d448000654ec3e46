package engine

import (
	"context"
	"slices"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/makfc/sidewise/internal/live"
	"github.com/makfc/sidewise/internal/loop"
	"github.com/makfc/sidewise/internal/tree"
)

type fakeLive struct {
	tabs     []live.Tab
	ready    map[string]bool
	requests []string
	moves    []string
	moveErr  error
}

func newFakeLive(tabs ...live.Tab) *fakeLive {
	return &fakeLive{tabs: tabs, ready: make(map[string]bool)}
}

func (f *fakeLive) Tabs(_ context.Context, windowID string) ([]live.Tab, error) {
	var out []live.Tab
	for _, t := range f.tabs {
		if windowID == "" || t.WindowID == windowID {
			out = append(out, t)
		}
	}
	return out, nil
}

func (f *fakeLive) Tab(_ context.Context, id string) (live.Tab, error) {
	for _, t := range f.tabs {
		if t.ID == id {
			return t, nil
		}
	}
	return live.Tab{}, live.NewError(live.CodeTabNotFound, id, nil)
}

func (f *fakeLive) Windows(_ context.Context) ([]live.Window, error) {
	return live.GroupWindows(f.tabs), nil
}

func (f *fakeLive) RequestDetail(_ context.Context, id string) bool {
	f.requests = append(f.requests, id)
	return f.ready[id]
}

func (f *fakeLive) MoveTab(_ context.Context, id, windowID string, index int) error {
	if f.moveErr != nil {
		return f.moveErr
	}
	var win, others []live.Tab
	for _, t := range f.tabs {
		if t.WindowID == windowID {
			win = append(win, t)
		} else {
			others = append(others, t)
		}
	}
	sort.SliceStable(win, func(i, j int) bool { return win[i].Index < win[j].Index })
	from := slices.IndexFunc(win, func(t live.Tab) bool { return t.ID == id })
	if from < 0 {
		return live.NewError(live.CodeTabNotFound, id, nil)
	}
	moved := win[from]
	win = slices.Delete(win, from, from+1)
	win = slices.Insert(win, index, moved)
	for i := range win {
		win[i].Index = i
	}
	f.tabs = append(others, win...)
	f.moves = append(f.moves, id)
	return nil
}

func (f *fakeLive) requested(id string) int {
	n := 0
	for _, r := range f.requests {
		if r == id {
			n++
		}
	}
	return n
}

type manualTimer struct {
	fn    loop.Task
	every bool
}

// manualScheduler fires timers only when a test asks it to.
type manualScheduler struct {
	timers map[string]*manualTimer
}

func newManualScheduler() *manualScheduler {
	return &manualScheduler{timers: make(map[string]*manualTimer)}
}

func (s *manualScheduler) After(name string, _ time.Duration, fn loop.Task) {
	s.timers[name] = &manualTimer{fn: fn}
}

func (s *manualScheduler) Every(name string, _ time.Duration, fn loop.Task) {
	s.timers[name] = &manualTimer{fn: fn, every: true}
}

func (s *manualScheduler) Cancel(name string) error {
	if _, ok := s.timers[name]; !ok {
		return loop.ErrTimerNotFound
	}
	delete(s.timers, name)
	return nil
}

func (s *manualScheduler) pending(name string) bool {
	_, ok := s.timers[name]
	return ok
}

func (s *manualScheduler) fire(ctx context.Context, name string) bool {
	t, ok := s.timers[name]
	if !ok {
		return false
	}
	if !t.every {
		delete(s.timers, name)
	}
	t.fn(ctx)
	return true
}

// runTimerName returns the active association run timer, if any.
func (s *manualScheduler) runTimerName() string {
	for name := range s.timers {
		if strings.HasPrefix(name, "association-run:") {
			return name
		}
	}
	return ""
}

func (s *manualScheduler) tick(t *testing.T, ctx context.Context) {
	t.Helper()
	name := s.runTimerName()
	if name == "" {
		t.Fatal("no association run timer armed")
	}
	s.fire(ctx, name)
}

type fakeCheckpointer struct {
	has   bool
	calls int
}

func (f *fakeCheckpointer) HasCheckpoint() bool { return f.has }

func (f *fakeCheckpointer) Checkpoint(context.Context, string) error {
	f.calls++
	f.has = true
	return nil
}

type memJournal struct {
	records []any
}

func (j *memJournal) Write(record any) error {
	j.records = append(j.records, record)
	return nil
}

func testConfig() Config {
	return Config{
		TickInterval:        100 * time.Millisecond,
		FallbackBudget:      300 * time.Millisecond,
		ReconcileDelay:      10 * time.Millisecond,
		ConformSettle:       10 * time.Millisecond,
		DisambiguateRounds:  3,
		AssociateMaxRetries: 3,
		AssociateRetry:      10 * time.Millisecond,
		ControlURLPrefix:    "chrome-extension://",
	}
}

func newTestEngine(tr *tree.Tree, fl *fakeLive) (*Engine, *manualScheduler) {
	sched := newManualScheduler()
	e := New(testConfig(), Deps{Store: tr, Live: fl, Scheduler: sched, Journal: &memJournal{}})
	return e, sched
}

func tab(id, windowID string, index int, url string) live.Tab {
	return live.Tab{ID: id, WindowID: windowID, Index: index, URL: url, Title: url}
}

func hibernatedWindow(tr *tree.Tree) *tree.Node {
	return tr.Add(&tree.Node{Kind: tree.KindWindow, Hibernated: true, Restorable: true}, tree.Append, nil)
}

func boundWindow(tr *tree.Tree, liveID string) *tree.Node {
	return tr.Add(&tree.Node{Kind: tree.KindWindow, LiveID: liveID}, tree.Append, nil)
}

func hibernatedPage(tr *tree.Tree, win *tree.Node, url string, index int) *tree.Node {
	return tr.Add(&tree.Node{
		Kind:       tree.KindPage,
		URL:        url,
		Title:      url,
		Index:      index,
		Hibernated: true,
		Restorable: true,
	}, tree.Append, win)
}

func boundPage(tr *tree.Tree, parent *tree.Node, url, tabID, containerID string, index int) *tree.Node {
	return tr.Add(&tree.Node{
		Kind:        tree.KindPage,
		URL:         url,
		Title:       url,
		LiveID:      tabID,
		ContainerID: containerID,
		Index:       index,
	}, tree.Append, parent)
}

func childIDs(n *tree.Node) []string {
	var out []string
	for _, c := range n.Children() {
		out = append(out, c.ID)
	}
	return out
}
