// Package engine binds live tabs and windows to persisted tree nodes and
// repairs drift between the two.
//
// Every exported method must be called from the event loop goroutine; the
// engine holds no locks.
package engine

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/makfc/sidewise/internal/live"
	"github.com/makfc/sidewise/internal/loop"
	"github.com/makfc/sidewise/internal/match"
	"github.com/makfc/sidewise/internal/tree"
)

// Store is the tree store consumed by the engine. *tree.Tree implements it.
type Store interface {
	Root() *tree.Node
	Get(id string) *tree.Node
	PageByLiveID(id string) *tree.Node
	WindowByLiveID(id string) *tree.Node
	Windows() []*tree.Node

	Walk(scope *tree.Node, fn func(*tree.Node) bool)
	Filter(scope *tree.Node, pred func(*tree.Node) bool) []*tree.Node
	Find(scope *tree.Node, pred func(*tree.Node) bool) *tree.Node

	Add(n *tree.Node, rel tree.Relation, target *tree.Node) *tree.Node
	Move(n *tree.Node, rel tree.Relation, target *tree.Node, suppress bool) bool
	Remove(n *tree.Node, archive bool)
	Merge(from, into *tree.Node)
	Update(n *tree.Node, p tree.Patch) bool
	SetCollapsed(n *tree.Node, collapsed bool) bool
	SetFocused(n *tree.Node)
	RebuildIndexes()

	Archived(guid string) *tree.Node
	Unarchive(n *tree.Node) bool
}

var _ Store = (*tree.Tree)(nil)

// Scheduler runs named timers on the event loop. After is debounced by name.
// *loop.Loop implements it.
type Scheduler interface {
	After(name string, d time.Duration, fn loop.Task)
	Every(name string, d time.Duration, fn loop.Task)
	Cancel(name string) error
}

// Settings reads named user settings.
type Settings interface {
	Bool(name string, def bool) bool
	Int(name string, def int) int
}

// Checkpointer takes backup checkpoints of the tree.
type Checkpointer interface {
	HasCheckpoint() bool
	Checkpoint(ctx context.Context, reason string) error
}

// Journal receives a record for every binding decision.
type Journal interface {
	Write(record any) error
}

const (
	SettingPurgeStalePlaceholders = "purge_stale_placeholders"
	SettingFocusRestoredTabs      = "focus_restored_tabs"
	SettingCheckpointOnFirstRun   = "checkpoint_on_first_reconcile"
)

// Config holds the engine's timing and matching constants.
type Config struct {
	TickInterval        time.Duration
	FallbackBudget      time.Duration
	ReconcileDelay      time.Duration
	ConformSettle       time.Duration
	DisambiguateRounds  int
	AssociateMaxRetries int
	AssociateRetry      time.Duration
	ControlURLPrefix    string
}

func DefaultConfig() Config {
	return Config{
		TickInterval:        500 * time.Millisecond,
		FallbackBudget:      5 * time.Second,
		ReconcileDelay:      500 * time.Millisecond,
		ConformSettle:       1500 * time.Millisecond,
		DisambiguateRounds:  3,
		AssociateMaxRetries: 5,
		AssociateRetry:      time.Second,
		ControlURLPrefix:    "chrome-extension://",
	}
}

// Deps are the engine's collaborators. Settings, Checkpointer and Journal
// are optional.
type Deps struct {
	Store        Store
	Live         live.Provider
	Scheduler    Scheduler
	Settings     Settings
	Checkpointer Checkpointer
	Journal      Journal
}

type Engine struct {
	cfg      Config
	store    Store
	live     live.Provider
	sched    Scheduler
	settings Settings
	backup   Checkpointer
	journal  Journal

	matcher    *match.Matcher
	coord      *Coordinator
	merger     *WindowMerger
	disamb     *Disambiguator
	reconciler *Reconciler
}

func New(cfg Config, d Deps) *Engine {
	def := DefaultConfig()
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = def.TickInterval
	}
	if cfg.FallbackBudget <= 0 {
		cfg.FallbackBudget = def.FallbackBudget
	}
	if cfg.DisambiguateRounds <= 0 {
		cfg.DisambiguateRounds = def.DisambiguateRounds
	}
	if cfg.AssociateMaxRetries <= 0 {
		cfg.AssociateMaxRetries = def.AssociateMaxRetries
	}
	if cfg.AssociateRetry <= 0 {
		cfg.AssociateRetry = def.AssociateRetry
	}

	e := &Engine{
		cfg:      cfg,
		store:    d.Store,
		live:     d.Live,
		sched:    d.Scheduler,
		settings: d.Settings,
		backup:   d.Checkpointer,
		journal:  d.Journal,
		matcher:  match.New(d.Store),
	}
	if e.settings == nil {
		e.settings = defaultSettings{}
	}
	e.merger = &WindowMerger{store: d.Store}
	e.disamb = &Disambiguator{store: d.Store}
	e.coord = newCoordinator(e, NewStubbornTracker(cfg.FallbackBudget, cfg.TickInterval))
	e.reconciler = newReconciler(e)
	return e
}

func (e *Engine) Coordinator() *Coordinator { return e.coord }
func (e *Engine) Reconciler() *Reconciler   { return e.reconciler }

// StartRun begins an association run unless one is active.
func (e *Engine) StartRun(ctx context.Context) { e.coord.Start(ctx) }

// OnDetail routes an in-page detail response into the coordinator.
func (e *Engine) OnDetail(ctx context.Context, tabID string, d live.Detail) {
	e.coord.OnDetailReceived(ctx, tabID, d)
}

// OnTopology reacts to a live tab appearing, disappearing or navigating.
func (e *Engine) OnTopology(ctx context.Context, ev live.TopologyEvent) {
	switch ev.Kind {
	case live.TopologyCreated:
		e.scheduleRun()
	case live.TopologyDestroyed:
		e.TabRemoved(ctx, ev.TabID)
	case live.TopologyChanged:
		n := e.store.PageByLiveID(ev.TabID)
		if n == nil {
			// Tabs without a URL are skipped by runs until they navigate.
			if ev.URL != "" {
				e.scheduleRun()
			}
			return
		}
		if n.Hibernated || ev.URL == "" || ev.URL == n.URL {
			return
		}
		e.store.Update(n, tree.Patch{URL: &ev.URL})
		e.AssociateExisting(ctx, ev.TabID)
	}
}

func (e *Engine) scheduleRun() {
	e.sched.After("topology-run", e.cfg.TickInterval, func(ctx context.Context) {
		e.coord.Start(ctx)
	})
}

// TabRemoved archives the node bound to a closed tab so a later reopen can
// find it by session GUID.
func (e *Engine) TabRemoved(ctx context.Context, tabID string) {
	n := e.store.PageByLiveID(tabID)
	if n == nil {
		return
	}
	slog.Info("tab removed", "tab_id", tabID, "node", n.ID)
	e.store.Remove(n, true)
	e.record("remove", n, tabID, "")
	e.reconciler.Schedule(e.cfg.ReconcileDelay)
}

// AssociateExisting asks an already-bound tab for detail so it can be merged
// into a restorable node that matches better. The request is retried every
// AssociateRetry until it can be dispatched or AssociateMaxRetries is hit.
func (e *Engine) AssociateExisting(ctx context.Context, tabID string) {
	e.associateExisting(ctx, tabID, 0)
}

func (e *Engine) associateExisting(ctx context.Context, tabID string, attempt int) {
	if e.live.RequestDetail(ctx, tabID) {
		e.coord.expectDetail(tabID, 0, false)
		return
	}
	if attempt+1 >= e.cfg.AssociateMaxRetries {
		slog.Error("associate existing abandoned", "tab_id", tabID, "attempts", attempt+1)
		return
	}
	e.sched.After("associate:"+tabID, e.cfg.AssociateRetry, func(ctx context.Context) {
		e.associateExisting(ctx, tabID, attempt+1)
	})
}

func (e *Engine) isControlSurface(t live.Tab) bool {
	return e.cfg.ControlURLPrefix != "" && strings.HasPrefix(t.URL, e.cfg.ControlURLPrefix)
}

// topLive is the live id of n's window, empty when unbound.
func topLive(n *tree.Node) string {
	w := n.TopWindow()
	if w == nil || w.Hibernated {
		return ""
	}
	return w.LiveID
}

type journalEntry struct {
	Time     time.Time `json:"time"`
	Action   string    `json:"action"`
	NodeID   string    `json:"node_id,omitempty"`
	TabID    string    `json:"tab_id,omitempty"`
	WindowID string    `json:"window_id,omitempty"`
	URL      string    `json:"url,omitempty"`
}

func (e *Engine) record(action string, n *tree.Node, tabID, windowID string) {
	if e.journal == nil {
		return
	}
	rec := journalEntry{Time: time.Now().UTC(), Action: action, TabID: tabID, WindowID: windowID}
	if n != nil {
		rec.NodeID = n.ID
		rec.URL = n.URL
	}
	if err := e.journal.Write(rec); err != nil {
		slog.Debug("journal write failed", "action", action, "error", err)
	}
}

type defaultSettings struct{}

func (defaultSettings) Bool(_ string, def bool) bool { return def }
func (defaultSettings) Int(_ string, def int) int    { return def }
