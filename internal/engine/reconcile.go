package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/makfc/sidewise/internal/live"
)

const (
	reconcileTimer = "reconcile"
	conformTimer   = "conform-order"
)

// Report totals what one reconcile pass changed.
type Report struct {
	Started        time.Time     `json:"started"`
	Duration       time.Duration `json:"duration"`
	Swaps          int           `json:"swaps"`
	Merges         int           `json:"merges"`
	Moves          int           `json:"moves"`
	WindowBindings int           `json:"window_bindings"`
	Removals       int           `json:"removals"`
	HostMoves      int           `json:"host_moves"`
	Anomalies      int           `json:"anomalies"`
}

// Changes is the number of tree or host mutations the pass made.
func (r Report) Changes() int {
	return r.Swaps + r.Merges + r.Moves + r.WindowBindings + r.Removals + r.HostMoves
}

// pass is the state shared by the stages of one reconcile.
type pass struct {
	tabs   []live.Tab
	byID   map[string]live.Tab
	report *Report
}

type stage struct {
	name string
	run  func(ctx context.Context, p *pass)
}

// Reconciler runs the ordered repair stages. Triggers are coalesced through a
// single named timer.
type Reconciler struct {
	e         *Engine
	stages    []stage
	last      *Report
	count     int
	listeners []func(Report)
}

func newReconciler(e *Engine) *Reconciler {
	r := &Reconciler{e: e}
	r.stages = []stage{
		{"refresh-containers", func(_ context.Context, p *pass) { e.refreshContainers(p) }},
		{"associate-stringent", func(_ context.Context, p *pass) { e.associateWindows(p, true, false) }},
		{"disambiguate", r.disambiguate},
		{"associate-stringent-merge", func(_ context.Context, p *pass) { e.associateWindows(p, true, true) }},
		{"disambiguate", r.disambiguate},
		{"associate-relaxed", func(_ context.Context, p *pass) { e.associateWindows(p, false, false) }},
		{"disambiguate", r.disambiguate},
		{"associate-relaxed-merge", func(_ context.Context, p *pass) { e.associateWindows(p, false, true) }},
		{"finalize", r.finalize},
	}
	return r
}

// Schedule requests a pass after delay. A request while one is pending
// restarts the delay.
func (r *Reconciler) Schedule(delay time.Duration) {
	r.e.sched.After(reconcileTimer, delay, func(ctx context.Context) {
		r.Run(ctx)
	})
}

// OnFinished registers fn to receive a copy of every completed pass report.
func (r *Reconciler) OnFinished(fn func(Report)) {
	r.listeners = append(r.listeners, fn)
}

// Last returns the report of the most recent pass, nil before the first.
func (r *Reconciler) Last() *Report { return r.last }

// Count is the number of completed passes.
func (r *Reconciler) Count() int { return r.count }

// Run executes every stage in order and returns the pass report. It returns
// nil when the live topology cannot be read.
func (r *Reconciler) Run(ctx context.Context) *Report {
	e := r.e
	tabs, err := e.live.Tabs(ctx, "")
	if err != nil {
		slog.Warn("reconcile enumerate failed", "error", err)
		return nil
	}
	p := &pass{tabs: e.hostTabs(tabs), report: &Report{Started: time.Now()}}
	p.byID = tabsByID(p.tabs)

	for i, st := range r.stages {
		st.run(ctx, p)
		slog.Debug("reconcile stage done", "stage", i+1, "name", st.name)
	}

	rep := p.report
	rep.Duration = time.Since(rep.Started)
	r.last = rep
	r.count++
	slog.Info("reconcile finished",
		"swaps", rep.Swaps,
		"merges", rep.Merges,
		"moves", rep.Moves,
		"window_bindings", rep.WindowBindings,
		"removals", rep.Removals,
		"host_moves", rep.HostMoves,
		"anomalies", rep.Anomalies,
		"duration_ms", rep.Duration.Milliseconds())
	for _, fn := range r.listeners {
		fn(*rep)
	}
	return rep
}

func (r *Reconciler) disambiguate(_ context.Context, p *pass) {
	res := r.e.disamb.Run(r.e.cfg.DisambiguateRounds)
	p.report.Swaps += res.Swaps
	p.report.Anomalies += res.Unresolved
	if res.Swaps > 0 || res.Unresolved > 0 {
		r.e.record("disambiguate", nil, "", "")
	}
}

// finalize is the last stage: disambiguate once more, then structural and
// ordering repairs, host order conformance, cleanup and the first checkpoint.
func (r *Reconciler) finalize(ctx context.Context, p *pass) {
	e := r.e
	rep := p.report

	r.disambiguate(ctx, p)
	e.repositionMisplaced(rep)
	e.repairStructure(rep)
	e.deleteEmptyWindows(rep)
	e.store.RebuildIndexes()
	e.fixPinnedOrder(rep)
	e.fixSameKeyOrder(rep)

	rep.HostMoves += e.conformOrder(ctx, p.tabs)
	e.sched.After(conformTimer, e.cfg.ConformSettle, func(ctx context.Context) {
		tabs, err := e.live.Tabs(ctx, "")
		if err != nil {
			slog.Debug("delayed conform enumerate failed", "error", err)
			return
		}
		if n := e.conformOrder(ctx, e.hostTabs(tabs)); n > 0 {
			slog.Info("delayed conform moved tabs", "host_moves", n)
		}
	})

	if e.settings.Bool(SettingPurgeStalePlaceholders, true) {
		e.purgeStalePlaceholders(rep)
	}

	if e.backup != nil && e.settings.Bool(SettingCheckpointOnFirstRun, true) && !e.backup.HasCheckpoint() {
		if err := e.backup.Checkpoint(ctx, "first-reconcile"); err != nil {
			slog.Warn("first checkpoint failed", "error", err)
		}
	}
}

// hostTabs drops the engine's own control surface tabs.
func (e *Engine) hostTabs(tabs []live.Tab) []live.Tab {
	out := make([]live.Tab, 0, len(tabs))
	for _, t := range tabs {
		if !e.isControlSurface(t) {
			out = append(out, t)
		}
	}
	return out
}

// Snapshot is a point-in-time view of the engine for diagnostics.
type Snapshot struct {
	ActiveRuns        int            `json:"active_runs"`
	Runs              []Run          `json:"runs"`
	Stubborn          map[string]int `json:"stubborn"`
	StubbornThreshold int            `json:"stubborn_threshold"`
	Reconciles        int            `json:"reconciles"`
	LastReport        *Report        `json:"last_report,omitempty"`
}

func (e *Engine) Status() Snapshot {
	return Snapshot{
		ActiveRuns:        e.coord.Active(),
		Runs:              e.coord.Runs(),
		Stubborn:          e.coord.stubborn.Counts(),
		StubbornThreshold: e.coord.stubborn.Threshold(),
		Reconciles:        e.reconciler.Count(),
		LastReport:        e.reconciler.Last(),
	}
}
