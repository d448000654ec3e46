package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/makfc/sidewise/internal/backup"
	"github.com/makfc/sidewise/internal/engine"
	"github.com/makfc/sidewise/internal/events"
	"github.com/makfc/sidewise/internal/live"
	"github.com/makfc/sidewise/internal/loop"
	"github.com/makfc/sidewise/internal/notify"
	"github.com/makfc/sidewise/internal/tree"
)

// Runner executes a task on the goroutine that owns the tree and engine.
// *loop.Loop implements it.
type Runner interface {
	Do(ctx context.Context, task loop.Task) error
}

// SettingsStore reads and writes named settings.
type SettingsStore interface {
	All() map[string]string
	Set(name, value string) error
}

// Deps are the collaborators of the Service. Broker and Notifier are
// optional.
type Deps struct {
	Runner   Runner
	Engine   *engine.Engine
	Tree     *tree.Tree
	Live     live.Provider
	Backups  *backup.Store
	Settings SettingsStore
	Broker   *events.Broker
	Notifier *notify.Notifier
}

// Service wraps engine operations for the HTTP API. Every method that
// touches the tree or engine hops onto the event loop.
type Service struct {
	runner   Runner
	engine   *engine.Engine
	tree     *tree.Tree
	live     live.Provider
	backups  *backup.Store
	settings SettingsStore
	broker   *events.Broker
	notifier *notify.Notifier
}

func NewService(d Deps) *Service {
	s := &Service{
		runner:   d.Runner,
		engine:   d.Engine,
		tree:     d.Tree,
		live:     d.Live,
		backups:  d.Backups,
		settings: d.Settings,
		broker:   d.Broker,
		notifier: d.Notifier,
	}
	return s
}

// Watch publishes reconcile reports and raises alerts for anomalies. It
// must run on the event loop before the first reconcile.
func (s *Service) Watch() {
	s.engine.Reconciler().OnFinished(func(rep engine.Report) {
		if s.broker != nil {
			s.broker.PublishJSON(events.FeedReconcile, rep)
		}
		if rep.Anomalies > 0 && s.notifier.Enabled() {
			msg := fmt.Sprintf("sidewise reconcile left %d page(s) unresolved after %d swap(s)", rep.Anomalies, rep.Swaps)
			go func() {
				if _, err := s.notifier.Alert(context.Background(), msg); err != nil {
					slog.Warn("anomaly alert failed", "error", err)
				}
			}()
		}
	})
}

func (s *Service) requireNonEmpty(value, fieldName string) error {
	if strings.TrimSpace(value) == "" {
		return &live.CodedError{Code: live.CodeValidation, Message: fieldName + " is required"}
	}
	return nil
}

func (s *Service) do(ctx context.Context, task loop.Task) error {
	if err := s.runner.Do(ctx, task); err != nil {
		if errors.Is(err, loop.ErrStopped) {
			return live.NewError(live.CodeCDPUnavailable, "engine is shutting down", err)
		}
		return err
	}
	return nil
}

// Status is the engine status plus tree and subscriber counts.
type Status struct {
	engine.Snapshot
	Nodes       int `json:"nodes"`
	Windows     int `json:"windows"`
	Archived    int `json:"archived"`
	Subscribers int `json:"subscribers"`
}

func (s *Service) Status(ctx context.Context) (Status, error) {
	var out Status
	err := s.do(ctx, func(context.Context) {
		out.Snapshot = s.engine.Status()
		out.Nodes = s.tree.Len()
		out.Windows = len(s.tree.Windows())
		out.Archived = s.tree.ArchiveLen()
	})
	if s.broker != nil {
		out.Subscribers = s.broker.ClientCount()
	}
	return out, err
}

// Tree returns a dump of the whole tree.
func (s *Service) Tree(ctx context.Context) (tree.Dump, error) {
	var d tree.Dump
	err := s.do(ctx, func(context.Context) { d = s.tree.Snapshot() })
	return d, err
}

// Node returns a single node by stable id.
func (s *Service) Node(ctx context.Context, id string) (tree.Node, error) {
	if err := s.requireNonEmpty(id, "node_id"); err != nil {
		return tree.Node{}, err
	}
	var (
		out   tree.Node
		found bool
	)
	err := s.do(ctx, func(context.Context) {
		if n := s.tree.Get(strings.TrimSpace(id)); n != nil {
			out, found = n.Clone(), true
		}
	})
	if err != nil {
		return tree.Node{}, err
	}
	if !found {
		return tree.Node{}, live.NewError(live.CodeValidation, "node not found: "+id, nil)
	}
	return out, nil
}

// LiveWindows lists the host's windows.
func (s *Service) LiveWindows(ctx context.Context) ([]live.Window, error) {
	return s.live.Windows(ctx)
}

// StartRun begins an association run and returns the status afterwards.
func (s *Service) StartRun(ctx context.Context) (engine.Snapshot, error) {
	var st engine.Snapshot
	err := s.do(ctx, func(loopCtx context.Context) {
		s.engine.StartRun(loopCtx)
		st = s.engine.Status()
	})
	if s.broker != nil && err == nil {
		s.broker.PublishJSON(events.FeedRun, st)
	}
	return st, err
}

// Reconcile runs a full reconcile pass synchronously.
func (s *Service) Reconcile(ctx context.Context) (engine.Report, error) {
	var rep *engine.Report
	if err := s.do(ctx, func(loopCtx context.Context) { rep = s.engine.Reconciler().Run(loopCtx) }); err != nil {
		return engine.Report{}, err
	}
	if rep == nil {
		return engine.Report{}, live.NewError(live.CodeCDPUnavailable, "live topology unavailable", nil)
	}
	return *rep, nil
}

// AssociateTab binds one live tab to the tree, retrying in the background
// when the tab is not ready yet.
func (s *Service) AssociateTab(ctx context.Context, tabID string) error {
	if err := s.requireNonEmpty(tabID, "tab_id"); err != nil {
		return err
	}
	tabID = strings.TrimSpace(tabID)
	if _, err := s.live.Tab(ctx, tabID); err != nil {
		return err
	}
	return s.do(ctx, func(loopCtx context.Context) { s.engine.AssociateExisting(loopCtx, tabID) })
}

func (s *Service) ListCheckpoints() ([]backup.Meta, error) {
	return s.backups.List()
}

func (s *Service) GetCheckpoint(id string) (backup.Meta, error) {
	if err := s.requireNonEmpty(id, "checkpoint_id"); err != nil {
		return backup.Meta{}, err
	}
	meta, err := s.backups.Get(strings.TrimSpace(id))
	return meta, mapBackupErr(err)
}

// CreateCheckpoint saves the current tree.
func (s *Service) CreateCheckpoint(ctx context.Context, reason string) (backup.Meta, error) {
	if strings.TrimSpace(reason) == "" {
		reason = "manual"
	}
	var (
		meta backup.Meta
		err  error
	)
	if doErr := s.do(ctx, func(context.Context) {
		meta, err = s.backups.Save(s.tree.Snapshot(), reason)
	}); doErr != nil {
		return backup.Meta{}, doErr
	}
	return meta, err
}

func (s *Service) DeleteCheckpoint(id string) error {
	if err := s.requireNonEmpty(id, "checkpoint_id"); err != nil {
		return err
	}
	return mapBackupErr(s.backups.Delete(strings.TrimSpace(id)))
}

func mapBackupErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, backup.ErrNotFound):
		return live.NewError(live.CodeCheckpointNotFound, err.Error(), err)
	case strings.HasPrefix(err.Error(), "invalid checkpoint id"):
		return live.NewError(live.CodeValidation, err.Error(), err)
	}
	return err
}

func (s *Service) Settings() map[string]string {
	return s.settings.All()
}

func (s *Service) SetSetting(name, value string) (map[string]string, error) {
	if err := s.requireNonEmpty(name, "name"); err != nil {
		return nil, err
	}
	if err := s.settings.Set(strings.TrimSpace(name), strings.TrimSpace(value)); err != nil {
		return nil, err
	}
	return s.settings.All(), nil
}
