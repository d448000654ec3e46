package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/makfc/sidewise/internal/backup"
	"github.com/makfc/sidewise/internal/controller"
	"github.com/makfc/sidewise/internal/engine"
	"github.com/makfc/sidewise/internal/events"
	"github.com/makfc/sidewise/internal/live"
	"github.com/makfc/sidewise/internal/tree"
)

type Service interface {
	Status(ctx context.Context) (controller.Status, error)
	Tree(ctx context.Context) (tree.Dump, error)
	Node(ctx context.Context, id string) (tree.Node, error)
	LiveWindows(ctx context.Context) ([]live.Window, error)
	StartRun(ctx context.Context) (engine.Snapshot, error)
	Reconcile(ctx context.Context) (engine.Report, error)
	AssociateTab(ctx context.Context, tabID string) error
	ListCheckpoints() ([]backup.Meta, error)
	GetCheckpoint(id string) (backup.Meta, error)
	CreateCheckpoint(ctx context.Context, reason string) (backup.Meta, error)
	DeleteCheckpoint(id string) error
	Settings() map[string]string
	SetSetting(name, value string) (map[string]string, error)
}

// Options configures the optional parts of the server.
type Options struct {
	Broker    *events.Broker
	Heartbeat time.Duration
}

func NewServer(svc Service, opts Options) http.Handler {
	router := chi.NewMux()
	router.Use(middleware.RequestID)
	router.Use(requestLogger)
	router.Use(middleware.Recoverer)

	cfg := huma.DefaultConfig("Sidewise API", "1.0.0")
	cfg.DocsPath = ""
	api := humachi.New(router, cfg)

	router.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		if _, err := w.Write([]byte(docsHTML)); err != nil {
			slog.Debug("docs response write failed", "error", err)
		}
	})
	if opts.Broker != nil {
		router.Get("/api/v1/events", events.SSEHandler(opts.Broker, opts.Heartbeat))
	}

	registerEngineHandlers(api, svc)
	registerCheckpointHandlers(api, svc)
	registerMiscHandlers(api, svc)

	return router
}

func mapErr(err error) error {
	if err == nil {
		return nil
	}
	var coded *live.CodedError
	if errors.As(err, &coded) {
		switch coded.Code {
		case live.CodeValidation:
			return huma.Error400BadRequest(coded.Message)
		case live.CodeTabNotFound, live.CodeCheckpointNotFound:
			return huma.Error404NotFound(coded.Message)
		case live.CodeUnsupported:
			return huma.Error501NotImplemented(coded.Message)
		case live.CodeCDPUnavailable:
			return huma.Error502BadGateway(coded.Message)
		default:
			return huma.Error500InternalServerError(fmt.Sprintf("%s: %s", coded.Code, coded.Message))
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return huma.Error504GatewayTimeout(err.Error())
	}
	return huma.Error500InternalServerError(err.Error())
}
