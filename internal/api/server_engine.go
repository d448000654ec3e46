package api

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/makfc/sidewise/internal/controller"
	"github.com/makfc/sidewise/internal/engine"
	"github.com/makfc/sidewise/internal/live"
	"github.com/makfc/sidewise/internal/tree"
)

func registerEngineHandlers(api huma.API, svc Service) {
	type statusOutput struct {
		Body controller.Status
	}
	huma.Register(api, huma.Operation{OperationID: "get-status", Method: http.MethodGet, Path: "/api/v1/status", Summary: "Engine status, runs and last reconcile report", Tags: []string{"Engine"}},
		func(ctx context.Context, input *struct{}) (*statusOutput, error) {
			st, err := svc.Status(ctx)
			if err != nil {
				return nil, mapErr(err)
			}
			return &statusOutput{Body: st}, nil
		})

	type treeOutput struct {
		Body tree.Dump
	}
	huma.Register(api, huma.Operation{OperationID: "get-tree", Method: http.MethodGet, Path: "/api/v1/tree", Summary: "Dump the window/page tree", Tags: []string{"Tree"}},
		func(ctx context.Context, input *struct{}) (*treeOutput, error) {
			d, err := svc.Tree(ctx)
			if err != nil {
				return nil, mapErr(err)
			}
			return &treeOutput{Body: d}, nil
		})

	type nodeInput struct {
		NodeID string `path:"node_id"`
	}
	type nodeOutput struct {
		Body tree.Node
	}
	huma.Register(api, huma.Operation{OperationID: "get-node", Method: http.MethodGet, Path: "/api/v1/tree/{node_id}", Summary: "Get one tree node", Tags: []string{"Tree"}},
		func(ctx context.Context, input *nodeInput) (*nodeOutput, error) {
			n, err := svc.Node(ctx, input.NodeID)
			if err != nil {
				return nil, mapErr(err)
			}
			return &nodeOutput{Body: n}, nil
		})

	type windowsOutput struct {
		Body struct {
			Windows []live.Window `json:"windows"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "list-live-windows", Method: http.MethodGet, Path: "/api/v1/live/windows", Summary: "List live browser windows", Tags: []string{"Live"}},
		func(ctx context.Context, input *struct{}) (*windowsOutput, error) {
			ws, err := svc.LiveWindows(ctx)
			if err != nil {
				return nil, mapErr(err)
			}
			out := &windowsOutput{}
			out.Body.Windows = ws
			return out, nil
		})

	type runOutput struct {
		Body engine.Snapshot
	}
	huma.Register(api, huma.Operation{OperationID: "start-run", Method: http.MethodPost, Path: "/api/v1/runs", Summary: "Start an association run", Tags: []string{"Engine"}},
		func(ctx context.Context, input *struct{}) (*runOutput, error) {
			st, err := svc.StartRun(ctx)
			if err != nil {
				return nil, mapErr(err)
			}
			return &runOutput{Body: st}, nil
		})

	type reconcileOutput struct {
		Body engine.Report
	}
	huma.Register(api, huma.Operation{OperationID: "reconcile", Method: http.MethodPost, Path: "/api/v1/reconcile", Summary: "Run a reconcile pass now", Tags: []string{"Engine"}},
		func(ctx context.Context, input *struct{}) (*reconcileOutput, error) {
			rep, err := svc.Reconcile(ctx)
			if err != nil {
				return nil, mapErr(err)
			}
			return &reconcileOutput{Body: rep}, nil
		})

	type associateInput struct {
		TabID string `path:"tab_id"`
	}
	type associateOutput struct {
		Body struct {
			TabID  string `json:"tab_id"`
			Status string `json:"status"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "associate-tab", Method: http.MethodPost, Path: "/api/v1/tabs/{tab_id}/associate", Summary: "Bind one live tab to the tree", Tags: []string{"Engine"}},
		func(ctx context.Context, input *associateInput) (*associateOutput, error) {
			if err := svc.AssociateTab(ctx, input.TabID); err != nil {
				return nil, mapErr(err)
			}
			out := &associateOutput{}
			out.Body.TabID = input.TabID
			out.Body.Status = "submitted"
			return out, nil
		})
}
