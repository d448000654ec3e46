package api

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/makfc/sidewise/internal/backup"
)

func registerCheckpointHandlers(api huma.API, svc Service) {
	type listOutput struct {
		Body struct {
			Checkpoints []backup.Meta `json:"checkpoints"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "list-checkpoints", Method: http.MethodGet, Path: "/api/v1/checkpoints", Summary: "List checkpoints, newest first", Tags: []string{"Checkpoints"}},
		func(ctx context.Context, input *struct{}) (*listOutput, error) {
			metas, err := svc.ListCheckpoints()
			if err != nil {
				return nil, mapErr(err)
			}
			out := &listOutput{}
			out.Body.Checkpoints = metas
			return out, nil
		})

	type metaOutput struct {
		Body backup.Meta
	}
	type createInput struct {
		Body struct {
			Reason string `json:"reason,omitempty" doc:"Free-form reason recorded with the checkpoint"`
		} `required:"false"`
	}
	huma.Register(api, huma.Operation{OperationID: "create-checkpoint", Method: http.MethodPost, Path: "/api/v1/checkpoints", Summary: "Save a checkpoint of the tree", Tags: []string{"Checkpoints"}, DefaultStatus: http.StatusCreated},
		func(ctx context.Context, input *createInput) (*metaOutput, error) {
			meta, err := svc.CreateCheckpoint(ctx, input.Body.Reason)
			if err != nil {
				return nil, mapErr(err)
			}
			return &metaOutput{Body: meta}, nil
		})

	type idInput struct {
		CheckpointID string `path:"checkpoint_id"`
	}
	huma.Register(api, huma.Operation{OperationID: "get-checkpoint", Method: http.MethodGet, Path: "/api/v1/checkpoints/{checkpoint_id}", Summary: "Get checkpoint metadata", Tags: []string{"Checkpoints"}},
		func(ctx context.Context, input *idInput) (*metaOutput, error) {
			meta, err := svc.GetCheckpoint(input.CheckpointID)
			if err != nil {
				return nil, mapErr(err)
			}
			return &metaOutput{Body: meta}, nil
		})

	type deleteOutput struct {
		Body struct {
			Status string `json:"status"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "delete-checkpoint", Method: http.MethodDelete, Path: "/api/v1/checkpoints/{checkpoint_id}", Summary: "Delete checkpoint", Tags: []string{"Checkpoints"}},
		func(ctx context.Context, input *idInput) (*deleteOutput, error) {
			if err := svc.DeleteCheckpoint(input.CheckpointID); err != nil {
				return nil, mapErr(err)
			}
			out := &deleteOutput{}
			out.Body.Status = "deleted"
			return out, nil
		})
}
