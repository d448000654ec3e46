package api

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
)

func registerMiscHandlers(api huma.API, svc Service) {
	type healthOutput struct {
		Body struct {
			Status string `json:"status"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "health", Method: http.MethodGet, Path: "/health", Summary: "Health check", Tags: []string{"Health"}},
		func(ctx context.Context, input *struct{}) (*healthOutput, error) {
			out := &healthOutput{}
			out.Body.Status = "ok"
			return out, nil
		})

	type settingsOutput struct {
		Body struct {
			Settings map[string]string `json:"settings"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "get-settings", Method: http.MethodGet, Path: "/api/v1/settings", Summary: "List stored settings", Tags: []string{"Settings"}},
		func(ctx context.Context, input *struct{}) (*settingsOutput, error) {
			out := &settingsOutput{}
			out.Body.Settings = svc.Settings()
			return out, nil
		})

	type setSettingInput struct {
		Name string `path:"name"`
		Body struct {
			Value string `json:"value"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "set-setting", Method: http.MethodPut, Path: "/api/v1/settings/{name}", Summary: "Set one setting", Tags: []string{"Settings"}},
		func(ctx context.Context, input *setSettingInput) (*settingsOutput, error) {
			all, err := svc.SetSetting(input.Name, input.Body.Value)
			if err != nil {
				return nil, mapErr(err)
			}
			out := &settingsOutput{}
			out.Body.Settings = all
			return out, nil
		})
}
