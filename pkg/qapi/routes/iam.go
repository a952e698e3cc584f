package routes

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/quatton/runbookgen/pkg/qapi/schemas"
	"github.com/quatton/runbookgen/pkg/qapi/services/iam"
)

func RegisterIAM(api huma.API, svc *iam.IAMService) {
	huma.Register(api, huma.Operation{
		OperationID: "get-me",
		Method:      http.MethodGet,
		Path:        "/api/me",
		Summary:     "Get current principal",
		Description: "Returns the claims of the bearer token, or anonymous when auth is disabled",
		Tags: []string{
			TagIam.String(),
		},
		Security: BearerAuth,
	}, func(ctx context.Context, input *struct{}) (*schemas.MeResponse, error) {
		resp := &schemas.MeResponse{}
		if !svc.Enabled() {
			resp.Body.Anonymous = true
			return resp, nil
		}
		claims, ok := svc.Get(ctx)
		if !ok {
			return nil, huma.Error401Unauthorized("Authentication required")
		}
		resp.Body.Principal = schemas.Principal{
			Subject: claims.Subject,
			Name:    claims.Name,
			Scope:   claims.Scope,
		}
		return resp, nil
	})
}
