package iam

import (
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"

	"github.com/quatton/runbookgen/pkg/qauth"
	"github.com/quatton/runbookgen/pkg/qlog"
)

// Middleware rejects requests to secured operations that lack a valid
// bearer token. Operations without a security requirement pass through.
func (s *IAMService) Middleware(api huma.API, logger *qlog.Logger) func(ctx huma.Context, next func(huma.Context)) {
	return func(ctx huma.Context, next func(huma.Context)) {
		op := ctx.Operation()
		if !s.Enabled() || op == nil || len(op.Security) == 0 {
			next(ctx)
			return
		}

		token, ok := strings.CutPrefix(ctx.Header("Authorization"), "Bearer ")
		if !ok || token == "" {
			_ = huma.WriteErr(api, ctx, http.StatusUnauthorized, "Authentication required")
			return
		}

		claims, err := qauth.Verify(s.secret, token)
		if err != nil {
			logger.Warn("invalid token", "operation", op.OperationID, "error", err)
			_ = huma.WriteErr(api, ctx, http.StatusUnauthorized, "Invalid or expired token")
			return
		}

		logger.Debug("authenticated", "sub", claims.Subject, "operation", op.OperationID)
		next(huma.WithValue(ctx, principalKey, claims))
	}
}
