// Package qapi assembles the runbookd HTTP API: a chi router carrying the
// huma operations registered by routes.
package qapi

import (
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/quatton/runbookgen/pkg/qapi/routes"
	"github.com/quatton/runbookgen/pkg/qapi/services"
	"github.com/quatton/runbookgen/pkg/qlog"
)

const (
	apiTitle   = "runbookgen API"
	apiVersion = "1.0.0"
)

type Api struct {
	Api    huma.API
	Router *chi.Mux
}

// NewApi returns a router with the common middleware and an empty huma API.
func NewApi(logger *qlog.Logger) *Api {
	router := chi.NewMux()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(requestLogger(logger))
	router.Use(middleware.Recoverer)

	config := huma.DefaultConfig(apiTitle, apiVersion)
	config.Info.Description = "Submit runbook generation runs, follow their status and read the generated runbooks."
	config.Components.SecuritySchemes = map[string]*huma.SecurityScheme{
		routes.BearerScheme: {
			Type:         "http",
			Scheme:       "bearer",
			BearerFormat: "JWT",
			Description:  "HS256 token from `runbookd token`",
		},
	}

	return &Api{Api: humachi.New(router, config), Router: router}
}

// NewServer returns the API with auth middleware and every route
// registered. svcs may be nil to describe the API without serving it.
func NewServer(svcs *services.Services, logger *qlog.Logger) *Api {
	a := NewApi(logger)
	if svcs != nil {
		a.Api.UseMiddleware(svcs.IAM.Middleware(a.Api, logger))
	}
	routes.RegisterAPI(a.Api, svcs)
	return a
}

// requestLogger writes one debug line per request, or a warning for 5xx.
func requestLogger(logger *qlog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			defer func() {
				args := []any{
					"method", r.Method,
					"path", r.URL.Path,
					"status", ww.Status(),
					"bytes", ww.BytesWritten(),
					"duration", time.Since(start).Round(time.Millisecond),
					"request_id", middleware.GetReqID(r.Context()),
				}
				if ww.Status() >= http.StatusInternalServerError {
					logger.Warn("request failed", args...)
					return
				}
				logger.Debug("request", args...)
			}()
			next.ServeHTTP(ww, r)
		})
	}
}
