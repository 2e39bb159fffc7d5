package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/Strob0t/toolgate/internal/config"
	"github.com/Strob0t/toolgate/internal/domain/policy"
	"github.com/Strob0t/toolgate/internal/middleware"
)

// MountRoutes registers the health endpoint and all API routes on r. mw
// run on /api/v1 after authentication, so they can see the caller.
// Managed tokens are accepted when h.Tokens is set.
func MountRoutes(r chi.Router, h *Handlers, authCfg config.Auth, mw ...func(http.Handler) http.Handler) {
	r.Get("/health", h.Health)

	var tokens middleware.TokenResolver
	if h.Tokens != nil {
		tokens = h.Tokens
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Auth(authCfg, tokens))
		r.Use(mw...)

		r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, map[string]string{"version": Version})
		})

		// Tools
		r.Get("/tools", h.ListTools)
		r.Get("/tools/{id}", h.GetTool)

		// Runs. Submission scope is checked by the risk policy so that a
		// refusal is audited.
		r.Post("/runs", h.CreateRun)
		r.Get("/runs", h.ListRuns)
		r.Get("/runs/{id}", h.GetRun)

		// Approvals
		r.Get("/approvals", h.ListApprovals)
		r.Get("/approvals/{id}", h.GetApproval)
		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireScope(policy.ScopeApprove))
			r.Post("/approvals/{id}/approve", h.ApproveApproval)
			r.Post("/approvals/{id}/deny", h.DenyApproval)
		})

		// Plans
		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireScope(policy.ScopeExecute))
			r.Post("/plans/translate", h.TranslatePlan)
			r.Post("/plans/execute", h.ExecutePlan)
		})

		// Schedules
		if h.Schedules != nil {
			r.Get("/schedules", h.ListSchedules)
			r.Get("/schedules/{id}", h.GetSchedule)
			r.Group(func(r chi.Router) {
				r.Use(middleware.RequireScope(policy.ScopeExecute))
				r.Post("/schedules", h.CreateSchedule)
				r.Delete("/schedules/{id}", h.DeleteSchedule)
				r.Post("/schedules/{id}/enable", h.EnableSchedule)
				r.Post("/schedules/{id}/disable", h.DisableSchedule)
			})
		}

		// Auth
		r.Get("/auth/me", h.Me)
		if h.Tokens != nil {
			r.Post("/auth/bootstrap", h.Bootstrap)
			r.Get("/auth/tokens", h.ListTokens)
			r.Post("/auth/tokens", h.CreateToken)
			r.Delete("/auth/tokens/{id}", h.RevokeToken)
		}

		// Audit
		r.With(middleware.RequireScope(policy.ScopeAudit)).Get("/audit", h.ListAudit)
	})
}

// Version is reported by GET /api/v1/. Set at build time with -ldflags.
var Version = "0.1.0"
