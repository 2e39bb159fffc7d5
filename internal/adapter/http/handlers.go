package http

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/Strob0t/toolgate/internal/domain/apitoken"
	"github.com/Strob0t/toolgate/internal/domain/approval"
	"github.com/Strob0t/toolgate/internal/domain/audit"
	"github.com/Strob0t/toolgate/internal/domain/plan"
	"github.com/Strob0t/toolgate/internal/domain/policy"
	"github.com/Strob0t/toolgate/internal/domain/run"
	"github.com/Strob0t/toolgate/internal/domain/schedule"
	"github.com/Strob0t/toolgate/internal/domain/tool"
	"github.com/Strob0t/toolgate/internal/middleware"
	"github.com/Strob0t/toolgate/internal/service"
)

const (
	defaultListLimit = 50
	maxListLimit     = 1000
	healthTimeout    = 2 * time.Second
)

// HealthCheck reports whether one dependency is reachable.
type HealthCheck func(ctx context.Context) error

// Handlers holds the HTTP handler dependencies.
type Handlers struct {
	Tools        *service.ToolRegistry
	Runs         *service.RunService
	Approvals    *service.ApprovalService
	Plans        *service.PlanService
	Orchestrator *service.OrchestratorService
	Audit        *service.AuditService
	Schedules    *service.SchedulerService
	Tokens       *service.TokenService
	Checks       map[string]HealthCheck
}

// caller returns the authenticated caller. Auth middleware always sets
// one on /api routes; the zero caller holds no scopes.
func caller(r *http.Request) policy.Caller {
	if c := middleware.CallerFromContext(r.Context()); c != nil {
		return *c
	}
	return policy.Caller{}
}

// --- Health ---

type healthStatus struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Health reports "ok" when every dependency check passes, "degraded" with
// 503 otherwise.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()

	res := healthStatus{Status: "ok", Checks: make(map[string]string, len(h.Checks))}
	code := http.StatusOK
	for name, check := range h.Checks {
		if err := check(ctx); err != nil {
			res.Checks[name] = err.Error()
			res.Status = "degraded"
			code = http.StatusServiceUnavailable
			continue
		}
		res.Checks[name] = "ok"
	}
	writeJSON(w, code, res)
}

// --- Tools ---

// ListTools handles GET /api/v1/tools. ?enabled=true hides disabled tools.
func (h *Handlers) ListTools(w http.ResponseWriter, r *http.Request) {
	handleList(func(r *http.Request) ([]tool.Tool, error) {
		return h.Tools.List(r.Context(), r.URL.Query().Get("enabled") == "true")
	})(w, r)
}

// GetTool handles GET /api/v1/tools/{id}.
func (h *Handlers) GetTool(w http.ResponseWriter, r *http.Request) {
	handleGet(h.Tools.Get, "tool not found")(w, r)
}

// --- Runs ---

// runResponse is a run with the tails of its captured output.
type runResponse struct {
	run.Run
	service.Output
}

func (h *Handlers) withOutput(r *run.Run) runResponse {
	return runResponse{Run: *r, Output: h.Runs.GetOutput(r)}
}

// CreateRun handles POST /api/v1/runs. The run is returned queued or
// pending_approval; execution is asynchronous.
func (h *Handlers) CreateRun(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[run.CreateRequest](w, r)
	if !ok {
		return
	}
	created, err := h.Runs.Submit(r.Context(), caller(r), req)
	if err != nil {
		writeDomainError(w, err, "tool not found")
		return
	}
	status := http.StatusCreated
	if created.Status == run.StatusPendingApproval {
		status = http.StatusAccepted
	}
	writeJSON(w, status, h.withOutput(created))
}

// ListRuns handles GET /api/v1/runs?status=&tool_id=&limit=.
func (h *Handlers) ListRuns(w http.ResponseWriter, r *http.Request) {
	handleList(func(r *http.Request) ([]runResponse, error) {
		q := r.URL.Query()
		runs, err := h.Runs.List(r.Context(), run.Filter{
			Status: run.Status(q.Get("status")),
			ToolID: q.Get("tool_id"),
			Limit:  queryLimit(r, defaultListLimit, maxListLimit),
		})
		if err != nil {
			return nil, err
		}
		out := make([]runResponse, len(runs))
		for i := range runs {
			out[i] = h.withOutput(&runs[i])
		}
		return out, nil
	})(w, r)
}

// GetRun handles GET /api/v1/runs/{id}.
func (h *Handlers) GetRun(w http.ResponseWriter, r *http.Request) {
	got, err := h.Runs.Get(r.Context(), urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, err, "run not found")
		return
	}
	writeJSON(w, http.StatusOK, h.withOutput(got))
}

// --- Approvals ---

// ListApprovals handles GET /api/v1/approvals?status=. Without a status
// only pending approvals are listed; status=all lists every approval.
func (h *Handlers) ListApprovals(w http.ResponseWriter, r *http.Request) {
	handleList(func(r *http.Request) ([]approval.Approval, error) {
		status := approval.Status(r.URL.Query().Get("status"))
		switch status {
		case "":
			status = approval.StatusPending
		case "all":
			status = ""
		}
		return h.Approvals.List(r.Context(), status, queryLimit(r, 100, maxListLimit))
	})(w, r)
}

// GetApproval handles GET /api/v1/approvals/{id}.
func (h *Handlers) GetApproval(w http.ResponseWriter, r *http.Request) {
	handleGet(h.Approvals.Get, "approval not found")(w, r)
}

// ApproveApproval handles POST /api/v1/approvals/{id}/approve.
func (h *Handlers) ApproveApproval(w http.ResponseWriter, r *http.Request) {
	h.decide(w, r, h.Approvals.Approve)
}

// DenyApproval handles POST /api/v1/approvals/{id}/deny.
func (h *Handlers) DenyApproval(w http.ResponseWriter, r *http.Request) {
	h.decide(w, r, h.Approvals.Deny)
}

func (h *Handlers) decide(w http.ResponseWriter, r *http.Request, fn func(context.Context, string, approval.Decision) (*approval.Approval, error)) {
	var d approval.Decision
	if r.ContentLength != 0 {
		var ok bool
		if d, ok = readJSON[approval.Decision](w, r); !ok {
			return
		}
	}
	d.Actor = caller(r).ID

	a, err := fn(r.Context(), urlParam(r, "id"), d)
	if err != nil {
		writeDomainError(w, err, "approval not found")
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// --- Plans ---

type translateRequest struct {
	Query   string        `json:"query"`
	Context *plan.Context `json:"context,omitempty"`
}

// TranslatePlan handles POST /api/v1/plans/translate. The plan is
// returned for review and not executed.
func (h *Handlers) TranslatePlan(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[translateRequest](w, r)
	if !ok {
		return
	}
	p, err := h.Plans.Translate(r.Context(), req.Query, req.Context)
	if err != nil {
		writeDomainError(w, err, "not found")
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// executeRequest carries either a draft plan or a query to translate.
type executeRequest struct {
	Plan    *plan.Draft   `json:"plan,omitempty"`
	Query   string        `json:"query"`
	Context *plan.Context `json:"context,omitempty"`
}

// ExecutePlan handles POST /api/v1/plans/execute. It blocks until the plan
// finishes and returns the execution result. A caller-supplied plan is
// validated exactly like a translated one.
func (h *Handlers) ExecutePlan(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[executeRequest](w, r)
	if !ok {
		return
	}

	var (
		p   *plan.Plan
		err error
	)
	if req.Plan != nil {
		p, err = h.Plans.Create(r.Context(), req.Plan, strings.TrimSpace(req.Query))
	} else {
		p, err = h.Plans.Translate(r.Context(), req.Query, req.Context)
	}
	if err != nil {
		writeDomainError(w, err, "not found")
		return
	}

	writeJSON(w, http.StatusOK, h.Orchestrator.Execute(r.Context(), p, caller(r)))
}

// --- Audit ---

type auditResponse struct {
	Events []audit.Event `json:"events"`
	Count  int           `json:"count"`
}

// ListAudit handles GET /api/v1/audit?type=&resource_id=&limit=.
func (h *Handlers) ListAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	events, err := h.Audit.List(r.Context(), audit.Filter{
		Type:       q.Get("type"),
		ResourceID: q.Get("resource_id"),
		Limit:      queryLimit(r, 100, maxListLimit),
	})
	if err != nil {
		writeDomainError(w, err, "not found")
		return
	}
	if events == nil {
		events = []audit.Event{}
	}
	writeJSON(w, http.StatusOK, auditResponse{Events: events, Count: len(events)})
}

// --- Schedules ---

// CreateSchedule handles POST /api/v1/schedules.
func (h *Handlers) CreateSchedule(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[schedule.CreateRequest](w, r)
	if !ok {
		return
	}
	j, err := h.Schedules.Create(r.Context(), caller(r), req)
	if err != nil {
		writeDomainError(w, err, "tool not found")
		return
	}
	writeJSON(w, http.StatusCreated, j)
}

// ListSchedules handles GET /api/v1/schedules?enabled=true.
func (h *Handlers) ListSchedules(w http.ResponseWriter, r *http.Request) {
	handleList(func(r *http.Request) ([]schedule.Job, error) {
		return h.Schedules.List(r.Context(), r.URL.Query().Get("enabled") == "true")
	})(w, r)
}

// GetSchedule handles GET /api/v1/schedules/{id}.
func (h *Handlers) GetSchedule(w http.ResponseWriter, r *http.Request) {
	handleGet(h.Schedules.Get, "schedule not found")(w, r)
}

// DeleteSchedule handles DELETE /api/v1/schedules/{id}.
func (h *Handlers) DeleteSchedule(w http.ResponseWriter, r *http.Request) {
	if err := h.Schedules.Delete(r.Context(), caller(r), urlParam(r, "id")); err != nil {
		writeDomainError(w, err, "schedule not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// EnableSchedule handles POST /api/v1/schedules/{id}/enable.
func (h *Handlers) EnableSchedule(w http.ResponseWriter, r *http.Request) {
	handleGet(h.Schedules.Enable, "schedule not found")(w, r)
}

// DisableSchedule handles POST /api/v1/schedules/{id}/disable.
func (h *Handlers) DisableSchedule(w http.ResponseWriter, r *http.Request) {
	handleGet(h.Schedules.Disable, "schedule not found")(w, r)
}

// --- Auth ---

type bootstrapRequest struct {
	Actor string `json:"actor"`
}

// Bootstrap handles POST /api/v1/auth/bootstrap. It is unauthenticated and
// only succeeds while no token exists.
func (h *Handlers) Bootstrap(w http.ResponseWriter, r *http.Request) {
	var req bootstrapRequest
	if r.ContentLength != 0 {
		var ok bool
		if req, ok = readJSON[bootstrapRequest](w, r); !ok {
			return
		}
	}
	created, err := h.Tokens.Bootstrap(r.Context(), req.Actor)
	if err != nil {
		writeDomainError(w, err, "not found")
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

// Me handles GET /api/v1/auth/me.
func (h *Handlers) Me(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, caller(r))
}

// CreateToken handles POST /api/v1/auth/tokens. The plaintext token is in
// the response and nowhere else.
func (h *Handlers) CreateToken(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[apitoken.CreateRequest](w, r)
	if !ok {
		return
	}
	created, err := h.Tokens.Create(r.Context(), caller(r), req)
	if err != nil {
		writeDomainError(w, err, "not found")
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

// ListTokens handles GET /api/v1/auth/tokens.
func (h *Handlers) ListTokens(w http.ResponseWriter, r *http.Request) {
	handleList(func(r *http.Request) ([]apitoken.Token, error) {
		return h.Tokens.List(r.Context(), caller(r))
	})(w, r)
}

// RevokeToken handles DELETE /api/v1/auth/tokens/{id}.
func (h *Handlers) RevokeToken(w http.ResponseWriter, r *http.Request) {
	if err := h.Tokens.Revoke(r.Context(), caller(r), urlParam(r, "id")); err != nil {
		writeDomainError(w, err, "token not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
