package postgres_test

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Strob0t/toolgate/internal/adapter/postgres"
	"github.com/Strob0t/toolgate/internal/domain"
	"github.com/Strob0t/toolgate/internal/domain/apitoken"
	"github.com/Strob0t/toolgate/internal/domain/approval"
	"github.com/Strob0t/toolgate/internal/domain/audit"
	"github.com/Strob0t/toolgate/internal/domain/run"
	"github.com/Strob0t/toolgate/internal/domain/schedule"
	"github.com/Strob0t/toolgate/internal/domain/tool"
)

// setupStore runs migrations and returns a Store. The pool is closed via t.Cleanup.
func setupStore(t *testing.T) *postgres.Store {
	t.Helper()

	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("requires DATABASE_URL")
	}

	ctx := context.Background()
	if err := postgres.RunMigrations(ctx, dsn); err != nil {
		t.Fatalf("run migrations: %v", err)
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("create pool: %v", err)
	}
	t.Cleanup(pool.Close)

	return postgres.NewStore(pool)
}

func createTestTool(t *testing.T, store *postgres.Store, risk tool.RiskLevel) *tool.Tool {
	t.Helper()
	tl := &tool.Tool{
		ID:           "test_" + uuid.NewString()[:8],
		Name:         "test tool",
		RiskLevel:    risk,
		Executor:     tool.ExecutorHost,
		Command:      []string{"echo", "{message}"},
		ArgsSchema:   json.RawMessage(`{"type":"object"}`),
		AllowedPaths: []string{"."},
		Enabled:      true,
	}
	if err := store.UpsertTool(context.Background(), tl); err != nil {
		t.Fatalf("upsert tool: %v", err)
	}
	return tl
}

func TestStore_ToolRoundTrip(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	tl := createTestTool(t, store, tool.RiskRead)

	got, err := store.GetTool(ctx, tl.ID)
	if err != nil {
		t.Fatalf("get tool: %v", err)
	}
	if got.RiskLevel != tool.RiskRead || len(got.Command) != 2 || !got.Enabled {
		t.Errorf("unexpected tool %+v", got)
	}

	if err := store.SetToolEnabled(ctx, tl.ID, false); err != nil {
		t.Fatalf("disable: %v", err)
	}
	enabled, err := store.ListTools(ctx, true)
	if err != nil {
		t.Fatal(err)
	}
	for i := range enabled {
		if enabled[i].ID == tl.ID {
			t.Error("disabled tool listed as enabled")
		}
	}

	if _, err := store.GetTool(ctx, "missing_"+uuid.NewString()); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestStore_ClaimRunOnce(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	tl := createTestTool(t, store, tool.RiskRead)

	r := &run.Run{ID: uuid.NewString(), ToolID: tl.ID, Args: map[string]any{"message": "hi"}, Status: run.StatusQueued}
	if err := store.CreateRun(ctx, r); err != nil {
		t.Fatalf("create run: %v", err)
	}

	if err := store.ClaimRun(ctx, r.ID, time.Now().UTC()); err != nil {
		t.Fatalf("first claim: %v", err)
	}
	if err := store.ClaimRun(ctx, r.ID, time.Now().UTC()); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("second claim: expected ErrConflict, got %v", err)
	}

	code := 0
	if err := store.FinishRun(ctx, r.ID, run.StatusSucceeded, &code, "", time.Now().UTC()); err != nil {
		t.Fatalf("finish: %v", err)
	}
	got, err := store.GetRun(ctx, r.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != run.StatusSucceeded || got.ExitCode == nil || *got.ExitCode != 0 || got.FinishedAt == nil {
		t.Errorf("unexpected run %+v", got)
	}
	if got.Args["message"] != "hi" {
		t.Errorf("args not persisted: %v", got.Args)
	}
}

func newGatedRun(t *testing.T, store *postgres.Store) (*run.Run, *approval.Approval) {
	t.Helper()
	tl := createTestTool(t, store, tool.RiskWrite)
	r := &run.Run{ID: uuid.NewString(), ToolID: tl.ID, Args: map[string]any{}, Status: run.StatusPendingApproval}
	a := &approval.Approval{
		ID:           uuid.NewString(),
		ResourceType: approval.ResourceRun,
		ResourceID:   r.ID,
		RiskLevel:    string(tool.RiskWrite),
		Reason:       "execute tool " + tl.ID,
		Payload:      json.RawMessage(`{"tool_id":"` + tl.ID + `"}`),
	}
	if err := store.CreateRunWithApproval(context.Background(), r, a); err != nil {
		t.Fatalf("create gated run: %v", err)
	}
	return r, a
}

func TestStore_ApproveMovesRunToQueued(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	r, a := newGatedRun(t, store)

	gotA, gotR, err := store.ApproveRunApproval(ctx, a.ID, approval.Decision{Actor: "alice", Note: "ok"}, time.Now().UTC())
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if gotA.Status != approval.StatusApproved || gotA.DecidedBy != "alice" {
		t.Errorf("approval not decided: %+v", gotA)
	}
	if gotR.ID != r.ID || gotR.Status != run.StatusQueued {
		t.Errorf("run not queued: %+v", gotR)
	}

	if _, _, err := store.DenyRunApproval(ctx, a.ID, approval.Decision{Actor: "bob"}, time.Now().UTC()); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("deciding twice: expected ErrConflict, got %v", err)
	}

	latest, err := store.GetLatestApprovalFor(ctx, approval.ResourceRun, r.ID)
	if err != nil || latest.ID != a.ID {
		t.Fatalf("latest approval: %v %+v", err, latest)
	}
}

func TestStore_DenyFinishesRun(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	r, a := newGatedRun(t, store)

	_, gotR, err := store.DenyRunApproval(ctx, a.ID, approval.Decision{Actor: "alice", Note: "unsafe"}, time.Now().UTC())
	if err != nil {
		t.Fatalf("deny: %v", err)
	}
	if gotR.Status != run.StatusDenied || gotR.Error != "unsafe" || gotR.FinishedAt == nil {
		t.Errorf("unexpected run after deny: %+v", gotR)
	}

	pending, err := store.ListApprovals(ctx, approval.StatusPending, 1000)
	if err != nil {
		t.Fatal(err)
	}
	for i := range pending {
		if pending[i].ID == a.ID {
			t.Error("denied approval still listed as pending")
		}
	}
	_ = r
}

func TestStore_StaleQueuedRuns(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	tl := createTestTool(t, store, tool.RiskRead)

	r := &run.Run{
		ID: uuid.NewString(), ToolID: tl.ID, Status: run.StatusQueued,
		CreatedAt: time.Now().UTC().Add(-time.Hour),
	}
	if err := store.CreateRun(ctx, r); err != nil {
		t.Fatal(err)
	}
	stale, err := store.ListStaleQueuedRuns(ctx, time.Now().UTC().Add(-time.Minute), 1000)
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for i := range stale {
		found = found || stale[i].ID == r.ID
	}
	if !found {
		t.Error("stale queued run not returned")
	}
}

func TestStore_RequestRunApproval(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	tl := createTestTool(t, store, tool.RiskWrite)

	r := &run.Run{ID: uuid.NewString(), ToolID: tl.ID, Status: run.StatusQueued}
	if err := store.CreateRun(ctx, r); err != nil {
		t.Fatal(err)
	}
	a := &approval.Approval{ID: uuid.NewString(), ResourceType: approval.ResourceRun, ResourceID: r.ID, RiskLevel: "write"}
	if err := store.RequestRunApproval(ctx, a); err != nil {
		t.Fatalf("request approval: %v", err)
	}

	got, err := store.GetRun(ctx, r.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != run.StatusPendingApproval || got.ApprovalID != a.ID {
		t.Errorf("run not parked behind approval: %+v", got)
	}

	// The run is no longer queued: a second request must not add an approval.
	again := &approval.Approval{ID: uuid.NewString(), ResourceType: approval.ResourceRun, ResourceID: r.ID}
	if err := store.RequestRunApproval(ctx, again); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("second request: expected ErrConflict, got %v", err)
	}
	if _, err := store.GetApproval(ctx, again.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("rolled back approval was written: %v", err)
	}
}

func TestStore_StaleRunningRuns(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	tl := createTestTool(t, store, tool.RiskRead)

	r := &run.Run{ID: uuid.NewString(), ToolID: tl.ID, Status: run.StatusQueued}
	if err := store.CreateRun(ctx, r); err != nil {
		t.Fatal(err)
	}
	if err := store.ClaimRun(ctx, r.ID, time.Now().UTC().Add(-2*time.Hour)); err != nil {
		t.Fatal(err)
	}

	stale, err := store.ListStaleRunningRuns(ctx, time.Now().UTC().Add(-time.Hour), 1000)
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for i := range stale {
		found = found || stale[i].ID == r.ID
	}
	if !found {
		t.Error("abandoned running run not returned")
	}
}

func TestStore_ScheduleLifecycle(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	tl := createTestTool(t, store, tool.RiskRead)

	due := time.Now().UTC().Add(-time.Minute).Truncate(time.Microsecond)
	j := &schedule.Job{
		ID: uuid.NewString(), Name: "hourly echo", ToolID: tl.ID,
		Args: map[string]any{"message": "tick"}, Trigger: schedule.TriggerInterval, Spec: "1h",
		Enabled: true, CreatedBy: "alice", NextRunAt: &due,
	}
	if err := store.CreateSchedule(ctx, j); err != nil {
		t.Fatalf("create: %v", err)
	}

	dueJobs, err := store.ListDueSchedules(ctx, time.Now().UTC(), 1000)
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for i := range dueJobs {
		found = found || dueJobs[i].ID == j.ID
	}
	if !found {
		t.Fatal("due schedule not listed")
	}

	next := due.Add(time.Hour)
	if err := store.AdvanceSchedule(ctx, j.ID, due, time.Now().UTC(), &next); err != nil {
		t.Fatalf("advance: %v", err)
	}
	// A second worker holding the same slot loses.
	if err := store.AdvanceSchedule(ctx, j.ID, due, time.Now().UTC(), &next); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("double fire: expected ErrConflict, got %v", err)
	}

	runID := uuid.NewString()
	if err := store.SetScheduleLastRun(ctx, j.ID, runID); err != nil {
		t.Fatal(err)
	}
	got, err := store.GetSchedule(ctx, j.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.RunCount != 1 || got.LastRunAt == nil || got.LastRunID != runID || !got.NextRunAt.Equal(next) {
		t.Errorf("unexpected schedule %+v", got)
	}
	if got.Args["message"] != "tick" {
		t.Errorf("args = %v", got.Args)
	}

	if err := store.SetScheduleEnabled(ctx, j.ID, false, nil); err != nil {
		t.Fatal(err)
	}
	if err := store.DeleteSchedule(ctx, j.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := store.GetSchedule(ctx, j.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("deleted schedule: %v", err)
	}
}

func TestStore_APITokens(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	plain, hash, err := apitoken.Generate()
	if err != nil {
		t.Fatal(err)
	}
	actor := "actor-" + uuid.NewString()[:8]
	tok := &apitoken.Token{
		ID: uuid.NewString(), Name: "ci", Actor: actor, Prefix: plain[:8], Hash: hash,
		Scopes: []string{"tool:execute"}, CreatedBy: "admin",
	}
	if err := store.CreateAPIToken(ctx, tok); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := store.GetAPITokenByHash(ctx, apitoken.Hash(plain))
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if got.ID != tok.ID || got.Actor != actor || len(got.Scopes) != 1 || !got.Active(time.Now()) {
		t.Errorf("unexpected token %+v", got)
	}

	if err := store.RevokeAPIToken(ctx, tok.ID, "someone-else", time.Now().UTC()); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("revoke by another actor: %v", err)
	}
	if err := store.RevokeAPIToken(ctx, tok.ID, actor, time.Now().UTC()); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	list, err := store.ListAPITokens(ctx, actor)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || list[0].RevokedAt == nil {
		t.Errorf("list = %+v", list)
	}

	// A token now exists, so bootstrap is closed.
	boot := &apitoken.Token{ID: uuid.NewString(), Name: "bootstrap", Actor: "admin", Prefix: "tgk_x", Hash: uuid.NewString()}
	if err := store.BootstrapAPIToken(ctx, boot); !errors.Is(err, domain.ErrConflict) {
		t.Errorf("bootstrap with existing tokens: %v", err)
	}
}

func TestStore_Audit(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	resID := uuid.NewString()

	ev := &audit.Event{
		Type: audit.RunExecuted, Action: "execute", Status: audit.StatusSuccess,
		ResourceType: "run", ResourceID: resID, Meta: map[string]any{"exit_code": 0},
	}
	if err := store.InsertAuditEvent(ctx, ev); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if ev.ID == "" {
		t.Error("expected generated id")
	}
	events, err := store.ListAuditEvents(ctx, audit.Filter{ResourceID: resID})
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 || events[0].Type != audit.RunExecuted {
		t.Fatalf("unexpected events %+v", events)
	}
}
