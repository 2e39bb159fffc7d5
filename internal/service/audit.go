package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/Strob0t/toolgate/internal/domain/audit"
	"github.com/Strob0t/toolgate/internal/logger"
	"github.com/Strob0t/toolgate/internal/port/database"
)

const auditWriteTimeout = 5 * time.Second

// AuditService records audit events. Writes never fail the caller.
type AuditService struct {
	store database.Store
}

// NewAuditService creates an AuditService.
func NewAuditService(store database.Store) *AuditService {
	return &AuditService{store: store}
}

// Log writes ev, filling the request id and actor from ctx when unset.
// Failures are logged and swallowed.
func (s *AuditService) Log(ctx context.Context, ev audit.Event) {
	if s == nil {
		return
	}
	if ev.RequestID == "" {
		ev.RequestID = logger.RequestID(ctx)
	}
	if ev.ActorID == "" {
		ev.ActorID = logger.Actor(ctx)
	}
	if ev.Status == "" {
		ev.Status = audit.StatusSuccess
	}

	// The audit row must land even if the request that caused it is gone.
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), auditWriteTimeout)
	defer cancel()
	if err := s.store.InsertAuditEvent(wctx, &ev); err != nil {
		slog.Warn("audit write failed", "type", ev.Type, "resource_id", ev.ResourceID, "error", err)
	}
}

// List returns audit events, newest first.
func (s *AuditService) List(ctx context.Context, f audit.Filter) ([]audit.Event, error) {
	return s.store.ListAuditEvents(ctx, f)
}
