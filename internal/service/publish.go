package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/Strob0t/toolgate/internal/domain/run"
	"github.com/Strob0t/toolgate/internal/logger"
	"github.com/Strob0t/toolgate/internal/port/messagequeue"
)

// publishRunJob enqueues r for the worker, retrying transient queue errors.
func publishRunJob(ctx context.Context, q messagequeue.Queue, r *run.Run) error {
	data, err := json.Marshal(messagequeue.RunJobPayload{
		RunID:     r.ID,
		ToolID:    r.ToolID,
		Args:      r.Args,
		UserID:    r.CreatedBy,
		RequestID: logger.RequestID(ctx),
	})
	if err != nil {
		return fmt.Errorf("marshal run job: %w", err)
	}

	b := retry.WithMaxRetries(3, retry.NewExponential(100*time.Millisecond))
	return retry.Do(ctx, b, func(ctx context.Context) error {
		if err := q.Publish(ctx, messagequeue.SubjectRunExecute, data); err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
}
