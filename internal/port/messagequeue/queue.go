// Package messagequeue is the contract between the API processes that
// enqueue runs and the workers that execute them.
package messagequeue

import "context"

// Handler consumes one delivery. A non-nil error leaves the message
// unacknowledged so it is delivered again; ctx carries the publisher's
// request ID.
type Handler func(ctx context.Context, subject string, data []byte) error

// Queue publishes run jobs and delivers them to workers at least once.
type Queue interface {
	// Publish validates data against the subject's payload schema before
	// sending it.
	Publish(ctx context.Context, subject string, data []byte) error

	// Subscribe starts delivering subject to handler until cancel is called.
	Subscribe(ctx context.Context, subject string, handler Handler) (cancel func(), err error)

	// Drain lets in-flight handlers finish, then closes the connection.
	Drain() error

	Close() error

	IsConnected() bool
}

const (
	// SubjectRunExecute carries a RunJobPayload for a run that is queued
	// and cleared to execute.
	SubjectRunExecute = "runs.execute"
	// SubjectRunEvents carries a RunEventPayload once a run is terminal.
	SubjectRunEvents = "runs.events"
)
