// Package nats implements the message queue port using NATS JetStream.
package nats

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/Strob0t/toolgate/internal/config"
	"github.com/Strob0t/toolgate/internal/logger"
	"github.com/Strob0t/toolgate/internal/port/messagequeue"
)

const (
	defaultStream = "TOOLGATE"

	headerRequestID = "X-Request-ID"

	// maxDeliver bounds redeliveries of a failing message before it is
	// moved to <subject>.dlq.
	maxDeliver = 5
	nakDelay   = 2 * time.Second
)

// Queue implements messagequeue.Queue using NATS JetStream.
type Queue struct {
	nc      *nats.Conn
	js      jetstream.JetStream
	stream  string
	ackWait time.Duration
	log     *slog.Logger
}

var _ messagequeue.Queue = (*Queue)(nil)

// Connect establishes a connection to NATS and ensures the JetStream stream exists.
func Connect(ctx context.Context, cfg config.NATS, log *slog.Logger) (*Queue, error) {
	if log == nil {
		log = slog.Default()
	}
	nc, err := nats.Connect(cfg.URL,
		nats.Name("toolgate"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info("nats reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream init: %w", err)
	}

	stream := cfg.Stream
	if stream == "" {
		stream = defaultStream
	}
	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     stream,
		Subjects: []string{"runs.>"},
		MaxAge:   7 * 24 * time.Hour,
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream stream create: %w", err)
	}

	ackWait := cfg.AckWait
	if ackWait <= 0 {
		ackWait = 15 * time.Minute
	}

	log.Info("nats connected", "url", cfg.URL, "stream", stream)
	return &Queue{nc: nc, js: js, stream: stream, ackWait: ackWait, log: log}, nil
}

// Publish sends a message to the given subject. The request id in ctx, if
// any, travels as a header.
func (q *Queue) Publish(ctx context.Context, subject string, data []byte) error {
	if err := messagequeue.Validate(subject, data); err != nil {
		return fmt.Errorf("nats publish %s: %w", subject, err)
	}
	msg := &nats.Msg{Subject: subject, Data: data, Header: nats.Header{}}
	if id := logger.RequestID(ctx); id != "" {
		msg.Header.Set(headerRequestID, id)
	}
	if _, err := q.js.PublishMsg(ctx, msg); err != nil {
		return fmt.Errorf("nats publish %s: %w", subject, err)
	}
	return nil
}

// durableName derives a shared consumer name from the subject so every
// worker process consuming a subject joins the same work queue.
func durableName(subject string) string {
	r := strings.NewReplacer(".", "-", "*", "all", ">", "rest")
	return "toolgate-" + r.Replace(subject)
}

// Subscribe registers a handler for messages on the given subject. Messages
// failing validation, or failing the handler maxDeliver times, are
// republished to <subject>.dlq and acked.
func (q *Queue) Subscribe(ctx context.Context, subject string, handler messagequeue.Handler) (func(), error) {
	consumer, err := q.js.CreateOrUpdateConsumer(ctx, q.stream, jetstream.ConsumerConfig{
		Durable:       durableName(subject),
		FilterSubject: subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       q.ackWait,
		MaxDeliver:    maxDeliver + 1,
	})
	if err != nil {
		return nil, fmt.Errorf("nats consumer create: %w", err)
	}

	cons, err := consumer.Consume(func(msg jetstream.Msg) {
		q.handle(ctx, msg, handler)
	}, jetstream.PullMaxMessages(1))
	if err != nil {
		return nil, fmt.Errorf("nats consume: %w", err)
	}

	return cons.Stop, nil
}

func (q *Queue) handle(parent context.Context, msg jetstream.Msg, handler messagequeue.Handler) {
	ctx := context.WithoutCancel(parent)
	if h := msg.Headers(); h != nil {
		if id := h.Get(headerRequestID); id != "" {
			ctx = logger.WithRequestID(ctx, id)
		}
	}
	log := logger.From(ctx, q.log).With("subject", msg.Subject())

	if err := messagequeue.Validate(msg.Subject(), msg.Data()); err != nil {
		log.Error("invalid message, moving to dlq", "error", err)
		q.moveToDLQ(ctx, msg)
		return
	}

	stop := q.keepAlive(msg)
	err := handler(ctx, msg.Subject(), msg.Data())
	stop()

	if err == nil {
		if ackErr := msg.Ack(); ackErr != nil {
			log.Error("nats ack failed", "error", ackErr)
		}
		return
	}

	delivered := uint64(1)
	if md, mdErr := msg.Metadata(); mdErr == nil {
		delivered = md.NumDelivered
	}
	if delivered >= maxDeliver {
		log.Error("message handler failed, retries exhausted", "error", err, "deliveries", delivered)
		q.moveToDLQ(ctx, msg)
		return
	}
	log.Warn("message handler failed, redelivering", "error", err, "deliveries", delivered)
	if nakErr := msg.NakWithDelay(nakDelay); nakErr != nil {
		log.Error("nats nak failed", "error", nakErr)
	}
}

// keepAlive extends the ack deadline while a long handler is running.
func (q *Queue) keepAlive(msg jetstream.Msg) func() {
	done := make(chan struct{})
	go func() {
		t := time.NewTicker(q.ackWait / 2)
		defer t.Stop()
		for {
			select {
			case <-done:
				return
			case <-t.C:
				_ = msg.InProgress()
			}
		}
	}()
	return func() { close(done) }
}

func (q *Queue) moveToDLQ(ctx context.Context, msg jetstream.Msg) {
	dlq := &nats.Msg{Subject: msg.Subject() + ".dlq", Data: msg.Data(), Header: msg.Headers()}
	if _, err := q.js.PublishMsg(ctx, dlq); err != nil {
		q.log.Error("dlq publish failed", "subject", dlq.Subject, "error", err)
		_ = msg.Nak()
		return
	}
	if err := msg.Term(); err != nil && !errors.Is(err, jetstream.ErrMsgAlreadyAckd) {
		q.log.Error("nats term failed", "error", err)
	}
}

// JetStream exposes the JetStream context for KV buckets.
func (q *Queue) JetStream() jetstream.JetStream {
	return q.js
}

// Drain gracefully drains all subscriptions before closing.
func (q *Queue) Drain() error {
	if err := q.nc.Drain(); err != nil {
		return fmt.Errorf("nats drain: %w", err)
	}
	return nil
}

// Close shuts down the NATS connection.
func (q *Queue) Close() error {
	q.nc.Close()
	return nil
}

// IsConnected reports whether the underlying connection is up.
func (q *Queue) IsConnected() bool {
	return q.nc.IsConnected()
}
