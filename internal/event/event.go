// Package event bridges session lifecycle events to Kafka, so other BFF
// processes sharing the same session store can follow logins and logouts.
package event

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/orguetta/finely/internal/session"
	"github.com/orguetta/finely/pkg/kafka"
)

const (
	// Source identifies this service in published envelopes.
	Source = "dashboard-bff"

	metaInstance = "instance"
	queueSize    = 64
	sendTimeout  = 5 * time.Second
)

var droppedEvents = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "finely_session_events_dropped_total",
	Help: "Session events not published because the queue was full or publishing failed.",
}, []string{"type"})

// TopicFor returns the topic a session event type is published to,
// e.g. finely.session.logged_out.
func TopicFor(t session.EventType) string {
	return kafka.Topic("session", strings.TrimPrefix(string(t), "session."))
}

type publisher interface {
	Publish(ctx context.Context, topic string, event *kafka.Event) error
}

type queued struct {
	ctx   context.Context
	event session.Event
}

// Publisher is a session.Listener that publishes events in order from a
// single background worker. OnSessionEvent never blocks; events arriving
// while the queue is full are dropped.
type Publisher struct {
	pub      publisher
	session  string
	instance string
	logger   *slog.Logger

	queue     chan queued
	done      chan struct{}
	closeOnce sync.Once
}

// NewPublisher starts a publisher. session is the shared session name used
// as the message key; instance identifies this process.
func NewPublisher(pub publisher, sessionName, instance string, logger *slog.Logger) *Publisher {
	p := &Publisher{
		pub:      pub,
		session:  sessionName,
		instance: instance,
		logger:   logger,
		queue:    make(chan queued, queueSize),
		done:     make(chan struct{}),
	}
	go p.run()
	return p
}

// OnSessionEvent implements session.Listener.
func (p *Publisher) OnSessionEvent(ctx context.Context, e session.Event) {
	select {
	case p.queue <- queued{ctx: context.WithoutCancel(ctx), event: e}:
	default:
		droppedEvents.WithLabelValues(string(e.Type)).Inc()
		p.logger.WarnContext(ctx, "session event queue full, dropping event",
			slog.String("type", string(e.Type)),
		)
	}
}

func (p *Publisher) run() {
	defer close(p.done)
	for q := range p.queue {
		p.publish(q.ctx, q.event)
	}
}

func (p *Publisher) publish(ctx context.Context, e session.Event) {
	env, err := kafka.NewEvent(string(e.Type), p.session, Source, e)
	if err != nil {
		droppedEvents.WithLabelValues(string(e.Type)).Inc()
		p.logger.ErrorContext(ctx, "failed to build session event", slog.String("error", err.Error()))
		return
	}
	env.Timestamp = e.At
	env.WithMetadata(metaInstance, p.instance)

	ctx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()
	if err := p.pub.Publish(ctx, TopicFor(e.Type), env); err != nil {
		droppedEvents.WithLabelValues(string(e.Type)).Inc()
	}
}

// Close stops accepting events and waits for queued ones to be published.
func (p *Publisher) Close() error {
	p.closeOnce.Do(func() { close(p.queue) })
	<-p.done
	return nil
}

// Logger returns a listener that logs each event.
func Logger(logger *slog.Logger) session.Listener {
	return session.ListenerFunc(func(ctx context.Context, e session.Event) {
		attrs := []any{slog.String("type", string(e.Type))}
		if e.UserID != "" {
			attrs = append(attrs, slog.String("user_id", e.UserID))
		}
		if e.Reason != "" {
			attrs = append(attrs, slog.String("reason", e.Reason))
		}
		logger.InfoContext(ctx, "session event", attrs...)
	})
}

// Invalidator drops cached credentials that another process has ended.
type Invalidator interface {
	Invalidate(ctx context.Context)
}

// LogoutHandler returns a consumer handler for TopicFor(session.EventLoggedOut)
// that invalidates the local session when another instance logs out of the
// same shared session.
func LogoutHandler(inv Invalidator, sessionName, instance string, logger *slog.Logger) kafka.Handler {
	return func(ctx context.Context, env *kafka.Event) error {
		if env.EventType != string(session.EventLoggedOut) || env.Key != sessionName {
			return nil
		}
		if env.Metadata[metaInstance] == instance {
			return nil
		}

		var e session.Event
		if err := env.UnmarshalData(&e); err != nil {
			return err
		}
		logger.InfoContext(ctx, "session ended by another instance",
			slog.String("reason", e.Reason),
			slog.String("from", env.Metadata[metaInstance]),
		)
		inv.Invalidate(ctx)
		return nil
	}
}
