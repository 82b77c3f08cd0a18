// Package notify delivers transaction lifecycle notifications to buyers
// and sellers. Delivery is fire-and-forget: a failed notification never
// fails the operation that produced it.
package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/safedeal/core/internal/idgen"
	"github.com/safedeal/core/internal/metrics"
	"github.com/safedeal/core/internal/retry"
)

// Notification is one event addressed to one user.
type Notification struct {
	ID        string         `json:"id"`
	UserID    string         `json:"userId"`
	Event     string         `json:"event"`
	Payload   map[string]any `json:"payload,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
}

// Gateway delivers a notification to its destination.
type Gateway interface {
	Deliver(ctx context.Context, n *Notification) error
}

// Delivery limits. The timeout covers all attempts for one notification.
const (
	deliverTimeout  = 30 * time.Second
	deliverAttempts = 3
	deliverBackoff  = 500 * time.Millisecond
)

// Dispatcher fans notifications out to a gateway asynchronously.
type Dispatcher struct {
	gateway Gateway
	logger  *slog.Logger
	wg      sync.WaitGroup
}

// NewDispatcher creates a dispatcher over the given gateway.
func NewDispatcher(gateway Gateway, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{gateway: gateway, logger: logger}
}

// Notify queues a notification for async delivery. Safe to call on a nil
// dispatcher.
func (d *Dispatcher) Notify(userID, event string, payload map[string]any) {
	if d == nil || d.gateway == nil {
		return
	}

	n := &Notification{
		ID:        idgen.WithPrefix("ntf_"),
		UserID:    userID,
		Event:     event,
		Payload:   payload,
		CreatedAt: time.Now(),
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()

		ctx, cancel := context.WithTimeout(context.Background(), deliverTimeout)
		defer cancel()

		err := retry.Do(ctx, deliverAttempts, deliverBackoff, func() error {
			return d.gateway.Deliver(ctx, n)
		})
		if err != nil {
			metrics.NotificationsTotal.WithLabelValues("error").Inc()
			d.logger.Warn("notification delivery failed",
				"notification_id", n.ID, "user_id", userID, "event", event, "error", err)
			return
		}
		metrics.NotificationsTotal.WithLabelValues("ok").Inc()
	}()
}

// Wait blocks until all in-flight deliveries finish. Used in shutdown and tests.
func (d *Dispatcher) Wait() {
	if d == nil {
		return
	}
	d.wg.Wait()
}

// LogGateway writes notifications to the log. Used in development and as
// the fallback when no webhook URL is configured.
type LogGateway struct {
	logger *slog.Logger
}

// NewLogGateway creates a log-backed gateway.
func NewLogGateway(logger *slog.Logger) *LogGateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogGateway{logger: logger}
}

func (g *LogGateway) Deliver(_ context.Context, n *Notification) error {
	g.logger.Info("notification",
		"notification_id", n.ID, "user_id", n.UserID, "event", n.Event)
	return nil
}

var _ Gateway = (*LogGateway)(nil)

// Sink is anything that accepts a user-addressed event.
type Sink interface {
	Notify(userID, event string, payload map[string]any)
}

// fanout forwards each notification to every sink.
type fanout []Sink

func (f fanout) Notify(userID, event string, payload map[string]any) {
	for _, s := range f {
		s.Notify(userID, event, payload)
	}
}

// Fanout combines sinks into one. Nil sinks are skipped.
func Fanout(sinks ...Sink) Sink {
	var out fanout
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	return out
}
