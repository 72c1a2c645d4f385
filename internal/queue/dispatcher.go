package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/campussync/internal/ecs"
	"github.com/MarcoPoloResearchLab/campussync/internal/metrics"
	"github.com/MarcoPoloResearchLab/campussync/internal/reconcile"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const opDispatch = "queue.dispatch"

var (
	// ErrMissingHandler means a known resource type has no handler registered.
	ErrMissingHandler = errors.New("queue: resource type has no handler")

	tracer = otel.Tracer("campussync/queue")
)

// Handler reconciles one event of a resource type.
type Handler interface {
	HandleEvent(ctx context.Context, conn ecs.Connection, event ecs.Event) (reconcile.Outcome, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, conn ecs.Connection, event ecs.Event) (reconcile.Outcome, error)

func (f HandlerFunc) HandleEvent(ctx context.Context, conn ecs.Connection, event ecs.Event) (reconcile.Outcome, error) {
	return f(ctx, conn, event)
}

// Ignore consumes events of resources this service only ever writes.
func Ignore(logger *zap.Logger) Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return HandlerFunc(func(_ context.Context, conn ecs.Connection, event ecs.Event) (reconcile.Outcome, error) {
		logger.Debug("ignoring event for outbound resource",
			zap.Int64("broker_id", conn.BrokerID()),
			zap.String("resource_type", event.ResourceType),
			zap.Int64("resource_id", event.ResourceID))
		return reconcile.Skipped, nil
	})
}

// Dispatcher routes events to the handler of their resource type. The table is
// closed: every ecs.ResourceType must have a handler when it is built.
type Dispatcher struct {
	handlers map[ecs.ResourceType]Handler
	logger   *zap.Logger
}

// NewDispatcher validates the routing table.
func NewDispatcher(handlers map[ecs.ResourceType]Handler, logger *zap.Logger) (*Dispatcher, error) {
	table := make(map[ecs.ResourceType]Handler, len(handlers))
	for _, resourceType := range ecs.ResourceTypes() {
		handler, ok := handlers[resourceType]
		if !ok || handler == nil {
			return nil, reconcile.NewError("queue.new_dispatcher", "missing_handler", reconcile.KindValidation,
				fmt.Errorf("%w: %s", ErrMissingHandler, resourceType))
		}
		table[resourceType] = handler
	}
	for resourceType := range handlers {
		if _, known := table[resourceType]; !known {
			return nil, reconcile.NewError("queue.new_dispatcher", "unknown_type", reconcile.KindValidation,
				fmt.Errorf("%w: %s", ecs.ErrUnknownResourceType, resourceType))
		}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{handlers: table, logger: logger}, nil
}

// Dispatch hands the event to its handler. Unknown resource types are an
// internal error and the event is never consumed.
func (d *Dispatcher) Dispatch(ctx context.Context, conn ecs.Connection, event ecs.Event) (reconcile.Outcome, error) {
	ctx, span := tracer.Start(ctx, "queue.Dispatch", trace.WithAttributes(
		attribute.String("resource_type", event.ResourceType),
		attribute.Int64("resource_id", event.ResourceID),
		attribute.String("status", string(event.Status)),
		attribute.Int64("broker_id", conn.BrokerID()),
	))
	defer span.End()

	resourceType, err := ecs.ParseResourceType(event.ResourceType)
	if err != nil {
		span.RecordError(err)
		metrics.EventsProcessed.WithLabelValues(event.ResourceType, "unroutable").Inc()
		return reconcile.Deferred, reconcile.Internal(opDispatch, "unknown_type", err)
	}
	started := time.Now()
	outcome, err := d.handlers[resourceType].HandleEvent(ctx, conn, event)
	label := outcome.String()
	if err != nil {
		span.RecordError(err)
		label = "failed"
	}
	metrics.EventsProcessed.WithLabelValues(string(resourceType), label).Inc()
	d.logger.Debug("event dispatched",
		zap.String("resource_type", string(resourceType)),
		zap.Int64("resource_id", event.ResourceID),
		zap.String("status", string(event.Status)),
		zap.String("outcome", label),
		zap.Duration("elapsed", time.Since(started)))
	return outcome, err
}
