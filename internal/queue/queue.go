// Package queue mirrors the broker's event FIFO into a local pending table and
// feeds the pending events to the reconcilers in arrival order.
package queue

import (
	"context"
	"errors"
	"strconv"

	"github.com/MarcoPoloResearchLab/campussync/internal/ecs"
	"github.com/MarcoPoloResearchLab/campussync/internal/metrics"
	"github.com/MarcoPoloResearchLab/campussync/internal/reconcile"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	opNew     = "queue.new"
	opPull    = "queue.pull"
	opProcess = "queue.process"
	opPending = "queue.pending"

	// pullLimit bounds one pull so a broker that never drains its FIFO cannot
	// stall the cycle.
	pullLimit = 10000
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingDispatcher = errors.New("dispatcher is required")
	errMissingClient     = errors.New("connection has no broker client")
	noOpLogger           = zap.NewNop()
)

type Config struct {
	Database   *gorm.DB
	Dispatcher *Dispatcher
	Logger     *zap.Logger
}

// Queue owns the pending event table.
type Queue struct {
	db         *gorm.DB
	dispatcher *Dispatcher
	logger     *zap.Logger
}

// ProcessResult counts what one processing pass did with the queued events.
type ProcessResult struct {
	Applied  int
	Skipped  int
	Deferred int
	Failed   int
}

func NewQueue(cfg Config) (*Queue, error) {
	if cfg.Database == nil {
		return nil, reconcile.Internal(opNew, "missing_database", errMissingDatabase)
	}
	if cfg.Dispatcher == nil {
		return nil, reconcile.Internal(opNew, "missing_dispatcher", errMissingDispatcher)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Queue{db: cfg.Database, dispatcher: cfg.Dispatcher, logger: logger}, nil
}

// Pull drains the broker FIFO one event at a time: peek, store, then pop. An
// event is only popped after it has been stored, so a failure between the two
// re-delivers it instead of losing it. Entries that cannot be decoded are
// logged, counted and popped so they never block the events behind them.
// Transport errors abort the loop; events stored so far stay queued.
func (q *Queue) Pull(ctx context.Context, conn ecs.Connection) (int, error) {
	if conn.Client == nil {
		return 0, reconcile.Internal(opPull, "missing_client", errMissingClient)
	}
	brokerID := conn.BrokerID()
	pulled := 0
	for reads := 0; reads < pullLimit; reads++ {
		batch, err := conn.Client.ReadEventFIFO(ctx, false)
		if err != nil {
			q.logError(opPull, "peek_failed", err, zap.Int64("broker_id", brokerID))
			return pulled, err
		}
		if batch.Len() == 0 {
			return pulled, nil
		}
		for _, event := range batch.Events {
			if err := q.store(ctx, brokerID, event); err != nil {
				return pulled, err
			}
			metrics.EventsPulled.WithLabelValues(event.ResourceType, string(event.Status)).Inc()
		}
		for _, entry := range batch.Malformed {
			q.logger.Warn("dropping malformed fifo entry",
				zap.Int64("broker_id", brokerID),
				zap.String("resource", entry.Resource),
				zap.String("status", entry.Status),
				zap.Error(entry.Err))
			metrics.EventsDropped.WithLabelValues(strconv.FormatInt(brokerID, 10)).Inc()
		}
		if _, err := conn.Client.ReadEventFIFO(ctx, true); err != nil {
			q.logError(opPull, "pop_failed", err, zap.Int64("broker_id", brokerID))
			return pulled, err
		}
		pulled += len(batch.Events)
	}
	q.logger.Warn("event pull limit reached, continuing next cycle",
		zap.Int64("broker_id", brokerID), zap.Int("limit", pullLimit))
	return pulled, nil
}

// Enqueue stores a single event with the merge rule, as Pull does.
func (q *Queue) Enqueue(ctx context.Context, brokerID int64, event ecs.Event) error {
	return q.store(ctx, brokerID, event)
}

func (q *Queue) store(ctx context.Context, brokerID int64, event ecs.Event) error {
	fields := []zap.Field{
		zap.Int64("broker_id", brokerID),
		zap.String("resource_type", event.ResourceType),
		zap.Int64("resource_id", event.ResourceID),
		zap.String("status", string(event.Status)),
	}
	err := q.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing PendingEvent
		err := tx.Where("resource_type = ? AND resource_id = ? AND broker_id = ?", event.ResourceType, event.ResourceID, brokerID).
			Take(&existing).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return tx.Create(&PendingEvent{
				ResourceType: event.ResourceType,
				ResourceID:   event.ResourceID,
				BrokerID:     brokerID,
				Status:       event.Status,
			}).Error
		}
		if err != nil {
			return err
		}
		status, changed := mergeStatus(existing.Status, event.Status)
		if !changed {
			q.logger.Debug("event merged into queued event", append(fields, zap.String("kept", string(existing.Status)))...)
			return nil
		}
		return tx.Model(&PendingEvent{}).Where("id = ?", existing.ID).Update("status", status).Error
	})
	if err != nil {
		q.logError(opPull, "store_failed", err, fields...)
		return reconcile.Internal(opPull, "store_failed", err)
	}
	return nil
}

// Process dispatches the pending events of a broker in insertion order. An event
// is deleted when its handler applied or skipped it, or failed with an error
// that retrying can never fix. Deferred and failed events stay queued and are
// not retried within the same pass.
//
// A transport failure aborts the pass and is returned. Invariant violations and
// internal errors are fatal for their event only; they are collected and
// returned together after the pass.
func (q *Queue) Process(ctx context.Context, conn ecs.Connection) (ProcessResult, error) {
	brokerID := conn.BrokerID()
	var (
		result  ProcessResult
		fatal   []error
		afterID int64
	)
	for {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		var pending PendingEvent
		err := q.db.WithContext(ctx).
			Where("broker_id = ? AND id > ?", brokerID, afterID).
			Order("id ASC").
			Take(&pending).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			break
		}
		if err != nil {
			q.logError(opProcess, "select_failed", err, zap.Int64("broker_id", brokerID))
			return result, reconcile.Internal(opProcess, "select_failed", err)
		}
		afterID = pending.ID

		fields := []zap.Field{
			zap.Int64("broker_id", brokerID),
			zap.Int64("event_id", pending.ID),
			zap.String("resource_type", pending.ResourceType),
			zap.Int64("resource_id", pending.ResourceID),
			zap.String("status", string(pending.Status)),
		}
		outcome, err := q.dispatcher.Dispatch(ctx, conn, pending.Event())
		consume := err == nil && outcome.Consumed()
		switch kind := reconcile.KindOf(err); {
		case err == nil && outcome == reconcile.Applied:
			result.Applied++
		case err == nil && outcome == reconcile.Skipped:
			result.Skipped++
		case err == nil:
			result.Deferred++
		case !reconcile.IsRetriable(err):
			q.logger.Warn("event rejected, consuming it", append(fields, zap.String("kind", string(kind)), zap.Error(err))...)
			result.Skipped++
			consume = true
		case kind == reconcile.KindTransport:
			result.Failed++
			q.logError(opProcess, "transport_failed", err, fields...)
			return result, err
		case kind == reconcile.KindInvariant || kind == reconcile.KindInternal:
			result.Failed++
			q.logError(opProcess, "handler_failed", err, fields...)
			fatal = append(fatal, err)
		default:
			result.Deferred++
			q.logger.Info("event deferred", append(fields, zap.String("kind", string(kind)), zap.Error(err))...)
		}
		if !consume {
			continue
		}
		// The status check keeps an event that was merged while the handler ran.
		deleted := q.db.WithContext(ctx).
			Where("id = ? AND status = ?", pending.ID, pending.Status).
			Delete(&PendingEvent{})
		if deleted.Error != nil {
			q.logError(opProcess, "delete_failed", deleted.Error, fields...)
			return result, reconcile.Internal(opProcess, "delete_failed", deleted.Error)
		}
	}

	if remaining, err := q.count(ctx, brokerID); err == nil {
		metrics.PendingEvents.WithLabelValues(strconv.FormatInt(brokerID, 10)).Set(float64(remaining))
	}
	if len(fatal) > 0 {
		return result, errors.Join(fatal...)
	}
	return result, nil
}

// Pending lists the queued events of a broker in processing order.
func (q *Queue) Pending(ctx context.Context, brokerID int64) ([]PendingEvent, error) {
	var pending []PendingEvent
	if err := q.db.WithContext(ctx).Where("broker_id = ?", brokerID).Order("id ASC").Find(&pending).Error; err != nil {
		q.logError(opPending, "select_failed", err, zap.Int64("broker_id", brokerID))
		return nil, reconcile.Internal(opPending, "select_failed", err)
	}
	return pending, nil
}

func (q *Queue) count(ctx context.Context, brokerID int64) (int64, error) {
	var count int64
	err := q.db.WithContext(ctx).Model(&PendingEvent{}).Where("broker_id = ?", brokerID).Count(&count).Error
	return count, err
}

func (q *Queue) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	q.logger.Error("event queue error", attrs...)
}
