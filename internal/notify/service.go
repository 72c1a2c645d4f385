// Package notify queues operator notifications and streams them to
// subscribers once a cycle sends them.
package notify

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Kind names the notification category.
type Kind string

const (
	KindCourseCreated Kind = "course_created"
	KindCourseUpdated Kind = "course_updated"
	KindCourseDeleted Kind = "course_deleted"
	KindCycleError    Kind = "cycle_error"
)

const (
	opServiceNew = "notify.service.new"
	opQueue      = "notify.queue"
	opSend       = "notify.send"
	opReport     = "notify.report_error"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	errMissingKind     = errors.New("notification kind is required")
	noOpLogger         = zap.NewNop()
)

// Notification is a queued operator message.
type Notification struct {
	ID        string     `gorm:"column:id;primaryKey;size:36"`
	BrokerID  int64      `gorm:"column:broker_id;not null;index"`
	Kind      Kind       `gorm:"column:kind;size:32;not null"`
	Subject   string     `gorm:"column:subject;size:255;not null"`
	Body      string     `gorm:"column:body;type:text"`
	CreatedAt time.Time  `gorm:"column:created_at;not null;index"`
	SentAt    *time.Time `gorm:"column:sent_at;index"`
}

func (Notification) TableName() string {
	return "notifications"
}

// BrokerTopic is the realtime topic for one broker connection.
func BrokerTopic(brokerID int64) string {
	return "broker:" + strconv.FormatInt(brokerID, 10)
}

type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

func newServiceError(operation, reason string, cause error) error {
	return &ServiceError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

type ServiceConfig struct {
	Database   *gorm.DB
	Dispatcher *Dispatcher
	Clock      func() time.Time
	Logger     *zap.Logger
}

type Service struct {
	db         *gorm.DB
	dispatcher *Dispatcher
	clock      func() time.Time
	logger     *zap.Logger
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	dispatcher := cfg.Dispatcher
	if dispatcher == nil {
		dispatcher = NewDispatcher()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{db: cfg.Database, dispatcher: dispatcher, clock: clock, logger: logger}, nil
}

// Dispatcher exposes the realtime fan-out used by the HTTP stream.
func (s *Service) Dispatcher() *Dispatcher {
	return s.dispatcher
}

// Queue stores a notification to be delivered by the next Send.
func (s *Service) Queue(ctx context.Context, brokerID int64, kind Kind, subject, body string) (Notification, error) {
	if kind == "" {
		return Notification{}, newServiceError(opQueue, "missing_kind", errMissingKind)
	}
	id, err := uuid.NewV7()
	if err != nil {
		s.logError(opQueue, "id_generation_failed", err)
		return Notification{}, newServiceError(opQueue, "id_generation_failed", err)
	}
	notification := Notification{
		ID:        id.String(),
		BrokerID:  brokerID,
		Kind:      kind,
		Subject:   subject,
		Body:      body,
		CreatedAt: s.clock().UTC(),
	}
	if err := s.db.WithContext(ctx).Create(&notification).Error; err != nil {
		s.logError(opQueue, "insert_failed", err, zap.Int64("broker_id", brokerID))
		return Notification{}, newServiceError(opQueue, "insert_failed", err)
	}
	return notification, nil
}

// Send publishes every unsent notification of a broker and marks it sent.
func (s *Service) Send(ctx context.Context, brokerID int64) (int, error) {
	var pending []Notification
	err := s.db.WithContext(ctx).
		Where("broker_id = ? AND sent_at IS NULL", brokerID).
		Order("created_at ASC, id ASC").
		Find(&pending).Error
	if err != nil {
		s.logError(opSend, "select_failed", err, zap.Int64("broker_id", brokerID))
		return 0, newServiceError(opSend, "select_failed", err)
	}
	sent := 0
	for _, notification := range pending {
		s.dispatcher.Publish(toMessage(notification))
		sentAt := s.clock().UTC()
		if err := s.db.WithContext(ctx).Model(&Notification{}).
			Where("id = ?", notification.ID).
			Update("sent_at", sentAt).Error; err != nil {
			s.logError(opSend, "mark_sent_failed", err, zap.String("notification_id", notification.ID))
			return sent, newServiceError(opSend, "mark_sent_failed", err)
		}
		sent++
	}
	if sent > 0 {
		s.logger.Info("notifications sent", zap.Int64("broker_id", brokerID), zap.Int("count", sent))
	}
	return sent, nil
}

// ReportError records a cycle failure and publishes it immediately.
func (s *Service) ReportError(ctx context.Context, brokerID int64, stage string, cause error) {
	if cause == nil {
		return
	}
	id, err := uuid.NewV7()
	if err != nil {
		s.logError(opReport, "id_generation_failed", err)
		return
	}
	now := s.clock().UTC()
	notification := Notification{
		ID:        id.String(),
		BrokerID:  brokerID,
		Kind:      KindCycleError,
		Subject:   fmt.Sprintf("synchronization failed during %s", stage),
		Body:      cause.Error(),
		CreatedAt: now,
		SentAt:    &now,
	}
	if err := s.db.WithContext(ctx).Create(&notification).Error; err != nil {
		s.logError(opReport, "insert_failed", err, zap.Int64("broker_id", brokerID))
	}
	s.dispatcher.Publish(toMessage(notification))
}

// Recent lists the latest notifications, newest first.
func (s *Service) Recent(ctx context.Context, limit int) ([]Notification, error) {
	if limit <= 0 {
		limit = 50
	}
	var notifications []Notification
	err := s.db.WithContext(ctx).Order("created_at DESC, id DESC").Limit(limit).Find(&notifications).Error
	return notifications, err
}

func toMessage(notification Notification) Message {
	return Message{
		ID:        notification.ID,
		Topic:     BrokerTopic(notification.BrokerID),
		Kind:      notification.Kind,
		BrokerID:  notification.BrokerID,
		Subject:   notification.Subject,
		Body:      notification.Body,
		Timestamp: notification.CreatedAt,
	}
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("notify service error", attrs...)
}
