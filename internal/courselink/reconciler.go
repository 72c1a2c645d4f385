// Package courselink imports the course links other participants publish and
// reports enrolments in them back to their owners.
package courselink

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/MarcoPoloResearchLab/campussync/internal/ecs"
	"github.com/MarcoPoloResearchLab/campussync/internal/export"
	"github.com/MarcoPoloResearchLab/campussync/internal/lms"
	"github.com/MarcoPoloResearchLab/campussync/internal/reconcile"
	"github.com/MarcoPoloResearchLab/campussync/internal/users"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	opNew         = "courselink.new"
	opImport      = "courselink.import"
	opRemove      = "courselink.remove"
	opEnrolment   = "courselink.enrolment_changed"
	opHandleEvent = "courselink.handle_event"
)

var (
	// ErrNotImported means the course is not an imported course link.
	ErrNotImported = errors.New("courselink: course is not an imported course link")

	errMissingDatabase = errors.New("database handle is required")
	errMissingStore    = errors.New("lms store is required")
	errNoEnrolmentSync = errors.New("user resolver and export queue are required for enrolment updates")
	noOpLogger         = zap.NewNop()
	tracer             = otel.Tracer("campussync/courselink")
)

// EnrolmentQueue accepts outbound enrolment status updates.
type EnrolmentQueue interface {
	QueueEnrolmentStatus(ctx context.Context, status export.EnrolmentStatus) (export.EnrolmentStatus, error)
}

type Config struct {
	Database *gorm.DB
	Store    *lms.Store
	Users    *users.Service
	Exports  EnrolmentQueue
	// PersonIDType is the identifier enrolment updates carry; defaults to
	// ecs_login.
	PersonIDType users.PersonIDType
	Logger       *zap.Logger
}

// Reconciler keeps imported course links in the connection's import category.
type Reconciler struct {
	db         *gorm.DB
	store      *lms.Store
	users      *users.Service
	exports    EnrolmentQueue
	personType users.PersonIDType
	logger     *zap.Logger
}

func NewReconciler(cfg Config) (*Reconciler, error) {
	switch {
	case cfg.Database == nil:
		return nil, reconcile.Internal(opNew, "missing_database", errMissingDatabase)
	case cfg.Store == nil:
		return nil, reconcile.Internal(opNew, "missing_store", errMissingStore)
	}
	personType := cfg.PersonIDType
	if personType == "" {
		personType = users.PersonLogin
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Reconciler{
		db:         cfg.Database,
		store:      cfg.Store,
		users:      cfg.Users,
		exports:    cfg.Exports,
		personType: personType,
		logger:     logger,
	}, nil
}

// Imports lists the imported course links of a broker.
func (r *Reconciler) Imports(ctx context.Context, brokerID int64) ([]Import, error) {
	var imports []Import
	err := r.db.WithContext(ctx).Where("broker_id = ?", brokerID).Order("id ASC").Find(&imports).Error
	return imports, err
}

func (r *Reconciler) lookup(ctx context.Context, tx *gorm.DB, brokerID, resourceID int64) (Import, bool, error) {
	var record Import
	err := tx.WithContext(ctx).Where("broker_id = ? AND resource_id = ?", brokerID, resourceID).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Import{}, false, nil
	}
	return record, err == nil, err
}

func linkCourse(link Link, categoryID int64) lms.Course {
	shortName := link.Number
	if shortName == "" {
		shortName = link.Title
	}
	summary := link.Abstract
	if link.Lecturers != "" {
		summary = strings.TrimSpace(summary + "\n" + link.Lecturers)
	}
	return lms.Course{
		CategoryID:  categoryID,
		FullName:    link.Title,
		ShortName:   shortName,
		IDNumber:    link.ID,
		Summary:     summary,
		ExternalURL: link.URL,
	}
}

// Import creates or refreshes the local course of a course link. A course
// deleted locally is recreated.
func (r *Reconciler) Import(ctx context.Context, conn ecs.Connection, resourceID, senderMID int64, link Link) (Import, error) {
	brokerID := conn.BrokerID()
	fields := []zap.Field{zap.Int64("broker_id", brokerID), zap.Int64("resource_id", resourceID)}
	var record Import
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		store := r.store.Tx(tx)
		existing, found, err := r.lookup(ctx, tx, brokerID, resourceID)
		if err != nil {
			return err
		}
		desired := linkCourse(link, conn.ImportCategoryID)
		if found {
			exists, err := store.CourseExists(ctx, existing.CourseID)
			if err != nil {
				return err
			}
			if exists {
				desired.ID = existing.CourseID
				if _, err := store.UpdateCourseFields(ctx, desired); err != nil {
					return err
				}
				existing.URL = link.URL
				existing.SenderMID = senderMID
				record = existing
				return tx.Save(&record).Error
			}
			created, err := store.CreateCourse(ctx, desired)
			if err != nil {
				return err
			}
			existing.CourseID = created.ID
			existing.URL = link.URL
			existing.SenderMID = senderMID
			record = existing
			return tx.Save(&record).Error
		}
		created, err := store.CreateCourse(ctx, desired)
		if err != nil {
			return err
		}
		record = Import{BrokerID: brokerID, ResourceID: resourceID, CourseID: created.ID, SenderMID: senderMID, URL: link.URL}
		return tx.Create(&record).Error
	})
	if err != nil {
		return Import{}, r.fail(opImport, "transaction_failed", reconcile.KindInternal, err, fields...)
	}
	return record, nil
}

// Remove deletes the local course of a withdrawn course link.
func (r *Reconciler) Remove(ctx context.Context, brokerID, resourceID int64) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		record, found, err := r.lookup(ctx, tx, brokerID, resourceID)
		if err != nil || !found {
			return err
		}
		if err := r.store.Tx(tx).DeleteCourse(ctx, record.CourseID); err != nil {
			return err
		}
		return tx.Delete(&Import{}, record.ID).Error
	})
	if err != nil {
		return r.fail(opRemove, "transaction_failed", reconcile.KindInternal, err,
			zap.Int64("broker_id", brokerID), zap.Int64("resource_id", resourceID))
	}
	return nil
}

// EnrolmentChanged queues an enrolment status update for the owner of an
// imported course link.
func (r *Reconciler) EnrolmentChanged(ctx context.Context, courseID, userID int64, state export.EnrolmentState) (export.EnrolmentStatus, error) {
	fields := []zap.Field{zap.Int64("course_id", courseID), zap.Int64("user_id", userID)}
	if r.exports == nil || r.users == nil {
		return export.EnrolmentStatus{}, reconcile.Internal(opEnrolment, "not_configured", errNoEnrolmentSync)
	}
	var record Import
	err := r.db.WithContext(ctx).Where("course_id = ?", courseID).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return export.EnrolmentStatus{}, reconcile.NewError(opEnrolment, "not_imported", reconcile.KindValidation, ErrNotImported)
	}
	if err != nil {
		return export.EnrolmentStatus{}, r.fail(opEnrolment, "select_failed", reconcile.KindInternal, err, fields...)
	}
	personID, err := r.users.PersonID(ctx, userID, r.personType)
	if err != nil {
		return export.EnrolmentStatus{}, r.fail(opEnrolment, "person_lookup_failed", reconcile.KindValidation, err, fields...)
	}
	return r.exports.QueueEnrolmentStatus(ctx, export.EnrolmentStatus{
		BrokerID:     record.BrokerID,
		TargetMID:    record.SenderMID,
		CourseURL:    record.URL,
		PersonID:     personID,
		PersonIDType: string(r.personType),
		State:        state,
	})
}

// HandleEvent applies one campusconnect/courselinks event.
func (r *Reconciler) HandleEvent(ctx context.Context, conn ecs.Connection, event ecs.Event) (reconcile.Outcome, error) {
	ctx, span := tracer.Start(ctx, "courselink.HandleEvent")
	defer span.End()
	brokerID := conn.BrokerID()
	fields := []zap.Field{zap.Int64("broker_id", brokerID), zap.Int64("resource_id", event.ResourceID)}

	if conn.ImportCategoryID == 0 {
		r.logger.Debug("course link import disabled, consuming event", fields...)
		return reconcile.Skipped, nil
	}
	if event.Status == ecs.StatusDestroyed {
		if err := r.Remove(ctx, brokerID, event.ResourceID); err != nil {
			return reconcile.Deferred, err
		}
		return reconcile.Applied, nil
	}

	var raw json.RawMessage
	resource, err := conn.Client.GetResource(ctx, ecs.ResourceCourseLinks, event.ResourceID, &raw)
	if errors.Is(err, ecs.ErrNotFound) {
		if err := r.Remove(ctx, brokerID, event.ResourceID); err != nil {
			return reconcile.Deferred, err
		}
		return reconcile.Applied, nil
	}
	if err != nil {
		span.RecordError(err)
		return reconcile.Deferred, err
	}
	if len(resource.SenderMIDs) == 0 {
		r.logger.Warn("skipping course link without sender", fields...)
		return reconcile.Skipped, nil
	}
	own, err := conn.Client.OwnMIDs(ctx)
	if err != nil {
		span.RecordError(err)
		return reconcile.Deferred, err
	}
	for _, mid := range own {
		if resource.SentBy(mid) {
			r.logger.Debug("skipping our own course link", fields...)
			return reconcile.Skipped, nil
		}
	}
	link, err := decodeLink(raw)
	if err != nil {
		r.logger.Warn("skipping undecodable course link", append(fields, zap.Error(err))...)
		return reconcile.Skipped, nil
	}
	if _, err := r.Import(ctx, conn, event.ResourceID, resource.SenderMIDs[0], link); err != nil {
		span.RecordError(err)
		return reconcile.Deferred, err
	}
	return reconcile.Applied, nil
}

func (r *Reconciler) fail(operation, reason string, kind reconcile.Kind, err error, fields ...zap.Field) error {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.Error(err),
	}
	r.logger.Error("courselink reconciler error", append(attrs, fields...)...)
	var classified *reconcile.Error
	if errors.As(err, &classified) {
		return err
	}
	return reconcile.NewError(operation, reason, kind, err)
}
