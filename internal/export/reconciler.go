// Package export pushes local state back to the broker: courses exported as
// course links, the URLs of courses created from CMS resources and enrolment
// status updates.
package export

import (
	"context"
	"errors"
	"sort"
	"strings"

	"github.com/MarcoPoloResearchLab/campussync/internal/ecs"
	"github.com/MarcoPoloResearchLab/campussync/internal/lms"
	"github.com/MarcoPoloResearchLab/campussync/internal/metadata"
	"github.com/MarcoPoloResearchLab/campussync/internal/reconcile"
	"github.com/MarcoPoloResearchLab/campussync/internal/users"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	opNew          = "export.new"
	opExport       = "export.export"
	opUnexport     = "export.unexport"
	opCourseChange = "export.course_changed"
	opPush         = "export.push"
	opPushURLs     = "export.push_course_urls"
	opQueueStatus  = "export.queue_enrolment_status"
	opPushStatus   = "export.push_enrolment_status"
	opHandleEvent  = "export.handle_enrolment"

	defaultRole    = "student"
	teacherRole    = "editingteacher"
	resourceCourse = ecs.ResourceCourseLinks
)

var (
	// ErrUnknownCourse means the course to export does not exist locally.
	ErrUnknownCourse = errors.New("export: unknown course")
	// ErrNoTargets means an export names no receiving participant.
	ErrNoTargets = errors.New("export: at least one target participant is required")
	// ErrInvalidEnrolmentState marks an enrolment state outside the protocol.
	ErrInvalidEnrolmentState = errors.New("export: invalid enrolment state")

	errMissingDatabase = errors.New("database handle is required")
	errMissingStore    = errors.New("lms store is required")
	errMissingUsers    = errors.New("user resolver is required")
	noOpLogger         = zap.NewNop()
	tracer             = otel.Tracer("campussync/export")
)

type Config struct {
	Database *gorm.DB
	// Store is observed: course updates and deletions made through it flag
	// the matching export records.
	Store       *lms.Store
	Users       *users.Service
	Mapping     metadata.Mapping
	LMSBaseURL  string
	DefaultRole string
	Logger      *zap.Logger
}

// Reconciler owns the export records and the outbound enrolment queue.
type Reconciler struct {
	db          *gorm.DB
	store       *lms.Store
	users       *users.Service
	mapping     metadata.Mapping
	baseURL     string
	defaultRole string
	logger      *zap.Logger
}

func NewReconciler(cfg Config) (*Reconciler, error) {
	switch {
	case cfg.Database == nil:
		return nil, reconcile.Internal(opNew, "missing_database", errMissingDatabase)
	case cfg.Store == nil:
		return nil, reconcile.Internal(opNew, "missing_store", errMissingStore)
	case cfg.Users == nil:
		return nil, reconcile.Internal(opNew, "missing_users", errMissingUsers)
	}
	mapping := cfg.Mapping
	if len(mapping.Export) == 0 {
		mapping = metadata.DefaultMapping()
	}
	role := strings.TrimSpace(cfg.DefaultRole)
	if role == "" {
		role = defaultRole
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	reconciler := &Reconciler{
		db:          cfg.Database,
		store:       cfg.Store,
		users:       cfg.Users,
		mapping:     mapping,
		baseURL:     cfg.LMSBaseURL,
		defaultRole: role,
		logger:      logger,
	}
	cfg.Store.Observe(courseObserver{reconciler: reconciler})
	return reconciler, nil
}

// Record loads the export record of a course for a broker.
func (r *Reconciler) Record(ctx context.Context, courseID, brokerID int64) (Record, bool, error) {
	var record Record
	err := r.db.WithContext(ctx).Where("course_id = ? AND broker_id = ?", courseID, brokerID).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, err
	}
	return record, true, nil
}

// Records lists the export records of a broker.
func (r *Reconciler) Records(ctx context.Context, brokerID int64) ([]Record, error) {
	var records []Record
	err := r.db.WithContext(ctx).Where("broker_id = ?", brokerID).Order("id ASC").Find(&records).Error
	return records, err
}

// Export marks a course for export to the given participants. Re-exporting
// an already pushed course turns into an update.
func (r *Reconciler) Export(ctx context.Context, courseID, brokerID int64, targets []int64) (Record, error) {
	fields := []zap.Field{zap.Int64("course_id", courseID), zap.Int64("broker_id", brokerID)}
	encoded, err := encodeTargets(targets)
	if err != nil {
		return Record{}, r.fail(opExport, "encode_targets_failed", reconcile.KindInternal, err, fields...)
	}
	if string(encoded) == "[]" {
		return Record{}, reconcile.NewError(opExport, "no_targets", reconcile.KindValidation, ErrNoTargets)
	}
	exists, err := r.store.CourseExists(ctx, courseID)
	if err != nil {
		return Record{}, r.fail(opExport, "course_lookup_failed", reconcile.KindInternal, err, fields...)
	}
	if !exists {
		return Record{}, reconcile.NewError(opExport, "unknown_course", reconcile.KindValidation, ErrUnknownCourse)
	}

	var record Record
	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Where("course_id = ? AND broker_id = ?", courseID, brokerID).Take(&record).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			record = Record{CourseID: courseID, BrokerID: brokerID, TargetMIDs: encoded, Status: StatusCreated}
			return tx.Create(&record).Error
		}
		if err != nil {
			return err
		}
		record.TargetMIDs = encoded
		switch record.Status {
		case StatusCreated:
		case StatusDeleted:
			record.Status = StatusUpdated
			if record.ResourceID == 0 {
				record.Status = StatusCreated
			}
		default:
			record.Status = StatusUpdated
		}
		return tx.Save(&record).Error
	})
	if err != nil {
		return Record{}, r.fail(opExport, "transaction_failed", reconcile.KindInternal, err, fields...)
	}
	return record, nil
}

// Unexport withdraws a course from a broker. A record that was never pushed
// is dropped at once.
func (r *Reconciler) Unexport(ctx context.Context, courseID, brokerID int64) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var record Record
		err := tx.Where("course_id = ? AND broker_id = ?", courseID, brokerID).Take(&record).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if record.ResourceID == 0 {
			return tx.Delete(&Record{}, record.ID).Error
		}
		return tx.Model(&Record{}).Where("id = ?", record.ID).Update("status", StatusDeleted).Error
	})
	if err != nil {
		return r.fail(opUnexport, "transaction_failed", reconcile.KindInternal, err,
			zap.Int64("course_id", courseID), zap.Int64("broker_id", brokerID))
	}
	return nil
}

// courseObserver keeps export records in step with local course changes made
// through the LMS store.
type courseObserver struct {
	reconciler *Reconciler
}

// CourseUpdated flags every pushed export of a course for an update.
func (o courseObserver) CourseUpdated(ctx context.Context, db *gorm.DB, courseID int64) error {
	result := db.WithContext(ctx).Model(&Record{}).
		Where("course_id = ? AND status = ?", courseID, StatusUpToDate).
		Update("status", StatusUpdated)
	if result.Error != nil {
		return o.reconciler.fail(opCourseChange, "update_failed", reconcile.KindInternal, result.Error, zap.Int64("course_id", courseID))
	}
	if result.RowsAffected > 0 {
		o.reconciler.logger.Debug("course changed, exports flagged for update",
			zap.Int64("course_id", courseID), zap.Int64("records", result.RowsAffected))
	}
	return nil
}

// CourseDeleted withdraws every export of a deleted local course. Records
// never pushed are dropped; pushed ones wait for the broker delete.
func (o courseObserver) CourseDeleted(ctx context.Context, db *gorm.DB, courseID int64) error {
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("course_id = ? AND resource_id = 0", courseID).Delete(&Record{}).Error; err != nil {
			return err
		}
		return tx.Model(&Record{}).Where("course_id = ? AND resource_id <> 0", courseID).Update("status", StatusDeleted).Error
	})
	if err != nil {
		return o.reconciler.fail(opCourseChange, "delete_failed", reconcile.KindInternal, err, zap.Int64("course_id", courseID))
	}
	return nil
}

// PushResult counts what a push pass did.
type PushResult struct {
	Created int
	Updated int
	Deleted int
	Failed  int
}

// Push sends every pending export of the connection's broker. A failed push
// leaves its record untouched for the next cycle; the other records still go.
func (r *Reconciler) Push(ctx context.Context, conn ecs.Connection) (PushResult, error) {
	ctx, span := tracer.Start(ctx, "export.Push")
	defer span.End()
	var result PushResult
	if !conn.ExportCourses {
		return result, nil
	}
	brokerID := conn.BrokerID()
	var pending []Record
	err := r.db.WithContext(ctx).Where("broker_id = ? AND status <> ?", brokerID, StatusUpToDate).
		Order("id ASC").Find(&pending).Error
	if err != nil {
		return result, r.fail(opPush, "select_failed", reconcile.KindInternal, err, zap.Int64("broker_id", brokerID))
	}

	var errs []error
	for _, record := range pending {
		if err := r.pushRecord(ctx, conn, record, &result); err != nil {
			result.Failed++
			span.RecordError(err)
			errs = append(errs, r.fail(opPush, "push_failed", reconcile.KindTransport, err,
				zap.Int64("broker_id", brokerID), zap.Int64("course_id", record.CourseID)))
		}
	}
	return result, errors.Join(errs...)
}

func (r *Reconciler) pushRecord(ctx context.Context, conn ecs.Connection, record Record, result *PushResult) error {
	if record.Status == StatusDeleted {
		return r.withdraw(ctx, conn, record, result)
	}
	payload, err := r.courseLink(ctx, record.CourseID)
	if errors.Is(err, lms.ErrNotFound) {
		r.logger.Warn("exported course vanished locally, withdrawing", zap.Int64("course_id", record.CourseID))
		return r.withdraw(ctx, conn, record, result)
	}
	if err != nil {
		return err
	}
	targets, err := record.Targets()
	if err != nil {
		return err
	}

	resourceID := record.ResourceID
	created := false
	if resourceID != 0 {
		err = conn.Client.UpdateResource(ctx, resourceCourse, resourceID, payload, targets)
		if ecs.IsNotFound(err) {
			resourceID = 0
		} else if err != nil {
			return err
		}
	}
	if resourceID == 0 {
		resourceID, err = conn.Client.CreateResource(ctx, resourceCourse, payload, targets)
		if err != nil {
			return err
		}
		created = true
	}
	err = r.db.WithContext(ctx).Model(&Record{}).Where("id = ?", record.ID).
		Updates(map[string]any{"resource_id": resourceID, "status": StatusUpToDate}).Error
	if err != nil {
		return err
	}
	if created {
		result.Created++
	} else {
		result.Updated++
	}
	return nil
}

func (r *Reconciler) withdraw(ctx context.Context, conn ecs.Connection, record Record, result *PushResult) error {
	if record.ResourceID != 0 {
		if err := conn.Client.DeleteResource(ctx, resourceCourse, record.ResourceID); err != nil {
			return err
		}
	}
	if err := r.db.WithContext(ctx).Delete(&Record{}, record.ID).Error; err != nil {
		return err
	}
	result.Deleted++
	return nil
}

// courseLink renders the course link payload of a local course through the
// export templates.
func (r *Reconciler) courseLink(ctx context.Context, courseID int64) (map[string]string, error) {
	course, err := r.store.Course(ctx, courseID)
	if err != nil {
		return nil, err
	}
	lecturers, err := r.lecturers(ctx, courseID)
	if err != nil {
		return nil, err
	}
	values := map[string]string{
		metadata.FieldFullName:  course.FullName,
		metadata.FieldShortName: course.ShortName,
		metadata.FieldIDNumber:  course.IDNumber,
		metadata.FieldSummary:   course.Summary,
		"lecturers":             lecturers,
	}
	payload := r.mapping.ExportFields(values)
	payload["url"] = lms.CourseURL(r.baseURL, courseID)
	return payload, nil
}

func (r *Reconciler) lecturers(ctx context.Context, courseID int64) (string, error) {
	enrolments, err := r.store.Enrolments(ctx, courseID)
	if err != nil {
		return "", err
	}
	var names []string
	for _, enrolment := range enrolments {
		if enrolment.Role != teacherRole {
			continue
		}
		user, err := r.store.User(ctx, enrolment.UserID)
		if errors.Is(err, lms.ErrNotFound) {
			continue
		}
		if err != nil {
			return "", err
		}
		name := strings.TrimSpace(user.FirstName + " " + user.LastName)
		if name != "" {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return strings.Join(names, ", "), nil
}

func (r *Reconciler) fail(operation, reason string, kind reconcile.Kind, err error, fields ...zap.Field) error {
	r.logError(operation, reason, err, fields...)
	var classified *reconcile.Error
	if errors.As(err, &classified) {
		return err
	}
	return reconcile.NewError(operation, reason, kind, err)
}

func (r *Reconciler) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	r.logger.Error("export reconciler error", attrs...)
}
