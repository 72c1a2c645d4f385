package course

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/MarcoPoloResearchLab/campussync/internal/directory"
	"github.com/MarcoPoloResearchLab/campussync/internal/ecs"
	"github.com/MarcoPoloResearchLab/campussync/internal/lms"
	"github.com/MarcoPoloResearchLab/campussync/internal/membership"
	"github.com/MarcoPoloResearchLab/campussync/internal/metadata"
	"github.com/MarcoPoloResearchLab/campussync/internal/notify"
	"github.com/MarcoPoloResearchLab/campussync/internal/reconcile"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	opNew         = "course.new"
	opCreate      = "course.create"
	opUpdate      = "course.update"
	opDelete      = "course.delete"
	opRedirect    = "course.check_redirect"
	opSort        = "course.sort_courses"
	opHandleEvent = "course.handle_event"
)

var (
	// ErrDanglingLink means a link record points at a real course that has no
	// record of its own.
	ErrDanglingLink = errors.New("course: link record points at an unknown real course")

	errMissingDatabase    = errors.New("database handle is required")
	errMissingStore       = errors.New("lms store is required")
	errMissingDirectories = errors.New("directory reconciler is required")
	noOpLogger            = zap.NewNop()
	tracer                = otel.Tracer("campussync/course")
)

// MembershipAssigner enrols the stored members of a CMS course.
type MembershipAssigner interface {
	AssignCourse(ctx context.Context, brokerID int64, cmsCourseID string) (membership.AssignResult, error)
}

// Notifier queues operator notifications.
type Notifier interface {
	Queue(ctx context.Context, brokerID int64, kind notify.Kind, subject, body string) (notify.Notification, error)
}

type Config struct {
	Database    *gorm.DB
	Store       *lms.Store
	Directories *directory.Reconciler
	Mapping     metadata.Mapping
	Memberships MembershipAssigner
	Notifier    Notifier
	LMSBaseURL  string
	Logger      *zap.Logger
}

// Reconciler owns the link and parallel group records and the courses they
// describe.
type Reconciler struct {
	*Locator
	db          *gorm.DB
	store       *lms.Store
	directories *directory.Reconciler
	mapping     metadata.Mapping
	memberships MembershipAssigner
	notifier    Notifier
	baseURL     string
	logger      *zap.Logger
}

func NewReconciler(cfg Config) (*Reconciler, error) {
	switch {
	case cfg.Database == nil:
		return nil, reconcile.Internal(opNew, "missing_database", errMissingDatabase)
	case cfg.Store == nil:
		return nil, reconcile.Internal(opNew, "missing_store", errMissingStore)
	case cfg.Directories == nil:
		return nil, reconcile.Internal(opNew, "missing_directories", errMissingDirectories)
	}
	mapping := cfg.Mapping
	if len(mapping.Import) == 0 {
		mapping = metadata.DefaultMapping()
	}
	if err := mapping.Validate(); err != nil {
		return nil, reconcile.NewError(opNew, "invalid_mapping", reconcile.KindValidation, err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	locator, err := NewLocator(cfg.Database)
	if err != nil {
		return nil, err
	}
	return &Reconciler{
		Locator:     locator,
		db:          cfg.Database,
		store:       cfg.Store,
		directories: cfg.Directories,
		mapping:     mapping,
		memberships: cfg.Memberships,
		notifier:    cfg.Notifier,
		baseURL:     cfg.LMSBaseURL,
		logger:      logger,
	}, nil
}

// Records lists the link records of one resource, real courses first.
func (r *Reconciler) Records(ctx context.Context, brokerID, resourceID int64) ([]LinkRecord, error) {
	var records []LinkRecord
	err := r.db.WithContext(ctx).
		Where("broker_id = ? AND resource_id = ?", brokerID, resourceID).
		Order("internal_link ASC, id ASC").Find(&records).Error
	if err != nil {
		return nil, reconcile.Internal("course.records", "select_failed", err)
	}
	return records, nil
}

// ParallelGroupRecords lists the stored parallel groups of one resource.
func (r *Reconciler) ParallelGroupRecords(ctx context.Context, brokerID, resourceID int64) ([]ParallelGroupRecord, error) {
	var records []ParallelGroupRecord
	err := r.db.WithContext(ctx).
		Where("broker_id = ? AND resource_id = ?", brokerID, resourceID).
		Order("group_num ASC").Find(&records).Error
	if err != nil {
		return nil, reconcile.Internal("course.parallel_groups", "select_failed", err)
	}
	return records, nil
}

// Create reconciles a newly announced course resource. A resource that was
// seen before is updated instead, so repeated created events never produce a
// second real course.
func (r *Reconciler) Create(ctx context.Context, conn ecs.Connection, resourceID int64, remote Remote, resource ecs.Resource) (reconcile.Outcome, error) {
	if !conn.FromCMS(resource) {
		r.logger.Warn("skipping course from non-CMS sender",
			zap.Int64("broker_id", conn.BrokerID()), zap.Int64("resource_id", resourceID), zap.Int64s("senders", resource.SenderMIDs))
		return reconcile.Skipped, nil
	}
	return r.sync(ctx, conn, resourceID, remote, opCreate)
}

// Update reconciles a changed course resource.
func (r *Reconciler) Update(ctx context.Context, conn ecs.Connection, resourceID int64, remote Remote, resource ecs.Resource) (reconcile.Outcome, error) {
	if !conn.FromCMS(resource) {
		r.logger.Warn("skipping course update from non-CMS sender",
			zap.Int64("broker_id", conn.BrokerID()), zap.Int64("resource_id", resourceID), zap.Int64s("senders", resource.SenderMIDs))
		return reconcile.Skipped, nil
	}
	return r.sync(ctx, conn, resourceID, remote, opUpdate)
}

// Delete removes the link courses of a resource. Real courses stay with their
// local content and are only flagged for the outbound delete.
func (r *Reconciler) Delete(ctx context.Context, brokerID, resourceID int64) error {
	ctx, span := tracer.Start(ctx, "course.Delete")
	defer span.End()
	fields := []zap.Field{zap.Int64("broker_id", brokerID), zap.Int64("resource_id", resourceID)}

	var reals []LinkRecord
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var records []LinkRecord
		if err := tx.Where("broker_id = ? AND resource_id = ?", brokerID, resourceID).Find(&records).Error; err != nil {
			return err
		}
		store := r.store.Tx(tx)
		for _, record := range records {
			if record.Real() {
				if record.URLStatus != URLDeleted {
					reals = append(reals, record)
				}
				continue
			}
			if err := store.DeleteCourse(ctx, record.CourseID); err != nil {
				return err
			}
			if err := tx.Delete(&LinkRecord{}, record.ID).Error; err != nil {
				return err
			}
		}
		if err := tx.Model(&LinkRecord{}).
			Where("broker_id = ? AND resource_id = ? AND internal_link = 0", brokerID, resourceID).
			Update("url_status", URLDeleted).Error; err != nil {
			return err
		}
		return tx.Where("broker_id = ? AND resource_id = ?", brokerID, resourceID).Delete(&ParallelGroupRecord{}).Error
	})
	if err != nil {
		span.RecordError(err)
		return r.fail(opDelete, "transaction_failed", reconcile.KindInternal, err, fields...)
	}
	for _, record := range reals {
		r.queueNotification(ctx, brokerID, notify.KindCourseDeleted, record.CourseID, "Course removed remotely")
	}
	return nil
}

// CheckRedirect reports where a link course redirects to. Real courses do not
// redirect; courses without a link record yield ErrNotLinked.
func (r *Reconciler) CheckRedirect(ctx context.Context, courseID int64) (string, bool, error) {
	record, err := r.Record(ctx, courseID)
	if errors.Is(err, ErrNotLinked) {
		return "", false, reconcile.NewError(opRedirect, "not_linked", reconcile.KindValidation, err)
	}
	if err != nil {
		return "", false, r.fail(opRedirect, "select_failed", reconcile.KindInternal, err, zap.Int64("course_id", courseID))
	}
	if record.Real() {
		return "", false, nil
	}
	return lms.CourseURL(r.baseURL, record.InternalLink), true, nil
}

// SortCourses repairs the course order inside every directory of a tree, or
// of all trees when rootID is 0. Courses are walked in allocation order and
// any course not strictly after its predecessor is moved to predecessor+1.
func (r *Reconciler) SortCourses(ctx context.Context, brokerID, rootID int64) (int, error) {
	query := r.db.WithContext(ctx).Where("broker_id = ? AND url_status <> ?", brokerID, URLDeleted)
	if rootID != 0 {
		directories, err := r.directories.Directories(ctx, brokerID, rootID)
		if err != nil {
			return 0, r.fail(opSort, "directories_failed", reconcile.KindInternal, err)
		}
		ids := []int64{rootID}
		for _, directory := range directories {
			ids = append(ids, directory.DirectoryID)
		}
		query = query.Where("directory_id IN ?", ids)
	}
	var records []LinkRecord
	if err := query.Order("directory_id ASC, sort_order ASC, id ASC").Find(&records).Error; err != nil {
		return 0, r.fail(opSort, "select_failed", reconcile.KindInternal, err)
	}

	byDirectory := make(map[int64][]LinkRecord)
	for _, record := range records {
		byDirectory[record.DirectoryID] = append(byDirectory[record.DirectoryID], record)
	}
	directoryIDs := make([]int64, 0, len(byDirectory))
	for directoryID := range byDirectory {
		directoryIDs = append(directoryIDs, directoryID)
	}
	sort.Slice(directoryIDs, func(i, j int) bool { return directoryIDs[i] < directoryIDs[j] })

	moved := 0
	for _, directoryID := range directoryIDs {
		previous := math.MinInt
		for _, record := range byDirectory[directoryID] {
			course, err := r.store.Course(ctx, record.CourseID)
			if errors.Is(err, lms.ErrNotFound) {
				continue
			}
			if err != nil {
				return moved, r.fail(opSort, "course_lookup_failed", reconcile.KindInternal, err)
			}
			if previous != math.MinInt && course.SortOrder <= previous {
				if err := r.store.SetCourseSortOrder(ctx, course.ID, previous+1); err != nil {
					return moved, r.fail(opSort, "reorder_failed", reconcile.KindInternal, err, zap.Int64("course_id", course.ID))
				}
				previous++
				moved++
				continue
			}
			previous = course.SortOrder
		}
	}
	return moved, nil
}

// HandleEvent applies one campusconnect/courses event.
func (r *Reconciler) HandleEvent(ctx context.Context, conn ecs.Connection, event ecs.Event) (reconcile.Outcome, error) {
	ctx, span := tracer.Start(ctx, "course.HandleEvent")
	defer span.End()
	brokerID := conn.BrokerID()
	fields := []zap.Field{zap.Int64("broker_id", brokerID), zap.Int64("resource_id", event.ResourceID)}

	if !conn.ImportCourses {
		r.logger.Debug("course import disabled, consuming event", fields...)
		return reconcile.Skipped, nil
	}
	if event.Status == ecs.StatusDestroyed {
		if err := r.Delete(ctx, brokerID, event.ResourceID); err != nil {
			return reconcile.Deferred, err
		}
		return reconcile.Applied, nil
	}

	var raw json.RawMessage
	resource, err := conn.Client.GetResource(ctx, ecs.ResourceCourses, event.ResourceID, &raw)
	if errors.Is(err, ecs.ErrNotFound) {
		if err := r.Delete(ctx, brokerID, event.ResourceID); err != nil {
			return reconcile.Deferred, err
		}
		return reconcile.Applied, nil
	}
	if err != nil {
		span.RecordError(err)
		return reconcile.Deferred, err
	}
	remote, err := DecodeRemote(raw)
	if err != nil {
		r.logger.Warn("skipping undecodable course resource", append(fields, zap.Error(err))...)
		return reconcile.Skipped, nil
	}

	records, err := r.Records(ctx, brokerID, event.ResourceID)
	if err != nil {
		return reconcile.Deferred, err
	}
	var outcome reconcile.Outcome
	if len(records) == 0 {
		outcome, err = r.Create(ctx, conn, event.ResourceID, remote, resource)
	} else {
		outcome, err = r.Update(ctx, conn, event.ResourceID, remote, resource)
	}
	if err != nil {
		span.RecordError(err)
	}
	return outcome, err
}

func (r *Reconciler) queueNotification(ctx context.Context, brokerID int64, kind notify.Kind, courseID int64, subject string) {
	if r.notifier == nil {
		return
	}
	body := fmt.Sprintf("course %d: %s", courseID, lms.CourseURL(r.baseURL, courseID))
	if course, err := r.store.Course(ctx, courseID); err == nil {
		subject = fmt.Sprintf("%s: %s", subject, course.FullName)
	}
	if _, err := r.notifier.Queue(ctx, brokerID, kind, subject, body); err != nil {
		r.logger.Warn("failed to queue course notification", zap.Int64("course_id", courseID), zap.Error(err))
	}
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
	r.logger.Error("course reconciler error", attrs...)
}
