package membership

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"

	"github.com/MarcoPoloResearchLab/campussync/internal/ecs"
	"github.com/MarcoPoloResearchLab/campussync/internal/lms"
	"github.com/MarcoPoloResearchLab/campussync/internal/reconcile"
	"github.com/MarcoPoloResearchLab/campussync/internal/users"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	opNew         = "membership.new"
	opUpdate      = "membership.update"
	opDelete      = "membership.delete_resource"
	opAssign      = "membership.assign"
	opAssignAll   = "membership.assign_all_roles"
	opAssignOne   = "membership.assign_course"
	opHandleEvent = "membership.handle_event"

	defaultRole = "student"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	errMissingStore    = errors.New("lms store is required")
	errMissingUsers    = errors.New("user resolver is required")
	errMissingCourses  = errors.New("course locator is required")
	noOpLogger         = zap.NewNop()
	tracer             = otel.Tracer("campussync/membership")
)

type Config struct {
	Database *gorm.DB
	Store    *lms.Store
	Users    *users.Service
	Courses  CourseLocator
	// RoleMap translates remote roles into local role names.
	RoleMap     map[string]string
	DefaultRole string
	Logger      *zap.Logger
}

// Reconciler owns membership records and the enrolments derived from them.
type Reconciler struct {
	db          *gorm.DB
	store       *lms.Store
	users       *users.Service
	courses     CourseLocator
	roles       map[string]string
	defaultRole string
	logger      *zap.Logger
}

// UpdateResult counts the record changes of one Update.
type UpdateResult struct {
	Created   int
	Updated   int
	Deleted   int
	Unchanged int
}

// AssignResult counts what an assignment pass did.
type AssignResult struct {
	Assigned int
	Removed  int
	Pending  int
}

func (a *AssignResult) add(other AssignResult) {
	a.Assigned += other.Assigned
	a.Removed += other.Removed
	a.Pending += other.Pending
}

func NewReconciler(cfg Config) (*Reconciler, error) {
	switch {
	case cfg.Database == nil:
		return nil, reconcile.Internal(opNew, "missing_database", errMissingDatabase)
	case cfg.Store == nil:
		return nil, reconcile.Internal(opNew, "missing_store", errMissingStore)
	case cfg.Users == nil:
		return nil, reconcile.Internal(opNew, "missing_users", errMissingUsers)
	case cfg.Courses == nil:
		return nil, reconcile.Internal(opNew, "missing_courses", errMissingCourses)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	fallback := cfg.DefaultRole
	if fallback == "" {
		fallback = defaultRole
	}
	roles := make(map[string]string, len(cfg.RoleMap))
	for remote, local := range cfg.RoleMap {
		roles[remote] = local
	}
	return &Reconciler{
		db:          cfg.Database,
		store:       cfg.Store,
		users:       cfg.Users,
		courses:     cfg.Courses,
		roles:       roles,
		defaultRole: fallback,
		logger:      logger,
	}, nil
}

// LocalRole maps a remote role onto a local one.
func (r *Reconciler) LocalRole(remote string) string {
	if local, ok := r.roles[remote]; ok && local != "" {
		return local
	}
	return r.defaultRole
}

func (m Member) key(cmsCourseID string) string {
	return cmsCourseID + "\x00" + m.PersonIDType + "\x00" + m.PersonID
}

func (r Record) key() string {
	return r.CMSCourseID + "\x00" + r.PersonIDType + "\x00" + r.PersonID
}

// Update reconciles the records of one resource against its current remote
// list. Unchanged members are left alone, changed ones become updated, new
// ones created, and missing ones are marked deleted.
func (r *Reconciler) Update(ctx context.Context, brokerID, resourceID int64, membership Membership) (UpdateResult, error) {
	var result UpdateResult
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing []Record
		if err := tx.Where("broker_id = ? AND resource_id = ?", brokerID, resourceID).Order("id ASC").Find(&existing).Error; err != nil {
			return err
		}
		byKey := make(map[string]*Record, len(existing))
		for index := range existing {
			byKey[existing[index].key()] = &existing[index]
		}
		seen := make(map[string]struct{}, len(membership.Members))

		for _, member := range membership.Members {
			key := member.key(membership.CMSCourseID)
			seen[key] = struct{}{}
			groups, err := encodeGroups(member.Groups)
			if err != nil {
				return err
			}
			record, ok := byKey[key]
			if !ok {
				created := Record{
					BrokerID:       brokerID,
					ResourceID:     resourceID,
					CMSCourseID:    membership.CMSCourseID,
					PersonID:       member.PersonID,
					PersonIDType:   member.PersonIDType,
					Role:           member.Role,
					ParallelGroups: groups,
					Status:         StatusCreated,
				}
				if err := tx.Create(&created).Error; err != nil {
					return err
				}
				result.Created++
				continue
			}
			if record.Status != StatusDeleted && record.Role == member.Role && sameGroups(record.ParallelGroups, groups) {
				result.Unchanged++
				continue
			}
			status := StatusUpdated
			if record.Status == StatusCreated {
				status = StatusCreated
			}
			err = tx.Model(&Record{}).Where("id = ?", record.ID).Updates(map[string]any{
				"role":            member.Role,
				"parallel_groups": groups,
				"status":          status,
			}).Error
			if err != nil {
				return err
			}
			result.Updated++
		}

		for _, record := range existing {
			if _, ok := seen[record.key()]; ok || record.Status == StatusDeleted {
				continue
			}
			if err := tx.Model(&Record{}).Where("id = ?", record.ID).Update("status", StatusDeleted).Error; err != nil {
				return err
			}
			result.Deleted++
		}
		return nil
	})
	if err != nil {
		return UpdateResult{}, r.fail(opUpdate, "transaction_failed", reconcile.KindInternal, err,
			zap.Int64("broker_id", brokerID), zap.Int64("resource_id", resourceID))
	}
	return result, nil
}

func sameGroups(left, right []byte) bool {
	normalize := func(raw []byte) []byte {
		if len(bytes.TrimSpace(raw)) == 0 {
			return []byte("{}")
		}
		var groups map[int]string
		if err := json.Unmarshal(raw, &groups); err != nil {
			return raw
		}
		canonical, _ := encodeGroups(groups)
		return canonical
	}
	return bytes.Equal(normalize(left), normalize(right))
}

// DeleteResource marks every record of a resource deleted and returns the CMS
// course ids affected.
func (r *Reconciler) DeleteResource(ctx context.Context, brokerID, resourceID int64) ([]string, error) {
	var cmsCourseIDs []string
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&Record{}).
			Where("broker_id = ? AND resource_id = ?", brokerID, resourceID).
			Distinct().Pluck("cms_course_id", &cmsCourseIDs).Error; err != nil {
			return err
		}
		return tx.Model(&Record{}).
			Where("broker_id = ? AND resource_id = ?", brokerID, resourceID).
			Update("status", StatusDeleted).Error
	})
	if err != nil {
		return nil, r.fail(opDelete, "transaction_failed", reconcile.KindInternal, err,
			zap.Int64("broker_id", brokerID), zap.Int64("resource_id", resourceID))
	}
	return cmsCourseIDs, nil
}

// Records lists the records of a CMS course.
func (r *Reconciler) Records(ctx context.Context, brokerID int64, cmsCourseID string) ([]Record, error) {
	var records []Record
	err := r.db.WithContext(ctx).
		Where("broker_id = ? AND cms_course_id = ?", brokerID, cmsCourseID).
		Order("id ASC").Find(&records).Error
	if err != nil {
		return nil, reconcile.Internal("membership.records", "select_failed", err)
	}
	return records, nil
}

// AssignAllRoles turns every record that is not yet assigned into enrolments.
// Records whose user or course does not exist yet stay pending and are tried
// again on the next call.
func (r *Reconciler) AssignAllRoles(ctx context.Context, brokerID int64) (AssignResult, error) {
	ctx, span := tracer.Start(ctx, "membership.AssignAllRoles")
	defer span.End()

	var records []Record
	err := r.db.WithContext(ctx).
		Where("broker_id = ? AND status <> ?", brokerID, StatusAssigned).
		Order("id ASC").Find(&records).Error
	if err != nil {
		return AssignResult{}, r.fail(opAssignAll, "select_failed", reconcile.KindInternal, err, zap.Int64("broker_id", brokerID))
	}
	result, err := r.assignRecords(ctx, brokerID, records)
	if err != nil {
		span.RecordError(err)
	}
	return result, err
}

// AssignCourse applies every record of one CMS course, assigned ones included,
// so courses created later receive the existing members.
func (r *Reconciler) AssignCourse(ctx context.Context, brokerID int64, cmsCourseID string) (AssignResult, error) {
	records, err := r.Records(ctx, brokerID, cmsCourseID)
	if err != nil {
		return AssignResult{}, r.fail(opAssignOne, "select_failed", reconcile.KindInternal, err, zap.String("cms_course_id", cmsCourseID))
	}
	return r.assignRecords(ctx, brokerID, records)
}

func (r *Reconciler) assignRecords(ctx context.Context, brokerID int64, records []Record) (AssignResult, error) {
	var (
		result     AssignResult
		failures   []error
		placements = make(map[string][]CoursePlacement)
	)
	for _, record := range records {
		courses, ok := placements[record.CMSCourseID]
		if !ok {
			located, err := r.courses.CoursesForCMSCourse(ctx, brokerID, record.CMSCourseID)
			if err != nil {
				failures = append(failures, r.fail(opAssign, "locate_failed", reconcile.KindInternal, err, zap.String("cms_course_id", record.CMSCourseID)))
				continue
			}
			placements[record.CMSCourseID] = located
			courses = located
		}
		applied, err := r.assign(ctx, record, courses)
		if err != nil {
			failures = append(failures, err)
			continue
		}
		result.add(applied)
	}
	return result, errors.Join(failures...)
}

// assign applies one record against the located courses.
func (r *Reconciler) assign(ctx context.Context, record Record, placements []CoursePlacement) (AssignResult, error) {
	fields := []zap.Field{
		zap.Int64("record_id", record.ID),
		zap.String("cms_course_id", record.CMSCourseID),
		zap.String("person_id_type", record.PersonIDType),
	}
	userID, err := r.users.ResolveUserID(ctx, users.PersonIDType(record.PersonIDType), record.PersonID)
	unresolved := errors.Is(err, users.ErrUserNotFound) || errors.Is(err, users.ErrUnmappedPersonType) || errors.Is(err, users.ErrInvalidPerson)
	if err != nil && !unresolved {
		return AssignResult{}, r.fail(opAssign, "resolve_failed", reconcile.KindInternal, err, fields...)
	}

	if record.Status == StatusDeleted {
		err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if !unresolved {
				store := r.store.Tx(tx)
				for _, placement := range placements {
					if err := store.Unenrol(ctx, placement.CourseID, userID); err != nil {
						return err
					}
				}
			}
			return tx.Delete(&Record{}, record.ID).Error
		})
		if err != nil {
			return AssignResult{}, r.fail(opAssign, "unenrol_failed", reconcile.KindInternal, err, fields...)
		}
		return AssignResult{Removed: 1}, nil
	}

	if unresolved || len(placements) == 0 {
		r.logger.Debug("membership pending", append(fields, zap.Bool("user_missing", unresolved), zap.Int("courses", len(placements)))...)
		return AssignResult{Pending: 1}, nil
	}

	targets, err := r.targets(record, placements)
	if err != nil {
		return AssignResult{}, r.fail(opAssign, "decode_groups_failed", reconcile.KindValidation, err, fields...)
	}
	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		store := r.store.Tx(tx)
		for _, placement := range placements {
			target, ok := targets[placement.CourseID]
			if !ok {
				if record.Status == StatusUpdated {
					if err := store.Unenrol(ctx, placement.CourseID, userID); err != nil {
						return err
					}
				}
				continue
			}
			if err := store.Enrol(ctx, placement.CourseID, userID, target.role); err != nil {
				return err
			}
			for _, groupID := range placement.Groups {
				if groupID == 0 {
					continue
				}
				if _, member := target.groups[groupID]; member {
					if err := store.AddGroupMember(ctx, groupID, userID); err != nil {
						return err
					}
				} else if err := store.RemoveGroupMember(ctx, groupID, userID); err != nil {
					return err
				}
			}
		}
		return tx.Model(&Record{}).Where("id = ?", record.ID).Update("status", StatusAssigned).Error
	})
	if err != nil {
		return AssignResult{}, r.fail(opAssign, "enrol_failed", reconcile.KindInternal, err, fields...)
	}
	return AssignResult{Assigned: 1}, nil
}

type enrolTarget struct {
	role   string
	groups map[int64]struct{}
}

// targets selects the courses a record enrols into. Without parallel groups,
// or when no course carries parallel group information, every course is a
// target. Otherwise only the courses holding one of the member's groups are,
// and the role of the lowest matching group number wins.
func (r *Reconciler) targets(record Record, placements []CoursePlacement) (map[int64]enrolTarget, error) {
	groups, err := record.Groups()
	if err != nil {
		return nil, err
	}
	memberRole := r.LocalRole(record.Role)
	targets := make(map[int64]enrolTarget, len(placements))

	grouped := false
	for _, placement := range placements {
		if len(placement.Groups) > 0 {
			grouped = true
			break
		}
	}
	if len(groups) == 0 || !grouped {
		for _, placement := range placements {
			targets[placement.CourseID] = enrolTarget{role: memberRole, groups: map[int64]struct{}{}}
		}
		return targets, nil
	}

	for _, num := range sortedGroupNums(groups) {
		for _, placement := range placements {
			groupID, ok := placement.Groups[num]
			if !ok {
				continue
			}
			target, exists := targets[placement.CourseID]
			if !exists {
				role := memberRole
				if groups[num] != "" {
					role = r.LocalRole(groups[num])
				}
				target = enrolTarget{role: role, groups: map[int64]struct{}{}}
			}
			if groupID != 0 {
				target.groups[groupID] = struct{}{}
			}
			targets[placement.CourseID] = target
		}
	}
	return targets, nil
}

// HandleEvent applies one course_members event and assigns the affected
// course right away.
func (r *Reconciler) HandleEvent(ctx context.Context, conn ecs.Connection, event ecs.Event) (reconcile.Outcome, error) {
	ctx, span := tracer.Start(ctx, "membership.HandleEvent")
	defer span.End()
	brokerID := conn.BrokerID()
	fields := []zap.Field{zap.Int64("broker_id", brokerID), zap.Int64("resource_id", event.ResourceID)}

	if !conn.ImportMemberships {
		r.logger.Debug("membership import disabled, consuming event", fields...)
		return reconcile.Skipped, nil
	}

	var cmsCourseIDs []string
	if event.Status == ecs.StatusDestroyed {
		deleted, err := r.DeleteResource(ctx, brokerID, event.ResourceID)
		if err != nil {
			return reconcile.Deferred, err
		}
		cmsCourseIDs = deleted
	} else {
		var raw json.RawMessage
		resource, err := conn.Client.GetResource(ctx, ecs.ResourceCourseMembers, event.ResourceID, &raw)
		switch {
		case errors.Is(err, ecs.ErrNotFound):
			deleted, deleteErr := r.DeleteResource(ctx, brokerID, event.ResourceID)
			if deleteErr != nil {
				return reconcile.Deferred, deleteErr
			}
			cmsCourseIDs = deleted
		case err != nil:
			span.RecordError(err)
			return reconcile.Deferred, err
		case !conn.FromCMS(resource):
			r.logger.Warn("skipping membership event from non-CMS sender", append(fields, zap.Int64s("senders", resource.SenderMIDs))...)
			return reconcile.Skipped, nil
		default:
			membership, decodeErr := decodeMembership(raw)
			if decodeErr != nil {
				r.logger.Warn("skipping undecodable membership resource", append(fields, zap.Error(decodeErr))...)
				return reconcile.Skipped, nil
			}
			previous, err := r.resourceCourses(ctx, brokerID, event.ResourceID)
			if err != nil {
				return reconcile.Deferred, err
			}
			if _, err := r.Update(ctx, brokerID, event.ResourceID, membership); err != nil {
				return reconcile.Deferred, err
			}
			cmsCourseIDs = appendUnique(previous, membership.CMSCourseID)
		}
	}

	for _, cmsCourseID := range cmsCourseIDs {
		if _, err := r.AssignCourse(ctx, brokerID, cmsCourseID); err != nil {
			// The records are stored; the next assignment pass picks them up.
			r.logger.Warn("membership assignment incomplete", append(fields, zap.String("cms_course_id", cmsCourseID), zap.Error(err))...)
		}
	}
	return reconcile.Applied, nil
}

func (r *Reconciler) resourceCourses(ctx context.Context, brokerID, resourceID int64) ([]string, error) {
	var cmsCourseIDs []string
	err := r.db.WithContext(ctx).Model(&Record{}).
		Where("broker_id = ? AND resource_id = ?", brokerID, resourceID).
		Distinct().Pluck("cms_course_id", &cmsCourseIDs).Error
	if err != nil {
		return nil, r.fail(opHandleEvent, "select_failed", reconcile.KindInternal, err)
	}
	return cmsCourseIDs, nil
}

func appendUnique(values []string, value string) []string {
	for _, existing := range values {
		if existing == value {
			return values
		}
	}
	return append(values, value)
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
	r.logger.Error("membership reconciler error", attrs...)
}
