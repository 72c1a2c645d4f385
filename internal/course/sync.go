package course

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/MarcoPoloResearchLab/campussync/internal/ecs"
	"github.com/MarcoPoloResearchLab/campussync/internal/lms"
	"github.com/MarcoPoloResearchLab/campussync/internal/metadata"
	"github.com/MarcoPoloResearchLab/campussync/internal/notify"
	"github.com/MarcoPoloResearchLab/campussync/internal/reconcile"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// target is one category the courses of a resource must be allocated to.
type target struct {
	CategoryID  int64
	DirectoryID int64
	Order       int
	Takeover    bool
}

// courseGroup is a real course with its link courses.
type courseGroup struct {
	Real  LinkRecord
	Links []LinkRecord
}

// resolveTargets maps the allocations onto categories in the order the remote
// system sent them. Unmapped directories are left out; a category reached
// twice counts once.
func (r *Reconciler) resolveTargets(ctx context.Context, brokerID int64, allocations []Allocation) ([]target, error) {
	pass := r.directories.NewPass(brokerID)
	seen := make(map[int64]struct{}, len(allocations))
	targets := make([]target, 0, len(allocations))
	for _, allocation := range allocations {
		placement, err := r.directories.CategoryForDirectory(ctx, pass, allocation.DirectoryID)
		if err != nil {
			return nil, err
		}
		if placement.CategoryID == 0 {
			continue
		}
		if _, duplicate := seen[placement.CategoryID]; duplicate {
			continue
		}
		seen[placement.CategoryID] = struct{}{}
		targets = append(targets, target{
			CategoryID:  placement.CategoryID,
			DirectoryID: allocation.DirectoryID,
			Order:       allocation.Order,
			Takeover:    placement.TakeoverAllocation,
		})
	}
	return targets, nil
}

// frozen reports whether every target belongs to a tree that does not take
// over allocation changes.
func frozen(targets []target) bool {
	for _, t := range targets {
		if t.Takeover {
			return false
		}
	}
	return len(targets) > 0
}

// groupRecords splits the records of a resource into course groups keyed by
// real course id, in creation order.
func groupRecords(records []LinkRecord) (map[int64]*courseGroup, []int64, error) {
	groups := make(map[int64]*courseGroup)
	var order []int64
	for _, record := range records {
		if !record.Real() {
			continue
		}
		if _, duplicate := groups[record.CourseID]; duplicate {
			return nil, nil, fmt.Errorf("course %d has two real records", record.CourseID)
		}
		groups[record.CourseID] = &courseGroup{Real: record}
		order = append(order, record.CourseID)
	}
	for _, record := range records {
		if record.Real() {
			continue
		}
		group, ok := groups[record.InternalLink]
		if !ok {
			return nil, nil, fmt.Errorf("%w: record %d links to %d", ErrDanglingLink, record.ID, record.InternalLink)
		}
		group.Links = append(group.Links, record)
	}
	return groups, order, nil
}

// courseFields renders the local course fields of one outer course.
func (r *Reconciler) courseFields(remote Remote, groups []Group, scenario Scenario, outerCount int) lms.Course {
	values := make(map[string]string, len(remote.Values)+4)
	for key, value := range remote.Values {
		values[key] = value
	}
	if len(groups) > 0 {
		first := groups[0]
		values["groupTitle"] = first.Title
		values["groupComment"] = first.Comment
		values["groupLecturers"] = strings.Join(first.Lecturers, ", ")
		values["groupNum"] = strconv.Itoa(first.Num)
	}
	fields := r.mapping.ImportFields(values)
	course := lms.Course{
		FullName:  fields[metadata.FieldFullName],
		ShortName: fields[metadata.FieldShortName],
		IDNumber:  fields[metadata.FieldIDNumber],
		Summary:   fields[metadata.FieldSummary],
	}
	if course.FullName == "" {
		course.FullName = remote.Title
	}
	if course.FullName == "" {
		course.FullName = remote.CMSCourseID
	}
	if course.ShortName == "" {
		course.ShortName = remote.CMSCourseID
	}
	if outerCount > 1 && !strings.Contains(r.mapping.Import[metadata.FieldFullName], "{group") {
		course.FullName = fmt.Sprintf("%s (%s)", course.FullName, parallelLabel(scenario, groups))
	}
	return course
}

func parallelLabel(scenario Scenario, groups []Group) string {
	if len(groups) == 0 {
		return "1"
	}
	if scenario == ScenarioSeparateLecturers {
		if lecturer := groups[0].FirstLecturer(); lecturer != "" {
			return lecturer
		}
	}
	if groups[0].Title != "" {
		return groups[0].Title
	}
	return "Group " + strconv.Itoa(groups[0].Num+1)
}

// keepShortName keeps an existing short name that is already base or a
// numbered variant of it.
func keepShortName(existing, base string) string {
	if existing == base {
		return base
	}
	suffix, ok := strings.CutPrefix(existing, base+"_")
	if !ok || suffix == "" {
		return base
	}
	if _, err := strconv.Atoi(suffix); err != nil {
		return base
	}
	return existing
}

// sync creates or updates every course of a resource.
func (r *Reconciler) sync(ctx context.Context, conn ecs.Connection, resourceID int64, remote Remote, operation string) (reconcile.Outcome, error) {
	ctx, span := tracer.Start(ctx, "course.sync")
	defer span.End()
	brokerID := conn.BrokerID()
	fields := []zap.Field{
		zap.Int64("broker_id", brokerID),
		zap.Int64("resource_id", resourceID),
		zap.String("cms_course_id", remote.CMSCourseID),
	}

	targets, err := r.resolveTargets(ctx, brokerID, remote.Allocations)
	if err != nil {
		span.RecordError(err)
		return reconcile.Deferred, r.fail(operation, "resolve_categories_failed", reconcile.KindInternal, err, fields...)
	}
	if len(targets) == 0 {
		r.logger.Info("course waits for a mapped category", fields...)
		return reconcile.Deferred, nil
	}

	outer, scenario := ParallelGroups(remote.Scenario, remote.Groups)
	if scenario != remote.Scenario {
		r.logger.Warn("unknown group scenario, using none", append(fields, zap.Int("scenario", int(remote.Scenario)))...)
	}

	records, err := r.Records(ctx, brokerID, resourceID)
	if err != nil {
		return reconcile.Deferred, err
	}
	groups, realOrder, err := groupRecords(records)
	if err != nil {
		span.RecordError(err)
		return reconcile.Deferred, r.fail(operation, "inconsistent_records", reconcile.KindInvariant, err, fields...)
	}
	stored, err := r.ParallelGroupRecords(ctx, brokerID, resourceID)
	if err != nil {
		return reconcile.Deferred, err
	}
	match := matchParallelGroupsToCourses(outer, stored, realOrder)

	realIDs := make([]int64, len(outer))
	var created []int64
	for index, groupList := range outer {
		base := r.courseFields(remote, groupList, scenario, len(outer))
		if courseID, ok := match.Matched[index]; ok {
			realID, err := r.updateGroup(ctx, conn, resourceID, remote, groups[courseID], targets, base)
			if err != nil {
				span.RecordError(err)
				return reconcile.Deferred, err
			}
			realIDs[index] = realID
			continue
		}
		realID, err := r.createGroup(ctx, conn, resourceID, remote, targets, base)
		if err != nil {
			span.RecordError(err)
			return reconcile.Deferred, err
		}
		realIDs[index] = realID
		created = append(created, realID)
	}

	for _, orphan := range match.Orphaned {
		if err := r.releaseGroup(ctx, groups[orphan]); err != nil {
			return reconcile.Deferred, err
		}
		r.logger.Info("parallel course no longer produced remotely, keeping local content", append(fields, zap.Int64("course_id", orphan))...)
	}
	if err := r.syncParallelGroups(ctx, brokerID, resourceID, remote.CMSCourseID, outer, realIDs, scenario); err != nil {
		return reconcile.Deferred, err
	}

	for _, courseID := range created {
		r.queueNotification(ctx, brokerID, notify.KindCourseCreated, courseID, "Course created")
	}
	if r.memberships != nil {
		if _, err := r.memberships.AssignCourse(ctx, brokerID, remote.CMSCourseID); err != nil {
			r.logger.Warn("membership assignment incomplete", append(fields, zap.Error(err))...)
		}
	}
	return reconcile.Applied, nil
}

// createGroup creates the real course in the first category and one link
// course in every further one.
func (r *Reconciler) createGroup(ctx context.Context, conn ecs.Connection, resourceID int64, remote Remote, targets []target, base lms.Course) (int64, error) {
	brokerID := conn.BrokerID()
	var realID int64
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		store := r.store.Tx(tx)
		realCourse := base
		realCourse.CategoryID = targets[0].CategoryID
		created, err := store.CreateCourse(ctx, realCourse)
		if err != nil {
			return err
		}
		realID = created.ID
		record := LinkRecord{
			CourseID:    created.ID,
			ResourceID:  resourceID,
			BrokerID:    brokerID,
			CMSCourseID: remote.CMSCourseID,
			SenderMID:   conn.CMSParticipantID,
			SortOrder:   targets[0].Order,
			DirectoryID: targets[0].DirectoryID,
			URLStatus:   URLCreated,
		}
		if err := tx.Create(&record).Error; err != nil {
			return err
		}
		for _, t := range targets[1:] {
			if err := r.createLink(ctx, tx, store, record, base, t); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, r.fail(opCreate, "transaction_failed", reconcile.KindInternal, err,
			zap.Int64("broker_id", brokerID), zap.Int64("resource_id", resourceID))
	}
	return realID, nil
}

func (r *Reconciler) createLink(ctx context.Context, tx *gorm.DB, store *lms.Store, primary LinkRecord, base lms.Course, t target) error {
	link := base
	link.CategoryID = t.CategoryID
	created, err := store.CreateCourse(ctx, link)
	if err != nil {
		return err
	}
	record := LinkRecord{
		CourseID:     created.ID,
		ResourceID:   primary.ResourceID,
		BrokerID:     primary.BrokerID,
		CMSCourseID:  primary.CMSCourseID,
		SenderMID:    primary.SenderMID,
		InternalLink: primary.CourseID,
		SortOrder:    t.Order,
		DirectoryID:  t.DirectoryID,
		URLStatus:    URLUpToDate,
	}
	return tx.Create(&record).Error
}

// updateGroup brings one course group in line with the remote course and the
// current targets and returns the id of its real course.
func (r *Reconciler) updateGroup(ctx context.Context, conn ecs.Connection, resourceID int64, remote Remote, group *courseGroup, targets []target, base lms.Course) (int64, error) {
	brokerID := conn.BrokerID()
	fields := []zap.Field{zap.Int64("broker_id", brokerID), zap.Int64("resource_id", resourceID)}
	primary := group.Real
	links := append([]LinkRecord(nil), group.Links...)

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		store := r.store.Tx(tx)
		changed := false

		exists, err := store.CourseExists(ctx, primary.CourseID)
		if err != nil {
			return err
		}
		if !exists {
			replacement := base
			replacement.CategoryID = targets[0].CategoryID
			created, err := store.CreateCourse(ctx, replacement)
			if err != nil {
				return err
			}
			if err := repointRealCourse(tx, primary, created.ID); err != nil {
				return err
			}
			r.logger.Warn("real course was deleted locally, recreated", append(fields,
				zap.Int64("old_course_id", primary.CourseID), zap.Int64("course_id", created.ID))...)
			primary.CourseID = created.ID
			for index := range links {
				links[index].InternalLink = created.ID
			}
			changed = true
		}

		courses := make(map[int64]lms.Course, len(links)+1)
		present := links[:0]
		for _, link := range links {
			course, err := store.Course(ctx, link.CourseID)
			if errors.Is(err, lms.ErrNotFound) {
				if err := tx.Delete(&LinkRecord{}, link.ID).Error; err != nil {
					return err
				}
				changed = true
				continue
			}
			if err != nil {
				return err
			}
			courses[link.CourseID] = course
			present = append(present, link)
		}
		links = present
		realCourse, err := store.Course(ctx, primary.CourseID)
		if err != nil {
			return err
		}
		courses[primary.CourseID] = realCourse

		for courseID, current := range courses {
			desired := base
			desired.ID = courseID
			desired.ShortName = keepShortName(current.ShortName, base.ShortName)
			desired.ExternalURL = current.ExternalURL
			if desired.FullName == current.FullName && desired.ShortName == current.ShortName &&
				desired.IDNumber == current.IDNumber && desired.Summary == current.Summary {
				continue
			}
			if _, err := store.UpdateCourseFields(ctx, desired); err != nil {
				return err
			}
			changed = true
		}

		if !frozen(targets) {
			moved, err := r.allocate(ctx, tx, store, &primary, links, courses, targets, base)
			if err != nil {
				return err
			}
			changed = changed || moved
		}

		status := primary.URLStatus
		if changed || status == URLDeleted {
			status = URLUpdated
			if primary.URLResourceID == 0 || primary.URLStatus == URLCreated {
				status = URLCreated
			}
		}
		return tx.Model(&LinkRecord{}).Where("id = ?", primary.ID).Updates(map[string]any{
			"cms_course_id": remote.CMSCourseID,
			"sender_mid":    conn.CMSParticipantID,
			"url_status":    status,
			"sort_order":    primary.SortOrder,
			"directory_id":  primary.DirectoryID,
		}).Error
	})
	if err != nil {
		return 0, r.fail(opUpdate, "transaction_failed", reconcile.KindInternal, err, fields...)
	}
	return primary.CourseID, nil
}

func repointRealCourse(tx *gorm.DB, primary LinkRecord, courseID int64) error {
	if err := tx.Model(&LinkRecord{}).Where("id = ?", primary.ID).Update("course_id", courseID).Error; err != nil {
		return err
	}
	if err := tx.Model(&LinkRecord{}).Where("internal_link = ?", primary.CourseID).Update("internal_link", courseID).Error; err != nil {
		return err
	}
	return tx.Model(&ParallelGroupRecord{}).Where("course_id = ?", primary.CourseID).
		Updates(map[string]any{"course_id": courseID, "local_group_id": 0}).Error
}

// allocate moves the courses of a group onto the targets. The real course
// always ends in the first target, swapping places with the link course that
// occupied it; link courses keep matching categories, move into free ones, and
// are deleted when no category is left for them.
func (r *Reconciler) allocate(ctx context.Context, tx *gorm.DB, store *lms.Store, primary *LinkRecord, links []LinkRecord, courses map[int64]lms.Course, targets []target, base lms.Course) (bool, error) {
	changed := false
	categoryOf := make(map[int64]int64, len(courses))
	for courseID, course := range courses {
		categoryOf[courseID] = course.CategoryID
	}

	first := targets[0]
	if previous := categoryOf[primary.CourseID]; previous != first.CategoryID {
		for _, link := range links {
			if categoryOf[link.CourseID] != first.CategoryID {
				continue
			}
			if err := store.MoveCourse(ctx, link.CourseID, previous); err != nil {
				return false, err
			}
			categoryOf[link.CourseID] = previous
			break
		}
		if err := store.MoveCourse(ctx, primary.CourseID, first.CategoryID); err != nil {
			return false, err
		}
		categoryOf[primary.CourseID] = first.CategoryID
		changed = true
	}
	primary.DirectoryID = first.DirectoryID
	primary.SortOrder = first.Order

	assigned := make(map[int]target, len(links))
	var free []target
	for _, t := range targets[1:] {
		found := false
		for index, link := range links {
			if _, taken := assigned[index]; taken || categoryOf[link.CourseID] != t.CategoryID {
				continue
			}
			assigned[index] = t
			found = true
			break
		}
		if !found {
			free = append(free, t)
		}
	}
	for index, link := range links {
		if _, taken := assigned[index]; taken {
			continue
		}
		if len(free) == 0 {
			if err := store.DeleteCourse(ctx, link.CourseID); err != nil {
				return false, err
			}
			if err := tx.Delete(&LinkRecord{}, link.ID).Error; err != nil {
				return false, err
			}
			changed = true
			continue
		}
		t := free[0]
		free = free[1:]
		if err := store.MoveCourse(ctx, link.CourseID, t.CategoryID); err != nil {
			return false, err
		}
		assigned[index] = t
		changed = true
	}
	for index, t := range assigned {
		link := links[index]
		if link.DirectoryID == t.DirectoryID && link.SortOrder == t.Order {
			continue
		}
		err := tx.Model(&LinkRecord{}).Where("id = ?", link.ID).
			Updates(map[string]any{"directory_id": t.DirectoryID, "sort_order": t.Order}).Error
		if err != nil {
			return false, err
		}
	}
	for _, t := range free {
		if err := r.createLink(ctx, tx, store, *primary, base, t); err != nil {
			return false, err
		}
		changed = true
	}
	return changed, nil
}

// releaseGroup forgets a real course no outer course claims any more. Its link
// courses are removed; the real course keeps its content.
func (r *Reconciler) releaseGroup(ctx context.Context, group *courseGroup) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		store := r.store.Tx(tx)
		for _, link := range group.Links {
			if err := store.DeleteCourse(ctx, link.CourseID); err != nil {
				return err
			}
			if err := tx.Delete(&LinkRecord{}, link.ID).Error; err != nil {
				return err
			}
		}
		if err := tx.Where("course_id = ?", group.Real.CourseID).Delete(&ParallelGroupRecord{}).Error; err != nil {
			return err
		}
		return tx.Delete(&LinkRecord{}, group.Real.ID).Error
	})
	if err != nil {
		return r.fail(opUpdate, "release_failed", reconcile.KindInternal, err, zap.Int64("course_id", group.Real.CourseID))
	}
	return nil
}

// syncParallelGroups stores which course carries each remote group and keeps
// the local groups of multi-group courses in line with the remote titles.
func (r *Reconciler) syncParallelGroups(ctx context.Context, brokerID, resourceID int64, cmsCourseID string, outer [][]Group, realIDs []int64, scenario Scenario) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		store := r.store.Tx(tx)
		var stored []ParallelGroupRecord
		if err := tx.Where("broker_id = ? AND resource_id = ?", brokerID, resourceID).Find(&stored).Error; err != nil {
			return err
		}
		byNum := make(map[int]ParallelGroupRecord, len(stored))
		for _, record := range stored {
			byNum[record.GroupNum] = record
		}

		wanted := make(map[int]struct{})
		for index, groups := range outer {
			courseID := realIDs[index]
			local := createsLocalGroups(scenario, len(groups))
			for _, group := range groups {
				wanted[group.Num] = struct{}{}
				record, exists := byNum[group.Num]
				record.BrokerID = brokerID
				record.ResourceID = resourceID
				record.CMSCourseID = cmsCourseID
				record.GroupNum = group.Num
				record.GroupTitle = group.Title
				if record.CourseID != courseID {
					record.LocalGroupID = 0
				}
				record.CourseID = courseID

				switch {
				case !local:
					record.LocalGroupID = 0
				case record.LocalGroupID != 0:
					current, err := store.Group(ctx, record.LocalGroupID)
					if errors.Is(err, lms.ErrNotFound) || (err == nil && current.CourseID != courseID) {
						record.LocalGroupID = 0
					} else if err != nil {
						return err
					} else if current.Name != group.Title || current.Description != group.Comment {
						if err := store.UpdateGroup(ctx, current.ID, group.Title, group.Comment); err != nil {
							return err
						}
					}
				}
				if local && record.LocalGroupID == 0 {
					title := group.Title
					if title == "" {
						title = "Group " + strconv.Itoa(group.Num+1)
					}
					created, err := store.CreateGroup(ctx, courseID, title, group.Comment)
					if err != nil {
						return err
					}
					record.LocalGroupID = created.ID
				}

				if exists {
					if err := tx.Save(&record).Error; err != nil {
						return err
					}
				} else if err := tx.Create(&record).Error; err != nil {
					return err
				}
			}
		}
		for num, record := range byNum {
			if _, ok := wanted[num]; ok {
				continue
			}
			if err := tx.Delete(&ParallelGroupRecord{}, record.ID).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return r.fail(opUpdate, "parallel_groups_failed", reconcile.KindInternal, err,
			zap.Int64("broker_id", brokerID), zap.Int64("resource_id", resourceID))
	}
	return nil
}
