package export

import (
	"context"
	"errors"

	"github.com/MarcoPoloResearchLab/campussync/internal/course"
	"github.com/MarcoPoloResearchLab/campussync/internal/ecs"
	"github.com/MarcoPoloResearchLab/campussync/internal/lms"
	"github.com/MarcoPoloResearchLab/campussync/internal/reconcile"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// URLResult counts the course URL resources a pass touched.
type URLResult struct {
	Created int
	Updated int
	Deleted int
	Failed  int
}

// PushCourseURLs tells the CMS where the courses created from its resources
// live. All real courses of one course resource (its parallel courses) share
// one course URL resource listing every LMS URL.
func (r *Reconciler) PushCourseURLs(ctx context.Context, conn ecs.Connection) (URLResult, error) {
	ctx, span := tracer.Start(ctx, "export.PushCourseURLs")
	defer span.End()
	var result URLResult
	brokerID := conn.BrokerID()

	var resourceIDs []int64
	err := r.db.WithContext(ctx).Model(&course.LinkRecord{}).
		Where("broker_id = ? AND internal_link = 0 AND url_status <> ?", brokerID, course.URLUpToDate).
		Distinct().Order("resource_id ASC").Pluck("resource_id", &resourceIDs).Error
	if err != nil {
		return result, r.fail(opPushURLs, "select_failed", reconcile.KindInternal, err, zap.Int64("broker_id", brokerID))
	}

	var errs []error
	for _, resourceID := range resourceIDs {
		if err := r.pushCourseURL(ctx, conn, resourceID, &result); err != nil {
			result.Failed++
			span.RecordError(err)
			errs = append(errs, r.fail(opPushURLs, "push_failed", reconcile.KindTransport, err,
				zap.Int64("broker_id", brokerID), zap.Int64("resource_id", resourceID)))
		}
	}
	return result, errors.Join(errs...)
}

// mergedURLResource picks the course URL resource id shared by the records of
// one course resource: the first non-zero id in creation order. Parallel
// courses can disagree after a swap; the disagreement is reported, not fatal.
func mergedURLResource(records []course.LinkRecord) (int64, bool) {
	var chosen int64
	agree := true
	for _, record := range records {
		if record.URLResourceID == 0 {
			continue
		}
		if chosen == 0 {
			chosen = record.URLResourceID
			continue
		}
		if record.URLResourceID != chosen {
			agree = false
		}
	}
	return chosen, agree
}

func (r *Reconciler) pushCourseURL(ctx context.Context, conn ecs.Connection, resourceID int64, result *URLResult) error {
	brokerID := conn.BrokerID()
	var records []course.LinkRecord
	err := r.db.WithContext(ctx).
		Where("broker_id = ? AND resource_id = ? AND internal_link = 0", brokerID, resourceID).
		Order("id ASC").Find(&records).Error
	if err != nil {
		return err
	}
	if len(records) == 0 {
		return nil
	}
	urlResourceID, agree := mergedURLResource(records)
	if !agree {
		r.logger.Warn("parallel courses disagree on their course url resource, using the first",
			zap.Int64("broker_id", brokerID), zap.Int64("resource_id", resourceID), zap.Int64("url_resource_id", urlResourceID))
	}

	var active, deleted []course.LinkRecord
	for _, record := range records {
		if record.URLStatus == course.URLDeleted {
			deleted = append(deleted, record)
		} else {
			active = append(active, record)
		}
	}

	if len(active) == 0 {
		if urlResourceID != 0 {
			if err := conn.Client.DeleteResource(ctx, ecs.ResourceCourseURLs, urlResourceID); err != nil {
				return err
			}
			result.Deleted++
		}
		return r.forget(ctx, deleted)
	}

	payload := courseURLPayload{
		CMSCourseID:  active[0].CMSCourseID,
		ECSCourseURL: conn.Client.ResourceURL(ecs.ResourceCourses, resourceID),
	}
	for _, record := range active {
		local, err := r.store.Course(ctx, record.CourseID)
		if errors.Is(err, lms.ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		payload.LMSCourseURLs = append(payload.LMSCourseURLs, lmsCourseLink{
			Title: local.FullName,
			URL:   lms.CourseURL(r.baseURL, record.CourseID),
		})
	}
	receivers := []int64{active[0].SenderMID}

	created := false
	if urlResourceID != 0 {
		err = conn.Client.UpdateResource(ctx, ecs.ResourceCourseURLs, urlResourceID, payload, receivers)
		if ecs.IsNotFound(err) {
			urlResourceID = 0
		} else if err != nil {
			return err
		}
	}
	if urlResourceID == 0 {
		urlResourceID, err = conn.Client.CreateResource(ctx, ecs.ResourceCourseURLs, payload, receivers)
		if err != nil {
			return err
		}
		created = true
	}

	ids := make([]int64, 0, len(active))
	for _, record := range active {
		ids = append(ids, record.ID)
	}
	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&course.LinkRecord{}).Where("id IN ?", ids).
			Updates(map[string]any{"url_resource_id": urlResourceID, "url_status": course.URLUpToDate}).Error; err != nil {
			return err
		}
		return forgetRecords(tx, deleted)
	})
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

func (r *Reconciler) forget(ctx context.Context, records []course.LinkRecord) error {
	return forgetRecords(r.db.WithContext(ctx), records)
}

// forgetRecords drops real records whose course resource is gone once the
// CMS has been told.
func forgetRecords(tx *gorm.DB, records []course.LinkRecord) error {
	if len(records) == 0 {
		return nil
	}
	ids := make([]int64, 0, len(records))
	for _, record := range records {
		ids = append(ids, record.ID)
	}
	return tx.Where("id IN ?", ids).Delete(&course.LinkRecord{}).Error
}
