package export

import (
	"context"
	"errors"
	"net/url"
	"strconv"
	"strings"

	"github.com/MarcoPoloResearchLab/campussync/internal/ecs"
	"github.com/MarcoPoloResearchLab/campussync/internal/reconcile"
	"github.com/MarcoPoloResearchLab/campussync/internal/users"
	"go.uber.org/zap"
)

// QueueEnrolmentStatus stores an enrolment status update for the participant
// that owns a course link. It goes out with the next PushEnrolmentStatus.
func (r *Reconciler) QueueEnrolmentStatus(ctx context.Context, status EnrolmentStatus) (EnrolmentStatus, error) {
	state, err := ParseEnrolmentState(string(status.State))
	if err != nil {
		return EnrolmentStatus{}, reconcile.NewError(opQueueStatus, "invalid_state", reconcile.KindValidation, err)
	}
	status.State = state
	status.PersonID = strings.TrimSpace(status.PersonID)
	status.CourseURL = strings.TrimSpace(status.CourseURL)
	if status.PersonID == "" || status.CourseURL == "" || status.TargetMID <= 0 || status.BrokerID <= 0 {
		return EnrolmentStatus{}, reconcile.NewError(opQueueStatus, "incomplete_status", reconcile.KindValidation, users.ErrInvalidPerson)
	}
	if status.PersonIDType == "" {
		status.PersonIDType = string(users.DefaultPersonIDType)
	}
	status.ID = 0
	if err := r.db.WithContext(ctx).Create(&status).Error; err != nil {
		return EnrolmentStatus{}, r.fail(opQueueStatus, "insert_failed", reconcile.KindInternal, err)
	}
	return status, nil
}

// PendingEnrolmentStatus lists queued updates of a broker in queue order.
func (r *Reconciler) PendingEnrolmentStatus(ctx context.Context, brokerID int64) ([]EnrolmentStatus, error) {
	var pending []EnrolmentStatus
	err := r.db.WithContext(ctx).Where("broker_id = ?", brokerID).Order("id ASC").Find(&pending).Error
	return pending, err
}

// PushEnrolmentStatus sends queued enrolment status updates. Sent updates are
// dropped; failed ones stay queued.
func (r *Reconciler) PushEnrolmentStatus(ctx context.Context, conn ecs.Connection) (int, error) {
	ctx, span := tracer.Start(ctx, "export.PushEnrolmentStatus")
	defer span.End()
	brokerID := conn.BrokerID()
	pending, err := r.PendingEnrolmentStatus(ctx, brokerID)
	if err != nil {
		return 0, r.fail(opPushStatus, "select_failed", reconcile.KindInternal, err, zap.Int64("broker_id", brokerID))
	}
	sent := 0
	var errs []error
	for _, status := range pending {
		payload := enrolmentPayload{
			URL:          status.CourseURL,
			PersonID:     status.PersonID,
			PersonIDType: status.PersonIDType,
			Status:       string(status.State),
		}
		if _, err := conn.Client.CreateResource(ctx, ecs.ResourceEnrolment, payload, []int64{status.TargetMID}); err != nil {
			span.RecordError(err)
			errs = append(errs, r.fail(opPushStatus, "create_failed", reconcile.KindTransport, err,
				zap.Int64("broker_id", brokerID), zap.Int64("status_id", status.ID)))
			continue
		}
		if err := r.db.WithContext(ctx).Delete(&EnrolmentStatus{}, status.ID).Error; err != nil {
			errs = append(errs, r.fail(opPushStatus, "delete_failed", reconcile.KindInternal, err, zap.Int64("status_id", status.ID)))
			continue
		}
		sent++
	}
	return sent, errors.Join(errs...)
}

// courseIDFromURL extracts the local course id from a course view URL of this
// LMS.
func (r *Reconciler) courseIDFromURL(raw string) (int64, bool) {
	parsed, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return 0, false
	}
	if base, err := url.Parse(r.baseURL); err == nil && base.Host != "" && !strings.EqualFold(base.Host, parsed.Host) {
		return 0, false
	}
	if !strings.HasSuffix(parsed.Path, "/course/view.php") {
		return 0, false
	}
	id, err := strconv.ParseInt(parsed.Query().Get("id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

// HandleEvent applies an inbound campusconnect/enrolment resource: a
// participant that received one of our exported courses reports a user's
// enrolment there.
func (r *Reconciler) HandleEvent(ctx context.Context, conn ecs.Connection, event ecs.Event) (reconcile.Outcome, error) {
	ctx, span := tracer.Start(ctx, "export.HandleEnrolment")
	defer span.End()
	brokerID := conn.BrokerID()
	fields := []zap.Field{zap.Int64("broker_id", brokerID), zap.Int64("resource_id", event.ResourceID)}

	if event.Status == ecs.StatusDestroyed {
		return reconcile.Applied, nil
	}
	var payload enrolmentPayload
	resource, err := conn.Client.GetResource(ctx, ecs.ResourceEnrolment, event.ResourceID, &payload)
	if errors.Is(err, ecs.ErrNotFound) {
		return reconcile.Applied, nil
	}
	if err != nil {
		span.RecordError(err)
		return reconcile.Deferred, err
	}
	state, err := ParseEnrolmentState(payload.Status)
	if err != nil {
		r.logger.Warn("skipping enrolment with unknown status", append(fields, zap.Error(err))...)
		return reconcile.Skipped, nil
	}
	courseID, ok := r.courseIDFromURL(payload.URL)
	if !ok {
		r.logger.Warn("skipping enrolment for a foreign course url", append(fields, zap.String("url", payload.URL))...)
		return reconcile.Skipped, nil
	}
	record, exported, err := r.Record(ctx, courseID, brokerID)
	if err != nil {
		return reconcile.Deferred, r.fail(opHandleEvent, "export_lookup_failed", reconcile.KindInternal, err, fields...)
	}
	if !exported || !senderIsTarget(record, resource) {
		r.logger.Warn("skipping enrolment from a participant the course is not exported to",
			append(fields, zap.Int64("course_id", courseID), zap.Int64s("senders", resource.SenderMIDs))...)
		return reconcile.Skipped, nil
	}

	userID, err := r.users.ResolveUserID(ctx, users.ParsePersonIDType(payload.PersonIDType), payload.PersonID)
	if errors.Is(err, users.ErrUserNotFound) || errors.Is(err, users.ErrUnmappedPersonType) || errors.Is(err, users.ErrInvalidPerson) {
		r.logger.Info("skipping enrolment for an unknown user", append(fields, zap.Error(err))...)
		return reconcile.Skipped, nil
	}
	if err != nil {
		return reconcile.Deferred, r.fail(opHandleEvent, "resolve_user_failed", reconcile.KindInternal, err, fields...)
	}

	switch state {
	case EnrolmentActive:
		err = r.store.Enrol(ctx, courseID, userID, r.defaultRole)
	case EnrolmentPending:
		return reconcile.Applied, nil
	default:
		err = r.store.Unenrol(ctx, courseID, userID)
	}
	if err != nil {
		return reconcile.Deferred, r.fail(opHandleEvent, "enrolment_failed", reconcile.KindInternal, err,
			append(fields, zap.Int64("course_id", courseID), zap.Int64("user_id", userID))...)
	}
	return reconcile.Applied, nil
}

func senderIsTarget(record Record, resource ecs.Resource) bool {
	for _, sender := range resource.SenderMIDs {
		if record.TargetsInclude(sender) {
			return true
		}
	}
	return false
}
