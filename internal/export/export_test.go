package export

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/MarcoPoloResearchLab/campussync/internal/course"
	"github.com/MarcoPoloResearchLab/campussync/internal/database/dbtest"
	"github.com/MarcoPoloResearchLab/campussync/internal/ecs"
	"github.com/MarcoPoloResearchLab/campussync/internal/ecs/ecstest"
	"github.com/MarcoPoloResearchLab/campussync/internal/lms"
	"github.com/MarcoPoloResearchLab/campussync/internal/reconcile"
	"github.com/MarcoPoloResearchLab/campussync/internal/users"
	"gorm.io/gorm"
)

const (
	testBrokerID = int64(1)
	testCMS      = int64(7)
	testPartner  = int64(12)
	testBaseURL  = "https://lms.example.edu"
)

type fixture struct {
	db         *gorm.DB
	reconciler *Reconciler
	store      *lms.Store
	broker     *ecstest.Broker
	conn       ecs.Connection
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	models := append(Models(), course.Models()...)
	models = append(models, lms.Models()...)
	db := dbtest.Open(t, models...)
	store, err := lms.NewStore(db)
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	resolver, err := users.NewService(users.ServiceConfig{Store: store, Fields: map[string]string{"ecs_login": "username"}})
	if err != nil {
		t.Fatalf("failed to create user service: %v", err)
	}
	reconciler, err := NewReconciler(Config{Database: db, Store: store, Users: resolver, LMSBaseURL: testBaseURL})
	if err != nil {
		t.Fatalf("failed to create reconciler: %v", err)
	}
	broker := ecstest.NewBroker(t)
	return fixture{
		db:         db,
		reconciler: reconciler,
		store:      store,
		broker:     broker,
		conn: ecs.Connection{
			Client:           broker.Client(t, testBrokerID),
			CMSParticipantID: testCMS,
			ImportCourses:    true,
			ExportCourses:    true,
		},
	}
}

func (f fixture) newCourse(t *testing.T, name string) lms.Course {
	t.Helper()
	created, err := f.store.CreateCourse(context.Background(), lms.Course{CategoryID: 1, FullName: name, ShortName: name, Summary: "about " + name})
	if err != nil {
		t.Fatalf("create course failed: %v", err)
	}
	return created
}

func (f fixture) record(t *testing.T, courseID int64) (Record, bool) {
	t.Helper()
	record, ok, err := f.reconciler.Record(context.Background(), courseID, testBrokerID)
	if err != nil {
		t.Fatalf("record lookup failed: %v", err)
	}
	return record, ok
}

func TestExportLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	local := f.newCourse(t, "Physics")

	record, err := f.reconciler.Export(ctx, local.ID, testBrokerID, []int64{testPartner, testPartner, 0})
	if err != nil || record.Status != StatusCreated {
		t.Fatalf("expected created record, got %+v (%v)", record, err)
	}
	if targets, _ := record.Targets(); len(targets) != 1 || targets[0] != testPartner {
		t.Fatalf("expected deduplicated targets, got %v", targets)
	}

	result, err := f.reconciler.Push(ctx, f.conn)
	if err != nil || result.Created != 1 {
		t.Fatalf("expected one created link, got %+v (%v)", result, err)
	}
	record, _ = f.record(t, local.ID)
	if record.Status != StatusUpToDate || record.ResourceID == 0 {
		t.Fatalf("expected pushed record, got %+v", record)
	}
	body, ok := f.broker.Resource(ecs.ResourceCourseLinks, record.ResourceID)
	if !ok {
		t.Fatalf("course link missing at the broker")
	}
	var payload map[string]string
	if err := json.Unmarshal(body, &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload["title"] != "Physics" || payload["abstract"] != "about Physics" || payload["url"] != lms.CourseURL(testBaseURL, local.ID) {
		t.Fatalf("unexpected payload %+v", payload)
	}
	if receivers := f.broker.Receivers(ecs.ResourceCourseLinks, record.ResourceID); receivers != "12" {
		t.Fatalf("unexpected receivers %q", receivers)
	}

	if _, err := f.store.UpdateCourseFields(ctx, lms.Course{ID: local.ID, FullName: "Physics I", ShortName: local.ShortName, Summary: local.Summary}); err != nil {
		t.Fatalf("update course failed: %v", err)
	}
	if record, _ := f.record(t, local.ID); record.Status != StatusUpdated {
		t.Fatalf("a changed course must flag its export, got %+v", record)
	}
	result, err = f.reconciler.Push(ctx, f.conn)
	if err != nil || result.Updated != 1 {
		t.Fatalf("expected one update, got %+v (%v)", result, err)
	}

	if err := f.reconciler.Unexport(ctx, local.ID, testBrokerID); err != nil {
		t.Fatalf("unexport failed: %v", err)
	}
	if record, _ := f.record(t, local.ID); record.Status != StatusDeleted {
		t.Fatalf("pushed export must wait for the delete, got %+v", record)
	}
	result, err = f.reconciler.Push(ctx, f.conn)
	if err != nil || result.Deleted != 1 {
		t.Fatalf("expected one delete, got %+v (%v)", result, err)
	}
	if _, ok := f.broker.Resource(ecs.ResourceCourseLinks, record.ResourceID); ok {
		t.Fatalf("course link should be deleted at the broker")
	}
	if _, ok := f.record(t, local.ID); ok {
		t.Fatalf("record should be gone after the delete")
	}
}

func TestExportValidatesInput(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.reconciler.Export(ctx, 404, testBrokerID, []int64{testPartner}); !errors.Is(err, ErrUnknownCourse) || reconcile.KindOf(err) != reconcile.KindValidation {
		t.Fatalf("expected unknown course validation error, got %v", err)
	}
	local := f.newCourse(t, "Chemistry")
	if _, err := f.reconciler.Export(ctx, local.ID, testBrokerID, nil); !errors.Is(err, ErrNoTargets) {
		t.Fatalf("expected missing targets error, got %v", err)
	}
}

func TestUnexportBeforePushDropsRecord(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	local := f.newCourse(t, "Biology")
	if _, err := f.reconciler.Export(ctx, local.ID, testBrokerID, []int64{testPartner}); err != nil {
		t.Fatalf("export failed: %v", err)
	}
	if err := f.reconciler.Unexport(ctx, local.ID, testBrokerID); err != nil {
		t.Fatalf("unexport failed: %v", err)
	}
	if _, ok := f.record(t, local.ID); ok {
		t.Fatalf("never pushed export should be dropped")
	}
	if ids := f.broker.ResourceIDs(ecs.ResourceCourseLinks); len(ids) != 0 {
		t.Fatalf("nothing should reach the broker, got %v", ids)
	}
}

func TestReexportAfterDeleteBecomesUpdate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	local := f.newCourse(t, "History")
	f.reconciler.Export(ctx, local.ID, testBrokerID, []int64{testPartner})
	f.reconciler.Push(ctx, f.conn)
	f.reconciler.Unexport(ctx, local.ID, testBrokerID)

	record, err := f.reconciler.Export(ctx, local.ID, testBrokerID, []int64{testPartner, 13})
	if err != nil || record.Status != StatusUpdated || record.ResourceID == 0 {
		t.Fatalf("expected an update of the pushed link, got %+v (%v)", record, err)
	}
}

func TestPushFailureLeavesRecordRetriable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	first := f.newCourse(t, "Art")
	second := f.newCourse(t, "Music")
	f.reconciler.Export(ctx, first.ID, testBrokerID, []int64{testPartner})
	f.reconciler.Export(ctx, second.ID, testBrokerID, []int64{testPartner})

	f.broker.FailNext(1)
	result, err := f.reconciler.Push(ctx, f.conn)
	if err == nil || reconcile.KindOf(err) != reconcile.KindTransport {
		t.Fatalf("expected a transport error, got %v", err)
	}
	if result.Failed != 1 || result.Created != 1 {
		t.Fatalf("one failure must not stop the others, got %+v", result)
	}
	if record, _ := f.record(t, first.ID); record.Status != StatusCreated {
		t.Fatalf("failed record must stay pending, got %+v", record)
	}
	if result, err := f.reconciler.Push(ctx, f.conn); err != nil || result.Created != 1 {
		t.Fatalf("retry should succeed, got %+v (%v)", result, err)
	}
}

func TestCourseDeletedWithdrawsExports(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	local := f.newCourse(t, "Geography")
	f.reconciler.Export(ctx, local.ID, testBrokerID, []int64{testPartner})
	f.reconciler.Push(ctx, f.conn)
	pushed, _ := f.record(t, local.ID)

	unpushed := f.newCourse(t, "Geology")
	f.reconciler.Export(ctx, unpushed.ID, testBrokerID, []int64{testPartner})

	if err := f.store.DeleteCourse(ctx, local.ID); err != nil {
		t.Fatalf("delete course failed: %v", err)
	}
	if record, _ := f.record(t, local.ID); record.Status != StatusDeleted {
		t.Fatalf("pushed export must wait for the broker delete, got %+v", record)
	}
	if err := f.store.Tx(f.db).DeleteCourse(ctx, unpushed.ID); err != nil {
		t.Fatalf("delete course failed: %v", err)
	}
	if _, ok := f.record(t, unpushed.ID); ok {
		t.Fatalf("an export never pushed is dropped with its course")
	}
	if result, err := f.reconciler.Push(ctx, f.conn); err != nil || result.Deleted != 1 {
		t.Fatalf("expected the link to be deleted, got %+v (%v)", result, err)
	}
	if _, ok := f.broker.Resource(ecs.ResourceCourseLinks, pushed.ResourceID); ok {
		t.Fatalf("course link should be gone")
	}
}

func TestPushSkipsConnectionsWithoutExport(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	local := f.newCourse(t, "Law")
	f.reconciler.Export(ctx, local.ID, testBrokerID, []int64{testPartner})
	f.conn.ExportCourses = false
	if result, err := f.reconciler.Push(ctx, f.conn); err != nil || result != (PushResult{}) {
		t.Fatalf("expected no work, got %+v (%v)", result, err)
	}
}

func (f fixture) linkRecord(t *testing.T, record course.LinkRecord) course.LinkRecord {
	t.Helper()
	if err := f.db.Create(&record).Error; err != nil {
		t.Fatalf("insert link record failed: %v", err)
	}
	return record
}

func TestPushCourseURLsMergesParallelCourses(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	monday := f.newCourse(t, "Algebra Monday")
	friday := f.newCourse(t, "Algebra Friday")
	first := f.linkRecord(t, course.LinkRecord{CourseID: monday.ID, ResourceID: 500, BrokerID: testBrokerID, CMSCourseID: "L1", SenderMID: testCMS, URLStatus: course.URLCreated})
	f.linkRecord(t, course.LinkRecord{CourseID: friday.ID, ResourceID: 500, BrokerID: testBrokerID, CMSCourseID: "L1", SenderMID: testCMS, URLStatus: course.URLCreated})
	f.linkRecord(t, course.LinkRecord{CourseID: 999, ResourceID: 500, BrokerID: testBrokerID, CMSCourseID: "L1", InternalLink: monday.ID, URLStatus: course.URLUpToDate})

	result, err := f.reconciler.PushCourseURLs(ctx, f.conn)
	if err != nil || result.Created != 1 {
		t.Fatalf("expected one course url resource, got %+v (%v)", result, err)
	}
	ids := f.broker.ResourceIDs(ecs.ResourceCourseURLs)
	if len(ids) != 1 {
		t.Fatalf("parallel courses must share one resource, got %v", ids)
	}
	body, _ := f.broker.Resource(ecs.ResourceCourseURLs, ids[0])
	var payload courseURLPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload.CMSCourseID != "L1" || len(payload.LMSCourseURLs) != 2 {
		t.Fatalf("unexpected payload %+v", payload)
	}
	if payload.ECSCourseURL != f.broker.URL()+"/campusconnect/courses/500" {
		t.Fatalf("unexpected ecs course url %q", payload.ECSCourseURL)
	}
	if payload.LMSCourseURLs[0].URL != lms.CourseURL(testBaseURL, monday.ID) || payload.LMSCourseURLs[1].Title != "Algebra Friday" {
		t.Fatalf("unexpected lms urls %+v", payload.LMSCourseURLs)
	}
	if receivers := f.broker.Receivers(ecs.ResourceCourseURLs, ids[0]); receivers != "7" {
		t.Fatalf("course urls go back to the CMS, got %q", receivers)
	}

	var stored []course.LinkRecord
	f.db.Where("internal_link = 0").Order("id ASC").Find(&stored)
	for _, record := range stored {
		if record.URLResourceID != ids[0] || record.URLStatus != course.URLUpToDate {
			t.Fatalf("record not marked pushed: %+v", record)
		}
	}

	if result, _ := f.reconciler.PushCourseURLs(ctx, f.conn); result != (URLResult{}) {
		t.Fatalf("nothing left to push, got %+v", result)
	}

	f.db.Model(&course.LinkRecord{}).Where("id = ?", first.ID).Update("url_status", course.URLUpdated)
	if result, err := f.reconciler.PushCourseURLs(ctx, f.conn); err != nil || result.Updated != 1 {
		t.Fatalf("expected an update, got %+v (%v)", result, err)
	}
}

func TestPushCourseURLsPicksFirstResourceOnDisagreement(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.newCourse(t, "A")
	b := f.newCourse(t, "B")
	f.broker.PutResource(t, ecs.ResourceCourseURLs, 41, 0, map[string]any{"cms_course_id": "L1"})
	f.broker.PutResource(t, ecs.ResourceCourseURLs, 42, 0, map[string]any{"cms_course_id": "L1"})
	f.linkRecord(t, course.LinkRecord{CourseID: a.ID, ResourceID: 500, BrokerID: testBrokerID, CMSCourseID: "L1", SenderMID: testCMS, URLStatus: course.URLUpdated})
	f.linkRecord(t, course.LinkRecord{CourseID: b.ID, ResourceID: 500, BrokerID: testBrokerID, CMSCourseID: "L1", SenderMID: testCMS, URLStatus: course.URLUpdated, URLResourceID: 41})
	f.linkRecord(t, course.LinkRecord{CourseID: 998, ResourceID: 500, BrokerID: testBrokerID, CMSCourseID: "L1", SenderMID: testCMS, URLStatus: course.URLUpToDate, URLResourceID: 42})

	result, err := f.reconciler.PushCourseURLs(ctx, f.conn)
	if err != nil || result.Updated != 1 {
		t.Fatalf("expected the first resource to be updated, got %+v (%v)", result, err)
	}
	var stored []course.LinkRecord
	f.db.Where("resource_id = 500").Find(&stored)
	for _, record := range stored {
		if record.URLResourceID != 41 {
			t.Fatalf("every record should converge on resource 41, got %+v", record)
		}
	}
}

func TestPushCourseURLsDeletesWithdrawnCourses(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.newCourse(t, "A")
	f.broker.PutResource(t, ecs.ResourceCourseURLs, 41, 0, map[string]any{"cms_course_id": "L1"})
	f.linkRecord(t, course.LinkRecord{CourseID: a.ID, ResourceID: 500, BrokerID: testBrokerID, CMSCourseID: "L1", SenderMID: testCMS, URLStatus: course.URLDeleted, URLResourceID: 41})

	result, err := f.reconciler.PushCourseURLs(ctx, f.conn)
	if err != nil || result.Deleted != 1 {
		t.Fatalf("expected one deleted resource, got %+v (%v)", result, err)
	}
	if _, ok := f.broker.Resource(ecs.ResourceCourseURLs, 41); ok {
		t.Fatalf("course url resource should be deleted")
	}
	var count int64
	f.db.Model(&course.LinkRecord{}).Count(&count)
	if count != 0 {
		t.Fatalf("withdrawn records should be forgotten, %d left", count)
	}
}

func TestMergedURLResource(t *testing.T) {
	id, agree := mergedURLResource([]course.LinkRecord{{URLResourceID: 0}, {URLResourceID: 5}, {URLResourceID: 5}})
	if id != 5 || !agree {
		t.Fatalf("expected agreement on 5, got %d %v", id, agree)
	}
	id, agree = mergedURLResource([]course.LinkRecord{{URLResourceID: 6}, {URLResourceID: 5}})
	if id != 6 || agree {
		t.Fatalf("expected first id with disagreement, got %d %v", id, agree)
	}
	if id, agree := mergedURLResource(nil); id != 0 || !agree {
		t.Fatalf("expected zero for no records, got %d %v", id, agree)
	}
}

func TestEnrolmentStatusRoundTrip(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.reconciler.QueueEnrolmentStatus(ctx, EnrolmentStatus{BrokerID: testBrokerID, TargetMID: testPartner, CourseURL: "https://other.example/course/1", PersonID: "jdoe", State: "bogus"}); !errors.Is(err, ErrInvalidEnrolmentState) {
		t.Fatalf("expected invalid state error, got %v", err)
	}
	queued, err := f.reconciler.QueueEnrolmentStatus(ctx, EnrolmentStatus{BrokerID: testBrokerID, TargetMID: testPartner, CourseURL: "https://other.example/course/1", PersonID: " jdoe ", State: "Active"})
	if err != nil || queued.State != EnrolmentActive || queued.PersonID != "jdoe" || queued.PersonIDType != string(users.DefaultPersonIDType) {
		t.Fatalf("unexpected queued status %+v (%v)", queued, err)
	}

	f.broker.FailNext(1)
	if sent, err := f.reconciler.PushEnrolmentStatus(ctx, f.conn); err == nil || sent != 0 {
		t.Fatalf("expected a failed push, got %d (%v)", sent, err)
	}
	if pending, _ := f.reconciler.PendingEnrolmentStatus(ctx, testBrokerID); len(pending) != 1 {
		t.Fatalf("failed status must stay queued, got %d", len(pending))
	}
	if sent, err := f.reconciler.PushEnrolmentStatus(ctx, f.conn); err != nil || sent != 1 {
		t.Fatalf("expected one sent status, got %d (%v)", sent, err)
	}
	ids := f.broker.ResourceIDs(ecs.ResourceEnrolment)
	if len(ids) != 1 {
		t.Fatalf("expected one enrolment resource, got %v", ids)
	}
	body, _ := f.broker.Resource(ecs.ResourceEnrolment, ids[0])
	var payload enrolmentPayload
	json.Unmarshal(body, &payload)
	if payload.Status != "active" || payload.PersonID != "jdoe" || payload.PersonIDType != "ecs_uid" {
		t.Fatalf("unexpected payload %+v", payload)
	}
}

func TestHandleEventAppliesInboundEnrolment(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	local := f.newCourse(t, "Statistics")
	user, err := f.store.CreateUser(ctx, lms.User{Username: "jdoe"})
	if err != nil {
		t.Fatalf("create user failed: %v", err)
	}
	f.reconciler.Export(ctx, local.ID, testBrokerID, []int64{testPartner})

	enrolment := func(id, sender int64, url, status string) ecs.Event {
		f.broker.PutResource(t, ecs.ResourceEnrolment, id, sender, map[string]string{
			"url": url, "personID": "jdoe", "personIDtype": "ecs_login", "status": status,
		})
		return ecs.Event{ResourceType: string(ecs.ResourceEnrolment), ResourceID: id, Status: ecs.StatusCreated}
	}
	courseURL := lms.CourseURL(testBaseURL, local.ID)

	outcome, err := f.reconciler.HandleEvent(ctx, f.conn, enrolment(1, testPartner, courseURL, "active"))
	if err != nil || outcome != reconcile.Applied {
		t.Fatalf("expected applied, got %s (%v)", outcome, err)
	}
	if enrolled, err := f.store.Enrolment(ctx, local.ID, user.ID); err != nil || enrolled.Role != "student" {
		t.Fatalf("expected a student enrolment, got %+v (%v)", enrolled, err)
	}

	outcome, _ = f.reconciler.HandleEvent(ctx, f.conn, enrolment(2, 99, courseURL, "unsubscribed"))
	if outcome != reconcile.Skipped {
		t.Fatalf("participant without the export must be skipped, got %s", outcome)
	}
	outcome, _ = f.reconciler.HandleEvent(ctx, f.conn, enrolment(3, testPartner, "https://elsewhere.example/course/view.php?id=1", "unsubscribed"))
	if outcome != reconcile.Skipped {
		t.Fatalf("foreign url must be skipped, got %s", outcome)
	}

	outcome, err = f.reconciler.HandleEvent(ctx, f.conn, enrolment(4, testPartner, courseURL, "unsubscribed"))
	if err != nil || outcome != reconcile.Applied {
		t.Fatalf("expected applied, got %s (%v)", outcome, err)
	}
	if _, err := f.store.Enrolment(ctx, local.ID, user.ID); !errors.Is(err, lms.ErrNotFound) {
		t.Fatalf("expected the enrolment to be removed, got %v", err)
	}
}
