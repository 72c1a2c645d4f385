package courselink

import (
	"context"
	"errors"
	"testing"

	"github.com/MarcoPoloResearchLab/campussync/internal/database/dbtest"
	"github.com/MarcoPoloResearchLab/campussync/internal/ecs"
	"github.com/MarcoPoloResearchLab/campussync/internal/ecs/ecstest"
	"github.com/MarcoPoloResearchLab/campussync/internal/export"
	"github.com/MarcoPoloResearchLab/campussync/internal/lms"
	"github.com/MarcoPoloResearchLab/campussync/internal/reconcile"
	"github.com/MarcoPoloResearchLab/campussync/internal/users"
)

const (
	testBrokerID = int64(1)
	testOwnMID   = int64(3)
	testPartner  = int64(12)
)

type fixture struct {
	reconciler *Reconciler
	exports    *export.Reconciler
	store      *lms.Store
	broker     *ecstest.Broker
	conn       ecs.Connection
	category   lms.Category
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	models := append(Models(), export.Models()...)
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
	exports, err := export.NewReconciler(export.Config{Database: db, Store: store, Users: resolver})
	if err != nil {
		t.Fatalf("failed to create export reconciler: %v", err)
	}
	reconciler, err := NewReconciler(Config{Database: db, Store: store, Users: resolver, Exports: exports})
	if err != nil {
		t.Fatalf("failed to create reconciler: %v", err)
	}
	category, err := store.CreateCategory(context.Background(), 0, "Partner courses", 1)
	if err != nil {
		t.Fatalf("failed to create category: %v", err)
	}
	broker := ecstest.NewBroker(t)
	broker.SetMemberships([]ecs.Community{{Participants: []ecs.Participant{{MID: testOwnMID, ItsYou: true}, {MID: testPartner}}}})
	return fixture{
		reconciler: reconciler,
		exports:    exports,
		store:      store,
		broker:     broker,
		category:   category,
		conn: ecs.Connection{
			Client:           broker.Client(t, testBrokerID),
			ImportCategoryID: category.ID,
		},
	}
}

func (f fixture) handle(t *testing.T, id int64, status ecs.EventStatus) reconcile.Outcome {
	t.Helper()
	outcome, err := f.reconciler.HandleEvent(context.Background(), f.conn, ecs.Event{ResourceType: string(ecs.ResourceCourseLinks), ResourceID: id, Status: status})
	if err != nil {
		t.Fatalf("handle event failed: %v", err)
	}
	return outcome
}

func TestDecodeLinkAcceptsLecturerShapes(t *testing.T) {
	link, err := decodeLink([]byte(`{"url": "https://partner.example/course/9", "title": "Optics", "number": 42, "lecturers": [{"firstName": "Ada", "lastName": "Lovelace"}, "Alan Turing"]}`))
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if link.Number != "42" || link.Lecturers != "Ada Lovelace, Alan Turing" {
		t.Fatalf("unexpected link %+v", link)
	}
	if _, err := decodeLink([]byte(`{"title": "no url"}`)); err == nil {
		t.Fatalf("expected an error without url")
	}
}

func TestHandleEventImportsUpdatesAndRemovesLinks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.broker.PutResource(t, ecs.ResourceCourseLinks, 20, testPartner, map[string]any{
		"url": "https://partner.example/course/9", "title": "Optics", "number": "PH-9", "abstract": "Light",
	})
	if outcome := f.handle(t, 20, ecs.StatusCreated); outcome != reconcile.Applied {
		t.Fatalf("expected applied, got %s", outcome)
	}
	imports, _ := f.reconciler.Imports(ctx, testBrokerID)
	if len(imports) != 1 || imports[0].SenderMID != testPartner {
		t.Fatalf("unexpected imports %+v", imports)
	}
	local, err := f.store.Course(ctx, imports[0].CourseID)
	if err != nil || local.CategoryID != f.category.ID || local.ShortName != "PH-9" || local.ExternalURL != "https://partner.example/course/9" {
		t.Fatalf("unexpected local course %+v (%v)", local, err)
	}

	f.broker.PutResource(t, ecs.ResourceCourseLinks, 20, testPartner, map[string]any{
		"url": "https://partner.example/course/9", "title": "Advanced Optics", "number": "PH-9",
	})
	f.handle(t, 20, ecs.StatusUpdated)
	if renamed, _ := f.store.Course(ctx, imports[0].CourseID); renamed.FullName != "Advanced Optics" {
		t.Fatalf("expected the course to be renamed, got %+v", renamed)
	}

	f.handle(t, 20, ecs.StatusDestroyed)
	if exists, _ := f.store.CourseExists(ctx, imports[0].CourseID); exists {
		t.Fatalf("withdrawn link course should be deleted")
	}
	if imports, _ := f.reconciler.Imports(ctx, testBrokerID); len(imports) != 0 {
		t.Fatalf("import record should be gone, got %+v", imports)
	}
}

func TestHandleEventSkipsOwnLinksAndDisabledImport(t *testing.T) {
	f := newFixture(t)
	f.broker.PutResource(t, ecs.ResourceCourseLinks, 21, testOwnMID, map[string]any{"url": "https://lms.example.edu/course/view.php?id=1", "title": "Ours"})
	if outcome := f.handle(t, 21, ecs.StatusCreated); outcome != reconcile.Skipped {
		t.Fatalf("own course link must be skipped, got %s", outcome)
	}
	f.conn.ImportCategoryID = 0
	f.broker.PutResource(t, ecs.ResourceCourseLinks, 22, testPartner, map[string]any{"url": "https://partner.example/course/1", "title": "Theirs"})
	if outcome := f.handle(t, 22, ecs.StatusCreated); outcome != reconcile.Skipped {
		t.Fatalf("disabled import must be skipped, got %s", outcome)
	}
}

func TestImportRecreatesLocallyDeletedCourse(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	link := Link{URL: "https://partner.example/course/9", Title: "Optics"}
	first, err := f.reconciler.Import(ctx, f.conn, 20, testPartner, link)
	if err != nil {
		t.Fatalf("import failed: %v", err)
	}
	if err := f.store.DeleteCourse(ctx, first.CourseID); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	second, err := f.reconciler.Import(ctx, f.conn, 20, testPartner, link)
	if err != nil || second.ID != first.ID || second.CourseID == first.CourseID {
		t.Fatalf("expected the same import with a new course, got %+v (%v)", second, err)
	}
}

func TestEnrolmentChangedQueuesStatusForOwner(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	imported, err := f.reconciler.Import(ctx, f.conn, 20, testPartner, Link{URL: "https://partner.example/course/9", Title: "Optics"})
	if err != nil {
		t.Fatalf("import failed: %v", err)
	}
	user, _ := f.store.CreateUser(ctx, lms.User{Username: "jdoe"})

	status, err := f.reconciler.EnrolmentChanged(ctx, imported.CourseID, user.ID, export.EnrolmentActive)
	if err != nil {
		t.Fatalf("enrolment changed failed: %v", err)
	}
	if status.TargetMID != testPartner || status.CourseURL != "https://partner.example/course/9" || status.PersonID != "jdoe" || status.PersonIDType != "ecs_login" {
		t.Fatalf("unexpected status %+v", status)
	}
	if pending, _ := f.exports.PendingEnrolmentStatus(ctx, testBrokerID); len(pending) != 1 {
		t.Fatalf("expected one queued status, got %d", len(pending))
	}

	local, _ := f.store.CreateCourse(ctx, lms.Course{CategoryID: 1, FullName: "Local", ShortName: "local"})
	if _, err := f.reconciler.EnrolmentChanged(ctx, local.ID, user.ID, export.EnrolmentActive); !errors.Is(err, ErrNotImported) {
		t.Fatalf("expected not imported error, got %v", err)
	}
}
