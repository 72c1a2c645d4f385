package directory

import (
	"context"
	"errors"
	"testing"

	"github.com/MarcoPoloResearchLab/campussync/internal/database/dbtest"
	"github.com/MarcoPoloResearchLab/campussync/internal/ecs"
	"github.com/MarcoPoloResearchLab/campussync/internal/ecs/ecstest"
	"github.com/MarcoPoloResearchLab/campussync/internal/lms"
	"github.com/MarcoPoloResearchLab/campussync/internal/reconcile"
)

const (
	testBrokerID = int64(1)
	testCMS      = int64(7)
)

type fixture struct {
	reconciler *Reconciler
	store      *lms.Store
	broker     *ecstest.Broker
	conn       ecs.Connection
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	db := dbtest.Open(t, append(Models(), lms.Models()...)...)
	store, err := lms.NewStore(db)
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	reconciler, err := NewReconciler(Config{Database: db, Store: store})
	if err != nil {
		t.Fatalf("failed to create reconciler: %v", err)
	}
	broker := ecstest.NewBroker(t)
	return fixture{
		reconciler: reconciler,
		store:      store,
		broker:     broker,
		conn: ecs.Connection{
			Client:            broker.Client(t, testBrokerID),
			CMSParticipantID:  testCMS,
			ImportDirectories: true,
		},
	}
}

type jsonNode struct {
	ID     int64       `json:"id"`
	Title  string      `json:"title"`
	Parent *jsonParent `json:"parent,omitempty"`
	Order  int         `json:"order,omitempty"`
}

type jsonParent struct {
	ID int64 `json:"id"`
}

func treeResource(rootID int64, title string, nodes ...jsonNode) map[string]any {
	all := append([]jsonNode{{ID: rootID, Title: title}}, nodes...)
	return map[string]any{"rootID": rootID, "directoryTreeTitle": title, "nodes": all}
}

func child(id, parent int64, title string, order int) jsonNode {
	return jsonNode{ID: id, Title: title, Parent: &jsonParent{ID: parent}, Order: order}
}

func (f fixture) refresh(t *testing.T) RefreshResult {
	t.Helper()
	result, err := f.reconciler.RefreshFromECS(context.Background(), f.conn)
	if err != nil {
		t.Fatalf("refresh failed: %v", err)
	}
	return result
}

func (f fixture) treeByRoot(t *testing.T, rootID int64) Tree {
	t.Helper()
	var tree Tree
	if err := f.reconciler.db.Where("broker_id = ? AND root_id = ?", testBrokerID, rootID).Take(&tree).Error; err != nil {
		t.Fatalf("failed to load tree %d: %v", rootID, err)
	}
	return tree
}

func (f fixture) directory(t *testing.T, directoryID int64) Directory {
	t.Helper()
	var directory Directory
	if err := f.reconciler.db.Where("broker_id = ? AND directory_id = ?", testBrokerID, directoryID).Take(&directory).Error; err != nil {
		t.Fatalf("failed to load directory %d: %v", directoryID, err)
	}
	return directory
}

func TestSetModeIsMonotonic(t *testing.T) {
	cases := []struct {
		from, to Mode
		allowed  bool
	}{
		{ModePending, ModeWhole, true},
		{ModePending, ModeManual, true},
		{ModeWhole, ModeManual, true},
		{ModeWhole, ModePending, false},
		{ModeManual, ModeWhole, false},
		{ModeManual, ModePending, false},
		{ModeDeleted, ModePending, false},
		{ModeDeleted, ModeWhole, false},
		{ModeDeleted, ModeManual, false},
		{ModeManual, ModeDeleted, true},
	}
	for _, testCase := range cases {
		if got := canTransition(testCase.from, testCase.to); got != testCase.allowed {
			t.Fatalf("transition %s -> %s: expected %v, got %v", testCase.from, testCase.to, testCase.allowed, got)
		}
	}

	f := newFixture(t)
	ctx := context.Background()
	tree, err := f.reconciler.Create(ctx, testBrokerID, 1, 100, "Campus", testCMS)
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if err := f.reconciler.SetMode(ctx, tree.ID, ModeManual); err != nil {
		t.Fatalf("pending -> manual failed: %v", err)
	}
	err = f.reconciler.SetMode(ctx, tree.ID, ModeWhole)
	if !reconcile.IsInvariant(err) || !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected invariant violation leaving manual, got %v", err)
	}
	if err := f.reconciler.SetMode(ctx, tree.ID, ModeDeleted); err != nil {
		t.Fatalf("manual -> deleted failed: %v", err)
	}
	if err := f.reconciler.SetMode(ctx, tree.ID, ModeManual); !reconcile.IsInvariant(err) {
		t.Fatalf("expected invariant violation leaving deleted, got %v", err)
	}
}

func TestMapCategoryCreatesCategoriesTopDown(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.broker.PutResource(t, ecs.ResourceDirectoryTrees, 1, testCMS, treeResource(100, "Campus",
		child(101, 100, "Faculty", 1),
		child(102, 101, "Department", 2),
	))
	f.refresh(t)

	tree := f.treeByRoot(t, 100)
	if tree.Mode != ModePending || tree.CategoryID != 0 {
		t.Fatalf("expected new tree to be pending and unmapped, got %#v", tree)
	}

	pass := f.reconciler.NewPass(testBrokerID)
	status, err := pass.Status(ctx, 102)
	if err != nil || status != StatusPendingUnmapped {
		t.Fatalf("expected pending unmapped before mapping, got %s (%v)", status, err)
	}
	categoryID, err := f.reconciler.CreateCategory(ctx, pass, 102)
	if err != nil || categoryID != 0 {
		t.Fatalf("expected no category while unmapped, got %d (%v)", categoryID, err)
	}

	root, _ := f.store.CreateCategory(ctx, 0, "Imports", 1)
	if err := f.reconciler.MapCategory(ctx, tree.ID, root.ID); err != nil {
		t.Fatalf("map category failed: %v", err)
	}
	if mapped := f.treeByRoot(t, 100); mapped.Mode != ModeWhole {
		t.Fatalf("expected first mapping to switch to whole, got %s", mapped.Mode)
	}

	pass = f.reconciler.NewPass(testBrokerID)
	status, _ = pass.Status(ctx, 102)
	if status != StatusPendingAutomatic {
		t.Fatalf("expected pending automatic after mapping, got %s", status)
	}
	leafCategory, err := f.reconciler.CreateCategory(ctx, pass, 102)
	if err != nil || leafCategory == 0 {
		t.Fatalf("expected leaf category, got %d (%v)", leafCategory, err)
	}
	faculty := f.directory(t, 101)
	if faculty.CategoryID == 0 {
		t.Fatalf("expected parent category to be created first")
	}
	leaf, _ := f.store.Category(ctx, leafCategory)
	if leaf.ParentID != faculty.CategoryID || leaf.Name != "Department" {
		t.Fatalf("unexpected leaf category %#v", leaf)
	}
	parent, _ := f.store.Category(ctx, faculty.CategoryID)
	if parent.ParentID != root.ID {
		t.Fatalf("expected faculty category under mapped root, got parent %d", parent.ParentID)
	}

	again, err := f.reconciler.CreateCategory(ctx, f.reconciler.NewPass(testBrokerID), 102)
	if err != nil || again != leafCategory {
		t.Fatalf("expected memoized category %d, got %d (%v)", leafCategory, again, err)
	}
}

func TestMapCategoryRemapMovesAutomaticCategories(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.broker.PutResource(t, ecs.ResourceDirectoryTrees, 1, testCMS, treeResource(100, "Campus", child(101, 100, "Faculty", 1)))
	f.refresh(t)
	tree := f.treeByRoot(t, 100)

	first, _ := f.store.CreateCategory(ctx, 0, "First", 1)
	second, _ := f.store.CreateCategory(ctx, 0, "Second", 2)
	if err := f.reconciler.MapCategory(ctx, tree.ID, first.ID); err != nil {
		t.Fatalf("map failed: %v", err)
	}
	if created, err := f.reconciler.CreateAllCategories(ctx, testBrokerID); err != nil || created != 1 {
		t.Fatalf("expected one created category, got %d (%v)", created, err)
	}
	if err := f.reconciler.MapCategory(ctx, tree.ID, second.ID); err != nil {
		t.Fatalf("remap failed: %v", err)
	}
	faculty := f.directory(t, 101)
	category, _ := f.store.Category(ctx, faculty.CategoryID)
	if category.ParentID != second.ID {
		t.Fatalf("expected automatic category to move under new root, got parent %d", category.ParentID)
	}
}

func TestRefreshDeletesVanishedTreesWithoutTouchingCategories(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.broker.PutResource(t, ecs.ResourceDirectoryTrees, 1, testCMS, treeResource(100, "Pending tree", child(101, 100, "A", 1)))
	f.broker.PutResource(t, ecs.ResourceDirectoryTrees, 2, testCMS, treeResource(200, "Manual tree", child(201, 200, "B", 1)))
	f.refresh(t)

	manual := f.treeByRoot(t, 200)
	root, _ := f.store.CreateCategory(ctx, 0, "Root", 1)
	if err := f.reconciler.MapCategory(ctx, manual.ID, root.ID); err != nil {
		t.Fatalf("map failed: %v", err)
	}
	if _, err := f.reconciler.CreateAllCategories(ctx, testBrokerID); err != nil {
		t.Fatalf("create categories failed: %v", err)
	}
	if err := f.reconciler.SetMode(ctx, manual.ID, ModeManual); err != nil {
		t.Fatalf("set manual failed: %v", err)
	}
	categoryB := f.directory(t, 201).CategoryID

	f.broker.RemoveResource(ecs.ResourceDirectoryTrees, 1)
	f.broker.RemoveResource(ecs.ResourceDirectoryTrees, 2)
	result := f.refresh(t)
	if result.TreesDeleted != 2 {
		t.Fatalf("expected two deleted trees, got %d", result.TreesDeleted)
	}
	if tree := f.treeByRoot(t, 100); tree.Mode != ModeDeleted {
		t.Fatalf("expected pending tree deleted, got %s", tree.Mode)
	}
	if tree := f.treeByRoot(t, 200); tree.Mode != ModeDeleted {
		t.Fatalf("expected manual tree deleted, got %s", tree.Mode)
	}
	if directory := f.directory(t, 201); directory.MappingState != StateDeleted {
		t.Fatalf("expected directory marked deleted, got %s", directory.MappingState)
	}
	if exists, _ := f.store.CategoryExists(ctx, categoryB); !exists {
		t.Fatalf("expected category to survive tree deletion")
	}
	if exists, _ := f.store.CategoryExists(ctx, root.ID); !exists {
		t.Fatalf("expected mapped root category to survive tree deletion")
	}

	f.broker.PutResource(t, ecs.ResourceDirectoryTrees, 3, testCMS, treeResource(200, "Manual tree", child(201, 200, "B", 1)))
	f.refresh(t)
	if tree := f.treeByRoot(t, 200); tree.Mode != ModeWhole {
		t.Fatalf("expected resurrected mapped tree in whole mode, got %s", tree.Mode)
	}
}

func TestRefreshAbortsOnTransportFailure(t *testing.T) {
	f := newFixture(t)
	f.broker.PutResource(t, ecs.ResourceDirectoryTrees, 1, testCMS, treeResource(100, "Campus"))
	f.refresh(t)

	f.broker.FailNext(1)
	if _, err := f.reconciler.RefreshFromECS(context.Background(), f.conn); reconcile.KindOf(err) != reconcile.KindTransport {
		t.Fatalf("expected transport error, got %v", err)
	}
	if tree := f.treeByRoot(t, 100); tree.Mode == ModeDeleted {
		t.Fatalf("tree must not be swept after a failed listing")
	}
}

func TestPlanRefreshIsPure(t *testing.T) {
	local := localState{
		trees: map[int64]Tree{
			100: {ID: 1, RootID: 100, Title: "Old", Mode: ModeWhole},
			300: {ID: 3, RootID: 300, Title: "Gone", Mode: ModePending},
		},
		directories: map[int64]Directory{
			101: {ID: 1, DirectoryID: 101, RootID: 100, ParentID: 100, Title: "A", MappingState: StateAutomatic},
			102: {ID: 2, DirectoryID: 102, RootID: 100, ParentID: 100, Title: "B", MappingState: StateAutomatic},
		},
	}
	remote := newRemoteState()
	remote.trees[100] = remoteTree{RootID: 100, Title: "New"}
	remote.directories[101] = remoteDirectory{node: node{ID: 101, ParentID: 100, Title: "A renamed"}, RootID: 100}
	remote.directories[103] = remoteDirectory{node: node{ID: 103, ParentID: 101, Title: "C"}, RootID: 100}

	plan := planRefresh(testBrokerID, local, remote)
	if len(plan.UpdateTrees) != 1 || plan.UpdateTrees[0].After.Title != "New" {
		t.Fatalf("unexpected tree updates %#v", plan.UpdateTrees)
	}
	if len(plan.DeleteTrees) != 1 || plan.DeleteTrees[0].RootID != 300 {
		t.Fatalf("unexpected tree deletions %#v", plan.DeleteTrees)
	}
	if len(plan.CreateDirectories) != 1 || plan.CreateDirectories[0].DirectoryID != 103 {
		t.Fatalf("unexpected directory creations %#v", plan.CreateDirectories)
	}
	if len(plan.UpdateDirectories) != 1 || plan.UpdateDirectories[0].After.Title != "A renamed" {
		t.Fatalf("unexpected directory updates %#v", plan.UpdateDirectories)
	}
	if len(plan.DeleteDirectories) != 1 || plan.DeleteDirectories[0].DirectoryID != 102 {
		t.Fatalf("unexpected directory deletions %#v", plan.DeleteDirectories)
	}
	if local.trees[100].Title != "Old" {
		t.Fatalf("planning must not mutate local state")
	}
}

func TestNormalizeLegacyResource(t *testing.T) {
	raw := []byte(`{"rootID":"200","directoryTreeTitle":"Legacy","id":"201","title":"Node","parent":{"id":"200"},"order":"3"}`)
	decoded, err := decodeResource(raw)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	normalized, err := normalize(9, decoded)
	if err != nil {
		t.Fatalf("normalize failed: %v", err)
	}
	if len(normalized.Nodes) != 1 {
		t.Fatalf("expected one node, got %d", len(normalized.Nodes))
	}
	got := normalized.Nodes[0]
	if got.ID != 201 || got.ParentID != 200 || got.Order != 3 || got.Title != "Node" {
		t.Fatalf("unexpected node %#v", got)
	}

	root, _ := decodeResource([]byte(`{"rootID":200,"id":200,"title":"Legacy root"}`))
	normalizedRoot, err := normalize(8, root)
	if err != nil || normalizedRoot.Nodes[0].ParentID != 0 || normalizedRoot.TreeTitle != "Legacy root" {
		t.Fatalf("unexpected root normalization %#v (%v)", normalizedRoot, err)
	}

	if _, err := normalize(1, remoteResource{}); err == nil {
		t.Fatalf("expected missing rootID error")
	}
}

func TestMapDirectoryOnceAndWithoutCycles(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.broker.PutResource(t, ecs.ResourceDirectoryTrees, 1, testCMS, treeResource(100, "Campus",
		child(101, 100, "Faculty", 1),
		child(102, 101, "Department", 1),
	))
	f.refresh(t)
	tree := f.treeByRoot(t, 100)
	root, _ := f.store.CreateCategory(ctx, 0, "Root", 1)
	if err := f.reconciler.MapCategory(ctx, tree.ID, root.ID); err != nil {
		t.Fatalf("map failed: %v", err)
	}
	if _, err := f.reconciler.CreateAllCategories(ctx, testBrokerID); err != nil {
		t.Fatalf("create categories failed: %v", err)
	}
	if err := f.reconciler.SetMode(ctx, tree.ID, ModeManual); err != nil {
		t.Fatalf("set manual failed: %v", err)
	}

	departmentCategory := f.directory(t, 102).CategoryID
	err := f.reconciler.MapDirectory(ctx, testBrokerID, 101, departmentCategory, false)
	if !errors.Is(err, ErrMappingCycle) {
		t.Fatalf("expected cycle rejection, got %v", err)
	}

	target, _ := f.store.CreateCategory(ctx, 0, "Target", 2)
	if err := f.reconciler.MapDirectory(ctx, testBrokerID, 101, target.ID, false); err != nil {
		t.Fatalf("map directory failed: %v", err)
	}
	department, _ := f.store.Category(ctx, departmentCategory)
	if department.ParentID != target.ID {
		t.Fatalf("expected automatic child to follow manual mapping, got parent %d", department.ParentID)
	}
	if err := f.reconciler.MapDirectory(ctx, testBrokerID, 101, root.ID, false); !errors.Is(err, ErrAlreadyMapped) {
		t.Fatalf("expected second mapping to be rejected, got %v", err)
	}
	status, _ := f.reconciler.NewPass(testBrokerID).Status(ctx, 101)
	if status != StatusMappedManual {
		t.Fatalf("expected mapped manual status, got %s", status)
	}
}

func TestManualPendingMappingCreatesChildCategory(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.broker.PutResource(t, ecs.ResourceDirectoryTrees, 1, testCMS, treeResource(100, "Campus",
		child(101, 100, "Faculty", 1),
		child(102, 101, "Department", 1),
	))
	f.refresh(t)
	tree := f.treeByRoot(t, 100)
	if err := f.reconciler.SetMode(ctx, tree.ID, ModeManual); err != nil {
		t.Fatalf("set manual failed: %v", err)
	}
	parent, _ := f.store.CreateCategory(ctx, 0, "Parent", 1)
	if err := f.reconciler.MapDirectory(ctx, testBrokerID, 101, parent.ID, true); err != nil {
		t.Fatalf("map directory failed: %v", err)
	}
	status, _ := f.reconciler.NewPass(testBrokerID).Status(ctx, 101)
	if status != StatusPendingManual {
		t.Fatalf("expected pending manual, got %s", status)
	}

	created, err := f.reconciler.CreateAllCategories(ctx, testBrokerID)
	if err != nil || created != 2 {
		t.Fatalf("expected faculty and department categories, got %d (%v)", created, err)
	}
	faculty := f.directory(t, 101)
	if faculty.MappingState != StateManual {
		t.Fatalf("expected committed manual mapping, got %s", faculty.MappingState)
	}
	category, _ := f.store.Category(ctx, faculty.CategoryID)
	if category.ParentID != parent.ID || category.Name != "Faculty" {
		t.Fatalf("unexpected faculty category %#v", category)
	}
}

func TestRefreshTakesOverTitles(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.broker.PutResource(t, ecs.ResourceDirectoryTrees, 1, testCMS, treeResource(100, "Campus", child(101, 100, "Faculty", 1)))
	f.refresh(t)
	tree := f.treeByRoot(t, 100)
	root, _ := f.store.CreateCategory(ctx, 0, "Root", 1)
	_ = f.reconciler.MapCategory(ctx, tree.ID, root.ID)
	if _, err := f.reconciler.CreateAllCategories(ctx, testBrokerID); err != nil {
		t.Fatalf("create categories failed: %v", err)
	}

	f.broker.PutResource(t, ecs.ResourceDirectoryTrees, 1, testCMS, treeResource(100, "Campus", child(101, 100, "Faculty of Science", 4)))
	f.refresh(t)
	category, _ := f.store.Category(ctx, f.directory(t, 101).CategoryID)
	if category.Name != "Faculty of Science" || category.SortOrder != 4 {
		t.Fatalf("expected takeover of title and position, got %#v", category)
	}

	if err := f.reconciler.SetTakeover(ctx, tree.ID, false, false, true); err != nil {
		t.Fatalf("set takeover failed: %v", err)
	}
	f.broker.PutResource(t, ecs.ResourceDirectoryTrees, 1, testCMS, treeResource(100, "Campus", child(101, 100, "Renamed again", 4)))
	f.refresh(t)
	category, _ = f.store.Category(ctx, f.directory(t, 101).CategoryID)
	if category.Name != "Faculty of Science" {
		t.Fatalf("expected title to stay without takeover, got %q", category.Name)
	}
}

func TestHandleEventSkipsForeignSenders(t *testing.T) {
	f := newFixture(t)
	f.broker.PutResource(t, ecs.ResourceDirectoryTrees, 5, 99, treeResource(500, "Foreign"))

	outcome, err := f.reconciler.HandleEvent(context.Background(), f.conn, ecs.Event{
		ResourceType: string(ecs.ResourceDirectoryTrees), ResourceID: 5, Status: ecs.StatusCreated,
	})
	if err != nil || outcome != reconcile.Skipped {
		t.Fatalf("expected skipped event, got %s (%v)", outcome, err)
	}
	trees, _ := f.reconciler.Trees(context.Background(), testBrokerID)
	if len(trees) != 0 {
		t.Fatalf("expected no trees from foreign sender, got %d", len(trees))
	}
}

func TestHandleEventAppliesCreateAndDestroy(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.broker.PutResource(t, ecs.ResourceDirectoryTrees, 5, testCMS, treeResource(500, "Campus", child(501, 500, "A", 1)))

	created := ecs.Event{ResourceType: string(ecs.ResourceDirectoryTrees), ResourceID: 5, Status: ecs.StatusCreated}
	if outcome, err := f.reconciler.HandleEvent(ctx, f.conn, created); err != nil || outcome != reconcile.Applied {
		t.Fatalf("expected applied create, got %s (%v)", outcome, err)
	}
	if tree := f.treeByRoot(t, 500); tree.Title != "Campus" {
		t.Fatalf("unexpected tree %#v", tree)
	}

	f.broker.RemoveResource(ecs.ResourceDirectoryTrees, 5)
	destroyed := ecs.Event{ResourceType: string(ecs.ResourceDirectoryTrees), ResourceID: 5, Status: ecs.StatusDestroyed}
	if outcome, err := f.reconciler.HandleEvent(ctx, f.conn, destroyed); err != nil || outcome != reconcile.Applied {
		t.Fatalf("expected applied destroy, got %s (%v)", outcome, err)
	}
	if tree := f.treeByRoot(t, 500); tree.Mode != ModeDeleted {
		t.Fatalf("expected tree deleted, got %s", tree.Mode)
	}
	if directory := f.directory(t, 501); directory.MappingState != StateDeleted {
		t.Fatalf("expected directory deleted, got %s", directory.MappingState)
	}
}

func TestCategoryForDirectoryDefersUntilMapped(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.broker.PutResource(t, ecs.ResourceDirectoryTrees, 1, testCMS, treeResource(100, "Campus", child(101, 100, "Faculty", 1)))
	f.refresh(t)

	placement, err := f.reconciler.CategoryForDirectory(ctx, f.reconciler.NewPass(testBrokerID), 101)
	if err != nil || placement.CategoryID != 0 {
		t.Fatalf("expected unresolved placement, got %#v (%v)", placement, err)
	}
	unknown, err := f.reconciler.CategoryForDirectory(ctx, f.reconciler.NewPass(testBrokerID), 999)
	if err != nil || unknown.CategoryID != 0 {
		t.Fatalf("expected unknown directory to resolve to nothing, got %#v (%v)", unknown, err)
	}

	root, _ := f.store.CreateCategory(ctx, 0, "Root", 1)
	_ = f.reconciler.MapCategory(ctx, f.treeByRoot(t, 100).ID, root.ID)
	placement, err = f.reconciler.CategoryForDirectory(ctx, f.reconciler.NewPass(testBrokerID), 101)
	if err != nil || placement.CategoryID == 0 || !placement.TakeoverAllocation {
		t.Fatalf("expected created category, got %#v (%v)", placement, err)
	}
}
