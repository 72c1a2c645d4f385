package directory

import (
	"context"
	"encoding/json"
	"errors"
	"sort"

	"github.com/MarcoPoloResearchLab/campussync/internal/ecs"
	"github.com/MarcoPoloResearchLab/campussync/internal/lms"
	"github.com/MarcoPoloResearchLab/campussync/internal/reconcile"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var tracer = otel.Tracer("campussync/directory")

type remoteTree struct {
	RootID     int64
	ResourceID int64
	Title      string
	OwnerMID   int64
}

type remoteDirectory struct {
	node
	RootID     int64
	ResourceID int64
}

// remoteState is the current full remote picture, keyed by remote ids.
type remoteState struct {
	trees       map[int64]remoteTree
	directories map[int64]remoteDirectory
}

func newRemoteState() remoteState {
	return remoteState{trees: make(map[int64]remoteTree), directories: make(map[int64]remoteDirectory)}
}

func (s remoteState) add(resource normalizedResource, ownerMID int64) {
	for _, n := range resource.Nodes {
		if n.ID == resource.RootID {
			s.trees[n.ID] = remoteTree{RootID: n.ID, ResourceID: resource.ResourceID, Title: resource.TreeTitle, OwnerMID: ownerMID}
			continue
		}
		s.directories[n.ID] = remoteDirectory{node: n, RootID: resource.RootID, ResourceID: resource.ResourceID}
	}
}

// localState is the persisted picture the plan is computed against.
type localState struct {
	trees       map[int64]Tree
	directories map[int64]Directory
}

type treeChange struct {
	Before      Tree
	After       Tree
	Resurrected bool
}

type directoryChange struct {
	Before      Directory
	After       Directory
	Resurrected bool
}

// refreshPlan is the diff between local and remote state.
type refreshPlan struct {
	CreateTrees       []Tree
	UpdateTrees       []treeChange
	DeleteTrees       []Tree
	CreateDirectories []Directory
	UpdateDirectories []directoryChange
	DeleteDirectories []Directory
}

func (p refreshPlan) empty() bool {
	return len(p.CreateTrees)+len(p.UpdateTrees)+len(p.DeleteTrees)+
		len(p.CreateDirectories)+len(p.UpdateDirectories)+len(p.DeleteDirectories) == 0
}

// RefreshResult summarizes an applied refresh.
type RefreshResult struct {
	TreesCreated       int
	TreesUpdated       int
	TreesDeleted       int
	DirectoriesCreated int
	DirectoriesUpdated int
	DirectoriesDeleted int
}

func sortedKeys[V any](values map[int64]V) []int64 {
	keys := make([]int64, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

// planRefresh computes what has to be created, updated and deleted so local
// state matches remote. Local entries absent remotely are deleted; deleted
// local entries seen again are resurrected.
func planRefresh(brokerID int64, local localState, remote remoteState) refreshPlan {
	var plan refreshPlan

	for _, rootID := range sortedKeys(remote.trees) {
		incoming := remote.trees[rootID]
		existing, ok := local.trees[rootID]
		if !ok {
			plan.CreateTrees = append(plan.CreateTrees, newTree(brokerID, incoming.ResourceID, rootID, incoming.Title, incoming.OwnerMID))
			continue
		}
		after := existing
		after.Title = incoming.Title
		after.ResourceID = incoming.ResourceID
		if incoming.OwnerMID != 0 {
			after.OwnerMID = incoming.OwnerMID
		}
		resurrected := existing.Mode == ModeDeleted
		if resurrected {
			after.Mode = ModePending
			if existing.CategoryID != 0 {
				after.Mode = ModeWhole
			}
		}
		if resurrected || after != existing {
			plan.UpdateTrees = append(plan.UpdateTrees, treeChange{Before: existing, After: after, Resurrected: resurrected})
		}
	}
	for _, rootID := range sortedKeys(local.trees) {
		existing := local.trees[rootID]
		if _, ok := remote.trees[rootID]; !ok && existing.Mode != ModeDeleted {
			plan.DeleteTrees = append(plan.DeleteTrees, existing)
		}
	}

	for _, directoryID := range sortedKeys(remote.directories) {
		incoming := remote.directories[directoryID]
		existing, ok := local.directories[directoryID]
		if !ok {
			plan.CreateDirectories = append(plan.CreateDirectories, Directory{
				BrokerID:     brokerID,
				DirectoryID:  directoryID,
				RootID:       incoming.RootID,
				ParentID:     incoming.ParentID,
				ResourceID:   incoming.ResourceID,
				Title:        incoming.Title,
				SortOrder:    incoming.Order,
				MappingState: StateAutomatic,
			})
			continue
		}
		after := existing
		after.RootID = incoming.RootID
		after.ParentID = incoming.ParentID
		after.ResourceID = incoming.ResourceID
		after.Title = incoming.Title
		after.SortOrder = incoming.Order
		resurrected := existing.MappingState == StateDeleted
		if resurrected {
			after.MappingState = StateAutomatic
		}
		if resurrected || after != existing {
			plan.UpdateDirectories = append(plan.UpdateDirectories, directoryChange{Before: existing, After: after, Resurrected: resurrected})
		}
	}
	for _, directoryID := range sortedKeys(local.directories) {
		existing := local.directories[directoryID]
		if _, ok := remote.directories[directoryID]; !ok && existing.MappingState != StateDeleted {
			plan.DeleteDirectories = append(plan.DeleteDirectories, existing)
		}
	}
	return plan
}

func (r *Reconciler) loadLocal(ctx context.Context, brokerID int64, scope func(resourceID, remoteID int64) bool) (localState, error) {
	var trees []Tree
	if err := r.db.WithContext(ctx).Where("broker_id = ?", brokerID).Find(&trees).Error; err != nil {
		return localState{}, err
	}
	var directories []Directory
	if err := r.db.WithContext(ctx).Where("broker_id = ?", brokerID).Find(&directories).Error; err != nil {
		return localState{}, err
	}
	state := localState{trees: make(map[int64]Tree), directories: make(map[int64]Directory)}
	for _, tree := range trees {
		if scope == nil || scope(tree.ResourceID, tree.RootID) {
			state.trees[tree.RootID] = tree
		}
	}
	for _, directory := range directories {
		if scope == nil || scope(directory.ResourceID, directory.DirectoryID) {
			state.directories[directory.DirectoryID] = directory
		}
	}
	return state, nil
}

// applyPlan writes the plan in one transaction, then applies the takeover
// rules to the categories of changed directories.
func (r *Reconciler) applyPlan(ctx context.Context, brokerID int64, plan refreshPlan) (RefreshResult, error) {
	result := RefreshResult{
		TreesCreated:       len(plan.CreateTrees),
		TreesUpdated:       len(plan.UpdateTrees),
		TreesDeleted:       len(plan.DeleteTrees),
		DirectoriesCreated: len(plan.CreateDirectories),
		DirectoriesUpdated: len(plan.UpdateDirectories),
		DirectoriesDeleted: len(plan.DeleteDirectories),
	}
	if plan.empty() {
		return result, nil
	}
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for index := range plan.CreateTrees {
			if err := tx.Create(&plan.CreateTrees[index]).Error; err != nil {
				return err
			}
		}
		for _, change := range plan.UpdateTrees {
			if err := tx.Save(&change.After).Error; err != nil {
				return err
			}
			if change.Resurrected {
				r.logger.Warn("deleted directory tree seen again, resurrecting",
					zap.Int64("broker_id", brokerID), zap.Int64("root_id", change.After.RootID))
			}
		}
		for _, tree := range plan.DeleteTrees {
			if err := deleteTree(tx, tree); err != nil {
				return err
			}
		}
		for index := range plan.CreateDirectories {
			if err := tx.Create(&plan.CreateDirectories[index]).Error; err != nil {
				return err
			}
		}
		for _, change := range plan.UpdateDirectories {
			if err := tx.Save(&change.After).Error; err != nil {
				return err
			}
			if change.Resurrected {
				r.logger.Warn("deleted directory seen again, resurrecting",
					zap.Int64("broker_id", brokerID), zap.Int64("directory_id", change.After.DirectoryID))
			}
		}
		for _, directory := range plan.DeleteDirectories {
			if err := tx.Model(&Directory{}).Where("id = ?", directory.ID).Update("mapping_state", StateDeleted).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return RefreshResult{}, r.fail(opRefresh, "apply_failed", reconcile.KindInternal, err, zap.Int64("broker_id", brokerID))
	}
	if err := r.applyTakeover(ctx, brokerID, plan.UpdateDirectories); err != nil {
		return result, err
	}
	return result, nil
}

// applyTakeover renames and moves automatically created categories when the
// owning tree takes over remote titles and positions.
func (r *Reconciler) applyTakeover(ctx context.Context, brokerID int64, changes []directoryChange) error {
	if len(changes) == 0 {
		return nil
	}
	pass := r.NewPass(brokerID)
	for _, change := range changes {
		after := change.After
		if after.MappingState != StateAutomatic || after.CategoryID == 0 {
			continue
		}
		tree, err := pass.tree(ctx, after.RootID)
		if errors.Is(err, ErrUnknownDirectory) {
			continue
		}
		if err != nil {
			return r.fail(opTakeover, "load_failed", reconcile.KindInternal, err)
		}
		if tree.TakeoverTitle && change.Before.Title != after.Title {
			if err := r.store.RenameCategory(ctx, after.CategoryID, after.Title); err != nil && !errors.Is(err, lms.ErrNotFound) {
				return r.fail(opTakeover, "rename_failed", reconcile.KindInternal, err)
			}
		}
		if !tree.TakeoverPosition {
			continue
		}
		if change.Before.ParentID != after.ParentID {
			parentCategory := tree.CategoryID
			if after.ParentID != after.RootID {
				parentCategory = 0
				if parent, err := pass.directory(ctx, after.ParentID); err == nil {
					parentCategory = parent.CategoryID
				}
			}
			if parentCategory != 0 {
				if err := r.store.MoveCategory(ctx, after.CategoryID, parentCategory); err != nil && !errors.Is(err, lms.ErrNotFound) {
					return r.fail(opTakeover, "move_failed", reconcile.KindInternal, err)
				}
			}
		}
		if change.Before.SortOrder != after.SortOrder {
			if err := r.store.SetCategorySortOrder(ctx, after.CategoryID, after.SortOrder); err != nil && !errors.Is(err, lms.ErrNotFound) {
				return r.fail(opTakeover, "reorder_failed", reconcile.KindInternal, err)
			}
		}
	}
	return nil
}

// fetchResource loads one directory_trees resource. ok is false when the
// resource is gone.
func fetchResource(ctx context.Context, conn ecs.Connection, resourceID int64) (normalizedResource, ecs.Resource, bool, error) {
	var raw json.RawMessage
	resource, err := conn.Client.GetResource(ctx, ecs.ResourceDirectoryTrees, resourceID, &raw)
	if errors.Is(err, ecs.ErrNotFound) {
		return normalizedResource{}, ecs.Resource{}, false, nil
	}
	if err != nil {
		return normalizedResource{}, ecs.Resource{}, false, err
	}
	decoded, err := decodeResource(raw)
	if err != nil {
		return normalizedResource{}, resource, false, reconcile.NewError(opRefresh, "decode_failed", reconcile.KindValidation, err)
	}
	normalized, err := normalize(resourceID, decoded)
	if err != nil {
		return normalizedResource{}, resource, false, reconcile.NewError(opRefresh, "normalize_failed", reconcile.KindValidation, err)
	}
	return normalized, resource, true, nil
}

// RefreshFromECS reconciles every directory tree of a connection against the
// full remote resource list. A transport failure aborts before anything is
// written so a partial listing never deletes local trees.
func (r *Reconciler) RefreshFromECS(ctx context.Context, conn ecs.Connection) (RefreshResult, error) {
	ctx, span := tracer.Start(ctx, "directory.RefreshFromECS")
	defer span.End()
	brokerID := conn.BrokerID()

	resourceIDs, err := conn.Client.ListResources(ctx, ecs.ResourceDirectoryTrees)
	if err != nil {
		span.RecordError(err)
		return RefreshResult{}, err
	}
	remote := newRemoteState()
	for _, resourceID := range resourceIDs {
		normalized, resource, ok, err := fetchResource(ctx, conn, resourceID)
		if err != nil && reconcile.KindOf(err) != reconcile.KindValidation {
			span.RecordError(err)
			return RefreshResult{}, err
		}
		if err != nil {
			r.logger.Warn("skipping undecodable directory resource", zap.Int64("resource_id", resourceID), zap.Error(err))
			continue
		}
		if !ok {
			continue
		}
		if !conn.FromCMS(resource) {
			r.logger.Warn("skipping directory resource from non-CMS sender",
				zap.Int64("resource_id", resourceID), zap.Int64s("senders", resource.SenderMIDs))
			continue
		}
		remote.add(normalized, conn.CMSParticipantID)
	}

	local, err := r.loadLocal(ctx, brokerID, nil)
	if err != nil {
		return RefreshResult{}, r.fail(opRefresh, "load_failed", reconcile.KindInternal, err)
	}
	result, err := r.applyPlan(ctx, brokerID, planRefresh(brokerID, local, remote))
	if err != nil {
		span.RecordError(err)
		return RefreshResult{}, err
	}
	r.logger.Info("directory trees refreshed",
		zap.Int64("broker_id", brokerID),
		zap.Int("trees_created", result.TreesCreated),
		zap.Int("trees_deleted", result.TreesDeleted),
		zap.Int("directories_created", result.DirectoriesCreated),
		zap.Int("directories_updated", result.DirectoriesUpdated),
		zap.Int("directories_deleted", result.DirectoriesDeleted))
	return result, nil
}

// HandleEvent applies one directory_trees event.
func (r *Reconciler) HandleEvent(ctx context.Context, conn ecs.Connection, event ecs.Event) (reconcile.Outcome, error) {
	ctx, span := tracer.Start(ctx, "directory.HandleEvent")
	defer span.End()
	brokerID := conn.BrokerID()
	fields := []zap.Field{zap.Int64("broker_id", brokerID), zap.Int64("resource_id", event.ResourceID)}

	if !conn.ImportDirectories {
		r.logger.Debug("directory import disabled, consuming event", fields...)
		return reconcile.Skipped, nil
	}

	remote := newRemoteState()
	if event.Status != ecs.StatusDestroyed {
		normalized, resource, ok, err := fetchResource(ctx, conn, event.ResourceID)
		if reconcile.KindOf(err) == reconcile.KindValidation {
			r.logger.Warn("skipping undecodable directory resource", append(fields, zap.Error(err))...)
			return reconcile.Skipped, nil
		}
		if err != nil {
			span.RecordError(err)
			return reconcile.Deferred, err
		}
		if ok {
			if !conn.FromCMS(resource) {
				r.logger.Warn("skipping directory event from non-CMS sender", append(fields, zap.Int64s("senders", resource.SenderMIDs))...)
				return reconcile.Skipped, nil
			}
			remote.add(normalized, conn.CMSParticipantID)
		}
	}

	local, err := r.loadLocal(ctx, brokerID, func(resourceID, remoteID int64) bool {
		if resourceID == event.ResourceID {
			return true
		}
		if _, ok := remote.trees[remoteID]; ok {
			return true
		}
		_, ok := remote.directories[remoteID]
		return ok
	})
	if err != nil {
		return reconcile.Deferred, r.fail(opHandleEvent, "load_failed", reconcile.KindInternal, err, fields...)
	}
	if _, err := r.applyPlan(ctx, brokerID, planRefresh(brokerID, local, remote)); err != nil {
		span.RecordError(err)
		return reconcile.Deferred, err
	}
	return reconcile.Applied, nil
}
