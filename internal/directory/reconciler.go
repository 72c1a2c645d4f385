// Package directory maintains the forest of remote directory trees and maps it
// onto the local category tree.
package directory

import (
	"context"
	"errors"
	"sort"

	"github.com/MarcoPoloResearchLab/campussync/internal/lms"
	"github.com/MarcoPoloResearchLab/campussync/internal/reconcile"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	ErrUnknownDirectory  = errors.New("directory: unknown directory")
	ErrInvalidMode       = errors.New("directory: invalid mode")
	ErrInvalidTransition = errors.New("directory: invalid mode transition")
	ErrAlreadyMapped     = errors.New("directory: directory already mapped")
	ErrMappingCycle      = errors.New("directory: mapping would create a cycle")
	ErrTreeDeleted       = errors.New("directory: tree is deleted")
	ErrMissingCategory   = errors.New("directory: category does not exist")
	errMissingDatabase   = errors.New("database handle is required")
	errMissingStore      = errors.New("lms store is required")
	noOpLogger           = zap.NewNop()
)

const (
	opNew            = "directory.new"
	opCreate         = "directory.create_tree"
	opMapCategory    = "directory.map_category"
	opSetMode        = "directory.set_mode"
	opDelete         = "directory.delete"
	opMapDirectory   = "directory.map_directory"
	opCreateCategory = "directory.create_category"
	opCreateAll      = "directory.create_all_categories"
	opPlacement      = "directory.category_for_directory"
	opRefresh        = "directory.refresh"
	opHandleEvent    = "directory.handle_event"
	opTakeover       = "directory.takeover"
)

type Config struct {
	Database *gorm.DB
	Store    *lms.Store
	Logger   *zap.Logger
}

// Reconciler owns Tree and Directory rows and the categories created for them.
type Reconciler struct {
	db     *gorm.DB
	store  *lms.Store
	logger *zap.Logger
}

func NewReconciler(cfg Config) (*Reconciler, error) {
	if cfg.Database == nil {
		return nil, reconcile.Internal(opNew, "missing_database", errMissingDatabase)
	}
	if cfg.Store == nil {
		return nil, reconcile.Internal(opNew, "missing_store", errMissingStore)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Reconciler{db: cfg.Database, store: cfg.Store, logger: logger}, nil
}

// Create inserts a new tree in pending mode without a category.
func (r *Reconciler) Create(ctx context.Context, brokerID, resourceID, rootID int64, title string, ownerMID int64) (Tree, error) {
	tree := newTree(brokerID, resourceID, rootID, title, ownerMID)
	if err := r.db.WithContext(ctx).Create(&tree).Error; err != nil {
		return Tree{}, r.fail(opCreate, "insert_failed", reconcile.KindInternal, err, zap.Int64("root_id", rootID))
	}
	return tree, nil
}

func newTree(brokerID, resourceID, rootID int64, title string, ownerMID int64) Tree {
	return Tree{
		BrokerID:           brokerID,
		RootID:             rootID,
		ResourceID:         resourceID,
		Title:              title,
		OwnerMID:           ownerMID,
		Mode:               ModePending,
		TakeoverTitle:      true,
		TakeoverPosition:   true,
		TakeoverAllocation: true,
	}
}

// Tree loads a tree by its local id.
func (r *Reconciler) Tree(ctx context.Context, treeID int64) (Tree, error) {
	var tree Tree
	err := r.db.WithContext(ctx).Where("id = ?", treeID).Take(&tree).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Tree{}, reconcile.NewError("directory.tree", "not_found", reconcile.KindValidation, ErrUnknownDirectory)
	}
	if err != nil {
		return Tree{}, reconcile.Internal("directory.tree", "select_failed", err)
	}
	return tree, nil
}

// Trees lists the trees of a broker, or of every broker when brokerID is 0.
func (r *Reconciler) Trees(ctx context.Context, brokerID int64) ([]Tree, error) {
	query := r.db.WithContext(ctx).Order("broker_id ASC, root_id ASC")
	if brokerID != 0 {
		query = query.Where("broker_id = ?", brokerID)
	}
	var trees []Tree
	if err := query.Find(&trees).Error; err != nil {
		return nil, reconcile.Internal("directory.trees", "select_failed", err)
	}
	return trees, nil
}

// Directories lists the directories of one tree ordered for display.
func (r *Reconciler) Directories(ctx context.Context, brokerID, rootID int64) ([]Directory, error) {
	var directories []Directory
	err := r.db.WithContext(ctx).
		Where("broker_id = ? AND root_id = ?", brokerID, rootID).
		Order("sort_order ASC, directory_id ASC").
		Find(&directories).Error
	if err != nil {
		return nil, reconcile.Internal("directory.directories", "select_failed", err)
	}
	return directories, nil
}

// MapCategory maps a tree root onto a category. A first mapping of a pending
// tree switches it to whole mode; a remap moves the automatically created
// top-level categories to the new parent.
func (r *Reconciler) MapCategory(ctx context.Context, treeID, categoryID int64) error {
	exists, err := r.store.CategoryExists(ctx, categoryID)
	if err != nil {
		return r.fail(opMapCategory, "category_lookup_failed", reconcile.KindInternal, err)
	}
	if !exists {
		return r.fail(opMapCategory, "missing_category", reconcile.KindValidation, ErrMissingCategory, zap.Int64("category_id", categoryID))
	}

	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var tree Tree
		if err := tx.Where("id = ?", treeID).Take(&tree).Error; err != nil {
			return r.fail(opMapCategory, "tree_not_found", reconcile.KindValidation, err, zap.Int64("tree_id", treeID))
		}
		if tree.Mode == ModeDeleted {
			return r.fail(opMapCategory, "tree_deleted", reconcile.KindValidation, ErrTreeDeleted, zap.Int64("tree_id", treeID))
		}
		if tree.CategoryID == categoryID {
			return nil
		}

		previous := tree.CategoryID
		updates := map[string]any{"category_id": categoryID}
		if previous == 0 && tree.Mode == ModePending {
			updates["mode"] = ModeWhole
		}
		if err := tx.Model(&Tree{}).Where("id = ?", tree.ID).Updates(updates).Error; err != nil {
			return r.fail(opMapCategory, "update_failed", reconcile.KindInternal, err)
		}
		if previous == 0 {
			return nil
		}

		var topLevel []Directory
		err := tx.Where("broker_id = ? AND root_id = ? AND parent_id = ? AND mapping_state = ? AND category_id <> 0",
			tree.BrokerID, tree.RootID, tree.RootID, StateAutomatic).
			Find(&topLevel).Error
		if err != nil {
			return r.fail(opMapCategory, "select_children_failed", reconcile.KindInternal, err)
		}
		store := r.store.Tx(tx)
		for _, directory := range topLevel {
			if err := store.MoveCategory(ctx, directory.CategoryID, categoryID); err != nil && !errors.Is(err, lms.ErrNotFound) {
				return r.fail(opMapCategory, "move_failed", reconcile.KindInternal, err, zap.Int64("directory_id", directory.DirectoryID))
			}
		}
		r.logger.Info("directory tree remapped",
			zap.Int64("tree_id", tree.ID),
			zap.Int64("previous_category_id", previous),
			zap.Int64("category_id", categoryID),
			zap.Int("moved", len(topLevel)))
		return nil
	})
}

// SetMode applies a mode transition. Illegal transitions are invariant
// violations and are never corrected silently.
func (r *Reconciler) SetMode(ctx context.Context, treeID int64, mode Mode) error {
	if _, err := ParseMode(string(mode)); err != nil {
		return r.fail(opSetMode, "invalid_mode", reconcile.KindValidation, err)
	}
	if mode == ModeDeleted {
		return r.Delete(ctx, treeID)
	}
	tree, err := r.Tree(ctx, treeID)
	if err != nil {
		return err
	}
	if !canTransition(tree.Mode, mode) {
		return r.fail(opSetMode, "invalid_transition", reconcile.KindInvariant, ErrInvalidTransition,
			zap.Int64("tree_id", treeID), zap.String("from", string(tree.Mode)), zap.String("to", string(mode)))
	}
	if tree.Mode == mode {
		return nil
	}
	if err := r.db.WithContext(ctx).Model(&Tree{}).Where("id = ?", treeID).Update("mode", mode).Error; err != nil {
		return r.fail(opSetMode, "update_failed", reconcile.KindInternal, err)
	}
	return nil
}

// SetTakeover stores which remote changes are applied to created categories and courses.
func (r *Reconciler) SetTakeover(ctx context.Context, treeID int64, title, position, allocation bool) error {
	result := r.db.WithContext(ctx).Model(&Tree{}).Where("id = ?", treeID).Updates(map[string]any{
		"takeover_title":      title,
		"takeover_position":   position,
		"takeover_allocation": allocation,
	})
	if result.Error != nil {
		return r.fail(opTakeover, "update_failed", reconcile.KindInternal, result.Error)
	}
	if result.RowsAffected == 0 {
		return r.fail(opTakeover, "tree_not_found", reconcile.KindValidation, ErrUnknownDirectory)
	}
	return nil
}

// Delete marks a tree and all its directories deleted. Categories and courses stay.
func (r *Reconciler) Delete(ctx context.Context, treeID int64) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var tree Tree
		if err := tx.Where("id = ?", treeID).Take(&tree).Error; err != nil {
			return r.fail(opDelete, "tree_not_found", reconcile.KindValidation, err, zap.Int64("tree_id", treeID))
		}
		return deleteTree(tx, tree)
	})
}

func deleteTree(tx *gorm.DB, tree Tree) error {
	if err := tx.Model(&Tree{}).Where("id = ?", tree.ID).Update("mode", ModeDeleted).Error; err != nil {
		return reconcile.Internal(opDelete, "update_failed", err)
	}
	err := tx.Model(&Directory{}).
		Where("broker_id = ? AND root_id = ?", tree.BrokerID, tree.RootID).
		Update("mapping_state", StateDeleted).Error
	if err != nil {
		return reconcile.Internal(opDelete, "directories_update_failed", err)
	}
	return nil
}

// MapDirectory maps one directory of a manual tree. With createChild the
// directory gets a new category below categoryID on the next category pass;
// otherwise it is mapped onto categoryID itself. A directory maps only once,
// and a target inside the categories of its own subtree is rejected.
func (r *Reconciler) MapDirectory(ctx context.Context, brokerID, directoryID, categoryID int64, createChild bool) error {
	exists, err := r.store.CategoryExists(ctx, categoryID)
	if err != nil {
		return r.fail(opMapDirectory, "category_lookup_failed", reconcile.KindInternal, err)
	}
	if !exists {
		return r.fail(opMapDirectory, "missing_category", reconcile.KindValidation, ErrMissingCategory, zap.Int64("category_id", categoryID))
	}
	pass := r.NewPass(brokerID)
	directory, err := pass.directory(ctx, directoryID)
	if err != nil {
		return r.fail(opMapDirectory, "unknown_directory", reconcile.KindValidation, err)
	}
	tree, err := pass.tree(ctx, directory.RootID)
	if err != nil {
		return r.fail(opMapDirectory, "unknown_tree", reconcile.KindValidation, err)
	}
	if tree.Mode != ModeManual {
		return r.fail(opMapDirectory, "tree_not_manual", reconcile.KindValidation, ErrInvalidMode, zap.String("mode", string(tree.Mode)))
	}
	switch directory.MappingState {
	case StateManual, StateManualPending:
		return r.fail(opMapDirectory, "already_mapped", reconcile.KindValidation, ErrAlreadyMapped, zap.Int64("directory_id", directoryID))
	case StateDeleted:
		return r.fail(opMapDirectory, "deleted", reconcile.KindValidation, ErrUnknownDirectory, zap.Int64("directory_id", directoryID))
	}
	for _, member := range pass.subtree(directoryID) {
		if member.CategoryID == 0 {
			continue
		}
		inside, err := r.store.IsDescendant(ctx, categoryID, member.CategoryID)
		if err != nil {
			return r.fail(opMapDirectory, "ancestry_failed", reconcile.KindInternal, err)
		}
		if inside {
			return r.fail(opMapDirectory, "cycle", reconcile.KindValidation, ErrMappingCycle,
				zap.Int64("directory_id", directoryID), zap.Int64("category_id", categoryID))
		}
	}

	state := StateManual
	if createChild {
		state = StateManualPending
	}
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Model(&Directory{}).Where("id = ?", directory.ID).
			Updates(map[string]any{"mapping_state": state, "category_id": categoryID}).Error
		if err != nil {
			return r.fail(opMapDirectory, "update_failed", reconcile.KindInternal, err)
		}
		if state == StateManual {
			return r.moveAutomaticChildren(ctx, tx, pass, directoryID, categoryID)
		}
		return nil
	})
}

// subtree returns the directory and all its loaded descendants.
func (p *Pass) subtree(directoryID int64) []*Directory {
	children := make(map[int64][]*Directory)
	for _, directory := range p.directories {
		children[directory.ParentID] = append(children[directory.ParentID], directory)
	}
	root, ok := p.directories[directoryID]
	if !ok {
		return nil
	}
	result := []*Directory{root}
	seen := map[int64]struct{}{directoryID: {}}
	for index := 0; index < len(result); index++ {
		for _, child := range children[result[index].DirectoryID] {
			if _, dup := seen[child.DirectoryID]; dup {
				continue
			}
			seen[child.DirectoryID] = struct{}{}
			result = append(result, child)
		}
	}
	return result
}

func (r *Reconciler) moveAutomaticChildren(ctx context.Context, tx *gorm.DB, pass *Pass, parentID, categoryID int64) error {
	store := r.store.Tx(tx)
	for _, directory := range pass.directories {
		if directory.ParentID != parentID || directory.MappingState != StateAutomatic || directory.CategoryID == 0 {
			continue
		}
		if err := store.MoveCategory(ctx, directory.CategoryID, categoryID); err != nil && !errors.Is(err, lms.ErrNotFound) {
			return r.fail(opMapDirectory, "move_children_failed", reconcile.KindInternal, err)
		}
	}
	return nil
}

// CreateCategory returns the category of a directory, creating it and any
// missing ancestors top-down. It returns 0 while the directory is not yet
// creatable because no ancestor is mapped.
func (r *Reconciler) CreateCategory(ctx context.Context, pass *Pass, directoryID int64) (int64, error) {
	status, err := pass.Status(ctx, directoryID)
	if err != nil {
		return 0, err
	}
	directory, err := pass.directory(ctx, directoryID)
	if err != nil {
		return 0, err
	}

	switch status {
	case StatusDeleted, StatusPendingUnmapped:
		return 0, nil
	case StatusMappedManual:
		return directory.CategoryID, nil
	case StatusMappedAutomatic:
		exists, err := r.store.CategoryExists(ctx, directory.CategoryID)
		if err != nil {
			return 0, r.fail(opCreateCategory, "category_lookup_failed", reconcile.KindInternal, err)
		}
		if exists {
			return directory.CategoryID, nil
		}
		r.logger.Warn("category of directory vanished, recreating",
			zap.Int64("directory_id", directoryID), zap.Int64("category_id", directory.CategoryID))
	}

	var parentCategory int64
	if status == StatusPendingManual {
		parentCategory = directory.CategoryID
	} else if directory.ParentID == directory.RootID || directory.ParentID == 0 {
		tree, err := pass.tree(ctx, directory.RootID)
		if err != nil {
			return 0, err
		}
		parentCategory = tree.CategoryID
	} else {
		parentCategory, err = r.CreateCategory(ctx, pass, directory.ParentID)
		if err != nil {
			return 0, err
		}
	}
	if parentCategory == 0 {
		return 0, nil
	}

	state := StateAutomatic
	if status == StatusPendingManual {
		state = StateManual
	}
	var created lms.Category
	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var createErr error
		created, createErr = r.store.Tx(tx).CreateCategory(ctx, parentCategory, directory.Title, directory.SortOrder)
		if createErr != nil {
			return createErr
		}
		return tx.Model(&Directory{}).Where("id = ?", directory.ID).
			Updates(map[string]any{"category_id": created.ID, "mapping_state": state}).Error
	})
	if err != nil {
		return 0, r.fail(opCreateCategory, "create_failed", reconcile.KindInternal, err, zap.Int64("directory_id", directoryID))
	}
	directory.CategoryID = created.ID
	directory.MappingState = state
	if state == StateManual {
		pass.status[directoryID] = StatusMappedManual
	} else {
		pass.status[directoryID] = StatusMappedAutomatic
	}
	r.logger.Debug("category created for directory",
		zap.Int64("directory_id", directoryID), zap.Int64("category_id", created.ID))
	return created.ID, nil
}

// CreateAllCategories creates every creatable category of a broker's mapped
// trees, including the subtrees of manual mappings. It returns how many
// categories were created.
func (r *Reconciler) CreateAllCategories(ctx context.Context, brokerID int64) (int, error) {
	pass := r.NewPass(brokerID)
	if err := pass.load(ctx); err != nil {
		return 0, r.fail(opCreateAll, "load_failed", reconcile.KindInternal, err)
	}
	ordered := make([]*Directory, 0, len(pass.directories))
	for _, directory := range pass.directories {
		ordered = append(ordered, directory)
	}
	sort.Slice(ordered, func(i, j int) bool {
		if ordered[i].SortOrder != ordered[j].SortOrder {
			return ordered[i].SortOrder < ordered[j].SortOrder
		}
		return ordered[i].DirectoryID < ordered[j].DirectoryID
	})

	created := 0
	for _, directory := range ordered {
		tree, ok := pass.trees[directory.RootID]
		if !ok || tree.Mode == ModeDeleted || tree.Mode == ModePending {
			continue
		}
		status, err := pass.Status(ctx, directory.DirectoryID)
		if err != nil {
			return created, r.fail(opCreateAll, "status_failed", reconcile.KindInternal, err)
		}
		if status != StatusPendingAutomatic && status != StatusPendingManual {
			continue
		}
		categoryID, err := r.CreateCategory(ctx, pass, directory.DirectoryID)
		if err != nil {
			return created, err
		}
		if categoryID != 0 {
			created++
		}
	}
	return created, nil
}

// CategoryForDirectory resolves where courses allocated to a directory go,
// creating the category when the directory is creatable. CategoryID is 0 while
// the directory is unknown or unmapped.
func (r *Reconciler) CategoryForDirectory(ctx context.Context, pass *Pass, directoryID int64) (Placement, error) {
	if err := pass.load(ctx); err != nil {
		return Placement{}, r.fail(opPlacement, "load_failed", reconcile.KindInternal, err)
	}
	if tree, ok := pass.trees[directoryID]; ok {
		if rootStatus(tree) != StatusMappedManual {
			return Placement{DirectoryID: directoryID, TakeoverAllocation: tree.TakeoverAllocation}, nil
		}
		return Placement{CategoryID: tree.CategoryID, DirectoryID: directoryID, TakeoverAllocation: tree.TakeoverAllocation}, nil
	}
	directory, ok := pass.directories[directoryID]
	if !ok {
		return Placement{DirectoryID: directoryID, TakeoverAllocation: true}, nil
	}
	placement := Placement{DirectoryID: directoryID, SortOrder: directory.SortOrder, TakeoverAllocation: true}
	if tree, ok := pass.trees[directory.RootID]; ok {
		placement.TakeoverAllocation = tree.TakeoverAllocation
	}
	categoryID, err := r.CreateCategory(ctx, pass, directoryID)
	if err != nil {
		return Placement{}, err
	}
	placement.CategoryID = categoryID
	return placement, nil
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
	r.logger.Error("directory reconciler error", attrs...)
}
