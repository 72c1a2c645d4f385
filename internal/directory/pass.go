package directory

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
)

// Pass is the lookup and status cache of one reconciliation pass over a
// broker's directories. It must not outlive the pass that created it.
type Pass struct {
	db          *gorm.DB
	brokerID    int64
	trees       map[int64]*Tree
	directories map[int64]*Directory
	status      map[int64]Status
	visiting    map[int64]struct{}
	loaded      bool
}

// NewPass starts a pass for one broker.
func (r *Reconciler) NewPass(brokerID int64) *Pass {
	return newPass(r.db, brokerID)
}

func newPass(db *gorm.DB, brokerID int64) *Pass {
	return &Pass{
		db:          db,
		brokerID:    brokerID,
		trees:       make(map[int64]*Tree),
		directories: make(map[int64]*Directory),
		status:      make(map[int64]Status),
		visiting:    make(map[int64]struct{}),
	}
}

// load reads every tree and directory of the broker once per pass.
func (p *Pass) load(ctx context.Context) error {
	if p.loaded {
		return nil
	}
	var trees []Tree
	if err := p.db.WithContext(ctx).Where("broker_id = ?", p.brokerID).Find(&trees).Error; err != nil {
		return err
	}
	var directories []Directory
	if err := p.db.WithContext(ctx).Where("broker_id = ?", p.brokerID).Find(&directories).Error; err != nil {
		return err
	}
	for index := range trees {
		tree := trees[index]
		p.trees[tree.RootID] = &tree
	}
	for index := range directories {
		directory := directories[index]
		p.directories[directory.DirectoryID] = &directory
	}
	p.loaded = true
	return nil
}

func (p *Pass) tree(ctx context.Context, rootID int64) (*Tree, error) {
	if err := p.load(ctx); err != nil {
		return nil, err
	}
	tree, ok := p.trees[rootID]
	if !ok {
		return nil, fmt.Errorf("%w: tree %d", ErrUnknownDirectory, rootID)
	}
	return tree, nil
}

func (p *Pass) directory(ctx context.Context, directoryID int64) (*Directory, error) {
	if err := p.load(ctx); err != nil {
		return nil, err
	}
	directory, ok := p.directories[directoryID]
	if !ok {
		return nil, fmt.Errorf("%w: directory %d", ErrUnknownDirectory, directoryID)
	}
	return directory, nil
}

// rootStatus is the status a tree root lends its top-level directories.
func rootStatus(tree *Tree) Status {
	switch {
	case tree.Mode == ModeDeleted:
		return StatusDeleted
	case tree.CategoryID != 0 && (tree.Mode == ModeWhole || tree.Mode == ModeManual):
		return StatusMappedManual
	default:
		return StatusPendingUnmapped
	}
}

// Status computes the mapping status of a directory. Ancestors are evaluated
// first and every result is memoized for the rest of the pass.
func (p *Pass) Status(ctx context.Context, directoryID int64) (Status, error) {
	if status, ok := p.status[directoryID]; ok {
		return status, nil
	}
	directory, err := p.directory(ctx, directoryID)
	if err != nil {
		return "", err
	}
	if _, cycle := p.visiting[directoryID]; cycle {
		return "", fmt.Errorf("%w: directory %d is its own ancestor", ErrMappingCycle, directoryID)
	}
	p.visiting[directoryID] = struct{}{}
	defer delete(p.visiting, directoryID)

	var status Status
	switch directory.MappingState {
	case StateDeleted:
		status = StatusDeleted
	case StateManual:
		status = StatusMappedManual
	case StateManualPending:
		status = StatusPendingManual
	default:
		parentStatus, err := p.parentStatus(ctx, directory)
		if err != nil {
			return "", err
		}
		switch {
		case parentStatus.unmapped():
			status = StatusPendingUnmapped
		case directory.CategoryID != 0:
			status = StatusMappedAutomatic
		default:
			status = StatusPendingAutomatic
		}
	}
	p.status[directoryID] = status
	return status, nil
}

func (p *Pass) parentStatus(ctx context.Context, directory *Directory) (Status, error) {
	if directory.ParentID == directory.RootID || directory.ParentID == 0 {
		tree, err := p.tree(ctx, directory.RootID)
		if errors.Is(err, ErrUnknownDirectory) {
			return StatusPendingUnmapped, nil
		}
		if err != nil {
			return "", err
		}
		return rootStatus(tree), nil
	}
	if _, err := p.directory(ctx, directory.ParentID); errors.Is(err, ErrUnknownDirectory) {
		return StatusPendingUnmapped, nil
	} else if err != nil {
		return "", err
	}
	return p.Status(ctx, directory.ParentID)
}

// invalidate drops memoized statuses after a mapping change.
func (p *Pass) invalidate() {
	p.status = make(map[int64]Status)
}
