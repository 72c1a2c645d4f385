package directory

import "fmt"

// Mode is the mapping mode of a directory tree.
type Mode string

const (
	ModePending Mode = "pending"
	ModeWhole   Mode = "whole"
	ModeManual  Mode = "manual"
	ModeDeleted Mode = "deleted"
)

// ParseMode validates an operator supplied mode.
func ParseMode(raw string) (Mode, error) {
	switch mode := Mode(raw); mode {
	case ModePending, ModeWhole, ModeManual, ModeDeleted:
		return mode, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidMode, raw)
	}
}

// canTransition encodes pending -> whole -> manual, with deleted reachable from
// everywhere and nothing leaving manual or deleted.
func canTransition(from, to Mode) bool {
	if from == to {
		return from != ModeDeleted
	}
	switch to {
	case ModeDeleted:
		return true
	case ModeWhole:
		return from == ModePending
	case ModeManual:
		return from == ModePending || from == ModeWhole
	default:
		return false
	}
}

// MappingState is the stored mapping state of a directory.
type MappingState string

const (
	StateAutomatic     MappingState = "automatic"
	StateManualPending MappingState = "manual-pending"
	StateManual        MappingState = "manual"
	StateDeleted       MappingState = "deleted"
)

// Status is the computed mapping status of a directory.
type Status string

const (
	StatusDeleted          Status = "deleted"
	StatusMappedManual     Status = "mapped_manual"
	StatusPendingManual    Status = "pending_manual"
	StatusPendingUnmapped  Status = "pending_unmapped"
	StatusMappedAutomatic  Status = "mapped_automatic"
	StatusPendingAutomatic Status = "pending_automatic"
)

// unmapped statuses block category creation below them.
func (s Status) unmapped() bool {
	return s == StatusPendingUnmapped || s == StatusDeleted
}

// Tree is the root of a remote directory forest.
type Tree struct {
	ID                 int64  `gorm:"column:id;primaryKey;autoIncrement"`
	BrokerID           int64  `gorm:"column:broker_id;not null;uniqueIndex:idx_directory_trees_root,priority:1"`
	RootID             int64  `gorm:"column:root_id;not null;uniqueIndex:idx_directory_trees_root,priority:2"`
	ResourceID         int64  `gorm:"column:resource_id;not null;index"`
	Title              string `gorm:"column:title;size:255;not null"`
	OwnerMID           int64  `gorm:"column:owner_mid;not null;default:0"`
	CategoryID         int64  `gorm:"column:category_id;not null;default:0"`
	Mode               Mode   `gorm:"column:mode;size:16;not null"`
	TakeoverTitle      bool   `gorm:"column:takeover_title;not null"`
	TakeoverPosition   bool   `gorm:"column:takeover_position;not null"`
	TakeoverAllocation bool   `gorm:"column:takeover_allocation;not null"`
}

func (Tree) TableName() string {
	return "directory_trees"
}

// Directory is a non-root node of a directory tree.
type Directory struct {
	ID           int64        `gorm:"column:id;primaryKey;autoIncrement"`
	BrokerID     int64        `gorm:"column:broker_id;not null;uniqueIndex:idx_directories_node,priority:1"`
	DirectoryID  int64        `gorm:"column:directory_id;not null;uniqueIndex:idx_directories_node,priority:2"`
	RootID       int64        `gorm:"column:root_id;not null;index"`
	ParentID     int64        `gorm:"column:parent_id;not null;index"`
	ResourceID   int64        `gorm:"column:resource_id;not null;index"`
	Title        string       `gorm:"column:title;size:255;not null"`
	SortOrder    int          `gorm:"column:sort_order;not null;default:0"`
	CategoryID   int64        `gorm:"column:category_id;not null;default:0"`
	MappingState MappingState `gorm:"column:mapping_state;size:16;not null"`
}

func (Directory) TableName() string {
	return "directories"
}

// Models lists the package tables for schema migration.
func Models() []any {
	return []any{&Tree{}, &Directory{}}
}

// Placement tells the course reconciler where a directory's courses go.
type Placement struct {
	CategoryID         int64
	DirectoryID        int64
	SortOrder          int
	TakeoverAllocation bool
}
