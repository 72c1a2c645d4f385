package queue

import (
	"time"

	"github.com/MarcoPoloResearchLab/campussync/internal/ecs"
)

// PendingEvent is a broker event waiting to be dispatched. There is at most
// one row per (resource type, resource id, broker); later events merge into it.
type PendingEvent struct {
	ID           int64           `gorm:"column:id;primaryKey;autoIncrement"`
	ResourceType string          `gorm:"column:resource_type;size:64;not null;uniqueIndex:idx_pending_event_key,priority:1"`
	ResourceID   int64           `gorm:"column:resource_id;not null;uniqueIndex:idx_pending_event_key,priority:2"`
	BrokerID     int64           `gorm:"column:broker_id;not null;uniqueIndex:idx_pending_event_key,priority:3;index"`
	Status       ecs.EventStatus `gorm:"column:status;size:16;not null"`
	CreatedAt    time.Time       `gorm:"column:created_at;not null"`
	UpdatedAt    time.Time       `gorm:"column:updated_at;not null"`
}

func (PendingEvent) TableName() string {
	return "ecs_pending_events"
}

// Event converts the row back into the broker event it was queued from.
func (p PendingEvent) Event() ecs.Event {
	return ecs.Event{ResourceType: p.ResourceType, ResourceID: p.ResourceID, Status: p.Status}
}

func Models() []any {
	return []any{&PendingEvent{}}
}

// mergeStatus decides which status a queued event keeps when another event for
// the same resource arrives. created and destroyed replace anything; updated
// never replaces created or destroyed.
func mergeStatus(existing, incoming ecs.EventStatus) (ecs.EventStatus, bool) {
	if incoming == ecs.StatusUpdated && (existing == ecs.StatusCreated || existing == ecs.StatusDestroyed) {
		return existing, false
	}
	return incoming, existing != incoming
}
