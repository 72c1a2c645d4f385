// Package membership keeps the remote course membership lists and turns them
// into local enrolments once matching users and courses exist.
package membership

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"gorm.io/datatypes"
)

// Status is the enrolment state of a membership record.
type Status string

const (
	StatusAssigned Status = "assigned"
	StatusCreated  Status = "created"
	StatusUpdated  Status = "updated"
	StatusDeleted  Status = "deleted"
)

// Record is one person of one remote membership list. Deleted records stay
// until the unenrolment has been applied.
type Record struct {
	ID             int64          `gorm:"column:id;primaryKey;autoIncrement"`
	BrokerID       int64          `gorm:"column:broker_id;not null;uniqueIndex:idx_membership_person,priority:1"`
	ResourceID     int64          `gorm:"column:resource_id;not null;uniqueIndex:idx_membership_person,priority:2"`
	CMSCourseID    string         `gorm:"column:cms_course_id;size:190;not null;uniqueIndex:idx_membership_person,priority:3;index"`
	PersonID       string         `gorm:"column:person_id;size:190;not null;uniqueIndex:idx_membership_person,priority:4"`
	PersonIDType   string         `gorm:"column:person_id_type;size:64;not null;uniqueIndex:idx_membership_person,priority:5"`
	Role           string         `gorm:"column:role;size:64"`
	ParallelGroups datatypes.JSON `gorm:"column:parallel_groups"`
	Status         Status         `gorm:"column:status;size:16;not null;index"`
	CreatedAt      time.Time      `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt      time.Time      `gorm:"column:updated_at;autoUpdateTime"`
}

func (Record) TableName() string {
	return "membership_records"
}

// Groups decodes the parallel group assignment: group number to remote role,
// an empty role meaning the member's own role.
func (r Record) Groups() (map[int]string, error) {
	groups := make(map[int]string)
	if len(r.ParallelGroups) == 0 {
		return groups, nil
	}
	if err := json.Unmarshal(r.ParallelGroups, &groups); err != nil {
		return nil, err
	}
	return groups, nil
}

func encodeGroups(groups map[int]string) (datatypes.JSON, error) {
	if len(groups) == 0 {
		return datatypes.JSON("{}"), nil
	}
	raw, err := json.Marshal(groups)
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(raw), nil
}

// Models lists the package tables for schema migration.
func Models() []any {
	return []any{&Record{}}
}

// Membership is a decoded course_members resource.
type Membership struct {
	CMSCourseID string
	Members     []Member
}

// Member is one entry of a membership list.
type Member struct {
	PersonID     string
	PersonIDType string
	Role         string
	Groups       map[int]string
}

// CoursePlacement is one real local course of a CMS course together with the
// local groups that carry its parallel groups. Groups maps a parallel group
// number to a local group id, 0 when the course has no local group for it.
type CoursePlacement struct {
	CourseID int64
	Groups   map[int]int64
}

// CourseLocator finds the local courses created for a CMS course.
type CourseLocator interface {
	CoursesForCMSCourse(ctx context.Context, brokerID int64, cmsCourseID string) ([]CoursePlacement, error)
}

func sortedGroupNums(groups map[int]string) []int {
	nums := make([]int, 0, len(groups))
	for num := range groups {
		nums = append(nums, num)
	}
	sort.Ints(nums)
	return nums
}
