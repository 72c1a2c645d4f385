// Package course creates and maintains the local courses of remote CMS course
// resources: one real course per parallel course plus link courses in every
// further allocated category.
package course

import (
	"fmt"
	"time"
)

// URLStatus tracks what still has to be pushed in the course_urls resource.
type URLStatus string

const (
	URLUpToDate URLStatus = "uptodate"
	URLCreated  URLStatus = "created"
	URLUpdated  URLStatus = "updated"
	URLDeleted  URLStatus = "deleted"
)

// Scenario is the remote parallel group scenario.
type Scenario int

const (
	ScenarioNone Scenario = iota
	ScenarioOneCourseManyGroups
	ScenarioSeparateGroupsSingleCourse
	ScenarioSeparateCourses
	ScenarioSeparateLecturers
)

func (s Scenario) String() string {
	switch s {
	case ScenarioNone:
		return "none"
	case ScenarioOneCourseManyGroups:
		return "one_course_many_groups"
	case ScenarioSeparateGroupsSingleCourse:
		return "separate_groups_single_course"
	case ScenarioSeparateCourses:
		return "separate_courses"
	case ScenarioSeparateLecturers:
		return "separate_lecturers"
	default:
		return fmt.Sprintf("scenario(%d)", int(s))
	}
}

func (s Scenario) known() bool {
	return s >= ScenarioNone && s <= ScenarioSeparateLecturers
}

// LinkRecord ties a local course to the remote resource it was created for.
// InternalLink is 0 for the real course and holds the real course id for link
// courses.
type LinkRecord struct {
	ID            int64     `gorm:"column:id;primaryKey;autoIncrement"`
	CourseID      int64     `gorm:"column:course_id;not null;uniqueIndex"`
	ResourceID    int64     `gorm:"column:resource_id;not null;index:idx_course_link_resource,priority:2"`
	BrokerID      int64     `gorm:"column:broker_id;not null;index:idx_course_link_resource,priority:1"`
	CMSCourseID   string    `gorm:"column:cms_course_id;size:190;index"`
	SenderMID     int64     `gorm:"column:sender_mid"`
	InternalLink  int64     `gorm:"column:internal_link;not null;default:0;index"`
	SortOrder     int       `gorm:"column:sort_order;not null;default:0"`
	DirectoryID   int64     `gorm:"column:directory_id;index"`
	URLStatus     URLStatus `gorm:"column:url_status;size:16;not null"`
	URLResourceID int64     `gorm:"column:url_resource_id;not null;default:0"`
	CreatedAt     time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt     time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

func (LinkRecord) TableName() string {
	return "course_links"
}

// Real reports whether the record is the real course of its group.
func (l LinkRecord) Real() bool {
	return l.InternalLink == 0
}

// ParallelGroupRecord remembers which course, and which local group inside
// it, carries a remote parallel group.
type ParallelGroupRecord struct {
	ID           int64  `gorm:"column:id;primaryKey;autoIncrement"`
	BrokerID     int64  `gorm:"column:broker_id;not null;uniqueIndex:idx_parallel_group,priority:1"`
	ResourceID   int64  `gorm:"column:resource_id;not null;uniqueIndex:idx_parallel_group,priority:2"`
	CMSCourseID  string `gorm:"column:cms_course_id;size:190;not null;uniqueIndex:idx_parallel_group,priority:3;index"`
	GroupNum     int    `gorm:"column:group_num;not null;uniqueIndex:idx_parallel_group,priority:4"`
	CourseID     int64  `gorm:"column:course_id;not null;index"`
	LocalGroupID int64  `gorm:"column:local_group_id;not null;default:0"`
	GroupTitle   string `gorm:"column:group_title;size:255"`
}

func (ParallelGroupRecord) TableName() string {
	return "course_parallel_groups"
}

// Models lists the package tables for schema migration.
func Models() []any {
	return []any{&LinkRecord{}, &ParallelGroupRecord{}}
}
