// Package lms models the host learning-management-system tables the
// reconcilers write into: categories, courses, groups, users and enrolments.
package lms

import (
	"fmt"
	"strings"
	"time"
)

// Category is a node of the LMS course category tree. ParentID 0 is the top level.
type Category struct {
	ID          int64     `gorm:"column:id;primaryKey;autoIncrement"`
	ParentID    int64     `gorm:"column:parent_id;not null;default:0;index"`
	Name        string    `gorm:"column:name;size:255;not null"`
	Description string    `gorm:"column:description;type:text"`
	SortOrder   int       `gorm:"column:sort_order;not null;default:0"`
	CreatedAt   time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt   time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

func (Category) TableName() string {
	return "lms_categories"
}

// Course is a local LMS course.
type Course struct {
	ID          int64     `gorm:"column:id;primaryKey;autoIncrement"`
	CategoryID  int64     `gorm:"column:category_id;not null;index"`
	FullName    string    `gorm:"column:full_name;size:255;not null"`
	ShortName   string    `gorm:"column:short_name;size:255;not null;uniqueIndex"`
	IDNumber    string    `gorm:"column:id_number;size:100;index"`
	Summary     string    `gorm:"column:summary;type:text"`
	SortOrder   int       `gorm:"column:sort_order;not null;default:0"`
	ExternalURL string    `gorm:"column:external_url;size:512"`
	Visible     bool      `gorm:"column:visible;not null;default:true"`
	CreatedAt   time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt   time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

func (Course) TableName() string {
	return "lms_courses"
}

// Group is a course-local group of participants.
type Group struct {
	ID          int64  `gorm:"column:id;primaryKey;autoIncrement"`
	CourseID    int64  `gorm:"column:course_id;not null;index"`
	Name        string `gorm:"column:name;size:255;not null"`
	Description string `gorm:"column:description;type:text"`
}

func (Group) TableName() string {
	return "lms_groups"
}

type GroupMember struct {
	GroupID int64 `gorm:"column:group_id;primaryKey"`
	UserID  int64 `gorm:"column:user_id;primaryKey"`
}

func (GroupMember) TableName() string {
	return "lms_group_members"
}

// User is a local LMS account.
type User struct {
	ID        int64  `gorm:"column:id;primaryKey;autoIncrement"`
	Username  string `gorm:"column:username;size:190;not null;uniqueIndex"`
	Email     string `gorm:"column:email;size:320;index"`
	IDNumber  string `gorm:"column:id_number;size:190;index"`
	FirstName string `gorm:"column:first_name;size:190"`
	LastName  string `gorm:"column:last_name;size:190"`
}

func (User) TableName() string {
	return "lms_users"
}

// UserField is a custom profile field value.
type UserField struct {
	UserID int64  `gorm:"column:user_id;primaryKey"`
	Field  string `gorm:"column:field;primaryKey;size:100"`
	Value  string `gorm:"column:value;size:255;index"`
}

func (UserField) TableName() string {
	return "lms_user_fields"
}

// Enrolment assigns a user to a course with a role.
type Enrolment struct {
	CourseID  int64     `gorm:"column:course_id;primaryKey"`
	UserID    int64     `gorm:"column:user_id;primaryKey"`
	Role      string    `gorm:"column:role;size:64;not null"`
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime"`
}

func (Enrolment) TableName() string {
	return "lms_enrolments"
}

// Models lists every table of the package for schema migration.
func Models() []any {
	return []any{&Category{}, &Course{}, &Group{}, &GroupMember{}, &User{}, &UserField{}, &Enrolment{}}
}

// CourseURL returns the public view URL of a course.
func CourseURL(baseURL string, courseID int64) string {
	return fmt.Sprintf("%s/course/view.php?id=%d", strings.TrimRight(baseURL, "/"), courseID)
}
