package export

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"gorm.io/datatypes"
)

// Status is the outbound sync state of an exported course.
type Status string

const (
	StatusUpToDate Status = "uptodate"
	StatusCreated  Status = "created"
	StatusUpdated  Status = "updated"
	StatusDeleted  Status = "deleted"
)

// Record tracks one local course exported as a course link to a broker.
type Record struct {
	ID         int64          `gorm:"column:id;primaryKey;autoIncrement"`
	CourseID   int64          `gorm:"column:course_id;not null;uniqueIndex:idx_export_course,priority:1"`
	BrokerID   int64          `gorm:"column:broker_id;not null;uniqueIndex:idx_export_course,priority:2;index"`
	TargetMIDs datatypes.JSON `gorm:"column:target_mids;not null"`
	Status     Status         `gorm:"column:status;size:16;not null;index"`
	ResourceID int64          `gorm:"column:resource_id;not null;default:0"`
	CreatedAt  time.Time      `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt  time.Time      `gorm:"column:updated_at;autoUpdateTime"`
}

func (Record) TableName() string {
	return "export_records"
}

// Targets decodes the receiving participant ids.
func (r Record) Targets() ([]int64, error) {
	if len(r.TargetMIDs) == 0 {
		return nil, nil
	}
	var targets []int64
	if err := json.Unmarshal(r.TargetMIDs, &targets); err != nil {
		return nil, fmt.Errorf("export: decode targets of course %d: %w", r.CourseID, err)
	}
	return targets, nil
}

// TargetsInclude reports whether mid receives the export.
func (r Record) TargetsInclude(mid int64) bool {
	targets, err := r.Targets()
	if err != nil {
		return false
	}
	for _, target := range targets {
		if target == mid {
			return true
		}
	}
	return false
}

func encodeTargets(targets []int64) (datatypes.JSON, error) {
	unique := make([]int64, 0, len(targets))
	seen := make(map[int64]struct{}, len(targets))
	for _, mid := range targets {
		if mid <= 0 {
			continue
		}
		if _, duplicate := seen[mid]; duplicate {
			continue
		}
		seen[mid] = struct{}{}
		unique = append(unique, mid)
	}
	sort.Slice(unique, func(i, j int) bool { return unique[i] < unique[j] })
	raw, err := json.Marshal(unique)
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(raw), nil
}

// EnrolmentState is the status value of a campusconnect/enrolment resource.
type EnrolmentState string

const (
	EnrolmentActive             EnrolmentState = "active"
	EnrolmentPending            EnrolmentState = "pending"
	EnrolmentDenied             EnrolmentState = "denied"
	EnrolmentInactive           EnrolmentState = "inactive"
	EnrolmentUnsubscribed       EnrolmentState = "unsubscribed"
	EnrolmentAccountDeactivated EnrolmentState = "account_deactivated"
)

// ParseEnrolmentState validates a remote or operator supplied state.
func ParseEnrolmentState(raw string) (EnrolmentState, error) {
	state := EnrolmentState(strings.ToLower(strings.TrimSpace(raw)))
	switch state {
	case EnrolmentActive, EnrolmentPending, EnrolmentDenied, EnrolmentInactive, EnrolmentUnsubscribed, EnrolmentAccountDeactivated:
		return state, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidEnrolmentState, raw)
	}
}

// EnrolmentStatus is a queued outbound enrolment status update.
type EnrolmentStatus struct {
	ID           int64          `gorm:"column:id;primaryKey;autoIncrement"`
	BrokerID     int64          `gorm:"column:broker_id;not null;index"`
	TargetMID    int64          `gorm:"column:target_mid;not null"`
	CourseURL    string         `gorm:"column:course_url;size:512;not null"`
	PersonID     string         `gorm:"column:person_id;size:255;not null"`
	PersonIDType string         `gorm:"column:person_id_type;size:64;not null"`
	State        EnrolmentState `gorm:"column:state;size:32;not null"`
	CreatedAt    time.Time      `gorm:"column:created_at;autoCreateTime"`
}

func (EnrolmentStatus) TableName() string {
	return "export_enrolment_status"
}

// enrolmentPayload is the wire form of campusconnect/enrolment.
type enrolmentPayload struct {
	URL          string `json:"url"`
	PersonID     string `json:"personID"`
	PersonIDType string `json:"personIDtype"`
	Status       string `json:"status"`
}

// courseURLPayload is the wire form of campusconnect/course_urls.
type courseURLPayload struct {
	CMSCourseID   string          `json:"cms_course_id"`
	ECSCourseURL  string          `json:"ecs_course_url"`
	LMSCourseURLs []lmsCourseLink `json:"lms_course_urls"`
}

type lmsCourseLink struct {
	Title string `json:"title"`
	URL   string `json:"url"`
}

// Models lists the tables of the package for schema migration.
func Models() []any {
	return []any{&Record{}, &EnrolmentStatus{}}
}
