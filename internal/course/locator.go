package course

import (
	"context"
	"errors"

	"github.com/MarcoPoloResearchLab/campussync/internal/membership"
	"github.com/MarcoPoloResearchLab/campussync/internal/reconcile"
	"gorm.io/gorm"
)

// Locator answers which local courses belong to a CMS course. It only reads,
// so the membership reconciler can use it without depending on the course
// reconciler.
type Locator struct {
	db *gorm.DB
}

func NewLocator(db *gorm.DB) (*Locator, error) {
	if db == nil {
		return nil, reconcile.Internal("course.new_locator", "missing_database", errMissingDatabase)
	}
	return &Locator{db: db}, nil
}

// CoursesForCMSCourse returns the real courses of a CMS course with the
// parallel groups each carries.
func (l *Locator) CoursesForCMSCourse(ctx context.Context, brokerID int64, cmsCourseID string) ([]membership.CoursePlacement, error) {
	var reals []LinkRecord
	err := l.db.WithContext(ctx).
		Where("broker_id = ? AND cms_course_id = ? AND internal_link = 0 AND url_status <> ?", brokerID, cmsCourseID, URLDeleted).
		Order("id ASC").Find(&reals).Error
	if err != nil {
		return nil, err
	}
	if len(reals) == 0 {
		return nil, nil
	}
	var groups []ParallelGroupRecord
	err = l.db.WithContext(ctx).
		Where("broker_id = ? AND cms_course_id = ?", brokerID, cmsCourseID).
		Order("group_num ASC").Find(&groups).Error
	if err != nil {
		return nil, err
	}

	placements := make([]membership.CoursePlacement, 0, len(reals))
	index := make(map[int64]int, len(reals))
	for _, record := range reals {
		index[record.CourseID] = len(placements)
		placements = append(placements, membership.CoursePlacement{CourseID: record.CourseID})
	}
	for _, group := range groups {
		position, ok := index[group.CourseID]
		if !ok {
			continue
		}
		if placements[position].Groups == nil {
			placements[position].Groups = make(map[int]int64)
		}
		placements[position].Groups[group.GroupNum] = group.LocalGroupID
	}
	return placements, nil
}

// ErrNotLinked means the course was not created from a remote resource.
var ErrNotLinked = errors.New("course: course has no link record")

// Record returns the link record of a local course.
func (l *Locator) Record(ctx context.Context, courseID int64) (LinkRecord, error) {
	var record LinkRecord
	err := l.db.WithContext(ctx).Where("course_id = ?", courseID).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return LinkRecord{}, ErrNotLinked
	}
	if err != nil {
		return LinkRecord{}, err
	}
	return record, nil
}
