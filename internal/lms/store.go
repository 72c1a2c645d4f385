package lms

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrNotFound is returned when a referenced LMS row does not exist.
	ErrNotFound        = errors.New("lms: record not found")
	errMissingDatabase = errors.New("lms: database handle is required")
	errEmptyShortName  = errors.New("lms: short name is required")
)

// CourseObserver is told about course rows updated or deleted through a Store.
// It runs on db, inside the writer's transaction, and an error aborts the write.
type CourseObserver interface {
	CourseUpdated(ctx context.Context, db *gorm.DB, courseID int64) error
	CourseDeleted(ctx context.Context, db *gorm.DB, courseID int64) error
}

// Store performs LMS writes on behalf of the reconcilers. A Store bound to a
// transaction with Tx shares that transaction's boundary.
type Store struct {
	db        *gorm.DB
	observers []CourseObserver
}

// NewStore wraps a database handle.
func NewStore(db *gorm.DB) (*Store, error) {
	if db == nil {
		return nil, errMissingDatabase
	}
	return &Store{db: db}, nil
}

// Tx returns a Store bound to tx.
func (s *Store) Tx(tx *gorm.DB) *Store {
	return &Store{db: tx, observers: s.observers}
}

// Observe registers observer for course updates and deletions. Register
// observers while wiring, before the store is shared.
func (s *Store) Observe(observer CourseObserver) {
	if observer != nil {
		s.observers = append(s.observers, observer)
	}
}

func (s *Store) conn(ctx context.Context) *gorm.DB {
	return s.db.WithContext(ctx)
}

func notFound(err error, what string, id int64) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%w: %s %d", ErrNotFound, what, id)
	}
	return err
}

// CreateCategory inserts a category under parentID.
func (s *Store) CreateCategory(ctx context.Context, parentID int64, name string, sortOrder int) (Category, error) {
	category := Category{ParentID: parentID, Name: strings.TrimSpace(name), SortOrder: sortOrder}
	if err := s.conn(ctx).Create(&category).Error; err != nil {
		return Category{}, err
	}
	return category, nil
}

// Category loads a category by id.
func (s *Store) Category(ctx context.Context, id int64) (Category, error) {
	var category Category
	if err := s.conn(ctx).Where("id = ?", id).Take(&category).Error; err != nil {
		return Category{}, notFound(err, "category", id)
	}
	return category, nil
}

// CategoryExists reports whether the category row is present.
func (s *Store) CategoryExists(ctx context.Context, id int64) (bool, error) {
	if id <= 0 {
		return false, nil
	}
	var count int64
	if err := s.conn(ctx).Model(&Category{}).Where("id = ?", id).Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

// ChildCategories lists direct children of parentID by sort order.
func (s *Store) ChildCategories(ctx context.Context, parentID int64) ([]Category, error) {
	var categories []Category
	err := s.conn(ctx).Where("parent_id = ?", parentID).Order("sort_order ASC, id ASC").Find(&categories).Error
	return categories, err
}

// IsDescendant reports whether candidate lies in the subtree rooted at ancestor.
func (s *Store) IsDescendant(ctx context.Context, candidate, ancestor int64) (bool, error) {
	seen := make(map[int64]struct{})
	current := candidate
	for current != 0 {
		if current == ancestor {
			return true, nil
		}
		if _, loop := seen[current]; loop {
			return false, fmt.Errorf("lms: category loop at %d", current)
		}
		seen[current] = struct{}{}
		category, err := s.Category(ctx, current)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return false, nil
			}
			return false, err
		}
		current = category.ParentID
	}
	return false, nil
}

func (s *Store) RenameCategory(ctx context.Context, id int64, name string) error {
	return s.updateCategory(ctx, id, map[string]any{"name": strings.TrimSpace(name)})
}

func (s *Store) MoveCategory(ctx context.Context, id, parentID int64) error {
	return s.updateCategory(ctx, id, map[string]any{"parent_id": parentID})
}

func (s *Store) SetCategorySortOrder(ctx context.Context, id int64, sortOrder int) error {
	return s.updateCategory(ctx, id, map[string]any{"sort_order": sortOrder})
}

func (s *Store) updateCategory(ctx context.Context, id int64, updates map[string]any) error {
	result := s.conn(ctx).Model(&Category{}).Where("id = ?", id).Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: category %d", ErrNotFound, id)
	}
	return nil
}

// UniqueShortName returns base, or base_N with the lowest free N, skipping the
// course excludeID so a course can keep its own name.
func (s *Store) UniqueShortName(ctx context.Context, base string, excludeID int64) (string, error) {
	base = strings.TrimSpace(base)
	if base == "" {
		return "", errEmptyShortName
	}
	var taken []string
	err := s.conn(ctx).Model(&Course{}).
		Where(`(short_name = ? OR short_name LIKE ? ESCAPE '\') AND id <> ?`, base, likeEscaper.Replace(base)+`\_%`, excludeID).
		Pluck("short_name", &taken).Error
	if err != nil {
		return "", err
	}
	used := make(map[string]struct{}, len(taken))
	for _, name := range taken {
		if name == base || isNumberedShortName(name, base) {
			used[name] = struct{}{}
		}
	}
	if _, ok := used[base]; !ok {
		return base, nil
	}
	for suffix := 1; ; suffix++ {
		candidate := fmt.Sprintf("%s_%d", base, suffix)
		if _, ok := used[candidate]; !ok {
			return candidate, nil
		}
	}
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// isNumberedShortName reports whether name is base_N for a positive N.
func isNumberedShortName(name, base string) bool {
	suffix, ok := strings.CutPrefix(name, base+"_")
	if !ok || suffix == "" || suffix[0] == '0' {
		return false
	}
	_, err := strconv.ParseUint(suffix, 10, 32)
	return err == nil
}

// CreateCourse inserts course, making its short name unique first.
func (s *Store) CreateCourse(ctx context.Context, course Course) (Course, error) {
	shortName, err := s.UniqueShortName(ctx, course.ShortName, 0)
	if err != nil {
		return Course{}, err
	}
	course.ID = 0
	course.ShortName = shortName
	if course.SortOrder == 0 {
		course.SortOrder, err = s.nextCourseSortOrder(ctx, course.CategoryID)
		if err != nil {
			return Course{}, err
		}
	}
	if err := s.conn(ctx).Create(&course).Error; err != nil {
		return Course{}, err
	}
	return course, nil
}

func (s *Store) nextCourseSortOrder(ctx context.Context, categoryID int64) (int, error) {
	var maxOrder *int
	err := s.conn(ctx).Model(&Course{}).Where("category_id = ?", categoryID).
		Select("MAX(sort_order)").Scan(&maxOrder).Error
	if err != nil {
		return 0, err
	}
	if maxOrder == nil {
		return 1, nil
	}
	return *maxOrder + 1, nil
}

// Course loads a course by id.
func (s *Store) Course(ctx context.Context, id int64) (Course, error) {
	var course Course
	if err := s.conn(ctx).Where("id = ?", id).Take(&course).Error; err != nil {
		return Course{}, notFound(err, "course", id)
	}
	return course, nil
}

// CourseExists reports whether the course row is present.
func (s *Store) CourseExists(ctx context.Context, id int64) (bool, error) {
	if id <= 0 {
		return false, nil
	}
	var count int64
	if err := s.conn(ctx).Model(&Course{}).Where("id = ?", id).Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

// CoursesInCategory lists the courses of a category by sort order.
func (s *Store) CoursesInCategory(ctx context.Context, categoryID int64) ([]Course, error) {
	var courses []Course
	err := s.conn(ctx).Where("category_id = ?", categoryID).Order("sort_order ASC, id ASC").Find(&courses).Error
	return courses, err
}

// UpdateCourseFields writes the descriptive fields of course. The short name is
// made unique against every other course.
func (s *Store) UpdateCourseFields(ctx context.Context, course Course) (Course, error) {
	shortName, err := s.UniqueShortName(ctx, course.ShortName, course.ID)
	if err != nil {
		return Course{}, err
	}
	course.ShortName = shortName
	result := s.conn(ctx).Model(&Course{}).Where("id = ?", course.ID).Updates(map[string]any{
		"full_name":    course.FullName,
		"short_name":   course.ShortName,
		"id_number":    course.IDNumber,
		"summary":      course.Summary,
		"external_url": course.ExternalURL,
	})
	if result.Error != nil {
		return Course{}, result.Error
	}
	if result.RowsAffected == 0 {
		return Course{}, fmt.Errorf("%w: course %d", ErrNotFound, course.ID)
	}
	for _, observer := range s.observers {
		if err := observer.CourseUpdated(ctx, s.conn(ctx), course.ID); err != nil {
			return Course{}, err
		}
	}
	return s.Course(ctx, course.ID)
}

func (s *Store) MoveCourse(ctx context.Context, id, categoryID int64) error {
	return s.updateCourse(ctx, id, map[string]any{"category_id": categoryID})
}

func (s *Store) SetCourseSortOrder(ctx context.Context, id int64, sortOrder int) error {
	return s.updateCourse(ctx, id, map[string]any{"sort_order": sortOrder})
}

func (s *Store) updateCourse(ctx context.Context, id int64, updates map[string]any) error {
	result := s.conn(ctx).Model(&Course{}).Where("id = ?", id).Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: course %d", ErrNotFound, id)
	}
	return nil
}

// DeleteCourse removes a course together with its groups and enrolments.
func (s *Store) DeleteCourse(ctx context.Context, id int64) error {
	conn := s.conn(ctx)
	var groupIDs []int64
	if err := conn.Model(&Group{}).Where("course_id = ?", id).Pluck("id", &groupIDs).Error; err != nil {
		return err
	}
	if len(groupIDs) > 0 {
		if err := conn.Where("group_id IN ?", groupIDs).Delete(&GroupMember{}).Error; err != nil {
			return err
		}
	}
	if err := conn.Where("course_id = ?", id).Delete(&Group{}).Error; err != nil {
		return err
	}
	if err := conn.Where("course_id = ?", id).Delete(&Enrolment{}).Error; err != nil {
		return err
	}
	if err := conn.Where("id = ?", id).Delete(&Course{}).Error; err != nil {
		return err
	}
	for _, observer := range s.observers {
		if err := observer.CourseDeleted(ctx, conn, id); err != nil {
			return err
		}
	}
	return nil
}

// CreateGroup inserts a group into a course.
func (s *Store) CreateGroup(ctx context.Context, courseID int64, name, description string) (Group, error) {
	group := Group{CourseID: courseID, Name: strings.TrimSpace(name), Description: description}
	if err := s.conn(ctx).Create(&group).Error; err != nil {
		return Group{}, err
	}
	return group, nil
}

// Group loads a group by id.
func (s *Store) Group(ctx context.Context, id int64) (Group, error) {
	var group Group
	if err := s.conn(ctx).Where("id = ?", id).Take(&group).Error; err != nil {
		return Group{}, notFound(err, "group", id)
	}
	return group, nil
}

// Groups lists the groups of a course.
func (s *Store) Groups(ctx context.Context, courseID int64) ([]Group, error) {
	var groups []Group
	err := s.conn(ctx).Where("course_id = ?", courseID).Order("id ASC").Find(&groups).Error
	return groups, err
}

func (s *Store) UpdateGroup(ctx context.Context, id int64, name, description string) error {
	return s.conn(ctx).Model(&Group{}).Where("id = ?", id).
		Updates(map[string]any{"name": strings.TrimSpace(name), "description": description}).Error
}

// AddGroupMember is idempotent.
func (s *Store) AddGroupMember(ctx context.Context, groupID, userID int64) error {
	return s.conn(ctx).Clauses(clause.OnConflict{DoNothing: true}).
		Create(&GroupMember{GroupID: groupID, UserID: userID}).Error
}

func (s *Store) RemoveGroupMember(ctx context.Context, groupID, userID int64) error {
	return s.conn(ctx).Where("group_id = ? AND user_id = ?", groupID, userID).Delete(&GroupMember{}).Error
}

// GroupMembers lists the user ids in a group.
func (s *Store) GroupMembers(ctx context.Context, groupID int64) ([]int64, error) {
	var userIDs []int64
	err := s.conn(ctx).Model(&GroupMember{}).Where("group_id = ?", groupID).Order("user_id ASC").Pluck("user_id", &userIDs).Error
	return userIDs, err
}

// Enrol adds or re-roles a user in a course.
func (s *Store) Enrol(ctx context.Context, courseID, userID int64, role string) error {
	enrolment := Enrolment{CourseID: courseID, UserID: userID, Role: role}
	return s.conn(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "course_id"}, {Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"role"}),
	}).Create(&enrolment).Error
}

// Unenrol removes a user from a course and from the course's groups.
func (s *Store) Unenrol(ctx context.Context, courseID, userID int64) error {
	conn := s.conn(ctx)
	groupIDs := conn.Model(&Group{}).Select("id").Where("course_id = ?", courseID)
	if err := conn.Where("user_id = ? AND group_id IN (?)", userID, groupIDs).Delete(&GroupMember{}).Error; err != nil {
		return err
	}
	return conn.Where("course_id = ? AND user_id = ?", courseID, userID).Delete(&Enrolment{}).Error
}

// Enrolment loads the enrolment of a user in a course.
func (s *Store) Enrolment(ctx context.Context, courseID, userID int64) (Enrolment, error) {
	var enrolment Enrolment
	err := s.conn(ctx).Where("course_id = ? AND user_id = ?", courseID, userID).Take(&enrolment).Error
	if err != nil {
		return Enrolment{}, notFound(err, "enrolment for course", courseID)
	}
	return enrolment, nil
}

// Enrolments lists the enrolments of a course.
func (s *Store) Enrolments(ctx context.Context, courseID int64) ([]Enrolment, error) {
	var enrolments []Enrolment
	err := s.conn(ctx).Where("course_id = ?", courseID).Order("user_id ASC").Find(&enrolments).Error
	return enrolments, err
}

// CreateUser inserts a user account.
func (s *Store) CreateUser(ctx context.Context, user User) (User, error) {
	user.ID = 0
	if err := s.conn(ctx).Create(&user).Error; err != nil {
		return User{}, err
	}
	return user, nil
}

// SetUserField writes a custom profile field.
func (s *Store) SetUserField(ctx context.Context, userID int64, field, value string) error {
	return s.conn(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}, {Name: "field"}},
		DoUpdates: clause.AssignmentColumns([]string{"value"}),
	}).Create(&UserField{UserID: userID, Field: field, Value: value}).Error
}

// userColumns maps core user fields onto their columns.
var userColumns = map[string]string{
	"username": "username",
	"email":    "email",
	"idnumber": "id_number",
	"id":       "id",
}

// FindUser resolves a user by a core field (username, email, idnumber, id) or
// by a custom profile field named "profile_field_<name>".
func (s *Store) FindUser(ctx context.Context, field, value string) (User, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return User{}, fmt.Errorf("%w: empty %s", ErrNotFound, field)
	}
	var users []User
	conn := s.conn(ctx)
	if custom, ok := strings.CutPrefix(field, "profile_field_"); ok {
		err := conn.Joins("JOIN lms_user_fields ON lms_user_fields.user_id = lms_users.id").
			Where("lms_user_fields.field = ? AND lms_user_fields.value = ?", custom, value).
			Order("lms_users.id ASC").Limit(2).Find(&users).Error
		if err != nil {
			return User{}, err
		}
	} else {
		column, ok := userColumns[field]
		if !ok {
			return User{}, fmt.Errorf("lms: unsupported user field %q", field)
		}
		if column == "email" {
			if err := conn.Where("LOWER(email) = LOWER(?)", value).Order("id ASC").Limit(2).Find(&users).Error; err != nil {
				return User{}, err
			}
		} else if err := conn.Where(column+" = ?", value).Order("id ASC").Limit(2).Find(&users).Error; err != nil {
			return User{}, err
		}
	}
	switch len(users) {
	case 0:
		return User{}, fmt.Errorf("%w: user with %s=%q", ErrNotFound, field, value)
	case 1:
		return users[0], nil
	default:
		return User{}, fmt.Errorf("lms: ambiguous user for %s=%q", field, value)
	}
}

// User loads a user by id.
func (s *Store) User(ctx context.Context, id int64) (User, error) {
	var user User
	if err := s.conn(ctx).Where("id = ?", id).Take(&user).Error; err != nil {
		return User{}, notFound(err, "user", id)
	}
	return user, nil
}

// UserFieldValue reads a core field or a "profile_field_<name>" value of a user.
func (s *Store) UserFieldValue(ctx context.Context, userID int64, field string) (string, error) {
	if custom, ok := strings.CutPrefix(field, "profile_field_"); ok {
		var value UserField
		err := s.conn(ctx).Where("user_id = ? AND field = ?", userID, custom).Take(&value).Error
		if err != nil {
			return "", notFound(err, "profile field of user", userID)
		}
		return value.Value, nil
	}
	user, err := s.User(ctx, userID)
	if err != nil {
		return "", err
	}
	switch field {
	case "username":
		return user.Username, nil
	case "email":
		return user.Email, nil
	case "idnumber":
		return user.IDNumber, nil
	case "id":
		return strconv.FormatInt(user.ID, 10), nil
	default:
		return "", fmt.Errorf("lms: unsupported user field %q", field)
	}
}
