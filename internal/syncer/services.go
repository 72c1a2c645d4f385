package syncer

import (
	"errors"

	"github.com/MarcoPoloResearchLab/campussync/internal/course"
	"github.com/MarcoPoloResearchLab/campussync/internal/courselink"
	"github.com/MarcoPoloResearchLab/campussync/internal/directory"
	"github.com/MarcoPoloResearchLab/campussync/internal/ecs"
	"github.com/MarcoPoloResearchLab/campussync/internal/export"
	"github.com/MarcoPoloResearchLab/campussync/internal/lms"
	"github.com/MarcoPoloResearchLab/campussync/internal/membership"
	"github.com/MarcoPoloResearchLab/campussync/internal/metadata"
	"github.com/MarcoPoloResearchLab/campussync/internal/notify"
	"github.com/MarcoPoloResearchLab/campussync/internal/queue"
	"github.com/MarcoPoloResearchLab/campussync/internal/users"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ServicesConfig carries what the reconcilers share.
type ServicesConfig struct {
	Database     *gorm.DB
	Mapping      metadata.Mapping
	LMSBaseURL   string
	RoleMap      map[string]string
	PersonFields map[string]string
	Dispatcher   *notify.Dispatcher
	Logger       *zap.Logger
}

// Services is the wired reconciliation core.
type Services struct {
	Store       *lms.Store
	Users       *users.Service
	Notifier    *notify.Service
	Directories *directory.Reconciler
	Memberships *membership.Reconciler
	Courses     *course.Reconciler
	Exports     *export.Reconciler
	CourseLinks *courselink.Reconciler
	Dispatcher  *queue.Dispatcher
	Queue       *queue.Queue
}

// NewServices builds every reconciler on one database and routes each broker
// resource type to its owner.
func NewServices(cfg ServicesConfig) (*Services, error) {
	if cfg.Database == nil {
		return nil, errors.New("syncer: database handle is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	db := cfg.Database

	store, err := lms.NewStore(db)
	if err != nil {
		return nil, err
	}
	resolver, err := users.NewService(users.ServiceConfig{Store: store, Fields: cfg.PersonFields})
	if err != nil {
		return nil, err
	}
	notifier, err := notify.NewService(notify.ServiceConfig{Database: db, Dispatcher: cfg.Dispatcher, Logger: logger.Named("notify")})
	if err != nil {
		return nil, err
	}
	directories, err := directory.NewReconciler(directory.Config{Database: db, Store: store, Logger: logger.Named("directory")})
	if err != nil {
		return nil, err
	}
	locator, err := course.NewLocator(db)
	if err != nil {
		return nil, err
	}
	memberships, err := membership.NewReconciler(membership.Config{
		Database: db,
		Store:    store,
		Users:    resolver,
		Courses:  locator,
		RoleMap:  cfg.RoleMap,
		Logger:   logger.Named("membership"),
	})
	if err != nil {
		return nil, err
	}
	courses, err := course.NewReconciler(course.Config{
		Database:    db,
		Store:       store,
		Directories: directories,
		Mapping:     cfg.Mapping,
		Memberships: memberships,
		Notifier:    notifier,
		LMSBaseURL:  cfg.LMSBaseURL,
		Logger:      logger.Named("course"),
	})
	if err != nil {
		return nil, err
	}
	exports, err := export.NewReconciler(export.Config{
		Database:   db,
		Store:      store,
		Users:      resolver,
		Mapping:    cfg.Mapping,
		LMSBaseURL: cfg.LMSBaseURL,
		Logger:     logger.Named("export"),
	})
	if err != nil {
		return nil, err
	}
	courseLinks, err := courselink.NewReconciler(courselink.Config{
		Database: db,
		Store:    store,
		Users:    resolver,
		Exports:  exports,
		Logger:   logger.Named("courselink"),
	})
	if err != nil {
		return nil, err
	}

	dispatcher, err := queue.NewDispatcher(map[ecs.ResourceType]queue.Handler{
		ecs.ResourceDirectoryTrees: directories,
		ecs.ResourceCourses:        courses,
		ecs.ResourceCourseMembers:  memberships,
		ecs.ResourceCourseLinks:    courseLinks,
		ecs.ResourceEnrolment:      exports,
		ecs.ResourceCourseURLs:     queue.Ignore(logger.Named("queue")),
	}, logger.Named("dispatch"))
	if err != nil {
		return nil, err
	}
	events, err := queue.NewQueue(queue.Config{Database: db, Dispatcher: dispatcher, Logger: logger.Named("queue")})
	if err != nil {
		return nil, err
	}

	return &Services{
		Store:       store,
		Users:       resolver,
		Notifier:    notifier,
		Directories: directories,
		Memberships: memberships,
		Courses:     courses,
		Exports:     exports,
		CourseLinks: courseLinks,
		Dispatcher:  dispatcher,
		Queue:       events,
	}, nil
}

// Runner builds the cycle runner for the given connections.
func (s *Services) Runner(connections []ecs.Connection, cfg Config) (*Runner, error) {
	cfg.Connections = connections
	cfg.Queue = s.Queue
	cfg.Directories = s.Directories
	cfg.Courses = s.Courses
	cfg.Memberships = s.Memberships
	cfg.Exports = s.Exports
	cfg.Notifier = s.Notifier
	cfg.Caches = append(cfg.Caches, s.Users)
	return NewRunner(cfg)
}

// Models lists every table the core persists.
func Models() []any {
	var models []any
	models = append(models, lms.Models()...)
	models = append(models, directory.Models()...)
	models = append(models, course.Models()...)
	models = append(models, membership.Models()...)
	models = append(models, export.Models()...)
	models = append(models, courselink.Models()...)
	models = append(models, queue.Models()...)
	models = append(models, &notify.Notification{})
	return models
}
