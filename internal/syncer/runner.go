// Package syncer runs synchronization cycles: for every broker connection it
// pulls and processes events, pushes local changes back and catches up on the
// work that waits for mappings, users or courses to appear.
package syncer

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/campussync/internal/course"
	"github.com/MarcoPoloResearchLab/campussync/internal/directory"
	"github.com/MarcoPoloResearchLab/campussync/internal/ecs"
	"github.com/MarcoPoloResearchLab/campussync/internal/export"
	"github.com/MarcoPoloResearchLab/campussync/internal/membership"
	"github.com/MarcoPoloResearchLab/campussync/internal/metrics"
	"github.com/MarcoPoloResearchLab/campussync/internal/queue"
	"github.com/MarcoPoloResearchLab/campussync/internal/reconcile"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	opNew     = "syncer.new"
	opCycle   = "syncer.cycle"
	opRefresh = "syncer.refresh"

	StagePull       = "pull"
	StageProcess    = "process"
	StageExport     = "export"
	StageCourseURLs = "course_urls"
	StageEnrolments = "enrolment_status"
	StageCategories = "categories"
	StageSort       = "sort_courses"
	StageRoles      = "assign_roles"
	StageNotify     = "notify"
)

var (
	// ErrUnknownConnection means no enabled connection has the requested id.
	ErrUnknownConnection = errors.New("syncer: unknown connection")
	// ErrCycleRunning means a cycle for the connection is already in progress.
	ErrCycleRunning = errors.New("syncer: cycle already running")

	errMissingQueue        = errors.New("event queue is required")
	errMissingDirectories  = errors.New("directory reconciler is required")
	errMissingCourses      = errors.New("course reconciler is required")
	errMissingMemberships  = errors.New("membership reconciler is required")
	errMissingExports      = errors.New("export reconciler is required")
	errMissingNotifier     = errors.New("notifier is required")
	errDuplicateConnection = errors.New("duplicate broker connection")
	noOpLogger             = zap.NewNop()
	tracer                 = otel.Tracer("campussync/syncer")
)

// Notifier sends queued notifications and reports cycle failures.
type Notifier interface {
	Send(ctx context.Context, brokerID int64) (int, error)
	ReportError(ctx context.Context, brokerID int64, stage string, cause error)
}

// CacheResetter drops per-pass caches at the start of a cycle.
type CacheResetter interface {
	Reset()
}

type Config struct {
	Connections []ecs.Connection
	Queue       *queue.Queue
	Directories *directory.Reconciler
	Courses     *course.Reconciler
	Memberships *membership.Reconciler
	Exports     *export.Reconciler
	Notifier    Notifier
	// Caches are reset once per cycle, before any connection runs.
	Caches   []CacheResetter
	Interval time.Duration
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Runner owns the cycle schedule. Connections run concurrently; each one
// touches only its own broker partition of the local state.
type Runner struct {
	connections map[int64]ecs.Connection
	order       []int64
	queue       *queue.Queue
	directories *directory.Reconciler
	courses     *course.Reconciler
	memberships *membership.Reconciler
	exports     *export.Reconciler
	notifier    Notifier
	caches      []CacheResetter
	interval    time.Duration
	clock       func() time.Time
	logger      *zap.Logger

	mu      sync.Mutex
	running map[int64]bool
}

// Report summarizes one connection's cycle.
type Report struct {
	RunID         string                  `json:"run_id"`
	BrokerID      int64                   `json:"broker_id"`
	StartedAt     time.Time               `json:"started_at"`
	Duration      time.Duration           `json:"duration"`
	Pulled        int                     `json:"pulled"`
	Events        queue.ProcessResult     `json:"events"`
	Exports       export.PushResult       `json:"exports"`
	CourseURLs    export.URLResult        `json:"course_urls"`
	Enrolments    int                     `json:"enrolment_status"`
	Categories    int                     `json:"categories"`
	Sorted        int                     `json:"sorted"`
	Roles         membership.AssignResult `json:"roles"`
	Notifications int                     `json:"notifications"`
	Failures      map[string]string       `json:"failures,omitempty"`
}

// Failed reports whether any stage of the cycle failed.
func (r Report) Failed() bool {
	return len(r.Failures) > 0
}

func NewRunner(cfg Config) (*Runner, error) {
	switch {
	case cfg.Queue == nil:
		return nil, reconcile.Internal(opNew, "missing_queue", errMissingQueue)
	case cfg.Directories == nil:
		return nil, reconcile.Internal(opNew, "missing_directories", errMissingDirectories)
	case cfg.Courses == nil:
		return nil, reconcile.Internal(opNew, "missing_courses", errMissingCourses)
	case cfg.Memberships == nil:
		return nil, reconcile.Internal(opNew, "missing_memberships", errMissingMemberships)
	case cfg.Exports == nil:
		return nil, reconcile.Internal(opNew, "missing_exports", errMissingExports)
	case cfg.Notifier == nil:
		return nil, reconcile.Internal(opNew, "missing_notifier", errMissingNotifier)
	}
	connections := make(map[int64]ecs.Connection, len(cfg.Connections))
	order := make([]int64, 0, len(cfg.Connections))
	for _, conn := range cfg.Connections {
		brokerID := conn.BrokerID()
		if _, duplicate := connections[brokerID]; duplicate || brokerID == 0 {
			return nil, reconcile.NewError(opNew, "invalid_connection", reconcile.KindValidation, errDuplicateConnection)
		}
		connections[brokerID] = conn
		order = append(order, brokerID)
	}
	sort.Slice(order, func(i, j int) bool { return order[i] < order[j] })
	interval := cfg.Interval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Runner{
		connections: connections,
		order:       order,
		queue:       cfg.Queue,
		directories: cfg.Directories,
		courses:     cfg.Courses,
		memberships: cfg.Memberships,
		exports:     cfg.Exports,
		notifier:    cfg.Notifier,
		caches:      cfg.Caches,
		interval:    interval,
		clock:       clock,
		logger:      logger,
		running:     make(map[int64]bool),
	}, nil
}

// Connection returns the configured connection of a broker.
func (r *Runner) Connection(brokerID int64) (ecs.Connection, bool) {
	conn, ok := r.connections[brokerID]
	return conn, ok
}

// Connections lists the configured connections ordered by broker id.
func (r *Runner) Connections() []ecs.Connection {
	connections := make([]ecs.Connection, 0, len(r.order))
	for _, brokerID := range r.order {
		connections = append(connections, r.connections[brokerID])
	}
	return connections
}

// Run executes a cycle immediately and then on every interval until ctx ends.
func (r *Runner) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		if _, err := r.RunCycle(ctx); err != nil && ctx.Err() == nil {
			r.logger.Warn("cycle finished with failures", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// RunCycle runs one cycle for every connection concurrently. Stage failures do
// not stop the other connections; they are returned joined.
func (r *Runner) RunCycle(ctx context.Context) ([]Report, error) {
	for _, cache := range r.caches {
		cache.Reset()
	}
	reports := make([]Report, len(r.order))
	failures := make([]error, len(r.order))
	group, groupCtx := errgroup.WithContext(ctx)
	for index, brokerID := range r.order {
		group.Go(func() error {
			report, err := r.RunConnection(groupCtx, brokerID)
			reports[index] = report
			failures[index] = err
			return nil
		})
	}
	_ = group.Wait()
	return reports, errors.Join(failures...)
}

// RunConnection runs one cycle for a single broker.
func (r *Runner) RunConnection(ctx context.Context, brokerID int64) (Report, error) {
	conn, ok := r.connections[brokerID]
	if !ok {
		return Report{}, reconcile.NewError(opCycle, "unknown_connection", reconcile.KindValidation, ErrUnknownConnection)
	}
	if !r.acquire(brokerID) {
		return Report{}, reconcile.NewError(opCycle, "already_running", reconcile.KindPrecondition, ErrCycleRunning)
	}
	defer r.release(brokerID)

	runID, err := uuid.NewV7()
	if err != nil {
		return Report{}, reconcile.Internal(opCycle, "id_generation_failed", err)
	}
	started := r.clock()
	report := Report{RunID: runID.String(), BrokerID: brokerID, StartedAt: started.UTC()}
	logger := r.logger.With(zap.Int64("broker_id", brokerID), zap.String("run_id", report.RunID))
	ctx, span := tracer.Start(ctx, "syncer.RunConnection", trace.WithAttributes(
		attribute.Int64("broker_id", brokerID),
		attribute.String("run_id", report.RunID),
	))
	defer span.End()

	conn.Client.ResetCache()
	var failures []error
	fail := func(stage string, err error) {
		if err == nil {
			return
		}
		if report.Failures == nil {
			report.Failures = make(map[string]string)
		}
		report.Failures[stage] = err.Error()
		failures = append(failures, err)
		span.RecordError(err)
		metrics.CycleFailures.WithLabelValues(strconv.FormatInt(brokerID, 10), stage).Inc()
		logger.Error("cycle stage failed", zap.String("operation", opCycle), zap.String("stage", stage), zap.Error(err))
		r.notifier.ReportError(ctx, brokerID, stage, err)
	}

	if conn.ImportCourses || conn.ImportMemberships || conn.ImportDirectories || conn.ExportCourses {
		report.Pulled, err = r.queue.Pull(ctx, conn)
		fail(StagePull, err)
		report.Events, err = r.queue.Process(ctx, conn)
		fail(StageProcess, err)
	}

	report.Exports, err = r.exports.Push(ctx, conn)
	fail(StageExport, err)
	if conn.ImportCourses {
		report.CourseURLs, err = r.exports.PushCourseURLs(ctx, conn)
		fail(StageCourseURLs, err)
	}
	report.Enrolments, err = r.exports.PushEnrolmentStatus(ctx, conn)
	fail(StageEnrolments, err)

	if conn.ImportDirectories {
		report.Categories, err = r.directories.CreateAllCategories(ctx, brokerID)
		fail(StageCategories, err)
	}
	if conn.ImportCourses {
		report.Sorted, err = r.courses.SortCourses(ctx, brokerID, 0)
		fail(StageSort, err)
	}
	if conn.ImportMemberships {
		report.Roles, err = r.memberships.AssignAllRoles(ctx, brokerID)
		fail(StageRoles, err)
	}

	report.Notifications, err = r.notifier.Send(ctx, brokerID)
	fail(StageNotify, err)

	report.Duration = r.clock().Sub(started)
	metrics.CycleDuration.WithLabelValues(strconv.FormatInt(brokerID, 10)).Observe(report.Duration.Seconds())
	logger.Info("cycle finished",
		zap.Int("pulled", report.Pulled),
		zap.Int("applied", report.Events.Applied),
		zap.Int("deferred", report.Events.Deferred),
		zap.Int("failed_stages", len(report.Failures)),
		zap.Duration("duration", report.Duration))
	return report, errors.Join(failures...)
}

// RefreshDirectories re-reads every directory tree resource of a broker and
// reconciles the local forest against it.
func (r *Runner) RefreshDirectories(ctx context.Context, brokerID int64) (directory.RefreshResult, error) {
	conn, ok := r.connections[brokerID]
	if !ok {
		return directory.RefreshResult{}, reconcile.NewError(opRefresh, "unknown_connection", reconcile.KindValidation, ErrUnknownConnection)
	}
	if !r.acquire(brokerID) {
		return directory.RefreshResult{}, reconcile.NewError(opRefresh, "already_running", reconcile.KindPrecondition, ErrCycleRunning)
	}
	defer r.release(brokerID)
	conn.Client.ResetCache()
	result, err := r.directories.RefreshFromECS(ctx, conn)
	if err != nil {
		r.notifier.ReportError(ctx, brokerID, "refresh_directories", err)
	}
	return result, err
}

func (r *Runner) acquire(brokerID int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running[brokerID] {
		return false
	}
	r.running[brokerID] = true
	return true
}

func (r *Runner) release(brokerID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.running, brokerID)
}
