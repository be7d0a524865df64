// Package scheduler runs durable time-triggered jobs. Schedules persist as
// JSON lines, survive restarts, and fire either by submitting a task through
// a session factory or by appending an event to the journal.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/keel/internal/observability"
	"github.com/haasonsaas/keel/pkg/models"
)

const (
	// DefaultTickInterval is how often the due scan runs.
	DefaultTickInterval = 60 * time.Second

	// DefaultMaxConcurrentJobs bounds parallel job executions.
	DefaultMaxConcurrentJobs = 5

	// DefaultMissedGrace is how far past due a recurring fire may be before
	// the missed-run policy applies instead of a normal fire.
	DefaultMissedGrace = 2 * time.Minute

	// DefaultCatchupCap bounds catchup_all bursts.
	DefaultCatchupCap = 10

	// DefaultJobTimeout bounds a single action execution.
	DefaultJobTimeout = 60 * time.Second

	// DefaultMaxFailures is the consecutive-failure limit before a schedule
	// is marked failed.
	DefaultMaxFailures = 3
)

// SessionRef identifies the session a createSession action submitted.
type SessionRef struct {
	SessionID string `json:"session_id"`
}

// SessionFactory submits a scheduled task for execution and returns once the
// session is accepted. The session itself runs on the kernel's own workers,
// so implementations must not block until completion.
type SessionFactory func(ctx context.Context, taskText, scheduleID string) (SessionRef, error)

// Journal is the event sink. *journal.Journal satisfies it.
type Journal interface {
	Append(ctx context.Context, typ models.EventType, sessionID string, payload map[string]any) (models.Event, error)
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithTickInterval sets the due-scan period.
func WithTickInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.tickInterval = d
		}
	}
}

// WithMaxConcurrentJobs bounds how many jobs run in parallel.
func WithMaxConcurrentJobs(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.maxJobs = n
		}
	}
}

// WithMissedGrace sets how far past due a recurring fire may be before the
// missed-run policy takes over.
func WithMissedGrace(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.missedGrace = d
		}
	}
}

// WithCatchupCap bounds how many fires a catchup_all burst may produce.
func WithCatchupCap(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.catchupCap = n
		}
	}
}

// WithJobTimeout bounds a single action execution.
func WithJobTimeout(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.jobTimeout = d
		}
	}
}

// WithNow injects the clock.
func WithNow(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// WithLogger sets the slog logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = logger }
}

// WithMetrics attaches Prometheus instrumentation.
func WithMetrics(m *observability.Metrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// Scheduler owns the tick loop and the schedule lifecycle. All state lives
// in the Store; the Scheduler itself only tracks in-flight executions.
type Scheduler struct {
	store   *Store
	journal Journal
	factory SessionFactory

	tickInterval time.Duration
	maxJobs      int
	missedGrace  time.Duration
	catchupCap   int
	jobTimeout   time.Duration
	now          func() time.Time
	logger       *slog.Logger
	metrics      *observability.Metrics

	mu       sync.Mutex
	running  bool
	inFlight map[string]struct{}
	cancel   context.CancelFunc
	done     chan struct{}

	sem chan struct{}
	wg  sync.WaitGroup
}

// New creates a Scheduler over an opened store. The factory may be nil when
// no schedule uses createSession actions.
func New(store *Store, journal Journal, factory SessionFactory, opts ...Option) (*Scheduler, error) {
	if store == nil {
		return nil, fmt.Errorf("scheduler: store is required")
	}
	if journal == nil {
		return nil, fmt.Errorf("scheduler: journal is required")
	}

	s := &Scheduler{
		store:        store,
		journal:      journal,
		factory:      factory,
		tickInterval: DefaultTickInterval,
		maxJobs:      DefaultMaxConcurrentJobs,
		missedGrace:  DefaultMissedGrace,
		catchupCap:   DefaultCatchupCap,
		jobTimeout:   DefaultJobTimeout,
		now:          time.Now,
		logger:       slog.Default().With("component", "scheduler"),
		inFlight:     make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.sem = make(chan struct{}, s.maxJobs)
	return s, nil
}

// CreateRequest carries the fields of a new schedule.
type CreateRequest struct {
	Name    string
	Trigger models.Trigger
	Action  models.Action
	Options models.ScheduleOptions
}

// Create validates, persists, and announces a new schedule. The schedule is
// active immediately; an at trigger in the past still fires on the next tick.
func (s *Scheduler) Create(ctx context.Context, req CreateRequest) (*models.Schedule, error) {
	if strings.TrimSpace(req.Name) == "" {
		return nil, fmt.Errorf("scheduler: schedule requires a name")
	}
	if err := ValidateTrigger(req.Trigger); err != nil {
		return nil, err
	}
	if err := validateAction(req.Action); err != nil {
		return nil, err
	}
	options, err := normalizeOptions(req.Options)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	sched := &models.Schedule{
		ScheduleID: uuid.NewString(),
		Name:       req.Name,
		Trigger:    req.Trigger,
		Action:     req.Action,
		Options:    options,
		Status:     models.ScheduleActive,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	next, err := initialNextRun(sched, now)
	if err != nil {
		return nil, err
	}
	sched.NextRunAt = next
	if next == nil {
		sched.Status = models.ScheduleCompleted
	}

	if err := s.store.Put(sched); err != nil {
		return nil, err
	}
	s.emit(ctx, models.EventSchedulerScheduleCreated, models.SchedulerEventPayload{
		ScheduleID: sched.ScheduleID,
		Name:       sched.Name,
		Action:     string(sched.Action.Type),
	})
	s.updateGauge()
	s.logger.Info("schedule created",
		"schedule_id", sched.ScheduleID, "name", sched.Name,
		"trigger", string(sched.Trigger.Type), "next_run_at", sched.NextRunAt)
	return sched.Clone(), nil
}

// UpdateRequest carries replacement fields for a schedule. Nil fields keep
// their current value.
type UpdateRequest struct {
	Name    *string
	Trigger *models.Trigger
	Action  *models.Action
	Options *models.ScheduleOptions
}

// Update mutates a schedule in place. Changing the trigger recomputes
// next_run_at from now under the new rule.
func (s *Scheduler) Update(ctx context.Context, id string, req UpdateRequest) (*models.Schedule, error) {
	sched, err := s.store.Get(id)
	if err != nil {
		return nil, err
	}

	retrigger := false
	if req.Name != nil {
		if strings.TrimSpace(*req.Name) == "" {
			return nil, fmt.Errorf("scheduler: schedule requires a name")
		}
		sched.Name = *req.Name
	}
	if req.Trigger != nil {
		if err := ValidateTrigger(*req.Trigger); err != nil {
			return nil, err
		}
		sched.Trigger = *req.Trigger
		retrigger = true
	}
	if req.Action != nil {
		if err := validateAction(*req.Action); err != nil {
			return nil, err
		}
		sched.Action = *req.Action
	}
	if req.Options != nil {
		options, err := normalizeOptions(*req.Options)
		if err != nil {
			return nil, err
		}
		sched.Options = options
	}

	now := s.now().UTC()
	if retrigger && !sched.Status.IsTerminal() {
		next, err := initialNextRun(sched, now)
		if err != nil {
			return nil, err
		}
		sched.NextRunAt = next
		if next == nil {
			sched.Status = models.ScheduleCompleted
		}
	}
	sched.UpdatedAt = now

	if err := s.store.Put(sched); err != nil {
		return nil, err
	}
	s.emit(ctx, models.EventSchedulerScheduleUpdated, models.SchedulerEventPayload{
		ScheduleID: sched.ScheduleID,
		Name:       sched.Name,
		Action:     string(sched.Action.Type),
	})
	s.updateGauge()
	return sched.Clone(), nil
}

// Delete removes a schedule permanently.
func (s *Scheduler) Delete(ctx context.Context, id string) error {
	sched, err := s.store.Get(id)
	if err != nil {
		return err
	}
	if err := s.store.Delete(id); err != nil {
		return err
	}
	s.emit(ctx, models.EventSchedulerScheduleDeleted, models.SchedulerEventPayload{
		ScheduleID: sched.ScheduleID,
		Name:       sched.Name,
	})
	s.updateGauge()
	return nil
}

// Pause excludes a schedule from due scans until resumed.
func (s *Scheduler) Pause(ctx context.Context, id string) (*models.Schedule, error) {
	sched, err := s.store.Get(id)
	if err != nil {
		return nil, err
	}
	if sched.Status.IsTerminal() {
		return nil, fmt.Errorf("scheduler: cannot pause %s schedule", sched.Status)
	}
	if sched.Status == models.SchedulePaused {
		return sched, nil
	}

	sched.Status = models.SchedulePaused
	sched.UpdatedAt = s.now().UTC()
	if err := s.store.Put(sched); err != nil {
		return nil, err
	}
	s.emit(ctx, models.EventSchedulerScheduleUpdated, models.SchedulerEventPayload{
		ScheduleID: sched.ScheduleID,
		Name:       sched.Name,
	})
	s.updateGauge()
	return sched.Clone(), nil
}

// Resume reactivates a paused schedule, recomputing next_run_at from now so
// the pause window is not treated as missed runs.
func (s *Scheduler) Resume(ctx context.Context, id string) (*models.Schedule, error) {
	sched, err := s.store.Get(id)
	if err != nil {
		return nil, err
	}
	if sched.Status != models.SchedulePaused {
		return nil, fmt.Errorf("scheduler: cannot resume %s schedule", sched.Status)
	}

	now := s.now().UTC()
	sched.Status = models.ScheduleActive
	next, err := initialNextRun(sched, now)
	if err != nil {
		return nil, err
	}
	sched.NextRunAt = next
	if next == nil {
		sched.Status = models.ScheduleCompleted
	}
	sched.UpdatedAt = now

	if err := s.store.Put(sched); err != nil {
		return nil, err
	}
	s.emit(ctx, models.EventSchedulerScheduleUpdated, models.SchedulerEventPayload{
		ScheduleID: sched.ScheduleID,
		Name:       sched.Name,
	})
	s.updateGauge()
	return sched.Clone(), nil
}

// Get returns a copy of one schedule.
func (s *Scheduler) Get(id string) (*models.Schedule, error) {
	return s.store.Get(id)
}

// List returns copies of all schedules in creation order.
func (s *Scheduler) List() []*models.Schedule {
	return s.store.List()
}

// Start refreshes stale next-run times and begins the tick loop. Calling
// Start on a running scheduler is a no-op.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.running = true
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	now := s.now().UTC()
	active := 0
	for _, sched := range s.store.List() {
		if sched.Status != models.ScheduleActive {
			continue
		}
		active++
		if sched.NextRunAt != nil {
			continue
		}
		next, err := initialNextRun(sched, now)
		if err != nil {
			s.logger.Warn("recompute next run",
				"schedule_id", sched.ScheduleID, "error", err)
			continue
		}
		sched.NextRunAt = next
		if next == nil {
			sched.Status = models.ScheduleCompleted
		}
		sched.UpdatedAt = now
		if err := s.store.Put(sched); err != nil {
			s.logger.Error("persist schedule",
				"schedule_id", sched.ScheduleID, "error", err)
		}
	}

	if _, err := s.journal.Append(ctx, models.EventSchedulerStarted, "", map[string]any{
		"schedules":        s.store.Len(),
		"active":           active,
		"tick_interval_ms": s.tickInterval.Milliseconds(),
	}); err != nil {
		s.logger.Warn("journal append failed", "type", models.EventSchedulerStarted, "error", err)
	}
	s.updateGauge()
	s.logger.Info("scheduler started", "schedules", s.store.Len(), "active", active)

	go s.loop(loopCtx)
	return nil
}

// Stop halts the tick loop and waits for in-flight jobs, bounded by ctx.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	cancel := s.cancel
	done := s.done
	s.mu.Unlock()

	cancel()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	finished := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
	case <-ctx.Done():
		return ctx.Err()
	}

	if _, err := s.journal.Append(ctx, models.EventSchedulerStopped, "", map[string]any{
		"schedules": s.store.Len(),
	}); err != nil {
		s.logger.Warn("journal append failed", "type", models.EventSchedulerStopped, "error", err)
	}
	s.logger.Info("scheduler stopped")
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	// Fire anything already due instead of waiting out the first tick.
	s.tick(ctx)

	ticker := time.NewTicker(s.tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick dispatches due schedules onto the bounded pool. Saturation leaves the
// remaining due schedules for the next tick.
func (s *Scheduler) tick(ctx context.Context) int {
	now := s.now().UTC()
	dispatched := 0
	for _, sched := range s.dueSchedules(now) {
		if !s.claim(sched.ScheduleID) {
			continue
		}
		select {
		case s.sem <- struct{}{}:
		default:
			s.release(sched.ScheduleID)
			continue
		}
		dispatched++
		s.wg.Add(1)
		go func(sched *models.Schedule) {
			defer s.wg.Done()
			defer func() { <-s.sem }()
			defer s.release(sched.ScheduleID)
			// Shutdown stops new ticks but lets in-flight jobs finish;
			// the per-job timeout still bounds them.
			s.fire(context.WithoutCancel(ctx), sched)
		}(sched)
	}
	return dispatched
}

// RunOnce scans for due schedules and fires them synchronously on the
// calling goroutine, reporting how many were handled. It exists for tests
// and for one-shot CLI invocations.
func (s *Scheduler) RunOnce(ctx context.Context) int {
	now := s.now().UTC()
	handled := 0
	for _, sched := range s.dueSchedules(now) {
		if !s.claim(sched.ScheduleID) {
			continue
		}
		s.fire(ctx, sched)
		s.release(sched.ScheduleID)
		handled++
	}
	return handled
}

// dueSchedules returns active schedules whose next_run_at is at or before
// now. A next_run_at exactly equal to now fires on this scan.
func (s *Scheduler) dueSchedules(now time.Time) []*models.Schedule {
	var due []*models.Schedule
	for _, sched := range s.store.List() {
		if sched.Status != models.ScheduleActive || sched.NextRunAt == nil {
			continue
		}
		if !sched.NextRunAt.After(now) {
			due = append(due, sched)
		}
	}
	return due
}

// fire executes one due schedule: it applies the missed-run policy for
// recurring triggers, runs the action once per owed occurrence, and persists
// the advanced schedule. One-shot at triggers always fire, however late.
func (s *Scheduler) fire(ctx context.Context, sched *models.Schedule) {
	now := s.now().UTC()
	due := *sched.NextRunAt

	fires := 1
	if sched.Trigger.Type != models.TriggerAt && now.Sub(due) > s.missedGrace {
		policy := sched.Options.MissedPolicy
		if policy == "" {
			policy = models.MissedSkip
		}
		switch policy {
		case models.MissedCatchupOne:
			fires = 1
		case models.MissedCatchupAll:
			fires = missedOccurrences(sched.Trigger, due, now, s.catchupCap)
		default:
			s.skipMissed(sched, now, due)
			return
		}
	}

	for i := 0; i < fires; i++ {
		missed := 0
		if fires > 1 {
			missed = fires
		}
		if err := s.executeOnce(ctx, sched, now, missed); err != nil {
			s.recordFailure(ctx, sched, now, err)
			return
		}
	}
	s.advance(ctx, sched, now)
}

// executeOnce emits job_triggered, runs the action bounded by the job
// timeout, and on success folds the result into the schedule.
func (s *Scheduler) executeOnce(ctx context.Context, sched *models.Schedule, now time.Time, missed int) error {
	s.emit(ctx, models.EventSchedulerJobTriggered, models.SchedulerEventPayload{
		ScheduleID: sched.ScheduleID,
		Name:       sched.Name,
		Action:     string(sched.Action.Type),
		RunCount:   sched.RunCount + 1,
		Missed:     missed,
	})
	if s.metrics != nil {
		s.metrics.RecordSchedulerJob("triggered")
	}

	runCtx, cancel := context.WithTimeout(ctx, s.jobTimeout)
	defer cancel()

	sessionID := ""
	var err error
	switch sched.Action.Type {
	case models.ActionCreateSession:
		if s.factory == nil {
			err = fmt.Errorf("scheduler: no session factory configured")
			break
		}
		var ref SessionRef
		ref, err = s.factory(runCtx, sched.Action.TaskText, sched.ScheduleID)
		sessionID = ref.SessionID
	case models.ActionEmitEvent:
		_, err = s.journal.Append(runCtx, models.EventType(sched.Action.EventType),
			sched.Action.SessionID, sched.Action.Payload)
	default:
		err = fmt.Errorf("scheduler: unknown action type %q", sched.Action.Type)
	}
	if err != nil {
		return err
	}

	sched.RunCount++
	sched.LastRunAt = &now
	sched.FailureCount = 0
	sched.LastError = ""
	if sessionID != "" {
		sched.LastSessionID = sessionID
	}

	s.emit(ctx, models.EventSchedulerJobCompleted, models.SchedulerEventPayload{
		ScheduleID: sched.ScheduleID,
		Name:       sched.Name,
		Action:     string(sched.Action.Type),
		SessionID:  sessionID,
		RunCount:   sched.RunCount,
	})
	if s.metrics != nil {
		s.metrics.RecordSchedulerJob("completed")
	}
	return nil
}

// advance computes the firing after a successful burst and persists. A
// consumed one-shot completes; completed schedules marked delete_after_run
// are removed instead of kept.
func (s *Scheduler) advance(ctx context.Context, sched *models.Schedule, now time.Time) {
	next, ok, err := nextOccurrence(sched.Trigger, now)
	switch {
	case err != nil:
		sched.Status = models.ScheduleFailed
		sched.NextRunAt = nil
		sched.LastError = err.Error()
	case !ok:
		sched.Status = models.ScheduleCompleted
		sched.NextRunAt = nil
	default:
		sched.NextRunAt = &next
	}
	sched.UpdatedAt = now

	if sched.Options.DeleteAfterRun && sched.Status == models.ScheduleCompleted {
		if err := s.store.Delete(sched.ScheduleID); err != nil && !errors.Is(err, ErrScheduleNotFound) {
			s.logger.Error("delete schedule",
				"schedule_id", sched.ScheduleID, "error", err)
		} else {
			s.emit(ctx, models.EventSchedulerScheduleDeleted, models.SchedulerEventPayload{
				ScheduleID: sched.ScheduleID,
				Name:       sched.Name,
			})
		}
		s.updateGauge()
		return
	}

	if err := s.store.Put(sched); err != nil {
		s.logger.Error("persist schedule",
			"schedule_id", sched.ScheduleID, "error", err)
	}
	s.updateGauge()
}

// skipMissed advances a recurring schedule past missed occurrences without
// firing: run_count and last_run_at stay untouched.
func (s *Scheduler) skipMissed(sched *models.Schedule, now, due time.Time) {
	if s.metrics != nil {
		s.metrics.RecordSchedulerJob("missed")
	}
	s.logger.Info("skipping missed run",
		"schedule_id", sched.ScheduleID, "name", sched.Name,
		"due", due, "late", now.Sub(due).String())

	next, ok, err := nextOccurrence(sched.Trigger, now)
	switch {
	case err != nil:
		sched.Status = models.ScheduleFailed
		sched.NextRunAt = nil
		sched.LastError = err.Error()
	case !ok:
		sched.Status = models.ScheduleCompleted
		sched.NextRunAt = nil
	default:
		sched.NextRunAt = &next
	}
	sched.UpdatedAt = now

	if err := s.store.Put(sched); err != nil {
		s.logger.Error("persist schedule",
			"schedule_id", sched.ScheduleID, "error", err)
	}
	s.updateGauge()
}

// recordFailure bumps the failure counter and either fails the schedule or
// lines up the next attempt. Recurring triggers retry at their next
// occurrence; a one-shot keeps its past due time and retries next tick.
func (s *Scheduler) recordFailure(ctx context.Context, sched *models.Schedule, now time.Time, cause error) {
	sched.FailureCount++
	sched.LastError = cause.Error()
	sched.UpdatedAt = now

	maxFailures := sched.Options.MaxFailures
	if maxFailures <= 0 {
		maxFailures = DefaultMaxFailures
	}

	if sched.FailureCount >= maxFailures {
		sched.Status = models.ScheduleFailed
		sched.NextRunAt = nil
	} else if sched.Trigger.Type != models.TriggerAt {
		next, ok, err := nextOccurrence(sched.Trigger, now)
		switch {
		case err != nil:
			sched.Status = models.ScheduleFailed
			sched.NextRunAt = nil
		case !ok:
			sched.Status = models.ScheduleFailed
			sched.NextRunAt = nil
		default:
			sched.NextRunAt = &next
		}
	}

	s.emit(ctx, models.EventSchedulerJobFailed, models.SchedulerEventPayload{
		ScheduleID: sched.ScheduleID,
		Name:       sched.Name,
		Action:     string(sched.Action.Type),
		Error:      cause.Error(),
		RunCount:   sched.RunCount,
	})
	if s.metrics != nil {
		s.metrics.RecordSchedulerJob("failed")
	}
	s.logger.Warn("scheduled job failed",
		"schedule_id", sched.ScheduleID, "name", sched.Name,
		"failures", sched.FailureCount, "error", cause)

	if err := s.store.Put(sched); err != nil {
		s.logger.Error("persist schedule",
			"schedule_id", sched.ScheduleID, "error", err)
	}
	s.updateGauge()
}

func (s *Scheduler) claim(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.inFlight[id]; busy {
		return false
	}
	s.inFlight[id] = struct{}{}
	return true
}

func (s *Scheduler) release(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inFlight, id)
}

func (s *Scheduler) emit(ctx context.Context, typ models.EventType, payload models.SchedulerEventPayload) {
	if ctx == nil || ctx.Err() != nil {
		ctx = context.Background()
	}
	if _, err := s.journal.Append(ctx, typ, "", models.PayloadMap(payload)); err != nil {
		s.logger.Warn("journal append failed", "type", typ, "error", err)
	}
}

func (s *Scheduler) updateGauge() {
	if s.metrics == nil {
		return
	}
	active := 0
	for _, sched := range s.store.List() {
		if sched.Status == models.ScheduleActive {
			active++
		}
	}
	s.metrics.SetActiveSchedules(active)
}

func validateAction(a models.Action) error {
	switch a.Type {
	case models.ActionCreateSession:
		if strings.TrimSpace(a.TaskText) == "" {
			return fmt.Errorf("scheduler: createSession action requires task_text")
		}
		return nil
	case models.ActionEmitEvent:
		if strings.TrimSpace(a.EventType) == "" {
			return fmt.Errorf("scheduler: emitEvent action requires event_type")
		}
		return nil
	default:
		return fmt.Errorf("scheduler: unknown action type %q", a.Type)
	}
}

func normalizeOptions(o models.ScheduleOptions) (models.ScheduleOptions, error) {
	switch o.MissedPolicy {
	case "", models.MissedSkip, models.MissedCatchupOne, models.MissedCatchupAll:
	default:
		return o, fmt.Errorf("scheduler: unknown missed policy %q", o.MissedPolicy)
	}
	if o.MissedPolicy == "" {
		o.MissedPolicy = models.MissedSkip
	}
	if o.MaxFailures <= 0 {
		o.MaxFailures = DefaultMaxFailures
	}
	return o, nil
}
