package main

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/getsentry/sentry-go"
	"golang.org/x/sync/semaphore"
)

// Prober runs one probe. Implementations must honour the monitor timeout and
// report failures through the result.
type Prober interface {
	Check(ctx context.Context, monitor Monitor) ProbeResult
}

// Notifier accepts a notification that passed the gate.
type Notifier interface {
	Notify(ctx context.Context, message NotificationMessage) error
}

// SchedulerStore is what a monitoring cycle needs from the Store.
type SchedulerStore interface {
	IncidentStore
	MarkIncidentNotified(ctx context.Context, id string) error
	AppendLatency(ctx context.Context, sample LatencySample) error
	Snapshot(ctx context.Context) (AggregateSnapshot, error)
	SetSnapshot(ctx context.Context, snapshot AggregateSnapshot) error
	PurgeOlderThan(ctx context.Context, retentionDays int) error
}

const (
	// snapshotSlack lets a snapshot be rewritten slightly before a full
	// interval has elapsed, so a tick arriving a little early still counts.
	snapshotSlack = 10 * time.Second
	// retentionCheckInterval is how often expired rows are purged.
	retentionCheckInterval = 24 * time.Hour
)

type SchedulerOptions struct {
	Store    SchedulerStore
	Prober   Prober
	Notifier Notifier
	Gate     NotificationGate
	Monitors []Monitor

	// IntervalMinutes is clamped to at least one.
	IntervalMinutes     int
	MaxConcurrentChecks int64
	Location            string
	RetentionDays       int
	TimeZone            *time.Location
	Now                 func() time.Time
}

// Scheduler runs monitoring cycles on a fixed interval. At most one cycle
// runs at any time; a tick that arrives while a cycle is running is skipped.
type Scheduler struct {
	store         SchedulerStore
	prober        Prober
	notifier      Notifier
	gate          NotificationGate
	monitors      []Monitor
	interval      time.Duration
	maxConcurrent int64
	location      string
	retentionDays int
	timeZone      *time.Location
	now           func() time.Time

	mu       sync.Mutex
	running  bool
	shutdown chan struct{}
	loopDone chan struct{}

	inFlight    atomic.Bool
	cycles      sync.WaitGroup
	lastCleanup time.Time
}

func NewScheduler(options SchedulerOptions) *Scheduler {
	intervalMinutes := max(options.IntervalMinutes, 1)
	if options.MaxConcurrentChecks <= 0 {
		options.MaxConcurrentChecks = 10
	}
	if options.Location == "" {
		options.Location = "local"
	}
	if options.RetentionDays <= 0 {
		options.RetentionDays = 90
	}
	if options.TimeZone == nil {
		options.TimeZone = time.UTC
	}
	if options.Now == nil {
		options.Now = time.Now
	}

	return &Scheduler{
		store:         options.Store,
		prober:        options.Prober,
		notifier:      options.Notifier,
		gate:          options.Gate,
		monitors:      options.Monitors,
		interval:      time.Duration(intervalMinutes) * time.Minute,
		maxConcurrent: options.MaxConcurrentChecks,
		location:      options.Location,
		retentionDays: options.RetentionDays,
		timeZone:      options.TimeZone,
		now:           options.Now,
	}
}

// Start registers the interval timer and runs the first cycle right away in
// the background. Calling Start on a running scheduler does nothing.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return
	}
	s.running = true
	s.shutdown = make(chan struct{})
	s.loopDone = make(chan struct{})

	ticker := time.NewTicker(s.interval)
	go func() {
		defer close(s.loopDone)
		defer ticker.Stop()

		s.tryCycle()
		for {
			select {
			case <-s.shutdown:
				return
			case <-ticker.C:
				s.tryCycle()
			}
		}
	}()

	slog.Info("scheduler started", slog.Duration("interval", s.interval), slog.Int("monitor_count", len(s.monitors)))
}

// Stop cancels the timer and waits for an in-flight cycle to finish. It is
// safe to call more than once.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.shutdown)
	loopDone := s.loopDone
	s.mu.Unlock()

	<-loopDone
	s.cycles.Wait()
	slog.Info("scheduler stopped")
}

// Running reports whether the interval timer is registered.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// tryCycle starts a cycle in the background unless one is already running.
func (s *Scheduler) tryCycle() bool {
	if !s.inFlight.CompareAndSwap(false, true) {
		slog.Warn("previous monitoring cycle still running, skipping tick")
		return false
	}

	s.cycles.Go(func() {
		defer s.inFlight.Store(false)
		ctx := sentry.SetHubOnContext(context.Background(), sentry.CurrentHub().Clone())
		s.RunCycle(ctx)
	})
	return true
}

// RunCycle probes every monitor once, using a single timestamp for the whole
// pass. Failures of one monitor never stop the others.
func (s *Scheduler) RunCycle(ctx context.Context) {
	span := sentry.StartSpan(ctx, "function", sentry.WithDescription("Run Monitoring Cycle"))
	ctx = span.Context()
	defer span.Finish()

	now := s.now()
	cycleStart := time.Now()

	ups := make([]bool, len(s.monitors))
	var transitioned atomic.Bool

	limiter := semaphore.NewWeighted(s.maxConcurrent)
	wg := sync.WaitGroup{}
	for i, monitor := range s.monitors {
		wg.Go(func() {
			if err := limiter.Acquire(ctx, 1); err != nil {
				slog.ErrorContext(ctx, "acquiring semaphore for monitor check", slog.String("monitor_id", monitor.ID), slog.String("error", err.Error()))
				return
			}
			defer limiter.Release(1)

			up, changed := s.processMonitor(ctx, monitor, now)
			ups[i] = up
			if changed {
				transitioned.Store(true)
			}
		})
	}
	wg.Wait()

	var overallUp, overallDown int
	for _, up := range ups {
		if up {
			overallUp++
		} else {
			overallDown++
		}
	}

	s.writeSnapshot(ctx, now, overallUp, overallDown, transitioned.Load())
	s.purgeIfDue(ctx, now)

	slog.InfoContext(ctx, "monitoring cycle completed",
		slog.Int("up", overallUp),
		slog.Int("down", overallDown),
		slog.Duration("duration", time.Since(cycleStart)))
}

// processMonitor runs probe, incident step, latency append and notification
// for one monitor. It reports whether the monitor is up and whether it
// flipped state.
func (s *Scheduler) processMonitor(ctx context.Context, monitor Monitor, now time.Time) (bool, bool) {
	if hub := sentry.GetHubFromContext(ctx); hub != nil {
		ctx = sentry.SetHubOnContext(ctx, hub.Clone())
	}
	span := sentry.StartSpan(ctx, "function", sentry.WithDescription("Process Monitor"))
	span.SetData("lookout.monitor_id", monitor.ID)
	ctx = span.Context()
	defer span.Finish()

	result := s.prober.Check(ctx, monitor)

	outcome, err := EvaluateIncident(ctx, s.store, monitor.ID, result, now)
	if err != nil {
		s.captureError(ctx, monitor, fmt.Errorf("evaluating incident: %w", err))
		return false, false
	}

	if outcome.Transitioned {
		slog.InfoContext(ctx, "monitor changed state",
			slog.String("monitor_id", monitor.ID),
			slog.String("transition", outcome.Transition.String()),
			slog.String("reason", result.Error))
	}

	err = s.store.AppendLatency(ctx, LatencySample{
		MonitorID: monitor.ID,
		Location:  s.location,
		PingMs:    result.LatencyMs,
		Timestamp: now.Unix(),
	})
	if err != nil {
		s.captureError(ctx, monitor, fmt.Errorf("appending latency: %w", err))
	}

	s.notify(ctx, monitor, outcome, now)

	return outcome.Up, outcome.Transitioned
}

// notify sends at most one notification per step. A down notice stays pending
// for as long as the incident is open and has not been notified, so it goes
// out on the first cycle past the grace period.
func (s *Scheduler) notify(ctx context.Context, monitor Monitor, outcome IncidentOutcome, now time.Time) {
	if s.notifier == nil {
		return
	}

	incidentStart := time.Unix(outcome.Incident.Start, 0)

	var kind NotificationKind
	switch {
	case outcome.Transition == TransitionUp:
		kind = NotificationUp
	case !outcome.Up && !outcome.Incident.Notified:
		kind = NotificationDown
	default:
		return
	}

	decision := s.gate.Evaluate(monitor.ID, kind, incidentStart, now)
	if !decision.Allowed {
		slog.DebugContext(ctx, "notification suppressed",
			slog.String("monitor_id", monitor.ID),
			slog.String("kind", string(kind)),
			slog.String("reason", decision.Reason))
		return
	}

	reason := outcome.Incident.Error
	if kind == NotificationUp {
		reason = "OK"
	}
	message := FormatNotification(monitor, kind, incidentStart, now, reason, s.timeZone)
	if err := s.notifier.Notify(ctx, message); err != nil {
		slog.ErrorContext(ctx, "queueing notification", slog.String("monitor_id", monitor.ID), slog.String("error", err.Error()))
		return
	}

	if kind == NotificationDown {
		if err := s.store.MarkIncidentNotified(ctx, outcome.Incident.ID); err != nil {
			s.captureError(ctx, monitor, fmt.Errorf("marking incident notified: %w", err))
		}
	}
}

func (s *Scheduler) writeSnapshot(ctx context.Context, now time.Time, overallUp int, overallDown int, transitioned bool) {
	if !transitioned {
		last, err := s.store.Snapshot(ctx)
		if err != nil {
			slog.ErrorContext(ctx, "reading snapshot", slog.String("error", err.Error()))
		} else if now.Sub(time.Unix(last.LastUpdate, 0)) < s.interval-snapshotSlack {
			return
		}
	}

	err := s.store.SetSnapshot(ctx, AggregateSnapshot{
		LastUpdate:  now.Unix(),
		OverallUp:   overallUp,
		OverallDown: overallDown,
	})
	if err != nil {
		if hub := sentry.GetHubFromContext(ctx); hub != nil {
			hub.CaptureException(fmt.Errorf("writing snapshot: %w", err))
		}
		slog.ErrorContext(ctx, "writing snapshot", slog.String("error", err.Error()))
	}
}

func (s *Scheduler) purgeIfDue(ctx context.Context, now time.Time) {
	if !s.lastCleanup.IsZero() && now.Sub(s.lastCleanup) < retentionCheckInterval {
		return
	}
	s.lastCleanup = now

	if err := s.store.PurgeOlderThan(ctx, s.retentionDays); err != nil {
		if hub := sentry.GetHubFromContext(ctx); hub != nil {
			hub.CaptureException(fmt.Errorf("purging expired rows: %w", err))
		}
		slog.ErrorContext(ctx, "purging expired rows", slog.String("error", err.Error()))
		return
	}

	slog.InfoContext(ctx, "purged expired rows", slog.Int("retention_days", s.retentionDays))
}

func (s *Scheduler) captureError(ctx context.Context, monitor Monitor, err error) {
	if hub := sentry.GetHubFromContext(ctx); hub != nil {
		hub.Scope().SetTag("lookout.monitor_id", monitor.ID)
		hub.CaptureException(err)
	}
	slog.ErrorContext(ctx, "processing monitor", slog.String("monitor_id", monitor.ID), slog.String("error", err.Error()))
}
