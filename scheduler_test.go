package main

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type stubProber struct {
	mu      sync.Mutex
	results map[string]ProbeResult
	calls   atomic.Int64
}

func newStubProber() *stubProber {
	return &stubProber{results: make(map[string]ProbeResult)}
}

func (p *stubProber) set(monitorID string, result ProbeResult) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.results[monitorID] = result
}

func (p *stubProber) Check(ctx context.Context, monitor Monitor) ProbeResult {
	p.calls.Add(1)
	p.mu.Lock()
	defer p.mu.Unlock()
	if result, ok := p.results[monitor.ID]; ok {
		return result
	}
	return ProbeResult{Up: true, LatencyMs: 1}
}

type blockingProber struct {
	entered chan struct{}
	release chan struct{}
}

func (p *blockingProber) Check(ctx context.Context, monitor Monitor) ProbeResult {
	p.entered <- struct{}{}
	<-p.release
	return ProbeResult{Up: true, LatencyMs: 1}
}

type recordingNotifier struct {
	mu       sync.Mutex
	messages []NotificationMessage
	err      error
}

func (n *recordingNotifier) Notify(ctx context.Context, message NotificationMessage) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return n.err
	}
	n.messages = append(n.messages, message)
	return nil
}

func (n *recordingNotifier) kinds() []NotificationKind {
	n.mu.Lock()
	defer n.mu.Unlock()
	kinds := make([]NotificationKind, 0, len(n.messages))
	for _, message := range n.messages {
		kinds = append(kinds, message.Kind)
	}
	return kinds
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// preserveSnapshot restores the shared snapshot row after the test.
func preserveSnapshot(t *testing.T, store *Store) {
	t.Helper()
	previous, err := store.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("failed to read snapshot: %v", err)
	}
	if err := store.SetSnapshot(context.Background(), AggregateSnapshot{}); err != nil {
		t.Fatalf("failed to reset snapshot: %v", err)
	}
	t.Cleanup(func() {
		_ = store.SetSnapshot(context.Background(), previous)
	})
}

func TestScheduler_GracePeriodNotifications(t *testing.T) {
	ctx := context.Background()
	store := NewStore(db)
	preserveSnapshot(t, store)

	tests := []struct {
		name        string
		monitorID   string
		downMinutes int
		want        []NotificationKind
	}{
		{name: "Two minute outage stays quiet", monitorID: "grace-short", downMinutes: 2, want: []NotificationKind{}},
		{name: "Six minute outage notifies once each way", monitorID: "grace-long", downMinutes: 6, want: []NotificationKind{NotificationDown, NotificationUp}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cleanupMonitorRows(t, tt.monitorID)

			clock := &fakeClock{now: time.Now().Truncate(time.Minute)}
			prober := newStubProber()
			notifier := &recordingNotifier{}
			scheduler := NewScheduler(SchedulerOptions{
				Store:           store,
				Prober:          prober,
				Notifier:        notifier,
				Gate:            NotificationGate{GracePeriodMinutes: 5},
				Monitors:        []Monitor{{ID: tt.monitorID, Name: "Grace"}},
				IntervalMinutes: 1,
				Now:             clock.Now,
			})

			// healthy baseline seeds the placeholder
			scheduler.RunCycle(ctx)
			clock.Advance(time.Minute)

			prober.set(tt.monitorID, ProbeResult{Error: "connection refused"})
			for i := 0; i < tt.downMinutes; i++ {
				scheduler.RunCycle(ctx)
				clock.Advance(time.Minute)
			}

			prober.set(tt.monitorID, ProbeResult{Up: true, LatencyMs: 3})
			scheduler.RunCycle(ctx)
			clock.Advance(time.Minute)
			scheduler.RunCycle(ctx)

			got := notifier.kinds()
			if len(got) != len(tt.want) {
				t.Fatalf("expected notifications %v, got %v", tt.want, got)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("notification %d: expected %s, got %s", i, tt.want[i], got[i])
				}
			}

			if count := countOpenIncidents(t, tt.monitorID); count != 0 {
				t.Errorf("expected no open incident after recovery, got %d", count)
			}
		})
	}
}

func TestScheduler_DownNotificationWithoutGrace(t *testing.T) {
	ctx := context.Background()
	store := NewStore(db)
	preserveSnapshot(t, store)
	const monitorID = "nograce"
	cleanupMonitorRows(t, monitorID)

	clock := &fakeClock{now: time.Now().Truncate(time.Minute)}
	prober := newStubProber()
	prober.set(monitorID, ProbeResult{Error: "Timeout after 10000ms"})
	notifier := &recordingNotifier{err: errors.New("queue closed")}
	scheduler := NewScheduler(SchedulerOptions{
		Store:    store,
		Prober:   prober,
		Notifier: notifier,
		Monitors: []Monitor{{ID: monitorID, Name: "No Grace"}},
		Now:      clock.Now,
	})

	// A failed enqueue leaves the incident pending for the next cycle.
	scheduler.RunCycle(ctx)
	if len(notifier.kinds()) != 0 {
		t.Fatal("expected no recorded notification while the queue fails")
	}

	notifier.mu.Lock()
	notifier.err = nil
	notifier.mu.Unlock()

	clock.Advance(time.Minute)
	scheduler.RunCycle(ctx)
	clock.Advance(time.Minute)
	scheduler.RunCycle(ctx)

	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	if len(notifier.messages) != 1 {
		t.Fatalf("expected exactly one down notification, got %d", len(notifier.messages))
	}
	if notifier.messages[0].Title != "🔴 No Grace is still down." {
		t.Errorf("unexpected title %q", notifier.messages[0].Title)
	}
}

func TestScheduler_SkipListSuppresses(t *testing.T) {
	ctx := context.Background()
	store := NewStore(db)
	preserveSnapshot(t, store)
	const monitorID = "skipped"
	cleanupMonitorRows(t, monitorID)

	clock := &fakeClock{now: time.Now().Truncate(time.Minute)}
	prober := newStubProber()
	prober.set(monitorID, ProbeResult{Error: "connection refused"})
	notifier := &recordingNotifier{}
	scheduler := NewScheduler(SchedulerOptions{
		Store:    store,
		Prober:   prober,
		Notifier: notifier,
		Gate:     NotificationGate{SkipMonitorIDs: []string{monitorID}},
		Monitors: []Monitor{{ID: monitorID, Name: "Skipped"}},
		Now:      clock.Now,
	})

	scheduler.RunCycle(ctx)
	clock.Advance(time.Minute)
	prober.set(monitorID, ProbeResult{Up: true, LatencyMs: 2})
	scheduler.RunCycle(ctx)

	if kinds := notifier.kinds(); len(kinds) != 0 {
		t.Errorf("expected no notifications, got %v", kinds)
	}
}

func TestScheduler_SnapshotCoalescing(t *testing.T) {
	ctx := context.Background()
	store := NewStore(db)
	preserveSnapshot(t, store)
	const monitorID = "snapshot-coalescing"
	cleanupMonitorRows(t, monitorID)

	start := time.Now().Truncate(time.Minute)
	clock := &fakeClock{now: start}
	prober := newStubProber()
	scheduler := NewScheduler(SchedulerOptions{
		Store:           store,
		Prober:          prober,
		Monitors:        []Monitor{{ID: monitorID, Name: "Snapshot"}},
		IntervalMinutes: 1,
		Now:             clock.Now,
	})

	readSnapshot := func() AggregateSnapshot {
		t.Helper()
		snapshot, err := store.Snapshot(ctx)
		if err != nil {
			t.Fatalf("failed to read snapshot: %v", err)
		}
		return snapshot
	}

	scheduler.RunCycle(ctx)
	if got := readSnapshot(); got.LastUpdate != start.Unix() || got.OverallUp != 1 || got.OverallDown != 0 {
		t.Fatalf("expected initial snapshot write, got %+v", got)
	}

	clock.Advance(20 * time.Second)
	scheduler.RunCycle(ctx)
	if got := readSnapshot(); got.LastUpdate != start.Unix() {
		t.Errorf("expected snapshot to be coalesced, got last update %d", got.LastUpdate)
	}

	clock.Advance(30 * time.Second)
	scheduler.RunCycle(ctx)
	if got := readSnapshot(); got.LastUpdate != start.Add(50*time.Second).Unix() {
		t.Errorf("expected snapshot within the slack to be written, got last update %d", got.LastUpdate)
	}

	// A transition forces a write even right after the last one.
	clock.Advance(5 * time.Second)
	prober.set(monitorID, ProbeResult{Error: "connection refused"})
	scheduler.RunCycle(ctx)
	got := readSnapshot()
	if got.LastUpdate != start.Add(55*time.Second).Unix() || got.OverallDown != 1 || got.OverallUp != 0 {
		t.Errorf("expected transition to force a write, got %+v", got)
	}
}

type failingStore struct {
	*Store
	failMonitorID string
	purges        atomic.Int64
}

func (s *failingStore) LatestIncident(ctx context.Context, monitorID string) (IncidentRecord, bool, error) {
	if monitorID == s.failMonitorID {
		return IncidentRecord{}, false, errors.New("disk I/O error")
	}
	return s.Store.LatestIncident(ctx, monitorID)
}

func (s *failingStore) PurgeOlderThan(ctx context.Context, retentionDays int) error {
	s.purges.Add(1)
	return s.Store.PurgeOlderThan(ctx, retentionDays)
}

func TestScheduler_StoreFailureIsolatedToMonitor(t *testing.T) {
	ctx := context.Background()
	store := NewStore(db)
	preserveSnapshot(t, store)
	cleanupMonitorRows(t, "isolated-broken", "isolated-healthy")

	clock := &fakeClock{now: time.Now().Truncate(time.Minute)}
	scheduler := NewScheduler(SchedulerOptions{
		Store:    &failingStore{Store: store, failMonitorID: "isolated-broken"},
		Prober:   newStubProber(),
		Monitors: []Monitor{{ID: "isolated-broken", Name: "Broken"}, {ID: "isolated-healthy", Name: "Healthy"}},
		Now:      clock.Now,
	})

	scheduler.RunCycle(ctx)

	snapshot, err := store.Snapshot(ctx)
	if err != nil {
		t.Fatalf("failed to read snapshot: %v", err)
	}
	if snapshot.OverallUp != 1 || snapshot.OverallDown != 1 {
		t.Errorf("expected 1 up and 1 down, got %+v", snapshot)
	}

	if _, found, err := store.LatestLatency(ctx, "isolated-healthy"); err != nil || !found {
		t.Errorf("expected latency for the healthy monitor, found=%v err=%v", found, err)
	}
}

func TestScheduler_RetentionOncePerDay(t *testing.T) {
	ctx := context.Background()
	store := NewStore(db)
	preserveSnapshot(t, store)
	cleanupMonitorRows(t, "retention")

	clock := &fakeClock{now: time.Now().Truncate(time.Minute)}
	wrapped := &failingStore{Store: store}
	scheduler := NewScheduler(SchedulerOptions{
		Store:    wrapped,
		Prober:   newStubProber(),
		Monitors: []Monitor{{ID: "retention", Name: "Retention"}},
		Now:      clock.Now,
	})

	scheduler.RunCycle(ctx)
	clock.Advance(time.Hour)
	scheduler.RunCycle(ctx)
	clock.Advance(23 * time.Hour)
	scheduler.RunCycle(ctx)

	if purges := wrapped.purges.Load(); purges != 2 {
		t.Errorf("expected 2 purges, got %d", purges)
	}
}

func TestScheduler_InFlightGuard(t *testing.T) {
	store := NewStore(db)
	preserveSnapshot(t, store)
	cleanupMonitorRows(t, "in-flight")

	prober := &blockingProber{entered: make(chan struct{}, 1), release: make(chan struct{})}
	scheduler := NewScheduler(SchedulerOptions{
		Store:    store,
		Prober:   prober,
		Monitors: []Monitor{{ID: "in-flight", Name: "In Flight"}},
	})

	if !scheduler.tryCycle() {
		t.Fatal("expected first cycle to start")
	}
	<-prober.entered

	if scheduler.tryCycle() {
		t.Error("expected overlapping cycle to be skipped")
	}

	close(prober.release)
	scheduler.cycles.Wait()

	if !scheduler.tryCycle() {
		t.Error("expected a new cycle to start after the previous one finished")
	}
	<-prober.entered
	scheduler.cycles.Wait()
}

func TestScheduler_StartStop(t *testing.T) {
	store := NewStore(db)
	preserveSnapshot(t, store)
	cleanupMonitorRows(t, "start-stop")

	prober := &blockingProber{entered: make(chan struct{}, 1), release: make(chan struct{})}
	scheduler := NewScheduler(SchedulerOptions{
		Store:           store,
		Prober:          prober,
		Monitors:        []Monitor{{ID: "start-stop", Name: "Start Stop"}},
		IntervalMinutes: 0,
	})
	if scheduler.interval != time.Minute {
		t.Errorf("expected interval to be clamped to 1 minute, got %s", scheduler.interval)
	}

	scheduler.Start()
	scheduler.Start()
	if !scheduler.Running() {
		t.Fatal("expected scheduler to be running")
	}

	// The first cycle runs without waiting for a tick.
	select {
	case <-prober.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("expected an immediate cycle after Start")
	}

	stopped := make(chan struct{})
	go func() {
		scheduler.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
		t.Fatal("expected Stop to wait for the in-flight cycle")
	case <-time.After(100 * time.Millisecond):
	}

	close(prober.release)
	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("expected Stop to return once the cycle finished")
	}

	scheduler.Stop()
	if scheduler.Running() {
		t.Error("expected scheduler to be stopped")
	}
}
