package main

import (
	"context"
	"testing"
	"time"
)

func TestEvaluateIncident_FirstEvaluationSeedsPlaceholder(t *testing.T) {
	ctx := context.Background()
	store := NewStore(db)
	const monitorID = "incident-seed"
	cleanupMonitorRows(t, monitorID)

	now := time.Unix(10_000, 0)
	outcome, err := EvaluateIncident(ctx, store, monitorID, ProbeResult{Up: true, LatencyMs: 20}, now)
	if err != nil {
		t.Fatalf("failed to evaluate: %v", err)
	}
	if outcome.Transition != TransitionNone || outcome.Transitioned || !outcome.Up {
		t.Errorf("unexpected outcome: %+v", outcome)
	}

	incidents, err := store.Incidents(ctx, monitorID, 0)
	if err != nil {
		t.Fatalf("failed to list incidents: %v", err)
	}
	if len(incidents) != 1 {
		t.Fatalf("expected exactly the placeholder incident, got %d", len(incidents))
	}
	placeholder := incidents[0]
	if placeholder.Error != PlaceholderIncidentError || placeholder.Start != now.Unix() || placeholder.End.Int64 != now.Unix() {
		t.Errorf("unexpected placeholder: %+v", placeholder)
	}

	// A second evaluation must not seed again.
	if _, err := EvaluateIncident(ctx, store, monitorID, ProbeResult{Up: true, LatencyMs: 20}, now.Add(time.Minute)); err != nil {
		t.Fatalf("failed to evaluate: %v", err)
	}
	if incidents, _ := store.Incidents(ctx, monitorID, 0); len(incidents) != 1 {
		t.Errorf("expected 1 incident after second evaluation, got %d", len(incidents))
	}
}

func TestEvaluateIncident_DownOnFirstEvaluation(t *testing.T) {
	ctx := context.Background()
	store := NewStore(db)
	const monitorID = "incident-first-down"
	cleanupMonitorRows(t, monitorID)

	now := time.Unix(20_000, 0)
	outcome, err := EvaluateIncident(ctx, store, monitorID, ProbeResult{Error: "connection refused"}, now)
	if err != nil {
		t.Fatalf("failed to evaluate: %v", err)
	}
	if outcome.Transition != TransitionDown || !outcome.Transitioned || outcome.Up {
		t.Fatalf("unexpected outcome: %+v", outcome)
	}

	latest, _, err := store.LatestIncident(ctx, monitorID)
	if err != nil {
		t.Fatalf("failed to fetch latest incident: %v", err)
	}
	if latest.ID != outcome.Incident.ID || !latest.IsOpen() {
		t.Errorf("expected the real incident to be latest, got %+v", latest)
	}
}

func TestEvaluateIncident_DownThenUp(t *testing.T) {
	ctx := context.Background()
	store := NewStore(db)
	const monitorID = "incident-down-up"
	cleanupMonitorRows(t, monitorID)

	base := time.Unix(30_000, 0)
	if _, err := EvaluateIncident(ctx, store, monitorID, ProbeResult{Up: true, LatencyMs: 5}, base); err != nil {
		t.Fatalf("failed to evaluate: %v", err)
	}

	downAt := base.Add(time.Minute)
	down, err := EvaluateIncident(ctx, store, monitorID, ProbeResult{Error: "Timeout after 10000ms"}, downAt)
	if err != nil {
		t.Fatalf("failed to evaluate: %v", err)
	}
	if down.Transition != TransitionDown {
		t.Fatalf("expected down transition, got %s", down.Transition)
	}

	upAt := base.Add(2 * time.Minute)
	up, err := EvaluateIncident(ctx, store, monitorID, ProbeResult{Up: true, LatencyMs: 7}, upAt)
	if err != nil {
		t.Fatalf("failed to evaluate: %v", err)
	}
	if up.Transition != TransitionUp || !up.Transitioned || !up.Up {
		t.Fatalf("unexpected outcome: %+v", up)
	}

	incidents, err := store.Incidents(ctx, monitorID, 0)
	if err != nil {
		t.Fatalf("failed to list incidents: %v", err)
	}
	var real []IncidentRecord
	for _, incident := range incidents {
		if incident.Error != PlaceholderIncidentError {
			real = append(real, incident)
		}
	}
	if len(real) != 1 {
		t.Fatalf("expected exactly one real incident, got %d", len(real))
	}
	if real[0].Start != downAt.Unix() {
		t.Errorf("expected start %d, got %d", downAt.Unix(), real[0].Start)
	}
	if !real[0].End.Valid || real[0].End.Int64 != upAt.Unix() {
		t.Errorf("expected end %d, got %v", upAt.Unix(), real[0].End)
	}
}

func TestEvaluateIncident_RepeatedDown(t *testing.T) {
	ctx := context.Background()
	store := NewStore(db)
	const monitorID = "incident-repeated-down"
	cleanupMonitorRows(t, monitorID)

	base := time.Unix(40_000, 0)
	first, err := EvaluateIncident(ctx, store, monitorID, ProbeResult{Error: "connection refused"}, base)
	if err != nil {
		t.Fatalf("failed to evaluate: %v", err)
	}

	t.Run("Same error is a no-op", func(t *testing.T) {
		for i := 1; i <= 3; i++ {
			outcome, err := EvaluateIncident(ctx, store, monitorID, ProbeResult{Error: "connection refused"}, base.Add(time.Duration(i)*time.Minute))
			if err != nil {
				t.Fatalf("failed to evaluate: %v", err)
			}
			if outcome.Transition != TransitionNone || outcome.Transitioned || outcome.Up {
				t.Errorf("unexpected outcome: %+v", outcome)
			}
		}

		incidents, _ := store.Incidents(ctx, monitorID, 0)
		// placeholder plus the open incident
		if len(incidents) != 2 {
			t.Errorf("expected 2 incidents, got %d", len(incidents))
		}
	})

	t.Run("Changed error updates in place", func(t *testing.T) {
		outcome, err := EvaluateIncident(ctx, store, monitorID, ProbeResult{Error: "Expected codes: 2xx, Got: 502"}, base.Add(5*time.Minute))
		if err != nil {
			t.Fatalf("failed to evaluate: %v", err)
		}
		if outcome.Transition != TransitionReasonChanged || outcome.Transitioned {
			t.Errorf("unexpected outcome: %+v", outcome)
		}

		latest, _, err := store.LatestIncident(ctx, monitorID)
		if err != nil {
			t.Fatalf("failed to fetch latest incident: %v", err)
		}
		if latest.ID != first.Incident.ID {
			t.Errorf("expected the same incident %s, got %s", first.Incident.ID, latest.ID)
		}
		if latest.Start != base.Unix() {
			t.Errorf("expected start to stay %d, got %d", base.Unix(), latest.Start)
		}
		if latest.Error != "Expected codes: 2xx, Got: 502" {
			t.Errorf("unexpected error text %q", latest.Error)
		}
	})

	if count := countOpenIncidents(t, monitorID); count != 1 {
		t.Errorf("expected exactly one open incident, got %d", count)
	}
}
