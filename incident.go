package main

import (
	"context"
	"fmt"
	"time"
)

// IncidentStore is the subset of Store the incident state machine mutates.
type IncidentStore interface {
	LatestIncident(ctx context.Context, monitorID string) (IncidentRecord, bool, error)
	SeedPlaceholderIncident(ctx context.Context, monitorID string, at int64) (IncidentRecord, error)
	OpenIncident(ctx context.Context, monitorID string, start int64, reason string) (IncidentRecord, error)
	CloseIncident(ctx context.Context, id string, end int64) error
	UpdateIncidentError(ctx context.Context, id string, reason string) error
}

type Transition int

const (
	TransitionNone Transition = iota
	TransitionDown
	TransitionUp
	TransitionReasonChanged
)

func (t Transition) String() string {
	switch t {
	case TransitionDown:
		return "down"
	case TransitionUp:
		return "up"
	case TransitionReasonChanged:
		return "reason_changed"
	default:
		return "none"
	}
}

type IncidentOutcome struct {
	Transition Transition
	// Transitioned is true only when the monitor flipped between up and down.
	Transitioned bool
	// Incident is the incident the step acted on: the newly opened one, the
	// one just closed, or the still open one. It is the latest closed
	// incident when the monitor stayed up.
	Incident IncidentRecord
	// Up reports whether the monitor has no open incident after the step.
	Up bool
}

// EvaluateIncident applies one probe result to the monitor's incident history.
// It performs at most one mutation besides the placeholder seeded on a
// monitor's first evaluation.
func EvaluateIncident(ctx context.Context, store IncidentStore, monitorID string, result ProbeResult, now time.Time) (IncidentOutcome, error) {
	timestamp := now.Unix()

	latest, found, err := store.LatestIncident(ctx, monitorID)
	if err != nil {
		return IncidentOutcome{}, fmt.Errorf("fetching latest incident: %w", err)
	}

	if !found {
		latest, err = store.SeedPlaceholderIncident(ctx, monitorID, timestamp)
		if err != nil {
			return IncidentOutcome{}, fmt.Errorf("seeding placeholder incident: %w", err)
		}
	}

	if !latest.IsOpen() {
		if result.Up {
			return IncidentOutcome{Transition: TransitionNone, Incident: latest, Up: true}, nil
		}

		incident, err := store.OpenIncident(ctx, monitorID, timestamp, result.Error)
		if err != nil {
			return IncidentOutcome{}, fmt.Errorf("opening incident: %w", err)
		}
		return IncidentOutcome{Transition: TransitionDown, Transitioned: true, Incident: incident, Up: false}, nil
	}

	if result.Up {
		if err := store.CloseIncident(ctx, latest.ID, timestamp); err != nil {
			return IncidentOutcome{}, fmt.Errorf("closing incident: %w", err)
		}
		latest.End.SetValid(timestamp)
		return IncidentOutcome{Transition: TransitionUp, Transitioned: true, Incident: latest, Up: true}, nil
	}

	if latest.Error == result.Error {
		return IncidentOutcome{Transition: TransitionNone, Incident: latest, Up: false}, nil
	}

	if err := store.UpdateIncidentError(ctx, latest.ID, result.Error); err != nil {
		return IncidentOutcome{}, fmt.Errorf("updating incident error: %w", err)
	}
	latest.Error = result.Error
	return IncidentOutcome{Transition: TransitionReasonChanged, Incident: latest, Up: false}, nil
}
