package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/getsentry/sentry-go"
)

// ErrMonitorNotFound is returned when a monitor id is not in the monitor config.
var ErrMonitorNotFound = errors.New("monitor not found")

// historyIncidentLimit caps the incidents returned by MonitorHistory.
const historyIncidentLimit = 50

// StatusReader is the read side of the Store.
type StatusReader interface {
	Snapshot(ctx context.Context) (AggregateSnapshot, error)
	LatestIncident(ctx context.Context, monitorID string) (IncidentRecord, bool, error)
	Incidents(ctx context.Context, monitorID string, limit int) ([]IncidentRecord, error)
	LatencySince(ctx context.Context, monitorID string, since int64) ([]LatencySample, error)
	LatestLatency(ctx context.Context, monitorID string) (LatencySample, bool, error)
}

type StatusService struct {
	store         StatusReader
	monitorConfig MonitorConfig
	location      string
	now           func() time.Time
}

func NewStatusService(store StatusReader, monitorConfig MonitorConfig, location string) *StatusService {
	if location == "" {
		location = "local"
	}
	return &StatusService{
		store:         store,
		monitorConfig: monitorConfig,
		location:      location,
		now:           time.Now,
	}
}

type MonitorStatus struct {
	Up       bool   `json:"up"`
	Latency  int64  `json:"latency"`
	Location string `json:"location"`
	Message  string `json:"message"`
}

type StatusResponse struct {
	Up        int                      `json:"up"`
	Down      int                      `json:"down"`
	UpdatedAt int64                    `json:"updatedAt"`
	Monitors  map[string]MonitorStatus `json:"monitors"`
}

type HistoryResponse struct {
	Latency   []LatencySample  `json:"latency"`
	Incidents []IncidentRecord `json:"incidents"`
}

// Status reports the last snapshot together with the current state of every
// configured monitor. A monitor without incidents is up.
func (s *StatusService) Status(ctx context.Context) (StatusResponse, error) {
	span := sentry.StartSpan(ctx, "function", sentry.WithDescription("Get Status"))
	ctx = span.Context()
	defer span.Finish()

	snapshot, err := s.store.Snapshot(ctx)
	if err != nil {
		return StatusResponse{}, fmt.Errorf("fetching snapshot: %w", err)
	}

	response := StatusResponse{
		Up:        snapshot.OverallUp,
		Down:      snapshot.OverallDown,
		UpdatedAt: snapshot.LastUpdate,
		Monitors:  make(map[string]MonitorStatus, len(s.monitorConfig.Monitors)),
	}

	for _, monitor := range s.monitorConfig.Monitors {
		incident, found, err := s.store.LatestIncident(ctx, monitor.ID)
		if err != nil {
			return StatusResponse{}, fmt.Errorf("fetching latest incident for %s: %w", monitor.ID, err)
		}

		sample, sampled, err := s.store.LatestLatency(ctx, monitor.ID)
		if err != nil {
			return StatusResponse{}, fmt.Errorf("fetching latest latency for %s: %w", monitor.ID, err)
		}

		status := MonitorStatus{
			Up:       !found || !incident.IsOpen(),
			Location: s.location,
			Message:  "OK",
		}
		if sampled {
			status.Latency = sample.PingMs
			status.Location = sample.Location
		}
		if !status.Up {
			status.Message = incident.Error
		}

		response.Monitors[monitor.ID] = status
	}

	return response, nil
}

// MonitorHistory returns latency samples of the last hours, oldest first, and
// the most recent incidents, newest first.
func (s *StatusService) MonitorHistory(ctx context.Context, monitorID string, hours int) (HistoryResponse, error) {
	span := sentry.StartSpan(ctx, "function", sentry.WithDescription("Get Monitor History"))
	ctx = span.Context()
	defer span.Finish()

	if _, ok := s.monitorConfig.Find(monitorID); !ok {
		return HistoryResponse{}, fmt.Errorf("%w: %s", ErrMonitorNotFound, monitorID)
	}

	since := s.now().Add(-time.Duration(hours) * time.Hour).Unix()
	latency, err := s.store.LatencySince(ctx, monitorID, since)
	if err != nil {
		return HistoryResponse{}, fmt.Errorf("fetching latency: %w", err)
	}

	incidents, err := s.store.Incidents(ctx, monitorID, historyIncidentLimit)
	if err != nil {
		return HistoryResponse{}, fmt.Errorf("fetching incidents: %w", err)
	}

	return HistoryResponse{Latency: latency, Incidents: incidents}, nil
}
