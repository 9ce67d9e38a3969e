package main

import (
	"github.com/guregu/null/v5"
)

// PlaceholderIncidentError marks the closed incident seeded on a monitor's
// first evaluation. It anchors uptime calculations and is not a real outage.
const PlaceholderIncidentError = "dummy"

type LatencySample struct {
	ID        string `db:"id" json:"id"`
	MonitorID string `db:"monitor_id" json:"monitorId"`
	Location  string `db:"location" json:"location"`
	PingMs    int64  `db:"ping_ms" json:"ping"`
	Timestamp int64  `db:"recorded_at" json:"timestamp"`
}

type IncidentRecord struct {
	ID        string   `db:"id" json:"id"`
	MonitorID string   `db:"monitor_id" json:"monitorId"`
	Start     int64    `db:"started_at" json:"start"`
	End       null.Int `db:"ended_at" json:"end"`
	Error     string   `db:"error" json:"error"`
	Notified  bool     `db:"notified" json:"-"`
}

// IsOpen reports whether the incident has no end time yet.
func (i IncidentRecord) IsOpen() bool {
	return !i.End.Valid
}

type AggregateSnapshot struct {
	LastUpdate  int64 `db:"last_update" json:"lastUpdate"`
	OverallUp   int   `db:"overall_up" json:"overallUp"`
	OverallDown int   `db:"overall_down" json:"overallDown"`
}
