package main

import (
	"fmt"
	"math"
	"slices"
	"time"
)

type NotificationKind string

const (
	NotificationDown NotificationKind = "down"
	NotificationUp   NotificationKind = "up"
)

// Severity reported to the notification gateway.
const (
	SeverityFailure = "failure"
	SeveritySuccess = "success"
)

// gateTolerance absorbs scheduler jitter around the grace boundary.
const gateTolerance = 30 * time.Second

// NotificationGate decides whether a status change is worth telling anyone
// about.
type NotificationGate struct {
	GracePeriodMinutes int
	SkipMonitorIDs     []string
}

type GateDecision struct {
	Allowed bool
	Reason  string
}

// Evaluate is pure. A recovery needs one extra minute of outage compared to a
// down notice, so a recovery is only sent when its down notice could have
// been sent too.
func (g NotificationGate) Evaluate(monitorID string, kind NotificationKind, incidentStart time.Time, now time.Time) GateDecision {
	if slices.Contains(g.SkipMonitorIDs, monitorID) {
		return GateDecision{Allowed: false, Reason: "monitor is in the skip list"}
	}

	if g.GracePeriodMinutes <= 0 {
		return GateDecision{Allowed: true}
	}

	downDuration := now.Sub(incidentStart)
	grace := time.Duration(g.GracePeriodMinutes) * time.Minute
	if kind == NotificationUp {
		grace += time.Minute
	}

	if downDuration < grace-gateTolerance {
		return GateDecision{
			Allowed: false,
			Reason:  fmt.Sprintf("grace period (%dm) not met for %s notification", g.GracePeriodMinutes, kind),
		}
	}

	return GateDecision{Allowed: true}
}

type NotificationMessage struct {
	MonitorID  string           `json:"monitor_id"`
	Kind       NotificationKind `json:"kind"`
	Title      string           `json:"title"`
	Body       string           `json:"body"`
	Severity   string           `json:"severity"`
	OccurredAt time.Time        `json:"occurred_at"`
}

const notificationTimeLayout = "1/02, 15:04"

// FormatNotification renders a status change. Down notices use the
// first-seen template when the incident started at now and the still-down
// template otherwise. Timestamps are rendered in location.
func FormatNotification(monitor Monitor, kind NotificationKind, incidentStart time.Time, now time.Time, reason string, location *time.Location) NotificationMessage {
	if location == nil {
		location = time.UTC
	}
	if reason == "" {
		reason = "unspecified"
	}

	minutes := int(math.Round(now.Sub(incidentStart).Minutes()))
	message := NotificationMessage{
		MonitorID:  monitor.ID,
		Kind:       kind,
		OccurredAt: now,
	}

	switch {
	case kind == NotificationUp:
		message.Severity = SeveritySuccess
		message.Title = fmt.Sprintf("✅ %s is up!", monitor.Name)
		message.Body = fmt.Sprintf("The service is up again after being down for %d minutes.", minutes)
	case now.Unix() == incidentStart.Unix():
		message.Severity = SeverityFailure
		message.Title = fmt.Sprintf("🔴 %s is currently down.", monitor.Name)
		message.Body = fmt.Sprintf("Service is unavailable at %s. Issue: %s", now.In(location).Format(notificationTimeLayout), reason)
	default:
		message.Severity = SeverityFailure
		message.Title = fmt.Sprintf("🔴 %s is still down.", monitor.Name)
		message.Body = fmt.Sprintf("Service is unavailable since %s (%d minutes). Issue: %s", incidentStart.In(location).Format(notificationTimeLayout), minutes, reason)
	}

	return message
}
