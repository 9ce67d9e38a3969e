package main

import (
	"time"

	"github.com/guregu/null/v5"
)

// MethodTCPPing selects the raw TCP probe instead of an HTTP request.
const MethodTCPPing = "TCP_PING"

// DefaultProbeTimeout applies when a monitor does not set timeout_ms.
const DefaultProbeTimeout = 10 * time.Second

type Monitor struct {
	ID                       string            `yaml:"id" json:"id" validate:"required"`
	Name                     string            `yaml:"name" json:"name" validate:"required"`
	Method                   string            `yaml:"method" json:"method" validate:"omitempty,uppercase"`
	Target                   string            `yaml:"target" json:"target" validate:"required"`
	TimeoutMs                null.Int          `yaml:"timeout_ms" json:"timeout_ms"`
	ExpectedCodes            []int             `yaml:"expected_codes" json:"-" validate:"dive,gte=100,lte=599"`
	ResponseKeyword          null.String       `yaml:"response_keyword" json:"-"`
	ResponseForbiddenKeyword null.String       `yaml:"response_forbidden_keyword" json:"-"`
	Headers                  map[string]string `yaml:"headers" json:"-"`
	Body                     null.String       `yaml:"body" json:"-"`
	SkipTLSVerify            bool              `yaml:"skip_tls_verify" json:"-"`

	// Display-only fields, exposed through the config endpoint.
	Tooltip          null.String `yaml:"tooltip" json:"tooltip,omitempty"`
	StatusPageLink   null.String `yaml:"status_page_link" json:"status_page_link,omitempty"`
	HideLatencyChart bool        `yaml:"hide_latency_chart" json:"hide_latency_chart"`
}

// Timeout returns the probe timeout, falling back to DefaultProbeTimeout.
func (m Monitor) Timeout() time.Duration {
	if m.TimeoutMs.Valid && m.TimeoutMs.Int64 > 0 {
		return time.Duration(m.TimeoutMs.Int64) * time.Millisecond
	}
	return DefaultProbeTimeout
}

// HTTPMethod returns the configured verb, GET when unset.
func (m Monitor) HTTPMethod() string {
	if m.Method == "" {
		return "GET"
	}
	return m.Method
}

type MonitorConfig struct {
	Monitors []Monitor `yaml:"monitors" validate:"dive"`
}

// Find returns the monitor with the given id.
func (c MonitorConfig) Find(id string) (Monitor, bool) {
	for _, m := range c.Monitors {
		if m.ID == id {
			return m, true
		}
	}
	return Monitor{}, false
}
