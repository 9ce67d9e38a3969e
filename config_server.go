package main

import "log/slog"

// ServerConfig is read from the environment first and then overlaid with the
// YAML config file. Nested fields use prefixed keys such as SERVER_PORT or
// NOTIFICATION_GATEWAY_URL.
type ServerConfig struct {
	Title  string `yaml:"title" envconfig:"APP_TITLE" default:"Status Monitor"`
	Server struct {
		Host string `yaml:"host" split_words:"true" default:"0.0.0.0"`
		Port int    `yaml:"port" split_words:"true" default:"3001"`

		LogLevel slog.Level `yaml:"log_level" split_words:"true" default:"INFO"`

		// CheckIntervalMinutes is clamped to at least one minute by the scheduler.
		CheckIntervalMinutes int    `yaml:"check_interval_minutes" split_words:"true" default:"1"`
		MaxConcurrentChecks  int64  `yaml:"max_concurrent_checks" split_words:"true" default:"10"`
		Location             string `yaml:"location" split_words:"true" default:"local"`

		CorsAllowedOrigins []string `yaml:"cors_allowed_origins" split_words:"true" default:"*"`
	} `yaml:"server"`
	Database struct {
		Path string `yaml:"path" split_words:"true" default:"status.db"`
	} `yaml:"database"`
	Dataset struct {
		RetentionDays int `yaml:"retention_days" split_words:"true" default:"90" validate:"gte=1"`
	} `yaml:"dataset"`
	Notification NotificationConfig `yaml:"notification"`
	TaskQueue    struct {
		Alerter struct {
			ProducerAddress string `yaml:"producer_address" split_words:"true" default:"mem://alerter_tasks"`
			ConsumerAddress string `yaml:"consumer_address" split_words:"true" default:"mem://alerter_tasks"`
		} `yaml:"alerter"`
	} `yaml:"task_queue" split_words:"true"`
	Sentry struct {
		Dsn                 string  `yaml:"dsn" split_words:"true"`
		ErrorSampleRate     float64 `yaml:"error_sample_rate" split_words:"true" default:"1.0"`
		TracesSampleRate    float64 `yaml:"traces_sample_rate" split_words:"true" default:"1.0"`
		Debug               bool    `yaml:"debug" split_words:"true" default:"false"`
		TraceOutgoingChecks bool    `yaml:"trace_outgoing_checks" split_words:"true" default:"false"`
	} `yaml:"sentry"`
}

// NotificationConfig configures the status-change notifications. Notifications
// are disabled when GatewayURL or RecipientTarget is empty.
type NotificationConfig struct {
	GatewayURL         string            `yaml:"gateway_url" split_words:"true"`
	RecipientTarget    string            `yaml:"recipient_target" split_words:"true"`
	TimeZone           string            `yaml:"time_zone" split_words:"true" default:"Etc/GMT"`
	GracePeriodMinutes int               `yaml:"grace_period_minutes" split_words:"true" validate:"gte=0"`
	SkipMonitorIDs     []string          `yaml:"skip_monitor_ids" split_words:"true"`
	HmacSecret         string            `yaml:"hmac_secret" split_words:"true"`
	Headers            map[string]string `yaml:"headers" split_words:"true"`
}

func (n NotificationConfig) Enabled() bool {
	return n.GatewayURL != "" && n.RecipientTarget != ""
}
