package main

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-yaml"
	"github.com/kelseyhightower/envconfig"
)

// ErrDuplicateMonitorID is returned when two monitors share the same id.
var ErrDuplicateMonitorID = errors.New("duplicate monitor id")

// LoadServerConfig reads defaults and environment overrides first, then
// applies the YAML file on top. A missing file is not an error.
func LoadServerConfig(path string) (ServerConfig, error) {
	var config ServerConfig
	if err := envconfig.Process("", &config); err != nil {
		return ServerConfig{}, fmt.Errorf("processing environment: %w", err)
	}

	configFile, err := os.ReadFile(path)
	if err == nil {
		if err := yaml.Unmarshal(configFile, &config); err != nil {
			return ServerConfig{}, fmt.Errorf("unmarshaling config file: %w", err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return ServerConfig{}, fmt.Errorf("reading config file: %w", err)
	}

	if err := validateStruct(config); err != nil {
		return ServerConfig{}, err
	}

	return config, nil
}

// LoadMonitorConfig reads the monitor file. Unlike the server config, the
// monitor file is required.
func LoadMonitorConfig(path string) (MonitorConfig, error) {
	monitorFile, err := os.ReadFile(path)
	if err != nil {
		return MonitorConfig{}, fmt.Errorf("reading monitor file: %w", err)
	}

	var monitorConfig MonitorConfig
	if err := yaml.Unmarshal(monitorFile, &monitorConfig); err != nil {
		return MonitorConfig{}, fmt.Errorf("unmarshaling monitor file: %w", err)
	}

	if err := monitorConfig.Validate(); err != nil {
		return MonitorConfig{}, err
	}

	return monitorConfig, nil
}

// Validate checks required fields and id uniqueness. Malformed targets are
// left to the probe, which reports them as a permanent failure.
func (c MonitorConfig) Validate() error {
	if err := validateStruct(c); err != nil {
		return err
	}

	seen := make(map[string]struct{}, len(c.Monitors))
	for _, monitor := range c.Monitors {
		if _, ok := seen[monitor.ID]; ok {
			return fmt.Errorf("%w: %s", ErrDuplicateMonitorID, monitor.ID)
		}
		seen[monitor.ID] = struct{}{}
	}
	return nil
}

func validateStruct(s any) error {
	err := validator.New().Struct(s)
	if err == nil {
		return nil
	}

	var validationErrors validator.ValidationErrors
	if !errors.As(err, &validationErrors) {
		return err
	}

	var sb strings.Builder
	sb.WriteString("config validation failed:")
	for _, fieldError := range validationErrors {
		fmt.Fprintf(&sb, " field '%s' failed on '%s';", fieldError.Namespace(), fieldError.Tag())
	}
	return errors.New(strings.TrimSuffix(sb.String(), ";"))
}
