package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/getsentry/sentry-go"
	sentryhttp "github.com/getsentry/sentry-go/http"
	"github.com/guregu/null/v5"
	"github.com/rs/cors"
)

type Server struct {
	*http.Server
	status        *StatusService
	serverConfig  ServerConfig
	monitorConfig MonitorConfig
}

type ServerOptions struct {
	StatusService *StatusService
	ServerConfig  ServerConfig
	MonitorConfig MonitorConfig
}

func NewServer(options ServerOptions) (*Server, error) {
	if options.StatusService == nil {
		return nil, errors.New("status service is required")
	}

	s := &Server{
		status:        options.StatusService,
		serverConfig:  options.ServerConfig,
		monitorConfig: options.MonitorConfig,
	}

	sentryMiddleware := sentryhttp.New(sentryhttp.Options{
		Repanic:         true,
		WaitForDelivery: true,
		Timeout:         2 * time.Second,
	})

	allowedOrigins := s.serverConfig.Server.CorsAllowedOrigins
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}
	corsMiddleware := cors.New(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{http.MethodGet},
	})

	mux := http.NewServeMux()
	mux.Handle("GET /api/status", corsMiddleware.Handler(sentryMiddleware.HandleFunc(s.StatusHandler)))
	mux.Handle("GET /api/monitors/{id}/history", corsMiddleware.Handler(sentryMiddleware.HandleFunc(s.MonitorHistoryHandler)))
	mux.Handle("GET /api/config", corsMiddleware.Handler(sentryMiddleware.HandleFunc(s.ConfigHandler)))
	mux.HandleFunc("GET /health", s.HealthHandler)

	s.Server = &http.Server{
		Addr:              net.JoinHostPort(s.serverConfig.Server.Host, strconv.Itoa(s.serverConfig.Server.Port)),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return s, nil
}

type CommonErrorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, statusCode int, body any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(body)
}

func (s *Server) StatusHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	response, err := s.status.Status(ctx)
	if err != nil {
		if hub := sentry.GetHubFromContext(ctx); hub != nil {
			hub.CaptureException(fmt.Errorf("fetching status: %w", err))
		}
		slog.ErrorContext(ctx, "fetching status", slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, CommonErrorResponse{
			Error: "failed to fetch status",
		})
		return
	}

	writeJSON(w, http.StatusOK, response)
}

const defaultHistoryHours = 12

func (s *Server) MonitorHistoryHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	monitorID := r.PathValue("id")

	hours := defaultHistoryHours
	if value := r.URL.Query().Get("hours"); value != "" {
		parsed, err := strconv.Atoi(value)
		if err != nil || parsed <= 0 {
			writeJSON(w, http.StatusBadRequest, CommonErrorResponse{
				Error: "hours must be a positive integer",
			})
			return
		}
		hours = parsed
	}

	if span := sentry.SpanFromContext(ctx); span != nil {
		span.SetData("lookout.monitor_id", monitorID)
	}

	response, err := s.status.MonitorHistory(ctx, monitorID, hours)
	if err != nil {
		if errors.Is(err, ErrMonitorNotFound) {
			writeJSON(w, http.StatusNotFound, CommonErrorResponse{
				Error: "monitor not found",
			})
			return
		}

		if hub := sentry.GetHubFromContext(ctx); hub != nil {
			hub.Scope().SetTag("lookout.monitor_id", monitorID)
			hub.CaptureException(fmt.Errorf("fetching monitor history: %w", err))
		}
		slog.ErrorContext(ctx, "fetching monitor history", slog.String("monitor_id", monitorID), slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, CommonErrorResponse{
			Error: "failed to fetch monitor history",
		})
		return
	}

	writeJSON(w, http.StatusOK, response)
}

type ConfigMonitor struct {
	ID               string      `json:"id"`
	Name             string      `json:"name"`
	Method           string      `json:"method"`
	Tooltip          null.String `json:"tooltip,omitempty"`
	StatusPageLink   null.String `json:"statusPageLink,omitempty"`
	HideLatencyChart bool        `json:"hideLatencyChart"`
}

type ConfigHandlerResponse struct {
	Title                string          `json:"title"`
	CheckIntervalMinutes int             `json:"checkIntervalMinutes"`
	RetentionDays        int             `json:"retentionDays"`
	Monitors             []ConfigMonitor `json:"monitors"`
}

// ConfigHandler exposes the public part of the configuration. Targets,
// headers and bodies stay private.
func (s *Server) ConfigHandler(w http.ResponseWriter, r *http.Request) {
	monitors := make([]ConfigMonitor, 0, len(s.monitorConfig.Monitors))
	for _, monitor := range s.monitorConfig.Monitors {
		monitors = append(monitors, ConfigMonitor{
			ID:               monitor.ID,
			Name:             monitor.Name,
			Method:           monitor.HTTPMethod(),
			Tooltip:          monitor.Tooltip,
			StatusPageLink:   monitor.StatusPageLink,
			HideLatencyChart: monitor.HideLatencyChart,
		})
	}

	writeJSON(w, http.StatusOK, ConfigHandlerResponse{
		Title:                s.serverConfig.Title,
		CheckIntervalMinutes: max(s.serverConfig.Server.CheckIntervalMinutes, 1),
		RetentionDays:        s.serverConfig.Dataset.RetentionDays,
		Monitors:             monitors,
	})
}

func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
