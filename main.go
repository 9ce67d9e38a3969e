package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to configuration file")
	monitorPath := flag.String("monitor", "monitor.yaml", "Path to monitor file")
	flag.Parse()

	serverConfig, err := LoadServerConfig(*configPath)
	if err != nil {
		slog.Error("failed to load config file", slog.String("error", err.Error()))
		os.Exit(1)
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: serverConfig.Server.LogLevel})))

	monitorConfig, err := LoadMonitorConfig(*monitorPath)
	if err != nil {
		slog.Error("failed to load monitor file", slog.String("error", err.Error()))
		os.Exit(1)
	}

	if serverConfig.Sentry.Dsn != "" {
		err := sentry.Init(sentry.ClientOptions{
			Dsn:              serverConfig.Sentry.Dsn,
			SampleRate:       serverConfig.Sentry.ErrorSampleRate,
			EnableTracing:    serverConfig.Sentry.TracesSampleRate > 0,
			TracesSampleRate: serverConfig.Sentry.TracesSampleRate,
			Debug:            serverConfig.Sentry.Debug,
		})
		if err != nil {
			slog.Error("failed to initialize sentry", slog.String("error", err.Error()))
			os.Exit(1)
		}
		defer sentry.Flush(2 * time.Second)
	}

	if err := run(serverConfig, monitorConfig); err != nil {
		slog.Error("lookout exited with error", slog.String("error", err.Error()))
		sentry.Flush(2 * time.Second)
		os.Exit(1)
	}
}

func run(serverConfig ServerConfig, monitorConfig MonitorConfig) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	timeZone, err := time.LoadLocation(serverConfig.Notification.TimeZone)
	if err != nil {
		slog.Warn("unknown notification time zone, falling back to UTC",
			slog.String("time_zone", serverConfig.Notification.TimeZone),
			slog.String("error", err.Error()))
		timeZone = time.UTC
	}

	startupCtx, startupCancel := context.WithTimeout(ctx, time.Minute)
	defer startupCancel()

	store, err := OpenStore(startupCtx, serverConfig.Database.Path)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			slog.Error("closing store", slog.String("error", err.Error()))
		}
	}()

	var notifier Notifier
	if serverConfig.Notification.Enabled() {
		alerter, err := NewGatewayAlerter(serverConfig.Notification)
		if err != nil {
			return err
		}

		alerterProducer, alerterSubscriber, err := OpenAlerterQueue(startupCtx,
			serverConfig.TaskQueue.Alerter.ProducerAddress,
			serverConfig.TaskQueue.Alerter.ConsumerAddress)
		if err != nil {
			return err
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := alerterProducer.Shutdown(shutdownCtx); err != nil {
				slog.Error("shutting down alerter topic", slog.String("error", err.Error()))
			}
			if err := alerterSubscriber.Shutdown(shutdownCtx); err != nil {
				slog.Error("shutting down alerter subscription", slog.String("error", err.Error()))
			}
		}()

		notifier = NewQueueNotifier(alerterProducer)
		alerterWorker := NewAlerterWorker(alerterSubscriber, alerter)
		go func() {
			if err := alerterWorker.Start(); err != nil {
				slog.Error("alerter worker stopped", slog.String("error", err.Error()))
			}
		}()
		// Deferred calls run in reverse, so the worker stops before the queue shuts down.
		defer func() {
			_ = alerterWorker.Stop()
		}()
	} else {
		slog.Info("notification gateway or recipient not set, notifications disabled")
	}

	scheduler := NewScheduler(SchedulerOptions{
		Store:    store,
		Prober:   NewChecker(CheckerOptions{TraceOutgoingChecks: serverConfig.Sentry.TraceOutgoingChecks}),
		Notifier: notifier,
		Gate: NotificationGate{
			GracePeriodMinutes: serverConfig.Notification.GracePeriodMinutes,
			SkipMonitorIDs:     serverConfig.Notification.SkipMonitorIDs,
		},
		Monitors:            monitorConfig.Monitors,
		IntervalMinutes:     serverConfig.Server.CheckIntervalMinutes,
		MaxConcurrentChecks: serverConfig.Server.MaxConcurrentChecks,
		Location:            serverConfig.Server.Location,
		RetentionDays:       serverConfig.Dataset.RetentionDays,
		TimeZone:            timeZone,
	})

	server, err := NewServer(ServerOptions{
		StatusService: NewStatusService(store, monitorConfig, serverConfig.Server.Location),
		ServerConfig:  serverConfig,
		MonitorConfig: monitorConfig,
	})
	if err != nil {
		return err
	}

	scheduler.Start()
	defer scheduler.Stop()

	serverErr := make(chan error, 1)
	go func() {
		slog.Info("starting http server", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutdown signal received")
	case err := <-serverErr:
		if err != nil {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutting down http server", slog.String("error", err.Error()))
	}

	return nil
}
