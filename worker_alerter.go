package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/getsentry/sentry-go"
	"gocloud.dev/pubsub"
)

// QueueNotifier hands notifications to the alerter task queue so that a slow
// gateway never holds up a monitoring cycle.
type QueueNotifier struct {
	producer *pubsub.Topic
}

func NewQueueNotifier(producer *pubsub.Topic) *QueueNotifier {
	return &QueueNotifier{producer: producer}
}

func (n *QueueNotifier) Notify(ctx context.Context, message NotificationMessage) error {
	body, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("marshaling notification message: %w", err)
	}

	err = n.producer.Send(ctx, &pubsub.Message{
		Body: body,
		Metadata: map[string]string{
			"monitor_id": message.MonitorID,
			"kind":       string(message.Kind),
		},
	})
	if err != nil {
		return fmt.Errorf("sending notification message: %w", err)
	}

	return nil
}

// AlerterWorker consumes the alerter task queue and delivers each
// notification once. Failed deliveries are logged and acknowledged.
type AlerterWorker struct {
	subscriber  *pubsub.Subscription
	alerter     Alerter
	sendTimeout time.Duration
	ctx         context.Context
	cancel      context.CancelFunc
	started     atomic.Bool
	done        chan struct{}
}

func NewAlerterWorker(subscriber *pubsub.Subscription, alerter Alerter) *AlerterWorker {
	ctx, cancel := context.WithCancel(context.Background())
	return &AlerterWorker{
		subscriber:  subscriber,
		alerter:     alerter,
		sendTimeout: 5 * time.Second,
		ctx:         ctx,
		cancel:      cancel,
		done:        make(chan struct{}),
	}
}

// Start receives messages until Stop is called.
// It is a blocking call.
func (w *AlerterWorker) Start() error {
	if !w.started.CompareAndSwap(false, true) {
		return nil
	}
	defer close(w.done)

	for {
		message, err := w.subscriber.Receive(w.ctx)
		if err != nil {
			if w.ctx.Err() != nil {
				return nil
			}
			slog.ErrorContext(w.ctx, "receiving message for alerter queue", slog.String("error", err.Error()))
			time.Sleep(time.Millisecond * 10)
			continue
		}

		w.deliver(message)
	}
}

// Stop ends the receive loop and waits for the message being delivered.
func (w *AlerterWorker) Stop() error {
	w.cancel()
	if w.started.Load() {
		<-w.done
	}
	return nil
}

func (w *AlerterWorker) deliver(message *pubsub.Message) {
	// Delivery is not tied to the worker lifetime, only to sendTimeout.
	ctx := sentry.SetHubOnContext(context.Background(), sentry.CurrentHub().Clone())
	span := sentry.StartSpan(ctx, "function", sentry.WithDescription("Deliver Notification"))
	ctx = span.Context()
	defer span.Finish()
	defer message.Ack()

	var notification NotificationMessage
	if err := json.Unmarshal(message.Body, &notification); err != nil {
		slog.ErrorContext(ctx, "unmarshaling alerter message", slog.String("error", err.Error()))
		return
	}
	span.SetData("lookout.monitor_id", notification.MonitorID)

	sendCtx, cancel := context.WithTimeout(ctx, w.sendTimeout)
	defer cancel()

	err := w.alerter.Send(sendCtx, notification)
	if err != nil {
		if errors.Is(err, ErrAlerterRateLimited) {
			slog.WarnContext(ctx, "notification gateway rate limited, dropping notification",
				slog.String("monitor_id", notification.MonitorID),
				slog.String("title", notification.Title))
			return
		}

		if hub := sentry.GetHubFromContext(ctx); hub != nil {
			hub.Scope().SetTag("lookout.monitor_id", notification.MonitorID)
			hub.CaptureException(fmt.Errorf("delivering notification: %w", err))
		}
		slog.ErrorContext(ctx, "delivering notification",
			slog.String("monitor_id", notification.MonitorID),
			slog.String("title", notification.Title),
			slog.String("error", err.Error()))
		return
	}

	slog.InfoContext(ctx, "notification delivered",
		slog.String("monitor_id", notification.MonitorID),
		slog.String("kind", string(notification.Kind)))
}
