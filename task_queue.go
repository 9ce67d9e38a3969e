package main

import (
	"context"
	"fmt"

	"gocloud.dev/pubsub"
	_ "gocloud.dev/pubsub/kafkapubsub"
	_ "gocloud.dev/pubsub/mempubsub"
	_ "gocloud.dev/pubsub/natspubsub"
	_ "gocloud.dev/pubsub/rabbitpubsub"
)

// OpenAlerterQueue opens the notification topic and its subscription.
// Addresses are gocloud.dev URLs: mem://, kafka://, nats:// or rabbit://.
// The topic is opened first because an in-memory subscription needs an
// existing topic.
func OpenAlerterQueue(ctx context.Context, producerAddress string, consumerAddress string) (*pubsub.Topic, *pubsub.Subscription, error) {
	topic, err := pubsub.OpenTopic(ctx, producerAddress)
	if err != nil {
		return nil, nil, fmt.Errorf("opening alerter topic: %w", err)
	}

	subscription, err := pubsub.OpenSubscription(ctx, consumerAddress)
	if err != nil {
		_ = topic.Shutdown(ctx)
		return nil, nil, fmt.Errorf("opening alerter subscription: %w", err)
	}

	return topic, subscription, nil
}
