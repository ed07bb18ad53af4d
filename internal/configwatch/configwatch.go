// Package configwatch subscribes to a Cloud Pub/Sub topic carrying
// "shard table changed" notifications and triggers the config
// manager's hot-reload on receipt (SPEC_FULL §B "optional hot-reload
// trigger"). It never participates in the request path; a missed or
// malformed notification just means the next manual/administrative
// reload picks up the change instead.
package configwatch

import (
	"context"
	"log/slog"

	"cloud.google.com/go/pubsub"
)

// Reloader matches config.Manager's hot-reload contract.
type Reloader interface {
	Reload(basePath, overlaysPath string) error
}

// Watcher owns the Pub/Sub subscription and the paths to re-read on
// each notification.
type Watcher struct {
	sub          *pubsub.Subscription
	reloader     Reloader
	basePath     string
	overlaysPath string
}

// New opens projectID's subscriptionID subscription. The topic/subscription
// themselves are provisioned out-of-band (terraform/gcloud); this
// package only consumes.
func New(ctx context.Context, projectID, subscriptionID string, reloader Reloader, basePath, overlaysPath string) (*Watcher, error) {
	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, err
	}
	return &Watcher{
		sub:          client.Subscription(subscriptionID),
		reloader:     reloader,
		basePath:     basePath,
		overlaysPath: overlaysPath,
	}, nil
}

// Run blocks, receiving notifications until ctx is cancelled. Intended
// to run in its own goroutine, entirely off the reactor thread.
func (w *Watcher) Run(ctx context.Context) error {
	return w.sub.Receive(ctx, func(ctx context.Context, msg *pubsub.Message) {
		msg.Ack()
		slog.Info("configwatch: shard table change notification received, reloading config")
		if err := w.reloader.Reload(w.basePath, w.overlaysPath); err != nil {
			slog.Warn("configwatch: reload failed", "error", err)
			return
		}
		slog.Info("configwatch: config reloaded")
	})
}
