package push

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"vestnik/internal/models"

	"github.com/SherClockHolmes/webpush-go"
)

const defaultTTL = 60 * 60

type Store interface {
	ListPushSubscriptions(userID string) ([]models.PushSubscription, error)
	DeletePushSubscription(userID, endpoint string) error
}

type Config struct {
	VAPIDPublicKey  string
	VAPIDPrivateKey string
	Subscriber      string
	TTL             int
	HTTPClient      webpush.HTTPClient
}

// Notifier delivers events to users who are not connected, through the
// web-push endpoints their browsers registered.
type Notifier struct {
	config Config
	store  Store
}

func New(config Config, store Store) *Notifier {
	if config.TTL == 0 {
		config.TTL = defaultTTL
	}
	return &Notifier{config: config, store: store}
}

// Enabled reports whether VAPID keys are configured. A disabled notifier drops everything.
func (n *Notifier) Enabled() bool {
	return n != nil && n.config.VAPIDPublicKey != "" && n.config.VAPIDPrivateKey != ""
}

// Notify sends env to every subscription of userID and returns the number of
// successful deliveries. Subscriptions the push service reports as gone are removed.
func (n *Notifier) Notify(ctx context.Context, userID string, env models.Envelope) (int, error) {
	if !n.Enabled() {
		return 0, nil
	}

	subs, err := n.store.ListPushSubscriptions(userID)
	if err != nil {
		return 0, fmt.Errorf("failed to list push subscriptions: %w", err)
	}
	if len(subs) == 0 {
		return 0, nil
	}

	payload, err := json.Marshal(env)
	if err != nil {
		return 0, fmt.Errorf("failed to encode push payload: %w", err)
	}

	delivered := 0
	for _, sub := range subs {
		resp, err := webpush.SendNotificationWithContext(ctx, payload, &webpush.Subscription{
			Endpoint: sub.Endpoint,
			Keys: webpush.Keys{
				Auth:   sub.Keys.Auth,
				P256dh: sub.Keys.P256dh,
			},
		}, &webpush.Options{
			HTTPClient:      n.config.HTTPClient,
			Subscriber:      n.config.Subscriber,
			TTL:             n.config.TTL,
			Urgency:         webpush.UrgencyHigh,
			VAPIDPublicKey:  n.config.VAPIDPublicKey,
			VAPIDPrivateKey: n.config.VAPIDPrivateKey,
		})
		if err != nil {
			slog.Warn("web push failed", "user_id", userID, "endpoint", sub.Endpoint, "error", err)
			continue
		}
		_ = resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
			if err := n.store.DeletePushSubscription(userID, sub.Endpoint); err != nil {
				slog.Error("failed to drop expired push subscription", "user_id", userID, "error", err)
			}
		case resp.StatusCode >= 300:
			slog.Warn("push service rejected notification", "user_id", userID, "status", resp.StatusCode)
		default:
			delivered++
		}
	}

	return delivered, nil
}
