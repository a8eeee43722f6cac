package notifications

import (
	"context"
	"net/http"
	"time"
)

// PushSenderConfig configures the push provider client. APIKey comes from
// the secret store; it is never read from the environment.
type PushSenderConfig struct {
	APIURL  string
	APIKey  string
	Timeout time.Duration
}

// PushSender delivers reminders through an HTTP push provider.
type PushSender struct {
	apiURL    string
	apiKey    string
	maskedKey string
	client    *http.Client
}

func NewPushSender(config PushSenderConfig) *PushSender {
	if config.Timeout == 0 {
		config.Timeout = defaultSendTimeout
	}
	return &PushSender{
		apiURL:    config.APIURL,
		apiKey:    config.APIKey,
		maskedKey: maskKey(config.APIKey),
		client:    &http.Client{Timeout: config.Timeout},
	}
}

func (s *PushSender) Channel() Channel {
	return ChannelPush
}

func (s *PushSender) Send(ctx context.Context, delivery Delivery) SendResult {
	payload := map[string]interface{}{
		"to_user": delivery.UserID,
		"title":   "Reminder: " + delivery.TaskTitle,
		"body":    delivery.Message,
		"task_id": delivery.TaskID,
	}
	return postJSON(ctx, s.client, s.apiURL, s.apiKey, s.maskedKey, "push", payload)
}
