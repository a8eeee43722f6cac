package notifications

import (
	"context"
	"net/http"
	"time"
)

// EmailSenderConfig configures the email provider client. APIKey comes from
// the secret store; it is never read from the environment.
type EmailSenderConfig struct {
	APIURL  string
	APIKey  string
	From    string
	Timeout time.Duration
}

// EmailSender delivers reminders through an HTTP email provider.
type EmailSender struct {
	apiURL    string
	apiKey    string
	maskedKey string
	from      string
	client    *http.Client
}

func NewEmailSender(config EmailSenderConfig) *EmailSender {
	if config.Timeout == 0 {
		config.Timeout = defaultSendTimeout
	}
	if config.From == "" {
		config.From = "reminders@taskloop.app"
	}
	return &EmailSender{
		apiURL:    config.APIURL,
		apiKey:    config.APIKey,
		maskedKey: maskKey(config.APIKey),
		from:      config.From,
		client:    &http.Client{Timeout: config.Timeout},
	}
}

func (s *EmailSender) Channel() Channel {
	return ChannelEmail
}

func (s *EmailSender) Send(ctx context.Context, delivery Delivery) SendResult {
	payload := map[string]interface{}{
		"from":    s.from,
		"to_user": delivery.UserID,
		"subject": "Reminder: " + delivery.TaskTitle,
		"body":    delivery.Message,
		"task_id": delivery.TaskID,
	}
	return postJSON(ctx, s.client, s.apiURL, s.apiKey, s.maskedKey, "email", payload)
}
