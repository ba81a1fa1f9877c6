// Package notify posts messages to chat incoming webhooks.
package notify

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/nlopes/slack"
	"github.com/pkg/errors"
	"github.com/pullrekun/pullrekun/config"
	"github.com/pullrekun/pullrekun/logging"
)

// Webhook kinds. Both accept the same {"text": ...} body.
const (
	SlackKind      = "slack"
	GoogleChatKind = "google_chat"
)

// Webhook delivers a plain text message.
type Webhook interface {
	Kind() string
	Send(ctx context.Context, message string) error
}

// IncomingWebhook posts to a Slack or Google Chat incoming webhook url.
type IncomingWebhook struct {
	kind   string
	URL    string
	Client *http.Client
}

// NewIncomingWebhook returns a webhook for url. kind must be SlackKind or
// GoogleChatKind.
func NewIncomingWebhook(kind string, url string, timeout time.Duration) (*IncomingWebhook, error) {
	if kind != SlackKind && kind != GoogleChatKind {
		return nil, fmt.Errorf("kind: %s not supported, must be %s or %s", kind, SlackKind, GoogleChatKind)
	}
	if url == "" {
		return nil, errors.Errorf("%s webhook url must not be empty", kind)
	}
	return &IncomingWebhook{
		kind:   kind,
		URL:    url,
		Client: &http.Client{Timeout: timeout},
	}, nil
}

func (w *IncomingWebhook) Kind() string {
	return w.kind
}

func (w *IncomingWebhook) Send(ctx context.Context, message string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	client := w.Client
	if deadline, ok := ctx.Deadline(); ok {
		c := *client
		c.Timeout = time.Until(deadline)
		client = &c
	}
	err := slack.PostWebhookCustomHTTP(w.URL, client, &slack.WebhookMessage{Text: message})
	return errors.Wrapf(err, "posting to %s webhook", w.kind)
}

// Manager sends every message to all configured webhooks.
type Manager struct {
	Webhooks []Webhook
	Logger   *logging.SimpleLogger
}

// NewManager builds a webhook for each non-empty url in cfg.
func NewManager(cfg config.NotifyConfig, timeout time.Duration, logger *logging.SimpleLogger) (*Manager, error) {
	var webhooks []Webhook
	for _, c := range []struct{ kind, url string }{
		{GoogleChatKind, cfg.GoogleChatURL},
		{SlackKind, cfg.SlackURL},
	} {
		if c.url == "" {
			continue
		}
		w, err := NewIncomingWebhook(c.kind, c.url, timeout)
		if err != nil {
			return nil, err
		}
		webhooks = append(webhooks, w)
	}
	return &Manager{Webhooks: webhooks, Logger: logger}, nil
}

// Send tries every webhook, even after one fails, and returns an error
// naming all failures.
func (m *Manager) Send(ctx context.Context, message string) error {
	var failed []string
	for _, w := range m.Webhooks {
		if err := w.Send(ctx, message); err != nil {
			m.Logger.Warn("error sending %s webhook: %s", w.Kind(), err)
			failed = append(failed, err.Error())
			continue
		}
		m.Logger.Debug("sent %s webhook", w.Kind())
	}
	if len(failed) > 0 {
		return errors.Errorf("%d of %d webhooks failed: %s", len(failed), len(m.Webhooks), strings.Join(failed, "; "))
	}
	return nil
}
