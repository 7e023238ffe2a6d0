package notify

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/oszuidwest/zwfm-systemtap/internal/util"
)

// sendTimeout bounds one e-mail delivery including retries.
const sendTimeout = 2 * time.Minute

// Config selects the alert channels. Empty channels are skipped.
type Config struct {
	StationName string
	WebhookURL  string
	Graph       GraphConfig
	Zabbix      ZabbixConfig
}

// HasWebhook reports whether a webhook is configured.
func (c *Config) HasWebhook() bool {
	return util.IsConfigured(c.WebhookURL)
}

// IsConfigured reports whether any channel is configured.
func (c *Config) IsConfigured() bool {
	return c.HasWebhook() || c.Graph.IsConfigured() || c.Zabbix.IsConfigured()
}

// Notifier fans alerts out to the configured channels. A nil Notifier
// discards alerts. It is safe for concurrent use.
type Notifier struct {
	cfg Config

	// mu protects graphClient
	mu          sync.Mutex
	graphClient *GraphClient

	wg sync.WaitGroup
}

// NewNotifier returns a Notifier for cfg.
func NewNotifier(cfg Config) *Notifier {
	return &Notifier{cfg: cfg}
}

// getOrCreateGraphClient returns the cached Graph client, creating it if needed.
func (n *Notifier) getOrCreateGraphClient() (*GraphClient, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.graphClient != nil {
		return n.graphClient, nil
	}

	client, err := NewGraphClient(&n.cfg.Graph)
	if err != nil {
		return nil, err
	}
	n.graphClient = client
	return client, nil
}

// Dispatch sends a in the background. Webhooks receive every alert; email
// and Zabbix only receive problems. Results are logged.
func (n *Notifier) Dispatch(a Alert) {
	if n == nil {
		return
	}
	cfg := &n.cfg

	if cfg.HasWebhook() {
		n.wg.Go(func() {
			util.LogNotifyResult(func() error { return SendAlertWebhook(cfg.WebhookURL, cfg.StationName, &a) }, "webhook", string(a.Event))
		})
	}
	if !a.IsProblem() {
		return
	}
	if cfg.Graph.IsConfigured() {
		n.wg.Go(func() {
			util.LogNotifyResult(func() error { return n.sendEmail(&a) }, "email", string(a.Event))
		})
	}
	if cfg.Zabbix.IsConfigured() {
		n.wg.Go(func() {
			util.LogNotifyResult(func() error { return SendAlertZabbix(&cfg.Zabbix, &a) }, "zabbix", string(a.Event))
		})
	}
}

// sendEmail mails a through the cached Graph client.
func (n *Notifier) sendEmail(a *Alert) error {
	client, err := n.getOrCreateGraphClient()
	if err != nil {
		return util.WrapError("create Graph client", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()
	return sendAlertEmail(ctx, client, &n.cfg.Graph, n.cfg.StationName, a)
}

// Wait blocks until every dispatched alert was delivered or failed.
func (n *Notifier) Wait() {
	if n == nil {
		return
	}
	n.wg.Wait()
}

// Test sends a test message on every configured channel and returns the
// joined failures.
func (n *Notifier) Test() error {
	cfg := &n.cfg
	if !cfg.IsConfigured() {
		return errors.New("no notification channel configured")
	}

	var errs []error
	if cfg.HasWebhook() {
		errs = append(errs, util.WrapError("send test webhook", SendTestWebhook(cfg.WebhookURL, cfg.StationName)))
	}
	if cfg.Graph.IsConfigured() {
		ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
		defer cancel()
		errs = append(errs, util.WrapError("send test email", SendTestEmail(ctx, &cfg.Graph, cfg.StationName)))
	}
	if cfg.Zabbix.IsConfigured() {
		errs = append(errs, util.WrapError("send test to zabbix", SendTestZabbix(&cfg.Zabbix)))
	}
	return errors.Join(errs...)
}
