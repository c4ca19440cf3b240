// Package notify delivers recorder alerts to webhooks, Microsoft Graph e-mail,
// a Zabbix trapper and a plain-text log file.
package notify

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/oszuidwest/zwfm-recorder/internal/types"
	"github.com/oszuidwest/zwfm-recorder/internal/util"
)

// Sentinel errors for channel tests.
var (
	ErrUnknownChannel = errors.New("unknown notification channel")
	ErrNotConfigured  = errors.New("notification channel not configured")
)

// deliveryTimeout bounds one channel delivery including Graph retries.
const deliveryTimeout = 2 * time.Minute

// Config holds the notification destinations. Empty destinations are skipped.
type Config struct {
	StationName string
	WebhookURL  string
	Graph       types.GraphConfig
	Zabbix      types.ZabbixConfig
	LogPath     string
}

// Configured reports whether ch has the settings it needs.
func (c *Config) Configured(ch Channel) bool {
	switch ch {
	case ChannelWebhook:
		return util.IsConfigured(c.WebhookURL)
	case ChannelEmail:
		return graphConfigured(&c.Graph)
	case ChannelZabbix:
		return zabbixConfigured(c.Zabbix)
	case ChannelLog:
		return util.IsConfigured(c.LogPath)
	}
	return false
}

// Notifier fans alerts out to every configured channel.
type Notifier struct {
	mu          sync.Mutex
	cfg         Config
	graphClient *GraphClient

	httpClient *http.Client
	endpoints  func(tenantID string) graphEndpoints

	wg sync.WaitGroup
}

// New returns a Notifier for cfg.
func New(cfg Config) *Notifier {
	return &Notifier{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: webhookTimeout},
		endpoints:  defaultGraphEndpoints,
	}
}

// Update replaces the configuration and drops the cached Graph client.
func (n *Notifier) Update(cfg Config) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.cfg = cfg
	n.graphClient = nil
}

func (n *Notifier) config() Config {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.cfg
}

// Configured returns the channels that have settings.
func (n *Notifier) Configured() []Channel {
	cfg := n.config()
	var out []Channel
	for _, ch := range Channels {
		if cfg.Configured(ch) {
			out = append(out, ch)
		}
	}
	return out
}

// Alert delivers msg to every configured channel in the background.
// Each delivery is logged; failures never reach the caller.
func (n *Notifier) Alert(kind Kind, msg string) {
	cfg := n.config()
	for _, ch := range Channels {
		if !cfg.Configured(ch) {
			continue
		}
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			util.LogNotifyResult(func() error {
				ctx, cancel := context.WithTimeout(context.Background(), deliveryTimeout)
				defer cancel()
				return n.deliver(ctx, &cfg, ch, kind, msg)
			}, string(ch))
		}()
	}
}

// Test sends a test message through ch and returns the delivery error.
func (n *Notifier) Test(ch Channel) error {
	cfg := n.config()
	switch ch {
	case ChannelWebhook, ChannelEmail, ChannelZabbix, ChannelLog:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownChannel, ch)
	}
	if !cfg.Configured(ch) {
		return fmt.Errorf("%w: %s", ErrNotConfigured, ch)
	}
	if ch == ChannelEmail {
		if err := ValidateGraphConfig(&cfg.Graph); err != nil {
			return fmt.Errorf("configuration error: %w", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), deliveryTimeout)
	defer cancel()

	msg := "This is a test notification from " + cmp.Or(cfg.StationName, AppName)
	err := n.deliver(ctx, &cfg, ch, KindTest, msg)
	util.LogNotifyResult(func() error { return err }, string(ch)+" test")
	return err
}

// Wait blocks until in-flight deliveries finish.
func (n *Notifier) Wait() {
	n.wg.Wait()
}

func (n *Notifier) deliver(ctx context.Context, cfg *Config, ch Channel, kind Kind, msg string) error {
	switch ch {
	case ChannelWebhook:
		return sendWebhook(n.httpClient, cfg.WebhookURL, &WebhookPayload{
			Event:     string(kind),
			Station:   cfg.StationName,
			Message:   msg,
			Timestamp: timestampUTC(),
		})
	case ChannelEmail:
		return n.sendEmail(ctx, cfg, kind, msg)
	case ChannelZabbix:
		return sendZabbixEvent(cfg.Zabbix, zabbixValue(kind, msg))
	case ChannelLog:
		return appendAlertLog(cfg.LogPath, kind, msg)
	}
	return fmt.Errorf("%w: %q", ErrUnknownChannel, ch)
}

func (n *Notifier) sendEmail(ctx context.Context, cfg *Config, kind Kind, msg string) error {
	client, err := n.graph(&cfg.Graph)
	if err != nil {
		return util.WrapError("create Graph client", err)
	}

	station := cmp.Or(cfg.StationName, AppName)
	tag := "[ALERT]"
	switch {
	case kind == KindTest:
		tag = "[TEST]"
	case kind.recovery():
		tag = "[OK]"
	}
	subject := fmt.Sprintf("%s %s - %s", tag, kind.title(), station)
	body := fmt.Sprintf("%s\n\nStation: %s\nTime:    %s", msg, station, util.HumanTime())

	if err := client.SendMail(ctx, ParseRecipients(cfg.Graph.Recipients), subject, body); err != nil {
		return util.WrapError("send email via Graph", err)
	}
	return nil
}

// graph returns the cached Graph client, creating it if needed.
func (n *Notifier) graph(cfg *types.GraphConfig) (*GraphClient, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.graphClient != nil {
		return n.graphClient, nil
	}
	client, err := newGraphClient(cfg, n.endpoints(cfg.TenantID))
	if err != nil {
		return nil, err
	}
	n.graphClient = client
	slog.Debug("created Graph client", "from", cfg.FromAddress)
	return client, nil
}
