package notification

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/sirupsen/logrus"
	"github.com/slack-go/slack"

	"github.com/Anipaleja/miniwaf/internal/config"
	"github.com/Anipaleja/miniwaf/internal/denylist"
)

// Channel names used in results and metrics
const (
	ChannelTelegram = "telegram"
	ChannelSlack    = "slack"
	ChannelWebhook  = "webhook"
)

// SignatureHeader carries the hex HMAC-SHA256 of the webhook body.
const SignatureHeader = "X-Miniwaf-Signature"

// Event represents a notification event: the new bans of one pass
type Event struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Host      string    `json:"host,omitempty"`
	LogPath   string    `json:"log_path"`
	DryRun    bool      `json:"dry_run"`
	Bans      []Ban     `json:"bans"`
}

// Ban is one banned address with its location when known
type Ban struct {
	IP       string    `json:"ip"`
	Rule     string    `json:"rule"`
	Format   string    `json:"format"`
	Country  string    `json:"country,omitempty"`
	BannedAt time.Time `json:"banned_at"`
}

// Locator resolves an address to a country name.
type Locator interface {
	Country(ip string) string
}

// Manager handles all notification channels
type Manager struct {
	config      config.NotificationsConfig
	logger      *logrus.Logger
	locator     Locator
	telegramBot *tgbotapi.BotAPI
	chatID      int64
	httpClient  *http.Client
	host        string
}

// NewManager creates a new notification manager. The locator may be nil.
func NewManager(cfg config.NotificationsConfig, locator Locator, logger *logrus.Logger) (*Manager, error) {
	manager := &Manager{
		config:     cfg,
		logger:     logger,
		locator:    locator,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
	manager.host, _ = os.Hostname()

	// Initialize Telegram bot
	if cfg.Telegram.Enabled && cfg.Telegram.BotToken != "" {
		chatID, err := strconv.ParseInt(cfg.Telegram.ChatID, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid telegram chat ID %q: %w", cfg.Telegram.ChatID, err)
		}
		manager.chatID = chatID

		endpoint := cfg.Telegram.APIEndpoint
		if endpoint == "" {
			endpoint = tgbotapi.APIEndpoint
		}
		bot, err := tgbotapi.NewBotAPIWithAPIEndpoint(cfg.Telegram.BotToken, endpoint)
		if err != nil {
			logger.WithError(err).Warn("Failed to initialize Telegram bot")
		} else {
			manager.telegramBot = bot
			logger.Info("Telegram notifications enabled")
		}
	}

	if cfg.Slack.Enabled && cfg.Slack.WebhookURL != "" {
		logger.Info("Slack notifications enabled")
	}
	if cfg.Webhook.Enabled && cfg.Webhook.URL != "" {
		logger.Info("Webhook notifications enabled")
	}

	return manager, nil
}

// Enabled reports whether any channel is configured.
func (m *Manager) Enabled() bool {
	return m.config.Telegram.Enabled || m.config.Slack.Enabled || m.config.Webhook.Enabled
}

// NewEvent builds the event for a pass, resolving countries when a locator is set.
func (m *Manager) NewEvent(logPath string, dryRun bool, bans []denylist.Record) Event {
	event := Event{
		Type:      "bans",
		Timestamp: time.Now().UTC(),
		Host:      m.host,
		LogPath:   logPath,
		DryRun:    dryRun,
		Bans:      make([]Ban, 0, len(bans)),
	}
	for _, rec := range bans {
		ban := Ban{IP: rec.IP, Rule: rec.Rule, Format: rec.Format, BannedAt: rec.BannedAt}
		if m.locator != nil {
			ban.Country = m.locator.Country(rec.IP)
		}
		event.Bans = append(event.Bans, ban)
	}
	return event
}

// Send delivers the event to every enabled channel and returns the outcome
// per channel. A failing channel never blocks the others.
func (m *Manager) Send(ctx context.Context, event Event) map[string]error {
	results := make(map[string]error)
	if len(event.Bans) == 0 {
		return results
	}

	if m.config.Telegram.Enabled {
		results[ChannelTelegram] = m.sendTelegram(event)
	}
	if m.config.Slack.Enabled {
		results[ChannelSlack] = m.sendSlack(ctx, event)
	}
	if m.config.Webhook.Enabled {
		results[ChannelWebhook] = m.sendWebhook(ctx, event)
	}

	for channel, err := range results {
		if err != nil {
			m.logger.WithError(err).WithField("channel", channel).Error("Failed to send notification")
		}
	}
	return results
}

// sendTelegram sends a Telegram notification
func (m *Manager) sendTelegram(event Event) error {
	if m.telegramBot == nil {
		return fmt.Errorf("telegram bot not initialized")
	}

	msg := tgbotapi.NewMessage(m.chatID, FormatText(event, true))
	msg.ParseMode = tgbotapi.ModeMarkdown

	_, err := m.telegramBot.Send(msg)
	return err
}

// sendSlack sends a Slack notification
func (m *Manager) sendSlack(ctx context.Context, event Event) error {
	fields := make([]slack.AttachmentField, 0, len(event.Bans))
	for _, ban := range event.Bans {
		value := ban.Rule
		if ban.Country != "" {
			value += " (" + ban.Country + ")"
		}
		fields = append(fields, slack.AttachmentField{
			Title: ban.IP,
			Value: value,
			Short: true,
		})
	}

	color := "danger"
	if event.DryRun {
		color = "warning"
	}

	webhook := slack.WebhookMessage{
		Channel:   m.config.Slack.Channel,
		Username:  "miniwaf",
		IconEmoji: ":shield:",
		Text:      summary(event),
		Attachments: []slack.Attachment{
			{
				Color:  color,
				Fields: fields,
				Footer: event.LogPath,
				Ts:     json.Number(strconv.FormatInt(event.Timestamp.Unix(), 10)),
			},
		},
	}

	return slack.PostWebhookContext(ctx, m.config.Slack.WebhookURL, &webhook)
}

// sendWebhook posts the event as JSON
func (m *Manager) sendWebhook(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.config.Webhook.URL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "miniwaf")

	if m.config.Webhook.Secret != "" {
		req.Header.Set(SignatureHeader, Sign(payload, m.config.Webhook.Secret))
	}

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook returned status code: %d", resp.StatusCode)
	}

	return nil
}

// Sign returns "sha256=" followed by the hex HMAC-SHA256 of payload.
func Sign(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func summary(event Event) string {
	noun := "addresses"
	if len(event.Bans) == 1 {
		noun = "address"
	}
	prefix := ""
	if event.DryRun {
		prefix = "[dry run] "
	}
	text := fmt.Sprintf("%s%d %s banned", prefix, len(event.Bans), noun)
	if event.Host != "" {
		text += " on " + event.Host
	}
	return text
}

// FormatText renders the event as a chat message. Addresses and rules are
// wrapped in code spans when markdown is set.
func FormatText(event Event, markdown bool) string {
	var b strings.Builder
	if markdown {
		b.WriteString("*" + summary(event) + "*\n")
	} else {
		b.WriteString(summary(event) + "\n")
	}

	for _, ban := range event.Bans {
		ip, rule := ban.IP, ban.Rule
		if markdown {
			ip, rule = "`"+ip+"`", "`"+strings.ReplaceAll(rule, "`", "'")+"`"
		}
		b.WriteString("\n" + ip + " " + rule)
		if ban.Country != "" {
			b.WriteString(" " + ban.Country)
		}
	}

	b.WriteString("\n\n" + event.Timestamp.Format("2006-01-02 15:04:05 UTC"))
	return b.String()
}
