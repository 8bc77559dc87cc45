package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the main configuration structure
type Config struct {
	Logs          LogsConfig          `yaml:"logs"`
	Scan          ScanConfig          `yaml:"scan"`
	Rules         RulesConfig         `yaml:"rules"`
	Deny          DenyConfig          `yaml:"deny"`
	Reload        ReloadConfig        `yaml:"reload"`
	Firewall      FirewallConfig      `yaml:"firewall"`
	Notifications NotificationsConfig `yaml:"notifications"`
	Metrics       MetricsConfig       `yaml:"metrics"`
	Server        ServerConfig        `yaml:"server"`
	GeoIP         GeoIPConfig         `yaml:"geoip"`
	Schedule      ScheduleConfig      `yaml:"schedule"`
}

type LogsConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// ScanConfig describes the log being scanned and where progress is kept.
type ScanConfig struct {
	LogPath        string `yaml:"log_path"`
	PositionFile   string `yaml:"position_file"`
	MaxLineLength  int    `yaml:"max_line_length"`
	SkipBlankLines bool   `yaml:"skip_blank_lines"`
	DryRun         bool   `yaml:"dry_run"`
}

// RulesConfig points at the rule file. An empty path selects the built-in rules.
type RulesConfig struct {
	Path string `yaml:"path"`
}

type DenyConfig struct {
	Path      string   `yaml:"path"`
	Whitelist []string `yaml:"whitelist"`
}

type ReloadConfig struct {
	Enabled    bool   `yaml:"enabled"`
	NginxBin   string `yaml:"nginx_bin"`
	TestConfig bool   `yaml:"test_config"`
}

// FirewallConfig mirrors new bans into a packet filter. An empty backend disables it.
type FirewallConfig struct {
	Backend string `yaml:"backend"`
	Chain   string `yaml:"chain"`
	Target  string `yaml:"target"`
	Family  string `yaml:"family"`
	Table   string `yaml:"table"`
	Set     string `yaml:"set"`
}

type NotificationsConfig struct {
	Telegram TelegramConfig `yaml:"telegram"`
	Slack    SlackConfig    `yaml:"slack"`
	Webhook  WebhookConfig  `yaml:"webhook"`
}

type TelegramConfig struct {
	Enabled  bool   `yaml:"enabled"`
	BotToken string `yaml:"bot_token"`
	ChatID   string `yaml:"chat_id"`

	// APIEndpoint overrides the Bot API URL template, e.g. for a local Bot API server.
	APIEndpoint string `yaml:"api_endpoint"`
}

type SlackConfig struct {
	Enabled    bool   `yaml:"enabled"`
	WebhookURL string `yaml:"webhook_url"`
	Channel    string `yaml:"channel"`
}

type WebhookConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
	Secret  string `yaml:"secret"`
}

type MetricsConfig struct {
	TextfilePath string            `yaml:"textfile_path"`
	Pushgateway  PushgatewayConfig `yaml:"pushgateway"`
}

type PushgatewayConfig struct {
	URL string `yaml:"url"`
	Job string `yaml:"job"`
}

type ServerConfig struct {
	Enabled     bool   `yaml:"enabled"`
	BindAddress string `yaml:"bind_address"`
	Port        int    `yaml:"port"`
}

type GeoIPConfig struct {
	DatabasePath string `yaml:"database_path"`
}

// ScheduleConfig enables the built-in loop. A zero interval means run once.
type ScheduleConfig struct {
	Interval time.Duration `yaml:"interval"`
	WatchLog bool          `yaml:"watch_log"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		Logs: LogsConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Scan: ScanConfig{
			LogPath:       "/usr/local/nginx/logs/error.log",
			MaxLineLength: 100 * 1024,
		},
		Deny: DenyConfig{
			Path:      "/usr/local/nginx/conf/deny.conf",
			Whitelist: []string{"127.0.0.1"},
		},
		Reload: ReloadConfig{
			Enabled:    true,
			NginxBin:   "/usr/local/nginx/sbin/nginx",
			TestConfig: true,
		},
		Firewall: FirewallConfig{
			Chain:  "INPUT",
			Target: "DROP",
			Family: "inet",
			Table:  "filter",
			Set:    "miniwaf",
		},
		Metrics: MetricsConfig{
			Pushgateway: PushgatewayConfig{Job: "miniwaf"},
		},
		Server: ServerConfig{
			BindAddress: "127.0.0.1",
			Port:        9180,
		},
	}
}

// Load loads configuration from the specified file
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		return cfg, nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil // Return default config if file doesn't exist
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Scan.LogPath == "" {
		return fmt.Errorf("scan.log_path must be set")
	}
	if c.Deny.Path == "" {
		return fmt.Errorf("deny.path must be set")
	}
	if c.Scan.MaxLineLength < 0 {
		return fmt.Errorf("scan.max_line_length must not be negative")
	}

	switch c.Logs.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("unknown log format: %s", c.Logs.Format)
	}

	switch c.Firewall.Backend {
	case "", "iptables", "nftables", "pf", "ufw", "mock":
	default:
		return fmt.Errorf("unknown firewall backend: %s", c.Firewall.Backend)
	}

	if c.Reload.Enabled && c.Reload.NginxBin == "" {
		return fmt.Errorf("reload enabled but reload.nginx_bin not specified")
	}

	if c.Server.Enabled && (c.Server.Port < 1 || c.Server.Port > 65535) {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	if c.Schedule.Interval < 0 {
		return fmt.Errorf("schedule.interval must not be negative")
	}

	if c.Notifications.Telegram.Enabled && (c.Notifications.Telegram.BotToken == "" || c.Notifications.Telegram.ChatID == "") {
		return fmt.Errorf("telegram enabled but bot_token or chat_id not specified")
	}
	if c.Notifications.Slack.Enabled && c.Notifications.Slack.WebhookURL == "" {
		return fmt.Errorf("slack enabled but webhook_url not specified")
	}
	if c.Notifications.Webhook.Enabled && c.Notifications.Webhook.URL == "" {
		return fmt.Errorf("webhook enabled but url not specified")
	}

	return nil
}

// Save saves the configuration to the specified file
func (c *Config) Save(path string) error {
	// Ensure directory exists
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
