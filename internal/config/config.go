package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"gopkg.in/yaml.v3"
)

func checkFilePermissions(path string) error {
	if runtime.GOOS == "windows" {
		return nil
	}
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if perm := info.Mode().Perm(); perm&0077 != 0 {
		return fmt.Errorf("config file %s has insecure permissions %04o; should be 0600", path, perm)
	}
	return nil
}

type Config struct {
	Browser BrowserConfig `yaml:"browser"`
	Host    HostConfig    `yaml:"host"`
	Timing  Timing        `yaml:"timing"`
	Panel   PanelConfig   `yaml:"panel"`
	Notify  NotifyConfig  `yaml:"notify,omitempty"`
	Inbox   InboxConfig   `yaml:"inbox,omitempty"`
	Log     LogConfig     `yaml:"log"`
}

// BrowserConfig selects how the live page is reached.
// With RemoteURL set, regselect attaches to an already running Chrome
// (started with --remote-debugging-port) where the user is logged in.
type BrowserConfig struct {
	RemoteURL    string `yaml:"remote_url"` // e.g. "http://127.0.0.1:9222"
	StartURL     string `yaml:"start_url"`  // navigated to when launching a fresh browser
	Headless     bool   `yaml:"headless"`
	TimeoutSec   int    `yaml:"timeout_sec"`
	UserAgent    string `yaml:"user_agent,omitempty"`
	WindowWidth  int    `yaml:"window_width"`
	WindowHeight int    `yaml:"window_height"`

	// ScreenshotDir receives a full-page capture after each session when set
	ScreenshotDir string `yaml:"screenshot_dir,omitempty"`
}

// HostConfig describes the markup of the registrant admin page.
type HostConfig struct {
	URLContains          []string `yaml:"url_contains"`
	PaginationSelector   string   `yaml:"pagination_selector"`
	TableSelector        string   `yaml:"table_selector"`
	RowSelector          string   `yaml:"row_selector"`
	EmailTag             string   `yaml:"email_tag"`
	EmailExactSelector   string   `yaml:"email_exact_selector"`
	EmailPartialSelector string   `yaml:"email_partial_selector"`
	EmailClassSubstrings []string `yaml:"email_class_substrings"`
	RowTag               string   `yaml:"row_tag"`
	CellTag              string   `yaml:"cell_tag"`
	ControlSelector      string   `yaml:"control_selector"`
	NextButtonID         string   `yaml:"next_button_id"`
	DisabledClasses      []string `yaml:"disabled_classes"`
	HiddenClass          string   `yaml:"hidden_class"`
	VisibleClasses       []string `yaml:"visible_classes"`
	HoverClass           string   `yaml:"hover_class"`
	PageSize             int      `yaml:"page_size"`
}

// Timing holds the fixed delays and the page-ready poll bounds.
type Timing struct {
	PollIntervalMs int `yaml:"poll_interval_ms"`
	PollAttempts   int `yaml:"poll_attempts"`
	SettleMs       int `yaml:"settle_ms"`
	RevealMs       int `yaml:"reveal_ms"`
	ToggleGapMs    int `yaml:"toggle_gap_ms"`
}

func (t Timing) PollInterval() time.Duration {
	return time.Duration(t.PollIntervalMs) * time.Millisecond
}
func (t Timing) Settle() time.Duration { return time.Duration(t.SettleMs) * time.Millisecond }
func (t Timing) Reveal() time.Duration { return time.Duration(t.RevealMs) * time.Millisecond }
func (t Timing) ToggleGap() time.Duration {
	return time.Duration(t.ToggleGapMs) * time.Millisecond
}

type PanelConfig struct {
	Port        int  `yaml:"port"`
	OpenBrowser bool `yaml:"open_browser"`
}

// NotifyConfig holds settings for the session summary email
type NotifyConfig struct {
	Enabled  bool       `yaml:"enabled"`
	Provider string     `yaml:"provider"` // "smtp", "resend", "sendgrid"
	From     string     `yaml:"from"`
	To       string     `yaml:"to"`
	APIKey   string     `yaml:"api_key,omitempty"`
	SMTP     SMTPConfig `yaml:"smtp,omitempty"`
}

type SMTPConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	UseTLS   bool   `yaml:"use_tls"`
}

// InboxConfig holds IMAP settings for importing target addresses
type InboxConfig struct {
	Provider string `yaml:"provider"` // "gmail", "outlook", "imap"
	Server   string `yaml:"server"`
	Port     int    `yaml:"port"`
	Email    string `yaml:"email"`
	Password string `yaml:"password"` // App password (not main password)
	Folder   string `yaml:"folder"`
	Days     int    `yaml:"days"`
}

type LogConfig struct {
	Level  string `yaml:"level"`  // "debug", "info", "warn", "error"
	Format string `yaml:"format"` // "console" or "json"
}

// Default returns a config matching the registrant page markup as of today.
func Default() *Config {
	return &Config{
		Browser: BrowserConfig{
			RemoteURL:    "http://127.0.0.1:9222",
			TimeoutSec:   60,
			UserAgent:    "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
			WindowWidth:  1920,
			WindowHeight: 1080,
		},
		Host: DefaultHost(),
		Timing: Timing{
			PollIntervalMs: 500,
			PollAttempts:   20,
			SettleMs:       1500,
			RevealMs:       50,
			ToggleGapMs:    100,
		},
		Panel: PanelConfig{Port: 8080, OpenBrowser: true},
		Inbox: InboxConfig{Folder: "INBOX", Days: 30},
		Log:   LogConfig{Level: "info", Format: "console"},
	}
}

func DefaultHost() HostConfig {
	return HostConfig{
		URLContains:          []string{"admin.goldcast.io", "registrants"},
		PaginationSelector:   ".tw-text-slate-400",
		TableSelector:        "table",
		RowSelector:          "tbody tr",
		EmailTag:             "p",
		EmailExactSelector:   `p[class~="tw-max-w-[300px]"][class~="tw-truncate"]`,
		EmailPartialSelector: `p[class*="tw-max-w-"][class*="tw-truncate"]`,
		EmailClassSubstrings: []string{"tw-max-w-", "tw-truncate"},
		RowTag:               "tr",
		CellTag:              "td",
		ControlSelector:      `input[type="checkbox"][id^="select-registrant-checkbox-"]`,
		NextButtonID:         "next-button",
		DisabledClasses:      []string{"disabled", "tw-cursor-not-allowed"},
		HiddenClass:          "tw-hidden",
		VisibleClasses:       []string{"tw-block", "!tw-block"},
		HoverClass:           "group-hover",
		PageSize:             15,
	}
}

func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "config.yaml"
	}
	return filepath.Join(home, ".regselect", "config.yaml")
}

func Load(path string) (*Config, error) {
	if err := checkFilePermissions(path); err != nil {
		fmt.Fprintf(os.Stderr, "WARNING: %v\n", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyDefaults()
	return &cfg, nil
}

// applyDefaults fills every zero value from Default()
func (c *Config) applyDefaults() {
	d := Default()

	if c.Browser.TimeoutSec == 0 {
		c.Browser.TimeoutSec = d.Browser.TimeoutSec
	}
	if c.Browser.UserAgent == "" {
		c.Browser.UserAgent = d.Browser.UserAgent
	}
	if c.Browser.WindowWidth == 0 || c.Browser.WindowHeight == 0 {
		c.Browser.WindowWidth = d.Browser.WindowWidth
		c.Browser.WindowHeight = d.Browser.WindowHeight
	}

	h, dh := &c.Host, d.Host
	setString(&h.PaginationSelector, dh.PaginationSelector)
	setString(&h.TableSelector, dh.TableSelector)
	setString(&h.RowSelector, dh.RowSelector)
	setString(&h.EmailTag, dh.EmailTag)
	setString(&h.EmailExactSelector, dh.EmailExactSelector)
	setString(&h.EmailPartialSelector, dh.EmailPartialSelector)
	setString(&h.RowTag, dh.RowTag)
	setString(&h.CellTag, dh.CellTag)
	setString(&h.ControlSelector, dh.ControlSelector)
	setString(&h.NextButtonID, dh.NextButtonID)
	setString(&h.HiddenClass, dh.HiddenClass)
	setString(&h.HoverClass, dh.HoverClass)
	if h.URLContains == nil {
		h.URLContains = dh.URLContains
	}
	if len(h.EmailClassSubstrings) == 0 {
		h.EmailClassSubstrings = dh.EmailClassSubstrings
	}
	if len(h.DisabledClasses) == 0 {
		h.DisabledClasses = dh.DisabledClasses
	}
	if len(h.VisibleClasses) == 0 {
		h.VisibleClasses = dh.VisibleClasses
	}
	if h.PageSize <= 0 {
		h.PageSize = dh.PageSize
	}

	t, dt := &c.Timing, d.Timing
	setInt(&t.PollIntervalMs, dt.PollIntervalMs)
	setInt(&t.PollAttempts, dt.PollAttempts)
	setInt(&t.SettleMs, dt.SettleMs)
	setInt(&t.RevealMs, dt.RevealMs)
	setInt(&t.ToggleGapMs, dt.ToggleGapMs)

	setInt(&c.Panel.Port, d.Panel.Port)

	if c.Notify.Provider == "" {
		c.Notify.Provider = "smtp"
	}

	// Set inbox defaults
	setString(&c.Inbox.Folder, d.Inbox.Folder)
	setInt(&c.Inbox.Days, d.Inbox.Days)
	if c.Inbox.Provider == "gmail" && c.Inbox.Server == "" {
		c.Inbox.Server = "imap.gmail.com"
		c.Inbox.Port = 993
	}
	if c.Inbox.Provider == "outlook" && c.Inbox.Server == "" {
		c.Inbox.Server = "outlook.office365.com"
		c.Inbox.Port = 993
	}

	setString(&c.Log.Level, d.Log.Level)
	setString(&c.Log.Format, d.Log.Format)
}

func setString(dst *string, def string) {
	if *dst == "" {
		*dst = def
	}
}

func setInt(dst *int, def int) {
	if *dst == 0 {
		*dst = def
	}
}

func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to serialize config: %w", err)
	}
	return os.WriteFile(path, data, 0600)
}

func (c *Config) Validate() error {
	if c.Browser.RemoteURL == "" && c.Browser.StartURL == "" {
		return fmt.Errorf("browser: remote_url or start_url is required")
	}
	if c.Host.PageSize <= 0 {
		return fmt.Errorf("host: page_size must be positive")
	}
	if c.Host.EmailTag == "" {
		return fmt.Errorf("host: email_tag is required")
	}
	if c.Host.NextButtonID == "" {
		return fmt.Errorf("host: next_button_id is required")
	}
	if c.Timing.PollAttempts < 1 {
		return fmt.Errorf("timing: poll_attempts must be at least 1")
	}
	if c.Timing.PollIntervalMs < 0 || c.Timing.SettleMs < 0 || c.Timing.RevealMs < 0 || c.Timing.ToggleGapMs < 0 {
		return fmt.Errorf("timing: delays cannot be negative")
	}
	if c.Notify.Enabled {
		return c.ValidateNotify()
	}
	return nil
}

// ValidateNotify validates the summary email settings
func (c *Config) ValidateNotify() error {
	n := c.Notify
	if n.From == "" {
		return fmt.Errorf("notify: from address is required")
	}
	if n.To == "" {
		return fmt.Errorf("notify: to address is required")
	}

	switch n.Provider {
	case "smtp":
		if n.SMTP.Host == "" {
			return fmt.Errorf("notify.smtp: host is required")
		}
		if n.SMTP.Port == 0 {
			return fmt.Errorf("notify.smtp: port is required")
		}
	case "resend", "sendgrid":
		if n.APIKey == "" {
			return fmt.Errorf("notify: api_key is required for provider %s", n.Provider)
		}
	default:
		return fmt.Errorf("notify: unknown provider %q", n.Provider)
	}
	return nil
}

// ValidateInbox validates inbox configuration (only called when importing over IMAP)
func (c *Config) ValidateInbox() error {
	if c.Inbox.Email == "" {
		return fmt.Errorf("inbox: email address is required")
	}
	if c.Inbox.Password == "" {
		return fmt.Errorf("inbox: password (app password) is required")
	}
	if c.Inbox.Server == "" {
		return fmt.Errorf("inbox: IMAP server is required")
	}
	if c.Inbox.Port == 0 {
		return fmt.Errorf("inbox: IMAP port is required")
	}
	return nil
}
