package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0600))
	return path
}

func TestLoadFillsDefaults(t *testing.T) {
	path := writeConfig(t, `
browser:
  remote_url: http://127.0.0.1:9333
host:
  page_size: 25
timing:
  settle_ms: 10
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "http://127.0.0.1:9333", cfg.Browser.RemoteURL)
	assert.Equal(t, 60, cfg.Browser.TimeoutSec)
	assert.Equal(t, 25, cfg.Host.PageSize)
	assert.Equal(t, "next-button", cfg.Host.NextButtonID)
	assert.Equal(t, []string{"tw-max-w-", "tw-truncate"}, cfg.Host.EmailClassSubstrings)
	assert.Equal(t, 10*time.Millisecond, cfg.Timing.Settle())
	assert.Equal(t, 500*time.Millisecond, cfg.Timing.PollInterval())
	assert.Equal(t, 20, cfg.Timing.PollAttempts)
	assert.Equal(t, 8080, cfg.Panel.Port)
	assert.Equal(t, "smtp", cfg.Notify.Provider)
	assert.Equal(t, "INBOX", cfg.Inbox.Folder)
	assert.NoError(t, cfg.Validate())
}

func TestLoadInboxProviderDefaults(t *testing.T) {
	path := writeConfig(t, "inbox:\n  provider: gmail\n")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "imap.gmail.com", cfg.Inbox.Server)
	assert.Equal(t, 993, cfg.Inbox.Port)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	cfg := Default()
	cfg.Panel.Port = 9090

	require.NoError(t, Save(path, cfg))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9090, loaded.Panel.Port)
	assert.Equal(t, cfg.Host, loaded.Host)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{name: "defaults", mutate: func(c *Config) {}},
		{name: "no browser target", mutate: func(c *Config) { c.Browser.RemoteURL = "" }, wantErr: true},
		{name: "start url only", mutate: func(c *Config) {
			c.Browser.RemoteURL = ""
			c.Browser.StartURL = "https://admin.goldcast.io/registrants"
		}},
		{name: "zero page size", mutate: func(c *Config) { c.Host.PageSize = 0 }, wantErr: true},
		{name: "negative delay", mutate: func(c *Config) { c.Timing.SettleMs = -1 }, wantErr: true},
		{name: "notify without recipient", mutate: func(c *Config) {
			c.Notify = NotifyConfig{Enabled: true, Provider: "resend", From: "a@x.com", APIKey: "k"}
		}, wantErr: true},
		{name: "notify resend", mutate: func(c *Config) {
			c.Notify = NotifyConfig{Enabled: true, Provider: "resend", From: "a@x.com", To: "b@x.com", APIKey: "k"}
		}},
		{name: "notify unknown provider", mutate: func(c *Config) {
			c.Notify = NotifyConfig{Enabled: true, Provider: "pigeon", From: "a@x.com", To: "b@x.com"}
		}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateInbox(t *testing.T) {
	cfg := Default()
	assert.Error(t, cfg.ValidateInbox())

	cfg.Inbox = InboxConfig{Server: "imap.example.com", Port: 993, Email: "me@example.com", Password: "app"}
	assert.NoError(t, cfg.ValidateInbox())
}
