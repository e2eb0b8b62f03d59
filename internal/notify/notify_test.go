package notify

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/regselect/regselect/internal/agent"
	"github.com/regselect/regselect/internal/config"
	"github.com/regselect/regselect/internal/report"
)

func TestValidateEmail(t *testing.T) {
	tests := []struct {
		email   string
		wantErr bool
	}{
		{"ops@example.com", false},
		{"Ops <ops@example.com>", false},
		{"ops@example.com\r\nBcc: x@y.z", true},
		{"a@x.com, b@x.com", true},
		{"not an email", true},
		{"", true},
	}

	for _, tt := range tests {
		t.Run(tt.email, func(t *testing.T) {
			err := ValidateEmail(tt.email)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestNewSender(t *testing.T) {
	for provider, name := range map[string]string{"": "smtp", "smtp": "smtp", "resend": "resend", "sendgrid": "sendgrid"} {
		s, err := NewSender(config.NotifyConfig{Provider: provider, APIKey: "key"})
		require.NoError(t, err)
		assert.Equal(t, name, s.Name())
	}

	_, err := NewSender(config.NotifyConfig{Provider: "pigeon"})
	assert.Error(t, err)
}

func TestProvidersRejectInvalidMessages(t *testing.T) {
	bad := Message{From: "ops@example.com", To: "lead@example.com", Subject: "hi\r\nBcc: x@y.z"}
	for _, s := range []Sender{NewSMTPSender(config.SMTPConfig{}), NewResendSender("k"), NewSendGridSender("k")} {
		res := s.Send(context.Background(), bad)
		assert.False(t, res.Success, s.Name())
		assert.Error(t, res.Error, s.Name())
	}
}

func TestSMTPAuthRequiresTLS(t *testing.T) {
	s := NewSMTPSender(config.SMTPConfig{Host: "localhost", Port: 25, Username: "u", Password: "p"})
	res := s.Send(context.Background(), Message{From: "ops@example.com", To: "lead@example.com", Subject: "s", Body: "b"})
	assert.False(t, res.Success)
	assert.EqualError(t, res.Error, "SMTP auth requires TLS")
}

func TestCompose(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	raw, id, err := compose(Message{
		From:    "ops@example.com",
		To:      "lead@example.com",
		Subject: "Registrant selection completed: 2 of 3 matched",
		Body:    "Selected registrants:\n  - a@x.com\n",
	}, now)
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	r, err := mail.CreateReader(bytes.NewReader(raw))
	require.NoError(t, err)

	subject, err := r.Header.Subject()
	require.NoError(t, err)
	assert.Equal(t, "Registrant selection completed: 2 of 3 matched", subject)

	to, err := r.Header.AddressList("To")
	require.NoError(t, err)
	require.Len(t, to, 1)
	assert.Equal(t, "lead@example.com", to[0].Address)

	date, err := r.Header.Date()
	require.NoError(t, err)
	assert.True(t, date.Equal(now))

	p, err := r.NextPart()
	require.NoError(t, err)
	body, err := io.ReadAll(p.Body)
	require.NoError(t, err)
	assert.Equal(t, "Selected registrants:\n  - a@x.com\n", strings.ReplaceAll(string(body), "\r\n", "\n"))
}

type fakeSender struct {
	sent []Message
	err  error
}

func (f *fakeSender) Name() string { return "fake" }

func (f *fakeSender) Send(ctx context.Context, msg Message) Result {
	if f.err != nil {
		return Result{Error: f.err}
	}
	f.sent = append(f.sent, msg)
	return Result{Success: true, MessageID: "m-1"}
}

func TestMailer(t *testing.T) {
	reports, err := report.NewEngine()
	require.NoError(t, err)

	fs := &fakeSender{}
	m := newMailer(fs, reports, "ops@example.com", "lead@example.com", nil)

	sum := agent.Summary{ID: "s1", State: agent.StateCompleted, Requested: 2, Matched: 1, MatchedEmails: []string{"a@x.com"}}
	m.OnFinish(sum)
	require.Len(t, fs.sent, 1)
	assert.Equal(t, "lead@example.com", fs.sent[0].To)
	assert.Equal(t, "Registrant selection completed: 1 of 2 matched", fs.sent[0].Subject)
	assert.Contains(t, fs.sent[0].Body, "a@x.com")

	fs.err = errors.New("quota exceeded")
	err = m.Send(context.Background(), sum)
	assert.ErrorContains(t, err, "fake: quota exceeded")
}

func TestNewMailerDisabled(t *testing.T) {
	m, err := NewMailer(config.NotifyConfig{}, nil, nil)
	require.NoError(t, err)
	assert.Nil(t, m)

	_, err = NewMailer(config.NotifyConfig{Enabled: true, Provider: "pigeon"}, nil, nil)
	assert.Error(t, err)
}
