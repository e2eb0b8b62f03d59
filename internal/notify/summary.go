package notify

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/regselect/regselect/internal/agent"
	"github.com/regselect/regselect/internal/config"
	"github.com/regselect/regselect/internal/report"
)

// Mailer emails a rendered summary after each session
type Mailer struct {
	sender  Sender
	reports *report.Engine
	from    string
	to      string
	logger  *zap.Logger
}

// NewMailer returns nil when notifications are disabled
func NewMailer(cfg config.NotifyConfig, reports *report.Engine, logger *zap.Logger) (*Mailer, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	sender, err := NewSender(cfg)
	if err != nil {
		return nil, err
	}
	return newMailer(sender, reports, cfg.From, cfg.To, logger), nil
}

func newMailer(sender Sender, reports *report.Engine, from, to string, logger *zap.Logger) *Mailer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Mailer{sender: sender, reports: reports, from: from, to: to, logger: logger}
}

// Send renders sum and delivers it
func (m *Mailer) Send(ctx context.Context, sum agent.Summary) error {
	email, err := m.reports.Summary(sum)
	if err != nil {
		return err
	}

	res := m.sender.Send(ctx, Message{
		From:    m.from,
		To:      m.to,
		Subject: email.Subject,
		Body:    email.Body,
	})
	if !res.Success {
		return fmt.Errorf("%s: %w", m.sender.Name(), res.Error)
	}

	m.logger.Info("summary sent",
		zap.String("provider", m.sender.Name()),
		zap.String("session_id", sum.ID),
		zap.String("message_id", res.MessageID))
	return nil
}

// OnFinish adapts Send to agent.Agent.OnFinish. Failures are logged.
func (m *Mailer) OnFinish(sum agent.Summary) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := m.Send(ctx, sum); err != nil {
		m.logger.Warn("failed to send summary", zap.String("session_id", sum.ID), zap.Error(err))
	}
}
