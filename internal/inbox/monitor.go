package inbox

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"go.uber.org/zap"

	"github.com/regselect/regselect/internal/config"
)

// Monitor handles the IMAP connection
type Monitor struct {
	config config.InboxConfig
	client *client.Client
	logger *zap.Logger
}

// NewMonitor creates a new inbox monitor
func NewMonitor(cfg config.InboxConfig, logger *zap.Logger) *Monitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{config: cfg, logger: logger}
}

// Connect establishes IMAP connection
func (m *Monitor) Connect(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", m.config.Server, m.config.Port)

	m.logger.Info("connecting to IMAP server", zap.String("addr", addr))

	c, err := client.DialTLS(addr, nil)
	if err != nil {
		return fmt.Errorf("failed to connect to IMAP server: %w", err)
	}

	if err := c.Login(m.config.Email, m.config.Password); err != nil {
		c.Logout()
		return fmt.Errorf("failed to login: %w", err)
	}

	m.client = c
	m.logger.Info("login successful", zap.String("email", m.config.Email))
	return nil
}

// Disconnect closes the IMAP connection
func (m *Monitor) Disconnect() error {
	if m.client != nil {
		return m.client.Logout()
	}
	return nil
}

// FetchRecentEmails fetches emails from the configured folder over the last N days
func (m *Monitor) FetchRecentEmails(ctx context.Context, days int) ([]Email, error) {
	if m.client == nil {
		return nil, fmt.Errorf("not connected to IMAP server")
	}

	mbox, err := m.client.Select(m.config.Folder, true)
	if err != nil {
		return nil, fmt.Errorf("failed to select mailbox %s: %w", m.config.Folder, err)
	}

	m.logger.Info("mailbox selected", zap.String("folder", m.config.Folder), zap.Uint32("messages", mbox.Messages))

	if mbox.Messages == 0 {
		return nil, nil
	}

	since := time.Now().AddDate(0, 0, -days)
	criteria := imap.NewSearchCriteria()
	criteria.Since = since

	uids, err := m.client.UidSearch(criteria)
	if err != nil {
		return nil, fmt.Errorf("failed to search emails: %w", err)
	}

	m.logger.Info("found emails", zap.Int("count", len(uids)), zap.String("since", since.Format("2006-01-02")))

	if len(uids) == 0 {
		return nil, nil
	}

	seqSet := new(imap.SeqSet)
	seqSet.AddNum(uids...)

	section := &imap.BodySectionName{Peek: true}
	items := []imap.FetchItem{imap.FetchEnvelope, imap.FetchUid, section.FetchItem()}

	messages := make(chan *imap.Message, len(uids))
	done := make(chan error, 1)
	go func() {
		done <- m.client.UidFetch(seqSet, items, messages)
	}()

	var emails []Email
	for msg := range messages {
		if ctx.Err() != nil {
			continue
		}
		email := m.parseMessage(msg, section)
		if email != nil {
			emails = append(emails, *email)
		}
	}

	if err := <-done; err != nil {
		return nil, fmt.Errorf("failed to fetch messages: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	return emails, nil
}

// parseMessage prefers the full message and falls back to the envelope
func (m *Monitor) parseMessage(msg *imap.Message, section *imap.BodySectionName) *Email {
	if msg == nil || msg.Envelope == nil {
		return nil
	}

	if r := msg.GetBody(section); r != nil {
		email, err := ParseMessage(r)
		if err == nil {
			email.UID = msg.Uid
			if email.ReceivedAt.IsZero() {
				email.ReceivedAt = msg.Envelope.Date
			}
			return email
		}
		m.logger.Warn("failed to parse message, using envelope", zap.Uint32("uid", msg.Uid), zap.Error(err))
	}

	return &Email{
		UID:        msg.Uid,
		MessageID:  msg.Envelope.MessageId,
		From:       envelopeAddresses(msg.Envelope.From),
		ReplyTo:    envelopeAddresses(msg.Envelope.ReplyTo),
		To:         envelopeAddresses(msg.Envelope.To),
		Cc:         envelopeAddresses(msg.Envelope.Cc),
		Subject:    msg.Envelope.Subject,
		ReceivedAt: msg.Envelope.Date,
	}
}

func envelopeAddresses(list []*imap.Address) []string {
	out := make([]string, 0, len(list))
	for _, a := range list {
		if a != nil {
			out = append(out, a.Address())
		}
	}
	return out
}

// ReadFiles parses saved .eml files. A directory contributes its *.eml files.
func ReadFiles(paths []string) ([]Email, error) {
	var emails []Email
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			return nil, err
		}
		if info.IsDir() {
			matches, err := filepath.Glob(filepath.Join(p, "*.eml"))
			if err != nil {
				return nil, err
			}
			more, err := ReadFiles(matches)
			if err != nil {
				return nil, err
			}
			emails = append(emails, more...)
			continue
		}

		f, err := os.Open(p)
		if err != nil {
			return nil, err
		}
		email, err := ParseMessage(f)
		f.Close()
		if err != nil {
			return nil, fmt.Errorf("%s: %w", p, err)
		}
		emails = append(emails, *email)
	}
	return emails, nil
}
