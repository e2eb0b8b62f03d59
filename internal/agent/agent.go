// Package agent implements the Page Agent: one matching session at a time,
// walking the paginated registrant table and selecting rows whose email is
// in the target list.
package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/regselect/regselect/internal/address"
	"github.com/regselect/regselect/internal/config"
	"github.com/regselect/regselect/internal/message"
)

// ErrNoEmails is returned when a start request carries no usable address
var ErrNoEmails = errors.New("no emails to match")

// Options carries the page size and the fixed delays of a session
type Options struct {
	PageSize     int
	PollInterval time.Duration
	PollAttempts int
	Settle       time.Duration
	Reveal       time.Duration
	ToggleGap    time.Duration
}

// DefaultOptions mirrors config.Default()
func DefaultOptions() Options {
	return OptionsFromConfig(config.Default())
}

func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		PageSize:     cfg.Host.PageSize,
		PollInterval: cfg.Timing.PollInterval(),
		PollAttempts: cfg.Timing.PollAttempts,
		Settle:       cfg.Timing.Settle(),
		Reveal:       cfg.Timing.Reveal(),
		ToggleGap:    cfg.Timing.ToggleGap(),
	}
}

// Agent owns the page and at most one running session.
type Agent struct {
	ctx      context.Context
	page     Page
	notifier message.Notifier
	opts     Options
	logger   *zap.Logger

	mu       sync.Mutex
	current  *Session
	last     *Session
	onFinish []func(Summary)
}

// New creates an agent. Sessions run under ctx; cancelling it aborts a
// running session with an error.
func New(ctx context.Context, page Page, notifier message.Notifier, opts Options, logger *zap.Logger) *Agent {
	if notifier == nil {
		notifier = message.Discard
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.PageSize <= 0 {
		opts.PageSize = 15
	}
	if opts.PollAttempts < 1 {
		opts.PollAttempts = 1
	}
	return &Agent{
		ctx:      ctx,
		page:     page,
		notifier: notifier,
		opts:     opts,
		logger:   logger,
	}
}

// OnFinish registers fn to run after every session, before Done is closed
func (a *Agent) OnFinish(fn func(Summary)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onFinish = append(a.onFinish, fn)
}

// Handle implements message.Handler
func (a *Agent) Handle(req message.Request) message.Response {
	a.logger.Debug("received request", zap.String("action", string(req.Action)), zap.Int("emails", len(req.Emails)))

	switch req.Action {
	case message.ActionStartMatching:
		if _, _, err := a.Start(req.Emails); err != nil {
			return message.Fail(err.Error())
		}
		return message.OK()
	case message.ActionStopMatching:
		a.Stop()
		return message.OK()
	default:
		return message.Fail("Unknown action")
	}
}

// Start begins a session over emails. While a session is running the call
// is a no-op and returns that session with started=false.
func (a *Agent) Start(emails []string) (s *Session, started bool, err error) {
	targets := make([]string, 0, len(emails))
	for _, e := range emails {
		if n := address.Normalize(e); n != "" {
			targets = append(targets, n)
		}
	}

	a.mu.Lock()
	if a.current != nil {
		cur := a.current
		a.mu.Unlock()
		a.logger.Info("already running, ignoring start request", zap.String("session_id", cur.ID))
		return cur, false, nil
	}
	if len(targets) == 0 {
		a.mu.Unlock()
		return nil, false, ErrNoEmails
	}
	s = newSession(targets)
	a.current = s
	a.mu.Unlock()

	a.logger.Info("starting matching session",
		zap.String("session_id", s.ID),
		zap.Int("emails", len(targets)))

	go a.run(s)
	return s, true, nil
}

// Stop asks the running session to end after its in-flight step.
// It reports whether a session was running.
func (a *Agent) Stop() bool {
	a.mu.Lock()
	s := a.current
	a.mu.Unlock()

	if s == nil || !s.stop() {
		return false
	}
	a.logger.Info("stop requested", zap.String("session_id", s.ID))
	a.status("Matching stopped by user", message.StatusStopped, "")
	return true
}

// Running reports whether a session is in progress
func (a *Agent) Running() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.current != nil
}

// Current returns the running session, or nil
func (a *Agent) Current() *Session {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.current
}

// Last returns the most recently finished session, or nil
func (a *Agent) Last() *Session {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.last
}

func (a *Agent) run(s *Session) {
	log := a.logger.With(zap.String("session_id", s.ID))
	var err error

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic during matching: %v", r)
		}

		switch {
		case err != nil:
			log.Error("matching failed", zap.Error(err))
			s.finish(StateErrored, err)
			a.notify(message.Notification{Action: message.ActionMatchingError, Message: fmt.Sprintf("Error: %v", err)})
		case s.stopped.Load():
			log.Info("matching stopped")
			s.finish(StateStopped, nil)
		default:
			s.finish(StateCompleted, nil)
			sum := s.Summary()
			log.Info("matching complete",
				zap.Int("matched", sum.Matched),
				zap.Int("requested", sum.Requested),
				zap.Int("pages", sum.PagesProcessed))
			a.notify(message.Notification{
				Action: message.ActionMatchingComplete,
				Message: fmt.Sprintf("Matching complete! Found %d of %d emails across %d pages.",
					sum.Matched, sum.Requested, sum.PagesProcessed),
			})
		}

		a.mu.Lock()
		a.current = nil
		a.last = s
		hooks := append([]func(Summary){}, a.onFinish...)
		a.mu.Unlock()

		sum := s.Summary()
		for _, fn := range hooks {
			fn(sum)
		}
		close(s.done)
	}()

	err = a.matchAll(a.ctx, s, log)
}

func (a *Agent) notify(n message.Notification) {
	if n.Time.IsZero() {
		n.Time = time.Now()
	}
	a.notifier.Notify(n)
}

func (a *Agent) status(msg string, typ message.StatusType, progress string) {
	a.notify(message.Notification{
		Action:   message.ActionUpdateStatus,
		Message:  msg,
		Type:     typ,
		Progress: progress,
	})
}

// sleep waits d or until ctx is done
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
