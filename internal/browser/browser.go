// Package browser drives the live registrant page through Chrome DevTools
package browser

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/regselect/regselect/internal/config"
)

// ErrNoRegistrantPage is returned when no open tab shows the registrant list
// and there is no start URL to navigate to.
var ErrNoRegistrantPage = errors.New("please navigate to the registrants page first")

// Browser wraps chromedp for either an attached or a launched Chrome
type Browser struct {
	allocCtx    context.Context
	allocCancel context.CancelFunc
	ctx         context.Context
	cancel      context.CancelFunc
	config      config.BrowserConfig
	logger      *zap.Logger
}

// New creates a Browser. With cfg.RemoteURL set it attaches to a running
// Chrome; otherwise it launches one.
func New(cfg config.BrowserConfig, logger *zap.Logger) (*Browser, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	var allocCtx context.Context
	var allocCancel context.CancelFunc
	if cfg.RemoteURL != "" {
		logger.Info("connecting to chrome", zap.String("url", cfg.RemoteURL))
		allocCtx, allocCancel = chromedp.NewRemoteAllocator(context.Background(), cfg.RemoteURL)
	} else {
		opts := []chromedp.ExecAllocatorOption{
			chromedp.NoFirstRun,
			chromedp.NoDefaultBrowserCheck,
			chromedp.DisableGPU,
			chromedp.WindowSize(cfg.WindowWidth, cfg.WindowHeight),
		}
		if cfg.UserAgent != "" {
			opts = append(opts, chromedp.UserAgent(cfg.UserAgent))
		}
		if cfg.Headless {
			opts = append(opts, chromedp.Headless)
		}
		logger.Info("launching chrome", zap.Bool("headless", cfg.Headless))
		allocCtx, allocCancel = chromedp.NewExecAllocator(context.Background(), opts...)
	}

	ctx, cancel := chromedp.NewContext(allocCtx)

	return &Browser{
		allocCtx:    allocCtx,
		allocCancel: allocCancel,
		ctx:         ctx,
		cancel:      cancel,
		config:      cfg,
		logger:      logger,
	}, nil
}

// Close cleans up browser resources
func (b *Browser) Close() {
	if b.cancel != nil {
		b.cancel()
	}
	if b.allocCancel != nil {
		b.allocCancel()
	}
}

func (b *Browser) timeout() time.Duration {
	if b.config.TimeoutSec <= 0 {
		return 60 * time.Second
	}
	return time.Duration(b.config.TimeoutSec) * time.Second
}

// Attach returns the tab showing the registrant list. Open tabs are searched
// first; when none matches and a start URL is configured, the browser's own
// tab navigates there.
func (b *Browser) Attach(ctx context.Context, host config.HostConfig) (*Page, error) {
	if err := chromedp.Run(b.ctx); err != nil {
		return nil, fmt.Errorf("failed to start browser session: %w", err)
	}

	targets, err := chromedp.Targets(b.ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list tabs: %w", err)
	}
	if t := pickTarget(targets, host.URLContains); t != nil {
		b.logger.Info("attaching to tab", zap.String("url", t.URL), zap.String("target_id", string(t.TargetID)))
		tabCtx, release := attachedTab(b.ctx, t.TargetID)
		if err := chromedp.Run(tabCtx); err != nil {
			return nil, fmt.Errorf("failed to attach to tab: %w", err)
		}
		return newPage(tabCtx, release, host, b.timeout(), b.logger), nil
	}

	if b.config.StartURL == "" {
		return nil, ErrNoRegistrantPage
	}

	b.logger.Info("navigating to start url", zap.String("url", b.config.StartURL))
	navCtx, cancel := context.WithTimeout(b.ctx, b.timeout())
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	if err := chromedp.Run(navCtx,
		chromedp.Navigate(b.config.StartURL),
		chromedp.WaitReady("body", chromedp.ByQuery),
	); err != nil {
		return nil, fmt.Errorf("navigation failed: %w", err)
	}
	return newPage(b.ctx, func() {}, host, b.timeout(), b.logger), nil
}

// attachedTab opens a context on a tab the user already has open. chromedp
// closes the target of any non-first context once that context is done, so
// the tab context must not see the browser context's cancellation and the
// returned release never cancels it. The selections made in the tab stay
// there after the tool exits.
func attachedTab(parent context.Context, id target.ID) (context.Context, context.CancelFunc) {
	ctx, _ := chromedp.NewContext(context.WithoutCancel(parent), chromedp.WithTargetID(id))
	return ctx, func() {}
}

// pickTarget returns the first page target whose URL matches
func pickTarget(targets []*target.Info, contains []string) *target.Info {
	for _, t := range targets {
		if t.Type != "page" {
			continue
		}
		if MatchesHost(t.URL, contains) {
			return t
		}
	}
	return nil
}

// MatchesHost reports whether url contains every marker. An empty marker
// list matches nothing, so a misconfigured host never selects a random tab.
func MatchesHost(url string, contains []string) bool {
	if len(contains) == 0 {
		return false
	}
	for _, c := range contains {
		if !strings.Contains(url, c) {
			return false
		}
	}
	return true
}

// Screenshot captures the tab into dir and returns the file path
func (p *Page) Screenshot(ctx context.Context, dir, name string) (string, error) {
	var buf []byte
	if err := p.run(ctx, chromedp.FullScreenshot(&buf, 100)); err != nil {
		return "", err
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", err
	}

	filename := fmt.Sprintf("%s_%d.png", name, time.Now().Unix())
	path := filepath.Join(dir, filename)
	if err := os.WriteFile(path, buf, 0644); err != nil {
		return "", err
	}
	return path, nil
}

// HTML returns the tab's current markup
func (p *Page) HTML(ctx context.Context) (string, error) {
	var html string
	err := p.run(ctx, chromedp.OuterHTML("html", &html, chromedp.ByQuery))
	return html, err
}

// URL returns the tab's current location
func (p *Page) URL(ctx context.Context) (string, error) {
	var url string
	err := p.run(ctx, chromedp.Location(&url))
	return url, err
}
