package browser

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/regselect/regselect/internal/agent"
	"github.com/regselect/regselect/internal/config"
)

// Page implements agent.Page on a live Chrome tab
type Page struct {
	ctx     context.Context
	cancel  context.CancelFunc
	host    config.HostConfig
	timeout time.Duration
	logger  *zap.Logger

	mu  sync.Mutex
	gen int
}

var _ agent.Page = (*Page)(nil)

func newPage(ctx context.Context, cancel context.CancelFunc, host config.HostConfig, timeout time.Duration, logger *zap.Logger) *Page {
	return &Page{ctx: ctx, cancel: cancel, host: host, timeout: timeout, logger: logger}
}

// Close releases the page. A tab the user opened stays open.
func (p *Page) Close() {
	p.cancel()
}

// run executes actions on the tab, bounded by the page timeout and by ctx
func (p *Page) run(ctx context.Context, actions ...chromedp.Action) error {
	tctx, cancel := context.WithTimeout(p.ctx, p.timeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	if err := chromedp.Run(tctx, actions...); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}
	return nil
}

func (p *Page) eval(ctx context.Context, js string, res interface{}) error {
	return p.run(ctx, chromedp.Evaluate(js, res))
}

func (p *Page) PaginationText(ctx context.Context) (string, bool, error) {
	var res struct {
		Found bool   `json:"found"`
		Text  string `json:"text"`
	}
	if err := p.eval(ctx, paginationScript(p.host), &res); err != nil {
		return "", false, err
	}
	return res.Text, res.Found && res.Text != "", nil
}

func (p *Page) Ready(ctx context.Context) (bool, error) {
	var ready bool
	err := p.eval(ctx, readyScript(p.host), &ready)
	return ready, err
}

func (p *Page) EmailCandidates(ctx context.Context, tier agent.Tier) ([]agent.Candidate, error) {
	p.mu.Lock()
	p.gen++
	gen := p.gen
	p.mu.Unlock()

	js, err := candidatesScript(p.host, tier, gen)
	if err != nil {
		return nil, err
	}
	var out []agent.Candidate
	if err := p.eval(ctx, js, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (p *Page) LeavesContaining(ctx context.Context, substr string, limit int) ([]agent.Leaf, error) {
	var out []agent.Leaf
	err := p.eval(ctx, leavesScript(substr, limit), &out)
	return out, err
}

func (p *Page) FindControl(ctx context.Context, handle string) (agent.Control, bool, error) {
	var res findControlResult
	if err := p.eval(ctx, findControlScript(p.host, handle), &res); err != nil {
		return agent.Control{}, false, err
	}
	if res.Stale {
		return agent.Control{}, false, fmt.Errorf("element %s is no longer on the page", handle)
	}
	if !res.Found {
		return agent.Control{}, false, nil
	}
	return agent.Control{Ref: res.Ref, Active: res.Active}, true, nil
}

func (p *Page) control(ctx context.Context, c agent.Control, body string) (bool, error) {
	var res controlResult
	if err := p.eval(ctx, controlScript(c.Ref, body), &res); err != nil {
		return false, err
	}
	if !res.OK {
		return false, fmt.Errorf("checkbox %s is no longer on the page", c.Ref)
	}
	return res.Active, nil
}

func (p *Page) Reveal(ctx context.Context, c agent.Control) error {
	_, err := p.control(ctx, c, revealBody(p.host))
	return err
}

func (p *Page) Click(ctx context.Context, c agent.Control) error {
	_, err := p.control(ctx, c, clickBody)
	return err
}

func (p *Page) IsActive(ctx context.Context, c agent.Control) (bool, error) {
	return p.control(ctx, c, readBody)
}

func (p *Page) ForceActive(ctx context.Context, c agent.Control) error {
	_, err := p.control(ctx, c, forceBody)
	return err
}

func (p *Page) NextState(ctx context.Context) (agent.NextState, error) {
	var state string
	if err := p.eval(ctx, nextStateScript(p.host), &state); err != nil {
		return agent.NextMissing, err
	}
	return parseNextState(state)
}

func (p *Page) Advance(ctx context.Context) error {
	var clicked bool
	if err := p.eval(ctx, advanceScript(p.host), &clicked); err != nil {
		return err
	}
	if !clicked {
		return fmt.Errorf("next page control disappeared")
	}
	p.logger.Debug("clicked next page control")
	return nil
}
