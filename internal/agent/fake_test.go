package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/regselect/regselect/internal/message"
)

type fakeRow struct {
	text         string
	noControl    bool
	active       bool
	ignoresClick bool
}

type fakeScreen struct {
	rows []fakeRow
}

// fakePage is an in-memory registrant table with scripted behavior.
type fakePage struct {
	mu sync.Mutex

	screens   []fakeScreen
	idx       int
	indicator string

	// tier that returns the rows; other tiers return nothing
	tier    Tier
	noRows  bool
	leaves  []Leaf
	next    func(idx int) NextState
	ready   func(call int) bool
	gate    chan struct{}
	onClick func(ref string)
	advErr  error
	pageErr error

	readyCalls int
	tierCalls  []Tier
	leafCalls  int
	clicks     []string
	forced     []string
	revealed   []string
	advances   int
}

func newFakePage(screens ...fakeScreen) *fakePage {
	return &fakePage{screens: screens, tier: TierExact}
}

func (p *fakePage) row(ref string) (*fakeRow, error) {
	var screen, i int
	if _, err := fmt.Sscanf(ref, "s%d-r%d", &screen, &i); err != nil {
		return nil, fmt.Errorf("bad ref %q", ref)
	}
	if screen != p.idx {
		return nil, fmt.Errorf("stale ref %q", ref)
	}
	return &p.screens[screen].rows[i], nil
}

func (p *fakePage) PaginationText(ctx context.Context) (string, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pageErr != nil {
		return "", false, p.pageErr
	}
	return p.indicator, p.indicator != "", nil
}

func (p *fakePage) Ready(ctx context.Context) (bool, error) {
	if p.gate != nil {
		select {
		case <-p.gate:
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.readyCalls++
	if p.ready != nil {
		return p.ready(p.readyCalls), nil
	}
	return true, nil
}

func (p *fakePage) EmailCandidates(ctx context.Context, tier Tier) ([]Candidate, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tierCalls = append(p.tierCalls, tier)
	if p.noRows || tier != p.tier {
		return nil, nil
	}
	var out []Candidate
	for i, r := range p.screens[p.idx].rows {
		out = append(out, Candidate{Handle: fmt.Sprintf("s%d-r%d", p.idx, i), Text: "  " + r.text + " "})
	}
	return out, nil
}

func (p *fakePage) LeavesContaining(ctx context.Context, substr string, limit int) ([]Leaf, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.leafCalls++
	var out []Leaf
	for _, l := range p.leaves {
		if strings.Contains(l.Text, substr) && len(out) < limit {
			out = append(out, l)
		}
	}
	return out, nil
}

func (p *fakePage) FindControl(ctx context.Context, handle string) (Control, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	r, err := p.row(handle)
	if err != nil {
		return Control{}, false, err
	}
	if r.noControl {
		return Control{}, false, nil
	}
	return Control{Ref: handle, Active: r.active}, true, nil
}

func (p *fakePage) Reveal(ctx context.Context, c Control) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.revealed = append(p.revealed, c.Ref)
	return nil
}

func (p *fakePage) Click(ctx context.Context, c Control) error {
	p.mu.Lock()
	r, err := p.row(c.Ref)
	if err != nil {
		p.mu.Unlock()
		return err
	}
	p.clicks = append(p.clicks, c.Ref)
	if !r.ignoresClick {
		r.active = !r.active
	}
	hook := p.onClick
	p.mu.Unlock()

	if hook != nil {
		hook(c.Ref)
	}
	return nil
}

func (p *fakePage) IsActive(ctx context.Context, c Control) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	r, err := p.row(c.Ref)
	if err != nil {
		return false, err
	}
	return r.active, nil
}

func (p *fakePage) ForceActive(ctx context.Context, c Control) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	r, err := p.row(c.Ref)
	if err != nil {
		return err
	}
	p.forced = append(p.forced, c.Ref)
	r.active = true
	return nil
}

func (p *fakePage) NextState(ctx context.Context) (NextState, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.next != nil {
		return p.next(p.idx), nil
	}
	if p.idx+1 < len(p.screens) {
		return NextEnabled, nil
	}
	return NextDisabled, nil
}

func (p *fakePage) Advance(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.advErr != nil {
		return p.advErr
	}
	if p.idx+1 >= len(p.screens) {
		return errors.New("no next screen")
	}
	p.idx++
	p.advances++
	return nil
}

func (p *fakePage) snapshot() (advances int, clicks, forced []string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.advances, append([]string(nil), p.clicks...), append([]string(nil), p.forced...)
}

// recorder collects notifications
type recorder struct {
	mu    sync.Mutex
	items []message.Notification
}

func (r *recorder) Notify(n message.Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items = append(r.items, n)
}

func (r *recorder) all() []message.Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]message.Notification(nil), r.items...)
}

func (r *recorder) actions(action message.Action) []message.Notification {
	var out []message.Notification
	for _, n := range r.all() {
		if n.Action == action {
			out = append(out, n)
		}
	}
	return out
}

func (r *recorder) hasStatus(typ message.StatusType) bool {
	for _, n := range r.actions(message.ActionUpdateStatus) {
		if n.Type == typ {
			return true
		}
	}
	return false
}
