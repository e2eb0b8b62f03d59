package agent

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/regselect/regselect/internal/address"
	"github.com/regselect/regselect/internal/message"
)

// Row is a validated email element on the current page
type Row struct {
	Handle string
	Email  string
}

var totalPattern = regexp.MustCompile(`of\s+([\d,]+)`)

// TotalPages parses a "1 – 15 of 287" indicator into a page count.
// Missing, unparseable or empty totals count as one page.
func TotalPages(indicator string, pageSize int) int {
	if pageSize <= 0 {
		return 1
	}
	m := totalPattern.FindStringSubmatch(indicator)
	if m == nil {
		return 1
	}
	records, err := strconv.Atoi(strings.ReplaceAll(m[1], ",", ""))
	if err != nil || records <= 0 {
		return 1
	}
	return (records + pageSize - 1) / pageSize
}

func (a *Agent) matchAll(ctx context.Context, s *Session, log *zap.Logger) error {
	text, ok, err := a.page.PaginationText(ctx)
	if err != nil {
		return fmt.Errorf("failed to read pagination info: %w", err)
	}
	total := 1
	if ok {
		total = TotalPages(text, a.opts.PageSize)
		log.Info("calculated total pages", zap.String("indicator", text), zap.Int("total_pages", total))
	} else {
		log.Info("pagination info not found, assuming a single page")
	}
	s.setTotalPages(total)

	a.status(fmt.Sprintf("Starting email matching process for %d emails...", len(s.targets)), message.StatusProcessing, "")

	if err := a.processPage(ctx, s, log); err != nil {
		return err
	}
	s.pageProcessed()

	for s.Running() {
		current, total := s.pages()
		if current >= total {
			break
		}

		next, err := a.page.NextState(ctx)
		if err != nil {
			return fmt.Errorf("failed to inspect next page control: %w", err)
		}
		if next != NextEnabled {
			log.Info("pagination ended early", zap.Stringer("next", next), zap.Int("page", current), zap.Int("total_pages", total))
			break
		}
		// the flag may have flipped while the control was inspected
		if !s.Running() {
			break
		}

		a.status(fmt.Sprintf("Moving to page %d of %d...", current+1, total), message.StatusProcessing, "")
		if err := a.page.Advance(ctx); err != nil {
			return fmt.Errorf("failed to move to page %d: %w", current+1, err)
		}
		s.advance()

		a.waitReady(ctx, log)
		if err := sleep(ctx, a.opts.Settle); err != nil {
			return err
		}
		if !s.Running() {
			break
		}

		if err := a.processPage(ctx, s, log); err != nil {
			return err
		}
		s.pageProcessed()
	}
	return nil
}

func (a *Agent) processPage(ctx context.Context, s *Session, log *zap.Logger) error {
	if !s.Running() {
		return nil
	}
	current, total := s.pages()
	log = log.With(zap.Int("page", current))

	a.status(fmt.Sprintf("Processing page %d of %d...", current, total), message.StatusProcessing,
		fmt.Sprintf("Found %d matches so far", s.matchCount()))

	a.waitReady(ctx, log)

	rows, err := a.extract(ctx, log)
	if err != nil {
		return err
	}
	log.Info("found email elements", zap.Int("count", len(rows)))
	if len(rows) == 0 {
		a.diagnose(ctx, log)
	}

	pageMatches := 0
	for _, row := range rows {
		if !s.Running() {
			break
		}
		if !s.isTarget(row.Email) || s.isMatched(row.Email) {
			continue
		}

		matched, err := a.toggle(ctx, s, row, log)
		if err != nil {
			return err
		}
		if matched {
			pageMatches++
		}
	}

	a.status(fmt.Sprintf("Page %d complete - %d new matches found", current, pageMatches), message.StatusProcessing,
		fmt.Sprintf("Total matches: %d of %d", s.matchCount(), len(s.targets)))
	return nil
}

// waitReady polls until the table has rows or the attempts run out. It never fails.
func (a *Agent) waitReady(ctx context.Context, log *zap.Logger) {
	for attempt := 1; attempt <= a.opts.PollAttempts; attempt++ {
		ready, err := a.page.Ready(ctx)
		if err != nil {
			log.Warn("page ready check failed", zap.Int("attempt", attempt), zap.Error(err))
		} else if ready {
			log.Debug("page ready", zap.Int("attempt", attempt))
			return
		}

		if attempt == a.opts.PollAttempts {
			log.Warn("max wait time exceeded, proceeding anyway", zap.Int("attempts", attempt))
			return
		}
		if err := sleep(ctx, a.opts.PollInterval); err != nil {
			return
		}
	}
}

// extract runs the lookup tiers in order and validates the first non-empty result
func (a *Agent) extract(ctx context.Context, log *zap.Logger) ([]Row, error) {
	for _, tier := range tiers {
		candidates, err := a.page.EmailCandidates(ctx, tier)
		if err != nil {
			return nil, fmt.Errorf("failed to find email elements (%s): %w", tier, err)
		}
		log.Debug("email lookup", zap.Stringer("tier", tier), zap.Int("candidates", len(candidates)))
		if len(candidates) > 0 {
			return validRows(candidates), nil
		}
	}
	return nil, nil
}

func validRows(candidates []Candidate) []Row {
	rows := make([]Row, 0, len(candidates))
	for _, c := range candidates {
		text := strings.TrimSpace(c.Text)
		if !address.IsValid(text) {
			continue
		}
		rows = append(rows, Row{Handle: c.Handle, Email: strings.ToLower(text)})
	}
	return rows
}

// diagnose logs leaf elements containing "@"; its output never feeds matching
func (a *Agent) diagnose(ctx context.Context, log *zap.Logger) {
	leaves, err := a.page.LeavesContaining(ctx, "@", 10)
	if err != nil {
		log.Warn("diagnostic scan failed", zap.Error(err))
		return
	}
	for _, l := range leaves {
		log.Info("potential email element", zap.String("tag", l.Tag), zap.String("class", l.Class), zap.String("text", l.Text))
	}
}

// toggle selects the row of a matching email. It returns true once the
// email is recorded as matched.
func (a *Agent) toggle(ctx context.Context, s *Session, row Row, log *zap.Logger) (bool, error) {
	log = log.With(zap.String("email", row.Email))

	ctl, found, err := a.page.FindControl(ctx, row.Handle)
	if err != nil {
		return false, fmt.Errorf("failed to find checkbox for %s: %w", row.Email, err)
	}
	if !found {
		log.Warn("no checkbox found")
		return false, nil
	}

	if ctl.Active {
		log.Debug("checkbox already checked")
		s.addMatch(row.Email)
		return true, nil
	}

	if err := a.page.Reveal(ctx, ctl); err != nil {
		return false, fmt.Errorf("failed to reveal checkbox for %s: %w", row.Email, err)
	}
	if err := sleep(ctx, a.opts.Reveal); err != nil {
		return false, err
	}
	if err := a.page.Click(ctx, ctl); err != nil {
		return false, fmt.Errorf("failed to click checkbox for %s: %w", row.Email, err)
	}

	active, err := a.page.IsActive(ctx, ctl)
	if err != nil {
		return false, fmt.Errorf("failed to read checkbox for %s: %w", row.Email, err)
	}
	if !active {
		log.Debug("click did not check the box, forcing state")
		if err := a.page.ForceActive(ctx, ctl); err != nil {
			return false, fmt.Errorf("failed to force checkbox for %s: %w", row.Email, err)
		}
	}

	s.addMatch(row.Email)
	log.Info("matched and checked")

	if err := sleep(ctx, a.opts.ToggleGap); err != nil {
		return true, err
	}
	return true, nil
}
