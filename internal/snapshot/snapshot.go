// Package snapshot implements agent.Page over saved HTML pages of the
// registrant table. Each saved page is one screen; the next-page control
// advances to the following file. Checkbox changes are applied to the
// parsed documents and can be written back out.
package snapshot

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/PuerkitoBio/goquery"

	"github.com/regselect/regselect/internal/agent"
	"github.com/regselect/regselect/internal/config"
)

// Document is a sequence of parsed registrant pages with a cursor.
type Document struct {
	host config.HostConfig

	mu      sync.Mutex
	pages   []*goquery.Document
	names   []string
	idx     int
	handles map[string]*goquery.Selection
	seq     int
}

var _ agent.Page = (*Document)(nil)

// Load parses the HTML files at paths, in order
func Load(host config.HostConfig, paths ...string) (*Document, error) {
	d := newDocument(host)
	for _, p := range paths {
		f, err := os.Open(p)
		if err != nil {
			return nil, fmt.Errorf("failed to open page: %w", err)
		}
		err = d.add(filepath.Base(p), f)
		f.Close()
		if err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", p, err)
		}
	}
	if len(d.pages) == 0 {
		return nil, fmt.Errorf("no pages given")
	}
	return d, nil
}

// Parse builds a Document from in-memory pages
func Parse(host config.HostConfig, pages ...string) (*Document, error) {
	d := newDocument(host)
	for i, html := range pages {
		if err := d.add(fmt.Sprintf("page-%d.html", i+1), strings.NewReader(html)); err != nil {
			return nil, fmt.Errorf("failed to parse page %d: %w", i+1, err)
		}
	}
	if len(d.pages) == 0 {
		return nil, fmt.Errorf("no pages given")
	}
	return d, nil
}

func newDocument(host config.HostConfig) *Document {
	return &Document{host: host, handles: make(map[string]*goquery.Selection)}
}

func (d *Document) add(name string, r io.Reader) error {
	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return err
	}
	d.pages = append(d.pages, doc)
	d.names = append(d.names, name)
	return nil
}

// Len returns the number of pages
func (d *Document) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pages)
}

// Index returns the zero-based index of the current page
func (d *Document) Index() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.idx
}

func (d *Document) current() *goquery.Document {
	return d.pages[d.idx]
}

// remember issues a handle for a single-node selection, valid on the current page
func (d *Document) remember(prefix string, s *goquery.Selection) string {
	d.seq++
	h := fmt.Sprintf("%s%d-%d", prefix, d.idx, d.seq)
	d.handles[h] = s
	return h
}

// forget drops the handles issued under prefix
func (d *Document) forget(prefix string) {
	for h := range d.handles {
		if strings.HasPrefix(h, prefix) {
			delete(d.handles, h)
		}
	}
}

func (d *Document) lookup(h string) (*goquery.Selection, error) {
	s, ok := d.handles[h]
	if !ok {
		return nil, fmt.Errorf("unknown or stale handle %q", h)
	}
	return s, nil
}

func (d *Document) PaginationText(ctx context.Context) (string, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	sel := d.current().Find(d.host.PaginationSelector).First()
	if sel.Length() == 0 {
		return "", false, nil
	}
	text := sel.Text()
	return text, text != "", nil
}

func (d *Document) Ready(ctx context.Context) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	doc := d.current()
	return doc.Find(d.host.TableSelector).Length() > 0 && doc.Find(d.host.RowSelector).Length() > 0, nil
}

func (d *Document) EmailCandidates(ctx context.Context, tier agent.Tier) ([]agent.Candidate, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.forget("e")
	doc := d.current()
	var sel *goquery.Selection
	switch tier {
	case agent.TierExact:
		sel = doc.Find(d.host.EmailExactSelector)
	case agent.TierPartial:
		sel = doc.Find(d.host.EmailPartialSelector)
	case agent.TierScan:
		sel = doc.Find(d.host.EmailTag).FilterFunction(func(_ int, s *goquery.Selection) bool {
			return classHasAll(s.AttrOr("class", ""), d.host.EmailClassSubstrings)
		})
	default:
		return nil, fmt.Errorf("unknown lookup tier %d", tier)
	}

	out := make([]agent.Candidate, 0, sel.Length())
	sel.Each(func(_ int, s *goquery.Selection) {
		out = append(out, agent.Candidate{Handle: d.remember("e", s), Text: s.Text()})
	})
	return out, nil
}

func (d *Document) LeavesContaining(ctx context.Context, substr string, limit int) ([]agent.Leaf, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	var out []agent.Leaf
	d.current().Find("*").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		if s.Children().Length() > 0 {
			return true
		}
		text := s.Text()
		if !strings.Contains(text, substr) {
			return true
		}
		out = append(out, agent.Leaf{
			Tag:   strings.ToUpper(goquery.NodeName(s)),
			Class: s.AttrOr("class", ""),
			Text:  text,
		})
		return len(out) < limit
	})
	return out, nil
}

func (d *Document) FindControl(ctx context.Context, handle string) (agent.Control, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	el, err := d.lookup(handle)
	if err != nil {
		return agent.Control{}, false, err
	}
	row := el.Closest(d.host.RowTag)
	if row.Length() == 0 {
		return agent.Control{}, false, nil
	}
	cell := row.Find(d.host.CellTag).First()
	if cell.Length() == 0 {
		return agent.Control{}, false, nil
	}
	box := cell.Find(d.host.ControlSelector).First()
	if box.Length() == 0 {
		return agent.Control{}, false, nil
	}
	return agent.Control{Ref: d.remember("c", box), Active: checked(box)}, true, nil
}

// Reveal applies the visible classes and the hover class on the enclosing cell
func (d *Document) Reveal(ctx context.Context, c agent.Control) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	box, err := d.lookup(c.Ref)
	if err != nil {
		return err
	}
	box.RemoveClass(d.host.HiddenClass)
	box.AddClass(d.host.VisibleClasses...)
	box.Closest(d.host.CellTag).AddClass(d.host.HoverClass)
	return nil
}

// Click toggles the checked attribute the way a browser would for a checkbox
func (d *Document) Click(ctx context.Context, c agent.Control) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	box, err := d.lookup(c.Ref)
	if err != nil {
		return err
	}
	if _, disabled := box.Attr("disabled"); disabled {
		return nil
	}
	setChecked(box, !checked(box))
	return nil
}

func (d *Document) IsActive(ctx context.Context, c agent.Control) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	box, err := d.lookup(c.Ref)
	if err != nil {
		return false, err
	}
	return checked(box), nil
}

func (d *Document) ForceActive(ctx context.Context, c agent.Control) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	box, err := d.lookup(c.Ref)
	if err != nil {
		return err
	}
	setChecked(box, true)
	return nil
}

func (d *Document) NextState(ctx context.Context) (agent.NextState, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.nextState(), nil
}

func (d *Document) nextState() agent.NextState {
	btn := d.current().Find("#" + d.host.NextButtonID).First()
	if btn.Length() == 0 {
		return agent.NextMissing
	}
	if _, disabled := btn.Attr("disabled"); disabled {
		return agent.NextDisabled
	}
	class := btn.AttrOr("class", "")
	for _, marker := range d.host.DisabledClasses {
		if strings.Contains(class, marker) {
			return agent.NextDisabled
		}
	}
	return agent.NextEnabled
}

// Advance moves to the next saved page. Handles from the previous page become stale.
func (d *Document) Advance(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.nextState() != agent.NextEnabled {
		return fmt.Errorf("next page control is not enabled")
	}
	if d.idx+1 >= len(d.pages) {
		return fmt.Errorf("no saved page after %s", d.names[d.idx])
	}
	d.idx++
	clear(d.handles)
	return nil
}

// Checked returns the row emails whose checkbox is checked, per page
func (d *Document) Checked() [][]string {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([][]string, len(d.pages))
	for i, doc := range d.pages {
		doc.Find(d.host.ControlSelector).Each(func(_ int, box *goquery.Selection) {
			if !checked(box) {
				return
			}
			row := box.Closest(d.host.RowTag)
			email := strings.TrimSpace(row.Find(d.host.EmailTag).FilterFunction(func(_ int, s *goquery.Selection) bool {
				return classHasAll(s.AttrOr("class", ""), d.host.EmailClassSubstrings)
			}).First().Text())
			out[i] = append(out[i], strings.ToLower(email))
		})
	}
	return out
}

// HTML renders page i with its current checkbox state
func (d *Document) HTML(i int) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if i < 0 || i >= len(d.pages) {
		return "", fmt.Errorf("page %d out of range", i)
	}
	return goquery.OuterHtml(d.pages[i].Selection)
}

// WriteDir writes every page to dir under its original file name
func (d *Document) WriteDir(dir string) ([]string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}

	var written []string
	for i := 0; i < d.Len(); i++ {
		html, err := d.HTML(i)
		if err != nil {
			return written, err
		}
		path := filepath.Join(dir, d.names[i])
		if err := os.WriteFile(path, []byte(html), 0644); err != nil {
			return written, fmt.Errorf("failed to write %s: %w", path, err)
		}
		written = append(written, path)
	}
	return written, nil
}

func checked(s *goquery.Selection) bool {
	_, ok := s.Attr("checked")
	return ok
}

func setChecked(s *goquery.Selection, on bool) {
	if on {
		s.SetAttr("checked", "")
	} else {
		s.RemoveAttr("checked")
	}
}

func classHasAll(class string, subs []string) bool {
	for _, sub := range subs {
		if !strings.Contains(class, sub) {
			return false
		}
	}
	return true
}
