package agent

import "context"

// Tier is one step of the email element lookup, tried in order until one
// returns candidates.
type Tier int

const (
	// TierExact matches the email tag with its exact class combination
	TierExact Tier = iota
	// TierPartial matches the email tag by class attribute substrings
	TierPartial
	// TierScan walks every email tag and filters by class substrings
	TierScan
)

var tiers = []Tier{TierExact, TierPartial, TierScan}

func (t Tier) String() string {
	switch t {
	case TierExact:
		return "exact"
	case TierPartial:
		return "partial"
	case TierScan:
		return "scan"
	default:
		return "unknown"
	}
}

// Candidate is an element that may hold an email address.
// Handle is opaque to the agent and only meaningful to the Page that issued it,
// until the next EmailCandidates call.
type Candidate struct {
	Handle string `json:"handle"`
	Text   string `json:"text"`
}

// Leaf is a childless element found by the diagnostic scan
type Leaf struct {
	Tag   string `json:"tag"`
	Class string `json:"class"`
	Text  string `json:"text"`
}

// Control is the selection checkbox of a row
type Control struct {
	Ref    string `json:"ref"`
	Active bool   `json:"active"`
}

// NextState describes the "next page" control
type NextState int

const (
	NextMissing NextState = iota
	NextDisabled
	NextEnabled
)

func (n NextState) String() string {
	switch n {
	case NextMissing:
		return "missing"
	case NextDisabled:
		return "disabled"
	case NextEnabled:
		return "enabled"
	default:
		return "unknown"
	}
}

// Page is the narrow view of the host admin page the agent works against.
// Every method reports unexpected failures through error; expected absences
// (no indicator, no control) are reported through the ok/found results.
type Page interface {
	// PaginationText returns the "<start> – <end> of <total>" indicator
	PaginationText(ctx context.Context) (text string, ok bool, err error)
	// Ready reports whether the results container and at least one row exist
	Ready(ctx context.Context) (bool, error)
	// EmailCandidates returns the email-bearing elements for one lookup tier, in document order
	EmailCandidates(ctx context.Context, tier Tier) ([]Candidate, error)
	// LeavesContaining returns up to limit childless elements whose text contains substr
	LeavesContaining(ctx context.Context, substr string, limit int) ([]Leaf, error)
	// FindControl locates the selection control in the row enclosing a candidate
	FindControl(ctx context.Context, handle string) (Control, bool, error)
	// Reveal makes a control interactable (visible classes, hover state on its cell)
	Reveal(ctx context.Context, c Control) error
	// Click simulates a user click on the control
	Click(ctx context.Context, c Control) error
	// IsActive reports whether the control is currently checked
	IsActive(ctx context.Context, c Control) (bool, error)
	// ForceActive sets the checked state directly and dispatches a change event
	ForceActive(ctx context.Context, c Control) error
	// NextState inspects the "next page" control
	NextState(ctx context.Context) (NextState, error)
	// Advance activates the "next page" control
	Advance(ctx context.Context) error
}
