package agent

import (
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// State is a session lifecycle state
type State string

const (
	StateIdle      State = "idle"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateStopped   State = "stopped"
	StateErrored   State = "errored"
)

// Session holds everything one matching run owns.
type Session struct {
	ID string

	targets []string
	done    chan struct{}

	running atomic.Bool
	stopped atomic.Bool

	mu             sync.Mutex
	matched        map[string]bool
	matchedOrder   []string
	currentPage    int
	totalPages     int
	processedPages int
	state          State
	err            error
	startedAt      time.Time
	finishedAt     time.Time
}

func newSession(targets []string) *Session {
	s := &Session{
		ID:          uuid.New().String(),
		targets:     targets,
		done:        make(chan struct{}),
		matched:     make(map[string]bool),
		currentPage: 1,
		totalPages:  1,
		state:       StateRunning,
		startedAt:   time.Now(),
	}
	s.running.Store(true)
	return s
}

// Done is closed once the session reached a terminal state
func (s *Session) Done() <-chan struct{} { return s.done }

// Running reports whether the loop may continue
func (s *Session) Running() bool { return s.running.Load() }

func (s *Session) stop() bool {
	if !s.running.CompareAndSwap(true, false) {
		return false
	}
	s.stopped.Store(true)
	return true
}

// isTarget uses linear containment; the list is small and order matters for display only
func (s *Session) isTarget(email string) bool {
	return slices.Contains(s.targets, email)
}

func (s *Session) isMatched(email string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.matched[email]
}

func (s *Session) addMatch(email string) {
	if !s.isTarget(email) {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.matched[email] {
		s.matched[email] = true
		s.matchedOrder = append(s.matchedOrder, email)
	}
}

func (s *Session) matchCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.matched)
}

func (s *Session) setTotalPages(n int) {
	s.mu.Lock()
	s.totalPages = n
	s.mu.Unlock()
}

func (s *Session) pages() (current, total int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentPage, s.totalPages
}

func (s *Session) advance() {
	s.mu.Lock()
	if s.currentPage < s.totalPages {
		s.currentPage++
	}
	s.mu.Unlock()
}

func (s *Session) pageProcessed() {
	s.mu.Lock()
	s.processedPages++
	s.mu.Unlock()
}

func (s *Session) finish(state State, err error) {
	s.running.Store(false)
	s.mu.Lock()
	s.state = state
	s.err = err
	s.finishedAt = time.Now()
	s.mu.Unlock()
}

// Summary is a point-in-time copy of a session's counters
type Summary struct {
	ID             string    `json:"id"`
	State          State     `json:"state"`
	Requested      int       `json:"requested"`
	Targets        []string  `json:"targets,omitempty"`
	Matched        int       `json:"matched"`
	MatchedEmails  []string  `json:"matched_emails"`
	CurrentPage    int       `json:"current_page"`
	TotalPages     int       `json:"total_pages"`
	PagesProcessed int       `json:"pages_processed"`
	Error          string    `json:"error,omitempty"`
	StartedAt      time.Time `json:"started_at"`
	FinishedAt     time.Time `json:"finished_at,omitempty"`
}

func (s *Session) Summary() Summary {
	s.mu.Lock()
	defer s.mu.Unlock()

	sum := Summary{
		ID:             s.ID,
		State:          s.state,
		Requested:      len(s.targets),
		Targets:        append([]string(nil), s.targets...),
		Matched:        len(s.matched),
		MatchedEmails:  append([]string(nil), s.matchedOrder...),
		CurrentPage:    s.currentPage,
		TotalPages:     s.totalPages,
		PagesProcessed: s.processedPages,
		StartedAt:      s.startedAt,
		FinishedAt:     s.finishedAt,
	}
	if s.err != nil {
		sum.Error = s.err.Error()
	}
	return sum
}
