// Package message defines the contract between the Controller Panel and the
// Page Agent: typed requests with responses, and fire-and-forget notifications.
package message

import (
	"sync"
	"time"
)

// Action names a request or notification on the channel
type Action string

const (
	ActionStartMatching    Action = "startMatching"
	ActionStopMatching     Action = "stopMatching"
	ActionUpdateStatus     Action = "updateStatus"
	ActionMatchingComplete Action = "matchingComplete"
	ActionMatchingError    Action = "matchingError"
)

// StatusType classifies an updateStatus notification for display
type StatusType string

const (
	StatusProcessing StatusType = "processing"
	StatusSuccess    StatusType = "success"
	StatusError      StatusType = "error"
	StatusStopped    StatusType = "stopped"
)

// Request is sent from the panel to the agent
type Request struct {
	Action Action   `json:"action"`
	Emails []string `json:"emails,omitempty"`
}

// Response answers a Request
type Response struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

func OK() Response { return Response{Success: true} }

func Fail(err string) Response { return Response{Success: false, Error: err} }

// Notification is pushed from the agent to the panel; no response is expected.
type Notification struct {
	Seq      int64      `json:"seq"`
	Action   Action     `json:"action"`
	Message  string     `json:"message"`
	Type     StatusType `json:"type,omitempty"`
	Progress string     `json:"progress,omitempty"`
	Time     time.Time  `json:"time"`
}

// Handler processes requests. The agent implements it.
type Handler interface {
	Handle(req Request) Response
}

// Notifier receives notifications. Implementations must not block.
type Notifier interface {
	Notify(n Notification)
}

// Func adapts a function to Notifier
type Func func(n Notification)

func (f Func) Notify(n Notification) { f(n) }

// Multi fans a notification out to several notifiers
type Multi []Notifier

func (m Multi) Notify(n Notification) {
	for _, nt := range m {
		if nt != nil {
			nt.Notify(n)
		}
	}
}

// Discard drops every notification
var Discard Notifier = Func(func(Notification) {})

// Feed is a bounded, sequence-numbered queue of notifications that
// pollers read with Since. Oldest entries are dropped once full.
type Feed struct {
	mu    sync.Mutex
	items []Notification
	limit int
	next  int64
	wake  chan struct{}
}

// NewFeed creates a feed keeping at most limit notifications
func NewFeed(limit int) *Feed {
	if limit <= 0 {
		limit = 200
	}
	return &Feed{limit: limit, next: 1, wake: make(chan struct{})}
}

// Notify appends n, assigning its sequence number and timestamp
func (f *Feed) Notify(n Notification) {
	f.mu.Lock()
	defer f.mu.Unlock()

	n.Seq = f.next
	f.next++
	if n.Time.IsZero() {
		n.Time = time.Now()
	}
	f.items = append(f.items, n)
	if len(f.items) > f.limit {
		f.items = append(f.items[:0], f.items[len(f.items)-f.limit:]...)
	}

	close(f.wake)
	f.wake = make(chan struct{})
}

// Since returns the notifications with a sequence number greater than seq
func (f *Feed) Since(seq int64) []Notification {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := []Notification{}
	for _, n := range f.items {
		if n.Seq > seq {
			out = append(out, n)
		}
	}
	return out
}

// Last returns the most recent notification, if any
func (f *Feed) Last() (Notification, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(f.items) == 0 {
		return Notification{}, false
	}
	return f.items[len(f.items)-1], true
}

// Wait returns a channel closed on the next Notify
func (f *Feed) Wait() <-chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.wake
}
