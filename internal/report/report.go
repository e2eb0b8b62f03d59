// Package report renders session summaries and history listings as plain text
package report

import (
	"bytes"
	"embed"
	"fmt"
	"text/template"
	"time"

	"github.com/regselect/regselect/internal/agent"
	"github.com/regselect/regselect/internal/history"
)

//go:embed templates/*.tmpl
var embeddedTemplates embed.FS

// SummaryData contains all data available to the summary template
type SummaryData struct {
	agent.Summary

	Outcome   string
	Started   string
	Finished  string
	Duration  string
	Unmatched []string
}

// HistoryData contains all data available to the history template
type HistoryData struct {
	Sessions     []history.Record
	Total        int
	Completed    int
	MatchedTotal int
}

// Email represents a rendered summary ready to send
type Email struct {
	Subject string
	Body    string
}

// Engine handles report rendering
type Engine struct {
	templates map[string]*template.Template
}

// NewEngine creates a new report engine
func NewEngine() (*Engine, error) {
	e := &Engine{
		templates: make(map[string]*template.Template),
	}

	for _, name := range []string{"summary", "history"} {
		content, err := embeddedTemplates.ReadFile("templates/" + name + ".tmpl")
		if err != nil {
			return nil, fmt.Errorf("failed to read embedded template %s: %w", name, err)
		}

		tmpl, err := template.New(name).Parse(string(content))
		if err != nil {
			return nil, fmt.Errorf("failed to parse template %s: %w", name, err)
		}

		e.templates[name] = tmpl
	}

	return e, nil
}

// Summary renders the outcome of one session
func (e *Engine) Summary(sum agent.Summary) (*Email, error) {
	data := SummaryData{
		Summary:   sum,
		Outcome:   outcome(sum.State),
		Started:   formatTime(sum.StartedAt),
		Finished:  formatTime(sum.FinishedAt),
		Unmatched: unmatched(sum),
	}
	if !sum.StartedAt.IsZero() && !sum.FinishedAt.IsZero() {
		data.Duration = sum.FinishedAt.Sub(sum.StartedAt).Round(time.Second).String()
	}

	var buf bytes.Buffer
	if err := e.templates["summary"].Execute(&buf, data); err != nil {
		return nil, fmt.Errorf("failed to render summary: %w", err)
	}

	return &Email{
		Subject: fmt.Sprintf("Registrant selection %s: %d of %d matched", data.Outcome, sum.Matched, sum.Requested),
		Body:    buf.String(),
	}, nil
}

// History renders a session listing with totals
func (e *Engine) History(data HistoryData) (string, error) {
	var buf bytes.Buffer
	if err := e.templates["history"].Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to render history: %w", err)
	}
	return buf.String(), nil
}

func outcome(state agent.State) string {
	switch state {
	case agent.StateCompleted:
		return "completed"
	case agent.StateStopped:
		return "stopped by user"
	case agent.StateErrored:
		return "failed"
	default:
		return string(state)
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Format("January 2, 2006 15:04:05")
}

// unmatched lists each target that was not selected, once, in list order
func unmatched(sum agent.Summary) []string {
	done := make(map[string]bool, len(sum.MatchedEmails))
	for _, m := range sum.MatchedEmails {
		done[m] = true
	}
	var out []string
	for _, t := range sum.Targets {
		if done[t] {
			continue
		}
		done[t] = true
		out = append(out, t)
	}
	return out
}
