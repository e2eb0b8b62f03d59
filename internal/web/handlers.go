package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/regselect/regselect/internal/address"
	"github.com/regselect/regselect/internal/agent"
	"github.com/regselect/regselect/internal/browser"
	"github.com/regselect/regselect/internal/history"
	"github.com/regselect/regselect/internal/message"
	"github.com/regselect/regselect/internal/report"
)

const maxListBytes = 1 << 20

type listRequest struct {
	Text *string `json:"text"`
}

type listResponse struct {
	Text    string   `json:"text"`
	Valid   int      `json:"valid"`
	Invalid []string `json:"invalid"`
}

type startResponse struct {
	message.Response
	Message string   `json:"message,omitempty"`
	Valid   int      `json:"valid"`
	Invalid []string `json:"invalid,omitempty"`
	Running bool     `json:"running"`
}

type statusResponse struct {
	Running       bool                   `json:"running"`
	Session       *agent.Summary         `json:"session,omitempty"`
	Last          *agent.Summary         `json:"last,omitempty"`
	Notifications []message.Notification `json:"notifications"`
	Seq           int64                  `json:"seq"`
}

type historyResponse struct {
	Sessions     []history.Record `json:"sessions"`
	Total        int              `json:"total"`
	Completed    int              `json:"completed"`
	MatchedTotal int              `json:"matched_total"`
}

func newListResponse(text string) listResponse {
	valid, invalid := address.ParseList(text)
	if invalid == nil {
		invalid = []string{}
	}
	return listResponse{Text: text, Valid: len(valid), Invalid: invalid}
}

// decodeList reads an optional {"text": ...} body; a nil Text means absent
func decodeList(w http.ResponseWriter, r *http.Request) (listRequest, error) {
	var req listRequest
	err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxListBytes)).Decode(&req)
	if err != nil && !errors.Is(err, io.EOF) {
		return req, err
	}
	return req, nil
}

func (s *Server) handlePanel(w http.ResponseWriter, r *http.Request) {
	text, err := s.store.GetEmailList()
	if err != nil {
		s.logger.Error("failed to load email list", zap.Error(err))
	}
	sessions, err := s.store.GetRecentSessions(historyLimit)
	if err != nil {
		s.logger.Error("failed to load history", zap.Error(err))
	}
	total, completed, matched, _ := s.store.GetStats()

	data := map[string]interface{}{
		"Title":        "Registrant Email Matcher",
		"EmailList":    text,
		"List":         newListResponse(text),
		"Running":      s.agent.Running(),
		"Sessions":     sessions,
		"Total":        total,
		"Completed":    completed,
		"MatchedTotal": matched,
	}
	if markers := s.hostMarkers(); len(markers) > 0 {
		data["Host"] = strings.Join(markers, " + ")
	}
	s.render(w, r, "panel.html", data)
}

func (s *Server) handleAPIGetList(w http.ResponseWriter, r *http.Request) {
	text, err := s.store.GetEmailList()
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, message.Fail(err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, newListResponse(text))
}

// handleAPIPutList persists the textarea contents verbatim on every edit
func (s *Server) handleAPIPutList(w http.ResponseWriter, r *http.Request) {
	req, err := decodeList(w, r)
	if err != nil || req.Text == nil {
		writeJSON(w, http.StatusBadRequest, message.Fail("expected {\"text\": ...}"))
		return
	}
	if err := s.store.SaveEmailList(*req.Text); err != nil {
		writeJSON(w, http.StatusInternalServerError, message.Fail(err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, newListResponse(*req.Text))
}

func (s *Server) handleAPIStart(w http.ResponseWriter, r *http.Request) {
	req, err := decodeList(w, r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, message.Fail("invalid request body"))
		return
	}

	var text string
	if req.Text != nil {
		text = *req.Text
		if err := s.store.SaveEmailList(text); err != nil {
			s.logger.Warn("failed to save email list", zap.Error(err))
		}
	} else if text, err = s.store.GetEmailList(); err != nil {
		writeJSON(w, http.StatusInternalServerError, message.Fail(err.Error()))
		return
	}

	if strings.TrimSpace(text) == "" {
		writeJSON(w, http.StatusBadRequest, message.Fail("Please enter at least one email address"))
		return
	}
	valid, invalid := address.ParseList(text)
	if len(valid) == 0 {
		writeJSON(w, http.StatusBadRequest, startResponse{
			Response: message.Fail("No valid email addresses found"),
			Invalid:  invalid,
		})
		return
	}

	if s.pageURL != nil {
		url, err := s.pageURL(r.Context())
		if err != nil {
			s.logger.Warn("failed to read page URL", zap.Error(err))
			writeJSON(w, http.StatusBadGateway, message.Fail("Error: Could not communicate with page. Try refreshing the page."))
			return
		}
		if !browser.MatchesHost(url, s.hostMarkers()) {
			s.logger.Info("start refused, not on a registrants page", zap.String("url", url))
			writeJSON(w, http.StatusConflict, message.Fail("Please navigate to a registrants page first"))
			return
		}
	}

	running := s.agent.Running()
	resp := s.agent.Handle(message.Request{Action: message.ActionStartMatching, Emails: valid})
	if !resp.Success {
		writeJSON(w, http.StatusInternalServerError, startResponse{Response: resp, Valid: len(valid), Invalid: invalid})
		return
	}

	msg := fmt.Sprintf("Starting to match %d %s...", len(valid), plural(len(valid), "email", "emails"))
	if running {
		msg = "Matching is already in progress"
	}
	writeJSON(w, http.StatusOK, startResponse{
		Response: resp,
		Message:  msg,
		Valid:    len(valid),
		Invalid:  invalid,
		Running:  true,
	})
}

func (s *Server) handleAPIStop(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.agent.Handle(message.Request{Action: message.ActionStopMatching}))
}

// handleAPIStatus returns notifications after ?since=N. With ?wait=S it
// holds the request up to S seconds until something new arrives.
func (s *Server) handleAPIStatus(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	since, _ := strconv.ParseInt(q.Get("since"), 10, 64)

	var wait time.Duration
	if secs, err := strconv.Atoi(q.Get("wait")); err == nil && secs > 0 {
		wait = time.Duration(secs) * time.Second
		if wait > maxStatusWait {
			wait = maxStatusWait
		}
	}

	wake := s.feed.Wait()
	notes := s.feed.Since(since)
	if len(notes) == 0 && wait > 0 {
		timer := time.NewTimer(wait)
		select {
		case <-wake:
		case <-timer.C:
		case <-r.Context().Done():
		}
		timer.Stop()
		notes = s.feed.Since(since)
	}

	resp := statusResponse{
		Running:       s.agent.Running(),
		Notifications: notes,
		Seq:           since,
	}
	if len(notes) > 0 {
		resp.Seq = notes[len(notes)-1].Seq
	}
	if cur := s.agent.Current(); cur != nil {
		sum := cur.Summary()
		resp.Session = &sum
	}
	if last := s.agent.Last(); last != nil {
		sum := last.Summary()
		resp.Last = &sum
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleAPIHistory(w http.ResponseWriter, r *http.Request) {
	limit := historyLimit
	if n, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && n > 0 {
		limit = n
	}

	sessions, err := s.store.GetRecentSessions(limit)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, message.Fail(err.Error()))
		return
	}
	total, completed, matched, err := s.store.GetStats()
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, message.Fail(err.Error()))
		return
	}
	if sessions == nil {
		sessions = []history.Record{}
	}

	if r.URL.Query().Get("format") == "text" {
		text, err := s.reports.History(report.HistoryData{
			Sessions:     sessions,
			Total:        total,
			Completed:    completed,
			MatchedTotal: matched,
		})
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		io.WriteString(w, text)
		return
	}

	writeJSON(w, http.StatusOK, historyResponse{
		Sessions:     sessions,
		Total:        total,
		Completed:    completed,
		MatchedTotal: matched,
	})
}

func (s *Server) handleAPIDeleteHistory(w http.ResponseWriter, r *http.Request) {
	n, err := s.store.DeleteSessions()
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, message.Fail(err.Error()))
		return
	}
	s.logger.Info("history cleared", zap.Int64("sessions", n))
	writeJSON(w, http.StatusOK, map[string]int64{"deleted": n})
}

// handleAPISession returns one stored session plus its rendered report
func (s *Server) handleAPISession(w http.ResponseWriter, r *http.Request) {
	record, err := s.store.GetSession(chi.URLParam(r, "sessionID"))
	if errors.Is(err, history.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, message.Fail(err.Error()))
		return
	}
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, message.Fail(err.Error()))
		return
	}

	email, err := s.reports.Summary(record.Summary())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, message.Fail(err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"session": record,
		"subject": email.Subject,
		"report":  email.Body,
	})
}

// hostMarkers returns the URL fragments of a registrants page. Without a
// config there are none, and the page guard accepts nothing.
func (s *Server) hostMarkers() []string {
	if s.config == nil {
		return nil
	}
	return s.config.Host.URLContains
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}
