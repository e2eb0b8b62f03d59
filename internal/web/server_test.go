package web

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/regselect/regselect/internal/agent"
	"github.com/regselect/regselect/internal/config"
	"github.com/regselect/regselect/internal/history"
	"github.com/regselect/regselect/internal/message"
	"github.com/regselect/regselect/internal/report"
	"github.com/regselect/regselect/internal/snapshot"
)

const exactClass = "tw-max-w-[300px] tw-truncate"

func registrantPage(emails ...string) string {
	var b strings.Builder
	fmt.Fprintf(&b, `<html><body><span class="tw-text-slate-400">1 – %d of %d</span><table><tbody>`, len(emails), len(emails))
	for i, e := range emails {
		fmt.Fprintf(&b, `<tr><td><input type="checkbox" id="select-registrant-checkbox-%d" class="tw-hidden"></td><td><p class="%s">%s</p></td></tr>`, i, exactClass, e)
	}
	b.WriteString(`</tbody></table><button id="next-button" disabled>Next</button></body></html>`)
	return b.String()
}

type panel struct {
	t      *testing.T
	srv    *Server
	agent  *agent.Agent
	store  *history.Store
	feed   *message.Feed
	ts     *httptest.Server
	client *http.Client
	token  string
}

func newPanel(t *testing.T, emails ...string) *panel {
	t.Helper()

	store, err := history.NewStore(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	cfg := config.Default()
	doc, err := snapshot.Parse(cfg.Host, registrantPage(emails...))
	require.NoError(t, err)

	feed := message.NewFeed(50)
	ag := agent.New(context.Background(), doc, feed, agent.Options{PageSize: 15, PollInterval: time.Millisecond, PollAttempts: 1}, nil)
	ag.OnFinish(func(sum agent.Summary) {
		assert.NoError(t, store.AddSession(sum))
	})

	reports, err := report.NewEngine()
	require.NoError(t, err)

	srv, err := NewServer(0, cfg, store, ag, feed, reports, nil)
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	jar, err := cookiejar.New(nil)
	require.NoError(t, err)

	return &panel{t: t, srv: srv, agent: ag, store: store, feed: feed, ts: ts, client: &http.Client{Jar: jar}}
}

// load fetches the panel page and keeps its CSRF token
func (p *panel) load() *goquery.Document {
	p.t.Helper()
	resp, err := p.client.Get(p.ts.URL + "/")
	require.NoError(p.t, err)
	defer resp.Body.Close()
	require.Equal(p.t, http.StatusOK, resp.StatusCode)

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	require.NoError(p.t, err)
	token, ok := doc.Find(`meta[name="csrf-token"]`).Attr("content")
	require.True(p.t, ok)
	require.NotEmpty(p.t, token)
	p.token = token
	return doc
}

func (p *panel) do(method, path string, body interface{}, out interface{}) int {
	p.t.Helper()
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(p.t, err)
		r = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, p.ts.URL+path, r)
	require.NoError(p.t, err)
	req.Header.Set("Content-Type", "application/json")
	if p.token != "" {
		req.Header.Set("X-CSRF-Token", p.token)
	}

	resp, err := p.client.Do(req)
	require.NoError(p.t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(p.t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func (p *panel) waitIdle() {
	p.t.Helper()
	if s := p.agent.Current(); s != nil {
		select {
		case <-s.Done():
		case <-time.After(5 * time.Second):
			p.t.Fatal("session did not finish")
		}
	}
}

func text(s string) map[string]string { return map[string]string{"text": s} }

func TestPanelPage(t *testing.T) {
	p := newPanel(t, "a@x.com")
	require.NoError(t, p.store.SaveEmailList("a@x.com\nbogus"))

	doc := p.load()
	assert.Equal(t, "a@x.com\nbogus", doc.Find("#emailList").Text())
	assert.Equal(t, "Start Matching", strings.TrimSpace(doc.Find("#actionBtn").Text()))
	assert.Contains(t, doc.Find("#listInfo").Text(), "1 valid, 1 invalid")
	assert.Contains(t, doc.Text(), "No sessions yet.")
}

func TestSecurityHeaders(t *testing.T) {
	p := newPanel(t)
	resp, err := p.client.Get(p.ts.URL + "/api/list")
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, "DENY", resp.Header.Get("X-Frame-Options"))
	assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))
	assert.Contains(t, resp.Header.Get("Content-Security-Policy"), "frame-ancestors 'none'")
}

func TestWritesRequireCSRFToken(t *testing.T) {
	p := newPanel(t, "a@x.com")

	var resp message.Response
	status := p.do(http.MethodPut, "/api/list", text("a@x.com"), &resp)
	assert.Equal(t, http.StatusForbidden, status)
	assert.False(t, resp.Success)

	p.load()
	status = p.do(http.MethodPut, "/api/list", text("a@x.com"), nil)
	assert.Equal(t, http.StatusOK, status)
}

func TestListRoundTrip(t *testing.T) {
	p := newPanel(t)
	p.load()

	var put listResponse
	status := p.do(http.MethodPut, "/api/list", text("  a@x.com \n\nnope\nB@x.com"), &put)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, 2, put.Valid)
	assert.Equal(t, []string{"nope"}, put.Invalid)

	var got listResponse
	p.do(http.MethodGet, "/api/list", nil, &got)
	assert.Equal(t, "  a@x.com \n\nnope\nB@x.com", got.Text, "stored verbatim")
	assert.Equal(t, 2, got.Valid)

	status = p.do(http.MethodPut, "/api/list", map[string]int{"other": 1}, nil)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestStartValidation(t *testing.T) {
	p := newPanel(t, "a@x.com")
	p.load()

	tests := []struct {
		name   string
		body   interface{}
		status int
		err    string
	}{
		{"empty stored list", nil, http.StatusBadRequest, "Please enter at least one email address"},
		{"blank text", text(" \n "), http.StatusBadRequest, "Please enter at least one email address"},
		{"nothing valid", text("foo\nbar@baz"), http.StatusBadRequest, "No valid email addresses found"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var resp startResponse
			status := p.do(http.MethodPost, "/api/start", tt.body, &resp)
			assert.Equal(t, tt.status, status)
			assert.False(t, resp.Success)
			assert.Equal(t, tt.err, resp.Error)
		})
	}
	assert.False(t, p.agent.Running())
}

func TestStartRunsSession(t *testing.T) {
	p := newPanel(t, "a@x.com", "b@x.com", "c@x.com")
	p.load()

	var resp startResponse
	status := p.do(http.MethodPost, "/api/start", text("A@x.com\nc@x.com\nmissing@x.com\njunk"), &resp)
	require.Equal(t, http.StatusOK, status)
	assert.True(t, resp.Success)
	assert.Equal(t, "Starting to match 3 emails...", resp.Message)
	assert.Equal(t, []string{"junk"}, resp.Invalid)
	p.waitIdle()

	var st statusResponse
	p.do(http.MethodGet, "/api/status?since=0", nil, &st)
	assert.False(t, st.Running)
	assert.Nil(t, st.Session)
	require.NotNil(t, st.Last)
	assert.Equal(t, agent.StateCompleted, st.Last.State)
	assert.Equal(t, []string{"a@x.com", "c@x.com"}, st.Last.MatchedEmails)
	require.NotEmpty(t, st.Notifications)
	last := st.Notifications[len(st.Notifications)-1]
	assert.Equal(t, message.ActionMatchingComplete, last.Action)
	assert.Equal(t, "Matching complete! Found 2 of 3 emails across 1 pages.", last.Message)
	assert.Equal(t, last.Seq, st.Seq)

	// nothing new after the last sequence number
	var again statusResponse
	p.do(http.MethodGet, fmt.Sprintf("/api/status?since=%d", st.Seq), nil, &again)
	assert.Empty(t, again.Notifications)
	assert.Equal(t, st.Seq, again.Seq)

	saved, err := p.store.GetEmailList()
	require.NoError(t, err)
	assert.Equal(t, "A@x.com\nc@x.com\nmissing@x.com\njunk", saved)

	var hist historyResponse
	p.do(http.MethodGet, "/api/history", nil, &hist)
	require.Len(t, hist.Sessions, 1)
	assert.Equal(t, 1, hist.Completed)
	assert.Equal(t, 2, hist.MatchedTotal)

	var one map[string]interface{}
	status = p.do(http.MethodGet, "/api/history/"+hist.Sessions[0].ID, nil, &one)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "Registrant selection completed: 2 of 3 matched", one["subject"])
	assert.Contains(t, one["report"], "  - c@x.com")

	var deleted map[string]int64
	p.do(http.MethodDelete, "/api/history", nil, &deleted)
	assert.Equal(t, int64(1), deleted["deleted"])

	status = p.do(http.MethodGet, "/api/history/"+hist.Sessions[0].ID, nil, nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestStartUsesStoredList(t *testing.T) {
	p := newPanel(t, "a@x.com")
	require.NoError(t, p.store.SaveEmailList("a@x.com"))
	p.load()

	var resp startResponse
	require.Equal(t, http.StatusOK, p.do(http.MethodPost, "/api/start", nil, &resp))
	assert.Equal(t, "Starting to match 1 email...", resp.Message)
	p.waitIdle()
	require.NotNil(t, p.agent.Last())
	assert.Equal(t, 1, p.agent.Last().Summary().Matched)
}

func TestStartChecksPageURL(t *testing.T) {
	p := newPanel(t, "a@x.com")
	p.load()

	url := "https://admin.goldcast.io/events/1/attendees"
	var urlErr error
	p.srv.GuardPage(func(ctx context.Context) (string, error) { return url, urlErr })

	var resp startResponse
	status := p.do(http.MethodPost, "/api/start", text("a@x.com"), &resp)
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "Please navigate to a registrants page first", resp.Error)

	urlErr = errors.New("target closed")
	status = p.do(http.MethodPost, "/api/start", text("a@x.com"), &resp)
	assert.Equal(t, http.StatusBadGateway, status)

	url, urlErr = "https://admin.goldcast.io/events/1/registrants", nil
	status = p.do(http.MethodPost, "/api/start", text("a@x.com"), &resp)
	assert.Equal(t, http.StatusOK, status)
	p.waitIdle()
}

func TestStartGuardWithoutConfig(t *testing.T) {
	p := newPanel(t, "a@x.com")
	p.load()

	p.srv.config = nil
	p.srv.GuardPage(func(ctx context.Context) (string, error) {
		return "https://admin.goldcast.io/events/1/registrants", nil
	})

	var resp startResponse
	status := p.do(http.MethodPost, "/api/start", text("a@x.com"), &resp)
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "Please navigate to a registrants page first", resp.Error)
	assert.False(t, p.agent.Running())
}

func TestStopWithoutSession(t *testing.T) {
	p := newPanel(t)
	p.load()

	var resp message.Response
	require.Equal(t, http.StatusOK, p.do(http.MethodPost, "/api/stop", nil, &resp))
	assert.True(t, resp.Success)

	_, ok := p.feed.Last()
	assert.False(t, ok, "no status without a running session")
}

func TestStatusWaitsForNotification(t *testing.T) {
	p := newPanel(t)

	go func() {
		time.Sleep(50 * time.Millisecond)
		p.feed.Notify(message.Notification{Action: message.ActionUpdateStatus, Message: "Processing page 1 of 2...", Type: message.StatusProcessing})
	}()

	var st statusResponse
	start := time.Now()
	p.do(http.MethodGet, "/api/status?since=0&wait=5", nil, &st)
	assert.Less(t, time.Since(start), 5*time.Second)
	require.Len(t, st.Notifications, 1)
	assert.Equal(t, "Processing page 1 of 2...", st.Notifications[0].Message)
	assert.Equal(t, int64(1), st.Seq)
}

func TestHistoryText(t *testing.T) {
	p := newPanel(t)

	resp, err := p.client.Get(p.ts.URL + "/api/history?format=text")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "text/plain; charset=utf-8", resp.Header.Get("Content-Type"))
	assert.Contains(t, string(body), "No sessions recorded yet.")
}

func TestRateLimiter(t *testing.T) {
	rl := NewRateLimiter(2, time.Minute)
	assert.True(t, rl.Allow("a"))
	assert.True(t, rl.Allow("a"))
	assert.False(t, rl.Allow("a"))
	assert.True(t, rl.Allow("b"))
}
