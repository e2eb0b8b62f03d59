package browser

import (
	"context"
	"testing"
	"time"

	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/regselect/regselect/internal/agent"
	"github.com/regselect/regselect/internal/config"
)

func TestMatchesHost(t *testing.T) {
	markers := config.DefaultHost().URLContains

	tests := []struct {
		url  string
		want bool
	}{
		{"https://admin.goldcast.io/event/123/registrants", true},
		{"https://admin.goldcast.io/event/123/registrants?page=2", true},
		{"https://admin.goldcast.io/event/123/agenda", false},
		{"https://example.com/registrants", false},
		{"", false},
	}

	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			assert.Equal(t, tt.want, MatchesHost(tt.url, markers))
		})
	}

	assert.False(t, MatchesHost("https://admin.goldcast.io/registrants", nil))
}

func TestPickTarget(t *testing.T) {
	markers := config.DefaultHost().URLContains
	targets := []*target.Info{
		{TargetID: "worker", Type: "service_worker", URL: "https://admin.goldcast.io/registrants/sw.js"},
		{TargetID: "other", Type: "page", URL: "https://mail.example.com"},
		{TargetID: "list", Type: "page", URL: "https://admin.goldcast.io/e/1/registrants"},
	}

	got := pickTarget(targets, markers)
	require.NotNil(t, got)
	assert.Equal(t, target.ID("list"), got.TargetID)

	assert.Nil(t, pickTarget(targets[:2], markers))
}

func TestAttachedTabSurvivesClose(t *testing.T) {
	browserCtx, cancel := chromedp.NewContext(context.Background())

	tabCtx, release := attachedTab(browserCtx, "list")
	require.NotNil(t, chromedp.FromContext(tabCtx))

	page := newPage(tabCtx, release, config.DefaultHost(), time.Second, nil)
	page.Close()
	assert.NoError(t, tabCtx.Err(), "closing the page must not close the user's tab")

	cancel()
	<-browserCtx.Done()
	assert.NoError(t, tabCtx.Err(), "shutting down the browser context must not close the user's tab")
}

func TestScriptsQuoteConfiguredValues(t *testing.T) {
	host := config.DefaultHost()
	host.PaginationSelector = `span[title="a \"quoted\" value"]`

	js := paginationScript(host)
	assert.Contains(t, js, `"span[title=\"a \\\"quoted\\\" value\"]"`)

	js, err := candidatesScript(host, agent.TierExact, 3)
	require.NoError(t, err)
	assert.Contains(t, js, jsString(host.EmailExactSelector))
	assert.Contains(t, js, `'3-' + i`)

	js, err = candidatesScript(host, agent.TierScan, 1)
	require.NoError(t, err)
	assert.Contains(t, js, `["tw-max-w-","tw-truncate"]`)
	assert.Contains(t, js, `document.querySelectorAll("p")`)

	_, err = candidatesScript(host, agent.Tier(9), 1)
	assert.Error(t, err)
}

func TestControlScripts(t *testing.T) {
	host := config.DefaultHost()

	js := findControlScript(host, "2-4")
	assert.Contains(t, js, `"2-4"`)
	assert.Contains(t, js, jsString(host.ControlSelector))
	assert.Contains(t, js, jsString(controlAttr))

	js = controlScript("2-4", revealBody(host))
	assert.Contains(t, js, `box.classList.remove("tw-hidden")`)
	assert.Contains(t, js, `["tw-block","!tw-block"]`)
	assert.Contains(t, js, `td.classList.add("group-hover")`)

	js = controlScript("2-4", forceBody)
	assert.Contains(t, js, `dispatchEvent(new Event('change'`)
}

func TestNextStateScripts(t *testing.T) {
	host := config.DefaultHost()
	js := nextStateScript(host)
	assert.Contains(t, js, `getElementById("next-button")`)
	assert.Contains(t, js, `["disabled","tw-cursor-not-allowed"]`)
	assert.Contains(t, advanceScript(host), `btn.click()`)

	for s, want := range map[string]agent.NextState{
		"missing":  agent.NextMissing,
		"disabled": agent.NextDisabled,
		"enabled":  agent.NextEnabled,
	} {
		got, err := parseNextState(s)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := parseNextState("maybe")
	assert.Error(t, err)
}

func TestJSStrings(t *testing.T) {
	assert.Equal(t, `[]`, jsStrings(nil))
	assert.Equal(t, `"\u003cscript\u003e"`, jsString("<script>"))
	assert.Contains(t, leavesScript("@", 10), `out.length < 10`)
}
