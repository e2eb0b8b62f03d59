package browser

import (
	"encoding/json"
	"fmt"

	"github.com/regselect/regselect/internal/agent"
	"github.com/regselect/regselect/internal/config"
)

// Elements handed to the agent are stamped with these attributes so later
// calls can find them again without holding DOM node ids.
const (
	elementAttr = "data-regselect-el"
	controlAttr = "data-regselect-ctl"
)

// jsString quotes s as a JavaScript string literal
func jsString(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

func jsStrings(ss []string) string {
	if ss == nil {
		ss = []string{}
	}
	b, _ := json.Marshal(ss)
	return string(b)
}

func paginationScript(host config.HostConfig) string {
	return fmt.Sprintf(`(function() {
		var el = document.querySelector(%s);
		if (!el) return {found: false, text: ""};
		return {found: true, text: el.textContent || ""};
	})()`, jsString(host.PaginationSelector))
}

func readyScript(host config.HostConfig) string {
	return fmt.Sprintf(`(function() {
		var table = document.querySelector(%s);
		var rows = document.querySelectorAll(%s);
		return table !== null && rows.length > 0;
	})()`, jsString(host.TableSelector), jsString(host.RowSelector))
}

// candidatesScript clears previous stamps, then stamps and returns the
// elements of one lookup tier in document order.
func candidatesScript(host config.HostConfig, tier agent.Tier, gen int) (string, error) {
	var find string
	switch tier {
	case agent.TierExact:
		find = fmt.Sprintf(`Array.prototype.slice.call(document.querySelectorAll(%s))`, jsString(host.EmailExactSelector))
	case agent.TierPartial:
		find = fmt.Sprintf(`Array.prototype.slice.call(document.querySelectorAll(%s))`, jsString(host.EmailPartialSelector))
	case agent.TierScan:
		find = fmt.Sprintf(`Array.prototype.slice.call(document.querySelectorAll(%s)).filter(function(el) {
			var cls = el.getAttribute('class') || '';
			return %s.every(function(s) { return cls.indexOf(s) !== -1; });
		})`, jsString(host.EmailTag), jsStrings(host.EmailClassSubstrings))
	default:
		return "", fmt.Errorf("unknown lookup tier %d", tier)
	}

	return fmt.Sprintf(`(function() {
		var attr = %s;
		document.querySelectorAll('[' + attr + ']').forEach(function(el) { el.removeAttribute(attr); });
		var els = %s;
		var out = [];
		for (var i = 0; i < els.length; i++) {
			var h = '%d-' + i;
			els[i].setAttribute(attr, h);
			out.push({handle: h, text: els[i].textContent || ''});
		}
		return out;
	})()`, jsString(elementAttr), find, gen), nil
}

func leavesScript(substr string, limit int) string {
	return fmt.Sprintf(`(function() {
		var needle = %s;
		var out = [];
		var all = document.querySelectorAll('*');
		for (var i = 0; i < all.length && out.length < %d; i++) {
			var el = all[i];
			if (el.children.length === 0 && (el.textContent || '').indexOf(needle) !== -1) {
				out.push({tag: el.tagName, class: el.getAttribute('class') || '', text: el.textContent});
			}
		}
		return out;
	})()`, jsString(substr), limit)
}

// findControlResult is what findControlScript evaluates to
type findControlResult struct {
	Stale  bool   `json:"stale"`
	Found  bool   `json:"found"`
	Ref    string `json:"ref"`
	Active bool   `json:"active"`
}

func findControlScript(host config.HostConfig, handle string) string {
	return fmt.Sprintf(`(function() {
		var h = %s;
		var el = document.querySelector('[' + %s + '="' + CSS.escape(h) + '"]');
		if (!el) return {stale: true};
		var row = el.closest(%s);
		if (!row) return {found: false};
		var cell = row.querySelector(%s);
		if (!cell) return {found: false};
		var box = cell.querySelector(%s);
		if (!box) return {found: false};
		box.setAttribute(%s, h);
		return {found: true, ref: h, active: !!box.checked};
	})()`, jsString(handle), jsString(elementAttr),
		jsString(host.RowTag), jsString(host.CellTag), jsString(host.ControlSelector),
		jsString(controlAttr))
}

// controlResult is what every controlScript evaluates to
type controlResult struct {
	OK     bool `json:"ok"`
	Active bool `json:"active"`
}

// controlScript runs body with `box` bound to the stamped control
func controlScript(ref, body string) string {
	return fmt.Sprintf(`(function() {
		var box = document.querySelector('[' + %s + '="' + CSS.escape(%s) + '"]');
		if (!box) return {ok: false, active: false};
		%s
		return {ok: true, active: !!box.checked};
	})()`, jsString(controlAttr), jsString(ref), body)
}

func revealBody(host config.HostConfig) string {
	return fmt.Sprintf(`box.classList.remove(%s);
		%s.forEach(function(c) { box.classList.add(c); });
		var td = box.closest(%s);
		if (td) td.classList.add(%s);`,
		jsString(host.HiddenClass), jsStrings(host.VisibleClasses),
		jsString(host.CellTag), jsString(host.HoverClass))
}

const (
	clickBody = `box.click();`
	readBody  = ``
	forceBody = `if (box.type === 'checkbox' && !box.checked) {
			box.checked = true;
			box.dispatchEvent(new Event('change', { bubbles: true }));
		}`
)

func nextStateScript(host config.HostConfig) string {
	return fmt.Sprintf(`(function() {
		var btn = document.getElementById(%s);
		if (!btn) return 'missing';
		if (btn.disabled) return 'disabled';
		var cls = btn.getAttribute('class') || '';
		var markers = %s;
		for (var i = 0; i < markers.length; i++) {
			if (cls.indexOf(markers[i]) !== -1) return 'disabled';
		}
		return 'enabled';
	})()`, jsString(host.NextButtonID), jsStrings(host.DisabledClasses))
}

func advanceScript(host config.HostConfig) string {
	return fmt.Sprintf(`(function() {
		var btn = document.getElementById(%s);
		if (!btn) return false;
		btn.click();
		return true;
	})()`, jsString(host.NextButtonID))
}

func parseNextState(s string) (agent.NextState, error) {
	switch s {
	case "missing":
		return agent.NextMissing, nil
	case "disabled":
		return agent.NextDisabled, nil
	case "enabled":
		return agent.NextEnabled, nil
	default:
		return agent.NextMissing, fmt.Errorf("unexpected next control state %q", s)
	}
}
