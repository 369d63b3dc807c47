// internal/browser/scripts.go
package browser

import (
	"fmt"
	"strings"

	jsoniter "github.com/json-iterator/go"

	"github.com/xkilldash9x/webpilot/internal/perception"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// annotateScript marks every element with the layout facts the snapshot
// parser reads back: rendered visibility, zero size and the focused element.
var annotateScript = fmt.Sprintf(`(function() {
  const VISIBLE = %q, ZERO = %q, ACTIVE = %q;
  const all = document.querySelectorAll('*');
  for (const el of all) {
    el.removeAttribute(ACTIVE);
    const style = window.getComputedStyle(el);
    const rect = el.getBoundingClientRect();
    const hidden = style.display === 'none' || style.visibility === 'hidden' || style.visibility === 'collapse';
    el.setAttribute(VISIBLE, hidden ? '0' : '1');
    // Options of a closed select have no box but are still choosable.
    const boxless = el.tagName !== 'OPTION' && rect.width * rect.height === 0 && el.getClientRects().length === 0;
    el.setAttribute(ZERO, boxless ? '1' : '0');
  }
  if (document.activeElement && document.activeElement !== document.body) {
    document.activeElement.setAttribute(ACTIVE, '1');
  }
  return all.length;
})()`, perception.AttrVisible, perception.AttrZeroSize, perception.AttrActive)

// stabilityProbeScript reports the load state and DOM size.
const stabilityProbeScript = `(function() {
  return {ready: document.readyState, count: document.getElementsByTagName('*').length};
})()`

const readPageScript = `(function() {
  return document.body ? document.body.innerText : '';
})()`

// elementScript resolves an XPath handle and runs one operation on the
// element. Every operation returns {ok, error, x, y}.
const elementScript = `(function(xpath, op, arg) {
  const el = document.evaluate(xpath, document, null, XPathResult.FIRST_ORDERED_NODE_TYPE, null).singleNodeValue;
  if (!el) return {ok: false, error: 'element not found on the page'};
  const fire = (name) => el.dispatchEvent(new Event(name, {bubbles: true}));
  switch (op) {
  case 'locate': {
    el.scrollIntoView({block: 'center', inline: 'center'});
    const r = el.getBoundingClientRect();
    if (r.width === 0 || r.height === 0) return {ok: false, error: 'element is not visible'};
    return {ok: true, x: r.left + r.width / 2, y: r.top + r.height / 2};
  }
  case 'focus': {
    el.scrollIntoView({block: 'center'});
    el.focus();
    return {ok: true};
  }
  case 'clear_focus': {
    if (el.disabled || el.readOnly) return {ok: false, error: 'element is not editable'};
    el.scrollIntoView({block: 'center'});
    el.focus();
    if (el.isContentEditable) { el.textContent = ''; }
    else if ('value' in el) { el.value = ''; fire('input'); }
    return {ok: true};
  }
  case 'select': {
    if (el.tagName !== 'SELECT') return {ok: false, error: 'element is not a select box'};
    const want = String(arg).trim().toLowerCase();
    const opt = Array.from(el.options).find(o => o.value.toLowerCase() === want || o.text.trim().toLowerCase() === want);
    if (!opt) return {ok: false, error: 'no option matches ' + JSON.stringify(String(arg))};
    el.value = opt.value;
    fire('input'); fire('change');
    return {ok: true};
  }
  case 'check': {
    const want = !!arg;
    const current = ('checked' in el) ? el.checked : el.getAttribute('aria-checked') === 'true';
    if (current !== want) el.click();
    return {ok: true};
  }
  case 'scroll': {
    const px = arg.px > 0 ? arg.px : Math.max(el.clientHeight, 200) * 0.8;
    el.scrollBy({top: arg.dir * px});
    return {ok: true};
  }
  }
  return {ok: false, error: 'unknown element operation ' + op};
})`

// elementResult is what elementScript returns.
type elementResult struct {
	OK    bool    `json:"ok"`
	Error string  `json:"error"`
	X     float64 `json:"x"`
	Y     float64 `json:"y"`
}

// elementCall renders an invocation of elementScript.
func elementCall(handle, op string, arg interface{}) string {
	return fmt.Sprintf("%s(%s, %s, %s)", elementScript, jsonEncode(handle), jsonEncode(op), jsonEncode(arg))
}

// scrollArg is the argument of the element scroll operation. Px <= 0 means
// most of one visible height.
type scrollArg struct {
	Dir int     `json:"dir"`
	Px  float64 `json:"px"`
}

func windowScrollCall(arg scrollArg) string {
	return fmt.Sprintf(`(function(arg) {
  const px = arg.px > 0 ? arg.px : window.innerHeight * 0.8;
  window.scrollBy({top: arg.dir * px});
  return true;
})(%s)`, jsonEncode(arg))
}

// jsonEncode encodes a value for injection into a script.
func jsonEncode(v interface{}) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "null"
	}
	s := string(b)
	// U+2028 and U+2029 are valid JSON but end a JS line.
	s = strings.ReplaceAll(s, "\u2028", `\u2028`)
	return strings.ReplaceAll(s, "\u2029", `\u2029`)
}
