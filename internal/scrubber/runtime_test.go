package scrubber

import (
	"testing"

	"github.com/dop251/goja"
)

// domFixture 最小化的 window/document 替身，记录脚本对宿主环境的每次调用
const domFixture = `
var window = this;
var calls = { opened: [], navigated: [], reported: [], fetched: [], xhr: [], cleared: [], listeners: {}, navigate: [] };
var timers = [];
function setInterval(fn, ms) { timers.push({ fn: fn, ms: ms }); return timers.length; }
function clearInterval(id) { calls.cleared.push(id); }
function on(key, fn) { (calls.listeners[key] = calls.listeners[key] || []).push(fn); }
function fire(key, ev) { (calls.listeners[key] || []).forEach(function (fn) { fn(ev || {}); }); }
window.addEventListener = function (type, fn) { on(type, fn); };

function El(sels, children, brokenRemove) {
  this.sels = sels;
  this.children = children || [];
  this.removed = false;
  this.brokenRemove = !!brokenRemove;
}
El.prototype.matches = function (sel) { return this.sels.indexOf(sel) !== -1; };
El.prototype.querySelector = function (sel) {
  for (var i = 0; i < this.children.length; i++) {
    var c = this.children[i];
    if (c.matches(sel)) { return c; }
    var d = c.querySelector(sel);
    if (d) { return d; }
  }
  return null;
};
El.prototype.remove = function () {
  if (this.brokenRemove) { throw new Error("detached"); }
  this.removed = true;
};

var nodes = {
  adbox: new El(['[id*="ad"]']),
  adframe: new El(['iframe[src*="ads"]', 'iframe[src*="ad"]']),
  player: new El(['[class*="ad"]'], [new El(["div"], [new El(["video"])])]),
  stubborn: new El(['.ad'], [], true),
  popup: new El(['div[class*="popup"]']),
  content: new El(['p'])
};
var document = {
  querySelectorAll: function (sel) {
    if (sel === "::broken") { throw new SyntaxError("bad selector"); }
    var out = [];
    for (var k in nodes) {
      if (!nodes[k].removed && nodes[k].matches(sel)) { out.push(nodes[k]); }
    }
    return out;
  },
  addEventListener: function (type, fn) { on("document:" + type, fn); }
};

window.open = function (u) { calls.opened.push(u); return "win"; };
window.location = {
  assign: function (u) { calls.navigated.push("assign:" + u); },
  replace: function (u) { calls.navigated.push("replace:" + u); }
};
window.navigation = {
  addEventListener: function (type, fn) { if (type === "navigate") { calls.navigate.push(fn); } }
};
function navigate(url, type, sameDocument, userInitiated) {
  var ev = {
    destination: { url: url, sameDocument: sameDocument },
    navigationType: type,
    userInitiated: userInitiated,
    cancelable: true,
    prevented: false,
    preventDefault: function () { this.prevented = true; }
  };
  calls.navigate.forEach(function (fn) { fn(ev); });
  return ev.prevented;
}

window.fetch = function (input) { calls.fetched.push(input); return "response"; };
function XMLHttpRequest() {}
XMLHttpRequest.prototype.open = function (method, url) { calls.xhr.push(url); };
window.__streamgateMedia = function (u) { calls.reported.push(u); };
`

func runPayload(t *testing.T, c Contract) *goja.Runtime {
	t.Helper()
	js, err := Payload(c)
	if err != nil {
		t.Fatalf("Payload: %v", err)
	}
	vm := goja.New()
	if _, err := vm.RunString(domFixture); err != nil {
		t.Fatalf("fixture: %v", err)
	}
	if _, err := vm.RunString(js); err != nil {
		t.Fatalf("payload: %v", err)
	}
	return vm
}

func evalJS(t *testing.T, vm *goja.Runtime, expr string) goja.Value {
	t.Helper()
	v, err := vm.RunString(expr)
	if err != nil {
		t.Fatalf("%s: %v", expr, err)
	}
	return v
}

func jsonOf(t *testing.T, vm *goja.Runtime, expr string) string {
	t.Helper()
	return evalJS(t, vm, "JSON.stringify("+expr+")").String()
}

func TestScriptRemovesAdsAndSparesVideo(t *testing.T) {
	c := DefaultContract(testPattern)
	c.Selectors = append([]string{"::broken"}, c.Selectors...)
	vm := runPayload(t, c)

	if got := evalJS(t, vm, "timers.length").ToInteger(); got != 1 {
		t.Fatalf("timers = %d", got)
	}
	if got := evalJS(t, vm, "timers[0].ms").ToInteger(); got != DefaultIntervalMS {
		t.Errorf("interval = %d", got)
	}
	evalJS(t, vm, "timers[0].fn()")

	removed := map[string]bool{
		"adbox":    true,
		"adframe":  true,
		"player":   false,
		"stubborn": false,
		"popup":    true,
		"content":  false,
	}
	for name, want := range removed {
		if got := evalJS(t, vm, "nodes."+name+".removed").ToBoolean(); got != want {
			t.Errorf("%s removed = %v, want %v", name, got, want)
		}
	}
	if got := evalJS(t, vm, "window.__streamgateScrubber.removed").ToInteger(); got != 3 {
		t.Errorf("removed count = %d", got)
	}

	// 重复执行只处理新插入的元素
	evalJS(t, vm, `nodes.late = new El(['.ads']); timers[0].fn()`)
	if !evalJS(t, vm, "nodes.late.removed").ToBoolean() {
		t.Error("re-inserted ad must be removed on the next tick")
	}
}

func TestScriptBlocksPopups(t *testing.T) {
	vm := runPayload(t, DefaultContract(testPattern))
	if !goja.IsNull(evalJS(t, vm, `window.open("https://popads.net/x")`)) {
		t.Error("window.open must return null")
	}
	if got := jsonOf(t, vm, "calls.opened"); got != "[]" {
		t.Errorf("original open called: %s", got)
	}

	c := DefaultContract(testPattern)
	c.BlockPopups = false
	vm = runPayload(t, c)
	if got := evalJS(t, vm, `window.open("https://host.example/")`).String(); got != "win" {
		t.Errorf("open with popups allowed = %q", got)
	}
}

func TestScriptGuardsNavigation(t *testing.T) {
	vm := runPayload(t, DefaultContract(testPattern))

	evalJS(t, vm, `
window.location.assign("https://casino.example/win");
window.location.assign("https://host.example/embed/2");
window.location.replace("https://popcash.net/r");
window.location.replace("https://host.example/video/9");
`)
	want := `["assign:https://host.example/embed/2","replace:https://host.example/video/9"]`
	if got := jsonOf(t, vm, "calls.navigated"); got != want {
		t.Errorf("navigations = %s", got)
	}

	cases := []struct {
		call      string
		prevented bool
	}{
		{`navigate("https://casino.example/", "push", false, false)`, true},
		{`navigate("https://casino.example/", "replace", false, false)`, true},
		{`navigate("https://host.example/streamingnow/1", "push", false, false)`, false},
		{`navigate("https://host.example/#t=10", "push", true, false)`, false},
		{`navigate("https://casino.example/", "push", false, true)`, false},
		{`navigate("https://casino.example/", "traverse", false, false)`, false},
	}
	for _, tc := range cases {
		if got := evalJS(t, vm, tc.call).ToBoolean(); got != tc.prevented {
			t.Errorf("%s prevented = %v, want %v", tc.call, got, tc.prevented)
		}
	}
	if got := evalJS(t, vm, "window.__streamgateScrubber.blockedNavigations").ToInteger(); got != 4 {
		t.Errorf("blocked navigations = %d", got)
	}
}

func TestScriptReportsMedia(t *testing.T) {
	vm := runPayload(t, DefaultContract(testPattern))
	evalJS(t, vm, `
window.fetch("https://cdn.example/a.m3u8?t=1");
window.fetch({ url: "https://cdn.example/b.mp4" });
window.fetch("https://cdn.example/x.js");
new XMLHttpRequest().open("GET", "https://cdn.example/seg-1.ts");
new XMLHttpRequest().open("GET", "https://cdn.example/seg-1.ts.json");
`)
	want := `["https://cdn.example/a.m3u8?t=1","https://cdn.example/b.mp4","https://cdn.example/seg-1.ts"]`
	if got := jsonOf(t, vm, "calls.reported"); got != want {
		t.Errorf("reported = %s", got)
	}
	if got := evalJS(t, vm, "calls.fetched.length + calls.xhr.length").ToInteger(); got != 5 {
		t.Errorf("requests must pass through, got %d", got)
	}

	c := DefaultContract(testPattern)
	c.ReportBinding = ""
	vm = runPayload(t, c)
	evalJS(t, vm, `window.fetch("https://cdn.example/a.m3u8")`)
	if got := jsonOf(t, vm, "calls.reported"); got != "[]" {
		t.Errorf("reporting disabled but got %s", got)
	}
}

func TestScriptToleratesBrokenBinding(t *testing.T) {
	for _, binding := range []string{
		`function () { throw new Error("binding gone"); }`,
		`"not a function"`,
		`undefined`,
	} {
		vm := runPayload(t, DefaultContract(testPattern))
		evalJS(t, vm, "window.__streamgateMedia = "+binding)
		if got := evalJS(t, vm, `window.fetch("https://cdn.example/a.m3u8")`).String(); got != "response" {
			t.Errorf("binding %s: fetch result = %q", binding, got)
		}
		evalJS(t, vm, `new XMLHttpRequest().open("GET", "https://cdn.example/b.mp4")`)
		if got := evalJS(t, vm, "calls.xhr.length").ToInteger(); got != 1 {
			t.Errorf("binding %s: xhr passthrough = %d", binding, got)
		}
	}
}

func TestScriptStopsOnPagehide(t *testing.T) {
	vm := runPayload(t, DefaultContract(testPattern))
	evalJS(t, vm, `fire("pagehide")`)
	if got := jsonOf(t, vm, "calls.cleared"); got != "[1]" {
		t.Errorf("cleared = %s", got)
	}
	if !goja.IsNull(evalJS(t, vm, "window.__streamgateScrubber.timer")) {
		t.Error("timer must be reset after pagehide")
	}
}

func TestScriptInstallsOnce(t *testing.T) {
	js, err := Payload(DefaultContract(testPattern))
	if err != nil {
		t.Fatal(err)
	}
	vm := runPayload(t, DefaultContract(testPattern))
	if _, err := vm.RunString(js); err != nil {
		t.Fatalf("second run: %v", err)
	}
	if got := evalJS(t, vm, "timers.length").ToInteger(); got != 1 {
		t.Errorf("timers after reinjection = %d", got)
	}
	if got := evalJS(t, vm, "calls.navigate.length").ToInteger(); got != 1 {
		t.Errorf("navigate listeners = %d", got)
	}
}
