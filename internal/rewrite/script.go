package rewrite

import (
	"encoding/json"
	"strings"
)

// ScriptID marks the injected interceptor so it is only added once.
const ScriptID = "__rp_interceptor"

const interceptorTemplate = `(function () {
  if (window.__rpInstalled) { return; }
  window.__rpInstalled = true;
  var PREFIX = "/proxy?url=";
  var BASE = __BASE__;
  var SKIP = ["javascript:", "data:", "blob:", "about:", "mailto:", "tel:", "#"];
  function proxify(u) {
    if (u === null || u === undefined) { return u; }
    var s = String(u);
    var t = s.replace(/^\s+/, "");
    if (t === "" || t.indexOf(PREFIX) === 0) { return s; }
    var l = t.toLowerCase();
    for (var i = 0; i < SKIP.length; i++) {
      if (l.indexOf(SKIP[i]) === 0) { return s; }
    }
    var abs;
    try { abs = new URL(t, BASE); } catch (e) { return s; }
    if (abs.protocol !== "http:" && abs.protocol !== "https:") { return s; }
    return PREFIX + encodeURIComponent(abs.href);
  }
  window.__rpProxify = proxify;
  if (typeof window.fetch === "function") {
    var origFetch = window.fetch;
    window.fetch = function (input, init) {
      if (typeof Request !== "undefined" && input instanceof Request) {
        input = new Request(proxify(input.url), input);
      } else {
        input = proxify(input);
      }
      return origFetch.call(this, input, init);
    };
  }
  if (typeof XMLHttpRequest !== "undefined") {
    var origOpen = XMLHttpRequest.prototype.open;
    XMLHttpRequest.prototype.open = function (method, url) {
      var args = Array.prototype.slice.call(arguments);
      args[1] = proxify(url);
      return origOpen.apply(this, args);
    };
  }
})();`

// InterceptorScript returns the runtime script that routes fetch and
// XMLHttpRequest calls through the proxy, resolving relative URLs against base.
func InterceptorScript(base string) string {
	b, _ := json.Marshal(base)
	return strings.Replace(interceptorTemplate, "__BASE__", string(b), 1)
}

// interceptorTag wraps the script in a marked <script> element.
func interceptorTag(base string) string {
	return `<script id="` + ScriptID + `">` + InterceptorScript(base) + `</script>`
}
