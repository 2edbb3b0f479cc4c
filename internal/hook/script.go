package hook

import (
	"strconv"
	"strings"
)

// ScriptVersion is substituted into the injected script and echoed back in
// heartbeat frames, so stale hooks are detectable after an upgrade.
const ScriptVersion = "2"

const (
	portPlaceholder    = "__WARDEN_PORT__"
	versionPlaceholder = "__WARDEN_VERSION__"
)

// hookScript runs inside the supervised instance's developer console. It
// dials back to the supervisor, sends the ready token, emits heartbeats,
// and evaluates JSON-encoded command lines, replying with one result line
// per command.
const hookScript = `(() => {
  if (globalThis.__wardenHook && globalThis.__wardenHook.version === "` + versionPlaceholder + `") { return "already-hooked"; }
  const net = require("net");
  const sock = net.connect(` + portPlaceholder + `, "127.0.0.1");
  const hook = { version: "` + versionPlaceholder + `", sock };
  globalThis.__wardenHook = hook;
  sock.setNoDelay(true);
  sock.on("connect", () => { sock.write("ready\n"); });
  let buf = "";
  sock.on("data", (chunk) => {
    buf += chunk.toString("utf8");
    let idx;
    while ((idx = buf.indexOf("\n")) >= 0) {
      const line = buf.slice(0, idx); buf = buf.slice(idx + 1);
      if (!line.startsWith('"')) continue;
      let out;
      try { out = String(eval(JSON.parse(line))); }
      catch (err) { out = "hook-error: " + String(err && err.message || err); }
      sock.write(out.replace(/\n/g, " ") + "\n");
    }
  });
  hook.timer = setInterval(() => {
    const resume = !!document.querySelector('[aria-label*="Resume" i]');
    sock.write(JSON.stringify({type: "heartbeat", version: "` + versionPlaceholder + `", location: String(location.href), resumeNeeded: resume}) + "\n");
  }, 5000);
  sock.on("close", () => { clearInterval(hook.timer); delete globalThis.__wardenHook; });
  return "hooked";
})();`

// RenderScript substitutes the listener port and script version into the
// hook script template.
func RenderScript(port int) string {
	s := strings.ReplaceAll(hookScript, portPlaceholder, strconv.Itoa(port))
	return strings.ReplaceAll(s, versionPlaceholder, ScriptVersion)
}
