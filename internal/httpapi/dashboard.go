package httpapi

import (
	"fmt"
	"net/http"
)

const dashboardHTML = `<!doctype html>
<html lang="en">
<head>
  <meta charset="utf-8" />
  <meta name="viewport" content="width=device-width, initial-scale=1" />
  <title>Live encounter</title>
  <style>
    body { font-family: system-ui, sans-serif; margin: 2rem; color: #1f2933; }
    header { display: flex; gap: 1rem; align-items: baseline; }
    .status { padding: 0.1rem 0.5rem; border-radius: 0.5rem; font-size: 0.85rem; }
    .connected { background: #d1fae5; }
    .connecting { background: #fef3c7; }
    .error { background: #fee2e2; }
    section { margin-top: 1.25rem; }
    pre { white-space: pre-wrap; background: #f5f7fa; padding: 0.75rem; border-radius: 0.5rem; }
    .notice { font-weight: 600; }
  </style>
</head>
<body>
  <header>
    <h1 id="subject">No patient selected</h1>
    <span id="status" class="status">idle</span>
    <small id="updated"></small>
  </header>
  <p id="notice" class="notice"></p>
  <section>
    <h2>SOAP note</h2>
    <pre id="soap">Waiting for data</pre>
  </section>
  <section>
    <h2>Transcript</h2>
    <pre id="transcript"></pre>
  </section>
  <section>
    <h2>History</h2>
    <ul id="timeline"></ul>
  </section>
  <script>
    (function () {
      const el = (id) => document.getElementById(id);
      function render(view) {
        const subject = view.subject;
        el("subject").textContent = subject ? (subject.name || subject.id) : "No patient selected";
        el("status").textContent = view.polling ? view.status : "idle";
        el("status").className = "status " + (view.polling ? view.status : "");
        el("updated").textContent = view.lastUpdate ? "updated " + new Date(view.lastUpdate).toLocaleTimeString() : "";
        el("notice").textContent = view.notice ? view.notice.message : "";
        const snap = view.snapshot;
        if (!snap) {
          el("soap").textContent = subject ? "No consultation recorded yet" : "Waiting for data";
          el("transcript").textContent = "";
        } else {
          const note = snap.soapNote || {};
          el("soap").textContent = view.hasStructuredNote
            ? ["S: " + (note.subjective || ""), "O: " + (note.objective || ""), "A: " + (note.assessment || ""), "P: " + (note.plan || "")].join("\n")
            : "Limited data available";
          el("transcript").textContent = snap.rawTranscript || "";
        }
        const list = el("timeline");
        list.innerHTML = "";
        const entries = (view.timeline && view.timeline.entries) || [];
        for (const entry of entries) {
          const item = document.createElement("li");
          item.textContent = new Date(entry.date).toLocaleDateString() + " " + (entry.chiefComplaint || "");
          list.appendChild(item);
        }
        if (view.timeline && view.timeline.overflow > 0) {
          const more = document.createElement("li");
          more.textContent = "+" + view.timeline.overflow + " more";
          list.appendChild(more);
        }
      }
      function connect() {
        const proto = location.protocol === "https:" ? "wss://" : "ws://";
        const token = new URLSearchParams(location.search).get("access_token");
        const query = token ? "?access_token=" + encodeURIComponent(token) : "";
        const ws = new WebSocket(proto + location.host + "/v1/view/stream" + query);
        ws.onmessage = (event) => render(JSON.parse(event.data));
        ws.onclose = () => setTimeout(connect, 3000);
      }
      connect();
    })();
  </script>
</body>
</html>`

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = fmt.Fprint(w, dashboardHTML)
}
