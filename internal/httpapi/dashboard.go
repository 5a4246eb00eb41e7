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
  <title>TabSync Status</title>
  <style>
    :root {
      --ink: #1c2330;
      --paper: #f3f5f9;
      --card: #ffffff;
      --line: #d4dae5;
      --accent: #3a6ff0;
      --warn: #c07a22;
      --danger: #c2483f;
      --muted: #69748a;
    }

    * { box-sizing: border-box; }

    body {
      margin: 0;
      font-family: "Segoe UI", "Helvetica Neue", Arial, sans-serif;
      color: var(--ink);
      background: linear-gradient(150deg, #f7f9fd 0%, #eef2f8 100%);
      min-height: 100vh;
      padding: 20px;
    }

    .shell {
      max-width: 1080px;
      margin: 0 auto;
      display: grid;
      gap: 14px;
    }

    .bar {
      background: var(--card);
      border: 1px solid var(--line);
      border-radius: 12px;
      padding: 16px;
    }

    h1 { margin: 0; font-size: 1.4rem; }

    .sub { margin-top: 6px; color: var(--muted); font-size: 0.88rem; }

    .controls {
      display: grid;
      gap: 10px;
      grid-template-columns: 1.4fr 0.5fr 0.5fr;
      margin-top: 12px;
    }

    .controls input {
      width: 100%;
      border-radius: 8px;
      border: 1px solid var(--line);
      padding: 9px 11px;
      font-size: 0.9rem;
      outline: none;
    }

    .controls input:focus { border-color: var(--accent); }

    button {
      border: 0;
      border-radius: 8px;
      padding: 9px 12px;
      font-family: inherit;
      font-weight: 600;
      cursor: pointer;
    }

    .btn-primary { background: var(--accent); color: #fff; }
    .btn-secondary { background: #e6ebf4; color: var(--ink); border: 1px solid var(--line); }

    .cards {
      display: grid;
      gap: 10px;
      grid-template-columns: repeat(4, minmax(120px, 1fr));
    }

    .card {
      background: var(--card);
      border: 1px solid var(--line);
      border-radius: 10px;
      padding: 12px;
    }

    .label {
      text-transform: uppercase;
      letter-spacing: 0.08em;
      font-size: 0.66rem;
      color: var(--muted);
    }

    .value { margin-top: 6px; font-size: 1.15rem; font-weight: 700; }

    .grid { display: grid; gap: 12px; grid-template-columns: 1.6fr 1fr; }

    .panel {
      background: var(--card);
      border: 1px solid var(--line);
      border-radius: 12px;
      padding: 12px;
      min-height: 240px;
    }

    .panel h2 {
      margin: 0 0 10px;
      font-size: 0.88rem;
      letter-spacing: 0.05em;
      text-transform: uppercase;
    }

    table { width: 100%; border-collapse: collapse; font-size: 0.82rem; }

    th, td {
      text-align: left;
      border-bottom: 1px solid #e5eaf2;
      padding: 7px 6px;
      vertical-align: top;
    }

    th {
      color: var(--muted);
      text-transform: uppercase;
      font-size: 0.68rem;
      letter-spacing: 0.07em;
    }

    .mono { font-family: Menlo, Consolas, monospace; }
    .ok { color: #1d8f4e; }
    .warn { color: var(--warn); }
    .err { color: var(--danger); }
    .dim { color: var(--muted); }

    .status-line {
      margin-top: 10px;
      font-size: 0.84rem;
      color: var(--muted);
      display: flex;
      flex-wrap: wrap;
      gap: 12px;
    }

    @media (max-width: 860px) {
      .cards { grid-template-columns: repeat(2, 1fr); }
      .grid { grid-template-columns: 1fr; }
      .controls { grid-template-columns: 1fr; }
    }
  </style>
</head>
<body>
  <main class="shell">
    <section class="bar">
      <h1>TabSync Status</h1>
      <div class="sub">Canonical quick-tab state, per-context footprint and connected clients.</div>
      <div class="controls">
        <input id="token" type="password" placeholder="Bearer token (leave empty if auth is disabled)" autocomplete="off" />
        <button id="refresh" class="btn-primary" type="button">Refresh</button>
        <button id="toggle" class="btn-secondary" type="button">Pause Auto</button>
      </div>
      <div class="status-line">
        <span>Last: <span id="lastUpdated">never</span></span>
        <span id="statusMessage">idle</span>
      </div>
    </section>

    <section class="cards">
      <article class="card"><div class="label">Global Revision</div><div id="globalRevision" class="value mono">-</div></article>
      <article class="card"><div class="label">Records</div><div id="recordCount" class="value">-</div></article>
      <article class="card"><div class="label">Contexts</div><div id="contextCount" class="value">-</div></article>
      <article class="card"><div class="label">Connected Clients</div><div id="clientCount" class="value">-</div></article>
    </section>

    <section class="grid">
      <article class="panel">
        <h2>Records</h2>
        <table>
          <thead>
            <tr><th>ID</th><th>Owner</th><th>Title</th><th>Rev</th><th>Geometry</th><th>Flags</th></tr>
          </thead>
          <tbody id="recordRows"></tbody>
        </table>
      </article>

      <article class="panel">
        <h2>Contexts</h2>
        <table>
          <thead>
            <tr><th>Context</th><th>Records</th><th>Connected</th></tr>
          </thead>
          <tbody id="contextRows"></tbody>
        </table>
      </article>
    </section>
  </main>

  <script>
    (function () {
      const store = { timer: null, intervalMs: 5000, paused: false };

      const dom = {
        token: document.getElementById("token"),
        refresh: document.getElementById("refresh"),
        toggle: document.getElementById("toggle"),
        lastUpdated: document.getElementById("lastUpdated"),
        statusMessage: document.getElementById("statusMessage"),
        globalRevision: document.getElementById("globalRevision"),
        recordCount: document.getElementById("recordCount"),
        contextCount: document.getElementById("contextCount"),
        clientCount: document.getElementById("clientCount"),
        recordRows: document.getElementById("recordRows"),
        contextRows: document.getElementById("contextRows"),
      };

      async function request(path) {
        const headers = {};
        const token = dom.token.value.trim();
        if (token) {
          headers["Authorization"] = "Bearer " + token;
        }
        const response = await fetch(path, { headers: headers });
        const data = await response.json();
        if (!response.ok) {
          const code = data.error ? String(data.error) : "error";
          const msg = data.message ? String(data.message) : response.statusText;
          throw new Error(response.status + " " + code + ": " + msg);
        }
        return data;
      }

      function setStatus(text, cls) {
        dom.statusMessage.textContent = text;
        dom.statusMessage.className = cls || "";
      }

      function emptyRow(target, span, text) {
        const tr = document.createElement("tr");
        const td = document.createElement("td");
        td.colSpan = span;
        td.className = "dim";
        td.textContent = text;
        tr.appendChild(td);
        target.appendChild(tr);
      }

      function renderRecords(records) {
        dom.recordRows.innerHTML = "";
        const ids = Object.keys(records || {}).sort();
        if (ids.length === 0) {
          emptyRow(dom.recordRows, 6, "No records");
          return;
        }
        ids.forEach((id) => {
          const rec = records[id];
          const tr = document.createElement("tr");
          const cells = [
            { text: String(rec.id || id), cls: "mono" },
            { text: String(rec.ownerContextId || "-"), cls: "mono" },
            { text: String(rec.title || "-") },
            { text: String(rec.revision || 0), cls: "mono" },
            { text: rec.x + "," + rec.y + " " + rec.width + "x" + rec.height, cls: "mono" },
            { text: (rec.visible ? "visible" : "hidden") + (rec.pinned ? " pinned" : "") },
          ];
          cells.forEach((cell) => {
            const td = document.createElement("td");
            td.textContent = cell.text;
            if (cell.cls) { td.className = cell.cls; }
            tr.appendChild(td);
          });
          dom.recordRows.appendChild(tr);
        });
      }

      function renderContexts(summaries, connected) {
        dom.contextRows.innerHTML = "";
        const live = {};
        (connected || []).forEach((id) => { live[String(id)] = true; });
        if (!Array.isArray(summaries) || summaries.length === 0) {
          emptyRow(dom.contextRows, 3, "No contexts");
          return;
        }
        summaries.forEach((summary) => {
          const id = String(summary.contextId || "-");
          const tr = document.createElement("tr");
          const idCell = document.createElement("td");
          idCell.className = "mono";
          idCell.textContent = id;
          const countCell = document.createElement("td");
          countCell.textContent = String(summary.recordCount || 0);
          const liveCell = document.createElement("td");
          liveCell.className = live[id] ? "ok" : "dim";
          liveCell.textContent = live[id] ? "yes" : "no";
          tr.appendChild(idCell);
          tr.appendChild(countCell);
          tr.appendChild(liveCell);
          dom.contextRows.appendChild(tr);
        });
      }

      async function refresh() {
        setStatus("refreshing...", "warn");
        try {
          const [state, contexts, health] = await Promise.all([
            request("/v1/sync/state"),
            request("/v1/sync/contexts"),
            request("/health"),
          ]);
          const records = state.records || {};
          dom.globalRevision.textContent = String(state.globalRevision || 0);
          dom.recordCount.textContent = String(Object.keys(records).length);
          dom.contextCount.textContent = String((contexts.contexts || []).length);
          dom.clientCount.textContent = String(health.connectedClients || 0);
          renderRecords(records);
          renderContexts(contexts.contexts, contexts.connected);
          dom.lastUpdated.textContent = new Date().toLocaleTimeString();
          setStatus("ok", "ok");
          window.localStorage.setItem("tabsync_dashboard_token", dom.token.value.trim());
        } catch (err) {
          setStatus(String(err && err.message ? err.message : err), "err");
        }
      }

      function ensureTimer() {
        if (store.timer) {
          clearInterval(store.timer);
          store.timer = null;
        }
        if (!store.paused) {
          store.timer = setInterval(refresh, store.intervalMs);
        }
      }

      dom.refresh.addEventListener("click", refresh);
      dom.toggle.addEventListener("click", function () {
        store.paused = !store.paused;
        dom.toggle.textContent = store.paused ? "Resume Auto" : "Pause Auto";
        ensureTimer();
      });
      dom.token.addEventListener("change", refresh);

      dom.token.value = window.localStorage.getItem("tabsync_dashboard_token") || "";
      ensureTimer();
      refresh();
    })();
  </script>
</body>
</html>`

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = fmt.Fprint(w, dashboardHTML)
}
