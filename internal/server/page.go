package server

// indexPage is the embedded status page. It paints from /api/status and then
// follows live frames over the websocket; the refresh button posts to
// /api/refresh.
const indexPage = `<!doctype html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>quotawatch</title>
<style>
  body { font-family: -apple-system, "Segoe UI", sans-serif; margin: 2rem auto; max-width: 42rem; color: #222; }
  h1 { font-size: 1.2rem; }
  table { border-collapse: collapse; width: 100%; margin-top: 1rem; }
  th, td { text-align: left; padding: .35rem .6rem; border-bottom: 1px solid #ddd; }
  .low { color: #b00020; font-weight: 600; }
  .unmatched { color: #888; }
  #error { color: #b00020; }
  #meta { color: #666; font-size: .85rem; margin-top: 1rem; }
  button { padding: .3rem .8rem; }
</style>
</head>
<body>
<h1>quotawatch</h1>
<div id="error"></div>
<table>
  <thead><tr><th>Group</th><th>Worst</th><th>Model</th></tr></thead>
  <tbody id="groups"></tbody>
</table>
<table>
  <thead><tr><th>Model</th><th>Remaining</th></tr></thead>
  <tbody id="models"></tbody>
</table>
<p id="meta"></p>
<button onclick="fetch('/api/refresh', {method: 'POST'})">Refresh now</button>
<script>
function esc(s) {
  return String(s).replace(/[&<>"]/g, c => ({'&':'&amp;','<':'&lt;','>':'&gt;','"':'&quot;'}[c]));
}
function render(st) {
  document.getElementById('error').textContent = st.lastError || '';
  document.getElementById('groups').innerHTML = (st.groups || []).map(g =>
    g.matched
      ? '<tr><td>' + esc(g.name) + '</td><td class="' + (g.worstPercent <= 20 ? 'low' : '') + '">' +
        g.worstPercent + '%</td><td>' + esc(g.worstDisplay || g.worstLabel || '') + '</td></tr>'
      : '<tr class="unmatched"><td>' + esc(g.name) + '</td><td>&ndash;</td><td></td></tr>'
  ).join('');
  document.getElementById('models').innerHTML = (st.records || []).map(r =>
    '<tr><td>' + esc(r.displayName || r.label) + '</td><td>' + r.percent + '%</td></tr>'
  ).join('');
  document.getElementById('meta').textContent =
    (st.refreshing ? 'refreshing… ' : 'next refresh in ' + st.nextRefreshSeconds + 's ') +
    '· quotawatch ' + st.version;
}
fetch('/api/status').then(r => r.json()).then(render);
const ws = new WebSocket('ws://' + location.host + '/ws');
ws.onmessage = ev => {
  const frame = JSON.parse(ev.data);
  if (frame.kind === 'status') render(frame.payload);
};
</script>
</body>
</html>
`
