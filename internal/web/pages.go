package web

const faviconTag = `<link rel="icon" href="data:image/svg+xml,<svg xmlns='http://www.w3.org/2000/svg' viewBox='0 0 100 100'><text y='.9em' font-size='90'>🐦</text></svg>">`

const baseStyle = `
  * { margin: 0; padding: 0; box-sizing: border-box; }
  body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', sans-serif; background: #0b1a14; color: #e6f2ea; min-height: 100vh; }
  h1 { color: #00ff7f; }
  .btn { padding: 10px 16px; border: none; border-radius: 8px; font-size: 14px; font-weight: bold; cursor: pointer; }
  .btn:hover { opacity: 0.85; }
  .btn-start { background: #00ff7f; color: #000; }
  .btn-stop { background: #ff8a3c; color: #000; }
  .btn-ghost { background: transparent; border: 1px solid #3a5a4a; color: #9fbfae; }
`

const loginHTML = `<!DOCTYPE html>
<html lang="es">
<head>
<meta charset="UTF-8">
<meta name="viewport" content="width=device-width, initial-scale=1.0">
<title>Birdsong</title>
` + faviconTag + `
<style>` + baseStyle + `
  body { display: flex; align-items: center; justify-content: center; }
  .login-box { background: #12281e; border-radius: 16px; padding: 40px; width: 360px; }
  h1 { text-align: center; margin-bottom: 30px; font-size: 22px; }
  .field { margin-bottom: 20px; }
  label { display: block; margin-bottom: 6px; font-size: 14px; color: #9fbfae; }
  input { width: 100%; padding: 12px; border: 1px solid #2a4a3a; border-radius: 8px; background: #0b1a14; color: #e6f2ea; font-size: 16px; outline: none; }
  input:focus { border-color: #00ff7f; }
  .btn { width: 100%; }
  .error { color: #ff8a3c; text-align: center; margin-top: 15px; font-size: 14px; display: none; }
</style>
</head>
<body>
<div class="login-box">
  <h1>🐦 Birdsong</h1>
  <form id="loginForm">
    <div class="field">
      <label>Usuario</label>
      <input type="text" name="username" autocomplete="username" required>
    </div>
    <div class="field">
      <label>Contraseña</label>
      <input type="password" name="password" autocomplete="current-password" required>
    </div>
    <button type="submit" class="btn btn-start">Entrar</button>
    <div class="error" id="error"></div>
  </form>
</div>
<script>
document.getElementById('loginForm').onsubmit = async function(e) {
  e.preventDefault();
  var res = await fetch('/api/login', { method: 'POST', body: new URLSearchParams(new FormData(e.target)) });
  if (res.ok) { window.location.href = '/'; return; }
  var el = document.getElementById('error');
  el.textContent = 'Usuario o contraseña incorrectos';
  el.style.display = 'block';
};
</script>
</body>
</html>`

const indexHTML = `<!DOCTYPE html>
<html lang="es">
<head>
<meta charset="UTF-8">
<meta name="viewport" content="width=device-width, initial-scale=1.0">
<title>Birdsong · Campo</title>
` + faviconTag + `
<style>` + baseStyle + `
  body { padding: 20px; }
  .header { display: flex; justify-content: space-between; align-items: center; margin-bottom: 20px; flex-wrap: wrap; gap: 10px; }
  .controls { display: flex; gap: 8px; flex-wrap: wrap; }
  .grid { display: grid; grid-template-columns: repeat(auto-fit, minmax(320px, 1fr)); gap: 20px; }
  .card { background: #12281e; border-radius: 12px; padding: 20px; }
  .card h2 { font-size: 16px; color: #9fbfae; margin-bottom: 12px; }
  .meter { height: 14px; border-radius: 7px; background: #0b1a14; overflow: hidden; margin-bottom: 12px; }
  .meter div { height: 100%; background: linear-gradient(90deg, #ff8a3c, #ff00ff, #00ff7f); width: 0; transition: width 0.1s; }
  .current { font-size: 22px; min-height: 60px; }
  .current small { display: block; font-size: 13px; color: #9fbfae; font-style: italic; }
  .stats { display: flex; gap: 20px; font-size: 13px; color: #9fbfae; }
  .stats b { color: #e6f2ea; font-size: 18px; display: block; }
  table { width: 100%; border-collapse: collapse; font-size: 13px; }
  td, th { padding: 6px; text-align: left; border-bottom: 1px solid #1e3a2c; }
  th { color: #9fbfae; font-weight: normal; }
  .band-low { color: #ff8a3c; } .band-mid { color: #ff00ff; } .band-high { color: #00ff7f; }
  canvas { width: 100%; height: 320px; background: #050d0a; border-radius: 8px; }
</style>
</head>
<body>
<div class="header">
  <h1>🐦 Birdsong · escucha de campo</h1>
  <div class="controls">
    <button class="btn btn-start" id="startBtn" onclick="post('/api/start')">▶️ Escuchar</button>
    <button class="btn btn-stop" id="stopBtn" onclick="post('/api/stop')">⏹ Detener</button>
    <button class="btn btn-ghost" id="pauseBtn" onclick="post('/api/pause')">⏸ Pausa</button>
    <button class="btn btn-ghost" onclick="post('/api/reset')">↺ Reiniciar</button>
    <a class="btn btn-ghost" href="/api/export.csv">⬇ CSV</a>
    <a class="btn btn-ghost" href="/api/logout">Salir</a>
  </div>
</div>
<div class="grid">
  <div class="card">
    <h2>Nivel</h2>
    <div class="meter"><div id="level"></div></div>
    <div class="current" id="current">Esperando canto…</div>
    <div class="stats">
      <div><b id="duration">0</b>segundos</div>
      <div><b id="events">0</b>eventos</div>
      <div><b id="transitions">0</b>transiciones</div>
    </div>
  </div>
  <div class="card">
    <h2>Constelación</h2>
    <canvas id="graph" width="640" height="320"></canvas>
  </div>
  <div class="card">
    <h2>Registro</h2>
    <table><thead><tr><th>Hora</th><th>Especie</th><th>Banda</th><th>Energía</th><th>Conf.</th></tr></thead>
    <tbody id="log"></tbody></table>
  </div>
  <div class="card">
    <h2>Sesiones archivadas</h2>
    <table><thead><tr><th>Sesión</th><th>Inicio</th><th>Eventos</th><th></th></tr></thead>
    <tbody id="sessions"></tbody></table>
  </div>
  <div class="card">
    <h2>Archivos exportados</h2>
    <table><thead><tr><th>Archivo</th><th>Tamaño</th><th>Modificado</th></tr></thead>
    <tbody id="exports"></tbody></table>
  </div>
</div>
<script>
function esc(s) { var d = document.createElement('div'); d.textContent = s == null ? '' : String(s); return d.innerHTML; }

async function post(url) {
  var res = await fetch(url, { method: 'POST' });
  if (res.status === 401) { window.location.href = '/login'; return; }
  refresh();
}

function renderStatus(s) {
  document.getElementById('level').style.width = (s.level || 0) + '%';
  document.getElementById('pauseBtn').textContent = s.paused ? '▶️ Reanudar' : '⏸ Pausa';
  document.getElementById('startBtn').disabled = s.listening;
  document.getElementById('stopBtn').disabled = !s.listening;
  if (s.summary) {
    document.getElementById('duration').textContent = s.summary.duration_s;
    document.getElementById('events').textContent = s.summary.events;
    document.getElementById('transitions').textContent = s.summary.transitions;
  }
  if (s.current) renderCurrent(s.current);
}

function renderCurrent(d) {
  document.getElementById('current').innerHTML = esc(d.emoji) + ' ' + esc(d.common_name_es) +
    '<small>' + esc(d.scientific_name) + ' · ' + d.confidence + '%</small>';
}

function renderLog(entries) {
  document.getElementById('log').innerHTML = entries.map(function(e) {
    return '<tr><td>' + new Date(e.timestamp).toLocaleTimeString() + '</td><td>' + esc(e.common_name_es) +
      '</td><td class="band-' + esc(e.band) + '">' + esc(e.band) + '</td><td>' + e.energy + '</td><td>' + e.confidence + '%</td></tr>';
  }).join('');
}

function renderSessions(list) {
  document.getElementById('sessions').innerHTML = list.map(function(s) {
    return '<tr><td>' + esc(s.id) + '</td><td>' + new Date(s.started_at).toLocaleString() + '</td><td>' + s.events +
      '</td><td><a href="/api/export.csv?session=' + encodeURIComponent(s.id) + '">CSV</a></td></tr>';
  }).join('');
}

function renderExports(list) {
  document.getElementById('exports').innerHTML = list.map(function(f) {
    return '<tr><td><a href="/exports/' + encodeURIComponent(f.name) + '">' + esc(f.name) + '</a></td><td>' +
      (f.size / 1024).toFixed(1) + ' KB</td><td>' + esc(f.mod_time) + '</td></tr>';
  }).join('');
}

function renderGraph(g) {
  var c = document.getElementById('graph'), ctx = c.getContext('2d');
  ctx.clearRect(0, 0, c.width, c.height);
  var byId = {};
  g.nodes.forEach(function(n) { byId[n.id] = n; });
  function px(n) { return [c.width / 2 + n.x + n.z * 0.3, c.height / 2 - n.y]; }
  ctx.strokeStyle = 'rgba(200,255,220,0.15)';
  g.edges.forEach(function(e) {
    var a = byId[e.from], b = byId[e.to];
    if (!a || !b) return;
    var p = px(a), q = px(b);
    ctx.beginPath(); ctx.moveTo(p[0], p[1]); ctx.lineTo(q[0], q[1]); ctx.stroke();
  });
  g.nodes.forEach(function(n) {
    var p = px(n);
    ctx.fillStyle = n.color;
    ctx.beginPath(); ctx.arc(p[0], p[1], n.size, 0, Math.PI * 2); ctx.fill();
  });
}

async function getJSON(url) {
  var res = await fetch(url);
  if (res.status === 401) { window.location.href = '/login'; throw new Error('unauthorized'); }
  return res.json();
}

async function refresh() {
  renderStatus(await getJSON('/api/status'));
  renderLog(await getJSON('/api/log?n=30'));
  renderGraph(await getJSON('/api/graph'));
  renderSessions(await getJSON('/api/sessions'));
  renderExports(await getJSON('/api/exports'));
}

function connect() {
  var ws = new WebSocket((location.protocol === 'https:' ? 'wss://' : 'ws://') + location.host + '/ws');
  ws.onmessage = function(ev) {
    var m = JSON.parse(ev.data);
    if (m.type === 'detection') { renderCurrent(m.data); refresh(); }
    if (m.type === 'status') renderStatus(m.data);
  };
  ws.onclose = function() { setTimeout(connect, 2000); };
}

refresh();
connect();
setInterval(async function() { renderStatus(await getJSON('/api/status')); }, 500);
</script>
</body>
</html>`
