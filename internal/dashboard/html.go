package dashboard

const indexHTML = `
<!DOCTYPE html>
<html>
<head>
    <title>Vision Dashboard</title>
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <script src="https://cdn.jsdelivr.net/npm/chart.js@4.4.1/dist/chart.umd.min.js"></script>
    <style>
        body { margin:0; font-family: system-ui, sans-serif; background:#111827; color:#e5e7eb; }
        .app { max-width: 1280px; margin: 0 auto; padding: 16px; }
        .header { display:flex; justify-content:space-between; align-items:center; margin-bottom:16px; }
        .title { font-size: 22px; font-weight: 600; }
        .badge { padding: 4px 10px; border-radius: 12px; font-size: 12px; background:#374151; }
        .badge.ready { background:#065f46; }
        .badge.paused { background:#92400e; }
        .grid { display:grid; grid-template-columns: 3fr 2fr; gap:16px; }
        .panel { background:#1f2937; border-radius:8px; padding:12px; }
        .panel h2 { margin:0 0 8px 0; font-size:16px; }
        .video { position:relative; width:100%; background:#000; }
        .video img { width:100%; height:auto; display:block; }
        .video #overlay { position:absolute; top:0; left:0; pointer-events:none; }
        .cards { display:grid; grid-template-columns: repeat(4, 1fr); gap:8px; margin-top:12px; }
        .card { background:#111827; border-radius:6px; padding:8px; text-align:center; }
        .card .value { font-size:20px; font-weight:600; }
        .card .label { font-size:11px; color:#9ca3af; }
        .charts { display:grid; grid-template-columns: 1fr 1fr; gap:12px; margin-top:16px; }
        .screen { position:fixed; inset:0; display:flex; flex-direction:column; align-items:center;
                  justify-content:center; background:#111827; z-index:10; }
        .screen.hidden { display:none; }
        .screen .message { margin-top:12px; color:#9ca3af; max-width: 600px; text-align:center; }
        .screen.error .message { color:#fca5a5; }
        ul.classes { list-style:none; padding:0; margin:0; }
        ul.classes li { display:flex; justify-content:space-between; padding:4px 0; border-bottom:1px solid #374151; }
        button { background:#374151; color:#e5e7eb; border:0; border-radius:4px; padding:4px 10px; cursor:pointer; }
    </style>
</head>
<body>
    <div class="screen" id="loading-screen">
        <div class="title">Loading models and camera...</div>
        <div class="message" id="loading-message">Waiting for the service</div>
    </div>
    <div class="screen error hidden" id="error-screen">
        <div class="title">Unable to start</div>
        <div class="message" id="error-message"></div>
    </div>

    <div class="app">
        <div class="header">
            <div class="title">Vision Dashboard</div>
            <div>
                <button type="button" id="btn-pause">Pause</button>
                <button type="button" id="btn-resume">Resume</button>
                <span class="badge" id="status-badge">Waiting for data...</span>
            </div>
        </div>

        <div class="grid">
            <div class="panel">
                <h2>Live Feed</h2>
                <div class="video">
                    <img id="stream" alt="Live stream">
                    <img id="overlay" alt="">
                </div>
                <div class="cards">
                    <div class="card"><div class="value" id="stat-total">0</div><div class="label">Total detections</div></div>
                    <div class="card"><div class="value" id="stat-avg">0%</div><div class="label">Avg confidence</div></div>
                    <div class="card"><div class="value" id="stat-fps">0</div><div class="label">FPS</div></div>
                    <div class="card"><div class="value" id="stat-latency">0 ms</div><div class="label">Latency</div></div>
                </div>
            </div>
            <div class="panel">
                <h2>Classification</h2>
                <ul class="classes" id="classes"></ul>
            </div>
        </div>

        <div class="charts">
            <div class="panel"><h2>Detections over time</h2><canvas id="chart-window"></canvas></div>
            <div class="panel"><h2>Classes</h2><canvas id="chart-classes"></canvas></div>
            <div class="panel"><h2>Confidence</h2><canvas id="chart-confidence"></canvas></div>
            <div class="panel"><h2>Counts</h2><canvas id="chart-counts"></canvas></div>
        </div>
    </div>

    <script>
    (function () {
        const $ = (id) => document.getElementById(id);
        const buckets = ['0-10%','10-20%','20-30%','30-40%','40-50%','50-60%','60-70%','70-80%','80-90%','90-100%'];

        const windowChart = new Chart($('chart-window'), {
            type: 'line',
            data: { labels: [], datasets: [
                { label: 'Detections', data: [], borderColor: '#60a5fa', yAxisID: 'y' },
                { label: 'Avg confidence', data: [], borderColor: '#34d399', yAxisID: 'y1' },
            ]},
            options: { animation: false, scales: { y: { beginAtZero: true }, y1: { position: 'right', min: 0, max: 1 } } },
        });
        const classChart = new Chart($('chart-classes'), {
            type: 'bar',
            data: { labels: [], datasets: [{ label: 'Count', data: [], backgroundColor: '#60a5fa' }] },
            options: { animation: false, scales: { y: { beginAtZero: true } } },
        });
        const confidenceChart = new Chart($('chart-confidence'), {
            type: 'pie',
            data: { labels: buckets, datasets: [{ data: buckets.map(() => 0),
                backgroundColor: buckets.map((_, i) => 'hsl(' + (i * 12) + ',100%,50%)') }] },
            options: { animation: false },
        });
        const countsChart = new Chart($('chart-counts'), {
            type: 'bar',
            data: { labels: [], datasets: [{ label: 'Detections per cycle', data: [], backgroundColor: '#a78bfa' }] },
            options: { animation: false, scales: { y: { beginAtZero: true } } },
        });

        function render(state) {
            $('stat-total').textContent = state.totals.total_detections;
            $('stat-avg').textContent = Math.round(state.totals.average_confidence * 100) + '%';
            $('stat-fps').textContent = state.performance.fps.toFixed(1);
            $('stat-latency').textContent = state.performance.latency_ms.toFixed(0) + ' ms';

            const list = $('classes');
            list.innerHTML = '';
            (state.classifications || []).forEach((c) => {
                const li = document.createElement('li');
                li.innerHTML = '<span></span><span></span>';
                li.children[0].textContent = c.label;
                li.children[1].textContent = (c.probability * 100).toFixed(1) + '%';
                list.appendChild(li);
            });

            const win = state.window || [];
            const labels = win.map((e) => new Date(e.timestamp).toLocaleTimeString());
            windowChart.data.labels = labels;
            windowChart.data.datasets[0].data = win.map((e) => e.detection_count);
            windowChart.data.datasets[1].data = win.map((e) => e.average_confidence);
            windowChart.update();

            const classes = state.class_histogram || {};
            classChart.data.labels = Object.keys(classes);
            classChart.data.datasets[0].data = Object.values(classes);
            classChart.update();

            const conf = state.confidence_histogram || {};
            confidenceChart.data.datasets[0].data = buckets.map((b) => conf[b] || 0);
            confidenceChart.update();

            countsChart.data.labels = labels;
            countsChart.data.datasets[0].data = win.map((e) => e.detection_count);
            countsChart.update();

            $('overlay').src = '/api/overlay.png?cycle=' + state.cycle;
        }

        function showReadiness(r) {
            const badge = $('status-badge');
            badge.className = 'badge';
            if (r.phase === 'error') {
                $('loading-screen').classList.add('hidden');
                $('error-screen').classList.remove('hidden');
                $('error-message').textContent = r.message;
                return false;
            }
            if (r.phase !== 'ready') {
                $('loading-message').textContent = r.message || 'Waiting for the service';
                return false;
            }
            $('loading-screen').classList.add('hidden');
            $('error-screen').classList.add('hidden');
            badge.textContent = r.loop.state;
            badge.classList.add(r.loop.state === 'paused' ? 'paused' : 'ready');
            return true;
        }

        let streaming = false;
        function startStreams() {
            if (streaming) return;
            streaming = true;
            $('stream').src = '/stream?overlay=0';
            const events = new EventSource('/api/state/stream');
            events.onmessage = (ev) => render(JSON.parse(ev.data));
        }

        async function poll() {
            try {
                const res = await fetch('/api/status');
                const body = await res.json();
                if (showReadiness(body.readiness)) {
                    startStreams();
                }
                if (body.readiness.phase === 'error') return;
            } catch (e) {
                $('loading-message').textContent = 'Service unreachable';
            }
            setTimeout(poll, 1000);
        }

        $('btn-pause').onclick = () => fetch('/api/loop/pause', { method: 'POST' });
        $('btn-resume').onclick = () => fetch('/api/loop/resume', { method: 'POST' });
        poll();
    })();
    </script>
</body>
</html>
`
