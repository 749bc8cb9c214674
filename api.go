package freehp

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// API serves the single-route query contract from spec.md §4.6, plus a
// Prometheus /metrics endpoint and a small live /stats / /ws dashboard
// grounded on the teacher's web.go broadcast loop.
type API struct {
	manager *Manager
	cfg     *Config
	metrics *Metrics

	upgrader websocket.Upgrader

	clientsMu sync.Mutex
	clients   map[*websocket.Conn]bool
}

// NewAPI builds an API bound to manager. metrics may be nil to disable
// /metrics and request-latency recording.
func NewAPI(manager *Manager, cfg *Config, metrics *Metrics) *API {
	return &API{
		manager: manager,
		cfg:     cfg,
		metrics: metrics,
		clients: make(map[*websocket.Conn]bool),
	}
}

// Handler builds the full route table.
func (a *API) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/proxies", a.wrap("/proxies", a.handleProxies))
	mux.HandleFunc("/stats", a.wrap("/stats", a.handleStats))
	mux.HandleFunc("/ws", a.wrap("/ws", a.handleWS))
	mux.HandleFunc("/", a.wrap("/", a.handleIndex))
	if a.metrics != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(a.metrics.Registry(), promhttp.HandlerOpts{}))
	}
	return mux
}

// wrap times the handler and records it against APIRequestsTotal /
// APIRequestSeconds, matching spec.md §6's "response is JSON... 200 on
// success even when the array is empty" contract for /proxies while
// staying generic enough to wrap every route.
func (a *API) wrap(path string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		h(rec, r)
		if a.metrics != nil {
			a.metrics.RecordAPIRequest(path, statusClass(rec.status), time.Since(start))
		}
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func statusClass(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	default:
		return "2xx"
	}
}

// handleProxies implements GET /proxies?count=&detail&order=&https&post&min_anonymity=.
func (a *API) handleProxies(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	count, _ := strconv.Atoi(q.Get("count"))
	order := q.Get("order")
	_, detail := q["detail"]
	_, httpsOnly := q["https"]
	_, postOnly := q["post"]
	minAnonymity, _ := strconv.Atoi(q.Get("min_anonymity"))

	views := a.manager.Proxies(count, order, httpsOnly, postOnly, minAnonymity)

	w.Header().Set("Content-Type", "application/json; charset=utf-8")

	if !detail {
		addresses := make([]string, len(views))
		for i, v := range views {
			addresses[i] = v.Address
		}
		json.NewEncoder(w).Encode(addresses)
		return
	}

	raw := make([]json.RawMessage, len(views))
	for i, v := range views {
		b, err := v.detailJSON(int64(a.cfg.CheckInterval))
		if err != nil {
			http.Error(w, "encoding proxy detail failed", http.StatusInternalServerError)
			return
		}
		raw[i] = b
	}
	json.NewEncoder(w).Encode(raw)
}

// handleStats serves a one-shot JSON snapshot of tier sizes.
func (a *API) handleStats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	json.NewEncoder(w).Encode(a.manager.Stats())
}

// handleWS upgrades to a WebSocket and registers the connection to
// receive periodic stats broadcasts (see Run).
func (a *API) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("freehp: websocket upgrade failed: %v", err)
		return
	}

	a.clientsMu.Lock()
	a.clients[conn] = true
	a.clientsMu.Unlock()
}

// handleIndex serves a minimal inlined dashboard page rather than
// reading a template file off disk, so the binary has no runtime
// dependency on an asset directory being present alongside it.
func (a *API) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write([]byte(dashboardHTML))
}

// Run broadcasts a stats snapshot to every connected dashboard client
// every interval, until ctx is done. Disconnected clients are pruned on
// the next failed write.
func (a *API) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.broadcastStats()
		}
	}
}

func (a *API) broadcastStats() {
	body, err := json.Marshal(a.manager.Stats())
	if err != nil {
		return
	}

	a.clientsMu.Lock()
	defer a.clientsMu.Unlock()
	for conn := range a.clients {
		if err := conn.WriteMessage(websocket.TextMessage, body); err != nil {
			conn.Close()
			delete(a.clients, conn)
		}
	}
}

const dashboardHTML = `<!DOCTYPE html>
<html>
<head><title>freehp</title></head>
<body>
<h1>freehp</h1>
<pre id="stats">connecting...</pre>
<script>
  var ws = new WebSocket("ws://" + location.host + "/ws");
  ws.onmessage = function(evt) {
    document.getElementById("stats").textContent = evt.data;
  };
</script>
</body>
</html>
`
