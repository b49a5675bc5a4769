package hub

import (
	"encoding/json"
	"net/http"
)

const bannerText = "mrmd-sync: real-time collaborative markdown sync hub\n"

// corsMiddleware applies the CORS headers and OPTIONS handling shared by
// every control-plane and socket-upgrade response.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "*")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type healthResponse struct {
	Status       string `json:"status"`
	ShuttingDown bool   `json:"shutting_down"`
}

func (h *Hub) handleHealth(w http.ResponseWriter, r *http.Request) {
	down := h.isShuttingDown()
	resp := healthResponse{Status: "healthy", ShuttingDown: down}
	w.Header().Set("Content-Type", "application/json")
	if down {
		resp.Status = "shutting_down"
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(resp)
}

func (h *Hub) handleMetrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(h.metrics.snapshot())
}

type docStat struct {
	Name        string `json:"name"`
	Connections int    `json:"connections"`
	Path        string `json:"path"`
}

type statsResponse struct {
	snapshot
	Documents []docStat    `json:"documents"`
	Config    configMirror `json:"config"`
}

type configMirror struct {
	Dir                  string `json:"dir"`
	Port                 int    `json:"port"`
	DebounceMs           int    `json:"debounceMs"`
	MaxConnections       int    `json:"maxConnections"`
	MaxConnectionsPerDoc int    `json:"maxConnectionsPerDoc"`
	StorageKind          string `json:"storage"`
}

func (h *Hub) handleStats(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	docs := make([]docStat, 0, len(h.docs))
	for name, entry := range h.docs {
		docs = append(docs, docStat{
			Name:        name,
			Connections: entry.coord.ConnectionCount(),
			Path:        name,
		})
	}
	h.mu.Unlock()

	resp := statsResponse{
		snapshot:  h.metrics.snapshot(),
		Documents: docs,
		Config: configMirror{
			Dir:                  h.cfg.Dir,
			Port:                 h.cfg.Port,
			DebounceMs:           h.cfg.DebounceMs,
			MaxConnections:       h.cfg.MaxConnections,
			MaxConnectionsPerDoc: h.cfg.MaxConnectionsPerDoc,
			StorageKind:          h.cfg.StorageKind,
		},
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func (h *Hub) handleBanner(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write([]byte(bannerText))
}
