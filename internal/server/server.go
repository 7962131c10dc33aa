// Package server exposes the operator HTTP surface: liveness plus per-symbol
// sync status and book snapshots.
package server

import (
	"net/http"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"github.com/depthstream/depthstream/internal/schema"
)

const (
	healthPath        = "/healthz"
	statusPath        = "/status"
	orderbookPrefix   = "/orderbook/"
	readHeaderTimeout = 5 * time.Second
)

// Fleet is the slice of the manager the handlers need.
type Fleet interface {
	Stats() []schema.SymbolStatus
	Get(exchange schema.Exchange, symbol string) *schema.Orderbook
	PublishDropped() uint64
}

type httpServer struct {
	fleet Fleet
}

// NewHandler builds the operator endpoint handler around a fleet.
func NewHandler(fleet Fleet) http.Handler {
	server := &httpServer{fleet: fleet}
	mux := http.NewServeMux()
	mux.Handle(healthPath, http.HandlerFunc(server.health))
	mux.Handle(statusPath, http.HandlerFunc(server.status))
	mux.Handle(orderbookPrefix, http.HandlerFunc(server.orderbook))
	return mux
}

// New wraps the handler in an http.Server bound to addr.
func New(addr string, fleet Fleet) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           NewHandler(fleet),
		ReadHeaderTimeout: readHeaderTimeout,
	}
}

func (s *httpServer) health(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// status reports every symbol's phase and counters. The process is healthy
// even when symbols are FAILED; that distinction belongs to the operator.
func (s *httpServer) status(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	stats := s.fleet.Stats()
	ready := 0
	for _, st := range stats {
		if st.Phase == schema.PhaseReady {
			ready++
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"symbols":         stats,
		"ready":           ready,
		"total":           len(stats),
		"publish_dropped": s.fleet.PublishDropped(),
	})
}

func (s *httpServer) orderbook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, orderbookPrefix), "/")
	exchange, symbol, ok := strings.Cut(rest, "/")
	if !ok || exchange == "" || symbol == "" {
		writeError(w, http.StatusNotFound, "want /orderbook/{exchange}/{symbol}")
		return
	}
	if !schema.Exchange(exchange).Valid() {
		writeError(w, http.StatusNotFound, "unknown exchange")
		return
	}
	book := s.fleet.Get(schema.Exchange(exchange), symbol)
	if book == nil {
		writeError(w, http.StatusNotFound, "no book for symbol")
		return
	}
	writeJSON(w, http.StatusOK, book)
}

func methodNotAllowed(w http.ResponseWriter) {
	w.Header().Set("Allow", http.MethodGet)
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"status": "error", "error": message})
}
