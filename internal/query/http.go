package query

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/roach88/rill/internal/ir"
	"github.com/roach88/rill/internal/metrics"
	"github.com/roach88/rill/internal/table"
)

// SessionHeader carries the session id on HTTP requests and responses.
const SessionHeader = "X-Rill-Session"

// writeWait bounds a single websocket write.
const writeWait = 5 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// errorBody is the JSON shape of every HTTP error.
type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// PushMessage is one websocket frame of a change feed.
type PushMessage struct {
	Type   string        `json:"type"` // change or error
	Change *table.Change `json:"change,omitempty"`
	Error  string        `json:"error,omitempty"`
}

// Handler returns the HTTP API:
//
//	GET /query/{table}/{key}  point lookup
//	GET /tables               table names
//	GET /push/{table}         websocket change feed
//	GET /metrics              Prometheus metrics
//	GET /healthz              503 while any table is degraded or recovering
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /query/{table}/{key...}", s.handleLookup)
	mux.HandleFunc("GET /tables", s.handleTables)
	mux.HandleFunc("GET /push/{table}", s.handlePush)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /healthz", s.handleHealth)
	return mux
}

func (s *Server) handleLookup(w http.ResponseWriter, r *http.Request) {
	sess := s.Session(r.Header.Get(SessionHeader))
	w.Header().Set(SessionHeader, sess.ID)

	res, err := s.Lookup(r.Context(), sess, r.PathValue("table"), ir.ParseKey(r.PathValue("key")))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleTables(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]string{"tables": s.Tables()})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	degraded, recovering := map[string]string{}, map[string]string{}
	for _, name := range s.catalog.Tables() {
		t, ok := s.catalog.Table(name)
		if !ok {
			continue
		}
		if err := t.Degraded(); err != nil {
			degraded[name] = err.Error()
		} else if err := t.Recovering(); err != nil {
			recovering[name] = err.Error()
		}
	}
	switch {
	case len(degraded) > 0:
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "degraded", "tables": degraded})
		return
	case len(recovering) > 0:
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "recovering", "tables": recovering})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handlePush streams every committed change of a table in commit order.
// A subscriber that falls behind is disconnected with an error frame.
func (s *Server) handlePush(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("table")
	tbl, ok := s.catalog.Table(name)
	if !ok {
		writeError(w, ErrTableNotFound)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return // Upgrade already replied
	}
	defer func() { _ = conn.Close() }()

	changes, cancel := tbl.Subscribe(s.buffer)
	defer cancel()
	metrics.PushSubscribers.Inc()
	defer metrics.PushSubscribers.Dec()
	s.logger.Debug("push subscriber connected", "table", name, "remote", r.RemoteAddr)

	// Reads only detect the client going away.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-gone:
			return
		case <-r.Context().Done():
			return
		case c, ok := <-changes:
			if !ok {
				send(conn, PushMessage{Type: "error", Error: "subscriber fell behind"})
				return
			}
			if err := send(conn, PushMessage{Type: "change", Change: &c}); err != nil {
				return
			}
		}
	}
}

func send(conn *websocket.Conn, msg PushMessage) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(msg)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status, code := http.StatusInternalServerError, "INTERNAL"
	switch {
	case errors.Is(err, ErrTableNotFound):
		status, code = http.StatusNotFound, "TABLE_NOT_FOUND"
	case errors.Is(err, ErrNotFound):
		status, code = http.StatusNotFound, "NOT_FOUND"
	case errors.Is(err, ErrTimeout):
		status, code = http.StatusGatewayTimeout, "TIMEOUT"
	case errors.Is(err, ErrDegraded):
		status, code = http.StatusServiceUnavailable, "DEGRADED"
	case errors.Is(err, ErrUnavailable):
		status, code = http.StatusServiceUnavailable, "UNAVAILABLE"
	}
	writeJSON(w, status, errorBody{Error: err.Error(), Code: code})
}
