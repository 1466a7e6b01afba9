package peer

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/xiaoxuxiansheng/goxa"
	"github.com/xiaoxuxiansheng/goxa/log"
)

// Server 将远端协调者的请求转交给本地协调者
type Server struct {
	inbound goxa.Inbound
	handler http.Handler
}

func NewServer(inbound goxa.Inbound) *Server {
	s := &Server{inbound: inbound}
	mux := http.NewServeMux()
	mux.HandleFunc("POST "+pathPrepare, s.handleXid(inbound.OrderPrepare))
	mux.HandleFunc("POST "+pathCommit, s.handleXid(inbound.OrderCommit))
	mux.HandleFunc("POST "+pathRollback, s.handleXid(inbound.OrderRollback))
	mux.HandleFunc("POST "+pathReady, s.handleXid(inbound.NotifyReady))
	mux.HandleFunc("POST "+pathDone, s.handleXid(inbound.NotifyDone))
	mux.HandleFunc("POST "+pathRetry, s.handleRetry)
	mux.HandleFunc("POST "+pathInDoubt, s.handleInDoubt)
	s.handler = otelhttp.NewHandler(mux, "goxa.peer")
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

func (s *Server) handleXid(do func(ctx context.Context, xid goxa.Xid) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, xid, ok := decodeXid(w, r)
		if !ok {
			return
		}
		if err := do(r.Context(), xid); err != nil {
			log.WarnContextf(r.Context(), "peer request failed, path: %s, xid: %s, from: %s, err: %v", r.URL.Path, xid, req.From, err)
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, struct{}{})
	}
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	req, xid, ok := decodeXid(w, r)
	if !ok {
		return
	}
	if req.From == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "missing from"})
		return
	}
	if err := s.inbound.Retry(r.Context(), req.From, xid); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, struct{}{})
}

func (s *Server) handleInDoubt(w http.ResponseWriter, r *http.Request) {
	var req xidRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.From == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "missing from"})
		return
	}
	xids, err := s.inbound.InDoubt(r.Context(), req.From)
	if err != nil {
		writeError(w, err)
		return
	}
	resp := inDoubtResponse{Xids: make([]string, 0, len(xids))}
	for _, xid := range xids {
		resp.Xids = append(resp.Xids, xid.String())
	}
	writeJSON(w, http.StatusOK, resp)
}

func decodeXid(w http.ResponseWriter, r *http.Request) (xidRequest, goxa.Xid, bool) {
	var req xidRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return req, goxa.Xid{}, false
	}
	xid, err := goxa.ParseXid(req.Xid)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return req, goxa.Xid{}, false
	}
	return req, xid, true
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, goxa.ErrInvalidXid):
		status = http.StatusBadRequest
	case errors.Is(err, goxa.ErrUnknownPeer):
		status = http.StatusNotFound
	case errors.Is(err, goxa.ErrStopped):
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
