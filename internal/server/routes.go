package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/lazypower/persona/internal/engine"
	"github.com/lazypower/persona/internal/model"
)

const maxBody = 1 << 20

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBody)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json", "code": "invalid_record"})
		return false
	}
	return true
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	var req engine.IngestRequest
	if !decode(w, r, &req) {
		return
	}
	h, err := s.engine.Ingest(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	status := http.StatusAccepted
	if !h.Accepted {
		status = http.StatusOK
	}
	writeJSON(w, status, h)
}

func (s *Server) handleRemember(w http.ResponseWriter, r *http.Request) {
	var c model.Candidate
	if !decode(w, r, &c) {
		return
	}
	h, err := s.engine.Remember(r.Context(), c)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, h)
}

func (s *Server) handleRetrieve(w http.ResponseWriter, r *http.Request) {
	var req engine.RetrieveRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := s.engine.Retrieve(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleDecay(w http.ResponseWriter, r *http.Request) {
	report, err := s.engine.RunDecay(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// namespace reads the owner and kind path parameters.
func namespace(r *http.Request) (model.Namespace, string, error) {
	kind, err := model.ParseKind(chi.URLParam(r, "kind"))
	if err != nil {
		return model.Namespace{}, "", err
	}
	ns := model.Namespace{OwnerID: chi.URLParam(r, "ownerID"), Kind: kind}
	return ns, chi.URLParam(r, "id"), ns.Validate()
}

func (s *Server) handleGetMemory(w http.ResponseWriter, r *http.Request) {
	ns, id, err := namespace(r)
	if err != nil {
		writeError(w, err)
		return
	}
	rec, err := s.engine.Get(r.Context(), ns, id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleForget(w http.ResponseWriter, r *http.Request) {
	ns, id, err := namespace(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.engine.Forget(r.Context(), ns, id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "forgotten", "id": id})
}

type toggle struct {
	Enabled bool `json:"enabled"`
}

func (s *Server) handlePin(w http.ResponseWriter, r *http.Request) {
	s.handleToggle(w, r, s.engine.SetPinned)
}

func (s *Server) handleHold(w http.ResponseWriter, r *http.Request) {
	s.handleToggle(w, r, s.engine.SetLegalHold)
}

func (s *Server) handleToggle(w http.ResponseWriter, r *http.Request, set func(context.Context, model.Namespace, string, bool) (*model.Record, error)) {
	ns, id, err := namespace(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req toggle
	if !decode(w, r, &req) {
		return
	}
	rec, err := set(r.Context(), ns, id, req.Enabled)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// handleSignals streams lifecycle signals as server-sent events until the
// client goes away.
func (s *Server) handleSignals(w http.ResponseWriter, r *http.Request) {
	if s.signals == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "signal stream not enabled"})
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "streaming unsupported"})
		return
	}
	owner := r.URL.Query().Get("owner")

	ch, cancel := s.signals.Subscribe(64)
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	keepalive := time.NewTicker(30 * time.Second)
	defer keepalive.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepalive.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		case sig, ok := <-ch:
			if !ok {
				return
			}
			if owner != "" && sig.OwnerID != owner {
				continue
			}
			data, err := json.Marshal(sig)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", sig.Type, data)
			flusher.Flush()
		}
	}
}
