package service

import (
	"encoding/json"
	"net/http"

	"github.com/showito/realtime/errors"
	"github.com/showito/realtime/message"
)

// buildMux assembles the control API. Ingest endpoints share one token
// bucket; invalid payloads map to 400, throttle-bucket exhaustion to 429.
func (s *Service) buildMux() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /ingest/price", ingestHandler(s, func(p message.PricePayload) error {
		return s.IngestPriceUpdate(p)
	}))
	mux.HandleFunc("POST /ingest/sale", ingestHandler(s, func(p message.SalePayload) error {
		return s.IngestSaleData(p)
	}))
	mux.HandleFunc("POST /ingest/whale", ingestHandler(s, func(p message.WhalePayload) error {
		return s.IngestWhaleMovement(p)
	}))
	mux.HandleFunc("POST /ingest/alert", ingestHandler(s, func(p message.AlertPayload) error {
		return s.TriggerAlert(p)
	}))

	mux.HandleFunc("GET /status", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, s.Status())
	})

	mux.HandleFunc("GET /snapshot", func(w http.ResponseWriter, r *http.Request) {
		key := r.URL.Query().Get("entity")
		if key == "" {
			writeError(w, http.StatusBadRequest, "entity query parameter required")
			return
		}
		update, ok := s.Snapshot(key)
		if !ok {
			writeError(w, http.StatusNotFound, "no snapshot for entity")
			return
		}
		writeJSON(w, http.StatusOK, update)
	})

	if s.registry != nil {
		mux.Handle("GET /metrics", s.registry.Handler())
	}

	return mux
}

// ingestHandler decodes one payload type and feeds it to the pipeline.
func ingestHandler[P any](s *Service, ingest func(P) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Allow() {
			writeError(w, http.StatusTooManyRequests, "ingest rate exceeded")
			return
		}

		var payload P
		dec := json.NewDecoder(r.Body)
		dec.DisallowUnknownFields()
		if err := dec.Decode(&payload); err != nil {
			writeError(w, http.StatusBadRequest, "malformed payload: "+err.Error())
			return
		}

		if err := ingest(payload); err != nil {
			if errors.IsInvalid(err) {
				writeError(w, http.StatusBadRequest, err.Error())
				return
			}
			s.logger.Error("ingest failed", "component", "service", "error", err)
			writeError(w, http.StatusInternalServerError, "ingest failed")
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
