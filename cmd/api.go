package main

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/momentumfirm/finhub/internal/model"
	"github.com/momentumfirm/finhub/internal/service"
)

// ingestRequest is the POST /api/facts payload. Entity, period and
// scenario at the top level name the snapshot; the fact rows carry
// their own cell provenance.
type ingestRequest struct {
	Entity   string       `json:"entity"`
	Period   string       `json:"period"`
	Scenario string       `json:"scenario"`
	Facts    []model.Fact `json:"facts"`
}

// exportRequest is the POST /api/exports payload.
type exportRequest struct {
	Entity   string `json:"entity"`
	Period   string `json:"period"`
	Scenario string `json:"scenario"`
	Kind     string `json:"kind"`
}

func handleHealth(svc *service.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := svc.Ping(r.Context()); err != nil {
			zap.L().Warn("health check: store unreachable", zap.Error(err))
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

func handleStatus(svc *service.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snap, err := svc.Snapshot(r.Context())
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, snap)
	}
}

func handleIngest(svc *service.Service, limiter *rate.Limiter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !limiter.Allow() {
			writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "ingest rate limit exceeded"})
			return
		}

		var req ingestRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
			return
		}

		snapshotID, err := svc.Ingest(r.Context(), req.Entity, req.Period, req.Scenario, req.Facts)
		if err != nil {
			writeError(w, r, err)
			return
		}

		writeJSON(w, http.StatusCreated, map[string]string{"snapshot_id": snapshotID})
	}
}

func handleReset(svc *service.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := svc.Reset(r.Context()); err != nil {
			writeError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func handlePeriods(svc *service.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		entity := r.URL.Query().Get("entity")
		scenario := r.URL.Query().Get("scenario")

		periods, err := svc.Periods(r.Context(), entity, scenario)
		if err != nil {
			writeError(w, r, err)
			return
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"entity":  entity,
			"periods": periods,
		})
	}
}

func handleMetrics(svc *service.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		view, err := svc.Metrics(r.Context(), q.Get("entity"), q.Get("period"), q.Get("scenario"))
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, view)
	}
}

func handleVariance(svc *service.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		b, err := svc.Variance(r.Context(), q.Get("entity"), q.Get("from"), q.Get("to"), q.Get("scenario"), q.Get("target"))
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, b)
	}
}

func handleCreateExport(svc *service.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req exportRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
			return
		}

		view, err := svc.CreateExport(r.Context(), req.Entity, req.Period, req.Scenario, model.ExportKind(req.Kind))
		if err != nil {
			writeError(w, r, err)
			return
		}

		writeJSON(w, http.StatusAccepted, view)
	}
}

func handleExportStatus(svc *service.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		view, err := svc.ExportStatus(r.Context(), chi.URLParam(r, "jobID"))
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, view)
	}
}

func handleDownload(svc *service.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		filename, artifact, err := svc.DownloadExport(r.Context(), chi.URLParam(r, "jobID"))
		if err != nil {
			writeError(w, r, err)
			return
		}

		w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
		w.Header().Set("Content-Disposition", `attachment; filename="`+filename+`"`)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(artifact)
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// writeError maps domain errors onto HTTP status codes. Anything
// unrecognized logs its wrap chain and surfaces as a bare 500.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case model.IsValidation(err):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
	case errors.Is(err, model.ErrJobNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "export job not found"})
	case errors.Is(err, model.ErrArtifactNotReady):
		writeJSON(w, http.StatusConflict, map[string]string{"error": "export artifact not ready"})
	default:
		zap.L().Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
	}
}
