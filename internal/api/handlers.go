package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kalambet/mediagraph/internal/graph"
	"github.com/kalambet/mediagraph/internal/storage"
	"github.com/kalambet/mediagraph/internal/task"
)

const maxRequestBodySize = 64 << 20 // graphs may still carry inline media

// Handler builds the REST router. When token is non-empty the /v1 surface
// requires bearer authentication; health and metrics stay open for probes.
func (s *Server) Handler(token string) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", handleHealth)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.metrics.Registry, promhttp.HandlerOpts{}))
	}

	r.Route("/v1", func(r chi.Router) {
		if token != "" {
			r.Use(BearerAuth(token))
		}

		r.Get("/graphs", s.handleListGraphs)
		r.Post("/graphs", s.handleCreateGraph)
		r.Get("/graphs/{id}", s.handleGetGraph)
		r.Put("/graphs/{id}", s.handleUpdateGraph)
		r.Delete("/graphs/{id}", s.handleDeleteGraph)

		r.Post("/graphs/{id}/nodes/{nodeID}/run", s.handleRunNode)
		r.Post("/graphs/{id}/nodes/{nodeID}/cancel", s.handleCancelNode)
		r.Get("/graphs/{id}/nodes/{nodeID}/status", s.handleNodeStatus)

		r.Get("/media/{id}", s.handleGetMedia)
		r.Post("/media/gc", s.handleMediaGC)
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func (s *Server) handleListGraphs(w http.ResponseWriter, r *http.Request) {
	graphs, err := s.ListGraphs()
	if err != nil {
		httpError(w, http.StatusInternalServerError, "api_error", "listing graphs: %v", err)
		return
	}
	writeJSON(w, map[string]any{"graphs": graphs})
}

type graphRequest struct {
	Name  string      `json:"name"`
	Graph graph.Graph `json:"graph"`
}

func (s *Server) handleCreateGraph(w http.ResponseWriter, r *http.Request) {
	var req graphRequest
	if !decodeBody(w, r, &req) {
		return
	}
	id, err := s.CreateGraph(req.Name, req.Graph)
	if err != nil {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid graph: %v", err)
		return
	}
	writeJSONStatus(w, http.StatusCreated, map[string]string{"id": id})
}

func (s *Server) handleGetGraph(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	name, g, err := s.GetGraph(r.Context(), id)
	if err != nil {
		graphError(w, id, err)
		return
	}
	writeJSON(w, map[string]any{"id": id, "name": name, "graph": g})
}

func (s *Server) handleUpdateGraph(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req graphRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := s.UpdateGraph(r.Context(), id, req.Name, req.Graph); err != nil {
		graphError(w, id, err)
		return
	}
	writeJSON(w, map[string]string{"id": id})
}

func (s *Server) handleDeleteGraph(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.DeleteGraph(r.Context(), id); err != nil {
		graphError(w, id, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRunNode(w http.ResponseWriter, r *http.Request) {
	id, nodeID := chi.URLParam(r, "id"), chi.URLParam(r, "nodeID")
	if err := s.RunNode(r.Context(), id, nodeID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			graphError(w, id, err)
			return
		}
		if errors.Is(err, task.ErrUnknownNode) {
			httpError(w, http.StatusNotFound, "invalid_request_error", "%v", err)
			return
		}
		httpError(w, http.StatusConflict, "invalid_request_error", "%v", err)
		return
	}
	writeJSONStatus(w, http.StatusAccepted, map[string]string{"status": string(graph.StatusProcessing)})
}

func (s *Server) handleCancelNode(w http.ResponseWriter, r *http.Request) {
	id, nodeID := chi.URLParam(r, "id"), chi.URLParam(r, "nodeID")
	if err := s.CancelNode(id, nodeID); err != nil {
		graphError(w, id, err)
		return
	}
	writeJSON(w, map[string]string{"status": string(graph.StatusIdle)})
}

func (s *Server) handleNodeStatus(w http.ResponseWriter, r *http.Request) {
	id, nodeID := chi.URLParam(r, "id"), chi.URLParam(r, "nodeID")
	status, errMsg, err := s.NodeStatus(id, nodeID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			graphError(w, id, err)
			return
		}
		httpError(w, http.StatusNotFound, "invalid_request_error", "%v", err)
		return
	}
	resp := map[string]string{"status": string(status)}
	if errMsg != "" {
		resp["error"] = errMsg
	}
	writeJSON(w, resp)
}

func (s *Server) handleGetMedia(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	data, mime, err := s.ResolveMedia(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "invalid_request_error", "media %s not found", id)
			return
		}
		httpError(w, http.StatusInternalServerError, "api_error", "resolving media: %v", err)
		return
	}
	w.Header().Set("Content-Type", mime)
	w.Header().Set("Cache-Control", "private, max-age=86400")
	w.Write(data)
}

func (s *Server) handleMediaGC(w http.ResponseWriter, r *http.Request) {
	var req struct {
		MaxAgeHours int `json:"maxAgeHours"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.MaxAgeHours <= 0 {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "maxAgeHours must be positive")
		return
	}
	removed, err := s.GCMedia(r.Context(), time.Duration(req.MaxAgeHours)*time.Hour)
	if err != nil {
		httpError(w, http.StatusInternalServerError, "api_error", "gc failed: %v", err)
		return
	}
	writeJSON(w, map[string]int{"removed": removed})
}

func graphError(w http.ResponseWriter, id string, err error) {
	if errors.Is(err, storage.ErrNotFound) {
		httpError(w, http.StatusNotFound, "invalid_request_error", "graph %s not found", id)
		return
	}
	httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func writeJSONStatus(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}
