package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/tphummel/node_heartbeat/internal/db"
	"github.com/tphummel/node_heartbeat/internal/metrics"
	"github.com/tphummel/node_heartbeat/internal/middleware"
	"github.com/tphummel/node_heartbeat/internal/models"
)

const maxBodyBytes = 64 * 1024

// RegisteredMessage is the confirmation returned for every accepted heartbeat.
const RegisteredMessage = "Node registered/updated successfully"

// Handler holds shared dependencies for HTTP handlers.
type Handler struct {
	DB      db.Store
	Logger  *slog.Logger
	Version string
	Commit  string
}

func (h *Handler) logger() *slog.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return slog.Default()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// decodeStrict decodes exactly one JSON value from body into v. Anything
// after that value other than whitespace is an error.
func decodeStrict(body io.Reader, v any) error {
	dec := json.NewDecoder(body)
	if err := dec.Decode(v); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON value")
		}
		return err
	}
	return nil
}

// Health handles GET /healthz. No auth required.
// Returns 503 if the store is unreachable.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if err := h.DB.Ping(r.Context()); err != nil {
		h.logger().Error("health check failed", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "unavailable",
			"error":  "store unreachable",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": h.Version,
		"commit":  h.Commit,
	})
}

// Heartbeat handles POST /heartbeat. The node's row is created or has every
// non-key column replaced by the submitted values.
func (h *Handler) Heartbeat(w http.ResponseWriter, r *http.Request) {
	log := h.logger().With("request_id", middleware.RequestID(r.Context()))

	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var req models.HeartbeatRequest
	if err := decodeStrict(r.Body, &req); err != nil {
		metrics.ObserveHeartbeat(metrics.ResultInvalid)
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		log.Debug("rejected heartbeat", "error", err)
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if err := req.Validate(); err != nil {
		metrics.ObserveHeartbeat(metrics.ResultInvalid)
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	node := req.Node()
	if err := h.DB.Upsert(r.Context(), node); err != nil {
		metrics.ObserveHeartbeat(metrics.ResultStoreFailure)
		log.Error("failed to register node", "node_name", node.NodeName, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to register node")
		return
	}

	metrics.ObserveHeartbeat(metrics.ResultOK)
	log.Info("node registered/updated", "node_name", node.NodeName)
	writeJSON(w, http.StatusOK, map[string]string{"message": RegisteredMessage})
}

// ListNodes handles GET /api/v1/nodes.
func (h *Handler) ListNodes(w http.ResponseWriter, r *http.Request) {
	nodes, err := h.DB.List(r.Context())
	if err != nil {
		h.logger().Error("failed to list nodes", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list nodes")
		return
	}

	if nodes == nil {
		nodes = []*models.Node{}
	}
	writeJSON(w, http.StatusOK, nodes)
}

// GetNode handles GET /api/v1/nodes/{name}.
func (h *Handler) GetNode(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	node, err := h.DB.Get(r.Context(), name)
	if errors.Is(err, db.ErrNotFound) {
		writeError(w, http.StatusNotFound, "node not found")
		return
	}
	if err != nil {
		h.logger().Error("failed to get node", "node_name", name, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to get node")
		return
	}
	writeJSON(w, http.StatusOK, node)
}
