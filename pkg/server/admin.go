package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/marmos91/dittosdb/internal/logger"
	"github.com/marmos91/dittosdb/pkg/principal"
	"github.com/marmos91/dittosdb/pkg/quota"
)

// Response is the envelope of every admin API answer.
type Response struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// UsageResponse is the payload of GET /usage/{persistence}/{origin}.
type UsageResponse struct {
	Origin      string          `json:"origin"`
	Persistence string          `json:"persistence"`
	Usage       quota.UsageInfo `json:"usage"`
	Total       uint64          `json:"total"`
}

// ShutdownStatusResponse is the payload of GET /shutdown/status.
type ShutdownStatusResponse struct {
	ShuttingDown    bool   `json:"shutting_down"`
	Completed       bool   `json:"completed"`
	OpenConnections int    `json:"open_connections"`
	Detail          string `json:"detail"`
}

// StorageResponse is the payload of GET and PUT /storage.
type StorageResponse struct {
	Enabled bool `json:"enabled"`
}

// mountAdmin registers the admin routes.
//
//	GET  /usage/{persistence}/{origin}         recompute and record origin usage
//	POST /usage/refresh                        refresh every tracked origin
//	POST /usage/gc                             collect the usage ledger now
//	POST /origins/{persistence}/{origin}/clear clear an origin
//	POST /repositories/{persistence}/clear     clear a whole repository
//	GET  /shutdown/status                      storage shutdown progress
//	GET  /storage, PUT /storage                read or flip the storage switch
//
// Origins are path-escaped; "chrome" names the system origin.
func (s *DittoServer) mountAdmin(r chi.Router) {
	r.Get("/usage/{persistence}/{origin}", s.handleUsage)
	r.Post("/usage/refresh", s.handleRefreshUsage)
	r.Post("/usage/gc", s.handleCollectUsage)
	r.Post("/origins/{persistence}/{origin}/clear", s.handleClearOrigin)
	r.Post("/repositories/{persistence}/clear", s.handleClearRepository)
	r.Get("/shutdown/status", s.handleShutdownStatus)
	r.Get("/storage", s.handleGetStorage)
	r.Put("/storage", s.handleSetStorage)
}

func (s *DittoServer) handleUsage(w http.ResponseWriter, r *http.Request) {
	meta, err := s.originFromPath(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	usage, err := s.quota.GetOriginUsage(r.Context(), meta)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}

	writeOK(w, UsageResponse{
		Origin:      meta.Origin,
		Persistence: meta.Persistence.String(),
		Usage:       usage,
		Total:       usage.Total(),
	})
}

func (s *DittoServer) handleRefreshUsage(w http.ResponseWriter, r *http.Request) {
	n, err := s.quota.RefreshTrackedOrigins(r.Context())
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeOK(w, map[string]int{"refreshed": n})
}

func (s *DittoServer) handleCollectUsage(w http.ResponseWriter, r *http.Request) {
	stats, err := s.gc.RunNow(r.Context())
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeOK(w, stats)
}

func (s *DittoServer) handleClearOrigin(w http.ResponseWriter, r *http.Request) {
	meta, err := s.originFromPath(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	if err := s.quota.ClearOrigin(r.Context(), meta); err != nil {
		writeError(w, statusFor(err), err)
		return
	}

	writeOK(w, map[string]string{
		"origin":      meta.Origin,
		"persistence": meta.Persistence.String(),
	})
}

func (s *DittoServer) handleClearRepository(w http.ResponseWriter, r *http.Request) {
	p, err := quota.ParsePersistenceType(chi.URLParam(r, "persistence"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	if err := s.quota.ClearRepository(r.Context(), p); err != nil {
		writeError(w, statusFor(err), err)
		return
	}

	writeOK(w, map[string]string{"persistence": p.String()})
}

func (s *DittoServer) handleShutdownStatus(w http.ResponseWriter, _ *http.Request) {
	client := s.svc.Client()

	writeOK(w, ShutdownStatusResponse{
		ShuttingDown:    client.IsShuttingDown(),
		Completed:       client.IsShutdownCompleted(),
		OpenConnections: s.svc.OpenConnections(),
		Detail:          client.ShutdownStatus(),
	})
}

func (s *DittoServer) handleGetStorage(w http.ResponseWriter, _ *http.Request) {
	writeOK(w, StorageResponse{Enabled: s.StorageEnabled()})
}

func (s *DittoServer) handleSetStorage(w http.ResponseWriter, r *http.Request) {
	var req StorageResponse
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid body: %w", err))
		return
	}

	s.SetStorageEnabled(req.Enabled)
	writeOK(w, StorageResponse{Enabled: s.StorageEnabled()})
}

// originFromPath parses {persistence} and {origin}. Content origins are
// normalized the same way connections resolve them, so the admin API and
// the storage service agree on directory names.
func (s *DittoServer) originFromPath(r *http.Request) (quota.OriginMetadata, error) {
	p, err := quota.ParsePersistenceType(chi.URLParam(r, "persistence"))
	if err != nil {
		return quota.OriginMetadata{}, err
	}

	raw, err := url.PathUnescape(chi.URLParam(r, "origin"))
	if err != nil {
		return quota.OriginMetadata{}, fmt.Errorf("invalid origin: %w", err)
	}

	pr := principal.Content(raw)
	if raw == principal.ChromeOrigin {
		pr = principal.System()
	}

	origin, err := s.resolver.Resolve(pr)
	if err != nil {
		return quota.OriginMetadata{}, err
	}

	return quota.OriginMetadata{Origin: origin, Persistence: p}, nil
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, quota.ErrShuttingDown):
		return http.StatusServiceUnavailable
	case errors.Is(err, quota.ErrInvalidPersistenceType):
		return http.StatusBadRequest
	case errors.Is(err, quota.ErrUsageNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func writeOK(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusOK, Response{Status: "ok", Timestamp: time.Now().UTC(), Data: data})
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, Response{Status: "error", Timestamp: time.Now().UTC(), Error: err.Error()})
}

// writeJSON encodes to a buffer first so an encoding failure can still be
// reported with a 500.
func writeJSON(w http.ResponseWriter, status int, v any) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(v); err != nil {
		logger.Error("Failed to encode admin response", logger.KeyError, err)
		http.Error(w, `{"status":"error","error":"failed to encode response"}`, http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(buf.Bytes())
}
