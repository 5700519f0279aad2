// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/bureau-foundation/rollout/lib/codec"
	"github.com/bureau-foundation/rollout/lib/metrics"
	"github.com/bureau-foundation/rollout/lib/registry"
)

// DefaultMaxWait caps a single event wait request. Clients wanting a
// longer wait repeat the request until their own deadline.
const DefaultMaxWait = 20 * time.Second

// Packages is the package handshake. *registry.Distributor implements
// it.
type Packages interface {
	Verify(ctx context.Context, hostID, packageUUID, checksum string) ([]byte, error)
	ConfirmDecrypt(ctx context.Context, hostID, packageUUID string) error
	Status(ctx context.Context, hostID, packageUUID string) (registry.Entry, error)
}

// Events is the rollout event barrier. *barrier.Barrier implements it.
type Events interface {
	Set(ctx context.Context, id string, metadata map[string]any) error
	Wait(ctx context.Context, id string, timeout time.Duration) (map[string]any, error)
}

// HandlerConfig configures NewHandler. Routes for a nil component are
// not registered.
type HandlerConfig struct {
	Packages Packages
	Events   Events

	// Metrics, when set, is served on /metrics.
	Metrics *metrics.Metrics

	// MaxWait defaults to DefaultMaxWait.
	MaxWait time.Duration

	Logger *slog.Logger
}

type handler struct {
	packages Packages
	events   Events
	maxWait  time.Duration
	logger   *slog.Logger
}

// NewHandler builds the API routes.
func NewHandler(cfg HandlerConfig) http.Handler {
	h := &handler{
		packages: cfg.Packages,
		events:   cfg.Events,
		maxWait:  cfg.MaxWait,
		logger:   cfg.Logger,
	}
	if h.maxWait <= 0 {
		h.maxWait = DefaultMaxWait
	}
	if h.logger == nil {
		h.logger = slog.New(slog.DiscardHandler)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		io.WriteString(w, "ok\n")
	})
	if cfg.Metrics != nil {
		mux.Handle("GET /metrics", cfg.Metrics.Handler())
	}
	if h.packages != nil {
		mux.HandleFunc("POST /v1/packages/{host}/{uuid}/verify", h.verify)
		mux.HandleFunc("POST /v1/packages/{host}/{uuid}/confirm", h.confirm)
		mux.HandleFunc("GET /v1/packages/{host}/{uuid}", h.status)
	}
	if h.events != nil {
		mux.HandleFunc("POST /v1/events/{id}", h.setEvent)
		mux.HandleFunc("GET /v1/events/{id}", h.waitEvent)
	}
	return mux
}

func (h *handler) verify(w http.ResponseWriter, r *http.Request) {
	var request VerifyRequest
	if err := decodeBody(w, r, &request); err != nil {
		h.badRequest(w, r, err)
		return
	}
	if request.Checksum == "" {
		h.badRequest(w, r, errors.New("checksum is required"))
		return
	}
	key, err := h.packages.Verify(r.Context(), r.PathValue("host"), r.PathValue("uuid"), request.Checksum)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	defer clear(key)
	h.reply(w, r, VerifyResponse{Key: key})
}

func (h *handler) confirm(w http.ResponseWriter, r *http.Request) {
	if err := h.packages.ConfirmDecrypt(r.Context(), r.PathValue("host"), r.PathValue("uuid")); err != nil {
		h.fail(w, r, err)
		return
	}
	h.reply(w, r, nil)
}

func (h *handler) status(w http.ResponseWriter, r *http.Request) {
	entry, err := h.packages.Status(r.Context(), r.PathValue("host"), r.PathValue("uuid"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.reply(w, r, StatusFromEntry(entry))
}

func (h *handler) setEvent(w http.ResponseWriter, r *http.Request) {
	var request SetEventRequest
	if err := decodeBody(w, r, &request); err != nil {
		h.badRequest(w, r, err)
		return
	}
	if err := h.events.Set(r.Context(), r.PathValue("id"), request.Metadata); err != nil {
		h.fail(w, r, err)
		return
	}
	h.reply(w, r, nil)
}

func (h *handler) waitEvent(w http.ResponseWriter, r *http.Request) {
	timeout := h.maxWait
	if value := r.URL.Query().Get("timeout"); value != "" {
		parsed, err := time.ParseDuration(value)
		if err != nil || parsed < 0 {
			h.badRequest(w, r, fmt.Errorf("invalid timeout %q", value))
			return
		}
		timeout = min(parsed, h.maxWait)
	}
	metadata, err := h.events.Wait(r.Context(), r.PathValue("id"), timeout)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.reply(w, r, EventResponse{Metadata: metadata})
}

// decodeBody reads a CBOR body into v. An empty body leaves v as is.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err != nil {
		return fmt.Errorf("reading request body: %w", err)
	}
	if len(data) == 0 {
		return nil
	}
	if err := codec.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decoding request body: %w", err)
	}
	return nil
}

func (h *handler) reply(w http.ResponseWriter, r *http.Request, data any) {
	response := Response{OK: true}
	if data != nil {
		encoded, err := codec.Marshal(data)
		if err != nil {
			h.fail(w, r, fmt.Errorf("encoding response: %w", err))
			return
		}
		response.Data = encoded
	}
	h.write(w, r, http.StatusOK, response)
}

func (h *handler) badRequest(w http.ResponseWriter, r *http.Request, err error) {
	h.write(w, r, http.StatusBadRequest, Response{Error: err.Error(), Code: "bad_request"})
}

func (h *handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	code, status := classify(err)
	if status == http.StatusInternalServerError {
		h.logger.Error("api request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	} else {
		h.logger.Debug("api request rejected", "method", r.Method, "path", r.URL.Path, "code", code)
	}
	h.write(w, r, status, Response{Error: err.Error(), Code: code})
}

func (h *handler) write(w http.ResponseWriter, r *http.Request, status int, response Response) {
	encoded, err := codec.Marshal(response)
	if err != nil {
		h.logger.Error("encoding api response", "path", r.URL.Path, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", ContentType)
	w.WriteHeader(status)
	w.Write(encoded)
}
