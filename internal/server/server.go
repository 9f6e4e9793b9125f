/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package server

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nkondo/avc-agent/internal/domain/model"
	"github.com/nkondo/avc-agent/internal/notify"
)

// StatusSource is the slice of the agent the status endpoint reads.
type StatusSource interface {
	JobState(t model.UpdateType) (model.JobState, int)
	SessionPhase(serverID model.ServerID) model.SessionPhase
	LastHTTPStatus() int
}

// Server wires the metrics listener and its request handling stack.
type Server struct {
	metrics *Metrics
	http    *http.Server
	logger  *log.Logger
}

// New constructs a Server on addr and registers its metrics observer
// on the bus.
func New(addr string, bus *notify.Bus, src StatusSource, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.Default()
	}

	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	bus.Register("metrics", metrics.Observe)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
			return
		}
		writeStatus(w, src)
	})

	httpSrv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	return &Server{
		metrics: metrics,
		http:    httpSrv,
		logger:  logger,
	}
}

func writeStatus(w http.ResponseWriter, src StatusSource) {
	fwState, fwResult := src.JobState(model.UpdateFirmware)
	swState, swResult := src.JobState(model.UpdateSoftware)
	body := map[string]any{
		"session":          src.SessionPhase(model.ServerDM).String(),
		"firmware_state":   fwState.String(),
		"firmware_result":  fwResult,
		"software_state":   swState.String(),
		"software_result":  swResult,
		"last_http_status": src.LastHTTPStatus(),
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(body)
}

// ListenAndServe starts the HTTP server and blocks until it stops.
func (s *Server) ListenAndServe() error {
	s.logger.Printf("metrics listener on %s", s.http.Addr)

	err := s.http.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully takes down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
