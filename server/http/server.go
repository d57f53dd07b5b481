// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package http exposes the transport ingress: raw PDUs are posted one per
// request and the response carries the acknowledgement code.
package http

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/absmach/smsinbound/ratelimit"
	"github.com/absmach/smsinbound/sms"
)

// DefaultMaxBodySize bounds a single PDU request body.
const DefaultMaxBodySize = 4096

// Receiver accepts one raw PDU and reports its acknowledgement.
type Receiver interface {
	Receive(ctx context.Context, pdu []byte, format sms.Format) (sms.AckCode, error)
}

type Config struct {
	Address         string
	ShutdownTimeout time.Duration
	TLSConfig       *tls.Config
	MaxBodySize     int64
}

type Server struct {
	config   Config
	receiver Receiver
	limiter  *ratelimit.HostRateLimiter
	logger   *slog.Logger
	server   *http.Server

	mu       sync.Mutex
	listener net.Listener
}

// New creates the ingress server. limiter may be nil.
func New(cfg Config, r Receiver, limiter *ratelimit.HostRateLimiter, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxBodySize <= 0 {
		cfg.MaxBodySize = DefaultMaxBodySize
	}

	s := &Server{
		config:   cfg,
		receiver: r,
		limiter:  limiter,
		logger:   logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/pdu", s.handlePDU)
	mux.HandleFunc("/health", s.handleHealth)

	s.server = &http.Server{
		Addr:              cfg.Address,
		Handler:           mux,
		TLSConfig:         cfg.TLSConfig,
		ReadHeaderTimeout: 5 * time.Second,
	}

	return s
}

// Addr returns the listener's network address, empty before Listen.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *Server) Listen(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	s.logger.Info("pdu_ingress_starting", slog.String("addr", listener.Addr().String()))

	errCh := make(chan error, 1)
	go func() {
		if s.config.TLSConfig != nil {
			if err := s.server.ServeTLS(listener, "", ""); err != nil && err != http.ErrServerClosed {
				errCh <- err
			}
			return
		}
		if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		s.logger.Info("pdu_ingress_shutdown_initiated")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
		defer cancel()

		if err := s.server.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("pdu_ingress_shutdown_error", slog.String("error", err.Error()))
			return err
		}

		s.logger.Info("pdu_ingress_stopped")
		return nil
	}
}

// AckResponse is the body returned for every accepted PDU request.
type AckResponse struct {
	Ack   string `json:"ack"`
	Error string `json:"error,omitempty"`
}

func (s *Server) handlePDU(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if s.limiter != nil && !s.limiter.Allow(r.RemoteAddr) {
		s.logger.Warn("pdu_ingress_rate_limited", slog.String("remote", r.RemoteAddr))
		http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
		return
	}

	format, err := sms.ParseFormat(r.URL.Query().Get("format"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	pdu, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.config.MaxBodySize))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, "pdu too large", http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}
	if len(pdu) == 0 {
		http.Error(w, "empty pdu", http.StatusBadRequest)
		return
	}

	code, err := s.receiver.Receive(r.Context(), pdu, format)
	if err != nil {
		s.logger.Warn("pdu_ingress_receive_failed",
			slog.String("remote", r.RemoteAddr),
			slog.String("error", err.Error()))
		writeJSON(w, http.StatusServiceUnavailable, AckResponse{Ack: code.String(), Error: err.Error()})
		return
	}

	s.logger.Debug("pdu_ingress",
		slog.String("format", format.String()),
		slog.Int("size", len(pdu)),
		slog.String("ack", code.String()))

	writeJSON(w, http.StatusOK, AckResponse{Ack: code.String()})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
