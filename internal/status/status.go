// Package status exposes the reconciled renderer state over HTTP.
package status

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	healthgo "github.com/hellofresh/health-go/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"renderer-sync/internal/forward"
	"renderer-sync/internal/logging"
	"renderer-sync/internal/renderer"
)

const maxCommandBytes = 256

// Renderer is the facade surface the routes read and drive.
type Renderer interface {
	forward.Source
	forward.Executor
	Healthy() bool
	LastPoll() time.Time
}

type Options struct {
	Version string
	// StaleAfter fails the freshness check when no poll succeeded for this
	// long.
	StaleAfter time.Duration
	// MQTT, when set, adds a broker connectivity check.
	MQTT forward.Client
	Now  func() time.Time
}

type Server struct {
	r      Renderer
	health *healthgo.Health
	stream *forward.Stream
}

func New(r Renderer, opts Options) (*Server, error) {
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = 30 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Version == "" {
		opts.Version = "dev"
	}
	h, err := healthgo.New(healthgo.WithComponent(healthgo.Component{
		Name:    "renderer-sync",
		Version: opts.Version,
	}))
	if err != nil {
		return nil, err
	}

	checks := []healthgo.Config{
		{
			Name:      "subscriptions",
			Timeout:   time.Second,
			SkipOnErr: true,
			Check: func(context.Context) error {
				if r.Healthy() {
					return nil
				}
				return errors.New("event subscriptions unhealthy, polling")
			},
		},
		{
			Name:    "freshness",
			Timeout: time.Second,
			Check: func(context.Context) error {
				last := r.LastPoll()
				if last.IsZero() {
					return errors.New("device never polled")
				}
				if age := opts.Now().Sub(last); age > opts.StaleAfter {
					return fmt.Errorf("last successful poll %s ago", age.Round(time.Second))
				}
				return nil
			},
		},
	}
	if opts.MQTT != nil {
		client := opts.MQTT
		checks = append(checks, healthgo.Config{
			Name:      "mqtt",
			Timeout:   2 * time.Second,
			SkipOnErr: true,
			Check: func(context.Context) error {
				if client.IsConnected() {
					return nil
				}
				return errors.New("MQTT client is not connected")
			},
		})
	}
	for _, c := range checks {
		if err := h.Register(c); err != nil {
			return nil, fmt.Errorf("registering %s check: %w", c.Name, err)
		}
	}
	return &Server{r: r, health: h, stream: forward.NewStream(r)}, nil
}

// Routes mounts the status endpoints.
func (s *Server) Routes(r chi.Router) {
	r.Get("/state", s.handleState)
	r.Get("/queue", s.handleQueue)
	r.Post("/command", s.handleCommand)
	r.Handle("/ws", s.stream)
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/health", s.health.HandlerFunc)
	r.Get("/health/ready", s.health.HandlerFunc)
	r.Get("/health/live", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func (s *Server) handleState(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.r.Snapshot())
}

func (s *Server) handleQueue(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.r.Snapshot().Queue)
}

func (s *Server) handleCommand(w http.ResponseWriter, req *http.Request) {
	body, err := io.ReadAll(io.LimitReader(req.Body, maxCommandBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	cmd, err := renderer.ParseCommand(string(body))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.r.Exec(req.Context(), cmd); err != nil {
		status := http.StatusBadGateway
		if errors.Is(err, renderer.ErrClosed) {
			status = http.StatusServiceUnavailable
		}
		writeError(w, status, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger := logging.Component("status")
		logger.Debug().Err(err).Msg("writing response")
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
