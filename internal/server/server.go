// Package server runs the video proxy for one configured URL until a
// shutdown signal arrives.
package server

import (
	"context"
	"fmt"
	"log"
	"os/signal"
	"syscall"

	"videorelay/internal/config"
	"videorelay/internal/playback"
	"videorelay/internal/upstream"
)

// Server is the main server object.
type Server struct {
	cfg        *config.Config
	controller *playback.Controller
}

// New creates a new server instance.
func New(cfg *config.Config) (*Server, error) {
	sender, err := upstream.New(cfg.SenderOptions())
	if err != nil {
		return nil, fmt.Errorf("create upstream sender: %w", err)
	}
	return &Server{
		cfg:        cfg,
		controller: playback.NewController(cfg.SessionOptions(sender)),
	}, nil
}

// Start loads the configured video and blocks until SIGINT or SIGTERM.
func (s *Server) Start() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return s.Run(ctx)
}

// Run loads the configured video and blocks until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	log.Println("Stage 1: Initializing...")
	s.controller.Subscribe(logEvent)

	// --- Stage 2: Startup ---
	log.Println("Stage 2: Starting proxy...")
	if err := s.controller.Load(s.cfg.VideoURL); err != nil {
		return err
	}
	s.controller.Attach()

	// --- Stage 3: Running ---
	log.Println("Stage 3: Running. Waiting for shutdown signal...")
	<-ctx.Done()

	log.Println("Shutdown signal received...")
	s.controller.Stop()
	log.Println("Proxy shut down gracefully.")
	return nil
}

// Controller exposes the playback controller driving the proxy.
func (s *Server) Controller() *playback.Controller {
	return s.controller
}

func logEvent(e playback.Event) {
	switch {
	case e.State == playback.Ready && e.Proxied:
		log.Printf("Proxy started, point the player at %s", e.Source)
	case e.State == playback.Ready:
		log.Printf("Proxy cannot start, play %s directly", e.Source)
	case e.Err != nil:
		log.Printf("Playback %s: %v", e.State, e.Err)
	default:
		log.Printf("Playback %s", e.State)
	}
}
