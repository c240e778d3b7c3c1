package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/cookclip/importer/internal/importjob"
	"github.com/cookclip/importer/internal/recipe"
)

type Server struct {
	srv *http.Server
}

// New creates a server. The baseCtx is used as the base context for all
// incoming requests (via BaseContext); cancelling it winds down in-flight
// requests during graceful shutdown.
func New(baseCtx context.Context, port string, jobSvc *importjob.Service, recipeSvc *recipe.Service, serviceToken string) *Server {
	return &Server{
		srv: &http.Server{
			Addr:    fmt.Sprintf(":%s", port),
			Handler: newMux(jobSvc, recipeSvc, serviceToken),
			BaseContext: func(_ net.Listener) context.Context {
				return baseCtx
			},
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 60 * time.Second,
			IdleTimeout:  120 * time.Second,
		},
	}
}

func (s *Server) Start() error {
	slog.Info("starting server", "addr", s.srv.Addr)
	return s.srv.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	slog.Info("shutting down server")
	return s.srv.Shutdown(ctx)
}
