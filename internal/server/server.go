package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"
)

type Server struct {
	srv *http.Server
}

// New creates a server. The baseCtx is used as the base context for all
// incoming requests, so cancelling it stops in-flight synchronous exports.
func New(baseCtx context.Context, port string, svc Services) *Server {
	return &Server{
		srv: &http.Server{
			Addr:    fmt.Sprintf(":%s", port),
			Handler: newMux(svc),
			BaseContext: func(_ net.Listener) context.Context {
				return baseCtx
			},
			ReadTimeout: 15 * time.Second,
			// Synchronous exports of large collections hold the response open.
			WriteTimeout: 10 * time.Minute,
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
