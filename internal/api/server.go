package api

import (
	"net/http"

	"github.com/mattmorgis/github-token-exchange/internal/api/middleware"
	"github.com/mattmorgis/github-token-exchange/internal/service"
)

type Server struct {
	exchanger *service.ExchangeService
}

func NewServer(exchanger *service.ExchangeService) *Server {
	return &Server{
		exchanger: exchanger,
	}
}

func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET "+HealthCheckRoute, s.handleHealth)
	mux.HandleFunc("GET "+AboutRoute, s.handleAbout)

	mux.HandleFunc("POST "+ExchangeRoute, s.handleExchange)

	var handler http.Handler = mux
	handler = middleware.LoggingMiddleware(handler)
	handler = middleware.CorrelationIDMiddleware(handler)
	handler = middleware.RecoverMiddleware(handler)
	return handler
}
