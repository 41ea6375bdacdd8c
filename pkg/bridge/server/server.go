package server

import (
	"log/slog"
	"net/http"

	"github.com/careloop/voicebridge/pkg/bridge/config"
	"github.com/careloop/voicebridge/pkg/bridge/handlers"
	"github.com/careloop/voicebridge/pkg/bridge/mw"
	"github.com/careloop/voicebridge/pkg/bridge/service"
	"github.com/careloop/voicebridge/pkg/bridge/telephony"
)

// authExempt lists paths the telephony provider calls; it cannot present our
// bearer tokens.
var authExempt = map[string]struct{}{
	"/healthz":      {},
	"/readyz":       {},
	"/twilio/voice": {},
	"/media-stream": {},
}

type Server struct {
	cfg    config.Config
	logger *slog.Logger
	mux    *http.ServeMux

	svc    *service.Service
	caller *telephony.Caller
}

func New(cfg config.Config, svc *service.Service, caller *telephony.Caller, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:    cfg,
		logger: logger,
		mux:    http.NewServeMux(),
		svc:    svc,
		caller: caller,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.Handle("GET /healthz", handlers.HealthHandler{})
	s.mux.Handle("GET /readyz", handlers.ReadyHandler{Config: s.cfg})

	s.mux.Handle("POST /twilio/voice", handlers.VoiceHandler{Config: s.cfg, Logger: s.logger})
	s.mux.Handle("GET /media-stream", handlers.MediaStreamHandler{Service: s.svc, Logger: s.logger})

	api := handlers.SessionsHandler{
		Config:  s.cfg,
		Service: s.svc,
		Caller:  s.caller,
		Logger:  s.logger,
	}
	s.mux.HandleFunc("POST /v1/sessions", api.Create)
	s.mux.HandleFunc("GET /v1/sessions", api.List)
	s.mux.HandleFunc("GET /v1/sessions/{id}", api.Get)
	s.mux.HandleFunc("DELETE /v1/sessions/{id}", api.Delete)
	s.mux.HandleFunc("DELETE /v1/subjects/{subject_id}/sessions", api.EvictSubject)
}

func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	h = mw.Auth(s.cfg, authExempt, h)
	h = mw.Recover(s.logger, h)
	h = mw.AccessLog(s.logger, h)
	h = mw.RequestID(h)
	return h
}
