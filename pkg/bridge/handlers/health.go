package handlers

import (
	"net/http"

	"github.com/careloop/voicebridge/pkg/bridge/config"
)

type HealthHandler struct{}

func (h HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

type ReadyHandler struct {
	Config config.Config
}

func (h ReadyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	type readyResp struct {
		OK              bool     `json:"ok"`
		AuthMode        string   `json:"auth_mode"`
		DialingEnabled  bool     `json:"dialing_enabled"`
		PersistenceMode string   `json:"persistence_mode"`
		Issues          []string `json:"issues,omitempty"`
	}

	issues := make([]string, 0, 4)

	switch h.Config.AuthMode {
	case config.AuthModeRequired, config.AuthModeOptional, config.AuthModeDisabled:
	default:
		issues = append(issues, "invalid auth_mode")
	}
	if h.Config.AuthMode == config.AuthModeRequired && len(h.Config.APIKeys) == 0 {
		issues = append(issues, "auth_mode=required but no api keys configured")
	}
	if h.Config.PublicHost == "" {
		issues = append(issues, "public_host not set; media stream URLs cannot be built")
	}
	if h.Config.AIAPIKey == "" {
		issues = append(issues, "ai api key not configured")
	}
	if h.Config.FrameBytes <= 0 {
		issues = append(issues, "frame_bytes must be > 0")
	}

	persistence := "log"
	if h.Config.DatabaseURL != "" {
		persistence = "postgres"
	}

	ok := len(issues) == 0
	status := http.StatusOK
	if !ok {
		status = http.StatusInternalServerError
	}

	writeJSON(w, status, readyResp{
		OK:              ok,
		AuthMode:        string(h.Config.AuthMode),
		DialingEnabled:  h.Config.DialingEnabled(),
		PersistenceMode: persistence,
		Issues:          issues,
	})
}
