package handlers

import (
	"log/slog"
	"net/http"

	"github.com/careloop/voicebridge/pkg/bridge/config"
	"github.com/careloop/voicebridge/pkg/bridge/telephony"
)

// VoiceHandler answers the telephony provider's voice webhook with TwiML
// that connects the call's media to our websocket endpoint.
type VoiceHandler struct {
	Config config.Config
	Logger *slog.Logger
}

func (h VoiceHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session")
	if sessionID == "" {
		http.Error(w, "missing session parameter", http.StatusBadRequest)
		return
	}

	host := h.Config.PublicHost
	if host == "" {
		host = r.Host
	}
	streamURL := "wss://" + host + "/media-stream?session=" + sessionID

	body, err := telephony.ConnectStreamTwiML(streamURL)
	if err != nil {
		if h.Logger != nil {
			h.Logger.Error("building twiml failed", "error", err)
		}
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/xml; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}
