package handlers

import (
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/careloop/voicebridge/pkg/bridge/service"
	"github.com/careloop/voicebridge/pkg/bridge/telephony"
)

// MediaStreamHandler accepts the provider's media-stream websocket and hands
// it to the session named in the query string.
type MediaStreamHandler struct {
	Service *service.Service
	Logger  *slog.Logger
}

func (h MediaStreamHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session")
	if sessionID == "" {
		http.Error(w, "missing session parameter", http.StatusBadRequest)
		return
	}
	// Reject unknown sessions before committing to the upgrade.
	if _, err := h.Service.SessionStatus(sessionID); err != nil {
		writeError(w, r, err)
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(*http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	link := telephony.NewLink(conn, h.Logger)
	if err := h.Service.AttachTelephonyLink(sessionID, link); err != nil {
		if h.Logger != nil {
			h.Logger.Warn("attaching media stream failed", "session_id", sessionID, "error", err)
		}
		return
	}

	// Hold the handler open for the life of the stream; the session goroutine
	// owns the link from here.
	<-link.Done()
}
