package handlers

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/careloop/voicebridge/pkg/bridge/apierror"
	"github.com/careloop/voicebridge/pkg/bridge/config"
	"github.com/careloop/voicebridge/pkg/bridge/service"
	"github.com/careloop/voicebridge/pkg/bridge/telephony"
)

// SessionsHandler is the management API for call sessions.
type SessionsHandler struct {
	Config  config.Config
	Service *service.Service
	// Caller is nil when outbound dialing is not configured.
	Caller *telephony.Caller
	Logger *slog.Logger
}

type createSessionRequest struct {
	SubjectID          string `json:"subject_id"`
	SubjectName        string `json:"subject_name"`
	CallRef            string `json:"call_ref"`
	Phone              string `json:"phone"`
	CustomInstructions string `json:"custom_instructions"`
}

type createSessionResponse struct {
	service.Status
	CallSID string `json:"call_sid,omitempty"`
}

func (h SessionsHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, &apierror.Error{Type: apierror.ErrInvalidRequest, Message: "invalid JSON body"})
		return
	}
	if req.Phone != "" && h.Caller == nil {
		writeError(w, r, &apierror.Error{Type: apierror.ErrInvalidRequest, Message: "outbound dialing is not configured"})
		return
	}

	sess, err := h.Service.StartSession(r.Context(), service.StartRequest{
		SubjectID:          req.SubjectID,
		SubjectName:        req.SubjectName,
		CallRef:            req.CallRef,
		CustomInstructions: req.CustomInstructions,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}

	var callSID string
	if req.Phone != "" {
		voiceURL := "https://" + h.Config.PublicHost + "/twilio/voice?session=" + sess.ID
		callSID, err = h.Caller.InitiateCall(r.Context(), req.Phone, voiceURL, "")
		if err != nil {
			if h.Logger != nil {
				h.Logger.Error("initiating call failed", "session_id", sess.ID, "error", err)
			}
			_ = h.Service.EndSession(sess.ID)
			writeError(w, r, &apierror.Error{Type: apierror.ErrAPI, Message: "initiating call failed"})
			return
		}
	}

	status, err := h.Service.SessionStatus(sess.ID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, createSessionResponse{Status: status, CallSID: callSID})
}

func (h SessionsHandler) List(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"sessions": h.Service.ListSessions()})
}

func (h SessionsHandler) Get(w http.ResponseWriter, r *http.Request) {
	status, err := h.Service.SessionStatus(r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (h SessionsHandler) Delete(w http.ResponseWriter, r *http.Request) {
	if err := h.Service.EndSession(r.PathValue("id")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h SessionsHandler) EvictSubject(w http.ResponseWriter, r *http.Request) {
	n := h.Service.EvictSubject(r.PathValue("subject_id"))
	writeJSON(w, http.StatusOK, map[string]int{"evicted": n})
}
