package report

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/genialhealth/genial-ai-healthcare-assistant/internal/consultation"
)

type Handler struct {
	sessions consultation.Service
	reports  *Service
	logger   *zap.Logger
}

func NewHandler(sessions consultation.Service, reports *Service, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{sessions: sessions, reports: reports, logger: logger}
}

// Generate returns the narrative report with its structured data.
func (h *Handler) Generate(w http.ResponseWriter, r *http.Request) {
	sessionID, st, ok := h.state(w, r)
	if !ok {
		return
	}
	doc, err := h.reports.Generate(r.Context(), sessionID, st)
	if err != nil {
		h.logger.Error("generate report failed", zap.String("session_id", sessionID), zap.Error(err))
		consultation.WriteJSON(w, http.StatusInternalServerError, consultation.APIResponse{Error: "Failed to generate report"})
		return
	}
	consultation.WriteJSON(w, http.StatusOK, consultation.APIResponse{Success: true, Data: doc})
}

func (h *Handler) Download(w http.ResponseWriter, r *http.Request) {
	sessionID, st, ok := h.state(w, r)
	if !ok {
		return
	}
	data, err := h.reports.PDF(r.Context(), sessionID, st)
	if err != nil {
		h.logger.Error("render report failed", zap.String("session_id", sessionID), zap.Error(err))
		consultation.WriteJSON(w, http.StatusInternalServerError, consultation.APIResponse{Error: "Failed to render report"})
		return
	}
	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Disposition", `attachment; filename="`+FileName(sessionID)+`"`)
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	_, _ = w.Write(data)
}

// Send delivers the PDF to the doctor chat.
func (h *Handler) Send(w http.ResponseWriter, r *http.Request) {
	sessionID, st, ok := h.state(w, r)
	if !ok {
		return
	}
	if err := h.reports.SendToDoctor(r.Context(), sessionID, st); err != nil {
		status := http.StatusBadGateway
		if errors.Is(err, ErrDeliveryDisabled) {
			status = http.StatusServiceUnavailable
		}
		h.logger.Error("send report failed", zap.String("session_id", sessionID), zap.Error(err))
		consultation.WriteJSON(w, status, consultation.APIResponse{Error: "Failed to send report"})
		return
	}
	consultation.WriteJSON(w, http.StatusOK, consultation.APIResponse{Success: true, Data: map[string]string{"status": "sent"}})
}

// state loads the session named by the request and records its owner.
func (h *Handler) state(w http.ResponseWriter, r *http.Request) (string, *consultation.State, bool) {
	sessionID := strings.TrimSpace(r.Header.Get(consultation.HeaderSessionID))
	if sessionID == "" {
		sessionID = strings.TrimSpace(r.URL.Query().Get("session_id"))
	}
	if sessionID == "" {
		consultation.WriteJSON(w, http.StatusOK, consultation.APIResponse{Error: "No session ID provided"})
		return "", nil, false
	}
	if ownerID := strings.TrimSpace(r.Header.Get(consultation.HeaderUserID)); ownerID != "" {
		if _, err := h.sessions.Session(r.Context(), sessionID, ownerID); err != nil {
			h.logger.Warn("record report owner failed", zap.String("session_id", sessionID), zap.Error(err))
		}
	}
	st, err := h.sessions.State(r.Context(), sessionID)
	if err != nil {
		h.logger.Error("load session failed", zap.String("session_id", sessionID), zap.Error(err))
		consultation.WriteJSON(w, http.StatusInternalServerError, consultation.APIResponse{Error: "Failed to load session"})
		return "", nil, false
	}
	if len(st.Turns) == 0 {
		consultation.WriteJSON(w, http.StatusOK, consultation.APIResponse{Error: "No medical data found for this session."})
		return "", nil, false
	}
	return sessionID, st, true
}

func RegisterRoutes(r chi.Router, h *Handler) {
	r.Route("/report", func(r chi.Router) {
		r.Get("/generate", h.Generate)
		r.Get("/pdf", h.Download)
		r.Post("/send", h.Send)
	})
}
