package diseasechat

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

const maxBody = 1 << 20

type Handler struct {
	svc    *Service
	logger *zap.Logger
}

func NewHandler(svc *Service, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{svc: svc, logger: logger}
}

type chunkFrame struct {
	Content string `json:"content,omitempty"`
	Error   string `json:"error,omitempty"`
}

// HandleChat streams the answer as SSE frames of {"content": chunk}. A
// failure after the stream started is reported as a final {"error": ...} frame.
func (h *Handler) HandleChat(w http.ResponseWriter, r *http.Request) {
	var req Request
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody)).Decode(&req); err != nil {
		http.Error(w, "Invalid request", http.StatusBadRequest)
		return
	}
	if req.Disease.Name == "" {
		http.Error(w, "Disease is required", http.StatusBadRequest)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	write := func(f chunkFrame) {
		data, err := json.Marshal(f)
		if err != nil {
			return
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err == nil {
			flusher.Flush()
		}
	}
	if err := h.svc.Stream(r.Context(), req, func(chunk string) {
		write(chunkFrame{Content: chunk})
	}); err != nil && r.Context().Err() == nil {
		h.logger.Error("disease chat failed", zap.String("disease", req.Disease.Name), zap.Error(err))
		write(chunkFrame{Error: err.Error()})
	}
}

func RegisterRoutes(r chi.Router, h *Handler) {
	r.Post("/disease-chat", h.HandleChat)
}
