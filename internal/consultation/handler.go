package consultation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/genialhealth/genial-ai-healthcare-assistant/internal/media"
)

const (
	HeaderSessionID = "X-Session-Id"
	HeaderUserID    = "X-User-Id"

	maxChatBody = 20 << 20

	wsWriteWait = 10 * time.Second
	wsPongWait  = 60 * time.Second
)

type Handler struct {
	svc      Service
	images   media.Store
	logger   *zap.Logger
	pongWait time.Duration
}

func NewHandler(svc Service, images media.Store, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{svc: svc, images: images, logger: logger, pongWait: wsPongWait}
}

// APIResponse is the envelope of every JSON endpoint.
type APIResponse struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

type ChatRequest struct {
	Message     string `json:"message"`
	ImageBase64 string `json:"imageBase64,omitempty"`
}

func WriteJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	sessionID := strings.TrimSpace(r.Header.Get(HeaderSessionID))
	if sessionID == "" {
		WriteJSON(w, http.StatusOK, APIResponse{Success: false, Error: "No session ID provided"})
		return
	}
	view, err := h.svc.Session(r.Context(), sessionID, strings.TrimSpace(r.Header.Get(HeaderUserID)))
	if err != nil {
		h.logger.Error("load session failed", zap.String("session_id", sessionID), zap.Error(err))
		WriteJSON(w, http.StatusInternalServerError, APIResponse{Error: "Failed to load session"})
		return
	}
	WriteJSON(w, http.StatusOK, APIResponse{Success: true, Data: view})
}

func (h *Handler) ListSessions(w http.ResponseWriter, r *http.Request) {
	ownerID := strings.TrimSpace(r.Header.Get(HeaderUserID))
	if ownerID == "" {
		WriteJSON(w, http.StatusUnauthorized, APIResponse{Error: "No user ID provided"})
		return
	}
	sessions, err := h.svc.Sessions(r.Context(), ownerID)
	if err != nil {
		h.logger.Error("list sessions failed", zap.String("owner_id", ownerID), zap.Error(err))
		WriteJSON(w, http.StatusInternalServerError, APIResponse{Error: "Failed to list sessions"})
		return
	}
	WriteJSON(w, http.StatusOK, APIResponse{Success: true, Data: sessions})
}

// HandleChatStream runs one turn and streams its events as SSE.
func (h *Handler) HandleChatStream(w http.ResponseWriter, r *http.Request) {
	var req ChatRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxChatBody)).Decode(&req); err != nil {
		http.Error(w, "Invalid request", http.StatusBadRequest)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming not supported", http.StatusInternalServerError)
		return
	}

	in := chatInput(r, req)
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.Header().Set(HeaderSessionID, in.SessionID)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	err := h.svc.Chat(ctx, in, func(ev Event) {
		data, err := json.Marshal(ev)
		if err != nil {
			return
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
			cancel()
			return
		}
		flusher.Flush()
	})
	if err != nil {
		h.logger.Warn("chat run ended with error", zap.String("session_id", in.SessionID), zap.Error(err))
	}
}

var chatUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true
	},
}

// HandleChatSocket accepts chat requests over a websocket and answers each
// with the same event sequence as the SSE endpoint. Requests are processed
// one at a time.
func (h *Handler) HandleChatSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := chatUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	if err := conn.SetReadDeadline(time.Now().Add(h.pongWait)); err != nil {
		return
	}
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(h.pongWait))
	})

	writeCh := make(chan Event, 32)
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		ticker := time.NewTicker(h.pongWait * 9 / 10)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case ev := <-writeCh:
				if err := conn.SetWriteDeadline(time.Now().Add(wsWriteWait)); err != nil {
					cancel()
					return
				}
				if err := conn.WriteJSON(ev); err != nil {
					cancel()
					return
				}
			case <-ticker.C:
				if err := conn.SetWriteDeadline(time.Now().Add(wsWriteWait)); err != nil {
					cancel()
					return
				}
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					cancel()
					return
				}
			}
		}
	}()

	requests := make(chan ChatInput)
	runnerDone := make(chan struct{})
	go func() {
		defer close(runnerDone)
		for in := range requests {
			err := h.svc.Chat(ctx, in, func(ev Event) {
				select {
				case writeCh <- ev:
				case <-ctx.Done():
				}
			})
			if err != nil {
				h.logger.Warn("chat run ended with error", zap.String("session_id", in.SessionID), zap.Error(err))
			}
		}
	}()

	base := chatInput(r, ChatRequest{})
	for {
		var req ChatRequest
		if err := conn.ReadJSON(&req); err != nil {
			cancel()
			break
		}
		in := base
		in.Message = req.Message
		in.Image = req.ImageBase64
		select {
		case requests <- in:
		case <-ctx.Done():
		}
		if ctx.Err() != nil {
			break
		}
		// Pongs are not read while a request waits for the previous run.
		if err := conn.SetReadDeadline(time.Now().Add(h.pongWait)); err != nil {
			cancel()
			break
		}
	}
	close(requests)
	<-runnerDone
	<-writerDone
}

// ServeImage serves a stored upload by base name.
func (h *Handler) ServeImage(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	data, err := h.images.Open(r.Context(), name)
	if err != nil {
		if errors.Is(err, media.ErrNotFound) {
			http.NotFound(w, r)
			return
		}
		h.logger.Error("open image failed", zap.String("name", name), zap.Error(err))
		http.Error(w, "Failed to read image", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", media.MIMEType(data))
	w.Header().Set("Cache-Control", "private, max-age=86400")
	_, _ = w.Write(data)
}

// chatInput resolves the session and caller identity of a chat request. A
// request without a session id starts a new session.
func chatInput(r *http.Request, req ChatRequest) ChatInput {
	sessionID := strings.TrimSpace(r.Header.Get(HeaderSessionID))
	if sessionID == "" {
		sessionID = strings.TrimSpace(r.URL.Query().Get("session_id"))
	}
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	ownerID := strings.TrimSpace(r.Header.Get(HeaderUserID))
	if ownerID == "" {
		ownerID = strings.TrimSpace(r.URL.Query().Get("user_id"))
	}
	return ChatInput{
		SessionID: sessionID,
		OwnerID:   ownerID,
		Message:   req.Message,
		Image:     req.ImageBase64,
	}
}

func RegisterRoutes(r chi.Router, h *Handler) {
	r.Get("/session", h.GetSession)
	r.Get("/sessions", h.ListSessions)
	r.Post("/chat", h.HandleChatStream)
	r.Get("/chat/ws", h.HandleChatSocket)
	r.Get("/static/{name}", h.ServeImage)
}
