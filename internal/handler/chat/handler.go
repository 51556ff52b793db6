package chat

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/zhouzirui/chat-relay/internal/model/chat"
	chatService "github.com/zhouzirui/chat-relay/internal/service/chat"
	"github.com/zhouzirui/chat-relay/pkg/utils"
)

// Handler 聊天服务的HTTP处理器
type Handler struct {
	chatSvc *chatService.Service
}

// New 创建聊天处理器
func New(chatSvc *chatService.Service) *Handler {
	return &Handler{chatSvc: chatSvc}
}

// RegisterRoutes 注册聊天相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/send", h.handleSend)
	r.Get("/history", h.handleHistory)
}

// MessageView is the wire form of a stored message.
type MessageView struct {
	Sender    string    `json:"sender"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

func viewOf(msg chat.Message) *MessageView {
	return &MessageView{Sender: msg.Sender, Content: msg.Content, Timestamp: msg.Timestamp}
}

// StreamResponse is one SSE event of a reply stream.
type StreamResponse struct {
	Event    string       `json:"event"`
	Message  *MessageView `json:"message,omitempty"`
	Content  string       `json:"content,omitempty"`
	Finished bool         `json:"finished,omitempty"`
	Error    string       `json:"error,omitempty"`
}

// Stream event names.
const (
	EventStart = "start"
	EventDelta = "delta"
	EventEnd   = "end"
	EventError = "error"
)

// handleSend 保存用户消息并以SSE流式返回机器人回复
func (h *Handler) handleSend(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Sender  string `json:"sender"`
		Content string `json:"content"`
	}

	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		utils.RespondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	ctx := r.Context()
	stream, err := h.chatSvc.Open(ctx, payload.Sender, payload.Content)
	if err != nil {
		if ctx.Err() != nil {
			log.Info().Err(err).Str("component", "chat").Msg("client gone while waiting to send")
			return
		}
		status, msg := statusFor(err)
		utils.RespondError(w, status, msg)
		return
	}
	defer stream.Close()

	utils.SetupSSEHeaders(w)
	w.WriteHeader(http.StatusOK)

	if err := utils.SendSSEChunk(w, flusher, StreamResponse{Event: EventStart, Message: viewOf(stream.Inbound())}); err != nil {
		log.Info().Err(err).Str("component", "chat").Msg("client gone before stream start")
		return
	}

	reply, err := stream.Run(ctx, func(fragment string) error {
		return utils.SendSSEChunk(w, flusher, StreamResponse{Event: EventDelta, Content: fragment})
	})
	if err != nil {
		if errors.Is(err, chat.ErrStreamAborted) {
			return
		}
		_ = utils.SendSSEChunk(w, flusher, StreamResponse{Event: EventError, Error: userFacing(err)})
		return
	}

	_ = utils.SendSSEChunk(w, flusher, StreamResponse{Event: EventEnd, Message: viewOf(reply), Finished: true})
}

// handleHistory 返回全部已提交的消息
func (h *Handler) handleHistory(w http.ResponseWriter, r *http.Request) {
	messages, err := h.chatSvc.History(r.Context())
	if err != nil {
		log.Error().Err(err).Str("component", "chat").Msg("failed to load history")
		utils.RespondError(w, http.StatusServiceUnavailable, "history unavailable")
		return
	}

	views := make([]MessageView, 0, len(messages))
	for _, msg := range messages {
		views = append(views, *viewOf(msg))
	}
	utils.RespondJSON(w, http.StatusOK, views)
}

func statusFor(err error) (int, string) {
	var verr *chat.ValidationError
	switch {
	case errors.As(err, &verr):
		return http.StatusBadRequest, verr.Error()
	case chat.IsStorage(err):
		log.Error().Err(err).Str("component", "chat").Msg("failed to store inbound message")
		return http.StatusServiceUnavailable, "storage unavailable"
	default:
		log.Error().Err(err).Str("component", "chat").Msg("failed to open stream")
		return http.StatusInternalServerError, "internal error"
	}
}

func userFacing(err error) string {
	switch {
	case chat.IsGeneration(err):
		return "reply generation failed"
	case chat.IsStorage(err):
		return "failed to store reply"
	default:
		return "internal error"
	}
}
