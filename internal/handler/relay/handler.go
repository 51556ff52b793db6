package relay

import (
	"net"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	relayService "github.com/zhouzirui/chat-relay/internal/service/relay"
	"github.com/zhouzirui/chat-relay/pkg/utils"
)

// Handler upgrades HTTP requests to WebSocket connections owned by a Registry.
type Handler struct {
	registry *relayService.Registry
	upgrader websocket.Upgrader
}

// New 创建WebSocket处理器
func New(registry *relayService.Registry) *Handler {
	return &Handler{
		registry: registry,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

// RegisterRoutes 注册WebSocket路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/ws", h.handleWebSocket)
}

func (h *Handler) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if !h.registry.Accepting() {
		utils.RespondError(w, http.StatusServiceUnavailable, "server shutting down")
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Str("component", "relay").Msg("websocket upgrade failed")
		return
	}

	if err := h.registry.Serve(r.Context(), conn, peerHost(r.RemoteAddr)); err != nil {
		log.Info().Err(err).Str("component", "relay").Msg("connection refused")
	}
}

// peerHost strips the port from a remote address.
func peerHost(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}
