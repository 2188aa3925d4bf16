package realtime

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/hitoshi/parkride/internal/auth"
	"github.com/hitoshi/parkride/internal/middleware"
	"github.com/hitoshi/parkride/internal/model"
)

// Authenticator はクエリパラメータのトークンを検証するインターフェース。
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (*auth.Principal, error)
}

// Handler は/wsへの接続をWebSocketにアップグレードする。
type Handler struct {
	hub      *Hub
	authn    Authenticator
	upgrader websocket.Upgrader
}

// NewHandler はHandlerを生成する。allowedOriginはCORSと同じカンマ区切り形式で、
// 空の場合はOriginを検査しない。
func NewHandler(hub *Hub, authn Authenticator, allowedOrigin string) *Handler {
	origins := middleware.ParseOrigins(allowedOrigin)
	return &Handler{
		hub:   hub,
		authn: authn,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return len(origins) == 0 || origin == "" || origins.Allows(origin)
			},
		},
	}
}

// ServeHTTP はGET /ws?token=<jwt> を処理する。
// トークンが無効な場合はアップグレードせずに401を返す。
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	principal, err := h.authn.Authenticate(r.Context(), r.URL.Query().Get("token"))
	if err != nil {
		status := http.StatusUnauthorized
		var apiErr *model.APIError
		if !errors.As(err, &apiErr) {
			slog.Error("failed to authenticate websocket", slog.String("error", err.Error()))
			status = http.StatusInternalServerError
		}
		http.Error(w, http.StatusText(status), status)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgradeが応答を書き込み済み
		slog.Warn("websocket upgrade failed",
			slog.String("user_id", principal.UserID),
			slog.String("error", err.Error()),
		)
		return
	}

	c := newClient(h.hub, conn, UserRoom(principal.UserID))
	h.hub.register(c)
	slog.Debug("websocket connected", slog.String("user_id", principal.UserID))

	go c.writePump()
	go c.readPump()
}
