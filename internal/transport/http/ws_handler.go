package http

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"
	gorilla "github.com/gorilla/websocket"

	"serialhub/internal/config"
	apperrors "serialhub/internal/errors"
	"serialhub/internal/infrastructure"
	"serialhub/internal/middleware"
	ws "serialhub/internal/websocket"
)

// UsageStreamHandler upgrades admin connections to the live usage event
// stream. ?serial=<id> narrows the stream to one serial.
type UsageStreamHandler struct {
	hub      *ws.Hub
	cfg      config.WebSocketConfig
	upgrader gorilla.Upgrader
	errors   *apperrors.ErrorHandler
	logger   *slog.Logger
}

// NewUsageStreamHandler accepts upgrades from allowedOrigins. An empty
// list accepts any origin.
func NewUsageStreamHandler(hub *ws.Hub, cfg config.WebSocketConfig, allowedOrigins []string, errs *apperrors.ErrorHandler, logger *slog.Logger) *UsageStreamHandler {
	logger = infrastructure.WithComponent(logger, "usage_stream")
	h := &UsageStreamHandler{hub: hub, cfg: cfg, errors: errs, logger: logger}
	h.upgrader = gorilla.Upgrader{
		ReadBufferSize:  cfg.ReadBufferSize,
		WriteBufferSize: cfg.WriteBufferSize,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" || len(allowedOrigins) == 0 {
				return true
			}
			for _, allowed := range allowedOrigins {
				if allowed == "*" || strings.EqualFold(allowed, origin) {
					return true
				}
			}
			logger.WarnContext(r.Context(), "websocket origin rejected", slog.String("origin", origin))
			return false
		},
		Error: func(w http.ResponseWriter, r *http.Request, status int, reason error) {
			logger.WarnContext(r.Context(), "websocket upgrade error",
				slog.Int("status", status),
				slog.String("reason", reason.Error()))
			http.Error(w, http.StatusText(status), status)
		},
	}
	return h
}

func (h *UsageStreamHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var filter *uuid.UUID
	if raw := r.URL.Query().Get("serial"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			h.errors.HandleError(w, r, apperrors.InvalidParameter("serial", err))
			return
		}
		filter = &id
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// the upgrader already answered
		return
	}

	traceID := middleware.GetRequestID(ctx)
	client := ws.NewClient(h.hub, ws.WrapConn(conn), h.cfg, traceID, filter)
	if !client.Serve() {
		h.logger.InfoContext(ctx, "websocket rejected, hub stopped")
		return
	}

	p, _ := middleware.PrincipalFromContext(ctx)
	h.logger.InfoContext(ctx, "websocket client connected",
		slog.String("client_id", client.ID()),
		slog.String("subject", p.Subject),
		slog.String("remote_addr", r.RemoteAddr))
}
