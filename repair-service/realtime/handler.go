package realtime

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"fadedreams/repairhub/repair-service/auth"

	"github.com/gorilla/websocket"
)

// Handler upgrades authenticated requests to chat sockets.
type Handler struct {
	hub       *Hub
	relay     *Relay
	issuer    *auth.Issuer
	repairers auth.RepairerGetter
	upgrader  websocket.Upgrader
	logger    *slog.Logger
	// ctx bounds the lifetime of every socket
	ctx context.Context
}

// NewHandler accepts origins listed in allowedOrigins, or any origin when
// the list is empty or contains "*".
func NewHandler(ctx context.Context, hub *Hub, relay *Relay, issuer *auth.Issuer, repairers auth.RepairerGetter, allowedOrigins []string, logger *slog.Logger) *Handler {
	return &Handler{
		hub:       hub,
		relay:     relay,
		issuer:    issuer,
		repairers: repairers,
		logger:    logger,
		ctx:       ctx,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checkOrigin(allowedOrigins),
		},
	}
}

func checkOrigin(allowed []string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || len(allowed) == 0 {
			return true
		}
		for _, a := range allowed {
			if a == "*" || strings.EqualFold(a, origin) {
				return true
			}
		}
		return false
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := auth.TokenFromRequest(r)
	if token == "" {
		// browsers cannot set headers on a websocket handshake
		token = r.URL.Query().Get("token")
	}
	actor, err := auth.Authenticate(r.Context(), h.issuer, h.repairers, token)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("Websocket upgrade failed", "error", err)
		return
	}
	c := newClient(h.hub, h.relay, actor, conn, h.logger)
	h.hub.register(c)
	h.logger.Info("Websocket connected", "clientID", c.id, "actorKind", actor.Kind, "actorID", actor.ID)

	go c.writePump()
	go func() {
		select {
		case <-h.ctx.Done():
			c.Close()
		case <-c.done:
		}
	}()
	go c.readPump(h.ctx)
}
