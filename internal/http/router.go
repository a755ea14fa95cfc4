package http

import (
	"net/http"

	"github.com/Web3AdvisoryHub/DormLitApp-sub001/internal/handlers"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

func NewRouter(h *handlers.PresenceHandler, wsHandler *handlers.WebSocketHandler, allowedOrigins []string) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)

	if len(allowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   allowedOrigins,
			AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token"},
			ExposedHeaders:   []string{"Link"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}

	r.Get("/api/v1/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })

	r.Route("/api/v1/presence", func(r chi.Router) {
		r.Get("/{roomId}", h.Get)
		r.Post("/{roomId}/touch", h.Touch)
	})

	// WebSocketエンドポイント（ルーム参加はプロトコル内のjoin_roomで行う）
	r.Get("/api/v1/ws", wsHandler.HandleWebSocket)

	return r
}
