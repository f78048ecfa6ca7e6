package router

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"chattered/internal/handlers"
	"chattered/internal/middleware"
	"chattered/internal/websocket"
)

// New wires the routes. submitLimiter may be nil to leave submissions
// unthrottled.
func New(
	pageAuth *middleware.PageAuth,
	chatHandler *handlers.ChatHandler,
	wsHub *websocket.Hub,
	submitLimiter *middleware.RateLimiter,
) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.RequestID)

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))
	})

	r.Get("/", chatHandler.Index)

	r.Route("/api/v1", func(r chi.Router) {

		// ──── Chat Routes ────
		r.Route("/chat", func(r chi.Router) {
			r.Use(pageAuth.Middleware)
			r.Get("/state", chatHandler.State)
			r.Put("/input", chatHandler.UpdateInput)
			r.Post("/close", chatHandler.Close)

			r.Group(func(r chi.Router) {
				if submitLimiter != nil {
					r.Use(submitLimiter.Middleware)
				}
				r.Post("/messages", chatHandler.Submit)
			})
		})

		// ──── WebSocket ────
		r.Get("/ws", wsHub.HandleWebSocket)
	})

	return r
}
