package router

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"parley-backend/internal/handlers"
	"parley-backend/internal/middleware"
	"parley-backend/internal/websocket"
)

func New(
	jwtAuth *middleware.JWTAuth,
	chatHandler *handlers.ChatHandler,
	conversationHandler *handlers.ConversationHandler,
	modelConfigHandler *handlers.ModelConfigHandler,
	wsHub *websocket.Hub,
	frontendURL string,
) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.CORS(frontendURL))

	// Chat turns hold an upstream stream open, so they get their own limiter
	chatLimiter := middleware.NewRateLimiter(30, time.Minute)

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))
	})

	r.Route("/api/v1", func(r chi.Router) {

		// ──── Chat Streaming ────
		r.Group(func(r chi.Router) {
			r.Use(jwtAuth.Middleware)
			r.Use(chatLimiter.Middleware)
			r.Post("/chat", chatHandler.SendMessage)
		})

		// ──── Conversation Routes ────
		r.Route("/conversations", func(r chi.Router) {
			r.Use(jwtAuth.Middleware)
			r.Get("/", conversationHandler.List)
			r.Get("/{id}", conversationHandler.Get)
			r.Put("/{id}/title", conversationHandler.UpdateTitle)
			r.Delete("/{id}", conversationHandler.Delete)
		})

		// ──── Model Config Routes ────
		r.Route("/models", func(r chi.Router) {
			r.Use(jwtAuth.Middleware)
			r.Get("/", modelConfigHandler.List)
			r.Post("/", modelConfigHandler.Create)
			r.Get("/{key}", modelConfigHandler.Get)
			r.Put("/{key}", modelConfigHandler.Update)
			r.Delete("/{key}", modelConfigHandler.Delete)
		})

		// ──── WebSocket ────
		r.Get("/ws", wsHub.HandleWebSocket)
	})

	return r
}
