package http

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

type Server struct {
	Router *chi.Mux
}

// NewServer mounts the order API. ws may be nil when live updates are off.
func NewServer(handler *Handler, ws http.Handler, allowedOrigins []string) *Server {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(handler.Logger))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/payments", func(r chi.Router) {
		r.Post("/orders", handler.CreateOrder)
		r.Route("/orders/{orderId}", func(r chi.Router) {
			r.Get("/", handler.GetOrder)
			r.Post("/broadcast", handler.Broadcast)
			r.Post("/checkout", handler.Checkout)
			r.Get("/poll", handler.Poll)
			r.Post("/link", handler.LinkWallet)
		})
		r.Get("/callback", handler.Callback)
		r.Post("/webhook", handler.Webhook)
	})

	r.Route("/api", func(r chi.Router) {
		r.Get("/balance/{wallet}", handler.Balance)
		r.Get("/history/{wallet}", handler.History)
	})

	if ws != nil {
		r.Handle("/ws", ws)
	}

	return &Server{Router: r}
}

func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Info("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration_ms", time.Since(start).Milliseconds(),
				"request_id", middleware.GetReqID(r.Context()),
			)
		})
	}
}
