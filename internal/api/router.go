package api

import (
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/manpreetbhatti/lattice-board/internal/auth"
	"github.com/manpreetbhatti/lattice-board/internal/ratelimit"
)

// Sockets serves the websocket endpoints.
type Sockets interface {
	Collaborate(w http.ResponseWriter, r *http.Request)
	Replay(w http.ResponseWriter, r *http.Request)
}

type RouterOptions struct {
	AllowedOrigins []string
	Sockets        Sockets
	// Limiter throttles HTTP requests per client address. Websocket frames
	// are limited per connection instead.
	Limiter *ratelimit.Registry
}

// Router mounts the HTTP and websocket surface.
func (a *API) Router(opts RouterOptions) http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(requestLogger(a.logger))

	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", a.HealthHandler)
	r.Handle("/metrics", promhttp.Handler())

	if opts.Sockets != nil {
		r.Get("/ws/collaborate/{room}", opts.Sockets.Collaborate)
		r.Get("/ws/replay/{room}", opts.Sockets.Replay)
	}

	r.Route("/api", func(r chi.Router) {
		if opts.Limiter != nil {
			r.Use(limitByAddress(opts.Limiter))
		}
		r.Get("/stats", a.StatsHandler)
		r.Put("/rooms/{room}/files/{id}", a.RegisterFileHandler)

		r.Group(func(r chi.Router) {
			r.Use(a.requireStaff)
			r.Get("/rooms", a.ListRoomsHandler)
			r.Post("/rooms", a.CreateRoomHandler)
			r.Get("/rooms/{room}", a.GetRoomHandler)
			r.Get("/rooms/{room}/elements", a.RoomElementsHandler)
			r.Put("/rooms/{room}/tracking", a.SetTrackingHandler)
			r.Get("/rooms/{room}/records", a.RecordIndexHandler)
			r.Get("/records/{id}", a.RecordHandler)
		})
	})
	return r
}

func requestLogger(logger *zap.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			logger.Info("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("duration", time.Since(start)),
				zap.String("requestID", chimiddleware.GetReqID(r.Context())),
				zap.String("remoteAddr", r.RemoteAddr),
			)
		})
	}
}

func limitByAddress(registry *ratelimit.Registry) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			host, _, err := net.SplitHostPort(r.RemoteAddr)
			if err != nil {
				host = r.RemoteAddr
			}
			if !registry.Get(host).Allow() {
				errorResponse(w, http.StatusTooManyRequests, "Too many requests")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// requireStaff admits requests carrying a valid staff token.
func (a *API) requireStaff(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.authn == nil {
			errorResponse(w, http.StatusForbidden, "Staff access required")
			return
		}
		id, err := a.authn.Authenticate(r)
		if err != nil {
			errorResponse(w, http.StatusUnauthorized, "Invalid credentials")
			return
		}
		if id.Anonymous || !id.Staff {
			errorResponse(w, http.StatusForbidden, "Staff access required")
			return
		}
		next.ServeHTTP(w, r.WithContext(auth.WithIdentity(r.Context(), id)))
	})
}
