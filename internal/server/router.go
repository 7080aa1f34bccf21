package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"courier/internal/log"
	"courier/internal/queue"
	"courier/internal/store"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/golang-jwt/jwt/v4"
	"go.uber.org/zap"
)

type Config struct {
	JWTSecret string
	// RateLimit is requests per minute per client IP.
	RateLimit   int
	CORSOrigins []string
	// Archive serves GET /archive/{name} when set.
	Archive ArchiveReader
}

// ArchiveReader lists archived dead letters of an origin queue, newest first.
type ArchiveReader interface {
	List(ctx context.Context, queue string, limit int) ([]store.DeadLetterEntry, error)
}

type Pinger interface {
	Ping(ctx context.Context) error
}

type claimsKey struct{}

// Claims returns the verified JWT claims of an authenticated request.
func Claims(ctx context.Context) (jwt.MapClaims, bool) {
	c, ok := ctx.Value(claimsKey{}).(jwt.MapClaims)
	return c, ok
}

// subject returns the "sub" claim of an authenticated request.
func subject(ctx context.Context) string {
	c, ok := Claims(ctx)
	if !ok {
		return ""
	}
	sub, _ := c["sub"].(string)
	return sub
}

// SetupRouter mounts the HTTP API onto r. health names the dependencies that
// /health pings.
func SetupRouter(r *chi.Mux, cfg Config, mgr *queue.Manager, health map[string]Pinger, logger *log.Logger) {
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = 100
	}
	origins := cfg.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:         300,
	}))
	r.Use(httprate.Limit(cfg.RateLimit, time.Minute, httprate.WithKeyFuncs(httprate.KeyByIP)))

	h := &handlers{mgr: mgr, archive: cfg.Archive, logger: logger}

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		for name, p := range health {
			if err := p.Ping(r.Context()); err != nil {
				logger.Error("Health check failed", zap.String("dependency", name), zap.Error(err))
				http.Error(w, name+" unhealthy", http.StatusServiceUnavailable)
				return
			}
		}
		w.Write([]byte("OK"))
	})

	r.Group(func(r chi.Router) {
		r.Use(authMiddleware(cfg.JWTSecret, logger))

		r.Route("/queues", func(r chi.Router) {
			r.Post("/", h.createQueue)
			r.Get("/", h.listQueues)
			r.Route("/{name}", func(r chi.Router) {
				r.Get("/stats", h.stats)
				r.Post("/messages", h.enqueue)
				r.Get("/messages", h.dequeue)
				r.Post("/messages/{id}/ack", h.ack)
				r.Post("/messages/{id}/nack", h.nack)
			})
		})

		r.Route("/dlq/{name}", func(r chi.Router) {
			r.Get("/", h.listDeadLetters)
			r.Delete("/", h.purgeDeadLetters)
			r.Post("/{id}/redrive", h.redrive)
		})

		if cfg.Archive != nil {
			r.Get("/archive/{name}", h.listArchived)
		}
	})
}

func authMiddleware(jwtSecret string, logger *log.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenStr := r.Header.Get("Authorization")
			if tokenStr == "" {
				logger.Warn("Missing authorization token", zap.String("path", r.URL.Path))
				http.Error(w, "Missing token", http.StatusUnauthorized)
				return
			}
			tokenStr = strings.TrimPrefix(tokenStr, "Bearer ")
			claims := jwt.MapClaims{}
			token, err := jwt.ParseWithClaims(tokenStr, claims, func(token *jwt.Token) (interface{}, error) {
				if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
				}
				return []byte(jwtSecret), nil
			})
			if err != nil || !token.Valid {
				logger.Warn("Invalid JWT token", zap.Error(err))
				http.Error(w, "Invalid token", http.StatusUnauthorized)
				return
			}
			ctx := context.WithValue(r.Context(), claimsKey{}, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// statusFor maps queue errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, queue.ErrQueueNotFound):
		return http.StatusNotFound
	case errors.Is(err, queue.ErrQueueAlreadyExists):
		return http.StatusConflict
	case errors.Is(err, queue.ErrValidationFailed):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
