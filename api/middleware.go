package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/ulule/limiter/v3"
	limiterhttp "github.com/ulule/limiter/v3/drivers/middleware/stdlib"
	"github.com/ulule/limiter/v3/drivers/store/memory"
)

type contextKey string

const loggerKey = contextKey("logger")

// RequestLogger logs one line per request and stores a request-scoped
// logger (carrying request_id, method and path) in the context.
func RequestLogger(base *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			logger := base.With(
				slog.String("request_id", middleware.GetReqID(r.Context())),
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
			)
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			defer func() {
				status := ww.Status()
				if status == 0 {
					status = http.StatusOK
				}
				level := slog.LevelInfo
				switch {
				case status >= 500:
					level = slog.LevelError
				case status >= 400:
					level = slog.LevelWarn
				}
				logger.LogAttrs(r.Context(), level, "request completed",
					slog.Int("status", status),
					slog.Int("bytes", ww.BytesWritten()),
					slog.Duration("latency", time.Since(start)),
					slog.String("remote_addr", r.RemoteAddr))
			}()

			next.ServeHTTP(ww, r.WithContext(context.WithValue(r.Context(), loggerKey, logger)))
		})
	}
}

// LoggerFrom returns the request-scoped logger, or slog.Default() outside
// RequestLogger.
func LoggerFrom(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(loggerKey).(*slog.Logger); ok {
		return l
	}
	return slog.Default()
}

// NewRateLimiter builds an in-memory per-IP limiter from a formatted rate
// such as "100-M" (100 requests per minute).
func NewRateLimiter(formatted string) (*limiter.Limiter, error) {
	rate, err := limiter.NewRateFromFormatted(formatted)
	if err != nil {
		return nil, err
	}
	return limiter.New(memory.NewStore(), rate), nil
}

// RateLimit rejects requests over the limit with 429 and the standard
// error body. Keys are client IPs as set by middleware.RealIP.
func RateLimit(l *limiter.Limiter, logger *slog.Logger) func(http.Handler) http.Handler {
	mw := limiterhttp.NewMiddleware(l,
		limiterhttp.WithLimitReachedHandler(func(w http.ResponseWriter, r *http.Request) {
			LoggerFrom(r.Context()).Warn("rate limit exceeded", slog.String("remote_addr", r.RemoteAddr))
			writeError(w, http.StatusTooManyRequests, ErrorResponse{
				Error: "too many requests, try again later",
				Code:  CodeRateLimited,
			})
		}),
		limiterhttp.WithErrorHandler(func(w http.ResponseWriter, r *http.Request, err error) {
			logger.Error("rate limit check failed", slog.String("error", err.Error()))
			writeError(w, http.StatusInternalServerError, ErrorResponse{Error: "internal error", Code: CodeInternal})
		}),
	)
	return mw.Handler
}
