package shield

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/hazyhaar/listingproof/idgen"
	"github.com/hazyhaar/listingproof/kit"
)

// TraceID assigns each request an id, stores it under kit.RequestIDKey,
// echoes it in X-Request-ID and attaches a per-request logger under
// LoggerKey. An incoming X-Request-ID that parses as a UUID is kept.
func TraceID(logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, err := idgen.Parse(r.Header.Get("X-Request-ID"))
			if err != nil {
				id = idgen.New()
			}

			ctx := kit.WithRequestID(r.Context(), id)
			ctx = kit.WithTransport(ctx, "http")
			ctx = kit.WithRemoteAddr(ctx, ExtractIP(r))
			w.Header().Set("X-Request-ID", id)

			l := logger.With(
				"request_id", id,
				"method", r.Method,
				"path", r.URL.Path,
				"remote_addr", r.RemoteAddr,
			)
			ctx = context.WithValue(ctx, LoggerKey, l)
			l.Debug("shield: request")

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
