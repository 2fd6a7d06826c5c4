package api

import (
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
)

// Options configures the HTTP surface around a Handler.
type Options struct {
	APIKeys     []string
	CORSOrigins []string
	Limiter     *RateLimiter // nil disables rate limiting
	Logger      *slog.Logger
}

// NewRouter builds the full HTTP handler: routes plus middleware. The
// middleware wraps the router so CORS preflights and unmatched paths see it.
func NewRouter(h *Handler, opts Options) http.Handler {
	r := mux.NewRouter()
	h.RegisterRoutes(r)
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})

	return Chain(r,
		RequestID,
		Logging(opts.Logger),
		CORS(opts.CORSOrigins),
		Auth(opts.APIKeys),
		opts.Limiter.Middleware(),
	)
}
