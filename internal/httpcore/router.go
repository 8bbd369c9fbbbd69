package httpcore

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// RouterOptions configures NewRouter. CORSOrigins is typically empty for
// AdminApi (a loopback/UDS API with no browser client) and set for
// ServerApi's agent-facing endpoints when fronted by a browser-based
// debugging tool.
type RouterOptions struct {
	CORSOrigins   []string
	RateLimit     int
	RateWindow    time.Duration
	RequestTimeout time.Duration
}

// NewRouter assembles a chi.Router with the ambient middleware stack every
// HTTP surface in this tree shares, mirroring the teacher's
// Server.setupRouter but without the protocol-demo and looking-glass
// routes it used to carry.
func NewRouter(opts RouterOptions) chi.Router {
	if opts.RequestTimeout == 0 {
		opts.RequestTimeout = 60 * time.Second
	}
	if opts.RateLimit == 0 {
		opts.RateLimit = 100
	}
	if opts.RateWindow == 0 {
		opts.RateWindow = time.Minute
	}

	r := chi.NewRouter()
	r.Use(Recovery)
	r.Use(RequestLogger)
	r.Use(SecurityHeaders)
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.Timeout(opts.RequestTimeout))

	if len(opts.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   opts.CORSOrigins,
			AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
			ExposedHeaders:   []string{"Link", "X-Request-ID"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}

	rateLimiter := NewRateLimiter(opts.RateLimit, opts.RateWindow)
	r.Use(rateLimiter.Limit)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	return r
}
