// Package httpapi serves the REST API, the webhook endpoint and the
// websocket upgrade over one chi router.
package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/matheus3301/chatrelay/internal/config"
	"github.com/matheus3301/chatrelay/internal/conversation"
	"github.com/matheus3301/chatrelay/internal/identity"
	"github.com/matheus3301/chatrelay/internal/ingest"
	"github.com/matheus3301/chatrelay/internal/logging"
	"github.com/matheus3301/chatrelay/internal/realtime"
	"github.com/matheus3301/chatrelay/internal/registry"
	"github.com/matheus3301/chatrelay/internal/store"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const (
	maxAPIBody     = 64 << 10
	maxWebhookBody = 1 << 20
)

// Deliverer performs pushes produced outside a live connection.
type Deliverer interface {
	Deliver(pushes []realtime.Push) []realtime.Push
}

// Deps are the components the handlers call.
type Deps struct {
	Store      *store.DB
	Router     *realtime.Router
	Deliverer  Deliverer
	Aggregator *conversation.Aggregator
	Pipeline   *ingest.Pipeline
	Registry   *registry.Registry
	Verifier   identity.Verifier
	// WS serves websocket upgrades; nil leaves /ws unmounted.
	WS     http.Handler
	Config *config.Config
	Logger *zap.Logger
}

// Handler holds the shared dependencies of every route.
type Handler struct {
	Deps
	started time.Time
}

// NewRouter builds the HTTP surface.
func NewRouter(d Deps) http.Handler {
	d.Logger = logging.OrNop(d.Logger)
	if d.Config == nil {
		d.Config = config.Default()
	}
	h := &Handler{Deps: d, started: time.Now()}

	r := chi.NewRouter()
	r.Use(Metrics)
	r.Use(SecurityHeaders)
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(Logger(d.Logger))
	r.Use(chimw.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   d.Config.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Hub-Signature-256"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Handle("/metrics", promhttp.Handler())
	r.Get("/health", h.Health)
	if d.WS != nil {
		r.Handle("/ws", d.WS)
	}

	r.With(MaxBodySize(maxWebhookBody)).Route("/webhook", func(r chi.Router) {
		r.Get("/", h.VerifyWebhook)
		r.Post("/", h.ReceiveWebhook)
	})

	r.Route("/api", func(r chi.Router) {
		r.Use(MaxBodySize(maxAPIBody))
		r.Use(RequireAuth(d.Verifier))

		r.Get("/conversations", h.ListConversations)
		r.Put("/conversations/{wa_id}/status", h.SetConversationStatus)

		r.Post("/messages", h.SendMessage)
		r.Get("/messages/{wa_id}", h.ListMessages)
		r.Get("/messages/{wa_id}/search", h.SearchMessages)
		r.Put("/messages/{id}/status", h.UpdateMessageStatus)
		r.Delete("/messages/{id}", h.DeleteMessage)

		r.Get("/users", h.ListUsers)
		r.Get("/users/{username}", h.GetUser)
		r.Get("/users/{username}/qr", h.UserQR)
	})
	return r
}

func (h *Handler) me(r *http.Request) string {
	id, _ := IdentityFrom(r.Context())
	return id.Username
}
