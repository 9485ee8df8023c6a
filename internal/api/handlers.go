package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/SigNoz/artist-storefront/internal/auth"
	"github.com/SigNoz/artist-storefront/internal/db"
	"github.com/SigNoz/artist-storefront/internal/logging"
	"github.com/SigNoz/artist-storefront/internal/metrics"
	"github.com/SigNoz/artist-storefront/internal/middleware"
	"github.com/SigNoz/artist-storefront/internal/payment"
	"github.com/SigNoz/artist-storefront/internal/services"
	"github.com/SigNoz/artist-storefront/pkg/config"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// Deps are the collaborators the HTTP layer needs.
type Deps struct {
	Config         *config.Config
	DB             *db.DB
	Metrics        *metrics.AppMetrics
	MetricsHandler http.Handler
	Products       *services.ProductService
	Ledger         *services.InventoryLedger
	Orders         *services.OrderService
	Gallery        *services.GalleryService
	Coordinator    *services.FulfillmentCoordinator
	Verifier       payment.Verifier
	Auth           *auth.Service
	RateLimiter    *middleware.RateLimiter
	Logger         *zap.Logger
}

// App holds application dependencies
type App struct {
	config         *config.Config
	db             *db.DB
	metrics        *metrics.AppMetrics
	metricsHandler http.Handler
	productService *services.ProductService
	ledger         *services.InventoryLedger
	orderService   *services.OrderService
	galleryService *services.GalleryService
	coordinator    *services.FulfillmentCoordinator
	verifier       payment.Verifier
	auth           *auth.Service
	rateLimiter    *middleware.RateLimiter
	logger         *zap.Logger
}

// NewApp creates a new application instance
func NewApp(d Deps) *App {
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &App{
		config:         d.Config,
		db:             d.DB,
		metrics:        d.Metrics,
		metricsHandler: d.MetricsHandler,
		productService: d.Products,
		ledger:         d.Ledger,
		orderService:   d.Orders,
		galleryService: d.Gallery,
		coordinator:    d.Coordinator,
		verifier:       d.Verifier,
		auth:           d.Auth,
		rateLimiter:    d.RateLimiter,
		logger:         logger,
	}
}

// SetupRoutes configures the HTTP routes
func (a *App) SetupRoutes(r *mux.Router) {
	r.Use(middleware.RequestIDMiddleware(a.logger))
	r.Use(middleware.LoggingMiddleware)
	r.Use(middleware.CORSMiddleware(a.config.PublicBaseURL))
	r.Use(middleware.RecoveryMiddleware)
	r.Use(middleware.MetricsMiddleware(a.metrics))

	r.HandleFunc("/health", a.HealthHandler).Methods("GET")
	if a.metricsHandler != nil {
		r.Handle("/metrics", a.metricsHandler).Methods("GET")
	}

	// Checkout and provider callbacks
	checkout := http.Handler(http.HandlerFunc(a.CheckoutHandler))
	if a.rateLimiter != nil {
		checkout = a.rateLimiter.Middleware(checkout)
	}
	r.Handle("/checkout", checkout).Methods("POST", "OPTIONS")
	r.HandleFunc("/webhooks/payment", a.PaymentWebhookHandler).Methods("POST")

	api := r.PathPrefix("/api").Subrouter()
	api.Handle("/checkout", checkout).Methods("POST", "OPTIONS")
	api.HandleFunc("/webhooks/stripe", a.PaymentWebhookHandler).Methods("POST")

	// Storefront
	api.HandleFunc("/products", a.ListProductsHandler).Methods("GET")
	api.HandleFunc("/products/{id}", a.GetProductHandler).Methods("GET")
	api.HandleFunc("/gallery", a.ListGalleryHandler).Methods("GET")
	api.HandleFunc("/gallery/{id}", a.GetGalleryItemHandler).Methods("GET")
	api.HandleFunc("/orders/{sessionId}", a.SessionStatusHandler).Methods("GET")

	// Back office
	api.HandleFunc("/admin/login", a.LoginHandler).Methods("POST")
	admin := api.PathPrefix("/admin").Subrouter()
	admin.Use(middleware.AdminAuthMiddleware(a.auth))
	admin.HandleFunc("/orders", a.ListOrdersHandler).Methods("GET")
	admin.HandleFunc("/orders/{id}", a.GetOrderHandler).Methods("GET")
	admin.HandleFunc("/orders/{id}/status", a.UpdateOrderStatusHandler).Methods("PUT")
	admin.HandleFunc("/gallery", a.ListAllGalleryHandler).Methods("GET")
	admin.HandleFunc("/gallery", a.CreateGalleryItemHandler).Methods("POST")
	admin.HandleFunc("/gallery/{id}", a.UpdateGalleryItemHandler).Methods("PUT")
	admin.HandleFunc("/gallery/{id}", a.DeleteGalleryItemHandler).Methods("DELETE")
	admin.HandleFunc("/products/{id}/restock", a.RestockHandler).Methods("POST")
}

// HealthHandler handles health check requests
func (a *App) HealthHandler(w http.ResponseWriter, r *http.Request) {
	if err := a.db.PingContext(r.Context()); err != nil {
		logging.FromContext(r.Context()).Warn("health_db_unreachable", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// ListProductsHandler handles GET /api/products
func (a *App) ListProductsHandler(w http.ResponseWriter, r *http.Request) {
	limit, offset := pagination(r, 50)

	products, err := a.productService.ListProducts(r.Context(), limit, offset)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, products)
}

// GetProductHandler handles GET /api/products/{id}
func (a *App) GetProductHandler(w http.ResponseWriter, r *http.Request) {
	product, err := a.productService.GetProduct(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, product)
}

// SessionStatusHandler handles GET /api/orders/{sessionId} for the checkout success page.
func (a *App) SessionStatusHandler(w http.ResponseWriter, r *http.Request) {
	status, err := a.coordinator.SessionStatus(r.Context(), mux.Vars(r)["sessionId"])
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// ListGalleryHandler handles GET /api/gallery
func (a *App) ListGalleryHandler(w http.ResponseWriter, r *http.Request) {
	items, err := a.galleryService.ListPublished(r.Context())
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

// GetGalleryItemHandler handles GET /api/gallery/{id}
func (a *App) GetGalleryItemHandler(w http.ResponseWriter, r *http.Request) {
	item, err := a.galleryService.Get(r.Context(), mux.Vars(r)["id"], false)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

type errorResponse struct {
	Error     string `json:"error"`
	ProductID string `json:"productId,omitempty"`
	Available *int   `json:"available,omitempty"`
}

// writeServiceError maps service errors onto HTTP status codes.
func (a *App) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		insufficient *services.InsufficientInventoryError
		notFound     *services.ProductNotFoundError
	)
	switch {
	case errors.As(err, &insufficient):
		writeJSON(w, http.StatusBadRequest, errorResponse{
			Error:     insufficient.Error(),
			ProductID: insufficient.ProductID,
			Available: &insufficient.Available,
		})
	case errors.As(err, &notFound):
		writeJSON(w, http.StatusNotFound, errorResponse{
			Error:     "Product " + notFound.ProductID + " not found",
			ProductID: notFound.ProductID,
		})
	case errors.Is(err, services.ErrEmptyCart):
		writeError(w, http.StatusBadRequest, "Cart is empty")
	case errors.Is(err, services.ErrInvalidQuantity), errors.Is(err, services.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, services.ErrCheckoutNotFound), errors.Is(err, services.ErrOrderNotFound),
		errors.Is(err, services.ErrGalleryItemNotFound), errors.Is(err, services.ErrUserNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, services.ErrInvalidCredentials):
		writeError(w, http.StatusUnauthorized, err.Error())
	case errors.Is(err, payment.ErrGatewayUnavailable):
		logging.FromContext(r.Context()).Error("payment_gateway_unavailable", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Payment provider unavailable, please try again")
	default:
		logging.FromContext(r.Context()).Error("request_failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Internal Server Error")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func pagination(r *http.Request, defaultLimit int) (limit, offset int) {
	limit = defaultLimit
	if l := r.URL.Query().Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= 200 {
			limit = parsed
		}
	}
	if o := r.URL.Query().Get("offset"); o != "" {
		if parsed, err := strconv.Atoi(o); err == nil && parsed >= 0 {
			offset = parsed
		}
	}
	return limit, offset
}
