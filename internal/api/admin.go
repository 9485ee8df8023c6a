package api

import (
	"encoding/json"
	"net/http"

	"github.com/SigNoz/artist-storefront/internal/logging"
	"github.com/SigNoz/artist-storefront/internal/models"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

type loginResponse struct {
	Token string            `json:"token"`
	User  *models.AdminUser `json:"user"`
}

// LoginHandler handles POST /api/admin/login
func (a *App) LoginHandler(w http.ResponseWriter, r *http.Request) {
	var req models.LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Email == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "Email and password are required")
		return
	}

	token, user, err := a.auth.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, loginResponse{Token: token, User: user})
}

// ListOrdersHandler handles GET /api/admin/orders
func (a *App) ListOrdersHandler(w http.ResponseWriter, r *http.Request) {
	limit, offset := pagination(r, 50)
	orders, err := a.orderService.ListOrders(r.Context(), limit, offset)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	if orders == nil {
		orders = []models.Order{}
	}
	writeJSON(w, http.StatusOK, orders)
}

// GetOrderHandler handles GET /api/admin/orders/{id}
func (a *App) GetOrderHandler(w http.ResponseWriter, r *http.Request) {
	order, err := a.orderService.GetOrder(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

// UpdateOrderStatusHandler handles PUT /api/admin/orders/{id}/status
func (a *App) UpdateOrderStatusHandler(w http.ResponseWriter, r *http.Request) {
	var req models.UpdateOrderStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	id := mux.Vars(r)["id"]
	if err := a.orderService.UpdateOrderStatus(r.Context(), id, req.Status); err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	logging.FromContext(r.Context()).Info("order_status_updated", zap.String("order_id", id), zap.String("status", string(req.Status)))

	order, err := a.orderService.GetOrder(r.Context(), id)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

// ListAllGalleryHandler handles GET /api/admin/gallery
func (a *App) ListAllGalleryHandler(w http.ResponseWriter, r *http.Request) {
	items, err := a.galleryService.ListAll(r.Context())
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

// CreateGalleryItemHandler handles POST /api/admin/gallery
func (a *App) CreateGalleryItemHandler(w http.ResponseWriter, r *http.Request) {
	var req models.GalleryItemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	item, err := a.galleryService.Create(r.Context(), req)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, item)
}

// UpdateGalleryItemHandler handles PUT /api/admin/gallery/{id}
func (a *App) UpdateGalleryItemHandler(w http.ResponseWriter, r *http.Request) {
	var req models.GalleryItemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	item, err := a.galleryService.Update(r.Context(), mux.Vars(r)["id"], req)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

// DeleteGalleryItemHandler handles DELETE /api/admin/gallery/{id}
func (a *App) DeleteGalleryItemHandler(w http.ResponseWriter, r *http.Request) {
	if err := a.galleryService.Delete(r.Context(), mux.Vars(r)["id"]); err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// RestockHandler handles POST /api/admin/products/{id}/restock
func (a *App) RestockHandler(w http.ResponseWriter, r *http.Request) {
	var req models.RestockRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	id := mux.Vars(r)["id"]
	level, err := a.ledger.Restock(r.Context(), id, req.Quantity)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	a.productService.Invalidate(id)
	logging.FromContext(r.Context()).Info("product_restocked", zap.String("product_id", id), zap.Int("quantity", req.Quantity), zap.Int("inventory", level))

	writeJSON(w, http.StatusOK, map[string]any{"id": id, "inventory": level})
}
