package models

import (
	"math"
	"time"
)

// MaxLineQuantity caps the units of one product in a single checkout.
const MaxLineQuantity = 10_000

// Product represents a product in the catalog
type Product struct {
	ID          string    `json:"id" db:"id"`
	Name        string    `json:"name" db:"name"`
	Description string    `json:"description" db:"description"`
	Category    string    `json:"category" db:"category"`
	ImageURL    string    `json:"imageUrl" db:"image_url"`
	Price       Money     `json:"price" db:"price_minor"`
	Inventory   int       `json:"inventory" db:"inventory"`
	CreatedAt   time.Time `json:"createdAt" db:"created_at"`
	UpdatedAt   time.Time `json:"updatedAt" db:"updated_at"`
}

// CartLine is one line of the client-held cart, passed by value into checkout.
type CartLine struct {
	ProductID string `json:"id"`
	Name      string `json:"name"`
	UnitPrice Money  `json:"price"`
	Quantity  int    `json:"quantity"`
	ImageURL  string `json:"imageUrl,omitempty"`
}

// Subtotal is quantity times unit price, saturating at the largest Money value.
func (l CartLine) Subtotal() Money {
	if l.Quantity > 0 && l.UnitPrice > Money(math.MaxInt64)/Money(l.Quantity) {
		return Money(math.MaxInt64)
	}
	return l.UnitPrice * Money(l.Quantity)
}

// CustomerInfo is the optional contact data supplied at checkout.
type CustomerInfo struct {
	Email string `json:"email,omitempty"`
	Name  string `json:"name,omitempty"`
}

// CheckoutStatus is the coordinator state of one checkout attempt.
type CheckoutStatus string

const (
	CheckoutInitiated       CheckoutStatus = "initiated"
	CheckoutAwaitingPayment CheckoutStatus = "awaiting_payment"
	CheckoutFinalizing      CheckoutStatus = "finalizing"
	CheckoutCompleted       CheckoutStatus = "completed"
	CheckoutReleased        CheckoutStatus = "released"
)

// Holds reports whether the checkout still owns reserved inventory that no order accounts for.
func (s CheckoutStatus) Holds() bool {
	return s == CheckoutInitiated || s == CheckoutAwaitingPayment || s == CheckoutFinalizing
}

// Release reasons stored on released checkouts.
const (
	ReleaseCancelled      = "cancelled"
	ReleaseExpired        = "expired"
	ReleaseGatewayFailure = "gateway_failure"
)

// PaymentStatus is the payment session status as the storefront reports it.
type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "pending"
	PaymentCompleted PaymentStatus = "completed"
	PaymentCancelled PaymentStatus = "cancelled"
	PaymentExpired   PaymentStatus = "expired"
)

// CheckoutSession is the durable record of a checkout attempt and its reservation.
type CheckoutSession struct {
	ID               string         `json:"id"`
	GatewaySessionID string         `json:"sessionId,omitempty"`
	Status           CheckoutStatus `json:"status"`
	ReleaseReason    string         `json:"releaseReason,omitempty"`
	Customer         CustomerInfo   `json:"customer"`
	Lines            []CartLine     `json:"lines"`
	Total            Money          `json:"total"`
	Currency         string         `json:"currency"`
	CreatedAt        time.Time      `json:"createdAt"`
	UpdatedAt        time.Time      `json:"updatedAt"`
}

// PaymentStatus maps the coordinator state onto the payment session status.
func (c *CheckoutSession) PaymentStatus() PaymentStatus {
	switch c.Status {
	case CheckoutCompleted:
		return PaymentCompleted
	case CheckoutReleased:
		if c.ReleaseReason == ReleaseExpired {
			return PaymentExpired
		}
		return PaymentCancelled
	default:
		return PaymentPending
	}
}

// OrderStatus is the lifecycle status of an order.
type OrderStatus string

const (
	OrderPending   OrderStatus = "pending"
	OrderCompleted OrderStatus = "completed"
	OrderFailed    OrderStatus = "failed"
	OrderShipped   OrderStatus = "shipped"
	OrderRefunded  OrderStatus = "refunded"
)

// Valid reports whether s is a known order status.
func (s OrderStatus) Valid() bool {
	switch s {
	case OrderPending, OrderCompleted, OrderFailed, OrderShipped, OrderRefunded:
		return true
	}
	return false
}

// Order represents an order
type Order struct {
	ID               string      `json:"id" db:"id"`
	PaymentSessionID string      `json:"paymentSessionId" db:"payment_session_id"`
	CheckoutID       string      `json:"checkoutId" db:"checkout_id"`
	PaymentIntentID  string      `json:"paymentIntentId,omitempty" db:"payment_intent_id"`
	CustomerEmail    string      `json:"customerEmail" db:"customer_email"`
	CustomerName     string      `json:"customerName,omitempty" db:"customer_name"`
	Total            Money       `json:"totalAmount" db:"total_minor"`
	Currency         string      `json:"currency" db:"currency"`
	Status           OrderStatus `json:"status" db:"status"`
	Items            []OrderItem `json:"items"`
	CreatedAt        time.Time   `json:"createdAt" db:"created_at"`
	UpdatedAt        time.Time   `json:"updatedAt" db:"updated_at"`
}

// ItemsTotal sums quantity times unit price over the order items.
func (o *Order) ItemsTotal() Money {
	var total Money
	for _, it := range o.Items {
		total += it.UnitPrice * Money(it.Quantity)
	}
	return total
}

// OrderItem represents an item in an order. The unit price is copied at purchase time.
type OrderItem struct {
	ID          string `json:"id" db:"id"`
	OrderID     string `json:"orderId" db:"order_id"`
	ProductID   string `json:"productId" db:"product_id"`
	ProductName string `json:"productName" db:"product_name"`
	Quantity    int    `json:"quantity" db:"quantity"`
	UnitPrice   Money  `json:"price" db:"unit_price_minor"`
}

// Gallery item types.
const (
	GalleryImage   = "image"
	GalleryArticle = "article"
)

// GalleryItem is an image or article published on the artist's gallery page.
type GalleryItem struct {
	ID          string    `json:"id" db:"id"`
	Title       string    `json:"title" db:"title"`
	Description string    `json:"description" db:"description"`
	Content     string    `json:"content" db:"content"`
	Type        string    `json:"type" db:"type"`
	ImageURL    string    `json:"imageUrl" db:"image_url"`
	Published   bool      `json:"published" db:"published"`
	CreatedAt   time.Time `json:"createdAt" db:"created_at"`
	UpdatedAt   time.Time `json:"updatedAt" db:"updated_at"`
}

// AdminUser is a back office account.
type AdminUser struct {
	ID           string    `json:"id" db:"id"`
	Email        string    `json:"email" db:"email"`
	Name         string    `json:"name" db:"name"`
	PasswordHash string    `json:"-" db:"password_hash"`
	CreatedAt    time.Time `json:"createdAt" db:"created_at"`
}

// CheckoutRequest is the body of POST /checkout.
type CheckoutRequest struct {
	CartItems     []CartLine `json:"cartItems"`
	CustomerEmail string     `json:"customerEmail,omitempty"`
	CustomerName  string     `json:"customerName,omitempty"`
}

// CheckoutResponse is returned once stock is reserved and the payment session exists.
type CheckoutResponse struct {
	SessionID string `json:"sessionId"`
	URL       string `json:"url"`
}

// SessionStatusResponse backs the checkout success page.
type SessionStatusResponse struct {
	SessionID string        `json:"sessionId"`
	Status    PaymentStatus `json:"status"`
	Order     *Order        `json:"order,omitempty"`
}

// GalleryItemRequest is the body of gallery create and update calls.
type GalleryItemRequest struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Content     string `json:"content"`
	Type        string `json:"type"`
	ImageURL    string `json:"imageUrl"`
	Published   *bool  `json:"published"`
}

// LoginRequest is the admin login body.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// UpdateOrderStatusRequest is the admin order correction body.
type UpdateOrderStatusRequest struct {
	Status OrderStatus `json:"status"`
}

// RestockRequest adds units to a product's inventory.
type RestockRequest struct {
	Quantity int `json:"quantity"`
}
