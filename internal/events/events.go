// Package events carries order lifecycle events to downstream consumers
// (confirmation mail, fulfilment) through a transactional outbox.
package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/SigNoz/artist-storefront/internal/models"
	"github.com/google/uuid"
)

// TypeOrderCompleted is emitted once per finalized order.
const TypeOrderCompleted = "order.completed"

// OutboxEvent is a row of the outbox table.
type OutboxEvent struct {
	ID          string
	AggregateID string
	EventType   string
	Payload     []byte
	CreatedAt   time.Time
}

// OrderCompletedItem is one line of an OrderCompleted payload.
type OrderCompletedItem struct {
	ProductID string       `json:"productId"`
	Name      string       `json:"name"`
	Quantity  int          `json:"quantity"`
	UnitPrice models.Money `json:"price"`
}

// OrderCompleted is the JSON payload published for TypeOrderCompleted.
type OrderCompleted struct {
	OrderID          string               `json:"orderId"`
	PaymentSessionID string               `json:"paymentSessionId"`
	CustomerEmail    string               `json:"customerEmail"`
	CustomerName     string               `json:"customerName,omitempty"`
	Status           models.OrderStatus   `json:"status"`
	TotalAmount      models.Money         `json:"totalAmount"`
	Currency         string               `json:"currency"`
	Items            []OrderCompletedItem `json:"items"`
	CompletedAt      time.Time            `json:"completedAt"`
}

// NewOrderCompleted builds the outbox row for a freshly persisted order.
func NewOrderCompleted(order *models.Order) (OutboxEvent, error) {
	payload := OrderCompleted{
		OrderID:          order.ID,
		PaymentSessionID: order.PaymentSessionID,
		CustomerEmail:    order.CustomerEmail,
		CustomerName:     order.CustomerName,
		Status:           order.Status,
		TotalAmount:      order.Total,
		Currency:         order.Currency,
		CompletedAt:      order.CreatedAt,
	}
	for _, it := range order.Items {
		payload.Items = append(payload.Items, OrderCompletedItem{
			ProductID: it.ProductID,
			Name:      it.ProductName,
			Quantity:  it.Quantity,
			UnitPrice: it.UnitPrice,
		})
	}

	b, err := json.Marshal(payload)
	if err != nil {
		return OutboxEvent{}, fmt.Errorf("marshal %s payload: %w", TypeOrderCompleted, err)
	}
	return OutboxEvent{
		ID:          uuid.NewString(),
		AggregateID: order.ID,
		EventType:   TypeOrderCompleted,
		Payload:     b,
		CreatedAt:   order.CreatedAt,
	}, nil
}
