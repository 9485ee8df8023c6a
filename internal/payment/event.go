package payment

import (
	"encoding/json"
	"fmt"

	"github.com/SigNoz/artist-storefront/internal/models"
)

// EventType is the closed set of provider notifications the coordinator acts on.
type EventType int

const (
	EventUnknown EventType = iota
	EventCompleted
	EventCancelled
	EventExpired
)

func (t EventType) String() string {
	switch t {
	case EventCompleted:
		return "completed"
	case EventCancelled:
		return "cancelled"
	case EventExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// Event is a verified provider notification about one payment session.
type Event struct {
	ID              string
	Type            EventType
	ProviderType    string // raw provider event name, kept for logging
	SessionID       string
	CheckoutID      string // from session metadata, may be empty
	PaymentIntentID string
	AmountTotal     models.Money
	CustomerEmail   string
	Metadata        map[string]string
}

// SnapshotLine is the line item copy stored in session metadata.
type SnapshotLine struct {
	ID        string       `json:"id"`
	Name      string       `json:"name"`
	Quantity  int          `json:"quantity"`
	UnitPrice models.Money `json:"price"`
}

// EncodeSnapshot serialises cart lines for session metadata.
func EncodeSnapshot(lines []models.CartLine) (string, error) {
	out := make([]SnapshotLine, 0, len(lines))
	for _, l := range lines {
		out = append(out, SnapshotLine{ID: l.ProductID, Name: l.Name, Quantity: l.Quantity, UnitPrice: l.UnitPrice})
	}
	b, err := json.Marshal(out)
	if err != nil {
		return "", fmt.Errorf("marshal cart snapshot: %w", err)
	}
	return string(b), nil
}

// DecodeSnapshot parses the metadata snapshot back into cart lines.
func DecodeSnapshot(s string) ([]models.CartLine, error) {
	var in []SnapshotLine
	if err := json.Unmarshal([]byte(s), &in); err != nil {
		return nil, fmt.Errorf("unmarshal cart snapshot: %w", err)
	}
	lines := make([]models.CartLine, 0, len(in))
	for _, l := range in {
		lines = append(lines, models.CartLine{ProductID: l.ID, Name: l.Name, Quantity: l.Quantity, UnitPrice: l.UnitPrice})
	}
	return lines, nil
}
