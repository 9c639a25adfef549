package orders

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	EventOrderCreated      = "OrderCreated"
	EventStockReserved     = "StockReserved"
	EventStockRejected     = "StockRejected"
	EventPaymentAuthorized = "PaymentAuthorized"
	EventPaymentFailed     = "PaymentFailed"
	EventOrderFinalized    = "OrderFinalized"
	EventLowStock          = "LowStock"
)

type Envelope struct {
	EventID       string          `json:"event_id"`
	EventType     string          `json:"event_type"`
	EventVersion  int             `json:"event_version"`
	OccurredAt    time.Time       `json:"occurred_at"`
	Producer      string          `json:"producer"`
	TraceID       string          `json:"trace_id,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"` // order_id, atau product_id utk LowStock
	Payload       json.RawMessage `json:"payload"`
}

func NewEnvelope(eventType, producer, correlationID string, payload any) (Envelope, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", eventType, err)
	}
	return Envelope{
		EventID:       uuid.NewString(),
		EventType:     eventType,
		EventVersion:  1,
		OccurredAt:    time.Now().UTC(),
		Producer:      producer,
		CorrelationID: correlationID,
		Payload:       b,
	}, nil
}

// ---- Payload tipe per event ----

type OrderCreatedPayload struct {
	OrderID     string          `json:"order_id"`
	CustomerID  string          `json:"customer_id"`
	Items       []LineItem      `json:"items"`
	TotalAmount decimal.Decimal `json:"total_amount"`
}

type StockReservedPayload struct {
	OrderID string        `json:"order_id"`
	Items   []StockChange `json:"items"`
}

type StockRejectedPayload struct {
	OrderID   string `json:"order_id"`
	Reason    string `json:"reason"` // OUT_OF_STOCK | PRODUCT_NOT_FOUND
	ProductID string `json:"product_id,omitempty"`
	Available int    `json:"available,omitempty"`
	Requested int    `json:"requested,omitempty"`
}

type PaymentAuthorizedPayload struct {
	OrderID        string          `json:"order_id"`
	TransactionRef string          `json:"transaction_id"`
	Amount         decimal.Decimal `json:"amount"`
}

type PaymentFailedPayload struct {
	OrderID string `json:"order_id"`
	Reason  string `json:"reason"`
}

type OrderFinalizedPayload struct {
	OrderID      string   `json:"order_id"`
	ExecutionRef string   `json:"execution_ref,omitempty"`
	FinalStatus  Status   `json:"final_status"`
	Reasons      []string `json:"reasons,omitempty"`
}

type LowStockPayload struct {
	ProductID    string    `json:"product_id"`
	ProductName  string    `json:"product_name"`
	CurrentStock int       `json:"current_stock"`
	Threshold    int       `json:"threshold"`
	OrderID      string    `json:"order_id,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}
