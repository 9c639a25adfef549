package orders

const (
	TopicOrderCreated      = "order.created"
	TopicStockReserved     = "order.stock.reserved"
	TopicStockRejected     = "order.stock.rejected"
	TopicPaymentAuthorized = "order.payment.authorized"
	TopicPaymentFailed     = "order.payment.failed"
	TopicOrderFinalized    = "order.finalized"
	TopicLowStock          = "inventory.low_stock"
)

var topicByEvent = map[string]string{
	EventOrderCreated:      TopicOrderCreated,
	EventStockReserved:     TopicStockReserved,
	EventStockRejected:     TopicStockRejected,
	EventPaymentAuthorized: TopicPaymentAuthorized,
	EventPaymentFailed:     TopicPaymentFailed,
	EventOrderFinalized:    TopicOrderFinalized,
	EventLowStock:          TopicLowStock,
}

// TopicFor returns the bus topic (Kafka topic / RabbitMQ routing key) an
// event type is published on, or "" for an unknown type.
func TopicFor(eventType string) string { return topicByEvent[eventType] }
