package kafka

import (
	"encoding/json"
	"testing"

	"github.com/ariefcatur/go-order-fulfillment/internal/orders"
)

func TestDecodeEnvelopeAndPayload(t *testing.T) {
	env, err := orders.NewEnvelope(orders.EventLowStock, "order-api", "p-widget",
		orders.LowStockPayload{ProductID: "p-widget", CurrentStock: 3, Threshold: 10})
	if err != nil {
		t.Fatal(err)
	}
	b, _ := json.Marshal(env)

	got, err := DecodeEnvelope(b)
	if err != nil {
		t.Fatalf("DecodeEnvelope: %v", err)
	}
	if got.EventID != env.EventID || got.CorrelationID != "p-widget" {
		t.Errorf("envelope = %+v", got)
	}
	p, err := UnwrapPayload[orders.LowStockPayload](got.Payload)
	if err != nil {
		t.Fatal(err)
	}
	if p.CurrentStock != 3 || p.Threshold != 10 {
		t.Errorf("payload = %+v", p)
	}
}

func TestDecodeEnvelopeRejects(t *testing.T) {
	for _, in := range []string{`not json`, `{"event_type":"LowStock"}`, `{}`} {
		if _, err := DecodeEnvelope([]byte(in)); err == nil {
			t.Errorf("DecodeEnvelope(%s) accepted", in)
		}
	}
}
