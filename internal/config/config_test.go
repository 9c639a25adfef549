package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("HTTP_ADDR", "")
	t.Setenv("PAYMENT_SUCCESS_RATE", "")
	t.Setenv("WORKFLOW_WORKERS", "")

	cfg := Load()
	if cfg.HTTPAddr != ":8081" {
		t.Errorf("HTTPAddr = %q", cfg.HTTPAddr)
	}
	if cfg.PaymentSuccessRate != 0.9 {
		t.Errorf("PaymentSuccessRate = %v", cfg.PaymentSuccessRate)
	}
	if cfg.LowStockThreshold != 10 {
		t.Errorf("LowStockThreshold = %d", cfg.LowStockThreshold)
	}
	if cfg.PostgresMaxConns != 8 {
		t.Errorf("PostgresMaxConns = %d", cfg.PostgresMaxConns)
	}
	if cfg.WorkflowWorkers != 8 {
		t.Errorf("WorkflowWorkers = %d", cfg.WorkflowWorkers)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("KAFKA_BROKERS", " k1:9092, ,k2:9092 ")
	t.Setenv("DB_TIMEOUT", "750ms")
	t.Setenv("PAYMENT_SUCCESS_RATE", "1.5") // out of range -> default
	t.Setenv("EVENT_BUS", "RabbitMQ")
	t.Setenv("WORKFLOW_QUEUE", "-3")

	cfg := Load()
	if len(cfg.KafkaBrokers) != 2 || cfg.KafkaBrokers[0] != "k1:9092" || cfg.KafkaBrokers[1] != "k2:9092" {
		t.Errorf("KafkaBrokers = %v", cfg.KafkaBrokers)
	}
	if cfg.DBTimeout != 750*time.Millisecond {
		t.Errorf("DBTimeout = %v", cfg.DBTimeout)
	}
	if cfg.PaymentSuccessRate != 0.9 {
		t.Errorf("PaymentSuccessRate = %v", cfg.PaymentSuccessRate)
	}
	if cfg.EventBus != "rabbitmq" {
		t.Errorf("EventBus = %q", cfg.EventBus)
	}
	if cfg.WorkflowQueue != 1024 {
		t.Errorf("WorkflowQueue = %d", cfg.WorkflowQueue)
	}
}
