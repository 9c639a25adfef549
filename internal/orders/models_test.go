package orders

import (
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
)

func TestTotalIsExactDecimal(t *testing.T) {
	items := []LineItem{{ProductID: "p1", Quantity: 3, Price: decimal.RequireFromString("19.99")}}
	got := Total(items)
	if !got.Equal(decimal.RequireFromString("59.97")) {
		t.Fatalf("total = %s, want 59.97", got)
	}

	// 0.1 + 0.2 drifts in binary floating point.
	items = []LineItem{
		{ProductID: "a", Quantity: 1, Price: decimal.RequireFromString("0.10")},
		{ProductID: "b", Quantity: 1, Price: decimal.RequireFromString("0.20")},
	}
	if got := Total(items); got.String() != "0.3" {
		t.Fatalf("total = %s, want 0.3", got)
	}
}

func TestNormalizeItems(t *testing.T) {
	got, err := NormalizeItems([]ItemInput{
		{ProductID: "p2", Quantity: 1},
		{ProductID: " p1 ", Quantity: 2},
		{ProductID: "p2", Quantity: 4},
	})
	if err != nil {
		t.Fatalf("NormalizeItems: %v", err)
	}
	want := []ItemInput{{ProductID: "p1", Quantity: 2}, {ProductID: "p2", Quantity: 5}}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("item %d = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestNormalizeItemsRejects(t *testing.T) {
	cases := map[string][]ItemInput{
		"empty":          nil,
		"zero quantity":  {{ProductID: "p1", Quantity: 0}},
		"negative":       {{ProductID: "p1", Quantity: -2}},
		"no product":     {{ProductID: "  ", Quantity: 1}},
		"too many":       {{ProductID: "p1", Quantity: MaxItemQuantity + 1}},
		"int32 overflow": {{ProductID: "p1", Quantity: 1 << 31}},
		"merged too many": {
			{ProductID: "p1", Quantity: MaxItemQuantity},
			{ProductID: " p1", Quantity: 1},
		},
	}
	for name, items := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := NormalizeItems(items)
			if !errors.Is(err, ErrValidation) {
				t.Fatalf("err = %v, want validation error", err)
			}
		})
	}
}

func TestNormalizeItemsAcceptsMaxQuantity(t *testing.T) {
	got, err := NormalizeItems([]ItemInput{
		{ProductID: "p1", Quantity: MaxItemQuantity - 1},
		{ProductID: "p1", Quantity: 1},
	})
	if err != nil || len(got) != 1 || got[0].Quantity != MaxItemQuantity {
		t.Errorf("got %v, %v", got, err)
	}
}

func TestOrderPagePages(t *testing.T) {
	cases := []struct{ total, limit, want int }{
		{0, 10, 0}, {1, 10, 1}, {10, 10, 1}, {11, 10, 2}, {25, 0, 0},
	}
	for _, c := range cases {
		if got := (OrderPage{Total: c.total, Limit: c.limit}).Pages(); got != c.want {
			t.Errorf("Pages(total=%d, limit=%d) = %d, want %d", c.total, c.limit, got, c.want)
		}
	}
}

func TestErrorClassification(t *testing.T) {
	var err error = &InsufficientStockError{ProductID: "p1", Available: 1, Requested: 3}
	if !errors.Is(err, ErrInsufficientStock) {
		t.Error("InsufficientStockError should match ErrInsufficientStock")
	}
	err = &ProductNotFoundError{ProductID: "p9"}
	if !errors.Is(err, ErrNotFound) {
		t.Error("ProductNotFoundError should match ErrNotFound")
	}
	if !errors.Is(ErrOrderNotFound, ErrNotFound) {
		t.Error("ErrOrderNotFound should match ErrNotFound")
	}
	err = dependency("get order", errors.New("conn reset"))
	if !errors.Is(err, ErrDependency) {
		t.Error("dependency() should match ErrDependency")
	}
	if dependency("noop", nil) != nil {
		t.Error("dependency(nil) should be nil")
	}
}

func TestPgCode(t *testing.T) {
	wrapped := fmt.Errorf("insert: %w", &pgconn.PgError{Code: pgForeignKeyViolation})
	if got := pgCode(wrapped); got != pgForeignKeyViolation {
		t.Errorf("pgCode = %q", got)
	}
	if got := pgCode(errors.New("plain")); got != "" {
		t.Errorf("pgCode(plain) = %q", got)
	}
}
