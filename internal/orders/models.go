package orders

import (
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type Customer struct {
	ID      string `json:"customer_id"`
	Name    string `json:"customer_name"`
	Email   string `json:"email"`
	Phone   string `json:"phone"`
	Address string `json:"address"`
}

type Product struct {
	ID          string          `json:"product_id"`
	Name        string          `json:"product_name"`
	Price       decimal.Decimal `json:"price"`
	Stock       int             `json:"stock_quantity"`
	Description string          `json:"description"`
	Category    string          `json:"category"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

type ProductFilter struct {
	Category    string
	InStockOnly bool
}

type Order struct {
	ID          string          `json:"order_id"`
	CustomerID  string          `json:"customer_id"`
	Items       []LineItem      `json:"items,omitempty"`
	TotalAmount decimal.Decimal `json:"total_amount"`
	Status      Status          `json:"status"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   *time.Time      `json:"updated_at,omitempty"`
}

// LineItem carries the unit price captured when the order was created.
type LineItem struct {
	ProductID string          `json:"product_id"`
	Quantity  int             `json:"quantity"`
	Price     decimal.Decimal `json:"price"`
}

func (li LineItem) Subtotal() decimal.Decimal {
	return li.Price.Mul(decimal.NewFromInt(int64(li.Quantity)))
}

// Total sums price x quantity over items.
func Total(items []LineItem) decimal.Decimal {
	total := decimal.Zero
	for _, it := range items {
		total = total.Add(it.Subtotal())
	}
	return total
}

type ItemInput struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
}

type OrderPage struct {
	Orders []Order
	Page   int
	Limit  int
	Total  int
}

func (p OrderPage) Pages() int {
	if p.Limit <= 0 {
		return 0
	}
	return (p.Total + p.Limit - 1) / p.Limit
}

type StockChange struct {
	ProductID   string `json:"product_id"`
	ProductName string `json:"product_name"`
	Previous    int    `json:"previous_stock"`
	New         int    `json:"new_stock"`
	Quantity    int    `json:"quantity_sold"`
}

type LowStockAlert struct {
	ProductID    string `json:"product_id"`
	ProductName  string `json:"product_name"`
	CurrentStock int    `json:"current_stock"`
}

type ReservationResult struct {
	OrderID  string          `json:"order_id"`
	Items    []StockChange   `json:"updated_products"`
	LowStock []LowStockAlert `json:"low_stock_alerts,omitempty"`
	// Replayed is set when the order already held its reservation.
	Replayed bool `json:"replayed,omitempty"`
}

// MaxItemQuantity caps the quantity of one product in an order, after
// repeated product ids are merged. It keeps quantities well inside the
// INTEGER columns they are stored in.
const MaxItemQuantity = 1_000_000

// NormalizeItems validates the requested items, merges repeated product ids
// and returns them sorted by product id.
func NormalizeItems(items []ItemInput) ([]ItemInput, error) {
	if len(items) == 0 {
		return nil, &ValidationError{Field: "items", Msg: "items must be a non-empty list"}
	}
	qty := make(map[string]int, len(items))
	for i, it := range items {
		id := strings.TrimSpace(it.ProductID)
		if id == "" {
			return nil, &ValidationError{Field: "items", Msg: "item " + strconv.Itoa(i) + " missing product_id"}
		}
		if it.Quantity <= 0 {
			return nil, &ValidationError{Field: "items", Msg: "item " + strconv.Itoa(i) + " quantity must be positive"}
		}
		if it.Quantity > MaxItemQuantity || qty[id]+it.Quantity > MaxItemQuantity {
			return nil, &ValidationError{Field: "items",
				Msg: "quantity of " + id + " exceeds " + strconv.Itoa(MaxItemQuantity)}
		}
		qty[id] += it.Quantity
	}
	out := make([]ItemInput, 0, len(qty))
	for id, q := range qty {
		out = append(out, ItemInput{ProductID: id, Quantity: q})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProductID < out[j].ProductID })
	return out, nil
}
