package orders

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

const (
	DefaultPageLimit = 10
	MaxPageLimit     = 100
)

type Repo struct {
	DB  *pgxpool.Pool
	Log *slog.Logger
}

func (r *Repo) log() *slog.Logger {
	if r.Log != nil {
		return r.Log
	}
	return slog.Default()
}

// CreateOrder prices items from the products table (never from the client)
// and writes the order and its line items in one transaction.
func (r *Repo) CreateOrder(ctx context.Context, customerID string, items []ItemInput) (Order, error) {
	customerID = strings.TrimSpace(customerID)
	if customerID == "" {
		return Order{}, &ValidationError{Field: "customer_id", Msg: "customer_id must be a non-empty string"}
	}
	items, err := NormalizeItems(items)
	if err != nil {
		return Order{}, err
	}

	tx, err := r.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return Order{}, dependency("begin create order", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var exists bool
	if err := tx.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM customers WHERE customer_id=$1)`, customerID).Scan(&exists); err != nil {
		return Order{}, dependency("check customer", err)
	}
	if !exists {
		return Order{}, ErrCustomerNotFound
	}

	ids := make([]string, 0, len(items))
	for _, it := range items {
		ids = append(ids, it.ProductID)
	}
	rows, err := tx.Query(ctx, `SELECT product_id, price FROM products WHERE product_id = ANY($1)`, ids)
	if err != nil {
		return Order{}, dependency("price items", err)
	}
	prices := make(map[string]decimal.Decimal, len(ids))
	for rows.Next() {
		var id string
		var price decimal.Decimal
		if err := rows.Scan(&id, &price); err != nil {
			rows.Close()
			return Order{}, dependency("scan price", err)
		}
		prices[id] = price
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return Order{}, dependency("price items", err)
	}

	o := Order{
		ID:         uuid.NewString(),
		CustomerID: customerID,
		Status:     StatusPending,
		CreatedAt:  time.Now().UTC(),
		Items:      make([]LineItem, 0, len(items)),
	}
	for _, it := range items {
		price, ok := prices[it.ProductID]
		if !ok {
			return Order{}, &ProductNotFoundError{ProductID: it.ProductID}
		}
		o.Items = append(o.Items, LineItem{ProductID: it.ProductID, Quantity: it.Quantity, Price: price})
	}
	o.TotalAmount = Total(o.Items)

	if _, err := tx.Exec(ctx, `
		INSERT INTO orders(order_id, customer_id, total_amount, status, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		o.ID, o.CustomerID, o.TotalAmount, string(o.Status), o.CreatedAt); err != nil {
		if pgCode(err) == pgForeignKeyViolation {
			return Order{}, ErrCustomerNotFound
		}
		return Order{}, dependency("insert order", err)
	}

	batch := &pgx.Batch{}
	for _, li := range o.Items {
		batch.Queue(`INSERT INTO order_items(order_id, product_id, quantity, price) VALUES ($1, $2, $3, $4)`,
			o.ID, li.ProductID, li.Quantity, li.Price)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		if pgCode(err) == pgForeignKeyViolation {
			return Order{}, &ValidationError{Field: "items", Msg: "product removed while ordering"}
		}
		return Order{}, dependency("insert order items", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return Order{}, dependency("commit order", err)
	}
	return o, nil
}

func (r *Repo) GetOrder(ctx context.Context, id string) (Order, error) {
	if _, err := uuid.Parse(id); err != nil {
		return Order{}, ErrOrderNotFound
	}
	var o Order
	var status string
	err := r.DB.QueryRow(ctx, `
		SELECT order_id::text, customer_id, total_amount, status, created_at, updated_at
		FROM orders WHERE order_id=$1`, id).
		Scan(&o.ID, &o.CustomerID, &o.TotalAmount, &status, &o.CreatedAt, &o.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Order{}, ErrOrderNotFound
	}
	if err != nil {
		return Order{}, dependency("get order", err)
	}
	o.Status = Status(status)

	rows, err := r.DB.Query(ctx, `
		SELECT product_id, quantity, price FROM order_items
		WHERE order_id=$1 ORDER BY product_id`, id)
	if err != nil {
		return Order{}, dependency("get order items", err)
	}
	defer rows.Close()
	o.Items = []LineItem{}
	for rows.Next() {
		var li LineItem
		if err := rows.Scan(&li.ProductID, &li.Quantity, &li.Price); err != nil {
			return Order{}, dependency("scan order item", err)
		}
		o.Items = append(o.Items, li)
	}
	if err := rows.Err(); err != nil {
		return Order{}, dependency("get order items", err)
	}
	return o, nil
}

// ListOrders pages newest first; page is 1-based.
func (r *Repo) ListOrders(ctx context.Context, page, limit int) (OrderPage, error) {
	if page < 1 {
		page = 1
	}
	if limit <= 0 {
		limit = DefaultPageLimit
	}
	if limit > MaxPageLimit {
		limit = MaxPageLimit
	}
	res := OrderPage{Page: page, Limit: limit, Orders: []Order{}}

	rows, err := r.DB.Query(ctx, `
		SELECT order_id::text, customer_id, total_amount, status, created_at, updated_at
		FROM orders
		ORDER BY created_at DESC, order_id DESC
		LIMIT $1 OFFSET $2`, limit, (page-1)*limit)
	if err != nil {
		return res, dependency("list orders", err)
	}
	defer rows.Close()
	for rows.Next() {
		var o Order
		var status string
		if err := rows.Scan(&o.ID, &o.CustomerID, &o.TotalAmount, &status, &o.CreatedAt, &o.UpdatedAt); err != nil {
			return res, dependency("scan order", err)
		}
		o.Status = Status(status)
		res.Orders = append(res.Orders, o)
	}
	if err := rows.Err(); err != nil {
		return res, dependency("list orders", err)
	}

	if err := r.DB.QueryRow(ctx, `SELECT COUNT(*) FROM orders`).Scan(&res.Total); err != nil {
		return res, dependency("count orders", err)
	}
	return res, nil
}

// UpdateStatus moves an order along the status machine. Re-applying the
// current status is a no-op; any other illegal move is rejected. Moving an
// order to failed returns any stock it still holds in the same transaction.
func (r *Repo) UpdateStatus(ctx context.Context, id string, to Status) (Order, error) {
	if _, err := uuid.Parse(id); err != nil {
		return Order{}, ErrOrderNotFound
	}
	tx, err := r.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return Order{}, dependency("begin update status", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var cur string
	err = tx.QueryRow(ctx, `SELECT status FROM orders WHERE order_id=$1 FOR UPDATE`, id).Scan(&cur)
	if errors.Is(err, pgx.ErrNoRows) {
		return Order{}, ErrOrderNotFound
	}
	if err != nil {
		return Order{}, dependency("lock order", err)
	}
	from := Status(cur)

	if from != to {
		if !CanTransition(from, to) {
			r.log().WarnContext(ctx, "rejected non-monotonic status change",
				"order_id", id, "from", from, "to", to)
			return Order{}, &InvalidTransitionError{From: from, To: to}
		}
		if _, err := tx.Exec(ctx, `UPDATE orders SET status=$2, updated_at=now() WHERE order_id=$1`, id, string(to)); err != nil {
			return Order{}, dependency("update status", err)
		}
		var released []StockChange
		if to == StatusFailed {
			if released, err = releaseReserved(ctx, tx, id); err != nil {
				return Order{}, err
			}
		}
		if err := tx.Commit(ctx); err != nil {
			return Order{}, dependency("commit status", err)
		}
		if len(released) > 0 {
			r.log().InfoContext(ctx, "released reserved stock of failed order", "order_id", id, "items", len(released))
		}
	}
	return r.GetOrder(ctx, id)
}

// DeleteOrder removes the order together with its items, reservation rows
// and execution mappings. Reserved stock is not returned.
func (r *Repo) DeleteOrder(ctx context.Context, id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return ErrOrderNotFound
	}
	tx, err := r.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return dependency("begin delete order", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	for _, q := range []string{
		`DELETE FROM reservations WHERE order_id=$1`,
		`DELETE FROM order_executions WHERE order_id=$1`,
		`DELETE FROM order_items WHERE order_id=$1`,
	} {
		if _, err := tx.Exec(ctx, q, id); err != nil {
			return dependency("delete order children", err)
		}
	}
	ct, err := tx.Exec(ctx, `DELETE FROM orders WHERE order_id=$1`, id)
	if err != nil {
		return dependency("delete order", err)
	}
	if ct.RowsAffected() == 0 {
		return ErrOrderNotFound
	}
	return dependency("commit delete", tx.Commit(ctx))
}
