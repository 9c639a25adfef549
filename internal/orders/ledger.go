package orders

import (
	"context"
	"errors"
	"sort"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const DefaultLowStockThreshold = 10

// Ledger owns every stock mutation.
type Ledger struct {
	DB                *pgxpool.Pool
	LowStockThreshold int
}

func (l *Ledger) threshold() int {
	if l.LowStockThreshold > 0 {
		return l.LowStockThreshold
	}
	return DefaultLowStockThreshold
}

// Reserve locks each product row (FOR UPDATE, in product id order), checks
// stock and decrements it, records reservation rows and moves the order to
// processing, all in one transaction. The first short item aborts the whole
// call with *InsufficientStockError and nothing is committed.
//
// When items is empty the order's own line items are reserved. Calling
// Reserve again for an order that already holds its reservation returns the
// recorded result with Replayed set and does not touch stock.
func (l *Ledger) Reserve(ctx context.Context, orderID string, items []ItemInput) (ReservationResult, error) {
	res := ReservationResult{OrderID: orderID}

	tx, err := l.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return res, dependency("begin reserve", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var cur string
	err = tx.QueryRow(ctx, `SELECT status FROM orders WHERE order_id=$1 FOR UPDATE`, orderID).Scan(&cur)
	if errors.Is(err, pgx.ErrNoRows) {
		return res, ErrOrderNotFound
	}
	if err != nil {
		return res, dependency("lock order", err)
	}
	switch Status(cur) {
	case StatusPending:
	case StatusProcessing, StatusCompleted:
		return l.replay(ctx, tx, orderID)
	default:
		return res, &InvalidTransitionError{From: Status(cur), To: StatusProcessing}
	}

	if len(items) == 0 {
		if items, err = orderItems(ctx, tx, orderID); err != nil {
			return res, err
		}
	}
	if items, err = NormalizeItems(items); err != nil {
		return res, err
	}

	for _, it := range items {
		var name string
		var stock int
		err := tx.QueryRow(ctx, `SELECT product_name, stock_quantity FROM products WHERE product_id=$1 FOR UPDATE`, it.ProductID).
			Scan(&name, &stock)
		if errors.Is(err, pgx.ErrNoRows) {
			return ReservationResult{OrderID: orderID}, &ProductNotFoundError{ProductID: it.ProductID}
		}
		if err != nil {
			return ReservationResult{OrderID: orderID}, dependency("lock product", err)
		}
		if stock < it.Quantity {
			return ReservationResult{OrderID: orderID}, &InsufficientStockError{
				ProductID: it.ProductID, Available: stock, Requested: it.Quantity,
			}
		}

		ct, err := tx.Exec(ctx, `UPDATE products SET stock_quantity = stock_quantity - $2, updated_at = now()
		                         WHERE product_id=$1 AND stock_quantity >= $2`, it.ProductID, it.Quantity)
		if pgCode(err) == pgCheckViolation {
			return ReservationResult{OrderID: orderID}, &InsufficientStockError{
				ProductID: it.ProductID, Available: stock, Requested: it.Quantity,
			}
		}
		if err != nil {
			return ReservationResult{OrderID: orderID}, dependency("decrement stock", err)
		}
		if ct.RowsAffected() != 1 {
			return ReservationResult{OrderID: orderID}, &InsufficientStockError{
				ProductID: it.ProductID, Available: stock, Requested: it.Quantity,
			}
		}

		if _, err := tx.Exec(ctx, `
			INSERT INTO reservations(order_id, product_id, quantity, status)
			VALUES ($1, $2, $3, 'RESERVED')`, orderID, it.ProductID, it.Quantity); err != nil {
			return ReservationResult{OrderID: orderID}, dependency("record reservation", err)
		}

		newStock := stock - it.Quantity
		res.Items = append(res.Items, StockChange{
			ProductID: it.ProductID, ProductName: name,
			Previous: stock, New: newStock, Quantity: it.Quantity,
		})
		if newStock <= l.threshold() {
			res.LowStock = append(res.LowStock, LowStockAlert{ProductID: it.ProductID, ProductName: name, CurrentStock: newStock})
		}
	}

	if _, err := tx.Exec(ctx, `UPDATE orders SET status='processing', updated_at=now() WHERE order_id=$1`, orderID); err != nil {
		return ReservationResult{OrderID: orderID}, dependency("mark processing", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return ReservationResult{OrderID: orderID}, dependency("commit reserve", err)
	}
	return res, nil
}

func (l *Ledger) replay(ctx context.Context, tx pgx.Tx, orderID string) (ReservationResult, error) {
	res := ReservationResult{OrderID: orderID, Replayed: true}
	rows, err := tx.Query(ctx, `
		SELECT r.product_id, p.product_name, p.stock_quantity, r.quantity
		FROM reservations r JOIN products p ON p.product_id = r.product_id
		WHERE r.order_id=$1 AND r.status='RESERVED'
		ORDER BY r.product_id`, orderID)
	if err != nil {
		return res, dependency("load reservation", err)
	}
	defer rows.Close()
	for rows.Next() {
		var sc StockChange
		if err := rows.Scan(&sc.ProductID, &sc.ProductName, &sc.New, &sc.Quantity); err != nil {
			return res, dependency("scan reservation", err)
		}
		sc.Previous = sc.New
		res.Items = append(res.Items, sc)
	}
	if err := rows.Err(); err != nil {
		return res, dependency("load reservation", err)
	}
	if len(res.Items) == 0 {
		return res, &InvalidTransitionError{From: StatusProcessing, To: StatusProcessing}
	}
	return res, nil
}

func orderItems(ctx context.Context, tx pgx.Tx, orderID string) ([]ItemInput, error) {
	rows, err := tx.Query(ctx, `SELECT product_id, quantity FROM order_items WHERE order_id=$1`, orderID)
	if err != nil {
		return nil, dependency("load order items", err)
	}
	defer rows.Close()
	var out []ItemInput
	for rows.Next() {
		var it ItemInput
		if err := rows.Scan(&it.ProductID, &it.Quantity); err != nil {
			return nil, dependency("scan order item", err)
		}
		out = append(out, it)
	}
	return out, dependency("load order items", rows.Err())
}

// Release returns the stock held by an order's reservation and marks it
// released. It locks the order row first and refuses to touch a completed
// order, so an execution compensating late cannot undo a sale another
// execution already finalized. Releasing twice is a no-op.
func (l *Ledger) Release(ctx context.Context, orderID string) ([]StockChange, error) {
	tx, err := l.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, dependency("begin release", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var cur string
	err = tx.QueryRow(ctx, `SELECT status FROM orders WHERE order_id=$1 FOR UPDATE`, orderID).Scan(&cur)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, dependency("lock order", err)
	}
	if Status(cur) == StatusCompleted {
		return nil, &InvalidTransitionError{From: StatusCompleted, To: StatusFailed}
	}

	out, err := releaseReserved(ctx, tx, orderID)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, dependency("commit release", err)
	}
	return out, nil
}

// releaseReserved restores stock for the order's RESERVED rows inside tx.
// The caller holds the order row lock.
func releaseReserved(ctx context.Context, tx pgx.Tx, orderID string) ([]StockChange, error) {
	rows, err := tx.Query(ctx, `SELECT product_id, quantity FROM reservations
	                            WHERE order_id=$1 AND status='RESERVED' FOR UPDATE`, orderID)
	if err != nil {
		return nil, dependency("load reservation", err)
	}
	type rec struct {
		pid string
		qty int
	}
	var recs []rec
	for rows.Next() {
		var x rec
		if err := rows.Scan(&x.pid, &x.qty); err != nil {
			rows.Close()
			return nil, dependency("scan reservation", err)
		}
		recs = append(recs, x)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, dependency("load reservation", err)
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].pid < recs[j].pid })

	out := make([]StockChange, 0, len(recs))
	for _, x := range recs {
		var name string
		var stock int
		if err := tx.QueryRow(ctx, `
			UPDATE products SET stock_quantity = stock_quantity + $2, updated_at = now()
			WHERE product_id=$1
			RETURNING product_name, stock_quantity`, x.pid, x.qty).Scan(&name, &stock); err != nil {
			return nil, dependency("restore stock", err)
		}
		out = append(out, StockChange{ProductID: x.pid, ProductName: name, Previous: stock - x.qty, New: stock, Quantity: x.qty})
	}
	if len(recs) > 0 {
		if _, err := tx.Exec(ctx, `UPDATE reservations SET status='RELEASED' WHERE order_id=$1 AND status='RESERVED'`, orderID); err != nil {
			return nil, dependency("mark released", err)
		}
	}
	return out, nil
}
