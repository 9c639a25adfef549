package orders

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ExecutionIndex persists which workflow executions were launched for an
// order. Rows are written at launch time; lookups never guess refs.
type ExecutionIndex struct{ DB *pgxpool.Pool }

func (x *ExecutionIndex) Record(ctx context.Context, orderID, ref string, startedAt time.Time) error {
	_, err := x.DB.Exec(ctx, `
		INSERT INTO order_executions(execution_ref, order_id, started_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (execution_ref) DO NOTHING`, ref, orderID, startedAt.UTC())
	return dependency("record execution", err)
}

// Latest returns the most recently started execution ref for an order.
func (x *ExecutionIndex) Latest(ctx context.Context, orderID string) (string, error) {
	if _, err := uuid.Parse(orderID); err != nil {
		return "", ErrNoExecution
	}
	var ref string
	err := x.DB.QueryRow(ctx, `
		SELECT execution_ref FROM order_executions
		WHERE order_id=$1
		ORDER BY started_at DESC, execution_ref DESC
		LIMIT 1`, orderID).Scan(&ref)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNoExecution
	}
	if err != nil {
		return "", dependency("latest execution", err)
	}
	return ref, nil
}
