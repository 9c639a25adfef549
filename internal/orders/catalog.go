package orders

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Catalog is the read-only view over customers and products.
type Catalog struct{ DB *pgxpool.Pool }

const productColumns = `product_id, product_name, price, stock_quantity, description, category, created_at, updated_at`

func (c *Catalog) ListCustomers(ctx context.Context) ([]Customer, error) {
	rows, err := c.DB.Query(ctx, `SELECT customer_id, customer_name, email, phone, address
	                              FROM customers ORDER BY customer_name, customer_id`)
	if err != nil {
		return nil, dependency("list customers", err)
	}
	defer rows.Close()

	out := []Customer{}
	for rows.Next() {
		var cu Customer
		if err := rows.Scan(&cu.ID, &cu.Name, &cu.Email, &cu.Phone, &cu.Address); err != nil {
			return nil, dependency("scan customer", err)
		}
		out = append(out, cu)
	}
	return out, dependency("list customers", rows.Err())
}

func (c *Catalog) ListProducts(ctx context.Context, f ProductFilter) ([]Product, error) {
	rows, err := c.DB.Query(ctx, `SELECT `+productColumns+`
		FROM products
		WHERE ($1::bool = false OR stock_quantity > 0)
		  AND ($2::text = '' OR category = $2)
		ORDER BY product_name, product_id`, f.InStockOnly, f.Category)
	if err != nil {
		return nil, dependency("list products", err)
	}
	defer rows.Close()

	out := []Product{}
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, dependency("scan product", err)
		}
		out = append(out, p)
	}
	return out, dependency("list products", rows.Err())
}

func (c *Catalog) GetProduct(ctx context.Context, id string) (Product, error) {
	p, err := scanProduct(c.DB.QueryRow(ctx, `SELECT `+productColumns+` FROM products WHERE product_id=$1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Product{}, &ProductNotFoundError{ProductID: id}
	}
	if err != nil {
		return Product{}, dependency("get product", err)
	}
	return p, nil
}

func scanProduct(row pgx.Row) (Product, error) {
	var p Product
	err := row.Scan(&p.ID, &p.Name, &p.Price, &p.Stock, &p.Description, &p.Category, &p.CreatedAt, &p.UpdatedAt)
	return p, err
}
