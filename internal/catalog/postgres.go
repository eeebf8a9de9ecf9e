package catalog

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// PostgresCatalog reads listings from the products table.
type PostgresCatalog struct {
	db *sql.DB
}

// NewPostgresCatalog creates a PostgreSQL-backed catalog.
func NewPostgresCatalog(db *sql.DB) *PostgresCatalog {
	return &PostgresCatalog{db: db}
}

func (p *PostgresCatalog) GetProduct(ctx context.Context, id string) (*Product, error) {
	var (
		prod   Product
		status string
	)
	err := p.db.QueryRowContext(ctx, `
		SELECT id, seller_id, title, price, status, updated_at
		FROM products WHERE id = $1`, id,
	).Scan(&prod.ID, &prod.SellerID, &prod.Title, &prod.Price, &status, &prod.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrProductNotFound
	}
	if err != nil {
		return nil, err
	}
	prod.Status = Status(status)
	return &prod, nil
}

func (p *PostgresCatalog) SetProductStatus(ctx context.Context, id string, status Status) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE products SET status = $1, updated_at = $2 WHERE id = $3`,
		string(status), time.Now(), id)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrProductNotFound
	}
	return nil
}

// Insert adds a product row. Used by seeding and integration tests.
func (p *PostgresCatalog) Insert(ctx context.Context, prod *Product) error {
	status := prod.Status
	if status == "" {
		status = StatusAvailable
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO products (id, seller_id, title, price, status, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		prod.ID, prod.SellerID, prod.Title, prod.Price, string(status), time.Now())
	return err
}

var _ Catalog = (*PostgresCatalog)(nil)
