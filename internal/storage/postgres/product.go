package postgres

import (
	"context"
	"fmt"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"

	"github.com/xenking/shopfront/internal/domain/product"
)

const (
	productColumns = `p.id, p.name, p.description, p.category, p.price, p.created_at,
		COALESCE(array_agg(i.path ORDER BY i.position) FILTER (WHERE i.path IS NOT NULL), '{}')`

	listProductsSQL = `SELECT ` + productColumns + `
		FROM products p LEFT JOIN product_images i ON i.product_id = p.id
		GROUP BY p.id ORDER BY p.created_at DESC, p.id`

	getProductByIDSQL = `SELECT ` + productColumns + `
		FROM products p LEFT JOIN product_images i ON i.product_id = p.id
		WHERE p.id = $1 GROUP BY p.id`

	getProductsByIDsSQL = `SELECT ` + productColumns + `
		FROM products p LEFT JOIN product_images i ON i.product_id = p.id
		WHERE p.id = ANY($1) GROUP BY p.id`

	upsertProductSQL = `INSERT INTO products (id, name, description, category, price)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, description = EXCLUDED.description,
			category = EXCLUDED.category, price = EXCLUDED.price`

	deleteProductImagesSQL = `DELETE FROM product_images WHERE product_id = $1`

	insertProductImageSQL = `INSERT INTO product_images (product_id, position, path) VALUES ($1, $2, $3)`
)

var _ product.Repository = (*ProductRepository)(nil)

// ProductRepository implements product.Repository backed by PostgreSQL.
type ProductRepository struct {
	db dbtx
}

// List returns the catalog, newest first.
func (r *ProductRepository) List(ctx context.Context) ([]product.Product, error) {
	rows, err := r.db.Query(ctx, listProductsSQL)
	if err != nil {
		return nil, fmt.Errorf("listing products: %w", err)
	}
	return pgx.CollectRows(rows, scanProduct)
}

// GetByID returns a single product by its identifier.
func (r *ProductRepository) GetByID(ctx context.Context, id string) (*product.Product, error) {
	rows, err := r.db.Query(ctx, getProductByIDSQL, id)
	if err != nil {
		return nil, fmt.Errorf("getting product %q: %w", id, err)
	}

	p, err := pgx.CollectExactlyOneRow(rows, scanProduct)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, product.ErrNotFound
		}
		return nil, fmt.Errorf("getting product %q: %w", id, err)
	}
	return &p, nil
}

// GetByIDs returns products matching any of the given IDs.
func (r *ProductRepository) GetByIDs(ctx context.Context, ids []string) ([]product.Product, error) {
	rows, err := r.db.Query(ctx, getProductsByIDsSQL, ids)
	if err != nil {
		return nil, fmt.Errorf("getting products by ids: %w", err)
	}
	return pgx.CollectRows(rows, scanProduct)
}

// Upsert inserts or replaces a product together with its images.
func (r *ProductRepository) Upsert(ctx context.Context, p product.Product) error {
	if _, err := r.db.Exec(ctx, upsertProductSQL, p.ID, p.Name, p.Description, p.Category, p.Price); err != nil {
		return fmt.Errorf("upserting product %q: %w", p.ID, err)
	}
	if _, err := r.db.Exec(ctx, deleteProductImagesSQL, p.ID); err != nil {
		return fmt.Errorf("clearing images of %q: %w", p.ID, err)
	}
	for i, path := range p.Images {
		if _, err := r.db.Exec(ctx, insertProductImageSQL, p.ID, i, path); err != nil {
			return fmt.Errorf("adding image to %q: %w", p.ID, err)
		}
	}
	return nil
}

func scanProduct(row pgx.CollectableRow) (product.Product, error) {
	var p product.Product
	err := row.Scan(&p.ID, &p.Name, &p.Description, &p.Category, &p.Price, &p.CreatedAt, &p.Images)
	return p, err
}
