package sqlite

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"

	"github.com/xenking/shopfront/internal/domain/product"
)

const (
	productColumns = `id, name, description, category, price, created_at`

	listProductsSQL = `SELECT ` + productColumns + ` FROM products ORDER BY created_at DESC, id`

	getProductByIDSQL = `SELECT ` + productColumns + ` FROM products WHERE id = ?`

	upsertProductSQL = `INSERT INTO products (id, name, description, category, price, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET name = excluded.name, description = excluded.description,
			category = excluded.category, price = excluded.price`

	deleteProductImagesSQL = `DELETE FROM product_images WHERE product_id = ?`

	insertProductImageSQL = `INSERT INTO product_images (product_id, position, path) VALUES (?, ?, ?)`
)

var _ product.Repository = (*ProductRepository)(nil)

// ProductRepository implements product.Repository backed by SQLite.
type ProductRepository struct {
	db dbtx
}

// List returns the catalog, newest first.
func (r *ProductRepository) List(ctx context.Context) ([]product.Product, error) {
	products, err := r.query(ctx, listProductsSQL)
	if err != nil {
		return nil, fmt.Errorf("listing products: %w", err)
	}
	return products, nil
}

// GetByID returns a single product by its identifier.
func (r *ProductRepository) GetByID(ctx context.Context, id string) (*product.Product, error) {
	products, err := r.query(ctx, getProductByIDSQL, id)
	if err != nil {
		return nil, fmt.Errorf("getting product %q: %w", id, err)
	}
	if len(products) == 0 {
		return nil, product.ErrNotFound
	}
	return &products[0], nil
}

// GetByIDs returns products matching any of the given IDs.
func (r *ProductRepository) GetByIDs(ctx context.Context, ids []string) ([]product.Product, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	query := `SELECT ` + productColumns + ` FROM products WHERE id IN (` + placeholders(len(ids)) + `)`
	products, err := r.query(ctx, query, toAny(ids)...)
	if err != nil {
		return nil, fmt.Errorf("getting products by ids: %w", err)
	}
	return products, nil
}

// Upsert inserts or replaces a product together with its images. The
// creation time of an existing product is kept.
func (r *ProductRepository) Upsert(ctx context.Context, p product.Product) error {
	createdAt := p.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	if _, err := r.db.ExecContext(ctx, upsertProductSQL,
		p.ID, p.Name, p.Description, p.Category, p.Price.String(), unixNano(createdAt),
	); err != nil {
		return fmt.Errorf("upserting product %q: %w", p.ID, err)
	}
	if _, err := r.db.ExecContext(ctx, deleteProductImagesSQL, p.ID); err != nil {
		return fmt.Errorf("clearing images of %q: %w", p.ID, err)
	}
	for i, path := range p.Images {
		if _, err := r.db.ExecContext(ctx, insertProductImageSQL, p.ID, i, path); err != nil {
			return fmt.Errorf("adding image to %q: %w", p.ID, err)
		}
	}
	return nil
}

func (r *ProductRepository) query(ctx context.Context, query string, args ...any) ([]product.Product, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var products []product.Product
	for rows.Next() {
		var (
			p       product.Product
			created int64
		)
		if err := rows.Scan(&p.ID, &p.Name, &p.Description, &p.Category, &p.Price, &created); err != nil {
			return nil, err
		}
		p.CreatedAt = fromUnixNano(created)
		p.Images = []string{}
		products = append(products, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if err := r.attachImages(ctx, products); err != nil {
		return nil, errors.Wrap(err, "images")
	}
	return products, nil
}

func (r *ProductRepository) attachImages(ctx context.Context, products []product.Product) error {
	if len(products) == 0 {
		return nil
	}
	idx := make(map[string]int, len(products))
	ids := make([]string, len(products))
	for i, p := range products {
		idx[p.ID] = i
		ids[i] = p.ID
	}

	query := `SELECT product_id, path FROM product_images WHERE product_id IN (` +
		placeholders(len(ids)) + `) ORDER BY product_id, position`
	rows, err := r.db.QueryContext(ctx, query, toAny(ids)...)
	if err != nil {
		return err
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var id, path string
		if err := rows.Scan(&id, &path); err != nil {
			return err
		}
		if i, ok := idx[id]; ok {
			products[i].Images = append(products[i].Images, path)
		}
	}
	return rows.Err()
}

