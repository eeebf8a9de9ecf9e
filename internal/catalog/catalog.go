// Package catalog is the product listing collaborator of the order engine.
// Listing CRUD lives elsewhere; orders only read a product and move it
// between available, reserved and sold.
package catalog

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	ErrProductNotFound    = errors.New("product not found")
	ErrProductUnavailable = errors.New("product is not available")
)

// Status is the sale status of a listing.
type Status string

const (
	StatusAvailable Status = "available"
	StatusReserved  Status = "reserved"
	StatusSold      Status = "sold"
)

// Product is the subset of a listing the order engine needs.
type Product struct {
	ID        string    `json:"id"`
	SellerID  string    `json:"sellerId"`
	Title     string    `json:"title"`
	Price     int64     `json:"price"` // VND
	Status    Status    `json:"status"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Catalog reads products and updates their sale status.
type Catalog interface {
	GetProduct(ctx context.Context, id string) (*Product, error)
	SetProductStatus(ctx context.Context, id string, status Status) error
}

// MemoryCatalog is an in-memory Catalog for development and tests.
type MemoryCatalog struct {
	products map[string]*Product
	mu       sync.RWMutex
}

// NewMemoryCatalog creates an empty in-memory catalog.
func NewMemoryCatalog() *MemoryCatalog {
	return &MemoryCatalog{products: make(map[string]*Product)}
}

// Put inserts or replaces a product.
func (m *MemoryCatalog) Put(p *Product) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *p
	if cp.Status == "" {
		cp.Status = StatusAvailable
	}
	m.products[p.ID] = &cp
}

func (m *MemoryCatalog) GetProduct(_ context.Context, id string) (*Product, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.products[id]
	if !ok {
		return nil, ErrProductNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *MemoryCatalog) SetProductStatus(_ context.Context, id string, status Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.products[id]
	if !ok {
		return ErrProductNotFound
	}
	p.Status = status
	p.UpdatedAt = time.Now()
	return nil
}

var _ Catalog = (*MemoryCatalog)(nil)
