// Product catalog with stock levels and the restock rule
// Stock mutations and the inventory gauge are updated under one lock
package shop

import (
	"cmp"
	"errors"
	"fmt"
	"math/rand/v2"
	"slices"
	"sync"
)

// Default restock policy: anything below 10 units is topped back up to 100.
const (
	DefaultLowWater     = 10
	DefaultRestockLevel = 100
)

// ErrNotFound is returned for product names that are not in the catalog.
var ErrNotFound = errors.New("product not found")

// Product is a named item with a unit price and a current stock level.
type Product struct {
	Name  string  `json:"name"`
	Price float64 `json:"price"`
	Stock int     `json:"stock"`
}

// RestockPolicy resets stock to Level whenever it falls below LowWater.
// A LowWater of 0 restocks only once stock goes negative.
type RestockPolicy struct {
	LowWater int
	Level    int
}

// DefaultRestockPolicy returns the 10/100 sawtooth policy.
func DefaultRestockPolicy() RestockPolicy {
	return RestockPolicy{LowWater: DefaultLowWater, Level: DefaultRestockLevel}
}

// Apply returns the stock level after the restock rule has been applied.
func (p RestockPolicy) Apply(stock int) int {
	if stock < p.LowWater {
		return p.Level
	}
	return stock
}

// StockRecorder receives every stock change. The catalog calls it while
// holding its lock, so implementations must not call back into the catalog.
type StockRecorder interface {
	RecordStock(product string, stock int)
}

type nopRecorder struct{}

func (nopRecorder) RecordStock(string, int) {}

// Catalog holds a fixed set of products. Membership never changes after
// construction; only stock levels move.
type Catalog struct {
	mu       sync.Mutex
	products map[string]*Product
	names    []string
	policy   RestockPolicy
	recorder StockRecorder
}

// NewCatalog builds a catalog and publishes the initial stock of every product.
// A nil recorder discards stock updates.
func NewCatalog(products []Product, policy RestockPolicy, rec StockRecorder) (*Catalog, error) {
	if len(products) == 0 {
		return nil, fmt.Errorf("catalog must contain at least one product")
	}
	if policy.Level <= policy.LowWater {
		return nil, fmt.Errorf("restock level (%d) must be above the low-water mark (%d)", policy.Level, policy.LowWater)
	}
	if rec == nil {
		rec = nopRecorder{}
	}

	c := &Catalog{
		products: make(map[string]*Product, len(products)),
		names:    make([]string, 0, len(products)),
		policy:   policy,
		recorder: rec,
	}
	for _, p := range products {
		if p.Name == "" {
			return nil, fmt.Errorf("product name cannot be empty")
		}
		if p.Price <= 0 {
			return nil, fmt.Errorf("product %q: price must be positive, got %g", p.Name, p.Price)
		}
		if _, dup := c.products[p.Name]; dup {
			return nil, fmt.Errorf("duplicate product %q", p.Name)
		}
		p.Stock = policy.Apply(p.Stock)
		c.products[p.Name] = &p
		c.names = append(c.names, p.Name)
	}
	slices.Sort(c.names)

	for _, name := range c.names {
		rec.RecordStock(name, c.products[name].Stock)
	}
	return c, nil
}

// Policy returns the catalog's restock policy.
func (c *Catalog) Policy() RestockPolicy {
	return c.policy
}

// Names returns the product names in sorted order.
func (c *Catalog) Names() []string {
	return slices.Clone(c.names)
}

// Get returns a copy of the named product.
func (c *Catalog) Get(name string) (Product, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.products[name]
	if !ok {
		return Product{}, fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	return *p, nil
}

// Decrement reduces a product's stock by amount, applies the restock rule,
// and publishes the new level before releasing the lock.
func (c *Catalog) Decrement(name string, amount int) (Product, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.products[name]
	if !ok {
		return Product{}, fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	p.Stock = c.policy.Apply(p.Stock - amount)
	c.recorder.RecordStock(p.Name, p.Stock)
	return *p, nil
}

// Purchase sells a single unit of the named product.
func (c *Catalog) Purchase(name string) (Product, error) {
	return c.Decrement(name, 1)
}

// PickRandom returns a uniformly chosen product name.
func (c *Catalog) PickRandom(rng *rand.Rand) string {
	return c.names[rng.IntN(len(c.names))]
}

// Snapshot returns copies of all products sorted by name.
func (c *Catalog) Snapshot() []Product {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Product, 0, len(c.products))
	for _, p := range c.products {
		out = append(out, *p)
	}
	slices.SortFunc(out, func(a, b Product) int {
		return cmp.Compare(a.Name, b.Name)
	})
	return out
}
