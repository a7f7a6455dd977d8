package models

// Sku describes one purchasable in-app product and the marketplace where it
// may be sold. The catalog is defined at build time; config may narrow or
// override it for sandbox testing.
type Sku struct {
	ID          string `json:"id" yaml:"id"`
	Marketplace string `json:"marketplace" yaml:"marketplace"`
}

// PremiumSubscription is the only subscription product this service tracks.
var PremiumSubscription = Sku{
	ID:          "com.testapp.amazontvsample.premium",
	Marketplace: "US",
}

// Catalog holds the purchasable SKUs keyed by product id. The first SKU
// passed to NewCatalog is the tracked subscription product.
type Catalog struct {
	skus    map[string]Sku
	tracked string
}

func NewCatalog(skus ...Sku) Catalog {
	m := make(map[string]Sku, len(skus))
	for _, s := range skus {
		m[s.ID] = s
	}
	c := Catalog{skus: m}
	if len(skus) > 0 {
		c.tracked = skus[0].ID
	}
	return c
}

// Tracked returns the product id of the tracked subscription.
func (c Catalog) Tracked() string {
	return c.tracked
}

// DefaultCatalog returns the built-in catalog with the premium subscription.
func DefaultCatalog() Catalog {
	return NewCatalog(PremiumSubscription)
}

// FromSku resolves a receipt SKU against the catalog. The marketplace must be
// empty (unknown) or match the SKU's marketplace restriction, otherwise the
// product is not valid for this customer.
func (c Catalog) FromSku(sku, marketplace string) (Sku, bool) {
	s, ok := c.skus[sku]
	if !ok {
		return Sku{}, false
	}
	if marketplace != "" && marketplace != s.Marketplace {
		return Sku{}, false
	}
	return s, true
}

// Contains reports whether the catalog tracks the given product id,
// regardless of marketplace.
func (c Catalog) Contains(sku string) bool {
	_, ok := c.skus[sku]
	return ok
}

// IDs returns the set of tracked product ids.
func (c Catalog) IDs() []string {
	out := make([]string, 0, len(c.skus))
	for id := range c.skus {
		out = append(out, id)
	}
	return out
}
