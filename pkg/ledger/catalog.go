package ledger

import (
	"context"
	"fmt"
)

// CatalogItem is a purchasable item. Price may be zero for free items.
type CatalogItem struct {
	ID       ItemID
	Price    Amount
	Title    string
	Metadata MetadataJSON
}

// TopUpPackage is a gem bundle offered in the top-up panel.
type TopUpPackage struct {
	ID         PackageID
	Gems       Amount
	PriceLabel string
}

// Catalog resolves items and top-up packages. It is read-only for the ledger.
type Catalog interface {
	LookupItem(ctx context.Context, itemID ItemID) (CatalogItem, error)
	LookupPackage(ctx context.Context, packageID PackageID) (TopUpPackage, error)
}

// StaticCatalog is an immutable in-memory Catalog.
type StaticCatalog struct {
	items        map[string]CatalogItem
	itemOrder    []ItemID
	packages     map[string]TopUpPackage
	packageOrder []PackageID
}

// NewStaticCatalog validates and indexes the given items and packages.
func NewStaticCatalog(items []CatalogItem, packages []TopUpPackage) (*StaticCatalog, error) {
	catalog := &StaticCatalog{
		items:    make(map[string]CatalogItem, len(items)),
		packages: make(map[string]TopUpPackage, len(packages)),
	}
	for _, item := range items {
		if item.ID.IsZero() {
			return nil, fmt.Errorf("%w: catalog item without id", ErrInvalidItemID)
		}
		if item.Price < 0 {
			return nil, fmt.Errorf("%w: item %s has negative price", ErrInvalidAmount, item.ID.String())
		}
		if _, exists := catalog.items[item.ID.String()]; exists {
			return nil, fmt.Errorf("%w: duplicate catalog item %s", ErrInvalidItemID, item.ID.String())
		}
		catalog.items[item.ID.String()] = item
		catalog.itemOrder = append(catalog.itemOrder, item.ID)
	}
	for _, topUpPackage := range packages {
		if topUpPackage.ID.String() == "" {
			return nil, fmt.Errorf("%w: package without id", ErrInvalidPackageID)
		}
		if err := topUpPackage.Gems.validate(); err != nil {
			return nil, fmt.Errorf("package %s: %w", topUpPackage.ID.String(), err)
		}
		if _, exists := catalog.packages[topUpPackage.ID.String()]; exists {
			return nil, fmt.Errorf("%w: duplicate package %s", ErrInvalidPackageID, topUpPackage.ID.String())
		}
		catalog.packages[topUpPackage.ID.String()] = topUpPackage
		catalog.packageOrder = append(catalog.packageOrder, topUpPackage.ID)
	}
	return catalog, nil
}

// DefaultTopUpPackages returns the stock gem bundles.
func DefaultTopUpPackages() []TopUpPackage {
	return []TopUpPackage{
		{ID: PackageID{value: "p1"}, Gems: 100, PriceLabel: "PHP 50"},
		{ID: PackageID{value: "p2"}, Gems: 200, PriceLabel: "PHP 100"},
		{ID: PackageID{value: "p3"}, Gems: 500, PriceLabel: "PHP 150"},
	}
}

func (catalog *StaticCatalog) LookupItem(_ context.Context, itemID ItemID) (CatalogItem, error) {
	item, ok := catalog.items[itemID.String()]
	if !ok {
		return CatalogItem{}, fmt.Errorf("%w: %s", ErrUnknownItem, itemID.String())
	}
	return item, nil
}

func (catalog *StaticCatalog) LookupPackage(_ context.Context, packageID PackageID) (TopUpPackage, error) {
	topUpPackage, ok := catalog.packages[packageID.String()]
	if !ok {
		return TopUpPackage{}, fmt.Errorf("%w: %s", ErrUnknownPackage, packageID.String())
	}
	return topUpPackage, nil
}

// Items lists catalog items in declaration order.
func (catalog *StaticCatalog) Items() []CatalogItem {
	items := make([]CatalogItem, 0, len(catalog.itemOrder))
	for _, itemID := range catalog.itemOrder {
		items = append(items, catalog.items[itemID.String()])
	}
	return items
}

// Packages lists top-up packages in declaration order.
func (catalog *StaticCatalog) Packages() []TopUpPackage {
	packages := make([]TopUpPackage, 0, len(catalog.packageOrder))
	for _, packageID := range catalog.packageOrder {
		packages = append(packages, catalog.packages[packageID.String()])
	}
	return packages
}
