package daemon

import (
	"encoding/json"
	"fmt"

	"github.com/MarkoPoloResearchLab/gemledger/pkg/ledger"
	"github.com/spf13/viper"
)

const (
	catalogKeyItems    = "items"
	catalogKeyPackages = "packages"
)

type catalogItemEntry struct {
	ID       string         `mapstructure:"id"`
	Title    string         `mapstructure:"title"`
	Price    int64          `mapstructure:"price"`
	Metadata map[string]any `mapstructure:"metadata"`
}

type catalogPackageEntry struct {
	ID         string `mapstructure:"id"`
	Gems       int64  `mapstructure:"gems"`
	PriceLabel string `mapstructure:"price_label"`
}

// LoadCatalog reads items and top-up packages from a YAML, JSON or TOML file.
// An empty path yields an item-less catalog with the default packages; so does a file without packages.
func LoadCatalog(path string) (*ledger.StaticCatalog, error) {
	if path == "" {
		return ledger.NewStaticCatalog(nil, ledger.DefaultTopUpPackages())
	}
	reader := viper.New()
	reader.SetConfigFile(path)
	if err := reader.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read catalog %s: %w", path, err)
	}

	var itemEntries []catalogItemEntry
	if err := reader.UnmarshalKey(catalogKeyItems, &itemEntries); err != nil {
		return nil, fmt.Errorf("decode catalog items: %w", err)
	}
	var packageEntries []catalogPackageEntry
	if err := reader.UnmarshalKey(catalogKeyPackages, &packageEntries); err != nil {
		return nil, fmt.Errorf("decode catalog packages: %w", err)
	}

	items := make([]ledger.CatalogItem, 0, len(itemEntries))
	for index, entry := range itemEntries {
		item, err := mapCatalogItem(entry)
		if err != nil {
			return nil, fmt.Errorf("catalog item %d: %w", index, err)
		}
		items = append(items, item)
	}
	packages := ledger.DefaultTopUpPackages()
	if len(packageEntries) > 0 {
		packages = make([]ledger.TopUpPackage, 0, len(packageEntries))
		for index, entry := range packageEntries {
			topUpPackage, err := mapCatalogPackage(entry)
			if err != nil {
				return nil, fmt.Errorf("catalog package %d: %w", index, err)
			}
			packages = append(packages, topUpPackage)
		}
	}
	return ledger.NewStaticCatalog(items, packages)
}

func mapCatalogItem(entry catalogItemEntry) (ledger.CatalogItem, error) {
	itemID, err := ledger.NewItemID(entry.ID)
	if err != nil {
		return ledger.CatalogItem{}, err
	}
	if entry.Price < 0 {
		return ledger.CatalogItem{}, fmt.Errorf("%w: price must not be negative", ledger.ErrInvalidAmount)
	}
	metadataValue := ""
	if len(entry.Metadata) > 0 {
		raw, err := json.Marshal(entry.Metadata)
		if err != nil {
			return ledger.CatalogItem{}, fmt.Errorf("%w: %v", ledger.ErrInvalidMetadataJSON, err)
		}
		metadataValue = string(raw)
	}
	metadata, err := ledger.NewMetadataJSON(metadataValue)
	if err != nil {
		return ledger.CatalogItem{}, err
	}
	return ledger.CatalogItem{
		ID:       itemID,
		Title:    entry.Title,
		Price:    ledger.Amount(entry.Price),
		Metadata: metadata,
	}, nil
}

func mapCatalogPackage(entry catalogPackageEntry) (ledger.TopUpPackage, error) {
	packageID, err := ledger.NewPackageID(entry.ID)
	if err != nil {
		return ledger.TopUpPackage{}, err
	}
	gems, err := ledger.NewAmount(entry.Gems)
	if err != nil {
		return ledger.TopUpPackage{}, err
	}
	return ledger.TopUpPackage{ID: packageID, Gems: gems, PriceLabel: entry.PriceLabel}, nil
}
