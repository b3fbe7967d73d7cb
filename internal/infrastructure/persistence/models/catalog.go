package models

import (
	"github.com/erp/exchange/internal/domain/exchange"
	"github.com/shopspring/decimal"
)

// CatalogProductModel holds one product imported from a catalog document.
type CatalogProductModel struct {
	GUID       string            `gorm:"type:varchar(255);primaryKey"`
	SKU        string            `gorm:"type:varchar(255);index"`
	Name       string            `gorm:"type:varchar(1024);not null"`
	CategoryID string            `gorm:"type:varchar(255)"`
	Attributes map[string]string `gorm:"type:jsonb;serializer:json"`
	TimestampModel
}

// TableName returns the table name for GORM
func (CatalogProductModel) TableName() string {
	return "catalog_products"
}

// ToDomain converts the model to a ProductRecord.
func (m *CatalogProductModel) ToDomain() exchange.ProductRecord {
	return exchange.ProductRecord{
		GUID:       m.GUID,
		SKU:        m.SKU,
		Name:       m.Name,
		CategoryID: m.CategoryID,
		Attributes: m.Attributes,
	}
}

// CatalogProductModelFromDomain creates a model from a parsed product.
func CatalogProductModelFromDomain(p exchange.ProductRecord) *CatalogProductModel {
	return &CatalogProductModel{
		GUID:       p.GUID,
		SKU:        p.SKU,
		Name:       p.Name,
		CategoryID: p.CategoryID,
		Attributes: p.Attributes,
	}
}

// CatalogOfferModel holds the price list and stock of one offer in one
// warehouse. Offers without a warehouse use the empty warehouse id.
type CatalogOfferModel struct {
	GUID        string           `gorm:"type:varchar(255);primaryKey"`
	WarehouseID string           `gorm:"type:varchar(255);primaryKey"`
	SKU         string           `gorm:"type:varchar(255)"`
	Name        string           `gorm:"type:varchar(1024)"`
	Quantity    decimal.Decimal  `gorm:"type:decimal(18,4);not null;default:0"`
	Prices      []exchange.Price `gorm:"type:jsonb;serializer:json"`
	TimestampModel
}

// TableName returns the table name for GORM
func (CatalogOfferModel) TableName() string {
	return "catalog_offers"
}

// CatalogOfferModelsFromDomain expands an offer into one row per warehouse.
func CatalogOfferModelsFromDomain(o exchange.OfferRecord) []*CatalogOfferModel {
	row := func(warehouseID string, qty decimal.Decimal) *CatalogOfferModel {
		return &CatalogOfferModel{
			GUID:        o.GUID,
			WarehouseID: warehouseID,
			SKU:         o.SKU,
			Name:        o.Name,
			Quantity:    qty,
			Prices:      o.Prices,
		}
	}
	if len(o.Stocks) == 0 {
		return []*CatalogOfferModel{row(o.WarehouseID, o.Quantity)}
	}
	rows := make([]*CatalogOfferModel, 0, len(o.Stocks))
	for _, s := range o.Stocks {
		rows = append(rows, row(s.WarehouseID, s.Quantity))
	}
	return rows
}
