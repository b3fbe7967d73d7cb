package models

import (
	"time"

	"github.com/erp/exchange/internal/domain/exchange"
	"github.com/shopspring/decimal"
)

// OrderModel is the exchange view of a storefront order: what is exported to
// the ERP and what order-change documents update.
type OrderModel struct {
	ID              string           `gorm:"type:varchar(255);primaryKey"`
	Number          string           `gorm:"type:varchar(128);not null"`
	Status          string           `gorm:"type:varchar(64);not null;default:'new'"`
	Paid            bool             `gorm:"not null;default:false"`
	Currency        string           `gorm:"type:varchar(3);not null"`
	Total           decimal.Decimal  `gorm:"type:decimal(18,4);not null;default:0"`
	Comment         string           `gorm:"type:text"`
	CustomerID      string           `gorm:"type:varchar(255)"`
	CustomerName    string           `gorm:"type:varchar(512)"`
	CustomerEmail   string           `gorm:"type:varchar(255)"`
	CustomerPhone   string           `gorm:"type:varchar(64)"`
	ShippingAddress string           `gorm:"type:text"`
	ExportedAt      *time.Time       `gorm:"index:idx_orders_export_pending,priority:1"`
	ExportObjectKey string           `gorm:"type:varchar(1024)"`
	Lines           []OrderLineModel `gorm:"foreignKey:OrderID"`
	CreatedAt       time.Time        `gorm:"not null;index:idx_orders_export_pending,priority:2"`
	UpdatedAt       time.Time        `gorm:"not null"`
}

// TableName returns the table name for GORM
func (OrderModel) TableName() string {
	return "orders"
}

// OrderLineModel is one line item of an order.
type OrderLineModel struct {
	OrderID     string          `gorm:"type:varchar(255);primaryKey"`
	LineNo      int             `gorm:"primaryKey"`
	ProductGUID string          `gorm:"type:varchar(255)"`
	SKU         string          `gorm:"type:varchar(255)"`
	Name        string          `gorm:"type:varchar(1024);not null"`
	Quantity    decimal.Decimal `gorm:"type:decimal(18,4);not null"`
	UnitPrice   decimal.Decimal `gorm:"type:decimal(18,4);not null"`
}

// TableName returns the table name for GORM
func (OrderLineModel) TableName() string {
	return "order_lines"
}

// ToExport converts the order and its preloaded lines for CommerceML export.
func (m *OrderModel) ToExport() exchange.ExportOrder {
	out := exchange.ExportOrder{
		ID:        m.ID,
		Number:    m.Number,
		CreatedAt: m.CreatedAt,
		Currency:  m.Currency,
		Total:     m.Total,
		Comment:   m.Comment,
		Customer: exchange.ExportCounterparty{
			ID:      m.CustomerID,
			Name:    m.CustomerName,
			Email:   m.CustomerEmail,
			Phone:   m.CustomerPhone,
			Address: m.ShippingAddress,
		},
		Items: make([]exchange.ExportLine, 0, len(m.Lines)),
	}
	for _, l := range m.Lines {
		out.Items = append(out.Items, exchange.ExportLine{
			ProductGUID: l.ProductGUID,
			SKU:         l.SKU,
			Name:        l.Name,
			Quantity:    l.Quantity,
			UnitPrice:   l.UnitPrice,
			Amount:      l.Quantity.Mul(l.UnitPrice),
		})
	}
	return out
}
