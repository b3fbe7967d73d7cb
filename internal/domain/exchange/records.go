package exchange

import (
	"time"

	"github.com/shopspring/decimal"
)

// DocumentHeader carries the root attributes of a CommerceML document.
type DocumentHeader struct {
	SchemaVersion string
	GeneratedAt   string
}

// ProductRecord is one catalog item.
type ProductRecord struct {
	GUID       string
	SKU        string
	Name       string
	CategoryID string
	// Attributes maps property id to value.
	Attributes map[string]string
}

// Price is one entry of an offer's price list.
type Price struct {
	PriceTypeID string
	Amount      decimal.Decimal
	Currency    string
}

// WarehouseStock is the quantity held by one warehouse.
type WarehouseStock struct {
	WarehouseID string
	Quantity    decimal.Decimal
}

// OfferRecord is one stock/price record.
type OfferRecord struct {
	GUID     string
	SKU      string
	Name     string
	Prices   []Price
	Quantity decimal.Decimal
	// WarehouseID is the first warehouse listed, empty when none is.
	WarehouseID string
	Stocks      []WarehouseStock
}

// OrderChange is a status/payment update for one order.
type OrderChange struct {
	OrderID string
	Number  string
	Status  string
	// Paid is nil when the document does not carry the flag.
	Paid *bool
}

// ExportOrder is an order selected for export to the ERP as CommerceML.
type ExportOrder struct {
	ID        string
	Number    string
	CreatedAt time.Time
	Currency  string
	Total     decimal.Decimal
	Comment   string
	Customer  ExportCounterparty
	Items     []ExportLine
}

// ExportCounterparty is the buyer of an exported order.
type ExportCounterparty struct {
	ID      string
	Name    string
	Email   string
	Phone   string
	Address string
}

// ExportLine is one line item of an exported order.
type ExportLine struct {
	ProductGUID string
	SKU         string
	Name        string
	Quantity    decimal.Decimal
	UnitPrice   decimal.Decimal
	Amount      decimal.Decimal
}

// Outbox identity of order status changes applied from ERP documents.
const (
	AggregateOrder          = "order"
	EventOrderStatusChanged = "order.status_changed"
)

// OrderStatusChanged is the outbox payload emitted when an order-change
// document alters an order.
type OrderStatusChanged struct {
	OrderID   string    `json:"order_id"`
	Number    string    `json:"number"`
	Status    string    `json:"status"`
	Paid      bool      `json:"paid"`
	ChangedAt time.Time `json:"changed_at"`
}
