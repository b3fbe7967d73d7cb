package integration

import (
	"time"

	"github.com/shopspring/decimal"
)

// Routing keys of the integration events and the queues bound to them.
const (
	EventOrderCreated  = "order.created"
	EventReturnCreated = "return.created"

	OrdersIntegrationQueue  = "orders.integration.q"
	ReturnsIntegrationQueue = "returns.integration.q"
)

// Customer is the buyer as the storefront knows it.
type Customer struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email,omitempty"`
	Phone string `json:"phone,omitempty"`
}

// Payment describes how an order was or will be paid.
type Payment struct {
	Method string          `json:"method"`
	Status string          `json:"status"`
	Amount decimal.Decimal `json:"amount"`
	PaidAt *time.Time      `json:"paid_at,omitempty"`
}

// LineItem is one position of an order or return.
type LineItem struct {
	ProductGUID string          `json:"product_guid"`
	SKU         string          `json:"sku"`
	Name        string          `json:"name"`
	Quantity    decimal.Decimal `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
}

// OrderCreated is published when the storefront accepts an order.
type OrderCreated struct {
	MessageID       string          `json:"message_id"`
	OrderID         string          `json:"order_id"`
	Number          string          `json:"number"`
	CreatedAt       time.Time       `json:"created_at"`
	Currency        string          `json:"currency"`
	Total           decimal.Decimal `json:"total"`
	Customer        Customer        `json:"customer"`
	Payment         Payment         `json:"payment"`
	ShippingAddress string          `json:"shipping_address,omitempty"`
	Comment         string          `json:"comment,omitempty"`
	Items           []LineItem      `json:"items"`
}

// ReturnCreated is published when a customer return is registered.
type ReturnCreated struct {
	MessageID    string          `json:"message_id"`
	ReturnID     string          `json:"return_id"`
	OrderID      string          `json:"order_id"`
	CreatedAt    time.Time       `json:"created_at"`
	Reason       string          `json:"reason,omitempty"`
	Currency     string          `json:"currency"`
	RefundAmount decimal.Decimal `json:"refund_amount"`
	Customer     Customer        `json:"customer"`
	Items        []LineItem      `json:"items"`
}
