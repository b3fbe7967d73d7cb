package integration

import (
	"time"

	"github.com/shopspring/decimal"
)

// ContractVersionV1 is the only contract version the ERP accepts today.
const ContractVersionV1 = "v1"

// EnvelopeKind tags the payload of an Envelope.
type EnvelopeKind string

const (
	EnvelopeKindOrder   EnvelopeKind = "order"
	EnvelopeKindReturn  EnvelopeKind = "return"
	EnvelopeKindCatalog EnvelopeKind = "catalog"
)

// Envelope is the versioned document posted to the ERP. Exactly one of
// Order, Return, Catalog is set, matching Kind.
type Envelope struct {
	ContractVersion string           `json:"contract_version" validate:"required,eq=v1"`
	Kind            EnvelopeKind     `json:"kind" validate:"required,oneof=order return catalog"`
	ExternalID      string           `json:"external_id" validate:"required"`
	SentAt          time.Time        `json:"sent_at" validate:"required"`
	Order           *OrderContract   `json:"order,omitempty" validate:"required_if=Kind order"`
	Return          *ReturnContract  `json:"return,omitempty" validate:"required_if=Kind return"`
	Catalog         *CatalogContract `json:"catalog,omitempty" validate:"required_if=Kind catalog"`
}

type CustomerContract struct {
	ExternalID string `json:"external_id" validate:"required"`
	Name       string `json:"name" validate:"required"`
	Email      string `json:"email,omitempty" validate:"omitempty,email"`
	Phone      string `json:"phone,omitempty"`
}

type PaymentContract struct {
	Method string          `json:"method,omitempty"`
	Paid   bool            `json:"paid"`
	Amount decimal.Decimal `json:"amount"`
	PaidAt *time.Time      `json:"paid_at,omitempty"`
}

type ItemContract struct {
	ProductExternalID string          `json:"product_external_id"`
	SKU               string          `json:"sku" validate:"required_without=ProductExternalID"`
	Name              string          `json:"name"`
	Quantity          decimal.Decimal `json:"quantity"`
	Price             decimal.Decimal `json:"price"`
	Amount            decimal.Decimal `json:"amount"`
}

type OrderContract struct {
	ExternalID      string           `json:"external_id" validate:"required"`
	Number          string           `json:"number" validate:"required"`
	Date            time.Time        `json:"date" validate:"required"`
	Currency        string           `json:"currency" validate:"required,len=3"`
	Total           decimal.Decimal  `json:"total"`
	Customer        CustomerContract `json:"customer"`
	Payment         PaymentContract  `json:"payment"`
	DeliveryAddress string           `json:"delivery_address,omitempty"`
	Comment         string           `json:"comment,omitempty"`
	Items           []ItemContract   `json:"items" validate:"required,min=1,dive"`
}

type ReturnContract struct {
	ExternalID      string           `json:"external_id" validate:"required"`
	OrderExternalID string           `json:"order_external_id" validate:"required"`
	Date            time.Time        `json:"date" validate:"required"`
	Reason          string           `json:"reason,omitempty"`
	Currency        string           `json:"currency" validate:"required,len=3"`
	RefundAmount    decimal.Decimal  `json:"refund_amount"`
	Customer        CustomerContract `json:"customer"`
	Items           []ItemContract   `json:"items" validate:"required,min=1,dive"`
}

type CatalogItemContract struct {
	ExternalID string            `json:"external_id" validate:"required"`
	SKU        string            `json:"sku,omitempty"`
	Name       string            `json:"name" validate:"required"`
	CategoryID string            `json:"category_id,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

type CatalogContract struct {
	Items []CatalogItemContract `json:"items" validate:"required,min=1,dive"`
}
