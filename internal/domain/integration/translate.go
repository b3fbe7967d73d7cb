package integration

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/erp/exchange/internal/domain/exchange"
)

var contractValidator = validator.New(validator.WithRequiredStructEnabled())

// ValidateEnvelope checks an envelope against the v1 contract.
func ValidateEnvelope(env Envelope) error {
	if err := contractValidator.Struct(env); err != nil {
		return exchange.NewValidationError(string(env.Kind)+" "+env.ExternalID, "", err.Error())
	}
	return nil
}

// TranslateOrder maps an OrderCreated message to the v1 contract.
func TranslateOrder(msg OrderCreated, sentAt time.Time) (Envelope, error) {
	if strings.TrimSpace(msg.OrderID) == "" {
		return Envelope{}, exchange.NewValidationError("order", "order_id", "required")
	}
	items := translateItems(msg.Items)
	total := msg.Total
	if total.IsZero() {
		total = sumItems(items)
	}
	number := msg.Number
	if number == "" {
		number = msg.OrderID
	}

	env := Envelope{
		ContractVersion: ContractVersionV1,
		Kind:            EnvelopeKindOrder,
		ExternalID:      msg.OrderID,
		SentAt:          sentAt.UTC(),
		Order: &OrderContract{
			ExternalID:      msg.OrderID,
			Number:          number,
			Date:            msg.CreatedAt.UTC(),
			Currency:        strings.ToUpper(msg.Currency),
			Total:           total,
			Customer:        translateCustomer(msg.Customer),
			Payment:         translatePayment(msg.Payment, total),
			DeliveryAddress: msg.ShippingAddress,
			Comment:         msg.Comment,
			Items:           items,
		},
	}
	if err := ValidateEnvelope(env); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

// TranslateReturn maps a ReturnCreated message to the v1 contract.
func TranslateReturn(msg ReturnCreated, sentAt time.Time) (Envelope, error) {
	if strings.TrimSpace(msg.ReturnID) == "" {
		return Envelope{}, exchange.NewValidationError("return", "return_id", "required")
	}
	items := translateItems(msg.Items)
	refund := msg.RefundAmount
	if refund.IsZero() {
		refund = sumItems(items)
	}

	env := Envelope{
		ContractVersion: ContractVersionV1,
		Kind:            EnvelopeKindReturn,
		ExternalID:      msg.ReturnID,
		SentAt:          sentAt.UTC(),
		Return: &ReturnContract{
			ExternalID:      msg.ReturnID,
			OrderExternalID: msg.OrderID,
			Date:            msg.CreatedAt.UTC(),
			Reason:          msg.Reason,
			Currency:        strings.ToUpper(msg.Currency),
			RefundAmount:    refund,
			Customer:        translateCustomer(msg.Customer),
			Items:           items,
		},
	}
	if err := ValidateEnvelope(env); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

// TranslateCatalog maps a page of products to a catalog envelope. The
// external id names the page so a repeated resync overwrites rather than
// duplicates on the ERP side.
func TranslateCatalog(batchID string, products []exchange.ProductRecord, sentAt time.Time) (Envelope, error) {
	items := make([]CatalogItemContract, 0, len(products))
	for _, p := range products {
		items = append(items, CatalogItemContract{
			ExternalID: p.GUID,
			SKU:        p.SKU,
			Name:       p.Name,
			CategoryID: p.CategoryID,
			Attributes: p.Attributes,
		})
	}
	env := Envelope{
		ContractVersion: ContractVersionV1,
		Kind:            EnvelopeKindCatalog,
		ExternalID:      batchID,
		SentAt:          sentAt.UTC(),
		Catalog:         &CatalogContract{Items: items},
	}
	if err := ValidateEnvelope(env); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

func translateCustomer(c Customer) CustomerContract {
	name := strings.TrimSpace(c.Name)
	if name == "" {
		name = c.ID
	}
	return CustomerContract{
		ExternalID: c.ID,
		Name:       name,
		Email:      strings.TrimSpace(c.Email),
		Phone:      strings.TrimSpace(c.Phone),
	}
}

func translatePayment(p Payment, total decimal.Decimal) PaymentContract {
	amount := p.Amount
	if amount.IsZero() {
		amount = total
	}
	return PaymentContract{
		Method: p.Method,
		Paid:   strings.EqualFold(p.Status, "paid") || p.PaidAt != nil,
		Amount: amount,
		PaidAt: p.PaidAt,
	}
}

func translateItems(lines []LineItem) []ItemContract {
	items := make([]ItemContract, 0, len(lines))
	for _, l := range lines {
		items = append(items, ItemContract{
			ProductExternalID: l.ProductGUID,
			SKU:               l.SKU,
			Name:              l.Name,
			Quantity:          l.Quantity,
			Price:             l.UnitPrice,
			Amount:            l.Quantity.Mul(l.UnitPrice),
		})
	}
	return items
}

func sumItems(items []ItemContract) decimal.Decimal {
	total := decimal.Zero
	for _, it := range items {
		total = total.Add(it.Amount)
	}
	return total
}

// CatalogBatchID names one page of a catalog resync.
func CatalogBatchID(resyncID string, page int) string {
	return fmt.Sprintf("catalog:%s:%d", resyncID, page)
}
