package commerceml

import (
	"encoding/xml"
	"io"

	"github.com/shopspring/decimal"

	"github.com/erp/exchange/internal/domain/exchange"
)

var (
	pathPrice            = path(elemPrices, elemPrice)
	pathPriceTypeID      = path(elemPrices, elemPrice, elemPriceTypeID)
	pathPriceAmount      = path(elemPrices, elemPrice, elemUnitPrice)
	pathPriceCurrency    = path(elemPrices, elemPrice, elemCurrency)
	pathRestWarehouse    = path(elemRests, elemRest, elemWarehouse)
	pathRestWarehouseID  = path(elemRests, elemRest, elemWarehouse, elemID)
	pathRestWarehouseQty = path(elemRests, elemRest, elemWarehouse, elemQuantity)
)

// NewOfferReader reads Предложение records from an offers.xml document.
func NewOfferReader(r io.Reader) *RecordReader[exchange.OfferRecord] {
	return newRecordReader(r, offerContainer, elemOffer, func() recordBuilder[exchange.OfferRecord] {
		return &offerBuilder{}
	})
}

// ParseOffers streams offers in batches of batchSize.
func ParseOffers(r io.Reader, batchSize int, onBatch func([]exchange.OfferRecord) error) error {
	return batches(NewOfferReader(r), batchSize, onBatch)
}

type rawStock struct {
	warehouseID string
	quantity    string
}

type rawPrice struct {
	typeID   string
	amount   string
	currency string
}

type offerBuilder struct {
	rec      exchange.OfferRecord
	quantity string
	hasQty   bool
	prices   []rawPrice
	price    rawPrice
	stocks   []rawStock
	stock    rawStock
}

func (b *offerBuilder) start(p string, attrs []xml.Attr) {
	switch p {
	case pathPrice:
		b.price = rawPrice{}
	case pathRestWarehouse:
		b.stock = rawStock{}
	case elemWarehouse:
		s := rawStock{}
		for _, a := range attrs {
			switch a.Name.Local {
			case attrWarehouseID:
				s.warehouseID = a.Value
			case attrWarehouseQuantity:
				s.quantity = a.Value
			}
		}
		if s.warehouseID != "" {
			b.stocks = append(b.stocks, s)
		}
	}
}

func (b *offerBuilder) end(p, text string) {
	switch p {
	case elemID:
		b.rec.GUID = text
	case elemSKU:
		b.rec.SKU = text
	case elemName:
		b.rec.Name = text
	case elemQuantity:
		b.quantity, b.hasQty = text, true
	case pathPriceTypeID:
		b.price.typeID = text
	case pathPriceAmount:
		b.price.amount = text
	case pathPriceCurrency:
		b.price.currency = text
	case pathPrice:
		b.prices = append(b.prices, b.price)
	case pathRestWarehouseID:
		b.stock.warehouseID = text
	case pathRestWarehouseQty:
		b.stock.quantity = text
	case pathRestWarehouse:
		if b.stock.warehouseID != "" {
			b.stocks = append(b.stocks, b.stock)
		}
	}
}

func (b *offerBuilder) build(ordinal int) (exchange.OfferRecord, error) {
	label := recordLabel(elemOffer, ordinal, b.rec.GUID)
	rec := b.rec
	if rec.GUID == "" {
		return exchange.OfferRecord{}, exchange.NewValidationError(label, elemID, "required")
	}

	for _, p := range b.prices {
		amount, err := decimal.NewFromString(p.amount)
		if err != nil {
			return exchange.OfferRecord{}, exchange.NewValidationError(label, elemUnitPrice, "not a number: "+quote(p.amount))
		}
		rec.Prices = append(rec.Prices, exchange.Price{PriceTypeID: p.typeID, Amount: amount, Currency: p.currency})
	}

	total := decimal.Zero
	for _, s := range b.stocks {
		qty := decimal.Zero
		if s.quantity != "" {
			var err error
			qty, err = decimal.NewFromString(s.quantity)
			if err != nil {
				return exchange.OfferRecord{}, exchange.NewValidationError(label, elemWarehouse, "quantity is not a number: "+quote(s.quantity))
			}
		}
		rec.Stocks = append(rec.Stocks, exchange.WarehouseStock{WarehouseID: s.warehouseID, Quantity: qty})
		total = total.Add(qty)
	}
	if len(rec.Stocks) > 0 {
		rec.WarehouseID = rec.Stocks[0].WarehouseID
	}

	switch {
	case b.hasQty:
		qty, err := decimal.NewFromString(b.quantity)
		if err != nil {
			return exchange.OfferRecord{}, exchange.NewValidationError(label, elemQuantity, "not a number: "+quote(b.quantity))
		}
		rec.Quantity = qty
	case len(rec.Stocks) > 0:
		rec.Quantity = total
	default:
		return exchange.OfferRecord{}, exchange.NewValidationError(label, elemQuantity, "required")
	}
	return rec, nil
}

func quote(s string) string {
	return "\"" + s + "\""
}
