package commerceml

import (
	"encoding/xml"
	"io"

	"github.com/erp/exchange/internal/domain/exchange"
)

var (
	pathProductGroupID   = path(elemGroups, elemID)
	pathProperty         = path(elemProperties, elemProperty)
	pathPropertyID       = path(elemProperties, elemProperty, elemID)
	pathPropertyValue    = path(elemProperties, elemProperty, elemValue)
	catalogContainer     = []string{elemCatalog, elemProducts}
	offerContainer       = []string{elemOfferPackage, elemOffers}
	orderChangeContainer = []string{elemRoot}
)

// NewCatalogReader reads Товар records from an import.xml document.
func NewCatalogReader(r io.Reader) *RecordReader[exchange.ProductRecord] {
	return newRecordReader(r, catalogContainer, elemProduct, func() recordBuilder[exchange.ProductRecord] {
		return &productBuilder{}
	})
}

// ParseCatalog streams the catalog in batches of batchSize.
func ParseCatalog(r io.Reader, batchSize int, onBatch func([]exchange.ProductRecord) error) error {
	return batches(NewCatalogReader(r), batchSize, onBatch)
}

type productBuilder struct {
	rec       exchange.ProductRecord
	propID    string
	propValue string
}

func (b *productBuilder) start(p string, _ []xml.Attr) {
	if p == pathProperty {
		b.propID, b.propValue = "", ""
	}
}

func (b *productBuilder) end(p, text string) {
	switch p {
	case elemID:
		b.rec.GUID = text
	case elemSKU:
		b.rec.SKU = text
	case elemName:
		b.rec.Name = text
	case pathProductGroupID:
		if b.rec.CategoryID == "" {
			b.rec.CategoryID = text
		}
	case pathPropertyID:
		b.propID = text
	case pathPropertyValue:
		b.propValue = text
	case pathProperty:
		if b.propID == "" {
			return
		}
		if b.rec.Attributes == nil {
			b.rec.Attributes = make(map[string]string)
		}
		b.rec.Attributes[b.propID] = b.propValue
	}
}

func (b *productBuilder) build(ordinal int) (exchange.ProductRecord, error) {
	label := recordLabel(elemProduct, ordinal, b.rec.GUID)
	if b.rec.GUID == "" {
		return exchange.ProductRecord{}, exchange.NewValidationError(label, elemID, "required")
	}
	if b.rec.Name == "" {
		return exchange.ProductRecord{}, exchange.NewValidationError(label, elemName, "required")
	}
	return b.rec, nil
}
