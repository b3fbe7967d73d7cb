package commerceml

import (
	"encoding/xml"
	"fmt"
	"io"
	"time"

	"github.com/erp/exchange/internal/domain/exchange"
)

const (
	dateLayout      = "2006-01-02"
	timeLayout      = "15:04:05"
	timestampLayout = "2006-01-02T15:04:05"
)

// OrderDocumentBuilder writes orders as a CommerceML order document.
type OrderDocumentBuilder struct {
	schemaVersion string
	now           func() time.Time
}

// BuilderOption configures an OrderDocumentBuilder.
type BuilderOption func(*OrderDocumentBuilder)

// WithSchemaVersion overrides the ВерсияСхемы attribute.
func WithSchemaVersion(v string) BuilderOption {
	return func(b *OrderDocumentBuilder) {
		b.schemaVersion = v
	}
}

// WithClock overrides the time source for ДатаФормирования.
func WithClock(now func() time.Time) BuilderOption {
	return func(b *OrderDocumentBuilder) {
		b.now = now
	}
}

// NewOrderDocumentBuilder creates a builder.
func NewOrderDocumentBuilder(opts ...BuilderOption) *OrderDocumentBuilder {
	b := &OrderDocumentBuilder{
		schemaVersion: defaultSchemaVersion,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Write streams one Документ per order to w. All text goes through the
// encoder and is escaped.
func (b *OrderDocumentBuilder) Write(w io.Writer, orders []exchange.ExportOrder) error {
	if _, err := io.WriteString(w, xml.Header); err != nil {
		return fmt.Errorf("write xml header: %w", err)
	}
	enc := xml.NewEncoder(w)
	enc.Indent("", "  ")

	root := xml.StartElement{
		Name: xml.Name{Local: elemRoot},
		Attr: []xml.Attr{
			{Name: xml.Name{Local: attrSchemaVersion}, Value: b.schemaVersion},
			{Name: xml.Name{Local: attrGeneratedAt}, Value: b.now().Format(timestampLayout)},
		},
	}
	x := &xmlWriter{enc: enc}
	x.open(root)
	for i := range orders {
		writeOrder(x, &orders[i])
	}
	x.close(root.Name.Local)
	if x.err != nil {
		return fmt.Errorf("encode order document: %w", x.err)
	}
	if err := enc.Flush(); err != nil {
		return fmt.Errorf("flush order document: %w", err)
	}
	return nil
}

func writeOrder(x *xmlWriter, o *exchange.ExportOrder) {
	x.open(xml.StartElement{Name: xml.Name{Local: elemDocument}})
	x.leaf(elemID, o.ID)
	x.leaf(elemNumber, o.Number)
	x.leaf(elemDate, o.CreatedAt.Format(dateLayout))
	x.leaf(elemTime, o.CreatedAt.Format(timeLayout))
	x.leaf(elemOperation, operationOrder)
	x.leaf(elemRole, roleSeller)
	x.leaf(elemCurrency, o.Currency)
	x.leaf(elemRate, "1")
	x.leaf(elemSum, o.Total.StringFixed(2))

	c := o.Customer
	x.open(xml.StartElement{Name: xml.Name{Local: elemCounterparties}})
	x.open(xml.StartElement{Name: xml.Name{Local: elemCounterparty}})
	x.leaf(elemID, c.ID)
	x.leaf(elemName, c.Name)
	x.leaf(elemRole, roleBuyer)
	x.leaf(elemFullName, c.Name)
	if c.Address != "" {
		x.open(xml.StartElement{Name: xml.Name{Local: elemRegAddress}})
		x.leaf(elemPresentation, c.Address)
		x.close(elemRegAddress)
	}
	if c.Email != "" || c.Phone != "" {
		x.open(xml.StartElement{Name: xml.Name{Local: elemContacts}})
		x.contact(contactEmail, c.Email)
		x.contact(contactPhone, c.Phone)
		x.close(elemContacts)
	}
	x.close(elemCounterparty)
	x.close(elemCounterparties)

	x.leaf(elemComment, o.Comment)

	x.open(xml.StartElement{Name: xml.Name{Local: elemProducts}})
	for _, it := range o.Items {
		x.open(xml.StartElement{Name: xml.Name{Local: elemProduct}})
		x.leaf(elemID, it.ProductGUID)
		x.leaf(elemSKU, it.SKU)
		x.leaf(elemName, it.Name)
		x.leaf(elemUnitPrice, it.UnitPrice.StringFixed(2))
		x.leaf(elemQuantity, it.Quantity.String())
		x.leaf(elemSum, it.Amount.StringFixed(2))
		x.close(elemProduct)
	}
	x.close(elemProducts)

	x.close(elemDocument)
}

// xmlWriter keeps the first encoding error so the document body reads as
// a straight sequence of elements.
type xmlWriter struct {
	enc *xml.Encoder
	err error
}

func (x *xmlWriter) token(t xml.Token) {
	if x.err != nil {
		return
	}
	x.err = x.enc.EncodeToken(t)
}

func (x *xmlWriter) open(start xml.StartElement) {
	x.token(start)
}

func (x *xmlWriter) close(name string) {
	x.token(xml.EndElement{Name: xml.Name{Local: name}})
}

// leaf writes <name>value</name>, skipping empty values.
func (x *xmlWriter) leaf(name, value string) {
	if value == "" {
		return
	}
	x.open(xml.StartElement{Name: xml.Name{Local: name}})
	x.token(xml.CharData(value))
	x.close(name)
}

func (x *xmlWriter) contact(kind, value string) {
	if value == "" {
		return
	}
	x.open(xml.StartElement{Name: xml.Name{Local: elemContact}})
	x.leaf(elemType, kind)
	x.leaf(elemValue, value)
	x.close(elemContact)
}
