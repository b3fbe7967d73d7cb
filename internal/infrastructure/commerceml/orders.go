package commerceml

import (
	"encoding/xml"
	"io"
	"strings"

	"github.com/erp/exchange/internal/domain/exchange"
)

var (
	pathRequisite      = path(elemRequisites, elemRequisite)
	pathRequisiteName  = path(elemRequisites, elemRequisite, elemName)
	pathRequisiteValue = path(elemRequisites, elemRequisite, elemValue)
)

// NewOrderChangeReader reads Документ records from an orders document.
func NewOrderChangeReader(r io.Reader) *RecordReader[exchange.OrderChange] {
	return newRecordReader(r, orderChangeContainer, elemDocument, func() recordBuilder[exchange.OrderChange] {
		return &orderChangeBuilder{}
	})
}

// ParseOrderChanges streams order changes one at a time.
func ParseOrderChanges(r io.Reader, onRecord func(exchange.OrderChange) error) error {
	return drain(NewOrderChangeReader(r), onRecord)
}

type orderChangeBuilder struct {
	rec       exchange.OrderChange
	reqName   string
	reqValue  string
	cancelled bool
	err       *exchange.ValidationError
}

func (b *orderChangeBuilder) start(p string, _ []xml.Attr) {
	if p == pathRequisite {
		b.reqName, b.reqValue = "", ""
	}
}

func (b *orderChangeBuilder) end(p, text string) {
	switch p {
	case elemID:
		b.rec.OrderID = text
	case elemNumber:
		b.rec.Number = text
	case pathRequisiteName:
		b.reqName = text
	case pathRequisiteValue:
		b.reqValue = text
	case pathRequisite:
		b.applyRequisite()
	}
}

func (b *orderChangeBuilder) applyRequisite() {
	switch b.reqName {
	case requisiteStatus:
		b.rec.Status = b.reqValue
	case requisitePaid, requisiteOrderPaid:
		paid, ok := parseBool(b.reqValue)
		if !ok {
			if b.err == nil {
				b.err = exchange.NewValidationError("", b.reqName, "not a boolean: "+quote(b.reqValue))
			}
			return
		}
		b.rec.Paid = &paid
	case requisiteCancelled:
		if cancelled, ok := parseBool(b.reqValue); ok {
			b.cancelled = cancelled
		}
	}
}

func (b *orderChangeBuilder) build(ordinal int) (exchange.OrderChange, error) {
	label := recordLabel(elemDocument, ordinal, b.rec.OrderID)
	if b.err != nil {
		b.err.Record = label
		return exchange.OrderChange{}, b.err
	}
	if b.rec.OrderID == "" {
		return exchange.OrderChange{}, exchange.NewValidationError(label, elemID, "required")
	}
	if b.cancelled && b.rec.Status == "" {
		b.rec.Status = statusCancelled
	}
	return b.rec, nil
}

func parseBool(s string) (bool, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true", "1", "да":
		return true, true
	case "false", "0", "нет":
		return false, true
	}
	return false, false
}
