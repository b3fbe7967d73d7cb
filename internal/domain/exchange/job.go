package exchange

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// JobType is the closed set of exchange jobs. Dispatch on it goes through
// Match so that adding a member breaks every site that has not handled it.
type JobType uint8

const (
	JobTypeCatalogUpload JobType = iota + 1
	JobTypeCatalogImport
	JobTypeOffersImport
	JobTypeOrdersExport
	JobTypeOrdersApply
)

// AllJobTypes lists every job type in declaration order.
func AllJobTypes() []JobType {
	return []JobType{
		JobTypeCatalogUpload,
		JobTypeCatalogImport,
		JobTypeOffersImport,
		JobTypeOrdersExport,
		JobTypeOrdersApply,
	}
}

// JobCases has one method per job type.
type JobCases[T any] interface {
	CatalogUpload() T
	CatalogImport() T
	OffersImport() T
	OrdersExport() T
	OrdersApply() T
}

// Match selects the case for t. It panics on a value outside the enum,
// which can only be produced by an unchecked conversion.
func Match[T any](t JobType, cases JobCases[T]) T {
	switch t {
	case JobTypeCatalogUpload:
		return cases.CatalogUpload()
	case JobTypeCatalogImport:
		return cases.CatalogImport()
	case JobTypeOffersImport:
		return cases.OffersImport()
	case JobTypeOrdersExport:
		return cases.OrdersExport()
	case JobTypeOrdersApply:
		return cases.OrdersApply()
	}
	panic(fmt.Sprintf("exchange: job type %d out of range", uint8(t)))
}

type jobNames struct{}

func (jobNames) CatalogUpload() string { return "catalog_upload" }
func (jobNames) CatalogImport() string { return "catalog.import" }
func (jobNames) OffersImport() string  { return "offers.import" }
func (jobNames) OrdersExport() string  { return "orders.export" }
func (jobNames) OrdersApply() string   { return "orders.apply" }

// String returns the wire name of the job type.
func (t JobType) String() string {
	if !t.IsValid() {
		return fmt.Sprintf("JobType(%d)", uint8(t))
	}
	return Match[string](t, jobNames{})
}

// IsValid reports whether t is a declared job type.
func (t JobType) IsValid() bool {
	return t >= JobTypeCatalogUpload && t <= JobTypeOrdersApply
}

type routingKeys struct{}

func (routingKeys) CatalogUpload() string { return "catalog.upload" }
func (routingKeys) CatalogImport() string { return "catalog.import" }
func (routingKeys) OffersImport() string  { return "offers.import" }
func (routingKeys) OrdersExport() string  { return "orders.export" }
func (routingKeys) OrdersApply() string   { return "orders.apply" }

// RoutingKey is the stable bus routing key for the job type.
func (t JobType) RoutingKey() string {
	return Match[string](t, routingKeys{})
}

// QueueName is the queue consumed by the job type's consumer.
func (t JobType) QueueName() string {
	return t.RoutingKey() + ".q"
}

// ParseJobType accepts a wire name or a routing key.
func ParseJobType(s string) (JobType, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	for _, t := range AllJobTypes() {
		if s == t.String() || s == t.RoutingKey() {
			return t, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownJobType, s)
}

// MarshalText implements encoding.TextMarshaler.
func (t JobType) MarshalText() ([]byte, error) {
	if !t.IsValid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownJobType, uint8(t))
	}
	return []byte(t.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *JobType) UnmarshalText(b []byte) error {
	parsed, err := ParseJobType(string(b))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// ExchangeJob is the message body carried by every job type.
type ExchangeJob struct {
	RequestID string    `json:"request_id" validate:"required,max=128"`
	ObjectKey string    `json:"object_key,omitempty" validate:"max=1024"`
	Filename  string    `json:"filename,omitempty" validate:"max=512"`
	CreatedAt time.Time `json:"created_at" validate:"required"`
}

var jobValidator = validator.New(validator.WithRequiredStructEnabled())

// Validate checks the job against the needs of its type. Every job type
// except orders.export reads an uploaded object and so needs its key.
func (j ExchangeJob) Validate(t JobType) error {
	if !t.IsValid() {
		return fmt.Errorf("%w: %d", ErrUnknownJobType, uint8(t))
	}
	if err := jobValidator.Struct(j); err != nil {
		return NewValidationError("job", "", err.Error())
	}
	if t != JobTypeOrdersExport && j.ObjectKey == "" {
		return NewValidationError("job", "object_key", "required for "+t.String())
	}
	return nil
}

// IdempotencyKey is requestId:objectKey, or requestId:createdAt when the
// job does not reference an object.
func (j ExchangeJob) IdempotencyKey() string {
	if j.ObjectKey != "" {
		return j.RequestID + ":" + j.ObjectKey
	}
	return j.RequestID + ":" + j.CreatedAt.UTC().Format(time.RFC3339Nano)
}
