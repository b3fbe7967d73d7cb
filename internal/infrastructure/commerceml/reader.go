package commerceml

import (
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"

	"github.com/erp/exchange/internal/domain/exchange"
)

// ErrInvalidBatchSize is returned by the Parse helpers for a batch size below 1.
var ErrInvalidBatchSize = errors.New("commerceml: batch size must be at least 1")

// recordBuilder accumulates one record from the elements nested under the
// record element. Paths are relative to the record element.
type recordBuilder[T any] interface {
	start(path string, attrs []xml.Attr)
	end(path, text string)
	build(ordinal int) (T, error)
}

// RecordReader yields records of one kind from a CommerceML document. It is
// finite and cannot be rewound.
type RecordReader[T any] struct {
	dec        *xml.Decoder
	container  []string
	record     string
	newBuilder func() recordBuilder[T]

	stack   []string
	header  exchange.DocumentHeader
	ordinal int
	done    bool
}

func newRecordReader[T any](r io.Reader, container []string, record string, newBuilder func() recordBuilder[T]) *RecordReader[T] {
	// Input is UTF-8; a leading BOM is consumed. Other bytes pass through
	// untouched so the decoder rejects invalid sequences instead of
	// storing replacement characters.
	dec := xml.NewDecoder(transform.NewReader(r, unicode.BOMOverride(transform.Nop)))
	dec.CharsetReader = func(label string, _ io.Reader) (io.Reader, error) {
		return nil, exchange.NewValidationError("document", "encoding", "unsupported encoding "+label)
	}
	return &RecordReader[T]{
		dec:        dec,
		container:  container,
		record:     record,
		newBuilder: newBuilder,
		stack:      make([]string, 0, 16),
	}
}

// Header returns the root element attributes read so far.
func (r *RecordReader[T]) Header() exchange.DocumentHeader {
	return r.header
}

// Next returns the next record, or io.EOF once the document is exhausted.
// Any other error is terminal for the reader.
func (r *RecordReader[T]) Next() (T, error) {
	var zero T
	if r.done {
		return zero, io.EOF
	}

	var (
		b     recordBuilder[T]
		depth int
		text  strings.Builder
	)

	for {
		tok, err := r.dec.Token()
		if err == io.EOF {
			r.done = true
			if len(r.stack) > 0 {
				return zero, exchange.NewValidationError("document", "", "unexpected end of document")
			}
			return zero, io.EOF
		}
		if err != nil {
			r.done = true
			var vErr *exchange.ValidationError
			if errors.As(err, &vErr) {
				return zero, vErr
			}
			return zero, exchange.NewValidationError("document", "", fmt.Sprintf("malformed document: %v", err))
		}

		switch t := tok.(type) {
		case xml.StartElement:
			r.stack = append(r.stack, t.Name.Local)
			text.Reset()
			if len(r.stack) == 1 {
				r.readHeader(t)
				continue
			}
			if b == nil {
				if t.Name.Local == r.record && r.inContainer() {
					r.ordinal++
					b = r.newBuilder()
					depth = len(r.stack)
				}
				continue
			}
			b.start(r.relPath(depth), t.Attr)

		case xml.CharData:
			if b != nil {
				text.Write(t)
			}

		case xml.EndElement:
			if b != nil {
				if len(r.stack) == depth {
					r.pop()
					rec, err := b.build(r.ordinal)
					if err != nil {
						r.done = true
						return zero, err
					}
					return rec, nil
				}
				b.end(r.relPath(depth), strings.TrimSpace(text.String()))
			}
			text.Reset()
			r.pop()
		}
	}
}

func (r *RecordReader[T]) readHeader(root xml.StartElement) {
	for _, a := range root.Attr {
		switch a.Name.Local {
		case attrSchemaVersion:
			r.header.SchemaVersion = a.Value
		case attrGeneratedAt:
			r.header.GeneratedAt = a.Value
		}
	}
}

// inContainer reports whether the element just pushed sits directly under
// the container path.
func (r *RecordReader[T]) inContainer() bool {
	parents := r.stack[:len(r.stack)-1]
	if len(parents) < len(r.container) {
		return false
	}
	tail := parents[len(parents)-len(r.container):]
	for i, name := range r.container {
		if tail[i] != name {
			return false
		}
	}
	return true
}

func (r *RecordReader[T]) relPath(depth int) string {
	return strings.Join(r.stack[depth:], "/")
}

func (r *RecordReader[T]) pop() {
	r.stack = r.stack[:len(r.stack)-1]
}

// drain feeds every record to onRecord.
func drain[T any](rd *RecordReader[T], onRecord func(T) error) error {
	for {
		rec, err := rd.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if err := onRecord(rec); err != nil {
			return err
		}
	}
}

// batches groups records into slices of batchSize. The final slice may be
// shorter; an empty document produces no calls. Every slice handed to
// onBatch is freshly allocated so the callee may retain it.
func batches[T any](rd *RecordReader[T], batchSize int, onBatch func([]T) error) error {
	if batchSize < 1 {
		return fmt.Errorf("%w: got %d", ErrInvalidBatchSize, batchSize)
	}
	batch := make([]T, 0, batchSize)
	err := drain(rd, func(rec T) error {
		batch = append(batch, rec)
		if len(batch) < batchSize {
			return nil
		}
		full := batch
		batch = make([]T, 0, batchSize)
		return onBatch(full)
	})
	if err != nil {
		return err
	}
	if len(batch) > 0 {
		return onBatch(batch)
	}
	return nil
}

func recordLabel(elem string, ordinal int, id string) string {
	if id != "" {
		return fmt.Sprintf("%s %s", elem, id)
	}
	return fmt.Sprintf("%s #%d", elem, ordinal)
}
