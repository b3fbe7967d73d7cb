// Package ziparchive reads exchange packages uploaded as zip archives while
// bounding the total uncompressed size they may expand to.
package ziparchive

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/klauspost/compress/zip"

	"github.com/erp/exchange/internal/domain/exchange"
)

// IsArchive reports whether filename names a zip archive.
func IsArchive(filename string) bool {
	return strings.EqualFold(path.Ext(filename), ".zip")
}

// AssertWithinLimit decompresses every entry into a counter and fails with
// exchange.ErrLimitExceeded as soon as the running total would exceed
// maxBytes. Declared sizes in the central directory are not trusted.
func AssertWithinLimit(data []byte, maxBytes int64) error {
	zr, err := open(data)
	if err != nil {
		return err
	}
	var total int64
	for _, f := range zr.File {
		if f.FileInfo().IsDir() {
			continue
		}
		n, err := drain(f, maxBytes-total+1)
		total += n
		if err != nil {
			return err
		}
		if total > maxBytes {
			return fmt.Errorf("%w: more than %d bytes after %s", exchange.ErrLimitExceeded, maxBytes, f.Name)
		}
	}
	return nil
}

// ExtractEntry returns the bytes of the first entry whose name, or base
// name, equals name ignoring case.
func ExtractEntry(data []byte, name string) ([]byte, error) {
	return extract(data, -1, func(f *zip.File) bool {
		return strings.EqualFold(f.Name, name) || strings.EqualFold(path.Base(f.Name), name)
	}, name)
}

// ExtractEntryByPrefix returns the bytes of the first entry whose base name
// starts with prefix ignoring case.
func ExtractEntryByPrefix(data []byte, prefix string) ([]byte, error) {
	return extract(data, -1, prefixMatcher(prefix), prefix+"*")
}

// Guard binds a size cap to the archive operations. Extraction through a
// Guard is capped as well, so a single entry can never exceed the limit
// even if the caller skipped AssertWithinLimit.
type Guard struct {
	maxBytes int64
}

// NewGuard creates a guard with the given uncompressed size cap.
func NewGuard(maxBytes int64) *Guard {
	return &Guard{maxBytes: maxBytes}
}

// MaxBytes returns the configured cap.
func (g *Guard) MaxBytes() int64 {
	return g.maxBytes
}

// AssertWithinLimit checks data against the guard's cap.
func (g *Guard) AssertWithinLimit(data []byte) error {
	return AssertWithinLimit(data, g.maxBytes)
}

// ExtractEntry is the capped form of the package-level ExtractEntry.
func (g *Guard) ExtractEntry(data []byte, name string) ([]byte, error) {
	return extract(data, g.maxBytes, func(f *zip.File) bool {
		return strings.EqualFold(f.Name, name) || strings.EqualFold(path.Base(f.Name), name)
	}, name)
}

// ExtractEntryByPrefix is the capped form of the package-level ExtractEntryByPrefix.
func (g *Guard) ExtractEntryByPrefix(data []byte, prefix string) ([]byte, error) {
	return extract(data, g.maxBytes, prefixMatcher(prefix), prefix+"*")
}

// Selector names the entry Open pulls out of an archive. Name is matched
// exactly (ignoring case); when Name is empty Prefix is matched against the
// base name.
type Selector struct {
	Name   string
	Prefix string
}

// Open returns the document carried by an upload. Archives are measured in
// full before the selected entry is extracted; plain documents are returned
// as they are once their own size is within the cap.
func (g *Guard) Open(filename string, data []byte, sel Selector) ([]byte, error) {
	if !IsArchive(filename) {
		if int64(len(data)) > g.maxBytes {
			return nil, fmt.Errorf("%w: %s is %d bytes", exchange.ErrLimitExceeded, filename, len(data))
		}
		return data, nil
	}
	if err := g.AssertWithinLimit(data); err != nil {
		return nil, err
	}
	if sel.Name != "" {
		return g.ExtractEntry(data, sel.Name)
	}
	return g.ExtractEntryByPrefix(data, sel.Prefix)
}

func prefixMatcher(prefix string) func(*zip.File) bool {
	lower := strings.ToLower(prefix)
	return func(f *zip.File) bool {
		return strings.HasPrefix(strings.ToLower(path.Base(f.Name)), lower)
	}
}

func open(data []byte) (*zip.Reader, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, exchange.NewValidationError("archive", "", fmt.Sprintf("unreadable zip: %v", err))
	}
	return zr, nil
}

// drain reads at most limit bytes of f and returns how many were read.
func drain(f *zip.File, limit int64) (int64, error) {
	rc, err := f.Open()
	if err != nil {
		return 0, exchange.NewValidationError("archive", f.Name, fmt.Sprintf("open entry: %v", err))
	}
	defer rc.Close()
	n, err := io.Copy(io.Discard, io.LimitReader(rc, limit))
	if err != nil {
		return n, entryError(f, err)
	}
	return n, nil
}

func extract(data []byte, maxBytes int64, match func(*zip.File) bool, want string) ([]byte, error) {
	zr, err := open(data)
	if err != nil {
		return nil, err
	}
	for _, f := range zr.File {
		if f.FileInfo().IsDir() || !match(f) {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, exchange.NewValidationError("archive", f.Name, fmt.Sprintf("open entry: %v", err))
		}
		defer rc.Close()

		var r io.Reader = rc
		if maxBytes >= 0 {
			r = io.LimitReader(rc, maxBytes+1)
		}
		out, err := io.ReadAll(r)
		if err != nil {
			return nil, entryError(f, err)
		}
		if maxBytes >= 0 && int64(len(out)) > maxBytes {
			return nil, fmt.Errorf("%w: entry %s exceeds %d bytes", exchange.ErrLimitExceeded, f.Name, maxBytes)
		}
		return out, nil
	}
	return nil, fmt.Errorf("%w: %s", exchange.ErrEntryNotFound, want)
}

func entryError(f *zip.File, err error) error {
	if errors.Is(err, zip.ErrChecksum) || errors.Is(err, zip.ErrFormat) || errors.Is(err, io.ErrUnexpectedEOF) {
		return exchange.NewValidationError("archive", f.Name, fmt.Sprintf("corrupt entry: %v", err))
	}
	return fmt.Errorf("read entry %s: %w", f.Name, err)
}
