package storage

import (
	"crypto/rand"
	"encoding/hex"
	"path"
	"strings"
	"time"
)

const keyTimeLayout = "20060102T150405.000000000Z"

// NewObjectKey returns prefix + UTC timestamp + "-" + 8 random hex digits +
// ext. Keys sort by creation time.
func NewObjectKey(prefix, ext string) string {
	return newObjectKeyAt(prefix, ext, time.Now())
}

func newObjectKeyAt(prefix, ext string, now time.Time) string {
	var suffix [4]byte
	_, _ = rand.Read(suffix[:])
	if ext != "" && !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	return prefix + now.UTC().Format(keyTimeLayout) + "-" + hex.EncodeToString(suffix[:]) + strings.ToLower(ext)
}

// ContentTypeFor guesses the content type of an exchange file by extension.
func ContentTypeFor(filename string) string {
	switch strings.ToLower(path.Ext(filename)) {
	case ".zip":
		return "application/zip"
	case ".xml":
		return "application/xml"
	case ".json":
		return "application/json"
	default:
		return "application/octet-stream"
	}
}
