// Package commerceml reads and writes CommerceML 2 exchange documents.
//
// The readers are pull-based: each Next call advances the underlying
// xml.Decoder only as far as the next complete record, so memory stays
// proportional to one record (or one batch when using the Parse helpers)
// regardless of document size.
package commerceml
