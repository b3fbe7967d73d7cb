// Package exchange holds the vocabulary of the ERP exchange pipeline: the
// closed set of job types, the job message, the records produced by the
// CommerceML readers, and the ports the consumers write through.
//
// Nothing in this package performs I/O. Transports, storage and the
// relational targets live under internal/infrastructure.
package exchange
