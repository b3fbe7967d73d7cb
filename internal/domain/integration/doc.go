// Package integration contains the ERP integration bounded context.
//
// Key concepts:
//   - OrderCreated / ReturnCreated: messages consumed from the integration queues
//   - Envelope: the versioned contract posted to the ERP (contract_version "v1")
//   - Translate*: pure mapping from messages to the contract, no I/O
//   - SyncState: per external id delivery state used to flush pending orders
//
// Design Pattern: Ports & Adapters
//   - Ports (interfaces) are defined here in the domain layer
//   - Adapters (implementations) are in the infrastructure layer
package integration
