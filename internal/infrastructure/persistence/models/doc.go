// Package models contains GORM persistence models for the exchange tables.
// Domain types stay free of ORM tags; each model carries its own mapping
// functions to and from the domain.
//
// Tables:
// - processed_messages: idempotency records, primary key (id, type)
// - outbox_messages: transactional outbox
// - catalog_products, catalog_offers: parsed CommerceML data
// - orders, order_lines: orders exchanged with the ERP
// - erp_sync_states: per-document ERP bridge state
package models

// All lists every model, in dependency order, for tests that build the
// schema with AutoMigrate instead of the SQL migrations.
func All() []any {
	return []any{
		&ProcessedMessageModel{},
		&OutboxMessageModel{},
		&CatalogProductModel{},
		&CatalogOfferModel{},
		&OrderModel{},
		&OrderLineModel{},
		&ERPSyncStateModel{},
	}
}
