package persistence

import (
	"context"
	"testing"

	"github.com/erp/exchange/internal/domain/exchange"
	"github.com/erp/exchange/internal/infrastructure/persistence/models"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCatalogStore_UpsertProductsIsIdempotent(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	store := NewCatalogStore(db)

	batch := []exchange.ProductRecord{
		{GUID: "g-1", SKU: "A-1", Name: "Chair", Attributes: map[string]string{"color": "red"}},
		{GUID: "g-2", Name: "Table"},
	}
	require.NoError(t, store.UpsertProducts(ctx, batch))
	require.NoError(t, store.UpsertProducts(ctx, batch))

	batch[0].Name = "Chair v2"
	require.NoError(t, store.UpsertProducts(ctx, batch[:1]))

	var count int64
	require.NoError(t, db.Model(&models.CatalogProductModel{}).Count(&count).Error)
	assert.Equal(t, int64(2), count)

	products, err := store.ListProducts(ctx, "", 10)
	require.NoError(t, err)
	require.Len(t, products, 2)
	assert.Equal(t, "Chair v2", products[0].Name)
	assert.Equal(t, "red", products[0].Attributes["color"])
}

func TestCatalogStore_UpsertProductsDuplicateInBatch(t *testing.T) {
	ctx := context.Background()
	store := NewCatalogStore(newTestDB(t))

	require.NoError(t, store.UpsertProducts(ctx, []exchange.ProductRecord{
		{GUID: "g-1", Name: "first"},
		{GUID: "g-1", Name: "last"},
	}))

	products, err := store.ListProducts(ctx, "", 10)
	require.NoError(t, err)
	require.Len(t, products, 1)
	assert.Equal(t, "last", products[0].Name)
}

func TestCatalogStore_ListProductsPagesByGUID(t *testing.T) {
	ctx := context.Background()
	store := NewCatalogStore(newTestDB(t))
	require.NoError(t, store.UpsertProducts(ctx, []exchange.ProductRecord{
		{GUID: "c", Name: "C"}, {GUID: "a", Name: "A"}, {GUID: "b", Name: "B"},
	}))

	first, err := store.ListProducts(ctx, "", 2)
	require.NoError(t, err)
	require.Len(t, first, 2)
	assert.Equal(t, "a", first[0].GUID)
	assert.Equal(t, "b", first[1].GUID)

	rest, err := store.ListProducts(ctx, first[1].GUID, 2)
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.Equal(t, "c", rest[0].GUID)
}

func TestCatalogStore_UpsertOffersPerWarehouse(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	store := NewCatalogStore(db)

	offer := exchange.OfferRecord{
		GUID:     "g-1",
		Quantity: decimal.NewFromInt(7),
		Prices:   []exchange.Price{{PriceTypeID: "retail", Amount: decimal.RequireFromString("10.50"), Currency: "RUB"}},
		Stocks: []exchange.WarehouseStock{
			{WarehouseID: "w-1", Quantity: decimal.NewFromInt(3)},
			{WarehouseID: "w-2", Quantity: decimal.NewFromInt(4)},
		},
	}
	plain := exchange.OfferRecord{GUID: "g-2", Quantity: decimal.NewFromInt(1)}

	require.NoError(t, store.UpsertOffers(ctx, []exchange.OfferRecord{offer, plain}))
	offer.Stocks[0].Quantity = decimal.NewFromInt(9)
	require.NoError(t, store.UpsertOffers(ctx, []exchange.OfferRecord{offer}))

	var rows []models.CatalogOfferModel
	require.NoError(t, db.Order("guid, warehouse_id").Find(&rows).Error)
	require.Len(t, rows, 3)

	assert.Equal(t, "w-1", rows[0].WarehouseID)
	assert.True(t, rows[0].Quantity.Equal(decimal.NewFromInt(9)))
	assert.Equal(t, "w-2", rows[1].WarehouseID)
	require.Len(t, rows[0].Prices, 1)
	assert.True(t, rows[0].Prices[0].Amount.Equal(decimal.RequireFromString("10.5")))

	assert.Equal(t, "g-2", rows[2].GUID)
	assert.Empty(t, rows[2].WarehouseID)
}

func TestCatalogStore_EmptyBatches(t *testing.T) {
	store := NewCatalogStore(newTestDB(t))
	assert.NoError(t, store.UpsertProducts(context.Background(), nil))
	assert.NoError(t, store.UpsertOffers(context.Background(), nil))
}
