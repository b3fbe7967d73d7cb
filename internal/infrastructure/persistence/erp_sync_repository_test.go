package persistence

import (
	"context"
	"errors"
	"testing"

	"github.com/erp/exchange/internal/domain/integration"
	"github.com/erp/exchange/internal/infrastructure/persistence/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestERPSyncRepository_SaveAndFindPending(t *testing.T) {
	ctx := context.Background()
	repo := NewERPSyncRepository(newTestDB(t))

	state := &integration.SyncState{Kind: integration.SyncKindOrder, ExternalID: "o-1", Payload: []byte(`{"order_id":"o-1"}`)}
	state.RecordFailure(errors.New("erp returned 503"))
	require.NoError(t, repo.Save(ctx, state))

	other := &integration.SyncState{Kind: integration.SyncKindReturn, ExternalID: "r-1", Payload: []byte(`{}`)}
	other.RecordFailure(nil)
	require.NoError(t, repo.Save(ctx, other))

	pending, err := repo.FindPending(ctx, integration.SyncKindOrder, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "o-1", pending[0].ExternalID)
	assert.Equal(t, "erp returned 503", pending[0].LastError)
	assert.Equal(t, 1, pending[0].Attempts)

	state.RecordSuccess()
	require.NoError(t, repo.Save(ctx, state))

	pending, err = repo.FindPending(ctx, integration.SyncKindOrder, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestERPSyncRepository_AttemptsAccumulateAcrossFreshStates(t *testing.T) {
	ctx := context.Background()
	repo := NewERPSyncRepository(newTestDB(t))

	for i := 1; i <= 3; i++ {
		// Each redelivery rebuilds the state from the message.
		state := &integration.SyncState{Kind: integration.SyncKindOrder, ExternalID: "o-7", Payload: []byte(`{}`)}
		state.RecordFailure(errors.New("erp returned 503"))
		require.NoError(t, repo.Save(ctx, state))
		assert.Equal(t, i, state.Attempts)
	}

	state := &integration.SyncState{Kind: integration.SyncKindOrder, ExternalID: "o-7", Payload: []byte(`{"ok":true}`)}
	state.RecordSuccess()
	require.NoError(t, repo.Save(ctx, state))
	assert.Equal(t, 4, state.Attempts)

	var row models.ERPSyncStateModel
	require.NoError(t, repo.db.Where("kind = ? AND external_id = ?", integration.SyncKindOrder, "o-7").Take(&row).Error)
	assert.Equal(t, 4, row.Attempts)
	assert.Equal(t, integration.SyncStatusSynced, row.Status)
	assert.Empty(t, row.LastError)
	assert.JSONEq(t, `{"ok":true}`, string(row.Payload))
}
