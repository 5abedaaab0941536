package metadata

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xela07ax/flagkit/internal/domain"
	"github.com/xela07ax/flagkit/internal/infra"
	"github.com/xela07ax/flagkit/internal/repository"
)

func TestProvider_StableIDPersistsAcrossInstances(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryStore()

	first, err := NewProvider(ctx, store, Info{}, "", zap.NewNop())
	require.NoError(t, err)
	second, err := NewProvider(ctx, store, Info{}, "", zap.NewNop())
	require.NoError(t, err)

	assert.NotEmpty(t, first.StableID())
	assert.Equal(t, first.StableID(), second.StableID())
	assert.NotEqual(t, first.SessionID(), second.SessionID())

	stored, err := repository.GetString(ctx, store, infra.StorageKeyStableID)
	require.NoError(t, err)
	assert.Equal(t, first.StableID(), stored)
}

func TestProvider_OverrideStableID(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryStore()
	require.NoError(t, store.Set(ctx, infra.StorageKeyStableID, []byte("old")))

	p, err := NewProvider(ctx, store, Info{}, "custom-id", zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, "custom-id", p.StableID())
}

func TestProvider_Snapshot(t *testing.T) {
	p, err := NewProvider(context.Background(), repository.NewMemoryStore(),
		Info{AppIdentifier: "com.acme.app", AppVersion: "2.1", Locale: "de_DE"}, "", zap.NewNop())
	require.NoError(t, err)

	snap := p.Snapshot()
	assert.Equal(t, SDKType, snap[domain.MetaSDKType])
	assert.Equal(t, SDKVersion, snap[domain.MetaSDKVersion])
	assert.Equal(t, "com.acme.app", snap[domain.MetaAppIdentifier])
	assert.Equal(t, "de", snap[domain.MetaLanguage])
	assert.Equal(t, p.SessionID(), snap[domain.MetaSessionID])
	_, hasModel := snap[domain.MetaDeviceModel]
	assert.False(t, hasModel)

	snap[domain.MetaSDKType] = "mutated"
	assert.Equal(t, SDKType, p.Metadata().SDKType)
}
