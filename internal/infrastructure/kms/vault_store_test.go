package kms_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hashicorp/vault/api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turtacn/sentinel/internal/config"
	"github.com/turtacn/sentinel/internal/domain/models"
	"github.com/turtacn/sentinel/internal/infrastructure/kms"
	"github.com/turtacn/sentinel/pkg/constants"
	"github.com/turtacn/sentinel/pkg/errors"
	"github.com/turtacn/sentinel/pkg/logger"
)

// fakeKV emulates the subset of a Vault KV v2 mount the store uses.
type fakeKV struct {
	mu   sync.Mutex
	data map[string]json.RawMessage
	down bool
}

func (f *fakeKV) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	path := strings.TrimPrefix(r.URL.Path, "/v1/")
	switch r.Method {
	case http.MethodGet:
		body, ok := f.data[path]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"errors":[]}`))
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]json.RawMessage{"data": body})
	case http.MethodPut, http.MethodPost:
		var body json.RawMessage
		_ = json.NewDecoder(r.Body).Decode(&body)
		f.data[path] = body
		w.WriteHeader(http.StatusNoContent)
	case http.MethodDelete:
		delete(f.data, strings.Replace(path, "/metadata/", "/data/", 1))
		w.WriteHeader(http.StatusNoContent)
	}
}

func (f *fakeKV) setDown(down bool) {
	f.mu.Lock()
	f.down = down
	f.mu.Unlock()
}

func newVaultStore(t *testing.T) (*kms.VaultMasterKeyStore, *fakeKV) {
	t.Helper()
	kv := &fakeKV{data: make(map[string]json.RawMessage)}
	ts := httptest.NewServer(kv)
	t.Cleanup(ts.Close)

	vc := api.DefaultConfig()
	vc.Address = ts.URL
	vc.MaxRetries = 0
	client, err := api.NewClient(vc)
	require.NoError(t, err)
	client.SetToken("test-token")

	cfg := config.VaultConfig{MountPath: "secret/data/sentinel"}
	return kms.NewVaultMasterKeyStore(cfg, client, logger.NewNoopLogger(), nil), kv
}

func testKey(id string) *models.MasterKey {
	now := time.Now().UTC().Truncate(time.Second)
	material := make([]byte, constants.MasterKeySize)
	for i := range material {
		material[i] = byte(i)
	}
	return &models.MasterKey{ID: id, Material: material, CreatedAt: now, ExpiresAt: now.Add(time.Hour)}
}

func TestVaultMasterKeyStore_PutGetCurrent(t *testing.T) {
	store, _ := newVaultStore(t)
	ctx := context.Background()

	_, err := store.Current(ctx)
	assert.True(t, errors.HasCode(err, errors.CodeNotFound))

	key := testKey("mk-1")
	require.NoError(t, store.Put(ctx, key))
	require.NoError(t, store.SetCurrent(ctx, "mk-1"))

	current, err := store.Current(ctx)
	require.NoError(t, err)
	assert.Equal(t, "mk-1", current.ID)
	assert.Equal(t, key.Material, current.Material)
	assert.True(t, key.ExpiresAt.Equal(current.ExpiresAt))
}

func TestVaultMasterKeyStore_DeleteDestroysKey(t *testing.T) {
	store, _ := newVaultStore(t)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, testKey("mk-old")))
	require.NoError(t, store.Delete(ctx, "mk-old"))

	_, err := store.Get(ctx, "mk-old")
	assert.True(t, errors.HasCode(err, errors.CodeNotFound))
}

func TestVaultMasterKeyStore_Marker(t *testing.T) {
	store, _ := newVaultStore(t)
	ctx := context.Background()

	marker, err := store.LoadMarker(ctx)
	require.NoError(t, err)
	assert.Equal(t, constants.RotationStable, marker.State)

	now := time.Now().UTC()
	require.NoError(t, store.SaveMarker(ctx, &models.RotationMarker{
		State: constants.RotationRewrapping, OldKeyID: "a", NewKeyID: "b", StartedAt: now, UpdatedAt: now,
	}))
	marker, err = store.LoadMarker(ctx)
	require.NoError(t, err)
	assert.Equal(t, constants.RotationRewrapping, marker.State)
	assert.Equal(t, "a", marker.OldKeyID)
	assert.Equal(t, "b", marker.NewKeyID)
	assert.True(t, marker.InProgress())
}

func TestVaultMasterKeyStore_UnavailableFailsLoudly(t *testing.T) {
	store, kv := newVaultStore(t)
	kv.setDown(true)

	_, err := store.Current(context.Background())
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.CodeKeyUnavailable))

	err = store.Put(context.Background(), testKey("mk-2"))
	assert.True(t, errors.HasCode(err, errors.CodeKeyUnavailable))
}
