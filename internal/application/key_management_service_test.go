// Package application_test provides tests for the application package.
package application_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turtacn/sentinel/internal/application"
	"github.com/turtacn/sentinel/internal/domain/models"
	"github.com/turtacn/sentinel/internal/infrastructure/kms"
	"github.com/turtacn/sentinel/internal/infrastructure/persistence/memory"
	"github.com/turtacn/sentinel/pkg/constants"
	"github.com/turtacn/sentinel/pkg/errors"
	"github.com/turtacn/sentinel/pkg/logger"
)

type recordingAudit struct {
	mu     sync.Mutex
	events []*models.AuditEvent
}

func (a *recordingAudit) LogEvent(_ context.Context, e *models.AuditEvent) (*models.AuditEntry, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, e)
	return &models.AuditEntry{EventType: e.EventType, ActorID: e.ActorID}, nil
}

func (a *recordingAudit) count(t constants.AuditEventType) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, e := range a.events {
		if e.EventType == t {
			n++
		}
	}
	return n
}

// flakyDEKs fails PromoteStaged once to simulate a crash mid-rotation.
type flakyDEKs struct {
	*memory.DEKRepository
	mu          sync.Mutex
	failPromote bool
}

func (f *flakyDEKs) PromoteStaged(ctx context.Context, masterKeyID string) (int, error) {
	f.mu.Lock()
	fail := f.failPromote
	f.failPromote = false
	f.mu.Unlock()
	if fail {
		return 0, errors.New("connection reset")
	}
	return f.DEKRepository.PromoteStaged(ctx, masterKeyID)
}

// importingDEKs runs onStage once, just before the first re-wrap of tenant is staged.
type importingDEKs struct {
	*memory.DEKRepository
	tenant  string
	once    sync.Once
	onStage func()
}

func (r *importingDEKs) Stage(ctx context.Context, current *models.DataEncryptionKey, masterKeyID string, wrapped, nonce []byte) error {
	if current.TenantID == r.tenant {
		r.once.Do(r.onStage)
	}
	return r.DEKRepository.Stage(ctx, current, masterKeyID, wrapped, nonce)
}

// downKeyStore simulates an unreachable key store.
type downKeyStore struct {
	*kms.MemoryMasterKeyStore
}

func (downKeyStore) Current(context.Context) (*models.MasterKey, error) {
	return nil, errors.New("dial tcp: connection refused")
}

func (downKeyStore) LoadMarker(context.Context) (*models.RotationMarker, error) {
	return &models.RotationMarker{State: constants.RotationStable}, nil
}

type accessSink struct {
	mu     sync.Mutex
	events []models.SecurityEvent
}

func (s *accessSink) Record(e models.SecurityEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
}

func (s *accessSink) Raise(_ context.Context, t *models.Threat) (*models.Threat, error) {
	return t, nil
}

func (s *accessSink) snapshot() []models.SecurityEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.SecurityEvent(nil), s.events...)
}

func setupKeys(t *testing.T) (*application.KeyManagementService, *kms.MemoryMasterKeyStore, *memory.DEKRepository, *recordingAudit) {
	t.Helper()
	keys := kms.NewMemoryMasterKeyStore()
	deks := memory.NewDEKRepository()
	audit := &recordingAudit{}
	svc := application.NewKeyManagementService(keys, deks, 0, logger.NewNoopLogger(), application.WithKeyAudit(audit))
	require.NoError(t, svc.Init(context.Background()))
	return svc, keys, deks, audit
}

func TestKeyManagementService_InitCreatesMasterKey(t *testing.T) {
	svc, keys, _, _ := setupKeys(t)
	ctx := context.Background()

	id, err := svc.CurrentMasterKeyID(ctx)
	require.NoError(t, err)
	current, err := keys.Current(ctx)
	require.NoError(t, err)
	assert.Equal(t, current.ID, id)
	assert.Len(t, current.Material, constants.MasterKeySize)
	assert.WithinDuration(t, time.Now().Add(constants.DefaultMasterKeyRotationInterval), current.ExpiresAt, time.Minute)
}

func TestKeyManagementService_GetOrCreateDEKConverges(t *testing.T) {
	svc, _, deks, audit := setupKeys(t)
	ctx := context.Background()

	const callers = 32
	results := make([][]byte, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key, err := svc.GetOrCreateDEK(ctx, "tenant-a")
			assert.NoError(t, err)
			results[i] = key
		}(i)
	}
	wg.Wait()

	for i := 1; i < callers; i++ {
		assert.Equal(t, results[0], results[i])
	}
	all, err := deks.List(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
	assert.Equal(t, 1, audit.count(constants.AuditEventDEKCreated))

	// Callers get copies; mutating one does not poison the cache.
	results[0][0] ^= 0xff
	again, err := svc.GetOrCreateDEK(ctx, "tenant-a")
	require.NoError(t, err)
	assert.Equal(t, results[1], again)
}

func TestKeyManagementService_GetOrCreateDEKRequiresTenant(t *testing.T) {
	svc, _, _, _ := setupKeys(t)
	_, err := svc.GetOrCreateDEK(context.Background(), "")
	assert.True(t, errors.HasCode(err, errors.CodeInvalidRequest))
}

func TestKeyManagementService_RotationPreservesDEKs(t *testing.T) {
	svc, keys, deks, audit := setupKeys(t)
	ctx := context.Background()

	tenants := []string{"t1", "t2", "t3"}
	before := map[string][]byte{}
	sealed := map[string]*models.SealedPayload{}
	for _, tenant := range tenants {
		dek, err := svc.GetOrCreateDEK(ctx, tenant)
		require.NoError(t, err)
		before[tenant] = dek
		sealed[tenant], err = svc.EncryptForTenant(ctx, tenant, "orders", []byte("secret of "+tenant))
		require.NoError(t, err)
	}
	oldID, _ := svc.CurrentMasterKeyID(ctx)

	hooked := make(chan *models.RotationResult, 1)
	svc.OnRotation(func(_ context.Context, r *models.RotationResult) { hooked <- r })

	result, err := svc.RotateMasterKey(ctx)
	require.NoError(t, err)
	assert.Equal(t, oldID, result.OldKeyID)
	assert.NotEqual(t, oldID, result.NewKeyID)
	assert.Equal(t, len(tenants), result.Rewrapped)
	assert.False(t, result.Resumed)
	assert.Equal(t, result, <-hooked)

	_, err = keys.Get(ctx, oldID)
	assert.True(t, errors.HasCode(err, errors.CodeNotFound), "old master key is discarded")
	marker, _ := keys.LoadMarker(ctx)
	assert.Equal(t, constants.RotationStable, marker.State)

	coverage, err := svc.EncryptionCoverage(ctx)
	require.NoError(t, err)
	assert.Equal(t, 100.0, coverage)

	// A fresh service has no caches, so everything is unwrapped from storage.
	fresh := application.NewKeyManagementService(keys, deks, 0, logger.NewNoopLogger())
	require.NoError(t, fresh.Init(ctx))
	for _, tenant := range tenants {
		dek, err := fresh.GetOrCreateDEK(ctx, tenant)
		require.NoError(t, err)
		assert.Equal(t, before[tenant], dek)

		plain, err := fresh.DecryptForTenant(ctx, tenant, "orders", sealed[tenant])
		require.NoError(t, err)
		assert.Equal(t, []byte("secret of "+tenant), plain)
	}
	assert.Equal(t, 1, audit.count(constants.AuditEventMasterKeyRotated))
}

func TestKeyManagementService_RotationResumesAfterCrash(t *testing.T) {
	ctx := context.Background()
	keys := kms.NewMemoryMasterKeyStore()
	deks := &flakyDEKs{DEKRepository: memory.NewDEKRepository()}
	svc := application.NewKeyManagementService(keys, deks, 0, logger.NewNoopLogger())
	require.NoError(t, svc.Init(ctx))

	dek, err := svc.GetOrCreateDEK(ctx, "t1")
	require.NoError(t, err)
	oldID, _ := svc.CurrentMasterKeyID(ctx)

	deks.failPromote = true
	_, err = svc.RotateMasterKey(ctx)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.CodeKeyUnavailable))

	marker, _ := keys.LoadMarker(ctx)
	assert.Equal(t, constants.RotationRewrapping, marker.State)
	current, _ := svc.CurrentMasterKeyID(ctx)
	assert.Equal(t, oldID, current, "current key does not move until promotion succeeds")

	// A restarted process resumes from the marker during Init.
	restarted := application.NewKeyManagementService(keys, deks, 0, logger.NewNoopLogger())
	require.NoError(t, restarted.Init(ctx))

	marker, _ = keys.LoadMarker(ctx)
	assert.Equal(t, constants.RotationStable, marker.State)
	newID, _ := restarted.CurrentMasterKeyID(ctx)
	assert.Equal(t, marker.NewKeyID, newID)

	got, err := restarted.GetOrCreateDEK(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, dek, got)
}

func TestKeyManagementService_SetTenantKey(t *testing.T) {
	svc, _, deks, audit := setupKeys(t)
	ctx := context.Background()

	err := svc.SetTenantKey(ctx, "t1", []byte("short"))
	assert.True(t, errors.HasCode(err, errors.CodeInvalidRequest))

	material := make([]byte, 32)
	for i := range material {
		material[i] = byte(i)
	}
	require.NoError(t, svc.SetTenantKey(ctx, "t1", material))

	got, err := svc.GetOrCreateDEK(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, material, got)

	stored, err := deks.Get(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, constants.KeyProvenanceExternal, stored.Provenance)
	assert.NotContains(t, string(stored.WrappedKey), string(material), "stored wrapped, never plain")

	_, err = svc.RotateMasterKey(ctx)
	require.NoError(t, err)
	got, err = svc.GetOrCreateDEK(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, material, got)
	assert.Equal(t, 1, audit.count(constants.AuditEventTenantKeyImported))
}

func TestKeyManagementService_ImportDuringRotationSurvives(t *testing.T) {
	ctx := context.Background()
	keys := kms.NewMemoryMasterKeyStore()
	deks := &importingDEKs{DEKRepository: memory.NewDEKRepository(), tenant: "acme"}
	svc := application.NewKeyManagementService(keys, deks, 0, logger.NewNoopLogger())
	require.NoError(t, svc.Init(ctx))

	generated, err := svc.GetOrCreateDEK(ctx, "acme")
	require.NoError(t, err)
	_, err = svc.GetOrCreateDEK(ctx, "globex")
	require.NoError(t, err)

	byok := make([]byte, constants.DEKSize)
	for i := range byok {
		byok[i] = byte(0xa0 + i)
	}
	deks.onStage = func() {
		require.NoError(t, svc.SetTenantKey(ctx, "acme", byok))
	}

	result, err := svc.RotateMasterKey(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Rewrapped)

	stored, err := deks.Get(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, result.NewKeyID, stored.MasterKeyID)
	assert.Equal(t, constants.KeyProvenanceExternal, stored.Provenance)

	fresh := application.NewKeyManagementService(keys, deks, 0, logger.NewNoopLogger())
	require.NoError(t, fresh.Init(ctx))
	got, err := fresh.GetOrCreateDEK(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, byok, got, "the imported key outlives the rotation")
	assert.NotEqual(t, generated, got)
}

func TestKeyManagementService_KeyUnavailable(t *testing.T) {
	ctx := context.Background()
	audit := &recordingAudit{}
	svc := application.NewKeyManagementService(
		downKeyStore{kms.NewMemoryMasterKeyStore()},
		memory.NewDEKRepository(),
		0,
		logger.NewNoopLogger(),
		application.WithKeyAudit(audit),
	)

	err := svc.Init(ctx)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.CodeKeyUnavailable))

	_, err = svc.GetOrCreateDEK(ctx, "t1")
	assert.True(t, errors.HasCode(err, errors.CodeKeyUnavailable))
	assert.GreaterOrEqual(t, audit.count(constants.AuditEventKeyUnavailable), 1)
}

func TestKeyManagementService_SealSecret(t *testing.T) {
	svc, _, deks, _ := setupKeys(t)
	ctx := context.Background()

	sealed, err := svc.SealSecret(ctx, "mfa:alice", []byte("JBSWY3DPEHPK3PXP"))
	require.NoError(t, err)
	assert.Equal(t, constants.AlgorithmAES256GCM, sealed.Algorithm)

	plain, err := svc.OpenSecret(ctx, "mfa:alice", sealed)
	require.NoError(t, err)
	assert.Equal(t, []byte("JBSWY3DPEHPK3PXP"), plain)

	_, err = svc.OpenSecret(ctx, "mfa:bob", sealed)
	assert.True(t, errors.HasCode(err, errors.CodeIntegrityViolation))

	_, err = deks.Get(ctx, constants.SystemTenantID)
	assert.NoError(t, err, "secrets are rooted at the system tenant DEK")
}

func TestKeyManagementService_DecryptReportsDataAccess(t *testing.T) {
	svc, _, _, _ := setupKeys(t)
	sink := &accessSink{}
	svc.SetSecuritySink(sink)

	anonymous := context.Background()
	ctx := context.WithValue(anonymous, constants.ContextKeySubjectID, "alice")
	ctx = context.WithValue(ctx, constants.ContextKeyClientIP, "198.51.100.7")

	sealed, err := svc.EncryptForTenant(ctx, "acme", "invoices", []byte("42"))
	require.NoError(t, err)
	assert.Empty(t, sink.snapshot(), "sealing is not an access")

	_, err = svc.DecryptForTenant(ctx, "acme", "invoices", sealed)
	require.NoError(t, err)
	_, err = svc.DecryptForTenant(ctx, "acme", "receipts", sealed)
	require.Error(t, err)
	_, err = svc.DecryptForTenant(anonymous, "acme", "invoices", sealed)
	require.NoError(t, err)

	secret, err := svc.SealSecret(ctx, "mfa:alice", []byte("JBSWY3DPEHPK3PXP"))
	require.NoError(t, err)
	_, err = svc.OpenSecret(ctx, "mfa:alice", secret)
	require.NoError(t, err)

	events := sink.snapshot()
	require.Len(t, events, 1, "failed, anonymous and system tenant decryptions are not reported")
	assert.Equal(t, constants.SecurityEventDataAccess, events[0].Kind)
	assert.Equal(t, "alice", events[0].SubjectID)
	assert.Equal(t, "acme", events[0].TenantID)
	assert.Equal(t, "198.51.100.7", events[0].SourceIP)
	assert.Equal(t, "tenants/acme/invoices", events[0].Resource)
}

func TestKeyManagementService_EncryptionCoverage(t *testing.T) {
	svc, _, deks, _ := setupKeys(t)
	ctx := context.Background()

	coverage, err := svc.EncryptionCoverage(ctx)
	require.NoError(t, err)
	assert.Equal(t, 100.0, coverage)

	_, err = svc.GetOrCreateDEK(ctx, "t1")
	require.NoError(t, err)
	require.NoError(t, deks.Replace(ctx, &models.DataEncryptionKey{ID: "legacy", TenantID: "t2", MasterKeyID: "mk-retired"}))

	coverage, err = svc.EncryptionCoverage(ctx)
	require.NoError(t, err)
	assert.Equal(t, 50.0, coverage)
}

func TestKeyManagementService_RotateIfDue(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	svc := application.NewKeyManagementService(kms.NewMemoryMasterKeyStore(), memory.NewDEKRepository(), 24*time.Hour,
		logger.NewNoopLogger(), application.WithKeyClock(clock))
	require.NoError(t, svc.Init(ctx))

	rotated, err := svc.RotateIfDue(ctx)
	require.NoError(t, err)
	assert.False(t, rotated)

	mu.Lock()
	now = now.Add(25 * time.Hour)
	mu.Unlock()

	rotated, err = svc.RotateIfDue(ctx)
	require.NoError(t, err)
	assert.True(t, rotated)
}
