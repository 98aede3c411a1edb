package database

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/turtacn/sentinel/internal/config"
	"github.com/turtacn/sentinel/internal/domain/models"
	"github.com/turtacn/sentinel/pkg/constants"
	"github.com/turtacn/sentinel/pkg/errors"
	"github.com/turtacn/sentinel/pkg/logger"
)

func setupSQLite(t *testing.T) *gorm.DB {
	t.Helper()
	cfg := config.DatabaseConfig{Driver: "sqlite", DSN: filepath.Join(t.TempDir(), "sentinel.db")}
	db, err := Open(context.Background(), cfg, logger.NewNoopLogger())
	require.NoError(t, err)
	require.NoError(t, Migrate(db))
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return db
}

func newDEK(tenantID, masterKeyID string) *models.DataEncryptionKey {
	now := time.Now().UTC()
	return &models.DataEncryptionKey{
		ID:          "dek-" + tenantID + "-" + fmt.Sprint(now.UnixNano()),
		TenantID:    tenantID,
		WrappedKey:  []byte("wrapped-" + tenantID),
		Nonce:       []byte("nonce-123456"),
		MasterKeyID: masterKeyID,
		Algorithm:   constants.AlgorithmAES256GCM,
		Provenance:  constants.KeyProvenanceGenerated,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func TestDEKRepository_InsertIfAbsentConverges(t *testing.T) {
	repo := NewDEKRepository(setupSQLite(t))
	ctx := context.Background()

	var wg sync.WaitGroup
	results := make([]*models.DataEncryptionKey, 8)
	inserted := make([]bool, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			d := newDEK("tenant-a", "mk-1")
			d.ID = fmt.Sprintf("dek-%d", i)
			got, ok, err := repo.InsertIfAbsent(ctx, d)
			assert.NoError(t, err)
			results[i], inserted[i] = got, ok
		}(i)
	}
	wg.Wait()

	winners := 0
	for i := range results {
		if inserted[i] {
			winners++
		}
		require.NotNil(t, results[i])
		assert.Equal(t, results[0].ID, results[i].ID)
	}
	assert.Equal(t, 1, winners)
}

func TestDEKRepository_GetMissing(t *testing.T) {
	repo := NewDEKRepository(setupSQLite(t))
	_, err := repo.Get(context.Background(), "nobody")
	assert.True(t, errors.HasCode(err, errors.CodeNotFound))
}

func TestDEKRepository_StageAndPromote(t *testing.T) {
	repo := NewDEKRepository(setupSQLite(t))
	ctx := context.Background()

	current := map[string]*models.DataEncryptionKey{}
	for _, tenant := range []string{"t1", "t2"} {
		stored, _, err := repo.InsertIfAbsent(ctx, newDEK(tenant, "mk-old"))
		require.NoError(t, err)
		current[tenant] = stored
	}
	require.NoError(t, repo.Stage(ctx, current["t1"], "mk-new", []byte("rewrapped-t1"), []byte("nonce-new-01")))
	require.NoError(t, repo.Stage(ctx, current["t2"], "mk-new", []byte("rewrapped-t2"), []byte("nonce-new-02")))

	before, err := repo.Get(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "mk-old", before.MasterKeyID, "staging leaves the active wrap alone")
	assert.True(t, before.HasStaged("mk-new"))

	n, err := repo.PromoteStaged(ctx, "mk-new")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	after, err := repo.Get(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "mk-new", after.MasterKeyID)
	assert.Equal(t, []byte("rewrapped-t1"), after.WrappedKey)
	assert.False(t, after.HasStaged("mk-new"))

	err = repo.Stage(ctx, newDEK("missing", "mk-old"), "mk-new", []byte("x"), []byte("y"))
	assert.True(t, errors.HasCode(err, errors.CodeNotFound))
}

func TestDEKRepository_StageRefusesReplacedKey(t *testing.T) {
	repo := NewDEKRepository(setupSQLite(t))
	ctx := context.Background()

	stale, _, err := repo.InsertIfAbsent(ctx, newDEK("t1", "mk-old"))
	require.NoError(t, err)
	byok := newDEK("t1", "mk-old")
	byok.WrappedKey = []byte("customer-key")
	require.NoError(t, repo.Replace(ctx, byok))

	err = repo.Stage(ctx, stale, "mk-new", []byte("rewrap-of-generated"), []byte("nonce-new-01"))
	assert.True(t, errors.HasCode(err, errors.CodeConflict))

	n, err := repo.PromoteStaged(ctx, "mk-new")
	require.NoError(t, err)
	assert.Zero(t, n)
	got, err := repo.Get(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, []byte("customer-key"), got.WrappedKey)
}

func TestDEKRepository_Replace(t *testing.T) {
	repo := NewDEKRepository(setupSQLite(t))
	ctx := context.Background()

	_, _, err := repo.InsertIfAbsent(ctx, newDEK("t1", "mk-1"))
	require.NoError(t, err)

	byok := newDEK("t1", "mk-1")
	byok.WrappedKey = []byte("customer-key")
	byok.Provenance = constants.KeyProvenanceExternal
	require.NoError(t, repo.Replace(ctx, byok))

	got, err := repo.Get(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, constants.KeyProvenanceExternal, got.Provenance)
	assert.Equal(t, []byte("customer-key"), got.WrappedKey)

	all, err := repo.List(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func entry(seq uint64, actor string, at time.Time) *models.AuditEntry {
	return &models.AuditEntry{
		ID:            fmt.Sprintf("entry-%03d", seq),
		Sequence:      seq,
		Timestamp:     at,
		EventType:     constants.AuditEventAuthenticationOK,
		ActorID:       actor,
		Result:        constants.AuditResultSuccess,
		Metadata:      map[string]string{"email": actor + "@example.com", "subject_id": actor},
		PrevHash:      constants.GenesisHash,
		IntegrityHash: fmt.Sprintf("hash-%d", seq),
	}
}

func TestAuditRepository_AppendQueryLast(t *testing.T) {
	repo := NewAuditRepository(setupSQLite(t))
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	_, err := repo.Last(ctx)
	assert.True(t, errors.HasCode(err, errors.CodeNotFound))

	require.NoError(t, repo.Append(ctx, entry(1, "alice", base)))
	require.NoError(t, repo.Append(ctx, entry(2, "bob", base.Add(time.Hour))))
	require.NoError(t, repo.Append(ctx, entry(3, "alice", base.Add(2*time.Hour))))

	err = repo.Append(ctx, entry(2, "mallory", base.Add(3*time.Hour)))
	assert.True(t, errors.HasCode(err, errors.CodeComplianceViolation))

	last, err := repo.Last(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), last.Sequence)

	all, err := repo.Query(ctx, models.TimeWindow{}, models.AuditFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "alice@example.com", all[0].Metadata["email"])

	alice, err := repo.Query(ctx, models.TimeWindow{}, models.AuditFilter{ActorID: "alice"})
	require.NoError(t, err)
	assert.Len(t, alice, 2)

	windowed, err := repo.Query(ctx, models.TimeWindow{From: base.Add(30 * time.Minute), To: base.Add(90 * time.Minute)}, models.AuditFilter{})
	require.NoError(t, err)
	require.Len(t, windowed, 1)
	assert.Equal(t, "bob", windowed[0].ActorID)
}

func TestAuditRepository_Anonymize(t *testing.T) {
	repo := NewAuditRepository(setupSQLite(t))
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, repo.Append(ctx, entry(1, "alice", base)))
	require.NoError(t, repo.Append(ctx, entry(2, "bob", base.Add(time.Minute))))

	n, err := repo.Anonymize(ctx, "alice", "anon-0011223344556677", []string{"email"})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	all, err := repo.Query(ctx, models.TimeWindow{}, models.AuditFilter{})
	require.NoError(t, err)
	require.Len(t, all, 2)

	assert.Equal(t, "anon-0011223344556677", all[0].ActorID)
	assert.True(t, all[0].Anonymized)
	assert.NotContains(t, all[0].Metadata, "email")
	assert.Equal(t, "anon-0011223344556677", all[0].Metadata["subject_id"])
	assert.Equal(t, "hash-1", all[0].IntegrityHash, "hashes are never rewritten")

	assert.Equal(t, "bob", all[1].ActorID)
	assert.False(t, all[1].Anonymized)
}

func TestAuditRepository_AnonymizeQualifiedResourceRef(t *testing.T) {
	repo := NewAuditRepository(setupSQLite(t))
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	threat := entry(1, "security-monitor", base)
	threat.EventType = constants.AuditEventThreatDetected
	threat.ResourceRef = "alice:admin"
	require.NoError(t, repo.Append(ctx, threat))
	other := entry(2, "security-monitor", base.Add(time.Minute))
	other.ResourceRef = "alicia:admin"
	require.NoError(t, repo.Append(ctx, other))

	n, err := repo.Anonymize(ctx, "alice", "anon-0011223344556677", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	all, err := repo.Query(ctx, models.TimeWindow{}, models.AuditFilter{})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "anon-0011223344556677:admin", all[0].ResourceRef)
	assert.True(t, all[0].Anonymized)
	assert.Equal(t, "alicia:admin", all[1].ResourceRef)
	assert.False(t, all[1].Anonymized)
}
