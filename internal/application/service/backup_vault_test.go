package service

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turtacn/sentinel/internal/domain/models"
	"github.com/turtacn/sentinel/internal/domain/repository"
	"github.com/turtacn/sentinel/internal/infrastructure/persistence/memory"
	"github.com/turtacn/sentinel/pkg/constants"
	"github.com/turtacn/sentinel/pkg/errors"
	"github.com/turtacn/sentinel/pkg/logger"
)

// corruptRegion flips a byte of every blob it returns.
type corruptRegion struct {
	*memory.RegionStore
}

func (r corruptRegion) Get(ctx context.Context, id string) (*models.Backup, []byte, error) {
	meta, blob, err := r.RegionStore.Get(ctx, id)
	if err == nil && len(blob) > 0 {
		blob[len(blob)/2] ^= 0xff
	}
	return meta, blob, err
}

type vaultFixture struct {
	vault   *BackupVault
	regions []*memory.RegionStore
	audit   *recordingAudit
	clock   *testClock
}

func newVaultFixture(t *testing.T, names ...string) *vaultFixture {
	t.Helper()
	f := &vaultFixture{audit: &recordingAudit{}, clock: newTestClock()}
	stores := make([]repository.RegionStore, 0, len(names))
	for _, n := range names {
		r := memory.NewRegionStore(n)
		f.regions = append(f.regions, r)
		stores = append(stores, r)
	}
	v, err := NewBackupVault(newEngineSealer(t), stores, f.audit, logger.NewNoopLogger(), WithBackupClock(f.clock.Now))
	require.NoError(t, err)
	f.vault = v
	return f
}

func TestBackupVault_RequiresTwoRegions(t *testing.T) {
	_, err := NewBackupVault(newEngineSealer(t), []repository.RegionStore{memory.NewRegionStore("solo")}, nil, logger.NewNoopLogger())
	assert.True(t, errors.HasCode(err, errors.CodeInvalidRequest))
}

func TestBackupVault_RoundTrip(t *testing.T) {
	f := newVaultFixture(t, "eu-west", "eu-central", "us-east")
	ctx := context.Background()
	data := []byte(`{"tenants":["acme","globex"],"keys":42}`)

	b, err := f.vault.CreateBackup(ctx, data)
	require.NoError(t, err)
	assert.True(t, b.Encrypted)
	assert.True(t, b.Verified)
	assert.Equal(t, []string{"eu-west", "eu-central", "us-east"}, b.Regions)
	assert.Len(t, b.Checksum, 64)
	assert.Greater(t, b.EncryptedSizeBytes, int64(len(data)))

	_, blob, err := f.regions[1].Get(ctx, b.ID)
	require.NoError(t, err)
	assert.NotContains(t, string(blob), "globex", "replicas hold ciphertext only")

	stored, _, err := f.regions[2].Get(ctx, b.ID)
	require.NoError(t, err)
	assert.True(t, stored.Verified, "verification is written back to every replica")

	raw, err := json.Marshal(b)
	require.NoError(t, err)
	var shape map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &shape))
	for _, k := range []string{"id", "timestamp", "size", "regions", "encrypted", "verified"} {
		assert.Contains(t, shape, k)
	}

	got, err := f.vault.RestoreFromBackup(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	assert.Len(t, f.audit.byType(constants.AuditEventBackupCreated), 1)
	assert.Len(t, f.audit.byType(constants.AuditEventBackupRestored), 1)

	_, err = f.vault.RestoreFromBackup(ctx, "missing")
	assert.True(t, errors.HasCode(err, errors.CodeNotFound))
}

func TestBackupVault_RegionOutage(t *testing.T) {
	f := newVaultFixture(t, "a", "b", "c")
	ctx := context.Background()

	f.regions[2].SetFailing(true)
	b, err := f.vault.CreateBackup(ctx, []byte("payload"))
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, b.Regions)

	f.regions[2].SetFailing(false)
	f.regions[0].SetFailing(true)
	got, err := f.vault.RestoreFromBackup(ctx, b.ID)
	require.NoError(t, err, "reads fall back to the next region")
	assert.Equal(t, []byte("payload"), got)

	f.regions[1].SetFailing(true)
	_, err = f.vault.CreateBackup(ctx, []byte("second"))
	require.Error(t, err, "one replica is not enough")

	list, err := f.regions[2].List(ctx)
	require.NoError(t, err)
	assert.Empty(t, list, "partial replicas are discarded")
}

func TestBackupVault_TamperedReplica(t *testing.T) {
	good := memory.NewRegionStore("good")
	bad := corruptRegion{memory.NewRegionStore("bad")}
	v, err := NewBackupVault(newEngineSealer(t), []repository.RegionStore{bad, good}, nil, logger.NewNoopLogger())
	require.NoError(t, err)
	ctx := context.Background()

	b, err := v.CreateBackup(ctx, []byte("ledger snapshot"))
	require.NoError(t, err)
	assert.False(t, b.Verified, "the first replica fails verification")

	got, err := v.RestoreFromBackup(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, []byte("ledger snapshot"), got)

	_, err = v.restoreFrom(ctx, bad, b.ID)
	assert.True(t, errors.HasCode(err, errors.CodeIntegrityViolation))
}

func TestBackupVault_RestoreToPoint(t *testing.T) {
	f := newVaultFixture(t, "a", "b")
	ctx := context.Background()
	start := f.clock.Now()

	first, err := f.vault.CreateBackup(ctx, []byte("v1"))
	require.NoError(t, err)
	f.clock.Advance(time.Hour)
	second, err := f.vault.CreateBackup(ctx, []byte("v2"))
	require.NoError(t, err)

	data, chosen, err := f.vault.RestoreToPoint(ctx, start.Add(30*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, first.ID, chosen.ID)
	assert.Equal(t, []byte("v1"), data)

	data, chosen, err = f.vault.RestoreToPoint(ctx, start.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, second.ID, chosen.ID, "a backup taken exactly at the point qualifies")
	assert.Equal(t, []byte("v2"), data)

	_, _, err = f.vault.RestoreToPoint(ctx, start.Add(-time.Second))
	assert.True(t, errors.HasCode(err, errors.CodeNotFound))
}

func TestBackupVault_RestoreToPointFallsBack(t *testing.T) {
	f := newVaultFixture(t, "a", "b")
	ctx := context.Background()

	create := func(data string) *models.Backup {
		b, err := f.vault.CreateBackup(ctx, []byte(data))
		require.NoError(t, err)
		require.True(t, b.Verified)
		f.clock.Advance(time.Hour)
		return b
	}
	damage := func(b *models.Backup) {
		for _, r := range f.regions {
			require.NoError(t, r.Put(ctx, b, []byte(`{"ciphertext":"AAAA"}`)))
		}
	}
	v1 := create("v1")
	v2 := create("v2")
	v3 := create("v3")

	unverified := v2.Clone()
	unverified.Verified = false
	for _, r := range f.regions {
		require.NoError(t, r.UpdateMetadata(ctx, unverified))
	}
	damage(v3)

	data, chosen, err := f.vault.RestoreToPoint(ctx, f.clock.Now())
	require.NoError(t, err)
	assert.Equal(t, v1.ID, chosen.ID, "an older verified backup beats a newer unverified one")
	assert.Equal(t, []byte("v1"), data)

	damage(v1)
	data, chosen, err = f.vault.RestoreToPoint(ctx, f.clock.Now())
	require.NoError(t, err)
	assert.Equal(t, v2.ID, chosen.ID, "unverified backups are the last resort")
	assert.Equal(t, []byte("v2"), data)

	damage(v2)
	_, _, err = f.vault.RestoreToPoint(ctx, f.clock.Now())
	assert.True(t, errors.HasCode(err, errors.CodeIntegrityViolation))
}

func TestBackupVault_RestoreReportsDataAccess(t *testing.T) {
	sink := &fakeSink{}
	stores := []repository.RegionStore{memory.NewRegionStore("a"), memory.NewRegionStore("b")}
	clock := newTestClock()
	v, err := NewBackupVault(newEngineSealer(t), stores, nil, logger.NewNoopLogger(),
		WithBackupClock(clock.Now), WithBackupSecuritySink(sink))
	require.NoError(t, err)

	b, err := v.CreateBackup(context.Background(), []byte("ledger snapshot"))
	require.NoError(t, err)

	_, err = v.RestoreFromBackup(context.Background(), b.ID)
	require.NoError(t, err)
	events, _ := sink.snapshot()
	assert.Empty(t, events, "internal restores are not reported")

	ctx := WithClientIP(WithSubjectID(context.Background(), "carol"), "192.0.2.44")
	_, _, err = v.RestoreToPoint(ctx, clock.Now())
	require.NoError(t, err)
	_, err = v.RestoreFromBackup(ctx, "missing")
	require.Error(t, err)

	events, _ = sink.snapshot()
	require.Len(t, events, 1)
	assert.Equal(t, constants.SecurityEventDataAccess, events[0].Kind)
	assert.Equal(t, "carol", events[0].SubjectID)
	assert.Equal(t, "192.0.2.44", events[0].SourceIP)
	assert.Equal(t, "backups/"+b.ID, events[0].Resource)
	assert.Equal(t, clock.Now(), events[0].Timestamp)
}

func TestBackupVault_Prune(t *testing.T) {
	f := newVaultFixture(t, "a", "b")
	ctx := context.Background()
	day := 24 * time.Hour

	var ids []string
	for i := 0; i < 3; i++ {
		b, err := f.vault.CreateBackup(ctx, []byte("snapshot "+itoa(i)))
		require.NoError(t, err)
		ids = append(ids, b.ID)
		f.clock.Advance(10 * day)
	}
	// Backups are 30, 20 and 10 days old; the 20 day one sits on the cutoff.
	_, err := f.vault.PruneOlderThan(ctx, -1)
	assert.True(t, errors.HasCode(err, errors.CodeInvalidRequest))

	removed, err := f.vault.PruneOlderThan(ctx, 20)
	require.NoError(t, err)
	assert.Equal(t, 1, removed, "only strictly older backups go")

	list, err := f.vault.ListBackups(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, ids[1], list[0].ID)

	removed, err = f.vault.PruneOlderThan(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	list, err = f.vault.ListBackups(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, ids[2], list[0].ID, "the newest backup is never pruned")
	assert.Len(t, f.audit.byType(constants.AuditEventBackupPruned), 2)
}

func TestBackupVault_ListMergesRegions(t *testing.T) {
	f := newVaultFixture(t, "a", "b", "c")
	ctx := context.Background()

	f.regions[0].SetFailing(true)
	_, err := f.vault.CreateBackup(ctx, []byte("one"))
	require.NoError(t, err)
	f.regions[0].SetFailing(false)
	f.regions[2].SetFailing(true)
	_, err = f.vault.CreateBackup(ctx, []byte("two"))
	require.NoError(t, err)
	f.regions[2].SetFailing(false)

	list, err := f.vault.ListBackups(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 2)

	for _, r := range f.regions {
		r.SetFailing(true)
	}
	_, err = f.vault.ListBackups(ctx)
	assert.Error(t, err)
}
