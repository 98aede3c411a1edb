package service

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/turtacn/sentinel/internal/domain/models"
	"github.com/turtacn/sentinel/internal/domain/repository"
	domainService "github.com/turtacn/sentinel/internal/domain/service"
	"github.com/turtacn/sentinel/pkg/constants"
	"github.com/turtacn/sentinel/pkg/errors"
	"github.com/turtacn/sentinel/pkg/logger"
)

// BackupOption configures a BackupVault.
type BackupOption func(*BackupVault)

// WithBackupMetrics sets the metrics sink.
func WithBackupMetrics(m domainService.Metrics) BackupOption {
	return func(v *BackupVault) { v.metrics = m }
}

// WithBackupClock overrides time.Now.
func WithBackupClock(now func() time.Time) BackupOption {
	return func(v *BackupVault) { v.now = now }
}

// WithBackupSecuritySink reports restores made by authenticated subjects to the
// security monitor as data access.
func WithBackupSecuritySink(sink domainService.SecuritySink) BackupOption {
	return func(v *BackupVault) { v.sink = sink }
}

// BackupVault encrypts snapshots and replicates them across regions.
type BackupVault struct {
	sealer  domainService.Sealer
	regions []repository.RegionStore
	audit   domainService.AuditLogger
	sink    domainService.SecuritySink
	metrics domainService.Metrics
	logger  logger.Logger
	now     func() time.Time

	// pruneMu keeps two prunes from racing over the newest-backup rule.
	pruneMu sync.Mutex
}

// NewBackupVault requires at least two regions.
func NewBackupVault(
	sealer domainService.Sealer,
	regions []repository.RegionStore,
	audit domainService.AuditLogger,
	log logger.Logger,
	opts ...BackupOption,
) (*BackupVault, error) {
	if len(regions) < constants.MinBackupRegions {
		return nil, errors.ErrInvalidRequest(fmt.Sprintf("backup vault needs at least %d regions, got %d", constants.MinBackupRegions, len(regions)))
	}
	v := &BackupVault{
		sealer:  sealer,
		regions: regions,
		audit:   audit,
		metrics: domainService.NoopMetrics{},
		logger:  log.WithComponent("BackupVault"),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v, nil
}

func backupContext(id string) string { return constants.BackupContextPrefix + id }

// CreateBackup seals data, writes it to every region concurrently and verifies the
// result by restoring it from one replica. At least two replicas must succeed.
func (v *BackupVault) CreateBackup(ctx context.Context, data []byte) (*models.Backup, error) {
	id := uuid.NewString()

	// 1. Seal
	sealed, err := v.sealer.SealSecret(ctx, backupContext(id), data)
	if err != nil {
		v.metrics.RecordBackup("create", false, 0)
		return nil, errors.Wrap(err, errors.CodeKeyUnavailable, "failed to encrypt backup")
	}
	blob, err := json.Marshal(sealed)
	if err != nil {
		return nil, errors.ErrInternal("failed to encode backup").WithCause(err)
	}
	sum := sha256.Sum256(blob)
	backup := &models.Backup{
		ID:                 id,
		Timestamp:          v.now().UTC(),
		EncryptedSizeBytes: int64(len(blob)),
		Encrypted:          true,
		Checksum:           hex.EncodeToString(sum[:]),
	}

	// 2. Replicate
	replicated := v.replicate(ctx, backup, blob)
	if len(replicated) < constants.MinBackupRegions {
		v.discard(ctx, id, replicated)
		v.metrics.RecordBackup("create", false, backup.EncryptedSizeBytes)
		return nil, errors.ErrInternal(fmt.Sprintf("backup reached %d of %d required regions", len(replicated), constants.MinBackupRegions))
	}
	for _, r := range replicated {
		backup.Regions = append(backup.Regions, r.Region())
	}

	// 3. Verify
	restored, err := v.restoreFrom(ctx, replicated[0], id)
	switch {
	case err != nil:
		v.logger.Error(ctx, "Backup verification failed", err, logger.String("backup_id", id))
	case !bytes.Equal(restored, data):
		v.logger.Error(ctx, "Backup verification failed", errors.ErrIntegrityViolation("round trip mismatch"), logger.String("backup_id", id))
	default:
		backup.Verified = true
	}
	for _, r := range replicated {
		if err := r.UpdateMetadata(ctx, backup); err != nil {
			v.logger.Warn(ctx, "Failed to update backup metadata",
				logger.String("backup_id", id), logger.String("region", r.Region()), logger.Err(err))
		}
	}

	v.metrics.RecordBackup("create", true, backup.EncryptedSizeBytes)
	v.logger.Info(ctx, "Backup created",
		logger.String("backup_id", id),
		logger.Int64("size", backup.EncryptedSizeBytes),
		logger.String("regions", strings.Join(backup.Regions, ",")),
		logger.Bool("verified", backup.Verified))
	v.logAudit(ctx, models.NewAuditEvent(constants.AuditEventBackupCreated, actorFrom(ctx)).
		WithResource(id, "create").
		WithMeta("regions", strings.Join(backup.Regions, ",")).
		WithMeta("verified", fmt.Sprint(backup.Verified)))
	return backup.Clone(), nil
}

// replicate writes to all regions in parallel and returns those that accepted the
// backup, in configuration order.
func (v *BackupVault) replicate(ctx context.Context, backup *models.Backup, blob []byte) []repository.RegionStore {
	ok := make([]bool, len(v.regions))
	var g errgroup.Group
	for i, r := range v.regions {
		g.Go(func() error {
			if err := r.Put(ctx, backup, blob); err != nil {
				v.logger.Warn(ctx, "Backup replication failed",
					logger.String("backup_id", backup.ID), logger.String("region", r.Region()), logger.Err(err))
				return err
			}
			ok[i] = true
			return nil
		})
	}
	_ = g.Wait()

	var out []repository.RegionStore
	for i, r := range v.regions {
		if ok[i] {
			out = append(out, r)
		}
	}
	return out
}

func (v *BackupVault) discard(ctx context.Context, id string, regions []repository.RegionStore) {
	for _, r := range regions {
		if err := r.Delete(ctx, id); err != nil {
			v.logger.Warn(ctx, "Failed to discard partial backup", logger.String("backup_id", id), logger.String("region", r.Region()), logger.Err(err))
		}
	}
}

// RestoreFromBackup returns the plaintext of backup id, trying each region in turn.
func (v *BackupVault) RestoreFromBackup(ctx context.Context, id string) ([]byte, error) {
	var lastErr error
	notFound := 0
	for _, r := range v.regions {
		data, err := v.restoreFrom(ctx, r, id)
		if err == nil {
			v.metrics.RecordBackup("restore", true, int64(len(data)))
			v.logAudit(ctx, models.NewAuditEvent(constants.AuditEventBackupRestored, actorFrom(ctx)).
				WithResource(id, "restore").
				WithMeta("region", r.Region()))
			v.recordAccess(ctx, id)
			return data, nil
		}
		if errors.HasCode(err, errors.CodeNotFound) {
			notFound++
		} else {
			v.logger.Warn(ctx, "Restore from region failed, trying next",
				logger.String("backup_id", id), logger.String("region", r.Region()), logger.Err(err))
		}
		lastErr = err
	}
	v.metrics.RecordBackup("restore", false, 0)
	if notFound == len(v.regions) {
		return nil, errors.ErrNotFound("backup", id)
	}
	v.logAudit(ctx, models.NewAuditEvent(constants.AuditEventBackupRestored, actorFrom(ctx)).
		WithResource(id, "restore").
		WithResult(constants.AuditResultFailure))
	return nil, lastErr
}

func (v *BackupVault) restoreFrom(ctx context.Context, r repository.RegionStore, id string) ([]byte, error) {
	meta, blob, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	sum := sha256.Sum256(blob)
	if meta.Checksum != "" && meta.Checksum != hex.EncodeToString(sum[:]) {
		return nil, errors.ErrIntegrityViolation("backup " + id + " checksum mismatch in " + r.Region())
	}
	var sealed models.SealedPayload
	if err := json.Unmarshal(blob, &sealed); err != nil {
		return nil, errors.ErrIntegrityViolation("backup " + id + " is not a sealed payload").WithCause(err)
	}
	return v.sealer.OpenSecret(ctx, backupContext(id), &sealed)
}

// RestoreToPoint restores a backup taken at or before t. Verified backups are
// tried first, newest first, then unverified ones; a backup that cannot be read
// or fails its checks falls through to the next older candidate.
func (v *BackupVault) RestoreToPoint(ctx context.Context, t time.Time) ([]byte, *models.Backup, error) {
	backups, err := v.ListBackups(ctx)
	if err != nil {
		return nil, nil, err
	}
	var verified, unverified []*models.Backup
	for i := len(backups) - 1; i >= 0; i-- {
		b := backups[i]
		if b.Timestamp.After(t) {
			continue
		}
		if b.Verified {
			verified = append(verified, b)
		} else {
			unverified = append(unverified, b)
		}
	}
	candidates := append(verified, unverified...)
	if len(candidates) == 0 {
		return nil, nil, errors.ErrNotFound("backup", "at or before "+t.UTC().Format(time.RFC3339))
	}
	var lastErr error
	for _, b := range candidates {
		data, err := v.RestoreFromBackup(ctx, b.ID)
		if err == nil {
			return data, b, nil
		}
		v.logger.Warn(ctx, "Point in time candidate unusable, trying older",
			logger.String("backup_id", b.ID), logger.Bool("verified", b.Verified), logger.Err(err))
		lastErr = err
	}
	return nil, nil, lastErr
}

func (v *BackupVault) recordAccess(ctx context.Context, id string) {
	subject := actorFrom(ctx)
	if v.sink == nil || subject == "system" {
		return
	}
	v.sink.Record(models.SecurityEvent{
		Kind:      constants.SecurityEventDataAccess,
		SubjectID: subject,
		TenantID:  tenantID(ctx),
		SourceIP:  clientIP(ctx),
		Resource:  "backups/" + id,
		Timestamp: v.now(),
	})
}

// ListBackups merges the metadata held by every reachable region, oldest first.
func (v *BackupVault) ListBackups(ctx context.Context) ([]*models.Backup, error) {
	merged := make(map[string]*models.Backup)
	failed := 0
	var lastErr error
	for _, r := range v.regions {
		list, err := r.List(ctx)
		if err != nil {
			failed++
			lastErr = err
			continue
		}
		for _, b := range list {
			if existing, ok := merged[b.ID]; ok {
				if b.Verified {
					existing.Verified = true
				}
				continue
			}
			merged[b.ID] = b.Clone()
		}
	}
	if failed == len(v.regions) {
		return nil, errors.Wrap(lastErr, errors.CodeInternal, "no backup region reachable")
	}
	out := make([]*models.Backup, 0, len(merged))
	for _, b := range merged {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].ID < out[j].ID
		}
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out, nil
}

// PruneOlderThan deletes backups strictly older than retentionDays. The most recent
// backup is always kept.
func (v *BackupVault) PruneOlderThan(ctx context.Context, retentionDays int) (int, error) {
	if retentionDays < 0 {
		return 0, errors.ErrInvalidRequest("retention days must not be negative")
	}
	v.pruneMu.Lock()
	defer v.pruneMu.Unlock()

	backups, err := v.ListBackups(ctx)
	if err != nil {
		return 0, err
	}
	if len(backups) == 0 {
		return 0, nil
	}
	cutoff := v.now().Add(-time.Duration(retentionDays) * 24 * time.Hour)

	removed := 0
	for _, b := range backups[:len(backups)-1] {
		if !b.Timestamp.Before(cutoff) {
			continue
		}
		deleted := false
		for _, r := range v.regions {
			if err := r.Delete(ctx, b.ID); err != nil {
				v.logger.Warn(ctx, "Failed to prune backup from region",
					logger.String("backup_id", b.ID), logger.String("region", r.Region()), logger.Err(err))
				continue
			}
			deleted = true
		}
		if deleted {
			removed++
		}
	}

	if removed > 0 {
		v.metrics.RecordBackup("prune", true, 0)
		v.logAudit(ctx, models.NewAuditEvent(constants.AuditEventBackupPruned, actorFrom(ctx)).
			WithResource("backups", "prune").
			WithMeta("removed", itoa(removed)).
			WithMeta("retention_days", itoa(retentionDays)))
	}
	return removed, nil
}

func (v *BackupVault) logAudit(ctx context.Context, event *models.AuditEvent) {
	if v.audit == nil {
		return
	}
	if _, err := v.audit.LogEvent(ctx, event); err != nil {
		v.logger.Error(ctx, "Failed to write audit event", err, logger.String("event_type", string(event.EventType)))
	}
}
