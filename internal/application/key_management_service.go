// Package application provides the application layer services.
package application

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"
	"golang.org/x/sync/singleflight"

	"github.com/turtacn/sentinel/internal/domain/models"
	"github.com/turtacn/sentinel/internal/domain/repository"
	"github.com/turtacn/sentinel/internal/domain/service"
	"github.com/turtacn/sentinel/internal/infrastructure/crypto"
	"github.com/turtacn/sentinel/pkg/constants"
	"github.com/turtacn/sentinel/pkg/errors"
	"github.com/turtacn/sentinel/pkg/logger"
)

// RotationHook runs after a master key rotation completes.
type RotationHook func(ctx context.Context, result *models.RotationResult)

// KeyManagementService owns the master key hierarchy: it lazily creates tenant DEKs,
// wraps them under the current master key, rotates the master key by re-wrapping,
// and hands out envelope engines rooted at tenant DEKs.
type KeyManagementService struct {
	masterKeys       repository.MasterKeyStore
	deks             repository.DEKRepository
	audit            service.AuditLogger
	metrics          service.Metrics
	logger           logger.Logger
	rotationInterval time.Duration
	now              func() time.Time

	mu      sync.RWMutex
	current *models.MasterKey

	// gate is held shared by DEK writers and exclusively by the final phase of a
	// rotation, so no DEK can be wrapped under a key that is being retired.
	gate     sync.RWMutex
	rotateMu sync.Mutex

	group    singleflight.Group
	dekCache *cache.Cache
	engines  *cache.Cache

	hooksMu sync.Mutex
	hooks   []RotationHook

	sinkMu sync.RWMutex
	sink   service.SecuritySink
}

// KeyManagerOption configures a KeyManagementService.
type KeyManagerOption func(*KeyManagementService)

// WithKeyAudit sends key lifecycle events to the ledger.
func WithKeyAudit(a service.AuditLogger) KeyManagerOption {
	return func(s *KeyManagementService) { s.audit = a }
}

// WithKeyMetrics reports rotations and cache hits.
func WithKeyMetrics(m service.Metrics) KeyManagerOption {
	return func(s *KeyManagementService) { s.metrics = m }
}

// WithKeyClock overrides the clock used for key expiry.
func WithKeyClock(now func() time.Time) KeyManagerOption {
	return func(s *KeyManagementService) { s.now = now }
}

// NewKeyManagementService creates the service. Call Init before use.
func NewKeyManagementService(
	masterKeys repository.MasterKeyStore,
	deks repository.DEKRepository,
	rotationInterval time.Duration,
	log logger.Logger,
	opts ...KeyManagerOption,
) *KeyManagementService {
	if rotationInterval <= 0 {
		rotationInterval = constants.DefaultMasterKeyRotationInterval
	}
	s := &KeyManagementService{
		masterKeys:       masterKeys,
		deks:             deks,
		metrics:          service.NoopMetrics{},
		logger:           log.WithComponent("KeyManagementService"),
		rotationInterval: rotationInterval,
		now:              time.Now,
		dekCache:         cache.New(constants.DEKCacheTTL, 2*constants.DEKCacheTTL),
		engines:          cache.New(constants.DEKCacheTTL, 2*constants.DEKCacheTTL),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.OnRotation(func(context.Context, *models.RotationResult) {
		for _, item := range s.engines.Items() {
			if e, ok := item.Object.(*crypto.EnvelopeEngine); ok {
				e.InvalidateDerivedKeys()
			}
		}
	})
	return s
}

// SetAuditLogger wires the ledger after construction, for callers whose ledger
// itself depends on this service.
func (s *KeyManagementService) SetAuditLogger(a service.AuditLogger) {
	s.audit = a
}

// SetSecuritySink feeds successful tenant decryptions to the security monitor.
func (s *KeyManagementService) SetSecuritySink(sink service.SecuritySink) {
	s.sinkMu.Lock()
	defer s.sinkMu.Unlock()
	s.sink = sink
}

// recordAccess reports a decryption made on behalf of an authenticated subject.
// Control plane secrets under the system tenant are not data access.
func (s *KeyManagementService) recordAccess(ctx context.Context, tenantID, encContext string) {
	if tenantID == constants.SystemTenantID {
		return
	}
	subject, _ := ctx.Value(constants.ContextKeySubjectID).(string)
	if subject == "" {
		return
	}
	s.sinkMu.RLock()
	sink := s.sink
	s.sinkMu.RUnlock()
	if sink == nil {
		return
	}
	ip, _ := ctx.Value(constants.ContextKeyClientIP).(string)
	sink.Record(models.SecurityEvent{
		Kind:      constants.SecurityEventDataAccess,
		SubjectID: subject,
		TenantID:  tenantID,
		SourceIP:  ip,
		Resource:  constants.TenantResourcePrefix + tenantID + "/" + encContext,
		Timestamp: s.now(),
	})
}

// Init loads the current master key, creating the first one on an empty store,
// and finishes a rotation interrupted by a crash.
func (s *KeyManagementService) Init(ctx context.Context) error {
	marker, err := s.masterKeys.LoadMarker(ctx)
	if err != nil {
		return s.keyUnavailable(ctx, "failed to load rotation marker", err)
	}

	mk, err := s.masterKeys.Current(ctx)
	switch {
	case errors.HasCode(err, errors.CodeNotFound):
		mk, err = s.newMasterKey(ctx)
		if err != nil {
			return err
		}
		if err := s.masterKeys.SetCurrent(ctx, mk.ID); err != nil {
			return s.keyUnavailable(ctx, "failed to activate master key", err)
		}
		s.logger.Info(ctx, "Generated initial master key", logger.String("master_key_id", mk.ID))
	case err != nil:
		return s.keyUnavailable(ctx, "failed to load current master key", err)
	}
	s.setCurrent(mk)

	if marker.InProgress() {
		s.logger.Warn(ctx, "Resuming interrupted master key rotation",
			logger.String("state", string(marker.State)),
			logger.String("old_key_id", marker.OldKeyID),
			logger.String("new_key_id", marker.NewKeyID),
		)
		if _, err := s.RotateMasterKey(ctx); err != nil {
			return err
		}
	}
	return nil
}

// CurrentMasterKeyID returns the id of the key wrapping new DEKs.
func (s *KeyManagementService) CurrentMasterKeyID(ctx context.Context) (string, error) {
	mk, err := s.currentKey(ctx)
	if err != nil {
		return "", err
	}
	return mk.ID, nil
}

// GetOrCreateDEK returns the tenant's plaintext DEK, creating it on first use.
// Concurrent first calls converge on one DEK.
func (s *KeyManagementService) GetOrCreateDEK(ctx context.Context, tenantID string) ([]byte, error) {
	if tenantID == "" {
		return nil, errors.ErrInvalidRequest("tenant id is required")
	}
	if v, ok := s.dekCache.Get(tenantID); ok {
		s.metrics.RecordCacheAccess("dek", true)
		return append([]byte(nil), v.([]byte)...), nil
	}
	s.metrics.RecordCacheAccess("dek", false)

	v, err, _ := s.group.Do(tenantID, func() (interface{}, error) {
		key, err := s.loadOrCreateDEK(ctx, tenantID)
		if err != nil {
			return nil, err
		}
		s.dekCache.SetDefault(tenantID, key)
		return key, nil
	})
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), v.([]byte)...), nil
}

func (s *KeyManagementService) loadOrCreateDEK(ctx context.Context, tenantID string) ([]byte, error) {
	dek, err := s.deks.Get(ctx, tenantID)
	if err == nil {
		return s.unwrapDEK(ctx, dek)
	}
	if !errors.HasCode(err, errors.CodeNotFound) {
		return nil, s.keyUnavailable(ctx, "failed to load dek for tenant "+tenantID, err)
	}

	material, err := crypto.GenerateKey()
	if err != nil {
		return nil, errors.ErrInternal("failed to generate dek").WithCause(err)
	}

	s.gate.RLock()
	stored, inserted, err := s.wrapAndStore(ctx, tenantID, material, constants.KeyProvenanceGenerated, false)
	s.gate.RUnlock()
	if err != nil {
		return nil, err
	}
	if !inserted {
		// Another node won the race; use its key.
		return s.unwrapDEK(ctx, stored)
	}

	s.logAudit(ctx, models.NewAuditEvent(constants.AuditEventDEKCreated, "system").
		WithTenant(tenantID).
		WithResource("dek:"+stored.ID, "create").
		WithMeta("master_key_id", stored.MasterKeyID))
	s.logger.Info(ctx, "Created tenant DEK", logger.String("tenant_id", tenantID), logger.String("dek_id", stored.ID))
	return material, nil
}

// wrapAndStore must be called with gate held shared.
func (s *KeyManagementService) wrapAndStore(ctx context.Context, tenantID string, material []byte, provenance constants.KeyProvenance, replace bool) (*models.DataEncryptionKey, bool, error) {
	mk, err := s.currentKey(ctx)
	if err != nil {
		return nil, false, err
	}
	wrapped, nonce, err := crypto.WrapKey(mk.Material, material, wrapAAD(tenantID, mk.ID))
	if err != nil {
		return nil, false, errors.ErrInternal("failed to wrap dek").WithCause(err)
	}
	now := s.now().UTC()
	dek := &models.DataEncryptionKey{
		ID:          uuid.NewString(),
		TenantID:    tenantID,
		WrappedKey:  wrapped,
		Nonce:       nonce,
		MasterKeyID: mk.ID,
		Algorithm:   constants.AlgorithmAES256GCM,
		Provenance:  provenance,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if replace {
		if err := s.deks.Replace(ctx, dek); err != nil {
			return nil, false, s.keyUnavailable(ctx, "failed to store tenant key", err)
		}
		return dek, true, nil
	}
	stored, inserted, err := s.deks.InsertIfAbsent(ctx, dek)
	if err != nil {
		return nil, false, s.keyUnavailable(ctx, "failed to store dek", err)
	}
	return stored, inserted, nil
}

// unwrapDEK opens dek with the master key it names. A rotation can retire that key
// between reading the record and fetching the key, so a missing key triggers one
// re-read of the record.
func (s *KeyManagementService) unwrapDEK(ctx context.Context, dek *models.DataEncryptionKey) ([]byte, error) {
	for attempt := 0; ; attempt++ {
		mk, err := s.masterKey(ctx, dek.MasterKeyID)
		if errors.HasCode(err, errors.CodeNotFound) && attempt == 0 {
			if dek, err = s.deks.Get(ctx, dek.TenantID); err != nil {
				return nil, s.keyUnavailable(ctx, "failed to reload dek", err)
			}
			continue
		}
		if err != nil {
			return nil, s.keyUnavailable(ctx, "master key "+dek.MasterKeyID+" unavailable", err)
		}
		key, err := crypto.UnwrapKey(mk.Material, dek.WrappedKey, dek.Nonce, wrapAAD(dek.TenantID, mk.ID))
		if err != nil {
			s.logAudit(ctx, models.NewAuditEvent(constants.AuditEventIntegrityViolation, "system").
				WithTenant(dek.TenantID).
				WithResource("dek:"+dek.ID, "unwrap").
				WithResult(constants.AuditResultFailure))
			s.logger.Error(ctx, "Security incident: dek failed to unwrap", err, logger.String("tenant_id", dek.TenantID))
			return nil, err
		}
		return key, nil
	}
}

// SetTenantKey imports customer-supplied key material as the tenant's DEK.
// The material is wrapped like a generated DEK and re-wrapped on rotation.
func (s *KeyManagementService) SetTenantKey(ctx context.Context, tenantID string, material []byte) error {
	if tenantID == "" {
		return errors.ErrInvalidRequest("tenant id is required")
	}
	if len(material) != constants.DEKSize {
		return errors.ErrInvalidRequest("tenant key must be 32 bytes")
	}
	s.gate.RLock()
	stored, _, err := s.wrapAndStore(ctx, tenantID, material, constants.KeyProvenanceExternal, true)
	s.gate.RUnlock()
	if err != nil {
		return err
	}
	s.dekCache.Delete(tenantID)
	s.engines.Delete(tenantID)

	s.logAudit(ctx, models.NewAuditEvent(constants.AuditEventTenantKeyImported, "system").
		WithTenant(tenantID).
		WithResource("dek:"+stored.ID, "import").
		WithMeta("provenance", string(constants.KeyProvenanceExternal)))
	return nil
}

// TenantEngine returns an envelope engine rooted at the tenant's DEK.
func (s *KeyManagementService) TenantEngine(ctx context.Context, tenantID string) (*crypto.EnvelopeEngine, error) {
	if v, ok := s.engines.Get(tenantID); ok {
		return v.(*crypto.EnvelopeEngine), nil
	}
	dek, err := s.GetOrCreateDEK(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	engine, err := crypto.NewEnvelopeEngine(dek, crypto.WithEngineMetrics(s.metrics))
	if err != nil {
		return nil, err
	}
	s.engines.SetDefault(tenantID, engine)
	return engine, nil
}

// EncryptForTenant seals plaintext for tenantID under encContext.
func (s *KeyManagementService) EncryptForTenant(ctx context.Context, tenantID, encContext string, plaintext []byte) (*models.SealedPayload, error) {
	engine, err := s.TenantEngine(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	return engine.EncryptAtRest(plaintext, encContext)
}

// DecryptForTenant opens a payload sealed by EncryptForTenant. Integrity failures are
// ledgered as incidents.
func (s *KeyManagementService) DecryptForTenant(ctx context.Context, tenantID, encContext string, sealed *models.SealedPayload) ([]byte, error) {
	engine, err := s.TenantEngine(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	plaintext, err := engine.DecryptAtRest(sealed, encContext)
	if err != nil {
		s.logAudit(ctx, models.NewAuditEvent(constants.AuditEventIntegrityViolation, "system").
			WithTenant(tenantID).
			WithResource(encContext, "decrypt").
			WithResult(constants.AuditResultFailure))
		s.logger.Error(ctx, "Security incident: decryption failed", err, logger.String("tenant_id", tenantID))
		return nil, err
	}
	s.recordAccess(ctx, tenantID, encContext)
	return plaintext, nil
}

var _ service.Sealer = (*KeyManagementService)(nil)

// SealSecret protects a control plane secret under the system DEK.
func (s *KeyManagementService) SealSecret(ctx context.Context, encContext string, plaintext []byte) (*models.SealedPayload, error) {
	return s.EncryptForTenant(ctx, constants.SystemTenantID, encContext, plaintext)
}

// OpenSecret reverses SealSecret.
func (s *KeyManagementService) OpenSecret(ctx context.Context, encContext string, sealed *models.SealedPayload) ([]byte, error) {
	return s.DecryptForTenant(ctx, constants.SystemTenantID, encContext, sealed)
}

var _ service.CoverageReporter = (*KeyManagementService)(nil)

// EncryptionCoverage is the percentage of DEKs wrapped under the current master key.
// With no DEKs there is nothing unprotected, so coverage is 100.
func (s *KeyManagementService) EncryptionCoverage(ctx context.Context) (float64, error) {
	mk, err := s.currentKey(ctx)
	if err != nil {
		return 0, err
	}
	deks, err := s.deks.List(ctx)
	if err != nil {
		return 0, s.keyUnavailable(ctx, "failed to list deks", err)
	}
	if len(deks) == 0 {
		return 100, nil
	}
	covered := 0
	for _, d := range deks {
		if d.MasterKeyID == mk.ID {
			covered++
		}
	}
	return float64(covered) * 100 / float64(len(deks)), nil
}

// OnRotation registers a hook run after every completed rotation.
func (s *KeyManagementService) OnRotation(hook RotationHook) {
	s.hooksMu.Lock()
	defer s.hooksMu.Unlock()
	s.hooks = append(s.hooks, hook)
}

// RotateMasterKey replaces the current master key. Every DEK is re-wrapped into a
// staging slot under the new key, the staged wraps are promoted in one step, the
// current pointer moves, and the old key is discarded. Progress is recorded in the
// rotation marker so a crashed rotation is resumed by the next call or by Init.
func (s *KeyManagementService) RotateMasterKey(ctx context.Context) (*models.RotationResult, error) {
	s.rotateMu.Lock()
	defer s.rotateMu.Unlock()
	start := s.now()

	result, err := s.rotate(ctx)
	if err != nil {
		s.metrics.RecordKeyRotation(false, 0, s.now().Sub(start))
		s.logger.Error(ctx, "Master key rotation failed", err)
		return nil, err
	}
	result.CompletedAt = s.now().UTC()
	result.Duration = result.CompletedAt.Sub(start)
	s.metrics.RecordKeyRotation(true, result.Rewrapped, result.Duration)

	s.logAudit(ctx, models.NewAuditEvent(constants.AuditEventMasterKeyRotated, "system").
		WithResource("master-key:"+result.NewKeyID, "rotate").
		WithMeta("old_key_id", result.OldKeyID).
		WithMeta("rewrapped", strconv.Itoa(result.Rewrapped)))
	s.logger.Info(ctx, "Master key rotated",
		logger.String("old_key_id", result.OldKeyID),
		logger.String("new_key_id", result.NewKeyID),
		logger.Int("rewrapped", result.Rewrapped),
		logger.Bool("resumed", result.Resumed),
	)

	s.hooksMu.Lock()
	hooks := append([]RotationHook(nil), s.hooks...)
	s.hooksMu.Unlock()
	for _, h := range hooks {
		h(ctx, result)
	}
	return result, nil
}

func (s *KeyManagementService) rotate(ctx context.Context) (*models.RotationResult, error) {
	marker, err := s.masterKeys.LoadMarker(ctx)
	if err != nil {
		return nil, s.keyUnavailable(ctx, "failed to load rotation marker", err)
	}

	result := &models.RotationResult{}
	var newKey *models.MasterKey

	if marker.InProgress() {
		result.Resumed = true
		result.OldKeyID, result.NewKeyID = marker.OldKeyID, marker.NewKeyID
		if marker.State == constants.RotationSwapped {
			return result, s.finishRotation(ctx, marker)
		}
		if newKey, err = s.masterKeys.Get(ctx, marker.NewKeyID); err != nil {
			return nil, s.keyUnavailable(ctx, "incoming master key unavailable", err)
		}
	} else {
		old, err := s.currentKey(ctx)
		if err != nil {
			return nil, err
		}
		if newKey, err = s.newMasterKey(ctx); err != nil {
			return nil, err
		}
		now := s.now().UTC()
		marker = &models.RotationMarker{
			State:     constants.RotationRewrapping,
			OldKeyID:  old.ID,
			NewKeyID:  newKey.ID,
			StartedAt: now,
			UpdatedAt: now,
		}
		if err := s.masterKeys.SaveMarker(ctx, marker); err != nil {
			return nil, s.keyUnavailable(ctx, "failed to save rotation marker", err)
		}
		result.OldKeyID, result.NewKeyID = old.ID, newKey.ID
	}

	// Phase one: stage without blocking DEK writers.
	staged, err := s.stageAll(ctx, newKey)
	if err != nil {
		return nil, err
	}

	// Phase two: catch DEKs written meanwhile, then promote and swap.
	s.gate.Lock()
	late, err := s.stageAll(ctx, newKey)
	if err == nil {
		_, err = s.deks.PromoteStaged(ctx, newKey.ID)
		if err != nil {
			err = s.keyUnavailable(ctx, "failed to promote staged deks", err)
		}
	}
	if err == nil {
		if err = s.masterKeys.SetCurrent(ctx, newKey.ID); err != nil {
			err = s.keyUnavailable(ctx, "failed to activate new master key", err)
		}
	}
	if err == nil {
		s.setCurrent(newKey)
	}
	s.gate.Unlock()
	if err != nil {
		return nil, err
	}
	result.Rewrapped = staged + late

	marker.State = constants.RotationSwapped
	marker.UpdatedAt = s.now().UTC()
	if err := s.masterKeys.SaveMarker(ctx, marker); err != nil {
		return nil, s.keyUnavailable(ctx, "failed to save rotation marker", err)
	}
	return result, s.finishRotation(ctx, marker)
}

// stageAll re-wraps every DEK not yet wrapped or staged under newKey.
func (s *KeyManagementService) stageAll(ctx context.Context, newKey *models.MasterKey) (int, error) {
	deks, err := s.deks.List(ctx)
	if err != nil {
		return 0, s.keyUnavailable(ctx, "failed to list deks", err)
	}
	staged := 0
	for _, d := range deks {
		ok, err := s.stageOne(ctx, d, newKey)
		if err != nil {
			return staged, err
		}
		if ok {
			staged++
		}
	}
	return staged, nil
}

// stageOne re-wraps d under newKey. When the tenant's key is replaced between the
// read and the write, the stage is refused and the fresh record is staged instead.
func (s *KeyManagementService) stageOne(ctx context.Context, d *models.DataEncryptionKey, newKey *models.MasterKey) (bool, error) {
	for attempt := 0; ; attempt++ {
		if d.MasterKeyID == newKey.ID || d.HasStaged(newKey.ID) {
			return false, nil
		}
		plain, err := s.unwrapDEK(ctx, d)
		if err != nil {
			return false, err
		}
		wrapped, nonce, err := crypto.WrapKey(newKey.Material, plain, wrapAAD(d.TenantID, newKey.ID))
		zero(plain)
		if err != nil {
			return false, errors.ErrInternal("failed to re-wrap dek").WithCause(err)
		}
		err = s.deks.Stage(ctx, d, newKey.ID, wrapped, nonce)
		switch {
		case err == nil:
			return true, nil
		case errors.HasCode(err, errors.CodeConflict) && attempt < constants.MaxStageAttempts:
			s.logger.Info(ctx, "Tenant key changed during rotation, staging again", logger.String("tenant_id", d.TenantID))
			if d, err = s.deks.Get(ctx, d.TenantID); err != nil {
				return false, s.keyUnavailable(ctx, "failed to reload dek", err)
			}
		default:
			return false, s.keyUnavailable(ctx, "failed to stage dek", err)
		}
	}
}

func (s *KeyManagementService) finishRotation(ctx context.Context, marker *models.RotationMarker) error {
	if marker.OldKeyID != "" && marker.OldKeyID != marker.NewKeyID {
		err := s.masterKeys.Delete(ctx, marker.OldKeyID)
		if err != nil && !errors.HasCode(err, errors.CodeNotFound) {
			return s.keyUnavailable(ctx, "failed to discard old master key", err)
		}
	}
	marker.State = constants.RotationStable
	marker.UpdatedAt = s.now().UTC()
	if err := s.masterKeys.SaveMarker(ctx, marker); err != nil {
		return s.keyUnavailable(ctx, "failed to save rotation marker", err)
	}
	if mk, err := s.masterKeys.Current(ctx); err == nil {
		s.setCurrent(mk)
	}
	return nil
}

// ScheduleRotation checks every interval whether the current master key expired and
// rotates it if so. It blocks until ctx is cancelled.
func (s *KeyManagementService) ScheduleRotation(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.RotateIfDue(ctx); err != nil {
				s.logger.Error(ctx, "Scheduled rotation failed", err)
			}
		}
	}
}

// RotateIfDue rotates when the current key has expired and reports whether it did.
func (s *KeyManagementService) RotateIfDue(ctx context.Context) (bool, error) {
	mk, err := s.currentKey(ctx)
	if err != nil {
		return false, err
	}
	if !mk.Expired(s.now()) {
		return false, nil
	}
	if _, err := s.RotateMasterKey(ctx); err != nil {
		return false, err
	}
	return true, nil
}

func (s *KeyManagementService) newMasterKey(ctx context.Context) (*models.MasterKey, error) {
	material, err := crypto.GenerateKey()
	if err != nil {
		return nil, errors.ErrInternal("failed to generate master key").WithCause(err)
	}
	now := s.now().UTC()
	mk := &models.MasterKey{
		ID:        "mk-" + uuid.NewString(),
		Material:  material,
		CreatedAt: now,
		ExpiresAt: now.Add(s.rotationInterval),
	}
	if err := s.masterKeys.Put(ctx, mk); err != nil {
		return nil, s.keyUnavailable(ctx, "failed to store master key", err)
	}
	return mk, nil
}

func (s *KeyManagementService) currentKey(ctx context.Context) (*models.MasterKey, error) {
	s.mu.RLock()
	mk := s.current
	s.mu.RUnlock()
	if mk != nil {
		return mk, nil
	}
	mk, err := s.masterKeys.Current(ctx)
	if err != nil {
		return nil, s.keyUnavailable(ctx, "no current master key", err)
	}
	s.setCurrent(mk)
	return mk, nil
}

func (s *KeyManagementService) masterKey(ctx context.Context, id string) (*models.MasterKey, error) {
	s.mu.RLock()
	mk := s.current
	s.mu.RUnlock()
	if mk != nil && mk.ID == id {
		return mk, nil
	}
	return s.masterKeys.Get(ctx, id)
}

func (s *KeyManagementService) setCurrent(mk *models.MasterKey) {
	s.mu.Lock()
	s.current = mk
	s.mu.Unlock()
}

// keyUnavailable converts a store failure into KeyUnavailable and ledgers it.
// Errors that already carry KeyUnavailable or IntegrityViolation pass through.
func (s *KeyManagementService) keyUnavailable(ctx context.Context, msg string, cause error) error {
	if errors.HasCode(cause, errors.CodeKeyUnavailable) || errors.HasCode(cause, errors.CodeIntegrityViolation) {
		return cause
	}
	s.logger.Error(ctx, "Security incident: "+msg, cause)
	s.logAudit(ctx, models.NewAuditEvent(constants.AuditEventKeyUnavailable, "system").
		WithResult(constants.AuditResultFailure).
		WithMeta("reason", msg))
	return errors.ErrKeyUnavailable(msg).WithCause(cause)
}

func (s *KeyManagementService) logAudit(ctx context.Context, event *models.AuditEvent) {
	if s.audit == nil {
		return
	}
	if _, err := s.audit.LogEvent(ctx, event); err != nil {
		s.logger.Error(ctx, "failed to write audit event", err, logger.String("event_type", string(event.EventType)))
	}
}

func wrapAAD(tenantID, masterKeyID string) []byte {
	return []byte(tenantID + "|" + masterKeyID)
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
