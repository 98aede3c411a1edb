package service

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"time"

	"github.com/google/uuid"
	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"golang.org/x/crypto/argon2"

	"github.com/turtacn/sentinel/internal/domain/models"
	"github.com/turtacn/sentinel/internal/domain/repository"
	domainService "github.com/turtacn/sentinel/internal/domain/service"
	"github.com/turtacn/sentinel/internal/infrastructure/crypto"
	"github.com/turtacn/sentinel/pkg/constants"
	"github.com/turtacn/sentinel/pkg/errors"
	"github.com/turtacn/sentinel/pkg/logger"
)

// argon2id parameters for stored credentials.
const (
	argonTime    = 1
	argonMemory  = 64 * 1024
	argonThreads = 4
	argonKeyLen  = 32
	argonSaltLen = 16

	minPasswordLength = 8
)

// SessionPolicy holds the token lifetimes and lockout thresholds.
type SessionPolicy struct {
	AccessTTL        time.Duration
	RefreshTTL       time.Duration
	LockoutThreshold int
	LockoutDuration  time.Duration
	LockoutWindow    time.Duration
	MFAIssuer        string
}

// DefaultSessionPolicy returns the stock lifetimes and lockout settings.
func DefaultSessionPolicy() SessionPolicy {
	return SessionPolicy{
		AccessTTL:        constants.AccessTokenDefaultTTL,
		RefreshTTL:       constants.RefreshTokenDefaultTTL,
		LockoutThreshold: constants.DefaultLockoutThreshold,
		LockoutDuration:  constants.DefaultLockoutDuration,
		LockoutWindow:    constants.DefaultLockoutWindow,
		MFAIssuer:        "Sentinel",
	}
}

// SessionOption configures a SessionAuthority.
type SessionOption func(*SessionAuthority)

// WithSessionPolicy overrides DefaultSessionPolicy.
func WithSessionPolicy(p SessionPolicy) SessionOption {
	return func(s *SessionAuthority) { s.policy = p }
}

// WithSessionMetrics sets the metrics sink.
func WithSessionMetrics(m domainService.Metrics) SessionOption {
	return func(s *SessionAuthority) { s.metrics = m }
}

// WithSessionClock overrides time.Now.
func WithSessionClock(now func() time.Time) SessionOption {
	return func(s *SessionAuthority) { s.now = now }
}

// SessionAuthority issues, verifies, refreshes and revokes session tokens and owns
// credentials, second factors and account lockout.
type SessionAuthority struct {
	codec    *crypto.TokenCodec
	sessions repository.SessionStore
	creds    repository.CredentialStore
	lockouts repository.LockoutStore
	sealer   domainService.Sealer
	audit    domainService.AuditLogger
	sink     domainService.SecuritySink
	metrics  domainService.Metrics
	policy   SessionPolicy
	logger   logger.Logger
	now      func() time.Time

	// dummyHash keeps unknown-subject logins as slow as real ones.
	dummyHash []byte
	dummySalt []byte
}

// NewSessionAuthority wires a SessionAuthority.
func NewSessionAuthority(
	codec *crypto.TokenCodec,
	sessions repository.SessionStore,
	creds repository.CredentialStore,
	lockouts repository.LockoutStore,
	sealer domainService.Sealer,
	audit domainService.AuditLogger,
	log logger.Logger,
	opts ...SessionOption,
) *SessionAuthority {
	s := &SessionAuthority{
		codec:    codec,
		sessions: sessions,
		creds:    creds,
		lockouts: lockouts,
		sealer:   sealer,
		audit:    audit,
		metrics:  domainService.NoopMetrics{},
		policy:   DefaultSessionPolicy(),
		logger:   log.WithComponent("SessionAuthority"),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.dummySalt = make([]byte, argonSaltLen)
	s.dummyHash = argon2.IDKey([]byte("sentinel-dummy-password"), s.dummySalt, argonTime, argonMemory, argonThreads, argonKeyLen)
	return s
}

// SetSecuritySink wires the security monitor. The monitor in turn revokes sessions
// through this authority, so it is attached after both exist.
func (s *SessionAuthority) SetSecuritySink(sink domainService.SecuritySink) {
	s.sink = sink
}

// CreateSession issues a new access/refresh pair in a fresh family.
func (s *SessionAuthority) CreateSession(ctx context.Context, subjectID string) (*models.TokenPair, error) {
	if subjectID == "" {
		return nil, errors.ErrInvalidRequest("subject id is required")
	}
	pair, err := s.issuePair(ctx, subjectID, uuid.NewString())
	s.metrics.RecordSession("create", err == nil)
	if err != nil {
		return nil, err
	}
	s.logAudit(ctx, models.NewAuditEvent(constants.AuditEventSessionCreated, subjectID))
	return pair, nil
}

// VerifyAccessToken checks signature, expiry, type and revocation and returns the subject.
func (s *SessionAuthority) VerifyAccessToken(ctx context.Context, token string) (string, error) {
	claims, err := s.codec.Parse(token)
	if err != nil {
		return "", err
	}
	if claims.Type != constants.TokenTypeAccess {
		return "", errors.ErrAuthenticationFailed("not an access token")
	}
	if err := s.checkNotRevoked(ctx, claims.ID); err != nil {
		return "", err
	}
	return claims.Subject, nil
}

// RefreshSession exchanges a refresh token for a new pair in the same family.
//
// The refresh token is consumed before anything else. A token that was already
// consumed is a replay: the whole family is revoked and a threat is raised.
func (s *SessionAuthority) RefreshSession(ctx context.Context, refreshToken string) (*models.TokenPair, error) {
	claims, err := s.codec.Parse(refreshToken)
	if err != nil {
		s.metrics.RecordSession("refresh", false)
		return nil, err
	}
	if claims.Type != constants.TokenTypeRefresh {
		s.metrics.RecordSession("refresh", false)
		return nil, errors.ErrAuthenticationFailed("not a refresh token")
	}
	old := claims.ToSession()

	ttl := old.ExpiresAt.Sub(s.now())
	if ttl <= 0 {
		ttl = time.Second
	}
	first, err := s.sessions.MarkConsumed(ctx, old.ID, ttl)
	if err != nil {
		s.logger.Error(ctx, "Consumed set unavailable", err, logger.String("jti", old.ID))
		return nil, errors.ErrAuthenticationFailed("consumed set unavailable").WithCause(err)
	}
	if !first {
		s.handleReuse(ctx, old)
		return nil, errors.ErrAuthenticationFailed("refresh token reuse")
	}
	if err := s.checkNotRevoked(ctx, old.ID); err != nil {
		s.metrics.RecordSession("refresh", false)
		return nil, err
	}

	pair, err := s.issuePair(ctx, old.SubjectID, old.FamilyID)
	s.metrics.RecordSession("refresh", err == nil)
	if err != nil {
		return nil, err
	}
	old.Status = constants.SessionStatusRefreshed
	if err := s.sessions.Save(ctx, old); err != nil {
		s.logger.Warn(ctx, "Failed to mark refresh token as refreshed", logger.String("jti", old.ID), logger.Err(err))
	}
	s.logAudit(ctx, models.NewAuditEvent(constants.AuditEventSessionRefreshed, old.SubjectID).
		WithMeta("family", old.FamilyID))
	return pair, nil
}

func (s *SessionAuthority) handleReuse(ctx context.Context, old *models.Session) {
	s.metrics.RecordSession("reuse", false)
	revoked, err := s.revokeFamily(ctx, old.FamilyID)
	if err != nil {
		s.logger.Error(ctx, "Failed to revoke session family after reuse", err, logger.String("family", old.FamilyID))
	}
	s.logger.Warn(ctx, "Refresh token reuse detected",
		logger.String("subject_id", old.SubjectID),
		logger.String("family", old.FamilyID),
		logger.Int("revoked", revoked))
	s.logAudit(ctx, models.NewAuditEvent(constants.AuditEventRefreshTokenReuse, old.SubjectID).
		WithResult(constants.AuditResultFailure).
		WithMeta("family", old.FamilyID).
		WithMeta("jti", old.ID))

	if s.sink == nil {
		return
	}
	threat := &models.Threat{
		Type:        constants.ThreatTokenReplay,
		Severity:    constants.SeverityHigh,
		SourceRef:   old.FamilyID,
		SubjectID:   old.SubjectID,
		SourceIP:    clientIP(ctx),
		Description: "refresh token presented after it was consumed",
		EventCount:  1,
		DetectedAt:  s.now(),
	}
	if _, err := s.sink.Raise(ctx, threat); err != nil {
		s.logger.Error(ctx, "Failed to raise refresh reuse threat", err, logger.String("family", old.FamilyID))
	}
}

// RevokeSession revokes one token by jti.
func (s *SessionAuthority) RevokeSession(ctx context.Context, jti string) error {
	if jti == "" {
		return errors.ErrInvalidRequest("jti is required")
	}
	until := s.now().Add(s.policy.RefreshTTL)
	subject := ""
	sess, err := s.sessions.Get(ctx, jti)
	if err == nil {
		until = sess.ExpiresAt
		subject = sess.SubjectID
	}
	if err := s.sessions.Revoke(ctx, jti, until); err != nil {
		s.metrics.RecordSession("revoke", false)
		return errors.Wrap(err, errors.CodeInternal, "failed to revoke session")
	}
	if sess != nil {
		s.markRevoked(ctx, sess)
	}
	s.metrics.RecordSession("revoke", true)
	s.logAudit(ctx, models.NewAuditEvent(constants.AuditEventSessionRevoked, subject).WithMeta("jti", jti))
	return nil
}

// RevokeToken revokes the session a presented token belongs to. When ctx carries an
// authenticated subject, only that subject's tokens may be revoked.
func (s *SessionAuthority) RevokeToken(ctx context.Context, token string) error {
	claims, err := s.codec.Parse(token)
	if err != nil {
		return err
	}
	if caller, ok := ctx.Value(constants.ContextKeySubjectID).(string); ok && caller != "" && caller != claims.Subject {
		return errors.ErrAuthorizationDenied(caller, "session", "revoke")
	}
	return s.RevokeSession(ctx, claims.ID)
}

// RevokeAllSessions revokes every live token of subjectID and returns how many.
func (s *SessionAuthority) RevokeAllSessions(ctx context.Context, subjectID string) (int, error) {
	sessions, err := s.sessions.ListBySubject(ctx, subjectID)
	if err != nil {
		return 0, errors.Wrap(err, errors.CodeInternal, "failed to list sessions")
	}
	n, err := s.revokeAll(ctx, sessions)
	s.metrics.RecordSession("revoke_all", err == nil)
	if err != nil {
		return n, err
	}
	s.logAudit(ctx, models.NewAuditEvent(constants.AuditEventSessionRevoked, subjectID).
		WithMeta("scope", "all").
		WithMeta("count", itoa(n)))
	return n, nil
}

func (s *SessionAuthority) revokeFamily(ctx context.Context, familyID string) (int, error) {
	sessions, err := s.sessions.ListByFamily(ctx, familyID)
	if err != nil {
		return 0, err
	}
	return s.revokeAll(ctx, sessions)
}

func (s *SessionAuthority) revokeAll(ctx context.Context, sessions []*models.Session) (int, error) {
	now := s.now()
	n := 0
	for _, sess := range sessions {
		if !sess.ExpiresAt.After(now) {
			continue
		}
		if err := s.sessions.Revoke(ctx, sess.ID, sess.ExpiresAt); err != nil {
			return n, errors.Wrap(err, errors.CodeInternal, "failed to revoke session")
		}
		s.markRevoked(ctx, sess)
		n++
	}
	return n, nil
}

// markRevoked updates the stored status of a session already in the revocation
// set. The revocation set alone decides validity, so a failed status write is
// logged and the revocation stands.
func (s *SessionAuthority) markRevoked(ctx context.Context, sess *models.Session) {
	sess.Status = constants.SessionStatusRevoked
	if err := s.sessions.Save(ctx, sess); err != nil {
		s.logger.Error(ctx, "Failed to record revoked session status", err,
			logger.String("jti", sess.ID), logger.String("subject_id", sess.SubjectID))
	}
}

// RegisterCredential stores an argon2id hash of password for subjectID.
func (s *SessionAuthority) RegisterCredential(ctx context.Context, subjectID, password string) error {
	if subjectID == "" {
		return errors.ErrInvalidRequest("subject id is required")
	}
	if len(password) < minPasswordLength {
		return errors.ErrInvalidRequest("password is too short")
	}
	salt := make([]byte, argonSaltLen)
	if _, err := rand.Read(salt); err != nil {
		return errors.Wrap(err, errors.CodeInternal, "failed to generate salt")
	}
	cred := &models.Credential{
		SubjectID: subjectID,
		Salt:      salt,
		Hash:      argon2.IDKey([]byte(password), salt, argonTime, argonMemory, argonThreads, argonKeyLen),
		UpdatedAt: s.now(),
	}
	return s.creds.PutCredential(ctx, cred)
}

// Login authenticates subjectID and opens a session. Every failure returns the same
// AuthenticationFailed error; the detailed reason goes to the log and the ledger.
func (s *SessionAuthority) Login(ctx context.Context, subjectID, password, mfaCode string) (*models.TokenPair, error) {
	// 1. Locked accounts are rejected without touching the lock.
	locked, err := s.IsAccountLocked(ctx, subjectID)
	if err != nil {
		return nil, s.loginFailed(ctx, subjectID, "lockout state unavailable", false)
	}
	if locked {
		return nil, s.loginFailed(ctx, subjectID, "account locked", false)
	}

	// 2. Credential check, with a dummy hash for unknown subjects.
	if !s.verifyPassword(ctx, subjectID, password) {
		return nil, s.loginFailed(ctx, subjectID, "invalid credentials", true)
	}

	// 3. Second factor when enrolled.
	if _, err := s.creds.GetMFASecret(ctx, subjectID); err == nil {
		if mfaCode == "" {
			return nil, s.loginFailed(ctx, subjectID, "mfa code required", true)
		}
		ok, err := s.VerifyMFA(ctx, subjectID, mfaCode)
		if err != nil || !ok {
			return nil, s.loginFailed(ctx, subjectID, "invalid mfa code", true)
		}
	} else if !errors.HasCode(err, errors.CodeNotFound) {
		return nil, s.loginFailed(ctx, subjectID, "mfa store unavailable", false)
	}

	// 4. Success clears the lockout state.
	if err := s.RecordSuccessfulAttempt(ctx, subjectID); err != nil {
		s.logger.Warn(ctx, "Failed to clear lockout state", logger.String("subject_id", subjectID), logger.Err(err))
	}
	s.metrics.RecordAuthentication("success")
	s.recordAttempt(ctx, subjectID, true)
	s.logAudit(ctx, models.NewAuditEvent(constants.AuditEventAuthenticationOK, subjectID).
		WithMeta("ip", clientIP(ctx)))

	return s.CreateSession(ctx, subjectID)
}

func (s *SessionAuthority) verifyPassword(ctx context.Context, subjectID, password string) bool {
	cred, err := s.creds.GetCredential(ctx, subjectID)
	if err != nil {
		argon2.IDKey([]byte(password), s.dummySalt, argonTime, argonMemory, argonThreads, argonKeyLen)
		subtle.ConstantTimeCompare(s.dummyHash, s.dummyHash)
		return false
	}
	got := argon2.IDKey([]byte(password), cred.Salt, argonTime, argonMemory, argonThreads, argonKeyLen)
	return subtle.ConstantTimeCompare(got, cred.Hash) == 1
}

func (s *SessionAuthority) loginFailed(ctx context.Context, subjectID, reason string, countFailure bool) error {
	s.logger.Warn(ctx, "Authentication failed",
		logger.String("subject_id", subjectID),
		logger.String("reason", reason),
		logger.String("ip", clientIP(ctx)))
	if countFailure {
		if _, err := s.RecordFailedAttempt(ctx, subjectID); err != nil {
			s.logger.Error(ctx, "Failed to record failed attempt", err, logger.String("subject_id", subjectID))
		}
	}
	s.metrics.RecordAuthentication("failure")
	s.recordAttempt(ctx, subjectID, false)
	s.logAudit(ctx, models.NewAuditEvent(constants.AuditEventAuthenticationFailed, subjectID).
		WithResult(constants.AuditResultFailure).
		WithMeta("reason", reason).
		WithMeta("ip", clientIP(ctx)))
	return errors.ErrAuthenticationFailed(reason)
}

func (s *SessionAuthority) recordAttempt(ctx context.Context, subjectID string, success bool) {
	if s.sink == nil {
		return
	}
	s.sink.Record(models.SecurityEvent{
		Kind:      constants.SecurityEventAuthAttempt,
		SubjectID: subjectID,
		TenantID:  tenantID(ctx),
		SourceIP:  clientIP(ctx),
		Success:   success,
		Timestamp: s.now(),
	})
}

// RecordFailedAttempt counts a failure inside the rolling window and locks the
// subject once the threshold is reached. Failures while locked leave the lock as is.
func (s *SessionAuthority) RecordFailedAttempt(ctx context.Context, subjectID string) (*models.LockoutState, error) {
	now := s.now()
	justLocked := false
	state, err := s.lockouts.Update(ctx, subjectID, func(cur *models.LockoutState) *models.LockoutState {
		if cur.Locked(now) {
			return cur
		}
		if cur == nil || !cur.LockedUntil.IsZero() || now.Sub(cur.FirstFailureAt) > s.policy.LockoutWindow {
			cur = &models.LockoutState{SubjectID: subjectID, FirstFailureAt: now}
		}
		cur.FailedAttemptCount++
		if cur.FailedAttemptCount >= s.policy.LockoutThreshold {
			cur.LockedUntil = now.Add(s.policy.LockoutDuration)
			justLocked = true
		}
		return cur
	})
	if err != nil {
		return nil, err
	}
	if justLocked {
		s.metrics.RecordAuthentication("locked")
		s.logger.Warn(ctx, "Account locked", logger.String("subject_id", subjectID), logger.Time("locked_until", state.LockedUntil))
		s.logAudit(ctx, models.NewAuditEvent(constants.AuditEventAccountLocked, subjectID).
			WithResult(constants.AuditResultFailure).
			WithMeta("locked_until", state.LockedUntil.UTC().Format(time.RFC3339)))
	}
	return state, nil
}

// RecordSuccessfulAttempt clears the subject's lockout state.
func (s *SessionAuthority) RecordSuccessfulAttempt(ctx context.Context, subjectID string) error {
	_, err := s.lockouts.Update(ctx, subjectID, func(*models.LockoutState) *models.LockoutState { return nil })
	return err
}

// IsAccountLocked reports whether subjectID is currently locked.
func (s *SessionAuthority) IsAccountLocked(ctx context.Context, subjectID string) (bool, error) {
	state, err := s.lockouts.Get(ctx, subjectID)
	if err != nil {
		return false, err
	}
	return state.Locked(s.now()), nil
}

// EnableMFA enrolls a TOTP second factor and returns the secret once.
func (s *SessionAuthority) EnableMFA(ctx context.Context, subjectID string, method constants.MFAMethod) (*models.MFAEnrollment, error) {
	if method != constants.MFAMethodTOTP {
		return nil, errors.ErrInvalidRequest("unsupported mfa method: " + string(method))
	}
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      s.policy.MFAIssuer,
		AccountName: subjectID,
		Period:      constants.TOTPPeriod,
		Digits:      otp.DigitsSix,
		Algorithm:   otp.AlgorithmSHA1,
	})
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeInternal, "failed to generate totp secret")
	}

	sealed, err := s.sealer.SealSecret(ctx, mfaContext(subjectID), []byte(key.Secret()))
	if err != nil {
		return nil, err
	}
	if err := s.creds.PutMFASecret(ctx, &models.MFASecret{
		SubjectID:    subjectID,
		Method:       method,
		SealedSecret: sealed,
		CreatedAt:    s.now(),
	}); err != nil {
		return nil, errors.Wrap(err, errors.CodeInternal, "failed to store mfa secret")
	}

	s.logAudit(ctx, models.NewAuditEvent(constants.AuditEventMFAEnabled, subjectID).WithMeta("method", string(method)))
	return &models.MFAEnrollment{
		Method:          method,
		Secret:          key.Secret(),
		ProvisioningURI: key.URL(),
	}, nil
}

// VerifyMFA checks a TOTP code, accepting TOTPSkew steps on either side of now.
func (s *SessionAuthority) VerifyMFA(ctx context.Context, subjectID, code string) (bool, error) {
	stored, err := s.creds.GetMFASecret(ctx, subjectID)
	if err != nil {
		return false, err
	}
	secret, err := s.sealer.OpenSecret(ctx, mfaContext(subjectID), stored.SealedSecret)
	if err != nil {
		return false, err
	}
	return totp.ValidateCustom(code, string(secret), s.now().UTC(), totp.ValidateOpts{
		Period:    constants.TOTPPeriod,
		Skew:      constants.TOTPSkew,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
}

func (s *SessionAuthority) issuePair(ctx context.Context, subjectID, familyID string) (*models.TokenPair, error) {
	now := s.now()
	access := &models.Session{
		ID:        uuid.NewString(),
		SubjectID: subjectID,
		FamilyID:  familyID,
		Type:      constants.TokenTypeAccess,
		IssuedAt:  now,
		ExpiresAt: now.Add(s.policy.AccessTTL),
		Status:    constants.SessionStatusIssued,
	}
	refresh := &models.Session{
		ID:        uuid.NewString(),
		SubjectID: subjectID,
		FamilyID:  familyID,
		Type:      constants.TokenTypeRefresh,
		IssuedAt:  now,
		ExpiresAt: now.Add(s.policy.RefreshTTL),
		Status:    constants.SessionStatusIssued,
	}

	accessToken, err := s.codec.Sign(access)
	if err != nil {
		return nil, err
	}
	refreshToken, err := s.codec.Sign(refresh)
	if err != nil {
		return nil, err
	}
	for _, sess := range []*models.Session{access, refresh} {
		if err := s.sessions.Save(ctx, sess); err != nil {
			return nil, errors.Wrap(err, errors.CodeInternal, "failed to store session")
		}
	}
	return &models.TokenPair{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		ExpiresIn:    int64(s.policy.AccessTTL.Seconds()),
		TokenType:    constants.TokenTypeBearer,
	}, nil
}

func (s *SessionAuthority) checkNotRevoked(ctx context.Context, jti string) error {
	revoked, err := s.sessions.IsRevoked(ctx, jti)
	if err != nil {
		s.logger.Error(ctx, "Revocation set unavailable", err, logger.String("jti", jti))
		return errors.ErrAuthenticationFailed("revocation set unavailable").WithCause(err)
	}
	if revoked {
		return errors.ErrAuthenticationFailed("token revoked")
	}
	return nil
}

func (s *SessionAuthority) logAudit(ctx context.Context, event *models.AuditEvent) {
	if s.audit == nil {
		return
	}
	if tid := tenantID(ctx); tid != "" && event.TenantID == "" {
		event.TenantID = tid
	}
	if _, err := s.audit.LogEvent(ctx, event); err != nil {
		s.logger.Error(ctx, "Failed to write audit event", err, logger.String("event_type", string(event.EventType)))
	}
}

func mfaContext(subjectID string) string {
	return "mfa:" + subjectID
}
