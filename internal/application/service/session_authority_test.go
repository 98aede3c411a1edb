package service

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/turtacn/sentinel/internal/domain/models"
	"github.com/turtacn/sentinel/internal/domain/service/mocks"
	"github.com/turtacn/sentinel/internal/infrastructure/crypto"
	"github.com/turtacn/sentinel/internal/infrastructure/persistence/memory"
	"github.com/turtacn/sentinel/pkg/constants"
	"github.com/turtacn/sentinel/pkg/errors"
	"github.com/turtacn/sentinel/pkg/logger"
)

type sessionFixture struct {
	authority *SessionAuthority
	clock     *testClock
	audit     *recordingAudit
	sink      *fakeSink
	creds     *memory.CredentialStore
}

func newSessionFixture(t *testing.T) *sessionFixture {
	t.Helper()
	clock := newTestClock()
	codec, err := crypto.NewTokenCodec([]byte("an-hs256-secret-of-at-least-32-bytes"), clock.Now)
	require.NoError(t, err)
	audit := &recordingAudit{}
	sink := &fakeSink{}
	creds := memory.NewCredentialStore()
	sa := NewSessionAuthority(
		codec,
		memory.NewSessionStore(clock.Now),
		creds,
		memory.NewLockoutStore(),
		newEngineSealer(t),
		audit,
		logger.NewNoopLogger(),
		WithSessionClock(clock.Now),
	)
	sa.SetSecuritySink(sink)
	return &sessionFixture{authority: sa, clock: clock, audit: audit, sink: sink, creds: creds}
}

func TestSessionAuthority_CreateAndVerify(t *testing.T) {
	f := newSessionFixture(t)
	ctx := context.Background()

	pair, err := f.authority.CreateSession(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, constants.TokenTypeBearer, pair.TokenType)
	assert.Equal(t, int64(900), pair.ExpiresIn)
	assert.Len(t, strings.Split(pair.AccessToken, "."), 3)

	subject, err := f.authority.VerifyAccessToken(ctx, pair.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "alice", subject)

	_, err = f.authority.VerifyAccessToken(ctx, pair.RefreshToken)
	assert.True(t, errors.HasCode(err, errors.CodeAuthenticationFailed), "refresh tokens are not access tokens")

	_, err = f.authority.VerifyAccessToken(ctx, pair.AccessToken+"x")
	assert.True(t, errors.HasCode(err, errors.CodeAuthenticationFailed))

	f.clock.Advance(16 * time.Minute)
	_, err = f.authority.VerifyAccessToken(ctx, pair.AccessToken)
	assert.True(t, errors.HasCode(err, errors.CodeAuthenticationFailed), "expired")

	assert.Len(t, f.audit.byType(constants.AuditEventSessionCreated), 1)
}

func TestSessionAuthority_RefreshRotatesWithinFamily(t *testing.T) {
	f := newSessionFixture(t)
	ctx := context.Background()

	first, err := f.authority.CreateSession(ctx, "alice")
	require.NoError(t, err)
	second, err := f.authority.RefreshSession(ctx, first.RefreshToken)
	require.NoError(t, err)
	assert.NotEqual(t, first.RefreshToken, second.RefreshToken)

	subject, err := f.authority.VerifyAccessToken(ctx, second.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "alice", subject)

	third, err := f.authority.RefreshSession(ctx, second.RefreshToken)
	require.NoError(t, err)
	assert.NotEmpty(t, third.AccessToken)
	assert.Len(t, f.audit.byType(constants.AuditEventSessionRefreshed), 2)
}

func TestSessionAuthority_RefreshReuseRevokesFamily(t *testing.T) {
	clock := newTestClock()
	codec, err := crypto.NewTokenCodec([]byte("an-hs256-secret-of-at-least-32-bytes"), clock.Now)
	require.NoError(t, err)
	audit := &recordingAudit{}
	sink := new(mocks.MockSecuritySink)
	sink.On("Raise", mock.Anything, mock.MatchedBy(func(th *models.Threat) bool {
		return th.Type == constants.ThreatTokenReplay && th.SubjectID == "alice" && th.Severity == constants.SeverityHigh
	})).Return(&models.Threat{ID: "t-1"}, nil).Once()

	sa := NewSessionAuthority(codec, memory.NewSessionStore(clock.Now), memory.NewCredentialStore(),
		memory.NewLockoutStore(), newEngineSealer(t), audit, logger.NewNoopLogger(), WithSessionClock(clock.Now))
	sa.SetSecuritySink(sink)
	ctx := context.Background()

	first, err := sa.CreateSession(ctx, "alice")
	require.NoError(t, err)
	second, err := sa.RefreshSession(ctx, first.RefreshToken)
	require.NoError(t, err)
	other, err := sa.CreateSession(ctx, "alice")
	require.NoError(t, err)

	// The stolen first refresh token comes back.
	_, err = sa.RefreshSession(ctx, first.RefreshToken)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.CodeAuthenticationFailed))
	status, body := errors.ToErrorResponse(err)
	assert.Equal(t, 401, status)
	assert.Equal(t, "authentication failed", body.ErrorDescription)

	_, err = sa.VerifyAccessToken(ctx, second.AccessToken)
	assert.Error(t, err, "every token of the family is revoked")
	_, err = sa.RefreshSession(ctx, second.RefreshToken)
	assert.Error(t, err)

	_, err = sa.VerifyAccessToken(ctx, other.AccessToken)
	assert.NoError(t, err, "other families are untouched")

	reuse := audit.byType(constants.AuditEventRefreshTokenReuse)
	require.Len(t, reuse, 1)
	assert.Equal(t, constants.AuditResultFailure, reuse[0].Result)
	sink.AssertExpectations(t)
}

func TestSessionAuthority_ConcurrentRefreshSingleWinner(t *testing.T) {
	f := newSessionFixture(t)
	ctx := context.Background()
	pair, err := f.authority.CreateSession(ctx, "alice")
	require.NoError(t, err)

	const racers = 16
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.authority.RefreshSession(ctx, pair.RefreshToken); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}

func TestSessionAuthority_Revocation(t *testing.T) {
	f := newSessionFixture(t)
	ctx := context.Background()

	a, err := f.authority.CreateSession(ctx, "alice")
	require.NoError(t, err)
	b, err := f.authority.CreateSession(ctx, "alice")
	require.NoError(t, err)
	c, err := f.authority.CreateSession(ctx, "bob")
	require.NoError(t, err)

	claims, err := f.authority.codec.Parse(a.AccessToken)
	require.NoError(t, err)
	require.NoError(t, f.authority.RevokeSession(ctx, claims.ID))
	_, err = f.authority.VerifyAccessToken(ctx, a.AccessToken)
	assert.True(t, errors.HasCode(err, errors.CodeAuthenticationFailed))
	_, err = f.authority.VerifyAccessToken(ctx, b.AccessToken)
	assert.NoError(t, err)

	n, err := f.authority.RevokeAllSessions(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	_, err = f.authority.VerifyAccessToken(ctx, b.AccessToken)
	assert.Error(t, err)
	_, err = f.authority.RefreshSession(ctx, b.RefreshToken)
	assert.Error(t, err)
	_, err = f.authority.VerifyAccessToken(ctx, c.AccessToken)
	assert.NoError(t, err)
}

// stickySessions refuses status writes once frozen.
type stickySessions struct {
	*memory.SessionStore
	mu     sync.Mutex
	frozen bool
}

func (s *stickySessions) freeze() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frozen = true
}

func (s *stickySessions) Save(ctx context.Context, sess *models.Session) error {
	s.mu.Lock()
	frozen := s.frozen
	s.mu.Unlock()
	if frozen {
		return errors.ErrInternal("session store read-only")
	}
	return s.SessionStore.Save(ctx, sess)
}

// errorLog keeps the messages passed to Error.
type errorLog struct {
	logger.Logger
	mu       sync.Mutex
	messages []string
}

func (l *errorLog) Error(_ context.Context, msg string, _ error, _ ...logger.Field) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.messages = append(l.messages, msg)
}

func (l *errorLog) WithComponent(string) logger.Logger { return l }

func (l *errorLog) count(msg string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, m := range l.messages {
		if m == msg {
			n++
		}
	}
	return n
}

func TestSessionAuthority_RevocationSurvivesStatusWriteFailure(t *testing.T) {
	clock := newTestClock()
	codec, err := crypto.NewTokenCodec([]byte("an-hs256-secret-of-at-least-32-bytes"), clock.Now)
	require.NoError(t, err)
	store := &stickySessions{SessionStore: memory.NewSessionStore(clock.Now)}
	log := &errorLog{Logger: logger.NewNoopLogger()}
	sa := NewSessionAuthority(codec, store, memory.NewCredentialStore(), memory.NewLockoutStore(),
		newEngineSealer(t), nil, log, WithSessionClock(clock.Now))
	ctx := context.Background()

	a, err := sa.CreateSession(ctx, "alice")
	require.NoError(t, err)
	b, err := sa.CreateSession(ctx, "alice")
	require.NoError(t, err)
	store.freeze()

	claims, err := sa.codec.Parse(a.AccessToken)
	require.NoError(t, err)
	require.NoError(t, sa.RevokeSession(ctx, claims.ID))
	_, err = sa.VerifyAccessToken(ctx, a.AccessToken)
	assert.Error(t, err, "the revocation set decides, not the status field")
	assert.Equal(t, 1, log.count("Failed to record revoked session status"))

	n, err := sa.RevokeAllSessions(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	_, err = sa.VerifyAccessToken(ctx, b.AccessToken)
	assert.Error(t, err)
	assert.Equal(t, 5, log.count("Failed to record revoked session status"))
}

func TestSessionAuthority_RevokeToken(t *testing.T) {
	f := newSessionFixture(t)
	ctx := context.Background()

	alice, err := f.authority.CreateSession(ctx, "alice")
	require.NoError(t, err)
	bob, err := f.authority.CreateSession(ctx, "bob")
	require.NoError(t, err)

	err = f.authority.RevokeToken(WithSubjectID(ctx, "alice"), bob.AccessToken)
	assert.True(t, errors.HasCode(err, errors.CodeAuthorizationDenied), "callers revoke only their own tokens")
	_, err = f.authority.VerifyAccessToken(ctx, bob.AccessToken)
	assert.NoError(t, err)

	require.NoError(t, f.authority.RevokeToken(WithSubjectID(ctx, "alice"), alice.AccessToken))
	_, err = f.authority.VerifyAccessToken(ctx, alice.AccessToken)
	assert.Error(t, err)

	err = f.authority.RevokeToken(ctx, "not-a-token")
	assert.True(t, errors.HasCode(err, errors.CodeAuthenticationFailed))
}

func TestSessionAuthority_LoginAndLockout(t *testing.T) {
	f := newSessionFixture(t)
	ctx := WithClientIP(context.Background(), "203.0.113.9")
	require.NoError(t, f.authority.RegisterCredential(ctx, "alice", "correct horse battery"))

	pair, err := f.authority.Login(ctx, "alice", "correct horse battery", "")
	require.NoError(t, err)
	assert.NotEmpty(t, pair.AccessToken)

	for i := 0; i < constants.DefaultLockoutThreshold; i++ {
		_, err := f.authority.Login(ctx, "alice", "wrong", "")
		require.Error(t, err)
	}
	locked, err := f.authority.IsAccountLocked(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, locked)

	_, err = f.authority.Login(ctx, "alice", "correct horse battery", "")
	assert.True(t, errors.HasCode(err, errors.CodeAuthenticationFailed), "right password while locked still fails")

	// Failures during the lock do not extend it.
	f.clock.Advance(10 * time.Minute)
	_, _ = f.authority.Login(ctx, "alice", "wrong", "")
	f.clock.Advance(5*time.Minute + time.Second)

	locked, err = f.authority.IsAccountLocked(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, locked)
	_, err = f.authority.Login(ctx, "alice", "correct horse battery", "")
	require.NoError(t, err)

	assert.Len(t, f.audit.byType(constants.AuditEventAccountLocked), 1)
	events, _ := f.sink.snapshot()
	failures := 0
	for _, e := range events {
		assert.Equal(t, constants.SecurityEventAuthAttempt, e.Kind)
		assert.Equal(t, "203.0.113.9", e.SourceIP)
		if !e.Success {
			failures++
		}
	}
	assert.Equal(t, constants.DefaultLockoutThreshold+2, failures)
}

func TestSessionAuthority_FailuresOutsideWindowDoNotLock(t *testing.T) {
	f := newSessionFixture(t)
	ctx := context.Background()

	for i := 0; i < constants.DefaultLockoutThreshold-1; i++ {
		_, err := f.authority.RecordFailedAttempt(ctx, "alice")
		require.NoError(t, err)
	}
	f.clock.Advance(constants.DefaultLockoutWindow + time.Minute)
	state, err := f.authority.RecordFailedAttempt(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 1, state.FailedAttemptCount)

	locked, err := f.authority.IsAccountLocked(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, locked)
}

func TestSessionAuthority_FailuresLookIdentical(t *testing.T) {
	f := newSessionFixture(t)
	ctx := context.Background()
	require.NoError(t, f.authority.RegisterCredential(ctx, "alice", "correct horse battery"))

	_, unknown := f.authority.Login(ctx, "nobody", "whatever-pass", "")
	_, wrong := f.authority.Login(ctx, "alice", "wrong-password", "")

	s1, r1 := errors.ToErrorResponse(unknown)
	s2, r2 := errors.ToErrorResponse(wrong)
	assert.Equal(t, s1, s2)
	assert.Equal(t, r1, r2)
	assert.Equal(t, unknown.Error(), "authentication failed")
	assert.Equal(t, wrong.Error(), "authentication failed")

	failed := f.audit.byType(constants.AuditEventAuthenticationFailed)
	require.Len(t, failed, 2)
	assert.Equal(t, "invalid credentials", failed[0].Metadata["reason"])
}

func TestSessionAuthority_RegisterCredentialValidation(t *testing.T) {
	f := newSessionFixture(t)
	err := f.authority.RegisterCredential(context.Background(), "alice", "short")
	assert.True(t, errors.HasCode(err, errors.CodeInvalidRequest))

	err = f.authority.RegisterCredential(context.Background(), "", "long enough password")
	assert.True(t, errors.HasCode(err, errors.CodeInvalidRequest))
}

func TestSessionAuthority_MFA(t *testing.T) {
	f := newSessionFixture(t)
	ctx := context.Background()
	require.NoError(t, f.authority.RegisterCredential(ctx, "alice", "correct horse battery"))

	enrollment, err := f.authority.EnableMFA(ctx, "alice", constants.MFAMethodTOTP)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(enrollment.ProvisioningURI, "otpauth://totp/Sentinel:alice?"))
	for _, part := range []string{"period=30", "digits=6", "algorithm=SHA1", "issuer=Sentinel", "secret=" + enrollment.Secret} {
		assert.Contains(t, enrollment.ProvisioningURI, part)
	}

	stored, err := f.creds.GetMFASecret(ctx, "alice")
	require.NoError(t, err)
	assert.NotContains(t, string(stored.SealedSecret.Ciphertext), enrollment.Secret)

	opts := totp.ValidateOpts{Period: 30, Digits: otp.DigitsSix, Algorithm: otp.AlgorithmSHA1}
	codeAt := func(offset time.Duration) string {
		code, err := totp.GenerateCodeCustom(enrollment.Secret, f.clock.Now().Add(offset), opts)
		require.NoError(t, err)
		return code
	}

	ok, err := f.authority.VerifyMFA(ctx, "alice", codeAt(0))
	require.NoError(t, err)
	assert.True(t, ok)
	ok, _ = f.authority.VerifyMFA(ctx, "alice", codeAt(-60*time.Second))
	assert.True(t, ok, "two steps of skew")
	ok, _ = f.authority.VerifyMFA(ctx, "alice", codeAt(-150*time.Second))
	assert.False(t, ok)

	_, err = f.authority.Login(ctx, "alice", "correct horse battery", "")
	assert.True(t, errors.HasCode(err, errors.CodeAuthenticationFailed), "code required once enrolled")
	_, err = f.authority.Login(ctx, "alice", "correct horse battery", codeAt(0))
	require.NoError(t, err)

	_, err = f.authority.EnableMFA(ctx, "alice", constants.MFAMethodSMS)
	assert.True(t, errors.HasCode(err, errors.CodeInvalidRequest))
	assert.Len(t, f.audit.byType(constants.AuditEventMFAEnabled), 1)
}
