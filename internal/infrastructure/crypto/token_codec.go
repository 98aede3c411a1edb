package crypto

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/turtacn/sentinel/internal/domain/models"
	"github.com/turtacn/sentinel/pkg/constants"
	"github.com/turtacn/sentinel/pkg/errors"
)

// SessionClaims is the claim set of every session token.
type SessionClaims struct {
	jwt.RegisteredClaims
	Type   constants.TokenType `json:"typ"`
	Family string              `json:"fam"`
}

// TokenCodec signs and parses HS256 session tokens.
type TokenCodec struct {
	secret []byte
	issuer string
	now    func() time.Time
}

// NewTokenCodec creates a codec. The secret must be at least 32 bytes.
func NewTokenCodec(secret []byte, now func() time.Time) (*TokenCodec, error) {
	if len(secret) < 32 {
		return nil, errors.ErrInvalidRequest(fmt.Sprintf("signing secret must be at least 32 bytes, got %d", len(secret)))
	}
	if now == nil {
		now = time.Now
	}
	return &TokenCodec{secret: append([]byte(nil), secret...), issuer: constants.TokenIssuer, now: now}, nil
}

// Sign encodes s as a signed token.
func (c *TokenCodec) Sign(s *models.Session) (string, error) {
	claims := SessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        s.ID,
			Subject:   s.SubjectID,
			Issuer:    c.issuer,
			IssuedAt:  jwt.NewNumericDate(s.IssuedAt),
			ExpiresAt: jwt.NewNumericDate(s.ExpiresAt),
		},
		Type:   s.Type,
		Family: s.FamilyID,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.secret)
	if err != nil {
		return "", errors.ErrInternal("failed to sign token").WithCause(err)
	}
	return signed, nil
}

// Parse verifies signature, issuer and expiry and returns the claims.
// Every failure is an AuthenticationFailed error; the reason stays internal.
func (c *TokenCodec) Parse(token string) (*SessionClaims, error) {
	claims := &SessionClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return c.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(c.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(c.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, errors.ErrAuthenticationFailed("token expired").WithCause(err)
		}
		return nil, errors.ErrAuthenticationFailed("invalid token").WithCause(err)
	}
	if !parsed.Valid || claims.ID == "" || claims.Subject == "" {
		return nil, errors.ErrAuthenticationFailed("incomplete token claims")
	}
	return claims, nil
}

// ToSession rebuilds the session record carried by the claims.
func (c *SessionClaims) ToSession() *models.Session {
	s := &models.Session{
		ID:        c.ID,
		SubjectID: c.Subject,
		FamilyID:  c.Family,
		Type:      c.Type,
		Status:    constants.SessionStatusActive,
	}
	if c.IssuedAt != nil {
		s.IssuedAt = c.IssuedAt.Time
	}
	if c.ExpiresAt != nil {
		s.ExpiresAt = c.ExpiresAt.Time
	}
	return s
}
