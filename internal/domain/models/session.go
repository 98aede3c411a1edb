package models

import (
	"time"

	"github.com/turtacn/sentinel/pkg/constants"
)

// Session is one issued token. Access and refresh tokens of one login share a FamilyID.
type Session struct {
	ID        string                  `json:"jti"`
	SubjectID string                  `json:"sub"`
	FamilyID  string                  `json:"fam"`
	Type      constants.TokenType     `json:"typ"`
	IssuedAt  time.Time               `json:"iat"`
	ExpiresAt time.Time               `json:"exp"`
	Status    constants.SessionStatus `json:"status"`
}

// TokenPair is returned by session creation and refresh.
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
	TokenType    string `json:"token_type"`
}

// Credential is a stored password hash.
type Credential struct {
	SubjectID string    `gorm:"primaryKey;size:128" json:"subject_id"`
	Hash      []byte    `gorm:"not null" json:"-"`
	Salt      []byte    `gorm:"not null" json:"-"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName pins the GORM table name.
func (Credential) TableName() string { return "credentials" }

// MFASecret is a subject's second factor, stored sealed.
type MFASecret struct {
	SubjectID    string              `gorm:"primaryKey;size:128" json:"subject_id"`
	Method       constants.MFAMethod `gorm:"size:16" json:"method"`
	SealedSecret *SealedPayload      `gorm:"serializer:json;type:text" json:"-"`
	CreatedAt    time.Time           `json:"created_at"`
}

// TableName pins the GORM table name.
func (MFASecret) TableName() string { return "mfa_secrets" }

// MFAEnrollment is handed back once at enrollment time.
type MFAEnrollment struct {
	Method          constants.MFAMethod `json:"method"`
	Secret          string              `json:"secret"`
	ProvisioningURI string              `json:"provisioning_uri,omitempty"`
}

// LockoutState tracks failed authentication attempts of one subject.
type LockoutState struct {
	SubjectID          string    `json:"subject_id"`
	FailedAttemptCount int       `json:"failed_attempt_count"`
	FirstFailureAt     time.Time `json:"first_failure_at"`
	LockedUntil        time.Time `json:"locked_until,omitempty"`
}

// Locked reports whether the subject is locked at now.
func (s *LockoutState) Locked(now time.Time) bool {
	return s != nil && !s.LockedUntil.IsZero() && now.Before(s.LockedUntil)
}
