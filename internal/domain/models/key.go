package models

import (
	"time"

	"github.com/turtacn/sentinel/pkg/constants"
)

// MasterKey is the root key-encryption key. Exactly one is current at any time.
// Material never leaves the process in serialized form.
type MasterKey struct {
	ID        string    `json:"id"`
	Material  []byte    `json:"-"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Expired reports whether the key has outlived its rotation interval.
func (k *MasterKey) Expired(now time.Time) bool {
	return !k.ExpiresAt.IsZero() && !now.Before(k.ExpiresAt)
}

// DataEncryptionKey is a tenant's DEK, stored only in wrapped form.
//
// The Staged* fields hold the re-wrap under an incoming master key while a rotation
// is in progress; they are promoted into WrappedKey/Nonce/MasterKeyID in one step.
type DataEncryptionKey struct {
	ID          string                  `gorm:"primaryKey" json:"id"`
	TenantID    string                  `gorm:"uniqueIndex;not null" json:"tenant_id"`
	WrappedKey  []byte                  `gorm:"not null" json:"-"`
	Nonce       []byte                  `gorm:"not null" json:"-"`
	MasterKeyID string                  `gorm:"index;not null" json:"master_key_id"`
	Algorithm   string                  `json:"algorithm"`
	Provenance  constants.KeyProvenance `json:"provenance"`
	CreatedAt   time.Time               `json:"created_at"`
	UpdatedAt   time.Time               `json:"updated_at"`

	StagedWrappedKey  []byte `json:"-"`
	StagedNonce       []byte `json:"-"`
	StagedMasterKeyID string `json:"-"`
}

// TableName pins the GORM table name.
func (DataEncryptionKey) TableName() string { return "data_encryption_keys" }

// HasStaged reports whether a re-wrap for masterKeyID is waiting to be promoted.
func (d *DataEncryptionKey) HasStaged(masterKeyID string) bool {
	return d.StagedMasterKeyID == masterKeyID && len(d.StagedWrappedKey) > 0
}

// Clone returns a deep copy so callers cannot mutate stored records.
func (d *DataEncryptionKey) Clone() *DataEncryptionKey {
	c := *d
	c.WrappedKey = append([]byte(nil), d.WrappedKey...)
	c.Nonce = append([]byte(nil), d.Nonce...)
	c.StagedWrappedKey = append([]byte(nil), d.StagedWrappedKey...)
	c.StagedNonce = append([]byte(nil), d.StagedNonce...)
	return &c
}

// RotationMarker is the durable record of an in-flight master key rotation.
// A process that finds a non-stable marker on startup resumes from State.
type RotationMarker struct {
	State     constants.RotationState `json:"state"`
	OldKeyID  string                  `json:"old_key_id,omitempty"`
	NewKeyID  string                  `json:"new_key_id,omitempty"`
	StartedAt time.Time               `json:"started_at,omitempty"`
	UpdatedAt time.Time               `json:"updated_at"`
}

// InProgress reports whether a rotation has started but not completed.
func (m *RotationMarker) InProgress() bool {
	return m != nil && m.State != "" && m.State != constants.RotationStable
}

// SealedPayload is the output of the envelope engine.
type SealedPayload struct {
	Ciphertext []byte `json:"ciphertext"`
	Nonce      []byte `json:"nonce"`
	AuthTag    []byte `json:"auth_tag"`
	Algorithm  string `json:"algorithm"`
	Context    string `json:"context,omitempty"`
}

// RotationResult summarizes a completed master key rotation.
type RotationResult struct {
	OldKeyID    string        `json:"old_key_id"`
	NewKeyID    string        `json:"new_key_id"`
	Rewrapped   int           `json:"rewrapped"`
	Resumed     bool          `json:"resumed"`
	CompletedAt time.Time     `json:"completed_at"`
	Duration    time.Duration `json:"duration"`
}
