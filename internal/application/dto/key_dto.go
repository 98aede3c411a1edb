package dto

import "github.com/turtacn/sentinel/internal/domain/models"

// TenantKeyRequest imports customer managed key material (BYOK).
type TenantKeyRequest struct {
	KeyMaterial []byte `json:"key_material" validate:"required,len=32"`
}

// CoverageResponse carries the percentage (0-100) of tenant data keys wrapped under
// the current master key.
type CoverageResponse struct {
	MasterKeyID string  `json:"master_key_id"`
	Coverage    float64 `json:"coverage"`
}

// SealRequest encrypts plaintext for a tenant under an encryption context.
type SealRequest struct {
	Context   string `json:"context" validate:"required,max=256"`
	Plaintext []byte `json:"plaintext" validate:"required"`
}

// OpenRequest decrypts a payload sealed by SealRequest.
type OpenRequest struct {
	Context string                `json:"context" validate:"required,max=256"`
	Payload *models.SealedPayload `json:"payload" validate:"required"`
}

// OpenResponse carries the recovered plaintext.
type OpenResponse struct {
	Plaintext []byte `json:"plaintext"`
}
