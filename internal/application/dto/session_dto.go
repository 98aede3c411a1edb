package dto

// LoginRequest opens a session with a password and an optional TOTP code.
type LoginRequest struct {
	SubjectID string `json:"subject_id" validate:"required,max=256"`
	Password  string `json:"password" validate:"required,max=1024"`
	MFACode   string `json:"mfa_code,omitempty" validate:"omitempty,len=6,numeric"`
}

// RefreshRequest rotates a refresh token.
type RefreshRequest struct {
	RefreshToken string `json:"refresh_token" validate:"required"`
}

// RevokeRequest revokes a specific token. An empty token means the bearer token.
type RevokeRequest struct {
	Token string `json:"token,omitempty"`
}

// RevokeAllResponse reports how many sessions were closed.
type RevokeAllResponse struct {
	Revoked int `json:"revoked"`
}

// RegisterCredentialRequest sets the password of a subject.
type RegisterCredentialRequest struct {
	SubjectID string `json:"subject_id" validate:"required,max=256"`
	Password  string `json:"password" validate:"required,min=12,max=1024"`
}

// EnableMFARequest enrolls a second factor for the caller.
type EnableMFARequest struct {
	Method string `json:"method" validate:"required,oneof=totp"`
}

// VerifyMFARequest checks a code against the caller's enrolled factor.
type VerifyMFARequest struct {
	Code string `json:"code" validate:"required,len=6,numeric"`
}

// VerifyMFAResponse is the outcome of VerifyMFARequest.
type VerifyMFAResponse struct {
	Valid bool `json:"valid"`
}
