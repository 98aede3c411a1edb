package dto

import "time"

// BlockIPRequest blocks an address. A zero TTL blocks permanently.
type BlockIPRequest struct {
	IP         string `json:"ip" validate:"required,ip"`
	Reason     string `json:"reason" validate:"required,max=512"`
	TTLSeconds int64  `json:"ttl_seconds" validate:"gte=0"`
}

// TTL returns the block lifetime.
func (r *BlockIPRequest) TTL() time.Duration {
	return time.Duration(r.TTLSeconds) * time.Second
}

// AllowlistRequest replaces a tenant allow-list. An empty list removes it.
type AllowlistRequest struct {
	Entries []string `json:"entries" validate:"dive,ipnet"`
}

// DLPScanRequest scans outbound content before it leaves the system.
type DLPScanRequest struct {
	TenantID string `json:"tenant_id,omitempty"`
	Resource string `json:"resource" validate:"required"`
	Content  string `json:"content" validate:"required"`
}
