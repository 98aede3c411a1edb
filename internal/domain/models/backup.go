package models

import "time"

// Backup is the metadata record of an encrypted, replicated snapshot.
type Backup struct {
	ID                 string    `json:"id"`
	Timestamp          time.Time `json:"timestamp"`
	EncryptedSizeBytes int64     `json:"size"`
	Regions            []string  `json:"regions"`
	Encrypted          bool      `json:"encrypted"`
	Verified           bool      `json:"verified"`
	Checksum           string    `json:"checksum"`
}

// Clone returns a copy with its own region slice.
func (b *Backup) Clone() *Backup {
	c := *b
	c.Regions = append([]string(nil), b.Regions...)
	return &c
}
