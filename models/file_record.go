package models

import "time"

// LinkConfig holds the per-link constraints chosen at upload time.
// It is immutable once the record is created.
type LinkConfig struct {
	ExpirationMinutes int    `gorm:"not null" json:"expiration_minutes"`
	MaxDownloads      int    `gorm:"not null" json:"max_downloads"`
	IPRestriction     string `gorm:"size:64" json:"ip_restriction,omitempty"` // exact IP or CIDR, empty = unrestricted
	MaxFileSize       int64  `gorm:"not null" json:"max_file_size"`           // bytes, enforced at issuance only
}

// FileRecord is the metadata row behind one download link.
// Token is the primary key and the sole credential for redemption.
type FileRecord struct {
	Token         string     `gorm:"primaryKey;size:64" json:"token"`
	FileName      string     `gorm:"size:512;not null" json:"file_name"`
	FileSize      int64      `gorm:"not null" json:"file_size"`
	MimeType      string     `gorm:"size:255" json:"mime_type"`
	Config        LinkConfig `gorm:"embedded" json:"config"`
	DownloadCount int        `gorm:"not null;default:0" json:"download_count"`
	CreatedAt     time.Time  `gorm:"index" json:"created_at"`
}

// ExpiresAt returns the instant after which the record is logically dead.
func (r *FileRecord) ExpiresAt() time.Time {
	return r.CreatedAt.Add(time.Duration(r.Config.ExpirationMinutes) * time.Minute)
}

// Expired reports whether the record has outlived its configured TTL at now.
func (r *FileRecord) Expired(now time.Time) bool {
	return now.After(r.ExpiresAt())
}

// RemainingDownloads returns how many redemptions are still permitted.
func (r *FileRecord) RemainingDownloads() int {
	left := r.Config.MaxDownloads - r.DownloadCount
	if left < 0 {
		return 0
	}
	return left
}
