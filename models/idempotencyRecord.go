package models

import "time"

// IdempotencyRecord is the durable ledger mapping event_id -> stored gateway
// result. Read-before-write on every gateway invocation; written in the same
// transaction as the entry mutation so a crash between the two is impossible.
// Unique constraint: (company_id, event_id).
type IdempotencyRecord struct {
	ID        int    `gorm:"primary_key" json:"id"`
	CompanyId string `gorm:"size:64;not null;index:uniq_event,unique" json:"company_id"`
	EventId   string `gorm:"size:64;not null;index:uniq_event,unique" json:"event_id"`
	Operation string `gorm:"size:20;not null" json:"operation"`

	// ResponseBody is the exact serialized result returned on first processing;
	// replays return it byte for byte.
	ResponseBody []byte `gorm:"type:mediumblob" json:"-"`
	EntryId      int    `gorm:"index" json:"entry_id"`

	// ExpiresAt implements the ledger TTL. Expired rows no longer deduplicate
	// and are purged opportunistically by the sweeper run.
	ExpiresAt time.Time `gorm:"not null;index" json:"expires_at"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}
