package models

import (
	"context"
	"fmt"
	"time"

	"bitbucket.org/mmdatafocus/timeclock_backend/utils"
	"gorm.io/gorm"
)

// Location is the canonical reported-position shape. Legacy flat rows are
// normalized into it at the storage boundary (see legacyEntry.go).
type Location struct {
	Lat            float64 `gorm:"type:double" json:"lat"`
	Lng            float64 `gorm:"type:double" json:"lng"`
	AccuracyMeters float64 `gorm:"type:double" json:"accuracy_meters"`
}

// TimeEntry is one record per shift attempt. Entries are append-only: they are
// never deleted, transition Open -> Closed -> Invoiced, and become read-only
// for clock fields once billed.
type TimeEntry struct {
	ID        int    `gorm:"primary_key" json:"id"`
	CompanyId string `gorm:"size:64;not null;index" json:"company_id"`
	UserId    int    `gorm:"not null;index:idx_open_entry" json:"user_id"`
	JobId     int    `gorm:"not null;index:idx_open_entry" json:"job_id"`

	ClockInAt            time.Time `gorm:"not null;index" json:"clock_in_at"`
	ClockInLocation      Location  `gorm:"embedded;embeddedPrefix:clock_in_" json:"clock_in_location"`
	ClockInGeofenceValid bool      `gorm:"not null" json:"clock_in_geofence_valid"`

	ClockOutAt            *time.Time `gorm:"index" json:"clock_out_at"`
	ClockOutLocation      *Location  `gorm:"embedded;embeddedPrefix:clock_out_" json:"clock_out_location,omitempty"`
	ClockOutGeofenceValid *bool      `json:"clock_out_geofence_valid,omitempty"`

	Notes         *string   `gorm:"type:text" json:"notes,omitempty"`
	AutoClosed    bool      `gorm:"not null;default:false" json:"auto_closed"`
	ExceptionTags StringSet `gorm:"type:json" json:"exception_tags"`

	// OpenKey backs the at-most-one-open-entry rule with a database
	// constraint: set while the entry is open, NULL once closed. MySQL
	// unique indexes ignore NULLs, so any number of closed entries coexist
	// while a second concurrent insert for the same open (company, user,
	// job) fails with a duplicate key.
	OpenKey *string `gorm:"size:191;uniqueIndex" json:"-"`

	// InvoiceId is written once by the billing collaborator; after that the
	// entry is immutable for clock fields.
	InvoiceId *string `gorm:"size:64;index" json:"invoice_id,omitempty"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// EntryOpenKey builds the OpenKey value for an open entry.
func EntryOpenKey(companyId string, userId int, jobId int) *string {
	key := fmt.Sprintf("%s:%d:%d", companyId, userId, jobId)
	return &key
}

func (e *TimeEntry) State() EntryState {
	if e.InvoiceId != nil && *e.InvoiceId != "" {
		return EntryStateInvoiced
	}
	if e.ClockOutAt != nil {
		return EntryStateClosed
	}
	return EntryStateOpen
}

func (e *TimeEntry) IsOpen() bool {
	return e.State() == EntryStateOpen
}

// ApplyClockOut transitions Open -> Closed. It rejects illegal transitions
// instead of silently ignoring them: clock-out on a closed entry, an invoiced
// entry, or with a timestamp not strictly after clock-in all fail.
func (e *TimeEntry) ApplyClockOut(at time.Time, loc Location, geofenceValid bool, notes *string) error {
	switch e.State() {
	case EntryStateInvoiced:
		return utils.FailedPrecondition("", "entry %d is invoiced and immutable", e.ID)
	case EntryStateClosed:
		return utils.FailedPrecondition("", "entry %d is already clocked out", e.ID)
	}
	if !at.After(e.ClockInAt) {
		return utils.InvalidArgument("clock-out time must be after clock-in time")
	}
	e.ClockOutAt = &at
	e.ClockOutLocation = &loc
	e.ClockOutGeofenceValid = &geofenceValid
	e.OpenKey = nil
	if notes != nil {
		e.Notes = notes
	}
	return nil
}

// ApplyAutoClose transitions Open -> Closed(autoClosed). The close time is
// clockInAt + maxDuration, NOT the sweep wall-clock time, so the recorded
// duration is exactly the cap no matter how late the sweep runs.
func (e *TimeEntry) ApplyAutoClose(maxDuration time.Duration) error {
	switch e.State() {
	case EntryStateInvoiced:
		return utils.FailedPrecondition("", "entry %d is invoiced and immutable", e.ID)
	case EntryStateClosed:
		return utils.FailedPrecondition("", "entry %d is already clocked out", e.ID)
	}
	closeAt := e.ClockInAt.Add(maxDuration)
	e.ClockOutAt = &closeAt
	e.OpenKey = nil
	e.AutoClosed = true
	e.ExceptionTags = e.ExceptionTags.With(ExceptionTagAutoClockOut, ExceptionTagExceedsMaxDuration)
	return nil
}

// FindOpenEntry returns the single open entry for (userId, jobId), if any.
// The gateway enforces at most one open entry per pair at clock-in.
func FindOpenEntry(tx *gorm.DB, companyId string, userId int, jobId int) (*TimeEntry, error) {
	var entry TimeEntry
	err := tx.
		Where("company_id = ? AND user_id = ? AND job_id = ? AND clock_out_at IS NULL", companyId, userId, jobId).
		Order("clock_in_at ASC").
		First(&entry).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

// FindEntryForUpdate loads one entry with a row lock inside the caller's
// transaction so concurrent clock-outs serialize on the row.
func FindEntryForUpdate(tx *gorm.DB, companyId string, entryId int) (*TimeEntry, error) {
	var entry TimeEntry
	err := tx.
		Set("gorm:query_option", "FOR UPDATE").
		Where("company_id = ? AND id = ?", companyId, entryId).
		First(&entry).Error
	if err == gorm.ErrRecordNotFound {
		return nil, utils.NotFound("time entry %d not found", entryId)
	}
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

// FindOverdueOpenEntries returns open, not-yet-invoiced entries whose shift age
// exceeds maxDuration at the given instant. Used by the sweeper.
func FindOverdueOpenEntries(ctx context.Context, tx *gorm.DB, now time.Time, maxDuration time.Duration, limit int) ([]TimeEntry, error) {
	cutoff := now.Add(-maxDuration)
	var entries []TimeEntry
	q := tx.WithContext(ctx).
		Where("clock_out_at IS NULL AND invoice_id IS NULL AND clock_in_at < ?", cutoff).
		Order("clock_in_at ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&entries).Error; err != nil {
		return nil, err
	}
	return entries, nil
}
