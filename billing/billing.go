// Package billing is the outbound surface consumed by the invoicing
// collaborator: closed, unbilled entries go out; an opaque invoice id comes
// back and freezes the entry forever.
package billing

import (
	"context"
	"time"

	"bitbucket.org/mmdatafocus/timeclock_backend/models"
	"bitbucket.org/mmdatafocus/timeclock_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type BillableEntry struct {
	EntryId       int              `json:"entry_id"`
	UserId        int              `json:"user_id"`
	JobId         int              `json:"job_id"`
	ClockInAt     time.Time        `json:"clock_in_at"`
	ClockOutAt    time.Time        `json:"clock_out_at"`
	Hours         decimal.Decimal  `json:"hours"`
	AutoClosed    bool             `json:"auto_closed"`
	ExceptionTags models.StringSet `json:"exception_tags"`
}

// HoursBetween returns the billable duration in hours, rounded to two places.
func HoursBetween(clockIn, clockOut time.Time) decimal.Decimal {
	seconds := decimal.NewFromInt(int64(clockOut.Sub(clockIn) / time.Second))
	return seconds.Div(decimal.NewFromInt(3600)).Round(2)
}

// UnbilledClosedEntries returns entries ready for invoicing: closed, never
// billed. Open entries are excluded; the sweeper guarantees none stays open
// past the shift cap.
func UnbilledClosedEntries(ctx context.Context, db *gorm.DB, companyId string) ([]BillableEntry, error) {
	var entries []models.TimeEntry
	err := db.WithContext(ctx).
		Where("company_id = ? AND clock_out_at IS NOT NULL AND invoice_id IS NULL", companyId).
		Order("clock_in_at ASC").
		Find(&entries).Error
	if err != nil {
		return nil, err
	}

	out := make([]BillableEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, BillableEntry{
			EntryId:       e.ID,
			UserId:        e.UserId,
			JobId:         e.JobId,
			ClockInAt:     e.ClockInAt,
			ClockOutAt:    *e.ClockOutAt,
			Hours:         HoursBetween(e.ClockInAt, *e.ClockOutAt),
			AutoClosed:    e.AutoClosed,
			ExceptionTags: e.ExceptionTags,
		})
	}
	return out, nil
}

// MarkInvoiced stamps entries with the collaborator's invoice id. The guard
// `invoice_id IS NULL` makes the write final: an already-billed entry is never
// overwritten, and the caller learns how many rows actually took the stamp.
// Duplicate ids in the input are collapsed first so the count is per entry.
func MarkInvoiced(ctx context.Context, db *gorm.DB, companyId string, entryIds []int, invoiceId string) (int64, error) {
	if invoiceId == "" {
		return 0, utils.InvalidArgument("invoice id is required")
	}
	if len(entryIds) == 0 {
		return 0, nil
	}
	entryIds = utils.UniqueSlice(entryIds)
	res := db.WithContext(ctx).Model(&models.TimeEntry{}).
		Where("company_id = ? AND id IN ? AND clock_out_at IS NOT NULL AND invoice_id IS NULL", companyId, entryIds).
		Update("invoice_id", invoiceId)
	return res.RowsAffected, res.Error
}
