package gateway

import (
	"errors"
	"fmt"
	"time"

	"bitbucket.org/mmdatafocus/timeclock_backend/config"
	"bitbucket.org/mmdatafocus/timeclock_backend/models"
	mysqlDriver "github.com/go-sql-driver/mysql"
	"gorm.io/gorm"
)

func isDuplicateKeyErr(err error) bool {
	var mysqlErr *mysqlDriver.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1062
	}
	return false
}

func ledgerCacheKey(companyId, eventId string) string {
	return fmt.Sprintf("idem:%s:%s", companyId, eventId)
}

// lookupLedger returns the stored record for eventId, or nil when the event
// was never processed or its record has expired (expired records no longer
// deduplicate).
func lookupLedger(tx *gorm.DB, companyId, eventId string, now time.Time) (*models.IdempotencyRecord, error) {
	var rec models.IdempotencyRecord
	err := tx.
		Where("company_id = ? AND event_id = ?", companyId, eventId).
		First(&rec).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if !rec.ExpiresAt.After(now) {
		return nil, nil
	}
	return &rec, nil
}

// storeLedger persists the result for eventId inside the caller's transaction.
// The entry mutation and this write commit or roll back together; that is the
// whole at-most-once guarantee. A duplicate-key error means a concurrent
// request with the same eventId won the race, so the caller must abort and
// replay the winner's stored result.
func storeLedger(tx *gorm.DB, companyId, eventId string, operation models.ClockOperationType, entryId int, body []byte, now time.Time) error {
	rec := models.IdempotencyRecord{
		CompanyId:    companyId,
		EventId:      eventId,
		Operation:    string(operation),
		ResponseBody: body,
		EntryId:      entryId,
		ExpiresAt:    now.Add(config.IdempotencyTTL()),
	}
	if err := tx.Create(&rec).Error; err == nil {
		return nil
	} else if !isDuplicateKeyErr(err) {
		return err
	}

	// Same eventId exists. If it expired, the slot is reusable; otherwise the
	// concurrent winner keeps it.
	res := tx.Model(&models.IdempotencyRecord{}).
		Where("company_id = ? AND event_id = ? AND expires_at <= ?", companyId, eventId, now).
		Updates(map[string]interface{}{
			"operation":     string(operation),
			"response_body": body,
			"entry_id":      entryId,
			"expires_at":    now.Add(config.IdempotencyTTL()),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return errConcurrentEvent
	}
	return nil
}

var errConcurrentEvent = errors.New("concurrent submission for the same event id")

// cacheLedgerResult mirrors the stored response into Redis so retry storms are
// absorbed without a DB round trip. Best-effort: a cache failure never fails
// the request.
func cacheLedgerResult(companyId, eventId string, body []byte) {
	_ = config.SetRedisObject(ledgerCacheKey(companyId, eventId), body, config.IdempotencyTTL())
}

func cachedLedgerResult(companyId, eventId string) []byte {
	var body []byte
	found, err := config.GetRedisObject(ledgerCacheKey(companyId, eventId), &body)
	if err != nil || !found {
		return nil
	}
	return body
}

// PurgeExpiredLedger removes ledger rows past their TTL. Called
// opportunistically from the sweep so the table does not grow without bound.
func PurgeExpiredLedger(tx *gorm.DB, now time.Time) (int64, error) {
	res := tx.Where("expires_at <= ?", now).Delete(&models.IdempotencyRecord{})
	return res.RowsAffected, res.Error
}
