package gateway

import (
	"fmt"

	"gorm.io/gorm"
)

// acquireClockLock serializes clock mutations per (company, user, job) across
// instances using MySQL advisory locks. Two concurrent clock-ins with
// different event ids would otherwise both pass the open-entry check.
// NOTE: GET_LOCK is connection-scoped. Callers must pin one connection (see
// gorm's Connection), acquire the lock on it, run the transaction on it, and
// release after the transaction commits.
func acquireClockLock(tx *gorm.DB, companyId string, userId int, jobId int) error {
	lockName := fmt.Sprintf("clock:%s:%d:%d", companyId, userId, jobId)
	var ok int
	if err := tx.Raw("SELECT GET_LOCK(?, 10)", lockName).Scan(&ok).Error; err != nil {
		return err
	}
	if ok != 1 {
		return fmt.Errorf("could not acquire clock lock for user_id=%d job_id=%d", userId, jobId)
	}
	return nil
}

func releaseClockLock(tx *gorm.DB, companyId string, userId int, jobId int) {
	lockName := fmt.Sprintf("clock:%s:%d:%d", companyId, userId, jobId)
	var _ok int
	_ = tx.Raw("SELECT RELEASE_LOCK(?)", lockName).Scan(&_ok).Error
}
