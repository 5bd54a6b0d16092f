// Package sweeper force-closes shifts left open past the maximum duration.
// It is a singleton-by-lease background task: multiple scheduler replicas may
// fire simultaneously, but only the lease holder performs the batch commit.
package sweeper

import (
	"context"
	"errors"
	"time"

	"bitbucket.org/mmdatafocus/timeclock_backend/config"
	"bitbucket.org/mmdatafocus/timeclock_backend/gateway"
	"bitbucket.org/mmdatafocus/timeclock_backend/models"
	"bitbucket.org/mmdatafocus/timeclock_backend/notifications"
	"bitbucket.org/mmdatafocus/timeclock_backend/utils"
	mysqlDriver "github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

const leaseKey = "lease:auto-clockout-sweep"

// Summary reports what a sweep changed (or, in dry-run mode, would change).
type Summary struct {
	DryRun       bool      `json:"dry_run"`
	Scanned      int       `json:"scanned"`
	Closed       int       `json:"closed"`
	EntryIds     []int     `json:"entry_ids"`
	LedgerPurged int64     `json:"ledger_purged"`
	StartedAt    time.Time `json:"started_at"`
	FinishedAt   time.Time `json:"finished_at"`
}

type Sweeper struct {
	DB     *gorm.DB
	Logger *logrus.Logger
	Lease  Lease

	MaxShiftDuration time.Duration
	LeaseTTL         time.Duration
	BatchSize        int

	// Now is swappable for tests.
	Now func() time.Time
}

func New(db *gorm.DB, logger *logrus.Logger) *Sweeper {
	return &Sweeper{
		DB:               db,
		Logger:           logger,
		Lease:            NewRedisLease(config.GetRedisLock(), leaseKey),
		MaxShiftDuration: config.MaxShiftDuration(),
		LeaseTTL:         config.SweepLeaseTTL(),
		BatchSize:        500,
		Now:              func() time.Time { return time.Now().UTC() },
	}
}

// Run fires SweepOnce on a fixed interval until ctx is cancelled. A sweep
// error (including a held lease) never stops the loop.
func (s *Sweeper) Run(ctx context.Context) {
	interval := config.SweepInterval()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if _, err := s.SweepOnce(ctx, false); err != nil {
			if errors.Is(err, ErrLeaseHeld) {
				s.Logger.WithFields(logrus.Fields{"module": "sweeper"}).
					Info("sweep skipped: another sweep is in flight")
				continue
			}
			config.LogError(s.Logger, "sweeper", "Run", "SweepOnce", nil, err)
		}
	}
}

// SweepOnce scans for entries open past the maximum shift duration and
// force-closes them. Each one is closed at clockInAt + maxDuration, not the
// sweep wall-clock time, so the recorded duration is exactly the cap even when
// sweeps run late or skip. Dry-run reports the same summary without writing.
func (s *Sweeper) SweepOnce(ctx context.Context, dryRun bool) (*Summary, error) {
	now := s.Now()
	summary := &Summary{DryRun: dryRun, StartedAt: now}

	var token *Token
	if !dryRun {
		owner := uuid.NewString()
		var err error
		token, err = s.Lease.Acquire(ctx, owner, s.LeaseTTL)
		if errors.Is(err, ErrLeaseHeld) {
			return nil, utils.ResourceExhausted("another sweep is in flight")
		}
		if err != nil {
			return nil, err
		}
		defer func() {
			if relErr := s.Lease.Release(context.WithoutCancel(ctx), token); relErr != nil {
				config.LogError(s.Logger, "sweeper", "SweepOnce", "lease release", nil, relErr)
			}
		}()
	}

	overdue, err := models.FindOverdueOpenEntries(ctx, s.DB, now, s.MaxShiftDuration, s.BatchSize)
	if err != nil {
		if isMissingIndexErr(err) {
			// Operational/config issue, not a data issue: warn and report no
			// work so the scheduler's next run is never blocked.
			s.Logger.WithFields(logrus.Fields{"module": "sweeper"}).
				Warn("overdue-entry query requires a missing index; treating as no work: " + err.Error())
			summary.FinishedAt = s.Now()
			return summary, nil
		}
		return nil, err
	}
	summary.Scanned = len(overdue)

	closed := make([]models.TimeEntry, 0, len(overdue))
	for i := range overdue {
		entry := overdue[i]
		if err := entry.ApplyAutoClose(s.MaxShiftDuration); err != nil {
			// Closed or invoiced since the scan; leave it alone.
			continue
		}
		closed = append(closed, entry)
		summary.EntryIds = append(summary.EntryIds, entry.ID)
		s.Logger.WithFields(logrus.Fields{
			"module":       "sweeper",
			"dry_run":      dryRun,
			"entry_id":     entry.ID,
			"company_id":   entry.CompanyId,
			"user_id":      entry.UserId,
			"job_id":       entry.JobId,
			"clock_in_at":  entry.ClockInAt,
			"clock_out_at": entry.ClockOutAt,
		}).Info("force-closing overdue entry")
	}
	summary.Closed = len(closed)

	if dryRun {
		summary.FinishedAt = s.Now()
		s.logSummary(summary)
		return summary, nil
	}

	err = s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for i := range closed {
			entry := &closed[i]
			res := tx.Model(&models.TimeEntry{}).
				Where("id = ? AND clock_out_at IS NULL AND invoice_id IS NULL", entry.ID).
				Updates(map[string]interface{}{
					"clock_out_at":   entry.ClockOutAt,
					"open_key":       nil,
					"auto_closed":    true,
					"exception_tags": entry.ExceptionTags,
				})
			if res.Error != nil {
				return res.Error
			}
		}
		purged, err := gateway.PurgeExpiredLedger(tx, now)
		if err != nil {
			return err
		}
		summary.LedgerPurged = purged
		return nil
	})
	if err != nil {
		return nil, err
	}

	for i := range closed {
		entry := closed[i]
		notifications.FireAndForget(s.Logger, config.NotificationMessage{
			CompanyId:  entry.CompanyId,
			UserId:     entry.UserId,
			EntryId:    entry.ID,
			Kind:       notifications.KindAutoClockOut,
			OccurredAt: now,
		})
	}

	summary.FinishedAt = s.Now()
	s.logSummary(summary)
	return summary, nil
}

func (s *Sweeper) logSummary(summary *Summary) {
	s.Logger.WithFields(logrus.Fields{
		"module":        "sweeper",
		"dry_run":       summary.DryRun,
		"scanned":       summary.Scanned,
		"closed":        summary.Closed,
		"entry_ids":     summary.EntryIds,
		"ledger_purged": summary.LedgerPurged,
		"elapsed":       summary.FinishedAt.Sub(summary.StartedAt).String(),
	}).Info("auto clock-out sweep finished")
}

func isMissingIndexErr(err error) bool {
	var mysqlErr *mysqlDriver.MySQLError
	if errors.As(err, &mysqlErr) {
		// 1176: key does not exist in table.
		return mysqlErr.Number == 1176
	}
	return false
}
