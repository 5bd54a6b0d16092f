// Package syncdriver drains the client-resident operation queue against the
// mutation gateway after connectivity is restored. Items are submitted oldest
// first with their original event ids, so a clock-in always reaches the
// gateway before its corresponding clock-out and every retry deduplicates.
package syncdriver

import (
	"context"
	"time"

	"bitbucket.org/mmdatafocus/timeclock_backend/queue"
	"bitbucket.org/mmdatafocus/timeclock_backend/utils"
	"github.com/sirupsen/logrus"
)

// Submitter is the gateway as seen from the device: typically an HTTP client,
// in-process in tests.
type Submitter interface {
	SubmitClockIn(ctx context.Context, eventId string, p queue.ClockInPayload) error
	SubmitClockOut(ctx context.Context, eventId string, p queue.ClockOutPayload) error
}

type Driver struct {
	Queue     *queue.Queue
	Submitter Submitter
	Policy    BackoffPolicy
	Logger    *logrus.Logger
	BatchSize int

	// sleep is swappable for tests.
	sleep func(ctx context.Context, delay time.Duration) error
}

// sleepContext waits for delay or until ctx is cancelled, whichever comes
// first.
func sleepContext(ctx context.Context, delay time.Duration) error {
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

type DrainStats struct {
	Submitted int
	Failed    int
	Rejected  int
	Attempts  int
}

func New(q *queue.Queue, submitter Submitter, logger *logrus.Logger) *Driver {
	return &Driver{
		Queue:     q,
		Submitter: submitter,
		Policy:    DefaultBackoffPolicy(),
		Logger:    logger,
		BatchSize: 25,
		sleep:     sleepContext,
	}
}

// Drain submits pending items until the queue is empty, a terminal condition
// is reached on everything left, or the backoff policy is exhausted.
func (d *Driver) Drain(ctx context.Context) (DrainStats, error) {
	var stats DrainStats

	for attempt := 1; attempt <= d.Policy.MaxAttempts; attempt++ {
		stats.Attempts = attempt

		retriableFailure, err := d.drainPass(ctx, &stats)
		if err != nil {
			return stats, err
		}
		if !retriableFailure {
			return stats, nil
		}
		if attempt == d.Policy.MaxAttempts {
			break
		}

		delay := d.Policy.Delay(attempt)
		d.Logger.WithFields(logrus.Fields{
			"module":  "syncdriver",
			"attempt": attempt,
			"delay":   delay.String(),
		}).Info("retriable sync failure; backing off")

		if err := d.sleep(ctx, delay); err != nil {
			return stats, err
		}

		if _, err := d.Queue.RetryFailed(); err != nil {
			return stats, err
		}
	}
	return stats, nil
}

// drainPass processes one batch snapshot. It stops at the first retriable
// failure: submitting later items would break the clock-in-before-clock-out
// ordering for the same shift. Terminal business failures are recorded and do
// not block the rest of the batch.
func (d *Driver) drainPass(ctx context.Context, stats *DrainStats) (retriable bool, err error) {
	for {
		items, err := d.Queue.DequeueBatch(d.BatchSize)
		if err != nil {
			return false, err
		}
		if len(items) == 0 {
			return false, nil
		}

		for _, item := range items {
			if err := ctx.Err(); err != nil {
				return false, err
			}

			submitErr := d.submit(ctx, item)
			if submitErr == nil {
				if err := d.Queue.MarkProcessed(item.ItemId); err != nil {
					return false, err
				}
				stats.Submitted++
				continue
			}

			if utils.IsRetriable(submitErr) {
				if markErr := d.Queue.MarkFailed(item.ItemId, submitErr); markErr != nil {
					return false, markErr
				}
				stats.Failed++
				return true, nil
			}

			// Terminal verdicts go to the rejected state so the
			// between-attempt RetryFailed cannot resubmit them.
			if markErr := d.Queue.MarkRejected(item.ItemId, submitErr); markErr != nil {
				return false, markErr
			}
			stats.Rejected++
			d.Logger.WithFields(logrus.Fields{
				"module":   "syncdriver",
				"item_id":  item.ItemId,
				"event_id": item.EventId,
				"type":     string(item.Type),
			}).Warn("operation rejected by gateway: " + submitErr.Error())
		}
	}
}

func (d *Driver) submit(ctx context.Context, item queue.QueueItem) error {
	switch p := item.Payload.(type) {
	case queue.ClockInPayload:
		return d.Submitter.SubmitClockIn(ctx, item.EventId, p)
	case queue.ClockOutPayload:
		return d.Submitter.SubmitClockOut(ctx, item.EventId, p)
	default:
		return utils.InvalidArgument("unknown payload type for item %s", item.ItemId)
	}
}
