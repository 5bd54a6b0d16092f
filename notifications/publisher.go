// Package notifications sends fire-and-forget worker/admin notifications over
// Pub/Sub. Delivery is best-effort: no caller ever waits on or fails because
// of a notification.
package notifications

import (
	"context"
	"time"

	"bitbucket.org/mmdatafocus/timeclock_backend/config"
	"github.com/sirupsen/logrus"
)

const (
	KindGeofenceFlagged = "geofence_flagged"
	KindAutoClockOut    = "auto_clockout"
)

func FireAndForget(logger *logrus.Logger, msg config.NotificationMessage) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if _, err := config.PublishNotification(ctx, msg); err != nil {
			logger.WithFields(logrus.Fields{
				"module":     "notifications",
				"kind":       msg.Kind,
				"company_id": msg.CompanyId,
				"entry_id":   msg.EntryId,
			}).Warn("notification publish failed: " + err.Error())
		}
	}()
}
