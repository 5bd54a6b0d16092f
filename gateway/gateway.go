// Package gateway is the single entry point that turns a clock-in/clock-out
// request plus a caller-supplied event id into a durable state transition,
// at most once per event id. The entry mutation and the idempotency record
// commit in one transaction; replays return the stored result unchanged.
package gateway

import (
	"context"
	"encoding/json"
	"time"

	"bitbucket.org/mmdatafocus/timeclock_backend/config"
	"bitbucket.org/mmdatafocus/timeclock_backend/geofence"
	"bitbucket.org/mmdatafocus/timeclock_backend/models"
	"bitbucket.org/mmdatafocus/timeclock_backend/notifications"
	"bitbucket.org/mmdatafocus/timeclock_backend/utils"
	"gorm.io/gorm"
)

type ClockInInput struct {
	JobId          int     `json:"job_id" binding:"required"`
	Lat            float64 `json:"lat" binding:"min=-90,max=90"`
	Lng            float64 `json:"lng" binding:"min=-180,max=180"`
	AccuracyMeters float64 `json:"accuracy_meters" binding:"min=0"`
	EventId        string  `json:"event_id" binding:"required,uuid"`
}

type ClockOutInput struct {
	EntryId        int     `json:"entry_id" binding:"required"`
	Lat            float64 `json:"lat" binding:"min=-90,max=90"`
	Lng            float64 `json:"lng" binding:"min=-180,max=180"`
	AccuracyMeters float64 `json:"accuracy_meters" binding:"min=0"`
	Notes          *string `json:"notes,omitempty"`
	EventId        string  `json:"event_id" binding:"required,uuid"`
}

// ClockResponse is the gateway result. It is what the ledger stores, so a
// replayed submission deserializes to exactly the first response.
type ClockResponse struct {
	Entry           *models.TimeEntry `json:"entry"`
	Geofence        *geofence.Result  `json:"geofence,omitempty"`
	GeofenceFlagged bool              `json:"geofence_flagged"`
	Reason          string            `json:"reason,omitempty"`
}

type actor struct {
	companyId string
	userId    int
	role      string
}

func actorFromContext(ctx context.Context) (actor, error) {
	companyId, ok := utils.GetCompanyIdFromContext(ctx)
	if !ok || companyId == "" {
		return actor{}, utils.PermissionDenied("missing company context")
	}
	userId, ok := utils.GetUserIdFromContext(ctx)
	if !ok || userId <= 0 {
		return actor{}, utils.PermissionDenied("missing user context")
	}
	role, _ := utils.GetRoleFromContext(ctx)
	if role != string(models.UserRoleWorker) && role != string(models.UserRoleAdmin) {
		return actor{}, utils.PermissionDenied("role %q may not submit clock operations", role)
	}
	return actor{companyId: companyId, userId: userId, role: role}, nil
}

// replayResponse reconstructs the original (response, error) pair from the
// stored body. A flagged clock-in replays its soft failure too, so N retries
// observe N identical outcomes.
func replayResponse(body []byte) (*ClockResponse, error) {
	var resp ClockResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, utils.Unavailable("stored result unreadable: %v", err)
	}
	if resp.GeofenceFlagged {
		return &resp, utils.FailedPrecondition(resp.Reason, "clock-in recorded outside the job site boundary; contact an admin")
	}
	return &resp, nil
}

// SubmitClockIn validates the actor and position, enforces at most one open
// entry per (user, job), and creates the entry. A failed geofence check still
// creates the entry (flagged, auditable) while the caller receives a
// FailedPrecondition soft failure alongside the recorded response.
func SubmitClockIn(ctx context.Context, input ClockInInput) (*ClockResponse, error) {
	act, err := actorFromContext(ctx)
	if err != nil {
		return nil, err
	}
	if input.EventId == "" {
		return nil, utils.InvalidArgument("event_id is required")
	}
	if input.JobId <= 0 {
		return nil, utils.InvalidArgument("job_id is required")
	}

	if body := cachedLedgerResult(act.companyId, input.EventId); body != nil {
		return replayResponse(body)
	}

	db := config.GetDB()
	if db == nil {
		return nil, utils.Unavailable("database not ready")
	}

	now := time.Now().UTC()
	var (
		respBody []byte
		flagged  bool
	)

	// GET_LOCK is connection-scoped, so the lock and the transaction must
	// share one pinned connection. Acquiring outside the transaction and
	// releasing in a defer means RELEASE_LOCK runs after COMMIT; the next
	// holder therefore always observes the committed entry.
	txErr := db.WithContext(ctx).Connection(func(conn *gorm.DB) error {
		if err := acquireClockLock(conn, act.companyId, act.userId, input.JobId); err != nil {
			return utils.Unavailable("could not serialize clock-in: %v", err)
		}
		defer releaseClockLock(conn, act.companyId, act.userId, input.JobId)

		return conn.Transaction(func(tx *gorm.DB) error {
			if rec, err := lookupLedger(tx, act.companyId, input.EventId, now); err != nil {
				return err
			} else if rec != nil {
				respBody = rec.ResponseBody
				return nil
			}

			assigned, err := models.HasActiveAssignment(ctx, tx, act.companyId, act.userId, input.JobId)
			if err != nil {
				return err
			}
			if !assigned {
				return utils.NewApiErrorWithReason(utils.ErrorCodePermissionDenied, utils.ReasonAssignment,
					"no active assignment to this job site")
			}

			site, err := models.GetJobSite(ctx, tx, act.companyId, input.JobId)
			if err != nil {
				return err
			}

			open, err := models.FindOpenEntry(tx, act.companyId, act.userId, input.JobId)
			if err != nil {
				return err
			}
			if open != nil {
				return utils.FailedPrecondition("", "an open entry already exists for this job (entry %d)", open.ID)
			}

			if input.AccuracyMeters > config.MaxReportAccuracyMeters() {
				return utils.FailedPrecondition(utils.ReasonAccuracy,
					"reported accuracy %.0fm is too imprecise to evaluate", input.AccuracyMeters)
			}

			gf, err := geofence.Validate(
				geofence.Point{Lat: input.Lat, Lng: input.Lng, AccuracyMeters: input.AccuracyMeters},
				site.Boundary(),
			)
			if err != nil {
				return err
			}

			entry := models.TimeEntry{
				CompanyId: act.companyId,
				UserId:    act.userId,
				JobId:     input.JobId,
				ClockInAt: now,
				ClockInLocation: models.Location{
					Lat:            input.Lat,
					Lng:            input.Lng,
					AccuracyMeters: input.AccuracyMeters,
				},
				ClockInGeofenceValid: gf.IsValid,
				ExceptionTags:        models.StringSet{},
				OpenKey:              models.EntryOpenKey(act.companyId, act.userId, input.JobId),
			}
			if err := tx.Create(&entry).Error; err != nil {
				// The unique open_key index is the backstop for the
				// open-entry check above.
				if isDuplicateKeyErr(err) {
					return utils.FailedPrecondition("", "an open entry already exists for this job")
				}
				return err
			}

			resp := ClockResponse{Entry: &entry, Geofence: &gf}
			if !gf.IsValid {
				resp.GeofenceFlagged = true
				resp.Reason = utils.ReasonGeofence
				flagged = true
			}
			body, err := json.Marshal(&resp)
			if err != nil {
				return err
			}
			if err := storeLedger(tx, act.companyId, input.EventId, models.ClockOperationClockIn, entry.ID, body, now); err != nil {
				if err == errConcurrentEvent {
					return utils.Unavailable("concurrent submission for this event id; retry")
				}
				return err
			}
			respBody = body
			return nil
		})
	})
	if txErr != nil {
		return nil, utils.AsApiError(txErr)
	}

	cacheLedgerResult(act.companyId, input.EventId, respBody)
	if flagged {
		resp, err := replayResponse(respBody)
		notifyFlagged(ctx, act, resp)
		return resp, err
	}
	return replayResponse(respBody)
}

// SubmitClockOut closes the actor's open entry. Closed and invoiced entries
// reject the transition; the geofence verdict for the exit location is
// recorded on the entry either way.
func SubmitClockOut(ctx context.Context, input ClockOutInput) (*ClockResponse, error) {
	act, err := actorFromContext(ctx)
	if err != nil {
		return nil, err
	}
	if input.EventId == "" {
		return nil, utils.InvalidArgument("event_id is required")
	}
	if input.EntryId <= 0 {
		return nil, utils.InvalidArgument("entry_id is required")
	}

	if body := cachedLedgerResult(act.companyId, input.EventId); body != nil {
		return replayResponse(body)
	}

	db := config.GetDB()
	if db == nil {
		return nil, utils.Unavailable("database not ready")
	}

	now := time.Now().UTC()
	var respBody []byte

	txErr := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if rec, err := lookupLedger(tx, act.companyId, input.EventId, now); err != nil {
			return err
		} else if rec != nil {
			respBody = rec.ResponseBody
			return nil
		}

		entry, err := models.FindEntryForUpdate(tx, act.companyId, input.EntryId)
		if err != nil {
			return err
		}
		if entry.UserId != act.userId && act.role != string(models.UserRoleAdmin) {
			return utils.PermissionDenied("entry %d belongs to another worker", entry.ID)
		}

		if input.AccuracyMeters > config.MaxReportAccuracyMeters() {
			return utils.FailedPrecondition(utils.ReasonAccuracy,
				"reported accuracy %.0fm is too imprecise to evaluate", input.AccuracyMeters)
		}

		site, err := models.GetJobSite(ctx, tx, act.companyId, entry.JobId)
		if err != nil {
			return err
		}
		gf, err := geofence.Validate(
			geofence.Point{Lat: input.Lat, Lng: input.Lng, AccuracyMeters: input.AccuracyMeters},
			site.Boundary(),
		)
		if err != nil {
			return err
		}

		loc := models.Location{Lat: input.Lat, Lng: input.Lng, AccuracyMeters: input.AccuracyMeters}
		if err := entry.ApplyClockOut(now, loc, gf.IsValid, input.Notes); err != nil {
			return err
		}
		if err := tx.Save(entry).Error; err != nil {
			return err
		}

		resp := ClockResponse{Entry: entry, Geofence: &gf}
		body, err := json.Marshal(&resp)
		if err != nil {
			return err
		}
		if err := storeLedger(tx, act.companyId, input.EventId, models.ClockOperationClockOut, entry.ID, body, now); err != nil {
			if err == errConcurrentEvent {
				return utils.Unavailable("concurrent submission for this event id; retry")
			}
			return err
		}
		respBody = body
		return nil
	})
	if txErr != nil {
		return nil, utils.AsApiError(txErr)
	}

	cacheLedgerResult(act.companyId, input.EventId, respBody)
	return replayResponse(respBody)
}

func notifyFlagged(ctx context.Context, act actor, resp *ClockResponse) {
	if resp == nil || resp.Entry == nil {
		return
	}
	correlationId, _ := utils.GetCorrelationIdFromContext(ctx)
	notifications.FireAndForget(config.GetLogger(), config.NotificationMessage{
		CompanyId:     act.companyId,
		UserId:        act.userId,
		EntryId:       resp.Entry.ID,
		Kind:          notifications.KindGeofenceFlagged,
		OccurredAt:    time.Now().UTC(),
		CorrelationId: correlationId,
	})
}
