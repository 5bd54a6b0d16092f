package gateway

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/timeclock_backend/geofence"
	"bitbucket.org/mmdatafocus/timeclock_backend/models"
	"bitbucket.org/mmdatafocus/timeclock_backend/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// NOTE: These tests are DB-free; they cover actor resolution and the stored
// result replay path. Full MySQL+Redis coverage lives in the
// INTEGRATION_TESTS-gated tests in gateway_integration_test.go.

func workerContext() context.Context {
	ctx := context.Background()
	ctx = utils.SetCompanyIdInContext(ctx, "acme")
	ctx = utils.SetUserIdInContext(ctx, 7)
	ctx = utils.SetRoleInContext(ctx, string(models.UserRoleWorker))
	return ctx
}

func TestActorFromContext(t *testing.T) {
	act, err := actorFromContext(workerContext())
	require.NoError(t, err)
	assert.Equal(t, "acme", act.companyId)
	assert.Equal(t, 7, act.userId)
	assert.Equal(t, string(models.UserRoleWorker), act.role)
}

func TestActorFromContextMissingCompany(t *testing.T) {
	ctx := utils.SetUserIdInContext(context.Background(), 7)
	ctx = utils.SetRoleInContext(ctx, string(models.UserRoleWorker))

	_, err := actorFromContext(ctx)
	require.Error(t, err)
	assert.Equal(t, utils.ErrorCodePermissionDenied, utils.AsApiError(err).Code)
}

func TestActorFromContextMissingUser(t *testing.T) {
	ctx := utils.SetCompanyIdInContext(context.Background(), "acme")
	ctx = utils.SetRoleInContext(ctx, string(models.UserRoleWorker))

	_, err := actorFromContext(ctx)
	require.Error(t, err)
	assert.Equal(t, utils.ErrorCodePermissionDenied, utils.AsApiError(err).Code)
}

func TestActorFromContextRejectsUnknownRole(t *testing.T) {
	ctx := utils.SetCompanyIdInContext(context.Background(), "acme")
	ctx = utils.SetUserIdInContext(ctx, 7)
	ctx = utils.SetRoleInContext(ctx, "Contractor")

	_, err := actorFromContext(ctx)
	require.Error(t, err)
	assert.Equal(t, utils.ErrorCodePermissionDenied, utils.AsApiError(err).Code)
}

func TestReplayResponseSuccess(t *testing.T) {
	stored := ClockResponse{
		Entry: &models.TimeEntry{
			ID:        41,
			CompanyId: "acme",
			UserId:    7,
			JobId:     3,
			ClockInAt: time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC),
		},
		Geofence: &geofence.Result{IsValid: true, DistanceMeters: 12, EffectiveRadius: 110},
	}
	body, err := json.Marshal(&stored)
	require.NoError(t, err)

	resp, replayErr := replayResponse(body)
	require.NoError(t, replayErr)
	require.NotNil(t, resp.Entry)
	assert.Equal(t, 41, resp.Entry.ID)
	assert.False(t, resp.GeofenceFlagged)
}

func TestReplayResponseReplaysSoftFailure(t *testing.T) {
	stored := ClockResponse{
		Entry: &models.TimeEntry{
			ID:                   42,
			CompanyId:            "acme",
			UserId:               7,
			JobId:                3,
			ClockInAt:            time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC),
			ClockInGeofenceValid: false,
		},
		Geofence:        &geofence.Result{IsValid: false, DistanceMeters: 900, EffectiveRadius: 110},
		GeofenceFlagged: true,
		Reason:          utils.ReasonGeofence,
	}
	body, err := json.Marshal(&stored)
	require.NoError(t, err)

	// A flagged clock-in recorded the entry AND failed softly. Replays must
	// observe the exact same dual outcome, not a bare success.
	resp, replayErr := replayResponse(body)
	require.Error(t, replayErr)
	require.NotNil(t, resp)
	assert.Equal(t, 42, resp.Entry.ID)
	assert.True(t, resp.GeofenceFlagged)

	apiErr := utils.AsApiError(replayErr)
	assert.Equal(t, utils.ErrorCodeFailedPrecondition, apiErr.Code)
	assert.Equal(t, utils.ReasonGeofence, apiErr.Reason)
	assert.False(t, utils.IsRetriable(replayErr))
}

func TestReplayResponseUnreadableBody(t *testing.T) {
	resp, err := replayResponse([]byte("{corrupt"))
	assert.Nil(t, resp)
	require.Error(t, err)
	// Unreadable stored state is transient from the caller's view; a retry
	// may hit a healthy replica.
	assert.True(t, utils.IsRetriable(err))
}
