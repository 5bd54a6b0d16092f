package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeLegacyEntryOpenShift(t *testing.T) {
	entry, err := NormalizeLegacyEntry(LegacyTimeEntry{
		Id:              31,
		CompanyId:       "acme",
		UserId:          4,
		JobId:           9,
		ClockIn:         "2025-11-02T07:30:00Z",
		ClockInLat:      16.8,
		ClockInLng:      96.1,
		ClockInAccuracy: 15,
	})
	require.NoError(t, err)

	assert.Equal(t, 31, entry.ID)
	assert.Equal(t, "acme", entry.CompanyId)
	assert.Equal(t, 16.8, entry.ClockInLocation.Lat)
	assert.Equal(t, 15.0, entry.ClockInLocation.AccuracyMeters)
	assert.Nil(t, entry.ClockOutAt)
	assert.Nil(t, entry.ClockOutLocation)
	assert.Nil(t, entry.ClockOutGeofenceValid)
	assert.Equal(t, EntryStateOpen, entry.State())
	require.NotNil(t, entry.OpenKey)
	assert.Equal(t, "acme:4:9", *entry.OpenKey)

	// Legacy rows never carried a clock-in verdict; absent means the old
	// system never checked, which must not flag old entries retroactively.
	assert.True(t, entry.ClockInGeofenceValid)
}

func TestNormalizeLegacyEntryClosedShiftWithTags(t *testing.T) {
	clockOut := "2025-11-02T19:30:00Z"
	lat, lng, acc := 16.81, 96.12, 30.0
	invalid := false
	invoice := "INV-9"

	entry, err := NormalizeLegacyEntry(LegacyTimeEntry{
		Id:               32,
		CompanyId:        "acme",
		UserId:           4,
		JobId:            9,
		ClockIn:          "2025-11-02T07:30:00Z",
		ClockOut:         &clockOut,
		ClockInLat:       16.8,
		ClockInLng:       96.1,
		ClockOutLat:      &lat,
		ClockOutLng:      &lng,
		ClockOutAccuracy: &acc,
		GeofenceValid:    &invalid,
		AutoClosed:       true,
		ExceptionTags:    " exceeds_max_duration , manual_review ,",
		InvoiceId:        &invoice,
	})
	require.NoError(t, err)

	assert.False(t, entry.ClockInGeofenceValid)
	require.NotNil(t, entry.ClockOutAt)
	require.NotNil(t, entry.ClockOutLocation)
	assert.Equal(t, 30.0, entry.ClockOutLocation.AccuracyMeters)
	assert.True(t, entry.AutoClosed)
	assert.Equal(t, EntryStateInvoiced, entry.State())

	assert.True(t, entry.ExceptionTags.Has("exceeds_max_duration"))
	assert.True(t, entry.ExceptionTags.Has("manual_review"))
	// Auto-closed rows always get the canonical tag, even when the legacy
	// comma string lacked it.
	assert.True(t, entry.ExceptionTags.Has(ExceptionTagAutoClockOut))
	assert.Len(t, entry.ExceptionTags, 3)
	assert.Nil(t, entry.OpenKey)
}

func TestNormalizeLegacyEntryRejectsBadTimestamps(t *testing.T) {
	_, err := NormalizeLegacyEntry(LegacyTimeEntry{ClockIn: "02/11/2025 7:30"})
	require.Error(t, err)

	bad := "not-a-time"
	_, err = NormalizeLegacyEntry(LegacyTimeEntry{ClockIn: "2025-11-02T07:30:00Z", ClockOut: &bad})
	require.Error(t, err)
}
