package models

import (
	"strings"
	"time"
)

// LegacyTimeEntry is the flat export shape produced by the previous tracking
// system: positions as loose top-level fields, a single "geofenceValid" flag
// that only covered clock-in, and exception tags as a comma string. The
// adapter below normalizes it into the canonical TimeEntry at the storage
// boundary so nothing downstream ever sees the flat shape.
type LegacyTimeEntry struct {
	Id               int      `json:"id"`
	CompanyId        string   `json:"companyId"`
	UserId           int      `json:"userId"`
	JobId            int      `json:"jobId"`
	ClockIn          string   `json:"clockIn"`
	ClockOut         *string  `json:"clockOut"`
	ClockInLat       float64  `json:"clockInLat"`
	ClockInLng       float64  `json:"clockInLng"`
	ClockInAccuracy  float64  `json:"clockInAccuracy"`
	ClockOutLat      *float64 `json:"clockOutLat"`
	ClockOutLng      *float64 `json:"clockOutLng"`
	ClockOutAccuracy *float64 `json:"clockOutAccuracy"`
	GeofenceValid    *bool    `json:"geofenceValid"`
	AutoClosed       bool     `json:"autoClosed"`
	ExceptionTags    string   `json:"exceptionTags"`
	InvoiceId        *string  `json:"invoiceId"`
}

// NormalizeLegacyEntry converts one legacy flat row into the canonical shape.
// Rules:
//   - a missing geofenceValid means the legacy system never checked; treated
//     as valid so old entries are not retroactively flagged
//   - legacy rows without clock-out location keep ClockOutLocation nil and an
//     unknown clock-out geofence verdict
//   - comma-separated tags become the canonical tag set
func NormalizeLegacyEntry(legacy LegacyTimeEntry) (TimeEntry, error) {
	clockIn, err := time.Parse(time.RFC3339, legacy.ClockIn)
	if err != nil {
		return TimeEntry{}, err
	}

	entry := TimeEntry{
		ID:        legacy.Id,
		CompanyId: legacy.CompanyId,
		UserId:    legacy.UserId,
		JobId:     legacy.JobId,
		ClockInAt: clockIn,
		ClockInLocation: Location{
			Lat:            legacy.ClockInLat,
			Lng:            legacy.ClockInLng,
			AccuracyMeters: legacy.ClockInAccuracy,
		},
		ClockInGeofenceValid: legacy.GeofenceValid == nil || *legacy.GeofenceValid,
		AutoClosed:           legacy.AutoClosed,
		InvoiceId:            legacy.InvoiceId,
	}

	if legacy.ClockOut != nil {
		clockOut, err := time.Parse(time.RFC3339, *legacy.ClockOut)
		if err != nil {
			return TimeEntry{}, err
		}
		entry.ClockOutAt = &clockOut
	}

	if legacy.ClockOutLat != nil && legacy.ClockOutLng != nil {
		loc := Location{Lat: *legacy.ClockOutLat, Lng: *legacy.ClockOutLng}
		if legacy.ClockOutAccuracy != nil {
			loc.AccuracyMeters = *legacy.ClockOutAccuracy
		}
		entry.ClockOutLocation = &loc
	}

	entry.ExceptionTags = splitLegacyTags(legacy.ExceptionTags)
	if legacy.AutoClosed {
		entry.ExceptionTags = entry.ExceptionTags.With(ExceptionTagAutoClockOut)
	}

	if entry.ClockOutAt == nil {
		entry.OpenKey = EntryOpenKey(legacy.CompanyId, legacy.UserId, legacy.JobId)
	}

	return entry, nil
}

func splitLegacyTags(raw string) StringSet {
	var out StringSet
	for _, part := range strings.Split(raw, ",") {
		if tag := strings.TrimSpace(part); tag != "" {
			out = out.With(tag)
		}
	}
	return out
}
