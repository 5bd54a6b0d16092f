package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Time entry consistency tunables. Defaults match the reference deployment;
// every value can be overridden from the environment.
const (
	DefaultMaxShiftHours        = 12
	DefaultSweepIntervalMinutes = 15
	DefaultSweepLeaseMinutes    = 5
	DefaultIdempotencyTTLHours  = 24
)

// MaxShiftDuration is the cap after which an open entry is force-closed.
func MaxShiftDuration() time.Duration {
	return time.Duration(IntFromEnv("MAX_SHIFT_HOURS", DefaultMaxShiftHours)) * time.Hour
}

// SweepInterval is how often the scheduled sweeper fires.
func SweepInterval() time.Duration {
	return time.Duration(IntFromEnv("SWEEP_INTERVAL_MINUTES", DefaultSweepIntervalMinutes)) * time.Minute
}

// SweepLeaseTTL bounds how long a single sweep may hold the lease. A crashed
// holder's lease expires naturally after this.
func SweepLeaseTTL() time.Duration {
	return time.Duration(IntFromEnv("SWEEP_LEASE_MINUTES", DefaultSweepLeaseMinutes)) * time.Minute
}

// IdempotencyTTL is how long a stored gateway result keeps deduplicating retries.
func IdempotencyTTL() time.Duration {
	return time.Duration(IntFromEnv("IDEMPOTENCY_TTL_HOURS", DefaultIdempotencyTTLHours)) * time.Hour
}

// GatewayRequestTimeout bounds one gateway submit end to end. On timeout the
// caller treats the operation as failed-and-retriable; the ledger makes the
// retry safe either way.
func GatewayRequestTimeout() time.Duration {
	return time.Duration(IntFromEnv("GATEWAY_TIMEOUT_SECONDS", 15)) * time.Second
}

// MaxReportAccuracyMeters is the worst GPS accuracy the gateway will evaluate
// a geofence against. Reports above it are rejected with reason "accuracy".
func MaxReportAccuracyMeters() float64 {
	return float64(IntFromEnv("MAX_REPORT_ACCURACY_METERS", 250))
}

func BoolFromEnv(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}
