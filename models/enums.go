package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

type UserRole string

const (
	UserRoleWorker UserRole = "Worker"
	UserRoleAdmin  UserRole = "Admin"
)

// EntryState is the derived lifecycle position of a time entry.
// Open -> Closed -> Invoiced; Invoiced is terminal and immutable.
type EntryState string

const (
	EntryStateOpen     EntryState = "Open"
	EntryStateClosed   EntryState = "Closed"
	EntryStateInvoiced EntryState = "Invoiced"
)

// Exception tags recorded on entries the sweeper corrected. They keep the
// correction visible to auditors and downstream admin review.
const (
	ExceptionTagAutoClockOut       = "auto_clockout"
	ExceptionTagExceedsMaxDuration = "exceeds_max_duration"
)

type ClockOperationType string

const (
	ClockOperationClockIn  ClockOperationType = "clock_in"
	ClockOperationClockOut ClockOperationType = "clock_out"
)

// StringSet stores a set of tags as a JSON array column.
type StringSet []string

func (s StringSet) Has(tag string) bool {
	for _, v := range s {
		if v == tag {
			return true
		}
	}
	return false
}

func (s StringSet) With(tags ...string) StringSet {
	out := s
	for _, tag := range tags {
		if !out.Has(tag) {
			out = append(out, tag)
		}
	}
	return out
}

func (s StringSet) Value() (driver.Value, error) {
	if len(s) == 0 {
		return "[]", nil
	}
	b, err := json.Marshal([]string(s))
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (s *StringSet) Scan(value interface{}) error {
	if value == nil {
		*s = nil
		return nil
	}
	var raw []byte
	switch v := value.(type) {
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("unsupported type for StringSet: %T", value)
	}
	if len(raw) == 0 {
		*s = nil
		return nil
	}
	var out []string
	if err := json.Unmarshal(raw, &out); err != nil {
		return err
	}
	*s = out
	return nil
}
