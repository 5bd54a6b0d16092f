package queue

import (
	"encoding/json"
	"fmt"
	"time"
)

type ItemState string

const (
	ItemStatePending   ItemState = "pending"
	ItemStateProcessed ItemState = "processed"
	ItemStateFailed    ItemState = "failed"

	// ItemStateRejected marks a terminal server rejection. Unlike failed,
	// rejected items are never reset to pending; resubmitting them cannot
	// change the outcome.
	ItemStateRejected ItemState = "rejected"
)

type OperationType string

const (
	OperationClockIn  OperationType = "clock_in"
	OperationClockOut OperationType = "clock_out"
)

// Payload is a closed tagged union: exactly ClockInPayload or ClockOutPayload.
// The sync driver dispatches on the concrete type, never on runtime shape
// inspection.
type Payload interface {
	operationType() OperationType
}

type ClockInPayload struct {
	JobId          int     `json:"job_id"`
	Lat            float64 `json:"lat"`
	Lng            float64 `json:"lng"`
	AccuracyMeters float64 `json:"accuracy_meters"`
}

func (ClockInPayload) operationType() OperationType { return OperationClockIn }

type ClockOutPayload struct {
	EntryId        int     `json:"entry_id"`
	Lat            float64 `json:"lat"`
	Lng            float64 `json:"lng"`
	AccuracyMeters float64 `json:"accuracy_meters"`
	Notes          *string `json:"notes,omitempty"`
}

func (ClockOutPayload) operationType() OperationType { return OperationClockOut }

// QueueItem is one not-yet-acknowledged clock operation. EventId is generated
// once at creation and never regenerated: retries of the same logical
// operation always carry the same idempotency key.
type QueueItem struct {
	ItemId     string
	Type       OperationType
	EventId    string
	Payload    Payload
	CreatedAt  time.Time
	RetryCount int
	LastError  *string
	State      ItemState
}

func encodePayload(p Payload) (string, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decodePayload(opType OperationType, raw string) (Payload, error) {
	switch opType {
	case OperationClockIn:
		var p ClockInPayload
		if err := json.Unmarshal([]byte(raw), &p); err != nil {
			return nil, err
		}
		return p, nil
	case OperationClockOut:
		var p ClockOutPayload
		if err := json.Unmarshal([]byte(raw), &p); err != nil {
			return nil, err
		}
		return p, nil
	default:
		return nil, fmt.Errorf("unknown operation type %q", opType)
	}
}
