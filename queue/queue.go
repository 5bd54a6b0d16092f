// Package queue is the client-resident bounded FIFO of pending clock
// operations, used while the mutation gateway is unreachable. It is backed by
// SQLite so every state transition is one durable write: a crash mid-operation
// can never leave a half-applied item.
package queue

import (
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSQL string

const (
	// MaxQueueSize is the hard cap; enqueue beyond it fails loudly rather
	// than silently dropping data.
	MaxQueueSize = 100

	// SoftWarnThreshold lets the UI surface pressure before the hard cap.
	SoftWarnThreshold = 50

	// MaxItemAge bounds how long an unsynced operation stays relevant; a
	// shift cannot be legitimately backdated past it.
	MaxItemAge = 7 * 24 * time.Hour
)

var ErrQueueFull = errors.New("operation queue is full; sync before continuing")

type Stats struct {
	Total           int     `json:"total"`
	Pending         int     `json:"pending"`
	Processed       int     `json:"processed"`
	Failed          int     `json:"failed"`
	Rejected        int     `json:"rejected"`
	UsagePercentage float64 `json:"usage_percentage"`
}

// Queue is single-writer per device (the sync driver); there is no
// cross-process contention, only crash atomicity to defend.
type Queue struct {
	db *sql.DB

	// now is swappable for tests.
	now func() time.Time
}

// Open creates or opens the queue database at path, applying pragmas and
// schema. Safe to call repeatedly.
func Open(path string) (*Queue, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open queue database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect queue database: %w", err)
	}

	// SQLite supports one writer at a time; a single connection avoids
	// SQLITE_BUSY in exchange for serialized access, which matches the
	// single-writer contract anyway.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply %q: %w", pragma, err)
		}
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply queue schema: %w", err)
	}

	return &Queue{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

func (q *Queue) Close() error {
	if q.db == nil {
		return nil
	}
	return q.db.Close()
}

// Enqueue persists a new pending operation. The size check and insert run in
// one transaction so the cap holds even across a crash mid-write. ItemId and
// EventId are assigned here, once, and survive every later retry.
func (q *Queue) Enqueue(payload Payload) (*QueueItem, error) {
	if payload == nil {
		return nil, errors.New("payload is required")
	}
	raw, err := encodePayload(payload)
	if err != nil {
		return nil, err
	}

	item := &QueueItem{
		ItemId:    uuid.NewString(),
		Type:      payload.operationType(),
		EventId:   uuid.NewString(),
		Payload:   payload,
		CreatedAt: q.now(),
		State:     ItemStatePending,
	}

	tx, err := q.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var total int
	if err := tx.QueryRow(`SELECT COUNT(*) FROM queue_items`).Scan(&total); err != nil {
		return nil, err
	}
	if total >= MaxQueueSize {
		return nil, ErrQueueFull
	}

	_, err = tx.Exec(
		`INSERT INTO queue_items (item_id, type, event_id, payload, created_at, state)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		item.ItemId, string(item.Type), item.EventId, raw, item.CreatedAt.Unix(), string(item.State),
	)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return item, nil
}

// DequeueBatch returns up to maxN pending items, oldest first, WITHOUT
// removing them. Removal happens only on confirmed success, so a crashed sync
// attempt leaves the items intact for the next pass.
func (q *Queue) DequeueBatch(maxN int) ([]QueueItem, error) {
	if maxN <= 0 {
		maxN = MaxQueueSize
	}
	rows, err := q.db.Query(
		`SELECT item_id, type, event_id, payload, created_at, retry_count, last_error, state
		 FROM queue_items WHERE state = ? ORDER BY seq ASC LIMIT ?`,
		string(ItemStatePending), maxN,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []QueueItem
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func (q *Queue) MarkProcessed(itemId string) error {
	return q.setState(itemId, ItemStateProcessed, nil)
}

// MarkFailed records the failure and increments the retry counter. The item
// is kept: the event id must survive so the gateway can deduplicate the retry.
func (q *Queue) MarkFailed(itemId string, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	res, err := q.db.Exec(
		`UPDATE queue_items SET state = ?, retry_count = retry_count + 1, last_error = ? WHERE item_id = ?`,
		string(ItemStateFailed), msg, itemId,
	)
	if err != nil {
		return err
	}
	return requireOneRow(res, itemId)
}

// MarkRejected records a terminal server rejection. The item stays visible
// for inspection but RetryFailed never touches it, so it is submitted at most
// once.
func (q *Queue) MarkRejected(itemId string, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return q.setState(itemId, ItemStateRejected, &msg)
}

// RetryFailed resets failed items to pending. Used after connectivity
// restoration or a manual trigger. Rejected items are excluded: the server
// already gave a terminal verdict on them.
func (q *Queue) RetryFailed() (int, error) {
	res, err := q.db.Exec(
		`UPDATE queue_items SET state = ? WHERE state = ?`,
		string(ItemStatePending), string(ItemStateFailed),
	)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// CleanupExpired removes items older than MaxItemAge regardless of state; the
// operations they represent can no longer be legitimately backdated.
func (q *Queue) CleanupExpired() (int, error) {
	cutoff := q.now().Add(-MaxItemAge).Unix()
	res, err := q.db.Exec(`DELETE FROM queue_items WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// Remove deletes a confirmed item. Kept separate from MarkProcessed so the
// client can retain a short local history of synced operations if it wants.
func (q *Queue) Remove(itemId string) error {
	res, err := q.db.Exec(`DELETE FROM queue_items WHERE item_id = ?`, itemId)
	if err != nil {
		return err
	}
	return requireOneRow(res, itemId)
}

func (q *Queue) Stats() (Stats, error) {
	rows, err := q.db.Query(`SELECT state, COUNT(*) FROM queue_items GROUP BY state`)
	if err != nil {
		return Stats{}, err
	}
	defer rows.Close()

	var stats Stats
	for rows.Next() {
		var state string
		var count int
		if err := rows.Scan(&state, &count); err != nil {
			return Stats{}, err
		}
		stats.Total += count
		switch ItemState(state) {
		case ItemStatePending:
			stats.Pending = count
		case ItemStateProcessed:
			stats.Processed = count
		case ItemStateFailed:
			stats.Failed = count
		case ItemStateRejected:
			stats.Rejected = count
		}
	}
	if err := rows.Err(); err != nil {
		return Stats{}, err
	}
	stats.UsagePercentage = float64(stats.Total) / float64(MaxQueueSize) * 100
	return stats, nil
}

// ShouldWarn reports whether pending pressure passed the soft threshold.
func (q *Queue) ShouldWarn() (bool, error) {
	stats, err := q.Stats()
	if err != nil {
		return false, err
	}
	return stats.Pending >= SoftWarnThreshold, nil
}

func (q *Queue) setState(itemId string, state ItemState, lastError *string) error {
	res, err := q.db.Exec(
		`UPDATE queue_items SET state = ?, last_error = ? WHERE item_id = ?`,
		string(state), lastError, itemId,
	)
	if err != nil {
		return err
	}
	return requireOneRow(res, itemId)
}

func requireOneRow(res sql.Result, itemId string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("queue item %s not found", itemId)
	}
	return nil
}

func scanItem(rows *sql.Rows) (QueueItem, error) {
	var (
		item      QueueItem
		opType    string
		raw       string
		createdAt int64
		lastError sql.NullString
		state     string
	)
	if err := rows.Scan(&item.ItemId, &opType, &item.EventId, &raw, &createdAt, &item.RetryCount, &lastError, &state); err != nil {
		return QueueItem{}, err
	}
	item.Type = OperationType(opType)
	item.State = ItemState(state)
	item.CreatedAt = time.Unix(createdAt, 0).UTC()
	if lastError.Valid {
		item.LastError = &lastError.String
	}
	payload, err := decodePayload(item.Type, raw)
	if err != nil {
		return QueueItem{}, err
	}
	item.Payload = payload
	return item, nil
}
