package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// HeartbeatRecord is the persisted heartbeat diagnostic for one launch.
type HeartbeatRecord struct {
	LaunchID     string
	LastSequence int64
	LastAckAt    *time.Time
	AcksSent     int64
}

// RecordHeartbeat stores the sequence of an acknowledged heartbeat for launchID.
func (s *Store) RecordHeartbeat(ctx context.Context, launchID string, sequence int64, ackAt time.Time) error {
	launchID = strings.TrimSpace(launchID)
	if launchID == "" {
		return fmt.Errorf("store: record heartbeat: empty launch id")
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		now := time.Now().UTC().Format(time.RFC3339Nano)
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO heartbeats (launch_id, last_sequence, last_ack_at, acks_sent, updated_at)
			VALUES (?, ?, ?, 1, ?)
			ON CONFLICT(launch_id) DO UPDATE SET
				last_sequence = excluded.last_sequence,
				last_ack_at = excluded.last_ack_at,
				acks_sent = heartbeats.acks_sent + 1,
				updated_at = excluded.updated_at
		`, launchID, sequence, ackAt.UTC().Format(time.RFC3339Nano), now); err != nil {
			return fmt.Errorf("store: record heartbeat %q: %w", launchID, err)
		}
		return nil
	})
}

// LastHeartbeat returns the heartbeat record for launchID or a NotFoundError.
func (s *Store) LastHeartbeat(ctx context.Context, launchID string) (HeartbeatRecord, error) {
	var (
		rec       = HeartbeatRecord{LaunchID: launchID}
		lastAckAt sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT last_sequence, last_ack_at, acks_sent FROM heartbeats WHERE launch_id = ?
	`, launchID).Scan(&rec.LastSequence, &lastAckAt, &rec.AcksSent)
	if errors.Is(err, sql.ErrNoRows) {
		return HeartbeatRecord{}, NotFoundError{Entity: "heartbeat", Key: launchID}
	}
	if err != nil {
		return HeartbeatRecord{}, fmt.Errorf("store: load heartbeat %q: %w", launchID, err)
	}
	if lastAckAt.Valid {
		if t, err := time.Parse(time.RFC3339Nano, lastAckAt.String); err == nil {
			rec.LastAckAt = &t
		}
	}
	return rec, nil
}
