package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

// AppendEvent records an event in the run history with the next sequence
// number. The sequence is allocated inside a transaction so concurrent
// appends never collide.
func (s *Store) AppendEvent(ctx context.Context, event *Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storeErr("begin event", err)
	}
	defer tx.Rollback()

	var seq int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM events`).Scan(&seq)
	if err != nil {
		return storeErr("next event sequence", err)
	}
	event.Sequence = seq

	var payload any
	if len(event.Payload) > 0 {
		data, err := json.Marshal(event.Payload)
		if err != nil {
			return storeErr("marshal event payload", err)
		}
		payload = string(data)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO events (step, event_type, payload, timestamp, sequence)
		 VALUES (?, ?, ?, ?, ?)`,
		nullStr(event.Step), event.Type, payload, timeOrNow(event.Timestamp), seq,
	)
	if err != nil {
		return storeErr("insert event", err)
	}

	if err := tx.Commit(); err != nil {
		return storeErr("commit event", err)
	}
	return nil
}

// Events returns all events with sequence greater than since, in order.
func (s *Store) Events(ctx context.Context, since int64) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, step, event_type, payload, timestamp, sequence
		 FROM events WHERE sequence > ? ORDER BY sequence ASC`, since)
	if err != nil {
		return nil, storeErr("load events", err)
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		e := &Event{}
		var step, payload sql.NullString
		if err := rows.Scan(&e.ID, &step, &e.Type, &payload, &e.Timestamp, &e.Sequence); err != nil {
			return nil, storeErr("scan event", err)
		}
		e.Step = step.String
		if payload.Valid && payload.String != "" {
			if err := json.Unmarshal([]byte(payload.String), &e.Payload); err != nil {
				return nil, storeErr(fmt.Sprintf("unmarshal payload of event %d", e.ID), err)
			}
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}
