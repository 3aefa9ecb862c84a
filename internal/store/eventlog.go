package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"kernelci.org/api/common/id"
	"kernelci.org/api/core/db"
	"kernelci.org/api/internal/model"
)

// MaxCatchupEvents is the hard cap on records returned by a single
// ReadForward call, bounding the work a lagging subscriber can cause.
const MaxCatchupEvents = 1000

type eventLogStore struct {
	db  *db.DB
	ttl time.Duration
}

func newEventLogStore(database *db.DB, ttl time.Duration) EventLogStore {
	return &eventLogStore{db: database, ttl: ttl}
}

const eventColumnsSQL = `id, channel, sequence_id, owner, timestamp, data`

func (s *eventLogStore) Append(ctx context.Context, channel, owner string, data map[string]any) (*model.EventRecord, error) {
	if data == nil {
		data = map[string]any{}
	}
	payload, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encoding event data: %w", err)
	}

	rec := &model.EventRecord{
		ID:      id.New(),
		Channel: channel,
		Owner:   owner,
		Data:    data,
	}

	err = withRetry(ctx, func() error {
		return s.db.WithTx(ctx, func(tx pgx.Tx) error {
			// The sequence row lock serializes concurrent appends on the
			// same channel; ids come out dense and strictly increasing.
			if err := tx.QueryRow(ctx, `
				INSERT INTO event_sequence (channel, last_id) VALUES ($1, 1)
				ON CONFLICT (channel) DO UPDATE SET last_id = event_sequence.last_id + 1
				RETURNING last_id`, channel,
			).Scan(&rec.SequenceID); err != nil {
				return err
			}

			rec.Timestamp = time.Now().UTC()
			_, err := tx.Exec(ctx, `
				INSERT INTO eventhistory (`+eventColumnsSQL+`)
				VALUES ($1, $2, $3, $4, $5, $6)`,
				rec.ID, rec.Channel, rec.SequenceID, nullable(rec.Owner), rec.Timestamp, payload,
			)
			return err
		})
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *eventLogStore) ReadForward(ctx context.Context, channel string, afterSeq int64, maxCount int) ([]model.EventRecord, error) {
	if maxCount <= 0 || maxCount > MaxCatchupEvents {
		maxCount = MaxCatchupEvents
	}

	var records []model.EventRecord
	err := withRetry(ctx, func() error {
		rows, err := s.db.Pool().Query(ctx, `
			SELECT `+eventColumnsSQL+` FROM eventhistory
			WHERE channel = $1 AND sequence_id > $2 AND timestamp > $3
			ORDER BY sequence_id
			LIMIT $4`,
			channel, afterSeq, s.expiryCutoff(), maxCount)
		if err != nil {
			return err
		}
		defer rows.Close()
		records, err = collectEvents(rows)
		return err
	})
	return records, err
}

func (s *eventLogStore) LastSequenceID(ctx context.Context, channel string) (int64, error) {
	var last int64
	err := withRetry(ctx, func() error {
		err := s.db.Pool().QueryRow(ctx,
			`SELECT last_id FROM event_sequence WHERE channel = $1`, channel,
		).Scan(&last)
		if errors.Is(err, pgx.ErrNoRows) {
			last = 0
			return nil
		}
		return err
	})
	return last, err
}

func (s *eventLogStore) History(ctx context.Context, q *HistoryQuery) ([]model.EventRecord, error) {
	clauses := []string{"timestamp > $1"}
	args := []any{s.expiryCutoff()}
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if q.IDs != nil {
		clauses = append(clauses, fmt.Sprintf("id = ANY(%s)", arg(q.IDs)))
	}
	if q.From != nil {
		clauses = append(clauses, fmt.Sprintf("timestamp >= %s", arg(*q.From)))
	}
	if q.Kind != "" {
		clauses = append(clauses, fmt.Sprintf("data->>'kind' = %s", arg(q.Kind)))
	}
	if q.State != "" {
		clauses = append(clauses, fmt.Sprintf("data->>'state' = %s", arg(q.State)))
	}
	if q.Result != "" {
		clauses = append(clauses, fmt.Sprintf("data->>'result' = %s", arg(q.Result)))
	}
	if q.NodeID != "" {
		clauses = append(clauses, fmt.Sprintf("data->>'id' = %s", arg(q.NodeID)))
	}

	limit := q.Limit
	if limit <= 0 || limit > MaxCatchupEvents {
		limit = MaxCatchupEvents
	}

	sql := fmt.Sprintf(`
		SELECT `+eventColumnsSQL+` FROM eventhistory
		WHERE %s ORDER BY timestamp, id LIMIT %s`,
		strings.Join(clauses, " AND "), arg(limit))

	var records []model.EventRecord
	err := withRetry(ctx, func() error {
		rows, err := s.db.Pool().Query(ctx, sql, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		records, err = collectEvents(rows)
		return err
	})
	return records, err
}

func (s *eventLogStore) PurgeExpired(ctx context.Context) (int64, error) {
	var purged int64
	err := withRetry(ctx, func() error {
		tag, err := s.db.Pool().Exec(ctx,
			`DELETE FROM eventhistory WHERE timestamp <= $1`, s.expiryCutoff())
		if err != nil {
			return err
		}
		purged = tag.RowsAffected()
		return nil
	})
	return purged, err
}

// expiryCutoff is the oldest timestamp still visible. Reads filter on it so
// the TTL holds even between purge passes.
func (s *eventLogStore) expiryCutoff() time.Time {
	return time.Now().UTC().Add(-s.ttl)
}

func collectEvents(rows pgx.Rows) ([]model.EventRecord, error) {
	var records []model.EventRecord
	for rows.Next() {
		var (
			rec   model.EventRecord
			owner *string
			data  []byte
		)
		if err := rows.Scan(&rec.ID, &rec.Channel, &rec.SequenceID, &owner, &rec.Timestamp, &data); err != nil {
			return nil, err
		}
		if owner != nil {
			rec.Owner = *owner
		}
		if err := json.Unmarshal(data, &rec.Data); err != nil {
			return nil, fmt.Errorf("decoding event data: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
